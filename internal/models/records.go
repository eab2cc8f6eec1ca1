package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source classifies the origin of an indexed vault event.
type Source string

const (
	SourceProduct  Source = "product"
	SourceExternal Source = "external"
)

// IntentStatus is the lifecycle of an off-chain deposit intent.
type IntentStatus string

const (
	IntentStatusPending   IntentStatus = "pending"
	IntentStatusExecuted  IntentStatus = "executed"
	IntentStatusCancelled IntentStatus = "cancelled"
)

// DepositStatus lifecycle: pending -> requested -> settled for async vaults,
// pending -> executed for synchronous vaults. Transitions never move backward.
type DepositStatus string

const (
	DepositStatusPending   DepositStatus = "pending"
	DepositStatusRequested DepositStatus = "requested"
	DepositStatusExecuted  DepositStatus = "executed"
	DepositStatusSettled   DepositStatus = "settled"
)

// WithdrawalStatus lifecycle: pending -> settled -> withdrawn.
type WithdrawalStatus string

const (
	WithdrawalStatusPending   WithdrawalStatus = "pending"
	WithdrawalStatusSettled   WithdrawalStatus = "settled"
	WithdrawalStatusWithdrawn WithdrawalStatus = "withdrawn"
)

// DepositStatusRank orders deposit statuses for the forward-only guard.
// A status not in the map never replaces one that is.
var DepositStatusRank = map[DepositStatus]int{
	DepositStatusPending:   0,
	DepositStatusRequested: 1,
	DepositStatusExecuted:  2,
	DepositStatusSettled:   3,
}

// WithdrawalStatusRank orders withdrawal statuses for the forward-only guard.
var WithdrawalStatusRank = map[WithdrawalStatus]int{
	WithdrawalStatusPending:   0,
	WithdrawalStatusSettled:   1,
	WithdrawalStatusWithdrawn: 2,
}

// DepositIntent is an off-chain signed deposit authorization observed via the
// router's IntentCreated event. Identity is the deterministic intent hash.
type DepositIntent struct {
	IntentHash   string          `json:"intent_hash" gorm:"primaryKey;size:66"`
	UserAddress  string          `json:"user_address" gorm:"size:42;index:idx_intent_user_vault"`
	VaultID      string          `json:"vault_id" gorm:"size:64;index:idx_intent_user_vault"`
	ChainID      uint64          `json:"chain_id" gorm:"index"`
	AssetAddress string          `json:"asset_address" gorm:"size:42"`
	Amount       decimal.Decimal `json:"amount" gorm:"type:numeric(78,0)"`
	Nonce        uint64          `json:"nonce"`
	Deadline     uint64          `json:"deadline"`
	Status       IntentStatus    `json:"status" gorm:"size:16;index"`
	TxHash       string          `json:"tx_hash" gorm:"size:66"`
	BlockNumber  uint64          `json:"block_number"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (DepositIntent) TableName() string { return "deposit_intents" }

// Deposit is one vault-level deposit attributed to a user. Identity is
// (tx_hash, chain_id, vault_id); re-processing the same transaction never
// creates a second row.
type Deposit struct {
	ID           uint64           `json:"id" gorm:"primaryKey;autoIncrement"`
	TxHash       string           `json:"tx_hash" gorm:"size:66;uniqueIndex:uniq_deposit_tx_chain_vault"`
	ChainID      uint64           `json:"chain_id" gorm:"uniqueIndex:uniq_deposit_tx_chain_vault"`
	VaultID      string           `json:"vault_id" gorm:"size:64;uniqueIndex:uniq_deposit_tx_chain_vault;index:idx_deposit_vault_day"`
	UserAddress  string           `json:"user_address" gorm:"size:42;index"`
	AssetAddress string           `json:"asset_address" gorm:"size:42"`
	Amount       decimal.Decimal  `json:"amount" gorm:"type:numeric(78,0)"`
	Shares       *decimal.Decimal `json:"shares" gorm:"type:numeric(78,0)"`
	EpochID      *uint64          `json:"epoch_id" gorm:"index"`
	Status       DepositStatus    `json:"status" gorm:"size:16;index"`
	Source       Source           `json:"source" gorm:"size:16;index"`
	IntentHash   *string          `json:"intent_hash" gorm:"size:66"`
	LogIndex     uint             `json:"log_index"`
	BlockNumber  uint64           `json:"block_number"`
	BlockTime    time.Time        `json:"block_time" gorm:"index:idx_deposit_vault_day"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

func (Deposit) TableName() string { return "deposits" }

// Withdrawal is one vault-level redemption attributed to a user. Identity is
// (tx_hash, chain_id).
type Withdrawal struct {
	ID          uint64           `json:"id" gorm:"primaryKey;autoIncrement"`
	TxHash      string           `json:"tx_hash" gorm:"size:66;uniqueIndex:uniq_withdrawal_tx_chain"`
	ClaimTxHash *string          `json:"claim_tx_hash" gorm:"size:66"`
	ChainID     uint64           `json:"chain_id" gorm:"uniqueIndex:uniq_withdrawal_tx_chain"`
	VaultID     string           `json:"vault_id" gorm:"size:64;index:idx_withdrawal_vault_day"`
	UserAddress string           `json:"user_address" gorm:"size:42;index"`
	Shares      decimal.Decimal  `json:"shares" gorm:"type:numeric(78,0)"`
	Assets      *decimal.Decimal `json:"assets" gorm:"type:numeric(78,0)"`
	EpochID     *uint64          `json:"epoch_id" gorm:"index"`
	Status      WithdrawalStatus `json:"status" gorm:"size:16;index"`
	Source      Source           `json:"source" gorm:"size:16;index"`
	LogIndex    uint             `json:"log_index"`
	BlockNumber uint64           `json:"block_number"`
	BlockTime   time.Time        `json:"block_time" gorm:"index:idx_withdrawal_vault_day"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

func (Withdrawal) TableName() string { return "withdrawals" }

// PendingOriginMarker is a short-lived hint that a client reported a
// transaction as product-originated before the indexer saw its logs.
// Consumed (deleted) on attribution match, expired by the marker sweep.
type PendingOriginMarker struct {
	TxHash      string    `json:"tx_hash" gorm:"primaryKey;size:66"`
	UserAddress string    `json:"user_address" gorm:"size:42"`
	Kind        string    `json:"kind" gorm:"size:16"` // deposit | withdrawal
	ExpiresAt   time.Time `json:"expires_at" gorm:"index"`
	CreatedAt   time.Time `json:"created_at"`
}

func (PendingOriginMarker) TableName() string { return "pending_origin_markers" }

// ChainCursor is the durable last-safely-processed block per chain.
// Monotonic non-decreasing.
type ChainCursor struct {
	ChainID            uint64    `json:"chain_id" gorm:"primaryKey"`
	LastProcessedBlock uint64    `json:"last_processed_block"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (ChainCursor) TableName() string { return "chain_cursors" }
