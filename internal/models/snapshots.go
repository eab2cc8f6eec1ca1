package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DailySnapshot is the per-vault daily aggregate. Identity is
// (snapshot_date, vault_id, chain_id); the daily job overwrites in place.
type DailySnapshot struct {
	ID               uint64          `json:"id" gorm:"primaryKey;autoIncrement"`
	SnapshotDate     time.Time       `json:"snapshot_date" gorm:"type:date;uniqueIndex:uniq_snapshot_date_vault"`
	VaultID          string          `json:"vault_id" gorm:"size:64;uniqueIndex:uniq_snapshot_date_vault"`
	ChainID          uint64          `json:"chain_id" gorm:"uniqueIndex:uniq_snapshot_date_vault"`
	TotalDeposits    decimal.Decimal `json:"total_deposits" gorm:"type:numeric(78,0)"`
	TotalWithdrawals decimal.Decimal `json:"total_withdrawals" gorm:"type:numeric(78,0)"`
	TotalAssets      decimal.Decimal `json:"total_assets" gorm:"type:numeric(78,0)"`
	TotalSupply      decimal.Decimal `json:"total_supply" gorm:"type:numeric(78,0)"`
	SharePrice       decimal.Decimal `json:"share_price" gorm:"type:numeric(38,18)"`
	Reconciled       bool            `json:"reconciled"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (DailySnapshot) TableName() string { return "snapshots" }

// VaultRating is the current quality score for one vault, derived from its
// snapshot history.
type VaultRating struct {
	VaultID       string          `json:"vault_id" gorm:"primaryKey;size:64"`
	ChainID       uint64          `json:"chain_id"`
	Score         decimal.Decimal `json:"score" gorm:"type:numeric(6,2)"`
	AUMScore      decimal.Decimal `json:"aum_score" gorm:"type:numeric(6,2)"`
	ActivityScore decimal.Decimal `json:"activity_score" gorm:"type:numeric(6,2)"`
	GrowthScore   decimal.Decimal `json:"growth_score" gorm:"type:numeric(6,2)"`
	RunID         string          `json:"run_id" gorm:"size:36"`
	SampleDays    int             `json:"sample_days"`
	ComputedAt    time.Time       `json:"computed_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (VaultRating) TableName() string { return "vault_ratings" }

// VaultRatingHistory is the append-only trail of rating runs.
type VaultRatingHistory struct {
	ID         uint64          `json:"id" gorm:"primaryKey;autoIncrement"`
	VaultID    string          `json:"vault_id" gorm:"size:64;index"`
	ChainID    uint64          `json:"chain_id"`
	Score      decimal.Decimal `json:"score" gorm:"type:numeric(6,2)"`
	RunID      string          `json:"run_id" gorm:"size:36;index"`
	ComputedAt time.Time       `json:"computed_at"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (VaultRatingHistory) TableName() string { return "vault_rating_history" }
