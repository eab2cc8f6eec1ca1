package store

import (
	"context"
	"errors"
	"time"

	"yieldo-indexer/internal/metrics"
	"yieldo-indexer/internal/models"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the idempotent persistence layer. Every write is an upsert
// filtered on the record's identity key: identity fields are set only on
// insert, mutable fields on every match, and the unique constraint turns a
// racing duplicate insert into a no-op instead of an error.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// isDuplicateKey reports a unique-constraint violation (Postgres 23505).
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// ============ intents ============

// UpsertIntent records an intent-created event. Identity is the intent
// hash; replays leave the stored row untouched.
func (s *Store) UpsertIntent(ctx context.Context, intent *models.DepositIntent) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "intent_hash"}},
		DoNothing: true,
	}).Create(intent).Error
	if err != nil && isDuplicateKey(err) {
		metrics.DuplicateKeyNoops.Inc()
		return nil
	}
	if err == nil {
		metrics.RecordsUpserted.WithLabelValues("deposit_intents").Inc()
	}
	return err
}

// MarkIntentExecuted moves a pending intent to executed. Terminal intents
// are never re-opened, so the update is guarded on the current status.
func (s *Store) MarkIntentExecuted(ctx context.Context, intentHash string) error {
	return s.db.WithContext(ctx).Model(&models.DepositIntent{}).
		Where("intent_hash = ? AND status = ?", intentHash, models.IntentStatusPending).
		Updates(map[string]interface{}{
			"status":     models.IntentStatusExecuted,
			"updated_at": time.Now(),
		}).Error
}

// MarkIntentCancelled cancels a pending intent. Cancellation of an executed
// intent is ignored (invariant: cancellation only from pending).
func (s *Store) MarkIntentCancelled(ctx context.Context, intentHash string) error {
	return s.db.WithContext(ctx).Model(&models.DepositIntent{}).
		Where("intent_hash = ? AND status = ?", intentHash, models.IntentStatusPending).
		Updates(map[string]interface{}{
			"status":     models.IntentStatusCancelled,
			"updated_at": time.Now(),
		}).Error
}

// ============ deposits ============

// DepositUpdate is the mutable portion of a deposit record applied on every
// match. Nil pointers leave the stored value alone.
type DepositUpdate struct {
	Status     models.DepositStatus
	Source     models.Source
	Shares     *decimal.Decimal
	EpochID    *uint64
	IntentHash *string
}

// UpsertDeposit inserts the record when its identity (tx_hash, chain_id,
// vault_id) is unseen and otherwise applies only mutable fields, with the
// status moving forward only. Safe under replay and under concurrent
// overlapping scans.
func (s *Store) UpsertDeposit(ctx context.Context, deposit *models.Deposit, update DepositUpdate) error {
	var existing models.Deposit
	err := s.db.WithContext(ctx).
		Where("tx_hash = ? AND chain_id = ? AND vault_id = ?", deposit.TxHash, deposit.ChainID, deposit.VaultID).
		First(&existing).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		createErr := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tx_hash"}, {Name: "chain_id"}, {Name: "vault_id"}},
			DoNothing: true,
		}).Create(deposit).Error
		if createErr == nil {
			metrics.RecordsUpserted.WithLabelValues("deposits").Inc()
			return nil
		}
		if !isDuplicateKey(createErr) {
			return createErr
		}
		// Lost the insert race; fall through to the update path.
		metrics.DuplicateKeyNoops.Inc()
		if err := s.db.WithContext(ctx).
			Where("tx_hash = ? AND chain_id = ? AND vault_id = ?", deposit.TxHash, deposit.ChainID, deposit.VaultID).
			First(&existing).Error; err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	return s.applyDepositUpdate(ctx, &existing, update)
}

func (s *Store) applyDepositUpdate(ctx context.Context, existing *models.Deposit, update DepositUpdate) error {
	updates := map[string]interface{}{"updated_at": time.Now()}

	if update.Status != "" {
		current := models.DepositStatusRank[existing.Status]
		next, known := models.DepositStatusRank[update.Status]
		if known && next > current {
			updates["status"] = update.Status
		} else if known && next < current {
			logrus.WithFields(logrus.Fields{
				"tx_hash": existing.TxHash,
				"have":    existing.Status,
				"got":     update.Status,
			}).Debug("ignoring backward deposit status transition")
		}
	}
	// external -> product is the only source move; an external report never
	// demotes an already attributed record.
	if update.Source == models.SourceProduct && existing.Source != models.SourceProduct {
		updates["source"] = update.Source
	}
	if update.Shares != nil {
		updates["shares"] = *update.Shares
	}
	if update.EpochID != nil {
		updates["epoch_id"] = *update.EpochID
	}
	if update.IntentHash != nil && existing.IntentHash == nil {
		updates["intent_hash"] = *update.IntentHash
	}

	if len(updates) == 1 {
		return nil
	}
	return s.db.WithContext(ctx).Model(existing).Updates(updates).Error
}

// SettleDepositsByRequest fills shares on the deposit rows matching a
// settlement's receiver and epoch/request id and moves them to settled.
func (s *Store) SettleDepositsByRequest(ctx context.Context, chainID uint64, vaultID, user string, requestID uint64, shares decimal.Decimal) error {
	return s.db.WithContext(ctx).Model(&models.Deposit{}).
		Where("chain_id = ? AND vault_id = ? AND user_address = ? AND epoch_id = ? AND status IN ?",
			chainID, vaultID, user, requestID,
			[]models.DepositStatus{models.DepositStatusPending, models.DepositStatusRequested, models.DepositStatusExecuted}).
		Updates(map[string]interface{}{
			"shares":     shares,
			"status":     models.DepositStatusSettled,
			"updated_at": time.Now(),
		}).Error
}

// ============ withdrawals ============

// WithdrawalUpdate is the mutable portion of a withdrawal record.
type WithdrawalUpdate struct {
	Status  models.WithdrawalStatus
	Source  models.Source
	Assets  *decimal.Decimal
	EpochID *uint64
}

// UpsertWithdrawal mirrors UpsertDeposit with identity (tx_hash, chain_id).
func (s *Store) UpsertWithdrawal(ctx context.Context, withdrawal *models.Withdrawal, update WithdrawalUpdate) error {
	var existing models.Withdrawal
	err := s.db.WithContext(ctx).
		Where("tx_hash = ? AND chain_id = ?", withdrawal.TxHash, withdrawal.ChainID).
		First(&existing).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		createErr := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tx_hash"}, {Name: "chain_id"}},
			DoNothing: true,
		}).Create(withdrawal).Error
		if createErr == nil {
			metrics.RecordsUpserted.WithLabelValues("withdrawals").Inc()
			return nil
		}
		if !isDuplicateKey(createErr) {
			return createErr
		}
		metrics.DuplicateKeyNoops.Inc()
		if err := s.db.WithContext(ctx).
			Where("tx_hash = ? AND chain_id = ?", withdrawal.TxHash, withdrawal.ChainID).
			First(&existing).Error; err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	updates := map[string]interface{}{"updated_at": time.Now()}

	if update.Status != "" {
		current := models.WithdrawalStatusRank[existing.Status]
		next, known := models.WithdrawalStatusRank[update.Status]
		if known && next > current {
			updates["status"] = update.Status
		}
	}
	if update.Source == models.SourceProduct && existing.Source != models.SourceProduct {
		updates["source"] = update.Source
	}
	if update.Assets != nil {
		updates["assets"] = *update.Assets
	}
	if update.EpochID != nil {
		updates["epoch_id"] = *update.EpochID
	}

	if len(updates) == 1 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&existing).Updates(updates).Error
}

// SettleWithdrawalsByRequest fills assets on the withdrawal rows matching a
// settlement's receiver and request id and moves them to settled.
func (s *Store) SettleWithdrawalsByRequest(ctx context.Context, chainID uint64, vaultID, user string, requestID uint64, assets decimal.Decimal) error {
	return s.db.WithContext(ctx).Model(&models.Withdrawal{}).
		Where("chain_id = ? AND vault_id = ? AND user_address = ? AND epoch_id = ? AND status = ?",
			chainID, vaultID, user, requestID, models.WithdrawalStatusPending).
		Updates(map[string]interface{}{
			"assets":     assets,
			"status":     models.WithdrawalStatusSettled,
			"updated_at": time.Now(),
		}).Error
}

// ClaimSettledWithdrawal advances the user's most recent settled withdrawal
// for the vault to withdrawn in place. Async redemptions settle on the request
// row and the later claim must not open a second record, so the claim tx hash
// is recorded on the existing row. Returns false when no settled row exists,
// which is the sync-vault path where the claim itself is the withdrawal.
func (s *Store) ClaimSettledWithdrawal(ctx context.Context, chainID uint64, vaultID, user, claimTxHash string, assets decimal.Decimal) (bool, error) {
	// Replayed claim logs match the row they already advanced.
	var applied int64
	if err := s.db.WithContext(ctx).Model(&models.Withdrawal{}).
		Where("chain_id = ? AND claim_tx_hash = ?", chainID, claimTxHash).
		Count(&applied).Error; err != nil {
		return false, err
	}
	if applied > 0 {
		metrics.DuplicateKeyNoops.Inc()
		return true, nil
	}

	var withdrawal models.Withdrawal
	err := s.db.WithContext(ctx).
		Where("chain_id = ? AND vault_id = ? AND user_address = ? AND status = ?",
			chainID, vaultID, user, models.WithdrawalStatusSettled).
		Order("block_number DESC").
		First(&withdrawal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	updates := map[string]interface{}{
		"status":        models.WithdrawalStatusWithdrawn,
		"claim_tx_hash": claimTxHash,
		"updated_at":    time.Now(),
	}
	if !assets.IsZero() {
		updates["assets"] = assets
	}
	if err := s.db.WithContext(ctx).Model(&withdrawal).Updates(updates).Error; err != nil {
		return false, err
	}
	return true, nil
}

// ============ attribution lookups ============

// OpenDeposit returns the user's most recent non-terminal deposit for the
// vault, or nil.
func (s *Store) OpenDeposit(ctx context.Context, user, vaultID string) (*models.Deposit, error) {
	var deposit models.Deposit
	err := s.db.WithContext(ctx).
		Where("user_address = ? AND vault_id = ? AND status IN ?", user, vaultID,
			[]models.DepositStatus{models.DepositStatusPending, models.DepositStatusRequested}).
		Order("block_number DESC").
		First(&deposit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &deposit, nil
}

// OpenIntent returns the user's pending intent for the vault, or nil.
func (s *Store) OpenIntent(ctx context.Context, user, vaultID string) (*models.DepositIntent, error) {
	var intent models.DepositIntent
	err := s.db.WithContext(ctx).
		Where("user_address = ? AND vault_id = ? AND status = ?", user, vaultID, models.IntentStatusPending).
		Order("created_at DESC").
		First(&intent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

// ConsumeMarker deletes the pending-origin marker for the transaction and
// reports whether one existed. Expired markers do not match.
func (s *Store) ConsumeMarker(ctx context.Context, txHash string) (bool, error) {
	result := s.db.WithContext(ctx).
		Where("tx_hash = ? AND expires_at > ?", txHash, time.Now()).
		Delete(&models.PendingOriginMarker{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ============ pending origin markers ============

// CreateMarker records a client's "this transaction is mine" hint with a
// bounded lifetime.
func (s *Store) CreateMarker(ctx context.Context, txHash, user, kind string, ttl time.Duration) error {
	marker := &models.PendingOriginMarker{
		TxHash:      txHash,
		UserAddress: user,
		Kind:        kind,
		ExpiresAt:   time.Now().Add(ttl),
		CreatedAt:   time.Now(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tx_hash"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"expires_at": marker.ExpiresAt,
		}),
	}).Create(marker).Error
	if err != nil && isDuplicateKey(err) {
		return nil
	}
	return err
}

// ExpireMarkers removes markers past their lifetime. Exposed as a
// first-class operation so expiry is testable without waiting on wall time.
func (s *Store) ExpireMarkers(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&models.PendingOriginMarker{})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		metrics.MarkersExpired.Add(float64(result.RowsAffected))
	}
	return result.RowsAffected, nil
}

// ============ mark-yieldo ============

// MarkDepositProduct reattributes an already indexed deposit to the product,
// or leaves a pending-origin marker when the transaction is not indexed yet.
// Returns true when an indexed record was updated.
func (s *Store) MarkDepositProduct(ctx context.Context, txHash, user string, ttl time.Duration) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.Deposit{}).
		Where("tx_hash = ? AND user_address = ?", txHash, user).
		Updates(map[string]interface{}{
			"source":     models.SourceProduct,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}
	return false, s.CreateMarker(ctx, txHash, user, "deposit", ttl)
}

// MarkWithdrawalProduct mirrors MarkDepositProduct for withdrawals.
func (s *Store) MarkWithdrawalProduct(ctx context.Context, txHash, user string, ttl time.Duration) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.Withdrawal{}).
		Where("tx_hash = ? AND user_address = ?", txHash, user).
		Updates(map[string]interface{}{
			"source":     models.SourceProduct,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}
	return false, s.CreateMarker(ctx, txHash, user, "withdrawal", ttl)
}
