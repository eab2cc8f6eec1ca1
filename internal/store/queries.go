package store

import (
	"context"
	"errors"
	"time"

	"yieldo-indexer/internal/models"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RecordFilter narrows list queries. Zero values mean "no filter".
type RecordFilter struct {
	User    string
	VaultID string
	ChainID uint64
	Status  string
	Source  string
	Limit   int
	Offset  int
}

func (f RecordFilter) apply(q *gorm.DB) *gorm.DB {
	if f.User != "" {
		q = q.Where("user_address = ?", f.User)
	}
	if f.VaultID != "" {
		q = q.Where("vault_id = ?", f.VaultID)
	}
	if f.ChainID != 0 {
		q = q.Where("chain_id = ?", f.ChainID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Source != "" {
		q = q.Where("source = ?", f.Source)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return q.Limit(limit).Offset(f.Offset)
}

// ListDeposits returns deposits newest first.
func (s *Store) ListDeposits(ctx context.Context, filter RecordFilter) ([]models.Deposit, error) {
	var deposits []models.Deposit
	q := filter.apply(s.db.WithContext(ctx).Model(&models.Deposit{}))
	err := q.Order("block_number DESC, log_index DESC").Find(&deposits).Error
	return deposits, err
}

// ListWithdrawals returns withdrawals newest first.
func (s *Store) ListWithdrawals(ctx context.Context, filter RecordFilter) ([]models.Withdrawal, error) {
	var withdrawals []models.Withdrawal
	q := filter.apply(s.db.WithContext(ctx).Model(&models.Withdrawal{}))
	err := q.Order("block_number DESC, log_index DESC").Find(&withdrawals).Error
	return withdrawals, err
}

// ListIntents returns intents newest first.
func (s *Store) ListIntents(ctx context.Context, filter RecordFilter) ([]models.DepositIntent, error) {
	var intents []models.DepositIntent
	q := filter.apply(s.db.WithContext(ctx).Model(&models.DepositIntent{}))
	err := q.Order("block_number DESC").Find(&intents).Error
	return intents, err
}

// ============ snapshot flow queries ============

// dayWindow is the UTC [00:00, 24:00) range for a calendar date.
func dayWindow(date time.Time) (time.Time, time.Time) {
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}

// productDepositStatuses are the deposit statuses that count toward AUM.
var productDepositStatuses = []models.DepositStatus{
	models.DepositStatusExecuted,
	models.DepositStatusSettled,
}

// productWithdrawalStatuses are the withdrawal statuses that count against
// AUM. Pending withdrawals already encumber assets, so they count.
var productWithdrawalStatuses = []models.WithdrawalStatus{
	models.WithdrawalStatusPending,
	models.WithdrawalStatusSettled,
	models.WithdrawalStatusWithdrawn,
}

type sumRow struct {
	Total decimal.NullDecimal
}

// SumProductDepositsOn totals product deposit amounts for one vault on one
// UTC calendar day.
func (s *Store) SumProductDepositsOn(ctx context.Context, vaultID string, chainID uint64, date time.Time) (decimal.Decimal, error) {
	start, end := dayWindow(date)
	var row sumRow
	err := s.db.WithContext(ctx).Model(&models.Deposit{}).
		Select("COALESCE(SUM(amount), 0) AS total").
		Where("vault_id = ? AND chain_id = ? AND source = ? AND status IN ? AND block_time >= ? AND block_time < ?",
			vaultID, chainID, models.SourceProduct, productDepositStatuses, start, end).
		Scan(&row).Error
	if err != nil {
		return decimal.Zero, err
	}
	return row.Total.Decimal, nil
}

// SumProductDepositsThrough totals product deposit amounts for one vault over
// all days up to and including the given UTC date.
func (s *Store) SumProductDepositsThrough(ctx context.Context, vaultID string, chainID uint64, date time.Time) (decimal.Decimal, error) {
	_, end := dayWindow(date)
	var row sumRow
	err := s.db.WithContext(ctx).Model(&models.Deposit{}).
		Select("COALESCE(SUM(amount), 0) AS total").
		Where("vault_id = ? AND chain_id = ? AND source = ? AND status IN ? AND block_time < ?",
			vaultID, chainID, models.SourceProduct, productDepositStatuses, end).
		Scan(&row).Error
	if err != nil {
		return decimal.Zero, err
	}
	return row.Total.Decimal, nil
}

// ProductWithdrawalsOn returns product withdrawals for one vault on one UTC
// day. Rows are returned rather than summed because unsettled rows carry
// shares, not assets, and the caller owns the conversion.
func (s *Store) ProductWithdrawalsOn(ctx context.Context, vaultID string, chainID uint64, date time.Time) ([]models.Withdrawal, error) {
	start, end := dayWindow(date)
	var withdrawals []models.Withdrawal
	err := s.db.WithContext(ctx).
		Where("vault_id = ? AND chain_id = ? AND source = ? AND status IN ? AND block_time >= ? AND block_time < ?",
			vaultID, chainID, models.SourceProduct, productWithdrawalStatuses, start, end).
		Find(&withdrawals).Error
	return withdrawals, err
}

// ProductWithdrawalsThrough returns product withdrawals for one vault over
// all days up to and including the given UTC date.
func (s *Store) ProductWithdrawalsThrough(ctx context.Context, vaultID string, chainID uint64, date time.Time) ([]models.Withdrawal, error) {
	_, end := dayWindow(date)
	var withdrawals []models.Withdrawal
	err := s.db.WithContext(ctx).
		Where("vault_id = ? AND chain_id = ? AND source = ? AND status IN ? AND block_time < ?",
			vaultID, chainID, models.SourceProduct, productWithdrawalStatuses, end).
		Find(&withdrawals).Error
	return withdrawals, err
}

// ProductUsers returns every address that ever had a product-attributed
// deposit or withdrawal in the vault. Used by balance-based reconciliation.
func (s *Store) ProductUsers(ctx context.Context, vaultID string, chainID uint64) ([]string, error) {
	var users []string
	err := s.db.WithContext(ctx).
		Raw(`SELECT DISTINCT user_address FROM deposits
		     WHERE vault_id = ? AND chain_id = ? AND source = ?
		     UNION
		     SELECT DISTINCT user_address FROM withdrawals
		     WHERE vault_id = ? AND chain_id = ? AND source = ?`,
			vaultID, chainID, models.SourceProduct,
			vaultID, chainID, models.SourceProduct).
		Scan(&users).Error
	return users, err
}

// ============ snapshots ============

// UpsertSnapshot writes or replaces the snapshot for (date, vault, chain).
func (s *Store) UpsertSnapshot(ctx context.Context, snapshot *models.DailySnapshot) error {
	var existing models.DailySnapshot
	err := s.db.WithContext(ctx).
		Where("snapshot_date = ? AND vault_id = ? AND chain_id = ?",
			snapshot.SnapshotDate, snapshot.VaultID, snapshot.ChainID).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		createErr := s.db.WithContext(ctx).Create(snapshot).Error
		if createErr != nil && isDuplicateKey(createErr) {
			return s.UpsertSnapshot(ctx, snapshot)
		}
		return createErr
	}
	if err != nil {
		return err
	}
	snapshot.ID = existing.ID
	snapshot.CreatedAt = existing.CreatedAt
	return s.db.WithContext(ctx).Model(&existing).Updates(map[string]interface{}{
		"total_deposits":    snapshot.TotalDeposits,
		"total_withdrawals": snapshot.TotalWithdrawals,
		"total_assets":      snapshot.TotalAssets,
		"total_supply":      snapshot.TotalSupply,
		"share_price":       snapshot.SharePrice,
		"reconciled":        snapshot.Reconciled,
		"updated_at":        time.Now(),
	}).Error
}

// LatestSnapshotBefore returns the most recent snapshot for the vault
// strictly before the given date, or nil.
func (s *Store) LatestSnapshotBefore(ctx context.Context, vaultID string, chainID uint64, date time.Time) (*models.DailySnapshot, error) {
	start, _ := dayWindow(date)
	var snapshot models.DailySnapshot
	err := s.db.WithContext(ctx).
		Where("vault_id = ? AND chain_id = ? AND snapshot_date < ?", vaultID, chainID, start).
		Order("snapshot_date DESC").
		First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// GetSnapshot returns the snapshot for (date, vault, chain), or nil.
func (s *Store) GetSnapshot(ctx context.Context, vaultID string, chainID uint64, date time.Time) (*models.DailySnapshot, error) {
	start, _ := dayWindow(date)
	var snapshot models.DailySnapshot
	err := s.db.WithContext(ctx).
		Where("vault_id = ? AND chain_id = ? AND snapshot_date = ?", vaultID, chainID, start).
		First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// ListSnapshots returns snapshots for a vault ordered by date ascending,
// optionally bounded by [from, to].
func (s *Store) ListSnapshots(ctx context.Context, vaultID string, chainID uint64, from, to *time.Time) ([]models.DailySnapshot, error) {
	q := s.db.WithContext(ctx).Model(&models.DailySnapshot{})
	if vaultID != "" {
		q = q.Where("vault_id = ?", vaultID)
	}
	if chainID != 0 {
		q = q.Where("chain_id = ?", chainID)
	}
	if from != nil {
		start, _ := dayWindow(*from)
		q = q.Where("snapshot_date >= ?", start)
	}
	if to != nil {
		_, end := dayWindow(*to)
		q = q.Where("snapshot_date < ?", end)
	}
	var snapshots []models.DailySnapshot
	err := q.Order("snapshot_date ASC").Find(&snapshots).Error
	return snapshots, err
}

// LatestSnapshots returns the newest snapshot per vault, for the combined
// AUM view.
func (s *Store) LatestSnapshots(ctx context.Context) ([]models.DailySnapshot, error) {
	var snapshots []models.DailySnapshot
	err := s.db.WithContext(ctx).
		Raw(`SELECT DISTINCT ON (vault_id, chain_id) *
		     FROM snapshots
		     ORDER BY vault_id, chain_id, snapshot_date DESC`).
		Scan(&snapshots).Error
	return snapshots, err
}

// ============ ratings ============

// UpsertVaultRating replaces a vault's current rating and appends to its
// history.
func (s *Store) UpsertVaultRating(ctx context.Context, rating *models.VaultRating) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(rating).Error; err != nil {
			return err
		}
		history := &models.VaultRatingHistory{
			VaultID:    rating.VaultID,
			ChainID:    rating.ChainID,
			Score:      rating.Score,
			RunID:      rating.RunID,
			ComputedAt: rating.ComputedAt,
			CreatedAt:  time.Now(),
		}
		return tx.Create(history).Error
	})
}

// ListVaultRatings returns the current rating per vault.
func (s *Store) ListVaultRatings(ctx context.Context) ([]models.VaultRating, error) {
	var ratings []models.VaultRating
	err := s.db.WithContext(ctx).Order("score DESC").Find(&ratings).Error
	return ratings, err
}
