package ratings

import (
	"context"
	"math"
	"time"

	"yieldo-indexer/internal/config"
	"yieldo-indexer/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// sampleWindowDays bounds how much snapshot history a rating run looks at.
const sampleWindowDays = 30

// RatingStore is the slice of persistence a rating run needs.
type RatingStore interface {
	ListSnapshots(ctx context.Context, vaultID string, chainID uint64, from, to *time.Time) ([]models.DailySnapshot, error)
	UpsertVaultRating(ctx context.Context, rating *models.VaultRating) error
	ListVaultRatings(ctx context.Context) ([]models.VaultRating, error)
}

// Service scores vaults from their snapshot history. Each run gets a shared
// run id so one pass across all vaults is traceable in the history table.
type Service struct {
	store  RatingStore
	vaults []config.VaultConfig
}

func NewService(store RatingStore, vaults []config.VaultConfig) *Service {
	return &Service{store: store, vaults: vaults}
}

// Run scores every configured vault and returns the run id. Scoring failures
// are isolated per vault.
func (s *Service) Run(ctx context.Context) (string, error) {
	runID := uuid.NewString()
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -sampleWindowDays)

	for _, vault := range s.vaults {
		snapshots, err := s.store.ListSnapshots(ctx, vault.ID, vault.ChainID, &from, &now)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"vault":  vault.ID,
				"run_id": runID,
			}).WithError(err).Error("rating run: loading snapshots failed")
			continue
		}

		rating := score(vault, snapshots)
		rating.RunID = runID
		rating.ComputedAt = now
		if err := s.store.UpsertVaultRating(ctx, rating); err != nil {
			logrus.WithFields(logrus.Fields{
				"vault":  vault.ID,
				"run_id": runID,
			}).WithError(err).Error("rating run: persisting rating failed")
			continue
		}
	}

	logrus.WithFields(logrus.Fields{
		"run_id": runID,
		"vaults": len(s.vaults),
	}).Info("vault rating run complete")
	return runID, nil
}

// List returns the current rating per vault.
func (s *Service) List(ctx context.Context) ([]models.VaultRating, error) {
	return s.store.ListVaultRatings(ctx)
}

// score derives the component scores from the sampled snapshots. Each
// component lands in [0, 100]; the composite weights AUM and growth over raw
// activity.
func score(vault config.VaultConfig, snapshots []models.DailySnapshot) *models.VaultRating {
	rating := &models.VaultRating{
		VaultID:    vault.ID,
		ChainID:    vault.ChainID,
		SampleDays: len(snapshots),
	}
	if len(snapshots) == 0 {
		return rating
	}

	latest := snapshots[len(snapshots)-1]
	oldest := snapshots[0]

	rating.AUMScore = aumScore(latest.TotalAssets, vault.Asset.Decimals)
	rating.ActivityScore = activityScore(snapshots)
	rating.GrowthScore = growthScore(oldest.TotalAssets, latest.TotalAssets)
	rating.Score = rating.AUMScore.Mul(decimal.NewFromFloat(0.4)).
		Add(rating.ActivityScore.Mul(decimal.NewFromFloat(0.2))).
		Add(rating.GrowthScore.Mul(decimal.NewFromFloat(0.4))).
		Round(2)
	return rating
}

// aumScore maps AUM onto a log scale: 10 points per order of magnitude in
// whole asset units, saturating at 100.
func aumScore(aum decimal.Decimal, assetDecimals int) decimal.Decimal {
	units, _ := aum.Shift(int32(-assetDecimals)).Float64()
	if units < 1 {
		return decimal.Zero
	}
	points := math.Log10(units) * 10
	if points > 100 {
		points = 100
	}
	return decimal.NewFromFloat(points).Round(2)
}

// activityScore is the share of sampled days with any product flow.
func activityScore(snapshots []models.DailySnapshot) decimal.Decimal {
	active := 0
	for _, snap := range snapshots {
		if !snap.TotalDeposits.IsZero() || !snap.TotalWithdrawals.IsZero() {
			active++
		}
	}
	return decimal.NewFromInt(int64(active * 100)).
		DivRound(decimal.NewFromInt(int64(len(snapshots))), 2)
}

// growthScore maps window-over-window AUM growth onto [0, 100] with 50 as
// flat. ±50% growth saturates the scale.
func growthScore(start, end decimal.Decimal) decimal.Decimal {
	if start.IsZero() {
		if end.IsZero() {
			return decimal.NewFromInt(50)
		}
		return decimal.NewFromInt(100)
	}
	growth, _ := end.Sub(start).DivRound(start, 8).Float64()
	points := 50 + growth*100
	if points > 100 {
		points = 100
	}
	if points < 0 {
		points = 0
	}
	return decimal.NewFromFloat(points).Round(2)
}
