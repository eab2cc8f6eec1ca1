package ratings

import (
	"context"
	"testing"
	"time"

	"yieldo-indexer/internal/config"
	"yieldo-indexer/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type fakeRatingStore struct {
	snapshots map[string][]models.DailySnapshot
	saved     []*models.VaultRating
}

func (f *fakeRatingStore) ListSnapshots(_ context.Context, vaultID string, _ uint64, _, _ *time.Time) ([]models.DailySnapshot, error) {
	return f.snapshots[vaultID], nil
}

func (f *fakeRatingStore) UpsertVaultRating(_ context.Context, rating *models.VaultRating) error {
	f.saved = append(f.saved, rating)
	return nil
}

func (f *fakeRatingStore) ListVaultRatings(context.Context) ([]models.VaultRating, error) {
	var out []models.VaultRating
	for _, r := range f.saved {
		out = append(out, *r)
	}
	return out, nil
}

func ratingVault(id string) config.VaultConfig {
	return config.VaultConfig{
		ID:      id,
		ChainID: 1,
		Asset:   config.AssetConfig{Decimals: 6},
	}
}

func TestRunSharesOneRunID(t *testing.T) {
	store := &fakeRatingStore{snapshots: map[string][]models.DailySnapshot{
		"vault-1": {{TotalAssets: dec(1_000_000_000)}},
		"vault-2": {{TotalAssets: dec(5_000_000_000)}},
	}}
	svc := NewService(store, []config.VaultConfig{ratingVault("vault-1"), ratingVault("vault-2")})

	runID, err := svc.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, runID)
	require.Len(t, store.saved, 2)
	assert.Equal(t, runID, store.saved[0].RunID)
	assert.Equal(t, runID, store.saved[1].RunID)
}

func TestScoreNoHistory(t *testing.T) {
	rating := score(ratingVault("vault-1"), nil)
	assert.Equal(t, 0, rating.SampleDays)
	assert.True(t, rating.Score.IsZero())
}

func TestAUMScoreLogScale(t *testing.T) {
	// 1,000,000 raw units at 6 decimals is one whole unit: zero points.
	assert.True(t, aumScore(dec(1_000_000), 6).IsZero())
	// 10^6 whole units: 60 points.
	sixtyPoints := aumScore(decimal.New(1, 12), 6)
	assert.True(t, dec(60).Equal(sixtyPoints), "got %s", sixtyPoints)
	// Absurd AUM saturates at 100.
	assert.True(t, dec(100).Equal(aumScore(decimal.New(1, 30), 6)))
}

func TestActivityScore(t *testing.T) {
	snapshots := []models.DailySnapshot{
		{TotalDeposits: dec(10)},
		{},
		{TotalWithdrawals: dec(5)},
		{},
	}
	assert.True(t, dec(50).Equal(activityScore(snapshots)))
}

func TestGrowthScore(t *testing.T) {
	// Flat AUM is the midpoint.
	assert.True(t, dec(50).Equal(growthScore(dec(1000), dec(1000))))
	// +20% lands at 70.
	assert.True(t, dec(70).Equal(growthScore(dec(1000), dec(1200))))
	// A crash floors at 0.
	assert.True(t, growthScore(dec(1000), dec(100)).IsZero())
	// Growth from nothing saturates.
	assert.True(t, dec(100).Equal(growthScore(decimal.Zero, dec(500))))
}

func TestCompositeWeights(t *testing.T) {
	snapshots := []models.DailySnapshot{
		{TotalAssets: decimal.New(1, 12), TotalDeposits: dec(1)},
	}
	rating := score(ratingVault("vault-1"), snapshots)
	// aum 60 * 0.4 + activity 100 * 0.2 + growth (flat) 50 * 0.4 = 64.
	assert.True(t, dec(64).Equal(rating.Score), "got %s", rating.Score)
	assert.Equal(t, 1, rating.SampleDays)
}
