package attribution

import (
	"context"
	"testing"

	"yieldo-indexer/internal/config"
	"yieldo-indexer/internal/models"
	"yieldo-indexer/internal/scanner"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	routerAddr = "0x1111111111111111111111111111111111111111"
	userAddr   = "0x2222222222222222222222222222222222222222"
)

type fakeLookup struct {
	deposit *models.Deposit
	intent  *models.DepositIntent
	markers map[string]bool

	consumedMarkers []string
}

func (f *fakeLookup) OpenDeposit(_ context.Context, _, _ string) (*models.Deposit, error) {
	return f.deposit, nil
}

func (f *fakeLookup) OpenIntent(_ context.Context, _, _ string) (*models.DepositIntent, error) {
	return f.intent, nil
}

func (f *fakeLookup) ConsumeMarker(_ context.Context, txHash string) (bool, error) {
	if f.markers[txHash] {
		delete(f.markers, txHash)
		f.consumedMarkers = append(f.consumedMarkers, txHash)
		return true, nil
	}
	return false, nil
}

func testVault() *config.VaultConfig {
	return &config.VaultConfig{
		ID:            "vault-1",
		RouterAddress: routerAddr,
	}
}

func testEvent(origin string) *scanner.DecodedEvent {
	return &scanner.DecodedEvent{
		Kind:    scanner.KindDeposit,
		VaultID: "vault-1",
		TxHash:  "0xaaa",
		Origin:  origin,
		User:    userAddr,
	}
}

func TestRouterOriginIsProduct(t *testing.T) {
	resolver := NewResolver()
	result, err := resolver.Attribute(context.Background(), testEvent(routerAddr), testVault(), &fakeLookup{})
	require.NoError(t, err)
	assert.Equal(t, models.SourceProduct, result.Source)
}

func TestRouterOriginCaseInsensitive(t *testing.T) {
	resolver := NewResolver()
	vault := testVault()
	vault.RouterAddress = "0xaBcDef0123456789abCdef0123456789ABcdEF01"
	event := testEvent("0xabcdef0123456789abcdef0123456789abcdef01")

	result, err := resolver.Attribute(context.Background(), event, vault, &fakeLookup{})
	require.NoError(t, err)
	assert.Equal(t, models.SourceProduct, result.Source)
}

func TestRouterBeatsMarker(t *testing.T) {
	// Rule 1 must win before rule 4 consumes an unrelated marker.
	lookup := &fakeLookup{markers: map[string]bool{"0xaaa": true}}
	resolver := NewResolver()

	result, err := resolver.Attribute(context.Background(), testEvent(routerAddr), testVault(), lookup)
	require.NoError(t, err)
	assert.Equal(t, models.SourceProduct, result.Source)
	assert.Empty(t, lookup.consumedMarkers, "router-origin attribution must not consume markers")
}

func TestOpenProductRecordInheritsSource(t *testing.T) {
	hash := "0xintent"
	lookup := &fakeLookup{
		deposit: &models.Deposit{
			Source:     models.SourceProduct,
			IntentHash: &hash,
			Status:     models.DepositStatusRequested,
		},
	}
	resolver := NewResolver()

	result, err := resolver.Attribute(context.Background(), testEvent(userAddr), testVault(), lookup)
	require.NoError(t, err)
	assert.Equal(t, models.SourceProduct, result.Source)
	assert.Equal(t, hash, result.IntentHash)
}

func TestExternalOpenRecordHasNoOpinion(t *testing.T) {
	lookup := &fakeLookup{
		deposit: &models.Deposit{Source: models.SourceExternal, Status: models.DepositStatusPending},
	}
	resolver := NewResolver()

	result, err := resolver.Attribute(context.Background(), testEvent(userAddr), testVault(), lookup)
	require.NoError(t, err)
	assert.Equal(t, models.SourceExternal, result.Source)
}

func TestOpenIntentAdoptsHash(t *testing.T) {
	lookup := &fakeLookup{
		intent: &models.DepositIntent{
			IntentHash: "0xhash",
			Status:     models.IntentStatusPending,
		},
	}
	resolver := NewResolver()

	result, err := resolver.Attribute(context.Background(), testEvent(userAddr), testVault(), lookup)
	require.NoError(t, err)
	assert.Equal(t, models.SourceProduct, result.Source)
	assert.Equal(t, "0xhash", result.IntentHash)
}

func TestMarkerConsumedOnMatch(t *testing.T) {
	lookup := &fakeLookup{markers: map[string]bool{"0xaaa": true}}
	resolver := NewResolver()

	result, err := resolver.Attribute(context.Background(), testEvent(userAddr), testVault(), lookup)
	require.NoError(t, err)
	assert.Equal(t, models.SourceProduct, result.Source)
	assert.Equal(t, []string{"0xaaa"}, lookup.consumedMarkers)

	// A second event for the same transaction finds no marker left.
	result, err = resolver.Attribute(context.Background(), testEvent(userAddr), testVault(), lookup)
	require.NoError(t, err)
	assert.Equal(t, models.SourceExternal, result.Source)
}

func TestDefaultIsExternal(t *testing.T) {
	resolver := NewResolver()
	result, err := resolver.Attribute(context.Background(), testEvent(userAddr), testVault(), &fakeLookup{})
	require.NoError(t, err)
	assert.Equal(t, models.SourceExternal, result.Source)
	assert.Empty(t, result.IntentHash)
}

func TestAttributionDeterministic(t *testing.T) {
	lookup := &fakeLookup{
		intent: &models.DepositIntent{IntentHash: "0xhash", Status: models.IntentStatusPending},
	}
	resolver := NewResolver()
	event := testEvent(userAddr)

	first, err := resolver.Attribute(context.Background(), event, testVault(), lookup)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := resolver.Attribute(context.Background(), event, testVault(), lookup)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
