package attribution

import (
	"context"
	"strings"

	"yieldo-indexer/internal/config"
	"yieldo-indexer/internal/models"
	"yieldo-indexer/internal/scanner"
)

// Result is the resolved origin of one deposit or withdrawal event. When a
// matching intent was found the record adopts its hash.
type Result struct {
	Source     models.Source
	IntentHash string
}

// Lookup is the store surface the rules consult. Implemented by the state
// store; faked in tests.
type Lookup interface {
	// OpenDeposit returns the user's open (non-terminal) deposit record for
	// the vault, or nil.
	OpenDeposit(ctx context.Context, user, vaultID string) (*models.Deposit, error)
	// OpenIntent returns the user's pending deposit intent for the vault,
	// or nil.
	OpenIntent(ctx context.Context, user, vaultID string) (*models.DepositIntent, error)
	// ConsumeMarker deletes the pending-origin marker for the transaction
	// and reports whether one existed.
	ConsumeMarker(ctx context.Context, txHash string) (bool, error)
}

// Rule is one attribution step: nil result means "no opinion, ask the next
// rule". Rules are pure over their store lookups, so each is unit-testable
// in isolation.
type Rule struct {
	Name  string
	Apply func(ctx context.Context, event *scanner.DecodedEvent, vault *config.VaultConfig, store Lookup) (*Result, error)
}

// Resolver applies its rules in strict order; the first match wins.
type Resolver struct {
	rules []Rule
}

// NewResolver builds the production rule chain. Order is load-bearing: a
// router-sent transaction is product even when a stale marker for another
// address exists.
func NewResolver() *Resolver {
	return &Resolver{rules: []Rule{
		{Name: "router_origin", Apply: ruleRouterOrigin},
		{Name: "open_product_record", Apply: ruleOpenProductRecord},
		{Name: "open_intent", Apply: ruleOpenIntent},
		{Name: "pending_marker", Apply: rulePendingMarker},
	}}
}

// Attribute resolves the origin of a deposit/withdrawal-request event.
// Deterministic for a fixed (event, store-state) pair; defaults to external
// when no rule matches.
func (r *Resolver) Attribute(ctx context.Context, event *scanner.DecodedEvent, vault *config.VaultConfig, store Lookup) (Result, error) {
	for _, rule := range r.rules {
		result, err := rule.Apply(ctx, event, vault, store)
		if err != nil {
			return Result{}, err
		}
		if result != nil {
			return *result, nil
		}
	}
	return Result{Source: models.SourceExternal}, nil
}

// Rule 1: the event's acting address is the configured router.
func ruleRouterOrigin(_ context.Context, event *scanner.DecodedEvent, vault *config.VaultConfig, _ Lookup) (*Result, error) {
	if strings.EqualFold(event.Origin, vault.RouterAddress) {
		return &Result{Source: models.SourceProduct, IntentHash: event.IntentHash}, nil
	}
	return nil, nil
}

// Rule 2: an open record for this user/vault already carries product origin
// or an intent hash; later events in the same flow inherit it.
func ruleOpenProductRecord(ctx context.Context, event *scanner.DecodedEvent, _ *config.VaultConfig, store Lookup) (*Result, error) {
	record, err := store.OpenDeposit(ctx, event.User, event.VaultID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	if record.Source == models.SourceProduct || record.IntentHash != nil {
		result := &Result{Source: models.SourceProduct}
		if record.IntentHash != nil {
			result.IntentHash = *record.IntentHash
		}
		return result, nil
	}
	return nil, nil
}

// Rule 3: a pending intent for this user/vault exists; the record adopts its
// hash.
func ruleOpenIntent(ctx context.Context, event *scanner.DecodedEvent, _ *config.VaultConfig, store Lookup) (*Result, error) {
	intent, err := store.OpenIntent(ctx, event.User, event.VaultID)
	if err != nil {
		return nil, err
	}
	if intent == nil {
		return nil, nil
	}
	return &Result{Source: models.SourceProduct, IntentHash: intent.IntentHash}, nil
}

// Rule 4: a client pre-reported this transaction; the marker is consumed on
// match.
func rulePendingMarker(ctx context.Context, event *scanner.DecodedEvent, _ *config.VaultConfig, store Lookup) (*Result, error) {
	consumed, err := store.ConsumeMarker(ctx, event.TxHash)
	if err != nil {
		return nil, err
	}
	if !consumed {
		return nil, nil
	}
	return &Result{Source: models.SourceProduct}, nil
}
