package snapshot

import (
	"context"
	"fmt"
	"time"

	"yieldo-indexer/internal/config"
	"yieldo-indexer/internal/metrics"
	"yieldo-indexer/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// FlowStore is the slice of the persistence layer the engine reads flows and
// snapshots through.
type FlowStore interface {
	SumProductDepositsOn(ctx context.Context, vaultID string, chainID uint64, date time.Time) (decimal.Decimal, error)
	SumProductDepositsThrough(ctx context.Context, vaultID string, chainID uint64, date time.Time) (decimal.Decimal, error)
	ProductWithdrawalsOn(ctx context.Context, vaultID string, chainID uint64, date time.Time) ([]models.Withdrawal, error)
	ProductWithdrawalsThrough(ctx context.Context, vaultID string, chainID uint64, date time.Time) ([]models.Withdrawal, error)
	GetSnapshot(ctx context.Context, vaultID string, chainID uint64, date time.Time) (*models.DailySnapshot, error)
	UpsertSnapshot(ctx context.Context, snapshot *models.DailySnapshot) error
	ListSnapshots(ctx context.Context, vaultID string, chainID uint64, from, to *time.Time) ([]models.DailySnapshot, error)
	LatestSnapshots(ctx context.Context) ([]models.DailySnapshot, error)
	ProductUsers(ctx context.Context, vaultID string, chainID uint64) ([]string, error)
}

// ChainReader reads vault totals and user balances on chain.
type ChainReader interface {
	TotalAssets(ctx context.Context, chainID uint64, vault common.Address) (decimal.Decimal, error)
	TotalSupply(ctx context.Context, chainID uint64, vault common.Address) (decimal.Decimal, error)
	BalanceOf(ctx context.Context, chainID uint64, vault, account common.Address) (decimal.Decimal, error)
	ConvertToAssets(ctx context.Context, chainID uint64, vault common.Address, shares decimal.Decimal) (decimal.Decimal, error)
}

// Engine aggregates indexed flows into dated per-vault snapshots. The daily
// path carries yesterday's AUM forward by net flows; when no prior snapshot
// exists it recomputes from full history. Reconcile replaces past flow-based
// estimates with balance-based values and runs only on explicit trigger.
type Engine struct {
	store  FlowStore
	reader ChainReader
}

func NewEngine(store FlowStore, reader ChainReader) *Engine {
	return &Engine{store: store, reader: reader}
}

// sharePrice is the vault's current asset value of one share. A vault with
// no supply yet trades at par.
func (e *Engine) sharePrice(ctx context.Context, vault config.VaultConfig) (totalAssets, totalSupply, price decimal.Decimal, err error) {
	addr := common.HexToAddress(vault.VaultAddress)
	totalAssets, err = e.reader.TotalAssets(ctx, vault.ChainID, addr)
	if err != nil {
		return
	}
	totalSupply, err = e.reader.TotalSupply(ctx, vault.ChainID, addr)
	if err != nil {
		return
	}
	if totalSupply.IsZero() {
		price = decimal.NewFromInt(1)
		return
	}
	price = totalAssets.DivRound(totalSupply, 18)
	return
}

// withdrawalAssets totals a set of withdrawals in asset terms. Settled rows
// carry the exact asset amount; unsettled ones convert shares at the given
// price.
func withdrawalAssets(withdrawals []models.Withdrawal, price decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, w := range withdrawals {
		if w.Assets != nil {
			total = total.Add(*w.Assets)
		} else {
			total = total.Add(w.Shares.Mul(price).Floor())
		}
	}
	return total
}

// ComputeDailySnapshot builds and persists the snapshot for one vault and
// one UTC calendar date.
func (e *Engine) ComputeDailySnapshot(ctx context.Context, vault config.VaultConfig, date time.Time) (*models.DailySnapshot, error) {
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)

	totalAssets, totalSupply, price, err := e.sharePrice(ctx, vault)
	if err != nil {
		return nil, fmt.Errorf("share price for %s: %w", vault.ID, err)
	}

	deposits, err := e.store.SumProductDepositsOn(ctx, vault.ID, vault.ChainID, day)
	if err != nil {
		return nil, err
	}
	withdrawalRows, err := e.store.ProductWithdrawalsOn(ctx, vault.ID, vault.ChainID, day)
	if err != nil {
		return nil, err
	}
	withdrawals := withdrawalAssets(withdrawalRows, price)

	prev, err := e.store.GetSnapshot(ctx, vault.ID, vault.ChainID, day.AddDate(0, 0, -1))
	if err != nil {
		return nil, err
	}

	var aum decimal.Decimal
	if prev != nil {
		aum = prev.TotalAssets.Add(deposits).Sub(withdrawals)
	} else {
		aum, err = e.recomputeAUM(ctx, vault, day, price)
		if err != nil {
			return nil, err
		}
	}
	if aum.IsNegative() {
		aum = decimal.Zero
	}

	snapshot := &models.DailySnapshot{
		SnapshotDate:     day,
		VaultID:          vault.ID,
		ChainID:          vault.ChainID,
		TotalDeposits:    deposits,
		TotalWithdrawals: withdrawals,
		TotalAssets:      aum,
		TotalSupply:      totalSupply,
		SharePrice:       price,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	if err := e.store.UpsertSnapshot(ctx, snapshot); err != nil {
		return nil, err
	}

	metrics.SnapshotRuns.WithLabelValues(vault.ID, "success").Inc()
	logrus.WithFields(logrus.Fields{
		"vault":        vault.ID,
		"date":         day.Format("2006-01-02"),
		"aum":          aum.String(),
		"total_assets": totalAssets.String(),
	}).Info("daily snapshot computed")
	return snapshot, nil
}

// recomputeAUM derives AUM from full flow history through the given date.
func (e *Engine) recomputeAUM(ctx context.Context, vault config.VaultConfig, day time.Time, price decimal.Decimal) (decimal.Decimal, error) {
	deposits, err := e.store.SumProductDepositsThrough(ctx, vault.ID, vault.ChainID, day)
	if err != nil {
		return decimal.Zero, err
	}
	withdrawalRows, err := e.store.ProductWithdrawalsThrough(ctx, vault.ID, vault.ChainID, day)
	if err != nil {
		return decimal.Zero, err
	}
	aum := deposits.Sub(withdrawalAssets(withdrawalRows, price))
	if aum.IsNegative() {
		aum = decimal.Zero
	}
	return aum, nil
}

// RunDaily computes snapshots for every enabled vault. One vault's failure
// does not block the others.
func (e *Engine) RunDaily(ctx context.Context, vaults []config.VaultConfig, date time.Time) {
	for _, vault := range vaults {
		if _, err := e.ComputeDailySnapshot(ctx, vault, date); err != nil {
			metrics.SnapshotRuns.WithLabelValues(vault.ID, "error").Inc()
			logrus.WithFields(logrus.Fields{
				"vault": vault.ID,
				"chain": vault.Chain,
			}).WithError(err).Error("daily snapshot failed")
		}
	}
}

// attributedOnChainValue is the asset value currently redeemable on chain by
// every user the product ever attributed.
func (e *Engine) attributedOnChainValue(ctx context.Context, vault config.VaultConfig) (decimal.Decimal, error) {
	users, err := e.store.ProductUsers(ctx, vault.ID, vault.ChainID)
	if err != nil {
		return decimal.Zero, err
	}
	addr := common.HexToAddress(vault.VaultAddress)
	total := decimal.Zero
	for _, user := range users {
		balance, err := e.reader.BalanceOf(ctx, vault.ChainID, addr, common.HexToAddress(user))
		if err != nil {
			return decimal.Zero, err
		}
		if balance.IsZero() {
			continue
		}
		assets, err := e.reader.ConvertToAssets(ctx, vault.ChainID, addr, balance)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(assets)
	}
	return total, nil
}

// Reconcile replaces the flow-based AUM of every past snapshot (the current
// day excluded) with a balance-based value. The current attributed on-chain
// value anchors the most recent past day after backing out the flows that
// happened since; earlier days walk backwards by each day's net flows. The
// flow approximation cannot see yield accrual, so the anchored values
// correct that drift and never exceed what users could actually redeem.
func (e *Engine) Reconcile(ctx context.Context, vault config.VaultConfig) (int, error) {
	anchor, err := e.attributedOnChainValue(ctx, vault)
	if err != nil {
		return 0, fmt.Errorf("on-chain value for %s: %w", vault.ID, err)
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	yesterday := today.AddDate(0, 0, -1)
	snapshots, err := e.store.ListSnapshots(ctx, vault.ID, vault.ChainID, nil, &yesterday)
	if err != nil {
		return 0, err
	}
	if len(snapshots) == 0 {
		return 0, nil
	}

	_, _, price, err := e.sharePrice(ctx, vault)
	if err != nil {
		return 0, err
	}

	// Back the anchor down to the end of the newest past snapshot day by
	// removing the flows observed since then.
	newest := snapshots[len(snapshots)-1].SnapshotDate
	depositsSince, err := e.flowDepositsBetween(ctx, vault, newest, today)
	if err != nil {
		return 0, err
	}
	withdrawalsSince, err := e.flowWithdrawalsBetween(ctx, vault, newest, today, price)
	if err != nil {
		return 0, err
	}
	value := anchor.Sub(depositsSince).Add(withdrawalsSince)

	reconciled := 0
	for i := len(snapshots) - 1; i >= 0; i-- {
		snap := snapshots[i]
		if value.IsNegative() {
			value = decimal.Zero
		}
		snap.TotalAssets = value
		snap.Reconciled = true
		if err := e.store.UpsertSnapshot(ctx, &snap); err != nil {
			return reconciled, err
		}
		reconciled++

		// Step the value back across this day's flows for the prior day.
		deposits, err := e.store.SumProductDepositsOn(ctx, vault.ID, vault.ChainID, snap.SnapshotDate)
		if err != nil {
			return reconciled, err
		}
		withdrawalRows, err := e.store.ProductWithdrawalsOn(ctx, vault.ID, vault.ChainID, snap.SnapshotDate)
		if err != nil {
			return reconciled, err
		}
		value = value.Sub(deposits).Add(withdrawalAssets(withdrawalRows, price))
	}

	logrus.WithFields(logrus.Fields{
		"vault":      vault.ID,
		"snapshots":  reconciled,
		"anchor_aum": anchor.String(),
	}).Info("reconciliation complete")
	return reconciled, nil
}

// flowDepositsBetween sums product deposits after `from` (exclusive) through
// `to` (inclusive).
func (e *Engine) flowDepositsBetween(ctx context.Context, vault config.VaultConfig, from, to time.Time) (decimal.Decimal, error) {
	through, err := e.store.SumProductDepositsThrough(ctx, vault.ID, vault.ChainID, to)
	if err != nil {
		return decimal.Zero, err
	}
	upTo, err := e.store.SumProductDepositsThrough(ctx, vault.ID, vault.ChainID, from)
	if err != nil {
		return decimal.Zero, err
	}
	return through.Sub(upTo), nil
}

func (e *Engine) flowWithdrawalsBetween(ctx context.Context, vault config.VaultConfig, from, to time.Time, price decimal.Decimal) (decimal.Decimal, error) {
	through, err := e.store.ProductWithdrawalsThrough(ctx, vault.ID, vault.ChainID, to)
	if err != nil {
		return decimal.Zero, err
	}
	upTo, err := e.store.ProductWithdrawalsThrough(ctx, vault.ID, vault.ChainID, from)
	if err != nil {
		return decimal.Zero, err
	}
	return withdrawalAssets(through, price).Sub(withdrawalAssets(upTo, price)), nil
}

// VaultAUM is one vault's contribution to the combined view.
type VaultAUM struct {
	VaultID      string          `json:"vault_id"`
	ChainID      uint64          `json:"chain_id"`
	SnapshotDate time.Time       `json:"snapshot_date"`
	TotalAssets  decimal.Decimal `json:"total_assets"`
	SharePrice   decimal.Decimal `json:"share_price"`
	Reconciled   bool            `json:"reconciled"`
}

// CombinedAUM sums each vault's most recent snapshot into one cross-vault
// view.
type CombinedAUM struct {
	TotalAssets decimal.Decimal `json:"total_assets"`
	Vaults      []VaultAUM      `json:"vaults"`
}

// Combined builds the cross-vault AUM view from the newest snapshot per
// vault.
func (e *Engine) Combined(ctx context.Context) (*CombinedAUM, error) {
	snapshots, err := e.store.LatestSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	combined := &CombinedAUM{TotalAssets: decimal.Zero, Vaults: make([]VaultAUM, 0, len(snapshots))}
	for _, snap := range snapshots {
		combined.TotalAssets = combined.TotalAssets.Add(snap.TotalAssets)
		combined.Vaults = append(combined.Vaults, VaultAUM{
			VaultID:      snap.VaultID,
			ChainID:      snap.ChainID,
			SnapshotDate: snap.SnapshotDate,
			TotalAssets:  snap.TotalAssets,
			SharePrice:   snap.SharePrice,
			Reconciled:   snap.Reconciled,
		})
	}
	return combined, nil
}
