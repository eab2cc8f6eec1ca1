package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"yieldo-indexer/internal/attribution"
	"yieldo-indexer/internal/chainpool"
	"yieldo-indexer/internal/config"
	"yieldo-indexer/internal/cursor"
	"yieldo-indexer/internal/events"
	"yieldo-indexer/internal/metrics"
	"yieldo-indexer/internal/models"
	"yieldo-indexer/internal/scanner"
	"yieldo-indexer/internal/snapshot"
	"yieldo-indexer/internal/store"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ErrInvalidRange marks a request whose block range is structurally wrong.
// The API maps it to 400.
var ErrInvalidRange = errors.New("invalid block range")

// housekeepingInterval paces marker expiry and snapshot scheduling checks.
const housekeepingInterval = time.Minute

// IndexerService drives the scan loops: one goroutine per chain walks the
// cursor forward, decodes logs, attributes them and persists records. The
// cursor commits only after every vault on the chain processed the range, so
// a partial failure is retried from the same watermark.
type IndexerService struct {
	cfg       *config.Config
	pool      *chainpool.Pool
	cursor    *cursor.Cursor
	scanner   *scanner.Scanner
	resolver  *attribution.Resolver
	store     *store.Store
	engine    *snapshot.Engine
	publisher *events.Publisher

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu              sync.Mutex
	lastSnapshotDay string
}

func NewIndexerService(
	cfg *config.Config,
	pool *chainpool.Pool,
	cur *cursor.Cursor,
	scan *scanner.Scanner,
	st *store.Store,
	engine *snapshot.Engine,
	publisher *events.Publisher,
) *IndexerService {
	return &IndexerService{
		cfg:       cfg,
		pool:      pool,
		cursor:    cur,
		scanner:   scan,
		resolver:  attribution.NewResolver(),
		store:     st,
		engine:    engine,
		publisher: publisher,
		stopCh:    make(chan struct{}),
	}
}

// Start launches one scan loop per chain plus the housekeeping loop.
func (s *IndexerService) Start() {
	byChain := s.cfg.VaultsByChain()
	for chainID, vaults := range byChain {
		s.wg.Add(1)
		go s.scanLoop(chainID, vaults)
	}
	s.wg.Add(1)
	go s.housekeepingLoop()
	logrus.WithField("chains", len(byChain)).Info("indexer started")
}

// Stop signals every loop and waits for them to drain.
func (s *IndexerService) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	logrus.Info("indexer stopped")
}

func (s *IndexerService) scanLoop(chainID uint64, vaults []config.VaultConfig) {
	defer s.wg.Done()
	chain := s.pool.ChainName(chainID)
	ticker := time.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PollInterval()*4)
			if err := s.scanChain(ctx, chainID, vaults); err != nil {
				metrics.ScanErrors.WithLabelValues(chain, "scan_pass").Inc()
				logrus.WithField("chain", chain).WithError(err).Error("scan pass failed")
			}
			cancel()
		}
	}
}

// scanChain runs one scan pass over the chain's next safe range. All vaults
// on the chain share one cursor, so the range covers every vault and commits
// only after the whole pass succeeds.
func (s *IndexerService) scanChain(ctx context.Context, chainID uint64, vaults []config.VaultConfig) error {
	fromBlock, toBlock, err := s.cursor.NextRange(ctx, chainID)
	if errors.Is(err, cursor.ErrNotReady) {
		return nil
	}
	if err != nil {
		return err
	}

	chain := s.pool.ChainName(chainID)
	started := time.Now()
	decoded := 0

	for _, vault := range vaults {
		result, err := s.scanner.Scan(ctx, vault, fromBlock, toBlock)
		if err != nil {
			return fmt.Errorf("vault %s: %w", vault.ID, err)
		}
		decoded += len(result.Events)
		for i := range result.Events {
			if err := s.processEvent(ctx, vault, &result.Events[i]); err != nil {
				return fmt.Errorf("vault %s tx %s: %w", vault.ID, result.Events[i].TxHash, err)
			}
		}
	}

	if err := s.cursor.Commit(chainID, toBlock); err != nil {
		return fmt.Errorf("commit cursor: %w", err)
	}

	metrics.ScanDuration.WithLabelValues(chain).Observe(time.Since(started).Seconds())
	logrus.WithFields(logrus.Fields{
		"chain":  chain,
		"from":   fromBlock,
		"to":     toBlock,
		"events": decoded,
	}).Debug("scan pass committed")
	return nil
}

// processEvent routes one decoded log into the store by its kind.
func (s *IndexerService) processEvent(ctx context.Context, vault config.VaultConfig, ev *scanner.DecodedEvent) error {
	switch ev.Kind {
	case scanner.KindIntentCreated:
		return s.store.UpsertIntent(ctx, &models.DepositIntent{
			IntentHash:   ev.IntentHash,
			UserAddress:  ev.User,
			VaultID:      vault.ID,
			ChainID:      ev.ChainID,
			AssetAddress: ev.Asset,
			Amount:       ev.Amount,
			Nonce:        ev.Nonce,
			Deadline:     ev.Deadline,
			Status:       models.IntentStatusPending,
			TxHash:       ev.TxHash,
			BlockNumber:  ev.BlockNumber,
			CreatedAt:    ev.BlockTime,
			UpdatedAt:    time.Now(),
		})

	case scanner.KindIntentCancelled:
		return s.store.MarkIntentCancelled(ctx, ev.IntentHash)

	case scanner.KindDepositExecuted:
		// Router-executed deposits are product by construction.
		if err := s.store.MarkIntentExecuted(ctx, ev.IntentHash); err != nil {
			return err
		}
		return s.upsertDeposit(ctx, vault, ev, store.DepositUpdate{
			Status:     models.DepositStatusExecuted,
			Source:     models.SourceProduct,
			Shares:     nonZero(ev.Shares),
			IntentHash: nonEmpty(ev.IntentHash),
		}, models.SourceProduct)

	case scanner.KindAsyncDepositRequested:
		return s.upsertDeposit(ctx, vault, ev, store.DepositUpdate{
			Status:  models.DepositStatusRequested,
			Source:  models.SourceProduct,
			EpochID: ev.RequestID,
		}, models.SourceProduct)

	case scanner.KindFeeCollected:
		logrus.WithFields(logrus.Fields{
			"vault":   vault.ID,
			"tx_hash": ev.TxHash,
			"amount":  ev.Amount.String(),
		}).Debug("fee collected")
		return nil

	case scanner.KindDepositRequested:
		result, err := s.resolver.Attribute(ctx, ev, &vault, s.store)
		if err != nil {
			return err
		}
		return s.upsertDeposit(ctx, vault, ev, store.DepositUpdate{
			Status:     models.DepositStatusRequested,
			Source:     result.Source,
			EpochID:    ev.RequestID,
			IntentHash: nonEmpty(result.IntentHash),
		}, result.Source)

	case scanner.KindDeposit:
		result, err := s.resolver.Attribute(ctx, ev, &vault, s.store)
		if err != nil {
			return err
		}
		return s.upsertDeposit(ctx, vault, ev, store.DepositUpdate{
			Status:     models.DepositStatusExecuted,
			Source:     result.Source,
			Shares:     nonZero(ev.Shares),
			IntentHash: nonEmpty(result.IntentHash),
		}, result.Source)

	case scanner.KindDepositSettled:
		if ev.RequestID == nil {
			return nil
		}
		return s.store.SettleDepositsByRequest(ctx, ev.ChainID, vault.ID, ev.User, *ev.RequestID, ev.Shares)

	case scanner.KindRedeemRequested:
		result, err := s.resolver.Attribute(ctx, ev, &vault, s.store)
		if err != nil {
			return err
		}
		return s.upsertWithdrawal(ctx, vault, ev, store.WithdrawalUpdate{
			Status:  models.WithdrawalStatusPending,
			Source:  result.Source,
			EpochID: ev.RequestID,
		}, result.Source)

	case scanner.KindRedeemSettled:
		if ev.RequestID == nil {
			return nil
		}
		return s.store.SettleWithdrawalsByRequest(ctx, ev.ChainID, vault.ID, ev.User, *ev.RequestID, ev.Assets)

	case scanner.KindWithdraw:
		// An async redemption already has a row that moved through
		// pending and settled. The claim advances that row in place;
		// only when the user has no settled row (sync vaults) does the
		// claim open a withdrawal of its own.
		claimed, err := s.store.ClaimSettledWithdrawal(ctx, ev.ChainID, vault.ID, ev.User, ev.TxHash, ev.Assets)
		if err != nil {
			return err
		}
		if claimed {
			return nil
		}
		result, err := s.resolver.Attribute(ctx, ev, &vault, s.store)
		if err != nil {
			return err
		}
		return s.upsertWithdrawal(ctx, vault, ev, store.WithdrawalUpdate{
			Status: models.WithdrawalStatusWithdrawn,
			Source: result.Source,
			Assets: nonZero(ev.Assets),
		}, result.Source)

	default:
		logrus.WithFields(logrus.Fields{
			"kind":    ev.Kind,
			"tx_hash": ev.TxHash,
		}).Warn("unhandled event kind")
		return nil
	}
}

func (s *IndexerService) upsertDeposit(ctx context.Context, vault config.VaultConfig, ev *scanner.DecodedEvent, update store.DepositUpdate, source models.Source) error {
	deposit := &models.Deposit{
		TxHash:       ev.TxHash,
		ChainID:      ev.ChainID,
		VaultID:      vault.ID,
		UserAddress:  ev.User,
		AssetAddress: vault.Asset.Address,
		Amount:       ev.Amount,
		Shares:       update.Shares,
		EpochID:      update.EpochID,
		Status:       update.Status,
		Source:       source,
		IntentHash:   update.IntentHash,
		LogIndex:     ev.LogIndex,
		BlockNumber:  ev.BlockNumber,
		BlockTime:    ev.BlockTime,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if err := s.store.UpsertDeposit(ctx, deposit, update); err != nil {
		return err
	}
	s.publisher.DepositUpserted(vault.Chain, deposit)
	return nil
}

func (s *IndexerService) upsertWithdrawal(ctx context.Context, vault config.VaultConfig, ev *scanner.DecodedEvent, update store.WithdrawalUpdate, source models.Source) error {
	withdrawal := &models.Withdrawal{
		TxHash:      ev.TxHash,
		ChainID:     ev.ChainID,
		VaultID:     vault.ID,
		UserAddress: ev.User,
		Shares:      ev.Shares,
		Assets:      update.Assets,
		EpochID:     update.EpochID,
		Status:      update.Status,
		Source:      source,
		LogIndex:    ev.LogIndex,
		BlockNumber: ev.BlockNumber,
		BlockTime:   ev.BlockTime,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := s.store.UpsertWithdrawal(ctx, withdrawal, update); err != nil {
		return err
	}
	s.publisher.WithdrawalUpserted(vault.Chain, withdrawal)
	return nil
}

func nonZero(d decimal.Decimal) *decimal.Decimal {
	if d.IsZero() {
		return nil
	}
	return &d
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ============ housekeeping ============

func (s *IndexerService) housekeepingLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			if expired, err := s.store.ExpireMarkers(ctx, time.Now()); err != nil {
				logrus.WithError(err).Warn("marker expiry sweep failed")
			} else if expired > 0 {
				logrus.WithField("expired", expired).Debug("pending origin markers expired")
			}
			s.maybeRunSnapshots(ctx)
			cancel()
		}
	}
}

// maybeRunSnapshots fires the daily snapshot job once per day at the
// configured UTC hour, covering the previous calendar day.
func (s *IndexerService) maybeRunSnapshots(ctx context.Context) {
	now := time.Now().UTC()
	if now.Hour() != s.cfg.Indexer.SnapshotHourUTC {
		return
	}
	today := now.Format("2006-01-02")

	s.mu.Lock()
	alreadyRan := s.lastSnapshotDay == today
	if !alreadyRan {
		s.lastSnapshotDay = today
	}
	s.mu.Unlock()
	if alreadyRan {
		return
	}

	target := now.AddDate(0, 0, -1)
	for _, vault := range s.cfg.EnabledVaults() {
		snap, err := s.engine.ComputeDailySnapshot(ctx, vault, target)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"vault": vault.ID,
				"date":  target.Format("2006-01-02"),
			}).WithError(err).Error("scheduled snapshot failed")
			continue
		}
		s.publisher.SnapshotComputed(snap)
	}
}

// ============ operator operations ============

// BackfillResult reports what a backfill pass produced.
type BackfillResult struct {
	VaultID   string `json:"vault_id"`
	FromBlock uint64 `json:"from_block"`
	ToBlock   uint64 `json:"to_block"`
	Events    int    `json:"events"`
	Failures  int    `json:"failures"`
}

// Backfill re-scans an explicit range for one vault. Records are upserted
// idempotently and the cursor is left alone, so replaying history is safe.
// The range must stay behind the finality margin.
func (s *IndexerService) Backfill(ctx context.Context, vaultID string, fromBlock, toBlock uint64) (*BackfillResult, error) {
	vault, err := s.cfg.GetVaultConfig(vaultID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRange, err)
	}
	if toBlock < fromBlock {
		return nil, fmt.Errorf("%w: to %d < from %d", ErrInvalidRange, toBlock, fromBlock)
	}

	head, err := s.pool.LatestBlock(ctx, vault.ChainID)
	if err != nil {
		return nil, err
	}
	if head <= vault.FinalityMargin {
		return nil, fmt.Errorf("%w: chain head %d inside finality margin", cursor.ErrNotReady, head)
	}
	safeHead := head - vault.FinalityMargin
	if toBlock > safeHead {
		return nil, fmt.Errorf("%w: block %d not finalized (safe head %d)", cursor.ErrNotReady, toBlock, safeHead)
	}

	result := &BackfillResult{VaultID: vaultID, FromBlock: fromBlock, ToBlock: toBlock}
	span := uint64(s.cfg.Indexer.MaxBlocksPerScan)

	for chunkFrom := fromBlock; chunkFrom <= toBlock; chunkFrom += span {
		chunkTo := chunkFrom + span - 1
		if chunkTo > toBlock {
			chunkTo = toBlock
		}
		scanResult, err := s.scanner.Scan(ctx, *vault, chunkFrom, chunkTo)
		if err != nil {
			return result, err
		}
		result.Failures += len(scanResult.Failures)
		for i := range scanResult.Events {
			if err := s.processEvent(ctx, *vault, &scanResult.Events[i]); err != nil {
				return result, err
			}
			result.Events++
		}
	}

	logrus.WithFields(logrus.Fields{
		"vault":  vaultID,
		"from":   fromBlock,
		"to":     toBlock,
		"events": result.Events,
	}).Info("backfill complete")
	return result, nil
}

// BackfillBlock re-scans a single block for one vault.
func (s *IndexerService) BackfillBlock(ctx context.Context, vaultID string, block uint64) (*BackfillResult, error) {
	return s.Backfill(ctx, vaultID, block, block)
}

// ChainStatus is one chain's entry in the health report.
type ChainStatus struct {
	Chain              string `json:"chain"`
	LastProcessedBlock uint64 `json:"last_processed_block"`
	Initialized        bool   `json:"initialized"`
}

// Health reports the last processed block per chain.
func (s *IndexerService) Health() (map[string]ChainStatus, error) {
	statuses := make(map[string]ChainStatus)
	for chainID := range s.cfg.VaultsByChain() {
		last, ok, err := s.cursor.Last(chainID)
		if err != nil {
			return nil, err
		}
		statuses[strconv.FormatUint(chainID, 10)] = ChainStatus{
			Chain:              s.pool.ChainName(chainID),
			LastProcessedBlock: last,
			Initialized:        ok,
		}
	}
	return statuses, nil
}
