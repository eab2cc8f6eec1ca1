package cursor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"yieldo-indexer/internal/metrics"
	"yieldo-indexer/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotReady signals that the chain head has not moved past the finality
// margin since the last scan. The tick is skipped, the watermark unchanged.
var ErrNotReady = errors.New("cursor: no finalized blocks beyond watermark")

// HeadReader resolves the current chain head.
type HeadReader interface {
	LatestBlock(ctx context.Context, chainID uint64) (uint64, error)
}

// WatermarkStore is the durable per-chain last-processed-block record.
type WatermarkStore interface {
	Last(chainID uint64) (block uint64, found bool, err error)
	Advance(chainID uint64, block uint64) error
}

// GormStore persists watermarks in the chain_cursors table. Advance never
// moves a watermark backward: the update is guarded in SQL so concurrent
// overlapping scans cannot regress it.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Last(chainID uint64) (uint64, bool, error) {
	var row models.ChainCursor
	err := s.db.Where("chain_id = ?", chainID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return row.LastProcessedBlock, true, nil
}

func (s *GormStore) Advance(chainID uint64, block uint64) error {
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "chain_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"last_processed_block": gorm.Expr("GREATEST(chain_cursors.last_processed_block, ?)", block),
			"updated_at":           time.Now(),
		}),
	}).Create(&models.ChainCursor{
		ChainID:            chainID,
		LastProcessedBlock: block,
		UpdatedAt:          time.Now(),
	}).Error
}

// Cursor computes scan ranges behind a per-chain finality safety margin and
// commits the watermark only after the caller reports a fully successful
// pass.
type Cursor struct {
	heads   HeadReader
	store   WatermarkStore
	margins map[uint64]uint64
	maxSpan uint64
}

func New(heads HeadReader, store WatermarkStore, margins map[uint64]uint64, maxSpan uint64) *Cursor {
	return &Cursor{heads: heads, store: store, margins: margins, maxSpan: maxSpan}
}

// NextRange returns the next block range to scan for a chain:
// (lastProcessed+1, head-margin), capped at maxSpan blocks. A missing
// watermark is initialized to head-margin so a fresh deployment never
// replays full chain history. Returns ErrNotReady when no finalized block
// lies beyond the watermark.
func (c *Cursor) NextRange(ctx context.Context, chainID uint64) (uint64, uint64, error) {
	head, err := c.heads.LatestBlock(ctx, chainID)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch head for chain %d: %w", chainID, err)
	}

	margin := c.margins[chainID]
	if head <= margin {
		return 0, 0, ErrNotReady
	}
	safe := head - margin

	last, found, err := c.store.Last(chainID)
	if err != nil {
		return 0, 0, err
	}
	if !found {
		if err := c.store.Advance(chainID, safe); err != nil {
			return 0, 0, err
		}
		return 0, 0, ErrNotReady
	}

	if safe <= last {
		return 0, 0, ErrNotReady
	}

	from := last + 1
	to := safe
	if c.maxSpan > 0 && to-from+1 > c.maxSpan {
		to = from + c.maxSpan - 1
	}
	return from, to, nil
}

// Commit persists the watermark after a range fully succeeded.
func (c *Cursor) Commit(chainID uint64, block uint64) error {
	if err := c.store.Advance(chainID, block); err != nil {
		return err
	}
	metrics.CursorHeight.WithLabelValues(strconv.FormatUint(chainID, 10)).Set(float64(block))
	return nil
}

// Last exposes the current watermark for the health endpoint.
func (c *Cursor) Last(chainID uint64) (uint64, bool, error) {
	return c.store.Last(chainID)
}

// Margin returns the configured finality margin for a chain.
func (c *Cursor) Margin(chainID uint64) uint64 {
	return c.margins[chainID]
}
