package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"yieldo-indexer/internal/config"
	"yieldo-indexer/internal/cursor"
	"yieldo-indexer/internal/ratings"
	"yieldo-indexer/internal/services"
	"yieldo-indexer/internal/snapshot"
	"yieldo-indexer/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Handler serves the read and operator API.
type Handler struct {
	cfg     *config.Config
	store   *store.Store
	indexer *services.IndexerService
	engine  *snapshot.Engine
	ratings *ratings.Service
}

func New(cfg *config.Config, st *store.Store, indexer *services.IndexerService, engine *snapshot.Engine, ratingSvc *ratings.Service) *Handler {
	return &Handler{cfg: cfg, store: st, indexer: indexer, engine: engine, ratings: ratingSvc}
}

// respondError maps service errors onto status codes: shape errors are 4xx,
// finality races are 202, everything else is 500.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidRange):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, cursor.ErrNotReady):
		c.JSON(http.StatusAccepted, gin.H{"warning": err.Error()})
	default:
		logrus.WithError(err).WithField("path", c.Request.URL.Path).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func recordFilter(c *gin.Context) store.RecordFilter {
	filter := store.RecordFilter{
		User:    c.Query("user"),
		VaultID: c.Query("vault"),
		Status:  c.Query("status"),
		Source:  c.Query("source"),
	}
	if chain := c.Query("chain"); chain != "" {
		if id, err := strconv.ParseUint(chain, 10, 64); err == nil {
			filter.ChainID = id
		}
	}
	if limit := c.Query("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			filter.Limit = n
		}
	}
	if offset := c.Query("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			filter.Offset = n
		}
	}
	return filter
}

// ============ read API ============

func (h *Handler) GetDeposits(c *gin.Context) {
	deposits, err := h.store.ListDeposits(c.Request.Context(), recordFilter(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deposits": deposits, "count": len(deposits)})
}

func (h *Handler) GetWithdrawals(c *gin.Context) {
	withdrawals, err := h.store.ListWithdrawals(c.Request.Context(), recordFilter(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": withdrawals, "count": len(withdrawals)})
}

func (h *Handler) GetIntents(c *gin.Context) {
	intents, err := h.store.ListIntents(c.Request.Context(), recordFilter(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"intents": intents, "count": len(intents)})
}

func (h *Handler) GetSnapshots(c *gin.Context) {
	var chainID uint64
	if chain := c.Query("chain"); chain != "" {
		id, err := strconv.ParseUint(chain, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chain id"})
			return
		}
		chainID = id
	}
	var from, to *time.Time
	if raw := c.Query("from"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from date, want YYYY-MM-DD"})
			return
		}
		from = &parsed
	}
	if raw := c.Query("to"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to date, want YYYY-MM-DD"})
			return
		}
		to = &parsed
	}

	snapshots, err := h.store.ListSnapshots(c.Request.Context(), c.Query("vault"), chainID, from, to)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snapshots, "count": len(snapshots)})
}

func (h *Handler) GetAUM(c *gin.Context) {
	combined, err := h.engine.Combined(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, combined)
}

func (h *Handler) GetVaultRatings(c *gin.Context) {
	list, err := h.ratings.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vault_ratings": list, "count": len(list)})
}

func (h *Handler) GetHealth(c *gin.Context) {
	chains, err := h.indexer.Health()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "chains": chains})
}

// ============ origin reports ============

type markRequest struct {
	TxHash      string `json:"tx_hash" binding:"required"`
	UserAddress string `json:"user_address" binding:"required"`
}

func (h *Handler) MarkDepositYieldo(c *gin.Context) {
	var req markRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	indexed, err := h.store.MarkDepositProduct(c.Request.Context(), req.TxHash, req.UserAddress, h.cfg.MarkerTTL())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tx_hash": req.TxHash, "indexed": indexed})
}

func (h *Handler) MarkWithdrawalYieldo(c *gin.Context) {
	var req markRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	indexed, err := h.store.MarkWithdrawalProduct(c.Request.Context(), req.TxHash, req.UserAddress, h.cfg.MarkerTTL())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tx_hash": req.TxHash, "indexed": indexed})
}

// ============ operator API ============

type backfillRequest struct {
	VaultID   string `json:"vault_id" binding:"required"`
	FromBlock uint64 `json:"from_block"`
	ToBlock   uint64 `json:"to_block"`
}

func (h *Handler) PostBackfill(c *gin.Context) {
	var req backfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := h.indexer.Backfill(c.Request.Context(), req.VaultID, req.FromBlock, req.ToBlock)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type backfillBlockRequest struct {
	VaultID string `json:"vault_id" binding:"required"`
	Block   uint64 `json:"block" binding:"required"`
}

func (h *Handler) PostBackfillBlock(c *gin.Context) {
	var req backfillBlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := h.indexer.BackfillBlock(c.Request.Context(), req.VaultID, req.Block)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) PostVaultRatingsRun(c *gin.Context) {
	runID, err := h.ratings.Run(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID})
}

type reconcileRequest struct {
	VaultID string `json:"vault_id" binding:"required"`
}

func (h *Handler) PostSnapshotsReconcile(c *gin.Context) {
	var req reconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	vault, err := h.cfg.GetVaultConfig(req.VaultID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	reconciled, err := h.engine.Reconcile(c.Request.Context(), *vault)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vault_id": req.VaultID, "snapshots_reconciled": reconciled})
}
