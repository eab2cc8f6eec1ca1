package router

import (
	"yieldo-indexer/internal/handlers"
	"yieldo-indexer/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Setup wires the read API, the operator API and the metrics endpoint.
func Setup(h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", h.GetHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.GET("/deposits", h.GetDeposits)
		api.GET("/withdrawals", h.GetWithdrawals)
		api.GET("/intents", h.GetIntents)
		api.GET("/snapshots", h.GetSnapshots)
		api.GET("/aum", h.GetAUM)
		api.GET("/vault-ratings", h.GetVaultRatings)

		api.POST("/deposits/mark-yieldo", h.MarkDepositYieldo)
		api.POST("/withdrawals/mark-yieldo", h.MarkWithdrawalYieldo)
	}

	admin := r.Group("/api", middleware.AdminAuth())
	{
		admin.POST("/backfill", h.PostBackfill)
		admin.POST("/backfill/block", h.PostBackfillBlock)
		admin.POST("/vault-ratings/run", h.PostVaultRatingsRun)
		admin.POST("/snapshots/reconcile", h.PostSnapshotsReconcile)
	}

	return r
}
