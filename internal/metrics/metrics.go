package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// Scan pipeline
	// ============================================
	ScanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "indexer_scan_duration_seconds",
			Help:    "Duration of one scan pass over a block range",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain"},
	)

	LogsDecoded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_logs_decoded_total",
			Help: "Total decoded event logs",
		},
		[]string{"chain", "event"},
	)

	DecodeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_decode_failures_total",
			Help: "Logs that failed structural validation or decoding",
		},
		[]string{"chain"},
	)

	CursorHeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexer_cursor_height",
			Help: "Last safely processed block per chain",
		},
		[]string{"chain"},
	)

	ScanErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_scan_errors_total",
			Help: "Scan passes that ended in error",
		},
		[]string{"chain", "kind"},
	)

	// ============================================
	// RPC client pool
	// ============================================
	RPCRateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_rpc_rate_limit_hits_total",
			Help: "Rate-limit responses observed per endpoint",
		},
		[]string{"chain", "endpoint"},
	)

	RPCRotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_rpc_rotations_total",
			Help: "Endpoint rotations triggered by rate limiting",
		},
		[]string{"chain"},
	)

	RPCCooldownSleeps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_rpc_cooldown_sleeps_total",
			Help: "Times the pool slept out a cooldown because every endpoint was limited",
		},
		[]string{"chain"},
	)

	// ============================================
	// Persistence and aggregation
	// ============================================
	RecordsUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_records_upserted_total",
			Help: "Upserted records by collection",
		},
		[]string{"collection"},
	)

	DuplicateKeyNoops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexer_duplicate_key_noops_total",
		Help: "Duplicate-key inserts absorbed as idempotent no-ops",
	})

	SnapshotRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_snapshot_runs_total",
			Help: "Daily snapshot computations by outcome",
		},
		[]string{"vault", "outcome"},
	)

	MarkersExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexer_origin_markers_expired_total",
		Help: "Pending origin markers removed by the expiry sweep",
	})
)
