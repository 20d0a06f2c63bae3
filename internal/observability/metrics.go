package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PerpRisk.
type Metrics struct {
	// --- Command Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreStateHashDur   prometheus.Histogram
	CoreSequence       prometheus.Gauge

	// --- Risk Engine ---
	TradesExecuted   prometheus.Counter
	TradesRejected   *prometheus.CounterVec
	TradeFeesTotal   prometheus.Counter
	Accounts         *prometheus.GaugeVec
	VaultBalance     prometheus.Gauge
	CTotBalance      prometheus.Gauge
	FeeReserve       prometheus.Gauge
	BadDebt          prometheus.Gauge
	OpenInterest     prometheus.Gauge

	// --- Crank ---
	CrankRuns            prometheus.Counter
	CrankRejected        *prometheus.CounterVec
	CrankDuration        prometheus.Histogram
	CrankAccountsVisited prometheus.Counter
	Liquidations         *prometheus.CounterVec
	LiquidationErrors    prometheus.Counter
	MaxPnLClosed         prometheus.Counter
	MaxPnLErrors         prometheus.Counter

	// --- Ingestion ---
	IngestMessages *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all Prometheus metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	crankBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
	}

	return &Metrics{
		// Command Processing
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_events_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_events_rejected_total",
			Help: "Commands rejected (dedup, gap, validation, engine error)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_core_event_apply_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_core_sequence",
			Help: "Next global sequence to be assigned",
		}),

		// Risk Engine
		TradesExecuted: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_engine_trades_executed_total",
			Help: "Trades committed by the risk engine",
		}),

		TradesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_engine_trades_rejected_total",
			Help: "Trades rejected by the risk engine",
		}, []string{"reason"}),

		TradeFeesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_engine_trade_fees_total",
			Help: "Trading fees paid by traders to LPs (quote units)",
		}),

		Accounts: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_engine_accounts",
			Help: "Accounts in the ledger",
		}, []string{"kind"}),

		VaultBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_engine_vault",
			Help: "Funds held in custody (quote units)",
		}),

		CTotBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_engine_c_tot",
			Help: "Sum of account capital (quote units)",
		}),

		FeeReserve: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_engine_fee_reserve",
			Help: "Fees swept out of custody (quote units)",
		}),

		BadDebt: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_engine_bad_debt",
			Help: "Trader losses written off against LPs (quote units)",
		}),

		OpenInterest: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_engine_open_interest",
			Help: "Sum of |trader position| (base units)",
		}),

		// Crank
		CrankRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_crank_runs_total",
			Help: "Cranks completed",
		}),

		CrankRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_crank_rejected_total",
			Help: "Cranks rejected by a global guard",
		}, []string{"reason"}),

		CrankDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_crank_duration_seconds",
			Help:    "Wall time of a crank sweep",
			Buckets: crankBuckets,
		}),

		CrankAccountsVisited: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_crank_accounts_visited_total",
			Help: "Accounts visited by cranks",
		}),

		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_crank_liquidations_total",
			Help: "Accounts liquidated",
		}, []string{"kind", "mode"}),

		LiquidationErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_crank_liquidation_errors_total",
			Help: "Contained per-account failures in the settle/liquidation stage",
		}),

		MaxPnLClosed: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_crank_max_pnl_closed_total",
			Help: "Trader positions force-closed by the vault-protection cap",
		}),

		MaxPnLErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_crank_max_pnl_errors_total",
			Help: "Contained per-account failures in the max-PnL stage",
		}),

		// Ingestion
		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_ingest_messages_total",
			Help: "Messages received from NATS",
		}, []string{"subject", "result"}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_size",
			Help: "Current items in channel",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_publish_drops_total",
			Help: "Outbound messages dropped",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_backpressure_total",
			Help: "Times the core blocked on a full persist channel",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_idempotency_duplicates_total",
			Help: "Duplicate commands detected",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_dedup_lru_evictions_total",
			Help: "Idempotency LRU evictions",
		}),

		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_event_sequence_gap_total",
			Help: "Source sequence gaps detected",
		}, []string{"partition"}),

		EventOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_event_out_of_order_total",
			Help: "Out-of-order commands detected",
		}, []string{"partition"}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_events_written_total",
			Help: "Commands written to the event log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_journals_written_total",
			Help: "Journal entries written",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_size",
			Help:    "Commands per persistence flush",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_duration_seconds",
			Help:    "Time to flush one persistence batch",
			Buckets: prometheus.DefBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"operation"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_retry_total",
			Help: "Persistence flush retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_persist_last_sequence",
			Help: "Last persisted global sequence",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_snapshot_duration_seconds",
			Help:    "Time to write a snapshot",
			Buckets: prometheus.DefBuckets,
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_replay_events_total",
			Help: "Commands replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_replay_duration_seconds",
			Help: "Duration of the startup replay",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_query_requests_total",
			Help: "Query requests",
		}, []string{"method"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_query_duration_seconds",
			Help:    "Query latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_query_errors_total",
			Help: "Query errors",
		}, []string{"method", "code"}),
	}
}
