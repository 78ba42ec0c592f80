package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the tranche ledger.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreStateHashDur   prometheus.Histogram
	CoreSequence       prometheus.Gauge

	// --- Pool State ---
	TrancheAssets     *prometheus.GaugeVec
	TrancheShares     *prometheus.GaugeVec
	TrancheSharePrice *prometheus.GaugeVec
	CoverAssets       *prometheus.GaugeVec
	PoolVaultBalance  prometheus.Gauge
	CreditDeployed    prometheus.Gauge
	CurrentEpoch      prometheus.Gauge

	// --- Epochs & PnL ---
	EpochsClosed         prometheus.Counter
	EpochSharesProcessed *prometheus.CounterVec
	EpochAmountProcessed *prometheus.CounterVec
	EpochUnusedLiquidity prometheus.Gauge
	PnLAllocated         *prometheus.CounterVec
	YieldPaid            *prometheus.CounterVec
	Disbursed            *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- API ---
	ProjectionUpdateDur *prometheus.HistogramVec
	QueryRequests       *prometheus.CounterVec
	QueryDuration       *prometheus.HistogramVec
	IngestMessages      *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in the service and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreEventsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_core_events_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_core_events_rejected_total",
			Help: "Commands rejected (duplicate, sequence, validation kind)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tranche_core_event_apply_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreStateHashDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tranche_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tranche_core_sequence",
			Help: "Current global sequence number",
		}),

		// Pool State
		TrancheAssets: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tranche_assets",
			Help: "Total assets per tranche (token units)",
		}, []string{"tranche"}),

		TrancheShares: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tranche_shares",
			Help: "Total shares per tranche",
		}, []string{"tranche"}),

		TrancheSharePrice: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tranche_share_price",
			Help: "Assets per share",
		}, []string{"tranche"}),

		CoverAssets: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tranche_cover_assets",
			Help: "First loss cover reserve amount",
		}, []string{"cover"}),

		PoolVaultBalance: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tranche_pool_vault_balance",
			Help: "Idle cash held by the pool",
		}),

		CreditDeployed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tranche_credit_deployed",
			Help: "Principal deployed to borrowers",
		}),

		CurrentEpoch: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tranche_current_epoch",
			Help: "Id of the open redemption epoch",
		}),

		// Epochs & PnL
		EpochsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "tranche_epochs_closed_total",
			Help: "Epochs closed",
		}),

		EpochSharesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_epoch_shares_processed_total",
			Help: "Redemption shares processed at epoch close",
		}, []string{"tranche"}),

		EpochAmountProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_epoch_amount_processed_total",
			Help: "Redemption value processed at epoch close",
		}, []string{"tranche"}),

		EpochUnusedLiquidity: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tranche_epoch_unused_liquidity",
			Help: "Liquidity left unused by the last epoch close",
		}),

		PnLAllocated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_pnl_allocated_total",
			Help: "PnL allocated per recipient and stage",
		}, []string{"recipient", "stage"}),

		YieldPaid: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_yield_paid_total",
			Help: "Yield paid out or reinvested",
		}, []string{"tranche", "mode"}),

		Disbursed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_disbursed_total",
			Help: "Processed redemptions paid to lenders",
		}, []string{"tranche"}),

		// Channel & Backpressure
		ChannelSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tranche_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tranche_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tranche_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "tranche_publish_drops_total",
			Help: "Outputs dropped due to full publish channel",
		}),

		PersistBackpressure: factory.NewCounter(prometheus.CounterOpts{
			Name: "tranche_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/db)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tranche_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		EventSequenceGap: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_event_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		EventOutOfOrder: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_event_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		// Persistence
		PersistEventsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "tranche_persist_events_written_total",
			Help: "Events written to the event log",
		}),

		PersistJournalsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "tranche_persist_journals_written_total",
			Help: "Journal entries written",
		}),

		PersistBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tranche_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tranche_persist_batch_duration_seconds",
			Help:    "Batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tranche_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: factory.NewCounter(prometheus.CounterOpts{
			Name: "tranche_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tranche_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tranche_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tranche_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "tranche_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tranche_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// API
		ProjectionUpdateDur: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tranche_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		QueryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tranche_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		IngestMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tranche_ingest_messages_total",
			Help: "Messages received from the bus",
		}, []string{"event_type", "result"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
