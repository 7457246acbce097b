package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PolicyLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreStateHashDur   prometheus.Histogram
	CoreSequence       prometheus.Gauge

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	ApplyToPersist      prometheus.Histogram
	QueryFreshnessLag   *prometheus.HistogramVec
	NATSPullLatency     *prometheus.HistogramVec
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

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
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Duration    prometheus.Histogram
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Policy Lifecycle ---
	PoliciesCreated   prometheus.Counter
	PoliciesActivated prometheus.Counter
	PoliciesClosed    *prometheus.CounterVec
	PremiumCollected  prometheus.Counter
	CoveragePaid      prometheus.Counter

	// --- Protection Claims ---
	ProtectionsInitialized prometheus.Counter
	ClaimsPaid             prometheus.Counter
	ClaimsRejected         *prometheus.CounterVec
	ClaimVolume            prometheus.Counter
	RentEscrowBalance      prometheus.Gauge

	// --- Price Feed ---
	FeedUpdates     *prometheus.CounterVec
	FeedGaps        *prometheus.CounterVec
	OraclePrice     *prometheus.GaugeVec
	OracleAge       *prometheus.GaugeVec
	RelayMessages   *prometheus.CounterVec
	RelayReconnects prometheus.Counter
	RelayErrors     prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot & Archive ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge
	ArchiveBatches    prometheus.Counter
	ArchiveBytes      prometheus.Counter
	ArchiveErrors     prometheus.Counter
	ArchiveLastSeq    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
	LockAcquired  prometheus.Counter
	LockContended prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreEventsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_core_events_applied_total",
			Help: "Events successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_core_events_rejected_total",
			Help: "Events rejected (dedup, gap, validation)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "policy_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreStateHashDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "policy_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "policy_core_sequence",
			Help: "Current global sequence number",
		}),

		// Latency
		IngestToApply: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "policy_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"event_type"}),

		ApplyToPersist: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "policy_apply_to_persist_seconds",
			Help:    "Core emit to Postgres commit",
			Buckets: latencyBuckets,
		}),

		QueryFreshnessLag: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "policy_query_freshness_lag_seconds",
			Help:    "Core sequence minus projection sequence (in time)",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1.0},
		}, []string{"endpoint"}),

		NATSPullLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "policy_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "policy_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		ProjectionUpdateDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "policy_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		// Channel & Backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "policy_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "policy_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "policy_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_projection_drops_total",
			Help: "Events dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "policy_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "policy_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "policy_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "policy_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Duration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "policy_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: latencyBuckets,
		}),

		EventSequenceGap: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_event_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		EventOutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_event_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		// Policy Lifecycle
		PoliciesCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "policy_policies_created_total",
			Help: "Policy records created",
		}),

		PoliciesActivated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "policy_policies_activated_total",
			Help: "Policies activated (premium collected)",
		}),

		PoliciesClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_policies_closed_total",
			Help: "Policies closed",
		}, []string{"outcome"}),

		PremiumCollected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "policy_premium_collected_total",
			Help: "Total premium collected (payment asset units)",
		}),

		CoveragePaid: promauto.NewCounter(prometheus.CounterOpts{
			Name: "policy_coverage_paid_total",
			Help: "Total coverage paid on closure (payment asset units)",
		}),

		// Protection Claims
		ProtectionsInitialized: promauto.NewCounter(prometheus.CounterOpts{
			Name: "policy_protections_initialized_total",
			Help: "Protection records initialized",
		}),

		ClaimsPaid: promauto.NewCounter(prometheus.CounterOpts{
			Name: "policy_claims_paid_total",
			Help: "Protection claims settled",
		}),

		ClaimsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_claims_rejected_total",
			Help: "Protection claims rejected",
		}, []string{"reason"}),

		ClaimVolume: promauto.NewCounter(prometheus.CounterOpts{
			Name: "policy_claim_volume_total",
			Help: "Total native units paid out on claims",
		}),

		RentEscrowBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "policy_rent_escrow_balance",
			Help: "Current rent escrow balance (native units)",
		}),

		// Price Feed
		FeedUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_feed_updates_total",
			Help: "Price updates applied per feed",
		}, []string{"feed"}),

		FeedGaps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_feed_gaps_total",
			Help: "Feed sequence gaps observed",
		}, []string{"feed"}),

		OraclePrice: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "policy_oracle_price",
			Help: "Latest normalized oracle price per feed",
		}, []string{"feed"}),

		OracleAge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "policy_oracle_age_seconds",
			Help: "Observation age at apply time per feed",
		}, []string{"feed"}),

		RelayMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_relay_messages_total",
			Help: "Messages received from the oracle relay",
		}, []string{"feed"}),

		RelayReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "policy_relay_reconnects_total",
			Help: "Oracle relay websocket reconnects",
		}),

		RelayErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "policy_relay_errors_total",
			Help: "Oracle relay read/publish errors",
		}),

		// Persistence
		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "policy_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "policy_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "policy_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "policy_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "policy_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot & Archive
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "policy_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "policy_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "policy_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "policy_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "policy_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "policy_replay_duration_seconds",
			Help: "Total replay time",
		}),

		ArchiveBatches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "policy_archive_batches_total",
			Help: "Event batches archived to object storage",
		}),

		ArchiveBytes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "policy_archive_bytes_total",
			Help: "Bytes written to the event archive",
		}),

		ArchiveErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "policy_archive_errors_total",
			Help: "Archive upload failures",
		}),

		ArchiveLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "policy_archive_last_sequence",
			Help: "Highest archived sequence",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "policy_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),

		LockAcquired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "policy_lock_acquired_total",
			Help: "Claim submission locks acquired",
		}),

		LockContended: promauto.NewCounter(prometheus.CounterOpts{
			Name: "policy_lock_contended_total",
			Help: "Claim submission lock contention",
		}),
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
