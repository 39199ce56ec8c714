package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// TxnBuckets for whole-transaction latencies (lock waits + network + journal)
	TxnBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// TwoPCBuckets for prepare/commit phase latencies
	TwoPCBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	// JournalFlushBuckets for group-commit flush latencies
	JournalFlushBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	// WitnessAckBuckets for number of participant acknowledgments
	WitnessAckBuckets = []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	// BatchSizeBuckets for journal group-commit batch sizes
	BatchSizeBuckets = []float64{1, 2, 4, 8, 16, 32, 64, 128, 256}
)

// Transaction Metrics
var (
	// TxnTotal counts transactions by op and result (completed, aborted, killed)
	TxnTotal CounterVec = noopCounterVec{}

	// TxnDurationSeconds measures transaction latency by op
	TxnDurationSeconds HistogramVec = noopHistogramVec{}

	// ActiveTransactions tracks currently active transactions
	ActiveTransactions Gauge = NoopStat{}

	// TxnRetriesTotal counts recoverable re-acquisition attempts
	TxnRetriesTotal Counter = NoopStat{}

	// PinsOutstanding tracks currently held object pins across all mutations
	PinsOutstanding Gauge = NoopStat{}

	// AuthPinsOutstanding tracks currently held auth-pins across all mutations
	AuthPinsOutstanding Gauge = NoopStat{}
)

// Lock Acquisition Metrics
var (
	// LockAcquisitionsTotal counts lock attempts by mode (rdlock, wrlock, xlock,
	// remote_wrlock, state_pin) and result (granted, contended, deferred)
	LockAcquisitionsTotal CounterVec = noopCounterVec{}

	// LockWaitSeconds measures time between first refusal and eventual grant
	LockWaitSeconds Histogram = NoopStat{}

	// AuthPinRefusalsTotal counts refused auth-pins by reason (frozen, ambiguous)
	AuthPinRefusalsTotal CounterVec = noopCounterVec{}
)

// Distributed Protocol Metrics
var (
	// TwoPhasePrepareSeconds measures master-side prepare phase duration
	TwoPhasePrepareSeconds Histogram = NoopStat{}

	// TwoPhaseCommitSeconds measures master-side commit phase duration
	TwoPhaseCommitSeconds Histogram = NoopStat{}

	// TwoPhaseWitnessAcks measures witness acks collected per phase
	TwoPhaseWitnessAcks HistogramVec = noopHistogramVec{}

	// PreparesTotal counts participant-side prepares by result (acked, refused, failed)
	PreparesTotal CounterVec = noopCounterVec{}

	// RollbacksTotal counts participant rollbacks by cause (abort, master_dead)
	RollbacksTotal CounterVec = noopCounterVec{}

	// SlaveUpdateLogSize tracks outstanding prepared-but-undecided records
	SlaveUpdateLogSize Gauge = NoopStat{}
)

// Lock Cache Metrics
var (
	// LockCacheOpsTotal counts cache consultations by result (hit, miss, bypass)
	LockCacheOpsTotal CounterVec = noopCounterVec{}

	// LockCacheInvalidationsTotal counts invalidations by cause (contention, cap_revoked)
	LockCacheInvalidationsTotal CounterVec = noopCounterVec{}

	// LockCachesActive tracks live lock caches on this rank
	LockCachesActive Gauge = NoopStat{}

	// CacheFilterChecks counts contention filter checks by result
	// (fast_path, slow_path_miss, slow_path_conflict)
	CacheFilterChecks CounterVec = noopCounterVec{}

	// CacheFilterSize tracks object ids registered in the contention filter
	CacheFilterSize Gauge = NoopStat{}
)

// Journal Metrics
var (
	// JournalAppendsTotal counts appended journal entries
	JournalAppendsTotal Counter = NoopStat{}

	// JournalBatchSize measures entries per group-commit batch
	JournalBatchSize Histogram = NoopStat{}

	// JournalFlushSeconds measures group-commit flush latency
	JournalFlushSeconds Histogram = NoopStat{}

	// JournalPreparesActive tracks persisted prepare records
	JournalPreparesActive Gauge = NoopStat{}
)

// Cluster Metrics
var (
	// ClusterRanks tracks rank count by status (ALIVE, SUSPECT, DEAD)
	ClusterRanks GaugeVec = noopGaugeVec{}

	// HeartbeatsTotal counts heartbeats by direction (sent, received)
	HeartbeatsTotal CounterVec = noopCounterVec{}

	// RankStateTransitionsTotal counts liveness transitions (from -> to)
	RankStateTransitionsTotal CounterVec = noopCounterVec{}
)

// Transport Metrics
var (
	// PeerRequestsTotal counts peer requests by kind and result
	PeerRequestsTotal CounterVec = noopCounterVec{}

	// PeerRequestSeconds measures peer request latency by kind
	PeerRequestSeconds HistogramVec = noopHistogramVec{}
)

// Event Publisher Metrics
var (
	// EventsPublishedTotal counts published commit events by sink and result
	EventsPublishedTotal CounterVec = noopCounterVec{}

	// EventsDroppedTotal counts events dropped on slow subscribers
	EventsDroppedTotal Counter = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Transaction Metrics
	TxnTotal = NewCounterVec(
		"txn_total",
		"Total transactions by op and result",
		[]string{"op", "result"},
	)
	TxnDurationSeconds = NewHistogramVec(
		"txn_duration_seconds",
		"Transaction duration in seconds",
		[]string{"op"},
		TxnBuckets,
	)
	ActiveTransactions = NewGauge(
		"active_transactions",
		"Number of currently active transactions",
	)
	TxnRetriesTotal = NewCounter(
		"txn_retries_total",
		"Total recoverable transaction retries",
	)
	PinsOutstanding = NewGauge(
		"pins_outstanding",
		"Object pins currently held across all mutations",
	)
	AuthPinsOutstanding = NewGauge(
		"auth_pins_outstanding",
		"Auth-pins currently held across all mutations",
	)

	// Lock Acquisition Metrics
	LockAcquisitionsTotal = NewCounterVec(
		"lock_acquisitions_total",
		"Lock acquisition attempts by mode and result",
		[]string{"mode", "result"},
	)
	LockWaitSeconds = NewHistogramWithBuckets(
		"lock_wait_seconds",
		"Time between first lock refusal and eventual grant",
		TwoPCBuckets,
	)
	AuthPinRefusalsTotal = NewCounterVec(
		"auth_pin_refusals_total",
		"Refused auth-pins by reason",
		[]string{"reason"},
	)

	// Distributed Protocol Metrics
	TwoPhasePrepareSeconds = NewHistogramWithBuckets(
		"twophase_prepare_seconds",
		"2PC prepare phase duration in seconds",
		TwoPCBuckets,
	)
	TwoPhaseCommitSeconds = NewHistogramWithBuckets(
		"twophase_commit_seconds",
		"2PC commit phase duration in seconds",
		TwoPCBuckets,
	)
	TwoPhaseWitnessAcks = NewHistogramVec(
		"twophase_witness_acks",
		"Witness acknowledgments received per phase",
		[]string{"phase"},
		WitnessAckBuckets,
	)
	PreparesTotal = NewCounterVec(
		"prepares_total",
		"Participant-side prepares by result",
		[]string{"result"},
	)
	RollbacksTotal = NewCounterVec(
		"rollbacks_total",
		"Participant rollbacks by cause",
		[]string{"cause"},
	)
	SlaveUpdateLogSize = NewGauge(
		"slave_update_log_size",
		"Outstanding prepared-but-undecided participant records",
	)

	// Lock Cache Metrics
	LockCacheOpsTotal = NewCounterVec(
		"lock_cache_ops_total",
		"Lock cache consultations by result",
		[]string{"result"},
	)
	LockCacheInvalidationsTotal = NewCounterVec(
		"lock_cache_invalidations_total",
		"Lock cache invalidations by cause",
		[]string{"cause"},
	)
	LockCachesActive = NewGauge(
		"lock_caches_active",
		"Live lock caches on this rank",
	)
	CacheFilterChecks = NewCounterVec(
		"cache_filter_checks_total",
		"Lock cache contention filter checks by result",
		[]string{"result"},
	)
	CacheFilterSize = NewGauge(
		"cache_filter_size",
		"Object ids registered in the contention filter",
	)

	// Journal Metrics
	JournalAppendsTotal = NewCounter(
		"journal_appends_total",
		"Total journal entries appended",
	)
	JournalBatchSize = NewHistogramWithBuckets(
		"journal_batch_size",
		"Entries per group-commit batch",
		BatchSizeBuckets,
	)
	JournalFlushSeconds = NewHistogramWithBuckets(
		"journal_flush_seconds",
		"Group-commit flush latency in seconds",
		JournalFlushBuckets,
	)
	JournalPreparesActive = NewGauge(
		"journal_prepares_active",
		"Persisted prepare records awaiting decision",
	)

	// Cluster Metrics
	ClusterRanks = NewGaugeVec(
		"cluster_ranks",
		"Number of ranks in cluster by status",
		[]string{"status"},
	)
	HeartbeatsTotal = NewCounterVec(
		"heartbeats_total",
		"Total heartbeats by direction",
		[]string{"direction"},
	)
	RankStateTransitionsTotal = NewCounterVec(
		"rank_state_transitions_total",
		"Rank liveness transitions",
		[]string{"from", "to"},
	)

	// Transport Metrics
	PeerRequestsTotal = NewCounterVec(
		"peer_requests_total",
		"Peer requests by kind and result",
		[]string{"kind", "result"},
	)
	PeerRequestSeconds = NewHistogramVec(
		"peer_request_seconds",
		"Peer request latency by kind",
		[]string{"kind"},
		TwoPCBuckets,
	)

	// Event Publisher Metrics
	EventsPublishedTotal = NewCounterVec(
		"events_published_total",
		"Published commit events by sink and result",
		[]string{"sink", "result"},
	)
	EventsDroppedTotal = NewCounter(
		"events_dropped_total",
		"Commit events dropped on slow subscribers",
	)
}
