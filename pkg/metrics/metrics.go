package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Raft / lock engine metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quorumd_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quorumd_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quorumd_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	LocksHeldTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quorumd_locks_held_total",
			Help: "Number of resources currently held, by mode",
		},
		[]string{"mode"},
	)

	LockWaitersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quorumd_lock_waiters_total",
			Help: "Total number of clients currently queued waiting for a lock",
		},
	)

	DeadlocksDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quorumd_deadlocks_detected_total",
			Help: "Total number of wait-for cycles detected",
		},
	)

	DeadlockVictimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quorumd_deadlock_victims_total",
			Help: "Total number of clients aborted to break a deadlock",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quorumd_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Queue engine metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quorumd_queue_depth",
			Help: "Number of ready (not yet dequeued) messages per queue",
		},
		[]string{"queue"},
	)

	QueueInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quorumd_queue_in_flight",
			Help: "Number of dequeued-but-unacked messages per queue",
		},
		[]string{"queue"},
	)

	QueueEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorumd_queue_enqueued_total",
			Help: "Total number of messages enqueued, by queue",
		},
		[]string{"queue"},
	)

	QueueRedeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorumd_queue_redelivered_total",
			Help: "Total number of messages redelivered after visibility timeout expiry",
		},
		[]string{"queue"},
	)

	QueueForwardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorumd_queue_forwarded_total",
			Help: "Total number of enqueue requests forwarded to the ring owner",
		},
		[]string{"queue", "status"},
	)

	WALAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quorumd_wal_append_duration_seconds",
			Help:    "Time taken to append and flush a WAL record in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// MESI cache engine metrics
	CacheLinesByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quorumd_cache_lines_by_state",
			Help: "Number of cache lines held locally by MESI state",
		},
		[]string{"state"},
	)

	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quorumd_cache_hits_total",
			Help: "Total number of local cache hits",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quorumd_cache_misses_total",
			Help: "Total number of local cache misses requiring a remote read broadcast",
		},
	)

	CacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quorumd_cache_evictions_total",
			Help: "Total number of LRU evictions",
		},
	)

	CacheInvalidateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quorumd_cache_invalidate_duration_seconds",
			Help:    "Time taken to collect invalidate acknowledgments from peers",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Transport metrics, shared by all three roles
	TransportRPCTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorumd_transport_rpc_total",
			Help: "Total number of peer RPCs by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	TransportRPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quorumd_transport_rpc_duration_seconds",
			Help:    "Peer RPC round-trip duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(
		RaftLeader,
		RaftLogIndex,
		RaftAppliedIndex,
		LocksHeldTotal,
		LockWaitersTotal,
		DeadlocksDetectedTotal,
		DeadlockVictimsTotal,
		RaftApplyDuration,
		QueueDepth,
		QueueInFlight,
		QueueEnqueuedTotal,
		QueueRedeliveredTotal,
		QueueForwardedTotal,
		WALAppendDuration,
		CacheLinesByState,
		CacheHitsTotal,
		CacheMissesTotal,
		CacheEvictionsTotal,
		CacheInvalidateDuration,
		TransportRPCTotal,
		TransportRPCDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
