package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Octad / modality store metrics
	EntitiesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "verisimdb_entities_total",
			Help: "Total number of registered entities",
		},
	)

	ModalityPayloadsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "verisimdb_modality_payloads_total",
			Help: "Total number of stored payloads by modality",
		},
		[]string{"modality"},
	)

	CommitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "verisimdb_commit_duration_seconds",
			Help:    "Time taken for a C2 two-phase commit",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	BackpressureTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verisimdb_backpressure_total",
			Help: "Total number of backpressure rejections by modality",
		},
		[]string{"modality"},
	)

	// Drift detector metrics
	DriftScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "verisimdb_drift_score",
			Help: "Most recently computed drift score for a modality pair",
		},
		[]string{"modality_a", "modality_b"},
	)

	DriftSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "verisimdb_drift_sweep_duration_seconds",
			Help:    "Time taken for one drift sweep cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	DriftSweepCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "verisimdb_drift_sweep_cycles_total",
			Help: "Total number of drift sweep cycles completed",
		},
	)

	// Normalizer metrics
	NormalizationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verisimdb_normalizations_total",
			Help: "Total number of normalization decisions by outcome",
		},
		[]string{"outcome"},
	)

	NormalizationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "verisimdb_normalization_duration_seconds",
			Help:    "Time taken to apply one normalization",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Query planner/executor metrics
	QueryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "verisimdb_query_latency_seconds",
			Help:    "End-to-end query latency by execution path",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)

	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verisimdb_queries_total",
			Help: "Total number of queries executed by result",
		},
		[]string{"result"},
	)

	PlanCostEstimateError = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "verisimdb_plan_cost_estimate_error_ms",
			Help:    "Difference between estimated and actual per-plan latency in ms",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// Proof engine metrics
	ProofCertificatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verisimdb_proof_certificates_total",
			Help: "Total number of proof verifications by outcome",
		},
		[]string{"outcome"},
	)

	// Metadata log (Raft) metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "verisimdb_raft_is_leader",
			Help: "Whether this node is the metadata log leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "verisimdb_raft_peers_total",
			Help: "Total number of metadata log peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "verisimdb_raft_log_index",
			Help: "Current metadata log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "verisimdb_raft_applied_index",
			Help: "Last applied metadata log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "verisimdb_raft_apply_duration_seconds",
			Help:    "Time taken to apply a metadata log entry",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Federation registry metrics
	FederationPeersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "verisimdb_federation_peers_total",
			Help: "Total number of known federation peers by trust tier",
		},
		[]string{"tier"},
	)

	FederationHealthCheckDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "verisimdb_federation_health_check_duration_seconds",
			Help:    "Time taken for one federation peer health-check cycle",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		EntitiesTotal,
		ModalityPayloadsTotal,
		CommitDuration,
		BackpressureTotal,
		DriftScore,
		DriftSweepDuration,
		DriftSweepCyclesTotal,
		NormalizationsTotal,
		NormalizationDuration,
		QueryLatency,
		QueriesTotal,
		PlanCostEstimateError,
		ProofCertificatesTotal,
		RaftLeader,
		RaftPeers,
		RaftLogIndex,
		RaftAppliedIndex,
		RaftApplyDuration,
		FederationPeersTotal,
		FederationHealthCheckDuration,
	)
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
