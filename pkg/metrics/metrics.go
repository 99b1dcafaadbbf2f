package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Tracked-expectation table metrics.
	ExpectationsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pkgmanager_expectations_total",
			Help: "Total number of tracked expectations by state",
		},
		[]string{"state"},
	)

	ExpectationErrorCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pkgmanager_expectation_error_count",
			Help:    "Distribution of errorCount across tracked expectations observed at evaluation time",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
		},
	)

	ContainersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pkgmanager_containers_total",
			Help: "Total number of tracked package containers",
		},
	)

	// Evaluation loop metrics.
	EvaluationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pkgmanager_evaluation_cycles_total",
			Help: "Total number of evaluation-loop ticks completed",
		},
	)

	EvaluationCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pkgmanager_evaluation_cycle_duration_seconds",
			Help:    "Time taken for one evaluation-loop tick across all due expectations",
			Buckets: prometheus.DefBuckets,
		},
	)

	ExpectationEvaluationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pkgmanager_expectation_evaluation_duration_seconds",
			Help:    "Time taken to evaluate a single expectation, by the state it was evaluated in",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"state"},
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkgmanager_transitions_total",
			Help: "Total number of state transitions by from/to state",
		},
		[]string{"from", "to"},
	)

	// Worker-selection protocol metrics.
	WorkerProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkgmanager_worker_probes_total",
			Help: "Total number of doYouSupport probes issued, by result",
		},
		[]string{"result"},
	)

	WorkerSelectionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pkgmanager_worker_selection_duration_seconds",
			Help:    "Time taken to select a worker for an expectation",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pkgmanager_workers_connected",
			Help: "Number of workers currently connected to this manager",
		},
	)

	WorkerAssignmentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pkgmanager_worker_assignments",
			Help: "Number of expectations currently assigned per worker",
		},
		[]string{"worker_id"},
	)

	// Status publication metrics.
	PublicationQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pkgmanager_publication_queue_depth",
			Help: "Number of distinct expectation/container ids pending publication upstream",
		},
	)

	PublicationFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkgmanager_publication_flushes_total",
			Help: "Total number of publication flushes, by outcome",
		},
		[]string{"outcome"},
	)

	PublicationFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pkgmanager_publication_flush_duration_seconds",
			Help:    "Time taken to publish one coalesced batch upstream",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Workforce registry metrics.
	WorkforceManagersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pkgmanager_workforce_managers_connected",
			Help: "Number of Expectation Managers currently registered with the Workforce",
		},
	)

	WorkforceWorkersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pkgmanager_workforce_workers_connected",
			Help: "Number of Workers currently registered with the Workforce",
		},
	)

	WorkforceHeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkgmanager_workforce_heartbeats_total",
			Help: "Total number of heartbeats received, by party kind",
		},
		[]string{"kind"},
	)

	WorkforceDisconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkgmanager_workforce_disconnects_total",
			Help: "Total number of parties declared disconnected due to heartbeat expiry, by party kind",
		},
		[]string{"kind"},
	)

	// Package container cron metrics.
	ContainerCronRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkgmanager_container_cron_runs_total",
			Help: "Total number of container cron job invocations, by job name and outcome",
		},
		[]string{"job", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		ExpectationsTotal,
		ExpectationErrorCount,
		ContainersTotal,
		EvaluationCyclesTotal,
		EvaluationCycleDuration,
		ExpectationEvaluationDuration,
		TransitionsTotal,
		WorkerProbesTotal,
		WorkerSelectionDuration,
		WorkersConnected,
		WorkerAssignmentsTotal,
		PublicationQueueDepth,
		PublicationFlushesTotal,
		PublicationFlushDuration,
		WorkforceManagersConnected,
		WorkforceWorkersConnected,
		WorkforceHeartbeatsTotal,
		WorkforceDisconnectsTotal,
		ContainerCronRunsTotal,
	)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
