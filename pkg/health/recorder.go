package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder exports engine metrics to Prometheus.
type Recorder struct {
	dispatchesTotal *prometheus.CounterVec
	timeoutsTotal   *prometheus.CounterVec
	fallbacksTotal  *prometheus.CounterVec
	tasksTotal      *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	heartbeatLoad   *prometheus.GaugeVec
	heartbeatRTT    *prometheus.HistogramVec
}

// NewRecorder creates a recorder registered against the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a fresh
// registry so repeated construction never panics on duplicate registration.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		dispatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_dispatches_total",
				Help: "Total work item dispatches by worker, work type, and status",
			},
			[]string{"worker_id", "work_type", "status"},
		),
		timeoutsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_timeouts_total",
				Help: "Total dispatch timeouts by worker type and resulting strategy",
			},
			[]string{"worker_type", "strategy"},
		),
		fallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_fallbacks_total",
				Help: "Total fallback activations by primary and fallback worker",
			},
			[]string{"primary", "fallback", "condition"},
		),
		tasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_tasks_total",
				Help: "Total completed tasks by worker type, status, and error type",
			},
			[]string{"worker_type", "status", "error_type"},
		),
		taskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleet_task_duration_seconds",
				Help:    "Duration of worker task executions in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"worker_type"},
		),
		heartbeatLoad: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleet_worker_load",
				Help: "Worker-reported load from the most recent heartbeat",
			},
			[]string{"worker_type", "status"},
		),
		heartbeatRTT: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleet_heartbeat_latency_seconds",
				Help:    "Worker-reported heartbeat latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"worker_type"},
		),
	}
}

// ObserveDispatch records one dispatch outcome.
func (r *Recorder) ObserveDispatch(workerID, workType string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	r.dispatchesTotal.WithLabelValues(workerID, workType, status).Inc()
}

// ObserveTimeout records a timeout event and the strategy chosen for it.
func (r *Recorder) ObserveTimeout(workerType, strategy string) {
	r.timeoutsTotal.WithLabelValues(workerType, strategy).Inc()
}

// ObserveFallback records a fallback activation.
func (r *Recorder) ObserveFallback(primary, fallback, condition string) {
	r.fallbacksTotal.WithLabelValues(primary, fallback, condition).Inc()
}

// ObserveTask records a finished task with its duration.
func (r *Recorder) ObserveTask(workerType string, success bool, errorType string, durationMs float64) {
	status := "success"
	if !success {
		status = "error"
	}
	r.tasksTotal.WithLabelValues(workerType, status, errorType).Inc()
	r.taskDuration.WithLabelValues(workerType).Observe(durationMs / 1000)
}

// ObserveHeartbeat records load and latency from one heartbeat sample.
func (r *Recorder) ObserveHeartbeat(workerType, status string, latencyMs, load float64) {
	r.heartbeatLoad.WithLabelValues(workerType, status).Set(load)
	r.heartbeatRTT.WithLabelValues(workerType).Observe(latencyMs / 1000)
}
