// Package health tracks worker liveness and rolling task metrics. Workers
// push heartbeats; the monitor derives staleness from registration intervals
// and surfaces alerts as a pure function of current state.
package health

import (
	"sort"
	"sync"
	"time"

	"specfleet/pkg/logx"
)

// HeartbeatStatus classifies the recency of a worker's heartbeats.
type HeartbeatStatus string

const (
	HeartbeatActive  HeartbeatStatus = "active"
	HeartbeatMissed  HeartbeatStatus = "missed"
	HeartbeatStale   HeartbeatStatus = "stale"
	HeartbeatStopped HeartbeatStatus = "stopped"
)

// Status is a worker's health as derived from heartbeats and self-reports.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusOffline   Status = "offline"
)

// HeartbeatRecord is one point-in-time health sample from a worker.
type HeartbeatRecord struct {
	WorkerType  string    `json:"worker_type"`
	Status      Status    `json:"status"`
	LatencyMs   float64   `json:"latency_ms"`
	Load        float64   `json:"load"`
	ActiveTasks int       `json:"active_tasks"`
	QueueDepth  int       `json:"queue_depth"`
	ReceivedAt  time.Time `json:"received_at"`
}

// WorkerMetrics holds rolling task counters per worker type. The duration
// average is a running average over the full count, not a window.
type WorkerMetrics struct {
	WorkerType    string  `json:"worker_type"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	TimedOut      int     `json:"timed_out"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	MinDurationMs float64 `json:"min_duration_ms"`
	MaxDurationMs float64 `json:"max_duration_ms"`
	SuccessRate   float64 `json:"success_rate"`
}

// Alert is one actionable health finding.
type Alert struct {
	WorkerType string `json:"worker_type"`
	Severity   string `json:"severity"` // "warning" or "critical"
	Reason     string `json:"reason"`
}

// registration holds the liveness thresholds declared for a worker type.
type registration struct {
	intervalSeconds float64
	timeoutSeconds  float64
	maxMissed       int
	registeredAt    time.Time
}

const historyCapacity = 100

// Monitor ingests heartbeats and task completions for all worker types in a
// run. All mutation is serialized by a single mutex.
type Monitor struct {
	mu            sync.Mutex
	registrations map[string]*registration
	latest        map[string]*HeartbeatRecord
	history       map[string][]HeartbeatRecord // bounded ring, oldest evicted first
	metrics       map[string]*WorkerMetrics
	recorder      *Recorder
	logger        *logx.Logger
	now           func() time.Time
}

// NewMonitor creates a health monitor. The recorder may be nil when metric
// export is not wanted (tests).
func NewMonitor(recorder *Recorder) *Monitor {
	return &Monitor{
		registrations: make(map[string]*registration),
		latest:        make(map[string]*HeartbeatRecord),
		history:       make(map[string][]HeartbeatRecord),
		metrics:       make(map[string]*WorkerMetrics),
		recorder:      recorder,
		logger:        logx.NewLogger("health"),
		now:           time.Now,
	}
}

// SetClock replaces the monitor's clock. Intended for tests.
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Register declares liveness thresholds for a worker type. Heartbeats older
// than timeoutSeconds are stale; gaps beyond interval*maxMissed are missed.
func (m *Monitor) Register(workerType string, intervalSeconds, timeoutSeconds float64, maxMissed int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.registrations[workerType] = &registration{
		intervalSeconds: intervalSeconds,
		timeoutSeconds:  timeoutSeconds,
		maxMissed:       maxMissed,
		registeredAt:    m.now().UTC(),
	}
	if m.metrics[workerType] == nil {
		m.metrics[workerType] = &WorkerMetrics{WorkerType: workerType}
	}
	m.logger.Info("registered worker type %s (interval=%.0fs timeout=%.0fs max_missed=%d)",
		workerType, intervalSeconds, timeoutSeconds, maxMissed)
}

// RecordHeartbeat overwrites the latest sample for a worker type and appends
// to its bounded history ring.
func (m *Monitor) RecordHeartbeat(workerType string, status Status, latencyMs, load float64, activeTasks, queueDepth int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record := HeartbeatRecord{
		WorkerType:  workerType,
		Status:      status,
		LatencyMs:   latencyMs,
		Load:        load,
		ActiveTasks: activeTasks,
		QueueDepth:  queueDepth,
		ReceivedAt:  m.now().UTC(),
	}
	m.latest[workerType] = &record

	ring := append(m.history[workerType], record)
	if len(ring) > historyCapacity {
		ring = ring[len(ring)-historyCapacity:]
	}
	m.history[workerType] = ring

	if m.recorder != nil {
		m.recorder.ObserveHeartbeat(workerType, string(status), latencyMs, load)
	}
}

// StatusOf derives the (heartbeat, health) status pair for a worker type.
// Never registered or never heartbeated means stopped/offline.
func (m *Monitor) StatusOf(workerType string) (HeartbeatStatus, Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, registered := m.registrations[workerType]
	latest, beaten := m.latest[workerType]
	if !registered || !beaten {
		return HeartbeatStopped, StatusOffline
	}

	age := m.now().Sub(latest.ReceivedAt).Seconds()
	if age > reg.timeoutSeconds {
		return HeartbeatStale, StatusUnhealthy
	}
	if age > reg.intervalSeconds*float64(reg.maxMissed) {
		return HeartbeatMissed, StatusUnhealthy
	}
	return HeartbeatActive, latest.Status
}

// RecordTaskCompletion folds one finished task into the rolling metrics.
// Timeouts are counted as failures for the success rate.
func (m *Monitor) RecordTaskCompletion(workerType string, durationMs float64, success bool, errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.metrics[workerType]
	if metrics == nil {
		metrics = &WorkerMetrics{WorkerType: workerType}
		m.metrics[workerType] = metrics
	}

	total := metrics.Completed + metrics.Failed
	metrics.AvgDurationMs = (metrics.AvgDurationMs*float64(total) + durationMs) / float64(total+1)
	if total == 0 || durationMs < metrics.MinDurationMs {
		metrics.MinDurationMs = durationMs
	}
	if durationMs > metrics.MaxDurationMs {
		metrics.MaxDurationMs = durationMs
	}

	if success {
		metrics.Completed++
	} else {
		metrics.Failed++
		if errorType == "timeout" {
			metrics.TimedOut++
		}
	}
	metrics.SuccessRate = float64(metrics.Completed) / float64(metrics.Completed+metrics.Failed)

	if m.recorder != nil {
		m.recorder.ObserveTask(workerType, success, errorType, durationMs)
	}
}

// ObserveDispatch forwards a dispatch outcome to the metrics recorder.
func (m *Monitor) ObserveDispatch(workerID, workType string, success bool) {
	if m.recorder != nil {
		m.recorder.ObserveDispatch(workerID, workType, success)
	}
}

// ObserveTimeout forwards a timeout ruling to the metrics recorder.
func (m *Monitor) ObserveTimeout(workerType, strategy string) {
	if m.recorder != nil {
		m.recorder.ObserveTimeout(workerType, strategy)
	}
}

// ObserveFallback forwards a fallback activation to the metrics recorder.
func (m *Monitor) ObserveFallback(primary, fallback, condition string) {
	if m.recorder != nil {
		m.recorder.ObserveFallback(primary, fallback, condition)
	}
}

// MetricsFor returns a copy of the rolling metrics for a worker type.
func (m *Monitor) MetricsFor(workerType string) (WorkerMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics, exists := m.metrics[workerType]
	if !exists {
		return WorkerMetrics{}, false
	}
	return *metrics, true
}

// History returns a copy of the heartbeat ring for a worker type.
func (m *Monitor) History(workerType string) []HeartbeatRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]HeartbeatRecord(nil), m.history[workerType]...)
}

// CheckAlerts emits one alert per worker type that is offline, degraded, or
// failing more than half its tasks. Pure read: calling it changes nothing.
func (m *Monitor) CheckAlerts() []Alert {
	m.mu.Lock()
	workerTypes := make([]string, 0, len(m.registrations))
	for workerType := range m.registrations {
		workerTypes = append(workerTypes, workerType)
	}
	m.mu.Unlock()
	sort.Strings(workerTypes)

	var alerts []Alert
	for _, workerType := range workerTypes {
		_, health := m.StatusOf(workerType)

		m.mu.Lock()
		metrics := m.metrics[workerType]
		lowSuccess := metrics != nil && metrics.Completed+metrics.Failed > 0 && metrics.SuccessRate < 0.5
		m.mu.Unlock()

		// At most one alert per worker type; liveness findings outrank
		// the success-rate check.
		switch health {
		case StatusOffline:
			alerts = append(alerts, Alert{WorkerType: workerType, Severity: "critical", Reason: "worker offline"})
		case StatusUnhealthy:
			alerts = append(alerts, Alert{WorkerType: workerType, Severity: "critical", Reason: "heartbeat overdue"})
		case StatusDegraded:
			reason := "worker degraded"
			if lowSuccess {
				reason = "worker degraded with success rate below 50%"
			}
			alerts = append(alerts, Alert{WorkerType: workerType, Severity: "warning", Reason: reason})
		default:
			if lowSuccess {
				alerts = append(alerts, Alert{WorkerType: workerType, Severity: "warning", Reason: "success rate below 50%"})
			}
		}
	}
	return alerts
}
