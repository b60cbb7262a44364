// Package metrics provides services for querying and aggregating fleet
// metrics from a Prometheus server.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// WorkerMetrics represents aggregated metrics for one worker type.
type WorkerMetrics struct {
	WorkerType      string  `json:"worker_type"`
	Dispatches      int64   `json:"dispatches"`
	Timeouts        int64   `json:"timeouts"`
	Fallbacks       int64   `json:"fallbacks"`
	TasksSucceeded  int64   `json:"tasks_succeeded"`
	TasksFailed     int64   `json:"tasks_failed"`
	AvgTaskDuration float64 `json:"avg_task_duration_seconds"`
}

// FleetMetrics represents aggregated metrics for the whole fleet.
type FleetMetrics struct {
	Dispatches int64 `json:"dispatches"`
	Timeouts   int64 `json:"timeouts"`
	Fallbacks  int64 `json:"fallbacks"`
}

// QueryService provides methods to query fleet metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetFleetMetrics retrieves fleet-wide dispatch, timeout, and fallback totals.
func (q *QueryService) GetFleetMetrics(ctx context.Context) (*FleetMetrics, error) {
	metrics := &FleetMetrics{}

	dispatches, err := q.scalarQuery(ctx, `sum(fleet_dispatches_total)`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatches: %w", err)
	}
	metrics.Dispatches = int64(dispatches)

	timeouts, err := q.scalarQuery(ctx, `sum(fleet_timeouts_total)`)
	if err != nil {
		return nil, fmt.Errorf("failed to query timeouts: %w", err)
	}
	metrics.Timeouts = int64(timeouts)

	fallbacks, err := q.scalarQuery(ctx, `sum(fleet_fallbacks_total)`)
	if err != nil {
		return nil, fmt.Errorf("failed to query fallbacks: %w", err)
	}
	metrics.Fallbacks = int64(fallbacks)

	return metrics, nil
}

// GetWorkerMetrics retrieves aggregated metrics for a single worker type.
func (q *QueryService) GetWorkerMetrics(ctx context.Context, workerType string) (*WorkerMetrics, error) {
	metrics := &WorkerMetrics{
		WorkerType: workerType,
	}

	dispatches, err := q.scalarQuery(ctx, fmt.Sprintf(`sum(fleet_dispatches_total{worker_id=%q})`, workerType))
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatches for %s: %w", workerType, err)
	}
	metrics.Dispatches = int64(dispatches)

	timeouts, err := q.scalarQuery(ctx, fmt.Sprintf(`sum(fleet_timeouts_total{worker_type=%q})`, workerType))
	if err != nil {
		return nil, fmt.Errorf("failed to query timeouts for %s: %w", workerType, err)
	}
	metrics.Timeouts = int64(timeouts)

	fallbacks, err := q.scalarQuery(ctx, fmt.Sprintf(`sum(fleet_fallbacks_total{primary=%q})`, workerType))
	if err != nil {
		return nil, fmt.Errorf("failed to query fallbacks for %s: %w", workerType, err)
	}
	metrics.Fallbacks = int64(fallbacks)

	succeeded, err := q.scalarQuery(ctx, fmt.Sprintf(`sum(fleet_tasks_total{worker_type=%q, status="success"})`, workerType))
	if err != nil {
		return nil, fmt.Errorf("failed to query successes for %s: %w", workerType, err)
	}
	metrics.TasksSucceeded = int64(succeeded)

	failed, err := q.scalarQuery(ctx, fmt.Sprintf(`sum(fleet_tasks_total{worker_type=%q, status="error"})`, workerType))
	if err != nil {
		return nil, fmt.Errorf("failed to query failures for %s: %w", workerType, err)
	}
	metrics.TasksFailed = int64(failed)

	avgQuery := fmt.Sprintf(
		`sum(fleet_task_duration_seconds_sum{worker_type=%q}) / sum(fleet_task_duration_seconds_count{worker_type=%q})`,
		workerType, workerType,
	)
	avg, err := q.scalarQuery(ctx, avgQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query task duration for %s: %w", workerType, err)
	}
	metrics.AvgTaskDuration = avg

	return metrics, nil
}

// GetWorkerMetricsByType retrieves metrics for every worker type that has
// reported any dispatch.
func (q *QueryService) GetWorkerMetricsByType(ctx context.Context) (map[string]*WorkerMetrics, error) {
	result := make(map[string]*WorkerMetrics)

	workersResult, _, err := q.queryAPI.Query(ctx, `group by (worker_id) (fleet_dispatches_total)`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query worker types: %w", err)
	}

	var workers []string
	if vector, ok := workersResult.(model.Vector); ok {
		for _, sample := range vector {
			if workerID, ok := sample.Metric["worker_id"]; ok {
				workers = append(workers, string(workerID))
			}
		}
	}

	for _, workerType := range workers {
		metrics, err := q.GetWorkerMetrics(ctx, workerType)
		if err != nil {
			return nil, err
		}
		result[workerType] = metrics
	}

	return result, nil
}

// scalarQuery runs an instant query and returns the first sample value, or
// zero when the result set is empty.
func (q *QueryService) scalarQuery(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}
