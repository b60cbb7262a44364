// Package dispatch routes work items to registered workers through an
// explicit middleware chain: deadline enforcement, then retry, then
// fallback rerouting. Policy lives in the timeout manager; this package
// only executes it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"specfleet/pkg/eventlog"
	"specfleet/pkg/health"
	"specfleet/pkg/limiter"
	"specfleet/pkg/logx"
	"specfleet/pkg/proto"
	"specfleet/pkg/timeout"
)

// Severity classifies worker-reported errors.
type Severity int

const (
	Warn Severity = iota
	Fatal
)

// WorkerError is an error report from a worker, carried to the supervisor.
type WorkerError struct {
	WorkerID proto.WorkerID
	Err      error
	Sev      Severity
}

// Invoker executes work items. Workers are external collaborators; the
// dispatcher only knows this surface.
type Invoker interface {
	WorkerID() proto.WorkerID
	Invoke(ctx context.Context, item *proto.WorkItem) (*proto.WorkResult, error)
}

// HealthReporter is an optional worker surface. Workers that implement it
// are polled by the monitor loop for heartbeat samples.
type HealthReporter interface {
	Heartbeat() health.HeartbeatRecord
}

// invokeFunc is the unit the middleware chain composes over.
type invokeFunc func(ctx context.Context, worker Invoker, item *proto.WorkItem) (*proto.WorkResult, error)

// middleware wraps an invocation with one policy.
type middleware func(invokeFunc) invokeFunc

// Dispatcher owns the worker registry and the dispatch pipeline.
type Dispatcher struct {
	mu       sync.RWMutex
	workers  map[proto.WorkerID]Invoker
	timeouts *timeout.Manager
	limits   *limiter.Limiter
	monitor  *health.Monitor
	events   *eventlog.Writer
	errCh    chan WorkerError
	chain    invokeFunc
	logger   *logx.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewDispatcher assembles the dispatch pipeline. The event log is optional;
// everything else is required. Composition happens here once, not per call.
func NewDispatcher(timeouts *timeout.Manager, limits *limiter.Limiter, monitor *health.Monitor, events *eventlog.Writer) *Dispatcher {
	d := &Dispatcher{
		workers:  make(map[proto.WorkerID]Invoker),
		timeouts: timeouts,
		limits:   limits,
		monitor:  monitor,
		events:   events,
		errCh:    make(chan WorkerError, 10),
		logger:   logx.NewLogger("dispatch"),
		sleep:    sleepCtx,
	}
	d.chain = d.fallbackMiddleware(d.retryMiddleware(d.deadlineMiddleware(d.invoke)))
	return d
}

func sleepCtx(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return nil
	}
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Register attaches a worker to the dispatcher.
func (d *Dispatcher) Register(worker Invoker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.workers[worker.WorkerID()] = worker
	d.logger.Info("worker %s registered", worker.WorkerID())
}

// Detach removes a worker from the registry.
func (d *Dispatcher) Detach(workerID proto.WorkerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.workers, workerID)
	d.logger.Info("worker %s detached", workerID)
}

// Worker returns the registered invoker for an ID.
func (d *Dispatcher) Worker(workerID proto.WorkerID) (Invoker, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	w, ok := d.workers[workerID]
	return w, ok
}

// ReportError delivers a worker error to the supervisor channel. Fatal
// errors detach the worker immediately; a full channel falls back to the
// log so reporting never blocks a worker.
func (d *Dispatcher) ReportError(workerID proto.WorkerID, err error, sev Severity) {
	if sev == Fatal {
		d.logger.Error("fatal error from worker %s, detaching: %v", workerID, err)
		d.Detach(workerID)
	}
	select {
	case d.errCh <- WorkerError{WorkerID: workerID, Err: err, Sev: sev}:
	default:
		d.logger.Error("error channel full, dropping report from worker %s: %v", workerID, err)
	}
}

// Errors exposes the worker error channel for the orchestrator's supervisor
// loop.
func (d *Dispatcher) Errors() <-chan WorkerError {
	return d.errCh
}

// Dispatch runs one work item through the middleware chain against the
// named worker. The returned result may come from a fallback worker; check
// its WorkerID field.
func (d *Dispatcher) Dispatch(ctx context.Context, item *proto.WorkItem, workerID proto.WorkerID) (*proto.WorkResult, error) {
	worker, ok := d.Worker(workerID)
	if !ok {
		return nil, fmt.Errorf("worker %s not registered", workerID)
	}

	if d.limits.Configured(workerID) {
		if err := d.limits.Reserve(workerID); err != nil {
			// Slot pressure reroutes before dispatch rather than queueing.
			if errors.Is(err, limiter.ErrSlotLimit) || errors.Is(err, limiter.ErrRateLimit) {
				if result, rerouted := d.rerouteForLoad(ctx, item, workerID); rerouted {
					return result, nil
				}
			}
			return nil, fmt.Errorf("reserve slot for %s: %w", workerID, err)
		}
		defer func() {
			if err := d.limits.Release(workerID); err != nil {
				d.logger.Warn("release slot for %s: %v", workerID, err)
			}
		}()
	}

	d.timeouts.RecordDispatch()
	d.logEvent(proto.EventDispatch, item, workerID, nil)

	result, err := d.chain(ctx, worker, item)
	if err != nil {
		d.monitor.ObserveDispatch(string(workerID), string(item.Type), false)
		d.logEvent(proto.EventComplete, item, workerID, map[string]any{"error": err.Error()})
		return nil, err
	}
	d.monitor.ObserveDispatch(string(result.WorkerID), string(item.Type), result.Succeeded())

	payload := map[string]any{"success": result.Succeeded()}
	if result.Failure != nil {
		payload["failure"] = result.Failure.Error()
	}
	d.logEvent(proto.EventComplete, item, result.WorkerID, payload)
	return result, nil
}

// rerouteForLoad sends an item to the high-load fallback worker, if a rule
// covers that condition and the target has capacity.
func (d *Dispatcher) rerouteForLoad(ctx context.Context, item *proto.WorkItem, primary proto.WorkerID) (*proto.WorkResult, bool) {
	fallbackID := d.timeouts.ResolveFallback(primary, proto.TriggerHighLoad, 0)
	if fallbackID == "" {
		return nil, false
	}
	worker, ok := d.Worker(fallbackID)
	if !ok {
		return nil, false
	}
	if d.limits.Configured(fallbackID) {
		if err := d.limits.Reserve(fallbackID); err != nil {
			return nil, false
		}
		defer func() {
			if err := d.limits.Release(fallbackID); err != nil {
				d.logger.Warn("release slot for %s: %v", fallbackID, err)
			}
		}()
	}

	d.logger.Info("high load on %s, rerouting %s to %s", primary, item.ID, fallbackID)
	d.monitor.ObserveFallback(string(primary), string(fallbackID), string(proto.TriggerHighLoad))
	d.logEvent(proto.EventFallback, item, fallbackID, map[string]any{"condition": string(proto.TriggerHighLoad)})
	d.timeouts.RecordDispatch()

	result, err := d.chain(ctx, worker, item)
	if err != nil {
		return nil, false
	}
	d.monitor.ObserveDispatch(string(result.WorkerID), string(item.Type), result.Succeeded())
	return result, true
}

// invoke is the innermost stage: the worker call plus health bookkeeping.
func (d *Dispatcher) invoke(ctx context.Context, worker Invoker, item *proto.WorkItem) (*proto.WorkResult, error) {
	started := time.Now()
	result, err := worker.Invoke(ctx, item)
	elapsed := time.Since(started)

	workerType := string(worker.WorkerID())
	switch {
	case err != nil:
		d.monitor.RecordTaskCompletion(workerType, float64(elapsed.Milliseconds()), false, "error")
		return nil, err
	case result == nil:
		d.monitor.RecordTaskCompletion(workerType, float64(elapsed.Milliseconds()), false, "error")
		return nil, fmt.Errorf("worker %s returned no result", worker.WorkerID())
	case result.Failure != nil:
		d.monitor.RecordTaskCompletion(workerType, float64(elapsed.Milliseconds()), false, string(result.Failure.Kind))
	default:
		d.monitor.RecordTaskCompletion(workerType, float64(elapsed.Milliseconds()), true, "")
	}

	result.WorkerID = worker.WorkerID()
	result.WorkID = item.ID
	result.WorkType = item.Type
	result.Elapsed = elapsed
	return result, nil
}

// deadlineMiddleware enforces the effective timeout for the pair and
// converts a deadline expiry into a timeout failure result.
func (d *Dispatcher) deadlineMiddleware(next invokeFunc) invokeFunc {
	return func(ctx context.Context, worker Invoker, item *proto.WorkItem) (*proto.WorkResult, error) {
		seconds := d.timeouts.EffectiveTimeout(string(worker.WorkerID()), item.Type)
		deadlineCtx, cancel := context.WithTimeout(ctx, time.Duration(seconds*float64(time.Second)))
		defer cancel()

		started := time.Now()
		result, err := next(deadlineCtx, worker, item)
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			elapsed := time.Since(started)
			return &proto.WorkResult{
				WorkID:   item.ID,
				WorkType: item.Type,
				WorkerID: worker.WorkerID(),
				Failure: &proto.Failure{
					Kind:    proto.FailureTimeout,
					Message: fmt.Sprintf("deadline of %.0fs exceeded", seconds),
				},
				Elapsed: elapsed,
			}, nil
		}
		return result, err
	}
}

// retryMiddleware consults the timeout manager after each failed attempt
// and re-invokes while the decided strategy is retry. Each retry is charged
// to the ledger before it starts.
func (d *Dispatcher) retryMiddleware(next invokeFunc) invokeFunc {
	return func(ctx context.Context, worker Invoker, item *proto.WorkItem) (*proto.WorkResult, error) {
		result, err := next(ctx, worker, item)
		var open *timeout.RetryAttempt
		var openStarted time.Time
		for err == nil && result.Failure != nil {
			// A failed retry stays open until this decision so it still
			// counts against the budget.
			event := d.timeouts.OnFailure(string(worker.WorkerID()), item.ID, item.Type,
				result.Elapsed.Seconds(), result.Failure.Condition(), nil)
			if open != nil {
				d.timeouts.CompleteRetry(item.ID, open.AttemptNumber, false,
					float64(time.Since(openStarted).Milliseconds()))
				open = nil
			}
			if event.Condition == proto.TriggerTimeout {
				d.monitor.ObserveTimeout(string(worker.WorkerID()), string(event.Strategy))
			}
			d.logEvent(proto.EventTimeout, item, worker.WorkerID(), map[string]any{
				"condition": string(event.Condition),
				"strategy":  string(event.Strategy),
			})
			if event.Strategy != timeout.StrategyRetry {
				// Leave the decision on the result for the fallback stage.
				return result, nil
			}

			policy, _ := d.timeouts.PolicyFor(string(worker.WorkerID()), item.Type)
			open = d.timeouts.RecordRetry(item.ID, string(worker.WorkerID()), result.Failure.Error())
			d.logEvent(proto.EventRetry, item, worker.WorkerID(), map[string]any{
				"attempt": open.AttemptNumber,
			})
			if err := d.sleep(ctx, time.Duration(policy.RetryDelaySeconds*float64(time.Second))); err != nil {
				d.timeouts.CompleteRetry(item.ID, open.AttemptNumber, false, 0)
				return nil, err
			}

			openStarted = time.Now()
			result, err = next(ctx, worker, item)
			if err == nil && result.Failure == nil {
				d.timeouts.CompleteRetry(item.ID, open.AttemptNumber, true,
					float64(time.Since(openStarted).Milliseconds()))
				open = nil
			}
		}
		if open != nil && err != nil {
			d.timeouts.CompleteRetry(item.ID, open.AttemptNumber, false, 0)
		}
		return result, err
	}
}

// fallbackMiddleware reroutes a still-failed item to the fallback worker
// the timeout manager already chose (and charged to the rule). Hops are
// bounded by the manager's fallback depth limit.
func (d *Dispatcher) fallbackMiddleware(next invokeFunc) invokeFunc {
	return func(ctx context.Context, worker Invoker, item *proto.WorkItem) (*proto.WorkResult, error) {
		result, err := next(ctx, worker, item)
		hops := 0
		current := worker
		for err == nil && result.Failure != nil && hops < d.timeouts.MaxFallbackDepth() {
			event, ok := d.timeouts.LastEvent(item.ID)
			if !ok || event.Strategy != timeout.StrategyFallback || event.FallbackWorker == "" {
				return result, nil
			}
			fallbackWorker, registered := d.Worker(event.FallbackWorker)
			if !registered {
				d.logger.Warn("fallback worker %s not registered, keeping failed result", event.FallbackWorker)
				return result, nil
			}

			d.monitor.ObserveFallback(string(current.WorkerID()), string(event.FallbackWorker), string(event.Condition))
			d.logEvent(proto.EventFallback, item, event.FallbackWorker, map[string]any{
				"primary":   string(current.WorkerID()),
				"condition": string(event.Condition),
			})
			hops++
			current = fallbackWorker
			result, err = next(ctx, fallbackWorker, item)
		}
		return result, err
	}
}

// RunMonitor polls worker health on the given interval until the context
// is cancelled. Each tick ingests a heartbeat from every registered worker
// that reports one, then writes the monitor's alerts to the event log.
func (d *Dispatcher) RunMonitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pollHealth()
		}
	}
}

func (d *Dispatcher) pollHealth() {
	d.mu.RLock()
	workers := make([]Invoker, 0, len(d.workers))
	for _, worker := range d.workers {
		workers = append(workers, worker)
	}
	d.mu.RUnlock()

	for _, worker := range workers {
		reporter, ok := worker.(HealthReporter)
		if !ok {
			continue
		}
		sample := reporter.Heartbeat()
		d.monitor.RecordHeartbeat(string(worker.WorkerID()), sample.Status,
			sample.LatencyMs, sample.Load, sample.ActiveTasks, sample.QueueDepth)
	}

	for _, alert := range d.monitor.CheckAlerts() {
		d.logger.Warn("health alert [%s] %s: %s", alert.Severity, alert.WorkerType, alert.Reason)
		if d.events == nil {
			continue
		}
		event := proto.NewEvent(proto.EventAlert, "")
		event.WorkerID = proto.WorkerID(alert.WorkerType)
		event.SetPayload("severity", alert.Severity)
		event.SetPayload("reason", alert.Reason)
		if err := d.events.Append(event); err != nil {
			d.logger.Warn("event log append failed: %v", err)
		}
	}
}

func (d *Dispatcher) logEvent(kind proto.EventKind, item *proto.WorkItem, workerID proto.WorkerID, payload map[string]any) {
	if d.events == nil {
		return
	}
	event := proto.NewEvent(kind, "")
	event.WorkID = item.ID
	event.WorkerID = workerID
	event.SetPayload("work_type", string(item.Type))
	for k, v := range payload {
		event.SetPayload(k, v)
	}
	if err := d.events.Append(event); err != nil {
		d.logger.Warn("event log append failed: %v", err)
	}
}
