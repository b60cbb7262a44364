// Package orch runs the supervisory state machine over one orchestrated
// run: classify the next work type, route it to a worker, dispatch, fold
// the result back into the run state, and repeat until the completion
// requirement is met or the run fails.
package orch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"specfleet/pkg/contextdist"
	"specfleet/pkg/dispatch"
	"specfleet/pkg/eventlog"
	"specfleet/pkg/logx"
	"specfleet/pkg/persistence"
	"specfleet/pkg/proto"
	"specfleet/pkg/sched"
	"specfleet/pkg/sharedstate"
	"specfleet/pkg/timeout"
)

// DefaultMaxDispatches bounds a single run. A worker that keeps returning
// empty successes would otherwise spin the classification loop forever.
const DefaultMaxDispatches = 100

// Options carries the run-level knobs the config layer resolves.
type Options struct {
	Required        []proto.WorkType
	Optional        []proto.WorkType
	CheckpointEvery int
	MaxDispatches   int
}

// Orchestrator drives one run. All collaborators are injected; the
// orchestrator owns only the state machine position and the run state.
type Orchestrator struct {
	mu      sync.Mutex
	current proto.State

	state      *proto.RunState
	scheduler  *sched.Scheduler
	dispatcher *dispatch.Dispatcher
	timeouts   *timeout.Manager
	workers    []proto.WorkerDescriptor
	shared     *sharedstate.Store
	contexts   *contextdist.Distributor
	events     *eventlog.Writer
	store      *persistence.Store

	required        []proto.WorkType
	optional        map[proto.WorkType]bool
	checkpointEvery int
	maxDispatches   int
	dispatchCount   int
	archivedEvents  map[string]bool

	interruptCh chan struct{}
	runErrors   []proto.RunError
	logger      *logx.Logger
	now         func() time.Time
}

// NewOrchestrator wires an orchestrator for one run. The event log and
// store are optional; a nil store disables checkpointing and the final
// report is returned but not persisted. Nil shared-state or context
// collaborators get fresh in-memory instances.
func NewOrchestrator(
	state *proto.RunState,
	scheduler *sched.Scheduler,
	dispatcher *dispatch.Dispatcher,
	timeouts *timeout.Manager,
	workers []proto.WorkerDescriptor,
	shared *sharedstate.Store,
	contexts *contextdist.Distributor,
	events *eventlog.Writer,
	store *persistence.Store,
	opts Options,
) *Orchestrator {
	if shared == nil {
		shared = sharedstate.NewStore()
	}
	if contexts == nil {
		contexts = contextdist.NewDistributor()
	}
	optional := make(map[proto.WorkType]bool, len(opts.Optional))
	for _, workType := range opts.Optional {
		optional[workType] = true
	}
	checkpointEvery := opts.CheckpointEvery
	if checkpointEvery <= 0 {
		checkpointEvery = 1
	}
	maxDispatches := opts.MaxDispatches
	if maxDispatches <= 0 {
		maxDispatches = DefaultMaxDispatches
	}
	return &Orchestrator{
		current:         proto.StateIdle,
		state:           state,
		scheduler:       scheduler,
		dispatcher:      dispatcher,
		timeouts:        timeouts,
		workers:         workers,
		shared:          shared,
		contexts:        contexts,
		events:          events,
		store:           store,
		required:        opts.Required,
		optional:        optional,
		checkpointEvery: checkpointEvery,
		maxDispatches:   maxDispatches,
		archivedEvents:  make(map[string]bool),
		interruptCh:     make(chan struct{}, 1),
		logger:          logx.NewLogger("orch"),
		now:             time.Now,
	}
}

// State returns the orchestrator's current state machine position.
func (o *Orchestrator) State() proto.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// RunState exposes the live run state for interrupt producers (approval
// resolution, question answers).
func (o *Orchestrator) RunState() *proto.RunState {
	return o.state
}

// SharedState exposes the run's shared state store for worker collaborators.
func (o *Orchestrator) SharedState() *sharedstate.Store {
	return o.shared
}

// Contexts exposes the run's context distributor for worker collaborators.
func (o *Orchestrator) Contexts() *contextdist.Distributor {
	return o.contexts
}

// ResolveApproval clears a pending approval and wakes the orchestrator if
// it is blocked waiting for an interrupt.
func (o *Orchestrator) ResolveApproval(pendingID string) bool {
	ok := o.state.ResolveApproval(pendingID)
	if ok {
		o.notifyInterrupt()
	}
	return ok
}

// NotifyInterrupt wakes a run blocked in WAITING_FOR_INTERRUPT after
// out-of-band state changes (conflict resolution, question answers).
func (o *Orchestrator) NotifyInterrupt() {
	o.notifyInterrupt()
}

func (o *Orchestrator) notifyInterrupt() {
	select {
	case o.interruptCh <- struct{}{}:
	default:
	}
}

// transition moves the state machine, enforcing the transition table, and
// records the change in the event log.
func (o *Orchestrator) transition(to proto.State, reason string) error {
	o.mu.Lock()
	from := o.current
	if !from.CanTransitionTo(to) {
		o.mu.Unlock()
		return fmt.Errorf("invalid transition %s -> %s", from, to)
	}
	o.current = to
	o.mu.Unlock()

	o.logger.Info("run %s: %s -> %s (%s)", o.state.RunID, from, to, reason)
	if o.events != nil {
		event := proto.NewEvent(proto.EventStateChange, o.state.RunID)
		event.SetPayload("from", from.String())
		event.SetPayload("to", to.String())
		event.SetPayload("reason", reason)
		if err := o.events.Append(event); err != nil {
			o.logger.Warn("event log append failed: %v", err)
		}
	}
	return nil
}

// Run executes the orchestration loop until the completion requirement is
// met, the run fails, or the context is cancelled. It always returns a
// report; the error is non-nil only for infrastructure failures.
func (o *Orchestrator) Run(ctx context.Context) (*proto.RunReport, error) {
	if err := o.transition(proto.StateOrchestrating, "run started"); err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			o.recordError("", "", "cancelled", err.Error())
			return o.finish(proto.StateError)
		}

		snap := o.state.Snapshot()

		if blocking := snap.BlockingApproval(); blocking != nil {
			if err := o.awaitInterrupt(ctx, blocking); err != nil {
				kind := "approval_timeout"
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					kind = "cancelled"
				}
				o.recordError(proto.WorkTypeAwaitApproval, blocking.ID, kind, err.Error())
				return o.finish(proto.StateError)
			}
			continue
		}

		workType, ok := o.scheduler.Classify(snap)
		if !ok {
			return o.finish(proto.StateCompleted)
		}

		batch := o.nextBatch(workType, snap)

		// Route the whole batch before dispatching any of it.
		plans := make([]dispatchPlan, 0, len(batch))
		for _, batchType := range batch {
			decision := o.scheduler.SelectWorker(batchType, o.workers, snap)
			o.logRouting(decision)
			if decision.Unroutable {
				if o.optional[batchType] {
					o.logger.Warn("no worker for optional %s, skipping", batchType)
					o.state.MarkSkipped(batchType)
					continue
				}
				o.recordError(batchType, "", "routing_failure", decision.Reason)
				return o.finish(proto.StateError)
			}
			plans = append(plans, dispatchPlan{workType: batchType, worker: decision.Worker})
		}
		if len(plans) == 0 {
			continue
		}

		if o.dispatchCount+len(plans) > o.maxDispatches {
			o.recordError(plans[0].workType, "", "budget_exhausted",
				fmt.Sprintf("dispatch budget of %d exhausted", o.maxDispatches))
			return o.finish(proto.StateError)
		}

		if err := o.transition(proto.StateWaitingForWorker,
			fmt.Sprintf("dispatching wave of %d starting with %s", len(plans), plans[0].workType)); err != nil {
			return nil, err
		}

		outcomes := o.dispatchWave(ctx, plans)

		if err := o.transition(proto.StateOrchestrating, "wave returned"); err != nil {
			return nil, err
		}

		failed := false
		for _, outcome := range outcomes {
			o.archiveTimeoutEvents(outcome.workID)
			if outcome.err != nil {
				o.recordError(outcome.workType, outcome.workID, "dispatch_failure", outcome.err.Error())
				failed = true
				continue
			}
			o.state.RecordResult(*outcome.result)
			o.state.RecordWorkerUse(outcome.result.WorkerID)
			o.publishResult(outcome.result)
			o.maybeCheckpoint()
			if outcome.result.Succeeded() {
				o.foldOutput(outcome.result)
				continue
			}
			o.state.RecordWorkerFailure(outcome.result.WorkerID)
			if !o.handleFailure(outcome.workType, outcome.workID, outcome.result) {
				failed = true
			}
		}
		if failed {
			return o.finish(proto.StateError)
		}
	}
}

// dispatchPlan pairs a routed work type with its chosen worker.
type dispatchPlan struct {
	workType proto.WorkType
	worker   proto.WorkerID
}

// waveOutcome carries one dispatch's result back to the fold loop.
type waveOutcome struct {
	workType proto.WorkType
	workID   string
	result   *proto.WorkResult
	err      error
}

// nextBatch expands a classified pipeline type into the first parallel
// wave over all outstanding pipeline work. Interrupt work and gathering
// always dispatch alone.
func (o *Orchestrator) nextBatch(workType proto.WorkType, snap proto.Snapshot) []proto.WorkType {
	if !isPipelineType(workType) {
		return []proto.WorkType{workType}
	}
	outstanding := o.outstandingPipeline(snap)
	if len(outstanding) > 1 {
		waves := o.scheduler.PlanParallelBatches(outstanding, snap)
		if len(waves) > 0 && len(waves[0]) > 0 {
			return waves[0]
		}
	}
	return []proto.WorkType{workType}
}

func isPipelineType(workType proto.WorkType) bool {
	switch workType {
	case proto.WorkTypeGenerate, proto.WorkTypeValidate, proto.WorkTypeExport,
		proto.WorkTypeAnalyze, proto.WorkTypeQuery:
		return true
	default:
		return false
	}
}

// outstandingPipeline lists the pipeline types still owed by the run, in
// pipeline order. Validation is owed only once generation is done or still
// pending; a skipped generation strands it.
func (o *Orchestrator) outstandingPipeline(snap proto.Snapshot) []proto.WorkType {
	var outstanding []proto.WorkType
	generatePending := !snap.ArtifactGenerated && !snap.SkippedTypes[proto.WorkTypeGenerate]
	if generatePending {
		outstanding = append(outstanding, proto.WorkTypeGenerate)
	}
	if !snap.ArtifactValidated && !snap.SkippedTypes[proto.WorkTypeValidate] &&
		(snap.ArtifactGenerated || generatePending) {
		outstanding = append(outstanding, proto.WorkTypeValidate)
	}
	if snap.ExportRequested && !snap.ExportDone && !snap.SkippedTypes[proto.WorkTypeExport] {
		outstanding = append(outstanding, proto.WorkTypeExport)
	}
	if snap.AnalysisRequested && !snap.AnalysisDone && !snap.SkippedTypes[proto.WorkTypeAnalyze] {
		outstanding = append(outstanding, proto.WorkTypeAnalyze)
	}
	if snap.QueryPending && !snap.SkippedTypes[proto.WorkTypeQuery] {
		outstanding = append(outstanding, proto.WorkTypeQuery)
	}
	return outstanding
}

// dispatchWave runs every plan in the wave concurrently and returns the
// outcomes in plan order.
func (o *Orchestrator) dispatchWave(ctx context.Context, plans []dispatchPlan) []waveOutcome {
	outcomes := make([]waveOutcome, len(plans))
	var wg sync.WaitGroup
	for i, plan := range plans {
		item := proto.NewWorkItem(plan.workType, map[string]any{"run_id": o.state.RunID})
		outcomes[i] = waveOutcome{workType: plan.workType, workID: item.ID}
		wg.Add(1)
		go func(i int, plan dispatchPlan, item *proto.WorkItem) {
			defer wg.Done()
			result, err := o.dispatcher.Dispatch(ctx, item, plan.worker)
			outcomes[i].result = result
			outcomes[i].err = err
		}(i, plan, item)
	}
	wg.Wait()
	return outcomes
}

// publishResult shares a finished dispatch with the rest of the fleet: the
// outcome lands in the shared state store at workflow scope, and successful
// output is distributed as a context entry for downstream workers.
func (o *Orchestrator) publishResult(result *proto.WorkResult) {
	key := "results/" + string(result.WorkType)
	summary := map[string]any{
		"work_id":    result.WorkID,
		"worker":     string(result.WorkerID),
		"success":    result.Succeeded(),
		"elapsed_ms": result.Elapsed.Milliseconds(),
	}
	if result.Failure != nil {
		summary["failure"] = result.Failure.Error()
	}
	o.shared.Set(key, summary, string(result.WorkerID), proto.ScopeWorkflow)

	if result.Succeeded() && len(result.Output) > 0 {
		o.contexts.Create(contextdist.EntryTypeResult, proto.ScopeWorkflow,
			key, result.Output, string(result.WorkerID), nil)
	}
}

// foldOutput feeds structured worker output back into the run state.
// Gathering yields decisions; any worker may surface questions, conflicts,
// or approval requests.
func (o *Orchestrator) foldOutput(result *proto.WorkResult) {
	if result.Output == nil {
		return
	}
	if decisions, ok := result.Output["decisions"].([]proto.Decision); ok {
		for _, decision := range decisions {
			o.state.RecordDecision(decision)
		}
	}
	if questions, ok := result.Output["questions"].([]string); ok {
		for _, question := range questions {
			o.state.AddQuestion(question)
		}
	}
	if conflicts, ok := result.Output["conflicts"].([]string); ok {
		for _, conflict := range conflicts {
			o.state.AddConflict(conflict)
		}
	}
	if approvals, ok := result.Output["approvals"].([]proto.PendingApproval); ok {
		for _, approval := range approvals {
			o.state.AddPendingApproval(approval)
		}
	}
}

// approvalWorkerType is the synthetic worker type approval waits are
// charged to, so an approval timeout flows through the same policy
// machinery as a worker timeout.
const approvalWorkerType = "approval-gate"

// awaitInterrupt checkpoints and parks the run until the blocking approval
// is resolved out of band. The wait is bounded by the effective timeout for
// the approval gate; on expiry the timeout manager decides the strategy.
func (o *Orchestrator) awaitInterrupt(ctx context.Context, blocking *proto.PendingApproval) error {
	// Checkpoint before blocking so a crash during the wait loses nothing.
	o.checkpoint("blocking approval " + blocking.ID)
	if err := o.transition(proto.StateWaitingForInterrupt, "blocking approval "+blocking.ID); err != nil {
		return err
	}

	seconds := o.timeouts.EffectiveTimeout(approvalWorkerType, proto.WorkTypeAwaitApproval)
	wait := time.Duration(seconds * float64(time.Second))
	started := o.now()
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.interruptCh:
			return o.transition(proto.StateOrchestrating, "interrupt resolved")
		case <-timer.C:
			elapsed := o.now().Sub(started).Seconds()
			event := o.timeouts.OnTimeout(approvalWorkerType, blocking.ID,
				proto.WorkTypeAwaitApproval, elapsed, nil)
			switch event.Strategy {
			case timeout.StrategyRetry, timeout.StrategyQueue, timeout.StrategyFallback:
				// Nothing to reroute a human decision to; keep waiting
				// for another period.
				o.logger.Warn("approval %s still pending after %.0fs, waiting another period", blocking.ID, elapsed)
				timer.Reset(wait)
			default:
				return fmt.Errorf("approval %s timed out after %.0fs", blocking.ID, elapsed)
			}
		}
	}
}

// handleFailure folds a terminally failed dispatch into the run. Returns
// false when the run must end in error.
func (o *Orchestrator) handleFailure(workType proto.WorkType, workID string, result *proto.WorkResult) bool {
	strategy := timeout.StrategyFail
	if event, ok := o.timeouts.LastEvent(workID); ok {
		strategy = event.Strategy
	}

	switch strategy {
	case timeout.StrategyEscalate:
		o.logEscalation(workType, workID, result)
		if o.optional[workType] {
			o.state.MarkSkipped(workType)
			return true
		}
		o.recordError(workType, workID, "escalation", result.Failure.Error())
		return false
	case timeout.StrategyQueue:
		// Queued work is abandoned for this run and reported as skipped.
		o.logger.Warn("work %s queued after failure, skipping %s for this run", workID, workType)
		o.state.MarkSkipped(workType)
		if !o.optional[workType] {
			o.recordError(workType, workID, "queued", result.Failure.Error())
		}
		return true
	default:
		if o.optional[workType] {
			o.logger.Warn("optional %s failed, skipping: %v", workType, result.Failure)
			o.state.MarkSkipped(workType)
			return true
		}
		o.recordError(workType, workID, "worker_failure", result.Failure.Error())
		return false
	}
}

// finish moves to a terminal state, checkpoints, persists the report, and
// returns it.
func (o *Orchestrator) finish(terminal proto.State) (*proto.RunReport, error) {
	if !o.State().IsTerminal() {
		if err := o.transition(terminal, "run finished"); err != nil {
			// Forced entry into ERROR when the table disallows the hop.
			o.mu.Lock()
			o.current = proto.StateError
			o.mu.Unlock()
		}
	}
	o.checkpoint("run finished")

	report := o.buildReport()
	if o.store != nil {
		if err := o.store.SaveReport(report); err != nil {
			o.logger.Error("failed to persist run report: %v", err)
		}
	}
	o.logger.Info("run %s finished: %s", o.state.RunID, report.Status)
	return report, nil
}

// buildReport derives the user-facing outcome from the final run state.
func (o *Orchestrator) buildReport() *proto.RunReport {
	snap := o.state.Snapshot()

	report := &proto.RunReport{
		RunID:      snap.RunID,
		Errors:     append([]proto.RunError(nil), o.runErrors...),
		StartedAt:  o.state.StartedAt,
		FinishedAt: o.now().UTC(),
	}
	for workType := range snap.CompletedTypes {
		report.CompletedWorkTypes = append(report.CompletedWorkTypes, workType)
	}
	for workType := range snap.SkippedTypes {
		report.SkippedWorkTypes = append(report.SkippedWorkTypes, workType)
	}
	sortWorkTypes(report.CompletedWorkTypes)
	sortWorkTypes(report.SkippedWorkTypes)

	requiredDone := true
	for _, workType := range o.required {
		if !snap.CompletedTypes[workType] {
			requiredDone = false
			break
		}
	}
	switch {
	case o.State() == proto.StateError:
		report.Status = proto.RunStatusFailed
	case requiredDone && len(report.SkippedWorkTypes) == 0:
		report.Status = proto.RunStatusSuccess
	case requiredDone:
		report.Status = proto.RunStatusPartial
	default:
		report.Status = proto.RunStatusPartial
	}
	return report
}

// maybeCheckpoint persists the run state every Nth dispatch.
func (o *Orchestrator) maybeCheckpoint() {
	o.dispatchCount++
	if o.dispatchCount%o.checkpointEvery == 0 {
		o.checkpoint("periodic")
	}
}

func (o *Orchestrator) checkpoint(reason string) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveCheckpoint(o.state); err != nil {
		o.logger.Error("checkpoint failed: %v", err)
		return
	}
	if o.events != nil {
		event := proto.NewEvent(proto.EventCheckpoint, o.state.RunID)
		event.SetPayload("reason", reason)
		event.SetPayload("version", o.state.Snapshot().Version)
		if err := o.events.Append(event); err != nil {
			o.logger.Warn("event log append failed: %v", err)
		}
	}
}

// archiveTimeoutEvents copies any new timeout/fallback events for a work
// item into durable storage. Already archived IDs are skipped locally and
// deduplicated again at the store.
func (o *Orchestrator) archiveTimeoutEvents(workID string) {
	if o.store == nil {
		return
	}
	for _, event := range o.timeouts.Events() {
		if event.WorkID != workID || o.archivedEvents[event.ID] {
			continue
		}
		if err := o.store.ArchiveTimeoutEvent(event); err != nil {
			o.logger.Warn("failed to archive timeout event %s: %v", event.ID, err)
			continue
		}
		o.archivedEvents[event.ID] = true
	}
}

func (o *Orchestrator) recordError(workType proto.WorkType, workID, kind, message string) {
	o.runErrors = append(o.runErrors, proto.RunError{
		WorkType: workType,
		WorkID:   workID,
		Kind:     kind,
		Message:  message,
	})
}

func (o *Orchestrator) logRouting(decision sched.RoutingDecision) {
	if o.events == nil {
		return
	}
	event := proto.NewEvent(proto.EventRouting, o.state.RunID)
	event.SetPayload("work_type", string(decision.WorkType))
	event.SetPayload("worker", string(decision.Worker))
	event.SetPayload("unroutable", decision.Unroutable)
	event.SetPayload("reason", decision.Reason)
	if err := o.events.Append(event); err != nil {
		o.logger.Warn("event log append failed: %v", err)
	}
}

func (o *Orchestrator) logEscalation(workType proto.WorkType, workID string, result *proto.WorkResult) {
	o.logger.Error("escalating %s (work %s): %v", workType, workID, result.Failure)
	if o.events == nil {
		return
	}
	event := proto.NewEvent(proto.EventEscalation, o.state.RunID)
	event.WorkID = workID
	event.WorkerID = result.WorkerID
	event.SetPayload("work_type", string(workType))
	event.SetPayload("failure", result.Failure.Error())
	if err := o.events.Append(event); err != nil {
		o.logger.Warn("event log append failed: %v", err)
	}
}

func sortWorkTypes(types []proto.WorkType) {
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
}
