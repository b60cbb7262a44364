package timeout

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"specfleet/pkg/logx"
	"specfleet/pkg/proto"
)

// DefaultTimeoutSeconds applies when no policy matches a lookup.
const DefaultTimeoutSeconds = 120.0

type policyKey struct {
	workerType string
	workType   proto.WorkType // "" is the worker-level default
}

// Manager owns timeout policies, fallback rules, the per-work-item retry
// ledger, and the immutable timeout event log.
type Manager struct {
	mu               sync.Mutex
	policies         map[policyKey]*Policy
	rules            []*FallbackRule
	retries          map[string][]*RetryAttempt // work ID -> append-only attempts
	events           []Event
	dispatchesSeen   int
	autoFallback     bool
	maxFallbackDepth int
	eventCounter     int64
	logger           *logx.Logger
	now              func() time.Time
}

// NewManager creates a timeout/fallback manager. Automatic fallback is
// enabled with the given maximum chained-fallback depth.
func NewManager(autoFallback bool, maxFallbackDepth int) *Manager {
	if maxFallbackDepth <= 0 {
		maxFallbackDepth = 2
	}
	return &Manager{
		policies:         make(map[policyKey]*Policy),
		retries:          make(map[string][]*RetryAttempt),
		autoFallback:     autoFallback,
		maxFallbackDepth: maxFallbackDepth,
		logger:           logx.NewLogger("timeout"),
		now:              time.Now,
	}
}

// SetClock replaces the manager's clock. Intended for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetPolicy installs a policy under its (worker_type, work_type) key,
// replacing any previous policy at the same key.
func (m *Manager) SetPolicy(policy Policy) (*Policy, error) {
	if policy.WorkerType == "" {
		return nil, fmt.Errorf("policy worker_type is required")
	}
	if policy.TimeoutSeconds <= 0 {
		return nil, fmt.Errorf("policy timeout_seconds must be positive")
	}
	if _, valid := ValidateStrategy(string(policy.Strategy)); !valid {
		return nil, fmt.Errorf("invalid policy strategy: %s", policy.Strategy)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored := policy
	m.policies[policyKey{workerType: policy.WorkerType, workType: policy.WorkType}] = &stored
	m.logger.Debug("policy set for %s/%s: timeout=%.0fs retries=%d strategy=%s",
		policy.WorkerType, policy.WorkType, policy.TimeoutSeconds, policy.RetryCount, policy.Strategy)
	return &stored, nil
}

// lookupPolicy returns the most specific policy for the pair, or nil.
// Callers must hold the lock.
func (m *Manager) lookupPolicy(workerType string, workType proto.WorkType) *Policy {
	if policy, ok := m.policies[policyKey{workerType: workerType, workType: workType}]; ok {
		return policy
	}
	if policy, ok := m.policies[policyKey{workerType: workerType}]; ok {
		return policy
	}
	return nil
}

// EffectiveTimeout returns the timeout for a (worker_type, work_type) pair:
// the specific policy if present, else the worker default, else the global
// default.
func (m *Manager) EffectiveTimeout(workerType string, workType proto.WorkType) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if policy := m.lookupPolicy(workerType, workType); policy != nil {
		return policy.TimeoutSeconds
	}
	return DefaultTimeoutSeconds
}

// PolicyFor returns a copy of the most specific policy for the pair.
func (m *Manager) PolicyFor(workerType string, workType proto.WorkType) (Policy, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if policy := m.lookupPolicy(workerType, workType); policy != nil {
		return *policy, true
	}
	return Policy{}, false
}

// AddFallbackRule registers a fallback rule. Rules for the same primary are
// consulted in ascending priority order.
func (m *Manager) AddFallbackRule(rule FallbackRule) (*FallbackRule, error) {
	if rule.Primary == "" || rule.Fallback == "" {
		return nil, fmt.Errorf("fallback rule requires primary and fallback workers")
	}
	if rule.MaxUses <= 0 {
		return nil, fmt.Errorf("fallback rule max_uses must be positive")
	}
	for _, condition := range rule.TriggerConditions {
		if _, valid := proto.ValidateTriggerCondition(string(condition)); !valid {
			return nil, fmt.Errorf("invalid trigger condition: %s", condition)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored := rule
	stored.Active = true
	stored.UsesSoFar = 0
	stored.LastUsedAt = nil
	m.rules = append(m.rules, &stored)
	sort.SliceStable(m.rules, func(i, j int) bool {
		return m.rules[i].Priority < m.rules[j].Priority
	})
	return &stored, nil
}

// ResolveFallback scans the rules for a primary in priority order and
// returns the first fallback worker whose rule can trigger for the given
// condition. Triggering is a side effect: the winning rule's use count and
// last-used stamp advance. Returns "" when no rule applies or the fallback
// chain is already at maximum depth.
func (m *Manager) ResolveFallback(primary proto.WorkerID, condition proto.TriggerCondition, currentFallbackCount int) proto.WorkerID {
	m.mu.Lock()
	defer m.mu.Unlock()

	if currentFallbackCount >= m.maxFallbackDepth {
		m.logger.Warn("fallback depth %d reached for %s, refusing further rerouting", currentFallbackCount, primary)
		return ""
	}

	now := m.now()
	for _, rule := range m.rules {
		if rule.Primary != primary {
			continue
		}
		if !rule.Covers(condition) || !rule.CanTrigger(now) {
			continue
		}

		rule.UsesSoFar++
		stamped := now
		rule.LastUsedAt = &stamped
		m.logger.Info("fallback %s -> %s triggered (condition=%s, use %d/%d)",
			rule.Primary, rule.Fallback, condition, rule.UsesSoFar, rule.MaxUses)
		return rule.Fallback
	}
	return ""
}

// RulesFor returns copies of the rules registered for a primary worker.
func (m *Manager) RulesFor(primary proto.WorkerID) []FallbackRule {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rules []FallbackRule
	for _, rule := range m.rules {
		if rule.Primary == primary {
			rules = append(rules, *rule)
		}
	}
	return rules
}

// RecordDispatch counts a dispatch for the timeout-rate denominator.
func (m *Manager) RecordDispatch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatchesSeen++
}

// RecordRetry opens a new attempt in a work item's retry ledger. The attempt
// counts against the retry budget immediately, while still in flight.
func (m *Manager) RecordRetry(workID, workerType, previousError string) *RetryAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempt := &RetryAttempt{
		WorkID:        workID,
		WorkerType:    workerType,
		AttemptNumber: len(m.retries[workID]) + 1,
		PreviousError: previousError,
		StartedAt:     m.now().UTC(),
	}
	m.retries[workID] = append(m.retries[workID], attempt)
	return attempt
}

// CompleteRetry seals the open attempt with the given number. Unknown
// attempts are ignored.
func (m *Manager) CompleteRetry(workID string, attemptNumber int, success bool, durationMs float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, attempt := range m.retries[workID] {
		if attempt.AttemptNumber == attemptNumber && attempt.Open() {
			completed := m.now().UTC()
			attempt.CompletedAt = &completed
			attempt.Success = success
			attempt.DurationMs = durationMs
			return
		}
	}
}

// RetriesUsed counts the attempts charged against a work item's budget:
// successful attempts and attempts still open. A failed, sealed attempt
// frees its slot only in the sense that it already consumed one decision.
func (m *Manager) RetriesUsed(workID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retriesUsedLocked(workID)
}

func (m *Manager) retriesUsedLocked(workID string) int {
	used := 0
	for _, attempt := range m.retries[workID] {
		if attempt.Success || attempt.Open() {
			used++
		}
	}
	return used
}

// Attempts returns a copy of a work item's retry ledger.
func (m *Manager) Attempts(workID string) []RetryAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempts := make([]RetryAttempt, 0, len(m.retries[workID]))
	for _, attempt := range m.retries[workID] {
		attempts = append(attempts, *attempt)
	}
	return attempts
}

// OnTimeout rules on a reported timeout and appends an immutable event to
// the log. Precedence is fixed: retry while budget remains, then a covering
// fallback rule, then the policy's declared fallback worker, then the
// policy's terminal strategy (escalate or fail).
func (m *Manager) OnTimeout(workerType, workID string, workType proto.WorkType, elapsedSeconds float64, stateSnapshot map[string]any) Event {
	return m.OnFailure(workerType, workID, workType, elapsedSeconds, proto.TriggerTimeout, stateSnapshot)
}

// OnFailure is OnTimeout generalized over the trigger condition, so worker
// errors flow through the same retry and fallback decision.
func (m *Manager) OnFailure(workerType, workID string, workType proto.WorkType, elapsedSeconds float64, condition proto.TriggerCondition, stateSnapshot map[string]any) Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	policy := m.lookupPolicy(workerType, workType)

	strategy := StrategyFail
	var fallbackWorker proto.WorkerID

	switch {
	case policy != nil && m.retriesUsedLocked(workID) < policy.RetryCount:
		strategy = StrategyRetry

	default:
		if m.autoFallback {
			fallbackWorker = m.resolveFallbackLocked(proto.WorkerID(workerType), condition)
		}
		// A policy naming its own fallback worker covers the pair even
		// when no rule does.
		if fallbackWorker == "" && policy != nil &&
			policy.Strategy == StrategyFallback && policy.FallbackWorker != "" {
			fallbackWorker = policy.FallbackWorker
		}
		if fallbackWorker != "" {
			strategy = StrategyFallback
		} else {
			strategy = m.terminalStrategy(policy)
		}
	}

	m.eventCounter++
	event := Event{
		ID:             fmt.Sprintf("tmo_%d_%d", m.now().UnixNano(), m.eventCounter),
		WorkID:         workID,
		WorkerType:     workerType,
		WorkType:       workType,
		ElapsedSeconds: elapsedSeconds,
		Condition:      condition,
		Strategy:       strategy,
		FallbackWorker: fallbackWorker,
		StateSnapshot:  stateSnapshot,
		OccurredAt:     m.now().UTC(),
	}
	m.events = append(m.events, event)

	m.logger.Warn("%s on %s (work %s, type %s) after %.1fs -> %s",
		condition, workerType, workID, workType, elapsedSeconds, strategy)
	return event
}

// terminalStrategy maps a policy onto its end-of-the-line strategy once
// retries and fallbacks are exhausted. Callers must hold the lock.
func (m *Manager) terminalStrategy(policy *Policy) Strategy {
	if policy == nil {
		return StrategyFail
	}
	switch policy.Strategy {
	case StrategyEscalate:
		return StrategyEscalate
	case StrategyQueue:
		return StrategyQueue
	default:
		return StrategyFail
	}
}

// resolveFallbackLocked mirrors ResolveFallback for internal use under the
// lock, without the depth guard (OnTimeout rules on a single hop).
func (m *Manager) resolveFallbackLocked(primary proto.WorkerID, condition proto.TriggerCondition) proto.WorkerID {
	now := m.now()
	for _, rule := range m.rules {
		if rule.Primary != primary {
			continue
		}
		if !rule.Covers(condition) || !rule.CanTrigger(now) {
			continue
		}

		rule.UsesSoFar++
		stamped := now
		rule.LastUsedAt = &stamped
		return rule.Fallback
	}
	return ""
}

// LastEvent returns the most recent event recorded for a work item.
func (m *Manager) LastEvent(workID string) (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].WorkID == workID {
			return m.events[i], true
		}
	}
	return Event{}, false
}

// MaxFallbackDepth returns the configured fallback chain limit.
func (m *Manager) MaxFallbackDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxFallbackDepth
}

// Events returns a copy of the timeout event log, oldest first.
func (m *Manager) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Statistics summarizes the event log. Used for health reporting only.
func (m *Manager) Statistics() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		TotalTimeouts: len(m.events),
		ByStrategy:    make(map[Strategy]int),
	}
	for i := range m.events {
		stats.ByStrategy[m.events[i].Strategy]++
	}
	stats.Escalations = stats.ByStrategy[StrategyEscalate]

	if m.dispatchesSeen > 0 {
		stats.TimeoutRate = float64(len(m.events)) / float64(m.dispatchesSeen)
	}
	if len(m.events) > 0 {
		stats.FallbackRate = float64(stats.ByStrategy[StrategyFallback]) / float64(len(m.events))
	}
	return stats
}
