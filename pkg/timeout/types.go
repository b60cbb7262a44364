// Package timeout decides what happens after a dispatch times out or fails:
// retry against the same worker, reroute to a fallback, escalate to a human,
// or fail the work item. It never interrupts a running worker; it only rules
// on outcomes reported to it.
package timeout

import (
	"fmt"
	"strings"
	"time"

	"specfleet/pkg/proto"
)

// Strategy is the action taken in response to a timeout or worker error.
type Strategy string

const (
	StrategyFail     Strategy = "fail"
	StrategyRetry    Strategy = "retry"
	StrategyFallback Strategy = "fallback"
	StrategyQueue    Strategy = "queue"
	StrategyEscalate Strategy = "escalate"
)

// ValidateStrategy validates if a string is a valid strategy.
func ValidateStrategy(strategy string) (Strategy, bool) {
	switch Strategy(strategy) {
	case StrategyFail, StrategyRetry, StrategyFallback, StrategyQueue, StrategyEscalate:
		return Strategy(strategy), true
	default:
		return "", false
	}
}

// ParseStrategy parses a string into a Strategy with validation.
func ParseStrategy(s string) (Strategy, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))

	if strategy, valid := ValidateStrategy(normalized); valid {
		return strategy, nil
	}
	return "", fmt.Errorf("unknown timeout strategy: %s", s)
}

// String returns the string representation of Strategy.
func (s Strategy) String() string {
	return string(s)
}

// Policy is one timeout policy, keyed by (worker_type, work_type). An empty
// WorkType makes it the worker-level default; the most specific key wins.
type Policy struct {
	WorkerType         string         `json:"worker_type"`
	WorkType           proto.WorkType `json:"work_type,omitempty"`
	TimeoutSeconds     float64        `json:"timeout_seconds"`
	SoftTimeoutSeconds float64        `json:"soft_timeout_seconds,omitempty"`
	RetryCount         int            `json:"retry_count"`
	RetryDelaySeconds  float64        `json:"retry_delay_seconds"`
	FallbackWorker     proto.WorkerID `json:"fallback_worker,omitempty"`
	Strategy           Strategy       `json:"strategy"`
}

// FallbackRule routes work away from a failing primary worker. The rule is
// mutated on each trigger: uses are counted and the last-used time stamped.
type FallbackRule struct {
	Primary           proto.WorkerID           `json:"primary_worker"`
	Fallback          proto.WorkerID           `json:"fallback_worker"`
	TriggerConditions []proto.TriggerCondition `json:"trigger_conditions"`
	Priority          int                      `json:"priority"`
	MaxUses           int                      `json:"max_uses"`
	CooldownSeconds   float64                  `json:"cooldown_seconds"`
	Active            bool                     `json:"active"`
	UsesSoFar         int                      `json:"uses_so_far"`
	LastUsedAt        *time.Time               `json:"last_used_at,omitempty"`
}

// CanTrigger reports whether the rule may fire at the given time: it must be
// active, under its use budget, and past its cooldown.
func (r *FallbackRule) CanTrigger(now time.Time) bool {
	if !r.Active {
		return false
	}
	if r.UsesSoFar >= r.MaxUses {
		return false
	}
	if r.LastUsedAt != nil && now.Sub(*r.LastUsedAt).Seconds() < r.CooldownSeconds {
		return false
	}
	return true
}

// Covers reports whether the rule's condition set contains the condition.
func (r *FallbackRule) Covers(condition proto.TriggerCondition) bool {
	for _, c := range r.TriggerConditions {
		if c == condition {
			return true
		}
	}
	return false
}

// RetryAttempt is one entry in a work item's append-only retry ledger.
type RetryAttempt struct {
	WorkID        string     `json:"work_id"`
	WorkerType    string     `json:"worker_type"`
	AttemptNumber int        `json:"attempt_number"`
	PreviousError string     `json:"previous_error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Success       bool       `json:"success"`
	DurationMs    float64    `json:"duration_ms"`
}

// Open reports whether the attempt is still in flight.
func (a *RetryAttempt) Open() bool {
	return a.CompletedAt == nil
}

// Event is one immutable entry in the timeout event log, appended for every
// reported timeout regardless of the strategy chosen.
type Event struct {
	ID             string                 `json:"id"`
	WorkID         string                 `json:"work_id"`
	WorkerType     string                 `json:"worker_type"`
	WorkType       proto.WorkType         `json:"work_type"`
	ElapsedSeconds float64                `json:"elapsed_seconds"`
	Condition      proto.TriggerCondition `json:"condition"`
	Strategy       Strategy               `json:"strategy"`
	FallbackWorker proto.WorkerID         `json:"fallback_worker,omitempty"`
	StateSnapshot  map[string]any         `json:"state_snapshot,omitempty"`
	OccurredAt     time.Time              `json:"occurred_at"`
}

// Stats summarizes the event log for health reporting. Routing decisions
// never consult these numbers.
type Stats struct {
	TotalTimeouts int              `json:"total_timeouts"`
	ByStrategy    map[Strategy]int `json:"by_strategy"`
	TimeoutRate   float64          `json:"timeout_rate"`  // timeouts / reported dispatches
	FallbackRate  float64          `json:"fallback_rate"` // fallback events / timeouts
	Escalations   int              `json:"escalations"`
}
