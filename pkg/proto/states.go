package proto

import (
	"fmt"
	"strings"
)

// State represents one state of the orchestrator's supervisory state machine.
type State string

const (
	// StateIdle is the initial state before a run begins.
	StateIdle State = "IDLE"

	// StateOrchestrating is the active scheduling loop: classify, select,
	// dispatch, handle result.
	StateOrchestrating State = "ORCHESTRATING"

	// StateWaitingForWorker is entered while a dispatched wave is in flight.
	StateWaitingForWorker State = "WAITING_FOR_WORKER"

	// StateWaitingForInterrupt is entered whenever a blocking-priority human
	// approval item is pending.
	StateWaitingForInterrupt State = "WAITING_FOR_INTERRUPT"

	// StateCompleted is terminal success.
	StateCompleted State = "COMPLETED"

	// StateError is terminal failure: exhausted fallback or explicit fail policy.
	StateError State = "ERROR"
)

// ValidTransitions is the orchestrator transition table. Transitions not
// listed here are rejected.
var ValidTransitions = map[State][]State{
	StateIdle:                {StateOrchestrating},
	StateOrchestrating:       {StateWaitingForWorker, StateWaitingForInterrupt, StateCompleted, StateError},
	StateWaitingForWorker:    {StateOrchestrating, StateError},
	StateWaitingForInterrupt: {StateOrchestrating, StateError},
	StateCompleted:           {},
	StateError:               {},
}

// IsTerminal reports whether the state ends the run.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateError
}

// CanTransitionTo reports whether the transition table allows moving from
// this state to the target.
func (s State) CanTransitionTo(target State) bool {
	for _, next := range ValidTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// ValidateState validates if a string is a valid orchestrator state.
func ValidateState(state string) (State, bool) {
	switch State(state) {
	case StateIdle, StateOrchestrating, StateWaitingForWorker,
		StateWaitingForInterrupt, StateCompleted, StateError:
		return State(state), true
	default:
		return "", false
	}
}

// ParseState parses a string into a State with validation.
func ParseState(s string) (State, error) {
	normalized := strings.ToUpper(strings.TrimSpace(s))

	if state, valid := ValidateState(normalized); valid {
		return state, nil
	}
	return "", fmt.Errorf("unknown orchestrator state: %s", s)
}

// String returns the string representation of State.
func (s State) String() string {
	return string(s)
}

// StateChangeNotification announces an orchestrator state transition to
// observers (event log, notification transport).
type StateChangeNotification struct {
	RunID     string `json:"run_id"`
	FromState State  `json:"from_state"`
	ToState   State  `json:"to_state"`
	Reason    string `json:"reason,omitempty"`
}
