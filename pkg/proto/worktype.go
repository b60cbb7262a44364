// Package proto defines the shared vocabulary of the orchestration engine:
// work types, work items, worker descriptors, run state, and the event
// envelope written to the event log. Every component speaks in these types.
package proto

import (
	"fmt"
	"strings"
)

// WorkType classifies a unit of orchestrated work. It drives both routing
// (which worker runs it) and dependency lookups (what must finish first).
type WorkType string

const (
	// WorkTypeGather collects user decisions and raw requirements.
	WorkTypeGather WorkType = "gather"

	// WorkTypeResolveConflicts reconciles contradictory recorded decisions.
	WorkTypeResolveConflicts WorkType = "resolve_conflicts"

	// WorkTypeAwaitApproval waits on a pending human approval item.
	WorkTypeAwaitApproval WorkType = "await_approval"

	// WorkTypeAnswerQuestion answers an outstanding clarification question.
	WorkTypeAnswerQuestion WorkType = "answer_question"

	// WorkTypeGenerate derives a specification artifact from gathered results.
	WorkTypeGenerate WorkType = "generate"

	// WorkTypeValidate checks a generated artifact for consistency.
	WorkTypeValidate WorkType = "validate"

	// WorkTypeExport renders a validated artifact into a requested format.
	WorkTypeExport WorkType = "export"

	// WorkTypeAnalyze runs supplementary analysis over gathered results.
	WorkTypeAnalyze WorkType = "analyze"

	// WorkTypeQuery serves an ad-hoc retrieval request against run data.
	WorkTypeQuery WorkType = "query"
)

// AllWorkTypes lists every work type in declaration order. Declaration order
// matters: it is the deterministic tie-break order used across the engine.
func AllWorkTypes() []WorkType {
	return []WorkType{
		WorkTypeGather,
		WorkTypeResolveConflicts,
		WorkTypeAwaitApproval,
		WorkTypeAnswerQuestion,
		WorkTypeGenerate,
		WorkTypeValidate,
		WorkTypeExport,
		WorkTypeAnalyze,
		WorkTypeQuery,
	}
}

// ValidateWorkType validates if a string is a valid work type.
func ValidateWorkType(workType string) (WorkType, bool) {
	switch WorkType(workType) {
	case WorkTypeGather, WorkTypeResolveConflicts, WorkTypeAwaitApproval,
		WorkTypeAnswerQuestion, WorkTypeGenerate, WorkTypeValidate,
		WorkTypeExport, WorkTypeAnalyze, WorkTypeQuery:
		return WorkType(workType), true
	default:
		return "", false
	}
}

// ParseWorkType parses a string into a WorkType with validation.
func ParseWorkType(s string) (WorkType, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))

	if workType, valid := ValidateWorkType(normalized); valid {
		return workType, nil
	}
	return "", fmt.Errorf("unknown work type: %s", s)
}

// String returns the string representation of WorkType.
func (wt WorkType) String() string {
	return string(wt)
}

// WorkerID identifies an external worker registered for a run.
type WorkerID string

// String returns the string representation of WorkerID.
func (id WorkerID) String() string {
	return string(id)
}

// Priority represents the urgency of a work item.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"

	// PriorityBlocking marks an item the run may not proceed past. A pending
	// approval at this priority forces the orchestrator into its interrupt wait.
	PriorityBlocking Priority = "blocking"
)

// ValidatePriority validates if a string is a valid priority.
func ValidatePriority(priority string) (Priority, bool) {
	switch Priority(priority) {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityBlocking:
		return Priority(priority), true
	default:
		return "", false
	}
}

// ParsePriority parses a string into a Priority with validation.
func ParsePriority(s string) (Priority, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))

	if priority, valid := ValidatePriority(normalized); valid {
		return priority, nil
	}
	return "", fmt.Errorf("unknown priority: %s", s)
}

// String returns the string representation of Priority.
func (p Priority) String() string {
	return string(p)
}

// TriggerCondition names the condition under which a fallback rule may fire.
type TriggerCondition string

const (
	TriggerTimeout     TriggerCondition = "timeout"
	TriggerError       TriggerCondition = "error"
	TriggerUnavailable TriggerCondition = "unavailable"
	TriggerDegraded    TriggerCondition = "degraded"
	TriggerManual      TriggerCondition = "manual"
	TriggerHighLoad    TriggerCondition = "high_load"
)

// ValidateTriggerCondition validates if a string is a valid trigger condition.
func ValidateTriggerCondition(condition string) (TriggerCondition, bool) {
	switch TriggerCondition(condition) {
	case TriggerTimeout, TriggerError, TriggerUnavailable,
		TriggerDegraded, TriggerManual, TriggerHighLoad:
		return TriggerCondition(condition), true
	default:
		return "", false
	}
}

// ParseTriggerCondition parses a string into a TriggerCondition with validation.
func ParseTriggerCondition(s string) (TriggerCondition, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))

	if condition, valid := ValidateTriggerCondition(normalized); valid {
		return condition, nil
	}
	return "", fmt.Errorf("unknown trigger condition: %s", s)
}

// String returns the string representation of TriggerCondition.
func (tc TriggerCondition) String() string {
	return string(tc)
}
