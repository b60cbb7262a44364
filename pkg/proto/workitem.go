package proto

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkItem is one unit of orchestrated work. Immutable once created: the
// orchestrator (or a worker chaining a result) creates it, exactly one
// dispatch consumes it, and it terminates on completion, failure, or
// cancellation.
type WorkItem struct {
	ID        string         `json:"id"`
	Type      WorkType       `json:"work_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Priority  Priority       `json:"priority"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewWorkItem creates a work item with a generated ID and normal priority.
func NewWorkItem(workType WorkType, payload map[string]any) *WorkItem {
	return &WorkItem{
		ID:        uuid.New().String(),
		Type:      workType,
		Payload:   payload,
		Priority:  PriorityNormal,
		CreatedAt: time.Now().UTC(),
	}
}

// WithPriority returns a copy of the item at the given priority. The receiver
// is not modified; work items stay immutable after creation.
func (w *WorkItem) WithPriority(priority Priority) *WorkItem {
	clone := *w
	clone.Priority = priority
	return &clone
}

// Validate checks the structural invariants of a work item.
func (w *WorkItem) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("work item ID is required")
	}
	if _, valid := ValidateWorkType(string(w.Type)); !valid {
		return fmt.Errorf("invalid work type: %s", w.Type)
	}
	if _, valid := ValidatePriority(string(w.Priority)); !valid {
		return fmt.Errorf("invalid priority: %s", w.Priority)
	}
	if w.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// WorkerDescriptor describes a worker's declared capabilities for one run.
// Descriptors are static per run and used only for scoring; liveness lives in
// the health monitor.
type WorkerDescriptor struct {
	WorkerID          WorkerID             `json:"worker_id"`
	Capabilities      []WorkType           `json:"capabilities"`
	CapabilityWeights map[WorkType]float64 `json:"capability_weights,omitempty"`
}

// CanHandle reports whether the worker declares the given work type.
func (w *WorkerDescriptor) CanHandle(workType WorkType) bool {
	for _, capability := range w.Capabilities {
		if capability == workType {
			return true
		}
	}
	return false
}

// WeightFor returns the declared capability weight for a work type, or 1.0
// when the worker declares the capability without an explicit weight.
func (w *WorkerDescriptor) WeightFor(workType WorkType) float64 {
	if weight, ok := w.CapabilityWeights[workType]; ok {
		return weight
	}
	return 1.0
}

// FailureKind classifies a worker failure result.
type FailureKind string

const (
	FailureTimeout     FailureKind = "timeout"
	FailureError       FailureKind = "error"
	FailureUnavailable FailureKind = "unavailable"
	FailureCancelled   FailureKind = "cancelled"
)

// Failure is the failure half of a worker invocation result.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Error implements the error interface so failures propagate through the
// middleware chain as ordinary errors.
func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Condition maps a failure kind onto the fallback trigger condition that
// represents it. Worker errors and timeouts are handled identically apart
// from this label.
func (f *Failure) Condition() TriggerCondition {
	switch f.Kind {
	case FailureTimeout:
		return TriggerTimeout
	case FailureUnavailable:
		return TriggerUnavailable
	default:
		return TriggerError
	}
}

// WorkResult is the outcome of one dispatch.
type WorkResult struct {
	WorkID   string         `json:"work_id"`
	WorkType WorkType       `json:"work_type"`
	WorkerID WorkerID       `json:"worker_id"`
	Output   map[string]any `json:"output,omitempty"`
	Failure  *Failure       `json:"failure,omitempty"`
	Elapsed  time.Duration  `json:"elapsed"`
}

// Succeeded reports whether the dispatch produced a usable output.
func (r *WorkResult) Succeeded() bool {
	return r.Failure == nil
}
