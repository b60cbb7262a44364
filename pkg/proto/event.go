package proto

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// EventKind labels an entry in the engine's event log.
type EventKind string

const (
	EventDispatch    EventKind = "DISPATCH"
	EventComplete    EventKind = "COMPLETE"
	EventTimeout     EventKind = "TIMEOUT"
	EventRetry       EventKind = "RETRY"
	EventFallback    EventKind = "FALLBACK"
	EventEscalation  EventKind = "ESCALATION"
	EventAlert       EventKind = "ALERT"
	EventStateChange EventKind = "STATE_CHANGE"
	EventCheckpoint  EventKind = "CHECKPOINT"
	EventRouting     EventKind = "ROUTING"
)

// Event is the envelope written to the JSONL event log and handed to the
// fire-and-forget notification transport.
type Event struct {
	ID        string         `json:"id"`
	Kind      EventKind      `json:"kind"`
	RunID     string         `json:"run_id,omitempty"`
	WorkID    string         `json:"work_id,omitempty"`
	WorkerID  WorkerID       `json:"worker_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// NewEvent creates an event stamped with a generated ID and the current time.
func NewEvent(kind EventKind, runID string) *Event {
	return &Event{
		ID:        generateEventID(),
		Kind:      kind,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Payload:   make(map[string]any),
	}
}

// SetPayload sets a payload field, allocating the map when needed.
func (e *Event) SetPayload(key string, value any) {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
}

// ToJSON serializes the event for the JSONL log.
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

var (
	eventCounter int64
	eventIDMutex sync.Mutex
)

func generateEventID() string {
	eventIDMutex.Lock()
	defer eventIDMutex.Unlock()

	eventCounter++
	return fmt.Sprintf("evt_%d_%d", time.Now().UnixNano(), eventCounter)
}

// RunStatus summarizes how a run ended.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusFailed  RunStatus = "failed"
)

// RunError is one structured error carried in a run report.
type RunError struct {
	WorkType WorkType `json:"work_type,omitempty"`
	WorkID   string   `json:"work_id,omitempty"`
	Kind     string   `json:"kind"`
	Message  string   `json:"message"`
}

// RunReport is the user-visible outcome of a run. The engine never surfaces a
// bare panic or naked error to its caller; it surfaces this.
type RunReport struct {
	RunID              string     `json:"run_id"`
	Status             RunStatus  `json:"status"`
	Errors             []RunError `json:"errors,omitempty"`
	CompletedWorkTypes []WorkType `json:"completed_work_types"`
	SkippedWorkTypes   []WorkType `json:"skipped_work_types"`
	StartedAt          time.Time  `json:"started_at"`
	FinishedAt         time.Time  `json:"finished_at"`
}
