package proto

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Decision is one recorded user decision feeding the specification build.
type Decision struct {
	ID         string    `json:"id"`
	Topic      string    `json:"topic"`
	Value      string    `json:"value"`
	RecordedAt time.Time `json:"recorded_at"`
}

// PendingApproval is a human-approval item awaiting out-of-band resolution.
type PendingApproval struct {
	ID          string    `json:"id"`
	Descriptor  string    `json:"descriptor"`
	Priority    Priority  `json:"priority"`
	RequestedAt time.Time `json:"requested_at"`
}

// RunState is the explicit, versioned state record for one orchestrated run.
// Every field the scheduler's readiness predicates consult has a name here;
// nothing is threaded through the engine as loose maps. The orchestrator owns
// the single instance; components read it through the accessor methods.
type RunState struct {
	mu sync.Mutex

	RunID   string `json:"run_id"`
	Version int    `json:"version"`

	Decisions        []Decision        `json:"decisions"`
	PendingConflicts []string          `json:"pending_conflicts"`
	PendingApprovals []PendingApproval `json:"pending_approvals"`
	PendingQuestions []string          `json:"pending_questions"`

	Results           []WorkResult `json:"results"`
	ArtifactGenerated bool         `json:"artifact_generated"`
	ArtifactValidated bool         `json:"artifact_validated"`
	ExportRequested   bool         `json:"export_requested"`
	ExportDone        bool         `json:"export_done"`
	AnalysisRequested bool         `json:"analysis_requested"`
	AnalysisDone      bool         `json:"analysis_done"`
	QueryPending      bool         `json:"query_pending"`

	CompletedTypes map[WorkType]bool `json:"completed_types"`
	SkippedTypes   map[WorkType]bool `json:"skipped_types"`

	// Per-worker routing signals consumed by worker selection.
	RecentUses     map[WorkerID]int `json:"recent_uses"`
	RecentFailures map[WorkerID]int `json:"recent_failures"`

	StartedAt time.Time `json:"started_at"`
}

// NewRunState constructs a validated run state.
func NewRunState(runID string) (*RunState, error) {
	if runID == "" {
		return nil, fmt.Errorf("run ID is required")
	}
	return &RunState{
		RunID:          runID,
		Version:        1,
		CompletedTypes: make(map[WorkType]bool),
		SkippedTypes:   make(map[WorkType]bool),
		RecentUses:     make(map[WorkerID]int),
		RecentFailures: make(map[WorkerID]int),
		StartedAt:      time.Now().UTC(),
	}, nil
}

// RecordDecision appends a user decision and bumps the state version.
func (rs *RunState) RecordDecision(d Decision) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.Decisions = append(rs.Decisions, d)
	rs.Version++
}

// RecordResult appends a dispatch result, updates derived flags, and bumps
// the version. Only successful results flip the artifact/analysis flags.
func (rs *RunState) RecordResult(result WorkResult) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.Results = append(rs.Results, result)
	if result.Succeeded() {
		switch result.WorkType {
		case WorkTypeGenerate:
			rs.ArtifactGenerated = true
		case WorkTypeValidate:
			rs.ArtifactValidated = true
		case WorkTypeExport:
			rs.ExportDone = true
		case WorkTypeAnalyze:
			rs.AnalysisDone = true
		case WorkTypeQuery:
			rs.QueryPending = false
		case WorkTypeResolveConflicts:
			rs.PendingConflicts = nil
		case WorkTypeAnswerQuestion:
			rs.PendingQuestions = nil
		case WorkTypeAwaitApproval:
			rs.PendingApprovals = nil
		}
		rs.CompletedTypes[result.WorkType] = true
	}
	rs.Version++
}

// MarkSkipped records a work type the run abandoned (no capable worker on an
// optional type). Skipped types appear in the final report.
func (rs *RunState) MarkSkipped(workType WorkType) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.SkippedTypes[workType] = true
	rs.Version++
}

// RecordWorkerUse increments the inverse-frequency load-balancing counter.
func (rs *RunState) RecordWorkerUse(workerID WorkerID) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.RecentUses[workerID]++
	rs.Version++
}

// RecordWorkerFailure increments the selection failure penalty counter.
func (rs *RunState) RecordWorkerFailure(workerID WorkerID) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.RecentFailures[workerID]++
	rs.Version++
}

// AddPendingApproval registers a human-approval wait.
func (rs *RunState) AddPendingApproval(approval PendingApproval) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.PendingApprovals = append(rs.PendingApprovals, approval)
	rs.Version++
}

// ResolveApproval removes a pending approval by ID. Returns false when the
// ID is unknown (already resolved or never registered).
func (rs *RunState) ResolveApproval(pendingID string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	for i, approval := range rs.PendingApprovals {
		if approval.ID == pendingID {
			rs.PendingApprovals = append(rs.PendingApprovals[:i], rs.PendingApprovals[i+1:]...)
			rs.Version++
			return true
		}
	}
	return false
}

// AddConflict records a detected decision conflict.
func (rs *RunState) AddConflict(conflictID string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.PendingConflicts = append(rs.PendingConflicts, conflictID)
	rs.Version++
}

// AddQuestion records an outstanding clarification question.
func (rs *RunState) AddQuestion(questionID string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.PendingQuestions = append(rs.PendingQuestions, questionID)
	rs.Version++
}

// ResolveQuestion removes an outstanding question by ID.
func (rs *RunState) ResolveQuestion(questionID string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	for i, id := range rs.PendingQuestions {
		if id == questionID {
			rs.PendingQuestions = append(rs.PendingQuestions[:i], rs.PendingQuestions[i+1:]...)
			rs.Version++
			return true
		}
	}
	return false
}

// RequestExport flags the run for artifact export.
func (rs *RunState) RequestExport() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.ExportRequested = true
	rs.Version++
}

// RequestAnalysis flags the run for supplementary analysis.
func (rs *RunState) RequestAnalysis() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.AnalysisRequested = true
	rs.Version++
}

// Snapshot is the read-only view the scheduler evaluates its predicates
// against. Slices and maps are copied; a snapshot never aliases live state.
type Snapshot struct {
	RunID   string
	Version int

	DecisionCount    int
	PendingConflicts []string
	PendingApprovals []PendingApproval
	PendingQuestions []string

	ResultCount       int
	ArtifactGenerated bool
	ArtifactValidated bool
	ExportRequested   bool
	ExportDone        bool
	AnalysisRequested bool
	AnalysisDone      bool
	QueryPending      bool

	CompletedTypes map[WorkType]bool
	SkippedTypes   map[WorkType]bool
	RecentUses     map[WorkerID]int
	RecentFailures map[WorkerID]int
}

// Snapshot returns a point-in-time copy of the run state.
func (rs *RunState) Snapshot() Snapshot {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	snap := Snapshot{
		RunID:             rs.RunID,
		Version:           rs.Version,
		DecisionCount:     len(rs.Decisions),
		PendingConflicts:  append([]string(nil), rs.PendingConflicts...),
		PendingApprovals:  append([]PendingApproval(nil), rs.PendingApprovals...),
		PendingQuestions:  append([]string(nil), rs.PendingQuestions...),
		ResultCount:       len(rs.Results),
		ArtifactGenerated: rs.ArtifactGenerated,
		ArtifactValidated: rs.ArtifactValidated,
		ExportRequested:   rs.ExportRequested,
		ExportDone:        rs.ExportDone,
		AnalysisRequested: rs.AnalysisRequested,
		AnalysisDone:      rs.AnalysisDone,
		QueryPending:      rs.QueryPending,
		CompletedTypes:    make(map[WorkType]bool, len(rs.CompletedTypes)),
		SkippedTypes:      make(map[WorkType]bool, len(rs.SkippedTypes)),
		RecentUses:        make(map[WorkerID]int, len(rs.RecentUses)),
		RecentFailures:    make(map[WorkerID]int, len(rs.RecentFailures)),
	}
	for k, v := range rs.CompletedTypes {
		snap.CompletedTypes[k] = v
	}
	for k, v := range rs.SkippedTypes {
		snap.SkippedTypes[k] = v
	}
	for k, v := range rs.RecentUses {
		snap.RecentUses[k] = v
	}
	for k, v := range rs.RecentFailures {
		snap.RecentFailures[k] = v
	}
	return snap
}

// BlockingApproval returns the first pending approval at blocking priority,
// or nil when the run may keep orchestrating.
func (s *Snapshot) BlockingApproval() *PendingApproval {
	for i := range s.PendingApprovals {
		if s.PendingApprovals[i].Priority == PriorityBlocking {
			return &s.PendingApprovals[i]
		}
	}
	return nil
}

// MarshalCheckpoint serializes the run state for the persistence boundary.
// The blob is opaque to the store.
func (rs *RunState) MarshalCheckpoint() ([]byte, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	data, err := json.Marshal(rs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run state %s: %w", rs.RunID, err)
	}
	return data, nil
}

// UnmarshalCheckpoint restores a run state from a persisted blob.
func UnmarshalCheckpoint(data []byte) (*RunState, error) {
	rs := &RunState{}
	if err := json.Unmarshal(data, rs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run state: %w", err)
	}
	if rs.CompletedTypes == nil {
		rs.CompletedTypes = make(map[WorkType]bool)
	}
	if rs.SkippedTypes == nil {
		rs.SkippedTypes = make(map[WorkType]bool)
	}
	if rs.RecentUses == nil {
		rs.RecentUses = make(map[WorkerID]int)
	}
	if rs.RecentFailures == nil {
		rs.RecentFailures = make(map[WorkerID]int)
	}
	return rs, nil
}
