// Package sched classifies outstanding work, routes it to capable workers,
// and plans dependency-respecting parallel waves for a run.
package sched

import (
	"fmt"
	"sort"

	"specfleet/pkg/logx"
	"specfleet/pkg/proto"
)

// Scoring terms for capability-weighted worker selection. The load term is
// 1/(1+uses*loadDamping); failures subtract failurePenalty each; the
// canonical owner of a type gets ownerBonus.
const (
	loadDamping    = 0.1
	failurePenalty = 0.2
	ownerBonus     = 0.15
)

// RoutingDecision is the outcome of a worker-selection pass. Selection never
// fails with an error; an unroutable type is reported here so the run can
// record it and continue.
type RoutingDecision struct {
	WorkType   proto.WorkType `json:"work_type"`
	Worker     proto.WorkerID `json:"worker,omitempty"`
	Unroutable bool           `json:"unroutable,omitempty"`
	Reason     string         `json:"reason"`
}

// Scheduler owns the work-type classification chain, the type-to-worker
// routing table, and the dependency table. It is stateless with respect to
// runs; all run information arrives through snapshots.
type Scheduler struct {
	routes map[proto.WorkType]proto.WorkerID // direct assignments, checked first
	owners map[proto.WorkType]proto.WorkerID // canonical owners, used in scoring
	deps   *DependencyTable
	logger *logx.Logger
}

// NewScheduler creates a scheduler over the given dependency table. A nil
// table gets the default pipeline.
func NewScheduler(deps *DependencyTable) *Scheduler {
	if deps == nil {
		deps = DefaultDependencyTable()
	}
	return &Scheduler{
		routes: make(map[proto.WorkType]proto.WorkerID),
		owners: make(map[proto.WorkType]proto.WorkerID),
		deps:   deps,
		logger: logx.NewLogger("sched"),
	}
}

// SetRoute pins a work type to a specific worker. Pinned routes bypass
// scoring when the worker is among the candidates.
func (s *Scheduler) SetRoute(workType proto.WorkType, worker proto.WorkerID) {
	s.routes[workType] = worker
}

// SetOwner declares the canonical owner of a work type.
func (s *Scheduler) SetOwner(workType proto.WorkType, worker proto.WorkerID) {
	s.owners[workType] = worker
}

// Dependencies exposes the scheduler's dependency table.
func (s *Scheduler) Dependencies() *DependencyTable {
	return s.deps
}

// Classify walks the fixed priority chain over a run snapshot and returns
// the next work type, or false when nothing is outstanding. Interrupt work
// (conflicts, approvals, questions) always precedes pipeline work, and a run
// with no decisions or results yet always starts with gathering.
func (s *Scheduler) Classify(snap proto.Snapshot) (proto.WorkType, bool) {
	// An abandoned type never classifies again; the run routed around it.
	skipped := snap.SkippedTypes
	switch {
	case len(snap.PendingConflicts) > 0 && !skipped[proto.WorkTypeResolveConflicts]:
		return proto.WorkTypeResolveConflicts, true
	case len(snap.PendingApprovals) > 0 && !skipped[proto.WorkTypeAwaitApproval]:
		return proto.WorkTypeAwaitApproval, true
	case len(snap.PendingQuestions) > 0 && !skipped[proto.WorkTypeAnswerQuestion]:
		return proto.WorkTypeAnswerQuestion, true
	case (snap.DecisionCount == 0 || snap.ResultCount == 0) && !skipped[proto.WorkTypeGather]:
		return proto.WorkTypeGather, true
	case !snap.ArtifactGenerated && !skipped[proto.WorkTypeGenerate]:
		return proto.WorkTypeGenerate, true
	case !snap.ArtifactValidated && snap.ArtifactGenerated && !skipped[proto.WorkTypeValidate]:
		return proto.WorkTypeValidate, true
	case snap.ExportRequested && !snap.ExportDone && !skipped[proto.WorkTypeExport]:
		return proto.WorkTypeExport, true
	case snap.AnalysisRequested && !snap.AnalysisDone && !skipped[proto.WorkTypeAnalyze]:
		return proto.WorkTypeAnalyze, true
	case snap.QueryPending && !skipped[proto.WorkTypeQuery]:
		return proto.WorkTypeQuery, true
	}
	return "", false
}

// SelectWorker chooses a worker for a work type. A pinned route wins when
// the routed worker is among the candidates; otherwise capable candidates
// are scored by declared weight, an inverse-frequency load term, a recent
// failure penalty, and a canonical-owner bonus. Ties keep candidate order,
// so identical inputs always produce identical output.
func (s *Scheduler) SelectWorker(workType proto.WorkType, candidates []proto.WorkerDescriptor, snap proto.Snapshot) RoutingDecision {
	if len(candidates) == 0 {
		return RoutingDecision{
			WorkType:   workType,
			Unroutable: true,
			Reason:     "no candidate workers registered",
		}
	}

	if routed, ok := s.routes[workType]; ok {
		for i := range candidates {
			if candidates[i].WorkerID == routed {
				return RoutingDecision{
					WorkType: workType,
					Worker:   routed,
					Reason:   "pinned route",
				}
			}
		}
	}

	owner := s.owners[workType]
	bestIdx := -1
	bestScore := 0.0
	for i := range candidates {
		c := &candidates[i]
		if !c.CanHandle(workType) {
			continue
		}
		score := c.WeightFor(workType)
		score += 1.0 / (1.0 + float64(snap.RecentUses[c.WorkerID])*loadDamping)
		score -= float64(snap.RecentFailures[c.WorkerID]) * failurePenalty
		if c.WorkerID == owner {
			score += ownerBonus
		}
		if bestIdx == -1 || score > bestScore {
			bestIdx = i
			bestScore = score
		}
	}
	if bestIdx >= 0 {
		s.logger.Debug("selected %s for %s (score=%.3f)", candidates[bestIdx].WorkerID, workType, bestScore)
		return RoutingDecision{
			WorkType: workType,
			Worker:   candidates[bestIdx].WorkerID,
			Reason:   fmt.Sprintf("capability score %.3f", bestScore),
		}
	}

	// No capable candidate. Prefer the canonical owner when present,
	// otherwise hand the item to the first candidate.
	if owner != "" {
		for i := range candidates {
			if candidates[i].WorkerID == owner {
				return RoutingDecision{
					WorkType: workType,
					Worker:   owner,
					Reason:   "no capable candidate, routed to canonical owner",
				}
			}
		}
	}
	return RoutingDecision{
		WorkType: workType,
		Worker:   candidates[0].WorkerID,
		Reason:   "no capable candidate, routed to first candidate",
	}
}

// dependencySatisfied evaluates a prerequisite's readiness predicate against
// the snapshot. Pipeline stages are satisfied by their recorded progress
// flags; everything else counts as satisfied once completed or skipped.
func dependencySatisfied(prerequisite proto.WorkType, snap proto.Snapshot) bool {
	switch prerequisite {
	case proto.WorkTypeGather:
		return snap.ResultCount > 0
	case proto.WorkTypeGenerate:
		return snap.ArtifactGenerated
	case proto.WorkTypeValidate:
		return snap.ArtifactValidated
	case proto.WorkTypeExport:
		return snap.ExportDone
	case proto.WorkTypeAnalyze:
		return snap.AnalysisDone
	default:
		return snap.CompletedTypes[prerequisite] || snap.SkippedTypes[prerequisite]
	}
}

// UnmetDependencies returns the prerequisites of workType that are not yet
// satisfied by the snapshot. An empty result means ready to schedule.
func (s *Scheduler) UnmetDependencies(workType proto.WorkType, snap proto.Snapshot) []proto.WorkType {
	var unmet []proto.WorkType
	for _, p := range s.deps.DependenciesOf(workType) {
		if !dependencySatisfied(p, snap) {
			unmet = append(unmet, p)
		}
	}
	return unmet
}

// PlanParallelBatches groups the requested work types into waves. Each wave
// takes every remaining type whose declared prerequisites are satisfied by
// the snapshot, a prior wave, or absence from the request. When a cycle
// leaves no type ready, the lexicographically smallest remaining type is
// forced into its own wave so planning always terminates. Every requested
// type lands in exactly one wave.
func (s *Scheduler) PlanParallelBatches(workTypes []proto.WorkType, snap proto.Snapshot) [][]proto.WorkType {
	remaining := make(map[proto.WorkType]bool, len(workTypes))
	order := make([]proto.WorkType, 0, len(workTypes))
	for _, wt := range workTypes {
		if !remaining[wt] {
			remaining[wt] = true
			order = append(order, wt)
		}
	}

	placed := make(map[proto.WorkType]bool)
	var waves [][]proto.WorkType

	for len(remaining) > 0 {
		var wave []proto.WorkType
		for _, wt := range order {
			if !remaining[wt] {
				continue
			}
			ready := true
			for _, p := range s.deps.DependenciesOf(wt) {
				if placed[p] || dependencySatisfied(p, snap) {
					continue
				}
				if remaining[p] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, wt)
			}
		}

		if len(wave) == 0 {
			// Cycle among the remaining types. Break it on the
			// smallest name so the plan is reproducible.
			stuck := make([]string, 0, len(remaining))
			for wt := range remaining {
				stuck = append(stuck, string(wt))
			}
			sort.Strings(stuck)
			forced := proto.WorkType(stuck[0])
			s.logger.Warn("dependency cycle among %v, forcing %s", stuck, forced)
			wave = []proto.WorkType{forced}
		}

		for _, wt := range wave {
			placed[wt] = true
			delete(remaining, wt)
		}
		waves = append(waves, wave)
	}
	return waves
}
