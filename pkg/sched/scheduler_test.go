package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"specfleet/pkg/proto"
)

func snapshotWith(mutate func(*proto.Snapshot)) proto.Snapshot {
	snap := proto.Snapshot{
		CompletedTypes: map[proto.WorkType]bool{},
		SkippedTypes:   map[proto.WorkType]bool{},
		RecentUses:     map[proto.WorkerID]int{},
		RecentFailures: map[proto.WorkerID]int{},
	}
	if mutate != nil {
		mutate(&snap)
	}
	return snap
}

func TestClassifyPriorityChain(t *testing.T) {
	s := NewScheduler(nil)

	tests := []struct {
		name   string
		mutate func(*proto.Snapshot)
		want   proto.WorkType
		wantOK bool
	}{
		{
			name: "conflicts first",
			mutate: func(snap *proto.Snapshot) {
				snap.PendingConflicts = []string{"c1"}
				snap.DecisionCount = 5
				snap.ResultCount = 5
			},
			want:   proto.WorkTypeResolveConflicts,
			wantOK: true,
		},
		{
			name: "approvals before questions",
			mutate: func(snap *proto.Snapshot) {
				snap.PendingApprovals = []proto.PendingApproval{{ID: "a1"}}
				snap.PendingQuestions = []string{"q1"}
				snap.DecisionCount = 5
				snap.ResultCount = 5
			},
			want:   proto.WorkTypeAwaitApproval,
			wantOK: true,
		},
		{
			name: "questions",
			mutate: func(snap *proto.Snapshot) {
				snap.PendingQuestions = []string{"q1"}
				snap.DecisionCount = 5
				snap.ResultCount = 5
			},
			want:   proto.WorkTypeAnswerQuestion,
			wantOK: true,
		},
		{
			name:   "fresh run gathers",
			mutate: nil,
			want:   proto.WorkTypeGather,
			wantOK: true,
		},
		{
			name: "results without artifact generate",
			mutate: func(snap *proto.Snapshot) {
				snap.DecisionCount = 2
				snap.ResultCount = 3
			},
			want:   proto.WorkTypeGenerate,
			wantOK: true,
		},
		{
			name: "artifact without validation validates",
			mutate: func(snap *proto.Snapshot) {
				snap.DecisionCount = 2
				snap.ResultCount = 3
				snap.ArtifactGenerated = true
			},
			want:   proto.WorkTypeValidate,
			wantOK: true,
		},
		{
			name: "validated with export requested exports",
			mutate: func(snap *proto.Snapshot) {
				snap.DecisionCount = 2
				snap.ResultCount = 3
				snap.ArtifactGenerated = true
				snap.ArtifactValidated = true
				snap.ExportRequested = true
			},
			want:   proto.WorkTypeExport,
			wantOK: true,
		},
		{
			name: "analysis fallback",
			mutate: func(snap *proto.Snapshot) {
				snap.DecisionCount = 2
				snap.ResultCount = 3
				snap.ArtifactGenerated = true
				snap.ArtifactValidated = true
				snap.AnalysisRequested = true
			},
			want:   proto.WorkTypeAnalyze,
			wantOK: true,
		},
		{
			name: "nothing outstanding",
			mutate: func(snap *proto.Snapshot) {
				snap.DecisionCount = 2
				snap.ResultCount = 3
				snap.ArtifactGenerated = true
				snap.ArtifactValidated = true
			},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := s.Classify(snapshotWith(tt.mutate))
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestClassifySkipsAbandonedTypes(t *testing.T) {
	s := NewScheduler(nil)

	// A skipped generation also strands validation; the chain falls
	// through to whatever else is outstanding.
	got, ok := s.Classify(snapshotWith(func(snap *proto.Snapshot) {
		snap.DecisionCount = 2
		snap.ResultCount = 3
		snap.AnalysisRequested = true
		snap.SkippedTypes[proto.WorkTypeGenerate] = true
	}))
	require.True(t, ok)
	assert.Equal(t, proto.WorkTypeAnalyze, got)

	_, ok = s.Classify(snapshotWith(func(snap *proto.Snapshot) {
		snap.DecisionCount = 2
		snap.ResultCount = 3
		snap.SkippedTypes[proto.WorkTypeGenerate] = true
	}))
	assert.False(t, ok)
}

func TestClassifyZeroDecisionsAlwaysGathers(t *testing.T) {
	s := NewScheduler(nil)

	got, ok := s.Classify(snapshotWith(func(snap *proto.Snapshot) {
		snap.ResultCount = 4
		snap.ArtifactGenerated = true
		snap.ArtifactValidated = true
		snap.ExportRequested = true
	}))
	require.True(t, ok)
	assert.Equal(t, proto.WorkTypeGather, got)
}

func TestSelectWorkerPinnedRoute(t *testing.T) {
	s := NewScheduler(nil)
	s.SetRoute(proto.WorkTypeGenerate, "writer")

	candidates := []proto.WorkerDescriptor{
		{WorkerID: "reader", Capabilities: []proto.WorkType{proto.WorkTypeGather}},
		{WorkerID: "writer", Capabilities: []proto.WorkType{proto.WorkTypeGenerate}},
	}
	d := s.SelectWorker(proto.WorkTypeGenerate, candidates, snapshotWith(nil))
	assert.Equal(t, proto.WorkerID("writer"), d.Worker)
	assert.False(t, d.Unroutable)
}

func TestSelectWorkerLoadBalancing(t *testing.T) {
	s := NewScheduler(nil)

	candidates := []proto.WorkerDescriptor{
		{WorkerID: "w1", Capabilities: []proto.WorkType{proto.WorkTypeGenerate}},
		{WorkerID: "w2", Capabilities: []proto.WorkType{proto.WorkTypeGenerate}},
	}
	snap := snapshotWith(func(snap *proto.Snapshot) {
		snap.RecentUses[proto.WorkerID("w1")] = 10
	})

	d := s.SelectWorker(proto.WorkTypeGenerate, candidates, snap)
	assert.Equal(t, proto.WorkerID("w2"), d.Worker, "heavily used worker loses the load term")
}

func TestSelectWorkerFailurePenaltyAndOwnerBonus(t *testing.T) {
	s := NewScheduler(nil)
	s.SetOwner(proto.WorkTypeValidate, "checker")

	candidates := []proto.WorkerDescriptor{
		{WorkerID: "generalist", Capabilities: []proto.WorkType{proto.WorkTypeValidate}},
		{WorkerID: "checker", Capabilities: []proto.WorkType{proto.WorkTypeValidate}},
	}
	d := s.SelectWorker(proto.WorkTypeValidate, candidates, snapshotWith(nil))
	assert.Equal(t, proto.WorkerID("checker"), d.Worker, "owner bonus breaks otherwise equal scores")

	snap := snapshotWith(func(snap *proto.Snapshot) {
		snap.RecentFailures[proto.WorkerID("checker")] = 3
	})
	d = s.SelectWorker(proto.WorkTypeValidate, candidates, snap)
	assert.Equal(t, proto.WorkerID("generalist"), d.Worker, "failure penalty outweighs owner bonus")
}

func TestSelectWorkerDeterministic(t *testing.T) {
	s := NewScheduler(nil)

	candidates := []proto.WorkerDescriptor{
		{WorkerID: "w1", Capabilities: []proto.WorkType{proto.WorkTypeGather}},
		{WorkerID: "w2", Capabilities: []proto.WorkType{proto.WorkTypeGather}},
		{WorkerID: "w3", Capabilities: []proto.WorkType{proto.WorkTypeGather}},
	}
	snap := snapshotWith(func(snap *proto.Snapshot) {
		snap.RecentUses[proto.WorkerID("w2")] = 1
	})

	first := s.SelectWorker(proto.WorkTypeGather, candidates, snap)
	for i := 0; i < 20; i++ {
		again := s.SelectWorker(proto.WorkTypeGather, candidates, snap)
		require.Equal(t, first.Worker, again.Worker)
	}
}

func TestSelectWorkerNoCapableCandidate(t *testing.T) {
	s := NewScheduler(nil)
	s.SetOwner(proto.WorkTypeExport, "exporter")

	candidates := []proto.WorkerDescriptor{
		{WorkerID: "reader", Capabilities: []proto.WorkType{proto.WorkTypeGather}},
		{WorkerID: "exporter", Capabilities: []proto.WorkType{proto.WorkTypeGather}},
	}
	d := s.SelectWorker(proto.WorkTypeExport, candidates, snapshotWith(nil))
	assert.Equal(t, proto.WorkerID("exporter"), d.Worker, "canonical owner takes uncovered types")

	d = s.SelectWorker(proto.WorkTypeValidate, candidates, snapshotWith(nil))
	assert.Equal(t, proto.WorkerID("reader"), d.Worker, "first candidate is the last resort")
}

func TestSelectWorkerNoCandidates(t *testing.T) {
	s := NewScheduler(nil)
	d := s.SelectWorker(proto.WorkTypeGather, nil, snapshotWith(nil))
	assert.True(t, d.Unroutable)
	assert.Empty(t, d.Worker)
}

func TestUnmetDependencies(t *testing.T) {
	s := NewScheduler(nil)

	unmet := s.UnmetDependencies(proto.WorkTypeValidate, snapshotWith(nil))
	assert.Equal(t, []proto.WorkType{proto.WorkTypeGenerate}, unmet)

	snap := snapshotWith(func(snap *proto.Snapshot) {
		snap.ArtifactGenerated = true
	})
	assert.Empty(t, s.UnmetDependencies(proto.WorkTypeValidate, snap))

	assert.Empty(t, s.UnmetDependencies(proto.WorkTypeGather, snapshotWith(nil)),
		"gathering has no prerequisites")
}

func TestPlanParallelBatchesOrdering(t *testing.T) {
	s := NewScheduler(nil)

	waves := s.PlanParallelBatches([]proto.WorkType{
		proto.WorkTypeExport,
		proto.WorkTypeValidate,
		proto.WorkTypeGenerate,
		proto.WorkTypeGather,
		proto.WorkTypeQuery,
	}, snapshotWith(nil))

	wavePos := make(map[proto.WorkType]int)
	total := 0
	for i, wave := range waves {
		for _, wt := range wave {
			_, seen := wavePos[wt]
			require.False(t, seen, "type %s appears twice", wt)
			wavePos[wt] = i
			total++
		}
	}
	assert.Equal(t, 5, total, "every requested type appears exactly once")

	assert.Less(t, wavePos[proto.WorkTypeGather], wavePos[proto.WorkTypeGenerate])
	assert.Less(t, wavePos[proto.WorkTypeGenerate], wavePos[proto.WorkTypeValidate])
	assert.Less(t, wavePos[proto.WorkTypeValidate], wavePos[proto.WorkTypeExport])
	assert.Equal(t, 0, wavePos[proto.WorkTypeQuery], "independent types go in the first wave")
}

func TestPlanParallelBatchesSatisfiedBySnapshot(t *testing.T) {
	s := NewScheduler(nil)

	snap := snapshotWith(func(snap *proto.Snapshot) {
		snap.ResultCount = 1
		snap.ArtifactGenerated = true
	})
	waves := s.PlanParallelBatches([]proto.WorkType{
		proto.WorkTypeValidate,
		proto.WorkTypeAnalyze,
	}, snap)

	require.Len(t, waves, 1, "already satisfied prerequisites do not force extra waves")
	assert.ElementsMatch(t, []proto.WorkType{proto.WorkTypeValidate, proto.WorkTypeAnalyze}, waves[0])
}

func TestPlanParallelBatchesCycleBreak(t *testing.T) {
	table := NewDependencyTable()
	require.NoError(t, table.Add(proto.WorkTypeGenerate, proto.WorkTypeValidate))
	require.NoError(t, table.Add(proto.WorkTypeValidate, proto.WorkTypeGenerate))
	s := NewScheduler(table)

	waves := s.PlanParallelBatches([]proto.WorkType{
		proto.WorkTypeValidate,
		proto.WorkTypeGenerate,
	}, snapshotWith(nil))

	require.Len(t, waves, 2)
	assert.Equal(t, []proto.WorkType{proto.WorkTypeGenerate}, waves[0],
		"the smallest name breaks the cycle")
	assert.Equal(t, []proto.WorkType{proto.WorkTypeValidate}, waves[1])
}

func TestDependencyTableReplace(t *testing.T) {
	table := DefaultDependencyTable()
	require.NoError(t, table.Replace(proto.WorkTypeExport, []proto.WorkType{proto.WorkTypeGenerate}))
	assert.Equal(t, []proto.WorkType{proto.WorkTypeGenerate}, table.DependenciesOf(proto.WorkTypeExport))

	assert.Error(t, table.Add("bogus", proto.WorkTypeGather))
}
