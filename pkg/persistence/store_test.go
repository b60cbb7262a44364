package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"specfleet/pkg/proto"
	"specfleet/pkg/timeout"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "specfleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "specfleet.db")

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()

	version, err := store.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
}

func TestCheckpointRoundTrip(t *testing.T) {
	store := openTestStore(t)

	state, err := proto.NewRunState("run-1")
	require.NoError(t, err)
	state.RecordDecision(proto.Decision{ID: "d1", Topic: "format", Value: "markdown"})
	state.RecordResult(proto.WorkResult{WorkID: "w1", WorkType: proto.WorkTypeGather, WorkerID: "reader"})
	require.NoError(t, store.SaveCheckpoint(state))

	state.RecordResult(proto.WorkResult{WorkID: "w2", WorkType: proto.WorkTypeGenerate, WorkerID: "writer"})
	require.NoError(t, store.SaveCheckpoint(state))

	restored, err := store.LoadCheckpoint("run-1")
	require.NoError(t, err)
	snap := restored.Snapshot()
	assert.Equal(t, "run-1", snap.RunID)
	assert.Equal(t, 2, snap.ResultCount, "the newest checkpoint wins")
	assert.True(t, snap.ArtifactGenerated)

	count, err := store.CheckpointCount("run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = store.LoadCheckpoint("unknown-run")
	assert.Error(t, err)
}

func TestTimeoutEventArchive(t *testing.T) {
	store := openTestStore(t)

	first := timeout.Event{
		ID:             "tmo_1",
		WorkID:         "work-1",
		WorkerType:     "writer",
		WorkType:       proto.WorkTypeGenerate,
		ElapsedSeconds: 31.5,
		Condition:      proto.TriggerTimeout,
		Strategy:       timeout.StrategyRetry,
		OccurredAt:     time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}
	second := first
	second.ID = "tmo_2"
	second.Strategy = timeout.StrategyFallback
	second.FallbackWorker = "writer-lite"
	second.OccurredAt = first.OccurredAt.Add(time.Minute)

	require.NoError(t, store.ArchiveTimeoutEvent(first))
	require.NoError(t, store.ArchiveTimeoutEvent(second))
	require.NoError(t, store.ArchiveTimeoutEvent(second), "duplicate IDs are ignored")

	events, err := store.TimeoutEventsForWork("work-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, timeout.StrategyRetry, events[0].Strategy)
	assert.Equal(t, proto.WorkerID("writer-lite"), events[1].FallbackWorker)
	assert.True(t, events[0].OccurredAt.Before(events[1].OccurredAt))
}

func TestReportRoundTrip(t *testing.T) {
	store := openTestStore(t)

	report := &proto.RunReport{
		RunID:  "run-1",
		Status: proto.RunStatusPartial,
		Errors: []proto.RunError{
			{WorkType: proto.WorkTypeExport, Kind: "routing_failure", Message: "no capable worker"},
		},
		CompletedWorkTypes: []proto.WorkType{proto.WorkTypeGather, proto.WorkTypeGenerate},
		SkippedWorkTypes:   []proto.WorkType{proto.WorkTypeExport},
		StartedAt:          time.Date(2026, 8, 30, 11, 0, 0, 0, time.UTC),
		FinishedAt:         time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.SaveReport(report))

	loaded, err := store.LoadReport("run-1")
	require.NoError(t, err)
	assert.Equal(t, proto.RunStatusPartial, loaded.Status)
	require.Len(t, loaded.Errors, 1)
	assert.Equal(t, "routing_failure", loaded.Errors[0].Kind)
	assert.Equal(t, report.CompletedWorkTypes, loaded.CompletedWorkTypes)
}
