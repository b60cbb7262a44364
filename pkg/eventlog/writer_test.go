package eventlog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"specfleet/pkg/proto"
)

func TestAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	e1 := proto.NewEvent(proto.EventDispatch, "run-1")
	e1.WorkerID = "writer"
	e1.SetPayload("work_type", "generate")
	require.NoError(t, w.Append(e1))

	e2 := proto.NewEvent(proto.EventComplete, "run-1")
	require.NoError(t, w.Append(e2))

	events, err := ReadEvents(w.CurrentLogFile())
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, proto.EventDispatch, events[0].Kind)
	assert.Equal(t, proto.WorkerID("writer"), events[0].WorkerID)
	assert.Equal(t, "generate", events[0].Payload["work_type"])
	assert.Equal(t, e2.ID, events[1].ID)
}

func TestDailyRotation(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	clock := time.Date(2026, 8, 30, 23, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }

	require.NoError(t, w.Append(proto.NewEvent(proto.EventDispatch, "run-1")))
	firstFile := w.CurrentLogFile()
	assert.Contains(t, firstFile, "events-2026-08-30.jsonl")

	clock = clock.Add(2 * time.Minute)
	require.NoError(t, w.Append(proto.NewEvent(proto.EventComplete, "run-1")))
	assert.Contains(t, w.CurrentLogFile(), "events-2026-08-31.jsonl")

	files, err := ListLogFiles(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, filepath.Base(f))
	}
	assert.Contains(t, names, "events-2026-08-30.jsonl")
	assert.Contains(t, names, "events-2026-08-31.jsonl")
}

func TestReadEventsMissingFile(t *testing.T) {
	_, err := ReadEvents(filepath.Join(t.TempDir(), "events-none.jsonl"))
	assert.Error(t, err)
}
