package limiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveRelease(t *testing.T) {
	l := NewLimiter([]Limits{{WorkerID: "writer", MaxConcurrent: 2}})

	require.NoError(t, l.Reserve("writer"))
	require.NoError(t, l.Reserve("writer"))
	assert.ErrorIs(t, l.Reserve("writer"), ErrSlotLimit)

	require.NoError(t, l.Release("writer"))
	assert.NoError(t, l.Reserve("writer"))
}

func TestReleaseWithoutReserve(t *testing.T) {
	l := NewLimiter([]Limits{{WorkerID: "writer", MaxConcurrent: 1}})
	assert.Error(t, l.Release("writer"))
}

func TestUnknownWorker(t *testing.T) {
	l := NewLimiter(nil)
	assert.Error(t, l.Reserve("ghost"))
	assert.Equal(t, 0.0, l.LoadFactor("ghost"))
}

func TestLoadFactorAndHighLoad(t *testing.T) {
	l := NewLimiter([]Limits{{WorkerID: "writer", MaxConcurrent: 5}})

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Reserve("writer"))
	}
	assert.InDelta(t, 0.6, l.LoadFactor("writer"), 1e-9)
	assert.False(t, l.HighLoad("writer"))

	require.NoError(t, l.Reserve("writer"))
	assert.True(t, l.HighLoad("writer"), "4/5 slots is at the high-load threshold")
}

func TestRateBucketRefill(t *testing.T) {
	l := NewLimiter([]Limits{{WorkerID: "writer", MaxConcurrent: 10, MaxItemsPerMinute: 2}})
	clock := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	l.SetClock("writer", func() time.Time { return clock })

	require.NoError(t, l.Reserve("writer"))
	require.NoError(t, l.Reserve("writer"))
	assert.ErrorIs(t, l.Reserve("writer"), ErrRateLimit)

	clock = clock.Add(61 * time.Second)
	assert.NoError(t, l.Reserve("writer"), "bucket refills after a minute")

	active, remaining, err := l.Status("writer")
	require.NoError(t, err)
	assert.Equal(t, 3, active)
	assert.Equal(t, 1, remaining)
}

func TestDefaultSingleSlot(t *testing.T) {
	l := NewLimiter([]Limits{{WorkerID: "writer"}})

	require.NoError(t, l.Reserve("writer"))
	assert.ErrorIs(t, l.Reserve("writer"), ErrSlotLimit)
}
