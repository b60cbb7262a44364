package sharedstate

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"specfleet/pkg/proto"
)

func TestSetGetRoundTrip(t *testing.T) {
	s := NewStore()

	update := s.Set("outline", "v1 outline", "writer", proto.ScopeProject)
	assert.Equal(t, int64(1), update.Version)

	value, ok := s.Get("outline", proto.ScopeProject)
	require.True(t, ok)
	assert.Equal(t, "v1 outline", value)

	_, ok = s.Get("outline", proto.ScopeWorker)
	assert.False(t, ok, "scope filter must reject a mismatched scope")

	value, ok = s.Get("outline", "")
	require.True(t, ok, "empty scope filter matches any scope")
	assert.Equal(t, "v1 outline", value)

	_, ok = s.Get("missing", "")
	assert.False(t, ok)
}

func TestVersionsStrictlyIncrease(t *testing.T) {
	s := NewStore()

	var last int64
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%d", i%5)
		update := s.Set(key, i, "writer", proto.ScopeGlobal)
		require.Greater(t, update.Version, last, "versions form one total order across keys")
		last = update.Version
	}
	assert.Equal(t, int64(50), s.Version("key-4"))
}

func TestHistoryRetained(t *testing.T) {
	s := NewStore()
	s.Set("outline", "draft", "writer", proto.ScopeProject)
	s.Set("outline", "final", "writer", proto.ScopeProject)

	entry, ok := s.GetEntry("outline")
	require.True(t, ok)
	require.Len(t, entry.History, 2)
	assert.Equal(t, "draft", entry.History[0].Value)
	assert.Equal(t, "final", entry.History[1].Value)
	assert.Equal(t, "final", entry.Value)
}

func TestGetUpdatesSince(t *testing.T) {
	s := NewStore()
	s.Set("a", 1, "w", proto.ScopeGlobal)
	s.Set("b", 2, "w", proto.ScopeGlobal)
	s.Set("a", 3, "w", proto.ScopeGlobal)

	updates := s.GetUpdatesSince(1)
	require.Len(t, updates, 2)
	for _, u := range updates {
		assert.Greater(t, u.Version, int64(1), "no update at or below the floor version")
	}
	assert.Equal(t, int64(2), updates[0].Version)
	assert.Equal(t, int64(3), updates[1].Version)

	assert.Empty(t, s.GetUpdatesSince(3))
}

func TestSubscribers(t *testing.T) {
	s := NewStore()

	var keyHits, scopeHits []int64
	s.Subscribe("outline", "reader", func(u Update) error {
		keyHits = append(keyHits, u.Version)
		return nil
	})
	s.SubscribeScope(proto.ScopeProject, "auditor", func(u Update) error {
		scopeHits = append(scopeHits, u.Version)
		return nil
	})

	s.Set("outline", "x", "writer", proto.ScopeProject)
	s.Set("other", "y", "writer", proto.ScopeProject)
	s.Set("outline", "z", "writer", proto.ScopeGlobal)

	assert.Equal(t, []int64{1, 3}, keyHits)
	assert.Equal(t, []int64{1, 2}, scopeHits)

	s.Unsubscribe("outline", "reader")
	s.Set("outline", "w", "writer", proto.ScopeProject)
	assert.Equal(t, []int64{1, 3}, keyHits, "unsubscribed workers receive nothing")
}

func TestSubscriberErrorDoesNotAbortWrite(t *testing.T) {
	s := NewStore()
	s.Subscribe("outline", "broken", func(Update) error {
		return fmt.Errorf("subscriber exploded")
	})

	update := s.Set("outline", "x", "writer", proto.ScopeProject)
	assert.Equal(t, int64(1), update.Version)

	_, ok := s.Get("outline", "")
	assert.True(t, ok)
}

func TestKeys(t *testing.T) {
	s := NewStore()
	s.Set("b", 1, "w", proto.ScopeGlobal)
	s.Set("a", 2, "w", proto.ScopeGlobal)
	assert.Equal(t, []string{"a", "b"}, s.Keys())
}
