// Package sharedstate provides the versioned key/value store workers use to
// share intermediate results. Writes never destroy: every set bumps a
// strictly increasing version and appends to an immutable history, which
// makes stale-read detection a version comparison.
package sharedstate

import (
	"sort"
	"sync"
	"time"

	"specfleet/pkg/logx"
	"specfleet/pkg/proto"
)

// Update is the record produced by one write. It is what subscribers receive
// and what history retains.
type Update struct {
	Key          string      `json:"key"`
	Value        any         `json:"value"`
	Scope        proto.Scope `json:"scope"`
	Version      int64       `json:"version"`
	SourceWorker string      `json:"source_worker"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Entry is one live key in the store.
type Entry struct {
	Key          string      `json:"key"`
	Value        any         `json:"value"`
	Scope        proto.Scope `json:"scope"`
	Version      int64       `json:"version"`
	SourceWorker string      `json:"source_worker"`
	History      []Update    `json:"history"`
}

// Subscriber is invoked with each update to a subscribed key or scope.
// Subscriber errors are isolated: they are logged and never abort a write.
type Subscriber func(update Update) error

// Store is the shared state store. A single mutex serializes writes; reads
// copy, so callers never alias internal state.
type Store struct {
	mu             sync.Mutex
	entries        map[string]*Entry
	keySubs        map[string]map[string]Subscriber      // key -> worker -> callback
	scopeSubs      map[proto.Scope]map[string]Subscriber // scope -> worker -> callback
	versionCounter int64                                 // total order across all keys
	logger         *logx.Logger
}

// NewStore creates an empty shared state store.
func NewStore() *Store {
	return &Store{
		entries:   make(map[string]*Entry),
		keySubs:   make(map[string]map[string]Subscriber),
		scopeSubs: make(map[proto.Scope]map[string]Subscriber),
		logger:    logx.NewLogger("sharedstate"),
	}
}

// Set writes a key. An existing key keeps its scope history and gets the next
// version; a new key starts life at the store's next version. The returned
// update is the record appended to history and delivered to subscribers.
func (s *Store) Set(key string, value any, sourceWorker string, scope proto.Scope) Update {
	s.mu.Lock()

	s.versionCounter++
	update := Update{
		Key:          key,
		Value:        value,
		Scope:        scope,
		Version:      s.versionCounter,
		SourceWorker: sourceWorker,
		UpdatedAt:    time.Now().UTC(),
	}

	entry, exists := s.entries[key]
	if !exists {
		entry = &Entry{Key: key, Scope: scope}
		s.entries[key] = entry
	}
	entry.Value = value
	entry.Scope = scope
	entry.Version = update.Version
	entry.SourceWorker = sourceWorker
	entry.History = append(entry.History, update)

	// Collect subscribers under the lock, invoke outside it so a slow
	// subscriber cannot stall other writers.
	subscribers := s.collectSubscribers(key, scope)
	s.mu.Unlock()

	for worker, subscriber := range subscribers {
		if err := subscriber(update); err != nil {
			s.logger.Warn("subscriber %s failed on key %s v%d: %v", worker, key, update.Version, err)
		}
	}

	s.logger.Debug("set %s v%d (scope=%s, source=%s)", key, update.Version, scope, sourceWorker)
	return update
}

func (s *Store) collectSubscribers(key string, scope proto.Scope) map[string]Subscriber {
	collected := make(map[string]Subscriber)
	for worker, subscriber := range s.keySubs[key] {
		collected[worker] = subscriber
	}
	for worker, subscriber := range s.scopeSubs[scope] {
		collected[worker] = subscriber
	}
	return collected
}

// Get returns the current value for a key. A zero-value scope filter matches
// any scope; a non-empty filter that differs from the stored scope misses.
func (s *Store) Get(key string, scope proto.Scope) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[key]
	if !exists {
		return nil, false
	}
	if scope != "" && entry.Scope != scope {
		return nil, false
	}
	return entry.Value, true
}

// GetEntry returns a copy of the full entry for a key, history included.
func (s *Store) GetEntry(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[key]
	if !exists {
		return Entry{}, false
	}

	copied := *entry
	copied.History = append([]Update(nil), entry.History...)
	return copied, true
}

// Version returns the current version of a key, or 0 when absent.
func (s *Store) Version(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, exists := s.entries[key]; exists {
		return entry.Version
	}
	return 0
}

// Subscribe registers a worker callback for every update to a key.
// Re-subscribing replaces the worker's previous callback.
func (s *Store) Subscribe(key, worker string, subscriber Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.keySubs[key] == nil {
		s.keySubs[key] = make(map[string]Subscriber)
	}
	s.keySubs[key][worker] = subscriber
}

// SubscribeScope registers a worker callback for every update at a scope.
func (s *Store) SubscribeScope(scope proto.Scope, worker string, subscriber Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scopeSubs[scope] == nil {
		s.scopeSubs[scope] = make(map[string]Subscriber)
	}
	s.scopeSubs[scope][worker] = subscriber
}

// Unsubscribe removes a worker's key subscription.
func (s *Store) Unsubscribe(key, worker string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if subs, exists := s.keySubs[key]; exists {
		delete(subs, worker)
	}
}

// GetUpdatesSince returns every update with version strictly greater than the
// given version, across all keys, sorted by version. Versions form a single
// total order, so the result is the exact replay suffix.
func (s *Store) GetUpdatesSince(version int64) []Update {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updates []Update
	for _, entry := range s.entries {
		for _, update := range entry.History {
			if update.Version > version {
				updates = append(updates, update)
			}
		}
	}

	sort.Slice(updates, func(i, j int) bool {
		return updates[i].Version < updates[j].Version
	})
	return updates
}

// Keys returns all keys currently in the store, sorted.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
