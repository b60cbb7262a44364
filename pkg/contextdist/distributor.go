// Package contextdist distributes typed, TTL-bounded context entries between
// workers. Entries live under a composite (scope, type, key) address, are
// grouped into bundles for a target audience, and pass through sharing
// policies before crossing worker boundaries.
package contextdist

import (
	"fmt"
	"sync"
	"time"

	"specfleet/pkg/logx"
	"specfleet/pkg/proto"
)

// EntryType labels the kind of information a context entry carries.
type EntryType string

const (
	EntryTypeDecision    EntryType = "decision"
	EntryTypeResult      EntryType = "result"
	EntryTypeArtifact    EntryType = "artifact"
	EntryTypeInstruction EntryType = "instruction"
	EntryTypeReference   EntryType = "reference"
)

// Entry is one distributed context value. Expired entries are excluded from
// every read but not eagerly deleted; SweepExpired reclaims them.
type Entry struct {
	ID           string      `json:"id"`
	Type         EntryType   `json:"type"`
	Scope        proto.Scope `json:"scope"`
	Key          string      `json:"key"`
	Value        any         `json:"value"`
	SourceWorker string      `json:"source_worker"`
	Version      int         `json:"version"`
	TTLSeconds   *float64    `json:"ttl_seconds,omitempty"`
	AccessCount  int         `json:"access_count"`
	CreatedAt    time.Time   `json:"created_at"`
}

// IsExpiredAt reports whether the entry's TTL has elapsed at the given time.
// Entries without a TTL never expire.
func (e *Entry) IsExpiredAt(now time.Time) bool {
	if e.TTLSeconds == nil {
		return false
	}
	return now.Sub(e.CreatedAt).Seconds() > *e.TTLSeconds
}

// Bundle is a named group of entries produced for one work item and one
// target worker set. Readers must treat a bundle as partial until the
// producer finalizes it.
type Bundle struct {
	Name          string           `json:"name"`
	WorkID        string           `json:"work_id"`
	TargetWorkers []proto.WorkerID `json:"target_workers"`
	EntryIDs      []string         `json:"entry_ids"`
	IsComplete    bool             `json:"is_complete"`
	CreatedAt     time.Time        `json:"created_at"`
}

// SharingPolicy allows entries of the listed types to flow between the listed
// worker pairs at one scope. An empty Types list allows all types; an empty
// Pairs list allows all worker pairs at that scope.
type SharingPolicy struct {
	Scope proto.Scope  `json:"scope"`
	Types []EntryType  `json:"types,omitempty"`
	Pairs []WorkerPair `json:"pairs,omitempty"`
}

// WorkerPair names an allowed (from, to) sharing direction.
type WorkerPair struct {
	From proto.WorkerID `json:"from"`
	To   proto.WorkerID `json:"to"`
}

type compositeKey struct {
	scope proto.Scope
	typ   EntryType
	key   string
}

// Distributor owns the context entry store, bundles, and sharing policies.
type Distributor struct {
	mu       sync.Mutex
	entries  map[compositeKey]*Entry
	bundles  map[string]*Bundle
	policies []SharingPolicy
	counter  int
	logger   *logx.Logger
	now      func() time.Time // clock injection for TTL tests
}

// NewDistributor creates an empty context distributor.
func NewDistributor() *Distributor {
	return &Distributor{
		entries: make(map[compositeKey]*Entry),
		bundles: make(map[string]*Bundle),
		logger:  logx.NewLogger("contextdist"),
		now:     time.Now,
	}
}

// SetClock replaces the distributor's clock. Intended for tests.
func (d *Distributor) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// Create stores a context entry under (scope, type, key). Re-creating an
// existing address replaces the value and bumps the entry version; the TTL
// clock restarts.
func (d *Distributor) Create(entryType EntryType, scope proto.Scope, key string, value any, sourceWorker string, ttlSeconds *float64) *Entry {
	d.mu.Lock()
	defer d.mu.Unlock()

	address := compositeKey{scope: scope, typ: entryType, key: key}
	version := 1
	if existing, exists := d.entries[address]; exists {
		version = existing.Version + 1
	}

	d.counter++
	entry := &Entry{
		ID:           fmt.Sprintf("ctx_%d", d.counter),
		Type:         entryType,
		Scope:        scope,
		Key:          key,
		Value:        value,
		SourceWorker: sourceWorker,
		Version:      version,
		TTLSeconds:   ttlSeconds,
		CreatedAt:    d.now().UTC(),
	}
	d.entries[address] = entry

	d.logger.Debug("created %s/%s/%s v%d (source=%s)", scope, entryType, key, version, sourceWorker)
	return d.copyEntry(entry)
}

// Get returns the entry at (scope, type, key), or nil when missing or
// expired. A successful read increments the entry's access count: reads are
// audited.
func (d *Distributor) Get(scope proto.Scope, entryType EntryType, key string) *Entry {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, exists := d.entries[compositeKey{scope: scope, typ: entryType, key: key}]
	if !exists || entry.IsExpiredAt(d.now()) {
		return nil
	}

	entry.AccessCount++
	return d.copyEntry(entry)
}

// Update replaces the value at an existing, unexpired address and bumps the
// entry version. Returns false when the address is missing or expired;
// callers must check the result rather than expect an error.
func (d *Distributor) Update(scope proto.Scope, entryType EntryType, key string, value any, sourceWorker string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, exists := d.entries[compositeKey{scope: scope, typ: entryType, key: key}]
	if !exists || entry.IsExpiredAt(d.now()) {
		return false
	}

	entry.Value = value
	entry.SourceWorker = sourceWorker
	entry.Version++
	return true
}

// CreateBundle groups existing entries for one work item and target worker
// set. The bundle starts incomplete.
func (d *Distributor) CreateBundle(name, workID string, targets []proto.WorkerID, entryIDs []string) *Bundle {
	d.mu.Lock()
	defer d.mu.Unlock()

	bundle := &Bundle{
		Name:          name,
		WorkID:        workID,
		TargetWorkers: append([]proto.WorkerID(nil), targets...),
		EntryIDs:      append([]string(nil), entryIDs...),
		CreatedAt:     d.now().UTC(),
	}
	d.bundles[name] = bundle
	return d.copyBundle(bundle)
}

// AddToBundle appends an entry ID to an unfinalized bundle. Returns false
// when the bundle is missing or already complete.
func (d *Distributor) AddToBundle(name, entryID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	bundle, exists := d.bundles[name]
	if !exists || bundle.IsComplete {
		return false
	}
	bundle.EntryIDs = append(bundle.EntryIDs, entryID)
	return true
}

// FinalizeBundle marks a bundle complete. Returns false for unknown bundles.
func (d *Distributor) FinalizeBundle(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	bundle, exists := d.bundles[name]
	if !exists {
		return false
	}
	bundle.IsComplete = true
	return true
}

// GetBundle returns a copy of a bundle by name.
func (d *Distributor) GetBundle(name string) (Bundle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	bundle, exists := d.bundles[name]
	if !exists {
		return Bundle{}, false
	}
	return *d.copyBundle(bundle), true
}

// AddPolicy registers a sharing policy.
func (d *Distributor) AddPolicy(policy SharingPolicy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.policies = append(d.policies, policy)
}

// CanShare reports whether an entry of the given type may flow from one
// worker to another at a scope. With no matching policy, only project-scope
// sharing is allowed by default; every other scope is default-deny.
func (d *Distributor) CanShare(from, to proto.WorkerID, entryType EntryType, scope proto.Scope) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range d.policies {
		policy := &d.policies[i]
		if policy.Scope != scope {
			continue
		}
		if !policyAllowsType(policy, entryType) {
			continue
		}
		if policyAllowsPair(policy, from, to) {
			return true
		}
	}
	return scope == proto.ScopeProject
}

func policyAllowsType(policy *SharingPolicy, entryType EntryType) bool {
	if len(policy.Types) == 0 {
		return true
	}
	for _, allowed := range policy.Types {
		if allowed == entryType {
			return true
		}
	}
	return false
}

func policyAllowsPair(policy *SharingPolicy, from, to proto.WorkerID) bool {
	if len(policy.Pairs) == 0 {
		return true
	}
	for _, pair := range policy.Pairs {
		if pair.From == from && pair.To == to {
			return true
		}
	}
	return false
}

// SweepExpired removes expired entries and returns the count removed. The
// sweep only runs when called; read paths never trigger it.
func (d *Distributor) SweepExpired() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	removed := 0
	for address, entry := range d.entries {
		if entry.IsExpiredAt(now) {
			delete(d.entries, address)
			removed++
		}
	}

	if removed > 0 {
		d.logger.Info("swept %d expired context entries", removed)
	}
	return removed
}

// Len returns the number of stored entries, expired ones included.
func (d *Distributor) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func (d *Distributor) copyEntry(entry *Entry) *Entry {
	copied := *entry
	if entry.TTLSeconds != nil {
		ttl := *entry.TTLSeconds
		copied.TTLSeconds = &ttl
	}
	return &copied
}

func (d *Distributor) copyBundle(bundle *Bundle) *Bundle {
	copied := *bundle
	copied.TargetWorkers = append([]proto.WorkerID(nil), bundle.TargetWorkers...)
	copied.EntryIDs = append([]string(nil), bundle.EntryIDs...)
	return &copied
}
