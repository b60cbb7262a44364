// Package limiter enforces per-worker concurrency slots and dispatch rate
// limits for the fleet, and reports load pressure for routing decisions.
package limiter

import (
	"fmt"
	"sync"
	"time"

	"specfleet/pkg/proto"
)

// HighLoadThreshold is the slot utilization at which a worker is considered
// under high load for rerouting purposes.
const HighLoadThreshold = 0.8

// Limits configures one worker's admission limits.
type Limits struct {
	WorkerID          proto.WorkerID `yaml:"worker_id" json:"worker_id"`
	MaxConcurrent     int            `yaml:"max_concurrent" json:"max_concurrent"`
	MaxItemsPerMinute int            `yaml:"max_items_per_minute,omitempty" json:"max_items_per_minute,omitempty"`
}

// Limiter manages admission control across the registered workers.
type Limiter struct {
	workers map[proto.WorkerID]*workerLimiter
	mu      sync.RWMutex
}

// workerLimiter enforces concurrency and dispatch-rate limits for one worker.
type workerLimiter struct {
	mu            sync.Mutex
	id            proto.WorkerID
	maxConcurrent int
	active        int
	maxPerMinute  int
	bucket        int
	lastRefill    time.Time
	now           func() time.Time
}

var (
	// ErrSlotLimit is returned when a worker's concurrency slots are full.
	ErrSlotLimit = fmt.Errorf("concurrency slot limit reached")
	// ErrRateLimit is returned when a worker's dispatch rate is exceeded.
	ErrRateLimit = fmt.Errorf("dispatch rate limit exceeded")
)

// NewLimiter creates a limiter for the given worker limits. Workers with a
// non-positive MaxConcurrent default to a single slot.
func NewLimiter(limits []Limits) *Limiter {
	l := &Limiter{workers: make(map[proto.WorkerID]*workerLimiter)}
	for i := range limits {
		l.Register(limits[i])
	}
	return l
}

// Register adds or replaces limits for a worker.
func (l *Limiter) Register(limits Limits) {
	maxConcurrent := limits.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	wl := &workerLimiter{
		id:            limits.WorkerID,
		maxConcurrent: maxConcurrent,
		maxPerMinute:  limits.MaxItemsPerMinute,
		bucket:        limits.MaxItemsPerMinute,
		lastRefill:    time.Now(),
		now:           time.Now,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.workers[limits.WorkerID] = wl
}

// SetClock replaces the clock for one worker's rate bucket. Intended for tests.
func (l *Limiter) SetClock(worker proto.WorkerID, now func() time.Time) {
	l.mu.RLock()
	wl, exists := l.workers[worker]
	l.mu.RUnlock()
	if !exists {
		return
	}

	wl.mu.Lock()
	defer wl.mu.Unlock()
	wl.now = now
	wl.lastRefill = now()
}

// Configured reports whether limits exist for the worker. Unconfigured
// workers are admitted without limits.
func (l *Limiter) Configured(worker proto.WorkerID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, exists := l.workers[worker]
	return exists
}

func (l *Limiter) lookup(worker proto.WorkerID) (*workerLimiter, error) {
	l.mu.RLock()
	wl, exists := l.workers[worker]
	l.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("worker %s not configured", worker)
	}
	return wl, nil
}

// Reserve claims a concurrency slot and one rate-bucket unit for the worker.
// On failure nothing is consumed.
func (l *Limiter) Reserve(worker proto.WorkerID) error {
	wl, err := l.lookup(worker)
	if err != nil {
		return err
	}
	return wl.reserve()
}

// Release frees a previously reserved concurrency slot.
func (l *Limiter) Release(worker proto.WorkerID) error {
	wl, err := l.lookup(worker)
	if err != nil {
		return err
	}
	return wl.release()
}

// LoadFactor returns active/maxConcurrent for the worker, in [0, 1].
// Unknown workers report zero load.
func (l *Limiter) LoadFactor(worker proto.WorkerID) float64 {
	wl, err := l.lookup(worker)
	if err != nil {
		return 0
	}

	wl.mu.Lock()
	defer wl.mu.Unlock()
	return float64(wl.active) / float64(wl.maxConcurrent)
}

// HighLoad reports whether the worker's slot utilization is at or above the
// high-load threshold.
func (l *Limiter) HighLoad(worker proto.WorkerID) bool {
	return l.LoadFactor(worker) >= HighLoadThreshold
}

// Status returns the worker's active slot count and remaining rate budget.
func (l *Limiter) Status(worker proto.WorkerID) (active, remaining int, err error) {
	wl, err := l.lookup(worker)
	if err != nil {
		return 0, 0, err
	}

	wl.mu.Lock()
	defer wl.mu.Unlock()
	wl.refill()
	return wl.active, wl.bucket, nil
}

func (wl *workerLimiter) reserve() error {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	wl.refill()

	if wl.active >= wl.maxConcurrent {
		return ErrSlotLimit
	}
	if wl.maxPerMinute > 0 && wl.bucket <= 0 {
		return ErrRateLimit
	}

	wl.active++
	if wl.maxPerMinute > 0 {
		wl.bucket--
	}
	return nil
}

func (wl *workerLimiter) release() error {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	if wl.active <= 0 {
		return fmt.Errorf("no slots to release for worker %s", wl.id)
	}
	wl.active--
	return nil
}

func (wl *workerLimiter) refill() {
	if wl.maxPerMinute <= 0 {
		return
	}

	now := wl.now()
	elapsed := now.Sub(wl.lastRefill)
	if elapsed < time.Minute {
		return
	}

	minutes := int(elapsed / time.Minute)
	wl.bucket += minutes * wl.maxPerMinute
	if wl.bucket > wl.maxPerMinute {
		wl.bucket = wl.maxPerMinute
	}
	wl.lastRefill = wl.lastRefill.Add(time.Duration(minutes) * time.Minute)
}
