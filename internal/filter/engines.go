package filter

import (
	"context"
	"sync"
	"time"

	"gpsrelay/internal/cache"
	"gpsrelay/internal/tracking"
)

// DefaultIdleTTL is how long an untouched engine stays cached.
const DefaultIdleTTL = time.Hour

// Key identifies one engine: a tracking and the start of one of its segments.
type Key struct {
	TrackingID     int64
	StartTimestamp int64
}

// Instance is a cached engine bound to the segment it filters. All access to
// the engine goes through the instance lock.
type Instance struct {
	mu      sync.Mutex
	segment tracking.Segment
	engine  *Engine
	// replayed counts the persisted fixes fed to rebuild the engine.
	replayed int
}

// Result is the outcome of processing one fix. It does not change the
// instance until it is committed.
type Result struct {
	Point    tracking.Point
	Accepted bool
	Distance float64
	LastStep float64
	// Active is the provider fusion forwards after this fix.
	Active string

	base *Engine
	next *Engine
}

func (i *Instance) Segment() tracking.Segment {
	return i.segment
}

// Process runs p through a copy of the engine. The instance keeps its state
// until Commit is called with the result.
func (i *Instance) Process(p tracking.Point) Result {
	i.mu.Lock()
	defer i.mu.Unlock()

	next := i.engine.clone()
	out, ok := next.Process(p)
	return Result{
		Point:    out,
		Accepted: ok,
		Distance: next.Distance(),
		LastStep: next.LastStep(),
		Active:   next.fusion.Active(),
		base:     i.engine,
		next:     next,
	}
}

// Commit makes r the instance state. It reports false, changing nothing,
// when another result was committed since r was computed.
func (i *Instance) Commit(r Result) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if r.next == nil || r.base != i.engine {
		return false
	}
	i.engine = r.next
	return true
}

// Loader resolves the segment behind a cache miss and returns the fixes
// already persisted for it, in arrival order.
type Loader func(ctx context.Context) (tracking.Segment, []tracking.Point, error)

// Engines caches one Instance per Key and evicts idle ones.
type Engines struct {
	opts  Options
	cache *cache.Cache[Key, *Instance]
}

func NewEngines(opts Options, idleTTL time.Duration) *Engines {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Engines{
		opts:  opts,
		cache: cache.New[Key, *Instance](idleTTL),
	}
}

// WithClock replaces the time source of the idle sweep; used by tests.
func (e *Engines) WithClock(now func() time.Time) *Engines {
	e.cache.WithClock(now)
	return e
}

// Acquire returns the cached instance for key. On a miss it sweeps idle
// entries, loads the segment, and replays its persisted fixes through a fresh
// engine so smoothing resumes exactly where it left off.
func (e *Engines) Acquire(ctx context.Context, key Key, load Loader) (*Instance, error) {
	if inst, ok := e.cache.Get(key); ok {
		return inst, nil
	}

	e.cache.Sweep()

	seg, history, err := load(ctx)
	if err != nil {
		return nil, err
	}

	engine := NewEngine(e.opts)
	for _, p := range history {
		engine.Process(p)
	}
	inst := &Instance{segment: seg, engine: engine, replayed: len(history)}
	return e.cache.PutIfAbsent(key, inst), nil
}

// Len is the number of cached engines.
func (e *Engines) Len() int {
	return e.cache.Len()
}
