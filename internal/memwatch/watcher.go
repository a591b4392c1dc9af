// Package memwatch raises a low-memory signal that caches subscribe to so
// they can drop reclaimable entries before the process runs out of heap.
package memwatch

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"go.uber.org/zap"
)

// DefaultInterval is how often the heap is sampled when no interval is set.
const DefaultInterval = time.Second

// defaultRatio is the share of the memory limit at which the heap counts
// as low on memory.
const defaultRatio = 0.85

// Watcher samples the heap periodically and notifies subscribers each time
// usage crosses the configured limit from below. It can also be triggered
// by hand, which is how tests and embedding applications force a cleanup.
// Thread-safe: All methods are safe for concurrent access.
type Watcher struct {
	log      *zap.Logger
	interval time.Duration
	limit    uint64
	readHeap func() uint64

	mu     sync.Mutex
	subs   map[uint64]func()
	nextID uint64
	low    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithInterval sets the sampling interval.
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) { w.interval = d }
}

// WithLimit sets the heap size in bytes at which the signal fires. Zero
// disables sampling; Trigger still works.
func WithLimit(bytes uint64) Option {
	return func(w *Watcher) { w.limit = bytes }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(w *Watcher) { w.log = log }
}

// withHeapReader replaces the heap sampler, for tests.
func withHeapReader(f func() uint64) Option {
	return func(w *Watcher) { w.readHeap = f }
}

// New creates a watcher. Without WithLimit the limit is derived from
// DefaultLimit.
//
// Example:
//
//	w := memwatch.New(memwatch.WithLogger(log))
//	go w.Start(ctx)
//	defer w.Stop()
func New(opts ...Option) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		log:      zap.NewNop(),
		interval: DefaultInterval,
		limit:    DefaultLimit(),
		readHeap: heapInUse,
		subs:     make(map[uint64]func()),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// DefaultLimit returns the heap size at which the process is considered
// low on memory: a share of the cgroup memory limit if one applies,
// otherwise of GOMEMLIMIT, otherwise zero (no automatic signal).
func DefaultLimit() uint64 {
	if limit, err := memlimit.FromCgroup(); err == nil && limit > 0 {
		return uint64(float64(limit) * defaultRatio)
	}
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < 1<<62 {
		return uint64(float64(limit) * defaultRatio)
	}
	return 0
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}

// Limit returns the configured heap limit in bytes.
func (w *Watcher) Limit() uint64 {
	return w.limit
}

// Subscribe registers fn to be called on every low-memory signal and
// returns a function that removes it again. fn runs on the watcher's
// goroutine and must not block.
func (w *Watcher) Subscribe(fn func()) (unsubscribe func()) {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.subs[id] = fn
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.subs, id)
			w.mu.Unlock()
		})
	}
}

// Subscribers returns the number of registered callbacks.
func (w *Watcher) Subscribers() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subs)
}

// Trigger notifies every subscriber immediately.
func (w *Watcher) Trigger() {
	w.mu.Lock()
	fns := make([]func(), 0, len(w.subs))
	for _, fn := range w.subs {
		fns = append(fns, fn)
	}
	w.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Start samples the heap every interval until ctx is canceled or Stop is
// called. It blocks; run it on its own goroutine.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	defer w.wg.Done()

	if ctx == nil {
		ctx = w.ctx
	}
	if w.limit == 0 {
		w.log.Info("memory watcher idle, no heap limit configured")
		select {
		case <-ctx.Done():
		case <-w.ctx.Done():
		}
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info("memory watcher started",
		zap.Duration("interval", w.interval),
		zap.Uint64("limit", w.limit))

	for {
		select {
		case <-ticker.C:
			w.check()
		case <-ctx.Done():
			return
		case <-w.ctx.Done():
			return
		}
	}
}

// Stop cancels the sampling goroutine and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	w.wg.Wait()
}

// check fires the signal on the transition from below to above the limit.
func (w *Watcher) check() {
	heap := w.readHeap()
	over := heap >= w.limit

	w.mu.Lock()
	fire := over && !w.low
	w.low = over
	w.mu.Unlock()

	if fire {
		w.log.Warn("heap above limit, releasing caches",
			zap.Uint64("heap", heap),
			zap.Uint64("limit", w.limit))
		w.Trigger()
	}
}
