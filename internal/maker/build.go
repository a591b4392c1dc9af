package maker

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dreamware/recstore/internal/cache"
	"github.com/dreamware/recstore/internal/engine"
	"github.com/dreamware/recstore/internal/memwatch"
	"github.com/dreamware/recstore/internal/recidlock"
	"github.com/dreamware/recstore/internal/serializer"
	"github.com/dreamware/recstore/internal/snapshot"
	"github.com/dreamware/recstore/internal/store"
	"github.com/dreamware/recstore/internal/transform"
	"github.com/dreamware/recstore/internal/volume"
)

// Handle is an assembled engine. Closing it closes every layer and stops
// the memory watcher if one was started.
type Handle struct {
	engine.Engine

	store   engine.Store
	stats   interface{ Stats() cache.Stats }
	watcher *memwatch.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
	log     *zap.Logger
}

// Store returns the terminal store at the bottom of the chain.
func (h *Handle) Store() engine.Store {
	return h.store
}

// CacheStats returns the counters of the cache layer, if there is one.
func (h *Handle) CacheStats() (cache.Stats, bool) {
	if h.stats == nil {
		return cache.Stats{}, false
	}
	return h.stats.Stats(), true
}

// Close closes the chain from the top and stops the memory watcher.
func (h *Handle) Close() error {
	err := h.Engine.Close()
	if h.cancel != nil {
		h.cancel()
		<-h.done
		h.cancel = nil
	}
	return err
}

// Open assembles the engine described by cfg, bottom up:
//
//	store -> byte transform -> cache -> snapshots -> read-only
//
// Each optional layer is only added when cfg asks for it.
func Open(cfg Config, log *zap.Logger) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	st, err := openStore(cfg, log)
	if err != nil {
		return nil, err
	}
	h := &Handle{store: st, log: log}
	var eng engine.Engine = st

	if cfg.Checksum || cfg.Compress {
		block := serializer.Bytes
		if cfg.Compress {
			block = serializer.Compress(block)
		}
		if cfg.Checksum {
			block = serializer.Checksum(block)
		}
		eng = transform.New(eng, block)
	}

	if eng, err = h.openCache(cfg, eng); err != nil {
		return nil, multierr.Append(err, st.Close())
	}

	if cfg.Snapshots {
		eng = snapshot.New(eng, snapshot.WithLogger(log))
	}
	if cfg.ReadOnly {
		eng = engine.NewReadOnly(eng)
	}
	h.Engine = eng

	log.Info("engine assembled", zap.String("config", cfg.Describe()))
	return h, nil
}

func openStore(cfg Config, log *zap.Logger) (engine.Store, error) {
	opts := []store.Option{store.WithLogger(log)}
	if cfg.Store == StoreHeap {
		return store.NewHeap(opts...), nil
	}

	switch cfg.Locks {
	case LocksStriped:
		opts = append(opts, store.WithLocker(recidlock.NewStriped(cfg.LockSegments)))
	default:
		opts = append(opts, store.WithLocker(recidlock.NewTable()))
	}

	var vol volume.Volume = volume.NewMemory()
	if cfg.Path != "" {
		m, err := volume.OpenMapped(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
		}
		vol = m
	}
	d, err := store.OpenDirect(vol, opts...)
	if err != nil {
		return nil, multierr.Append(err, vol.Close())
	}
	return d, nil
}

// openCache wraps eng in the configured cache. Caches that release their
// entries under memory pressure get a watcher that runs until Close.
func (h *Handle) openCache(cfg Config, eng engine.Engine) (engine.Engine, error) {
	opts := []cache.Option{cache.WithLogger(h.log)}
	switch cfg.Cache {
	case CacheHardRef, CacheSoft, CacheWeak:
		h.startWatcher(cfg)
		opts = append(opts, cache.WithLowMemory(h.watcher))
	}

	switch cfg.Cache {
	case CacheHardRef:
		c := cache.NewHardRef(eng, opts...)
		h.stats = c
		return c, nil
	case CacheSoft:
		c := cache.NewSoftRef(eng, opts...)
		h.stats = c
		return c, nil
	case CacheWeak:
		c := cache.NewWeakRef(eng, opts...)
		h.stats = c
		return c, nil
	case CacheLRU:
		c, err := cache.NewLRU(eng, cfg.CacheSize, opts...)
		if err != nil {
			return nil, err
		}
		h.stats = c
		return c, nil
	case CacheHashTable:
		c, err := cache.NewHashTable(eng, cfg.CacheSize)
		if err != nil {
			return nil, err
		}
		h.stats = c
		return c, nil
	}
	return eng, nil
}

func (h *Handle) startWatcher(cfg Config) {
	opts := []memwatch.Option{memwatch.WithLogger(h.log)}
	if cfg.MemoryLimit > 0 {
		opts = append(opts, memwatch.WithLimit(cfg.MemoryLimit))
	}
	h.watcher = memwatch.New(opts...)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		h.watcher.Start(ctx)
	}()
}

// Watcher returns the memory watcher feeding the cache, or nil.
func (h *Handle) Watcher() *memwatch.Watcher {
	return h.watcher
}
