// Package main implements recstore, a command-line tool that opens a
// record store, runs one operation against it and closes it again.
//
// The engine is assembled from the environment by the maker package, so the
// same binary can exercise every store, cache and transform combination:
//
//	┌─────────────────────────────────────────┐
//	│              recstore                    │
//	├─────────────────────────────────────────┤
//	│  Commands:                              │
//	│    stat            - Store statistics   │
//	│    put VALUE       - Store a value      │
//	│    get RECID       - Read a value       │
//	│    update RECID V  - Replace a value    │
//	│    delete RECID    - Release a recid    │
//	│    name NAME [ID]  - Read/set a name    │
//	│    bench           - Concurrent load    │
//	├─────────────────────────────────────────┤
//	│  Engine chain:                          │
//	│    read-only → snapshots → cache        │
//	│      → byte transform → store           │
//	└─────────────────────────────────────────┘
//
// Configuration:
//   - RECSTORE_PATH: Store file (default: in memory)
//   - RECSTORE_STORE: direct or heap (default: "direct")
//   - RECSTORE_CACHE: none, hardref, hashtable, lru, soft or weak (default: "none")
//   - RECSTORE_CACHE_SIZE: Bounded cache capacity (default: 1024)
//   - RECSTORE_LOCKS: table or striped (default: "table")
//   - RECSTORE_CHECKSUM, RECSTORE_COMPRESS, RECSTORE_SNAPSHOTS, RECSTORE_READONLY: Layers to add
//   - RECSTORE_MEMORY_LIMIT: Heap size at which caches are released, e.g. "512MiB"
//   - RECSTORE_LOG_LEVEL: Log level (default: "info")
//   - RECSTORE_BENCH_WORKERS: Goroutines used by bench (default: GOMAXPROCS)
//   - RECSTORE_BENCH_OPS: Operations per bench worker (default: 10000)
//
// Example usage:
//
//	# Store a value in a compressed file and read it back
//	RECSTORE_PATH=/tmp/data.db RECSTORE_COMPRESS=true ./recstore put hello
//	RECSTORE_PATH=/tmp/data.db RECSTORE_COMPRESS=true ./recstore get 8
//
//	# Measure an LRU cache over the direct store
//	RECSTORE_CACHE=lru RECSTORE_CACHE_SIZE=4096 ./recstore bench
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/dreamware/recstore/internal/engine"
	"github.com/dreamware/recstore/internal/maker"
	"github.com/dreamware/recstore/internal/serializer"
	"github.com/dreamware/recstore/internal/store"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

// errUsage is returned for malformed command lines.
var errUsage = errors.New("usage: recstore stat|put|get|update|delete|name|bench [args]")

// main reads the configuration, assembles the engine and runs the command
// named by the first argument.
//
// Exit codes:
//   - 0: Command succeeded
//   - 1: Invalid configuration, unknown command or failed operation
func main() {
	cfg, err := maker.FromEnv()
	if err != nil {
		logFatal("config: %v", err)
	}
	logger, err := maker.BuildLogger(cfg.LogLevel)
	if err != nil {
		logFatal("logger: %v", err)
	}

	undo, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof))
	if err != nil {
		logger.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}

	// Interrupt stops bench early; other commands finish on their own.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err = run(ctx, cfg, logger, os.Args[1:], os.Stdout)
	stop()
	undo()
	_ = logger.Sync()
	if err != nil {
		logFatal("recstore: %v", err)
	}
}

// run opens the engine described by cfg, executes one command and closes
// the engine. Mutating commands commit before returning.
func run(ctx context.Context, cfg maker.Config, logger *zap.Logger, args []string, out io.Writer) (err error) {
	if len(args) == 0 {
		return errUsage
	}
	h, err := maker.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := h.Close(); err == nil {
			err = cerr
		}
	}()

	cmd, args := args[0], args[1:]
	switch cmd {
	case "stat":
		return stat(h, out)
	case "put":
		if len(args) != 1 {
			return errUsage
		}
		recid, err := h.Put(args[0], serializer.String)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, recid)
		return h.Commit()
	case "get":
		recid, err := recidArg(args, 1)
		if err != nil {
			return err
		}
		v, err := h.Get(recid, serializer.String)
		if err != nil {
			return err
		}
		if v == nil {
			fmt.Fprintln(out, "<null>")
			return nil
		}
		fmt.Fprintln(out, v)
		return nil
	case "update":
		recid, err := recidArg(args, 2)
		if err != nil {
			return err
		}
		if err := h.Update(recid, args[1], serializer.String); err != nil {
			return err
		}
		return h.Commit()
	case "delete":
		recid, err := recidArg(args, 1)
		if err != nil {
			return err
		}
		if err := h.Delete(recid, serializer.String); err != nil {
			return err
		}
		return h.Commit()
	case "name":
		return name(h, args, out)
	case "bench":
		workers, err := strconv.Atoi(getenv("RECSTORE_BENCH_WORKERS", strconv.Itoa(runtime.GOMAXPROCS(0))))
		if err != nil || workers <= 0 {
			return fmt.Errorf("RECSTORE_BENCH_WORKERS: %w", errUsage)
		}
		ops, err := strconv.Atoi(getenv("RECSTORE_BENCH_OPS", "10000"))
		if err != nil || ops <= 0 {
			return fmt.Errorf("RECSTORE_BENCH_OPS: %w", errUsage)
		}
		return bench(ctx, h, workers, ops, out)
	}
	return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
}

// recidArg parses args[0] as a recid and checks that exactly n arguments
// were given.
func recidArg(args []string, n int) (uint64, error) {
	if len(args) != n {
		return engine.NoRecid, errUsage
	}
	recid, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return engine.NoRecid, fmt.Errorf("recid %q: %w", args[0], errUsage)
	}
	return recid, nil
}

func stat(h *maker.Handle, out io.Writer) error {
	st := h.Store()
	stats := st.Stats()
	if d, ok := st.(*store.Direct); ok {
		fmt.Fprintf(out, "id:          %s\n", d.ID())
	}
	fmt.Fprintf(out, "max recid:   %d\n", stats.MaxRecid)
	fmt.Fprintf(out, "free recids: %d\n", stats.FreeRecids)
	fmt.Fprintf(out, "size:        %s\n", units.BytesSize(float64(stats.Bytes)))
	fmt.Fprintf(out, "read-only:   %t\n", h.IsReadOnly())
	fmt.Fprintf(out, "rollback:    %t\n", h.CanRollback())
	return nil
}

func name(h *maker.Handle, args []string, out io.Writer) error {
	switch len(args) {
	case 1:
		recid, err := h.NamedRecid(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, recid)
		return nil
	case 2:
		recid, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("recid %q: %w", args[1], errUsage)
		}
		if err := h.SetNamedRecid(args[0], recid); err != nil {
			return err
		}
		return h.Commit()
	}
	return errUsage
}

// bench runs ops rounds of put, get, compare-and-swap and delete on each
// of workers goroutines, then prints throughput and cache counters.
func bench(ctx context.Context, h *maker.Handle, workers, ops int, out io.Writer) error {
	var (
		done  atomic.Int64
		wg    sync.WaitGroup
		mu    sync.Mutex
		first error
	)
	fail := func(err error) {
		mu.Lock()
		if first == nil {
			first = err
		}
		mu.Unlock()
	}

	start := time.Now()
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < ops; i++ {
				if ctx.Err() != nil {
					return
				}
				if err := benchRound(h, int64(i)); err != nil {
					fail(err)
					return
				}
				done.Add(1)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	n := done.Load()
	fmt.Fprintf(out, "rounds:      %d in %s (%.0f/s)\n", n, elapsed.Round(time.Millisecond), float64(n)/elapsed.Seconds())
	if cs, ok := h.CacheStats(); ok {
		fmt.Fprintf(out, "cache:       %d hits, %d misses, %d entries\n", cs.Hits, cs.Misses, cs.Entries)
	}
	return first
}

func benchRound(h *maker.Handle, i int64) error {
	recid, err := h.Put(i, serializer.Int64)
	if err != nil {
		return err
	}
	v, err := h.Get(recid, serializer.Int64)
	if err != nil {
		return err
	}
	if v != i {
		return fmt.Errorf("recid %d: read %v, wrote %d", recid, v, i)
	}
	ok, err := h.CompareAndSwap(recid, i, i+1, serializer.Int64)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("recid %d: compare-and-swap lost an uncontended race", recid)
	}
	return h.Delete(recid, serializer.Int64)
}

// getenv retrieves an environment variable with a fallback default value.
//
// Returns:
//   - Environment variable value if set and non-empty
//   - Default value otherwise
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
