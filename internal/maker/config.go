// Package maker assembles a terminal store and its decorators into one
// engine from a Config, which can be read from the environment.
package maker

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/docker/go-units"

	"github.com/dreamware/recstore/internal/recidlock"
)

// Store kinds.
const (
	StoreDirect = "direct"
	StoreHeap   = "heap"
)

// Cache kinds.
const (
	CacheNone      = "none"
	CacheHardRef   = "hardref"
	CacheHashTable = "hashtable"
	CacheLRU       = "lru"
	CacheSoft      = "soft"
	CacheWeak      = "weak"
)

// Lock strategies.
const (
	LocksTable   = "table"
	LocksStriped = "striped"
)

// DefaultCacheSize is the capacity of bounded caches when none is given.
const DefaultCacheSize = 1024

// ErrInvalidConfig is wrapped around every configuration error.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config describes the engine to assemble.
type Config struct {
	Path         string // Store file; empty keeps the store in memory
	Store        string // StoreDirect or StoreHeap
	Cache        string // One of the Cache* kinds
	CacheSize    int    // Capacity of the LRU and hash-table caches
	Locks        string // Recid lock strategy of the direct store
	LockSegments int    // Stripe count for LocksStriped
	Checksum     bool   // Append a CRC32 to every record
	Compress     bool   // LZ4-compress every record
	Snapshots    bool   // Enable Snapshot on the assembled engine
	ReadOnly     bool   // Reject every mutation
	MemoryLimit  uint64 // Heap bytes at which caches are released; 0 derives it from the runtime
	LogLevel     string // zap level name
}

// Default returns the configuration used for unset values.
func Default() Config {
	return Config{
		Store:        StoreDirect,
		Cache:        CacheNone,
		CacheSize:    DefaultCacheSize,
		Locks:        LocksTable,
		LockSegments: recidlock.DefaultSegments,
		LogLevel:     "info",
	}
}

// FromEnv reads the configuration from RECSTORE_* environment variables.
//
// Configuration:
//   - RECSTORE_PATH: store file (default: in memory)
//   - RECSTORE_STORE: direct or heap (default: direct)
//   - RECSTORE_CACHE: none, hardref, hashtable, lru, soft or weak (default: none)
//   - RECSTORE_CACHE_SIZE: bounded cache capacity (default: 1024)
//   - RECSTORE_LOCKS: table or striped (default: table)
//   - RECSTORE_LOCK_SEGMENTS: stripe count (default: 16)
//   - RECSTORE_CHECKSUM, RECSTORE_COMPRESS, RECSTORE_SNAPSHOTS, RECSTORE_READONLY: booleans
//   - RECSTORE_MEMORY_LIMIT: size such as 512MiB (default: derived from the cgroup limit)
//   - RECSTORE_LOG_LEVEL: debug, info, warn or error (default: info)
func FromEnv() (Config, error) {
	return fromLookup(os.Getenv)
}

func fromLookup(getenv func(string) string) (Config, error) {
	c := Default()
	get := func(k, def string) string {
		if v := strings.TrimSpace(getenv(k)); v != "" {
			return v
		}
		return def
	}

	var err error
	c.Path = get("RECSTORE_PATH", c.Path)
	c.Store = strings.ToLower(get("RECSTORE_STORE", c.Store))
	c.Cache = strings.ToLower(get("RECSTORE_CACHE", c.Cache))
	c.Locks = strings.ToLower(get("RECSTORE_LOCKS", c.Locks))
	c.LogLevel = strings.ToLower(get("RECSTORE_LOG_LEVEL", c.LogLevel))

	if c.CacheSize, err = parseInt("RECSTORE_CACHE_SIZE", get("RECSTORE_CACHE_SIZE", ""), c.CacheSize); err != nil {
		return Config{}, err
	}
	if c.LockSegments, err = parseInt("RECSTORE_LOCK_SEGMENTS", get("RECSTORE_LOCK_SEGMENTS", ""), c.LockSegments); err != nil {
		return Config{}, err
	}
	for _, b := range []struct {
		key string
		dst *bool
	}{
		{"RECSTORE_CHECKSUM", &c.Checksum},
		{"RECSTORE_COMPRESS", &c.Compress},
		{"RECSTORE_SNAPSHOTS", &c.Snapshots},
		{"RECSTORE_READONLY", &c.ReadOnly},
	} {
		v := get(b.key, "")
		if v == "" {
			continue
		}
		if *b.dst, err = strconv.ParseBool(v); err != nil {
			return Config{}, fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, b.key, v, err)
		}
	}
	if v := get("RECSTORE_MEMORY_LIMIT", ""); v != "" {
		n, err := units.RAMInBytes(v)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("%w: RECSTORE_MEMORY_LIMIT=%q: %v", ErrInvalidConfig, v, err)
		}
		c.MemoryLimit = uint64(n)
	}
	return c, c.Validate()
}

func parseInt(key, v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, key, v, err)
	}
	return n, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Store {
	case StoreDirect, StoreHeap:
	default:
		return fmt.Errorf("%w: unknown store %q", ErrInvalidConfig, c.Store)
	}
	switch c.Cache {
	case CacheNone, CacheHardRef, CacheSoft, CacheWeak:
	case CacheHashTable, CacheLRU:
		if c.CacheSize <= 0 {
			return fmt.Errorf("%w: %s cache needs a positive size, got %d", ErrInvalidConfig, c.Cache, c.CacheSize)
		}
	default:
		return fmt.Errorf("%w: unknown cache %q", ErrInvalidConfig, c.Cache)
	}
	switch c.Locks {
	case LocksTable:
	case LocksStriped:
		if c.LockSegments <= 0 {
			return fmt.Errorf("%w: lock segments must be positive, got %d", ErrInvalidConfig, c.LockSegments)
		}
	default:
		return fmt.Errorf("%w: unknown lock strategy %q", ErrInvalidConfig, c.Locks)
	}
	if c.Store == StoreHeap && c.Path != "" {
		return fmt.Errorf("%w: heap store cannot use a file", ErrInvalidConfig)
	}
	return nil
}

// Describe returns a one-line summary of c for logs.
func (c Config) Describe() string {
	var b strings.Builder
	b.WriteString(c.Store)
	if c.Path != "" {
		fmt.Fprintf(&b, "(%s)", c.Path)
	}
	if c.Compress {
		b.WriteString(" +lz4")
	}
	if c.Checksum {
		b.WriteString(" +crc32")
	}
	if c.Cache != CacheNone {
		fmt.Fprintf(&b, " cache=%s", c.Cache)
		if c.Cache == CacheLRU || c.Cache == CacheHashTable {
			fmt.Fprintf(&b, "/%d", c.CacheSize)
		}
	}
	if c.Snapshots {
		b.WriteString(" +snapshots")
	}
	if c.ReadOnly {
		b.WriteString(" readonly")
	}
	if c.MemoryLimit > 0 {
		fmt.Fprintf(&b, " memlimit=%s", units.BytesSize(float64(c.MemoryLimit)))
	}
	return b.String()
}
