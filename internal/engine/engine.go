// Package engine defines the record-storage contract shared by terminal
// stores and every decorator stacked on top of them.
// See doc.go for complete package documentation.
package engine

import (
	"github.com/dreamware/recstore/internal/serializer"
)

// NoRecid is the reserved "no record" recid.
const NoRecid uint64 = 0

// Engine stores values under opaque 64-bit recids.
// All implementations must be safe for concurrent use.
type Engine interface {
	// Put stores value and returns a freshly allocated recid.
	// A nil value stores a null record.
	Put(value any, ser serializer.Serializer) (uint64, error)

	// Get returns the value stored under recid, or nil if the record is
	// null or was deleted.
	Get(recid uint64, ser serializer.Serializer) (any, error)

	// Update replaces the value stored under recid.
	Update(recid uint64, value any, ser serializer.Serializer) error

	// CompareAndSwap replaces the value under recid with newValue only if
	// the current value equals expected. It reports whether the swap
	// happened; a failed swap is not an error.
	CompareAndSwap(recid uint64, expected, newValue any, ser serializer.Serializer) (bool, error)

	// Delete releases recid and its storage.
	Delete(recid uint64, ser serializer.Serializer) error

	// NamedRecid returns the recid registered under name, or NoRecid.
	NamedRecid(name string) (uint64, error)

	// SetNamedRecid registers recid under name; NoRecid removes the name.
	SetNamedRecid(name string, recid uint64) error

	// Commit makes all mutations since the last commit durable.
	Commit() error

	// Rollback discards mutations since the last commit.
	// Returns ErrUnsupported when CanRollback is false.
	Rollback() error

	// Close releases all resources. Calling Close again is a no-op.
	Close() error

	IsClosed() bool
	IsReadOnly() bool
	CanRollback() bool

	// Snapshot returns a read-only point-in-time view, or ErrUnsupported
	// when no snapshot layer is present in the chain.
	Snapshot() (Engine, error)

	// ClearCache drops any cached state held by this layer and the layers
	// below it.
	ClearCache()
}

// Store is the terminal, format-owning engine. It adds raw access and
// enumeration on top of Engine.
type Store interface {
	Engine

	// GetRaw returns the stored bytes of recid without decoding them.
	// A null or deleted record yields nil.
	GetRaw(recid uint64) ([]byte, error)

	// UpdateRaw replaces the stored bytes of recid. nil stores a null record.
	UpdateRaw(recid uint64, data []byte) error

	// MaxRecid returns the highest recid ever allocated.
	MaxRecid() (uint64, error)

	// FreeRecids returns, in ascending order, the recids released by
	// Delete and not yet handed out again.
	FreeRecids() ([]uint64, error)

	// Stats returns storage statistics.
	Stats() StoreStats
}

// StoreStats contains statistics about a store.
type StoreStats struct {
	MaxRecid   uint64 // Highest allocated recid
	FreeRecids int    // Recids waiting for reuse
	Bytes      int64  // Bytes of the backing medium in use
}
