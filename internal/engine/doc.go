// Package engine defines the record-storage contract that terminal stores and
// every decorator layered over them implement, so a chain of caches,
// transforms and snapshots looks like a single Engine to its caller.
//
// # Overview
//
// An Engine stores opaque values under 64-bit record ids (recids). Values are
// converted to bytes by a serializer.Serializer supplied on every call, which
// keeps the engine itself free of any knowledge about value types.
//
// # Architecture
//
// Engines are assembled as a chain of decorators ending in a terminal store:
//
//	┌─────────────────────────────────────┐
//	│            Application              │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│   ReadOnly / Snapshot (optional)    │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│  Cache (HardRef, HashTable, LRU,    │
//	│         SoftRef, WeakRef)           │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│  ByteTransform (checksum, lz4)      │
//	└─────────────────────────────────────┘
//	                 │
//	    ┌────────────┴────────────┐
//	    ▼                         ▼
//	┌────────┐               ┌────────┐
//	│ Direct │               │  Heap  │
//	│ Store  │               │ Store  │
//	└────────┘               └────────┘
//
// Decorators embed Wrapper, which forwards every call, and override only the
// operations they intercept. Closing the outermost engine closes the whole
// chain.
//
// # Core Interfaces
//
// Engine: the operations every layer supports
//   - Put(value, ser) - Allocate a recid and store value
//   - Get(recid, ser) - Retrieve a value, nil for null or deleted records
//   - Update(recid, value, ser) - Replace a value
//   - CompareAndSwap(recid, expected, new, ser) - Atomic conditional replace
//   - Delete(recid, ser) - Release a recid for reuse
//   - NamedRecid / SetNamedRecid - Name catalog
//   - Commit / Rollback - Transaction boundary
//   - Snapshot() - Read-only point-in-time view
//
// Store: the terminal engine, adding
//   - GetRaw / UpdateRaw - Access to stored bytes
//   - MaxRecid / FreeRecids - Recid enumeration
//   - Stats() - Storage statistics
//
// # Recids
//
// Recid 0 is never allocated and reads as ErrRecordNotFound. Recids 1 through
// 7 are reserved for store metadata; recid 1 holds the name catalog. Recids
// above the highest ever allocated return ErrRecidNotFound, as do updates and
// deletes of a released recid. A released recid reads as nil until Put hands
// it out again.
//
// # Null Values
//
// A nil value stores a null record without invoking the serializer, and a
// null record reads back as nil. An empty encoding is distinct from null and
// is passed to the serializer on read.
//
// # Compare and Swap
//
// Two values are equal when the serializer implements serializer.Equaler and
// says so, otherwise when reflect.DeepEqual does. nil only equals nil. A
// failed comparison is reported as false, never as an error.
//
// # Errors
//
// Every failure wraps one of the sentinel errors in this package, so callers
// test with errors.Is:
//
//	if errors.Is(err, engine.ErrRecidNotFound) {
//		// recid was never allocated or has been released
//	}
//
// # Concurrency and Thread Safety
//
// All engines are safe for concurrent use. Operations on one recid are
// serialized by the store's recid locks; operations on distinct recids
// proceed in parallel. Close waits for operations already in flight.
package engine
