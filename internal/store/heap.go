package store

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/recstore/internal/engine"
	"github.com/dreamware/recstore/internal/serializer"
)

const heapDegree = 32

// heapRecord is one entry of the record table. A nil data slice is a null
// record; deleted recids are absent from the table.
type heapRecord struct {
	recid uint64
	data  []byte
}

func lessRecord(a, b heapRecord) bool { return a.recid < b.recid }

type heapState struct {
	records  *btree.BTreeG[heapRecord]
	free     []uint64
	maxRecid uint64
}

func (s heapState) clone() heapState {
	return heapState{
		records:  s.records.Clone(),
		free:     slices.Clone(s.free),
		maxRecid: s.maxRecid,
	}
}

// Heap is an in-memory terminal store with real transactions. Records are
// kept serialized in a copy-on-write B-tree; Commit clones the tree and
// Rollback restores the last clone, so both cost O(1) up front and copy
// nodes lazily as they are modified.
//
// A single RWMutex guards the table, which also makes CompareAndSwap
// atomic.
type Heap struct {
	log *zap.Logger

	mu        sync.RWMutex
	closed    bool
	live      heapState
	committed heapState

	names catalog
}

var _ engine.Store = (*Heap)(nil)

// NewHeap returns an empty heap store with the reserved recids allocated
// and committed.
func NewHeap(opts ...Option) *Heap {
	o := newOptions(opts)
	h := &Heap{
		log:  o.log,
		live: heapState{records: btree.NewG(heapDegree, lessRecord)},
	}
	for r := uint64(1); r <= RecidLastReserved; r++ {
		h.live.records.ReplaceOrInsert(heapRecord{recid: r})
	}
	h.live.maxRecid = RecidLastReserved
	h.committed = h.live.clone()
	h.log.Info("heap store opened")
	return h
}

func (h *Heap) check(recid uint64) error {
	if h.closed {
		return engine.ErrClosed
	}
	if recid == engine.NoRecid {
		return fmt.Errorf("recid 0: %w", engine.ErrRecordNotFound)
	}
	if recid > h.live.maxRecid {
		return fmt.Errorf("recid %d: %w", recid, engine.ErrRecidNotFound)
	}
	return nil
}

// Put stores a copy of the encoded value in a fresh or recycled recid.
func (h *Heap) Put(value any, ser serializer.Serializer) (uint64, error) {
	data, err := serializer.Marshal(ser, value)
	if err != nil {
		return engine.NoRecid, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return engine.NoRecid, engine.ErrClosed
	}

	var recid uint64
	if n := len(h.live.free); n > 0 {
		recid = h.live.free[n-1]
		h.live.free = h.live.free[:n-1]
	} else {
		h.live.maxRecid++
		recid = h.live.maxRecid
	}
	h.live.records.ReplaceOrInsert(heapRecord{recid: recid, data: data})
	return recid, nil
}

// Get decodes the record under recid; nil for null or deleted records.
func (h *Heap) Get(recid uint64, ser serializer.Serializer) (any, error) {
	data, err := h.GetRaw(recid)
	if err != nil {
		return nil, err
	}
	return serializer.Unmarshal(ser, data)
}

// GetRaw returns a copy of the record bytes.
func (h *Heap) GetRaw(recid uint64) ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if err := h.check(recid); err != nil {
		return nil, err
	}
	rec, ok := h.live.records.Get(heapRecord{recid: recid})
	if !ok || rec.data == nil {
		return nil, nil
	}
	// copy so callers cannot modify the stored bytes
	return slices.Clone(rec.data), nil
}

// Update replaces the record under recid.
func (h *Heap) Update(recid uint64, value any, ser serializer.Serializer) error {
	data, err := serializer.Marshal(ser, value)
	if err != nil {
		return err
	}
	return h.UpdateRaw(recid, data)
}

// UpdateRaw stores a copy of data under recid.
func (h *Heap) UpdateRaw(recid uint64, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(recid); err != nil {
		return err
	}
	if !h.live.records.Has(heapRecord{recid: recid}) {
		return fmt.Errorf("recid %d: %w", recid, engine.ErrRecidNotFound)
	}
	h.live.records.ReplaceOrInsert(heapRecord{recid: recid, data: slices.Clone(data)})
	return nil
}

// CompareAndSwap swaps under the store lock.
func (h *Heap) CompareAndSwap(recid uint64, expected, newValue any, ser serializer.Serializer) (bool, error) {
	data, err := serializer.Marshal(ser, newValue)
	if err != nil {
		return false, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(recid); err != nil {
		return false, err
	}
	rec, ok := h.live.records.Get(heapRecord{recid: recid})
	if !ok {
		return false, fmt.Errorf("recid %d: %w", recid, engine.ErrRecidNotFound)
	}
	current, err := serializer.Unmarshal(ser, rec.data)
	if err != nil {
		return false, err
	}
	if !serializer.Equal(ser, current, expected) {
		return false, nil
	}
	h.live.records.ReplaceOrInsert(heapRecord{recid: recid, data: data})
	return true, nil
}

// Delete drops the record and returns recid to the free list.
func (h *Heap) Delete(recid uint64, _ serializer.Serializer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(recid); err != nil {
		return err
	}
	if recid <= RecidLastReserved {
		h.live.records.ReplaceOrInsert(heapRecord{recid: recid})
		return nil
	}
	if _, ok := h.live.records.Delete(heapRecord{recid: recid}); !ok {
		return fmt.Errorf("recid %d: %w", recid, engine.ErrRecidNotFound)
	}
	h.live.free = append(h.live.free, recid)
	return nil
}

// NamedRecid looks name up in the catalog record.
func (h *Heap) NamedRecid(name string) (uint64, error) {
	return h.names.lookup(h, name)
}

// SetNamedRecid records name in the catalog; NoRecid removes it.
func (h *Heap) SetNamedRecid(name string, recid uint64) error {
	return h.names.set(h, name, recid)
}

// MaxRecid reports the highest recid as of the last commit.
func (h *Heap) MaxRecid() (uint64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0, engine.ErrClosed
	}
	return h.committed.maxRecid, nil
}

// FreeRecids reports the released recids as of the last commit.
func (h *Heap) FreeRecids() ([]uint64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil, engine.ErrClosed
	}
	free := slices.Clone(h.committed.free)
	slices.Sort(free)
	return free, nil
}

// Stats reports committed usage.
func (h *Heap) Stats() engine.StoreStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return engine.StoreStats{}
	}
	var n int64
	h.committed.records.Ascend(func(r heapRecord) bool {
		n += int64(len(r.data))
		return true
	})
	return engine.StoreStats{
		MaxRecid:   h.committed.maxRecid,
		FreeRecids: len(h.committed.free),
		Bytes:      n,
	}
}

// Commit makes the live state the rollback point.
func (h *Heap) Commit() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return engine.ErrClosed
	}
	h.committed = h.live.clone()
	return nil
}

// Rollback restores the state of the last commit.
func (h *Heap) Rollback() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return engine.ErrClosed
	}
	h.live = h.committed.clone()
	return nil
}

// Close drops every record. Later calls return nil.
func (h *Heap) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.live = heapState{}
	h.committed = heapState{}
	h.log.Info("heap store closed")
	return nil
}

func (h *Heap) IsClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

func (h *Heap) IsReadOnly() bool { return false }

func (h *Heap) CanRollback() bool { return true }

// Snapshot is unsupported; wrap the store in a snapshot engine.
func (h *Heap) Snapshot() (engine.Engine, error) {
	return nil, engine.ErrUnsupported
}

// ClearCache is a no-op; the store keeps no cache.
func (h *Heap) ClearCache() {}
