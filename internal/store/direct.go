package store

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/recstore/internal/engine"
	"github.com/dreamware/recstore/internal/recidlock"
	"github.com/dreamware/recstore/internal/serializer"
	"github.com/dreamware/recstore/internal/volume"
)

// Index page layout
//
//	[0,8)      offset of the next index page, 0 for the last page
//	[8,4096)   511 index values; recid r lives in page r/511, slot r%511
const (
	indexPageSize = 4096
	indexSlots    = (indexPageSize - 8) / 8
)

// maxChainLength bounds how many linked segments a read will follow
// before declaring the chain corrupt.
const maxChainLength = 1 << 20

// Direct is the format-owning terminal store. It lays records out on a
// volume, locates them through a paged index table and recycles freed
// space through per-size-class long-stacks.
//
// Lock order: recid lock, then the allocator mutex. Close waits for every
// in-flight operation.
type Direct struct {
	log   *zap.Logger
	vol   volume.Volume
	locks recidlock.Locker
	alloc *allocator
	names catalog
	id    uuid.UUID

	closeMu sync.RWMutex
	closed  bool

	maxRecid   atomic.Uint64
	indexMu    sync.RWMutex
	indexPages []int64
}

var _ engine.Store = (*Direct)(nil)

// OpenDirect opens the store laid out on vol, formatting the volume if it
// is empty. The store takes ownership of vol and closes it on Close; on
// error vol is left open.
func OpenDirect(vol volume.Volume, opts ...Option) (*Direct, error) {
	o := newOptions(opts)
	d := &Direct{
		log:   o.log,
		vol:   vol,
		locks: o.locks,
		alloc: &allocator{vol: vol, log: o.log},
	}

	var magic uint64
	if vol.Size() >= headerSize {
		m, err := getLong(vol, headerMagic)
		if err != nil {
			return nil, err
		}
		magic = m
	}

	var err error
	switch magic {
	case 0:
		err = d.format()
	case storeMagic:
		err = d.load()
	default:
		err = fmt.Errorf("%w: unknown volume magic %#x", engine.ErrDataCorruption, magic)
	}
	if err != nil {
		return nil, err
	}

	d.log.Info("store opened",
		zap.Stringer("id", d.id),
		zap.Uint64("maxRecid", d.maxRecid.Load()),
		zap.Int64("dataTail", d.alloc.dataTail))
	return d, nil
}

func (d *Direct) format() error {
	size := int64(headerSize+growStep-1) &^ (growStep - 1)
	if err := d.vol.Ensure(size); err != nil {
		return err
	}
	d.id = uuid.New()
	if _, err := d.vol.WriteAt(d.id[:], headerUUID); err != nil {
		return err
	}
	if err := putLong(d.vol, headerDataTail, headerSize); err != nil {
		return err
	}
	if err := putLong(d.vol, headerFileTail, uint64(size)); err != nil {
		return err
	}
	if err := d.alloc.load(); err != nil {
		return err
	}
	for r := uint64(1); r <= RecidLastReserved; r++ {
		if _, err := d.allocRecid(); err != nil {
			return err
		}
	}
	// magic goes last so a half-formatted volume is formatted again
	return putLong(d.vol, headerMagic, storeMagic)
}

func (d *Direct) load() error {
	if _, err := d.vol.ReadAt(d.id[:], headerUUID); err != nil {
		return err
	}
	if err := d.alloc.load(); err != nil {
		return err
	}
	maxRecid, err := getLong(d.vol, headerIndexTail)
	if err != nil {
		return err
	}
	page, err := getLong(d.vol, headerFirstIndex)
	if err != nil {
		return err
	}
	for page != 0 {
		d.indexPages = append(d.indexPages, int64(page))
		if page, err = getLong(d.vol, int64(page)); err != nil {
			return err
		}
	}
	if need := int(maxRecid/indexSlots) + 1; maxRecid > 0 && len(d.indexPages) < need {
		return fmt.Errorf("%w: %d index pages for max recid %d", engine.ErrDataCorruption, len(d.indexPages), maxRecid)
	}
	d.maxRecid.Store(maxRecid)
	return nil
}

// ID returns the identity written into the volume header at format time.
func (d *Direct) ID() uuid.UUID {
	return d.id
}

func (d *Direct) enter() error {
	d.closeMu.RLock()
	if d.closed {
		d.closeMu.RUnlock()
		return engine.ErrClosed
	}
	return nil
}

func (d *Direct) check(recid uint64) error {
	if recid == engine.NoRecid {
		return fmt.Errorf("recid 0: %w", engine.ErrRecordNotFound)
	}
	if recid > d.maxRecid.Load() {
		return fmt.Errorf("recid %d: %w", recid, engine.ErrRecidNotFound)
	}
	return nil
}

func (d *Direct) indexOffset(recid uint64) (int64, error) {
	d.indexMu.RLock()
	defer d.indexMu.RUnlock()
	p := int(recid / indexSlots)
	if p >= len(d.indexPages) {
		return 0, fmt.Errorf("recid %d: %w", recid, engine.ErrRecidNotFound)
	}
	return d.indexPages[p] + 8 + int64(recid%indexSlots)*8, nil
}

func (d *Direct) readIndex(recid uint64) (uint64, error) {
	off, err := d.indexOffset(recid)
	if err != nil {
		return 0, err
	}
	return getLong(d.vol, off)
}

func (d *Direct) writeIndex(recid, val uint64) error {
	off, err := d.indexOffset(recid)
	if err != nil {
		return err
	}
	return putLong(d.vol, off, val)
}

// allocRecid hands out a released recid if one exists, otherwise extends
// the index by one slot. A fresh recid starts out as a null record.
func (d *Direct) allocRecid() (uint64, error) {
	d.alloc.mu.Lock()
	defer d.alloc.mu.Unlock()

	r, err := d.alloc.popLocked(headerFreeRecids)
	if err != nil || r != 0 {
		return r, err
	}

	r = d.maxRecid.Load() + 1
	d.indexMu.RLock()
	pages := len(d.indexPages)
	d.indexMu.RUnlock()
	if int(r/indexSlots) >= pages {
		page, err := d.alloc.bumpLocked(indexPageSize)
		if err != nil {
			return 0, err
		}
		link := int64(headerFirstIndex)
		if pages > 0 {
			link = d.indexPages[pages-1]
		}
		if err := putLong(d.vol, link, uint64(page)); err != nil {
			return 0, err
		}
		d.indexMu.Lock()
		d.indexPages = append(d.indexPages, page)
		d.indexMu.Unlock()
		d.log.Debug("index page added", zap.Int64("offset", page), zap.Int("pages", pages+1))
	}
	off, err := d.indexOffset(r)
	if err != nil {
		return 0, err
	}
	if err := putLong(d.vol, off, nullIndex); err != nil {
		return 0, err
	}
	if err := putLong(d.vol, headerIndexTail, r); err != nil {
		return 0, err
	}
	d.maxRecid.Store(r)
	return r, nil
}

func (d *Direct) writeSegment(buf []byte, flags uint64) (uint64, error) {
	off, err := d.alloc.allocSpace(len(buf))
	if err != nil {
		return 0, err
	}
	if _, err := d.vol.WriteAt(buf, off); err != nil {
		return 0, multierr.Append(err, d.alloc.freeSpace(off, len(buf)))
	}
	return IndexValue(len(buf), uint64(off), flags|MaskArchive), nil
}

// writeRecord stores data in freshly allocated space and returns the index
// value locating it. Data longer than MaxRecordSize is split into linked
// segments, written back to front so each segment knows its successor.
func (d *Direct) writeRecord(data []byte) (uint64, error) {
	switch {
	case data == nil:
		return nullIndex, nil
	case len(data) == 0:
		return IndexValue(0, 0, MaskArchive), nil
	case len(data) <= MaxRecordSize:
		return d.writeSegment(data, 0)
	}

	var bounds []int
	for start := 0; len(data)-start > MaxRecordSize; start += MaxRecordSize - linkSize {
		bounds = append(bounds, start)
	}
	tail := bounds[len(bounds)-1] + MaxRecordSize - linkSize

	next, err := d.writeSegment(data[tail:], 0)
	if err != nil {
		return 0, err
	}
	written := []uint64{next}
	for i := len(bounds) - 1; i >= 0; i-- {
		body := data[bounds[i] : bounds[i]+MaxRecordSize-linkSize]
		buf := make([]byte, linkSize+len(body))
		binary.BigEndian.PutUint64(buf, next)
		copy(buf[linkSize:], body)
		if next, err = d.writeSegment(buf, MaskLinked); err != nil {
			for _, v := range written {
				err = multierr.Append(err, d.alloc.freeSpace(int64(IndexOffset(v)), IndexSize(v)))
			}
			return 0, err
		}
		written = append(written, next)
	}
	return next, nil
}

// readRecord follows the segment chain starting at v and returns the
// concatenated bytes. Null and deleted records read as nil.
func (d *Direct) readRecord(v uint64) ([]byte, error) {
	if isDeleted(v) || isNull(v) {
		return nil, nil
	}
	var out []byte
	for hops := 0; ; hops++ {
		size, off := IndexSize(v), int64(IndexOffset(v))
		if size > MaxRecordSize || hops > maxChainLength {
			return nil, fmt.Errorf("%w: bad segment size %d at offset %d", engine.ErrDataCorruption, size, off)
		}
		if !isLinked(v) {
			buf := make([]byte, size)
			if _, err := d.vol.ReadAt(buf, off); err != nil {
				return nil, err
			}
			if out == nil {
				return buf, nil
			}
			return append(out, buf...), nil
		}
		if size <= linkSize {
			return nil, fmt.Errorf("%w: linked segment of %d bytes at offset %d", engine.ErrDataCorruption, size, off)
		}
		buf := make([]byte, size)
		if _, err := d.vol.ReadAt(buf, off); err != nil {
			return nil, err
		}
		out = append(out, buf[linkSize:]...)
		v = binary.BigEndian.Uint64(buf)
	}
}

// freeRecord returns every segment of the chain starting at v to the
// free-space long-stacks.
func (d *Direct) freeRecord(v uint64) error {
	for hops := 0; !isDeleted(v) && !isNull(v); hops++ {
		if hops > maxChainLength {
			return fmt.Errorf("%w: segment chain too long", engine.ErrDataCorruption)
		}
		size, off := IndexSize(v), int64(IndexOffset(v))
		var next uint64
		if isLinked(v) {
			n, err := getLong(d.vol, off)
			if err != nil {
				return err
			}
			next = n
		}
		if err := d.alloc.freeSpace(off, size); err != nil {
			return err
		}
		if !isLinked(v) {
			return nil
		}
		v = next
	}
	return nil
}

func canOverwrite(old uint64, data []byte) bool {
	size := IndexSize(old)
	return !isLinked(old) && size > 0 && size <= MaxRecordSize &&
		len(data) > 0 && len(data) <= MaxRecordSize &&
		round16(size) == round16(len(data))
}

// replaceLocked swaps the contents of recid (currently at old) for data.
// Caller holds the recid lock.
func (d *Direct) replaceLocked(recid, old uint64, data []byte) error {
	if canOverwrite(old, data) {
		off := IndexOffset(old)
		if _, err := d.vol.WriteAt(data, int64(off)); err != nil {
			return err
		}
		return d.writeIndex(recid, IndexValue(len(data), off, MaskArchive))
	}
	nv, err := d.writeRecord(data)
	if err != nil {
		return err
	}
	if err := d.writeIndex(recid, nv); err != nil {
		return err
	}
	return d.freeRecord(old)
}

// Put stores value in a fresh or recycled recid.
func (d *Direct) Put(value any, ser serializer.Serializer) (uint64, error) {
	data, err := serializer.Marshal(ser, value)
	if err != nil {
		return engine.NoRecid, err
	}
	if err := d.enter(); err != nil {
		return engine.NoRecid, err
	}
	defer d.closeMu.RUnlock()

	recid, err := d.allocRecid()
	if err != nil {
		return engine.NoRecid, err
	}
	d.locks.Lock(recid)
	defer d.locks.Unlock(recid)
	v, err := d.writeRecord(data)
	if err != nil {
		return engine.NoRecid, err
	}
	return recid, d.writeIndex(recid, v)
}

// Get decodes the record under recid; nil for null or deleted records.
func (d *Direct) Get(recid uint64, ser serializer.Serializer) (any, error) {
	data, err := d.GetRaw(recid)
	if err != nil {
		return nil, err
	}
	return serializer.Unmarshal(ser, data)
}

// GetRaw returns the record bytes, following linked segments.
func (d *Direct) GetRaw(recid uint64) ([]byte, error) {
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer d.closeMu.RUnlock()
	if err := d.check(recid); err != nil {
		return nil, err
	}
	d.locks.Lock(recid)
	defer d.locks.Unlock(recid)
	v, err := d.readIndex(recid)
	if err != nil {
		return nil, err
	}
	return d.readRecord(v)
}

// Update replaces the record, in place when the size class allows.
func (d *Direct) Update(recid uint64, value any, ser serializer.Serializer) error {
	data, err := serializer.Marshal(ser, value)
	if err != nil {
		return err
	}
	return d.UpdateRaw(recid, data)
}

// UpdateRaw replaces the record bytes of recid.
func (d *Direct) UpdateRaw(recid uint64, data []byte) error {
	if err := d.enter(); err != nil {
		return err
	}
	defer d.closeMu.RUnlock()
	if err := d.check(recid); err != nil {
		return err
	}
	d.locks.Lock(recid)
	defer d.locks.Unlock(recid)
	old, err := d.readIndex(recid)
	if err != nil {
		return err
	}
	if isDeleted(old) {
		return fmt.Errorf("recid %d: %w", recid, engine.ErrRecidNotFound)
	}
	return d.replaceLocked(recid, old, data)
}

// CompareAndSwap swaps under the recid lock.
func (d *Direct) CompareAndSwap(recid uint64, expected, newValue any, ser serializer.Serializer) (bool, error) {
	data, err := serializer.Marshal(ser, newValue)
	if err != nil {
		return false, err
	}
	if err := d.enter(); err != nil {
		return false, err
	}
	defer d.closeMu.RUnlock()
	if err := d.check(recid); err != nil {
		return false, err
	}
	d.locks.Lock(recid)
	defer d.locks.Unlock(recid)

	old, err := d.readIndex(recid)
	if err != nil {
		return false, err
	}
	if isDeleted(old) {
		return false, fmt.Errorf("recid %d: %w", recid, engine.ErrRecidNotFound)
	}
	raw, err := d.readRecord(old)
	if err != nil {
		return false, err
	}
	current, err := serializer.Unmarshal(ser, raw)
	if err != nil {
		return false, err
	}
	if !serializer.Equal(ser, current, expected) {
		return false, nil
	}
	return true, d.replaceLocked(recid, old, data)
}

// Delete frees the record space and returns recid to the free list.
func (d *Direct) Delete(recid uint64, _ serializer.Serializer) error {
	if err := d.enter(); err != nil {
		return err
	}
	defer d.closeMu.RUnlock()
	if err := d.check(recid); err != nil {
		return err
	}
	d.locks.Lock(recid)
	defer d.locks.Unlock(recid)

	old, err := d.readIndex(recid)
	if err != nil {
		return err
	}
	if isDeleted(old) {
		return fmt.Errorf("recid %d: %w", recid, engine.ErrRecidNotFound)
	}
	if recid <= RecidLastReserved {
		// reserved recids are never recycled
		if err := d.writeIndex(recid, nullIndex); err != nil {
			return err
		}
		return d.freeRecord(old)
	}
	if err := d.writeIndex(recid, deletedIndex); err != nil {
		return err
	}
	if err := d.freeRecord(old); err != nil {
		return err
	}
	d.alloc.mu.Lock()
	defer d.alloc.mu.Unlock()
	return d.alloc.pushLocked(headerFreeRecids, recid)
}

// NamedRecid looks name up in the catalog record.
func (d *Direct) NamedRecid(name string) (uint64, error) {
	return d.names.lookup(d, name)
}

// SetNamedRecid records name in the catalog; NoRecid removes it.
func (d *Direct) SetNamedRecid(name string, recid uint64) error {
	return d.names.set(d, name, recid)
}

// MaxRecid returns the highest recid handed out.
func (d *Direct) MaxRecid() (uint64, error) {
	if err := d.enter(); err != nil {
		return 0, err
	}
	defer d.closeMu.RUnlock()
	return d.maxRecid.Load(), nil
}

// FreeRecids lists deleted recids waiting for reuse, ascending.
func (d *Direct) FreeRecids() ([]uint64, error) {
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer d.closeMu.RUnlock()
	d.alloc.mu.Lock()
	free, err := d.alloc.entriesLocked(headerFreeRecids)
	d.alloc.mu.Unlock()
	if err != nil {
		return nil, err
	}
	slices.Sort(free)
	return free, nil
}

// ModifiedRecids lists the live recids whose archive flag is set, that is,
// every recid written since the flags were last cleared. With clear set the
// flags are reset as they are collected.
func (d *Direct) ModifiedRecids(clear bool) ([]uint64, error) {
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer d.closeMu.RUnlock()

	var out []uint64
	last := d.maxRecid.Load()
	for recid := RecidLastReserved + 1; recid <= last; recid++ {
		d.locks.Lock(recid)
		v, err := d.readIndex(recid)
		if err == nil && !isDeleted(v) && v&MaskArchive != 0 {
			out = append(out, recid)
			if clear {
				err = d.writeIndex(recid, v&^MaskArchive)
			}
		}
		d.locks.Unlock(recid)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Stats reports recid and space usage. A free-list read error is
// logged and counted as zero free recids.
func (d *Direct) Stats() engine.StoreStats {
	if err := d.enter(); err != nil {
		return engine.StoreStats{}
	}
	defer d.closeMu.RUnlock()
	d.alloc.mu.Lock()
	defer d.alloc.mu.Unlock()
	free, err := d.alloc.entriesLocked(headerFreeRecids)
	if err != nil {
		d.log.Error("reading free recids for stats", zap.Stringer("id", d.id), zap.Error(err))
	}
	return engine.StoreStats{
		MaxRecid:   d.maxRecid.Load(),
		FreeRecids: len(free),
		Bytes:      d.alloc.dataTail,
	}
}

// Commit flushes the volume. Every mutation is already in place, so there
// is nothing else to make durable.
func (d *Direct) Commit() error {
	if err := d.enter(); err != nil {
		return err
	}
	defer d.closeMu.RUnlock()
	return d.vol.Sync()
}

// Rollback is not supported: Direct writes in place.
func (d *Direct) Rollback() error {
	if err := d.enter(); err != nil {
		return err
	}
	defer d.closeMu.RUnlock()
	return engine.ErrUnsupported
}

// Close syncs and closes the volume. Later calls return nil.
func (d *Direct) Close() error {
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	err := multierr.Append(d.vol.Sync(), d.vol.Close())
	d.log.Info("store closed", zap.Stringer("id", d.id), zap.Error(err))
	return err
}

func (d *Direct) IsClosed() bool {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	return d.closed
}

func (d *Direct) IsReadOnly() bool { return false }

func (d *Direct) CanRollback() bool { return false }

// Snapshot is unsupported; wrap the store in a snapshot engine.
func (d *Direct) Snapshot() (engine.Engine, error) {
	return nil, engine.ErrUnsupported
}

// ClearCache is a no-op; the store keeps no cache.
func (d *Direct) ClearCache() {}

// AssertNoLocks reports a recid lock left held, for tests.
func (d *Direct) AssertNoLocks() error {
	return d.locks.AssertNoLocks()
}
