package store

import (
	"encoding/binary"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dreamware/recstore/internal/engine"
	"github.com/dreamware/recstore/internal/volume"
)

// Long-stack page layout
//
//	[0,8)    offset of the previous (full) page, 0 for the bottom page
//	[8,256)  31 entries of 8 bytes
//
// The head word kept in the header is count<<48 | page offset, where count
// is the number of entries used in the top page. Pages below the top are
// always full.
const (
	longStackPageSize = 256
	longStackEntries  = (longStackPageSize - 8) / 8
)

// growStep is the granularity the file tail advances by.
const growStep = 1 << 20

func getLong(v volume.Volume, off int64) (uint64, error) {
	var b [8]byte
	if _, err := v.ReadAt(b[:], off); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func putLong(v volume.Volume, off int64, val uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], val)
	_, err := v.WriteAt(b[:], off)
	return err
}

// allocator owns the tail pointers and every long-stack. All methods
// suffixed Locked require mu to be held.
type allocator struct {
	mu  sync.Mutex
	vol volume.Volume
	log *zap.Logger

	dataTail int64
	fileTail int64
}

func (a *allocator) load() error {
	dt, err := getLong(a.vol, headerDataTail)
	if err != nil {
		return err
	}
	ft, err := getLong(a.vol, headerFileTail)
	if err != nil {
		return err
	}
	a.dataTail, a.fileTail = int64(dt), int64(ft)
	return nil
}

// bumpLocked appends n bytes (a multiple of 16) at the data tail.
func (a *allocator) bumpLocked(n int) (int64, error) {
	off := a.dataTail
	end := off + int64(n)
	if end > a.fileTail {
		size := (end + growStep - 1) &^ (growStep - 1)
		if err := a.vol.Ensure(size); err != nil {
			return 0, err
		}
		if err := putLong(a.vol, headerFileTail, uint64(size)); err != nil {
			return 0, err
		}
		a.log.Debug("volume grown", zap.Int64("fileTail", size))
		a.fileTail = size
	}
	if err := putLong(a.vol, headerDataTail, uint64(end)); err != nil {
		return 0, err
	}
	a.dataTail = end
	return off, nil
}

// allocPageLocked returns a zeroed long-stack page, reusing a released one
// when possible.
func (a *allocator) allocPageLocked() (int64, error) {
	head, err := getLong(a.vol, headerFreePages)
	if err != nil {
		return 0, err
	}
	if head == 0 {
		return a.bumpLocked(longStackPageSize)
	}
	next, err := getLong(a.vol, int64(head))
	if err != nil {
		return 0, err
	}
	if err := putLong(a.vol, headerFreePages, next); err != nil {
		return 0, err
	}
	if _, err := a.vol.WriteAt(make([]byte, longStackPageSize), int64(head)); err != nil {
		return 0, err
	}
	return int64(head), nil
}

func (a *allocator) releasePageLocked(page int64) error {
	head, err := getLong(a.vol, headerFreePages)
	if err != nil {
		return err
	}
	if err := putLong(a.vol, page, head); err != nil {
		return err
	}
	return putLong(a.vol, headerFreePages, uint64(page))
}

// pushLocked puts val (never 0) on the long-stack whose head lives at slot.
func (a *allocator) pushLocked(slot int64, val uint64) error {
	head, err := getLong(a.vol, slot)
	if err != nil {
		return err
	}
	count, page := int(head>>sizeShift), int64(head&MaskOffset)
	if page == 0 || count == longStackEntries {
		np, err := a.allocPageLocked()
		if err != nil {
			return err
		}
		if err := putLong(a.vol, np, uint64(page)); err != nil {
			return err
		}
		count, page = 0, np
	}
	if err := putLong(a.vol, page+8+int64(count)*8, val); err != nil {
		return err
	}
	return putLong(a.vol, slot, uint64(count+1)<<sizeShift|uint64(page))
}

// popLocked removes and returns the newest entry of a long-stack, or 0 if
// it is empty.
func (a *allocator) popLocked(slot int64) (uint64, error) {
	head, err := getLong(a.vol, slot)
	if err != nil {
		return 0, err
	}
	count, page := int(head>>sizeShift), int64(head&MaskOffset)
	if page == 0 {
		return 0, nil
	}
	if count <= 0 || count > longStackEntries {
		return 0, fmt.Errorf("%w: long-stack at %d has count %d", engine.ErrDataCorruption, slot, count)
	}
	val, err := getLong(a.vol, page+8+int64(count-1)*8)
	if err != nil {
		return 0, err
	}
	count--
	if count > 0 {
		return val, putLong(a.vol, slot, uint64(count)<<sizeShift|uint64(page))
	}
	prev, err := getLong(a.vol, page)
	if err != nil {
		return 0, err
	}
	newHead := uint64(0)
	if prev != 0 {
		newHead = uint64(longStackEntries)<<sizeShift | prev
	}
	if err := putLong(a.vol, slot, newHead); err != nil {
		return 0, err
	}
	return val, a.releasePageLocked(page)
}

// entriesLocked lists every entry of a long-stack, newest first.
func (a *allocator) entriesLocked(slot int64) ([]uint64, error) {
	head, err := getLong(a.vol, slot)
	if err != nil {
		return nil, err
	}
	count, page := int(head>>sizeShift), int64(head&MaskOffset)
	var out []uint64
	for page != 0 {
		for i := count - 1; i >= 0; i-- {
			v, err := getLong(a.vol, page+8+int64(i)*8)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		prev, err := getLong(a.vol, page)
		if err != nil {
			return nil, err
		}
		page, count = int64(prev), longStackEntries
	}
	return out, nil
}

// allocSpace returns the offset of a free region of n bytes (n > 0),
// preferring a released region of the same size class.
func (a *allocator) allocSpace(n int) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	class := sizeClass(n)
	off, err := a.popLocked(freeSpaceSlot(class))
	if err != nil {
		return 0, err
	}
	if off != 0 {
		return int64(off), nil
	}
	return a.bumpLocked(class * 16)
}

// freeSpace returns a region of n bytes to its size class.
func (a *allocator) freeSpace(off int64, n int) error {
	if n == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pushLocked(freeSpaceSlot(sizeClass(n)), uint64(off))
}
