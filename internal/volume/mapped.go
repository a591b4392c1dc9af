//go:build unix

package volume

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// Mapped is a volume backed by a memory-mapped file. Growing the volume
// extends the file and remaps it, which waits for in-flight reads and
// writes to finish.
type Mapped struct {
	mu   sync.RWMutex
	f    *os.File
	data []byte
}

// OpenMapped opens or creates the file at path and maps its current
// contents.
func OpenMapped(path string) (*Mapped, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	m := &Mapped{f: f}
	fi, err := f.Stat()
	if err != nil {
		return nil, multierr.Append(err, f.Close())
	}
	if fi.Size() > 0 {
		if err := m.remap(fi.Size()); err != nil {
			return nil, multierr.Append(err, f.Close())
		}
	}
	return m, nil
}

func (m *Mapped) remap(size int64) error {
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			return fmt.Errorf("munmap: %w", err)
		}
		m.data = nil
	}
	data, err := unix.Mmap(int(m.f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	m.data = data
	return nil
}

func (m *Mapped) Ensure(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return ErrClosed
	}
	if size <= int64(len(m.data)) {
		return nil
	}
	// round up to whole chunks to keep the number of remaps low
	size = (size + chunkSize - 1) &^ (chunkSize - 1)
	if err := m.f.Truncate(size); err != nil {
		return err
	}
	return m.remap(size)
}

func (m *Mapped) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.data))
}

func (m *Mapped) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(p, off); err != nil {
		return 0, err
	}
	return copy(p, m.data[off:]), nil
}

func (m *Mapped) WriteAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(p, off); err != nil {
		return 0, err
	}
	return copy(m.data[off:], p), nil
}

func (m *Mapped) check(p []byte, off int64) error {
	if m.f == nil {
		return ErrClosed
	}
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return fmt.Errorf("%w: [%d,%d)", ErrOutOfBounds, off, off+int64(len(p)))
	}
	return nil
}

func (m *Mapped) Sync() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.f == nil {
		return ErrClosed
	}
	if m.data == nil {
		return nil
	}
	return unix.Msync(m.data, unix.MS_SYNC)
}

func (m *Mapped) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return nil
	}
	var err error
	if m.data != nil {
		err = multierr.Append(err, unix.Msync(m.data, unix.MS_SYNC))
		err = multierr.Append(err, unix.Munmap(m.data))
		m.data = nil
	}
	err = multierr.Append(err, m.f.Close())
	m.f = nil
	return err
}
