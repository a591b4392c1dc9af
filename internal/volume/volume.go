// Package volume provides the byte-addressable media a store lays its
// format out on.
package volume

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrOutOfBounds is returned for reads past the end of a volume.
var ErrOutOfBounds = errors.New("volume: access out of bounds")

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("volume: closed")

// Volume is a growable byte array. Reads and writes must fall inside the
// size established by Ensure. Implementations are safe for concurrent use;
// concurrent writes to overlapping ranges are the caller's problem.
type Volume interface {
	io.ReaderAt
	io.WriterAt

	// Ensure grows the volume to at least size bytes. New bytes are zero.
	Ensure(size int64) error

	// Size returns the current capacity in bytes.
	Size() int64

	// Sync flushes written data to the medium.
	Sync() error

	Close() error
}

// chunkShift sizes the chunks of Memory at 1 MiB.
const chunkShift = 20

const chunkSize = 1 << chunkShift

// Memory is a volume held in heap memory as a list of fixed-size chunks, so
// growth never copies existing data.
type Memory struct {
	mu     sync.RWMutex
	chunks [][]byte
	closed bool
}

// NewMemory returns an empty in-memory volume.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Ensure(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for int64(len(m.chunks))<<chunkShift < size {
		m.chunks = append(m.chunks, make([]byte, chunkSize))
	}
	return nil
}

func (m *Memory) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.chunks)) << chunkShift
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(p, off); err != nil {
		return 0, err
	}
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		c := m.chunks[pos>>chunkShift]
		n += copy(p[n:], c[pos&(chunkSize-1):])
	}
	return n, nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(p, off); err != nil {
		return 0, err
	}
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		c := m.chunks[pos>>chunkShift]
		n += copy(c[pos&(chunkSize-1):], p[n:])
	}
	return n, nil
}

func (m *Memory) check(p []byte, off int64) error {
	if m.closed {
		return ErrClosed
	}
	if off < 0 || off+int64(len(p)) > int64(len(m.chunks))<<chunkShift {
		return fmt.Errorf("%w: [%d,%d)", ErrOutOfBounds, off, off+int64(len(p)))
	}
	return nil
}

func (m *Memory) Sync() error { return nil }

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.chunks = nil
	return nil
}
