package engine

import (
	"sync/atomic"

	"github.com/dreamware/recstore/internal/serializer"
)

type innerRef struct {
	e Engine
}

// Wrapper forwards every Engine call to an inner engine. Decorators embed
// it and override only the operations they intercept, fetching the inner
// engine through Inner.
//
// Close releases the reference to the inner engine before closing it, so a
// closed decorator never keeps the rest of the chain reachable.
type Wrapper struct {
	inner atomic.Pointer[innerRef]
}

// NewWrapper returns a pass-through decorator around inner.
func NewWrapper(inner Engine) *Wrapper {
	w := &Wrapper{}
	w.Init(inner)
	return w
}

// Init sets the inner engine. Decorators embedding Wrapper by value call it
// from their constructor.
func (w *Wrapper) Init(inner Engine) {
	w.inner.Store(&innerRef{e: inner})
}

// Inner returns the wrapped engine, or ErrClosed once Close has run.
func (w *Wrapper) Inner() (Engine, error) {
	ref := w.inner.Load()
	if ref == nil {
		return nil, ErrClosed
	}
	return ref.e, nil
}

// Put forwards to the inner engine.
func (w *Wrapper) Put(value any, ser serializer.Serializer) (uint64, error) {
	e, err := w.Inner()
	if err != nil {
		return NoRecid, err
	}
	return e.Put(value, ser)
}

// Get forwards to the inner engine.
func (w *Wrapper) Get(recid uint64, ser serializer.Serializer) (any, error) {
	e, err := w.Inner()
	if err != nil {
		return nil, err
	}
	return e.Get(recid, ser)
}

// Update forwards to the inner engine.
func (w *Wrapper) Update(recid uint64, value any, ser serializer.Serializer) error {
	e, err := w.Inner()
	if err != nil {
		return err
	}
	return e.Update(recid, value, ser)
}

// CompareAndSwap forwards to the inner engine.
func (w *Wrapper) CompareAndSwap(recid uint64, expected, newValue any, ser serializer.Serializer) (bool, error) {
	e, err := w.Inner()
	if err != nil {
		return false, err
	}
	return e.CompareAndSwap(recid, expected, newValue, ser)
}

// Delete forwards to the inner engine.
func (w *Wrapper) Delete(recid uint64, ser serializer.Serializer) error {
	e, err := w.Inner()
	if err != nil {
		return err
	}
	return e.Delete(recid, ser)
}

// NamedRecid forwards to the inner engine.
func (w *Wrapper) NamedRecid(name string) (uint64, error) {
	e, err := w.Inner()
	if err != nil {
		return NoRecid, err
	}
	return e.NamedRecid(name)
}

// SetNamedRecid forwards to the inner engine.
func (w *Wrapper) SetNamedRecid(name string, recid uint64) error {
	e, err := w.Inner()
	if err != nil {
		return err
	}
	return e.SetNamedRecid(name, recid)
}

// Commit forwards to the inner engine.
func (w *Wrapper) Commit() error {
	e, err := w.Inner()
	if err != nil {
		return err
	}
	return e.Commit()
}

// Rollback forwards to the inner engine.
func (w *Wrapper) Rollback() error {
	e, err := w.Inner()
	if err != nil {
		return err
	}
	return e.Rollback()
}

// Close detaches and closes the inner engine. Later calls return nil.
func (w *Wrapper) Close() error {
	ref := w.inner.Swap(nil)
	if ref == nil {
		return nil
	}
	return ref.e.Close()
}

// IsClosed reports whether Close was called here or on the inner engine.
func (w *Wrapper) IsClosed() bool {
	ref := w.inner.Load()
	return ref == nil || ref.e.IsClosed()
}

// IsReadOnly reports the inner engine's mode; false once closed.
func (w *Wrapper) IsReadOnly() bool {
	e, err := w.Inner()
	return err == nil && e.IsReadOnly()
}

// CanRollback reports the inner engine's capability; false once closed.
func (w *Wrapper) CanRollback() bool {
	e, err := w.Inner()
	return err == nil && e.CanRollback()
}

// Snapshot forwards to the inner engine.
func (w *Wrapper) Snapshot() (Engine, error) {
	e, err := w.Inner()
	if err != nil {
		return nil, err
	}
	return e.Snapshot()
}

// ClearCache forwards to the inner engine unless closed.
func (w *Wrapper) ClearCache() {
	if e, err := w.Inner(); err == nil {
		e.ClearCache()
	}
}
