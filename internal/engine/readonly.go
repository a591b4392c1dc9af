package engine

import (
	"github.com/dreamware/recstore/internal/serializer"
)

// ReadOnly rejects every mutation with ErrReadOnly and forwards reads.
type ReadOnly struct {
	Wrapper
}

// NewReadOnly wraps inner so that it can only be read.
func NewReadOnly(inner Engine) *ReadOnly {
	r := &ReadOnly{}
	r.Init(inner)
	return r
}

// reject returns ErrClosed after Close and ErrReadOnly otherwise.
func (r *ReadOnly) reject() error {
	if _, err := r.Inner(); err != nil {
		return err
	}
	return ErrReadOnly
}

func (r *ReadOnly) Put(any, serializer.Serializer) (uint64, error) {
	return NoRecid, r.reject()
}

func (r *ReadOnly) Update(uint64, any, serializer.Serializer) error {
	return r.reject()
}

func (r *ReadOnly) CompareAndSwap(uint64, any, any, serializer.Serializer) (bool, error) {
	return false, r.reject()
}

func (r *ReadOnly) Delete(uint64, serializer.Serializer) error {
	return r.reject()
}

func (r *ReadOnly) SetNamedRecid(string, uint64) error {
	return r.reject()
}

func (r *ReadOnly) Commit() error {
	return r.reject()
}

func (r *ReadOnly) Rollback() error {
	return r.reject()
}

func (r *ReadOnly) IsReadOnly() bool { return true }

func (r *ReadOnly) CanRollback() bool { return false }
