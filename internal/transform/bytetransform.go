// Package transform provides the byte-transform decorator, which passes
// every stored value through a fixed block codec such as compression or a
// checksum before it reaches the wrapped engine.
package transform

import (
	"fmt"

	"github.com/dreamware/recstore/internal/engine"
	"github.com/dreamware/recstore/internal/serializer"
)

// ByteTransform encodes values with the caller's serializer, then stores
// the resulting bytes on the wrapped engine through a block serializer.
// Get reverses the two steps. A nil value skips both codecs and stays a
// null record.
type ByteTransform struct {
	engine.Wrapper
	block serializer.Serializer
}

var _ engine.Engine = (*ByteTransform)(nil)

// New wraps inner. block must encode and decode []byte values, for example
// serializer.Compress(serializer.Bytes).
func New(inner engine.Engine, block serializer.Serializer) *ByteTransform {
	t := &ByteTransform{block: block}
	t.Init(inner)
	return t
}

// encode returns the value to hand to the wrapped engine. A nil value is
// returned as an untyped nil so the wrapped engine stores a null record.
func encode(value any, ser serializer.Serializer) (any, error) {
	if value == nil {
		return nil, nil
	}
	data, err := serializer.Marshal(ser, value)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func decode(stored any, ser serializer.Serializer) (any, error) {
	if stored == nil {
		return nil, nil
	}
	data, ok := stored.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: block codec returned %T", engine.ErrSerializer, stored)
	}
	return serializer.Unmarshal(ser, data)
}

func (t *ByteTransform) Put(value any, ser serializer.Serializer) (uint64, error) {
	e, err := t.Inner()
	if err != nil {
		return engine.NoRecid, err
	}
	enc, err := encode(value, ser)
	if err != nil {
		return engine.NoRecid, err
	}
	return e.Put(enc, t.block)
}

func (t *ByteTransform) Get(recid uint64, ser serializer.Serializer) (any, error) {
	e, err := t.Inner()
	if err != nil {
		return nil, err
	}
	stored, err := e.Get(recid, t.block)
	if err != nil {
		return nil, err
	}
	return decode(stored, ser)
}

func (t *ByteTransform) Update(recid uint64, value any, ser serializer.Serializer) error {
	e, err := t.Inner()
	if err != nil {
		return err
	}
	enc, err := encode(value, ser)
	if err != nil {
		return err
	}
	return e.Update(recid, enc, t.block)
}

// CompareAndSwap compares decoded values with ser, not encoded bytes, so
// codecs without a canonical encoding still compare correctly. It swaps
// against the exact bytes it compared and retries if they changed
// underneath.
func (t *ByteTransform) CompareAndSwap(recid uint64, expected, newValue any, ser serializer.Serializer) (bool, error) {
	e, err := t.Inner()
	if err != nil {
		return false, err
	}
	enc, err := encode(newValue, ser)
	if err != nil {
		return false, err
	}
	for {
		stored, err := e.Get(recid, t.block)
		if err != nil {
			return false, err
		}
		current, err := decode(stored, ser)
		if err != nil {
			return false, err
		}
		if !serializer.Equal(ser, current, expected) {
			return false, nil
		}
		ok, err := e.CompareAndSwap(recid, stored, enc, t.block)
		if err != nil || ok {
			return ok, err
		}
	}
}

func (t *ByteTransform) Delete(recid uint64, _ serializer.Serializer) error {
	e, err := t.Inner()
	if err != nil {
		return err
	}
	return e.Delete(recid, t.block)
}

// Snapshot wraps the wrapped engine's snapshot in the same transform.
func (t *ByteTransform) Snapshot() (engine.Engine, error) {
	e, err := t.Inner()
	if err != nil {
		return nil, err
	}
	s, err := e.Snapshot()
	if err != nil {
		return nil, err
	}
	return New(s, t.block), nil
}
