package engine

import (
	"errors"

	"github.com/dreamware/recstore/internal/serializer"
)

var (
	// ErrRecordNotFound is returned when a recid is structurally invalid
	// (recid 0).
	ErrRecordNotFound = errors.New("record not found")

	// ErrRecidNotFound is returned for operations on a recid that is not
	// currently allocated.
	ErrRecidNotFound = errors.New("recid not allocated")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("engine closed")

	// ErrReadOnly is returned when a mutation is attempted on a read-only
	// engine or snapshot.
	ErrReadOnly = errors.New("engine is read-only")

	// ErrUnsupported is returned for operations a layer deliberately does
	// not implement.
	ErrUnsupported = errors.New("operation not supported")
)

// Codec failures are shared with the serializer package so that errors.Is
// works regardless of which layer raised them.
var (
	ErrDataCorruption = serializer.ErrDataCorruption
	ErrSerializer     = serializer.ErrSerializer
)
