// Package serializer defines the codec boundary between logical values and the
// bytes an engine stores, plus the built-in codecs and the byte-level
// wrappers (checksum, compression) that can be layered over them.
package serializer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// ErrSerializer is wrapped around every failure raised by a codec
// while encoding or decoding a value.
var ErrSerializer = errors.New("serializer error")

// ErrDataCorruption is returned when stored bytes fail an integrity check
// (checksum mismatch, malformed compressed block).
var ErrDataCorruption = errors.New("data corruption")

// UnknownSize is passed as the available byte count when the length of the
// encoded value is not known in advance.
const UnknownSize = -1

// Serializer converts a logical value to bytes and back.
// Implementations must be safe for concurrent use.
type Serializer interface {
	// Serialize writes value to w. value is never nil.
	Serialize(w io.Writer, value any) error

	// Deserialize reads one value from r. available is the number of bytes
	// that belong to the value, or UnknownSize.
	Deserialize(r io.Reader, available int) (any, error)
}

// Equaler is implemented by serializers that know how to compare two
// decoded values. Compare-and-swap uses it before falling back to
// reflect.DeepEqual.
type Equaler interface {
	Equal(a, b any) bool
}

// Equal reports whether a and b are the same value as far as ser is
// concerned. nil only equals nil.
func Equal(ser Serializer, a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if eq, ok := ser.(Equaler); ok {
		return eq.Equal(a, b)
	}
	return reflect.DeepEqual(a, b)
}

// Marshal encodes value with ser into a fresh byte slice.
// A nil value yields a nil slice without invoking ser.
func Marshal(ser Serializer, value any) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := ser.Serialize(&buf, value); err != nil {
		return nil, wrap(err)
	}
	out := buf.Bytes()
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

// Unmarshal decodes data with ser. A nil slice decodes to nil without
// invoking ser; an empty non-nil slice is handed to the codec.
func Unmarshal(ser Serializer, data []byte) (any, error) {
	if data == nil {
		return nil, nil
	}
	v, err := ser.Deserialize(bytes.NewReader(data), len(data))
	if err != nil {
		return nil, wrap(err)
	}
	return v, nil
}

func wrap(err error) error {
	if errors.Is(err, ErrSerializer) || errors.Is(err, ErrDataCorruption) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrSerializer, err)
}

func readAll(r io.Reader, available int) ([]byte, error) {
	if available < 0 {
		return io.ReadAll(r)
	}
	buf := make([]byte, available)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

type bytesSerializer struct{}

// Bytes stores []byte values verbatim.
var Bytes Serializer = bytesSerializer{}

func (bytesSerializer) Serialize(w io.Writer, value any) error {
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("%w: expected []byte, got %T", ErrSerializer, value)
	}
	_, err := w.Write(b)
	return err
}

func (bytesSerializer) Deserialize(r io.Reader, available int) (any, error) {
	return readAll(r, available)
}

func (bytesSerializer) Equal(a, b any) bool {
	ab, ok1 := a.([]byte)
	bb, ok2 := b.([]byte)
	return ok1 && ok2 && bytes.Equal(ab, bb)
}

type stringSerializer struct{}

// String stores string values as UTF-8 bytes.
var String Serializer = stringSerializer{}

func (stringSerializer) Serialize(w io.Writer, value any) error {
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("%w: expected string, got %T", ErrSerializer, value)
	}
	_, err := io.WriteString(w, s)
	return err
}

func (stringSerializer) Deserialize(r io.Reader, available int) (any, error) {
	b, err := readAll(r, available)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

type int64Serializer struct{}

// Int64 stores int64 values as 8 big-endian bytes.
var Int64 Serializer = int64Serializer{}

func (int64Serializer) Serialize(w io.Writer, value any) error {
	v, ok := value.(int64)
	if !ok {
		return fmt.Errorf("%w: expected int64, got %T", ErrSerializer, value)
	}
	return binary.Write(w, binary.BigEndian, v)
}

func (int64Serializer) Deserialize(r io.Reader, available int) (any, error) {
	if available >= 0 && available != 8 {
		return nil, fmt.Errorf("%w: int64 needs 8 bytes, have %d", ErrSerializer, available)
	}
	var v int64
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return nil, err
	}
	return v, nil
}

type uint64Serializer struct{}

// Uint64 stores uint64 values (typically recids) as 8 big-endian bytes.
var Uint64 Serializer = uint64Serializer{}

func (uint64Serializer) Serialize(w io.Writer, value any) error {
	v, ok := value.(uint64)
	if !ok {
		return fmt.Errorf("%w: expected uint64, got %T", ErrSerializer, value)
	}
	return binary.Write(w, binary.BigEndian, v)
}

func (uint64Serializer) Deserialize(r io.Reader, available int) (any, error) {
	if available >= 0 && available != 8 {
		return nil, fmt.Errorf("%w: uint64 needs 8 bytes, have %d", ErrSerializer, available)
	}
	var v uint64
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return nil, err
	}
	return v, nil
}

type cborSerializer[T any] struct{}

// CBOR returns a serializer that encodes values of type T as CBOR.
// Deserialize always yields a T.
func CBOR[T any]() Serializer {
	return cborSerializer[T]{}
}

func (cborSerializer[T]) Serialize(w io.Writer, value any) error {
	v, ok := value.(T)
	if !ok {
		return fmt.Errorf("%w: expected %T, got %T", ErrSerializer, *new(T), value)
	}
	return cbor.NewEncoder(w).Encode(v)
}

func (cborSerializer[T]) Deserialize(r io.Reader, available int) (any, error) {
	b, err := readAll(r, available)
	if err != nil {
		return nil, err
	}
	var v T
	if err := cbor.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}
