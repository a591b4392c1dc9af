package serializer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// maxExpandedSize bounds the decompressed length a header may claim, so a
// corrupt header cannot trigger a huge allocation.
const maxExpandedSize = 1 << 30

type compress struct {
	inner Serializer
}

// Compress wraps inner with LZ4 block compression.
//
// The encoded form starts with a uvarint holding the uncompressed length.
// Zero means the payload follows verbatim; this is used whenever
// compression would not shrink the data, so incompressible input grows by
// exactly one byte.
func Compress(inner Serializer) Serializer {
	return compress{inner: inner}
}

func (c compress) Serialize(w io.Writer, value any) error {
	var buf bytes.Buffer
	if err := c.inner.Serialize(&buf, value); err != nil {
		return err
	}
	_, err := w.Write(compressBlock(buf.Bytes()))
	return err
}

func (c compress) Deserialize(r io.Reader, available int) (any, error) {
	data, err := readAll(r, available)
	if err != nil {
		return nil, err
	}
	payload, err := expandBlock(data)
	if err != nil {
		return nil, err
	}
	return c.inner.Deserialize(bytes.NewReader(payload), len(payload))
}

func (c compress) Equal(a, b any) bool {
	return Equal(c.inner, a, b)
}

func compressBlock(src []byte) []byte {
	verbatim := func() []byte {
		out := make([]byte, 1+len(src))
		copy(out[1:], src)
		return out
	}
	if len(src) == 0 {
		return verbatim()
	}

	var hdr [binary.MaxVarintLen64]byte
	hn := binary.PutUvarint(hdr[:], uint64(len(src)))
	dst := make([]byte, hn+lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, dst[hn:], nil)
	if err != nil || n == 0 || hn+n >= 1+len(src) {
		return verbatim()
	}
	copy(dst, hdr[:hn])
	return dst[:hn+n]
}

func expandBlock(data []byte) ([]byte, error) {
	size, hn := binary.Uvarint(data)
	if hn <= 0 {
		return nil, fmt.Errorf("%w: bad compression header", ErrDataCorruption)
	}
	if size == 0 {
		return data[hn:], nil
	}
	if size > maxExpandedSize {
		return nil, fmt.Errorf("%w: compressed block claims %d bytes", ErrDataCorruption, size)
	}
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(data[hn:], out)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataCorruption, err)
	}
	if uint64(n) != size {
		return nil, fmt.Errorf("%w: expanded %d bytes, header says %d", ErrDataCorruption, n, size)
	}
	return out, nil
}
