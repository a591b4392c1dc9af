package serializer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

const checksumSize = 4

type checksum struct {
	inner Serializer
}

// Checksum wraps inner so that every encoded value is followed by a CRC32
// of its payload. Decoding recomputes the checksum and fails with
// ErrDataCorruption on mismatch.
func Checksum(inner Serializer) Serializer {
	return checksum{inner: inner}
}

func (c checksum) Serialize(w io.Writer, value any) error {
	var buf bytes.Buffer
	if err := c.inner.Serialize(&buf, value); err != nil {
		return err
	}
	var sum [checksumSize]byte
	binary.BigEndian.PutUint32(sum[:], crc32.ChecksumIEEE(buf.Bytes()))
	buf.Write(sum[:])
	_, err := w.Write(buf.Bytes())
	return err
}

func (c checksum) Deserialize(r io.Reader, available int) (any, error) {
	data, err := readAll(r, available)
	if err != nil {
		return nil, err
	}
	if len(data) < checksumSize {
		return nil, fmt.Errorf("%w: record of %d bytes is too short for a checksum", ErrDataCorruption, len(data))
	}
	payload := data[:len(data)-checksumSize]
	stored := binary.BigEndian.Uint32(data[len(payload):])
	if actual := crc32.ChecksumIEEE(payload); actual != stored {
		return nil, fmt.Errorf("%w: checksum mismatch, stored %08x computed %08x", ErrDataCorruption, stored, actual)
	}
	return c.inner.Deserialize(bytes.NewReader(payload), len(payload))
}

func (c checksum) Equal(a, b any) bool {
	return Equal(c.inner, a, b)
}
