package serializer

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct {
	X int    `cbor:"1,keyasint"`
	Y int    `cbor:"2,keyasint"`
	L string `cbor:"3,keyasint"`
}

// TestBuiltinRoundTrip verifies each built-in codec returns what it was given.
func TestBuiltinRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		ser   Serializer
		value any
	}{
		{name: "bytes", ser: Bytes, value: []byte("hello")},
		{name: "empty bytes", ser: Bytes, value: []byte{}},
		{name: "string", ser: String, value: "récord"},
		{name: "int64", ser: Int64, value: int64(-42)},
		{name: "uint64", ser: Uint64, value: uint64(1 << 60)},
		{name: "cbor struct", ser: CBOR[point](), value: point{X: 1, Y: -2, L: "p"}},
		{name: "cbor map", ser: CBOR[map[string]uint64](), value: map[string]uint64{"root": 9}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Marshal(tt.ser, tt.value)
			require.NoError(t, err)
			require.NotNil(t, data)

			got, err := Unmarshal(tt.ser, data)
			require.NoError(t, err)
			assert.True(t, Equal(tt.ser, tt.value, got), "want %v got %v", tt.value, got)
		})
	}
}

func TestMarshalNil(t *testing.T) {
	data, err := Marshal(Bytes, nil)
	require.NoError(t, err)
	assert.Nil(t, data)

	v, err := Unmarshal(Bytes, nil)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestWrongTypeIsSerializerError(t *testing.T) {
	_, err := Marshal(Int64, "not a number")
	require.ErrorIs(t, err, ErrSerializer)

	_, err = Unmarshal(Int64, []byte{1, 2, 3})
	require.ErrorIs(t, err, ErrSerializer)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(Bytes, nil, nil))
	assert.False(t, Equal(Bytes, nil, []byte{}))
	assert.True(t, Equal(Bytes, []byte("a"), []byte("a")))
	assert.False(t, Equal(Bytes, []byte("a"), []byte("b")))
	assert.True(t, Equal(String, "x", "x"))
	assert.False(t, Equal(Int64, int64(1), int64(2)))
}

// TestChecksumDetectsSingleByteFlips flips each byte of an encoded record in
// turn and expects every decode to fail as corruption.
func TestChecksumDetectsSingleByteFlips(t *testing.T) {
	ser := Checksum(Bytes)
	data, err := Marshal(ser, []byte("the quick brown fox jumps over the lazy dog"))
	require.NoError(t, err)

	v, err := Unmarshal(ser, data)
	require.NoError(t, err)
	assert.Equal(t, []byte("the quick brown fox jumps over the lazy dog"), v)

	for i := range data {
		for _, mask := range []byte{0x01, 0x80, 0xFF} {
			corrupt := bytes.Clone(data)
			corrupt[i] ^= mask
			_, err := Unmarshal(ser, corrupt)
			require.ErrorIs(t, err, ErrDataCorruption, "byte %d mask %#x", i, mask)
		}
	}
}

func TestChecksumTooShort(t *testing.T) {
	_, err := Unmarshal(Checksum(Bytes), []byte{1, 2})
	require.ErrorIs(t, err, ErrDataCorruption)
}

func TestCompressFallsBackOnRandomData(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	ser := Compress(Bytes)

	for _, size := range []int{0, 1, 15, 100, 4096, 70000} {
		in := make([]byte, size)
		rnd.Read(in)

		data, err := Marshal(ser, in)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(data), len(in)+1, "size %d", size)

		out, err := Unmarshal(ser, data)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestCompressShrinksRepetitiveData(t *testing.T) {
	in := bytes.Repeat([]byte("abcdefgh"), 1000)
	ser := Compress(Bytes)

	data, err := Marshal(ser, in)
	require.NoError(t, err)
	assert.Less(t, len(data), len(in)/4)
	assert.NotZero(t, data[0], "compressed form must carry a non-zero length header")

	out, err := Unmarshal(ser, data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestCompressRejectsMalformedBlock(t *testing.T) {
	in := bytes.Repeat([]byte("xyz"), 500)
	data, err := Marshal(Compress(Bytes), in)
	require.NoError(t, err)

	_, err = Unmarshal(Compress(Bytes), data[:len(data)/2])
	require.ErrorIs(t, err, ErrDataCorruption)

	_, err = Unmarshal(Compress(Bytes), []byte{0x80})
	require.ErrorIs(t, err, ErrDataCorruption)
}

func TestCompressThenChecksum(t *testing.T) {
	ser := Checksum(Compress(String))
	in := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	data, err := Marshal(ser, in)
	require.NoError(t, err)
	out, err := Unmarshal(ser, data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.True(t, Equal(ser, in, out))
}
