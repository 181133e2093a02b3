package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReaderWriterRoundTrip(t *testing.T) {
	buf := make([]byte, 15)
	w := NewWriter(buf)
	w.Uint8(0xAB)
	w.Uint16(0x1234)
	w.Uint32(0xDEADBEEF)
	w.Uint64(0x0102030405060708)
	assert.Nil(t, w.Err())
	assert.Equal(t, 15, w.Offset())

	r := NewReader(buf)
	assert.EqualValues(t, 0xAB, r.Uint8())
	assert.EqualValues(t, 0x1234, r.Uint16())
	assert.EqualValues(t, 0xDEADBEEF, r.Uint32())
	assert.EqualValues(t, 0x0102030405060708, r.Uint64())
	assert.Nil(t, r.Err())
	assert.Equal(t, 0, r.Remaining())
}

func TestLittleEndianLayout(t *testing.T) {
	buf := make([]byte, 4)
	w := NewWriter(buf)
	w.Uint32(0x11223344)
	assert.Equal(t, []byte{0x44, 0x33, 0x22, 0x11}, buf)
}

func TestBufferTooShort(t *testing.T) {
	r := NewReader([]byte{0x01})
	assert.EqualValues(t, 1, r.Uint8())
	assert.EqualValues(t, 0, r.Uint16())
	assert.Equal(t, ErrBufferTooShort, r.Err())
	// Error latches, later reads stay zero
	assert.EqualValues(t, 0, r.Uint32())

	w := NewWriter(make([]byte, 2))
	w.Uint32(1)
	assert.Equal(t, ErrBufferTooShort, w.Err())
}

func TestTakeAndSkip(t *testing.T) {
	r := NewReader([]byte{1, 2, 3, 4, 5})
	r.Skip(2)
	assert.Equal(t, []byte{3, 4}, r.Take(2))
	assert.Equal(t, 1, r.Remaining())
	assert.Nil(t, r.Take(2))
	assert.Equal(t, ErrBufferTooShort, r.Err())
}

func TestVisibleString(t *testing.T) {
	assert.Equal(t, "EK1100", VisibleString([]byte{'E', 'K', '1', '1', '0', '0', 0, 0}))
	assert.Equal(t, "", VisibleString([]byte{0, 0}))
	assert.Equal(t, "ab", VisibleString([]byte("ab")))
}

func TestBitfields(t *testing.T) {
	// 11 bit length, 4 bit type, LSB first
	v := PutBits(0, 0x5FF, 0, 11)
	v = PutBits(v, 1, 12, 4)
	assert.EqualValues(t, 0x5FF, Bits(v, 0, 11))
	assert.EqualValues(t, 1, Bits(v, 12, 4))
	assert.EqualValues(t, 0, Bits(v, 11, 1))

	// Merging does not disturb neighbours
	v = PutBits(v, 0, 12, 4)
	assert.EqualValues(t, 0x5FF, Bits(v, 0, 11))
}
