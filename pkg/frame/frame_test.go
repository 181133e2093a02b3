package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPduHeaderRoundTrip(t *testing.T) {
	header := PduHeader{
		Command:     CommandLrw,
		Index:       0x42,
		Address:     0x00010000,
		Length:      64,
		MoreFollows: true,
		Irq:         0,
	}
	buf := make([]byte, PduHeaderLength)
	assert.Nil(t, header.Encode(buf))

	var decoded PduHeader
	assert.Nil(t, decoded.Decode(buf))
	assert.Equal(t, header, decoded)
}

func TestSetMoreFollows(t *testing.T) {
	header := PduHeader{Command: CommandBrd, Index: 1, Length: 2}
	buf := make([]byte, PduHeaderLength)
	assert.Nil(t, header.Encode(buf))
	assert.Nil(t, SetMoreFollows(buf))

	var decoded PduHeader
	assert.Nil(t, decoded.Decode(buf))
	assert.True(t, decoded.MoreFollows)
	assert.EqualValues(t, 2, decoded.Length)
}

func TestEthernetHeader(t *testing.T) {
	buf := make([]byte, EthernetHeaderLength)
	assert.Nil(t, EncodeEthernetHeader(buf, DefaultMAC))
	assert.Equal(t, byte(0x88), buf[12])
	assert.Equal(t, byte(0xA4), buf[13])

	// Not reflected yet
	assert.Equal(t, ErrReflectedBit, CheckEthernetHeader(buf))
	buf[7] |= 0x02
	assert.Nil(t, CheckEthernetHeader(buf))
}

func TestHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, HeaderLength)
	assert.Nil(t, EncodeHeader(buf, 0x123))
	length, err := DecodeHeader(buf)
	assert.Nil(t, err)
	assert.Equal(t, 0x123, length)

	// Wrong type nibble is rejected
	buf[1] = 0xF0
	_, err = DecodeHeader(buf)
	assert.Equal(t, ErrNotEtherCAT, err)
}

func TestDecodePdus(t *testing.T) {
	region := make([]byte, 2*PduOverhead+4+8)
	first := PduHeader{Command: CommandFprd, Index: 1, Length: 4, MoreFollows: true}
	assert.Nil(t, first.Encode(region))
	copy(region[PduHeaderLength:], []byte{1, 2, 3, 4})
	region[PduHeaderLength+4] = 7 // wkc

	second := PduHeader{Command: CommandLrw, Index: 2, Length: 8}
	off := PduOverhead + 4
	assert.Nil(t, second.Encode(region[off:]))

	pdus, err := DecodePdus(region)
	assert.Nil(t, err)
	assert.Len(t, pdus, 2)
	assert.Equal(t, CommandFprd, pdus[0].Header.Command)
	assert.Equal(t, []byte{1, 2, 3, 4}, pdus[0].Data)
	assert.EqualValues(t, 7, pdus[0].WorkingCounter)
	assert.Equal(t, CommandLrw, pdus[1].Header.Command)
	assert.Len(t, pdus[1].Data, 8)
}

func TestFirstPduIndex(t *testing.T) {
	raw := make([]byte, EthernetHeaderLength+HeaderLength+PduHeaderLength)
	raw[EthernetHeaderLength+HeaderLength+1] = 0x77
	index, err := FirstPduIndex(raw)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x77, index)

	_, err = FirstPduIndex(raw[:10])
	assert.NotNil(t, err)
}

func TestAddressing(t *testing.T) {
	configured := Configured(0x1002, 0x0130)
	assert.EqualValues(t, 0x1002, configured.Position())
	assert.EqualValues(t, 0x0130, configured.Ado())

	// Auto increment negates the position on the wire
	auto := AutoIncrement(2, 0x0010)
	assert.EqualValues(t, 0xFFFE, auto.Position())

	logical := Logical(0x00012345)
	assert.EqualValues(t, 0x00012345, logical.Raw())
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "LRW", CommandLrw.String())
	assert.Equal(t, "FRMW", CommandFrmw.String())
	// Unknown discriminants format without aborting
	assert.Equal(t, "UNKNOWN", Command(0x55).String())
	assert.True(t, CommandBrd.Reads())
	assert.False(t, CommandBwr.Reads())
}
