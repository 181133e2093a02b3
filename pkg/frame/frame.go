// Package frame implements the EtherCAT wire format : the outer
// Ethernet II header, the 2 byte EtherCAT header and the PDU
// datagrams packed behind it.
package frame

import (
	"encoding/binary"
	"errors"

	"github.com/samsamfire/goethercat/internal/wire"
)

const (
	// EtherType of every EtherCAT frame.
	EtherType uint16 = 0x88A4

	EthernetHeaderLength = 14
	HeaderLength         = 2
	PduHeaderLength      = 10
	PduTrailerLength     = 2 // working counter

	// Minimum frame length including the Ethernet header (FCS not
	// counted), shorter frames are padded.
	MinFrameLength = 60
	MaxFrameLength = 1514

	// PduOverhead is the wire cost of one PDU beyond its payload.
	PduOverhead = PduHeaderLength + PduTrailerLength

	// MaxPduPayload is the payload capacity of a single PDU in an
	// otherwise empty frame.
	MaxPduPayload = MaxFrameLength - EthernetHeaderLength - HeaderLength - PduOverhead

	// Frame type nibble in the EtherCAT header for PDU transport.
	frameTypePdu = 1
)

var (
	ErrNotEtherCAT  = errors.New("not an EtherCAT frame")
	ErrReflectedBit = errors.New("frame source is not a reflected master frame")
)

// BroadcastMAC is the destination of every master frame.
var BroadcastMAC = [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// DefaultMAC is the master source address. The first SubDevice on the
// wire sets bit 0x02 of the second octet when the frame passes, which
// is how the master recognizes its own frames coming back.
var DefaultMAC = [6]byte{0x10, 0x10, 0x10, 0x10, 0x10, 0x10}

// IsReflected reports whether a received frame is a master frame that
// travelled the segment, judged by the second octet convention above.
func IsReflected(src []byte) bool {
	return len(src) >= 6 && src[1]&0x02 != 0
}

// EncodeEthernetHeader writes the Ethernet II header. Ethernet fields
// are the only big-endian part of the format.
func EncodeEthernetHeader(buf []byte, src [6]byte) error {
	if len(buf) < EthernetHeaderLength {
		return wire.ErrBufferTooShort
	}
	copy(buf[0:6], BroadcastMAC[:])
	copy(buf[6:12], src[:])
	binary.BigEndian.PutUint16(buf[12:14], EtherType)
	return nil
}

// EncodeHeader writes the EtherCAT header : 11 bit length of the
// datagrams region, 1 reserved bit, 4 bit type.
func EncodeHeader(buf []byte, datagramsLength int) error {
	if len(buf) < HeaderLength {
		return wire.ErrBufferTooShort
	}
	v := wire.PutBits(0, uint16(datagramsLength), 0, 11)
	v = wire.PutBits(v, frameTypePdu, 12, 4)
	binary.LittleEndian.PutUint16(buf, v)
	return nil
}

// DecodeHeader parses the EtherCAT header of a received frame and
// returns the length of the datagrams region.
func DecodeHeader(buf []byte) (int, error) {
	if len(buf) < HeaderLength {
		return 0, wire.ErrBufferTooShort
	}
	v := binary.LittleEndian.Uint16(buf)
	if wire.Bits(v, 12, 4) != frameTypePdu {
		return 0, ErrNotEtherCAT
	}
	return int(wire.Bits(v, 0, 11)), nil
}

// CheckEthernetHeader validates EtherType and the reflected-frame
// source rule on a received frame.
func CheckEthernetHeader(buf []byte) error {
	if len(buf) < EthernetHeaderLength {
		return wire.ErrBufferTooShort
	}
	if binary.BigEndian.Uint16(buf[12:14]) != EtherType {
		return ErrNotEtherCAT
	}
	if !IsReflected(buf[6:12]) {
		return ErrReflectedBit
	}
	return nil
}
