package frame

import (
	"github.com/samsamfire/goethercat/internal/wire"
)

// PduHeader is the 10 byte header in front of every datagram.
// The payload follows, then the 2 byte working counter.
type PduHeader struct {
	Command     Command
	Index       uint8
	Address     uint32
	Length      uint16 // 11 bits on the wire
	Circulating bool
	MoreFollows bool
	Irq         uint16
}

// Encode writes the header into buf.
func (h *PduHeader) Encode(buf []byte) error {
	w := wire.NewWriter(buf)
	w.Uint8(uint8(h.Command))
	w.Uint8(h.Index)
	w.Uint32(h.Address)
	flags := wire.PutBits(0, h.Length, 0, 11)
	if h.Circulating {
		flags = wire.PutBits(flags, 1, 14, 1)
	}
	if h.MoreFollows {
		flags = wire.PutBits(flags, 1, 15, 1)
	}
	w.Uint16(flags)
	w.Uint16(h.Irq)
	return w.Err()
}

// Decode parses the header from buf.
func (h *PduHeader) Decode(buf []byte) error {
	r := wire.NewReader(buf)
	h.Command = Command(r.Uint8())
	h.Index = r.Uint8()
	h.Address = r.Uint32()
	flags := r.Uint16()
	h.Length = wire.Bits(flags, 0, 11)
	h.Circulating = wire.Bits(flags, 14, 1) != 0
	h.MoreFollows = wire.Bits(flags, 15, 1) != 0
	h.Irq = r.Uint16()
	return r.Err()
}

// SetMoreFollows flips the more-follows bit of an already encoded
// header in place, used when a further PDU is appended to the frame.
func SetMoreFollows(encoded []byte) error {
	if len(encoded) < PduHeaderLength {
		return wire.ErrBufferTooShort
	}
	encoded[7] |= 0x80
	return nil
}

// Pdu is one decoded datagram of a received frame. Data points into
// the receive buffer.
type Pdu struct {
	Header         PduHeader
	Data           []byte
	WorkingCounter uint16
}

// DecodePdus walks the datagrams region of a received frame.
func DecodePdus(region []byte) ([]Pdu, error) {
	pdus := []Pdu{}
	r := wire.NewReader(region)
	for {
		var h PduHeader
		if err := h.Decode(r.Take(PduHeaderLength)); err != nil {
			return nil, err
		}
		data := r.Take(int(h.Length))
		wkc := r.Uint16()
		if err := r.Err(); err != nil {
			return nil, err
		}
		pdus = append(pdus, Pdu{Header: h, Data: data, WorkingCounter: wkc})
		if !h.MoreFollows {
			return pdus, nil
		}
	}
}

// FirstPduIndex peeks the index of the first datagram of a received
// frame without a full parse. The RX path uses it to find the owning
// frame slot.
func FirstPduIndex(raw []byte) (uint8, error) {
	off := EthernetHeaderLength + HeaderLength
	if len(raw) < off+PduHeaderLength {
		return 0, wire.ErrBufferTooShort
	}
	return raw[off+1], nil
}
