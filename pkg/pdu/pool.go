// Package pdu implements the frame pool and PDU loop : a fixed
// capacity arena of Ethernet frame sized slots coordinated entirely
// through per-slot atomic state, shared between application tasks,
// the TX worker and the RX worker.
package pdu

import (
	"log/slog"
	"math"
	"sync/atomic"

	goethercat "github.com/samsamfire/goethercat"
	"github.com/samsamfire/goethercat/pkg/frame"
	"github.com/samsamfire/goethercat/pkg/stats"
)

// Slot lifecycle. A slot is owned by the allocating task in Created,
// Sendable (queued), Sent (awaiting response), RxDone and
// RxProcessing, by the TX worker in Sending and by the RX worker in
// RxBusy. Transitions only happen through compare and swap.
const (
	stateNone uint32 = iota
	stateCreated
	stateSendable
	stateSending
	stateSent
	stateRxBusy
	stateRxDone
	stateRxProcessing
)

// MaxPdusPerFrame bounds the per-slot index list.
const MaxPdusPerFrame = 16

// reservationFree marks an unreserved cell of the pdu index table.
const reservationFree = uint32(math.MaxUint32)

type slot struct {
	state atomic.Uint32
	// Bumped on every allocation, tags handles against slot reuse.
	seq atomic.Uint32
	buf []byte
	// Bytes of buf in use, headers included. Owned together with the
	// fields below by whoever holds the state (see above).
	used     int
	pduCount int
	indices  [MaxPdusPerFrame]uint8
	// Single waker for the whole frame, replaced on every allocation.
	ready chan struct{}
}

type Pool struct {
	logger       *slog.Logger
	cfg          *goethercat.Config
	stats        *stats.Stats
	mac          [6]byte
	slots        []slot
	allocHint    atomic.Uint32
	indexHint    atomic.Uint32
	reservations [256]atomic.Uint32
	txNotify     chan struct{}
}

// NewPool creates a pool of capacity frame slots. Capacity must be a
// power of two. A nil st disables metrics.
func NewPool(capacity int, cfg *goethercat.Config, logger *slog.Logger, st *stats.Stats) (*Pool, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 || capacity > 256 {
		return nil, goethercat.ErrIllegalArgument
	}
	if cfg == nil {
		cfg = goethercat.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		logger:   logger,
		cfg:      cfg,
		stats:    st,
		mac:      frame.DefaultMAC,
		slots:    make([]slot, capacity),
		txNotify: make(chan struct{}, 1),
	}
	for i := range p.slots {
		p.slots[i].buf = make([]byte, frame.MaxFrameLength)
	}
	for i := range p.reservations {
		p.reservations[i].Store(reservationFree)
	}
	return p, nil
}

// SetMAC overrides the source address written into outgoing frames.
func (p *Pool) SetMAC(mac [6]byte) {
	p.mac = mac
}

// AllocateFrame claims a free slot, scanning from a rolling hint so
// consecutive allocations do not convoy on slot zero. The outer
// Ethernet header is written once here.
func (p *Pool) AllocateFrame() (*CreatedFrame, error) {
	n := len(p.slots)
	start := int(p.allocHint.Add(1))
	for i := 0; i < n; i++ {
		idx := (start + i) & (n - 1)
		s := &p.slots[idx]
		if !s.state.CompareAndSwap(stateNone, stateCreated) {
			continue
		}
		s.seq.Add(1)
		s.pduCount = 0
		s.ready = make(chan struct{}, 1)
		if err := frame.EncodeEthernetHeader(s.buf, p.mac); err != nil {
			return nil, err
		}
		s.used = frame.EthernetHeaderLength + frame.HeaderLength
		return &CreatedFrame{pool: p, slot: s, slotIndex: uint32(idx), seq: s.seq.Load()}, nil
	}
	return nil, ErrCreateFrame
}

// reserveIndex claims a fresh pdu index for the given slot, scanning
// the reservation table from a rolling hint. At most one live pdu may
// hold a given index across the whole pool.
func (p *Pool) reserveIndex(slotIndex uint32) (uint8, error) {
	start := p.indexHint.Add(1)
	for i := uint32(0); i < 256; i++ {
		idx := uint8(start + i)
		if p.reservations[idx].CompareAndSwap(reservationFree, slotIndex) {
			return idx, nil
		}
	}
	return 0, ErrSwarmedPduIndices
}

// release returns a slot to None and frees every pdu index it holds.
// The caller must have exclusive ownership of the slot.
func (p *Pool) release(s *slot, slotIndex uint32) {
	for i := 0; i < s.pduCount; i++ {
		p.reservations[s.indices[i]].CompareAndSwap(slotIndex, reservationFree)
	}
	s.pduCount = 0
	s.used = 0
	s.state.Store(stateNone)
}

func (p *Pool) notifyTx() {
	select {
	case p.txNotify <- struct{}{}:
	default:
	}
}
