package pdu

import (
	"context"
	"encoding/binary"
	"runtime"
	"time"

	goethercat "github.com/samsamfire/goethercat"
	"github.com/samsamfire/goethercat/pkg/frame"
)

// PduHandle identifies one pdu pushed into a frame and is later used
// to take its response out of the received frame.
type PduHandle struct {
	Index     uint8
	ordinal   int
	dataStart int
	dataLen   int
}

// CreatedFrame is an allocated slot being filled with pdus.
// It must end in either MarkSendable or Release.
type CreatedFrame struct {
	pool          *Pool
	slot          *slot
	slotIndex     uint32
	seq           uint32
	lastHeaderOff int
}

// PushPDU reserves a fresh pdu index, appends a datagram with the
// given command and address and returns a handle for its response.
// If data is nil the payload travels zeroed with the given length
// (read commands). A non-zero length with data shorter than it pads
// the remainder with zeroes.
func (f *CreatedFrame) PushPDU(command frame.Command, address frame.Address, data []byte, length uint16) (PduHandle, error) {
	s := f.slot
	payloadLen := int(length)
	if length == 0 {
		payloadLen = len(data)
	}
	if payloadLen > frame.MaxPduPayload {
		return PduHandle{}, ErrPduTooLong
	}
	if s.pduCount >= MaxPdusPerFrame {
		return PduHandle{}, ErrTooManyPdus
	}
	if s.used+frame.PduOverhead+payloadLen > frame.MaxFrameLength {
		return PduHandle{}, ErrFrameFull
	}
	index, err := f.pool.reserveIndex(f.slotIndex)
	if err != nil {
		return PduHandle{}, err
	}
	if s.pduCount > 0 {
		if err := frame.SetMoreFollows(s.buf[f.lastHeaderOff:]); err != nil {
			return PduHandle{}, err
		}
	}
	header := frame.PduHeader{
		Command: command,
		Index:   index,
		Address: address.Raw(),
		Length:  uint16(payloadLen),
	}
	if err := header.Encode(s.buf[s.used:]); err != nil {
		return PduHandle{}, err
	}
	f.lastHeaderOff = s.used
	dataStart := s.used + frame.PduHeaderLength
	n := copy(s.buf[dataStart:dataStart+payloadLen], data)
	for i := dataStart + n; i < dataStart+payloadLen; i++ {
		s.buf[i] = 0
	}
	// Working counter travels as zero
	s.buf[dataStart+payloadLen] = 0
	s.buf[dataStart+payloadLen+1] = 0

	handle := PduHandle{
		Index:     index,
		ordinal:   s.pduCount,
		dataStart: dataStart,
		dataLen:   payloadLen,
	}
	s.indices[s.pduCount] = index
	s.pduCount++
	s.used = dataStart + payloadLen + frame.PduTrailerLength
	return handle, nil
}

// MarkSendable finalizes the EtherCAT header, queues the frame for the
// TX worker and returns the future that resolves with the response.
func (f *CreatedFrame) MarkSendable() (*FrameFuture, error) {
	s := f.slot
	if s.pduCount == 0 {
		return nil, ErrEmptyFrame
	}
	datagrams := s.used - frame.EthernetHeaderLength - frame.HeaderLength
	if err := frame.EncodeHeader(s.buf[frame.EthernetHeaderLength:], datagrams); err != nil {
		return nil, err
	}
	fut := &FrameFuture{
		pool:      f.pool,
		slot:      s,
		slotIndex: f.slotIndex,
		ready:     s.ready,
	}
	if !s.state.CompareAndSwap(stateCreated, stateSendable) {
		return nil, goethercat.ErrIllegalArgument
	}
	f.pool.notifyTx()
	return fut, nil
}

// Release drops a frame that was never marked sendable, freeing its
// slot and every pdu index it reserved.
func (f *CreatedFrame) Release() {
	s := f.slot
	if s.state.Load() != stateCreated || s.seq.Load() != f.seq {
		return
	}
	f.pool.release(s, f.slotIndex)
}

// FrameFuture resolves once the reflected frame has been matched back
// to the slot. There is exactly one future and one waker per frame,
// every pdu in it completes at the same time.
type FrameFuture struct {
	pool      *Pool
	slot      *slot
	slotIndex uint32
	ready     chan struct{}
}

// Wait blocks until the response arrives, the configured retries are
// exhausted or ctx is cancelled. A timeout re-submits the same frame,
// with the same pdu indices, without allocating a new slot.
func (fut *FrameFuture) Wait(ctx context.Context) (*ReceivedFrame, error) {
	cfg := fut.pool.cfg
	retries := 0
	switch cfg.RetryBehaviour {
	case goethercat.RetryCount:
		retries = int(cfg.RetryCount)
	case goethercat.RetryForever:
		retries = -1
	}
	timer := time.NewTimer(cfg.PduTimeout)
	defer timer.Stop()
	for {
		select {
		case <-fut.ready:
			if fut.slot.state.CompareAndSwap(stateRxDone, stateRxProcessing) {
				return &ReceivedFrame{pool: fut.pool, slot: fut.slot, slotIndex: fut.slotIndex}, nil
			}
		case <-timer.C:
			if retries != 0 {
				if retries > 0 {
					retries--
				}
				if fut.slot.state.CompareAndSwap(stateSent, stateSendable) {
					fut.pool.stats.PduRetry()
					fut.pool.notifyTx()
				}
				// Either re-queued, still queued, or the response
				// raced in and the ready case will fire.
				timer.Reset(cfg.PduTimeout)
				continue
			}
			fut.cancel()
			fut.pool.stats.PduTimeout()
			return nil, ErrTimeout
		case <-ctx.Done():
			fut.cancel()
			return nil, ctx.Err()
		}
	}
}

// cancel drains the slot regardless of where the frame currently is.
// A response still in flight is discarded, no pdu index may leak.
func (fut *FrameFuture) cancel() {
	s := fut.slot
	for {
		switch state := s.state.Load(); state {
		case stateSendable, stateSent, stateRxDone:
			if s.state.CompareAndSwap(state, stateRxProcessing) {
				fut.pool.release(s, fut.slotIndex)
				return
			}
		case stateSending, stateRxBusy:
			// A worker is briefly touching the slot
			runtime.Gosched()
		default:
			return
		}
	}
}

// ReceivedFrame is an exclusive borrow of the response buffer.
// Close returns the slot to the pool.
type ReceivedFrame struct {
	pool      *Pool
	slot      *slot
	slotIndex uint32
	taken     [MaxPdusPerFrame]bool
	closed    bool
}

// Take extracts one pdu payload and its working counter. Each handle
// may be taken at most once, the slice is only valid until Close.
func (r *ReceivedFrame) Take(h PduHandle) ([]byte, uint16, error) {
	s := r.slot
	if r.closed || h.ordinal >= s.pduCount || s.indices[h.ordinal] != h.Index {
		return nil, 0, ErrInvalidIndex
	}
	if r.taken[h.ordinal] {
		return nil, 0, ErrAlreadyTaken
	}
	r.taken[h.ordinal] = true
	data := s.buf[h.dataStart : h.dataStart+h.dataLen]
	wkc := binary.LittleEndian.Uint16(s.buf[h.dataStart+h.dataLen:])
	return data, wkc, nil
}

// Close releases the slot back to None and clears every reserved pdu
// index that maps to it.
func (r *ReceivedFrame) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.pool.release(r.slot, r.slotIndex)
}
