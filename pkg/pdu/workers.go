package pdu

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/samsamfire/goethercat/pkg/frame"
	"github.com/samsamfire/goethercat/pkg/link"
)

// Run starts the TX and RX workers on the given link and blocks until
// ctx is cancelled or the link fails. The link should be disconnected
// by the caller on shutdown so a blocking Recv unwinds.
func (p *Pool) Run(ctx context.Context, lk link.Link) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.txWorker(ctx, lk) })
	g.Go(func() error { return p.rxWorker(ctx, lk) })
	return g.Wait()
}

// txWorker drains Sendable slots, in any order, and hands complete
// Ethernet frames to the link. The Sent state is published before the
// bytes hit the wire so a fast response can never miss its slot.
func (p *Pool) txWorker(ctx context.Context, lk link.Link) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.txNotify:
		}
		for i := range p.slots {
			s := &p.slots[i]
			if !s.state.CompareAndSwap(stateSendable, stateSending) {
				continue
			}
			n := s.used
			for n < frame.MinFrameLength {
				s.buf[n] = 0
				n++
			}
			s.state.Store(stateSent)
			if _, err := lk.Send(s.buf[:n]); err != nil {
				// The slot stays Sent and recovers through the
				// normal timeout path
				p.logger.Warn("link send failed", "err", err)
				continue
			}
			p.stats.FrameSent()
		}
	}
}

// rxWorker consumes inbound frames, matches them back to slots by the
// first pdu index and wakes the single frame future. Unmatched or
// malformed frames are dropped, their slot recovers via timeout.
func (p *Pool) rxWorker(ctx context.Context, lk link.Link) error {
	buf := make([]byte, frame.MaxFrameLength+4)
	for {
		n, err := lk.Recv(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("link recv: %w", err)
		}
		if err := p.processInbound(buf[:n]); err != nil {
			p.logger.Debug("dropping inbound frame", "err", err)
			p.stats.FrameDropped()
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func (p *Pool) processInbound(raw []byte) error {
	if err := frame.CheckEthernetHeader(raw); err != nil {
		return err
	}
	datagrams, err := frame.DecodeHeader(raw[frame.EthernetHeaderLength:])
	if err != nil {
		return err
	}
	end := frame.EthernetHeaderLength + frame.HeaderLength + datagrams
	if end > len(raw) || datagrams < frame.PduOverhead {
		return ErrInvalidFrame
	}
	var first frame.PduHeader
	if err := first.Decode(raw[frame.EthernetHeaderLength+frame.HeaderLength:]); err != nil {
		return err
	}
	if first.Circulating {
		// A circulating pdu has not traversed the full ring
		return fmt.Errorf("%w: circulating pdu x%x", ErrInvalidFrame, first.Index)
	}
	slotIndex := p.reservations[first.Index].Load()
	if slotIndex == reservationFree || int(slotIndex) >= len(p.slots) {
		return fmt.Errorf("%w: no reservation for pdu index x%x", ErrInvalidIndex, first.Index)
	}
	s := &p.slots[slotIndex]
	if !s.state.CompareAndSwap(stateSent, stateRxBusy) {
		return fmt.Errorf("%w: slot %v is not awaiting a response", ErrInvalidIndex, slotIndex)
	}
	if s.pduCount == 0 || s.indices[0] != first.Index {
		// Stale response for a slot that has been reused
		s.state.Store(stateSent)
		return fmt.Errorf("%w: pdu index x%x is not first in slot %v", ErrInvalidIndex, first.Index, slotIndex)
	}
	copy(s.buf[frame.EthernetHeaderLength:end], raw[frame.EthernetHeaderLength:end])
	s.state.Store(stateRxDone)
	select {
	case s.ready <- struct{}{}:
	default:
	}
	p.stats.FrameReceived()
	return nil
}
