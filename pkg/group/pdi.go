package group

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/samsamfire/goethercat/pkg/frame"
	"github.com/samsamfire/goethercat/pkg/maindevice"
	"github.com/samsamfire/goethercat/pkg/pdu"
	"github.com/samsamfire/goethercat/pkg/subdevice"
)

// CycleResult is the outcome of one process data exchange.
type CycleResult struct {
	// Aggregate working counter over all process data pdus
	WorkingCounter uint16
	ExpectedWkc    uint16
	// Reference clock value, only set by TxRxDC
	ReferenceTime uint64
	// Time to sleep until the next cycle boundary plus shift, only
	// set by TxRxDC when SYNC0 is configured
	NextCycleWait time.Duration
}

// chunkRef is one LRW pdu of the image with its placement.
type chunkRef struct {
	handle pdu.PduHandle
	offset int
	length int
}

// pending is one in-flight frame of the cycle.
type pending struct {
	future *pdu.FrameFuture
	chunks []chunkRef
	// DC distribution pdu, first pdu of the first frame when present
	frmw *pdu.PduHandle
}

// expectedWkc sums the per-device LRW contributions : 1 for a read
// (inputs), 2 for a write (outputs).
func (g *group) expectedWkc() uint16 {
	expected := uint16(0)
	for _, sd := range g.subs {
		if sd.Inputs.Length > 0 {
			expected += 1
		}
		if sd.Outputs.Length > 0 {
			expected += 2
		}
	}
	return expected
}

// txRx splits the image into LRW chunks, packs them into as few
// frames as possible, sends everything and only then awaits the
// responses. The optional DC FRMW travels first in the first frame.
func (g *group) txRx(ctx context.Context, withDc bool) (*CycleResult, error) {
	start := time.Now()
	pool := g.md.Pool()
	result := &CycleResult{ExpectedWkc: g.expectedWkc()}

	frames := []*pending{}
	current, err := pool.AllocateFrame()
	if err != nil {
		return nil, err
	}
	active := &pending{}

	if withDc {
		reference := g.dcSystem.Reference()
		handle, err := current.PushPDU(
			frame.CommandFrmw,
			frame.Configured(reference.ConfiguredAddress, subdevice.RegDCSystemTime),
			nil, 8,
		)
		if err != nil {
			current.Release()
			return nil, err
		}
		active.frmw = &handle
	}

	for offset := 0; offset < len(g.pdi); {
		length := len(g.pdi) - offset
		if length > frame.MaxPduPayload {
			length = frame.MaxPduPayload
		}
		handle, err := current.PushPDU(
			frame.CommandLrw,
			frame.Logical(g.logicalStart+uint32(offset)),
			g.pdi[offset:offset+length], 0,
		)
		if err == pdu.ErrFrameFull || err == pdu.ErrTooManyPdus {
			// Frame is packed, ship it and continue in a fresh one
			future, err := current.MarkSendable()
			if err != nil {
				current.Release()
				g.drain(ctx, frames)
				return nil, err
			}
			active.future = future
			frames = append(frames, active)
			if current, err = pool.AllocateFrame(); err != nil {
				g.drain(ctx, frames)
				return nil, err
			}
			active = &pending{}
			continue
		}
		if err != nil {
			current.Release()
			g.drain(ctx, frames)
			return nil, err
		}
		active.chunks = append(active.chunks, chunkRef{handle: handle, offset: offset, length: length})
		offset += length
	}

	if active.frmw == nil && len(active.chunks) == 0 {
		current.Release()
	} else {
		future, err := current.MarkSendable()
		if err != nil {
			current.Release()
			g.drain(ctx, frames)
			return nil, err
		}
		active.future = future
		frames = append(frames, active)
	}

	// Everything is on the wire, collect the responses
	var firstErr error
	for _, p := range frames {
		received, err := p.future.Wait(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if p.frmw != nil {
			if data, _, err := received.Take(*p.frmw); err == nil {
				result.ReferenceTime = binary.LittleEndian.Uint64(data)
			}
		}
		for _, c := range p.chunks {
			data, wkc, err := received.Take(c.handle)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			copy(g.pdi[c.offset:c.offset+c.length], data)
			result.WorkingCounter += wkc
		}
		received.Close()
	}
	if firstErr != nil {
		return nil, firstErr
	}

	g.md.Stats().ObserveCycle(time.Since(start).Seconds())

	if result.WorkingCounter != result.ExpectedWkc {
		g.md.Stats().WkcMismatch()
		return result, &maindevice.WorkingCounterError{
			Command:  frame.CommandLrw,
			Address:  g.logicalStart,
			Expected: result.ExpectedWkc,
			Got:      result.WorkingCounter,
		}
	}
	if withDc && g.dcSystem != nil {
		result.NextCycleWait = g.dcSystem.NextCycleWait(result.ReferenceTime)
	}
	return result, nil
}

// drain awaits frames that were already shipped when a later step
// failed, so no slot or pdu index leaks.
func (g *group) drain(ctx context.Context, frames []*pending) {
	for _, p := range frames {
		if p.future == nil {
			continue
		}
		if received, err := p.future.Wait(ctx); err == nil {
			received.Close()
		}
	}
}
