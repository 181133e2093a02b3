package pdu

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	goethercat "github.com/samsamfire/goethercat"
	"github.com/samsamfire/goethercat/pkg/frame"
	"github.com/samsamfire/goethercat/pkg/link"
	"github.com/samsamfire/goethercat/pkg/link/virtual"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoFrame reflects a master frame : locally administered source bit
// set, every working counter bumped to 1, payloads unchanged.
func echoFrame(raw []byte) []byte {
	out := make([]byte, len(raw))
	copy(out, raw)
	out[7] |= 0x02
	offset := frame.EthernetHeaderLength + frame.HeaderLength
	for {
		lengthFlags := binary.LittleEndian.Uint16(out[offset+6:])
		length := int(lengthFlags & 0x07FF)
		wkcOff := offset + frame.PduHeaderLength + length
		binary.LittleEndian.PutUint16(out[wkcOff:], 1)
		if lengthFlags&0x8000 == 0 {
			return out
		}
		offset = wkcOff + 2
	}
}

// startEcho runs a peer that echoes every frame, optionally dropping
// the first drop frames.
func startEcho(t *testing.T, drop *atomic.Int32) link.Link {
	t.Helper()
	master, peer := virtual.NewPair()
	go func() {
		buf := make([]byte, 1518)
		for {
			n, err := peer.Recv(buf)
			if err != nil {
				return
			}
			if drop != nil && drop.Add(-1) >= 0 {
				continue
			}
			if _, err := peer.Send(echoFrame(buf[:n])); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() { master.Disconnect() })
	return master
}

func startPool(t *testing.T, cfg *goethercat.Config, lk link.Link) *Pool {
	t.Helper()
	pool, err := NewPool(16, cfg, testLogger(), nil)
	assert.Nil(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(ctx, lk)
	}()
	t.Cleanup(func() {
		cancel()
		lk.Disconnect()
		<-done
	})
	return pool
}

func reservedCount(p *Pool) int {
	count := 0
	for i := range p.reservations {
		if p.reservations[i].Load() != reservationFree {
			count++
		}
	}
	return count
}

func TestNewPoolValidation(t *testing.T) {
	_, err := NewPool(12, nil, testLogger(), nil)
	assert.Equal(t, goethercat.ErrIllegalArgument, err)
	_, err = NewPool(0, nil, testLogger(), nil)
	assert.Equal(t, goethercat.ErrIllegalArgument, err)
	_, err = NewPool(512, nil, testLogger(), nil)
	assert.Equal(t, goethercat.ErrIllegalArgument, err)
}

func TestAllocateExhaustion(t *testing.T) {
	pool, err := NewPool(4, nil, testLogger(), nil)
	assert.Nil(t, err)
	frames := []*CreatedFrame{}
	for i := 0; i < 4; i++ {
		f, err := pool.AllocateFrame()
		assert.Nil(t, err)
		frames = append(frames, f)
	}
	_, err = pool.AllocateFrame()
	assert.Equal(t, ErrCreateFrame, err)

	frames[0].Release()
	_, err = pool.AllocateFrame()
	assert.Nil(t, err)
}

func TestPushErrors(t *testing.T) {
	pool, err := NewPool(4, nil, testLogger(), nil)
	assert.Nil(t, err)
	f, err := pool.AllocateFrame()
	assert.Nil(t, err)
	defer f.Release()

	_, err = f.PushPDU(frame.CommandLrd, frame.Logical(0), nil, 1500)
	assert.Equal(t, ErrPduTooLong, err)

	_, err = f.PushPDU(frame.CommandLrd, frame.Logical(0), nil, 1400)
	assert.Nil(t, err)
	_, err = f.PushPDU(frame.CommandLrd, frame.Logical(0), nil, 1400)
	assert.Equal(t, ErrFrameFull, err)
}

func TestTooManyPdus(t *testing.T) {
	pool, err := NewPool(4, nil, testLogger(), nil)
	assert.Nil(t, err)
	f, err := pool.AllocateFrame()
	assert.Nil(t, err)
	defer f.Release()
	for i := 0; i < MaxPdusPerFrame; i++ {
		_, err := f.PushPDU(frame.CommandBrd, frame.Broadcast(0), nil, 1)
		assert.Nil(t, err)
	}
	_, err = f.PushPDU(frame.CommandBrd, frame.Broadcast(0), nil, 1)
	assert.Equal(t, ErrTooManyPdus, err)
}

// 256 in-flight pdus swarm the index space, releasing a frame frees
// its indices again.
func TestPduIndexSwarm(t *testing.T) {
	pool, err := NewPool(256, nil, testLogger(), nil)
	assert.Nil(t, err)
	frames := []*CreatedFrame{}
	pushed := 0
	for pushed < 256 {
		f, err := pool.AllocateFrame()
		assert.Nil(t, err)
		frames = append(frames, f)
		for i := 0; i < MaxPdusPerFrame; i++ {
			_, err := f.PushPDU(frame.CommandBrd, frame.Broadcast(0), nil, 1)
			assert.Nil(t, err)
			pushed++
		}
	}
	assert.Equal(t, 256, reservedCount(pool))

	extra, err := pool.AllocateFrame()
	assert.Nil(t, err)
	_, err = extra.PushPDU(frame.CommandBrd, frame.Broadcast(0), nil, 1)
	assert.Equal(t, ErrSwarmedPduIndices, err)

	frames[0].Release()
	_, err = extra.PushPDU(frame.CommandBrd, frame.Broadcast(0), nil, 1)
	assert.Nil(t, err)
}

func TestReleaseClearsReservations(t *testing.T) {
	pool, err := NewPool(4, nil, testLogger(), nil)
	assert.Nil(t, err)
	f, err := pool.AllocateFrame()
	assert.Nil(t, err)
	for i := 0; i < 3; i++ {
		_, err := f.PushPDU(frame.CommandBrd, frame.Broadcast(0), nil, 4)
		assert.Nil(t, err)
	}
	assert.Equal(t, 3, reservedCount(pool))
	f.Release()
	assert.Equal(t, 0, reservedCount(pool))
	assert.EqualValues(t, stateNone, f.slot.state.Load())
}

func TestRoundTrip(t *testing.T) {
	cfg := goethercat.DefaultConfig()
	pool := startPool(t, cfg, startEcho(t, nil))

	f, err := pool.AllocateFrame()
	assert.Nil(t, err)
	handle, err := f.PushPDU(frame.CommandFpwr, frame.Configured(0x1000, 0x0120), []byte{0xAA, 0xBB}, 0)
	assert.Nil(t, err)
	future, err := f.MarkSendable()
	assert.Nil(t, err)

	received, err := future.Wait(context.Background())
	assert.Nil(t, err)
	data, wkc, err := received.Take(handle)
	assert.Nil(t, err)
	assert.Equal(t, []byte{0xAA, 0xBB}, data)
	assert.EqualValues(t, 1, wkc)

	// Taking twice is rejected
	_, _, err = received.Take(handle)
	assert.Equal(t, ErrAlreadyTaken, err)

	received.Close()
	assert.Equal(t, 0, reservedCount(pool))
	assert.EqualValues(t, stateNone, f.slot.state.Load())
}

// One frame carrying a DC distribution pdu and a logical exchange,
// both handles extract their own ranges.
func TestMultiPduFrame(t *testing.T) {
	cfg := goethercat.DefaultConfig()
	pool := startPool(t, cfg, startEcho(t, nil))

	f, err := pool.AllocateFrame()
	assert.Nil(t, err)
	frmw, err := f.PushPDU(frame.CommandFrmw, frame.Configured(0x1000, 0x0910), nil, 8)
	assert.Nil(t, err)
	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i)
	}
	lrw, err := f.PushPDU(frame.CommandLrw, frame.Logical(0x00010000), payload, 0)
	assert.Nil(t, err)

	future, err := f.MarkSendable()
	assert.Nil(t, err)
	received, err := future.Wait(context.Background())
	assert.Nil(t, err)

	clock, wkc, err := received.Take(frmw)
	assert.Nil(t, err)
	assert.Len(t, clock, 8)
	assert.EqualValues(t, 1, wkc)

	data, wkc, err := received.Take(lrw)
	assert.Nil(t, err)
	assert.Equal(t, payload, data)
	assert.EqualValues(t, 1, wkc)

	received.Close()
	assert.EqualValues(t, stateNone, f.slot.state.Load())
	assert.Equal(t, 0, reservedCount(pool))
}

// A link dropping the first three frames exhausts Count(2) : the
// caller sees exactly one timeout and nothing leaks.
func TestRetryExhaustion(t *testing.T) {
	cfg := goethercat.DefaultConfig()
	cfg.RetryBehaviour = goethercat.RetryCount
	cfg.RetryCount = 2
	cfg.PduTimeout = 20 * time.Millisecond

	drop := &atomic.Int32{}
	drop.Store(3)
	pool := startPool(t, cfg, startEcho(t, drop))

	f, err := pool.AllocateFrame()
	assert.Nil(t, err)
	_, err = f.PushPDU(frame.CommandBrd, frame.Broadcast(0), nil, 2)
	assert.Nil(t, err)
	future, err := f.MarkSendable()
	assert.Nil(t, err)

	_, err = future.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, reservedCount(pool))
	assert.EqualValues(t, stateNone, f.slot.state.Load())
}

// Dropping fewer frames than the retry budget recovers with the same
// frame and the same pdu index.
func TestRetryRecovers(t *testing.T) {
	cfg := goethercat.DefaultConfig()
	cfg.RetryBehaviour = goethercat.RetryCount
	cfg.RetryCount = 2
	cfg.PduTimeout = 20 * time.Millisecond

	drop := &atomic.Int32{}
	drop.Store(2)
	pool := startPool(t, cfg, startEcho(t, drop))

	f, err := pool.AllocateFrame()
	assert.Nil(t, err)
	handle, err := f.PushPDU(frame.CommandBrd, frame.Broadcast(0), nil, 2)
	assert.Nil(t, err)
	future, err := f.MarkSendable()
	assert.Nil(t, err)

	received, err := future.Wait(context.Background())
	assert.Nil(t, err)
	_, wkc, err := received.Take(handle)
	assert.Nil(t, err)
	assert.EqualValues(t, 1, wkc)
	received.Close()
}

func TestTimeoutWithoutRetry(t *testing.T) {
	cfg := goethercat.DefaultConfig()
	cfg.PduTimeout = 20 * time.Millisecond

	drop := &atomic.Int32{}
	drop.Store(1 << 30)
	pool := startPool(t, cfg, startEcho(t, drop))

	f, err := pool.AllocateFrame()
	assert.Nil(t, err)
	_, err = f.PushPDU(frame.CommandBrd, frame.Broadcast(0), nil, 2)
	assert.Nil(t, err)
	future, err := f.MarkSendable()
	assert.Nil(t, err)
	_, err = future.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, reservedCount(pool))
}

// Cancelling the future mid flight drains the slot, no pdu index may
// leak.
func TestCancellation(t *testing.T) {
	cfg := goethercat.DefaultConfig()
	cfg.PduTimeout = time.Second

	drop := &atomic.Int32{}
	drop.Store(1 << 30)
	pool := startPool(t, cfg, startEcho(t, drop))

	f, err := pool.AllocateFrame()
	assert.Nil(t, err)
	_, err = f.PushPDU(frame.CommandBrd, frame.Broadcast(0), nil, 2)
	assert.Nil(t, err)
	future, err := f.MarkSendable()
	assert.Nil(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = future.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, reservedCount(pool))
	assert.EqualValues(t, stateNone, f.slot.state.Load())
}

func TestEmptyFrame(t *testing.T) {
	pool, err := NewPool(4, nil, testLogger(), nil)
	assert.Nil(t, err)
	f, err := pool.AllocateFrame()
	assert.Nil(t, err)
	_, err = f.MarkSendable()
	assert.Equal(t, ErrEmptyFrame, err)
	f.Release()
}
