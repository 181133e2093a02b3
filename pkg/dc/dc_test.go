package dc

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	goethercat "github.com/samsamfire/goethercat"
	"github.com/samsamfire/goethercat/internal/sim"
	"github.com/samsamfire/goethercat/pkg/maindevice"
	"github.com/samsamfire/goethercat/pkg/subdevice"
)

// forkedTree builds the reference topology :
//
//	[M] -> A(3 ports) -> B ; A -> C -> D
func forkedTree() []*subdevice.SubDevice {
	a := &subdevice.SubDevice{
		Position:         0,
		PortsOpen:        [4]bool{true, true, true, false},
		PortReceiveTimes: [4]uint32{100, 300, 200, 0},
	}
	b := &subdevice.SubDevice{
		Position:         1,
		PortsOpen:        [4]bool{true, false, false, false},
		PortReceiveTimes: [4]uint32{150, 0, 0, 0},
	}
	c := &subdevice.SubDevice{
		Position:         2,
		PortsOpen:        [4]bool{true, true, false, false},
		PortReceiveTimes: [4]uint32{230, 270, 0, 0},
	}
	d := &subdevice.SubDevice{
		Position:         3,
		PortsOpen:        [4]bool{true, false, false, false},
		PortReceiveTimes: [4]uint32{250, 0, 0, 0},
	}
	return []*subdevice.SubDevice{a, b, c, d}
}

func TestAssignParents(t *testing.T) {
	subs := forkedTree()
	assert.Nil(t, AssignParents(subs))

	assert.Nil(t, subs[0].Parent)
	assert.EqualValues(t, 0, *subs[1].Parent)
	assert.EqualValues(t, 0, *subs[2].Parent)
	assert.EqualValues(t, 2, *subs[3].Parent)
}

// Every parent precedes its child in discovery order.
func TestParentInDiscoveredSet(t *testing.T) {
	subs := forkedTree()
	assert.Nil(t, AssignParents(subs))
	for i := 1; i < len(subs); i++ {
		assert.NotNil(t, subs[i].Parent)
		assert.Less(t, int(*subs[i].Parent), i)
	}
}

func TestComputeDelays(t *testing.T) {
	subs := forkedTree()
	assert.Nil(t, AssignParents(subs))
	assert.Nil(t, ComputeDelays(subs))

	// Branch round trips at A are 100 ns each, C's subtree loop is
	// 40 ns : wire A-B (100-0)/2, wire A-C (100-40)/2, wire C-D 40/2
	assert.EqualValues(t, 0, subs[0].PropagationDelay)
	assert.EqualValues(t, 50, subs[1].PropagationDelay)
	assert.EqualValues(t, 30, subs[2].PropagationDelay)
	assert.EqualValues(t, 50, subs[3].PropagationDelay)

	// Delays never decrease along a root to leaf path
	for i := 1; i < len(subs); i++ {
		parent := subs[*subs[i].Parent]
		assert.GreaterOrEqual(t, subs[i].PropagationDelay, parent.PropagationDelay)
	}
}

func TestChainDelays(t *testing.T) {
	// Plain chain of three, 100 ns per latch step
	subs := []*subdevice.SubDevice{
		{PortsOpen: [4]bool{true, true, false, false}, PortReceiveTimes: [4]uint32{100, 500, 0, 0}},
		{PortsOpen: [4]bool{true, true, false, false}, PortReceiveTimes: [4]uint32{200, 400, 0, 0}},
		{PortsOpen: [4]bool{true, false, false, false}, PortReceiveTimes: [4]uint32{300, 0, 0, 0}},
	}
	assert.Nil(t, AssignParents(subs))
	assert.Nil(t, ComputeDelays(subs))
	assert.EqualValues(t, 0, subs[0].PropagationDelay)
	assert.EqualValues(t, 100, subs[1].PropagationDelay)
	assert.EqualValues(t, 200, subs[2].PropagationDelay)
}

func TestNextCycleWait(t *testing.T) {
	s := &System{sync0Period: 2 * time.Millisecond, shift: 100 * time.Microsecond}

	// t = 5.5 ms : next boundary 6 ms, plus shift
	wait := s.NextCycleWait(5_500_000)
	assert.Equal(t, 600*time.Microsecond, wait)

	// Exactly on a boundary still waits one full period
	wait = s.NextCycleWait(6_000_000)
	assert.Equal(t, 2*time.Millisecond+100*time.Microsecond, wait)

	// Without SYNC0 there is no pacing
	idle := &System{}
	assert.Equal(t, time.Duration(0), idle.NextCycleWait(12345))
}

func newTestMaster(t *testing.T, devices ...*sim.Device) *maindevice.MainDevice {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	segment, lk := sim.NewSegment(logger, devices...)
	segment.Start()
	cfg := goethercat.DefaultConfig()
	cfg.DcStaticSyncIterations = 64
	md, err := maindevice.New(lk, cfg, logger, nil)
	assert.Nil(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = md.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		lk.Disconnect()
		segment.Wait()
		<-done
	})
	return md
}

// Full DC bring-up over a simulated chain : topology, offsets and
// static drift convergence.
func TestConfigure(t *testing.T) {
	devices := []*sim.Device{
		sim.NewDevice(sim.DeviceConfig{Name: "EK1100", SupportsDC: true}),
		sim.NewDevice(sim.DeviceConfig{Name: "EL2828", SupportsDC: true}),
		sim.NewDevice(sim.DeviceConfig{Name: "EL2889", SupportsDC: true}),
	}
	devices[0].SetSystemTime(1_000_000)
	devices[1].SetSystemTime(5_000_000)
	devices[2].SetSystemTime(9_000_000)
	md := newTestMaster(t, devices...)
	ctx := context.Background()

	subs := make([]*subdevice.SubDevice, len(devices))
	for i := range subs {
		station := uint16(0x1000 + i)
		assert.Nil(t, md.ApwrUint16(ctx, uint16(i), subdevice.RegStationAddress, station))
		subs[i] = &subdevice.SubDevice{Position: uint16(i), ConfiguredAddress: station}
	}

	system, err := Configure(ctx, md, subs, nil)
	assert.Nil(t, err)
	assert.Equal(t, subs[0], system.Reference())

	assert.EqualValues(t, 0, subs[0].PropagationDelay)
	assert.EqualValues(t, 100, subs[1].PropagationDelay)
	assert.EqualValues(t, 200, subs[2].PropagationDelay)
	for i := 1; i < len(subs); i++ {
		assert.True(t, subs[i].SupportsDC)
	}

	// After static drift compensation the clocks agree well below
	// the 100 us bound
	reference := devices[0].SystemTime()
	for _, d := range devices[1:] {
		deviation := int64(d.SystemTime()) - int64(reference)
		if deviation < 0 {
			deviation = -deviation
		}
		assert.Less(t, deviation, int64(100_000))
	}
}

func TestConfigureSync0(t *testing.T) {
	devices := []*sim.Device{
		sim.NewDevice(sim.DeviceConfig{Name: "EK1100", SupportsDC: true}),
	}
	md := newTestMaster(t, devices...)
	ctx := context.Background()
	assert.Nil(t, md.ApwrUint16(ctx, 0, subdevice.RegStationAddress, 0x1000))
	subs := []*subdevice.SubDevice{{Position: 0, ConfiguredAddress: 0x1000}}

	system, err := Configure(ctx, md, subs, nil)
	assert.Nil(t, err)

	period := 2 * time.Millisecond
	assert.Equal(t, ErrShiftOutOfRange,
		system.ConfigureSync0(ctx, period, 0, 100*time.Millisecond, 3*time.Millisecond))

	assert.Nil(t, system.ConfigureSync0(ctx, period, 0, 100*time.Millisecond, 50*time.Microsecond))
	assert.Equal(t, period, system.Sync0Period())

	// Start time is rounded down to a SYNC0 boundary
	raw := devices[0].ReadMemory(subdevice.RegDCSyncStartTime, 8)
	start := uint64(0)
	for i := 7; i >= 0; i-- {
		start = start<<8 | uint64(raw[i])
	}
	assert.EqualValues(t, 0, start%uint64(period.Nanoseconds()))

	activation := devices[0].ReadMemory(subdevice.RegDCSyncActivation, 1)
	assert.Equal(t, subdevice.DCSyncActivateCyclic|subdevice.DCSyncActivateSync0, activation[0])
}

func TestNoReference(t *testing.T) {
	devices := []*sim.Device{sim.NewDevice(sim.DeviceConfig{Name: "EL9011"})}
	md := newTestMaster(t, devices...)
	ctx := context.Background()
	assert.Nil(t, md.ApwrUint16(ctx, 0, subdevice.RegStationAddress, 0x1000))
	subs := []*subdevice.SubDevice{{Position: 0, ConfiguredAddress: 0x1000}}
	_, err := Configure(ctx, md, subs, nil)
	assert.Equal(t, ErrNoReference, err)
}
