// Package group owns a set of SubDevices and their process data
// image, and exposes the lifecycle as distinct types : a transition
// that is illegal for the current state does not exist on its type.
//
//	Init --Initialize--> PreOp --ConfigurePdi--> PreOpPdi
//	PreOpPdi --IntoSafeOp--> SafeOp <--> Op
package group

import (
	"context"
	"encoding/binary"
	"log/slog"
	"time"

	goethercat "github.com/samsamfire/goethercat"
	"github.com/samsamfire/goethercat/pkg/coe"
	"github.com/samsamfire/goethercat/pkg/config"
	"github.com/samsamfire/goethercat/pkg/dc"
	"github.com/samsamfire/goethercat/pkg/maindevice"
	"github.com/samsamfire/goethercat/pkg/subdevice"
)

// DefaultLogicalStart is where a group's window begins in logical
// address space.
const DefaultLogicalStart uint32 = 0x0001_0000

// PreOpHook runs once per SubDevice in PRE-OP, before the process
// data image is laid out. Typical uses are DC mode selection and PDO
// remapping through extra SDO writes.
type PreOpHook func(ctx context.Context, sd *subdevice.SubDevice, client *coe.Client) error

// group is the state shared by all lifecycle types. A transition
// returns a new lifecycle value over the same group; the receiver it
// was called on is not invalidated and still refers to the group.
type group struct {
	md           *maindevice.MainDevice
	logger       *slog.Logger
	cfg          *goethercat.Config
	configurator *config.SubDeviceConfigurator

	subs         []*subdevice.SubDevice
	pdi          []byte
	logicalStart uint32
	outputLen    int
	inputLen     int

	dcSystem *dc.System
}

type Init struct{ g *group }
type PreOp struct{ g *group }
type PreOpPdi struct{ g *group }
type SafeOp struct{ g *group }
type Op struct{ g *group }

// NewGroup creates an empty group in Init.
func NewGroup(md *maindevice.MainDevice, logger *slog.Logger) *Init {
	if logger == nil {
		logger = md.Logger()
	}
	return &Init{g: &group{
		md:           md,
		logger:       logger,
		cfg:          md.Config(),
		configurator: config.NewSubDeviceConfigurator(md, logger),
		logicalStart: DefaultLogicalStart,
	}}
}

// Initialize discovers the segment and brings every SubDevice to
// PRE-OP : reset, station address, identity, mailbox setup and PDO
// mapping sizes.
func (i *Init) Initialize(ctx context.Context) (*PreOp, error) {
	g := i.g
	count, err := g.md.CountSubDevices(ctx)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrNoSubDevices
	}
	g.logger.Info("discovered subdevices", "count", count)
	g.subs = make([]*subdevice.SubDevice, count)
	for position := uint16(0); position < count; position++ {
		sd := &subdevice.SubDevice{Position: position}
		if err := g.configurator.InitAndPreOp(ctx, sd); err != nil {
			return nil, err
		}
		g.subs[position] = sd
	}
	return &PreOp{g: g}, nil
}

func (p *PreOp) SubDevices() []*subdevice.SubDevice {
	return p.g.subs
}

// Hook runs the user hook over every SubDevice.
func (p *PreOp) Hook(ctx context.Context, hook PreOpHook) error {
	for _, sd := range p.g.subs {
		if err := hook(ctx, sd, p.g.configurator.Client()); err != nil {
			return err
		}
	}
	return nil
}

// ConfigurePdi lays out the process data image : all outputs as one
// contiguous run from the logical start, all inputs as a second run
// behind it, byte aligned per SubDevice, then programs the process
// data sync managers and FMMUs.
func (p *PreOp) ConfigurePdi(ctx context.Context) (*PreOpPdi, error) {
	g := p.g
	offset := 0
	for _, sd := range g.subs {
		if sd.Outputs.Length > 0 {
			sd.Outputs.Offset = offset
			sd.Outputs.LogicalStart = g.logicalStart + uint32(offset)
			offset += sd.Outputs.Length
		}
	}
	g.outputLen = offset
	for _, sd := range g.subs {
		if sd.Inputs.Length > 0 {
			sd.Inputs.Offset = offset
			sd.Inputs.LogicalStart = g.logicalStart + uint32(offset)
			offset += sd.Inputs.Length
		}
	}
	g.inputLen = offset - g.outputLen
	g.pdi = make([]byte, offset)

	for _, sd := range g.subs {
		if err := g.configurator.ProgramPdi(ctx, sd); err != nil {
			return nil, err
		}
	}
	g.logger.Info("process data image configured",
		"outputs", g.outputLen, "inputs", g.inputLen)
	return &PreOpPdi{g: g}, nil
}

// ConfigureDC measures the topology and synchronizes the distributed
// clocks. Optional, groups without DC skip straight to IntoSafeOp.
func (pp *PreOpPdi) ConfigureDC(ctx context.Context) error {
	system, err := dc.Configure(ctx, pp.g.md, pp.g.subs, pp.g.logger)
	if err != nil {
		return err
	}
	pp.g.dcSystem = system
	return nil
}

// ConfigureSync0 activates SYNC0/SYNC1 pulses, requires ConfigureDC.
func (pp *PreOpPdi) ConfigureSync0(ctx context.Context, sync0Period, sync1Period, startDelay, shift time.Duration) error {
	if pp.g.dcSystem == nil {
		return ErrNoDcConfigured
	}
	return pp.g.dcSystem.ConfigureSync0(ctx, sync0Period, sync1Period, startDelay, shift)
}

func (pp *PreOpPdi) SubDevices() []*subdevice.SubDevice {
	return pp.g.subs
}

func (pp *PreOpPdi) IntoSafeOp(ctx context.Context) (*SafeOp, error) {
	if err := pp.g.requestState(ctx, subdevice.StateSafeOp); err != nil {
		return nil, err
	}
	return &SafeOp{g: pp.g}, nil
}

// IntoOp blocks until every SubDevice reports OP. Devices that need
// cyclic process data to leave SAFE-OP want [SafeOp.RequestIntoOp]
// plus a running TxRx loop instead.
func (s *SafeOp) IntoOp(ctx context.Context) (*Op, error) {
	if err := s.g.requestState(ctx, subdevice.StateOp); err != nil {
		return nil, err
	}
	return &Op{g: s.g}, nil
}

// RequestIntoOp sets the target state and returns immediately. The
// cyclic loop drives the traffic that lets SubDevices reach OP, poll
// with AllOp and promote with Promote.
func (s *SafeOp) RequestIntoOp(ctx context.Context) error {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(subdevice.StateOp))
	_, err := s.g.md.Bwr(ctx, subdevice.RegALControl, buf)
	return err
}

// AllOp reads AL status of the whole group in one broadcast and
// reports whether every SubDevice is in OP.
func (s *SafeOp) AllOp(ctx context.Context) (bool, error) {
	return s.g.allOp(ctx)
}

// Promote converts to Op once AllOp holds.
func (s *SafeOp) Promote(ctx context.Context) (*Op, error) {
	ok, err := s.g.allOp(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidTransition
	}
	for _, sd := range s.g.subs {
		sd.State = subdevice.StateOp
	}
	return &Op{g: s.g}, nil
}

// TxRx exchanges process data while still in SAFE-OP : inputs are
// valid, outputs are ignored by the devices.
func (s *SafeOp) TxRx(ctx context.Context) (*CycleResult, error) {
	return s.g.txRx(ctx, false)
}

func (s *SafeOp) IntoPreOp(ctx context.Context) (*PreOp, error) {
	if err := s.g.requestState(ctx, subdevice.StatePreOp); err != nil {
		return nil, err
	}
	return &PreOp{g: s.g}, nil
}

func (s *SafeOp) SubDevices() []*subdevice.SubDevice {
	return s.g.subs
}

func (o *Op) SubDevices() []*subdevice.SubDevice {
	return o.g.subs
}

func (o *Op) AllOp(ctx context.Context) (bool, error) {
	return o.g.allOp(ctx)
}

// Outputs is the caller writable half of the process data image.
func (o *Op) Outputs() []byte {
	return o.g.pdi[:o.g.outputLen]
}

// Inputs is the device written half, refreshed by every TxRx.
func (o *Op) Inputs() []byte {
	return o.g.pdi[o.g.outputLen:]
}

// TxRx performs one cyclic process data exchange.
func (o *Op) TxRx(ctx context.Context) (*CycleResult, error) {
	return o.g.txRx(ctx, false)
}

// TxRxDC additionally redistributes the reference clock in the same
// frame and returns the reference time with the next cycle wait.
func (o *Op) TxRxDC(ctx context.Context) (*CycleResult, error) {
	if o.g.dcSystem == nil {
		return nil, ErrNoDcConfigured
	}
	return o.g.txRx(ctx, true)
}

func (o *Op) IntoSafeOp(ctx context.Context) (*SafeOp, error) {
	if err := o.g.requestState(ctx, subdevice.StateSafeOp); err != nil {
		return nil, err
	}
	return &SafeOp{g: o.g}, nil
}

func (p *PreOp) IntoInit(ctx context.Context) (*Init, error) {
	if err := p.g.requestState(ctx, subdevice.StateInit); err != nil {
		return nil, err
	}
	return &Init{g: p.g}, nil
}

// requestState broadcasts an AL control write and polls the broadcast
// AL status until every device reports the target. On an error flag
// the per-device codes are collected and the group rolls back to
// PRE-OP, except when INIT itself was the target.
func (g *group) requestState(ctx context.Context, target subdevice.ALState) error {
	n := uint16(len(g.subs))
	if n == 0 {
		return ErrNoSubDevices
	}
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(target))
	if _, err := g.md.Bwr(ctx, subdevice.RegALControl, buf); err != nil {
		return err
	}
	deadline := time.Now().Add(g.cfg.StateTransitionTimeout)
	for {
		data, wkc, err := g.md.Brd(ctx, subdevice.RegALStatus, 2)
		if err != nil {
			return err
		}
		if wkc == n {
			status := subdevice.ALState(binary.LittleEndian.Uint16(data))
			if status == target {
				for _, sd := range g.subs {
					sd.State = target
				}
				g.logger.Info("group state changed", "state", target)
				return nil
			}
			if status.HasError() {
				return g.collectFailures(ctx, target)
			}
		}
		if time.Now().After(deadline) {
			return g.collectFailures(ctx, target)
		}
		if g.cfg.WaitLoopDelay > 0 {
			time.Sleep(g.cfg.WaitLoopDelay)
		}
	}
}

func (g *group) collectFailures(ctx context.Context, target subdevice.ALState) error {
	failure := &TransitionError{Target: target}
	for _, sd := range g.subs {
		status, err := g.md.FprdUint16(ctx, sd.ConfiguredAddress, subdevice.RegALStatus)
		if err != nil {
			return err
		}
		state := subdevice.ALState(status)
		sd.State = state &^ subdevice.StateErrorFlag
		if state&^subdevice.StateErrorFlag == target && !state.HasError() {
			failure.OkCount++
			continue
		}
		code, err := g.md.FprdUint16(ctx, sd.ConfiguredAddress, subdevice.RegALStatusCode)
		if err != nil {
			return err
		}
		failure.Failed = append(failure.Failed, DeviceFailure{
			Address: sd.ConfiguredAddress,
			State:   state,
			Code:    subdevice.ALStatusCode(code),
		})
	}
	g.logger.Error("group transition failed", "target", target, "failed", len(failure.Failed))
	// Roll back to a safe state, INIT failures are terminal
	if target != subdevice.StateInit {
		buf := make([]byte, 2)
		binary.LittleEndian.PutUint16(buf, uint16(subdevice.StatePreOp))
		_, _ = g.md.Bwr(ctx, subdevice.RegALControl, buf)
	}
	return failure
}

func (g *group) allOp(ctx context.Context) (bool, error) {
	data, wkc, err := g.md.Brd(ctx, subdevice.RegALStatus, 2)
	if err != nil {
		return false, err
	}
	if wkc != uint16(len(g.subs)) {
		return false, nil
	}
	status := subdevice.ALState(binary.LittleEndian.Uint16(data))
	return status == subdevice.StateOp, nil
}
