// Package dc implements the distributed clocks engine : propagation
// delay measurement over the topology tree, static drift
// compensation, system time offsets and SYNC0/SYNC1 activation.
package dc

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	goethercat "github.com/samsamfire/goethercat"
	"github.com/samsamfire/goethercat/pkg/maindevice"
	"github.com/samsamfire/goethercat/pkg/subdevice"
)

// System holds the DC state of one group after Configure.
type System struct {
	md     *maindevice.MainDevice
	logger *slog.Logger
	cfg    *goethercat.Config
	subs   []*subdevice.SubDevice

	reference   *subdevice.SubDevice
	sync0Period time.Duration
	shift       time.Duration
}

// Configure measures the topology, compensates static drift and
// writes the system time offsets. It leaves the segment with every DC
// capable SubDevice tracking the reference clock.
func Configure(ctx context.Context, md *maindevice.MainDevice, subs []*subdevice.SubDevice, logger *slog.Logger) (*System, error) {
	if logger == nil {
		logger = slog.Default()
	}
	system := &System{md: md, logger: logger, cfg: md.Config(), subs: subs}

	// Which ports are open, which devices have a DC unit
	for _, sd := range subs {
		status, err := md.FprdUint16(ctx, sd.ConfiguredAddress, subdevice.RegDLStatus)
		if err != nil {
			return nil, err
		}
		sd.PortsOpen[0] = status&subdevice.DLStatusPort0Open != 0
		sd.PortsOpen[1] = status&subdevice.DLStatusPort1Open != 0
		sd.PortsOpen[2] = status&subdevice.DLStatusPort2Open != 0
		sd.PortsOpen[3] = status&subdevice.DLStatusPort3Open != 0

		features, err := md.FprdUint16(ctx, sd.ConfiguredAddress, subdevice.RegEscFeatures)
		if err != nil {
			return nil, err
		}
		sd.SupportsDC = features&subdevice.EscFeatureDC != 0
	}

	// One broadcast write latches the receive time at every port of
	// every device simultaneously
	if _, err := md.Bwr(ctx, subdevice.RegDCReceiveTimePort0, make([]byte, 4)); err != nil {
		return nil, err
	}
	for _, sd := range subs {
		raw, wkc, err := md.Fprd(ctx, sd.ConfiguredAddress, subdevice.RegDCReceiveTimePort0, 16)
		if err != nil {
			return nil, err
		}
		if wkc != 1 {
			return nil, fmt.Errorf("port times of x%04x: wkc %v", sd.ConfiguredAddress, wkc)
		}
		for port := 0; port < 4; port++ {
			sd.PortReceiveTimes[port] = binary.LittleEndian.Uint32(raw[port*4:])
		}
	}

	if err := AssignParents(subs); err != nil {
		return nil, err
	}
	if err := ComputeDelays(subs); err != nil {
		return nil, err
	}

	for _, sd := range subs {
		if sd.SupportsDC {
			system.reference = sd
			break
		}
	}
	if system.reference == nil {
		return nil, ErrNoReference
	}
	system.logger.Info("DC reference selected",
		"addr", system.reference.ConfiguredAddress,
		"name", system.reference.Name,
	)

	if err := system.writeOffsets(ctx); err != nil {
		return nil, err
	}
	if err := system.staticDriftCompensation(ctx); err != nil {
		return nil, err
	}
	return system, nil
}

func (s *System) Reference() *subdevice.SubDevice {
	return s.reference
}

// writeOffsets programs the propagation delay and the system time
// offset of every DC capable device so their local copies line up
// with the reference.
func (s *System) writeOffsets(ctx context.Context) error {
	referenceTime, err := s.md.FprdUint64(ctx, s.reference.ConfiguredAddress, subdevice.RegDCSystemTime)
	if err != nil {
		return err
	}
	for _, sd := range s.subs {
		if !sd.SupportsDC {
			continue
		}
		if err := s.md.FpwrUint32(ctx, sd.ConfiguredAddress, subdevice.RegDCSystemTimeDelay, sd.PropagationDelay); err != nil {
			return err
		}
		localTime, err := s.md.FprdUint64(ctx, sd.ConfiguredAddress, subdevice.RegDCSystemTime)
		if err != nil {
			return err
		}
		offset := localTime - (referenceTime - uint64(sd.PropagationDelay))
		if err := s.md.FpwrUint64(ctx, sd.ConfiguredAddress, subdevice.RegDCSystemTimeOffset, offset); err != nil {
			return err
		}
	}
	return nil
}

// staticDriftCompensation repeatedly redistributes the reference
// system time so the per-device drift filters converge before cyclic
// operation starts.
func (s *System) staticDriftCompensation(ctx context.Context) error {
	iterations := s.cfg.DcStaticSyncIterations
	for i := uint32(0); i < iterations; i++ {
		if _, _, err := s.md.Frmw(ctx, s.reference.ConfiguredAddress, subdevice.RegDCSystemTime, 8); err != nil {
			return fmt.Errorf("%w: iteration %v: %w", ErrSyncFailed, i, err)
		}
	}
	s.logger.Info("static drift compensation done", "iterations", iterations)
	return nil
}

// ReadSystemTime reads the reference clock once, outside the cyclic
// path.
func (s *System) ReadSystemTime(ctx context.Context) (uint64, error) {
	return s.md.FprdUint64(ctx, s.reference.ConfiguredAddress, subdevice.RegDCSystemTime)
}

// ConfigureSync0 activates the SYNC0 (and optionally SYNC1) pulse on
// every DC capable SubDevice. The first pulse fires startDelay in the
// future, rounded down to a whole SYNC0 period so all devices align
// on the same cycle boundary.
func (s *System) ConfigureSync0(ctx context.Context, sync0Period, sync1Period, startDelay, shift time.Duration) error {
	if sync0Period <= 0 {
		return goethercat.ErrIllegalArgument
	}
	if shift < 0 || shift >= sync0Period {
		return ErrShiftOutOfRange
	}
	s.sync0Period = sync0Period
	s.shift = shift

	referenceTime, err := s.ReadSystemTime(ctx)
	if err != nil {
		return err
	}
	period := uint64(sync0Period.Nanoseconds())
	start := referenceTime + uint64(startDelay.Nanoseconds())
	start -= start % period

	for _, sd := range s.subs {
		if !sd.SupportsDC {
			continue
		}
		if err := s.md.FpwrUint64(ctx, sd.ConfiguredAddress, subdevice.RegDCSyncStartTime, start); err != nil {
			return err
		}
		if err := s.md.FpwrUint32(ctx, sd.ConfiguredAddress, subdevice.RegDCSync0CycleTime, uint32(sync0Period.Nanoseconds())); err != nil {
			return err
		}
		if err := s.md.FpwrUint32(ctx, sd.ConfiguredAddress, subdevice.RegDCSync1CycleTime, uint32(sync1Period.Nanoseconds())); err != nil {
			return err
		}
		activation := subdevice.DCSyncActivateCyclic | subdevice.DCSyncActivateSync0
		if sync1Period > 0 {
			activation |= subdevice.DCSyncActivateSync1
		}
		if err := s.md.FpwrUint8(ctx, sd.ConfiguredAddress, subdevice.RegDCSyncActivation, activation); err != nil {
			return err
		}
	}
	s.logger.Info("SYNC0 activated",
		"period", sync0Period,
		"start", start,
		"shift", shift,
	)
	return nil
}

// Sync0Period returns the configured cycle period, zero when SYNC0
// was never activated.
func (s *System) Sync0Period() time.Duration {
	return s.sync0Period
}

// NextCycleWait computes how long to sleep after observing the
// reference time t : until the next cycle boundary plus the
// configured shift. t_next = (t - t mod p) + p + shift.
func (s *System) NextCycleWait(referenceTime uint64) time.Duration {
	if s.sync0Period <= 0 {
		return 0
	}
	period := uint64(s.sync0Period.Nanoseconds())
	next := referenceTime - referenceTime%period + period + uint64(s.shift.Nanoseconds())
	return time.Duration(next - referenceTime)
}
