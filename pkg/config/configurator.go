// Package config drives a discovered SubDevice through its PRE-OP
// configuration : reset, station address, identity and name from SII,
// mailbox sync managers, AL transitions and PDO/PDI mapping.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goethercat "github.com/samsamfire/goethercat"
	"github.com/samsamfire/goethercat/pkg/coe"
	"github.com/samsamfire/goethercat/pkg/maindevice"
	"github.com/samsamfire/goethercat/pkg/sii"
	"github.com/samsamfire/goethercat/pkg/subdevice"
)

// Station addresses are assigned as base + wire position. The values
// are opaque to the network, this is just this master's convention.
const StationAddressBase uint16 = 0x1000

// AL control error acknowledge bit.
const alControlErrorAck uint8 = 0x10

type SubDeviceConfigurator struct {
	md     *maindevice.MainDevice
	client *coe.Client
	logger *slog.Logger
	cfg    *goethercat.Config
}

func NewSubDeviceConfigurator(md *maindevice.MainDevice, logger *slog.Logger) *SubDeviceConfigurator {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubDeviceConfigurator{
		md:     md,
		client: coe.NewClient(md, logger),
		logger: logger,
		cfg:    md.Config(),
	}
}

// Client exposes the CoE client, e.g. for user hooks doing extra SDO
// writes before SAFE-OP.
func (c *SubDeviceConfigurator) Client() *coe.Client {
	return c.client
}

// InitAndPreOp runs the per-device bring-up : reset, station address,
// identity, name, mailbox sync managers, PRE-OP and the PDO mapping
// read. After it returns, sd.Inputs.Length and sd.Outputs.Length hold
// the process data sizes and the group can lay out its image.
func (c *SubDeviceConfigurator) InitAndPreOp(ctx context.Context, sd *subdevice.SubDevice) error {
	position := sd.Position

	// Reset : clear FMMUs, sync managers and the DC cyclic unit,
	// request INIT acknowledging any latched error
	zeros := make([]byte, 16*int(subdevice.FmmuEntrySize))
	if _, err := c.md.Apwr(ctx, position, subdevice.RegFmmuBase, zeros); err != nil {
		return err
	}
	if _, err := c.md.Apwr(ctx, position, subdevice.RegSmBase, zeros[:16*int(subdevice.SmEntrySize)]); err != nil {
		return err
	}
	if _, err := c.md.Apwr(ctx, position, subdevice.RegDCSyncActivation, []byte{0}); err != nil {
		return err
	}
	if _, err := c.md.Apwr(ctx, position, subdevice.RegDCSystemTimeOffset, make([]byte, 8)); err != nil {
		return err
	}
	if _, err := c.md.Apwr(ctx, position, subdevice.RegDLControl, []byte{0}); err != nil {
		return err
	}
	if _, err := c.md.Apwr(ctx, position, subdevice.RegALControl,
		[]byte{uint8(subdevice.StateInit) | alControlErrorAck}); err != nil {
		return err
	}

	// Assign the configured station address, everything after this
	// addresses the device by station
	sd.ConfiguredAddress = StationAddressBase + position
	if err := c.md.ApwrUint16(ctx, position, subdevice.RegStationAddress, sd.ConfiguredAddress); err != nil {
		return err
	}
	if readback, err := c.md.FprdUint16(ctx, sd.ConfiguredAddress, subdevice.RegStationAddress); err != nil {
		return err
	} else if readback != sd.ConfiguredAddress {
		return fmt.Errorf("station address readback x%04x != x%04x", readback, sd.ConfiguredAddress)
	}

	if err := c.waitState(ctx, sd, subdevice.StateInit); err != nil {
		return err
	}

	// Identity, alias and name from SII
	identity, err := sii.ReadIdentity(ctx, c.md, sd.ConfiguredAddress)
	if err != nil {
		return fmt.Errorf("read identity: %w", err)
	}
	sd.Identity = identity
	if sd.AliasAddress, err = sii.ReadAlias(ctx, c.md, sd.ConfiguredAddress); err != nil {
		return fmt.Errorf("read alias: %w", err)
	}
	nameIdx, err := sii.ReadNameIndex(ctx, c.md, sd.ConfiguredAddress)
	if err != nil {
		return fmt.Errorf("read name index: %w", err)
	}
	if nameIdx != 0 {
		name, err := sii.ReadString(ctx, c.md, sd.ConfiguredAddress, nameIdx)
		if err != nil && err != sii.ErrStringNotFound && err != sii.ErrCategoryNotFound {
			return fmt.Errorf("read name: %w", err)
		}
		sd.Name = name
	}

	// Mailbox capability and sync managers
	mbx, err := sii.ReadMailboxConfig(ctx, c.md, sd.ConfiguredAddress)
	if err != nil {
		return fmt.Errorf("read mailbox config: %w", err)
	}
	sd.Mailbox = mbx
	if mbx.SupportsCoe() && mbx.WriteLength > 0 {
		if err := c.programMailboxSyncManagers(ctx, sd); err != nil {
			return err
		}
	}

	c.logger.Info("subdevice identified",
		"position", position,
		"addr", sd.ConfiguredAddress,
		"name", sd.Name,
		"vendor", fmt.Sprintf("x%08x", sd.Identity.VendorID),
		"product", fmt.Sprintf("x%08x", sd.Identity.ProductID),
	)

	if err := c.RequestState(ctx, sd, subdevice.StatePreOp); err != nil {
		return err
	}

	return c.readPdoMapping(ctx, sd)
}

// RequestState writes AL control and polls AL status until the target
// state is reached or the SubDevice latches an error code.
func (c *SubDeviceConfigurator) RequestState(ctx context.Context, sd *subdevice.SubDevice, target subdevice.ALState) error {
	if err := c.md.FpwrUint16(ctx, sd.ConfiguredAddress, subdevice.RegALControl, uint16(target)); err != nil {
		return err
	}
	return c.waitState(ctx, sd, target)
}

func (c *SubDeviceConfigurator) waitState(ctx context.Context, sd *subdevice.SubDevice, target subdevice.ALState) error {
	deadline := time.Now().Add(c.cfg.StateTransitionTimeout)
	for {
		status, err := c.md.FprdUint16(ctx, sd.ConfiguredAddress, subdevice.RegALStatus)
		if err != nil {
			return err
		}
		state := subdevice.ALState(status)
		if state.HasError() {
			code, err := c.md.FprdUint16(ctx, sd.ConfiguredAddress, subdevice.RegALStatusCode)
			if err != nil {
				return err
			}
			// Acknowledge so the device can retry later
			_ = c.md.FpwrUint16(ctx, sd.ConfiguredAddress, subdevice.RegALControl,
				uint16(state&^subdevice.StateErrorFlag)|uint16(alControlErrorAck))
			return fmt.Errorf("subdevice x%04x refused %v: %w", sd.ConfiguredAddress, target, subdevice.ALStatusCode(code))
		}
		if state&^subdevice.StateErrorFlag == target {
			sd.State = target
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("subdevice x%04x stuck in %v waiting for %v", sd.ConfiguredAddress, state, target)
		}
		if c.cfg.WaitLoopDelay > 0 {
			time.Sleep(c.cfg.WaitLoopDelay)
		}
	}
}

func (c *SubDeviceConfigurator) programMailboxSyncManagers(ctx context.Context, sd *subdevice.SubDevice) error {
	write := syncManagerConfig{
		StartAddress: sd.Mailbox.WriteOffset,
		Length:       sd.Mailbox.WriteLength,
		Control:      smControlMailboxWrite,
		Activate:     1,
	}
	if err := c.writeSyncManager(ctx, sd, subdevice.SmMailboxWrite, &write); err != nil {
		return err
	}
	read := syncManagerConfig{
		StartAddress: sd.Mailbox.ReadOffset,
		Length:       sd.Mailbox.ReadLength,
		Control:      smControlMailboxRead,
		Activate:     1,
	}
	return c.writeSyncManager(ctx, sd, subdevice.SmMailboxRead, &read)
}
