package config

import (
	"context"
	"fmt"

	"github.com/samsamfire/goethercat/internal/wire"
	"github.com/samsamfire/goethercat/pkg/sii"
	"github.com/samsamfire/goethercat/pkg/subdevice"
)

// Sync manager control bytes : buffer mode and direction.
const (
	smControlMailboxWrite   uint8 = 0x26
	smControlMailboxRead    uint8 = 0x22
	smControlProcessOutputs uint8 = 0x64
	smControlProcessInputs  uint8 = 0x20
)

// Default physical buffer addresses for the process data sync
// managers, used when the SubDevice does not dictate its own.
const (
	defaultSm2Address uint16 = 0x1100
	defaultSm3Address uint16 = 0x1400
)

// CoE communication area objects.
const (
	objSmCommType     uint16 = 0x1C00
	objSmAssignBase   uint16 = 0x1C10
	smCommTypeOutputs uint8  = 3
	smCommTypeInputs  uint8  = 4
)

type syncManagerConfig struct {
	StartAddress uint16
	Length       uint16
	Control      uint8
	Activate     uint8
}

func (c *SubDeviceConfigurator) writeSyncManager(ctx context.Context, sd *subdevice.SubDevice, sm uint8, config *syncManagerConfig) error {
	buf := make([]byte, subdevice.SmEntrySize)
	w := wire.NewWriter(buf)
	w.Uint16(config.StartAddress)
	w.Uint16(config.Length)
	w.Uint8(config.Control)
	w.Uint8(0) // status, read only
	w.Uint8(config.Activate)
	w.Uint8(0) // PDI control, device side
	if err := w.Err(); err != nil {
		return err
	}
	wkc, err := c.md.Fpwr(ctx, sd.ConfiguredAddress, subdevice.RegSm(sm), buf)
	if err != nil {
		return err
	}
	if wkc != 1 {
		return fmt.Errorf("program SM%v of x%04x: wkc %v", sm, sd.ConfiguredAddress, wkc)
	}
	return nil
}

type fmmuConfig struct {
	LogicalStart  uint32
	Length        uint16
	PhysicalStart uint16
	Type          uint8
}

func (c *SubDeviceConfigurator) writeFmmu(ctx context.Context, sd *subdevice.SubDevice, unit uint8, config *fmmuConfig) error {
	buf := make([]byte, subdevice.FmmuEntrySize)
	w := wire.NewWriter(buf)
	w.Uint32(config.LogicalStart)
	w.Uint16(config.Length)
	w.Uint8(0) // logical start bit
	w.Uint8(7) // logical end bit, ranges are byte aligned
	w.Uint16(config.PhysicalStart)
	w.Uint8(0) // physical start bit
	w.Uint8(config.Type)
	w.Uint8(1) // activate
	w.Zero(3)
	if err := w.Err(); err != nil {
		return err
	}
	wkc, err := c.md.Fpwr(ctx, sd.ConfiguredAddress, subdevice.RegFmmu(unit), buf)
	if err != nil {
		return err
	}
	if wkc != 1 {
		return fmt.Errorf("program FMMU%v of x%04x: wkc %v", unit, sd.ConfiguredAddress, wkc)
	}
	return nil
}

// readPdoMapping determines the process data sizes of a SubDevice :
// through the CoE communication area when a mailbox is present,
// falling back to the SII PDO categories.
func (c *SubDeviceConfigurator) readPdoMapping(ctx context.Context, sd *subdevice.SubDevice) error {
	if sd.Mailbox.SupportsCoe() && sd.Mailbox.WriteLength > 0 {
		outputBits, inputBits, err := c.readPdoMappingCoe(ctx, sd)
		if err == nil {
			sd.Outputs.Length = (outputBits + 7) / 8
			sd.Inputs.Length = (inputBits + 7) / 8
			return nil
		}
		c.logger.Warn("CoE PDO mapping read failed, falling back to SII",
			"addr", sd.ConfiguredAddress, "err", err)
	}
	return c.readPdoMappingSii(ctx, sd)
}

func (c *SubDeviceConfigurator) readPdoMappingCoe(ctx context.Context, sd *subdevice.SubDevice) (outputBits int, inputBits int, err error) {
	smCount, err := c.client.ReadUint8(ctx, sd, objSmCommType, 0)
	if err != nil {
		return 0, 0, err
	}
	for sub := uint8(1); sub <= smCount; sub++ {
		smType, err := c.client.ReadUint8(ctx, sd, objSmCommType, sub)
		if err != nil {
			return 0, 0, err
		}
		if smType != smCommTypeOutputs && smType != smCommTypeInputs {
			continue
		}
		sm := sub - 1
		assignIndex := objSmAssignBase + uint16(sm)
		pdoCount, err := c.client.ReadUint8(ctx, sd, assignIndex, 0)
		if err != nil {
			return 0, 0, err
		}
		bits := 0
		for i := uint8(1); i <= pdoCount; i++ {
			pdoIndex, err := c.client.ReadUint16(ctx, sd, assignIndex, i)
			if err != nil {
				return 0, 0, err
			}
			if pdoIndex == 0 {
				continue
			}
			entryCount, err := c.client.ReadUint8(ctx, sd, pdoIndex, 0)
			if err != nil {
				return 0, 0, err
			}
			for e := uint8(1); e <= entryCount; e++ {
				// index u16 | subindex u8 | bit length u8
				entry, err := c.client.ReadUint32(ctx, sd, pdoIndex, e)
				if err != nil {
					return 0, 0, err
				}
				bits += int(entry & 0xFF)
			}
		}
		if smType == smCommTypeOutputs {
			outputBits += bits
		} else {
			inputBits += bits
		}
	}
	return outputBits, inputBits, nil
}

func (c *SubDeviceConfigurator) readPdoMappingSii(ctx context.Context, sd *subdevice.SubDevice) error {
	rx, err := sii.ReadPdoCategory(ctx, c.md, sd.ConfiguredAddress, sii.CategoryRxPdo)
	if err != nil {
		return fmt.Errorf("read RXPDO category: %w", err)
	}
	tx, err := sii.ReadPdoCategory(ctx, c.md, sd.ConfiguredAddress, sii.CategoryTxPdo)
	if err != nil {
		return fmt.Errorf("read TXPDO category: %w", err)
	}
	outputBits, inputBits := 0, 0
	for i := range rx {
		outputBits += rx[i].BitLength()
	}
	for i := range tx {
		inputBits += tx[i].BitLength()
	}
	sd.Outputs.Length = (outputBits + 7) / 8
	sd.Inputs.Length = (inputBits + 7) / 8
	return nil
}

// ProgramPdi programs the process data sync managers and FMMUs from
// the logical ranges the group assigned to sd.Outputs and sd.Inputs.
// Ranges are byte aligned per SubDevice.
func (c *SubDeviceConfigurator) ProgramPdi(ctx context.Context, sd *subdevice.SubDevice) error {
	fmmuUnit := uint8(0)
	if sd.Outputs.Length > 0 {
		sm := syncManagerConfig{
			StartAddress: defaultSm2Address,
			Length:       uint16(sd.Outputs.Length),
			Control:      smControlProcessOutputs,
			Activate:     1,
		}
		if err := c.writeSyncManager(ctx, sd, subdevice.SmOutputs, &sm); err != nil {
			return err
		}
		fmmu := fmmuConfig{
			LogicalStart:  sd.Outputs.LogicalStart,
			Length:        uint16(sd.Outputs.Length),
			PhysicalStart: defaultSm2Address,
			Type:          subdevice.FmmuTypeWrite,
		}
		if err := c.writeFmmu(ctx, sd, fmmuUnit, &fmmu); err != nil {
			return err
		}
		fmmuUnit++
	}
	if sd.Inputs.Length > 0 {
		sm := syncManagerConfig{
			StartAddress: defaultSm3Address,
			Length:       uint16(sd.Inputs.Length),
			Control:      smControlProcessInputs,
			Activate:     1,
		}
		if err := c.writeSyncManager(ctx, sd, subdevice.SmInputs, &sm); err != nil {
			return err
		}
		fmmu := fmmuConfig{
			LogicalStart:  sd.Inputs.LogicalStart,
			Length:        uint16(sd.Inputs.Length),
			PhysicalStart: defaultSm3Address,
			Type:          subdevice.FmmuTypeRead,
		}
		if err := c.writeFmmu(ctx, sd, fmmuUnit, &fmmu); err != nil {
			return err
		}
	}
	return nil
}
