package sii_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	goethercat "github.com/samsamfire/goethercat"
	"github.com/samsamfire/goethercat/internal/sim"
	"github.com/samsamfire/goethercat/pkg/maindevice"
	"github.com/samsamfire/goethercat/pkg/sii"
	"github.com/samsamfire/goethercat/pkg/subdevice"
)

func newTestMaster(t *testing.T, devices ...*sim.Device) *maindevice.MainDevice {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	segment, lk := sim.NewSegment(logger, devices...)
	segment.Start()
	md, err := maindevice.New(lk, goethercat.DefaultConfig(), logger, nil)
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
	assert.Nil(t, md.ApwrUint16(ctx, 0, subdevice.RegStationAddress, 0x1000))
	return md
}

func TestReadIdentity(t *testing.T) {
	md := newTestMaster(t, sim.NewDevice(sim.DeviceConfig{
		Name:      "EK1100",
		VendorID:  0x00000002,
		ProductID: 0x044C2C52,
		Revision:  0x00110000,
		Serial:    12345,
		Alias:     0x0BAD,
	}))
	ctx := context.Background()

	identity, err := sii.ReadIdentity(ctx, md, 0x1000)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x00000002, identity.VendorID)
	assert.EqualValues(t, 0x044C2C52, identity.ProductID)
	assert.EqualValues(t, 0x00110000, identity.Revision)
	assert.EqualValues(t, 12345, identity.Serial)

	alias, err := sii.ReadAlias(ctx, md, 0x1000)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x0BAD, alias)
}

func TestReadDeviceName(t *testing.T) {
	md := newTestMaster(t, sim.NewDevice(sim.DeviceConfig{Name: "EL2889"}))
	ctx := context.Background()

	nameIdx, err := sii.ReadNameIndex(ctx, md, 0x1000)
	assert.Nil(t, err)
	assert.EqualValues(t, 1, nameIdx)

	name, err := sii.ReadString(ctx, md, 0x1000, nameIdx)
	assert.Nil(t, err)
	assert.Equal(t, "EL2889", name)

	// Only one string in the category
	_, err = sii.ReadString(ctx, md, 0x1000, 2)
	assert.Equal(t, sii.ErrStringNotFound, err)
	_, err = sii.ReadString(ctx, md, 0x1000, 0)
	assert.Equal(t, sii.ErrStringNotFound, err)
}

func TestReadMailboxConfig(t *testing.T) {
	md := newTestMaster(t, sim.NewDevice(sim.DeviceConfig{Name: "EL6021", Coe: true}))
	mbx, err := sii.ReadMailboxConfig(context.Background(), md, 0x1000)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x1000, mbx.WriteOffset)
	assert.EqualValues(t, 0x0080, mbx.WriteLength)
	assert.EqualValues(t, 0x1080, mbx.ReadOffset)
	assert.EqualValues(t, 0x0080, mbx.ReadLength)
	assert.True(t, mbx.SupportsCoe())
}

func TestNoMailboxWords(t *testing.T) {
	md := newTestMaster(t, sim.NewDevice(sim.DeviceConfig{Name: "EL2828"}))
	mbx, err := sii.ReadMailboxConfig(context.Background(), md, 0x1000)
	assert.Nil(t, err)
	assert.False(t, mbx.SupportsCoe())
	assert.EqualValues(t, 0, mbx.WriteLength)
}

func TestReaderSkip(t *testing.T) {
	md := newTestMaster(t, sim.NewDevice(sim.DeviceConfig{
		Name:     "skip",
		VendorID: 0x11223344,
	}))
	ctx := context.Background()

	// Skip an odd number of bytes into the vendor id word area
	r := sii.NewReader(md, 0x1000, sii.WordVendorID)
	assert.Nil(t, r.Skip(ctx, 1))
	b, err := r.ReadByte(ctx)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x33, b)
	b, err = r.ReadByte(ctx)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x22, b)
}

func TestPdoCategories(t *testing.T) {
	md := newTestMaster(t, sim.NewDevice(sim.DeviceConfig{
		Name:        "EL2828",
		OutputBytes: 1,
		InputBytes:  2,
	}))
	ctx := context.Background()

	rx, err := sii.ReadPdoCategory(ctx, md, 0x1000, sii.CategoryRxPdo)
	assert.Nil(t, err)
	assert.Len(t, rx, 1)
	assert.Equal(t, 8, rx[0].BitLength())

	tx, err := sii.ReadPdoCategory(ctx, md, 0x1000, sii.CategoryTxPdo)
	assert.Nil(t, err)
	assert.Len(t, tx, 1)
	assert.Equal(t, 16, tx[0].BitLength())
}

func TestCategoryNotFound(t *testing.T) {
	md := newTestMaster(t, sim.NewDevice(sim.DeviceConfig{Name: "EK1100"}))
	_, _, err := sii.FindCategory(context.Background(), md, 0x1000, sii.CategoryDc)
	assert.Equal(t, sii.ErrCategoryNotFound, err)
}
