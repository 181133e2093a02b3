package coe_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	goethercat "github.com/samsamfire/goethercat"
	"github.com/samsamfire/goethercat/internal/sim"
	"github.com/samsamfire/goethercat/pkg/coe"
	"github.com/samsamfire/goethercat/pkg/maindevice"
	"github.com/samsamfire/goethercat/pkg/subdevice"
)

// newTestClient brings up one CoE device with its station address
// assigned and a SubDevice record pointing at its mailbox.
func newTestClient(t *testing.T) (*coe.Client, *subdevice.SubDevice, *sim.Device) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	device := sim.NewDevice(sim.DeviceConfig{Name: "EL7031-0030-drive", VendorID: 2, Coe: true})
	segment, lk := sim.NewSegment(logger, device)
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

	assert.Nil(t, md.ApwrUint16(ctx, 0, subdevice.RegStationAddress, 0x1001))
	sd := &subdevice.SubDevice{
		Position:          0,
		ConfiguredAddress: 0x1001,
		Mailbox: subdevice.MailboxConfig{
			WriteOffset: 0x1000,
			WriteLength: 0x0080,
			ReadOffset:  0x1080,
			ReadLength:  0x0080,
			Protocols:   subdevice.MailboxProtocolCoe,
		},
	}
	return coe.NewClient(md, logger), sd, device
}

func TestExpeditedUpload(t *testing.T) {
	client, sd, device := newTestClient(t)
	device.SetObject(0x1018, 1, []byte{0x02, 0x00})

	value, err := client.ReadUint16(context.Background(), sd, 0x1018, 1)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x0002, value)

	// Counter advanced, a second exchange still matches
	value, err = client.ReadUint16(context.Background(), sd, 0x1018, 1)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x0002, value)
}

// An 18 byte visible string travels in three segments with the toggle
// alternating 0, 1, 0.
func TestSegmentedUpload(t *testing.T) {
	client, sd, device := newTestClient(t)
	device.SetObject(0x1008, 0, []byte("EL7031-0030-drive\x00"))

	name, err := client.ReadString(context.Background(), sd, 0x1008, 0)
	assert.Nil(t, err)
	assert.Equal(t, "EL7031-0030-drive", name)
}

func TestExpeditedDownload(t *testing.T) {
	client, sd, device := newTestClient(t)
	assert.Nil(t, client.Write(context.Background(), sd, 0x6060, 0, uint8(8)))
	value, ok := device.Object(0x6060, 0)
	assert.True(t, ok)
	assert.Equal(t, []byte{8}, value)

	assert.Nil(t, client.Write(context.Background(), sd, 0x6081, 0, uint32(0x00010000)))
	value, ok = device.Object(0x6081, 0)
	assert.True(t, ok)
	assert.Equal(t, []byte{0x00, 0x00, 0x01, 0x00}, value)
}

func TestSegmentedDownload(t *testing.T) {
	client, sd, device := newTestClient(t)
	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	assert.Nil(t, client.Write(context.Background(), sd, 0x2000, 1, payload))
	value, ok := device.Object(0x2000, 1)
	assert.True(t, ok)
	assert.Equal(t, payload, value)
}

func TestSdoAbort(t *testing.T) {
	client, sd, _ := newTestClient(t)
	_, err := client.ReadUint32(context.Background(), sd, 0x5555, 0)
	assert.ErrorIs(t, err, coe.AbortObjectDoesNotExist)
}

func TestNoMailbox(t *testing.T) {
	client, _, _ := newTestClient(t)
	bare := &subdevice.SubDevice{ConfiguredAddress: 0x1001}
	_, err := client.ReadUint32(context.Background(), bare, 0x1018, 1)
	assert.ErrorIs(t, err, coe.ErrNoMailbox)
}

func TestMailboxCounterWraps(t *testing.T) {
	client, sd, device := newTestClient(t)
	device.SetObject(0x1018, 1, []byte{0x02, 0x00})
	// More exchanges than counter values, every response must match
	for i := 0; i < 10; i++ {
		_, err := client.ReadUint16(context.Background(), sd, 0x1018, 1)
		assert.Nil(t, err)
	}
}
