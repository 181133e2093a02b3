package maindevice

import (
	"context"
	"encoding/binary"

	"github.com/samsamfire/goethercat/pkg/frame"
)

// Raw services. Read variants return the payload and the working
// counter, callers check the counter against their own expectation.

// Aprd reads length bytes from register ado of the SubDevice at the
// given wire position.
func (m *MainDevice) Aprd(ctx context.Context, position, ado uint16, length uint16) ([]byte, uint16, error) {
	return m.roundTrip(ctx, frame.CommandAprd, frame.AutoIncrement(position, ado), nil, length)
}

func (m *MainDevice) Apwr(ctx context.Context, position, ado uint16, data []byte) (uint16, error) {
	_, wkc, err := m.roundTrip(ctx, frame.CommandApwr, frame.AutoIncrement(position, ado), data, 0)
	return wkc, err
}

// Fprd reads length bytes from register ado of the SubDevice holding
// the given configured station address.
func (m *MainDevice) Fprd(ctx context.Context, station, ado uint16, length uint16) ([]byte, uint16, error) {
	return m.roundTrip(ctx, frame.CommandFprd, frame.Configured(station, ado), nil, length)
}

func (m *MainDevice) Fpwr(ctx context.Context, station, ado uint16, data []byte) (uint16, error) {
	_, wkc, err := m.roundTrip(ctx, frame.CommandFpwr, frame.Configured(station, ado), data, 0)
	return wkc, err
}

// Brd reads from every SubDevice, the data ORs together on the way
// through and the working counter counts the responders.
func (m *MainDevice) Brd(ctx context.Context, ado uint16, length uint16) ([]byte, uint16, error) {
	return m.roundTrip(ctx, frame.CommandBrd, frame.Broadcast(ado), nil, length)
}

func (m *MainDevice) Bwr(ctx context.Context, ado uint16, data []byte) (uint16, error) {
	_, wkc, err := m.roundTrip(ctx, frame.CommandBwr, frame.Broadcast(ado), data, 0)
	return wkc, err
}

func (m *MainDevice) Lrd(ctx context.Context, logical uint32, length uint16) ([]byte, uint16, error) {
	return m.roundTrip(ctx, frame.CommandLrd, frame.Logical(logical), nil, length)
}

func (m *MainDevice) Lwr(ctx context.Context, logical uint32, data []byte) (uint16, error) {
	_, wkc, err := m.roundTrip(ctx, frame.CommandLwr, frame.Logical(logical), data, 0)
	return wkc, err
}

func (m *MainDevice) Lrw(ctx context.Context, logical uint32, data []byte) ([]byte, uint16, error) {
	return m.roundTrip(ctx, frame.CommandLrw, frame.Logical(logical), data, 0)
}

// Frmw reads register ado of the addressed SubDevice and writes the
// value read into the same register of every following SubDevice.
// Used to redistribute the DC reference clock.
func (m *MainDevice) Frmw(ctx context.Context, station, ado uint16, length uint16) ([]byte, uint16, error) {
	return m.roundTrip(ctx, frame.CommandFrmw, frame.Configured(station, ado), nil, length)
}

// CountSubDevices counts the devices on the segment through the
// working counter of a broadcast read.
func (m *MainDevice) CountSubDevices(ctx context.Context) (uint16, error) {
	_, wkc, err := m.Brd(ctx, 0x0000, 1)
	return wkc, err
}

// Checked typed register accessors. The single-device services expect
// a working counter of exactly one.

func (m *MainDevice) FprdUint8(ctx context.Context, station, ado uint16) (uint8, error) {
	addr := frame.Configured(station, ado)
	data, wkc, err := m.roundTrip(ctx, frame.CommandFprd, addr, nil, 1)
	if err != nil {
		return 0, err
	}
	if err := m.checkWkc(frame.CommandFprd, addr, 1, wkc); err != nil {
		return 0, err
	}
	return data[0], nil
}

func (m *MainDevice) FprdUint16(ctx context.Context, station, ado uint16) (uint16, error) {
	addr := frame.Configured(station, ado)
	data, wkc, err := m.roundTrip(ctx, frame.CommandFprd, addr, nil, 2)
	if err != nil {
		return 0, err
	}
	if err := m.checkWkc(frame.CommandFprd, addr, 1, wkc); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(data), nil
}

func (m *MainDevice) FprdUint32(ctx context.Context, station, ado uint16) (uint32, error) {
	addr := frame.Configured(station, ado)
	data, wkc, err := m.roundTrip(ctx, frame.CommandFprd, addr, nil, 4)
	if err != nil {
		return 0, err
	}
	if err := m.checkWkc(frame.CommandFprd, addr, 1, wkc); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

func (m *MainDevice) FprdUint64(ctx context.Context, station, ado uint16) (uint64, error) {
	addr := frame.Configured(station, ado)
	data, wkc, err := m.roundTrip(ctx, frame.CommandFprd, addr, nil, 8)
	if err != nil {
		return 0, err
	}
	if err := m.checkWkc(frame.CommandFprd, addr, 1, wkc); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

func (m *MainDevice) FpwrUint8(ctx context.Context, station, ado uint16, value uint8) error {
	addr := frame.Configured(station, ado)
	wkc, err := m.Fpwr(ctx, station, ado, []byte{value})
	if err != nil {
		return err
	}
	return m.checkWkc(frame.CommandFpwr, addr, 1, wkc)
}

func (m *MainDevice) FpwrUint16(ctx context.Context, station, ado uint16, value uint16) error {
	addr := frame.Configured(station, ado)
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, value)
	wkc, err := m.Fpwr(ctx, station, ado, buf)
	if err != nil {
		return err
	}
	return m.checkWkc(frame.CommandFpwr, addr, 1, wkc)
}

func (m *MainDevice) FpwrUint32(ctx context.Context, station, ado uint16, value uint32) error {
	addr := frame.Configured(station, ado)
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	wkc, err := m.Fpwr(ctx, station, ado, buf)
	if err != nil {
		return err
	}
	return m.checkWkc(frame.CommandFpwr, addr, 1, wkc)
}

func (m *MainDevice) FpwrUint64(ctx context.Context, station, ado uint16, value uint64) error {
	addr := frame.Configured(station, ado)
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	wkc, err := m.Fpwr(ctx, station, ado, buf)
	if err != nil {
		return err
	}
	return m.checkWkc(frame.CommandFpwr, addr, 1, wkc)
}

func (m *MainDevice) AprdUint16(ctx context.Context, position, ado uint16) (uint16, error) {
	addr := frame.AutoIncrement(position, ado)
	data, wkc, err := m.roundTrip(ctx, frame.CommandAprd, addr, nil, 2)
	if err != nil {
		return 0, err
	}
	if err := m.checkWkc(frame.CommandAprd, addr, 1, wkc); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(data), nil
}

func (m *MainDevice) ApwrUint16(ctx context.Context, position, ado uint16, value uint16) error {
	addr := frame.AutoIncrement(position, ado)
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, value)
	wkc, err := m.Apwr(ctx, position, ado, buf)
	if err != nil {
		return err
	}
	return m.checkWkc(frame.CommandApwr, addr, 1, wkc)
}
