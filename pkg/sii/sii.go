// Package sii reads a SubDevice's EEPROM through the ESC's SII state
// machine : chunked 4 byte reads behind a byte oriented reader, plus
// decoders for the fixed words and the category area.
package sii

import (
	"context"
	"errors"
	"fmt"
	"time"

	goethercat "github.com/samsamfire/goethercat"
	"github.com/samsamfire/goethercat/pkg/maindevice"
	"github.com/samsamfire/goethercat/pkg/subdevice"
)

var (
	// ErrClearErrors means the SII error flags would not clear.
	ErrClearErrors = errors.New("could not clear SII error flags")
	ErrTimeout     = errors.New("SII state machine stayed busy")
	// ErrSectionOverrun means a read ran past its category bounds.
	ErrSectionOverrun   = errors.New("read beyond SII section")
	ErrStringNotFound   = errors.New("SII string index not present")
	ErrCategoryNotFound = errors.New("SII category not present")
)

// Fixed word addresses of the SII layout.
const (
	WordNameIdx     uint16 = 0x0003
	WordAlias       uint16 = 0x0004
	WordVendorID    uint16 = 0x0008
	WordProductID   uint16 = 0x000A
	WordRevision    uint16 = 0x000C
	WordSerial      uint16 = 0x000E
	WordStdMailbox  uint16 = 0x0018
	WordMailboxProt uint16 = 0x001C
	// First category header
	WordFirstCategory uint16 = 0x0040
)

// Category types.
const (
	CategoryStrings uint16 = 10
	CategoryGeneral uint16 = 30
	CategoryFmmu    uint16 = 40
	CategorySyncM   uint16 = 41
	CategoryTxPdo   uint16 = 50
	CategoryRxPdo   uint16 = 51
	CategoryDc      uint16 = 60
	CategoryEnd     uint16 = 0xFFFF
)

// Reader is a byte oriented reader over the word addressed EEPROM of
// one SubDevice. Every refill drives the SII state machine through
// one 4 byte read.
type Reader struct {
	md      *maindevice.MainDevice
	station uint16
	cfg     *goethercat.Config

	wordAddr uint16
	chunk    [4]byte
	chunkLen int
	chunkPos int
}

// NewReader starts a reader at the given word address.
func NewReader(md *maindevice.MainDevice, station uint16, startWord uint16) *Reader {
	return &Reader{md: md, station: station, cfg: md.Config(), wordAddr: startWord}
}

// waitIdle polls the SII control register until the busy bit drops,
// clearing latched error flags on the way.
func (r *Reader) waitIdle(ctx context.Context) error {
	deadline := time.Now().Add(r.cfg.EepromTimeout)
	clearAttempted := false
	for {
		status, err := r.md.FprdUint16(ctx, r.station, subdevice.RegSiiControl)
		if err != nil {
			return err
		}
		if status&subdevice.SiiErrorMask != 0 {
			if clearAttempted {
				return ErrClearErrors
			}
			clearAttempted = true
			if err := r.md.FpwrUint16(ctx, r.station, subdevice.RegSiiControl, 0); err != nil {
				return err
			}
			continue
		}
		if status&subdevice.SiiBusy == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		if r.cfg.WaitLoopDelay > 0 {
			time.Sleep(r.cfg.WaitLoopDelay)
		}
	}
}

// refill issues one SII read of 4 bytes at the current word address.
func (r *Reader) refill(ctx context.Context) error {
	if err := r.waitIdle(ctx); err != nil {
		return err
	}
	if err := r.md.FpwrUint16(ctx, r.station, subdevice.RegSiiAddress, r.wordAddr); err != nil {
		return err
	}
	if err := r.md.FpwrUint16(ctx, r.station, subdevice.RegSiiControl, subdevice.SiiCommandRead); err != nil {
		return err
	}
	if err := r.waitIdle(ctx); err != nil {
		return err
	}
	data, wkc, err := r.md.Fprd(ctx, r.station, subdevice.RegSiiData, 4)
	if err != nil {
		return err
	}
	if wkc != 1 {
		return fmt.Errorf("SII data read @ word x%04x: wkc %v", r.wordAddr, wkc)
	}
	copy(r.chunk[:], data)
	r.chunkLen = 4
	r.chunkPos = 0
	r.wordAddr += 2
	return nil
}

// ReadByte returns the next byte of the EEPROM.
func (r *Reader) ReadByte(ctx context.Context) (byte, error) {
	if r.chunkPos >= r.chunkLen {
		if err := r.refill(ctx); err != nil {
			return 0, err
		}
	}
	b := r.chunk[r.chunkPos]
	r.chunkPos++
	return b, nil
}

// TakeInto fills buf with the next len(buf) bytes.
func (r *Reader) TakeInto(ctx context.Context, buf []byte) error {
	for i := range buf {
		b, err := r.ReadByte(ctx)
		if err != nil {
			return err
		}
		buf[i] = b
	}
	return nil
}

// Skip advances n bytes. Whole words are skipped by moving the word
// address, an odd remainder realigns and discards one byte.
func (r *Reader) Skip(ctx context.Context, n int) error {
	// Drain what the chunk already holds
	for n > 0 && r.chunkPos < r.chunkLen {
		r.chunkPos++
		n--
	}
	if n == 0 {
		return nil
	}
	r.wordAddr += uint16(n / 2)
	if n%2 == 1 {
		if err := r.refill(ctx); err != nil {
			return err
		}
		r.chunkPos = 1
	}
	return nil
}

func (r *Reader) ReadUint16(ctx context.Context) (uint16, error) {
	var buf [2]byte
	if err := r.TakeInto(ctx, buf[:]); err != nil {
		return 0, err
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

func (r *Reader) ReadUint32(ctx context.Context) (uint32, error) {
	low, err := r.ReadUint16(ctx)
	if err != nil {
		return 0, err
	}
	high, err := r.ReadUint16(ctx)
	if err != nil {
		return 0, err
	}
	return uint32(high)<<16 | uint32(low), nil
}
