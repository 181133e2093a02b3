package coe

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"time"

	goethercat "github.com/samsamfire/goethercat"
	"github.com/samsamfire/goethercat/internal/wire"
	"github.com/samsamfire/goethercat/pkg/maindevice"
	"github.com/samsamfire/goethercat/pkg/subdevice"
)

// Client performs SDO transfers against one SubDevice at a time.
// Concurrent transfers against the same SubDevice must be serialized
// by the caller, the mailbox counter is ordered per device.
type Client struct {
	md     *maindevice.MainDevice
	logger *slog.Logger
	cfg    *goethercat.Config
}

func NewClient(md *maindevice.MainDevice, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{md: md, logger: logger, cfg: md.Config()}
}

// buildRequest frames an SDO section into a complete mailbox payload.
func buildRequest(sd *subdevice.SubDevice, counter uint8, sdo []byte) ([]byte, error) {
	buf := make([]byte, mailboxHeaderLength+coeHeaderLength+len(sdo))
	header := mailboxHeader{
		Length:      uint16(coeHeaderLength + len(sdo)),
		Address:     sd.ConfiguredAddress,
		TypeCounter: mailboxTypeCoe | counter<<4,
	}
	if err := header.encode(buf); err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint16(buf[mailboxHeaderLength:], serviceSdoRequest<<12)
	copy(buf[mailboxHeaderLength+coeHeaderLength:], sdo)
	return buf, nil
}

// mailboxWrite places a request into SM0. A working counter of zero
// means the mailbox is still full and the write is retried until the
// mailbox timeout.
func (c *Client) mailboxWrite(ctx context.Context, sd *subdevice.SubDevice, request []byte) error {
	if int(sd.Mailbox.WriteLength) < len(request) {
		return ErrOverfull
	}
	// The whole sync manager buffer must be written to trigger it
	full := make([]byte, sd.Mailbox.WriteLength)
	copy(full, request)
	deadline := time.Now().Add(c.cfg.MailboxResponseTimeout)
	for {
		wkc, err := c.md.Fpwr(ctx, sd.ConfiguredAddress, sd.Mailbox.WriteOffset, full)
		if err != nil {
			return err
		}
		if wkc == 1 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("mailbox write to x%04x: %w", sd.ConfiguredAddress, ErrTimeout)
		}
		if c.cfg.WaitLoopDelay > 0 {
			time.Sleep(c.cfg.WaitLoopDelay)
		}
	}
}

// mailboxRead polls SM1 until the SubDevice has mail for us, then
// validates the mailbox header and returns the CoE payload with the
// SDO section behind it.
func (c *Client) mailboxRead(ctx context.Context, sd *subdevice.SubDevice, counter uint8) ([]byte, error) {
	deadline := time.Now().Add(c.cfg.MailboxResponseTimeout)
	for {
		data, wkc, err := c.md.Fprd(ctx, sd.ConfiguredAddress, sd.Mailbox.ReadOffset, sd.Mailbox.ReadLength)
		if err != nil {
			return nil, err
		}
		if wkc == 1 {
			return c.parseResponse(sd, data, counter)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("mailbox read from x%04x: %w", sd.ConfiguredAddress, ErrTimeout)
		}
		if c.cfg.WaitLoopDelay > 0 {
			time.Sleep(c.cfg.WaitLoopDelay)
		}
	}
}

func (c *Client) parseResponse(sd *subdevice.SubDevice, data []byte, counter uint8) ([]byte, error) {
	var header mailboxHeader
	if err := header.decode(data); err != nil {
		return nil, err
	}
	if int(header.Length)+mailboxHeaderLength > len(data) {
		return nil, ErrOverfull
	}
	if header.mailboxType() != mailboxTypeCoe {
		return nil, fmt.Errorf("%w: mailbox type x%x", ErrResponse, header.mailboxType())
	}
	if counter != 0 && header.counter() != counter {
		return nil, fmt.Errorf("%w: sent %v got %v", ErrInvalidCounter, counter, header.counter())
	}
	payload := data[mailboxHeaderLength : mailboxHeaderLength+int(header.Length)]
	coeHeader := binary.LittleEndian.Uint16(payload)
	if coeHeader>>12 != serviceSdoResponse {
		return nil, fmt.Errorf("%w: CoE service x%x", ErrResponse, coeHeader>>12)
	}
	return payload[coeHeaderLength:], nil
}

// transfer performs one mailbox request/response pair.
func (c *Client) transfer(ctx context.Context, sd *subdevice.SubDevice, sdo []byte) ([]byte, error) {
	if !sd.Mailbox.SupportsCoe() || sd.Mailbox.WriteLength == 0 {
		return nil, ErrNoMailbox
	}
	counter := sd.NextMailboxCounter()
	request, err := buildRequest(sd, counter, sdo)
	if err != nil {
		return nil, err
	}
	if err := c.mailboxWrite(ctx, sd, request); err != nil {
		return nil, err
	}
	response, err := c.mailboxRead(ctx, sd, counter)
	if err != nil {
		return nil, err
	}
	if len(response) >= sdoHeaderLength+4 && response[0] == sdoAbort {
		return nil, AbortCode(binary.LittleEndian.Uint32(response[4:]))
	}
	return response, nil
}

// ReadRaw uploads an object into buf and returns the number of bytes
// read : one expedited exchange for values up to 4 bytes, otherwise a
// segmented transfer with alternating toggle bit.
func (c *Client) ReadRaw(ctx context.Context, sd *subdevice.SubDevice, index uint16, subindex uint8, buf []byte) (int, error) {
	sdo := make([]byte, sdoHeaderLength+4)
	sdo[0] = sdoUploadInitiate
	binary.LittleEndian.PutUint16(sdo[1:], index)
	sdo[3] = subindex
	response, err := c.transfer(ctx, sd, sdo)
	if err != nil {
		return 0, err
	}
	if len(response) < sdoHeaderLength+4 {
		return 0, ErrResponse
	}
	if got := binary.LittleEndian.Uint16(response[1:]); got != index || response[3] != subindex {
		return 0, fmt.Errorf("%w: response for x%x:%v", ErrResponse, got, response[3])
	}
	command := response[0]

	// Expedited : data sits in the initiate response
	if command&sdoFlagExpedited != 0 {
		count := 4
		if command&sdoFlagSizeIndicated != 0 {
			count -= int(command>>2) & 0x03
		}
		if count > len(buf) {
			return 0, ErrOverfull
		}
		copy(buf, response[sdoHeaderLength:sdoHeaderLength+count])
		c.logger.Debug("[RX] upload expedited", "addr", sd.ConfiguredAddress, "index", index, "subindex", subindex, "size", count)
		return count, nil
	}

	// Normal : the response indicates the complete size and may carry
	// a first block of data, segments follow until the done bit
	completeSize := int(binary.LittleEndian.Uint32(response[sdoHeaderLength:]))
	if completeSize > len(buf) {
		return 0, ErrOverfull
	}
	carried := response[sdoHeaderLength+4:]
	if len(carried) > completeSize {
		carried = carried[:completeSize]
	}
	transferred := copy(buf, carried)

	toggle := uint8(0)
	for transferred < completeSize {
		segment := make([]byte, sdoHeaderLength+4)
		segment[0] = sdoUploadSegment | toggle
		response, err := c.transfer(ctx, sd, segment)
		if err != nil {
			return transferred, err
		}
		if len(response) < 1 {
			return transferred, ErrResponse
		}
		if response[0]&sdoToggleBit != toggle {
			return transferred, AbortToggleBitUnchanged
		}
		data := response[1:]
		if rest := completeSize - transferred; len(data) > rest {
			data = data[:rest]
		}
		transferred += copy(buf[transferred:], data)
		if response[0]&sdoSegmentDone != 0 {
			break
		}
		toggle ^= sdoToggleBit
	}
	if transferred != completeSize {
		return transferred, fmt.Errorf("%w: got %v of %v bytes", ErrResponse, transferred, completeSize)
	}
	c.logger.Debug("[RX] upload segmented", "addr", sd.ConfiguredAddress, "index", index, "subindex", subindex, "size", transferred)
	return transferred, nil
}

// ReadAll uploads an object of unknown size.
func (c *Client) ReadAll(ctx context.Context, sd *subdevice.SubDevice, index uint16, subindex uint8) ([]byte, error) {
	buf := make([]byte, 4096)
	n, err := c.ReadRaw(ctx, sd, index, subindex, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// ReadString uploads a visible string, stripping trailing NULs.
func (c *Client) ReadString(ctx context.Context, sd *subdevice.SubDevice, index uint16, subindex uint8) (string, error) {
	raw, err := c.ReadAll(ctx, sd, index, subindex)
	if err != nil {
		return "", err
	}
	return wire.VisibleString(raw), nil
}

func (c *Client) ReadUint8(ctx context.Context, sd *subdevice.SubDevice, index uint16, subindex uint8) (uint8, error) {
	buf := make([]byte, 1)
	n, err := c.ReadRaw(ctx, sd, index, subindex, buf)
	if err != nil {
		return 0, err
	}
	if n != 1 {
		return 0, AbortDataTypeMismatch
	}
	return buf[0], nil
}

func (c *Client) ReadUint16(ctx context.Context, sd *subdevice.SubDevice, index uint16, subindex uint8) (uint16, error) {
	buf := make([]byte, 2)
	n, err := c.ReadRaw(ctx, sd, index, subindex, buf)
	if err != nil {
		return 0, err
	}
	if n != 2 {
		return 0, AbortDataTypeMismatch
	}
	return binary.LittleEndian.Uint16(buf), nil
}

func (c *Client) ReadUint32(ctx context.Context, sd *subdevice.SubDevice, index uint16, subindex uint8) (uint32, error) {
	buf := make([]byte, 4)
	n, err := c.ReadRaw(ctx, sd, index, subindex, buf)
	if err != nil {
		return 0, err
	}
	if n != 4 {
		return 0, AbortDataTypeMismatch
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// Write downloads a value : expedited for 4 bytes or fewer, otherwise
// a normal transfer followed by segments with the toggle discipline.
func (c *Client) Write(ctx context.Context, sd *subdevice.SubDevice, index uint16, subindex uint8, value any) error {
	var encoded []byte
	switch val := value.(type) {
	case uint8:
		encoded = []byte{val}
	case int8:
		encoded = []byte{byte(val)}
	case uint16:
		encoded = make([]byte, 2)
		binary.LittleEndian.PutUint16(encoded, val)
	case int16:
		encoded = make([]byte, 2)
		binary.LittleEndian.PutUint16(encoded, uint16(val))
	case uint32:
		encoded = make([]byte, 4)
		binary.LittleEndian.PutUint32(encoded, val)
	case int32:
		encoded = make([]byte, 4)
		binary.LittleEndian.PutUint32(encoded, uint32(val))
	case uint64:
		encoded = make([]byte, 8)
		binary.LittleEndian.PutUint64(encoded, val)
	case int64:
		encoded = make([]byte, 8)
		binary.LittleEndian.PutUint64(encoded, uint64(val))
	case float32:
		encoded = make([]byte, 4)
		binary.LittleEndian.PutUint32(encoded, math.Float32bits(val))
	case float64:
		encoded = make([]byte, 8)
		binary.LittleEndian.PutUint64(encoded, math.Float64bits(val))
	case string:
		encoded = []byte(val)
	case []byte:
		encoded = val
	default:
		return AbortDataTypeMismatch
	}

	if len(encoded) <= 4 {
		return c.downloadExpedited(ctx, sd, index, subindex, encoded)
	}
	return c.downloadSegmented(ctx, sd, index, subindex, encoded)
}

func (c *Client) downloadExpedited(ctx context.Context, sd *subdevice.SubDevice, index uint16, subindex uint8, data []byte) error {
	sdo := make([]byte, sdoHeaderLength+4)
	sdo[0] = sdoDownloadInitiate | sdoFlagExpedited | sdoFlagSizeIndicated | uint8(4-len(data))<<2
	binary.LittleEndian.PutUint16(sdo[1:], index)
	sdo[3] = subindex
	copy(sdo[sdoHeaderLength:], data)
	response, err := c.transfer(ctx, sd, sdo)
	if err != nil {
		return err
	}
	if len(response) < sdoHeaderLength || response[0]&0xE0 != 0x60 {
		return ErrResponse
	}
	c.logger.Debug("[TX] download expedited", "addr", sd.ConfiguredAddress, "index", index, "subindex", subindex, "size", len(data))
	return nil
}

func (c *Client) downloadSegmented(ctx context.Context, sd *subdevice.SubDevice, index uint16, subindex uint8, data []byte) error {
	sdo := make([]byte, sdoHeaderLength+4)
	sdo[0] = sdoDownloadInitiate | sdoFlagSizeIndicated
	binary.LittleEndian.PutUint16(sdo[1:], index)
	sdo[3] = subindex
	binary.LittleEndian.PutUint32(sdo[sdoHeaderLength:], uint32(len(data)))
	response, err := c.transfer(ctx, sd, sdo)
	if err != nil {
		return err
	}
	if len(response) < sdoHeaderLength || response[0]&0xE0 != 0x60 {
		return ErrResponse
	}

	// Segment data capacity of the write mailbox
	capacity := int(sd.Mailbox.WriteLength) - mailboxHeaderLength - coeHeaderLength - 1
	if capacity < 7 {
		capacity = 7
	}
	toggle := uint8(0)
	for offset := 0; offset < len(data); {
		count := len(data) - offset
		if count > capacity {
			count = capacity
		}
		segment := make([]byte, 1+count)
		segment[0] = sdoDownloadSegment | toggle
		if count < 7 {
			segment[0] |= uint8(7-count) << 1
		}
		if offset+count == len(data) {
			segment[0] |= sdoSegmentDone
		}
		copy(segment[1:], data[offset:offset+count])
		response, err := c.transfer(ctx, sd, segment)
		if err != nil {
			return err
		}
		if len(response) < 1 || response[0]&0xE0 != 0x20 {
			return ErrResponse
		}
		if response[0]&sdoToggleBit != toggle {
			return AbortToggleBitUnchanged
		}
		offset += count
		toggle ^= sdoToggleBit
	}
	c.logger.Debug("[TX] download segmented", "addr", sd.ConfiguredAddress, "index", index, "subindex", subindex, "size", len(data))
	return nil
}
