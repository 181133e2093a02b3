// Package coe implements CANopen-over-EtherCAT mailbox transfers :
// SDO expedited and segmented upload and download over the two
// mailbox sync managers.
package coe

import (
	"errors"
	"fmt"

	"github.com/samsamfire/goethercat/internal/wire"
)

var (
	ErrInvalidCounter = errors.New("mailbox counter in response does not match request")
	ErrOverfull       = errors.New("mailbox response exceeds buffer")
	ErrNoMailbox      = errors.New("subdevice has no CoE mailbox")
	ErrTimeout        = errors.New("timed out waiting for mailbox response")
	ErrResponse       = errors.New("unexpected SDO response")
)

// Mailbox header, 6 bytes in front of every mailbox payload.
const mailboxHeaderLength = 6

// Mailbox protocol type nibble.
const mailboxTypeCoe = 0x03

// CoE header services.
const (
	coeHeaderLength    = 2
	serviceSdoRequest  = 0x02
	serviceSdoResponse = 0x03
)

// SDO command specifiers, CANopen encoding.
const (
	sdoDownloadInitiate  = 0x20
	sdoDownloadSegment   = 0x00
	sdoUploadInitiate    = 0x40
	sdoUploadSegment     = 0x60
	sdoAbort             = 0x80
	sdoFlagExpedited     = 0x02
	sdoFlagSizeIndicated = 0x01
	sdoToggleBit         = 0x10
	sdoSegmentDone       = 0x01
)

// Fixed SDO section in front of initiate payloads : command byte,
// index, subindex.
const sdoHeaderLength = 4

type mailboxHeader struct {
	Length  uint16
	Address uint16
	Channel uint8
	// type nibble in the low bits, sequence counter in bits 4..6
	TypeCounter uint8
}

func (h *mailboxHeader) encode(buf []byte) error {
	w := wire.NewWriter(buf)
	w.Uint16(h.Length)
	w.Uint16(h.Address)
	w.Uint8(h.Channel)
	w.Uint8(h.TypeCounter)
	return w.Err()
}

func (h *mailboxHeader) decode(buf []byte) error {
	r := wire.NewReader(buf)
	h.Length = r.Uint16()
	h.Address = r.Uint16()
	h.Channel = r.Uint8()
	h.TypeCounter = r.Uint8()
	return r.Err()
}

func (h *mailboxHeader) mailboxType() uint8 {
	return h.TypeCounter & 0x0F
}

func (h *mailboxHeader) counter() uint8 {
	return h.TypeCounter >> 4 & 0x07
}

// AbortCode is the CoE SDO abort code, decoded into a named category.
type AbortCode uint32

const (
	AbortToggleBitUnchanged     AbortCode = 0x05030000
	AbortTimeout                AbortCode = 0x05040000
	AbortInvalidCommand         AbortCode = 0x05040001
	AbortOutOfMemory            AbortCode = 0x05040005
	AbortUnsupportedAccess      AbortCode = 0x06010000
	AbortWriteOnly              AbortCode = 0x06010001
	AbortReadOnly               AbortCode = 0x06010002
	AbortObjectDoesNotExist     AbortCode = 0x06020000
	AbortCannotBeMapped         AbortCode = 0x06040041
	AbortPdoLengthExceeded      AbortCode = 0x06040042
	AbortParameterIncompatible  AbortCode = 0x06040043
	AbortDeviceIncompatible     AbortCode = 0x06040047
	AbortHardwareError          AbortCode = 0x06060000
	AbortDataTypeMismatch       AbortCode = 0x06070010
	AbortDataTypeTooHigh        AbortCode = 0x06070012
	AbortDataTypeTooLow         AbortCode = 0x06070013
	AbortSubindexDoesNotExist   AbortCode = 0x06090011
	AbortInvalidValue           AbortCode = 0x06090030
	AbortValueTooHigh           AbortCode = 0x06090031
	AbortValueTooLow            AbortCode = 0x06090032
	AbortGeneralError           AbortCode = 0x08000000
	AbortTransferOrStoreFailed  AbortCode = 0x08000020
	AbortTransferLocalControl   AbortCode = 0x08000021
	AbortTransferInDeviceState  AbortCode = 0x08000022
	AbortNoObjectDictionary     AbortCode = 0x08000023
)

var abortCodeDescription = map[AbortCode]string{
	AbortToggleBitUnchanged:    "toggle bit not changed",
	AbortTimeout:               "SDO protocol timeout",
	AbortInvalidCommand:        "invalid command specifier",
	AbortOutOfMemory:           "out of memory",
	AbortUnsupportedAccess:     "unsupported access to object",
	AbortWriteOnly:             "object is write only",
	AbortReadOnly:              "object is read only",
	AbortObjectDoesNotExist:    "object does not exist",
	AbortCannotBeMapped:        "object cannot be mapped into a PDO",
	AbortPdoLengthExceeded:     "mapped objects exceed PDO length",
	AbortParameterIncompatible: "general parameter incompatibility",
	AbortDeviceIncompatible:    "general internal incompatibility",
	AbortHardwareError:         "access failed due to hardware error",
	AbortDataTypeMismatch:      "data type does not match",
	AbortDataTypeTooHigh:       "data type length too high",
	AbortDataTypeTooLow:        "data type length too low",
	AbortSubindexDoesNotExist:  "subindex does not exist",
	AbortInvalidValue:          "invalid value for parameter",
	AbortValueTooHigh:          "value too high",
	AbortValueTooLow:           "value too low",
	AbortGeneralError:          "general error",
	AbortTransferOrStoreFailed: "data cannot be transferred or stored",
	AbortTransferLocalControl:  "local control prevents transfer",
	AbortTransferInDeviceState: "device state prevents transfer",
	AbortNoObjectDictionary:    "no object dictionary present",
}

func (c AbortCode) Error() string {
	desc, ok := abortCodeDescription[c]
	if !ok {
		return fmt.Sprintf("SDO abort x%08x", uint32(c))
	}
	return fmt.Sprintf("SDO abort x%08x : %v", uint32(c), desc)
}
