// Package sim implements a simulated EtherCAT segment behind the
// virtual link : devices with register files, SII images, a CoE
// mailbox server and working counter handling. Tests drive the real
// master stack against it.
package sim

import (
	"encoding/binary"
)

// DeviceConfig describes one simulated SubDevice.
type DeviceConfig struct {
	Name       string
	VendorID   uint32
	ProductID  uint32
	Revision   uint32
	Serial     uint32
	Alias      uint16
	SupportsDC bool
	// Coe enables the mailbox and serves PDO mapping through the
	// communication area objects, otherwise the SII PDO categories
	// are used.
	Coe         bool
	OutputBytes int
	InputBytes  int
	// Mailbox segment payload capacity, CANopen style 7 by default
	SegCapacity int
}

const (
	mailboxWriteOffset uint16 = 0x1000
	mailboxLength      uint16 = 0x0080
	mailboxReadOffset  uint16 = 0x1080
)

// Device is one simulated SubDevice : a 64K register file with the
// side effects of the real ESC wired into reads and writes.
type Device struct {
	cfg DeviceConfig
	mem [0x10000]byte
	sii []byte

	// CoE object dictionary, key = index<<8 | subindex
	objects map[uint32][]byte

	mailboxFull     bool
	mailboxResponse []byte

	// segmented transfer state
	uploadToggle    uint8
	uploadRemaining []byte
	downloadKey     uint32
	downloadBuffer  []byte
	downloadSize    int
	downloadToggle  uint8

	// DC local clock
	systemTime uint64

	// Fault injection : refuse entering this AL state with the code
	RefuseState uint8
	RefuseCode  uint16
}

func NewDevice(cfg DeviceConfig) *Device {
	if cfg.SegCapacity == 0 {
		cfg.SegCapacity = 7
	}
	d := &Device{cfg: cfg, objects: map[uint32][]byte{}}
	d.buildSii()
	if cfg.Coe {
		d.buildObjects()
	}
	if cfg.SupportsDC {
		// ESC features : DC supported, 64 bit time
		binary.LittleEndian.PutUint16(d.mem[0x0008:], 0x0004|0x0008)
	}
	// AL status INIT
	d.mem[0x0130] = 0x01
	return d
}

func (d *Device) stationAddress() uint16 {
	return binary.LittleEndian.Uint16(d.mem[0x0010:])
}

func u32(index uint16, sub uint8) uint32 {
	return uint32(index)<<8 | uint32(sub)
}

func (d *Device) setObject(index uint16, sub uint8, value []byte) {
	d.objects[u32(index, sub)] = value
}

func (d *Device) setObjectU8(index uint16, sub uint8, value uint8) {
	d.setObject(index, sub, []byte{value})
}

func (d *Device) setObjectU16(index uint16, sub uint8, value uint16) {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, value)
	d.setObject(index, sub, buf)
}

func (d *Device) setObjectU32(index uint16, sub uint8, value uint32) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	d.setObject(index, sub, buf)
}

// buildObjects populates the communication area the configurator
// reads the PDO mapping from, plus identity and name objects.
func (d *Device) buildObjects() {
	d.setObjectU8(0x1018, 0, 4)
	d.setObjectU32(0x1018, 1, d.cfg.VendorID)
	d.setObjectU32(0x1018, 2, d.cfg.ProductID)
	d.setObjectU32(0x1018, 3, d.cfg.Revision)
	d.setObjectU32(0x1018, 4, d.cfg.Serial)
	d.setObject(0x1008, 0, []byte(d.cfg.Name))

	// Sync manager communication types
	d.setObjectU8(0x1C00, 0, 4)
	d.setObjectU8(0x1C00, 1, 1) // SM0 mailbox receive
	d.setObjectU8(0x1C00, 2, 2) // SM1 mailbox send
	d.setObjectU8(0x1C00, 3, 3) // SM2 process outputs
	d.setObjectU8(0x1C00, 4, 4) // SM3 process inputs

	if d.cfg.OutputBytes > 0 {
		d.setObjectU8(0x1C12, 0, 1)
		d.setObjectU16(0x1C12, 1, 0x1600)
		d.setObjectU8(0x1600, 0, 1)
		d.setObjectU32(0x1600, 1, uint32(d.cfg.OutputBytes*8))
	} else {
		d.setObjectU8(0x1C12, 0, 0)
	}
	if d.cfg.InputBytes > 0 {
		d.setObjectU8(0x1C13, 0, 1)
		d.setObjectU16(0x1C13, 1, 0x1A00)
		d.setObjectU8(0x1A00, 0, 1)
		d.setObjectU32(0x1A00, 1, uint32(d.cfg.InputBytes*8))
	} else {
		d.setObjectU8(0x1C13, 0, 0)
	}
}

// buildSii lays out the EEPROM image : fixed words, the strings
// category holding the device name, and the PDO categories for
// devices without CoE.
func (d *Device) buildSii() {
	words := make([]uint16, 0x40)
	words[0x0003] = 1 // name is string 1
	words[0x0004] = d.cfg.Alias
	words[0x0008] = uint16(d.cfg.VendorID)
	words[0x0009] = uint16(d.cfg.VendorID >> 16)
	words[0x000A] = uint16(d.cfg.ProductID)
	words[0x000B] = uint16(d.cfg.ProductID >> 16)
	words[0x000C] = uint16(d.cfg.Revision)
	words[0x000D] = uint16(d.cfg.Revision >> 16)
	words[0x000E] = uint16(d.cfg.Serial)
	words[0x000F] = uint16(d.cfg.Serial >> 16)
	if d.cfg.Coe {
		words[0x0018] = mailboxWriteOffset
		words[0x0019] = mailboxLength
		words[0x001A] = mailboxReadOffset
		words[0x001B] = mailboxLength
		words[0x001C] = 0x0004 // CoE
	}

	image := make([]byte, len(words)*2)
	for i, w := range words {
		binary.LittleEndian.PutUint16(image[i*2:], w)
	}

	// Strings category
	strings := []byte{1, byte(len(d.cfg.Name))}
	strings = append(strings, []byte(d.cfg.Name)...)
	if len(strings)%2 == 1 {
		strings = append(strings, 0)
	}
	image = appendCategory(image, 10, strings)

	if !d.cfg.Coe {
		if d.cfg.OutputBytes > 0 {
			image = appendCategory(image, 51, pdoCategory(0x1600, 2, d.cfg.OutputBytes))
		}
		if d.cfg.InputBytes > 0 {
			image = appendCategory(image, 50, pdoCategory(0x1A00, 3, d.cfg.InputBytes))
		}
	}

	// End marker
	image = append(image, 0xFF, 0xFF, 0x00, 0x00)
	d.sii = image
}

func appendCategory(image []byte, categoryType uint16, data []byte) []byte {
	if len(data)%2 == 1 {
		data = append(data, 0)
	}
	header := make([]byte, 4)
	binary.LittleEndian.PutUint16(header, categoryType)
	binary.LittleEndian.PutUint16(header[2:], uint16(len(data)/2))
	image = append(image, header...)
	return append(image, data...)
}

// pdoCategory builds one PDO with a single entry covering the whole
// byte length.
func pdoCategory(index uint16, syncManager uint8, bytes int) []byte {
	data := make([]byte, 8+8)
	binary.LittleEndian.PutUint16(data, index)
	data[2] = 1 // one entry
	data[3] = syncManager
	// entry : index, subindex, name, type, bit length, flags
	binary.LittleEndian.PutUint16(data[8:], 0x7000)
	data[10] = 1
	data[13] = uint8(bytes * 8)
	return data
}

// write applies a register write with its side effects.
func (d *Device) write(ado uint16, data []byte) {
	copy(d.mem[ado:], data)
	switch {
	case ado == 0x0120: // AL control
		d.processALControl(uint16(data[0]))
	case ado == 0x0502: // SII control
		d.processSiiCommand()
	case ado == mailboxWriteOffset && d.cfg.Coe:
		d.processMailboxRequest(data)
	case ado == 0x0910 && len(data) >= 8: // FRMW distribution
		d.systemTime = binary.LittleEndian.Uint64(data)
	}
}

// read returns register content. The second return is false when the
// device would not acknowledge, e.g. an empty mailbox.
func (d *Device) read(ado uint16, length int) ([]byte, bool) {
	if ado == mailboxReadOffset && d.cfg.Coe {
		if !d.mailboxFull {
			return nil, false
		}
		d.mailboxFull = false
		out := make([]byte, length)
		copy(out, d.mailboxResponse)
		return out, true
	}
	if ado == 0x0910 && length >= 8 {
		binary.LittleEndian.PutUint64(d.mem[0x0910:], d.systemTime)
	}
	out := make([]byte, length)
	copy(out, d.mem[int(ado):int(ado)+length])
	return out, true
}

// alRank orders the states for the one-step-up rule.
func alRank(state uint8) int {
	switch state {
	case 0x01:
		return 1
	case 0x02:
		return 2
	case 0x04:
		return 3
	case 0x08:
		return 4
	}
	return 0
}

func (d *Device) processALControl(control uint16) {
	target := uint8(control) & 0x0F
	ack := control&0x10 != 0
	current := d.mem[0x0130] & 0x0F
	if ack {
		d.mem[0x0130] &^= 0x10
	}
	if alRank(target) == 0 {
		return
	}
	refused := d.RefuseState != 0 && target == d.RefuseState
	// Downward always allowed, upward one step at a time
	illegal := alRank(target) > alRank(current)+1
	if refused || illegal {
		code := d.RefuseCode
		if code == 0 || illegal {
			code = 0x0011 // invalid requested state change
		}
		d.mem[0x0130] = current | 0x10
		binary.LittleEndian.PutUint16(d.mem[0x0134:], code)
		return
	}
	d.mem[0x0130] = target
	binary.LittleEndian.PutUint16(d.mem[0x0134:], 0)
}

func (d *Device) processSiiCommand() {
	command := binary.LittleEndian.Uint16(d.mem[0x0502:])
	if command&0x0100 == 0 {
		// Not a read, clear status
		binary.LittleEndian.PutUint16(d.mem[0x0502:], 0)
		return
	}
	wordAddr := int(binary.LittleEndian.Uint16(d.mem[0x0504:]))
	byteAddr := wordAddr * 2
	for i := 0; i < 4; i++ {
		b := byte(0xFF)
		if byteAddr+i < len(d.sii) {
			b = d.sii[byteAddr+i]
		}
		d.mem[0x0508+i] = b
	}
	// Done, not busy, no errors
	binary.LittleEndian.PutUint16(d.mem[0x0502:], 0)
}
