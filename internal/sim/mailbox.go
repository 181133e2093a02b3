package sim

import (
	"encoding/binary"
)

// SDO abort codes the simulated server produces.
const (
	abortToggleBit          = 0x05030000
	abortInvalidCommand     = 0x05040001
	abortObjectDoesNotExist = 0x06020000
)

// processMailboxRequest serves one CoE SDO request written into the
// receive mailbox and leaves the response in the send mailbox.
func (d *Device) processMailboxRequest(data []byte) {
	if len(data) < 6+2+1 {
		return
	}
	mbxLen := int(binary.LittleEndian.Uint16(data))
	counter := data[5] >> 4 & 0x07
	if mbxLen < 2 || 6+mbxLen > len(data) {
		return
	}
	payload := data[6 : 6+mbxLen]
	if binary.LittleEndian.Uint16(payload)>>12 != 0x2 { // SDO request
		return
	}
	sdo := payload[2:]
	command := sdo[0]

	var response []byte
	switch {
	case command == 0x40 && len(sdo) >= 4:
		response = d.serveUploadInitiate(sdo)
	case command&0xE0 == 0x60:
		response = d.serveUploadSegment(command)
	case command&0xE0 == 0x20 && len(sdo) >= 8:
		response = d.serveDownloadInitiate(sdo)
	case command&0xE0 == 0x00:
		response = d.serveDownloadSegment(sdo)
	default:
		response = abortResponse(0, 0, abortInvalidCommand)
	}
	d.queueMailbox(counter, response)
}

func (d *Device) queueMailbox(counter uint8, sdo []byte) {
	out := make([]byte, 6+2+len(sdo))
	binary.LittleEndian.PutUint16(out, uint16(2+len(sdo)))
	binary.LittleEndian.PutUint16(out[2:], d.stationAddress())
	out[5] = 0x03 | counter<<4 // CoE, echo the counter
	binary.LittleEndian.PutUint16(out[6:], 0x3<<12) // SDO response
	copy(out[8:], sdo)
	d.mailboxResponse = out
	d.mailboxFull = true
}

func abortResponse(index uint16, subindex uint8, code uint32) []byte {
	out := make([]byte, 8)
	out[0] = 0x80
	binary.LittleEndian.PutUint16(out[1:], index)
	out[3] = subindex
	binary.LittleEndian.PutUint32(out[4:], code)
	return out
}

func (d *Device) serveUploadInitiate(sdo []byte) []byte {
	index := binary.LittleEndian.Uint16(sdo[1:])
	subindex := sdo[3]
	value, ok := d.objects[u32(index, subindex)]
	if !ok {
		return abortResponse(index, subindex, abortObjectDoesNotExist)
	}
	if len(value) <= 4 {
		out := make([]byte, 8)
		out[0] = 0x43 | uint8(4-len(value))<<2
		binary.LittleEndian.PutUint16(out[1:], index)
		out[3] = subindex
		copy(out[4:], value)
		return out
	}
	// Normal transfer : size only, segments carry the data
	d.uploadRemaining = value
	d.uploadToggle = 0
	out := make([]byte, 8)
	out[0] = 0x41
	binary.LittleEndian.PutUint16(out[1:], index)
	out[3] = subindex
	binary.LittleEndian.PutUint32(out[4:], uint32(len(value)))
	return out
}

func (d *Device) serveUploadSegment(command uint8) []byte {
	if d.uploadRemaining == nil {
		return abortResponse(0, 0, abortInvalidCommand)
	}
	toggle := command & 0x10
	if toggle != d.uploadToggle {
		return abortResponse(0, 0, abortToggleBit)
	}
	count := d.cfg.SegCapacity
	if count > len(d.uploadRemaining) {
		count = len(d.uploadRemaining)
	}
	out := make([]byte, 1+count)
	out[0] = toggle
	if count < 7 {
		out[0] |= uint8(7-count) << 1
	}
	copy(out[1:], d.uploadRemaining[:count])
	d.uploadRemaining = d.uploadRemaining[count:]
	if len(d.uploadRemaining) == 0 {
		out[0] |= 0x01
		d.uploadRemaining = nil
	}
	d.uploadToggle ^= 0x10
	return out
}

func (d *Device) serveDownloadInitiate(sdo []byte) []byte {
	command := sdo[0]
	index := binary.LittleEndian.Uint16(sdo[1:])
	subindex := sdo[3]
	ack := make([]byte, 8)
	ack[0] = 0x60
	binary.LittleEndian.PutUint16(ack[1:], index)
	ack[3] = subindex
	if command&0x02 != 0 {
		count := 4
		if command&0x01 != 0 {
			count -= int(command>>2) & 0x03
		}
		value := make([]byte, count)
		copy(value, sdo[4:4+count])
		d.objects[u32(index, subindex)] = value
		return ack
	}
	d.downloadKey = u32(index, subindex)
	d.downloadSize = int(binary.LittleEndian.Uint32(sdo[4:]))
	d.downloadBuffer = d.downloadBuffer[:0]
	d.downloadToggle = 0
	return ack
}

func (d *Device) serveDownloadSegment(sdo []byte) []byte {
	command := sdo[0]
	toggle := command & 0x10
	if toggle != d.downloadToggle {
		return abortResponse(0, 0, abortToggleBit)
	}
	data := sdo[1:]
	if unused := int(command >> 1 & 0x07); unused != 0 {
		// Size bits are only meaningful for the 7 byte tail segment
		if target := 7 - unused; len(data) > target {
			data = data[:target]
		}
	}
	if len(d.downloadBuffer)+len(data) > d.downloadSize {
		data = data[:d.downloadSize-len(d.downloadBuffer)]
	}
	d.downloadBuffer = append(d.downloadBuffer, data...)
	d.downloadToggle ^= 0x10
	if command&0x01 != 0 {
		value := make([]byte, len(d.downloadBuffer))
		copy(value, d.downloadBuffer)
		d.objects[d.downloadKey] = value
	}
	return []byte{0x20 | toggle, 0, 0, 0}
}

// Object returns the current value of a dictionary entry, for test
// assertions after downloads.
func (d *Device) Object(index uint16, subindex uint8) ([]byte, bool) {
	value, ok := d.objects[u32(index, subindex)]
	return value, ok
}

// SetObject seeds a dictionary entry.
func (d *Device) SetObject(index uint16, subindex uint8, value []byte) {
	d.setObject(index, subindex, value)
}

// ReadMemory exposes raw register content for test assertions.
func (d *Device) ReadMemory(addr uint16, length int) []byte {
	out := make([]byte, length)
	copy(out, d.mem[int(addr):int(addr)+length])
	return out
}

// WriteMemory seeds raw register content, e.g. process inputs.
func (d *Device) WriteMemory(addr uint16, data []byte) {
	copy(d.mem[addr:], data)
}

// SystemTime exposes the simulated DC clock.
func (d *Device) SystemTime() uint64 {
	return d.systemTime
}

// SetSystemTime seeds the simulated DC clock.
func (d *Device) SetSystemTime(t uint64) {
	d.systemTime = t
}
