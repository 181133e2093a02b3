package sim

import (
	"encoding/binary"
	"log/slog"
	"sync"

	"github.com/samsamfire/goethercat/pkg/link"
	"github.com/samsamfire/goethercat/pkg/link/virtual"
)

// Segment wires simulated devices behind a virtual link : every frame
// the master sends is walked through the device chain in wire order
// and reflected back with the locally administered source bit set.
type Segment struct {
	logger  *slog.Logger
	link    *virtual.Link
	devices []*Device

	// dropNext drops that many inbound frames, for timeout and retry
	// tests.
	mu       sync.Mutex
	dropNext int

	wg sync.WaitGroup
}

// NewSegment returns the segment and the master side link endpoint.
func NewSegment(logger *slog.Logger, devices ...*Device) (*Segment, link.Link) {
	if logger == nil {
		logger = slog.Default()
	}
	master, peer := virtual.NewPair()
	s := &Segment{logger: logger, link: peer, devices: devices}

	// Chain topology : port 0 upstream, port 1 to the next device
	for i, d := range devices {
		status := uint16(0x0010)
		if i < len(devices)-1 {
			status |= 0x0020
		}
		binary.LittleEndian.PutUint16(d.mem[0x0110:], status)
	}
	return s, master
}

// Start runs the segment until the link closes.
func (s *Segment) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		buf := make([]byte, 1518)
		for {
			n, err := s.link.Recv(buf)
			if err != nil {
				return
			}
			s.mu.Lock()
			drop := s.dropNext > 0
			if drop {
				s.dropNext--
			}
			s.mu.Unlock()
			if drop {
				continue
			}
			out := s.process(buf[:n])
			if out == nil {
				continue
			}
			if _, err := s.link.Send(out); err != nil {
				return
			}
		}
	}()
}

// Wait blocks until the segment goroutine exited.
func (s *Segment) Wait() {
	s.wg.Wait()
}

// DropFrames makes the segment swallow the next n frames.
func (s *Segment) DropFrames(n int) {
	s.mu.Lock()
	s.dropNext = n
	s.mu.Unlock()
}

func (s *Segment) process(raw []byte) []byte {
	if len(raw) < 16 {
		return nil
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	// First device on the wire marks the frame as travelled
	out[7] |= 0x02

	// Time passes on every frame
	for _, d := range s.devices {
		d.systemTime += 1000
	}

	datagrams := int(binary.LittleEndian.Uint16(out[14:]) & 0x07FF)
	end := 16 + datagrams
	if end > len(out) {
		return nil
	}
	offset := 16
	for {
		if offset+10+2 > end {
			return nil
		}
		command := out[offset]
		address := binary.LittleEndian.Uint32(out[offset+2:])
		lengthFlags := binary.LittleEndian.Uint16(out[offset+6:])
		length := int(lengthFlags & 0x07FF)
		dataOff := offset + 10
		wkcOff := dataOff + length
		if wkcOff+2 > end {
			return nil
		}
		data := out[dataOff:wkcOff]
		wkc, newAddress := s.processPdu(command, address, data)
		binary.LittleEndian.PutUint32(out[offset+2:], newAddress)
		binary.LittleEndian.PutUint16(out[wkcOff:], wkc)
		if lengthFlags&0x8000 == 0 {
			break
		}
		offset = wkcOff + 2
	}
	return out
}

func (s *Segment) processPdu(command uint8, address uint32, data []byte) (uint16, uint32) {
	adp := uint16(address)
	ado := uint16(address >> 16)
	wkc := uint16(0)

	switch command {
	case 1, 2, 3: // APRD, APWR, APRW
		for _, d := range s.devices {
			if adp == 0 {
				if command != 2 {
					if read, ok := d.read(ado, len(data)); ok {
						copy(data, read)
					}
				}
				if command != 1 {
					d.write(ado, data)
				}
				wkc++
			}
			adp++
		}

	case 4, 5, 6: // FPRD, FPWR, FPRW
		for _, d := range s.devices {
			if d.stationAddress() != adp {
				continue
			}
			if command != 5 {
				read, ok := d.read(ado, len(data))
				if !ok {
					continue
				}
				copy(data, read)
			}
			if command != 4 {
				d.write(ado, data)
			}
			wkc++
		}

	case 7: // BRD, responses OR together
		for _, d := range s.devices {
			read, ok := d.read(ado, len(data))
			if !ok {
				continue
			}
			for i := range data {
				data[i] |= read[i]
			}
			wkc++
		}

	case 8: // BWR
		for _, d := range s.devices {
			d.write(ado, data)
			wkc++
		}
		if ado == 0x0900 {
			s.latchPortTimes()
		}

	case 10, 11, 12: // LRD, LWR, LRW
		logical := address
		for _, d := range s.devices {
			readHit, writeHit := d.applyLogical(command, logical, data)
			if readHit {
				wkc++
			}
			if writeHit {
				if command == 12 {
					wkc += 2
				} else {
					wkc++
				}
			}
		}
		return wkc, address

	case 14: // FRMW : addressed device sources the clock
		seen := false
		for _, d := range s.devices {
			if d.stationAddress() == adp {
				binary.LittleEndian.PutUint64(data, d.systemTime)
				seen = true
				wkc++
				continue
			}
			if seen && d.cfg.SupportsDC {
				d.systemTime = binary.LittleEndian.Uint64(data)
				wkc++
			}
		}
	}
	return wkc, uint32(ado)<<16 | uint32(adp)
}

// applyLogical runs one logical pdu through a device's active FMMUs.
func (d *Device) applyLogical(command uint8, logical uint32, data []byte) (readHit, writeHit bool) {
	for unit := 0; unit < 16; unit++ {
		base := 0x0600 + unit*16
		if d.mem[base+12] == 0 { // not active
			continue
		}
		logStart := binary.LittleEndian.Uint32(d.mem[base:])
		length := uint32(binary.LittleEndian.Uint16(d.mem[base+4:]))
		physical := uint32(binary.LittleEndian.Uint16(d.mem[base+8:]))
		fmmuType := d.mem[base+11]

		overlapStart := max32(logStart, logical)
		overlapEnd := min32(logStart+length, logical+uint32(len(data)))
		if overlapStart >= overlapEnd {
			continue
		}
		frameOff := overlapStart - logical
		physOff := physical + (overlapStart - logStart)
		count := overlapEnd - overlapStart

		// FMMU read : device memory to frame (inputs)
		if fmmuType == 1 && command != 11 {
			copy(data[frameOff:frameOff+count], d.mem[physOff:physOff+count])
			readHit = true
		}
		// FMMU write : frame to device memory (outputs)
		if fmmuType == 2 && command != 10 {
			copy(d.mem[physOff:physOff+count], data[frameOff:frameOff+count])
			writeHit = true
		}
	}
	return readHit, writeHit
}

// latchPortTimes fills the port receive time registers the way a real
// frame traversal would : 100 ns per hop down the chain and back.
func (s *Segment) latchPortTimes() {
	n := len(s.devices)
	for i, d := range s.devices {
		p0 := uint32(i+1) * 100
		binary.LittleEndian.PutUint32(d.mem[0x0900:], p0)
		if i < n-1 {
			p1 := uint32(2*n-1-i) * 100
			binary.LittleEndian.PutUint32(d.mem[0x0904:], p1)
		}
	}
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
