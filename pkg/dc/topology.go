package dc

import (
	"errors"

	"github.com/samsamfire/goethercat/pkg/subdevice"
)

var (
	ErrNoReference = errors.New("no DC capable subdevice on the segment")
	ErrSyncFailed  = errors.New("static drift compensation did not run")
	// ErrUnexpectedPort means the port walk did not line up with the
	// discovery order, e.g. a device claims more children than exist.
	ErrUnexpectedPort  = errors.New("open port does not match discovered topology")
	ErrTooManyDevices  = errors.New("more subdevices than supported")
	ErrShiftOutOfRange = errors.New("sync shift exceeds the cycle period")
)

// MaxSubDevices bounds the discovery walk, one auto increment
// position space.
const MaxSubDevices = 65535

// openPortCount counts the ports with an established link.
func openPortCount(sd *subdevice.SubDevice) int {
	count := 0
	for _, open := range sd.PortsOpen {
		if open {
			count++
		}
	}
	return count
}

// loopTime is the time the frame spent inside a device's subtree :
// the spread between its earliest and latest open port latches.
// Single port devices are end of line, the frame turns around
// immediately.
func loopTime(sd *subdevice.SubDevice) uint32 {
	var earliest, latest uint32
	first := true
	for port, open := range sd.PortsOpen {
		if !open {
			continue
		}
		t := sd.PortReceiveTimes[port]
		if first {
			earliest, latest = t, t
			first = false
			continue
		}
		if t < earliest {
			earliest = t
		}
		if t > latest {
			latest = t
		}
	}
	return latest - earliest
}

// branchGaps returns the per-branch round trip times of a device :
// the differences between consecutive open port latches, earliest
// first. A device with n open ports has n-1 downstream branches.
func branchGaps(sd *subdevice.SubDevice) []uint32 {
	times := []uint32{}
	for port, open := range sd.PortsOpen {
		if open {
			times = append(times, sd.PortReceiveTimes[port])
		}
	}
	// Ports latch in traversal order, sort by time
	for i := 1; i < len(times); i++ {
		for j := i; j > 0 && times[j] < times[j-1]; j-- {
			times[j], times[j-1] = times[j-1], times[j]
		}
	}
	gaps := make([]uint32, 0, 3)
	for i := 1; i < len(times); i++ {
		gaps = append(gaps, times[i]-times[i-1])
	}
	return gaps
}

// AssignParents links every SubDevice to its upstream device by
// walking the discovery order : a device attaches to the most recent
// device that still has an unconsumed downstream branch, end of line
// peers pop back to the fork.
func AssignParents(subs []*subdevice.SubDevice) error {
	if len(subs) > MaxSubDevices {
		return ErrTooManyDevices
	}
	type fork struct {
		index     uint8
		remaining int
	}
	stack := []fork{}
	for i := range subs {
		sd := subs[i]
		downstream := openPortCount(sd) - 1
		if i == 0 {
			sd.Parent = nil
			// The first device's upstream port faces the master
			if downstream >= 0 {
				stack = append(stack, fork{index: 0, remaining: downstream})
			}
			continue
		}
		for len(stack) > 0 && stack[len(stack)-1].remaining == 0 {
			stack = stack[:len(stack)-1]
		}
		if len(stack) == 0 {
			return ErrUnexpectedPort
		}
		top := &stack[len(stack)-1]
		parent := top.index
		sd.Parent = &parent
		top.remaining--
		if downstream > 0 {
			if i > 255 {
				return ErrTooManyDevices
			}
			stack = append(stack, fork{index: uint8(i), remaining: downstream})
		}
	}
	return nil
}

// ComputeDelays derives per-device propagation delays from the port
// receive times latched by the broadcast to the port 0 receive time
// register. For each child the one way delay to its parent is half of
// the parent's branch round trip with the child's own subtree time
// subtracted first. The first device carries delay zero, the master
// has no latch of its own to measure the leading wire.
func ComputeDelays(subs []*subdevice.SubDevice) error {
	if len(subs) == 0 {
		return nil
	}
	subs[0].PropagationDelay = 0
	// Next unconsumed branch gap per parent
	nextBranch := make([]int, len(subs))
	gaps := make([][]uint32, len(subs))
	for i := range subs {
		gaps[i] = branchGaps(subs[i])
	}
	for i := 1; i < len(subs); i++ {
		sd := subs[i]
		if sd.Parent == nil {
			return ErrUnexpectedPort
		}
		parent := int(*sd.Parent)
		if nextBranch[parent] >= len(gaps[parent]) {
			return ErrUnexpectedPort
		}
		gap := gaps[parent][nextBranch[parent]]
		nextBranch[parent]++
		subtree := loopTime(sd)
		if subtree > gap {
			return ErrUnexpectedPort
		}
		sd.PropagationDelay = subs[parent].PropagationDelay + (gap-subtree)/2
	}
	return nil
}
