package group

import (
	"errors"
	"fmt"

	"github.com/samsamfire/goethercat/pkg/subdevice"
)

var (
	ErrNoSubDevices = errors.New("no subdevices found on the segment")
	// ErrInvalidTransition guards the few transitions that depend on
	// runtime state, everything else is unrepresentable by type.
	ErrInvalidTransition = errors.New("group is not in a state allowing this transition")
	ErrNoDcConfigured    = errors.New("distributed clocks are not configured for this group")
)

// DeviceFailure is one SubDevice that did not follow a group
// transition.
type DeviceFailure struct {
	Address uint16
	State   subdevice.ALState
	Code    subdevice.ALStatusCode
}

// TransitionError reports a partially failed group transition with
// enough context to diagnose each refusing device.
type TransitionError struct {
	Target  subdevice.ALState
	OkCount int
	Failed  []DeviceFailure
}

func (e *TransitionError) Error() string {
	if len(e.Failed) == 0 {
		return fmt.Sprintf("transition to %v timed out, %v devices ok", e.Target, e.OkCount)
	}
	first := e.Failed[0]
	return fmt.Sprintf("transition to %v : %v ok, %v failed, first x%04x in %v (%v)",
		e.Target, e.OkCount, len(e.Failed), first.Address, first.State, first.Code)
}
