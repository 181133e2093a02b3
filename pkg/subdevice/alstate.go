package subdevice

import "fmt"

// ALState is the application layer state of a SubDevice.
type ALState uint8

const (
	StateNone   ALState = 0x00
	StateInit   ALState = 0x01
	StatePreOp  ALState = 0x02
	StateBoot   ALState = 0x03
	StateSafeOp ALState = 0x04
	StateOp     ALState = 0x08

	// StateErrorFlag is set in AL status alongside the state when the
	// SubDevice latched an error, acknowledged by writing it back.
	StateErrorFlag ALState = 0x10
)

var stateDescription = map[ALState]string{
	StateNone:   "NONE",
	StateInit:   "INIT",
	StatePreOp:  "PRE-OP",
	StateBoot:   "BOOT",
	StateSafeOp: "SAFE-OP",
	StateOp:     "OP",
}

func (s ALState) String() string {
	desc, ok := stateDescription[s&^StateErrorFlag]
	if !ok {
		return "UNKNOWN"
	}
	if s&StateErrorFlag != 0 {
		return desc + "+ERROR"
	}
	return desc
}

// HasError reports the AL status error flag.
func (s ALState) HasError() bool {
	return s&StateErrorFlag != 0
}

// ALStatusCode is the error register a SubDevice latches when it
// refuses or drops out of a state.
type ALStatusCode uint16

const (
	ALCodeNoError                ALStatusCode = 0x0000
	ALCodeUnspecified            ALStatusCode = 0x0001
	ALCodeNoMemory               ALStatusCode = 0x0002
	ALCodeInvalidRequestedState  ALStatusCode = 0x0011
	ALCodeUnknownRequestedState  ALStatusCode = 0x0012
	ALCodeBootstrapNotSupported  ALStatusCode = 0x0013
	ALCodeNoValidFirmware        ALStatusCode = 0x0014
	ALCodeInvalidMailboxConfig   ALStatusCode = 0x0016
	ALCodeInvalidSyncManagerCfg  ALStatusCode = 0x0017
	ALCodeNoValidInputs          ALStatusCode = 0x0018
	ALCodeNoValidOutputs         ALStatusCode = 0x0019
	ALCodeSynchronizationError   ALStatusCode = 0x001A
	ALCodeSyncManagerWatchdog    ALStatusCode = 0x001B
	ALCodeInvalidSyncManagerType ALStatusCode = 0x001C
	ALCodeInvalidOutputSM        ALStatusCode = 0x001D
	ALCodeInvalidInputSM         ALStatusCode = 0x001E
	ALCodeInvalidWatchdogConfig  ALStatusCode = 0x001F
	ALCodeNeedsColdStart         ALStatusCode = 0x0020
	ALCodeNeedsInit              ALStatusCode = 0x0021
	ALCodeNeedsPreOp             ALStatusCode = 0x0022
	ALCodeNeedsSafeOp            ALStatusCode = 0x0023
	ALCodeInvalidInputMapping    ALStatusCode = 0x0024
	ALCodeInvalidOutputMapping   ALStatusCode = 0x0025
	ALCodeInconsistentSettings   ALStatusCode = 0x0026
	ALCodeFreeRunNotSupported    ALStatusCode = 0x0027
	ALCodeSyncNotSupported       ALStatusCode = 0x0028
	ALCodeFreeRunNeeds3Buffer    ALStatusCode = 0x0029
	ALCodeBackgroundWatchdog     ALStatusCode = 0x002A
	ALCodeNoValidInputsOutputs   ALStatusCode = 0x002B
	ALCodeFatalSyncError         ALStatusCode = 0x002C
	ALCodeNoSyncError            ALStatusCode = 0x002D
	ALCodeInvalidDCSyncConfig    ALStatusCode = 0x0030
	ALCodeInvalidDCLatchConfig   ALStatusCode = 0x0031
	ALCodePllError               ALStatusCode = 0x0032
	ALCodeDCSyncIOError          ALStatusCode = 0x0033
	ALCodeDCSyncTimeoutError     ALStatusCode = 0x0034
	ALCodeDCInvalidSyncCycleTime ALStatusCode = 0x0035
	ALCodeEepromNoAccess         ALStatusCode = 0x0050
	ALCodeEepromError            ALStatusCode = 0x0051
)

var alCodeDescription = map[ALStatusCode]string{
	ALCodeNoError:                "no error",
	ALCodeUnspecified:            "unspecified error",
	ALCodeNoMemory:               "no memory",
	ALCodeInvalidRequestedState:  "invalid requested state change",
	ALCodeUnknownRequestedState:  "unknown requested state",
	ALCodeBootstrapNotSupported:  "bootstrap not supported",
	ALCodeNoValidFirmware:        "no valid firmware",
	ALCodeInvalidMailboxConfig:   "invalid mailbox configuration",
	ALCodeInvalidSyncManagerCfg:  "invalid sync manager configuration",
	ALCodeNoValidInputs:          "no valid inputs available",
	ALCodeNoValidOutputs:         "no valid outputs",
	ALCodeSynchronizationError:   "synchronization error",
	ALCodeSyncManagerWatchdog:    "sync manager watchdog",
	ALCodeInvalidSyncManagerType: "invalid sync manager types",
	ALCodeInvalidOutputSM:        "invalid output configuration",
	ALCodeInvalidInputSM:         "invalid input configuration",
	ALCodeInvalidWatchdogConfig:  "invalid watchdog configuration",
	ALCodeNeedsColdStart:         "subdevice needs cold start",
	ALCodeNeedsInit:              "subdevice needs INIT",
	ALCodeNeedsPreOp:             "subdevice needs PRE-OP",
	ALCodeNeedsSafeOp:            "subdevice needs SAFE-OP",
	ALCodeInvalidInputMapping:    "invalid input mapping",
	ALCodeInvalidOutputMapping:   "invalid output mapping",
	ALCodeInconsistentSettings:   "inconsistent settings",
	ALCodeFreeRunNotSupported:    "free run not supported",
	ALCodeSyncNotSupported:       "synchronization not supported",
	ALCodeFreeRunNeeds3Buffer:    "free run needs 3 buffer mode",
	ALCodeBackgroundWatchdog:     "background watchdog",
	ALCodeNoValidInputsOutputs:   "no valid inputs and outputs",
	ALCodeFatalSyncError:         "fatal sync error",
	ALCodeNoSyncError:            "no sync error",
	ALCodeInvalidDCSyncConfig:    "invalid DC sync configuration",
	ALCodeInvalidDCLatchConfig:   "invalid DC latch configuration",
	ALCodePllError:               "PLL error",
	ALCodeDCSyncIOError:          "DC sync IO error",
	ALCodeDCSyncTimeoutError:     "DC sync timeout",
	ALCodeDCInvalidSyncCycleTime: "DC invalid sync cycle time",
	ALCodeEepromNoAccess:         "EEPROM no access",
	ALCodeEepromError:            "EEPROM error",
}

// Error implements error so a nonzero status code can travel up the
// state machine as a typed failure.
func (c ALStatusCode) Error() string {
	desc, ok := alCodeDescription[c]
	if !ok {
		return fmt.Sprintf("AL status code x%04x", uint16(c))
	}
	return fmt.Sprintf("AL status code x%04x : %v", uint16(c), desc)
}
