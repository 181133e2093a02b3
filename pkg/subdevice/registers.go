package subdevice

// ESC register catalogue, offsets into SubDevice physical memory.
const (
	RegType        uint16 = 0x0000
	RegEscFeatures uint16 = 0x0008

	RegStationAddress uint16 = 0x0010
	RegAliasAddress   uint16 = 0x0012

	RegDLControl uint16 = 0x0100
	RegDLStatus  uint16 = 0x0110

	RegALControl    uint16 = 0x0120
	RegALStatus     uint16 = 0x0130
	RegALStatusCode uint16 = 0x0134

	// SII / EEPROM interface
	RegSiiConfig  uint16 = 0x0500
	RegSiiControl uint16 = 0x0502
	RegSiiAddress uint16 = 0x0504
	RegSiiData    uint16 = 0x0508

	// 16 bytes per FMMU, 16 units
	RegFmmuBase   uint16 = 0x0600
	FmmuEntrySize uint16 = 16

	// 8 bytes per Sync Manager, 16 units
	RegSmBase   uint16 = 0x0800
	SmEntrySize uint16 = 8

	// Distributed clocks
	RegDCReceiveTimePort0 uint16 = 0x0900
	RegDCSystemTime       uint16 = 0x0910
	RegDCSystemTimeOffset uint16 = 0x0920
	RegDCSystemTimeDelay  uint16 = 0x0928
	RegDCSyncActivation   uint16 = 0x0981
	RegDCSyncStartTime    uint16 = 0x0982
	RegDCSync0CycleTime   uint16 = 0x09A0
	RegDCSync1CycleTime   uint16 = 0x09A4
)

// ESC feature bits (register 0x0008).
const (
	EscFeatureFmmuBitOperation uint16 = 1 << 0
	EscFeatureDC               uint16 = 1 << 2
	EscFeatureDC64             uint16 = 1 << 3
)

// DL status bits, one communication bit per port.
const (
	DLStatusPort0Open uint16 = 1 << 4
	DLStatusPort1Open uint16 = 1 << 5
	DLStatusPort2Open uint16 = 1 << 6
	DLStatusPort3Open uint16 = 1 << 7
)

// SII control commands and status bits (register 0x0502).
const (
	SiiCommandRead  uint16 = 0x0100
	SiiCommandWrite uint16 = 0x0200
	SiiBusy         uint16 = 0x8000
	SiiErrorMask    uint16 = 0x6000
)

// DC SYNC activation bits (register 0x0981).
const (
	DCSyncActivateCyclic uint8 = 1 << 0
	DCSyncActivateSync0  uint8 = 1 << 1
	DCSyncActivateSync1  uint8 = 1 << 2
)

// FMMU access types.
const (
	FmmuTypeRead  uint8 = 1
	FmmuTypeWrite uint8 = 2
)

// Fixed Sync Manager assignment used by this master :
// SM0 mailbox write, SM1 mailbox read, SM2 process outputs,
// SM3 process inputs.
const (
	SmMailboxWrite uint8 = 0
	SmMailboxRead  uint8 = 1
	SmOutputs      uint8 = 2
	SmInputs       uint8 = 3
)

func RegSm(sm uint8) uint16 {
	return RegSmBase + uint16(sm)*SmEntrySize
}

func RegFmmu(unit uint8) uint16 {
	return RegFmmuBase + uint16(unit)*FmmuEntrySize
}
