// Package subdevice holds the per-SubDevice record built up during
// discovery and configuration, the ESC register catalogue and the
// application layer state and status code types.
package subdevice

// Identity is the vendor block read from SII words 0x0008..0x000F.
type Identity struct {
	VendorID  uint32
	ProductID uint32
	Revision  uint32
	Serial    uint32
}

// MailboxConfig describes the two mailbox sync managers read from the
// SII standard mailbox words.
type MailboxConfig struct {
	// SM0, master to SubDevice
	WriteOffset uint16
	WriteLength uint16
	// SM1, SubDevice to master
	ReadOffset uint16
	ReadLength uint16
	// Supported protocols bitfield from SII word 0x001C
	Protocols uint16
}

// Mailbox protocol support bits.
const (
	MailboxProtocolAoe uint16 = 1 << 0
	MailboxProtocolEoe uint16 = 1 << 1
	MailboxProtocolCoe uint16 = 1 << 2
	MailboxProtocolFoe uint16 = 1 << 3
	MailboxProtocolSoe uint16 = 1 << 4
	MailboxProtocolVoe uint16 = 1 << 5
)

func (m MailboxConfig) SupportsCoe() bool {
	return m.Protocols&MailboxProtocolCoe != 0
}

// PdiRange is a SubDevice's slice of the group process data image.
type PdiRange struct {
	// Byte offset into the group PDI buffer
	Offset int
	// Logical address the FMMU maps this range to
	LogicalStart uint32
	Length       int
}

// SubDevice is one node of the segment. It is created during topology
// discovery and lives for the lifetime of its group.
type SubDevice struct {
	// Position on the wire as seen by the master, 0 is the first
	// device. Auto increment addressing uses its negation.
	Position uint16
	// Station address assigned during initialisation
	ConfiguredAddress uint16
	// Alias from SII word 0x0004, metadata only, never used to address
	AliasAddress uint16

	Identity Identity
	// Visible string from the SII strings category
	Name string

	// Topology
	PortsOpen        [4]bool
	PortReceiveTimes [4]uint32
	// Propagation delay relative to the first SubDevice on the wire,
	// nanoseconds
	PropagationDelay uint32
	// Parent is the index of the upstream SubDevice in discovery
	// order, nil for the first device on the wire.
	Parent *uint8

	// Distributed clocks
	SupportsDC bool

	Mailbox MailboxConfig
	// Monotonic mailbox sequence counter, 1..7 wrapping. Zero on the
	// wire means "don't check" and is never produced here.
	mailboxCounter uint8

	Inputs  PdiRange
	Outputs PdiRange

	State ALState
}

// NextMailboxCounter advances the per-device mailbox counter and
// returns the value to stamp into the next outbound request.
func (sd *SubDevice) NextMailboxCounter() uint8 {
	sd.mailboxCounter++
	if sd.mailboxCounter > 7 {
		sd.mailboxCounter = 1
	}
	return sd.mailboxCounter
}
