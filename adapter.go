package btd

// IOCapability is the pairing input/output capability advertised to the
// peer during bonding. It is derived from the agent; no agent means
// NoInputNoOutput.
type IOCapability uint8

const (
	CapDisplayOnly IOCapability = iota
	CapDisplayYesNo
	CapKeyboardOnly
	CapNoInputNoOutput
	CapKeyboardDisplay
)

func (c IOCapability) String() string {
	switch c {
	case CapDisplayOnly:
		return "DisplayOnly"
	case CapDisplayYesNo:
		return "DisplayYesNo"
	case CapKeyboardOnly:
		return "KeyboardOnly"
	case CapNoInputNoOutput:
		return "NoInputNoOutput"
	case CapKeyboardDisplay:
		return "KeyboardDisplay"
	}
	return "unknown"
}

// Agent prompts the user for pairing credentials. All requests are
// asynchronous; the reply callback must be delivered back on the event
// loop by the caller.
type Agent interface {
	Capability() IOCapability

	RequestPinCode(peer Addr, secure bool, reply func(pin string, err error)) error
	DisplayPinCode(peer Addr, pin string, reply func(err error)) error
	RequestPasskey(peer Addr, reply func(passkey uint32, err error)) error
	DisplayPasskey(peer Addr, passkey uint32, entered uint16) error
	RequestConfirmation(peer Addr, passkey uint32, reply func(err error)) error
	RequestAuthorization(peer Addr, reply func(err error)) error

	// Cancel aborts the outstanding request, if any. Idempotent.
	Cancel() error
}

// DeviceFlags is the kernel device-flag bitmask (remote wakeable etc.).
type DeviceFlags uint32

const (
	FlagRemoteWakeup DeviceFlags = 1 << 0
	FlagDevicePrivacy DeviceFlags = 1 << 1

	// InvalidFlags marks a flags slot that has never been reported.
	InvalidFlags DeviceFlags = 0xffffffff
)

// Adapter is the management-layer collaborator a Device issues commands
// through. Completion of bonding/disconnect arrives back as events, not
// as return values.
type Adapter interface {
	Address() Addr
	Powered() bool

	// BREDRCapable reports whether the controller has a BR/EDR bearer
	// at all; it breaks freshness ties during bearer selection.
	BREDRCapable() bool

	CreateBonding(peer Addr, t AddrType, cap IOCapability) error
	CancelBonding(peer Addr, t AddrType) error
	RemoveBonding(peer Addr, t AddrType) error

	Disconnect(peer Addr, t AddrType) error
	Block(peer Addr, t AddrType) error
	Unblock(peer Addr, t AddrType) error

	SetDeviceFlags(peer Addr, t AddrType, flags DeviceFlags, done func(error))

	// Passive-scan connect lists.
	AddAutoConnect(peer Addr, t AddrType)
	RemoveAutoConnect(peer Addr, t AddrType)

	// UUIDAllowed consults the adapter service allow-list.
	UUIDAllowed(u UUID) bool

	// Credential replies for request-type authentications.
	PinCodeReply(peer Addr, pin string, ok bool) error
	PasskeyReply(peer Addr, t AddrType, passkey uint32, ok bool) error
	ConfirmReply(peer Addr, t AddrType, accept bool) error
}

// SDPRecord is one service record returned by an SDP search.
type SDPRecord struct {
	Handle uint32
	UUIDs  []UUID

	// PnP / DeviceID attributes, present on the 0x1200 record.
	VendorSource uint16
	Vendor       uint16
	Product      uint16
	Version      uint16
	HasDeviceID  bool

	// GATT-over-BR/EDR primary service range, if the record carries one.
	GattStart uint16
	GattEnd   uint16
	HasGatt   bool
}

// SDP runs service searches against a BR/EDR peer. Search returns a
// cancel function; done is invoked exactly once unless canceled.
type SDP interface {
	Search(peer Addr, u UUID, done func([]SDPRecord, error)) (cancel func())
}

// SecurityLevel of an ATT link.
type SecurityLevel uint8

const (
	SecurityLow SecurityLevel = iota + 1
	SecurityMedium
	SecurityHigh
)

// ATTConn is an open ATT bearer channel. It is the handle the browse
// and bonding engines hold; transport internals stay behind it.
type ATTConn interface {
	RemoteAddr() Addr
	SetSecurityLevel(l SecurityLevel) error
	Disconnected() <-chan struct{}
	Close() error
}

// ATTDialer opens an ATT channel toward a peer. Dial is asynchronous;
// the returned cancel aborts an in-flight attempt.
type ATTDialer interface {
	Dial(peer Addr, t AddrType, sec SecurityLevel, done func(ATTConn, error)) (cancel func())
}

// Primary describes one primary GATT service extracted from the
// attribute database.
type Primary struct {
	UUID  UUID
	Start uint16
	End   uint16
}

// GattClient is the discovery-side view of a remote GATT database.
type GattClient interface {
	// WaitReady registers f to run once discovery has completed (or
	// failed). Immediate if the client is already ready.
	WaitReady(f func(error))
	Primaries() []Primary
	Close() error
}

// GattClientFactory builds a GattClient over an open ATT channel.
type GattClientFactory func(ATTConn) (GattClient, error)

// Profile is one registered profile capability. Profiles are consulted
// by UUID during probing; Connect/Disconnect completions are posted
// back on the event loop.
type Profile interface {
	Name() string
	RemoteUUID() UUID
	Priority() int
	AutoConnect() bool

	// External profiles do not claim GATT attribute ranges; internal
	// ones suppress external handlers over their range.
	External() bool

	Connect(peer Addr, done func(error)) error
	Disconnect(peer Addr, done func(error)) error
}

// Notifier receives the "emit change" contract: one call per observable
// property whose value actually changed, plus the Disconnected signal.
type Notifier interface {
	PropertyChanged(name string, value interface{})
	Disconnected(reason DisconnectReason, message string)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) PropertyChanged(string, interface{})        {}
func (NopNotifier) Disconnected(DisconnectReason, string)      {}
