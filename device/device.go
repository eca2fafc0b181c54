// Package device implements the per-remote-device state machine: the
// dual-bearer lifecycle, pairing and bonding, service discovery and
// profile attachment, and persistence of learned identity and security
// material. Everything runs on one serialized event loop.
package device

import (
	"encoding/hex"
	"fmt"
	"time"

	btd "github.com/corvid-labs/btd"
	"github.com/corvid-labs/btd/config"
	"github.com/corvid-labs/btd/eir"
	"github.com/corvid-labs/btd/storage"
)

// PreferredBearer is the connect-bearer policy.
type PreferredBearer uint8

const (
	PreferLastUsed PreferredBearer = iota
	PreferLE
	PreferBREDR
	PreferLastSeen
)

func (p PreferredBearer) String() string {
	switch p {
	case PreferLE:
		return "le"
	case PreferBREDR:
		return "bredr"
	case PreferLastSeen:
		return "last-seen"
	}
	return "last-used"
}

// ParsePreferredBearer maps the textual policy back.
func ParsePreferredBearer(s string) (PreferredBearer, error) {
	switch s {
	case "last-used":
		return PreferLastUsed, nil
	case "le":
		return PreferLE, nil
	case "bredr":
		return PreferBREDR, nil
	case "last-seen":
		return PreferLastSeen, nil
	}
	return 0, btd.NewError(btd.ErrInvalidArguments, "unknown preferred bearer %q", s)
}

// WakeOverride is the remote-wake policy tri-state.
type WakeOverride uint8

const (
	WakeDefault WakeOverride = iota
	WakeEnabled
	WakeDisabled
)

// Device is the coordinator: it owns the invariants, serializes all
// mutations on its loop, arbitrates requests, schedules timers and
// emits property changes.
type Device struct {
	loop *Loop
	log  btd.Logger
	opts *config.Config

	adapter      btd.Adapter
	sdp          btd.SDP
	dialer       btd.ATTDialer
	gattFactory  btd.GattClientFactory
	notifier     btd.Notifier
	store        *storage.Store
	names        *storage.NameCache
	profiles     []btd.Profile
	defaultAgent btd.Agent
	now          func() time.Time

	// onExpired tells the registry the temporary TTL ran out.
	onExpired func()

	addr     btd.Addr
	addrType btd.AddrType
	rpa      bool

	connAddr     btd.Addr
	connAddrType btd.AddrType

	bredr      bool
	le         bool
	bredrState BearerState
	leState    BearerState

	name          string
	alias         string
	class         uint32
	appearance    uint16
	legacyPairing bool

	vendorSrc, vendor, product, version uint16
	hasDeviceID                         bool

	ad *advCache

	trusted      bool
	blocked      bool
	cablePairing bool
	temporary    bool

	autoConnect        bool
	disableAutoConnect bool
	preferBearer       PreferredBearer

	wakeSupport  bool
	wakeAllowed  bool
	wakeOverride WakeOverride

	supportedFlags btd.DeviceFlags
	pendingFlags   btd.DeviceFlags
	currentFlags   btd.DeviceFlags

	// Service Changed CCC descriptor values, one per bearer.
	cccLE    uint16
	cccBREDR uint16

	ltk        *LTK
	localCSRK  *CSRK
	remoteCSRK *CSRK
	sirks      []*SIRKInfo

	uuids          []btd.UUID
	primaries      []btd.Primary
	serviceRecords []btd.SDPRecord

	services []*Service
	pending  []*Service

	browse    *browseReq
	bonding   *bondingReq
	authr     *authRequest
	connectRq *connectReq
	disconnRq *disconnectReq

	disconnTimer   *Timer
	discovTimer    *Timer
	temporaryTimer *Timer

	disconnWatches []func(temporary bool)

	att  btd.ATTConn
	gatt btd.GattClient

	// pendingPaired defers the Paired emission until discovery
	// completes.
	pendingPaired bool

	storePending bool
	removed      bool
}

// Option configures a Device at construction.
type Option func(*Device) error

func WithSDP(s btd.SDP) Option {
	return func(d *Device) error {
		d.sdp = s
		return nil
	}
}

func WithATTDialer(dl btd.ATTDialer) Option {
	return func(d *Device) error {
		d.dialer = dl
		return nil
	}
}

func WithGattFactory(f btd.GattClientFactory) Option {
	return func(d *Device) error {
		d.gattFactory = f
		return nil
	}
}

func WithNotifier(n btd.Notifier) Option {
	return func(d *Device) error {
		d.notifier = n
		return nil
	}
}

func WithStore(s *storage.Store) Option {
	return func(d *Device) error {
		d.store = s
		return nil
	}
}

func WithNameCache(n *storage.NameCache) Option {
	return func(d *Device) error {
		d.names = n
		return nil
	}
}

func WithProfiles(pp ...btd.Profile) Option {
	return func(d *Device) error {
		d.profiles = append(d.profiles, pp...)
		return nil
	}
}

func WithPolicy(cfg *config.Config) Option {
	return func(d *Device) error {
		d.opts = cfg
		return nil
	}
}

func WithDefaultAgent(a btd.Agent) Option {
	return func(d *Device) error {
		d.defaultAgent = a
		return nil
	}
}

// WithClock substitutes the wall clock; tests pin freshness windows
// with it.
func WithClock(now func() time.Time) Option {
	return func(d *Device) error {
		d.now = now
		return nil
	}
}

// WithExpiredFunc registers the registry callback run when the
// temporary TTL expires.
func WithExpiredFunc(f func()) Option {
	return func(d *Device) error {
		d.onExpired = f
		return nil
	}
}

// New creates a device for a peer address. It is born temporary; the
// first bond, explicit trust or stored-state load promotes it.
func New(loop *Loop, adapter btd.Adapter, addr btd.Addr, t btd.AddrType, opts ...Option) (*Device, error) {
	if loop == nil {
		return nil, btd.NewError(btd.ErrInvalidArguments, "nil loop")
	}
	if adapter == nil {
		return nil, btd.NewError(btd.ErrInvalidArguments, "nil adapter")
	}
	if len(addr.Bytes()) != 6 {
		return nil, btd.NewError(btd.ErrInvalidArguments, "malformed address %q", addr)
	}

	d := &Device{
		loop:      loop,
		log:       btd.DeviceLogger(addr),
		opts:      config.Defaults(),
		adapter:   adapter,
		notifier:  btd.NopNotifier{},
		now:       time.Now,
		addr:      addr,
		addrType:  t,
		rpa:       addr.IsResolvable(t),
		temporary: true,
		ad:        newAdvCache(),

		supportedFlags: btd.InvalidFlags,
		pendingFlags:   btd.InvalidFlags,
		currentFlags:   btd.InvalidFlags,
	}

	if t == btd.AddrBREDR {
		d.bredr = true
	} else {
		d.le = true
	}

	for _, o := range opts {
		if err := o(d); err != nil {
			return nil, err
		}
	}

	d.loop.Post(d.armTemporaryTimer)

	return d, nil
}

// Run executes f on the device loop and waits. The escape hatch for
// callers outside the loop (and for tests).
func (d *Device) Run(f func()) {
	d.loop.Sync(f)
}

func (d *Device) Addr() btd.Addr         { return d.addr }
func (d *Device) AddrType() btd.AddrType { return d.addrType }

// emit publishes one observable. Call sites guarantee the value
// actually changed.
func (d *Device) emit(name string) {
	p, ok := lookupProperty(name)
	if !ok {
		d.log.Errorf("emit of unknown property %q", name)
		return
	}
	if p.Exists != nil && !p.Exists(d) {
		return
	}
	d.notifier.PropertyChanged(name, p.Get(d))
}

// --- observables ---------------------------------------------------

func (d *Device) isPairedAny() bool {
	return d.bredrState.Paired || d.leState.Paired
}

func (d *Device) isBondedAny() bool {
	return d.bredrState.Bonded || d.leState.Bonded
}

func (d *Device) isConnectedAny() bool {
	return d.bredrState.Connected || d.leState.Connected
}

// servicesResolved is true only while connected with discovery done on
// at least one bearer.
func (d *Device) servicesResolved() bool {
	if !d.isConnectedAny() {
		return false
	}
	return (d.bredrState.Connected && d.bredrState.SvcResolved) ||
		(d.leState.Connected && d.leState.SvcResolved)
}

// uuidsObservable returns resolved UUIDs once any bearer resolved,
// advertising-observed ones before that.
func (d *Device) uuidsObservable() []string {
	src := d.uuids
	if !d.bredrState.SvcResolved && !d.leState.SvcResolved {
		src = d.ad.eirUUIDs
	}
	out := make([]string, 0, len(src))
	for _, u := range src {
		out = append(out, u.String())
	}
	return out
}

// --- paired / bonded -----------------------------------------------

// setPaired flips the per-bearer paired flag. The observable Paired is
// the disjunction; its rise is deferred until services resolve so the
// signal lands on a fully described device.
func (d *Device) setPaired(b btd.Bearer, v bool) {
	st := d.state(b)
	if st.Paired == v {
		return
	}

	wasObservable := d.isPairedAny()
	st.Paired = v
	if !v && st.Bonded {
		// bonded implies paired
		d.setBonded(b, false)
	}
	nowObservable := d.isPairedAny()

	if wasObservable == nowObservable {
		return
	}

	if nowObservable && !d.state(b).SvcResolved {
		d.pendingPaired = true
		return
	}

	d.emit("Paired")
}

func (d *Device) setBonded(b btd.Bearer, v bool) {
	st := d.state(b)
	if st.Bonded == v {
		return
	}

	if v && !st.Paired {
		st.Paired = true
	}

	wasObservable := d.isBondedAny()
	st.Bonded = v
	if d.isBondedAny() != wasObservable {
		d.emit("Bonded")
	}
}

// --- inbound link events -------------------------------------------

// BearerConnected is the external entry for a link-up event.
func (d *Device) BearerConnected(b btd.Bearer, t btd.AddrType, initiator bool) {
	d.loop.Post(func() {
		d.bearerConnected(b, t, initiator)
	})
}

func (d *Device) bearerConnected(b btd.Bearer, t btd.AddrType, initiator bool) {
	st := d.state(b)
	if st.Connected {
		return
	}

	if b == btd.BearerBREDR {
		d.bredr = true
	} else {
		d.le = true
	}

	wasConnected := d.isConnectedAny()

	st.Connected = true
	st.Initiator = initiator
	st.LastUsed = d.now()

	d.connAddr = d.addr
	d.connAddrType = t

	d.log.Infof("%s connected (initiator %v)", b, initiator)

	if !wasConnected {
		d.emit("Connected")
	}

	// Connection activity keeps a temporary device alive.
	d.armTemporaryTimer()
}

// BearerDisconnected is the external entry for a link-down event.
func (d *Device) BearerDisconnected(b btd.Bearer, reason btd.DisconnectReason) {
	d.loop.Post(func() {
		d.bearerDisconnected(b, reason)
	})
}

func (d *Device) bearerDisconnected(b btd.Bearer, reason btd.DisconnectReason) {
	st := d.state(b)
	if !st.Connected {
		return
	}

	wasResolvedObservable := d.servicesResolved()

	st.Connected = false
	st.Initiator = false
	st.SvcResolved = false

	if b == btd.BearerLE {
		d.closeATT()
	}

	d.log.Infof("%s disconnected: %s", b, reason)

	// A disconnect that leaves paired without bonded drops the
	// pairing and its stored material.
	if st.Paired && !st.Bonded {
		d.setPaired(b, false)
		d.dropBondKeys(b)
		d.markDirty()
	}

	if wasResolvedObservable && !d.servicesResolved() {
		d.emit("ServicesResolved")
	}

	if !d.isConnectedAny() {
		d.emit("Connected")
		d.notifier.Disconnected(reason, fmt.Sprintf("%s link down", b))

		if req := d.disconnRq; req != nil {
			d.disconnRq = nil
			d.disconnTimer.Cancel()
			d.disconnTimer = nil
			for _, w := range req.waiters {
				w(nil)
			}
		}

		if d.temporary {
			d.armTemporaryTimer()
		}
	}
}

// SetServiceChangedCCC stores the Service Changed client configuration
// for a bearer so indications survive a restart.
func (d *Device) SetServiceChangedCCC(b btd.Bearer, value uint16) {
	d.loop.Post(func() {
		if b == btd.BearerLE {
			if d.cccLE == value {
				return
			}
			d.cccLE = value
		} else {
			if d.cccBREDR == value {
				return
			}
			d.cccBREDR = value
		}
		d.markDirty()
	})
}

// PairedEvent delivers a management-layer "keys exchanged" for a
// bearer.
func (d *Device) PairedEvent(b btd.Bearer) {
	d.loop.Post(func() {
		d.setPaired(b, true)
		d.markDirty()
	})
}

// BondedEvent delivers "keys persisted by the controller" for a
// bearer. Bonding promotes to persistent.
func (d *Device) BondedEvent(b btd.Bearer) {
	d.loop.Post(func() {
		d.setBonded(b, true)
		d.setTemporary(false)
		d.markDirty()
	})
}

// UnpairedEvent removes the pairing on a bearer along with its stored
// material.
func (d *Device) UnpairedEvent(b btd.Bearer) {
	d.loop.Post(func() {
		d.setPaired(b, false)
		d.dropBondKeys(b)
		d.markDirty()
	})
}

// --- discovery completion (§4.1.6) ---------------------------------

// svcResolved finishes discovery on a bearer: flip the flag, emit the
// observable when connected, release a deferred Paired, and reprobe
// the allow-list.
func (d *Device) svcResolved(b btd.Bearer) {
	st := d.state(b)
	first := !st.SvcResolved
	st.SvcResolved = true

	if first && st.Connected {
		d.emit("ServicesResolved")
	}

	d.emit("UUIDs")

	if d.pendingPaired {
		d.pendingPaired = false
		d.emit("Paired")
		d.markDirty()
	}

	d.recomputeAllowed()
	d.markDirty()

	d.log.Infof("%s services resolved (%d uuids, %d primaries)",
		b, len(d.uuids), len(d.primaries))
}

// ServiceChangedEvent reacts to a remote GATT Service Changed: the
// resolved state is stale, so discovery runs again while connected.
func (d *Device) ServiceChangedEvent(b btd.Bearer) {
	d.loop.Post(func() {
		st := d.state(b)
		wasObservable := d.servicesResolved()
		st.SvcResolved = false
		d.primaries = nil

		if wasObservable && !d.servicesResolved() {
			d.emit("ServicesResolved")
		}

		if st.Connected && d.browse == nil {
			d.startBrowse(b, nil)
		}
	})
}

// --- found / advertising merge -------------------------------------

// Found merges one advertising report or EIR blob. replaceData is the
// duplicate flag: set means manufacturer/service records replace the
// cached collections instead of merging in.
func (d *Device) Found(b btd.Bearer, report *eir.Report, rssi int8, connectable, replaceData bool) {
	d.loop.Post(func() {
		d.found(b, report, rssi, connectable, replaceData)
	})
}

func (d *Device) found(b btd.Bearer, report *eir.Report, rssi int8, connectable, replaceData bool) {
	st := d.state(b)

	if b == btd.BearerBREDR {
		d.bredr = true
	} else {
		d.le = true
	}

	st.LastSeen = d.now()
	st.Connectable = connectable

	if d.temporary {
		d.armTemporaryTimer()
	}

	if d.ad.setRSSI(rssi) {
		d.emit("RSSI")
	}

	if report == nil {
		return
	}

	if report.Name != "" && report.Name != d.name {
		d.setName(report.Name)
	}

	if report.Class != 0 && report.Class != d.class {
		d.class = report.Class
		d.emit("Class")
		d.emit("Icon")
		d.markDirty()
	}

	// Appearance is set once and never cleared by a zero.
	if report.Appearance != 0 && d.appearance == 0 {
		d.appearance = report.Appearance
		d.emit("Appearance")
		d.emit("Icon")
		d.markDirty()
	}

	if d.ad.setTxPower(report.TxPower) {
		d.emit("TxPower")
	}

	if d.ad.setFlags(report.Flags) {
		d.emit("AdvertisingFlags")
	}

	if d.ad.addUUIDs(report.UUIDs) {
		if !d.bredrState.SvcResolved && !d.leState.SvcResolved {
			d.emit("UUIDs")
		}
	}

	if d.ad.mergeMfgData(report.MfgData, replaceData) {
		d.emit("ManufacturerData")
	}
	if d.ad.mergeSvcData(report.ServiceData, replaceData) {
		d.emit("ServiceData")
	}

	if d.ad.setAdvData(report.Raw) {
		d.emit("AdvertisingData")
	}
}

// setName applies the last-non-empty-wins rule and feeds the name
// cache, which persists observed names even for devices that never do.
func (d *Device) setName(name string) {
	if name == "" || name == d.name {
		return
	}
	d.name = name
	if d.names != nil {
		d.names.SetName(d.addr, name)
	}
	d.emit("Name")
	if d.alias == "" {
		d.emit("Alias")
	}
	d.markDirty()
	d.storeCache()
}

// NameResolveFailed records a failed remote-name request; retries are
// suppressed for the policy window.
func (d *Device) NameResolveFailed() {
	d.loop.Post(func() {
		if d.names == nil {
			return
		}
		d.names.RecordFailure(d.addr, d.now())
		d.storeCache()
	})
}

// NameResolveAllowed reports whether a new remote-name request may go
// out.
func (d *Device) NameResolveAllowed() bool {
	var ok bool
	d.loop.Sync(func() {
		if d.names == nil {
			ok = true
			return
		}
		ok = d.names.CanRetry(d.addr, d.now(), d.opts.NameRetryDelay())
	})
	return ok
}

// setDeviceID stores the PnP identity learned from SDP.
func (d *Device) setDeviceID(src, vendor, product, version uint16) {
	if d.hasDeviceID {
		return
	}
	d.hasDeviceID = true
	d.vendorSrc, d.vendor, d.product, d.version = src, vendor, product, version
	d.emit("Modalias")
	d.markDirty()
}

func (d *Device) modalias() string {
	if !d.hasDeviceID {
		return ""
	}
	var prefix string
	switch d.vendorSrc {
	case 1:
		prefix = "bluetooth"
	case 2:
		prefix = "usb"
	default:
		prefix = "bluetooth"
	}
	return fmt.Sprintf("%s:v%04Xp%04Xd%04X", prefix, d.vendor, d.product, d.version)
}

// --- temporary lifecycle (§4.1.5) ----------------------------------

// armTemporaryTimer (re)starts the TTL of a temporary device.
func (d *Device) armTemporaryTimer() {
	if !d.temporary {
		return
	}

	d.temporaryTimer.Cancel()
	d.temporaryTimer = d.loop.AfterFunc(d.opts.TemporaryTTL(), d.temporaryExpired)
}

func (d *Device) temporaryExpired() {
	d.temporaryTimer = nil
	if !d.temporary {
		return
	}

	// Service activity extends the lease instead of expiring it.
	if d.anyServiceConnected() || d.browse != nil || d.isConnectedAny() {
		d.armTemporaryTimer()
		return
	}

	// The cache file survives expiry; only the registry entry goes.
	d.log.Info("temporary device expired")
	d.remove(false)
	if d.onExpired != nil {
		d.onExpired()
	}
}

// setTemporary promotes or demotes the device. Promotion to persistent
// cancels the TTL and triggers the initial store write; demotion
// deletes the info file.
func (d *Device) setTemporary(v bool) {
	if d.temporary == v {
		return
	}

	if v && (d.isBondedAny() || d.trusted) {
		// invariant 3: a bonded or trusted device cannot be temporary
		return
	}

	d.temporary = v

	if v {
		d.armTemporaryTimer()
		if d.store != nil {
			d.store.DeleteInfo(d.addr)
		}
		return
	}

	d.temporaryTimer.Cancel()
	d.temporaryTimer = nil
	d.markDirty()
}

// SetTemporary is the external promotion/demotion entry.
func (d *Device) SetTemporary(v bool) {
	d.loop.Post(func() {
		d.setTemporary(v)
	})
}

// remove tears everything down. deleteStored also wipes the info file.
func (d *Device) remove(deleteStored bool) {
	if d.removed {
		return
	}
	d.removed = true

	d.cancelBonding(btd.NewError(btd.ErrCanceled, "device removed"))
	d.cancelBrowse()
	d.cancelAuth()
	d.closeATT()

	d.teardownServices()

	if d.isConnectedAny() {
		d.forceDisconnect()
	}

	d.disconnTimer.Cancel()
	d.discovTimer.Cancel()
	d.temporaryTimer.Cancel()
	d.disconnTimer, d.discovTimer, d.temporaryTimer = nil, nil, nil

	if deleteStored && d.store != nil {
		d.store.Delete(d.addr)
	}
}

// Remove is the external teardown entry.
func (d *Device) Remove(deleteStored bool) {
	d.loop.Sync(func() {
		d.remove(deleteStored)
	})
}

// --- policy setters -------------------------------------------------

// SetTrusted marks the device trusted; trust promotes to persistent.
func (d *Device) SetTrusted(v bool) {
	d.loop.Post(func() {
		if d.trusted == v {
			return
		}
		d.trusted = v
		if v {
			d.setTemporary(false)
		}
		d.emit("Trusted")
		d.markDirty()
	})
}

// SetCablePairing marks a bond established out of band over a cable.
func (d *Device) SetCablePairing(v bool) {
	d.loop.Post(func() {
		if d.cablePairing == v {
			return
		}
		d.cablePairing = v
		d.emit("CablePairing")
		d.markDirty()
	})
}

// SetAlias sets the user-facing alias; empty reverts to the name.
func (d *Device) SetAlias(alias string) {
	d.loop.Post(func() {
		if d.alias == alias {
			return
		}
		d.alias = alias
		d.emit("Alias")
		d.markDirty()
	})
}

// SetPreferredBearer applies the connect-bearer policy. BR/EDR
// preference suppresses passive-scan auto-connect.
func (d *Device) SetPreferredBearer(s string, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	d.loop.Post(func() {
		p, err := ParsePreferredBearer(s)
		if err != nil {
			done(err)
			return
		}
		if !d.bredr || !d.le {
			done(btd.NewError(btd.ErrNotSupported, "single-bearer device"))
			return
		}
		if d.preferBearer == p {
			done(nil)
			return
		}

		d.preferBearer = p
		d.bredrState.Prefer = p == PreferBREDR
		d.leState.Prefer = p == PreferLE

		if p == PreferBREDR {
			d.setAutoConnect(false)
		}

		d.emit("PreferredBearer")
		d.markDirty()
		done(nil)
	})
}

// setAutoConnect maintains the adapter passive-scan lists (§4.1.4).
func (d *Device) setAutoConnect(enable bool) {
	if enable {
		// BR/EDR preference and address privacy both rule it out.
		if d.preferBearer == PreferBREDR || d.addr.IsPrivate(d.addrType) || d.disableAutoConnect {
			return
		}
		if d.autoConnect {
			return
		}
		d.autoConnect = true
		d.adapter.AddAutoConnect(d.addr, d.addrType)
		return
	}

	if !d.autoConnect {
		return
	}
	d.autoConnect = false
	d.adapter.RemoveAutoConnect(d.addr, d.addrType)
}

// SetAutoConnect is the external policy entry.
func (d *Device) SetAutoConnect(enable bool) {
	d.loop.Post(func() {
		d.setAutoConnect(enable)
	})
}

// --- blocking -------------------------------------------------------

// SetBlocked blocks or unblocks the device.
func (d *Device) SetBlocked(v bool, done func(error)) {
	d.loop.Post(func() {
		var err error
		if v {
			err = d.block()
		} else {
			err = d.unblock()
		}
		if done != nil {
			done(err)
		}
	})
}

// block force-disconnects everything, tears the services down, and
// pins the device in storage so the block outlives a restart.
func (d *Device) block() error {
	if d.blocked {
		return nil
	}

	if err := d.adapter.Block(d.addr, d.addrType); err != nil {
		return btd.NewError(btd.ErrNotSupported, "block failed: %v", err)
	}

	d.cancelBonding(btd.NewError(btd.ErrAuthCanceled, "device blocked"))
	d.cancelBrowse()
	d.closeATT()
	d.teardownServices()
	d.setAutoConnect(false)

	if d.isConnectedAny() {
		d.forceDisconnect()
	}

	d.blocked = true
	d.setTemporary(false)
	d.emit("Blocked")
	d.markDirty()

	d.log.Info("blocked")
	return nil
}

// unblock reverses the block and re-probes profiles against the
// current UUID set. Nothing connects automatically.
func (d *Device) unblock() error {
	if !d.blocked {
		return nil
	}

	if err := d.adapter.Unblock(d.addr, d.addrType); err != nil {
		return btd.NewError(btd.ErrNotSupported, "unblock failed: %v", err)
	}

	d.blocked = false
	d.emit("Blocked")
	d.markDirty()

	d.probeProfiles()

	d.log.Info("unblocked")
	return nil
}

// --- wake policy ----------------------------------------------------

// SetWakeAllowed sets the remote-wake policy. Illegal on a temporary
// device.
func (d *Device) SetWakeAllowed(v bool, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	d.loop.Post(func() {
		if d.temporary {
			done(btd.NewError(btd.ErrUnsupported, "wake policy on temporary device"))
			return
		}
		if !d.wakeSupport {
			done(btd.NewError(btd.ErrNotSupported, "remote wake not supported"))
			return
		}

		if v {
			d.wakeOverride = WakeEnabled
		} else {
			d.wakeOverride = WakeDisabled
		}
		d.applyWakeAllowed(v, done)
	})
}

// applyWakeAllowed pushes the wake flag to the kernel. The apply is
// idempotent: re-applying the current state completes immediately.
func (d *Device) applyWakeAllowed(v bool, done func(error)) {
	if d.wakeAllowed == v {
		if done != nil {
			done(nil)
		}
		return
	}

	flags := d.currentFlags
	if flags == btd.InvalidFlags {
		flags = 0
	}
	if v {
		flags |= btd.FlagRemoteWakeup
	} else {
		flags &^= btd.FlagRemoteWakeup
	}

	d.pendingFlags = flags
	d.adapter.SetDeviceFlags(d.addr, d.addrType, flags, func(err error) {
		d.loop.Post(func() {
			d.pendingFlags = btd.InvalidFlags
			if err != nil {
				d.log.Errorf("can't set device flags: %v", err)
				if done != nil {
					done(btd.NewError(btd.ErrFailed, "flags update failed: %v", err))
				}
				return
			}
			if done != nil {
				done(nil)
			}
		})
	})
}

// FlagsChanged delivers the kernel device-flags update.
func (d *Device) FlagsChanged(supported, current btd.DeviceFlags) {
	d.loop.Post(func() {
		d.supportedFlags = supported
		d.currentFlags = current

		wakeSupport := supported&btd.FlagRemoteWakeup != 0
		if wakeSupport != d.wakeSupport {
			d.wakeSupport = wakeSupport
			if !d.temporary {
				d.emit("WakeAllowed")
			}
		}

		wakeAllowed := current&btd.FlagRemoteWakeup != 0
		if wakeAllowed != d.wakeAllowed {
			d.wakeAllowed = wakeAllowed
			if !d.temporary {
				d.emit("WakeAllowed")
				d.markDirty()
			}
		}

		// The override re-applies idempotently on every flags change.
		switch d.wakeOverride {
		case WakeEnabled:
			d.applyWakeAllowed(true, nil)
		case WakeDisabled:
			d.applyWakeAllowed(false, nil)
		}
	})
}

// PoweredChanged reacts to the adapter power state. Power-off cancels
// everything in flight.
func (d *Device) PoweredChanged(powered bool) {
	d.loop.Post(func() {
		if powered {
			return
		}

		d.cancelBonding(btd.NewError(btd.ErrNotReady, "adapter powered down"))
		d.cancelBrowse()
		d.cancelAuth()

		if req := d.connectRq; req != nil {
			d.connectRq = nil
			req.done(btd.NewError(btd.ErrNotReady, "adapter powered down"))
		}

		for _, b := range []btd.Bearer{btd.BearerBREDR, btd.BearerLE} {
			if d.state(b).Connected {
				d.bearerDisconnected(b, btd.ReasonLocal)
			}
		}
	})
}

// --- ATT plumbing ---------------------------------------------------

// attachATT adopts an open ATT channel and watches its lifetime.
func (d *Device) attachATT(conn btd.ATTConn) {
	d.att = conn

	go func() {
		<-conn.Disconnected()
		d.loop.Post(func() {
			if d.att != conn {
				return
			}
			d.att = nil
			if d.gatt != nil {
				d.gatt.Close()
				d.gatt = nil
			}
			if d.leState.Connected {
				d.bearerDisconnected(btd.BearerLE, btd.ReasonRemote)
			}
		})
	}()
}

// --- persistence ----------------------------------------------------

// markDirty schedules one coalesced store write at the next loop idle
// tick.
func (d *Device) markDirty() {
	if d.storePending {
		return
	}
	d.storePending = true
	d.loop.Post(d.flushStore)
}

// shouldPersist is invariant 4: stored state exists iff the device is
// not temporary and its address is not private.
func (d *Device) shouldPersist() bool {
	return !d.temporary && !d.addr.IsPrivate(d.addrType) && !d.removed
}

func (d *Device) flushStore() {
	if !d.storePending {
		return
	}
	d.storePending = false

	if d.store == nil {
		return
	}
	if !d.shouldPersist() {
		return
	}

	if err := d.store.StoreInfo(d.addr, d.infoRecord()); err != nil {
		d.log.Errorf("can't persist device info: %v", err)
	}
}

// infoRecord renders the persistent info groups.
func (d *Device) infoRecord() *storage.Info {
	g := storage.General{
		Name:            d.name,
		Alias:           d.alias,
		Class:           d.class,
		Appearance:      d.appearance,
		AddressType:     d.addrType.String(),
		PreferredBearer: d.preferBearer.String(),
		Trusted:         d.trusted,
		Blocked:         d.blocked,
		CablePairing:    d.cablePairing,
		WakeAllowed:     d.wakeAllowed,
	}

	if d.bredr {
		g.SupportedTechnologies = append(g.SupportedTechnologies, "BR/EDR")
	}
	if d.le {
		g.SupportedTechnologies = append(g.SupportedTechnologies, "LE")
	}

	switch {
	case d.bredrState.LastUsed.After(d.leState.LastUsed):
		g.LastUsedBearer = "bredr"
	case d.leState.LastUsed.After(d.bredrState.LastUsed):
		g.LastUsedBearer = "le"
	}

	for _, u := range d.uuids {
		g.Services = append(g.Services, u.String())
	}

	info := &storage.Info{
		General:        g,
		ServiceChanged: storage.ServiceChanged{CCCLE: d.cccLE, CCCBREDR: d.cccBREDR},
	}

	if d.hasDeviceID {
		info.DeviceID = &storage.DeviceID{
			Source:  d.vendorSrc,
			Vendor:  d.vendor,
			Product: d.product,
			Version: d.version,
		}
	}

	if d.ltk != nil {
		info.LongTermKey = &storage.LongTermKey{
			Key:     hex.EncodeToString(d.ltk.Key),
			Central: d.ltk.Central,
			EncSize: d.ltk.EncSize,
		}
	}
	if d.localCSRK != nil {
		info.LocalSignatureKey = &storage.SignatureKey{
			Key:           hex.EncodeToString(d.localCSRK.Key),
			Counter:       d.localCSRK.Counter,
			Authenticated: d.localCSRK.Authenticated,
		}
	}
	if d.remoteCSRK != nil {
		info.RemoteSignatureKey = &storage.SignatureKey{
			Key:           hex.EncodeToString(d.remoteCSRK.Key),
			Counter:       d.remoteCSRK.Counter,
			Authenticated: d.remoteCSRK.Authenticated,
		}
	}
	for _, s := range d.sirks {
		info.SIRKs = append(info.SIRKs, storage.SIRK{
			Key:       hex.EncodeToString(s.Key),
			Size:      s.Size,
			Rank:      s.Rank,
			Encrypted: s.Encrypted,
		})
	}

	return info
}

// storeCache writes the cache file, which exists even for devices that
// never persist an info file.
func (d *Device) storeCache() {
	if d.store == nil || d.removed {
		return
	}

	c := &storage.Cache{
		Name:           d.name,
		ServiceRecords: d.serviceRecords,
		Attributes:     d.primaries,
	}
	if d.names != nil {
		if ft := d.names.FailedTime(d.addr); !ft.IsZero() {
			c.NameResolvingFailedTime = ft.Unix()
		}
	}

	if err := d.store.StoreCache(d.addr, c); err != nil {
		d.log.Errorf("can't persist device cache: %v", err)
	}
}

// LoadStored populates the device from its info and cache files and
// promotes it to persistent. Used at adapter start.
func (d *Device) LoadStored() error {
	var outerr error
	d.loop.Sync(func() {
		outerr = d.loadStored()
	})
	return outerr
}

func (d *Device) loadStored() error {
	if d.store == nil {
		return btd.NewError(btd.ErrNotReady, "no store attached")
	}

	info, err := d.store.LoadInfo(d.addr)
	if err != nil {
		return err
	}

	d.name = info.General.Name
	d.alias = info.General.Alias
	d.class = info.General.Class
	d.appearance = info.General.Appearance
	d.trusted = info.General.Trusted
	d.blocked = info.General.Blocked
	d.cablePairing = info.General.CablePairing
	d.wakeAllowed = info.General.WakeAllowed

	for _, tech := range info.General.SupportedTechnologies {
		switch tech {
		case "BR/EDR":
			d.bredr = true
		case "LE":
			d.le = true
		}
	}

	if p, err := ParsePreferredBearer(info.General.PreferredBearer); err == nil {
		d.preferBearer = p
		d.bredrState.Prefer = p == PreferBREDR
		d.leState.Prefer = p == PreferLE
	}

	for _, s := range info.General.Services {
		if u, err := btd.ParseUUID(s); err == nil && !containsUUID(d.uuids, u) {
			d.uuids = append(d.uuids, u)
		}
	}

	if info.DeviceID != nil {
		d.hasDeviceID = true
		d.vendorSrc = info.DeviceID.Source
		d.vendor = info.DeviceID.Vendor
		d.product = info.DeviceID.Product
		d.version = info.DeviceID.Version
	}

	if info.LongTermKey != nil {
		if key, err := hex.DecodeString(info.LongTermKey.Key); err == nil {
			d.ltk = &LTK{Key: key, Central: info.LongTermKey.Central, EncSize: info.LongTermKey.EncSize}
		}
	}
	if info.LocalSignatureKey != nil {
		if key, err := hex.DecodeString(info.LocalSignatureKey.Key); err == nil {
			d.localCSRK = &CSRK{Key: key, Counter: info.LocalSignatureKey.Counter, Authenticated: info.LocalSignatureKey.Authenticated}
		}
	}
	if info.RemoteSignatureKey != nil {
		if key, err := hex.DecodeString(info.RemoteSignatureKey.Key); err == nil {
			d.remoteCSRK = &CSRK{Key: key, Counter: info.RemoteSignatureKey.Counter, Authenticated: info.RemoteSignatureKey.Authenticated}
		}
	}
	for _, s := range info.SIRKs {
		if key, err := hex.DecodeString(s.Key); err == nil {
			d.AddSIRK(key, s.Encrypted, s.Size, s.Rank)
		}
	}

	d.cccLE = info.ServiceChanged.CCCLE
	d.cccBREDR = info.ServiceChanged.CCCBREDR

	// A stored bond means the bearer was bonded.
	if d.ltk != nil {
		d.leState.Paired = true
		d.leState.Bonded = true
	}

	cache, err := d.store.LoadCache(d.addr)
	if err == nil {
		if d.name == "" {
			d.name = cache.Name
		}
		d.serviceRecords = cache.ServiceRecords
		d.primaries = cache.Attributes
		if d.names != nil && cache.NameResolvingFailedTime != 0 {
			d.names.RecordFailure(d.addr, time.Unix(cache.NameResolvingFailedTime, 0))
		}
	}

	d.temporary = false
	d.temporaryTimer.Cancel()
	d.temporaryTimer = nil

	d.probeProfiles()

	return nil
}
