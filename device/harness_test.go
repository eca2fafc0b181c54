package device

import (
	"fmt"
	"testing"
	"time"

	btd "github.com/corvid-labs/btd"
	"github.com/corvid-labs/btd/config"
	"github.com/corvid-labs/btd/storage"
)

// The fakes below are only ever touched from the device loop; tests
// read them after a Run barrier, which is ordered after every queued
// mutation.

type fakeAdapter struct {
	powered  bool
	bredrCap bool

	bondings    []btd.AddrType
	cancels     int
	removals    int
	disconnects []btd.AddrType
	blocks      int
	unblocks    int
	autoAdds    int
	autoRemoves int

	confirmReplies []bool
	pinReplies     []string
	passkeyReplies []uint32

	flagsSet []btd.DeviceFlags
	flagsErr error

	denyUUIDs map[string]bool
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{powered: true, bredrCap: true, denyUUIDs: map[string]bool{}}
}

func (a *fakeAdapter) Address() btd.Addr  { return btd.NewAddr("00:1a:7d:da:71:13") }
func (a *fakeAdapter) Powered() bool      { return a.powered }
func (a *fakeAdapter) BREDRCapable() bool { return a.bredrCap }

func (a *fakeAdapter) CreateBonding(peer btd.Addr, t btd.AddrType, cap btd.IOCapability) error {
	a.bondings = append(a.bondings, t)
	return nil
}

func (a *fakeAdapter) CancelBonding(peer btd.Addr, t btd.AddrType) error {
	a.cancels++
	return nil
}

func (a *fakeAdapter) RemoveBonding(peer btd.Addr, t btd.AddrType) error {
	a.removals++
	return nil
}

func (a *fakeAdapter) Disconnect(peer btd.Addr, t btd.AddrType) error {
	a.disconnects = append(a.disconnects, t)
	return nil
}

func (a *fakeAdapter) Block(peer btd.Addr, t btd.AddrType) error   { a.blocks++; return nil }
func (a *fakeAdapter) Unblock(peer btd.Addr, t btd.AddrType) error { a.unblocks++; return nil }

func (a *fakeAdapter) SetDeviceFlags(peer btd.Addr, t btd.AddrType, flags btd.DeviceFlags, done func(error)) {
	a.flagsSet = append(a.flagsSet, flags)
	done(a.flagsErr)
}

func (a *fakeAdapter) AddAutoConnect(peer btd.Addr, t btd.AddrType)    { a.autoAdds++ }
func (a *fakeAdapter) RemoveAutoConnect(peer btd.Addr, t btd.AddrType) { a.autoRemoves++ }

func (a *fakeAdapter) UUIDAllowed(u btd.UUID) bool { return !a.denyUUIDs[u.String()] }

func (a *fakeAdapter) PinCodeReply(peer btd.Addr, pin string, ok bool) error {
	a.pinReplies = append(a.pinReplies, pin)
	return nil
}

func (a *fakeAdapter) PasskeyReply(peer btd.Addr, t btd.AddrType, passkey uint32, ok bool) error {
	a.passkeyReplies = append(a.passkeyReplies, passkey)
	return nil
}

func (a *fakeAdapter) ConfirmReply(peer btd.Addr, t btd.AddrType, accept bool) error {
	a.confirmReplies = append(a.confirmReplies, accept)
	return nil
}

type fakeSDP struct {
	records map[string][]btd.SDPRecord
	err     error
	calls   []string

	// hold parks replies for cancellation tests.
	hold     bool
	held     []func()
	canceled int
}

func (s *fakeSDP) Search(peer btd.Addr, u btd.UUID, done func([]btd.SDPRecord, error)) func() {
	s.calls = append(s.calls, u.String())

	reply := func() {
		if s.err != nil {
			done(nil, s.err)
		} else {
			done(s.records[u.String()], nil)
		}
	}

	if s.hold {
		s.held = append(s.held, reply)
	} else {
		reply()
	}

	return func() { s.canceled++ }
}

type fakeATTConn struct {
	peer     btd.Addr
	secLevel btd.SecurityLevel
	down     chan struct{}
	closed   bool
}

func newFakeATTConn(peer btd.Addr) *fakeATTConn {
	return &fakeATTConn{peer: peer, down: make(chan struct{})}
}

func (c *fakeATTConn) RemoteAddr() btd.Addr { return c.peer }

func (c *fakeATTConn) SetSecurityLevel(l btd.SecurityLevel) error {
	c.secLevel = l
	return nil
}

func (c *fakeATTConn) Disconnected() <-chan struct{} { return c.down }

func (c *fakeATTConn) Close() error {
	if !c.closed {
		c.closed = true
		close(c.down)
	}
	return nil
}

type fakeDialer struct {
	err   error
	conns []*fakeATTConn
	dials int
}

func (dl *fakeDialer) Dial(peer btd.Addr, t btd.AddrType, sec btd.SecurityLevel, done func(btd.ATTConn, error)) func() {
	dl.dials++
	if dl.err != nil {
		done(nil, dl.err)
		return func() {}
	}
	conn := newFakeATTConn(peer)
	dl.conns = append(dl.conns, conn)
	done(conn, nil)
	return func() {}
}

type fakeGattClient struct {
	primaries []btd.Primary
	err       error
	closed    bool
}

func (g *fakeGattClient) WaitReady(f func(error)) { f(g.err) }
func (g *fakeGattClient) Primaries() []btd.Primary {
	return g.primaries
}
func (g *fakeGattClient) Close() error {
	g.closed = true
	return nil
}

type fakeProfile struct {
	name        string
	uuid        btd.UUID
	priority    int
	autoConnect bool
	external    bool
	connectErr  error

	connects    int
	disconnects int
}

func (p *fakeProfile) Name() string         { return p.name }
func (p *fakeProfile) RemoteUUID() btd.UUID { return p.uuid }
func (p *fakeProfile) Priority() int        { return p.priority }
func (p *fakeProfile) AutoConnect() bool    { return p.autoConnect }
func (p *fakeProfile) External() bool       { return p.external }

func (p *fakeProfile) Connect(peer btd.Addr, done func(error)) error {
	p.connects++
	done(p.connectErr)
	return nil
}

func (p *fakeProfile) Disconnect(peer btd.Addr, done func(error)) error {
	p.disconnects++
	done(nil)
	return nil
}

type fakeAgent struct {
	cap      btd.IOCapability
	pin      string
	passkey  uint32
	confirm  bool
	canceled int

	pinReqs     int
	passkeyReqs int
	confirmReqs int
	displays    int
}

func (a *fakeAgent) Capability() btd.IOCapability { return a.cap }

func (a *fakeAgent) RequestPinCode(peer btd.Addr, secure bool, reply func(string, error)) error {
	a.pinReqs++
	reply(a.pin, nil)
	return nil
}

func (a *fakeAgent) DisplayPinCode(peer btd.Addr, pin string, reply func(error)) error {
	a.displays++
	reply(nil)
	return nil
}

func (a *fakeAgent) RequestPasskey(peer btd.Addr, reply func(uint32, error)) error {
	a.passkeyReqs++
	reply(a.passkey, nil)
	return nil
}

func (a *fakeAgent) DisplayPasskey(peer btd.Addr, passkey uint32, entered uint16) error {
	a.displays++
	return nil
}

func (a *fakeAgent) RequestConfirmation(peer btd.Addr, passkey uint32, reply func(error)) error {
	a.confirmReqs++
	if a.confirm {
		reply(nil)
	} else {
		reply(fmt.Errorf("rejected"))
	}
	return nil
}

func (a *fakeAgent) RequestAuthorization(peer btd.Addr, reply func(error)) error {
	reply(nil)
	return nil
}

func (a *fakeAgent) Cancel() error {
	a.canceled++
	return nil
}

type emission struct {
	name  string
	value interface{}
}

type fakeNotifier struct {
	emissions   []emission
	disconnects []btd.DisconnectReason
}

func (n *fakeNotifier) PropertyChanged(name string, value interface{}) {
	n.emissions = append(n.emissions, emission{name, value})
}

func (n *fakeNotifier) Disconnected(reason btd.DisconnectReason, message string) {
	n.disconnects = append(n.disconnects, reason)
}

func (n *fakeNotifier) count(name string) int {
	c := 0
	for _, e := range n.emissions {
		if e.name == name {
			c++
		}
	}
	return c
}

func (n *fakeNotifier) last(name string) (interface{}, bool) {
	for i := len(n.emissions) - 1; i >= 0; i-- {
		if n.emissions[i].name == name {
			return n.emissions[i].value, true
		}
	}
	return nil, false
}

// harness wires a device with all fakes on a fresh loop.
type harness struct {
	loop     *Loop
	adapter  *fakeAdapter
	sdp      *fakeSDP
	dialer   *fakeDialer
	gatt     *fakeGattClient
	notifier *fakeNotifier
	cfg      *config.Config
	store    *storage.Store
	dev      *Device
}

func newHarness(t *testing.T, addr string, addrType btd.AddrType, profiles ...btd.Profile) *harness {
	t.Helper()

	h := &harness{
		loop:     NewLoop(),
		adapter:  newFakeAdapter(),
		sdp:      &fakeSDP{records: map[string][]btd.SDPRecord{}},
		dialer:   &fakeDialer{},
		gatt:     &fakeGattClient{},
		notifier: &fakeNotifier{},
		cfg:      config.Defaults(),
	}
	t.Cleanup(h.loop.Close)

	store, err := storage.New(t.TempDir(), h.adapter.Address())
	if err != nil {
		t.Fatal(err)
	}
	h.store = store

	names, err := storage.NewNameCache()
	if err != nil {
		t.Fatal(err)
	}

	dev, err := New(h.loop, h.adapter, btd.NewAddr(addr), addrType,
		WithSDP(h.sdp),
		WithATTDialer(h.dialer),
		WithGattFactory(func(btd.ATTConn) (btd.GattClient, error) { return h.gatt, nil }),
		WithNotifier(h.notifier),
		WithPolicy(h.cfg),
		WithStore(store),
		WithNameCache(names),
		WithProfiles(profiles...),
	)
	if err != nil {
		t.Fatal(err)
	}
	h.dev = dev
	return h
}

// settle waits for the loop to drain everything queued so far,
// including the coalesced store flush.
func (h *harness) settle() {
	for i := 0; i < 4; i++ {
		h.loop.Sync(func() {})
	}
}

// wait blocks on a callback-style operation.
func wait(t *testing.T, f func(done func(error))) error {
	t.Helper()
	ch := make(chan error, 1)
	f(func(err error) { ch <- err })
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("operation timed out")
		return nil
	}
}
