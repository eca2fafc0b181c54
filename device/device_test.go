package device

import (
	"testing"
	"time"

	btd "github.com/corvid-labs/btd"
	"github.com/corvid-labs/btd/config"
	"github.com/corvid-labs/btd/eir"
)

func a2dpSink() *fakeProfile {
	return &fakeProfile{
		name:        "a2dp-sink",
		uuid:        btd.UUID16(0x110b),
		priority:    16,
		autoConnect: true,
		external:    false,
	}
}

func speakerReport() *eir.Report {
	return &eir.Report{
		Name:         "Speaker",
		NameComplete: true,
		Class:        0x240404,
		TxPower:      eir.TxPowerUnknown,
	}
}

func bredrSDPRecords() map[string][]btd.SDPRecord {
	return map[string][]btd.SDPRecord{
		btd.UUIDL2CAP.String(): {
			{Handle: 0x10001, UUIDs: []btd.UUID{btd.UUID16(0x110a)}},
			{Handle: 0x10002, UUIDs: []btd.UUID{btd.UUID16(0x110b)}},
		},
		btd.UUIDPnP.String(): {
			{Handle: 0x10003, UUIDs: []btd.UUID{btd.UUIDPnP},
				HasDeviceID: true, VendorSource: 1, Vendor: 0x1234, Product: 0x0001, Version: 0x0100},
		},
	}
}

// S1: BR/EDR pair with NoInputNoOutput agent ends bonded, persisted and
// service-resolved with one attached A2DP service.
func TestPairBREDR(t *testing.T) {
	h := newHarness(t, "aa:bb:cc:dd:ee:01", btd.AddrBREDR, a2dpSink())
	h.sdp.records = bredrSDPRecords()

	h.dev.Found(btd.BearerBREDR, speakerReport(), -40, true, false)
	h.dev.BearerConnected(btd.BearerBREDR, btd.AddrBREDR, true)
	h.settle()

	agent := &fakeAgent{cap: btd.CapNoInputNoOutput}
	pairDone := make(chan error, 1)
	h.dev.Pair(agent, func(err error) { pairDone <- err })
	h.settle()

	if len(h.adapter.bondings) != 1 || h.adapter.bondings[0] != btd.AddrBREDR {
		t.Fatalf("bondings: %v", h.adapter.bondings)
	}

	h.dev.BondingComplete(BondSuccess)
	if err := <-pairDone; err != nil {
		t.Fatal(err)
	}
	h.settle()

	h.dev.Run(func() {
		if !h.dev.bredrState.Paired || !h.dev.bredrState.Bonded {
			t.Error("bearer not paired+bonded")
		}
		if h.dev.temporary {
			t.Error("still temporary after bond")
		}
		if !h.dev.bredrState.SvcResolved {
			t.Error("services not resolved")
		}
		if !containsUUID(h.dev.uuids, btd.UUID16(0x110a)) || !containsUUID(h.dev.uuids, btd.UUID16(0x110b)) {
			t.Errorf("uuids: %v", h.dev.uuids)
		}
		if len(h.dev.services) != 1 || h.dev.services[0].profile.Name() != "a2dp-sink" {
			t.Errorf("services: %d", len(h.dev.services))
		}
	})

	if v, ok := h.notifier.last("ServicesResolved"); !ok || v != true {
		t.Error("ServicesResolved not emitted true")
	}
	if h.notifier.count("Paired") != 1 {
		t.Errorf("Paired emitted %d times", h.notifier.count("Paired"))
	}
	if h.notifier.count("Bonded") != 1 {
		t.Errorf("Bonded emitted %d times", h.notifier.count("Bonded"))
	}

	if !h.store.HasInfo(h.dev.Addr()) {
		t.Fatal("info not persisted")
	}
	info, err := h.store.LoadInfo(h.dev.Addr())
	if err != nil {
		t.Fatal(err)
	}
	if info.General.Name != "Speaker" || info.General.Class != 0x240404 {
		t.Errorf("persisted general: %+v", info.General)
	}
	if len(info.General.Services) == 0 {
		t.Error("persisted services empty")
	}
	if info.DeviceID == nil || info.DeviceID.Vendor != 0x1234 {
		t.Errorf("persisted device id: %+v", info.DeviceID)
	}
}

// S2: LE pair defers the Paired signal until GATT discovery completes.
func TestPairLEDeferredPaired(t *testing.T) {
	h := newHarness(t, "bb:bb:bb:bb:bb:02", btd.AddrLEPublic)
	h.gatt.primaries = []btd.Primary{
		{UUID: btd.UUID16(0x180d), Start: 1, End: 12},
	}

	agent := &fakeAgent{cap: btd.CapKeyboardDisplay}
	pairDone := make(chan error, 1)
	h.dev.Pair(agent, func(err error) { pairDone <- err })
	h.settle()

	// ATT came up first and was elevated to trigger SMP.
	if h.dialer.dials != 1 {
		t.Fatalf("att dials: %d", h.dialer.dials)
	}
	if h.dialer.conns[0].secLevel != btd.SecurityMedium {
		t.Fatalf("security level: %v", h.dialer.conns[0].secLevel)
	}

	if h.notifier.count("Paired") != 0 {
		t.Fatal("Paired emitted before bond completed")
	}

	h.dev.BondingComplete(BondSuccess)
	if err := <-pairDone; err != nil {
		t.Fatal(err)
	}
	h.settle()

	if h.notifier.count("Paired") != 1 {
		t.Fatalf("Paired emitted %d times", h.notifier.count("Paired"))
	}

	// The deferred Paired lands only after ServicesResolved.
	pairedIdx, resolvedIdx := -1, -1
	for i, e := range h.notifier.emissions {
		switch e.name {
		case "Paired":
			pairedIdx = i
		case "ServicesResolved":
			if resolvedIdx < 0 {
				resolvedIdx = i
			}
		}
	}
	if resolvedIdx < 0 || pairedIdx < resolvedIdx {
		t.Fatalf("emission order: resolved %d, paired %d", resolvedIdx, pairedIdx)
	}

	h.dev.Run(func() {
		if !h.dev.leState.SvcResolved {
			t.Error("le services not resolved")
		}
		if !containsUUID(h.dev.uuids, btd.UUID16(0x180d)) {
			t.Errorf("uuids: %v", h.dev.uuids)
		}
	})
}

// S3: BR/EDR page failure with host down falls back to LE, and the
// caller sees success.
func TestConnectBearerFallback(t *testing.T) {
	h := newHarness(t, "cc:cc:cc:cc:cc:03", btd.AddrBREDR)
	h.sdp.err = btd.NewError(btd.ErrHostDown, "host down")

	h.dev.Run(func() {
		h.dev.found(btd.BearerBREDR, nil, -50, true, false)
		h.dev.found(btd.BearerLE, nil, -50, true, false)
	})

	err := wait(t, h.dev.Connect)
	if err != nil {
		t.Fatalf("connect failed instead of falling back: %v", err)
	}
	h.settle()

	h.dev.Run(func() {
		if !h.dev.leState.Connected {
			t.Error("le not connected after fallback")
		}
		if h.dev.bredrState.Connected {
			t.Error("bredr marked connected")
		}
	})
	if h.dialer.dials != 1 {
		t.Errorf("att dials: %d", h.dialer.dials)
	}
}

// S4: a disconnect that leaves paired-but-unbonded clears the pairing
// and emits Paired exactly once.
func TestUnpairOnPartialDisconnect(t *testing.T) {
	h := newHarness(t, "dd:dd:dd:dd:dd:04", btd.AddrLEPublic)

	h.dev.Run(func() {
		h.dev.bearerConnected(btd.BearerLE, btd.AddrLEPublic, false)
		h.dev.leState.Paired = true // paired this session, never bonded
	})

	h.dev.BearerDisconnected(btd.BearerLE, btd.ReasonRemote)
	h.settle()

	h.dev.Run(func() {
		if h.dev.leState.Paired {
			t.Error("paired survived unbonded disconnect")
		}
	})
	if h.notifier.count("Paired") != 1 {
		t.Errorf("Paired emitted %d times", h.notifier.count("Paired"))
	}
	if v, _ := h.notifier.last("Paired"); v != false {
		t.Error("Paired did not fall")
	}
	if len(h.notifier.disconnects) != 1 || h.notifier.disconnects[0] != btd.ReasonRemote {
		t.Errorf("disconnect signals: %v", h.notifier.disconnects)
	}
}

// S5: block tears services down and persists; unblock re-probes but
// connects nothing.
func TestBlockUnblock(t *testing.T) {
	profile := a2dpSink()
	h := newHarness(t, "ee:ee:ee:ee:ee:05", btd.AddrBREDR, profile)
	h.sdp.records = bredrSDPRecords()

	h.dev.BearerConnected(btd.BearerBREDR, btd.AddrBREDR, true)
	h.dev.Run(func() {
		h.dev.startBrowse(btd.BearerBREDR, nil)
	})
	h.settle()

	h.dev.Run(func() {
		if len(h.dev.services) != 1 {
			t.Fatalf("services before block: %d", len(h.dev.services))
		}
	})

	if err := wait(t, func(done func(error)) { h.dev.SetBlocked(true, done) }); err != nil {
		t.Fatal(err)
	}
	h.settle()

	h.dev.Run(func() {
		if !h.dev.blocked || h.dev.temporary {
			t.Error("blocked/temporary state wrong")
		}
		if len(h.dev.services) != 0 {
			t.Error("services survived block")
		}
	})
	if h.adapter.blocks != 1 {
		t.Errorf("adapter blocks: %d", h.adapter.blocks)
	}

	info, err := h.store.LoadInfo(h.dev.Addr())
	if err != nil {
		t.Fatal(err)
	}
	if !info.General.Blocked {
		t.Error("block not persisted")
	}

	if err := wait(t, func(done func(error)) { h.dev.SetBlocked(false, done) }); err != nil {
		t.Fatal(err)
	}
	h.settle()

	h.dev.Run(func() {
		if h.dev.blocked {
			t.Error("still blocked")
		}
		if len(h.dev.services) != 1 {
			t.Errorf("services after unblock: %d", len(h.dev.services))
		}
	})
	if profile.connects != 0 {
		t.Errorf("profile connected automatically %d times", profile.connects)
	}
}

// S6: remote CSRK counters only move forward.
func TestCSRKMonotonic(t *testing.T) {
	h := newHarness(t, "ff:ff:ff:ff:ff:06", btd.AddrLEPublic)
	key := make([]byte, 16)

	h.dev.Run(func() {
		h.dev.SetCSRK(false, key, 5, true)

		if h.dev.ReceiveSignedCounter(4) {
			t.Error("regressing counter accepted")
		}
		if h.dev.remoteCSRK.Counter != 5 {
			t.Errorf("counter moved to %d", h.dev.remoteCSRK.Counter)
		}

		if !h.dev.ReceiveSignedCounter(7) {
			t.Error("advancing counter rejected")
		}
		if h.dev.remoteCSRK.Counter != 7 {
			t.Errorf("counter: %d", h.dev.remoteCSRK.Counter)
		}

		// equal counter is accepted without mutation
		if !h.dev.ReceiveSignedCounter(7) {
			t.Error("equal counter rejected")
		}
	})
}

// Invariant 7: a quiet temporary device leaves the registry after its
// TTL.
func TestTemporaryExpiry(t *testing.T) {
	loop := NewLoop()
	defer loop.Close()

	adapter := newFakeAdapter()
	reg := NewRegistry(loop, adapter, WithPolicy(func() *config.Config {
		cfg := config.Defaults()
		cfg.Device.TemporaryTimeout = 1
		return cfg
	}()))

	addr := btd.NewAddr("11:22:33:44:55:66")
	if _, err := reg.FindOrCreate(addr, btd.AddrLEPublic); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := reg.Get(addr); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("temporary device never expired")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Trust promotes to persistent and survives a reload.
func TestTrustPersistsAndReloads(t *testing.T) {
	h := newHarness(t, "21:22:23:24:25:26", btd.AddrBREDR)

	h.dev.Found(btd.BearerBREDR, speakerReport(), -40, true, false)
	h.dev.SetTrusted(true)
	h.dev.SetAlias("Kitchen")
	h.settle()

	if !h.store.HasInfo(h.dev.Addr()) {
		t.Fatal("trusted device not persisted")
	}

	reborn, err := New(h.loop, h.adapter, h.dev.Addr(), btd.AddrBREDR, WithStore(h.store))
	if err != nil {
		t.Fatal(err)
	}
	if err := reborn.LoadStored(); err != nil {
		t.Fatal(err)
	}

	props := reborn.Properties()
	if props["Name"] != "Speaker" {
		t.Errorf("name: %v", props["Name"])
	}
	if props["Alias"] != "Kitchen" {
		t.Errorf("alias: %v", props["Alias"])
	}
	if props["Trusted"] != true {
		t.Error("trust lost across reload")
	}
}

// A second Connect while one is in flight fails with InProgress.
func TestConnectInProgress(t *testing.T) {
	h := newHarness(t, "31:32:33:34:35:36", btd.AddrBREDR)

	h.dev.Run(func() {
		// park a browse so the first connect stays in flight
		h.dev.browse = &browseReq{d: h.dev, bearer: btd.BearerBREDR}
	})

	err := wait(t, h.dev.Connect)
	if !btd.IsError(err, btd.ErrInProgress) {
		t.Fatalf("expected InProgress, got %v", err)
	}
}

// Connect with the adapter off fails NotReady.
func TestConnectNotReady(t *testing.T) {
	h := newHarness(t, "41:42:43:44:45:46", btd.AddrBREDR)
	h.adapter.powered = false

	err := wait(t, h.dev.Connect)
	if !btd.IsError(err, btd.ErrNotReady) {
		t.Fatalf("expected NotReady, got %v", err)
	}
}

// Resolved services with no connectable profile yield
// ProfileUnavailable.
func TestConnectProfileUnavailable(t *testing.T) {
	h := newHarness(t, "51:52:53:54:55:56", btd.AddrBREDR)
	h.sdp.records = bredrSDPRecords()

	err := wait(t, h.dev.Connect)
	if !btd.IsError(err, btd.ErrProfileUnavailable) {
		t.Fatalf("expected ProfileUnavailable, got %v", err)
	}
}

// Disconnect sequencing: services first, then the grace timer forces
// the bearers down; the reply lands when the links drop.
func TestDisconnectSequencing(t *testing.T) {
	profile := a2dpSink()
	h := newHarness(t, "61:62:63:64:65:66", btd.AddrBREDR, profile)
	h.sdp.records = bredrSDPRecords()

	h.dev.BearerConnected(btd.BearerBREDR, btd.AddrBREDR, true)
	h.settle()

	if err := wait(t, h.dev.Connect); err != nil {
		t.Fatal(err)
	}
	h.settle()

	var hinted []bool
	h.dev.AddDisconnectWatch(func(temporary bool) {
		hinted = append(hinted, temporary)
	})
	h.settle()

	done := make(chan error, 1)
	h.dev.Disconnect(true, func(err error) { done <- err })
	h.settle()

	if len(hinted) != 1 || hinted[0] {
		t.Fatalf("disconnect watch hints: %v", hinted)
	}
	if profile.disconnects != 1 {
		t.Fatalf("profile disconnects: %d", profile.disconnects)
	}

	select {
	case <-done:
		t.Fatal("disconnect completed before bearer went down")
	default:
	}

	// the forced disconnect fires after the grace period
	time.Sleep(disconnectGrace + 500*time.Millisecond)
	h.settle()
	if len(h.adapter.disconnects) == 0 {
		t.Fatal("no forced bearer disconnect")
	}

	h.dev.BearerDisconnected(btd.BearerBREDR, btd.ReasonLocal)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

// Wake policy is illegal on a temporary device and applies through the
// flags call otherwise.
func TestWakeAllowed(t *testing.T) {
	h := newHarness(t, "71:72:73:74:75:76", btd.AddrLEPublic)

	h.dev.FlagsChanged(btd.FlagRemoteWakeup, 0)
	h.settle()

	err := wait(t, func(done func(error)) { h.dev.SetWakeAllowed(true, done) })
	if !btd.IsError(err, btd.ErrUnsupported) {
		t.Fatalf("expected Unsupported on temporary device, got %v", err)
	}

	h.dev.SetTemporary(false)
	h.settle()

	if err := wait(t, func(done func(error)) { h.dev.SetWakeAllowed(true, done) }); err != nil {
		t.Fatal(err)
	}
	h.settle()

	if len(h.adapter.flagsSet) == 0 || h.adapter.flagsSet[0]&btd.FlagRemoteWakeup == 0 {
		t.Fatalf("flags pushed: %v", h.adapter.flagsSet)
	}
}

// ServicesResolved clears on disconnect (invariant 10).
func TestServicesResolvedClearsOnDisconnect(t *testing.T) {
	h := newHarness(t, "81:82:83:84:85:86", btd.AddrLEPublic)
	h.gatt.primaries = []btd.Primary{{UUID: btd.UUID16(0x180f), Start: 1, End: 5}}

	if err := wait(t, h.dev.Connect); err != nil {
		t.Fatal(err)
	}
	h.settle()

	if v, ok := h.notifier.last("ServicesResolved"); !ok || v != true {
		t.Fatal("ServicesResolved never became true")
	}

	h.dev.BearerDisconnected(btd.BearerLE, btd.ReasonTimeout)
	h.settle()

	if v, _ := h.notifier.last("ServicesResolved"); v != false {
		t.Fatal("ServicesResolved did not clear on disconnect")
	}
}
