package device

import (
	"testing"

	btd "github.com/corvid-labs/btd"
)

func TestProbeOrdersByPriority(t *testing.T) {
	low := &fakeProfile{name: "low", uuid: btd.UUID16(0x110a), priority: 1, autoConnect: true, external: true}
	high := &fakeProfile{name: "high", uuid: btd.UUID16(0x110b), priority: 16, autoConnect: true, external: true}

	h := newHarness(t, "d0:d0:d0:d0:d0:01", btd.AddrBREDR, low, high)

	h.dev.Run(func() {
		h.dev.uuids = []btd.UUID{btd.UUID16(0x110a), btd.UUID16(0x110b)}
		h.dev.probeProfiles()

		if len(h.dev.services) != 2 {
			t.Fatalf("services: %d", len(h.dev.services))
		}
		if h.dev.services[0].profile.Name() != "high" {
			t.Errorf("order: %s first", h.dev.services[0].profile.Name())
		}
	})
}

func TestProbeSkipsUnmatchedUUIDs(t *testing.T) {
	p := &fakeProfile{name: "hid", uuid: btd.UUID16(0x1812), priority: 8, autoConnect: true}
	h := newHarness(t, "d0:d0:d0:d0:d0:02", btd.AddrBREDR, p)

	h.dev.Run(func() {
		h.dev.uuids = []btd.UUID{btd.UUID16(0x110b)}
		h.dev.probeProfiles()

		// UUID retained even though nothing attaches
		if len(h.dev.services) != 0 {
			t.Fatalf("services: %d", len(h.dev.services))
		}
		if !containsUUID(h.dev.uuids, btd.UUID16(0x110b)) {
			t.Error("uuid dropped")
		}
	})
}

func TestInternalProfileClaimsRange(t *testing.T) {
	internal := &fakeProfile{name: "batt", uuid: btd.UUID16(0x180f), priority: 10, autoConnect: true, external: false}
	external := &fakeProfile{name: "ext-batt", uuid: btd.UUID16(0x180f), priority: 5, autoConnect: true, external: true}

	h := newHarness(t, "d0:d0:d0:d0:d0:03", btd.AddrLEPublic, internal, external)

	h.dev.Run(func() {
		h.dev.uuids = []btd.UUID{btd.UUID16(0x180f)}
		h.dev.primaries = []btd.Primary{{UUID: btd.UUID16(0x180f), Start: 10, End: 14}}
		h.dev.probeProfiles()

		// the internal profile claimed 10-14; the external handler for
		// the same range is suppressed
		if len(h.dev.services) != 1 {
			t.Fatalf("services: %d", len(h.dev.services))
		}
		if h.dev.services[0].profile.Name() != "batt" {
			t.Errorf("attached: %s", h.dev.services[0].profile.Name())
		}
		if !h.dev.services[0].claimed {
			t.Error("range not claimed")
		}
	})
}

func TestAllowedIntersectsAllowList(t *testing.T) {
	p := a2dpSink()
	h := newHarness(t, "d0:d0:d0:d0:d0:04", btd.AddrBREDR, p)
	h.adapter.denyUUIDs[p.uuid.String()] = true

	h.dev.Run(func() {
		h.dev.uuids = []btd.UUID{p.uuid}
		h.dev.probeProfiles()

		if len(h.dev.services) != 1 {
			t.Fatalf("services: %d", len(h.dev.services))
		}
		if h.dev.services[0].allowed {
			t.Error("denied uuid marked allowed")
		}
		if list := h.dev.pendingList(nil); len(list) != 0 {
			t.Errorf("pending list: %d", len(list))
		}
	})
}

func TestDisconnectProfileSingleService(t *testing.T) {
	p := a2dpSink()
	h := newHarness(t, "d0:d0:d0:d0:d0:05", btd.AddrBREDR, p)
	h.sdp.records = bredrSDPRecords()

	h.dev.BearerConnected(btd.BearerBREDR, btd.AddrBREDR, true)
	h.settle()
	if err := wait(t, h.dev.Connect); err != nil {
		t.Fatal(err)
	}
	h.settle()

	if err := wait(t, func(done func(error)) {
		h.dev.DisconnectProfile(p.uuid, done)
	}); err != nil {
		t.Fatal(err)
	}
	h.settle()

	if p.disconnects != 1 {
		t.Fatalf("profile disconnects: %d", p.disconnects)
	}

	// a second disconnect finds it already down
	err := wait(t, func(done func(error)) {
		h.dev.DisconnectProfile(p.uuid, done)
	})
	if !btd.IsError(err, btd.ErrNotConnected) {
		t.Fatalf("expected NotConnected, got %v", err)
	}
}

func TestConnectProfileUnknownUUID(t *testing.T) {
	h := newHarness(t, "d0:d0:d0:d0:d0:06", btd.AddrBREDR)
	h.sdp.records = bredrSDPRecords()

	err := wait(t, func(done func(error)) {
		h.dev.ConnectProfile(btd.UUID16(0x1108), done)
	})
	if !btd.IsError(err, btd.ErrInvalidArguments) {
		t.Fatalf("expected InvalidArguments, got %v", err)
	}
}
