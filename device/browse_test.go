package device

import (
	"testing"

	btd "github.com/corvid-labs/btd"
)

func TestBrowseSDPSearchOrder(t *testing.T) {
	h := newHarness(t, "b0:b0:b0:b0:b0:01", btd.AddrBREDR)
	h.sdp.records = bredrSDPRecords()

	h.dev.Run(func() {
		h.dev.startBrowse(btd.BearerBREDR, nil)
	})
	h.settle()

	want := []string{
		btd.UUIDL2CAP.String(),
		btd.UUIDPnP.String(),
		btd.UUIDPublicBrowse.String(),
	}
	if len(h.sdp.calls) != len(want) {
		t.Fatalf("searches: %v", h.sdp.calls)
	}
	for i, u := range want {
		if h.sdp.calls[i] != u {
			t.Fatalf("search %d: %s, want %s", i, h.sdp.calls[i], u)
		}
	}

	h.dev.Run(func() {
		if !h.dev.bredrState.SvcResolved {
			t.Error("svc_resolved not set")
		}
		if len(h.dev.serviceRecords) == 0 {
			t.Error("sdp records not cached")
		}
	})

	// the cache file carries the records
	cache, err := h.store.LoadCache(h.dev.Addr())
	if err != nil {
		t.Fatal(err)
	}
	if len(cache.ServiceRecords) == 0 {
		t.Error("sdp records not persisted")
	}
}

func TestBrowseSecondRequestInProgress(t *testing.T) {
	h := newHarness(t, "b0:b0:b0:b0:b0:02", btd.AddrBREDR)
	h.sdp.hold = true

	h.dev.Run(func() {
		if err := h.dev.startBrowse(btd.BearerBREDR, nil); err != nil {
			t.Fatal(err)
		}
		if err := h.dev.startBrowse(btd.BearerBREDR, nil); !btd.IsError(err, btd.ErrInProgress) {
			t.Fatalf("expected InProgress, got %v", err)
		}
	})
}

func TestBrowseCancelDeliversCanceled(t *testing.T) {
	h := newHarness(t, "b0:b0:b0:b0:b0:03", btd.AddrBREDR)
	h.sdp.hold = true

	var got error
	gotSet := false
	h.dev.Run(func() {
		h.dev.startBrowse(btd.BearerBREDR, func(err error) {
			got = err
			gotSet = true
		})
	})

	h.dev.Run(func() {
		h.dev.cancelBrowse()
	})
	h.settle()

	if !gotSet {
		t.Fatal("waiter never completed")
	}
	if !btd.IsError(got, btd.ErrCanceled) {
		t.Fatalf("expected Canceled, got %v", got)
	}
	if h.sdp.canceled != 1 {
		t.Fatalf("sdp cancel calls: %d", h.sdp.canceled)
	}

	h.dev.Run(func() {
		if h.dev.bredrState.SvcResolved {
			t.Error("canceled browse resolved services")
		}
	})
}

func TestBrowseReusesReadyGattClient(t *testing.T) {
	h := newHarness(t, "b0:b0:b0:b0:b0:04", btd.AddrLEPublic)
	h.gatt.primaries = []btd.Primary{{UUID: btd.UUID16(0x1812), Start: 1, End: 20}}

	h.dev.Run(func() {
		h.dev.gatt = h.gatt
		h.dev.startBrowse(btd.BearerLE, nil)
	})
	h.settle()

	if h.dialer.dials != 0 {
		t.Fatalf("dialed despite ready client: %d", h.dialer.dials)
	}
	h.dev.Run(func() {
		if !containsUUID(h.dev.uuids, btd.UUID16(0x1812)) {
			t.Errorf("uuids: %v", h.dev.uuids)
		}
	})
}

func TestBrowseLEOpensATT(t *testing.T) {
	h := newHarness(t, "b0:b0:b0:b0:b0:05", btd.AddrLEPublic)
	h.gatt.primaries = []btd.Primary{{UUID: btd.UUID16(0x180a), Start: 1, End: 6}}

	var got error
	h.dev.Run(func() {
		h.dev.startBrowse(btd.BearerLE, func(err error) { got = err })
	})
	h.settle()

	if got != nil {
		t.Fatal(got)
	}
	if h.dialer.dials != 1 {
		t.Fatalf("att dials: %d", h.dialer.dials)
	}
	h.dev.Run(func() {
		if !h.dev.leState.SvcResolved {
			t.Error("le not resolved")
		}
	})
}

func TestBrowseWaiterParksOnInFlight(t *testing.T) {
	h := newHarness(t, "b0:b0:b0:b0:b0:06", btd.AddrBREDR)
	h.sdp.hold = true

	waits := 0
	h.dev.Run(func() {
		h.dev.startBrowse(btd.BearerBREDR, func(error) { waits++ })
		h.dev.addBrowseWaiter(func(error) { waits++ })
	})

	h.dev.Run(func() {
		for len(h.sdp.held) > 0 {
			reply := h.sdp.held[0]
			h.sdp.held = h.sdp.held[1:]
			reply()
		}
	})
	h.settle()

	// replies post follow-up searches; release them all
	for i := 0; i < 4; i++ {
		h.dev.Run(func() {
			for len(h.sdp.held) > 0 {
				reply := h.sdp.held[0]
				h.sdp.held = h.sdp.held[1:]
				reply()
			}
		})
		h.settle()
	}

	if waits != 2 {
		t.Fatalf("waiters completed: %d", waits)
	}
}
