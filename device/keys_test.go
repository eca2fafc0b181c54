package device

import (
	"testing"

	btd "github.com/corvid-labs/btd"
	"github.com/corvid-labs/btd/crypt"
)

func TestSIRKUnencryptedJoinsImmediately(t *testing.T) {
	h := newHarness(t, "a1:a2:a3:a4:a5:a6", btd.AddrLEPublic)

	sirk := make([]byte, 16)
	for i := range sirk {
		sirk[i] = byte(i + 1)
	}

	h.dev.Run(func() {
		h.dev.AddSIRK(sirk, false, 2, 1)

		sets := h.dev.sets()
		if len(sets) != 1 {
			t.Fatalf("sets: %v", sets)
		}
	})

	if h.notifier.count("Sets") != 1 {
		t.Errorf("Sets emitted %d times", h.notifier.count("Sets"))
	}
}

func TestSIRKEncryptedWaitsForLTK(t *testing.T) {
	h := newHarness(t, "b1:b2:b3:b4:b5:b6", btd.AddrLEPublic)

	ltk := make([]byte, 16)
	plain := make([]byte, 16)
	for i := range ltk {
		ltk[i] = byte(0x10 + i)
		plain[i] = byte(0xa0 - i)
	}
	enc, err := crypt.SIRKEncrypt(ltk, plain)
	if err != nil {
		t.Fatal(err)
	}

	h.dev.Run(func() {
		h.dev.AddSIRK(enc, true, 2, 1)
		if len(h.dev.sets()) != 0 {
			t.Fatal("encrypted sirk usable without ltk")
		}

		h.dev.SetLTK(ltk, true, 16)
		sets := h.dev.sets()
		if len(sets) != 1 {
			t.Fatalf("sets after ltk: %v", sets)
		}
	})
}

func TestSIRKDedup(t *testing.T) {
	h := newHarness(t, "c1:c2:c3:c4:c5:c6", btd.AddrLEPublic)

	key := make([]byte, 16)
	h.dev.Run(func() {
		h.dev.AddSIRK(key, false, 2, 1)
		h.dev.AddSIRK(key, false, 2, 1)

		if len(h.dev.sirks) != 1 {
			t.Fatalf("sirks: %d", len(h.dev.sirks))
		}
	})
}

func TestLocalSignCounterIncrements(t *testing.T) {
	h := newHarness(t, "d1:d2:d3:d4:d5:d6", btd.AddrLEPublic)

	h.dev.Run(func() {
		if _, err := h.dev.NextSignCounter(); !btd.IsError(err, btd.ErrKeyMissing) {
			t.Fatalf("expected KeyMissing, got %v", err)
		}

		h.dev.SetCSRK(true, make([]byte, 16), 10, false)

		c, err := h.dev.NextSignCounter()
		if err != nil || c != 11 {
			t.Fatalf("counter: %d, %v", c, err)
		}
		c, _ = h.dev.NextSignCounter()
		if c != 12 {
			t.Fatalf("counter: %d", c)
		}
	})
}

func TestDropBondKeys(t *testing.T) {
	h := newHarness(t, "e1:e2:e3:e4:e5:e6", btd.AddrLEPublic)

	h.dev.Run(func() {
		h.dev.SetLTK(make([]byte, 16), true, 16)
		h.dev.SetCSRK(false, make([]byte, 16), 3, false)

		h.dev.dropBondKeys(btd.BearerLE)
		if h.dev.ltk != nil || h.dev.remoteCSRK != nil {
			t.Fatal("keys survived drop")
		}
	})
}
