package device

import (
	"time"

	btd "github.com/corvid-labs/btd"
)

// BearerState is the per-bearer record. Two live on every device, one
// for BR/EDR and one for LE.
type BearerState struct {
	Paired      bool
	Bonded      bool
	Connected   bool
	SvcResolved bool

	// Initiator is set when this host initiated the current link.
	Initiator bool

	// Connectable reflects the latest advertising/inquiry report.
	Connectable bool

	// Prefer marks the bearer selected by the PreferredBearer policy.
	Prefer bool

	LastSeen time.Time
	LastUsed time.Time
}

// seenThreshold bounds how old a report may be before a bearer's
// freshness counts as unknown during selection.
const seenThreshold = 300 * time.Second

// nvalAge marks "no usable freshness".
const nvalAge = time.Duration(-1)

func (s *BearerState) age(now time.Time) time.Duration {
	// A zero LastSeen means the bearer was never seen; treated as
	// unknown, not as the epoch.
	if !s.Connectable || s.LastSeen.IsZero() {
		return nvalAge
	}
	a := now.Sub(s.LastSeen)
	if a > seenThreshold {
		return nvalAge
	}
	return a
}

// state returns the record for a bearer.
func (d *Device) state(b btd.Bearer) *BearerState {
	if b == btd.BearerBREDR {
		return &d.bredrState
	}
	return &d.leState
}

// bearerFor maps an address type onto its bearer.
func bearerFor(t btd.AddrType) btd.Bearer {
	if t == btd.AddrBREDR {
		return btd.BearerBREDR
	}
	return btd.BearerLE
}

// selectConnBearer picks the bearer for an outgoing connect.
func (d *Device) selectConnBearer() btd.Bearer {
	if !d.le {
		return btd.BearerBREDR
	}
	if !d.bredr {
		return btd.BearerLE
	}

	// The bonded bearer when only one is bonded, then the preferred
	// one.
	if d.bredrState.Bonded && !d.leState.Bonded {
		return btd.BearerBREDR
	}
	if d.leState.Bonded && !d.bredrState.Bonded {
		return btd.BearerLE
	}
	if d.bredrState.Prefer {
		return btd.BearerBREDR
	}
	if d.leState.Prefer {
		return btd.BearerLE
	}

	// A random address can only be connected over LE.
	if d.addrType == btd.AddrLERandom {
		return btd.BearerLE
	}

	now := d.now()
	bredrLast := d.bredrState.age(now)
	leLast := d.leState.age(now)

	natural := bearerFor(d.addrType)

	if leLast == nvalAge && bredrLast == nvalAge {
		return natural
	}
	if leLast == nvalAge {
		return btd.BearerBREDR
	}
	if bredrLast == nvalAge {
		return btd.BearerLE
	}

	// Prefer BR/EDR on a tie since the report is likely an
	// advertisement with the BR/EDR flag set.
	if bredrLast <= leLast && d.adapter.BREDRCapable() {
		return btd.BearerBREDR
	}

	return natural
}

// selectPairBearer picks the bearer for a pairing attempt: the missing
// one when a bearer is already bonded, else the connect choice.
func (d *Device) selectPairBearer() (btd.Bearer, error) {
	if d.bredr && !d.le {
		if d.bredrState.Bonded {
			return 0, btd.BearerError(btd.ErrAlreadyExists, btd.BearerBREDR, "already bonded")
		}
		return btd.BearerBREDR, nil
	}
	if d.le && !d.bredr {
		if d.leState.Bonded {
			return 0, btd.BearerError(btd.ErrAlreadyExists, btd.BearerLE, "already bonded")
		}
		return btd.BearerLE, nil
	}

	switch {
	case d.bredrState.Bonded && d.leState.Bonded:
		return 0, btd.NewError(btd.ErrAlreadyExists, "already bonded on both bearers")
	case d.bredrState.Bonded:
		return btd.BearerLE, nil
	case d.leState.Bonded:
		return btd.BearerBREDR, nil
	}

	return d.selectConnBearer(), nil
}
