package device

import (
	"bytes"
	"encoding/hex"

	btd "github.com/corvid-labs/btd"
	"github.com/corvid-labs/btd/crypt"
)

// LTK is the link long-term key delivered by bonding.
type LTK struct {
	Key     []byte
	Central bool
	EncSize uint8
}

// CSRK is one connection signature resolving key with its counter.
type CSRK struct {
	Key           []byte
	Counter       uint32
	Authenticated bool
}

// SIRKInfo is one set identity resolving key. Encrypted SIRKs become
// usable only once the LTK can decrypt them.
type SIRKInfo struct {
	Key       []byte
	Size      uint8
	Rank      uint8
	Encrypted bool

	// setID is the hex of the plaintext key once the SIRK is usable.
	setID string
}

// Usable reports whether the SIRK currently participates in a device
// set.
func (s *SIRKInfo) Usable() bool {
	return s.setID != ""
}

// SetLTK installs the long-term key and re-evaluates every SIRK, since
// SIRK decryption requires it.
func (d *Device) SetLTK(key []byte, central bool, encSize uint8) {
	d.ltk = &LTK{Key: append([]byte(nil), key...), Central: central, EncSize: encSize}
	d.log.Debugf("ltk stored, central %v, enc size %d", central, encSize)

	d.resolveSIRKs()
	d.markDirty()
}

// SetCSRK installs a signature key. Local keys start counting outbound
// signed writes; remote counters only ever move forward.
func (d *Device) SetCSRK(local bool, key []byte, counter uint32, authenticated bool) {
	c := &CSRK{Key: append([]byte(nil), key...), Counter: counter, Authenticated: authenticated}
	if local {
		d.localCSRK = c
	} else {
		d.remoteCSRK = c
	}
	d.markDirty()
}

// NextSignCounter increments and returns the local signing counter for
// an outbound signed write.
func (d *Device) NextSignCounter() (uint32, error) {
	if d.localCSRK == nil {
		return 0, btd.NewError(btd.ErrKeyMissing, "no local signature key")
	}
	d.localCSRK.Counter++
	d.markDirty()
	return d.localCSRK.Counter, nil
}

// ReceiveSignedCounter applies the counter of an inbound signed write.
// A counter below the stored value leaves state untouched and reports
// the write rejected.
func (d *Device) ReceiveSignedCounter(counter uint32) bool {
	if d.remoteCSRK == nil {
		d.log.Warn("signed write without remote signature key")
		return false
	}

	if counter < d.remoteCSRK.Counter {
		d.log.Warnf("signed write counter %d below stored %d, rejected",
			counter, d.remoteCSRK.Counter)
		return false
	}

	if counter != d.remoteCSRK.Counter {
		d.remoteCSRK.Counter = counter
		d.markDirty()
	}
	return true
}

// AddSIRK appends a set identity resolving key, deduplicating on the
// raw key bytes.
func (d *Device) AddSIRK(key []byte, encrypted bool, size, rank uint8) {
	for _, s := range d.sirks {
		if bytes.Equal(s.Key, key) {
			return
		}
	}

	s := &SIRKInfo{
		Key:       append([]byte(nil), key...),
		Size:      size,
		Rank:      rank,
		Encrypted: encrypted,
	}
	d.sirks = append(d.sirks, s)

	if d.resolveSIRK(s) {
		d.emit("Sets")
	}
	d.markDirty()
}

// resolveSIRK makes one SIRK usable if it can be. Returns true when the
// set membership changed.
func (d *Device) resolveSIRK(s *SIRKInfo) bool {
	if s.Usable() {
		return false
	}

	if !s.Encrypted {
		s.setID = hex.EncodeToString(s.Key)
		return true
	}

	if d.ltk == nil {
		return false
	}

	plain, err := crypt.SIRKDecrypt(d.ltk.Key, s.Key)
	if err != nil {
		d.log.Errorf("can't decrypt sirk: %v", err)
		return false
	}
	s.setID = hex.EncodeToString(plain)
	return true
}

// resolveSIRKs re-evaluates every SIRK, typically after the LTK
// arrives.
func (d *Device) resolveSIRKs() {
	changed := false
	for _, s := range d.sirks {
		if d.resolveSIRK(s) {
			changed = true
		}
	}
	if changed {
		d.emit("Sets")
	}
}

// sets lists the device-set identifiers of all usable SIRKs.
func (d *Device) sets() []string {
	var out []string
	for _, s := range d.sirks {
		if s.Usable() {
			out = append(out, s.setID)
		}
	}
	return out
}

// dropBondKeys discards stored bonding material after a bearer lost its
// pairing (a disconnect that leaves paired without bonded).
func (d *Device) dropBondKeys(b btd.Bearer) {
	if b != btd.BearerLE {
		return
	}
	if d.ltk == nil && d.localCSRK == nil && d.remoteCSRK == nil {
		return
	}
	d.ltk = nil
	d.localCSRK = nil
	d.remoteCSRK = nil
	d.markDirty()
}
