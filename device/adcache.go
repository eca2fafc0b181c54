package device

import (
	"bytes"

	btd "github.com/corvid-labs/btd"
	"github.com/corvid-labs/btd/eir"
)

// rssiThreshold is the minimum delta before an RSSI change is emitted,
// unless either side is zero.
const rssiThreshold = 8

// advCache merges everything observed about the device over the air:
// inquiry EIR, advertising reports and scan responses. The device
// controller owns emission; merge methods only report what changed.
type advCache struct {
	rssi    int8
	txPower int8
	flags   []byte

	eirUUIDs []btd.UUID

	mfgData []eir.ManufacturerData
	svcData []eir.ServiceData

	advData []byte
}

func newAdvCache() *advCache {
	return &advCache{txPower: eir.TxPowerUnknown}
}

// setRSSI applies the delta rule: emit only when |new-old| >= threshold
// or either side is zero. Returns true when the observable changed.
func (a *advCache) setRSSI(rssi int8) bool {
	if rssi == 0 || a.rssi == 0 {
		if a.rssi == rssi {
			return false
		}
		a.rssi = rssi
		return true
	}

	delta := int(a.rssi) - int(rssi)
	if delta < 0 {
		delta = -delta
	}
	if delta < rssiThreshold {
		return false
	}

	a.rssi = rssi
	return true
}

func (a *advCache) setTxPower(p int8) bool {
	if p == eir.TxPowerUnknown || a.txPower == p {
		return false
	}
	a.txPower = p
	return true
}

func (a *advCache) setFlags(f []byte) bool {
	if f == nil || bytes.Equal(a.flags, f) {
		return false
	}
	a.flags = append([]byte(nil), f...)
	return true
}

func (a *advCache) setAdvData(b []byte) bool {
	if b == nil || bytes.Equal(a.advData, b) {
		return false
	}
	a.advData = append([]byte(nil), b...)
	return true
}

// addUUIDs unions new advertising-observed UUIDs in. Returns true when
// any was new.
func (a *advCache) addUUIDs(uu []btd.UUID) bool {
	added := false
	for _, u := range uu {
		if !containsUUID(a.eirUUIDs, u) {
			a.eirUUIDs = append(a.eirUUIDs, u)
			added = true
		}
	}
	return added
}

func containsUUID(list []btd.UUID, u btd.UUID) bool {
	for _, v := range list {
		if v.Equal(u) {
			return true
		}
	}
	return false
}

// mergeMfgData applies manufacturer records. With replace set (the
// duplicate flag), the whole collection is swapped; otherwise records
// merge keyed by company ID.
func (a *advCache) mergeMfgData(recs []eir.ManufacturerData, replace bool) bool {
	if len(recs) == 0 {
		return false
	}

	if replace {
		if mfgEqual(a.mfgData, recs) {
			return false
		}
		a.mfgData = append([]eir.ManufacturerData(nil), recs...)
		return true
	}

	changed := false
	for _, r := range recs {
		idx := -1
		for i, have := range a.mfgData {
			if have.Company == r.Company {
				idx = i
				break
			}
		}
		if idx < 0 {
			a.mfgData = append(a.mfgData, r)
			changed = true
		} else if !bytes.Equal(a.mfgData[idx].Data, r.Data) {
			a.mfgData[idx] = r
			changed = true
		}
	}
	return changed
}

func mfgEqual(a, b []eir.ManufacturerData) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Company != b[i].Company || !bytes.Equal(a[i].Data, b[i].Data) {
			return false
		}
	}
	return true
}

// mergeSvcData applies service-data records under the same duplicate
// flag contract, keyed by service UUID.
func (a *advCache) mergeSvcData(recs []eir.ServiceData, replace bool) bool {
	if len(recs) == 0 {
		return false
	}

	if replace {
		if svcEqual(a.svcData, recs) {
			return false
		}
		a.svcData = append([]eir.ServiceData(nil), recs...)
		return true
	}

	changed := false
	for _, r := range recs {
		idx := -1
		for i, have := range a.svcData {
			if have.UUID.Equal(r.UUID) {
				idx = i
				break
			}
		}
		if idx < 0 {
			a.svcData = append(a.svcData, r)
			changed = true
		} else if !bytes.Equal(a.svcData[idx].Data, r.Data) {
			a.svcData[idx] = r
			changed = true
		}
	}
	return changed
}

func svcEqual(a, b []eir.ServiceData) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].UUID.Equal(b[i].UUID) || !bytes.Equal(a[i].Data, b[i].Data) {
			return false
		}
	}
	return true
}

// mfgDataMap renders the ManufacturerData observable.
func (a *advCache) mfgDataMap() map[uint16][]byte {
	out := make(map[uint16][]byte, len(a.mfgData))
	for _, r := range a.mfgData {
		out[r.Company] = r.Data
	}
	return out
}

// svcDataMap renders the ServiceData observable.
func (a *advCache) svcDataMap() map[string][]byte {
	out := make(map[string][]byte, len(a.svcData))
	for _, r := range a.svcData {
		out[r.UUID.String()] = r.Data
	}
	return out
}
