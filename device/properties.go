package device

import (
	btd "github.com/corvid-labs/btd"
)

// Property is one observable: a name, a getter, and an optional
// existence predicate for conditional properties (RSSI, TxPower,
// WakeAllowed, PreferredBearer).
type Property struct {
	Name   string
	Get    func(d *Device) interface{}
	Exists func(d *Device) bool
}

var deviceProperties = []Property{
	{Name: "Address", Get: func(d *Device) interface{} { return d.addr.String() }},
	{Name: "AddressType", Get: func(d *Device) interface{} {
		if d.addrType == btd.AddrLERandom {
			return "random"
		}
		return "public"
	}},
	{Name: "Name", Get: func(d *Device) interface{} { return d.name }},
	{Name: "Alias", Get: func(d *Device) interface{} {
		if d.alias != "" {
			return d.alias
		}
		return d.name
	}},
	{Name: "Class", Get: func(d *Device) interface{} { return d.class },
		Exists: func(d *Device) bool { return d.class != 0 }},
	{Name: "Appearance", Get: func(d *Device) interface{} { return d.appearance },
		Exists: func(d *Device) bool { return d.appearance != 0 }},
	{Name: "Icon", Get: func(d *Device) interface{} { return d.icon() },
		Exists: func(d *Device) bool { return d.icon() != "" }},
	{Name: "Paired", Get: func(d *Device) interface{} { return d.isPairedAny() }},
	{Name: "Bonded", Get: func(d *Device) interface{} { return d.isBondedAny() }},
	{Name: "Trusted", Get: func(d *Device) interface{} { return d.trusted }},
	{Name: "Blocked", Get: func(d *Device) interface{} { return d.blocked }},
	{Name: "LegacyPairing", Get: func(d *Device) interface{} { return d.legacyPairing }},
	{Name: "CablePairing", Get: func(d *Device) interface{} { return d.cablePairing }},
	{Name: "Connected", Get: func(d *Device) interface{} { return d.isConnectedAny() }},
	{Name: "UUIDs", Get: func(d *Device) interface{} { return d.uuidsObservable() }},
	{Name: "Modalias", Get: func(d *Device) interface{} { return d.modalias() },
		Exists: func(d *Device) bool { return d.hasDeviceID }},
	{Name: "Adapter", Get: func(d *Device) interface{} { return d.adapter.Address().String() }},
	{Name: "RSSI", Get: func(d *Device) interface{} { return int16(d.ad.rssi) },
		Exists: func(d *Device) bool { return d.ad.rssi != 0 }},
	{Name: "TxPower", Get: func(d *Device) interface{} { return int16(d.ad.txPower) },
		Exists: func(d *Device) bool { return d.ad.txPower != 127 }},
	{Name: "ManufacturerData", Get: func(d *Device) interface{} { return d.ad.mfgDataMap() },
		Exists: func(d *Device) bool { return len(d.ad.mfgData) > 0 }},
	{Name: "ServiceData", Get: func(d *Device) interface{} { return d.ad.svcDataMap() },
		Exists: func(d *Device) bool { return len(d.ad.svcData) > 0 }},
	{Name: "ServicesResolved", Get: func(d *Device) interface{} { return d.servicesResolved() }},
	{Name: "AdvertisingFlags", Get: func(d *Device) interface{} { return d.ad.flags },
		Exists: func(d *Device) bool { return d.ad.flags != nil }},
	{Name: "AdvertisingData", Get: func(d *Device) interface{} { return d.ad.advData },
		Exists: func(d *Device) bool { return d.ad.advData != nil }},
	{Name: "WakeAllowed", Get: func(d *Device) interface{} { return d.wakeAllowed },
		Exists: func(d *Device) bool { return d.wakeSupport && !d.temporary }},
	{Name: "Sets", Get: func(d *Device) interface{} { return d.sets() },
		Exists: func(d *Device) bool { return len(d.sets()) > 0 }},
	{Name: "PreferredBearer", Get: func(d *Device) interface{} { return d.preferBearer.String() },
		Exists: func(d *Device) bool { return d.bredr && d.le }},
}

var propertyIndex = func() map[string]*Property {
	m := make(map[string]*Property, len(deviceProperties))
	for i := range deviceProperties {
		m[deviceProperties[i].Name] = &deviceProperties[i]
	}
	return m
}()

func lookupProperty(name string) (*Property, bool) {
	p, ok := propertyIndex[name]
	return p, ok
}

// Properties snapshots every existing observable. Runs on the loop.
func (d *Device) Properties() map[string]interface{} {
	out := make(map[string]interface{})
	d.loop.Sync(func() {
		for i := range deviceProperties {
			p := &deviceProperties[i]
			if p.Exists != nil && !p.Exists(d) {
				continue
			}
			out[p.Name] = p.Get(d)
		}
	})
	return out
}

// icon derives the UI icon from the class of device, falling back to
// the GAP appearance.
func (d *Device) icon() string {
	if d.class != 0 {
		return iconFromClass(d.class)
	}
	return iconFromAppearance(d.appearance)
}

func iconFromClass(class uint32) string {
	major := (class >> 8) & 0x1f
	minor := (class >> 2) & 0x3f

	switch major {
	case 1:
		return "computer"
	case 2:
		return "phone"
	case 3:
		return "network-wireless"
	case 4:
		switch minor {
		case 1, 2:
			return "audio-headset"
		case 6:
			return "audio-headphones"
		default:
			return "audio-card"
		}
	case 5:
		switch (class >> 6) & 0x03 {
		case 1:
			return "input-keyboard"
		case 2:
			return "input-mouse"
		case 3:
			return "input-keyboard"
		}
		return "input-gaming"
	case 6:
		if class&0x80 != 0 {
			return "printer"
		}
		if class&0x20 != 0 {
			return "camera-photo"
		}
		return "multimedia-player"
	}
	return ""
}

func iconFromAppearance(appearance uint16) string {
	switch appearance >> 6 {
	case 0x01:
		return "phone"
	case 0x02:
		return "computer"
	case 0x03:
		return "watch"
	case 0x0f:
		switch appearance & 0x3f {
		case 1:
			return "input-keyboard"
		case 2:
			return "input-mouse"
		}
		return "input-gaming"
	}
	return ""
}
