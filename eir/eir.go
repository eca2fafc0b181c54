// Package eir parses EIR blobs and advertising reports into the typed
// fields the device advertising cache merges. One TLV walk covers both
// inquiry EIR and LE advertising data; the two share the assigned
// data-type space.
package eir

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	btd "github.com/corvid-labs/btd"
)

const (
	typeFlags       = 0x01
	typeUUID16Inc   = 0x02
	typeUUID16Comp  = 0x03
	typeUUID32Inc   = 0x04
	typeUUID32Comp  = 0x05
	typeUUID128Inc  = 0x06
	typeUUID128Comp = 0x07
	typeNameShort   = 0x08
	typeNameComp    = 0x09
	typeTxPower     = 0x0a
	typeClass       = 0x0d
	typeSvcData16   = 0x16
	typeAppearance  = 0x19
	typeSvcData32   = 0x20
	typeSvcData128  = 0x21
	typeMfgData     = 0xff
)

// TxPowerUnknown is the sentinel for "tx power not observed".
const TxPowerUnknown = 127

// ServiceData is one service-data record keyed by its service UUID.
type ServiceData struct {
	UUID btd.UUID
	Data []byte
}

// ManufacturerData is one manufacturer-specific record keyed by the
// assigned company identifier.
type ManufacturerData struct {
	Company uint16
	Data    []byte
}

// Report is the parsed view of one EIR blob or advertising payload.
type Report struct {
	Flags        []byte
	Name         string
	NameComplete bool
	Class        uint32
	Appearance   uint16
	TxPower      int8
	UUIDs        []btd.UUID
	ServiceData  []ServiceData
	MfgData      []ManufacturerData

	// Raw keeps the undecoded payload for the advertising-data blob
	// observable.
	Raw []byte
}

// Parse walks the length/type/value records of an EIR or advertising
// payload. Truncated records abort the parse; unknown types are
// skipped.
func Parse(b []byte) (*Report, error) {
	if b == nil {
		return nil, errors.New("nil payload")
	}

	r := &Report{TxPower: TxPowerUnknown, Raw: append([]byte(nil), b...)}

	for i := 0; i+1 < len(b); {
		length := int(b[i])
		if length == 0 {
			// Early termination per the core spec.
			break
		}
		if i+1+length > len(b) {
			return nil, fmt.Errorf("truncated record: want %v, have %v", i+1+length, len(b))
		}

		typ := b[i+1]
		data := b[i+2 : i+1+length]

		if err := r.field(typ, data); err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("eir type 0x%02x", typ))
		}

		i += 1 + length
	}

	return r, nil
}

func (r *Report) field(typ byte, data []byte) error {
	switch typ {
	case typeFlags:
		if len(data) < 1 {
			return errors.New("empty flags")
		}
		r.Flags = append([]byte(nil), data...)

	case typeUUID16Inc, typeUUID16Comp:
		return r.uuids(data, 2)

	case typeUUID32Inc, typeUUID32Comp:
		return r.uuids(data, 4)

	case typeUUID128Inc, typeUUID128Comp:
		return r.uuids(data, 16)

	case typeNameShort, typeNameComp:
		// Last name wins; complete beats shortened at equal position.
		r.Name = string(data)
		r.NameComplete = typ == typeNameComp

	case typeTxPower:
		if len(data) < 1 {
			return errors.New("empty tx power")
		}
		r.TxPower = int8(data[0])

	case typeClass:
		if len(data) < 3 {
			return errors.New("short class of device")
		}
		r.Class = uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16

	case typeAppearance:
		if len(data) < 2 {
			return errors.New("short appearance")
		}
		r.Appearance = binary.LittleEndian.Uint16(data)

	case typeSvcData16:
		if len(data) < 2 {
			return errors.New("short service data")
		}
		r.ServiceData = append(r.ServiceData, ServiceData{
			UUID: btd.UUID16(binary.LittleEndian.Uint16(data)),
			Data: append([]byte(nil), data[2:]...),
		})

	case typeSvcData32:
		if len(data) < 4 {
			return errors.New("short service data")
		}
		r.ServiceData = append(r.ServiceData, ServiceData{
			UUID: uuid128From(data[:4]),
			Data: append([]byte(nil), data[4:]...),
		})

	case typeSvcData128:
		if len(data) < 16 {
			return errors.New("short service data")
		}
		r.ServiceData = append(r.ServiceData, ServiceData{
			UUID: uuid128From(data[:16]),
			Data: append([]byte(nil), data[16:]...),
		})

	case typeMfgData:
		if len(data) < 2 {
			return errors.New("short manufacturer data")
		}
		r.MfgData = append(r.MfgData, ManufacturerData{
			Company: binary.LittleEndian.Uint16(data),
			Data:    append([]byte(nil), data[2:]...),
		})
	}

	return nil
}

func (r *Report) uuids(data []byte, size int) error {
	if len(data) == 0 || len(data)%size != 0 {
		return fmt.Errorf("uuid list not a multiple of %v", size)
	}

	for i := 0; i < len(data); i += size {
		chunk := data[i : i+size]
		switch size {
		case 2:
			r.UUIDs = append(r.UUIDs, btd.UUID16(binary.LittleEndian.Uint16(chunk)))
		default:
			r.UUIDs = append(r.UUIDs, uuid128From(chunk))
		}
	}

	return nil
}

// uuid128From renders a little-endian 32- or 128-bit UUID value in
// canonical text form.
func uuid128From(le []byte) btd.UUID {
	if len(le) == 4 {
		v := binary.LittleEndian.Uint32(le)
		u, _ := btd.ParseUUID(fmt.Sprintf("%08x-0000-1000-8000-00805f9b34fb", v))
		return u
	}

	be := make([]byte, len(le))
	for i, b := range le {
		be[len(le)-1-i] = b
	}
	u, _ := btd.ParseUUID(fmt.Sprintf("%x-%x-%x-%x-%x", be[0:4], be[4:6], be[6:8], be[8:10], be[10:16]))
	return u
}
