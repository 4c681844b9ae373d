package goble

import (
	"encoding/binary"

	"github.com/go-ble/ble"
)

// advert is the backend-neutral copy of one advertisement report.
type advert struct {
	address     string
	name        string
	rssi        int16
	txPower     int16
	connectable bool
	// manufacturer data keyed by company identifier
	manufacturer map[uint16][]byte
	services     []string
	serviceData  map[string][]byte
}

func newAdvert(a ble.Advertisement) advert {
	out := advert{
		address:     a.Addr().String(),
		name:        a.LocalName(),
		rssi:        int16(a.RSSI()),
		txPower:     int16(a.TxPowerLevel()),
		connectable: a.Connectable(),
	}
	if md := a.ManufacturerData(); len(md) >= 2 {
		out.manufacturer = map[uint16][]byte{
			binary.LittleEndian.Uint16(md[:2]): append([]byte(nil), md[2:]...),
		}
	}
	for _, u := range a.Services() {
		out.services = append(out.services, uuidKey(u))
	}
	for _, sd := range a.ServiceData() {
		if out.serviceData == nil {
			out.serviceData = make(map[string][]byte)
		}
		out.serviceData[uuidKey(sd.UUID)] = append([]byte(nil), sd.Data...)
	}
	return out
}
