package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blelink/internal/device"
)

// convertAdvertisement copies what the core needs out of a go-ble advertisement.
func convertAdvertisement(adv ble.Advertisement) device.Advertisement {
	out := device.Advertisement{
		Name:        adv.LocalName(),
		RSSI:        adv.RSSI(),
		Connectable: adv.Connectable(),
		TxPower:     int(adv.TxPowerLevel()),
	}
	if addr := adv.Addr(); addr != nil {
		out.ID = addr.String()
	}
	if md := adv.ManufacturerData(); len(md) > 0 {
		out.Payload = append([]byte(nil), md...)
	}

	services := adv.Services()
	if len(services) > 0 {
		out.Services = make([]string, 0, len(services))
		for _, u := range services {
			if n := device.NormalizeUUID(u.String()); n != "" {
				out.Services = append(out.Services, n)
			}
		}
	}
	return out
}
