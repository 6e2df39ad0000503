//go:build linux

package tinygo

import (
	"github.com/srg/blelink/internal/device"
	"tinygo.org/x/bluetooth"
)

// convertScanResult copies a tinygo scan result. BlueZ does not hand out the raw
// advertising payload, so the manufacturer data elements are re-encoded as
// company id (little endian) followed by data, and only the filter's service
// UUIDs can be tested for.
func convertScanResult(r bluetooth.ScanResult, names []string, wanted []bluetooth.UUID) device.Advertisement {
	adv := device.Advertisement{
		ID:          r.Address.String(),
		Name:        r.LocalName(),
		RSSI:        int(r.RSSI),
		Connectable: true,
		TxPower:     device.TxPowerUnknown,
	}

	for _, md := range r.ManufacturerData() {
		adv.Payload = append(adv.Payload, byte(md.CompanyID), byte(md.CompanyID>>8))
		adv.Payload = append(adv.Payload, md.Data...)
	}

	for i, u := range wanted {
		if r.HasServiceUUID(u) {
			adv.Services = append(adv.Services, device.NormalizeUUID(names[i]))
		}
	}
	return adv
}

func parseUUIDs(uuids []string) ([]bluetooth.UUID, error) {
	out := make([]bluetooth.UUID, 0, len(uuids))
	for _, s := range uuids {
		u, err := bluetooth.ParseUUID(device.ExpandUUID(s))
		if err != nil {
			return nil, device.Errorf(device.KindInvalidArgument, "invalid service UUID %q: %w", s, err)
		}
		out = append(out, u)
	}
	return out, nil
}

func parseAddress(id string) (bluetooth.Address, error) {
	mac, err := bluetooth.ParseMAC(id)
	if err != nil {
		return bluetooth.Address{}, device.Errorf(device.KindInvalidArgument, "invalid peripheral address %q: %w", id, err)
	}
	return bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, nil
}
