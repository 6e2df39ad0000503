package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/blelink/internal/device"
)

// CharacteristicConfig describes one characteristic of a fake peripheral
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g. "read,write,notify"
	Value      []byte `json:"value,omitempty"`
}

type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// PeripheralProfile is the complete description of a fake peripheral
type PeripheralProfile struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	RSSI        int             `json:"rssi,omitempty"`
	Connectable *bool           `json:"connectable,omitempty"`
	TxPower     *int            `json:"tx_power,omitempty"`
	Advertised  []string        `json:"advertised_services,omitempty"`
	Services    []ServiceConfig `json:"services"`
}

// Advertisement renders the advertisement the fake stack reports in scans.
func (p PeripheralProfile) Advertisement() device.Advertisement {
	adv := device.Advertisement{
		ID:          p.ID,
		Name:        p.Name,
		RSSI:        p.RSSI,
		Connectable: true,
		TxPower:     device.TxPowerUnknown,
		Services:    device.NormalizeUUIDs(p.Advertised),
	}
	if p.Connectable != nil {
		adv.Connectable = *p.Connectable
	}
	if p.TxPower != nil {
		adv.TxPower = *p.TxPower
	}
	return adv
}

// ServiceInfos renders the GATT table as discovery reports it.
func (p PeripheralProfile) ServiceInfos() []device.ServiceInfo {
	result := make([]device.ServiceInfo, 0, len(p.Services))
	for _, svc := range p.Services {
		info := device.ServiceInfo{UUID: device.NormalizeUUID(svc.UUID)}
		for _, c := range svc.Characteristics {
			info.Characteristics = append(info.Characteristics, device.CharacteristicInfo{
				UUID:       device.NormalizeUUID(c.UUID),
				Properties: device.MustParseProperties(c.Properties),
			})
		}
		result = append(result, info)
	}
	return result
}

// PeripheralBuilder builds fake peripheral profiles fluently
type PeripheralBuilder struct {
	profile PeripheralProfile
}

func NewPeripheralBuilder(id string) *PeripheralBuilder {
	return &PeripheralBuilder{profile: PeripheralProfile{ID: id, RSSI: -50, Services: []ServiceConfig{}}}
}

func (b *PeripheralBuilder) WithName(name string) *PeripheralBuilder {
	b.profile.Name = name
	return b
}

func (b *PeripheralBuilder) WithRSSI(rssi int) *PeripheralBuilder {
	b.profile.RSSI = rssi
	return b
}

func (b *PeripheralBuilder) WithTxPower(tx int) *PeripheralBuilder {
	b.profile.TxPower = &tx
	return b
}

func (b *PeripheralBuilder) WithConnectable(connectable bool) *PeripheralBuilder {
	b.profile.Connectable = &connectable
	return b
}

func (b *PeripheralBuilder) WithAdvertisedServices(uuids ...string) *PeripheralBuilder {
	b.profile.Advertised = append(b.profile.Advertised, uuids...)
	return b
}

// WithService adds a service; following WithCharacteristic calls attach to it.
func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralBuilder) WithCharacteristic(uuid, properties string, value []byte) *PeripheralBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	last := len(b.profile.Services) - 1
	b.profile.Services[last].Characteristics = append(b.profile.Services[last].Characteristics, CharacteristicConfig{
		UUID:       uuid,
		Properties: properties,
		Value:      value,
	})
	return b
}

// FromJSON replaces the GATT table with a JSON profile. The identity is kept
// unless the document sets one.
func (b *PeripheralBuilder) FromJSON(jsonStrFmt string, args ...any) *PeripheralBuilder {
	var profile PeripheralProfile
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &profile); err != nil {
		panic(fmt.Sprintf("PeripheralBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	if profile.ID == "" {
		profile.ID = b.profile.ID
	}
	if profile.RSSI == 0 {
		profile.RSSI = b.profile.RSSI
	}
	b.profile = profile
	return b
}

func (b *PeripheralBuilder) Build() PeripheralProfile {
	return b.profile
}

// BatteryPeripheral is the default fake: Battery Service with a readable,
// notifying Battery Level at 50%.
func BatteryPeripheral(id string) PeripheralProfile {
	return NewPeripheralBuilder(id).
		WithName("Battery").
		WithService("180F").
		WithCharacteristic("2A19", "read,notify", []byte{50}).
		Build()
}
