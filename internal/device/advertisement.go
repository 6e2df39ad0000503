package device

// TxPowerUnknown marks an advertisement without a Tx Power Level field
const TxPowerUnknown = 127

// Advertisement is the decoded content of a device-discovered callback.
type Advertisement struct {
	ID          string
	Name        string
	RSSI        int
	Connectable bool
	TxPower     int // TxPowerUnknown when not advertised
	Payload     []byte
	Services    []string // advertised service UUIDs, normalized
}

// HasTxPower reports whether the advertisement carried a Tx Power Level.
func (a Advertisement) HasTxPower() bool {
	return a.TxPower != TxPowerUnknown
}

// AdvertisesService reports whether uuid is among the advertised services.
func (a Advertisement) AdvertisesService(uuid string) bool {
	n := NormalizeUUID(uuid)
	for _, s := range a.Services {
		if s == n {
			return true
		}
	}
	return false
}

// CharacteristicInfo describes one discovered characteristic.
type CharacteristicInfo struct {
	UUID       string
	Properties Properties
}

// ServiceInfo describes one discovered service with the characteristics known so far.
type ServiceInfo struct {
	UUID            string
	Characteristics []CharacteristicInfo
}
