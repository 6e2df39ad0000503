package device

// PeripheralSnapshot is a point-in-time copy of a peripheral, shaped for JSON output.
type PeripheralSnapshot struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	RSSI        int               `json:"rssi"`
	Connectable bool              `json:"connectable"`
	TxPower     *int              `json:"tx_power,omitempty"`
	Services    []string          `json:"advertised_services,omitempty"`
	State       string            `json:"state"`
	GATT        []ServiceSnapshot `json:"services"`
}

type ServiceSnapshot struct {
	UUID            string                   `json:"uuid"`
	Characteristics []CharacteristicSnapshot `json:"characteristics"`
}

type CharacteristicSnapshot struct {
	UUID         string   `json:"uuid"`
	Properties   []string `json:"properties"`
	Subscription string   `json:"subscription"`
}

// Snapshot copies the peripheral and its service tree.
func (p *Peripheral) Snapshot() PeripheralSnapshot {
	adv := p.Advertisement()
	s := PeripheralSnapshot{
		ID:          adv.ID,
		Name:        adv.Name,
		RSSI:        adv.RSSI,
		Connectable: adv.Connectable,
		Services:    adv.Services,
		State:       p.State().String(),
		GATT:        []ServiceSnapshot{},
	}
	if adv.HasTxPower() {
		tx := adv.TxPower
		s.TxPower = &tx
	}

	for _, svc := range p.Services() {
		ss := ServiceSnapshot{UUID: svc.UUID(), Characteristics: []CharacteristicSnapshot{}}
		for _, c := range svc.Characteristics() {
			ss.Characteristics = append(ss.Characteristics, CharacteristicSnapshot{
				UUID:         c.UUID(),
				Properties:   c.Properties().Names(),
				Subscription: c.SubscriptionState().String(),
			})
		}
		s.GATT = append(s.GATT, ss)
	}
	return s
}
