package message

import (
	"encoding/hex"
	"encoding/json"

	"github.com/srg/blelink/internal/bridge"
	"github.com/srg/blelink/internal/device"
)

// The encoders below produce payloads Decode accepts. Native adapters and the
// scripted test stack use them to raise callbacks.

type characteristicJSON struct {
	UUID       string   `json:"uuid"`
	Properties []string `json:"properties"`
}

type serviceJSON struct {
	UUID            string               `json:"uuid"`
	Characteristics []characteristicJSON `json:"characteristics"`
}

func event(kind bridge.EventKind, v any) bridge.Event {
	payload, err := json.Marshal(v)
	if err != nil {
		// only plain structs and maps are marshalled here
		panic("message: " + err.Error())
	}
	return bridge.Event{Kind: kind, Payload: string(payload)}
}

// EncodeDevice builds a device-discovered event.
func EncodeDevice(adv device.Advertisement) bridge.Event {
	v := map[string]any{
		"id":          adv.ID,
		"rssi":        adv.RSSI,
		"connectable": adv.Connectable,
	}
	if adv.Name != "" {
		v["name"] = adv.Name
	}
	if adv.HasTxPower() {
		v["txPower"] = adv.TxPower
	}
	if len(adv.Payload) > 0 {
		v["adv"] = hex.EncodeToString(adv.Payload)
	}
	if len(adv.Services) > 0 {
		v["services"] = adv.Services
	}
	return event(bridge.DeviceDiscovered, v)
}

func EncodeScanCompleted(reason string) bridge.Event {
	v := map[string]any{}
	if reason != "" {
		v["reason"] = reason
	}
	return event(bridge.ScanCompleted, v)
}

func EncodeConnected(id string) bridge.Event {
	return event(bridge.DeviceConnected, map[string]any{"id": id})
}

func EncodeDisconnected(id, reason string) bridge.Event {
	v := map[string]any{"id": id}
	if reason != "" {
		v["reason"] = reason
	}
	return event(bridge.DeviceDisconnected, v)
}

// EncodeService reports one service with its characteristics.
func EncodeService(id string, svc device.ServiceInfo) bridge.Event {
	return event(bridge.ServicesDiscovered, map[string]any{"id": id, "service": serviceToJSON(svc)})
}

// EncodeServices reports a batch of services in one callback.
func EncodeServices(id string, svcs []device.ServiceInfo) bridge.Event {
	list := make([]serviceJSON, 0, len(svcs))
	for _, svc := range svcs {
		list = append(list, serviceToJSON(svc))
	}
	return event(bridge.ServicesDiscovered, map[string]any{"id": id, "services": list})
}

func EncodeCharacteristic(id, service string, char device.CharacteristicInfo) bridge.Event {
	return event(bridge.CharacteristicDiscovered, map[string]any{
		"id":         id,
		"service":    service,
		"uuid":       char.UUID,
		"properties": propertyNames(char.Properties),
	})
}

func EncodeDiscoveryCompleted(id string) bridge.Event {
	return event(bridge.DiscoveryCompleted, map[string]any{"id": id})
}

// EncodeValue builds a characteristic-value event; the value travels in Event.Data.
func EncodeValue(path Charpath, value []byte, source ValueSource) bridge.Event {
	v := charpathJSON(path)
	if source != SourceUnspecified {
		v["source"] = string(source)
	}
	ev := event(bridge.CharacteristicValue, v)
	ev.Data = append([]byte{}, value...)
	return ev
}

func EncodeWriteCompleted(path Charpath) bridge.Event {
	return event(bridge.WriteCompleted, charpathJSON(path))
}

func EncodeSubscription(path Charpath, enabled bool) bridge.Event {
	v := charpathJSON(path)
	v["enabled"] = enabled
	return event(bridge.SubscriptionChanged, v)
}

// EncodeFailure builds an error event; path may be zero for scan-level failures.
func EncodeFailure(path Charpath, op, msg string, code int) bridge.Event {
	v := map[string]any{"op": op, "message": msg}
	if path.ID != "" {
		v["id"] = path.ID
	}
	if path.Service != "" {
		v["service"] = path.Service
	}
	if path.Characteristic != "" {
		v["characteristic"] = path.Characteristic
	}
	if code != 0 {
		v["code"] = code
	}
	return event(bridge.Error, v)
}

func charpathJSON(path Charpath) map[string]any {
	return map[string]any{
		"id":             path.ID,
		"service":        path.Service,
		"characteristic": path.Characteristic,
	}
}

func serviceToJSON(svc device.ServiceInfo) serviceJSON {
	s := serviceJSON{UUID: svc.UUID, Characteristics: make([]characteristicJSON, 0, len(svc.Characteristics))}
	for _, c := range svc.Characteristics {
		s.Characteristics = append(s.Characteristics, characteristicJSON{UUID: c.UUID, Properties: propertyNames(c.Properties)})
	}
	return s
}

func propertyNames(p device.Properties) []string {
	names := p.Names()
	if names == nil {
		return []string{}
	}
	return names
}
