package message

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/srg/blelink/internal/bridge"
	"github.com/srg/blelink/internal/device"
)

// Decode converts a raw callback into a typed message.
//
// Payloads are JSON objects. A payload that lacks the identity needed to route it
// (peripheral id, plus service and characteristic for characteristic-scoped kinds)
// fails with device.ErrMalformedCallback.
func Decode(ev bridge.Event) (Message, error) {
	data := []byte(strings.TrimSpace(ev.Payload))
	if len(data) == 0 {
		data = []byte("{}")
	}
	if data[0] != '{' {
		return nil, malformed(ev.Kind, "payload is not a JSON object")
	}

	switch ev.Kind {
	case bridge.DeviceDiscovered:
		return decodeDevice(data)

	case bridge.ScanCompleted:
		return &ScanCompleted{Reason: optString(data, "reason")}, nil

	case bridge.DeviceConnected:
		id, err := reqString(ev.Kind, data, "id")
		if err != nil {
			return nil, err
		}
		return &DeviceConnected{ID: id}, nil

	case bridge.DeviceDisconnected:
		id, err := reqString(ev.Kind, data, "id")
		if err != nil {
			return nil, err
		}
		return &DeviceDisconnected{ID: id, Reason: optString(data, "reason")}, nil

	case bridge.ServicesDiscovered:
		return decodeServices(data)

	case bridge.CharacteristicDiscovered:
		id, err := reqString(ev.Kind, data, "id")
		if err != nil {
			return nil, err
		}
		svc, err := reqUUID(ev.Kind, data, "service")
		if err != nil {
			return nil, err
		}
		info, err := decodeCharacteristic(ev.Kind, data)
		if err != nil {
			return nil, err
		}
		return &CharacteristicDiscovered{ID: id, Service: svc, Characteristic: info}, nil

	case bridge.DiscoveryCompleted:
		id, err := reqString(ev.Kind, data, "id")
		if err != nil {
			return nil, err
		}
		return &DiscoveryCompleted{ID: id}, nil

	case bridge.CharacteristicValue:
		path, err := decodeCharpath(ev.Kind, data)
		if err != nil {
			return nil, err
		}
		value := ev.Data
		if value == nil {
			if value, err = optHex(ev.Kind, data, "value"); err != nil {
				return nil, err
			}
		}
		if value == nil {
			value = []byte{}
		}
		source := ValueSource(optString(data, "source"))
		switch source {
		case SourceUnspecified, SourceRead, SourceNotify:
		default:
			return nil, malformed(ev.Kind, "unknown value source %q", source)
		}
		return &ValueChanged{Charpath: path, Value: bytes.Clone(value), Source: source}, nil

	case bridge.WriteCompleted:
		path, err := decodeCharpath(ev.Kind, data)
		if err != nil {
			return nil, err
		}
		return &WriteCompleted{Charpath: path}, nil

	case bridge.SubscriptionChanged:
		path, err := decodeCharpath(ev.Kind, data)
		if err != nil {
			return nil, err
		}
		enabled, err := jsonparser.GetBoolean(data, "enabled")
		if err != nil {
			return nil, malformed(ev.Kind, "missing %q", "enabled")
		}
		return &SubscriptionChanged{Charpath: path, Enabled: enabled}, nil

	case bridge.Error:
		return decodeFailure(data)

	default:
		return nil, malformed(ev.Kind, "unknown callback kind")
	}
}

func decodeDevice(data []byte) (Message, error) {
	kind := bridge.DeviceDiscovered
	id, err := reqString(kind, data, "id")
	if err != nil {
		return nil, err
	}

	adv := device.Advertisement{
		ID:          id,
		Name:        optString(data, "name"),
		Connectable: true,
		TxPower:     device.TxPowerUnknown,
	}

	if rssi, err := jsonparser.GetInt(data, "rssi"); err == nil {
		adv.RSSI = int(rssi)
	}
	if connectable, err := jsonparser.GetBoolean(data, "connectable"); err == nil {
		adv.Connectable = connectable
	}
	if tx, err := jsonparser.GetInt(data, "txPower"); err == nil {
		adv.TxPower = int(tx)
	}
	if adv.Payload, err = optHex(kind, data, "adv"); err != nil {
		return nil, err
	}

	_, err = jsonparser.ArrayEach(data, func(value []byte, dataType jsonparser.ValueType, _ int, _ error) {
		if dataType == jsonparser.String {
			if uuid := device.NormalizeUUID(string(value)); uuid != "" {
				adv.Services = append(adv.Services, uuid)
			}
		}
	}, "services")
	if err != nil && !errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return nil, malformed(kind, "invalid services list: %v", err)
	}

	return &DeviceDiscovered{Advertisement: adv}, nil
}

// decodeServices accepts {"id", "service": {...}} or {"id", "services": [{...}, ...]}.
func decodeServices(data []byte) (Message, error) {
	kind := bridge.ServicesDiscovered
	id, err := reqString(kind, data, "id")
	if err != nil {
		return nil, err
	}

	msg := &ServicesDiscovered{ID: id}

	if raw, dataType, _, err := jsonparser.Get(data, "service"); err == nil && dataType == jsonparser.Object {
		svc, err := decodeService(kind, raw)
		if err != nil {
			return nil, err
		}
		msg.Services = append(msg.Services, svc)
		return msg, nil
	}

	var itemErr error
	_, err = jsonparser.ArrayEach(data, func(value []byte, dataType jsonparser.ValueType, _ int, _ error) {
		if itemErr != nil {
			return
		}
		if dataType != jsonparser.Object {
			itemErr = malformed(kind, "service entry is not an object")
			return
		}
		svc, err := decodeService(kind, value)
		if err != nil {
			itemErr = err
			return
		}
		msg.Services = append(msg.Services, svc)
	}, "services")
	if errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return nil, malformed(kind, "missing %q or %q", "service", "services")
	}
	if err != nil {
		return nil, malformed(kind, "invalid services list: %v", err)
	}
	if itemErr != nil {
		return nil, itemErr
	}
	return msg, nil
}

func decodeService(kind bridge.EventKind, data []byte) (device.ServiceInfo, error) {
	uuid, err := reqUUID(kind, data, "uuid")
	if err != nil {
		return device.ServiceInfo{}, err
	}
	info := device.ServiceInfo{UUID: uuid}

	var itemErr error
	_, err = jsonparser.ArrayEach(data, func(value []byte, dataType jsonparser.ValueType, _ int, _ error) {
		if itemErr != nil {
			return
		}
		char, err := decodeCharacteristic(kind, value)
		if err != nil {
			itemErr = err
			return
		}
		info.Characteristics = append(info.Characteristics, char)
	}, "characteristics")
	if err != nil && !errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return device.ServiceInfo{}, malformed(kind, "invalid characteristics list: %v", err)
	}
	return info, itemErr
}

func decodeCharacteristic(kind bridge.EventKind, data []byte) (device.CharacteristicInfo, error) {
	uuid, err := reqUUID(kind, data, "uuid")
	if err != nil {
		return device.CharacteristicInfo{}, err
	}
	props, err := decodeProperties(kind, data)
	if err != nil {
		return device.CharacteristicInfo{}, err
	}
	return device.CharacteristicInfo{UUID: uuid, Properties: props}, nil
}

// decodeProperties accepts ["read","notify"], "read,notify" or the GATT bit mask.
func decodeProperties(kind bridge.EventKind, data []byte) (device.Properties, error) {
	raw, dataType, _, err := jsonparser.Get(data, "properties")
	if err != nil {
		return 0, nil
	}

	switch dataType {
	case jsonparser.Number:
		n, err := jsonparser.ParseInt(raw)
		if err != nil || n < 0 || n > 0xff {
			return 0, malformed(kind, "invalid properties mask %s", raw)
		}
		return device.Properties(n), nil

	case jsonparser.String:
		props, err := device.ParseProperties(string(raw))
		if err != nil {
			return 0, malformed(kind, "%v", err)
		}
		return props, nil

	case jsonparser.Array:
		var props device.Properties
		var itemErr error
		_, _ = jsonparser.ArrayEach(raw, func(value []byte, dt jsonparser.ValueType, _ int, _ error) {
			if itemErr != nil {
				return
			}
			flag, err := device.ParseProperty(string(value))
			if err != nil {
				itemErr = malformed(kind, "%v", err)
				return
			}
			props |= flag
		})
		return props, itemErr

	case jsonparser.Null:
		return 0, nil

	default:
		return 0, malformed(kind, "invalid properties value %s", raw)
	}
}

func decodeCharpath(kind bridge.EventKind, data []byte) (Charpath, error) {
	id, err := reqString(kind, data, "id")
	if err != nil {
		return Charpath{}, err
	}
	svc, err := reqUUID(kind, data, "service")
	if err != nil {
		return Charpath{}, err
	}
	char, err := reqUUID(kind, data, "characteristic")
	if err != nil {
		return Charpath{}, err
	}
	return Charpath{ID: id, Service: svc, Characteristic: char}, nil
}

func decodeFailure(data []byte) (Message, error) {
	kind := bridge.Error
	op, err := reqString(kind, data, "op")
	if err != nil {
		return nil, err
	}

	f := &Failure{
		Charpath: Charpath{
			ID:             optString(data, "id"),
			Service:        device.NormalizeUUID(optString(data, "service")),
			Characteristic: device.NormalizeUUID(optString(data, "characteristic")),
		},
		Op:      op,
		Message: optString(data, "message"),
	}
	if code, err := jsonparser.GetInt(data, "code"); err == nil {
		f.Code = int(code)
	}
	if f.Message == "" {
		f.Message = "native stack reported an error"
	}
	return f, nil
}

func optString(data []byte, key string) string {
	s, err := jsonparser.GetString(data, key)
	if err != nil {
		return ""
	}
	return s
}

func reqString(kind bridge.EventKind, data []byte, key string) (string, error) {
	s := strings.TrimSpace(optString(data, key))
	if s == "" {
		return "", malformed(kind, "missing %q", key)
	}
	return s, nil
}

func reqUUID(kind bridge.EventKind, data []byte, key string) (string, error) {
	s, err := reqString(kind, data, key)
	if err != nil {
		return "", err
	}
	uuid := device.NormalizeUUID(s)
	if uuid == "" {
		return "", malformed(kind, "invalid UUID %q in %q", s, key)
	}
	return uuid, nil
}

func optHex(kind bridge.EventKind, data []byte, key string) ([]byte, error) {
	s := optString(data, key)
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, malformed(kind, "invalid hex in %q: %v", key, err)
	}
	return b, nil
}

func malformed(kind bridge.EventKind, format string, args ...any) error {
	e := device.Errorf(device.KindMalformedCallback, format, args...)
	e.Op = string(kind)
	return e
}
