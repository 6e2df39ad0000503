package bledb

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/srg/blelink/internal/device"
)

// ValueDecoder renders the value of a well-known characteristic for display.
type ValueDecoder func([]byte) (string, error)

var valueDecoders = map[string]ValueDecoder{
	"2a00": decodeString,
	"2a01": decodeAppearance,
	"2a19": decodeBatteryLevel,
	"2a24": decodeString,
	"2a25": decodeString,
	"2a26": decodeString,
	"2a27": decodeString,
	"2a28": decodeString,
	"2a29": decodeString,
	"2a38": decodeBodySensorLocation,
}

// Appearance category values, assigned numbers section 2.6
var appearances = map[uint16]string{
	0x0000: "Unknown",
	0x0040: "Phone",
	0x0080: "Computer",
	0x00c0: "Watch",
	0x0100: "Clock",
	0x0140: "Display",
	0x0180: "Remote Control",
	0x01c0: "Eye-glasses",
	0x0200: "Tag",
	0x0240: "Keyring",
	0x0280: "Media Player",
	0x02c0: "Barcode Scanner",
	0x0300: "Thermometer",
	0x0340: "Heart Rate Sensor",
	0x0341: "Heart Rate Belt",
	0x0380: "Blood Pressure",
	0x03c0: "Human Interface Device",
	0x03c1: "Keyboard",
	0x03c2: "Mouse",
	0x0440: "Cycling",
	0x0c40: "Pulse Oximeter",
}

var bodySensorLocations = []string{"Other", "Chest", "Wrist", "Finger", "Hand", "Ear Lobe", "Foot"}

// IsDecodable reports whether DecodeValue knows the characteristic.
func IsDecodable(uuid string) bool {
	_, ok := valueDecoders[device.NormalizeUUID(uuid)]
	return ok
}

// DecodeValue renders value for display. Unknown characteristics yield ("", nil).
func DecodeValue(uuid string, value []byte) (string, error) {
	decode, ok := valueDecoders[device.NormalizeUUID(uuid)]
	if !ok || len(value) == 0 {
		return "", nil
	}
	return decode(value)
}

// LookupAppearance names an Appearance value, falling back to its category.
func LookupAppearance(code uint16) string {
	if name, ok := appearances[code]; ok {
		return name
	}
	// the low 6 bits select a subcategory
	return appearances[code&^0x003f]
}

func decodeString(value []byte) (string, error) {
	if !utf8.Valid(value) {
		return "", fmt.Errorf("value is not UTF-8")
	}
	return fmt.Sprintf("%q", string(value)), nil
}

func decodeAppearance(value []byte) (string, error) {
	if len(value) != 2 {
		return "", fmt.Errorf("appearance value must be 2 bytes, got %d", len(value))
	}
	code := binary.LittleEndian.Uint16(value)
	if name := LookupAppearance(code); name != "" {
		return name, nil
	}
	return fmt.Sprintf("0x%04x", code), nil
}

func decodeBatteryLevel(value []byte) (string, error) {
	if len(value) != 1 {
		return "", fmt.Errorf("battery level must be 1 byte, got %d", len(value))
	}
	if value[0] > 100 {
		return "", fmt.Errorf("battery level %d out of range", value[0])
	}
	return fmt.Sprintf("%d%%", value[0]), nil
}

func decodeBodySensorLocation(value []byte) (string, error) {
	if int(value[0]) >= len(bodySensorLocations) {
		return fmt.Sprintf("Reserved (%d)", value[0]), nil
	}
	return bodySensorLocations[value[0]], nil
}
