package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		// 16-bit forms
		{name: "16-bit lowercase", input: "2902", expected: "2902"},
		{name: "16-bit uppercase", input: "2A19", expected: "2a19"},
		{name: "16-bit with 0x prefix", input: "0x180d", expected: "180d"},
		{name: "16-bit with 0X prefix", input: "0X180D", expected: "180d"},
		{name: "surrounding whitespace", input: "  180f ", expected: "180f"},

		// Bluetooth SIG base collapses to the short form
		{name: "SIG base with dashes", input: "0000180d-0000-1000-8000-00805f9b34fb", expected: "180d"},
		{name: "SIG base without dashes", input: "0000290200001000800000805f9b34fb", expected: "2902"},
		{name: "SIG base uppercase", input: "00002A37-0000-1000-8000-00805F9B34FB", expected: "2a37"},
		{name: "SIG base in braces", input: "{00001801-0000-1000-8000-00805f9b34fb}", expected: "1801"},
		{name: "32-bit with zero prefix", input: "00002a05", expected: "2a05"},

		// Custom UUIDs are kept whole
		{name: "32-bit custom", input: "12345678", expected: "12345678"},
		{name: "128-bit wrong prefix", input: "AA002902-0000-1000-8000-00805f9b34fb", expected: "aa00290200001000800000805f9b34fb"},
		{name: "128-bit wrong suffix", input: "00002902-1234-5678-9abc-def012345678", expected: "00002902123456789abcdef012345678"},
		{name: "128-bit vendor", input: "6E400001-B5A3-F393-E0A9-E50E24DCCA9E", expected: "6e400001b5a3f393e0a9e50e24dcca9e"},

		// Invalid input normalizes to ""
		{name: "empty", input: "", expected: ""},
		{name: "non hex", input: "battery", expected: ""},
		{name: "odd length", input: "18f", expected: ""},
		{name: "too long", input: "0000290200001000800000805f9b34fb00", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestNormalizeUUIDs(t *testing.T) {
	result := NormalizeUUIDs([]string{
		"2902",
		"0x180d",
		"not-a-uuid",
		"0000-2a37-0000-1000-8000-00805f9b34fb",
		"6e400001-b5a3-f393-e0a9-e50e24dcca9e",
	})

	assert.Equal(t, []string{"2902", "180d", "2a37", "6e400001b5a3f393e0a9e50e24dcca9e"}, result,
		"invalid entries MUST be dropped, order MUST be kept")
}

// every accepted spelling of the same UUID must produce one key
func TestNormalizeUUID_Consistency(t *testing.T) {
	variants := []string{
		"2902",
		"0x2902",
		"0X2902",
		"00002902",
		"00002902-0000-1000-8000-00805f9b34fb",
		"0000-2902-0000-1000-8000-00805f9b34fb",
		"{00002902-0000-1000-8000-00805F9B34FB}",
	}

	for _, uuid := range variants {
		t.Run(uuid, func(t *testing.T) {
			assert.Equal(t, "2902", NormalizeUUID(uuid), "UUID %s MUST normalize to 2902", uuid)
		})
	}
}

func TestExpandUUID(t *testing.T) {
	assert.Equal(t, "0000180f-0000-1000-8000-00805f9b34fb", ExpandUUID("180F"))
	assert.Equal(t, "12345678-0000-1000-8000-00805f9b34fb", ExpandUUID("12345678"))
	assert.Equal(t, "6e400001-b5a3-f393-e0a9-e50e24dcca9e", ExpandUUID("6E400001B5A3F393E0A9E50E24DCCA9E"))
	assert.Equal(t, "battery", ExpandUUID("battery"), "invalid input MUST be returned unchanged")
}

func TestValidateUUID(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		got, err := ValidateUUID("180F", "0x2A19")
		require.NoError(t, err)
		assert.Equal(t, []string{"180f", "2a19"}, got)
	})

	t.Run("invalid", func(t *testing.T) {
		for _, input := range [][]string{nil, {""}, {"180f", "xyz"}} {
			_, err := ValidateUUID(input...)
			assert.ErrorIs(t, err, ErrInvalidArgument, "input %q MUST be rejected", input)
		}
	})
}
