//go:build linux

package tinygo

import (
	"testing"

	"github.com/srg/blelink/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/bluetooth"
)

func TestParseUUIDs(t *testing.T) {
	uuids, err := parseUUIDs([]string{"180D", "0x2A37", "6ba1b218-15a8-461f-9fa8-5dcae273eafd"})
	require.NoError(t, err)
	require.Len(t, uuids, 3)

	assert.Equal(t, bluetooth.New16BitUUID(0x180d), uuids[0])
	assert.Equal(t, bluetooth.New16BitUUID(0x2a37), uuids[1])
	assert.Equal(t, "6ba1b218-15a8-461f-9fa8-5dcae273eafd", uuids[2].String())

	_, err = parseUUIDs([]string{"not-a-uuid"})
	assert.ErrorIs(t, err, device.ErrInvalidArgument)
}

func TestParseAddress(t *testing.T) {
	addr, err := parseAddress("aa:bb:cc:dd:ee:01")
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", addr.String())

	_, err = parseAddress("nope")
	assert.ErrorIs(t, err, device.ErrInvalidArgument, "a malformed address MUST be rejected before any native call")
}

func TestLinkKey(t *testing.T) {
	assert.Equal(t, linkKey("AA:BB:CC:DD:EE:01"), linkKey("aa:bb:cc:dd:ee:01"))
}
