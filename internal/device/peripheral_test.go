package device

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type PeripheralTestSuite struct {
	suite.Suite
	peripheral *Peripheral
}

func TestPeripheralTestSuite(t *testing.T) {
	suite.Run(t, new(PeripheralTestSuite))
}

func (s *PeripheralTestSuite) SetupTest() {
	s.peripheral = NewPeripheral(Advertisement{
		ID:          "AA:BB:CC:DD:EE:01",
		Name:        "Thermo",
		RSSI:        -48,
		Connectable: true,
		TxPower:     TxPowerUnknown,
		Services:    []string{"180f"},
	})
}

func (s *PeripheralTestSuite) populate() {
	battery, created := s.peripheral.AddService("0000180F-0000-1000-8000-00805F9B34FB")
	s.Require().True(created)
	battery.AddCharacteristic("2A19", PropRead|PropNotify)

	info, _ := s.peripheral.AddService("180a")
	info.AddCharacteristic("2a29", PropRead)
	info.AddCharacteristic("2a24", PropRead)
}

func (s *PeripheralTestSuite) TestServiceTree() {
	s.Run("discovery order", func() {
		// GOAL: services and characteristics keep the order they were discovered in
		s.SetupTest()
		s.populate()

		svcs := s.peripheral.Services()
		s.Require().Len(svcs, 2)
		s.Equal("180f", svcs[0].UUID(), "UUIDs MUST be stored normalized")
		s.Equal("180a", svcs[1].UUID())

		var uuids []string
		for _, c := range s.peripheral.Characteristics() {
			uuids = append(uuids, c.UUID())
		}
		s.Equal([]string{"2a19", "2a29", "2a24"}, uuids)
	})

	s.Run("repeated reports", func() {
		// GOAL: re-reporting a known service or characteristic returns the existing record
		s.SetupTest()
		s.populate()

		svc, created := s.peripheral.AddService("180F")
		s.False(created)
		c, created := svc.AddCharacteristic("2a19", PropWrite)
		s.False(created)
		s.Equal(PropRead|PropNotify, c.Properties(), "capabilities MUST NOT change once discovered")
	})

	s.Run("lookup", func() {
		// GOAL: lookups accept any UUID spelling and report missing entries as invalid arguments
		s.SetupTest()
		s.populate()

		c, err := s.peripheral.Characteristic("0x180F", "00002a19-0000-1000-8000-00805f9b34fb")
		s.Require().NoError(err)
		s.Equal("180f", c.ServiceUUID())
		s.Equal("AA:BB:CC:DD:EE:01", c.PeripheralID())

		_, err = s.peripheral.Characteristic("180f", "2a1a")
		s.ErrorIs(err, ErrInvalidArgument)
		_, err = s.peripheral.Service("1234")
		s.ErrorIs(err, ErrInvalidArgument)
	})
}

func (s *PeripheralTestSuite) TestClearServices() {
	// GOAL: clearing the tree detaches every characteristic handed out before
	//
	// TEST SCENARIO: subscribed characteristic → ClearServices → stale and unsubscribed, tree empty

	s.populate()
	c, err := s.peripheral.Characteristic("180f", "2a19")
	s.Require().NoError(err)
	c.SetSubscriptionState(Subscribed)

	s.Equal(2, s.peripheral.ClearServices())
	s.Empty(s.peripheral.Services())
	s.True(c.Stale(), "detached characteristic MUST be stale")
	s.Equal(Unsubscribed, c.SubscriptionState(), "detached characteristic MUST be unsubscribed")
	s.Equal(0, s.peripheral.ClearServices(), "clearing twice MUST be harmless")
}

func (s *PeripheralTestSuite) TestAdvertisementIsCopied() {
	adv := s.peripheral.Advertisement()
	adv.Services[0] = "ffff"

	s.Equal([]string{"180f"}, s.peripheral.Advertisement().Services, "callers MUST NOT alias the stored advertisement")
	_, ok := s.peripheral.TxPower()
	s.False(ok)
}

func (s *PeripheralTestSuite) TestSnapshot() {
	s.populate()
	s.peripheral.SetState(StateReady)
	c, _ := s.peripheral.Characteristic("180f", "2a19")
	c.SetSubscriptionState(Subscribed)

	data, err := json.Marshal(s.peripheral.Snapshot())
	s.Require().NoError(err)
	s.JSONEq(`{
		"id": "AA:BB:CC:DD:EE:01",
		"name": "Thermo",
		"rssi": -48,
		"connectable": true,
		"advertised_services": ["180f"],
		"state": "ready",
		"services": [
			{"uuid": "180f", "characteristics": [
				{"uuid": "2a19", "properties": ["read", "notify"], "subscription": "subscribed"}
			]},
			{"uuid": "180a", "characteristics": [
				{"uuid": "2a29", "properties": ["read"], "subscription": "unsubscribed"},
				{"uuid": "2a24", "properties": ["read"], "subscription": "unsubscribed"}
			]}
		]
	}`, string(data))
}

func TestProperties(t *testing.T) {
	t.Run("parse", func(t *testing.T) {
		props, err := ParseProperties("read, write-without-response,NOTIFY,writenr")
		require.NoError(t, err)
		assert.Equal(t, PropRead|PropWriteWithoutResponse|PropNotify, props)
		assert.Equal(t, "read,write-without-response,notify", props.String())
		assert.Equal(t, []string{"read", "write-without-response", "notify"}, props.Names())
	})

	t.Run("capabilities", func(t *testing.T) {
		assert.True(t, PropIndicate.CanNotify())
		assert.True(t, PropWriteWithoutResponse.CanWrite())
		assert.False(t, PropNotify.CanRead())
		assert.Nil(t, Properties(0).Names())
	})

	t.Run("unknown name", func(t *testing.T) {
		_, err := ParseProperties("read,teleport")
		assert.ErrorIs(t, err, ErrInvalidArgument)
		assert.Panics(t, func() { MustParseProperties("teleport") })
	})
}

func TestConnectionState(t *testing.T) {
	assert.Equal(t, "discovering_services", StateDiscoveringServices.String())
	assert.Equal(t, "unknown", ConnectionState(42).String())
	assert.False(t, StateDisconnected.IsLinked())
	assert.True(t, StateDisconnecting.IsLinked())
	assert.Equal(t, "subscribing", Subscribing.String())
}
