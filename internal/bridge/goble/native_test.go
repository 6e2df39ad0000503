package goble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/bridge"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/message"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

const addr = "aa:bb:cc:dd:ee:01"

// mockDevice implements the ble.Device calls the adapter makes; the rest panic.
type mockDevice struct {
	ble.Device
	mock.Mock
	adverts []ble.Advertisement
}

func (d *mockDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	args := d.Called(ctx, allowDup, h)
	for _, adv := range d.adverts {
		h(adv)
	}
	<-ctx.Done()
	if err := args.Error(0); err != nil {
		return err
	}
	return ctx.Err()
}

func (d *mockDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	args := d.Called(ctx, a)
	client, _ := args.Get(0).(ble.Client)
	return client, args.Error(1)
}

func (d *mockDevice) Stop() error {
	return d.Called().Error(0)
}

type mockClient struct {
	ble.Client
	mock.Mock
	disconnected chan struct{}

	mu       sync.Mutex
	handlers map[string]ble.NotificationHandler
}

func newMockClient() *mockClient {
	return &mockClient{disconnected: make(chan struct{}), handlers: make(map[string]ble.NotificationHandler)}
}

func (c *mockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := c.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (c *mockClient) ReadCharacteristic(char *ble.Characteristic) ([]byte, error) {
	args := c.Called(char)
	v, _ := args.Get(0).([]byte)
	return v, args.Error(1)
}

func (c *mockClient) WriteCharacteristic(char *ble.Characteristic, value []byte, noRsp bool) error {
	return c.Called(char, value, noRsp).Error(0)
}

func (c *mockClient) Subscribe(char *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	c.mu.Lock()
	c.handlers[char.UUID.String()] = h
	c.mu.Unlock()
	return c.Called(char, ind).Error(0)
}

func (c *mockClient) Unsubscribe(char *ble.Characteristic, ind bool) error {
	return c.Called(char, ind).Error(0)
}

func (c *mockClient) CancelConnection() error {
	return c.Called().Error(0)
}

func (c *mockClient) Disconnected() <-chan struct{} {
	return c.disconnected
}

func (c *mockClient) notify(char *ble.Characteristic, value []byte) {
	c.mu.Lock()
	h := c.handlers[char.UUID.String()]
	c.mu.Unlock()
	h(value)
}

type mockAdvertisement struct {
	ble.Advertisement
	addr     string
	name     string
	rssi     int
	txPower  int
	services []ble.UUID
	mfg      []byte
}

func (a *mockAdvertisement) LocalName() string        { return a.name }
func (a *mockAdvertisement) RSSI() int                { return a.rssi }
func (a *mockAdvertisement) Connectable() bool        { return true }
func (a *mockAdvertisement) TxPowerLevel() int        { return a.txPower }
func (a *mockAdvertisement) ManufacturerData() []byte { return a.mfg }
func (a *mockAdvertisement) Services() []ble.UUID     { return a.services }
func (a *mockAdvertisement) Addr() ble.Addr           { return ble.NewAddr(a.addr) }

type NativeTestSuite struct {
	suite.Suite
	dev    *mockDevice
	client *mockClient
	native *Native

	battery *ble.Characteristic
	control *ble.Characteristic

	mu       sync.Mutex
	messages []message.Message
}

func TestNativeTestSuite(t *testing.T) {
	suite.Run(t, new(NativeTestSuite))
}

func (s *NativeTestSuite) SetupTest() {
	s.dev = &mockDevice{}
	s.client = newMockClient()
	s.messages = nil

	s.battery = &ble.Characteristic{UUID: ble.MustParse("2a19"), Property: ble.CharRead | ble.CharNotify}
	s.control = &ble.Characteristic{UUID: ble.MustParse("ffe1"), Property: ble.CharWrite | ble.CharWriteNR | ble.CharIndicate}
	profile := &ble.Profile{Services: []*ble.Service{
		{UUID: ble.MustParse("180f"), Characteristics: []*ble.Characteristic{s.battery}},
		{UUID: ble.MustParse("ffe0"), Characteristics: []*ble.Characteristic{s.control}},
	}}

	s.dev.On("Stop").Return(nil)
	s.client.On("DiscoverProfile", true).Return(profile, nil)
	s.client.On("CancelConnection").Return(nil)

	previous := DeviceFactory
	DeviceFactory = func() (ble.Device, error) { return s.dev, nil }
	s.T().Cleanup(func() { DeviceFactory = previous })

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	native, err := New(logger)
	s.Require().NoError(err)
	s.native = native
	s.native.SetHandler(s.record)
	s.T().Cleanup(func() { _ = s.native.Close() })
}

func (s *NativeTestSuite) record(ev bridge.Event) {
	msg, err := message.Decode(ev)
	s.NoError(err, "adapter callbacks MUST decode")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

// waitMessage returns the first recorded message accepted by match.
func (s *NativeTestSuite) waitMessage(match func(message.Message) bool) message.Message {
	var found message.Message
	s.Require().Eventually(func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, m := range s.messages {
			if match(m) {
				found = m
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "expected callback MUST arrive")
	return found
}

func kind[T message.Message](m message.Message) bool {
	_, ok := m.(T)
	return ok
}

func (s *NativeTestSuite) connect() {
	s.dev.On("Dial", mock.Anything, ble.NewAddr(addr)).Return(s.client, nil).Once()
	s.Require().NoError(s.native.Connect(addr))
	s.waitMessage(kind[*message.DeviceConnected])
}

func (s *NativeTestSuite) discover() {
	s.Require().NoError(s.native.DiscoverServices(addr))
	s.waitMessage(kind[*message.DiscoveryCompleted])
}

func (s *NativeTestSuite) TestScan() {
	// GOAL: advertisements are converted, filtered and the scan ends with a stopped completion
	//
	// TEST SCENARIO: two adverts, service filter 180d → one discovery; StopScan → scan-completed "stopped"
	s.dev.adverts = []ble.Advertisement{
		&mockAdvertisement{addr: addr, name: "Heart", rssi: -40, txPower: 4, services: []ble.UUID{ble.MustParse("180d")}, mfg: []byte{0x4c, 0x00}},
		&mockAdvertisement{addr: "aa:bb:cc:dd:ee:02", name: "Tag", rssi: -70, txPower: device.TxPowerUnknown},
	}
	s.dev.On("Scan", mock.Anything, false, mock.Anything).Return(nil)

	s.Require().NoError(s.native.StartScan(bridge.ScanFilter{ServiceUUIDs: []string{"180D"}}))
	s.ErrorIs(s.native.StartScan(bridge.ScanFilter{}), device.ErrAlreadyInProgress)

	found := s.waitMessage(kind[*message.DeviceDiscovered]).(*message.DeviceDiscovered)
	s.Equal(device.Advertisement{
		ID:          addr,
		Name:        "Heart",
		RSSI:        -40,
		Connectable: true,
		TxPower:     4,
		Payload:     []byte{0x4c, 0x00},
		Services:    []string{"180d"},
	}, found.Advertisement)

	s.Require().NoError(s.native.StopScan())
	done := s.waitMessage(kind[*message.ScanCompleted]).(*message.ScanCompleted)
	s.Equal("stopped", done.Reason)

	s.mu.Lock()
	defer s.mu.Unlock()
	discovered := 0
	for _, m := range s.messages {
		if kind[*message.DeviceDiscovered](m) {
			discovered++
		}
	}
	s.Equal(1, discovered, "filtered advertisements MUST NOT be reported")
}

func (s *NativeTestSuite) TestScanFailure() {
	s.dev.On("Scan", mock.Anything, false, mock.Anything).Return(errors.New("bluetooth is turned off"))
	s.Require().NoError(s.native.StartScan(bridge.ScanFilter{}))
	s.Require().NoError(s.native.StopScan())

	f := s.waitMessage(kind[*message.Failure]).(*message.Failure)
	s.Equal("scan", f.Op)
	s.Contains(f.Message, "bluetooth is turned off")
}

func (s *NativeTestSuite) TestConnectAndDiscover() {
	// GOAL: a dial is reported as connected and the profile as one service callback per service
	s.connect()
	s.ErrorIs(s.native.Connect(addr), device.ErrAlreadyConnected)
	s.discover()

	s.mu.Lock()
	var services []device.ServiceInfo
	for _, m := range s.messages {
		if sd, ok := m.(*message.ServicesDiscovered); ok {
			services = append(services, sd.Services...)
		}
	}
	s.mu.Unlock()

	s.Equal([]device.ServiceInfo{
		{UUID: "180f", Characteristics: []device.CharacteristicInfo{{UUID: "2a19", Properties: device.PropRead | device.PropNotify}}},
		{UUID: "ffe0", Characteristics: []device.CharacteristicInfo{{UUID: "ffe1", Properties: device.PropWrite | device.PropWriteWithoutResponse | device.PropIndicate}}},
	}, services)
}

func (s *NativeTestSuite) TestDialFailure() {
	s.dev.On("Dial", mock.Anything, ble.NewAddr(addr)).Return(nil, errors.New("connection refused")).Once()
	s.Require().NoError(s.native.Connect(addr))

	f := s.waitMessage(kind[*message.Failure]).(*message.Failure)
	s.Equal("connect", f.Op)
	s.Equal(addr, f.ID)

	_, err := s.native.linkFor(addr)
	s.ErrorIs(err, device.ErrDisconnected, "a failed dial MUST NOT leave a link behind")
}

func (s *NativeTestSuite) TestReadWrite() {
	s.connect()
	s.discover()

	s.Run("read", func() {
		s.client.On("ReadCharacteristic", s.battery).Return([]byte{0x64}, nil).Once()
		s.Require().NoError(s.native.Read(addr, "180F", "2A19"))

		v := s.waitMessage(kind[*message.ValueChanged]).(*message.ValueChanged)
		s.Equal([]byte{0x64}, v.Value)
		s.Equal(message.SourceRead, v.Source)
		s.Equal("2a19", v.Characteristic)
	})

	s.Run("write with response", func() {
		s.client.On("WriteCharacteristic", s.control, []byte{0x01}, false).Return(nil).Once()
		s.Require().NoError(s.native.Write(addr, "ffe0", "ffe1", []byte{0x01}, true))
		w := s.waitMessage(kind[*message.WriteCompleted]).(*message.WriteCompleted)
		s.Equal("ffe1", w.Characteristic)
	})

	s.Run("write without response", func() {
		// GOAL: an unacknowledged write is sent with noRsp and raises no callback
		written := make(chan struct{})
		s.client.On("WriteCharacteristic", s.control, []byte{0x02}, true).Return(nil).Once().
			Run(func(mock.Arguments) { close(written) })
		s.Require().NoError(s.native.Write(addr, "ffe0", "ffe1", []byte{0x02}, false))
		select {
		case <-written:
		case <-time.After(2 * time.Second):
			s.FailNow("write MUST reach the client")
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		writes := 0
		for _, m := range s.messages {
			if kind[*message.WriteCompleted](m) {
				writes++
			}
		}
		s.Equal(1, writes, "write without response MUST NOT be acknowledged")
	})

	s.Run("unknown characteristic", func() {
		s.Require().NoError(s.native.Read(addr, "180f", "2a00"))
		f := s.waitMessage(func(m message.Message) bool {
			f, ok := m.(*message.Failure)
			return ok && f.Characteristic == "2a00"
		}).(*message.Failure)
		s.Equal("read", f.Op)
		s.Contains(f.Message, "not found")
	})
}

func (s *NativeTestSuite) TestSubscribe() {
	// GOAL: notify is preferred, indicate used when the characteristic can only indicate,
	// and notifications arrive tagged as such
	s.connect()
	s.discover()

	s.client.On("Subscribe", s.battery, false).Return(nil).Once()
	s.client.On("Subscribe", s.control, true).Return(nil).Once()
	s.Require().NoError(s.native.Subscribe(addr, "180f", "2a19"))
	s.Require().NoError(s.native.Subscribe(addr, "ffe0", "ffe1"))
	s.Eventually(func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		acks := 0
		for _, m := range s.messages {
			if sc, ok := m.(*message.SubscriptionChanged); ok && sc.Enabled {
				acks++
			}
		}
		return acks == 2
	}, 2*time.Second, 5*time.Millisecond)

	s.client.notify(s.battery, []byte{0x55})
	v := s.waitMessage(func(m message.Message) bool {
		v, ok := m.(*message.ValueChanged)
		return ok && v.Source == message.SourceNotify
	}).(*message.ValueChanged)
	s.Equal([]byte{0x55}, v.Value)

	s.client.On("Unsubscribe", s.battery, false).Return(nil).Once()
	s.client.On("Unsubscribe", s.battery, true).Return(errors.New("not subscribed")).Once()
	s.Require().NoError(s.native.Unsubscribe(addr, "180f", "2a19"))
	off := s.waitMessage(func(m message.Message) bool {
		sc, ok := m.(*message.SubscriptionChanged)
		return ok && !sc.Enabled
	}).(*message.SubscriptionChanged)
	s.Equal("2a19", off.Characteristic)
}

func (s *NativeTestSuite) TestDisconnect() {
	s.Run("requested", func() {
		s.connect()
		s.Require().NoError(s.native.Disconnect(addr))

		d := s.waitMessage(kind[*message.DeviceDisconnected]).(*message.DeviceDisconnected)
		s.Equal("requested", d.Reason)
		s.client.AssertCalled(s.T(), "CancelConnection")
		s.ErrorIs(s.native.Read(addr, "180f", "2a19"), device.ErrDisconnected)
	})

	s.Run("no link", func() {
		// GOAL: disconnecting an unknown peripheral still answers
		s.SetupTest()
		s.Require().NoError(s.native.Disconnect("aa:bb:cc:dd:ee:09"))
		d := s.waitMessage(kind[*message.DeviceDisconnected]).(*message.DeviceDisconnected)
		s.Equal("aa:bb:cc:dd:ee:09", d.ID)
	})
}

func (s *NativeTestSuite) TestLinkLoss() {
	// GOAL: a stack-side disconnect is reported once as link loss and drops the link
	s.connect()
	close(s.client.disconnected)

	d := s.waitMessage(kind[*message.DeviceDisconnected]).(*message.DeviceDisconnected)
	s.Equal("link lost", d.Reason)
	s.client.AssertNotCalled(s.T(), "CancelConnection")

	s.Eventually(func() bool {
		_, err := s.native.linkFor(addr)
		return err != nil
	}, time.Second, 5*time.Millisecond, "lost link MUST be forgotten")
}

func (s *NativeTestSuite) TestClose() {
	s.connect()
	s.Require().NoError(s.native.Close())
	s.dev.AssertCalled(s.T(), "Stop")
	s.ErrorIs(s.native.Connect(addr), device.ErrNativeFailed, "a closed backend MUST reject calls")
	s.NoError(s.native.Close(), "second close MUST be a no-op")
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want *device.Error
	}{
		{"bluetooth off", errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), device.ErrNativeFailed},
		{"not connected", errors.New("device not connected"), device.ErrDisconnected},
		{"disconnected", errors.New("ATT: Disconnected"), device.ErrDisconnected},
		{"already connected", errors.New("device already connected"), device.ErrAlreadyConnected},
		{"unsupported platform", errUnsupported, device.ErrCapabilityNotSupported},
		{"unknown", errors.New("boom"), device.ErrNativeFailed},
		{"already classified", device.Errorf(device.KindTimedOut, "slow"), device.ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeError(tt.err)
			if !errors.Is(got, tt.want) {
				t.Fatalf("NormalizeError(%q) = %v, MUST match %v", tt.err, got, tt.want.Kind)
			}
			if !errors.Is(got, tt.err) {
				t.Fatalf("NormalizeError(%q) MUST keep the original error in the chain", tt.err)
			}
		})
	}

	if NormalizeError(nil) != nil {
		t.Fatal("nil MUST stay nil")
	}
}
