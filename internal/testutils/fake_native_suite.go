package testutils

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/bridge"
	"github.com/srg/blelink/internal/fanout"
	"github.com/srg/blelink/internal/message"
	"github.com/srg/blelink/internal/registry"
	"github.com/stretchr/testify/suite"
)

// DefaultPeripheralID is the identity of the peripheral every FakeNativeSuite starts with.
const DefaultPeripheralID = "AA:BB:CC:DD:EE:01"

// FakeNativeSuite provides a scripted native stack wired to a decoder, a registry
// and a fan-out router, recreated for every test.
//
//	type ConnectSuite struct {
//	    testutils.FakeNativeSuite
//	}
//
//	func (s *ConnectSuite) SetupTest() {
//	    s.WithPeripheral(testutils.NewPeripheralBuilder("AA:BB").
//	        WithService("180D").
//	        WithCharacteristic("2A37", "read,notify", []byte{80}).
//	        Build())
//	    s.FakeNativeSuite.SetupTest() // call parent last to apply configuration
//	}
type FakeNativeSuite struct {
	suite.Suite

	Helper      *TestHelper
	Logger      *logrus.Logger
	TestTimeout time.Duration

	Native   *FakeNative
	Registry *registry.Registry
	Router   *fanout.Router

	// ScanTarget receives scan-level messages (discoveries, scan completion, scan errors).
	ScanTarget fanout.Target

	profiles []PeripheralProfile
}

func (s *FakeNativeSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 5 * time.Second
}

// SetupTest builds a fresh stack. Subsuites configure peripherals first and call
// this last.
func (s *FakeNativeSuite) SetupTest() {
	if s.Logger == nil {
		s.SetupSuite()
	}
	if len(s.profiles) == 0 {
		s.profiles = []PeripheralProfile{BatteryPeripheral(DefaultPeripheralID)}
	}

	s.Native = NewFakeNative(s.Logger)
	for _, p := range s.profiles {
		s.Native.AddPeripheral(p)
	}
	s.Registry = registry.New(s.Logger)
	s.Router = fanout.New(s.Logger)
	s.ScanTarget = nil
	s.Native.SetHandler(s.Dispatch)
}

func (s *FakeNativeSuite) TearDownTest() {
	if s.Native != nil {
		_ = s.Native.Close()
	}
	s.profiles = nil
}

// WithPeripheral adds a peripheral profile for the next SetupTest.
func (s *FakeNativeSuite) WithPeripheral(p PeripheralProfile) {
	s.profiles = append(s.profiles, p)
}

// Dispatch decodes a raw callback and routes it like the central does.
func (s *FakeNativeSuite) Dispatch(ev bridge.Event) {
	msg, err := message.Decode(ev)
	if err != nil {
		s.Logger.WithField("error", err).Warn("Dropping malformed callback")
		return
	}
	switch msg.(type) {
	case *message.DeviceDiscovered, *message.ScanCompleted:
		if s.ScanTarget != nil {
			s.ScanTarget.HandleMessage(msg)
		}
		return
	}
	if msg.Peripheral() == "" {
		if s.ScanTarget != nil {
			s.ScanTarget.HandleMessage(msg)
		}
		return
	}
	s.Router.Dispatch(msg)
}

// Context returns a context bounded by TestTimeout.
func (s *FakeNativeSuite) Context() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), s.TestTimeout)
	s.T().Cleanup(cancel)
	return ctx
}

// Bounded runs fn and returns its error. A call that has not returned within
// TestTimeout plus a grace second fails the test instead of hanging it.
func (s *FakeNativeSuite) Bounded(fn func() error, msgAndArgs ...any) error {
	select {
	case err := <-Go(fn):
		return err
	case <-time.After(s.TestTimeout + time.Second):
		s.FailNow("call did not return in time", msgAndArgs...)
		return nil
	}
}

// WaitFor asserts that cond becomes true within TestTimeout.
func (s *FakeNativeSuite) WaitFor(cond func() bool, msgAndArgs ...any) bool {
	return s.Eventually(cond, s.TestTimeout, 5*time.Millisecond, msgAndArgs...)
}
