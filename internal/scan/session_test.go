package scan

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/srg/blelink/internal/bridge"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/message"
	"github.com/srg/blelink/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// recordingSink collects what a session reports
type recordingSink struct {
	mu         sync.Mutex
	cleared    int
	discovered []device.Advertisement
}

func (r *recordingSink) DevicesCleared() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleared++
}

func (r *recordingSink) DeviceDiscovered(p *device.Peripheral) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discovered = append(r.discovered, p.Advertisement())
}

func (r *recordingSink) devices() []device.Advertisement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]device.Advertisement(nil), r.discovered...)
}

type SessionTestSuite struct {
	testutils.FakeNativeSuite
	session *Session
	sink    *recordingSink
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}

func (s *SessionTestSuite) SetupTest() {
	s.WithPeripheral(testutils.NewPeripheralBuilder("AA:BB:CC:DD:EE:01").
		WithName("Heart").
		WithRSSI(-40).
		WithAdvertisedServices("180D").
		Build())
	s.WithPeripheral(testutils.NewPeripheralBuilder("AA:BB:CC:DD:EE:02").
		WithName("Tag").
		WithRSSI(-75).
		WithTxPower(4).
		Build())
	s.FakeNativeSuite.SetupTest()

	s.session = NewSession(s.Native, s.Registry, 200*time.Millisecond, s.Logger)
	s.ScanTarget = s.session
	s.sink = &recordingSink{}
}

// startAsync runs Start on a goroutine and waits until the session is scanning.
func (s *SessionTestSuite) startAsync(ctx context.Context, duration time.Duration, filter bridge.ScanFilter) <-chan error {
	done := testutils.Go(func() error {
		return s.session.Start(ctx, duration, filter, s.sink)
	})
	s.WaitFor(func() bool { return s.session.State() == Scanning }, "session MUST start scanning")
	return done
}

func (s *SessionTestSuite) TestDurationElapses() {
	// GOAL: a scan runs for its duration, reports every peripheral once, then stops the stack
	//
	// TEST SCENARIO: two advertising peripherals, 150ms scan → both reported, StopScan issued,
	// session back to Idle with a Completed result

	start := time.Now()
	err := s.session.Start(s.Context(), 150*time.Millisecond, bridge.ScanFilter{}, s.sink)
	s.Require().NoError(err, "an elapsed scan MUST succeed")

	s.GreaterOrEqual(time.Since(start), 150*time.Millisecond)
	s.Equal(Idle, s.session.State())
	s.Equal(Completed, s.session.LastResult())
	s.Equal(1, s.Native.CallCount("StopScan"), "the native scan MUST be stopped")
	s.Equal(2, s.session.Discovered())
	s.Equal(2, s.Registry.Len())

	testutils.NewJSONAsserter(s.T()).Assert(testutils.MustJSON(s.sink.devices()), `[
		{"ID": "AA:BB:CC:DD:EE:01", "Name": "Heart", "RSSI": -40, "Connectable": true, "Services": ["180d"]},
		{"ID": "AA:BB:CC:DD:EE:02", "Name": "Tag", "RSSI": -75, "TxPower": 4}
	]`)
}

func (s *SessionTestSuite) TestFirstAdvertisementWins() {
	// GOAL: repeated advertisements of one identity produce a single discovery
	//
	// TEST SCENARIO: RSSI -40 reported, then -60 for the same identity → one event with -40

	done := s.startAsync(s.Context(), 5*time.Second, bridge.ScanFilter{})
	s.WaitFor(func() bool { return len(s.sink.devices()) == 2 })

	s.Native.Emit(message.EncodeDevice(device.Advertisement{
		ID:          "AA:BB:CC:DD:EE:01",
		Name:        "Heart",
		RSSI:        -60,
		Connectable: true,
		TxPower:     device.TxPowerUnknown,
	}))
	s.Require().NoError(s.session.Stop())
	s.NoError(<-done, "a stopped scan MUST succeed")

	var heart []device.Advertisement
	for _, adv := range s.sink.devices() {
		if adv.ID == "AA:BB:CC:DD:EE:01" {
			heart = append(heart, adv)
		}
	}
	s.Require().Len(heart, 1, "exactly one discovery MUST be reported")
	s.Equal(-40, heart[0].RSSI, "the first advertisement MUST win")

	p, ok := s.Registry.Get("AA:BB:CC:DD:EE:01")
	s.Require().True(ok)
	s.Equal(-40, p.RSSI())
}

func (s *SessionTestSuite) TestStop() {
	s.Run("idle", func() {
		// GOAL: stopping an idle session does nothing
		s.NoError(s.session.Stop())
		s.Equal(0, s.Native.CallCount("StopScan"), "no native stop MUST be issued")
	})

	s.Run("running", func() {
		// GOAL: Stop waits for the stack to acknowledge and ends the scan as cancelled
		done := s.startAsync(s.Context(), 5*time.Second, bridge.ScanFilter{})

		s.Require().NoError(s.session.Stop())
		s.Equal(Idle, s.session.State(), "Stop MUST return after the session is idle")
		s.Equal(Cancelled, s.session.LastResult())
		s.Equal(1, s.Native.CallCount("StopScan"))
		s.NoError(<-done)
	})

	s.Run("unacknowledged", func() {
		// GOAL: a stack that never confirms the stop cannot hang the caller
		s.Native.SetSilent(testutils.OpStopScan, true)
		defer s.Native.SetSilent(testutils.OpStopScan, false)
		done := s.startAsync(s.Context(), 5*time.Second, bridge.ScanFilter{})

		start := time.Now()
		s.Require().NoError(s.session.Stop())
		s.Less(time.Since(start), 2*time.Second, "stop fallback MUST bound the wait")
		s.NoError(<-done)
	})
}

func (s *SessionTestSuite) TestContextCancellation() {
	// GOAL: cancelling the caller context stops the stack and reports OperationCancelled
	ctx, cancel := context.WithCancel(context.Background())
	done := s.startAsync(ctx, 5*time.Second, bridge.ScanFilter{})

	cancel()
	err := <-done
	s.ErrorIs(err, device.ErrCancelled)
	s.ErrorIs(err, context.Canceled)
	s.Equal(Cancelled, s.session.LastResult())
	s.Equal(1, s.Native.CallCount("StopScan"))
}

func (s *SessionTestSuite) TestStackEndsScan() {
	// GOAL: a scan the stack finishes on its own completes without a stop request
	s.Native.EndScanAfter(50 * time.Millisecond)

	err := s.session.Start(s.Context(), 5*time.Second, bridge.ScanFilter{}, s.sink)
	s.NoError(err)
	s.Equal(Completed, s.session.LastResult())
	s.Equal(0, s.Native.CallCount("StopScan"))
}

func (s *SessionTestSuite) TestNativeFailures() {
	s.Run("rejected", func() {
		s.Native.Reject(testutils.OpScan, context.DeadlineExceeded)
		defer s.Native.Reject(testutils.OpScan, nil)

		err := s.session.Start(s.Context(), time.Second, bridge.ScanFilter{}, s.sink)
		s.ErrorIs(err, device.ErrNativeFailed)
		s.Equal(Failed, s.session.LastResult())
		s.Equal(Idle, s.session.State(), "a failed session MUST return to Idle")
	})

	s.Run("error callback", func() {
		s.Native.FailOp(testutils.OpScan, "", "adapter powered off")
		defer s.Native.FailOp(testutils.OpScan, "", "")

		err := s.session.Start(s.Context(), time.Second, bridge.ScanFilter{}, s.sink)
		s.ErrorIs(err, device.ErrNativeFailed)
		s.Contains(err.Error(), "adapter powered off")
	})
}

func (s *SessionTestSuite) TestRejections() {
	err := s.session.Start(s.Context(), 0, bridge.ScanFilter{}, s.sink)
	s.ErrorIs(err, device.ErrInvalidArgument)
	err = s.session.Start(s.Context(), time.Second, bridge.ScanFilter{}, nil)
	s.ErrorIs(err, device.ErrInvalidArgument)

	done := s.startAsync(s.Context(), 5*time.Second, bridge.ScanFilter{})
	err = s.session.Start(s.Context(), time.Second, bridge.ScanFilter{}, s.sink)
	s.ErrorIs(err, device.ErrAlreadyInProgress, "a second scan MUST be rejected")

	s.Require().NoError(s.session.Stop())
	s.NoError(<-done)
}

func (s *SessionTestSuite) TestFilterAndClear() {
	// GOAL: a scan clears stale discoveries and reports only matching peripherals
	//
	// TEST SCENARIO: stale record in the registry, service filter 180d → registry holds only
	// the heart rate peripheral, DevicesCleared raised once

	s.Registry.Insert(device.Advertisement{ID: "11:22:33:44:55:66", TxPower: device.TxPowerUnknown})

	err := s.session.Start(s.Context(), 100*time.Millisecond, bridge.ScanFilter{ServiceUUIDs: []string{"0x180D"}}, s.sink)
	s.Require().NoError(err)

	s.Equal(1, s.sink.cleared)
	devices := s.sink.devices()
	s.Require().Len(devices, 1)
	s.Equal("AA:BB:CC:DD:EE:01", devices[0].ID)

	_, stale := s.Registry.Get("11:22:33:44:55:66")
	s.False(stale, "stale discoveries MUST be cleared")
}

// inlineNative reports scan completion from inside StartScan or StopScan,
// the way some stacks invoke their callbacks before returning.
type inlineNative struct {
	bridge.Native
	session    *Session
	endOnStart bool
	startCalls atomic.Int32
	stopCalls  atomic.Int32
}

func (n *inlineNative) StartScan(bridge.ScanFilter) error {
	n.startCalls.Add(1)
	if n.endOnStart {
		n.session.HandleMessage(&message.ScanCompleted{Reason: "ended"})
	}
	return nil
}

func (n *inlineNative) StopScan() error {
	n.stopCalls.Add(1)
	n.session.HandleMessage(&message.ScanCompleted{Reason: "stopped"})
	return nil
}

func (s *SessionTestSuite) inlineSession(endOnStart bool) *inlineNative {
	native := &inlineNative{Native: s.Native, endOnStart: endOnStart}
	s.session = NewSession(native, s.Registry, 200*time.Millisecond, s.Logger)
	native.session = s.session
	s.ScanTarget = s.session
	return native
}

func (s *SessionTestSuite) TestCompletionReportedInline() {
	s.Run("from StartScan", func() {
		// GOAL: a stack that ends the scan while StartScan is still running does not wedge the session
		//
		// TEST SCENARIO: StartScan reports completion synchronously → Start returns Completed,
		// no stop is issued, and the session is idle again
		native := s.inlineSession(true)

		err := s.Bounded(func() error {
			return s.session.Start(s.Context(), 5*time.Second, bridge.ScanFilter{}, s.sink)
		}, "Start MUST return when completion arrives inside StartScan")
		s.Require().NoError(err)
		s.Equal(Completed, s.session.LastResult())
		s.Equal(Idle, s.session.State())
		s.EqualValues(1, native.startCalls.Load())
		s.EqualValues(0, native.stopCalls.Load(), "an already ended scan MUST NOT be stopped")
	})

	s.Run("from StopScan on Stop", func() {
		// GOAL: an acknowledgement delivered inside StopScan completes the stop request
		//
		// TEST SCENARIO: running scan, Stop → StopScan reports completion synchronously → Stop and Start return
		native := s.inlineSession(false)
		done := s.startAsync(s.Context(), 5*time.Second, bridge.ScanFilter{})

		s.Require().NoError(s.Bounded(s.session.Stop, "Stop MUST return when completion arrives inside StopScan"))
		s.NoError(s.Bounded(func() error { return <-done }, "Start MUST return after Stop"))
		s.Equal(Cancelled, s.session.LastResult())
		s.EqualValues(1, native.stopCalls.Load())
	})

	s.Run("from StopScan on elapsed duration", func() {
		// GOAL: the duration path awaits a stop acknowledged inline without deadlocking
		//
		// TEST SCENARIO: 100ms scan, StopScan reports completion synchronously → Completed
		native := s.inlineSession(false)

		err := s.Bounded(func() error {
			return s.session.Start(s.Context(), 100*time.Millisecond, bridge.ScanFilter{}, s.sink)
		}, "an elapsed scan MUST finish when StopScan acknowledges inline")
		s.Require().NoError(err)
		s.Equal(Completed, s.session.LastResult())
		s.EqualValues(1, native.stopCalls.Load())
	})
}
