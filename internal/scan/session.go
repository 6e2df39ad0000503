// Package scan runs bounded discovery sessions against a native stack.
package scan

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/bridge"
	"github.com/srg/blelink/internal/correlator"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/message"
	"github.com/srg/blelink/internal/registry"
)

// State of a scan session
type State int32

const (
	Idle State = iota
	Scanning
	Completed
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Sink receives discovery events of a session. Calls come from native callback
// goroutines and must not block for long.
type Sink interface {
	DevicesCleared()
	DeviceDiscovered(p *device.Peripheral)
}

// Correlation keys. The scan key carries the running session (and its discovery
// stream); the stop key carries a native stop request awaiting its completion.
const (
	scanKey = "scan"
	stopKey = "scan-stop"
)

// DefaultStopTimeout bounds the wait for the native scan-completed acknowledgement
const DefaultStopTimeout = 2 * time.Second

// Session owns the scan lifecycle: Idle -> Scanning -> Completed|Cancelled|Failed -> Idle.
type Session struct {
	native      bridge.Native
	registry    *registry.Registry
	corr        *correlator.Correlator[string, message.Message]
	logger      *logrus.Logger
	stopTimeout time.Duration

	mu         sync.Mutex
	state      State
	handle     *correlator.Handle[string, message.Message]
	stopping   bool
	finished   chan struct{} // closed when the running session returns to Idle
	discovered int
	last       State // terminal state of the previous session

	nativeMu sync.Mutex  // orders native start and stop calls; never taken by HandleMessage
	started  atomic.Bool // native scan is running
}

// NewSession creates an idle session. stopTimeout <= 0 selects DefaultStopTimeout.
func NewSession(native bridge.Native, reg *registry.Registry, stopTimeout time.Duration, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	return &Session{
		native:      native,
		registry:    reg,
		corr:        correlator.New[string, message.Message]("scan", logger),
		logger:      logger,
		stopTimeout: stopTimeout,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastResult returns the terminal state of the most recent finished session.
func (s *Session) LastResult() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Discovered returns how many peripherals the current (or last) session reported.
func (s *Session) Discovered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discovered
}

// Start runs one scan and blocks until it finishes.
//
// The scan ends when duration elapses (the native scan is then stopped and its
// completion awaited), when the native stack reports completion on its own, when
// Stop is called, or when ctx is cancelled. Returns nil for a completed or stopped
// scan, an OperationCancelled error when ctx ended it, and NativeOperationFailed
// when the stack rejected or aborted the scan.
func (s *Session) Start(ctx context.Context, duration time.Duration, filter bridge.ScanFilter, sink Sink) error {
	if duration <= 0 {
		return device.Errorf(device.KindInvalidArgument, "scan duration must be positive, got %s", duration).WithOp("scan", "")
	}
	if sink == nil {
		return device.Errorf(device.KindInvalidArgument, "scan requires a discovery sink").WithOp("scan", "")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return device.Errorf(device.KindAlreadyInProgress, "a scan is already running").WithOp("scan", "")
	}

	h, err := s.corr.Issue(ctx, scanKey, duration, correlator.WithUndo(s.stopNative, s.stopTimeout))
	if err != nil {
		s.mu.Unlock()
		return err
	}
	stopListening, err := s.corr.Listen(scanKey, func(m message.Message) {
		s.onDiscovered(m.(*message.DeviceDiscovered).Advertisement, filter, sink)
	})
	if err != nil {
		s.mu.Unlock()
		s.corr.Cancel(h)
		return err
	}

	s.state = Scanning
	s.handle = h
	s.stopping = false
	s.finished = make(chan struct{})
	s.discovered = 0
	s.mu.Unlock()

	defer stopListening()

	cleared := s.registry.ClearDisconnected()
	sink.DevicesCleared()

	s.logger.WithFields(logrus.Fields{
		"duration": duration,
		"services": filter.ServiceUUIDs,
		"cleared":  cleared,
	}).Info("Starting BLE scan...")

	if err := s.startNative(h, filter); err != nil {
		s.corr.Fail(scanKey, err)
	}

	_, err = h.Wait()
	return s.finish(err)
}

// Stop ends a running scan and waits for the native stack to acknowledge it.
// Stopping an idle session is a no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state != Scanning || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	h := s.handle
	finished := s.finished
	s.mu.Unlock()

	s.logger.Debug("Stopping BLE scan on request")
	s.corr.Cancel(h)
	<-finished
	return nil
}

// HandleMessage consumes scan-level callbacks.
func (s *Session) HandleMessage(msg message.Message) {
	switch m := msg.(type) {
	case *message.DeviceDiscovered:
		s.corr.Stream(scanKey, m)

	case *message.ScanCompleted:
		// A pending stop request owns the completion; otherwise the stack ended the scan itself.
		if s.corr.Complete(stopKey, m) {
			return
		}
		s.started.Store(false)
		s.corr.Complete(scanKey, m)

	case *message.Failure:
		err := m.Err()
		if !s.corr.Fail(stopKey, err) {
			s.corr.Fail(scanKey, err)
		}
	}
}

func (s *Session) startNative(h *correlator.Handle[string, message.Message], filter bridge.ScanFilter) error {
	s.nativeMu.Lock()
	defer s.nativeMu.Unlock()

	// Stopped or cancelled before the stack was even asked to scan.
	if h.Resolved() {
		return nil
	}
	// Marked before the call: a stack may report completion from inside StartScan.
	s.started.Store(true)
	if err := s.native.StartScan(filter); err != nil {
		s.started.Store(false)
		return device.Errorf(device.KindNativeFailed, "failed to start scan: %w", err).WithOp("scan", "")
	}
	return nil
}

// stopNative stops a running native scan and waits for its completion callback.
// The wait happens outside nativeMu.
func (s *Session) stopNative(ctx context.Context) error {
	s.nativeMu.Lock()
	if !s.started.CompareAndSwap(true, false) {
		s.nativeMu.Unlock()
		return nil
	}
	h, err := s.corr.Issue(ctx, stopKey, 0)
	if err != nil {
		s.nativeMu.Unlock()
		return err
	}
	stopErr := s.native.StopScan()
	s.nativeMu.Unlock()

	if stopErr != nil {
		s.corr.Fail(stopKey, stopErr)
	}
	_, err = h.Wait()
	return err
}

func (s *Session) finish(err error) error {
	var (
		result   State
		returned error
	)

	switch {
	case err == nil:
		result = Completed

	case errors.Is(err, device.ErrTimeout):
		// Duration elapsed: the scan is over only once the stack confirms the stop.
		stopCtx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
		if stopErr := s.stopNative(stopCtx); stopErr != nil {
			s.logger.WithField("error", stopErr).Warn("Scan stop was not acknowledged")
		}
		cancel()
		result = Completed

	case errors.Is(err, device.ErrCancelled):
		result = Cancelled
		s.mu.Lock()
		requested := s.stopping
		s.mu.Unlock()
		if !requested {
			returned = (&device.Error{Kind: device.KindCancelled, Msg: "scan cancelled", Err: err}).WithOp("scan", "")
		}

	default:
		result = Failed
		returned = err
	}

	s.mu.Lock()
	discovered := s.discovered
	finished := s.finished
	s.last = result
	s.state = Idle
	s.handle = nil
	s.stopping = false
	s.finished = nil
	s.mu.Unlock()
	close(finished)

	entry := s.logger.WithFields(logrus.Fields{
		"result":     result.String(),
		"discovered": discovered,
	})
	if returned != nil && result == Failed {
		entry.WithField("error", returned).Error("BLE scan failed")
	} else {
		entry.Info("BLE scan finished")
	}
	return returned
}

func (s *Session) onDiscovered(adv device.Advertisement, filter bridge.ScanFilter, sink Sink) {
	if !filter.Match(adv) {
		return
	}

	s.mu.Lock()
	scanning := s.state == Scanning
	s.mu.Unlock()
	if !scanning {
		return
	}

	p, inserted := s.registry.Insert(adv)
	if !inserted {
		return
	}

	s.mu.Lock()
	s.discovered++
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"id":   p.ID(),
		"name": p.Name(),
		"rssi": p.RSSI(),
	}).Debug("Peripheral discovered")
	sink.DeviceDiscovered(p)
}
