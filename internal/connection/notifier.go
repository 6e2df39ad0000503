package connection

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/groutine"
)

const (
	notifierStopped uint32 = iota
	notifierRunning
	notifierStopping

	// maxNotificationBuffer guards against accidental misconfiguration
	maxNotificationBuffer uint32 = 1 << 20
)

// notifier decouples native callback goroutines from the caller's notification
// sink. Values go through an overwrite-oldest ring buffer, so a slow sink loses the
// oldest values instead of stalling the native stack; the loss is reported in
// Notification.Dropped.
type notifier struct {
	name    string
	logger  *logrus.Logger
	buffer  mpmc.RichOverlappedRingBuffer[Notification]
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	state   atomic.Uint32
	sink    atomic.Pointer[func(Notification)]
	seq     atomic.Uint64
	pending atomic.Uint64 // overwrites not yet reported

	delivered   atomic.Uint64
	overwritten atomic.Uint64
}

func newNotifier(name string, size uint32, logger *logrus.Logger) *notifier {
	if size == 0 {
		size = DefaultOptions().NotificationBuffer
	}
	if size > maxNotificationBuffer {
		size = maxNotificationBuffer
	}
	return &notifier{
		name:   name,
		logger: logger,
		buffer: mpmc.NewOverlappedRingBuffer[Notification](size),
		wake:   make(chan struct{}, 1),
	}
}

func (n *notifier) setSink(fn func(Notification)) {
	if fn == nil {
		n.sink.Store(nil)
		return
	}
	n.sink.Store(&fn)
}

// start launches the delivery goroutine. Calling start on a running notifier is a no-op.
func (n *notifier) start() {
	if !n.state.CompareAndSwap(notifierStopped, notifierRunning) {
		return
	}
	n.stop = make(chan struct{})
	n.done = make(chan struct{})
	stop, done := n.stop, n.done

	groutine.Go(context.Background(), n.name, func(ctx context.Context) {
		defer func() {
			close(done)
			n.state.Store(notifierStopped)
			n.logger.WithField("goroutine", groutine.GetName(ctx)).Debug("Notification delivery stopped")
		}()
		for {
			select {
			case <-stop:
				n.drain()
				return
			case <-n.wake:
				n.drain()
			}
		}
	})
}

// push enqueues a value for delivery. Never blocks.
func (n *notifier) push(v Notification) {
	v.Seq = n.seq.Add(1)
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now()
	}

	overwrites, err := n.buffer.EnqueueM(v)
	if err != nil {
		n.logger.WithFields(logrus.Fields{
			"notifier": n.name,
			"error":    err,
		}).Error("Failed to buffer notification")
		return
	}
	if overwrites > 0 {
		n.pending.Add(uint64(overwrites))
		n.overwritten.Add(uint64(overwrites))
	}

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) drain() {
	for !n.buffer.IsEmpty() {
		v, err := n.buffer.Dequeue()
		if err != nil {
			return
		}
		v.Dropped = n.pending.Swap(0)
		n.deliver(v)
	}
}

func (n *notifier) deliver(v Notification) {
	sink := n.sink.Load()
	if sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			n.logger.WithFields(logrus.Fields{
				"notifier": n.name,
				"gid":      groutine.GetGID(),
				"panic":    r,
			}).Error("Notification sink panicked")
		}
	}()
	(*sink)(v)
	n.delivered.Add(1)
}

// shutdown stops the delivery goroutine after flushing buffered values.
func (n *notifier) shutdown() {
	if !n.state.CompareAndSwap(notifierRunning, notifierStopping) {
		return
	}
	close(n.stop)

	select {
	case <-n.done:
	case <-time.After(5 * time.Second):
		n.logger.WithField("notifier", n.name).Warn("Notification delivery is slow to stop")
		<-n.done
	}
}
