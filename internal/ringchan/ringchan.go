// Package ringchan provides a bounded channel with overwrite-oldest semantics,
// used for host-facing event streams whose producers are native callbacks that
// must never block.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel wraps a buffered channel. When the buffer is full, Send discards the
// oldest element instead of blocking. Consumers read C() like a normal channel.
//
//	rc := ringchan.New[Event](3)
//	for i := 0; i < 10; i++ {
//	    rc.Send(i) // never blocks
//	}
//	rc.Close()
//	for v := range rc.C() {
//	    fmt.Println(v) // the last 3 values
//	}
//
// Sends after Close are dropped and counted, never panic.
type RingChannel[T any] struct {
	mu      sync.Mutex // serializes producers with Close
	ch      chan T
	closed  bool
	metrics Metrics
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. It is closed by Close.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest element if the buffer is full.
// Returns true when an element was discarded.
func (rc *RingChannel[T]) Send(v T) (dropped bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		atomic.AddInt64(&rc.metrics.Rejected, 1)
		return false
	}

	for {
		select {
		case rc.ch <- v:
			atomic.AddInt64(&rc.metrics.Written, 1)
			return dropped
		default:
		}
		// A consumer may drain concurrently, so the receive is non-blocking too.
		select {
		case <-rc.ch:
			atomic.AddInt64(&rc.metrics.Overwritten, 1)
			dropped = true
		default:
		}
	}
}

// TrySend inserts v only if there is room.
func (rc *RingChannel[T]) TrySend(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		atomic.AddInt64(&rc.metrics.Rejected, 1)
		return false
	}
	select {
	case rc.ch <- v:
		atomic.AddInt64(&rc.metrics.Written, 1)
		return true
	default:
		return false
	}
}

func (rc *RingChannel[T]) Len() int { return len(rc.ch) }
func (rc *RingChannel[T]) Cap() int { return cap(rc.ch) }

// Close closes the receive side. Buffered elements remain readable. Idempotent.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if !rc.closed {
		rc.closed = true
		close(rc.ch)
	}
}

// GetMetrics returns a snapshot of the counters.
func (rc *RingChannel[T]) GetMetrics() Metrics {
	return Metrics{
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
		Rejected:    atomic.LoadInt64(&rc.metrics.Rejected),
	}
}

// Metrics counts channel traffic. All fields are updated atomically.
type Metrics struct {
	Written     int64
	Overwritten int64
	Rejected    int64 // sends after Close
}
