// Package correlator pairs an issued native operation with the callback that completes it.
//
// A Correlator holds at most one pending entry per key. An entry resolves exactly
// once: by a matching Complete or Fail, by its deadline, or by cancellation of the
// context it was issued with. Cancellation first runs the entry's undo call (stop
// scan, disconnect, unsubscribe), bounded by a fallback timeout, and only then
// resolves. Callbacks for keys with no pending entry are logged and dropped, since
// native stacks deliver late and duplicate callbacks.
//
// Streaming completions (notifications) use a separate per-key listener, which may
// coexist with one-shot entries of the same key.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/groutine"
)

// Handle resolution states
const (
	statePending int32 = iota
	stateResolving
	stateResolved
)

// Handle is the caller's side of a pending operation.
type Handle[K comparable, V any] struct {
	key   K
	state atomic.Int32
	done  chan struct{}

	val V
	err error

	timer       *time.Timer
	stopWatch   func() bool
	undo        func(ctx context.Context) error
	undoTimeout time.Duration
}

func (h *Handle[K, V]) Key() K { return h.key }

// Done is closed once the handle is resolved.
func (h *Handle[K, V]) Done() <-chan struct{} { return h.done }

// Resolved reports whether the handle left the pending state (it may still be running its undo call).
func (h *Handle[K, V]) Resolved() bool { return h.state.Load() != statePending }

// Wait blocks until the handle is resolved and returns its outcome.
func (h *Handle[K, V]) Wait() (V, error) {
	<-h.done
	return h.val, h.err
}

// IssueOption configures an issued operation
type IssueOption func(*issueOptions)

type issueOptions struct {
	undo        func(ctx context.Context) error
	undoTimeout time.Duration
}

// WithUndo registers the native call that reverts the operation on cancellation.
// The undo call receives a context bounded by fallback and should return once the
// native stack acknowledged the revert.
func WithUndo(undo func(ctx context.Context) error, fallback time.Duration) IssueOption {
	return func(o *issueOptions) {
		o.undo = undo
		o.undoTimeout = fallback
	}
}

type listener[V any] struct {
	sink func(V)
}

// Correlator is safe for concurrent use.
type Correlator[K comparable, V any] struct {
	name   string
	logger *logrus.Logger

	mu        sync.Mutex
	pending   map[K]*Handle[K, V]
	listeners map[K]*listener[V]

	dropped atomic.Int64
}

// New creates a correlator. name labels log entries and undo goroutines.
func New[K comparable, V any](name string, logger *logrus.Logger) *Correlator[K, V] {
	if logger == nil {
		logger = logrus.New()
	}
	return &Correlator[K, V]{
		name:      name,
		logger:    logger,
		pending:   make(map[K]*Handle[K, V]),
		listeners: make(map[K]*listener[V]),
	}
}

// Issue registers a pending operation under key. A timeout <= 0 disables the deadline;
// ctx cancellation still applies. Fails with device.ErrDuplicateOperation when key
// already has a pending entry.
func (c *Correlator[K, V]) Issue(ctx context.Context, key K, timeout time.Duration, opts ...IssueOption) (*Handle[K, V], error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var o issueOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := ctx.Err(); err != nil {
		return nil, cancelledError(key, context.Cause(ctx))
	}

	h := &Handle[K, V]{
		key:         key,
		done:        make(chan struct{}),
		undo:        o.undo,
		undoTimeout: o.undoTimeout,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[key]; exists {
		return nil, device.Errorf(device.KindDuplicateOperation, "%v already has a pending operation", key)
	}

	// Both callbacks run on their own goroutines and claim h through c.mu,
	// so they observe the entry only after it is fully registered.
	if timeout > 0 {
		h.timer = time.AfterFunc(timeout, func() {
			c.resolve(h, *new(V), device.Errorf(device.KindTimedOut, "%v did not complete within %s", key, timeout))
		})
	}
	h.stopWatch = context.AfterFunc(ctx, func() {
		c.cancel(h, context.Cause(ctx))
	})
	c.pending[key] = h

	return h, nil
}

// Complete resolves the pending entry for key with v. Returns false, after logging,
// when no entry is pending.
func (c *Correlator[K, V]) Complete(key K, v V) bool {
	h := c.lookup(key)
	if h == nil {
		c.dropped.Add(1)
		c.logger.WithFields(logrus.Fields{
			"correlator": c.name,
			"key":        fmt.Sprint(key),
		}).Debug("Dropping completion with no pending operation")
		return false
	}
	return c.resolve(h, v, nil)
}

// Fail resolves the pending entry for key with err.
func (c *Correlator[K, V]) Fail(key K, err error) bool {
	h := c.lookup(key)
	if h == nil {
		c.dropped.Add(1)
		c.logger.WithFields(logrus.Fields{
			"correlator": c.name,
			"key":        fmt.Sprint(key),
			"error":      err,
		}).Debug("Dropping failure with no pending operation")
		return false
	}
	var zero V
	return c.resolve(h, zero, err)
}

// FailWhere resolves every pending entry whose key matches pred with err and
// returns how many were resolved. Undo calls are not run.
func (c *Correlator[K, V]) FailWhere(pred func(K) bool, err error) int {
	c.mu.Lock()
	matched := make([]*Handle[K, V], 0)
	for key, h := range c.pending {
		if pred(key) {
			matched = append(matched, h)
		}
	}
	c.mu.Unlock()

	n := 0
	var zero V
	for _, h := range matched {
		if c.resolve(h, zero, err) {
			n++
		}
	}
	return n
}

// Cancel cancels h, running its undo call first, and blocks until h is resolved.
// Returns false when h was already resolved by something else.
func (c *Correlator[K, V]) Cancel(h *Handle[K, V]) bool {
	ok := c.cancel(h, context.Canceled)
	<-h.done
	return ok
}

// Pending reports whether key has a pending entry.
func (c *Correlator[K, V]) Pending(key K) bool {
	return c.lookup(key) != nil
}

// Len returns the number of pending entries.
func (c *Correlator[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Dropped returns how many completions arrived with no pending entry.
func (c *Correlator[K, V]) Dropped() int64 {
	return c.dropped.Load()
}

// Listen installs the streaming sink for key. Only one listener per key may exist;
// the returned stop function removes it and is safe to call more than once.
func (c *Correlator[K, V]) Listen(key K, sink func(V)) (func(), error) {
	if sink == nil {
		return nil, device.Errorf(device.KindInvalidArgument, "listener for %v requires a sink", key)
	}
	l := &listener[V]{sink: sink}

	c.mu.Lock()
	if _, exists := c.listeners[key]; exists {
		c.mu.Unlock()
		return nil, device.Errorf(device.KindDuplicateOperation, "%v already has a listener", key)
	}
	c.listeners[key] = l
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.listeners[key] == l {
			delete(c.listeners, key)
		}
	}, nil
}

// Listening reports whether key has a streaming listener.
func (c *Correlator[K, V]) Listening(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.listeners[key]
	return ok
}

// Stream delivers v to the listener of key. Returns false, after logging, when
// nobody listens. The sink runs on the caller's goroutine, outside the lock.
func (c *Correlator[K, V]) Stream(key K, v V) bool {
	c.mu.Lock()
	l := c.listeners[key]
	c.mu.Unlock()

	if l == nil {
		c.dropped.Add(1)
		c.logger.WithFields(logrus.Fields{
			"correlator": c.name,
			"key":        fmt.Sprint(key),
		}).Debug("Dropping streamed value with no listener")
		return false
	}
	l.sink(v)
	return true
}

func (c *Correlator[K, V]) lookup(key K) *Handle[K, V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[key]
}

// claim moves h out of the pending state and the pending table. Only one caller wins.
func (c *Correlator[K, V]) claim(h *Handle[K, V]) bool {
	if !h.state.CompareAndSwap(statePending, stateResolving) {
		return false
	}

	c.mu.Lock()
	if c.pending[h.key] == h {
		delete(c.pending, h.key)
	}
	c.mu.Unlock()

	if h.timer != nil {
		h.timer.Stop()
	}
	return true
}

func (c *Correlator[K, V]) finish(h *Handle[K, V], v V, err error) {
	if h.stopWatch != nil {
		h.stopWatch()
	}
	h.val = v
	h.err = err
	h.state.Store(stateResolved)
	close(h.done)
}

func (c *Correlator[K, V]) resolve(h *Handle[K, V], v V, err error) bool {
	if !c.claim(h) {
		return false
	}
	c.finish(h, v, err)
	return true
}

// cancel runs the undo call, bounded by its fallback, before resolving h as cancelled.
func (c *Correlator[K, V]) cancel(h *Handle[K, V], cause error) bool {
	if !c.claim(h) {
		return false
	}

	if h.undo != nil {
		fallback := h.undoTimeout
		if fallback <= 0 {
			fallback = DefaultUndoTimeout
		}
		undoCtx, cancel := context.WithTimeout(context.Background(), fallback)
		err := runUndo(undoCtx, c.name, h.undo)
		cancel()

		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"correlator": c.name,
				"key":        fmt.Sprint(h.key),
				"error":      err,
			}).Warn("Undo call failed while cancelling operation")
		}
	}

	var zero V
	c.finish(h, zero, cancelledError(h.key, cause))
	return true
}

// DefaultUndoTimeout bounds an undo call registered without an explicit fallback
const DefaultUndoTimeout = 2 * time.Second

// runUndo runs undo on a named goroutine and stops waiting when ctx expires.
func runUndo(ctx context.Context, name string, undo func(ctx context.Context) error) error {
	result := make(chan error, 1)
	groutine.Go(ctx, name+"-undo", func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("undo panicked: %v", r)
			}
		}()
		result <- undo(ctx)
	})

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("undo not acknowledged: %w", ctx.Err())
	}
}

func cancelledError(key any, cause error) error {
	if cause == nil {
		cause = context.Canceled
	}
	e := &device.Error{Kind: device.KindCancelled, Msg: fmt.Sprintf("%v cancelled", key), Err: cause}
	if errors.Is(cause, context.DeadlineExceeded) {
		e.Msg = fmt.Sprintf("%v cancelled: caller deadline exceeded", key)
	}
	return e
}
