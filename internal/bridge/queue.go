package bridge

import (
	"context"
	"sync"

	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/groutine"
)

// Queue runs blocking stack calls one at a time, in submission order, on a named
// goroutine. Adapters over synchronous libraries keep one Queue per peripheral.
type Queue struct {
	name  string
	calls chan func()

	ctx    context.Context
	cancel context.CancelFunc
	start  sync.Once
}

// NewQueue creates a stopped queue holding at most depth waiting calls.
func NewQueue(name string, depth int) *Queue {
	if depth <= 0 {
		depth = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		name:   name,
		calls:  make(chan func(), depth),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the worker. Calls submitted earlier run first.
func (q *Queue) Start() {
	q.start.Do(func() {
		groutine.Go(q.ctx, q.name, func(ctx context.Context) {
			for {
				select {
				case fn := <-q.calls:
					fn()
				case <-ctx.Done():
					return
				}
			}
		})
	})
}

// Submit queues fn. A full queue is reported as AlreadyInProgress, a stopped one
// as Disconnected.
func (q *Queue) Submit(op string, fn func()) error {
	if q.ctx.Err() != nil {
		return device.Errorf(device.KindDisconnected, "%s: %s is stopped", op, q.name)
	}
	select {
	case q.calls <- fn:
		return nil
	default:
		return device.Errorf(device.KindAlreadyInProgress, "%s: too many calls queued on %s", op, q.name)
	}
}

// Stop discards waiting calls. A call already running completes.
func (q *Queue) Stop() {
	q.cancel()
}
