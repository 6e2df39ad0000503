// Package fanout routes decoded peripheral callbacks to the connection machine
// that owns the peripheral.
package fanout

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/message"
)

// Target receives the messages of one peripheral.
type Target interface {
	HandleMessage(msg message.Message)
}

// Router is the process-wide identity to target table. Machines register when
// they start connecting and deregister once disconnected.
type Router struct {
	mu     sync.RWMutex
	routes map[string]Target
	logger *logrus.Logger
}

func New(logger *logrus.Logger) *Router {
	if logger == nil {
		logger = logrus.New()
	}
	return &Router{
		routes: make(map[string]Target),
		logger: logger,
	}
}

// Register binds id to t. Re-registering the same target is a no-op; binding a
// different target to a routed identity fails with device.ErrAlreadyInProgress.
func (r *Router) Register(id string, t Target) error {
	if id == "" || t == nil {
		return device.Errorf(device.KindInvalidArgument, "route requires an identity and a target")
	}

	r.mu.Lock()
	current, ok := r.routes[id]
	if ok && current != t {
		r.mu.Unlock()
		return device.Errorf(device.KindAlreadyInProgress, "peripheral %s is already routed to another machine", id)
	}
	r.routes[id] = t
	r.mu.Unlock()

	r.logger.WithField("id", id).Debug("Route registered")
	return nil
}

// Deregister removes the route for id if it still points to t.
func (r *Router) Deregister(id string, t Target) bool {
	r.mu.Lock()
	current, ok := r.routes[id]
	if !ok || current != t {
		r.mu.Unlock()
		return false
	}
	delete(r.routes, id)
	r.mu.Unlock()

	r.logger.WithField("id", id).Debug("Route removed")
	return true
}

func (r *Router) Lookup(id string) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.routes[id]
	return t, ok
}

func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// Dispatch forwards msg to the target registered for its peripheral. Unroutable
// messages are dropped with a diagnostic; a panicking target is recovered so the
// dispatch loop survives.
func (r *Router) Dispatch(msg message.Message) (delivered bool) {
	id := msg.Peripheral()
	if id == "" {
		r.logger.WithField("kind", msg.Kind()).Warn("Dropping callback without peripheral identity")
		return false
	}

	t, ok := r.Lookup(id)
	if !ok {
		r.logger.WithFields(logrus.Fields{
			"id":   id,
			"kind": msg.Kind(),
		}).Warn("Dropping callback for unregistered peripheral")
		return false
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithFields(logrus.Fields{
				"id":    id,
				"kind":  msg.Kind(),
				"panic": fmt.Sprint(rec),
			}).Error("Callback target panicked")
			delivered = false
		}
	}()

	t.HandleMessage(msg)
	return true
}
