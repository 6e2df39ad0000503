package bridge

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
)

// Factory opens a native stack adapter.
type Factory func(logger *logrus.Logger) (Native, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a backend available under name. Registering the same name twice replaces it.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// Backends returns registered backend names, sorted.
func Backends() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open creates the named backend. An empty name selects the only registered
// backend, or fails when there is more than one.
func Open(name string, logger *logrus.Logger) (Native, error) {
	if logger == nil {
		logger = logrus.New()
	}

	factoriesMu.RLock()
	if name == "" && len(factories) == 1 {
		for n := range factories {
			name = n
		}
	}
	f, ok := factories[name]
	factoriesMu.RUnlock()

	if !ok {
		return nil, device.Errorf(device.KindInvalidArgument, "unknown backend %q (available: %v)", name, Backends())
	}

	native, err := f(logger)
	if err != nil {
		return nil, device.Errorf(device.KindNativeFailed, "failed to open backend %q: %w", name, err)
	}

	logger.WithField("backend", name).Debug("Native Bluetooth backend opened")
	return native, nil
}
