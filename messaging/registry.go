package messaging

import (
	"fmt"
	"sort"
	"sync"
)

// DriverFactory builds a driver from a fully-resolved configuration.
type DriverFactory func(cfg DriverConfig) (Driver, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]DriverFactory)
)

// Register makes a driver factory available under the given kind tag.
// Transports call it from their init functions, so a blank import of the
// transport package is enough to make the kind resolvable. Register panics
// on a nil factory or a duplicate kind, both of which are wiring bugs.
func Register(kind string, factory DriverFactory) {
	driversMu.Lock()
	defer driversMu.Unlock()

	if factory == nil {
		panic("messaging: Register factory is nil")
	}
	if _, dup := drivers[kind]; dup {
		panic("messaging: Register called twice for driver " + kind)
	}
	drivers[kind] = factory
}

// NewDriver resolves a kind tag to its factory and builds the driver.
func NewDriver(kind string, cfg DriverConfig) (Driver, error) {
	driversMu.RLock()
	factory, ok := drivers[kind]
	driversMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("messaging: unknown driver %q (registered: %v)", kind, Drivers())
	}
	return factory(cfg)
}

// Drivers returns the sorted list of registered driver kinds.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()

	kinds := make([]string, 0, len(drivers))
	for kind := range drivers {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
