package device

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Spec is everything a builder needs to construct a driver.
type Spec struct {
	ID      string
	Type    string
	Bus     int
	Address uint16
	Timeout time.Duration
	Params  map[string]any

	// Transactor is the bus the device sits on. Drivers that reach their
	// hardware another way ignore it.
	Transactor Transactor
}

// Instance is a built driver together with its descriptor.
type Instance interface {
	Driver
	Descriptor() Descriptor
}

type Builder func(spec Spec) (Instance, error)

var (
	buildersMu sync.RWMutex
	builders   = map[string]Builder{}
)

// RegisterBuilder makes a driver type available to Build. Registering the
// same type twice panics.
func RegisterBuilder(typ string, b Builder) {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	if _, dup := builders[typ]; dup {
		panic("device: duplicate builder for type " + typ)
	}
	builders[typ] = b
}

func Build(spec Spec) (Instance, error) {
	buildersMu.RLock()
	b, ok := builders[spec.Type]
	buildersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown device type %q for %s", spec.Type, spec.ID)
	}
	return b(spec)
}

// Types lists the registered driver types.
func Types() []string {
	buildersMu.RLock()
	defer buildersMu.RUnlock()
	out := make([]string, 0, len(builders))
	for t := range builders {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
