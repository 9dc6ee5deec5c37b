// Package device defines the driver abstraction every peripheral plugs into.
package device

import (
	"context"
	"encoding/json"
	"strings"
)

// Capability is one category of operation a driver supports.
type Capability uint8

const (
	Readable Capability = 1 << iota
	Writable
	Configurable
)

// Capabilities is a set of Capability bits.
type Capabilities uint8

func Caps(cs ...Capability) Capabilities {
	var s Capabilities
	for _, c := range cs {
		s |= Capabilities(c)
	}
	return s
}

func (s Capabilities) Has(c Capability) bool { return s&Capabilities(c) != 0 }

func (s Capabilities) Names() []string {
	var out []string
	if s.Has(Readable) {
		out = append(out, "readable")
	}
	if s.Has(Writable) {
		out = append(out, "writable")
	}
	if s.Has(Configurable) {
		out = append(out, "configurable")
	}
	return out
}

func (s Capabilities) String() string { return strings.Join(s.Names(), ",") }

func (s Capabilities) MarshalJSON() ([]byte, error) {
	names := s.Names()
	if names == nil {
		names = []string{}
	}
	return json.Marshal(names)
}

func (c Capability) String() string { return Capabilities(c).String() }

// Descriptor is the static description of one registered device.
type Descriptor struct {
	ID           string       `json:"id"`
	Type         string       `json:"type"`
	Category     string       `json:"category"`
	Capabilities Capabilities `json:"capabilities"`
	Bus          int          `json:"bus"`
	Address      uint16       `json:"address"`
}

// Data is an action's structured result.
type Data map[string]any

// Result is what a successful Execute returns.
type Result struct {
	Data     Data
	Warnings []string
}

// ReadStatusAction is the action the monitoring scheduler dispatches. It is
// routed to Driver.ReadStatus.
const ReadStatusAction = "read_status"

// Driver translates device-level actions into bus transactions.
type Driver interface {
	// Capabilities is the declared capability set.
	Capabilities() Capabilities
	// Actions lists the action names Execute accepts.
	Actions() []string
	// Execute validates and performs one action.
	Execute(ctx context.Context, action string, params Params) (Result, error)
	// ReadStatus returns a side-effect free status snapshot.
	ReadStatus(ctx context.Context) (Data, error)
}

// Reporter receives the outcome of every transaction a driver attempts.
type Reporter func(err error)

// Reporting drivers accept a Reporter at registration.
type Reporting interface {
	SetReporter(Reporter)
}

// Prober drivers can check the device answers on the bus.
type Prober interface {
	Probe(ctx context.Context) error
}

// Settings drivers expose device-local settings that survive restarts.
type Settings interface {
	Settings() map[string]any
	ApplySettings(map[string]any) error
}

// Shutdowner drivers put their hardware into a safe state when the service
// stops.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}
