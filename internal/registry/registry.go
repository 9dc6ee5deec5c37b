// Package registry is the table of registered devices and their health.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/soildesigngroup/cm5-maker-desk/internal/device"
	"github.com/soildesigngroup/cm5-maker-desk/internal/hmierr"
)

// State is the cached connection state of one device.
type State struct {
	Connected           bool                `json:"connected"`
	LastUpdate          time.Time           `json:"last_update"`
	LastError           string              `json:"last_error,omitempty"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	Capabilities        device.Capabilities `json:"capabilities"`
}

// Entry is one row of a List snapshot.
type Entry struct {
	Descriptor device.Descriptor
	Actions    []string
	State      State
}

// Transition describes a change of a device's connected flag.
type Transition struct {
	ID        string
	Connected bool
	Err       string
	At        time.Time
}

type entry struct {
	desc   device.Descriptor
	driver device.Driver

	mu    sync.Mutex
	state State
}

// Registry maps device ids to drivers. Membership is guarded by an RWMutex
// that is never held across I/O; each entry guards its own state.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	now func() time.Time

	hookMu sync.RWMutex
	hooks  []func(Transition)
}

func New() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// NewWithClock is New with an injected time source.
func NewWithClock(now func() time.Time) *Registry {
	r := New()
	r.now = now
	return r
}

// Register adds a device. Drivers implementing device.Reporting get a
// reporter bound to this registry entry.
func (r *Registry) Register(desc device.Descriptor, drv device.Driver) error {
	r.mu.Lock()
	if _, dup := r.entries[desc.ID]; dup {
		r.mu.Unlock()
		return hmierr.New(hmierr.DuplicateDeviceID, "device '%s' is already registered", desc.ID)
	}
	e := &entry{
		desc:   desc,
		driver: drv,
		state: State{
			LastUpdate:   r.now(),
			Capabilities: desc.Capabilities,
		},
	}
	r.entries[desc.ID] = e
	r.mu.Unlock()

	if rep, ok := drv.(device.Reporting); ok {
		id := desc.ID
		rep.SetReporter(func(err error) { r.UpdateState(id, err) })
	}

	log.Info().
		Str("device", desc.ID).
		Str("type", desc.Type).
		Int("bus", desc.Bus).
		Str("capabilities", desc.Capabilities.String()).
		Msgf("Registered device at 0x%02X", desc.Address)
	return nil
}

// Lookup returns the driver registered under id.
func (r *Registry) Lookup(id string) (device.Driver, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, hmierr.New(hmierr.UnknownDevice, "device '%s' not found", id)
	}
	return e.driver, nil
}

// Descriptor returns the descriptor registered under id.
func (r *Registry) Descriptor(id string) (device.Descriptor, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return device.Descriptor{}, hmierr.New(hmierr.UnknownDevice, "device '%s' not found", id)
	}
	return e.desc, nil
}

// IDs returns the registered ids in order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// List returns a point-in-time snapshot ordered by id. It only reads cached
// state.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	all := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].desc.ID < all[j].desc.ID })

	out := make([]Entry, len(all))
	for i, e := range all {
		e.mu.Lock()
		st := e.state
		e.mu.Unlock()
		out[i] = Entry{Descriptor: e.desc, Actions: e.driver.Actions(), State: st}
	}
	return out
}

// State returns the cached state of one device.
func (r *Registry) State(id string) (State, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return State{}, hmierr.New(hmierr.UnknownDevice, "device '%s' not found", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, nil
}

// UpdateState records the outcome of one transaction. A nil error marks the
// device connected; a bus-class error marks it disconnected. Other errors are
// recorded without touching the connected flag.
func (r *Registry) UpdateState(id string, outcome error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return
	}

	now := r.now()

	e.mu.Lock()
	was := e.state.Connected
	e.state.LastUpdate = now
	if outcome == nil {
		e.state.Connected = true
		e.state.LastError = ""
		e.state.ConsecutiveFailures = 0
	} else {
		e.state.LastError = outcome.Error()
		e.state.ConsecutiveFailures++
		if hmierr.KindOf(outcome).IsBus() {
			e.state.Connected = false
		}
	}
	changed := was != e.state.Connected
	tr := Transition{ID: id, Connected: e.state.Connected, Err: e.state.LastError, At: now}
	e.mu.Unlock()

	if changed {
		r.hookMu.RLock()
		hooks := r.hooks
		r.hookMu.RUnlock()
		for _, h := range hooks {
			h(tr)
		}
	}
}

// OnTransition registers fn to be called whenever a device's connected flag
// changes. fn runs on the reporting goroutine and must not block.
func (r *Registry) OnTransition(fn func(Transition)) {
	r.hookMu.Lock()
	r.hooks = append(r.hooks, fn)
	r.hookMu.Unlock()
}
