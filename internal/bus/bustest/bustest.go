// Package bustest provides bus connections for tests.
package bustest

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/soildesigngroup/cm5-maker-desk/internal/bus"
)

// Event is one recorded transfer boundary.
type Event struct {
	Addr  uint16
	Start bool
}

// Recorder wraps a connection, records the start and end of every transfer
// and counts transfers that ran while another was still in progress.
type Recorder struct {
	Inner bus.Conn
	Delay time.Duration

	mu       sync.Mutex
	events   []Event
	active   atomic.Int32
	overlaps atomic.Int32
}

func (r *Recorder) Tx(addr uint16, w, rd []byte) error {
	if r.active.Add(1) > 1 {
		r.overlaps.Add(1)
	}
	r.record(Event{Addr: addr, Start: true})
	defer func() {
		r.record(Event{Addr: addr})
		r.active.Add(-1)
	}()

	if r.Delay > 0 {
		time.Sleep(r.Delay)
	}
	if r.Inner == nil {
		return nil
	}
	return r.Inner.Tx(addr, w, rd)
}

func (r *Recorder) record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of the recorded boundaries in order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Overlaps is the number of transfers that started while another was active.
func (r *Recorder) Overlaps() int { return int(r.overlaps.Load()) }

// Opener hands out the recorder for every bus id.
func (r *Recorder) Opener() bus.Opener {
	return func(int) (bus.Conn, error) { return r, nil }
}

// Stuck is a connection whose transfers never complete until it is closed.
type Stuck struct {
	once    sync.Once
	release chan struct{}
	calls   atomic.Int32
}

func NewStuck() *Stuck {
	return &Stuck{release: make(chan struct{})}
}

func (s *Stuck) Tx(uint16, []byte, []byte) error {
	s.calls.Add(1)
	<-s.release
	return nil
}

func (s *Stuck) Close() error {
	s.once.Do(func() { close(s.release) })
	return nil
}

// Calls is the number of transfers attempted.
func (s *Stuck) Calls() int { return int(s.calls.Load()) }

func (s *Stuck) Opener() bus.Opener {
	return func(int) (bus.Conn, error) { return s, nil }
}
