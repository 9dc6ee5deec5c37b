package bus

import (
	"sync"

	"github.com/soildesigngroup/cm5-maker-desk/internal/hmierr"
)

// Sim is an in-memory bus used when the service runs without hardware. Each
// present address is a register file: the first written byte (or two bytes
// for wide devices) sets the register pointer, remaining bytes are stored
// from there, and reads return consecutive registers. Absent addresses NACK.
type Sim struct {
	mu    sync.Mutex
	devs  map[uint16]*simDevice
	fails map[uint16]error
}

type simDevice struct {
	mem  []byte
	ptr  int
	wide bool
}

func NewSim() *Sim {
	return &Sim{
		devs:  make(map[uint16]*simDevice),
		fails: make(map[uint16]error),
	}
}

// Add makes addr respond with a 256 byte register file.
func (s *Sim) Add(addr uint16) *Sim {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devs[addr] = &simDevice{mem: make([]byte, 256)}
	return s
}

// AddWide makes addr respond with a memory of size bytes addressed by a
// two byte big-endian pointer.
func (s *Sim) AddWide(addr uint16, size int) *Sim {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devs[addr] = &simDevice{mem: make([]byte, size), wide: true}
	return s
}

// Set stores bytes starting at register reg of addr.
func (s *Sim) Set(addr uint16, reg int, b ...byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devs[addr]; ok {
		for i, v := range b {
			d.mem[(reg+i)%len(d.mem)] = v
		}
	}
}

// Get returns n bytes starting at register reg of addr.
func (s *Sim) Get(addr uint16, reg, n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devs[addr]
	if !ok {
		return nil
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = d.mem[(reg+i)%len(d.mem)]
	}
	return out
}

// Fail makes every transaction to addr return err until cleared with nil.
func (s *Sim) Fail(addr uint16, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fails, addr)
		return
	}
	s.fails[addr] = err
}

// Opener returns an Opener that always hands out this simulator.
func (s *Sim) Opener() Opener {
	return func(int) (Conn, error) { return s, nil }
}

func (s *Sim) Tx(addr uint16, w, r []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.fails[addr]; ok {
		return err
	}
	d, ok := s.devs[addr]
	if !ok {
		return hmierr.New(hmierr.BusIOError, "no ack from 0x%02X", addr)
	}

	if len(w) > 0 {
		if d.wide && len(w) >= 2 {
			d.ptr = (int(w[0])<<8 | int(w[1])) % len(d.mem)
			w = w[2:]
		} else {
			d.ptr = int(w[0]) % len(d.mem)
			w = w[1:]
		}
		for _, b := range w {
			d.mem[d.ptr] = b
			d.ptr = (d.ptr + 1) % len(d.mem)
		}
	}
	for i := range r {
		r[i] = d.mem[d.ptr]
		d.ptr = (d.ptr + 1) % len(d.mem)
	}
	return nil
}

func (s *Sim) Close() error { return nil }
