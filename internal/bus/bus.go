// Package bus owns exclusive access to the physical buses the device drivers
// talk through. Every transaction on a bus goes through that bus's Handle.
package bus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/soildesigngroup/cm5-maker-desk/internal/hmierr"
)

// DefaultTimeout bounds a transaction when neither the caller nor the bus
// config gives one.
const DefaultTimeout = 100 * time.Millisecond

// Conn is a raw connection to one physical bus. Implementations need not be
// safe for concurrent use; Handle serialises all calls.
type Conn interface {
	Tx(addr uint16, w, r []byte) error
	Close() error
}

// Opener opens the physical bus with the given id.
type Opener func(id int) (Conn, error)

// Stats are cumulative transaction counters for one bus.
type Stats struct {
	Transactions uint64 `json:"transactions"`
	Failures     uint64 `json:"failures"`
	Timeouts     uint64 `json:"timeouts"`
	Reopens      uint64 `json:"reopens"`
}

// Handle serialises transactions on one bus. The guard is a one-slot
// semaphore so that waiting for the bus honours the caller's deadline.
type Handle struct {
	id      int
	open    Opener
	retries int
	timeout time.Duration

	guard  chan struct{}
	conn   Conn
	closed bool

	// abandoned is the connection of a timed-out transfer still running. It
	// holds the guard until that transfer returns.
	mu        sync.Mutex
	abandoned Conn

	transactions atomic.Uint64
	failures     atomic.Uint64
	timeouts     atomic.Uint64
	reopens      atomic.Uint64
}

// Options tune a Handle. Zero values fall back to defaults.
type Options struct {
	Retries int
	Timeout time.Duration
}

func NewHandle(id int, open Opener, opts Options) *Handle {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &Handle{
		id:      id,
		open:    open,
		retries: opts.Retries,
		timeout: opts.Timeout,
		guard:   make(chan struct{}, 1),
	}
}

func (h *Handle) ID() int { return h.id }

func (h *Handle) String() string { return fmt.Sprintf("i2c-%d", h.id) }

func (h *Handle) Stats() Stats {
	return Stats{
		Transactions: h.transactions.Load(),
		Failures:     h.failures.Load(),
		Timeouts:     h.timeouts.Load(),
		Reopens:      h.reopens.Load(),
	}
}

func (h *Handle) acquire(ctx context.Context) error {
	select {
	case h.guard <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) release() { <-h.guard }

// Open opens the underlying bus. Calling it on an open handle is a no-op.
func (h *Handle) Open() error {
	h.guard <- struct{}{}
	defer h.release()

	h.closed = false
	_, err := h.connLocked()
	return err
}

// Close releases the underlying bus. Further transactions fail with
// BusUnavailable until Open is called again. A transfer abandoned after a
// timeout is interrupted by closing its connection.
func (h *Handle) Close() error {
	h.mu.Lock()
	stuck := h.abandoned
	h.mu.Unlock()
	if stuck != nil {
		stuck.Close()
	}

	h.guard <- struct{}{}
	defer h.release()

	h.closed = true
	if h.conn == nil {
		return nil
	}
	err := h.conn.Close()
	h.conn = nil
	return err
}

func (h *Handle) connLocked() (Conn, error) {
	if h.closed {
		return nil, hmierr.New(hmierr.BusUnavailable, "%s is closed", h)
	}
	if h.conn != nil {
		return h.conn, nil
	}
	conn, err := h.open(h.id)
	if err != nil {
		return nil, hmierr.Wrap(hmierr.BusUnavailable, err, "open %s", h)
	}
	h.conn = conn
	return conn, nil
}

// dropLocked forgets the current connection so the next attempt reopens it.
func (h *Handle) dropLocked() {
	conn := h.conn
	h.conn = nil
	if conn == nil {
		return
	}
	h.reopens.Add(1)
	if err := conn.Close(); err != nil {
		log.Debug().Err(err).Int("bus", h.id).Msg("Closing dropped bus connection failed")
	}
}

// abandonLocked hands the guard to the still running transfer on the current
// connection. The connection is closed and the guard released once the
// transfer returns, so the next transfer never overlaps it.
func (h *Handle) abandonLocked(done <-chan error) {
	conn := h.conn
	h.conn = nil
	h.reopens.Add(1)

	h.mu.Lock()
	h.abandoned = conn
	h.mu.Unlock()

	go func() {
		<-done
		h.mu.Lock()
		if h.abandoned == conn {
			h.abandoned = nil
		}
		h.mu.Unlock()
		if err := conn.Close(); err != nil {
			log.Debug().Err(err).Int("bus", h.id).Msg("Closing abandoned bus connection failed")
		}
		h.release()
	}()
}

// Transact writes w to the device at addr and then, if readLen > 0, reads
// readLen bytes back. The whole call, including waiting for the bus, is
// bounded by timeout (the handle default when zero). I/O errors are retried
// with a reopened connection up to the configured retry count; timeouts are
// not retried.
func (h *Handle) Transact(ctx context.Context, addr uint16, w []byte, readLen int, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = h.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	h.transactions.Add(1)

	if err := h.acquire(ctx); err != nil {
		h.timeouts.Add(1)
		return nil, hmierr.Wrap(hmierr.BusTimeout, err, "%s addr 0x%02X: waiting for bus", h, addr)
	}
	held := true
	defer func() {
		if held {
			h.release()
		}
	}()

	var lastErr error
	for attempt := 0; attempt <= h.retries; attempt++ {
		conn, err := h.connLocked()
		if err != nil {
			h.failures.Add(1)
			return nil, err
		}

		var r []byte
		if readLen > 0 {
			r = make([]byte, readLen)
		}

		done := make(chan error, 1)
		go func() { done <- conn.Tx(addr, w, r) }()

		select {
		case err = <-done:
		case <-ctx.Done():
			h.timeouts.Add(1)
			h.failures.Add(1)
			held = false
			h.abandonLocked(done)
			return nil, hmierr.Wrap(hmierr.BusTimeout, ctx.Err(), "%s addr 0x%02X: no response within %s", h, addr, timeout)
		}

		if err == nil {
			return r, nil
		}

		lastErr = classify(h, addr, err)
		if hmierr.KindOf(lastErr) == hmierr.BusTimeout {
			h.timeouts.Add(1)
			break
		}
		h.dropLocked()
		if attempt < h.retries {
			log.Debug().Err(err).Int("bus", h.id).Int("attempt", attempt+1).Msgf("Retrying transaction to 0x%02X", addr)
		}
	}

	h.failures.Add(1)
	return nil, lastErr
}

func classify(h *Handle, addr uint16, err error) error {
	var e *hmierr.E
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT) {
		return hmierr.Wrap(hmierr.BusTimeout, err, "%s addr 0x%02X", h, addr)
	}
	return hmierr.Wrap(hmierr.BusIOError, err, "%s addr 0x%02X", h, addr)
}

// Config describes one bus to create in a Set.
type Config struct {
	ID      int
	Retries int
	Timeout time.Duration
}

// Set holds one Handle per physical bus.
type Set struct {
	mu      sync.RWMutex
	handles map[int]*Handle
}

func NewSet(open Opener, cfgs []Config) *Set {
	s := &Set{handles: make(map[int]*Handle, len(cfgs))}
	for _, c := range cfgs {
		s.handles[c.ID] = NewHandle(c.ID, open, Options{Retries: c.Retries, Timeout: c.Timeout})
	}
	return s
}

// Get returns the handle for bus id.
func (s *Set) Get(id int) (*Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[id]
	if !ok {
		return nil, hmierr.New(hmierr.BusUnavailable, "no bus %d configured", id)
	}
	return h, nil
}

// IDs returns the configured bus ids in ascending order.
func (s *Set) IDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// OpenAll opens every bus, returning the combined failures.
func (s *Set) OpenAll() error {
	var err error
	for _, id := range s.IDs() {
		h, _ := s.Get(id)
		err = multierr.Append(err, h.Open())
	}
	return err
}

func (s *Set) Close() error {
	var err error
	for _, id := range s.IDs() {
		h, _ := s.Get(id)
		err = multierr.Append(err, h.Close())
	}
	return err
}
