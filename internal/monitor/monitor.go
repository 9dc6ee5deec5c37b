// Package monitor polls device status in the background and fans the results
// out to subscribers.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/soildesigngroup/cm5-maker-desk/internal/datadog"
	"github.com/soildesigngroup/cm5-maker-desk/internal/device"
	"github.com/soildesigngroup/cm5-maker-desk/internal/dispatch"
	"github.com/soildesigngroup/cm5-maker-desk/internal/hmierr"
)

// Dispatcher executes one poll.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) dispatch.Response
}

type Options struct {
	Clock clock.Clock

	// Concurrency bounds the polls in flight within one cycle.
	Concurrency int
	// PollTimeout bounds a single device poll.
	PollTimeout time.Duration
	// StopTimeout is how long Stop waits for an in-flight cycle.
	StopTimeout time.Duration

	BufferSize       int
	SubscriberBuffer int
}

// Stats are cumulative scheduler counters.
type Stats struct {
	Cycles  uint64 `json:"cycles"`
	Polls   uint64 `json:"polls"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

// Scheduler is Stopped until Start and Running until Stop. There is at most
// one ticker; starting a running scheduler replaces its interval and targets.
type Scheduler struct {
	disp Dispatcher
	all  func() []string
	opts Options

	mu       sync.Mutex
	running  bool
	interval time.Duration
	devices  []string
	ticker   *clock.Ticker
	reset    chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}

	subMu sync.RWMutex
	subs  map[string]chan dispatch.Response

	recent *ring

	cycles  atomic.Uint64
	polls   atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// New builds a stopped scheduler. all lists the devices polled when Start is
// given no targets.
func New(disp Dispatcher, all func() []string, opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 2 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 64
	}
	return &Scheduler{
		disp:   disp,
		all:    all,
		opts:   opts,
		subs:   make(map[string]chan dispatch.Response),
		recent: newRing(opts.BufferSize),
	}
}

// Start begins polling devices every interval, or replaces the interval and
// targets when already running. An empty devices list polls every device.
// The first poll happens one interval after Start.
func (s *Scheduler) Start(interval time.Duration, devices []string) error {
	if interval <= 0 {
		return hmierr.New(hmierr.InvalidParams, "interval must be greater than 0, got %s", interval)
	}
	ids := append([]string(nil), devices...)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.interval = interval
	s.devices = ids

	if s.running {
		s.ticker.Stop()
		s.ticker = s.opts.Clock.Ticker(interval)
		select {
		case s.reset <- struct{}{}:
		default:
		}
		log.Info().Dur("interval", interval).Strs("devices", ids).Msg("Monitoring reconfigured")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.ticker = s.opts.Clock.Ticker(interval)
	s.reset = make(chan struct{}, 1)
	s.done = make(chan struct{})

	go s.loop(ctx, s.ticker, s.reset, s.done)

	log.Info().Dur("interval", interval).Strs("devices", ids).Msg("Monitoring started")
	return nil
}

// Stop halts polling. No poll starts after Stop returns; a cycle already in
// flight is given StopTimeout to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.ticker.Stop()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()

	select {
	case <-done:
		log.Info().Msg("Monitoring stopped")
	case <-time.After(s.opts.StopTimeout):
		log.Warn().Dur("timeout", s.opts.StopTimeout).Msg("Monitoring stopped before the in-flight cycle finished")
	}
}

func (s *Scheduler) State() dispatch.MonitorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := dispatch.MonitorState{Active: s.running}
	if s.running {
		st.Interval = s.interval
		st.Devices = append([]string(nil), s.devices...)
	}
	return st
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Cycles:  s.cycles.Load(),
		Polls:   s.polls.Load(),
		Failed:  s.failed.Load(),
		Dropped: s.dropped.Load(),
	}
}

func (s *Scheduler) loop(ctx context.Context, ticker *clock.Ticker, reset <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-reset:
			s.mu.Lock()
			ticker = s.ticker
			s.mu.Unlock()
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

func (s *Scheduler) targets() []string {
	s.mu.Lock()
	ids := s.devices
	s.mu.Unlock()
	if len(ids) == 0 && s.all != nil {
		return s.all()
	}
	return ids
}

// cycle polls every target independently. A failing or slow device only
// affects its own frame.
func (s *Scheduler) cycle(ctx context.Context) {
	start := s.opts.Clock.Now()
	ids := s.targets()

	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			s.poll(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	s.cycles.Add(1)
	datadog.Timing("monitor.cycle", s.opts.Clock.Since(start))
	datadog.Gauge("monitor.devices", float64(len(ids)))
	log.Debug().Int("devices", len(ids)).Msg("Monitoring cycle complete")
}

func (s *Scheduler) poll(ctx context.Context, id string) {
	if ctx.Err() != nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.PollTimeout)
	defer cancel()

	resp := s.disp.Dispatch(pctx, dispatch.Request{Action: device.ReadStatusAction, Device: id})
	resp.Device = id

	s.polls.Add(1)
	if !resp.Success {
		s.failed.Add(1)
	}
	s.publish(resp)
}

func (s *Scheduler) publish(f dispatch.Response) {
	s.recent.push(f)

	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for id, ch := range s.subs {
		select {
		case ch <- f:
		default:
			s.dropped.Add(1)
			datadog.Incr("monitor.dropped")
			log.Debug().Str("subscriber", id).Str("device", f.Device).Msg("Subscriber is full, dropping frame")
		}
	}
}

// Recent returns up to max of the latest frames, oldest first. max <= 0
// returns everything buffered.
func (s *Scheduler) Recent(max int) []dispatch.Response {
	return s.recent.last(max)
}

// Buffered is the number of frames currently held for Recent.
func (s *Scheduler) Buffered() int {
	return s.recent.len()
}

// Subscription receives every published frame until closed. Frames are
// dropped while C is full.
type Subscription struct {
	ID string
	C  <-chan dispatch.Response

	s    *Scheduler
	once sync.Once
}

func (s *Scheduler) Subscribe() *Subscription {
	ch := make(chan dispatch.Response, s.opts.SubscriberBuffer)
	id := uuid.NewString()

	s.subMu.Lock()
	s.subs[id] = ch
	s.subMu.Unlock()

	return &Subscription{ID: id, C: ch, s: s}
}

// Close unsubscribes and closes C.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.s.subMu.Lock()
		ch, ok := sub.s.subs[sub.ID]
		delete(sub.s.subs, sub.ID)
		sub.s.subMu.Unlock()
		if ok {
			close(ch)
		}
	})
}
