package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soildesigngroup/cm5-maker-desk/internal/dispatch"
	"github.com/soildesigngroup/cm5-maker-desk/internal/hmierr"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	calls map[string]int

	// block, when set, holds polls of the named device until closed.
	block map[string]chan struct{}
	fail  map[string]bool
}

func newFake() *fakeDispatcher {
	return &fakeDispatcher{calls: map[string]int{}, block: map[string]chan struct{}{}, fail: map[string]bool{}}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req dispatch.Request) dispatch.Response {
	f.mu.Lock()
	f.calls[req.Device]++
	gate := f.block[req.Device]
	fail := f.fail[req.Device]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if fail {
		return dispatch.Response{Success: false, Error: "bus timeout", ErrorKind: hmierr.BusTimeout}
	}
	return dispatch.Response{Success: true, Data: map[string]any{"ok": true}}
}

func (f *fakeDispatcher) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeDispatcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func all() []string { return []string{"adc", "fan", "rtc"} }

func newScheduler(t *testing.T, f *fakeDispatcher, opts Options) (*Scheduler, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	opts.Clock = mock
	s := New(f, all, opts)
	t.Cleanup(s.Stop)
	return s, mock
}

func tick(t *testing.T, mock *clock.Mock, d time.Duration, until func() bool) {
	t.Helper()
	mock.Add(d)
	require.Eventually(t, until, time.Second, time.Millisecond)
}

func TestNoPollBeforeFirstInterval(t *testing.T) {
	f := newFake()
	s, mock := newScheduler(t, f, Options{})
	require.NoError(t, s.Start(time.Second, nil))

	mock.Add(999 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, f.total())

	tick(t, mock, time.Millisecond, func() bool { return f.total() == 3 })
}

func TestStartRejectsNonPositiveInterval(t *testing.T) {
	s, _ := newScheduler(t, newFake(), Options{})
	err := s.Start(0, nil)
	assert.ErrorIs(t, err, hmierr.InvalidParams)
	assert.False(t, s.State().Active)
}

func TestPollsOnlyTargetDevices(t *testing.T) {
	f := newFake()
	s, mock := newScheduler(t, f, Options{})
	sub := s.Subscribe()
	defer sub.Close()

	require.NoError(t, s.Start(time.Second, []string{"fan"}))
	for i := 1; i <= 3; i++ {
		want := i
		tick(t, mock, time.Second, func() bool { return f.count("fan") == want })
	}
	mock.Add(500 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	var frames []dispatch.Response
	for len(sub.C) > 0 {
		frames = append(frames, <-sub.C)
	}
	require.Len(t, frames, 3)
	for _, fr := range frames {
		assert.Equal(t, "fan", fr.Device)
	}
	assert.Equal(t, 3, f.total())
}

func TestRestartReplacesIntervalAndTargets(t *testing.T) {
	f := newFake()
	s, mock := newScheduler(t, f, Options{})

	require.NoError(t, s.Start(time.Second, []string{"adc"}))
	tick(t, mock, time.Second, func() bool { return f.count("adc") == 1 })

	require.NoError(t, s.Start(5*time.Second, []string{"fan"}))
	st := s.State()
	assert.True(t, st.Active)
	assert.Equal(t, 5*time.Second, st.Interval)
	assert.Equal(t, []string{"fan"}, st.Devices)

	for i := 0; i < 4; i++ {
		mock.Add(time.Second)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.count("adc"))
	assert.Zero(t, f.count("fan"))

	tick(t, mock, time.Second, func() bool { return f.count("fan") == 1 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.count("adc"))
	assert.Equal(t, 1, f.count("fan"), "only one ticker is running")
}

func TestStopPreventsFurtherPolls(t *testing.T) {
	f := newFake()
	s, mock := newScheduler(t, f, Options{})

	require.NoError(t, s.Start(time.Second, []string{"fan"}))
	tick(t, mock, time.Second, func() bool { return f.count("fan") == 1 })

	s.Stop()
	assert.False(t, s.State().Active)
	mock.Add(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.count("fan"))

	s.Stop()
}

func TestStopWaitsForInFlightPoll(t *testing.T) {
	f := newFake()
	gate := make(chan struct{})
	f.block["fan"] = gate
	s, mock := newScheduler(t, f, Options{StopTimeout: 5 * time.Second})

	require.NoError(t, s.Start(time.Second, []string{"fan"}))
	tick(t, mock, time.Second, func() bool { return f.count("fan") == 1 })

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a poll was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the poll finished")
	}
	assert.Len(t, s.Recent(0), 1, "the in-flight poll still publishes")
}

func TestStopGivesUpAfterTimeout(t *testing.T) {
	f := newFake()
	gate := make(chan struct{})
	defer close(gate)
	f.block["fan"] = gate
	s, mock := newScheduler(t, f, Options{StopTimeout: 30 * time.Millisecond})

	require.NoError(t, s.Start(time.Second, []string{"fan"}))
	tick(t, mock, time.Second, func() bool { return f.count("fan") == 1 })

	start := time.Now()
	s.Stop()
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, s.State().Active)
}

func TestFailingAndSlowDevicesDoNotBlockOthers(t *testing.T) {
	f := newFake()
	gate := make(chan struct{})
	f.block["rtc"] = gate
	f.fail["adc"] = true
	s, mock := newScheduler(t, f, Options{Concurrency: 3})
	sub := s.Subscribe()
	defer sub.Close()

	require.NoError(t, s.Start(time.Second, nil))
	mock.Add(time.Second)

	got := map[string]dispatch.Response{}
	for len(got) < 2 {
		select {
		case fr := <-sub.C:
			got[fr.Device] = fr
		case <-time.After(time.Second):
			t.Fatal("frames for healthy devices did not arrive while rtc was stuck")
		}
	}
	assert.False(t, got["adc"].Success)
	assert.True(t, got["fan"].Success)
	assert.NotContains(t, got, "rtc")

	close(gate)
	select {
	case fr := <-sub.C:
		assert.Equal(t, "rtc", fr.Device)
	case <-time.After(time.Second):
		t.Fatal("rtc frame never arrived")
	}

	require.Eventually(t, func() bool { return s.Stats().Cycles == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, Stats{Cycles: 1, Polls: 3, Failed: 1}, s.Stats())
}

func TestFullSubscriberDropsInsteadOfBlocking(t *testing.T) {
	f := newFake()
	s, mock := newScheduler(t, f, Options{SubscriberBuffer: 1})
	sub := s.Subscribe()
	defer sub.Close()

	require.NoError(t, s.Start(time.Second, []string{"fan"}))
	tick(t, mock, time.Second, func() bool { return s.Buffered() == 1 })
	tick(t, mock, time.Second, func() bool { return s.Stats().Dropped == 1 })

	assert.Len(t, sub.C, 1)
	assert.Equal(t, 2, s.Buffered())
}

func TestRecentKeepsNewestFrames(t *testing.T) {
	f := newFake()
	s, mock := newScheduler(t, f, Options{BufferSize: 2})

	require.NoError(t, s.Start(time.Second, []string{"adc", "fan"}))
	tick(t, mock, time.Second, func() bool { return s.Stats().Cycles == 1 })
	tick(t, mock, time.Second, func() bool { return s.Stats().Cycles == 2 })

	assert.Equal(t, 2, s.Buffered())
	assert.Len(t, s.Recent(10), 2)
	assert.Len(t, s.Recent(1), 1)
	assert.Equal(t, 4, f.total())
}

func TestSubscriptionClose(t *testing.T) {
	s, _ := newScheduler(t, newFake(), Options{})
	sub := s.Subscribe()
	assert.NotEmpty(t, sub.ID)
	sub.Close()
	sub.Close()

	_, open := <-sub.C
	assert.False(t, open)
	s.publish(dispatch.Response{Device: "fan"})
}

func TestRingOrder(t *testing.T) {
	r := newRing(3)
	for _, id := range []string{"a", "b", "c", "d"} {
		r.push(dispatch.Response{Device: id})
	}
	var ids []string
	for _, f := range r.last(0) {
		ids = append(ids, f.Device)
	}
	assert.Equal(t, []string{"b", "c", "d"}, ids)
	assert.Equal(t, "d", r.last(1)[0].Device)
}
