package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soildesigngroup/cm5-maker-desk/internal/device"
	"github.com/soildesigngroup/cm5-maker-desk/internal/hmierr"
)

type stubDriver struct {
	*device.Base
}

func newStub(id string) (device.Descriptor, *stubDriver) {
	desc := device.Descriptor{ID: id, Type: "stub", Category: "stub", Capabilities: device.Caps(device.Readable), Address: 0x10}
	return desc, &stubDriver{Base: device.NewBase(desc, nil, 0)}
}

func (s *stubDriver) ReadStatus(ctx context.Context) (device.Data, error) {
	return device.Data{}, nil
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	desc, drv := newStub("adc")
	require.NoError(t, r.Register(desc, drv))

	got, err := r.Lookup("adc")
	require.NoError(t, err)
	assert.Same(t, drv, got)

	err = r.Register(desc, drv)
	assert.Equal(t, hmierr.DuplicateDeviceID, hmierr.KindOf(err))

	_, err = r.Lookup("missing")
	assert.Equal(t, hmierr.UnknownDevice, hmierr.KindOf(err))
	assert.Contains(t, err.Error(), "missing")
}

func TestListIsSortedSnapshot(t *testing.T) {
	r := New()
	for _, id := range []string{"rtc", "adc", "fan"} {
		desc, drv := newStub(id)
		require.NoError(t, r.Register(desc, drv))
	}

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "adc", list[0].Descriptor.ID)
	assert.Equal(t, "fan", list[1].Descriptor.ID)
	assert.Equal(t, "rtc", list[2].Descriptor.ID)
	assert.Equal(t, []string{"read_status"}, list[0].Actions)

	r.UpdateState("adc", nil)
	assert.False(t, list[0].State.Connected, "snapshot must not change after the fact")
	assert.Equal(t, []string{"adc", "fan", "rtc"}, r.IDs())
}

func TestUpdateStateByErrorClass(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewWithClock(func() time.Time { return now })
	desc, drv := newStub("fan")
	require.NoError(t, r.Register(desc, drv))

	r.UpdateState("fan", nil)
	st, err := r.State("fan")
	require.NoError(t, err)
	assert.True(t, st.Connected)
	assert.Empty(t, st.LastError)
	assert.Equal(t, now, st.LastUpdate)

	now = now.Add(time.Second)
	r.UpdateState("fan", hmierr.New(hmierr.BusTimeout, "no response"))
	st, _ = r.State("fan")
	assert.False(t, st.Connected)
	assert.Contains(t, st.LastError, "timeout")
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Equal(t, now, st.LastUpdate)

	r.UpdateState("fan", nil)
	r.UpdateState("fan", errors.New("odd"))
	st, _ = r.State("fan")
	assert.True(t, st.Connected, "non-bus errors leave the connected flag alone")
	assert.Equal(t, "odd", st.LastError)

	// unknown ids are ignored
	r.UpdateState("ghost", nil)
}

func TestReporterIsBoundAtRegistration(t *testing.T) {
	r := New()
	desc, drv := newStub("io")
	require.NoError(t, r.Register(desc, drv))

	drv.Report(hmierr.New(hmierr.BusIOError, "nack"))
	st, _ := r.State("io")
	assert.False(t, st.Connected)
	assert.Contains(t, st.LastError, "nack")

	drv.Report(nil)
	st, _ = r.State("io")
	assert.True(t, st.Connected)
}

func TestTransitionsFireOnChangeOnly(t *testing.T) {
	r := New()
	desc, drv := newStub("rtc")
	require.NoError(t, r.Register(desc, drv))

	var got []Transition
	r.OnTransition(func(tr Transition) { got = append(got, tr) })

	r.UpdateState("rtc", nil)
	r.UpdateState("rtc", nil)
	r.UpdateState("rtc", hmierr.New(hmierr.BusTimeout, "x"))
	r.UpdateState("rtc", hmierr.New(hmierr.BusTimeout, "x"))

	require.Len(t, got, 2)
	assert.True(t, got[0].Connected)
	assert.False(t, got[1].Connected)
}

func TestStateUpdatesDoNotShareALock(t *testing.T) {
	r := New()
	for _, id := range []string{"a", "b"} {
		desc, drv := newStub(id)
		require.NoError(t, r.Register(desc, drv))
	}

	r.mu.RLock()
	a := r.entries["a"]
	r.mu.RUnlock()

	a.mu.Lock()
	done := make(chan struct{})
	go func() {
		r.UpdateState("b", nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("update of b blocked on a's lock")
	}
	a.mu.Unlock()
}

func TestConcurrentUpdates(t *testing.T) {
	r := New()
	ids := make([]string, 8)
	for i := range ids {
		ids[i] = fmt.Sprintf("dev%d", i)
		desc, drv := newStub(ids[i])
		require.NoError(t, r.Register(desc, drv))
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for j := 0; j < 50; j++ {
			wg.Add(1)
			go func(id string, fail bool) {
				defer wg.Done()
				if fail {
					r.UpdateState(id, hmierr.New(hmierr.BusIOError, "x"))
				} else {
					r.UpdateState(id, nil)
				}
				_ = r.List()
			}(id, j%2 == 0)
		}
	}
	wg.Wait()
	assert.Len(t, r.List(), 8)
}
