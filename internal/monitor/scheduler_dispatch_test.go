package monitor_test

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soildesigngroup/cm5-maker-desk/internal/bus"
	"github.com/soildesigngroup/cm5-maker-desk/internal/device"
	"github.com/soildesigngroup/cm5-maker-desk/internal/dispatch"
	"github.com/soildesigngroup/cm5-maker-desk/internal/drivers/ads7828"
	"github.com/soildesigngroup/cm5-maker-desk/internal/drivers/emc2301"
	"github.com/soildesigngroup/cm5-maker-desk/internal/monitor"
	"github.com/soildesigngroup/cm5-maker-desk/internal/registry"
)

func TestStartMonitoringCommandPollsFanOnMockClock(t *testing.T) {
	mock := clock.NewMock()
	sim := bus.NewSim().Add(0x48).Add(0x2F)
	buses := bus.NewSet(sim.Opener(), []bus.Config{{ID: 10}})
	h, err := buses.Get(10)
	require.NoError(t, err)

	reg := registry.NewWithClock(mock.Now)
	adc := ads7828.New(device.Spec{ID: "adc", Bus: 10, Address: 0x48, Transactor: h}, 3.3)
	fan := emc2301.New(device.Spec{ID: "fan", Bus: 10, Address: 0x2F, Transactor: h})
	require.NoError(t, reg.Register(adc.Descriptor(), adc))
	require.NoError(t, reg.Register(fan.Descriptor(), fan))

	d := dispatch.New(reg, buses, dispatch.Options{Clock: mock})
	sched := monitor.New(d, reg.IDs, monitor.Options{Clock: mock})
	d.SetMonitor(sched)
	t.Cleanup(sched.Stop)

	sub := sched.Subscribe()
	defer sub.Close()

	resp := d.DispatchJSON(t.Context(), []byte(`{"action":"start_monitoring","params":{"interval":1,"devices":["fan"]}}`))
	require.True(t, resp.Success, resp.Error)

	var frames []dispatch.Response
	for i := 0; i < 3; i++ {
		mock.Add(time.Second)
		select {
		case f := <-sub.C:
			frames = append(frames, f)
		case <-time.After(time.Second):
			t.Fatalf("no frame after tick %d", i+1)
		}
	}
	mock.Add(500 * time.Millisecond)

	select {
	case f := <-sub.C:
		t.Fatalf("unexpected extra frame for %s", f.Device)
	case <-time.After(50 * time.Millisecond):
	}

	require.Len(t, frames, 3)
	for _, f := range frames {
		assert.Equal(t, "fan", f.Device)
		assert.True(t, f.Success, f.Error)
		assert.Contains(t, f.Data, "rpm")
	}

	status := d.Dispatch(t.Context(), dispatch.Request{Action: "get_system_status"})
	assert.Equal(t, true, status.Data["monitoring_active"])
	assert.Equal(t, []string{"fan"}, status.Data["monitoring_devices"])

	resp = d.Dispatch(t.Context(), dispatch.Request{Action: "stop_monitoring"})
	require.True(t, resp.Success)
	assert.False(t, sched.State().Active)
}
