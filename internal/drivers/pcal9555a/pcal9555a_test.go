package pcal9555a

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soildesigngroup/cm5-maker-desk/internal/bus"
	"github.com/soildesigngroup/cm5-maker-desk/internal/device"
	"github.com/soildesigngroup/cm5-maker-desk/internal/hmierr"
)

func newTestDriver(t *testing.T) (*Driver, *bus.Sim) {
	t.Helper()
	sim := bus.NewSim().Add(0x24)
	h := bus.NewHandle(10, sim.Opener(), bus.Options{})
	return New(device.Spec{ID: "io", Bus: 10, Address: 0x24, Transactor: h}), sim
}

func TestConfigurePinSetsRegisters(t *testing.T) {
	d, sim := newTestDriver(t)
	ctx := context.Background()

	res, err := d.Execute(ctx, "configure_pin", device.Params{"pin": float64(11), "direction": "input", "pullup": true})
	require.NoError(t, err)
	assert.Equal(t, "input", res.Data["direction"])

	assert.Equal(t, byte(0x08), sim.Get(0x24, regConfig0+1, 1)[0])
	assert.Equal(t, byte(0x08), sim.Get(0x24, regPullEn0+1, 1)[0])
	assert.Equal(t, byte(0x08), sim.Get(0x24, regPullSel0+1, 1)[0])

	_, err = d.Execute(ctx, "configure_pin", device.Params{"pin": float64(11), "direction": "output", "pullup": false})
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), sim.Get(0x24, regConfig0+1, 1)[0])
	assert.Equal(t, byte(0x00), sim.Get(0x24, regPullEn0+1, 1)[0])
}

func TestWritePinToInputWarns(t *testing.T) {
	d, sim := newTestDriver(t)
	ctx := context.Background()

	_, err := d.Execute(ctx, "configure_pin", device.Params{"pin": float64(3)})
	require.NoError(t, err)

	res, err := d.Execute(ctx, "write_pin", device.Params{"pin": float64(3), "state": true})
	require.NoError(t, err)
	assert.Len(t, res.Warnings, 1)
	assert.Equal(t, byte(0x08), sim.Get(0x24, regOutput0, 1)[0])

	_, err = d.Execute(ctx, "configure_pin", device.Params{"pin": float64(3), "direction": "output"})
	require.NoError(t, err)
	res, err = d.Execute(ctx, "write_pin", device.Params{"pin": float64(3), "state": false})
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, byte(0x00), sim.Get(0x24, regOutput0, 1)[0])
}

func TestReadPins(t *testing.T) {
	d, sim := newTestDriver(t)
	sim.Set(0x24, regInput0, 0x01, 0x02)
	ctx := context.Background()

	res, err := d.Execute(ctx, "read_pin", device.Params{"pin": float64(9)})
	require.NoError(t, err)
	assert.Equal(t, true, res.Data["state"])

	res, err = d.Execute(ctx, "read_all_pins", nil)
	require.NoError(t, err)
	pins := res.Data["pins"].([]device.Data)
	require.Len(t, pins, Pins)
	assert.Equal(t, true, pins[0]["state"])
	assert.Equal(t, false, pins[1]["state"])
	assert.Equal(t, true, pins[9]["state"])
	assert.Equal(t, uint16(0x0201), res.Data["input_port"])
}

func TestProbeLearnsDirections(t *testing.T) {
	d, sim := newTestDriver(t)
	sim.Set(0x24, regConfig0, 0xF0, 0x00)
	require.NoError(t, d.Probe(context.Background()))

	res, err := d.Execute(context.Background(), "read_pin", device.Params{"pin": float64(4)})
	require.NoError(t, err)
	assert.Equal(t, "input", res.Data["info"].(device.Data)["direction"])

	res, err = d.Execute(context.Background(), "read_pin", device.Params{"pin": float64(0)})
	require.NoError(t, err)
	assert.Equal(t, "output", res.Data["info"].(device.Data)["direction"])
}

func TestReset(t *testing.T) {
	d, sim := newTestDriver(t)
	_, err := d.Execute(context.Background(), "reset", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFF}, sim.Get(0x24, regConfig0, 2))
	assert.Equal(t, []byte{0xFF, 0xFF}, sim.Get(0x24, regOutput0, 2))
}

func TestValidation(t *testing.T) {
	d, sim := newTestDriver(t)
	sim.Fail(0x24, hmierr.New(hmierr.BusIOError, "must not be reached"))
	ctx := context.Background()

	cases := []struct {
		action string
		params device.Params
	}{
		{"read_pin", device.Params{"pin": float64(16)}},
		{"write_pin", device.Params{"pin": float64(1)}},
		{"write_pin", device.Params{"pin": 1.5, "state": true}},
		{"configure_pin", device.Params{"pin": float64(1), "direction": "sideways"}},
	}
	for _, tc := range cases {
		_, err := d.Execute(ctx, tc.action, tc.params)
		assert.Equal(t, hmierr.InvalidParams, hmierr.KindOf(err), "%s %v", tc.action, tc.params)
	}
}

func TestReadStatusReportsOutputs(t *testing.T) {
	d, sim := newTestDriver(t)
	sim.Set(0x24, regOutput0, 0xAA, 0x55)
	data, err := d.ReadStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint16(0x55AA), data["output_port"])
}

// pullFails refuses writes to the pull select registers.
type pullFails struct{ *bus.Sim }

func (c pullFails) Tx(addr uint16, w, r []byte) error {
	if len(w) >= 2 && (w[0] == regPullSel0 || w[0] == regPullSel0+1) {
		return errors.New("remote I/O error")
	}
	return c.Sim.Tx(addr, w, r)
}

func TestDirectionCachedWhenPullWriteFails(t *testing.T) {
	sim := bus.NewSim().Add(0x24)
	h := bus.NewHandle(10, func(int) (bus.Conn, error) { return pullFails{sim}, nil }, bus.Options{})
	d := New(device.Spec{ID: "io", Bus: 10, Address: 0x24, Transactor: h})
	ctx := context.Background()

	_, err := d.Execute(ctx, "configure_pin", device.Params{"pin": float64(3), "direction": "input"})
	require.Error(t, err)
	assert.Equal(t, hmierr.BusIOError, hmierr.KindOf(err))
	assert.Equal(t, byte(0x08), sim.Get(0x24, regConfig0, 1)[0])

	res, err := d.Execute(ctx, "write_pin", device.Params{"pin": float64(3), "state": true})
	require.NoError(t, err)
	assert.Len(t, res.Warnings, 1)
}
