package audio

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soildesigngroup/cm5-maker-desk/internal/amixer"
	"github.com/soildesigngroup/cm5-maker-desk/internal/device"
	"github.com/soildesigngroup/cm5-maker-desk/internal/hmierr"
)

type fakeMixer struct {
	volume int
	muted  bool
	err    error
}

func (f *fakeMixer) run(ctx context.Context, args ...string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	switch args[2] {
	case "sset":
		switch v := args[4]; v {
		case "mute":
			f.muted = true
		case "unmute":
			f.muted = false
		default:
			fmt.Sscanf(v, "%d%%", &f.volume)
		}
		return nil, nil
	}
	sw := "on"
	if f.muted {
		sw = "off"
	}
	return []byte(fmt.Sprintf("  Mono: Playback 10 [%d%%] [-5.00dB] [%s]\n", f.volume, sw)), nil
}

func newTestDriver(f *fakeMixer) *Driver {
	m := amixer.New(0, "Master")
	m.Run = f.run
	return New(device.Spec{ID: "audio"}, m)
}

func TestVolumeAndMute(t *testing.T) {
	f := &fakeMixer{volume: 30}
	d := newTestDriver(f)
	ctx := context.Background()

	res, err := d.Execute(ctx, "set_volume", device.Params{"volume": float64(80)})
	require.NoError(t, err)
	assert.Equal(t, 80, res.Data["volume"])

	_, err = d.Execute(ctx, "set_mute", device.Params{"muted": true})
	require.NoError(t, err)

	data, err := d.ReadStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 80, data["volume"])
	assert.Equal(t, true, data["muted"])
}

func TestVolumeRange(t *testing.T) {
	d := newTestDriver(&fakeMixer{})
	_, err := d.Execute(context.Background(), "set_volume", device.Params{"volume": float64(101)})
	assert.Equal(t, hmierr.InvalidParams, hmierr.KindOf(err))
}

func TestMissingToolIsBusUnavailable(t *testing.T) {
	d := newTestDriver(&fakeMixer{err: &exec.Error{Name: "amixer", Err: exec.ErrNotFound}})
	var reported []error
	d.SetReporter(func(err error) { reported = append(reported, err) })

	_, err := d.ReadStatus(context.Background())
	assert.Equal(t, hmierr.BusUnavailable, hmierr.KindOf(err))
	require.Len(t, reported, 1)
	assert.Error(t, reported[0])
}

func TestToolFailureIsIOError(t *testing.T) {
	d := newTestDriver(&fakeMixer{err: errors.New("exit status 1")})
	_, err := d.Execute(context.Background(), "get_volume", nil)
	assert.Equal(t, hmierr.BusIOError, hmierr.KindOf(err))
	assert.Contains(t, err.Error(), "audio")
}
