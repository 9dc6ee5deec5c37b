// Package audio exposes the board's audio codec output level as a device.
// The codec is reached through ALSA rather than the shared I2C bus.
package audio

import (
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/soildesigngroup/cm5-maker-desk/internal/amixer"
	"github.com/soildesigngroup/cm5-maker-desk/internal/device"
	"github.com/soildesigngroup/cm5-maker-desk/internal/hmierr"
)

const (
	Type     = "amixer"
	Category = "audio"

	DefaultTimeout = 2 * time.Second
)

func init() {
	device.RegisterBuilder(Type, func(spec device.Spec) (device.Instance, error) {
		p := device.Params(spec.Params)
		card, err := p.IntOr("card", 0, 0, 31)
		if err != nil {
			return nil, err
		}
		control, err := p.StringOr("control", "Master")
		if err != nil {
			return nil, err
		}
		return New(spec, amixer.New(card, control)), nil
	})
}

type Driver struct {
	*device.Base
	mixer   *amixer.Mixer
	timeout time.Duration
}

func New(spec device.Spec, m *amixer.Mixer) *Driver {
	d := &Driver{mixer: m, timeout: DefaultTimeout}
	d.Base = device.NewBase(device.Descriptor{
		ID:           spec.ID,
		Type:         Type,
		Category:     Category,
		Capabilities: device.Caps(device.Readable, device.Writable),
		Bus:          -1,
		Address:      uint16(m.Card),
	}, nil, 0)

	d.Handle("get_volume", device.Readable, func(ctx context.Context, _ device.Params) (device.Result, error) {
		data, err := d.status(ctx)
		return device.Result{Data: data}, err
	})
	d.Handle("get_status", device.Readable, func(ctx context.Context, _ device.Params) (device.Result, error) {
		data, err := d.status(ctx)
		return device.Result{Data: data}, err
	})
	d.Handle("set_volume", device.Writable, d.setVolume)
	d.Handle("set_mute", device.Writable, d.setMute)
	return d
}

// classify maps mixer failures onto the bus error kinds and reports the
// outcome.
func (d *Driver) classify(ctx context.Context, err error) error {
	switch {
	case err == nil:
	case errors.Is(err, exec.ErrNotFound):
		err = hmierr.Wrap(hmierr.BusUnavailable, err, "amixer not installed")
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		err = hmierr.Wrap(hmierr.BusTimeout, err, "amixer did not finish within %s", d.timeout)
	default:
		err = hmierr.Wrap(hmierr.BusIOError, err, "card %d", d.mixer.Card)
	}
	d.Report(err)
	return err
}

func (d *Driver) status(ctx context.Context) (device.Data, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	c, err := d.mixer.Get(ctx)
	if err = d.classify(ctx, err); err != nil {
		return nil, err
	}
	return device.Data{
		"card":    d.mixer.Card,
		"control": d.mixer.Control,
		"volume":  c.Volume,
		"muted":   c.Muted,
	}, nil
}

func (d *Driver) setVolume(ctx context.Context, p device.Params) (device.Result, error) {
	v, err := p.Int("volume", 0, 100)
	if err != nil {
		return device.Result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.classify(ctx, d.mixer.SetVolume(ctx, v)); err != nil {
		return device.Result{}, err
	}
	return device.Result{Data: device.Data{"volume": v}}, nil
}

func (d *Driver) setMute(ctx context.Context, p device.Params) (device.Result, error) {
	muted, err := p.Bool("muted")
	if err != nil {
		return device.Result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.classify(ctx, d.mixer.SetMute(ctx, muted)); err != nil {
		return device.Result{}, err
	}
	return device.Result{Data: device.Data{"muted": muted}}, nil
}

func (d *Driver) ReadStatus(ctx context.Context) (device.Data, error) {
	return d.Status(ctx, d.status)
}

func (d *Driver) Probe(ctx context.Context) error {
	_, err := d.status(ctx)
	return err
}
