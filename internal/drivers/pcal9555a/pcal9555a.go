// Package pcal9555a drives the NXP PCAL9555A 16-bit I/O expander.
package pcal9555a

import (
	"context"
	"fmt"
	"strings"

	"github.com/soildesigngroup/cm5-maker-desk/internal/device"
	"github.com/soildesigngroup/cm5-maker-desk/internal/hmierr"
)

const (
	Type     = "pcal9555a"
	Category = "io"
	Pins     = 16

	regInput0    = 0x00
	regOutput0   = 0x02
	regPolarity0 = 0x04
	regConfig0   = 0x06
	regPullEn0   = 0x46
	regPullSel0  = 0x48
)

const (
	DirInput  = "input"
	DirOutput = "output"
)

func init() {
	device.RegisterBuilder(Type, func(spec device.Spec) (device.Instance, error) {
		return New(spec), nil
	})
}

// pinConfig is the last-known configuration of one pin. Directions are
// learnt from the chip on probe and kept current by configure_pin/reset.
type pinConfig struct {
	Direction string
	Pullup    bool
	Known     bool
}

type Driver struct {
	*device.Base
	pins [Pins]pinConfig
}

func New(spec device.Spec) *Driver {
	d := &Driver{}
	d.Base = device.NewBase(device.Descriptor{
		ID:           spec.ID,
		Type:         Type,
		Category:     Category,
		Capabilities: device.Caps(device.Readable, device.Writable, device.Configurable),
		Bus:          spec.Bus,
		Address:      spec.Address,
	}, spec.Transactor, spec.Timeout)

	d.Handle("read_pin", device.Readable, d.readPin)
	d.Handle("read_all_pins", device.Readable, d.readAllPins)
	d.Handle("get_status", device.Readable, func(ctx context.Context, _ device.Params) (device.Result, error) {
		data, err := d.status(ctx)
		return device.Result{Data: data}, err
	})
	d.Handle("write_pin", device.Writable, d.writePin)
	d.Handle("configure_pin", device.Configurable, d.configurePin)
	d.Handle("reset", device.Configurable, d.reset)
	return d
}

func split(pin int) (port byte, mask byte) {
	return byte(pin / 8), 1 << (pin % 8)
}

func (d *Driver) readPair(ctx context.Context, reg byte) (uint16, error) {
	r, err := d.ReadRegs(ctx, reg, 2)
	if err != nil {
		return 0, err
	}
	return uint16(r[0]) | uint16(r[1])<<8, nil
}

// refresh re-reads direction and pull registers into the cache.
func (d *Driver) refresh(ctx context.Context) error {
	cfg, err := d.readPair(ctx, regConfig0)
	if err != nil {
		return err
	}
	en, err := d.readPair(ctx, regPullEn0)
	if err != nil {
		return err
	}
	sel, err := d.readPair(ctx, regPullSel0)
	if err != nil {
		return err
	}
	for pin := 0; pin < Pins; pin++ {
		bit := uint16(1) << pin
		dir := DirOutput
		if cfg&bit != 0 {
			dir = DirInput
		}
		d.pins[pin] = pinConfig{
			Direction: dir,
			Pullup:    en&bit != 0 && sel&bit != 0,
			Known:     true,
		}
	}
	return nil
}

func (d *Driver) info(pin int) device.Data {
	pc := d.pins[pin]
	if !pc.Known {
		return device.Data{"direction": "unknown"}
	}
	return device.Data{"direction": pc.Direction, "pullup": pc.Pullup}
}

func (d *Driver) readPin(ctx context.Context, p device.Params) (device.Result, error) {
	pin, err := p.Int("pin", 0, Pins-1)
	if err != nil {
		return device.Result{}, err
	}
	port, mask := split(pin)
	v, err := d.ReadReg(ctx, regInput0+port)
	if err != nil {
		return device.Result{}, err
	}
	return device.Result{Data: device.Data{
		"pin":   pin,
		"state": v&mask != 0,
		"info":  d.info(pin),
	}}, nil
}

func (d *Driver) allPins(ctx context.Context) (device.Data, error) {
	in, err := d.readPair(ctx, regInput0)
	if err != nil {
		return nil, err
	}
	pins := make([]device.Data, Pins)
	for pin := 0; pin < Pins; pin++ {
		pins[pin] = device.Data{
			"pin":   pin,
			"state": in&(1<<pin) != 0,
			"info":  d.info(pin),
		}
	}
	return device.Data{"pins": pins, "input_port": in}, nil
}

func (d *Driver) readAllPins(ctx context.Context, _ device.Params) (device.Result, error) {
	data, err := d.allPins(ctx)
	return device.Result{Data: data}, err
}

func (d *Driver) writePin(ctx context.Context, p device.Params) (device.Result, error) {
	pin, err := p.Int("pin", 0, Pins-1)
	if err != nil {
		return device.Result{}, err
	}
	state, err := p.Bool("state")
	if err != nil {
		return device.Result{}, err
	}

	port, mask := split(pin)
	var val byte
	if state {
		val = mask
	}
	if err := d.UpdateReg(ctx, regOutput0+port, mask, val); err != nil {
		return device.Result{}, err
	}

	res := device.Result{Data: device.Data{"pin": pin, "state": state}}
	if pc := d.pins[pin]; pc.Known && pc.Direction == DirInput {
		res.Warnings = append(res.Warnings, fmt.Sprintf("pin %d is configured as input; output latch updated but not driven", pin))
	}
	return res, nil
}

func (d *Driver) configurePin(ctx context.Context, p device.Params) (device.Result, error) {
	pin, err := p.Int("pin", 0, Pins-1)
	if err != nil {
		return device.Result{}, err
	}
	dir, err := p.StringOr("direction", DirInput)
	if err != nil {
		return device.Result{}, err
	}
	dir = strings.ToLower(dir)
	if dir != DirInput && dir != DirOutput {
		return device.Result{}, hmierr.New(hmierr.InvalidParams, "direction must be 'input' or 'output', got '%s'", dir)
	}
	pullup, err := p.BoolOr("pullup", true)
	if err != nil {
		return device.Result{}, err
	}

	port, mask := split(pin)
	var cfg, sel byte
	if dir == DirInput {
		cfg = mask
	}
	if pullup {
		sel = mask
	}
	if err := d.UpdateReg(ctx, regConfig0+port, mask, cfg); err != nil {
		return device.Result{}, err
	}
	// the direction is live from here on even if the pull writes fail
	prev := d.pins[pin]
	d.pins[pin] = pinConfig{Direction: dir, Pullup: prev.Pullup, Known: true}

	if err := d.UpdateReg(ctx, regPullSel0+port, mask, sel); err != nil {
		return device.Result{}, err
	}
	if err := d.UpdateReg(ctx, regPullEn0+port, mask, sel); err != nil {
		return device.Result{}, err
	}

	d.pins[pin] = pinConfig{Direction: dir, Pullup: pullup, Known: true}
	return device.Result{Data: device.Data{"pin": pin, "direction": dir, "pullup": pullup}}, nil
}

// reset restores power-on defaults: all inputs, outputs latched high, no
// inversion, pulls disabled.
func (d *Driver) reset(ctx context.Context, _ device.Params) (device.Result, error) {
	writes := []struct {
		reg byte
		val byte
	}{
		{regConfig0, 0xFF},
		{regOutput0, 0xFF},
		{regPolarity0, 0x00},
		{regPullEn0, 0x00},
	}
	for _, w := range writes {
		if err := d.WriteReg(ctx, w.reg, w.val, w.val); err != nil {
			return device.Result{}, err
		}
	}
	for pin := range d.pins {
		d.pins[pin] = pinConfig{Direction: DirInput, Known: true}
	}
	return device.Result{Data: device.Data{"reset": true}}, nil
}

func (d *Driver) status(ctx context.Context) (device.Data, error) {
	if err := d.refresh(ctx); err != nil {
		return nil, err
	}
	data, err := d.allPins(ctx)
	if err != nil {
		return nil, err
	}
	out, err := d.readPair(ctx, regOutput0)
	if err != nil {
		return nil, err
	}
	data["output_port"] = out
	return data, nil
}

func (d *Driver) ReadStatus(ctx context.Context) (device.Data, error) {
	return d.Status(ctx, d.status)
}

// Probe loads the current pin configuration from the chip.
func (d *Driver) Probe(ctx context.Context) error {
	_, err := d.Status(ctx, func(ctx context.Context) (device.Data, error) {
		return nil, d.refresh(ctx)
	})
	return err
}
