// Package gpio exposes the header GPIO lines through the pinctrl tool.
package gpio

import (
	"context"
	"errors"
	"os/exec"
	"sort"
	"time"

	"github.com/soildesigngroup/cm5-maker-desk/internal/device"
	"github.com/soildesigngroup/cm5-maker-desk/internal/hmierr"
	"github.com/soildesigngroup/cm5-maker-desk/internal/pinctrl"
)

const (
	Type     = "pinctrl"
	Category = "gpio"

	MaxPin         = 53
	DefaultTimeout = 2 * time.Second
)

func init() {
	device.RegisterBuilder(Type, func(spec device.Spec) (device.Instance, error) {
		pins, err := pinsParam(device.Params(spec.Params))
		if err != nil {
			return nil, err
		}
		return New(spec, pinctrl.New(), pins), nil
	})
}

func pinsParam(p device.Params) ([]int, error) {
	v, ok := p["pins"]
	if !ok || v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, hmierr.New(hmierr.InvalidParams, "pins must be a list of pin numbers")
	}
	out := make([]int, 0, len(list))
	for i := range list {
		n, err := device.Params{"pins": list[i]}.Int("pins", 0, MaxPin)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

type Driver struct {
	*device.Base
	tool    *pinctrl.Tool
	allowed map[int]bool
	timeout time.Duration
}

// New builds a driver limited to pins. An empty list allows every line.
func New(spec device.Spec, tool *pinctrl.Tool, pins []int) *Driver {
	d := &Driver{tool: tool, timeout: DefaultTimeout}
	if len(pins) > 0 {
		d.allowed = make(map[int]bool, len(pins))
		for _, p := range pins {
			d.allowed[p] = true
		}
	}
	d.Base = device.NewBase(device.Descriptor{
		ID:           spec.ID,
		Type:         Type,
		Category:     Category,
		Capabilities: device.Caps(device.Readable, device.Writable, device.Configurable),
		Bus:          -1,
	}, nil, 0)

	d.Handle("read_pin", device.Readable, d.readPin)
	d.Handle("read_all_pins", device.Readable, func(ctx context.Context, _ device.Params) (device.Result, error) {
		data, err := d.readAll(ctx)
		return device.Result{Data: data}, err
	})
	d.Handle("write_pin", device.Writable, d.writePin)
	d.Handle("configure_pin", device.Configurable, d.configurePin)
	return d
}

func (d *Driver) pin(p device.Params) (int, error) {
	n, err := p.Int("pin", 0, MaxPin)
	if err != nil {
		return 0, err
	}
	if d.allowed != nil && !d.allowed[n] {
		return 0, hmierr.New(hmierr.InvalidParams, "pin %d is not exposed by this device", n)
	}
	return n, nil
}

func (d *Driver) classify(ctx context.Context, err error) error {
	switch {
	case err == nil:
	case errors.Is(err, exec.ErrNotFound):
		err = hmierr.Wrap(hmierr.BusUnavailable, err, "pinctrl not installed")
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		err = hmierr.Wrap(hmierr.BusTimeout, err, "pinctrl did not finish within %s", d.timeout)
	default:
		err = hmierr.Wrap(hmierr.BusIOError, err, "pinctrl")
	}
	d.Report(err)
	return err
}

func pinData(ps pinctrl.PinState) device.Data {
	dir := "input"
	if ps.Mode == "op" {
		dir = "output"
	} else if ps.Mode != "ip" {
		dir = ps.Mode
	}
	return device.Data{
		"pin":       ps.Pin,
		"direction": dir,
		"pull":      ps.Pull,
		"state":     ps.Level == "hi",
	}
}

func (d *Driver) readPin(ctx context.Context, p device.Params) (device.Result, error) {
	n, err := d.pin(p)
	if err != nil {
		return device.Result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	ps, err := d.tool.ReadPin(ctx, n)
	if err = d.classify(ctx, err); err != nil {
		return device.Result{}, err
	}
	return device.Result{Data: pinData(*ps)}, nil
}

func (d *Driver) readAll(ctx context.Context) (device.Data, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	all, err := d.tool.ReadAllPins(ctx)
	if err = d.classify(ctx, err); err != nil {
		return nil, err
	}
	nums := make([]int, 0, len(all))
	for n := range all {
		if d.allowed == nil || d.allowed[n] {
			nums = append(nums, n)
		}
	}
	sort.Ints(nums)
	pins := make([]device.Data, 0, len(nums))
	for _, n := range nums {
		pins = append(pins, pinData(all[n]))
	}
	return device.Data{"pins": pins, "count": len(pins)}, nil
}

func (d *Driver) writePin(ctx context.Context, p device.Params) (device.Result, error) {
	n, err := d.pin(p)
	if err != nil {
		return device.Result{}, err
	}
	state, err := p.Bool("state")
	if err != nil {
		return device.Result{}, err
	}
	drive := "dl"
	if state {
		drive = "dh"
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.classify(ctx, d.tool.SetPin(ctx, n, "op", drive)); err != nil {
		return device.Result{}, err
	}
	return device.Result{Data: device.Data{"pin": n, "state": state}}, nil
}

var pulls = map[string]string{"up": "pu", "down": "pd", "none": "pn"}

func (d *Driver) configurePin(ctx context.Context, p device.Params) (device.Result, error) {
	n, err := d.pin(p)
	if err != nil {
		return device.Result{}, err
	}
	dir, err := p.String("direction")
	if err != nil {
		return device.Result{}, err
	}
	var mode string
	switch dir {
	case "input":
		mode = "ip"
	case "output":
		mode = "op"
	default:
		return device.Result{}, hmierr.New(hmierr.InvalidParams, "direction must be 'input' or 'output', got '%s'", dir)
	}
	pull, err := p.StringOr("pull", "none")
	if err != nil {
		return device.Result{}, err
	}
	flag, ok := pulls[pull]
	if !ok {
		return device.Result{}, hmierr.New(hmierr.InvalidParams, "pull must be 'up', 'down' or 'none', got '%s'", pull)
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.classify(ctx, d.tool.SetPin(ctx, n, mode, flag)); err != nil {
		return device.Result{}, err
	}
	return device.Result{Data: device.Data{"pin": n, "direction": dir, "pull": pull}}, nil
}

func (d *Driver) ReadStatus(ctx context.Context) (device.Data, error) {
	return d.Status(ctx, d.readAll)
}

func (d *Driver) Probe(ctx context.Context) error {
	_, err := d.readAll(ctx)
	return err
}
