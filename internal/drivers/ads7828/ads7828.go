// Package ads7828 drives the TI ADS7828 8-channel 12-bit ADC.
//
// Each conversion is one transaction: a command byte selecting the
// single-ended channel, then a two byte big-endian read whose low 12 bits are
// the result. Voltage is raw * vref / 4095, with vref held by the driver and
// changed through set_vref.
package ads7828

import (
	"context"
	"sync"

	"github.com/soildesigngroup/cm5-maker-desk/internal/device"
)

const (
	Type        = "ads7828"
	Category    = "adc"
	Channels    = 8
	FullScale   = 4095
	DefaultVref = 3.3
	MaxVref     = 5.5

	cmdSingleEnded = 0x80
	// internal reference off, converter on: vref comes from the board
	cmdPowerADCOn = 0x04
)

func init() {
	device.RegisterBuilder(Type, func(spec device.Spec) (device.Instance, error) {
		vref, err := device.Params(spec.Params).FloatOr("vref", DefaultVref)
		if err != nil {
			return nil, err
		}
		return New(spec, vref), nil
	})
}

type Driver struct {
	*device.Base

	vrefMu sync.Mutex
	vref   float64
}

func New(spec device.Spec, vref float64) *Driver {
	if vref <= 0 {
		vref = DefaultVref
	}
	d := &Driver{vref: vref}
	d.Base = device.NewBase(device.Descriptor{
		ID:           spec.ID,
		Type:         Type,
		Category:     Category,
		Capabilities: device.Caps(device.Readable, device.Configurable),
		Bus:          spec.Bus,
		Address:      spec.Address,
	}, spec.Transactor, spec.Timeout)

	d.Handle("read_channel", device.Readable, d.readChannel)
	d.Handle("read_all_channels", device.Readable, d.readAll)
	d.Handle("get_status", device.Readable, func(ctx context.Context, _ device.Params) (device.Result, error) {
		data, err := d.status(ctx)
		return device.Result{Data: data}, err
	})
	d.Handle("set_vref", device.Configurable, d.setVref)
	return d
}

// command builds the single-ended command byte. The channel select bits are
// ordered odd/even as in the datasheet table (CH0=000, CH1=100, CH2=001...).
func command(ch int) byte {
	sel := (ch >> 1) | ((ch & 1) << 2)
	return cmdSingleEnded | byte(sel<<4) | cmdPowerADCOn
}

// Voltage converts a raw 12-bit reading.
func Voltage(raw int, vref float64) float64 {
	return float64(raw) * vref / FullScale
}

func (d *Driver) Vref() float64 {
	d.vrefMu.Lock()
	defer d.vrefMu.Unlock()
	return d.vref
}

func (d *Driver) sample(ctx context.Context, ch int) (int, error) {
	r, err := d.Tx(ctx, []byte{command(ch)}, 2)
	if err != nil {
		return 0, err
	}
	return int(r[0]&0x0F)<<8 | int(r[1]), nil
}

func channelData(ch, raw int, vref float64) device.Data {
	return device.Data{
		"channel": ch,
		"raw":     raw,
		"voltage": Voltage(raw, vref),
	}
}

func (d *Driver) readChannel(ctx context.Context, p device.Params) (device.Result, error) {
	ch, err := p.Int("channel", 0, Channels-1)
	if err != nil {
		return device.Result{}, err
	}
	raw, err := d.sample(ctx, ch)
	if err != nil {
		return device.Result{}, err
	}
	vref := d.Vref()
	data := channelData(ch, raw, vref)
	data["vref"] = vref
	return device.Result{Data: data}, nil
}

func (d *Driver) readAllData(ctx context.Context) (device.Data, error) {
	vref := d.Vref()
	chans := make([]device.Data, 0, Channels)
	for ch := 0; ch < Channels; ch++ {
		raw, err := d.sample(ctx, ch)
		if err != nil {
			return nil, err
		}
		chans = append(chans, channelData(ch, raw, vref))
	}
	return device.Data{"channels": chans, "vref": vref}, nil
}

func (d *Driver) readAll(ctx context.Context, _ device.Params) (device.Result, error) {
	data, err := d.readAllData(ctx)
	return device.Result{Data: data}, err
}

func (d *Driver) setVref(_ context.Context, p device.Params) (device.Result, error) {
	v, err := p.Float("vref")
	if err != nil {
		return device.Result{}, err
	}
	if v <= 0 || v > MaxVref {
		return device.Result{}, device.OutOfRange("vref", 0, MaxVref, v)
	}

	d.vrefMu.Lock()
	prev := d.vref
	d.vref = v
	d.vrefMu.Unlock()

	return device.Result{Data: device.Data{"vref": v, "previous_vref": prev}}, nil
}

func (d *Driver) status(ctx context.Context) (device.Data, error) {
	data, err := d.readAllData(ctx)
	if err != nil {
		return nil, err
	}
	data["full_scale"] = FullScale
	return data, nil
}

func (d *Driver) ReadStatus(ctx context.Context) (device.Data, error) {
	return d.Status(ctx, d.status)
}

// Probe runs one conversion on channel 0.
func (d *Driver) Probe(ctx context.Context) error {
	_, err := d.sample(ctx, 0)
	return err
}

func (d *Driver) Settings() map[string]any {
	return map[string]any{"vref": d.Vref()}
}

func (d *Driver) ApplySettings(s map[string]any) error {
	if _, ok := s["vref"]; !ok {
		return nil
	}
	_, err := d.setVref(context.Background(), device.Params(s))
	return err
}
