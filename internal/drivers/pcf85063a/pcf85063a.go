// Package pcf85063a drives the NXP PCF85063A real-time clock. Time registers
// are BCD in 24 hour mode and the clock is kept in UTC.
package pcf85063a

import (
	"context"
	"time"

	"github.com/soildesigngroup/cm5-maker-desk/internal/device"
	"github.com/soildesigngroup/cm5-maker-desk/internal/hmierr"
)

const (
	Type     = "pcf85063a"
	Category = "rtc"

	regControl1 = 0x00
	regControl2 = 0x01
	regSeconds  = 0x04

	secondsOscStop = 0x80
	clkoutMask     = 0x07
)

// ClkoutHz is the CLKOUT frequency for each COF setting; 7 disables it.
var ClkoutHz = [8]int{32768, 16384, 8192, 4096, 2048, 1024, 1, 0}

func init() {
	device.RegisterBuilder(Type, func(spec device.Spec) (device.Instance, error) {
		return New(spec), nil
	})
}

type Driver struct {
	*device.Base
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

	d.Handle("read_datetime", device.Readable, func(ctx context.Context, _ device.Params) (device.Result, error) {
		data, err := d.readDatetime(ctx)
		return device.Result{Data: data}, err
	})
	d.Handle("get_status", device.Readable, func(ctx context.Context, _ device.Params) (device.Result, error) {
		data, err := d.status(ctx)
		return device.Result{Data: data}, err
	})
	d.Handle("set_datetime", device.Writable, d.setDatetime)
	d.Handle("set_clkout", device.Configurable, d.setClkout)
	return d
}

func bcd(b byte) int { return int(b>>4)*10 + int(b&0x0F) }

func toBCD(n int) byte { return byte(n/10)<<4 | byte(n%10) }

// decode turns the seven time registers into a time. ok is false when the
// registers do not hold a valid date.
func decode(r []byte) (t time.Time, oscStopped bool, ok bool) {
	sec := bcd(r[0] & 0x7F)
	min := bcd(r[1] & 0x7F)
	hour := bcd(r[2] & 0x3F)
	day := bcd(r[3] & 0x3F)
	month := bcd(r[5] & 0x1F)
	year := 2000 + bcd(r[6])

	oscStopped = r[0]&secondsOscStop != 0
	if sec > 59 || min > 59 || hour > 23 || day < 1 || day > 31 || month < 1 || month > 12 {
		return time.Time{}, oscStopped, false
	}
	t = time.Date(year, time.Month(month), day, hour, min, sec, 0, time.UTC)
	// reject dates that normalised into another month, e.g. 31 February
	if t.Day() != day {
		return time.Time{}, oscStopped, false
	}
	return t, oscStopped, true
}

func encode(t time.Time) []byte {
	t = t.UTC()
	return []byte{
		toBCD(t.Second()),
		toBCD(t.Minute()),
		toBCD(t.Hour()),
		toBCD(t.Day()),
		byte(t.Weekday()),
		toBCD(int(t.Month())),
		toBCD(t.Year() - 2000),
	}
}

func (d *Driver) readDatetime(ctx context.Context) (device.Data, error) {
	r, err := d.ReadRegs(ctx, regSeconds, 7)
	if err != nil {
		return nil, err
	}
	t, osc, ok := decode(r)
	data := device.Data{
		"valid":              ok,
		"oscillator_stopped": osc,
	}
	if ok {
		data["datetime"] = t.Format(time.RFC3339)
		data["unix"] = t.Unix()
		data["weekday"] = t.Weekday().String()
	}
	return data, nil
}

func parseDatetime(s string) (time.Time, error) {
	layouts := []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, hmierr.New(hmierr.InvalidParams, "datetime must be ISO 8601, got '%s'", s)
}

func (d *Driver) setDatetime(ctx context.Context, p device.Params) (device.Result, error) {
	s, err := p.String("datetime")
	if err != nil {
		return device.Result{}, err
	}
	t, err := parseDatetime(s)
	if err != nil {
		return device.Result{}, err
	}
	t = t.UTC()
	if t.Year() < 2000 || t.Year() > 2099 {
		return device.Result{}, device.OutOfRange("year", 2000, 2099, t.Year())
	}
	if err := d.WriteReg(ctx, regSeconds, encode(t)...); err != nil {
		return device.Result{}, err
	}
	return device.Result{Data: device.Data{"datetime": t.Truncate(time.Second).Format(time.RFC3339)}}, nil
}

func (d *Driver) setClkout(ctx context.Context, p device.Params) (device.Result, error) {
	f, err := p.Int("frequency", 0, 7)
	if err != nil {
		return device.Result{}, err
	}
	if err := d.UpdateReg(ctx, regControl2, clkoutMask, byte(f)); err != nil {
		return device.Result{}, err
	}
	return device.Result{Data: device.Data{"frequency": f, "frequency_hz": ClkoutHz[f]}}, nil
}

func (d *Driver) status(ctx context.Context) (device.Data, error) {
	data, err := d.readDatetime(ctx)
	if err != nil {
		return nil, err
	}
	c2, err := d.ReadReg(ctx, regControl2)
	if err != nil {
		return nil, err
	}
	cof := int(c2 & clkoutMask)
	data["clkout"] = cof
	data["clkout_hz"] = ClkoutHz[cof]
	return data, nil
}

func (d *Driver) ReadStatus(ctx context.Context) (device.Data, error) {
	return d.Status(ctx, d.status)
}

// Probe reads Control_1.
func (d *Driver) Probe(ctx context.Context) error {
	_, err := d.ReadReg(ctx, regControl1)
	return err
}
