// Package emc2301 drives the Microchip EMC2301 single fan controller.
//
// Duty cycle maps linearly onto the 8-bit FAN_SETTING register
// (0-100% -> 0-255). Speed comes from the 13-bit tach count:
// rpm = 3932160 * m / count, where m is the range multiplier from CONFIG1
// and the edge count is kept at 2*poles+1 so the pole count cancels out.
package emc2301

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/soildesigngroup/cm5-maker-desk/internal/device"
)

const (
	Type     = "emc2301"
	Category = "fan"

	ProductID = 0x37

	regStatus      = 0x24
	regSetting     = 0x30
	regConfig1     = 0x32
	regTachTarget  = 0x3C
	regTachReading = 0x3E
	regProductID   = 0xFD

	cfg1EnableAlgo = 0x80
	cfg1RangeMask  = 0x60
	cfg1EdgesMask  = 0x18

	statusStall      = 0x01
	statusSpinFail   = 0x02
	statusDriveFail  = 0x04
	tachMax          = 0x1FFF
	rpmConstant      = 3932160
	MaxRPM           = 65535
	minMeasurableRPM = 500

	DefaultSafeDuty = 50

	settingsTimeout = 2 * time.Second
)

func init() {
	device.RegisterBuilder(Type, func(spec device.Spec) (device.Instance, error) {
		p := device.Params(spec.Params)
		safe, err := p.IntOr("safe_duty", DefaultSafeDuty, 0, 100)
		if err != nil {
			return nil, err
		}
		poles, err := p.IntOr("poles", 2, 1, 4)
		if err != nil {
			return nil, err
		}
		d := New(spec)
		d.safeDuty = safe
		if poles != d.poles {
			d.poles = poles
			d.edgesPending = true
		}
		return d, nil
	})
}

type Driver struct {
	*device.Base

	mu         sync.Mutex
	poles      int
	rpmControl bool
	safeDuty   int
	// edgesPending is set while CONFIG1 does not yet hold the edge count for
	// poles.
	edgesPending bool
}

func New(spec device.Spec) *Driver {
	d := &Driver{poles: 2, safeDuty: DefaultSafeDuty}
	d.Base = device.NewBase(device.Descriptor{
		ID:           spec.ID,
		Type:         Type,
		Category:     Category,
		Capabilities: device.Caps(device.Readable, device.Writable, device.Configurable),
		Bus:          spec.Bus,
		Address:      spec.Address,
	}, spec.Transactor, spec.Timeout)

	d.Handle("read_rpm", device.Readable, d.readRPM)
	d.Handle("get_status", device.Readable, func(ctx context.Context, _ device.Params) (device.Result, error) {
		data, err := d.status(ctx)
		return device.Result{Data: data}, err
	})
	d.Handle("set_pwm", device.Writable, d.setPWM)
	d.Handle("set_rpm", device.Writable, d.setRPM)
	d.Handle("configure", device.Configurable, d.configure)
	return d
}

// DutyToSetting maps 0-100% onto the 8-bit drive setting.
func DutyToSetting(duty float64) byte {
	return byte(math.Round(duty * 255 / 100))
}

// SettingToDuty maps a drive setting back to percent, one decimal.
func SettingToDuty(v byte) float64 {
	return math.Round(float64(v)*1000/255) / 10
}

// RPMFromCount converts a tach count. Counts of zero or the maximum mean the
// fan is stopped.
func RPMFromCount(count int, mult int) int {
	if count <= 0 || count >= tachMax {
		return 0
	}
	return rpmConstant * mult / count
}

func countFromRPM(rpm, mult int) int {
	if rpm <= 0 {
		return tachMax
	}
	c := rpmConstant * mult / rpm
	if c < 1 {
		c = 1
	}
	if c > tachMax {
		c = tachMax
	}
	return c
}

func rangeMult(cfg1 byte) int {
	return 1 << ((cfg1 & cfg1RangeMask) >> 5)
}

func (d *Driver) tach(ctx context.Context) (count, mult int, err error) {
	cfg1, err := d.ReadReg(ctx, regConfig1)
	if err != nil {
		return 0, 0, err
	}
	r, err := d.ReadRegs(ctx, regTachReading, 2)
	if err != nil {
		return 0, 0, err
	}
	return int(r[0])<<5 | int(r[1]>>3), rangeMult(cfg1), nil
}

func (d *Driver) readRPM(ctx context.Context, _ device.Params) (device.Result, error) {
	count, mult, err := d.tach(ctx)
	if err != nil {
		return device.Result{}, err
	}
	return device.Result{Data: device.Data{
		"rpm":        RPMFromCount(count, mult),
		"tach_count": count,
	}}, nil
}

func (d *Driver) setPWM(ctx context.Context, p device.Params) (device.Result, error) {
	duty, err := p.Float("duty_cycle")
	if err != nil {
		return device.Result{}, err
	}
	if duty < 0 || duty > 100 {
		return device.Result{}, device.OutOfRange("duty_cycle", 0, 100, duty)
	}
	setting := DutyToSetting(duty)
	if err := d.UpdateReg(ctx, regConfig1, cfg1EnableAlgo, 0); err != nil {
		return device.Result{}, err
	}
	if err := d.WriteReg(ctx, regSetting, setting); err != nil {
		return device.Result{}, err
	}

	d.mu.Lock()
	d.rpmControl = false
	d.mu.Unlock()

	return device.Result{Data: device.Data{"duty_cycle": duty, "pwm_value": setting}}, nil
}

func (d *Driver) setRPM(ctx context.Context, p device.Params) (device.Result, error) {
	target, err := p.Int("target_rpm", 0, MaxRPM)
	if err != nil {
		return device.Result{}, err
	}
	cfg1, err := d.ReadReg(ctx, regConfig1)
	if err != nil {
		return device.Result{}, err
	}
	count := countFromRPM(target, rangeMult(cfg1))
	if err := d.WriteReg(ctx, regTachTarget, byte(count&0x1F)<<3, byte(count>>5)); err != nil {
		return device.Result{}, err
	}
	if err := d.WriteReg(ctx, regConfig1, cfg1|cfg1EnableAlgo); err != nil {
		return device.Result{}, err
	}

	d.mu.Lock()
	d.rpmControl = true
	d.mu.Unlock()

	res := device.Result{Data: device.Data{"target_rpm": target, "tach_target": count}}
	if target > 0 && target < minMeasurableRPM*rangeMult(cfg1) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("target %d rpm is below the %d rpm floor of the current tach range", target, minMeasurableRPM*rangeMult(cfg1)))
	}
	return res, nil
}

func (d *Driver) configure(ctx context.Context, p device.Params) (device.Result, error) {
	rpmControl, err := p.BoolOr("rpm_control", true)
	if err != nil {
		return device.Result{}, err
	}
	poles, err := p.IntOr("poles", 2, 1, 4)
	if err != nil {
		return device.Result{}, err
	}

	cfg1, err := d.ReadReg(ctx, regConfig1)
	if err != nil {
		return device.Result{}, err
	}
	cfg1 = cfg1&^(cfg1EnableAlgo|cfg1EdgesMask) | edgesBits(poles)
	if rpmControl {
		cfg1 |= cfg1EnableAlgo
	}
	if err := d.WriteReg(ctx, regConfig1, cfg1); err != nil {
		return device.Result{}, err
	}

	d.mu.Lock()
	d.poles = poles
	d.rpmControl = rpmControl
	d.edgesPending = false
	d.mu.Unlock()

	return device.Result{Data: device.Data{
		"rpm_control": rpmControl,
		"poles":       poles,
		"edges":       2*poles + 1,
	}}, nil
}

func edgesBits(poles int) byte { return byte(poles-1) << 3 }

// syncEdges programs the EDGES bits of CONFIG1 for the configured pole count
// if they have not been written yet. Callers hold the device lock.
func (d *Driver) syncEdges(ctx context.Context) error {
	d.mu.Lock()
	poles, pending := d.poles, d.edgesPending
	d.mu.Unlock()
	if !pending {
		return nil
	}
	if err := d.UpdateReg(ctx, regConfig1, cfg1EdgesMask, edgesBits(poles)); err != nil {
		return err
	}
	d.mu.Lock()
	if d.poles == poles {
		d.edgesPending = false
	}
	d.mu.Unlock()
	return nil
}

func (d *Driver) status(ctx context.Context) (device.Data, error) {
	if err := d.syncEdges(ctx); err != nil {
		return nil, err
	}
	setting, err := d.ReadReg(ctx, regSetting)
	if err != nil {
		return nil, err
	}
	count, mult, err := d.tach(ctx)
	if err != nil {
		return nil, err
	}
	st, err := d.ReadReg(ctx, regStatus)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	poles, rpmControl := d.poles, d.rpmControl
	d.mu.Unlock()

	return device.Data{
		"rpm":            RPMFromCount(count, mult),
		"tach_count":     count,
		"pwm_value":      setting,
		"pwm_duty_cycle": SettingToDuty(setting),
		"rpm_control":    rpmControl,
		"poles":          poles,
		"status": device.Data{
			"stalled":       st&statusStall != 0,
			"spin_failure":  st&statusSpinFail != 0,
			"drive_failure": st&statusDriveFail != 0,
		},
	}, nil
}

func (d *Driver) ReadStatus(ctx context.Context) (device.Data, error) {
	return d.Status(ctx, d.status)
}

// Probe checks the product id register and programs a configured pole count.
func (d *Driver) Probe(ctx context.Context) error {
	_, err := d.Status(ctx, func(ctx context.Context) (device.Data, error) {
		id, err := d.ReadReg(ctx, regProductID)
		if err != nil {
			return nil, err
		}
		if id != ProductID {
			log.Warn().Str("device", d.Descriptor().ID).Msgf("Unexpected fan controller product id 0x%02X", id)
		}
		return nil, d.syncEdges(ctx)
	})
	return err
}

// Shutdown leaves the fan at the safe duty cycle in direct drive mode.
func (d *Driver) Shutdown(ctx context.Context) error {
	_, err := d.Execute(ctx, "set_pwm", device.Params{"duty_cycle": float64(d.safeDuty)})
	return err
}

func (d *Driver) Settings() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]any{"poles": d.poles}
}

func (d *Driver) ApplySettings(s map[string]any) error {
	poles, err := device.Params(s).IntOr("poles", 0, 0, 4)
	if err != nil {
		return err
	}
	if poles == 0 {
		return nil
	}
	d.mu.Lock()
	d.poles = poles
	d.edgesPending = true
	d.mu.Unlock()

	// An unreachable fan keeps the edges pending for the next probe or status
	// read.
	ctx, cancel := context.WithTimeout(context.Background(), settingsTimeout)
	defer cancel()
	_, err = d.Status(ctx, func(ctx context.Context) (device.Data, error) {
		return nil, d.syncEdges(ctx)
	})
	if err != nil {
		log.Warn().Err(err).Str("device", d.Descriptor().ID).Msg("Pole count not written to fan controller yet")
	}
	return nil
}
