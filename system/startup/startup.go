package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/soildesigngroup/cm5-maker-desk/internal/bus"
	"github.com/soildesigngroup/cm5-maker-desk/internal/config"
	"github.com/soildesigngroup/cm5-maker-desk/internal/device"
	"github.com/soildesigngroup/cm5-maker-desk/internal/registry"
)

const probeTimeout = 2 * time.Second

// eepromBlock is the size of one AT24CM01 address block; the chip answers on
// its base address and the next one.
const eepromBlock = 1 << 16

// Buses builds the configured I2C buses and opens them. The returned error
// lists buses that failed to open; their devices answer bus_unavailable.
func Buses(cfg config.Config) (*bus.Set, error) {
	open := bus.PeriphOpener
	if cfg.Simulate {
		open = Simulator(cfg.Devices).Opener()
		log.Warn().Msg("Simulating I2C devices, no hardware is touched")
	}

	cfgs := make([]bus.Config, 0, len(cfg.Buses))
	for _, b := range cfg.Buses {
		cfgs = append(cfgs, bus.Config{ID: b.ID, Retries: b.Retries, Timeout: b.Timeout()})
	}
	set := bus.NewSet(open, cfgs)
	return set, set.OpenAll()
}

// Simulator answers on every configured bus address.
func Simulator(devs []config.Device) *bus.Sim {
	sim := bus.NewSim()
	for _, d := range devs {
		if d.Bus < 0 {
			continue
		}
		switch d.Type {
		case "at24cm01":
			sim.AddWide(d.Address, eepromBlock).AddWide(d.Address+1, eepromBlock)
		default:
			sim.Add(d.Address)
		}
	}
	return sim
}

// RegisterDevices builds, registers and probes every configured device. A
// device that cannot be built is an error unless it is optional. A failed
// probe leaves the device registered and disconnected.
func RegisterDevices(ctx context.Context, devs []config.Device, buses *bus.Set, reg *registry.Registry) error {
	for _, dc := range devs {
		inst, err := build(dc, buses)
		if err == nil {
			err = reg.Register(inst.Descriptor(), inst)
		}
		if err != nil {
			if dc.Optional {
				log.Warn().Err(err).Str("device", dc.ID).Msg("Skipping optional device")
				continue
			}
			return err
		}

		if p, ok := inst.(device.Prober); ok {
			timeout := dc.Timeout()
			if timeout <= 0 {
				timeout = probeTimeout
			}
			pctx, cancel := context.WithTimeout(ctx, timeout)
			err := p.Probe(pctx)
			cancel()
			if err != nil {
				log.Warn().Err(err).Str("device", dc.ID).Msg("Device did not answer probe")
				continue
			}
		}
		log.Info().Str("device", dc.ID).Str("type", dc.Type).Msgf("Registered device at 0x%02X", dc.Address)
	}
	return nil
}

func build(dc config.Device, buses *bus.Set) (device.Instance, error) {
	spec := device.Spec{
		ID:      dc.ID,
		Type:    dc.Type,
		Bus:     dc.Bus,
		Address: dc.Address,
		Timeout: dc.Timeout(),
		Params:  dc.Params,
	}
	if dc.Bus >= 0 {
		h, err := buses.Get(dc.Bus)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", dc.ID, err)
		}
		spec.Transactor = h
	}
	return device.Build(spec)
}
