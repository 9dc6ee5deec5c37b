package dispatch

import (
	"context"
	"time"

	"github.com/soildesigngroup/cm5-maker-desk/internal/bus"
	"github.com/soildesigngroup/cm5-maker-desk/internal/device"
	"github.com/soildesigngroup/cm5-maker-desk/internal/hmierr"
	"github.com/soildesigngroup/cm5-maker-desk/internal/registry"
)

// DeviceInfo is one device in the system status and device list.
type DeviceInfo struct {
	device.Descriptor
	Actions []string       `json:"actions"`
	State   registry.State `json:"state"`
}

// BusInfo is one bus in the system status.
type BusInfo struct {
	ID    int       `json:"id"`
	Name  string    `json:"name"`
	Stats bus.Stats `json:"stats"`
}

func (d *Dispatcher) system(ctx context.Context, req Request) (device.Data, error) {
	switch req.Action {
	case ActionSystemStatus:
		return d.systemStatus(ctx), nil
	case ActionDeviceList:
		devices := d.devices()
		return device.Data{"devices": devices, "count": len(devices)}, nil
	case ActionStartMonitoring:
		return d.startMonitoring(req.Params)
	case ActionStopMonitoring:
		mon := d.monitor()
		if mon == nil {
			return nil, hmierr.New(hmierr.UnsupportedAction, "monitoring is not available")
		}
		mon.Stop()
		return device.Data{"monitoring_active": false}, nil
	default:
		return nil, hmierr.New(hmierr.UnsupportedAction, "unknown system action '%s'", req.Action)
	}
}

func (d *Dispatcher) devices() map[string]DeviceInfo {
	entries := d.reg.List()
	out := make(map[string]DeviceInfo, len(entries))
	for _, e := range entries {
		out[e.Descriptor.ID] = DeviceInfo{Descriptor: e.Descriptor, Actions: e.Actions, State: e.State}
	}
	return out
}

func (d *Dispatcher) busInfo() []BusInfo {
	if d.buses == nil {
		return []BusInfo{}
	}
	ids := d.buses.IDs()
	out := make([]BusInfo, 0, len(ids))
	for _, id := range ids {
		h, err := d.buses.Get(id)
		if err != nil {
			continue
		}
		out = append(out, BusInfo{ID: id, Name: h.String(), Stats: h.Stats()})
	}
	return out
}

func (d *Dispatcher) systemStatus(ctx context.Context) device.Data {
	buses := d.busInfo()
	busNumber := -1
	if len(buses) > 0 {
		busNumber = buses[0].ID
	}

	var state MonitorState
	if mon := d.monitor(); mon != nil {
		state = mon.State()
	}
	monDevices := state.Devices
	if monDevices == nil {
		monDevices = []string{}
	}

	data := device.Data{
		"bus_number":          busNumber,
		"buses":               buses,
		"monitoring_active":   state.Active,
		"monitoring_interval": state.Interval.Seconds(),
		"monitoring_devices":  monDevices,
		"devices":             d.devices(),
	}
	if d.opts.Host != nil {
		data["host"] = d.opts.Host(ctx)
	}
	return data
}

func (d *Dispatcher) startMonitoring(p device.Params) (device.Data, error) {
	mon := d.monitor()
	if mon == nil {
		return nil, hmierr.New(hmierr.UnsupportedAction, "monitoring is not available")
	}

	seconds, err := p.FloatOr("interval", d.opts.DefaultInterval.Seconds())
	if err != nil {
		return nil, err
	}
	if seconds <= 0 {
		return nil, hmierr.New(hmierr.InvalidParams, "interval must be greater than 0, got %v", seconds)
	}
	ids, err := p.Strings("devices")
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := d.reg.Lookup(id); err != nil {
			return nil, err
		}
	}

	interval := secondsToDuration(seconds)
	if err := mon.Start(interval, ids); err != nil {
		return nil, err
	}
	st := mon.State()
	return device.Data{
		"monitoring_active":   st.Active,
		"monitoring_interval": st.Interval.Seconds(),
		"monitoring_devices":  st.Devices,
	}, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
