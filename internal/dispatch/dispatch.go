// Package dispatch is the single entry point for commands, whether they arrive
// over HTTP, a WebSocket or from the monitoring scheduler.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/soildesigngroup/cm5-maker-desk/internal/bus"
	"github.com/soildesigngroup/cm5-maker-desk/internal/datadog"
	"github.com/soildesigngroup/cm5-maker-desk/internal/device"
	"github.com/soildesigngroup/cm5-maker-desk/internal/hmierr"
	"github.com/soildesigngroup/cm5-maker-desk/internal/registry"
)

const (
	ActionSystemStatus    = "get_system_status"
	ActionDeviceList      = "get_device_list"
	ActionStartMonitoring = "start_monitoring"
	ActionStopMonitoring  = "stop_monitoring"
)

// MonitorState is what the dispatcher reports about background polling.
type MonitorState struct {
	Active   bool
	Interval time.Duration
	Devices  []string
}

// Monitor is the monitoring scheduler as seen from the dispatcher.
type Monitor interface {
	Start(interval time.Duration, devices []string) error
	Stop()
	State() MonitorState
}

type Options struct {
	// Timeout bounds every dispatch. Zero means no deadline beyond the
	// caller's own.
	Timeout time.Duration

	// DefaultInterval is used by start_monitoring when none is given.
	DefaultInterval time.Duration

	Clock clock.Clock

	// Host returns host details for get_system_status.
	Host func(ctx context.Context) any
}

type Dispatcher struct {
	reg   *registry.Registry
	buses *bus.Set
	opts  Options

	mu  sync.RWMutex
	mon Monitor
}

func New(reg *registry.Registry, buses *bus.Set, opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = time.Second
	}
	return &Dispatcher{reg: reg, buses: buses, opts: opts}
}

// SetMonitor attaches the scheduler that start_monitoring and
// stop_monitoring control.
func (d *Dispatcher) SetMonitor(m Monitor) {
	d.mu.Lock()
	d.mon = m
	d.mu.Unlock()
}

func (d *Dispatcher) monitor() Monitor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mon
}

func (d *Dispatcher) stamp(resp *Response, req Request) {
	resp.Timestamp = float64(d.opts.Clock.Now().UnixNano()) / 1e9
	resp.RequestID = req.RequestID
}

// Dispatch executes req. It never panics and always returns a well-formed
// response.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (resp Response) {
	start := d.opts.Clock.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("action", req.Action).
				Str("device", req.Device).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Recovered from panic while dispatching")
			resp = Failed(hmierr.New(hmierr.Internal, "%s failed: %v", req.Action, r))
		}
		d.stamp(&resp, req)
		d.observe(req, resp, d.opts.Clock.Since(start))
	}()

	if req.Action == "" {
		return Failed(hmierr.New(hmierr.MalformedRequest, "missing action"))
	}

	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}

	if req.Device == "" {
		data, err := d.system(ctx, req)
		if err != nil {
			return Failed(err)
		}
		return success(device.Result{Data: data})
	}

	drv, err := d.reg.Lookup(req.Device)
	if err != nil {
		return Failed(err)
	}

	if req.Action == device.ReadStatusAction {
		data, err := drv.ReadStatus(ctx)
		if err != nil {
			return Failed(hmierr.WithDevice(err, req.Device, req.Action))
		}
		return success(device.Result{Data: data})
	}

	res, err := drv.Execute(ctx, req.Action, req.Params)
	if err != nil {
		return Failed(hmierr.WithDevice(err, req.Device, req.Action))
	}
	return success(res)
}

func (d *Dispatcher) observe(req Request, resp Response, took time.Duration) {
	target := req.Device
	if target == "" {
		target = "system"
	}
	tags := []string{"action:" + req.Action, "device:" + target, fmt.Sprintf("success:%t", resp.Success)}
	if !resp.Success {
		tags = append(tags, "error_kind:"+string(resp.ErrorKind))
		log.Debug().
			Str("action", req.Action).
			Str("device", target).
			Str("request_id", req.RequestID).
			Str("error", resp.Error).
			Msg("Command failed")
	}
	datadog.Incr("dispatch.count", tags...)
	datadog.Timing("dispatch.latency", took, tags...)
}

// DispatchJSON decodes one wire request and dispatches it. Requests that do
// not decode are answered with a malformed request error, echoing any
// request_id that could be recovered.
func (d *Dispatcher) DispatchJSON(ctx context.Context, raw []byte) Response {
	req, err := Decode(raw)
	if err != nil {
		resp := Failed(err)
		d.stamp(&resp, req)
		datadog.Incr("dispatch.count", "action:malformed", "success:false")
		return resp
	}
	return d.Dispatch(ctx, req)
}

// Decode parses the wire form of a request. On failure the returned Request
// still carries the request_id when one was present.
func Decode(raw []byte) (Request, error) {
	var req Request
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return req, hmierr.Wrap(hmierr.MalformedRequest, err, "invalid JSON")
	}
	if fields == nil {
		return req, hmierr.New(hmierr.MalformedRequest, "request must be an object")
	}

	if rid, ok := fields["request_id"]; ok {
		var s string
		if json.Unmarshal(rid, &s) == nil {
			req.RequestID = s
		}
	}

	action, ok := fields["action"]
	if !ok || json.Unmarshal(action, &req.Action) != nil || req.Action == "" {
		return req, hmierr.New(hmierr.MalformedRequest, "missing action")
	}

	if dev, ok := fields["device"]; ok && string(dev) != "null" {
		if err := json.Unmarshal(dev, &req.Device); err != nil {
			return req, hmierr.New(hmierr.MalformedRequest, "device must be a string")
		}
	}

	if params, ok := fields["params"]; ok && string(params) != "null" {
		if err := json.Unmarshal(params, &req.Params); err != nil {
			return req, hmierr.New(hmierr.MalformedRequest, "params must be an object")
		}
	}
	if req.Params == nil {
		req.Params = device.Params{}
	}
	return req, nil
}
