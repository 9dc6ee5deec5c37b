package dispatch

import (
	"encoding/json"

	"github.com/soildesigngroup/cm5-maker-desk/internal/device"
	"github.com/soildesigngroup/cm5-maker-desk/internal/hmierr"
)

// Request is one command. An empty Device addresses the service itself.
type Request struct {
	Action    string        `json:"action"`
	Device    string        `json:"device,omitempty"`
	Params    device.Params `json:"params,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
}

// Response answers a Request, or carries one monitoring poll when Device is
// set. Data is present iff Success; Error is present iff not.
type Response struct {
	Success   bool        `json:"success"`
	Timestamp float64     `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
	Device    string      `json:"device,omitempty"`
	Data      device.Data `json:"data"`
	Error     string      `json:"error,omitempty"`
	ErrorKind hmierr.Kind `json:"error_kind,omitempty"`
	Warnings  []string    `json:"warnings,omitempty"`
}

func (r Response) MarshalJSON() ([]byte, error) {
	type wire struct {
		Success   bool        `json:"success"`
		Timestamp float64     `json:"timestamp"`
		RequestID string      `json:"request_id,omitempty"`
		Device    string      `json:"device,omitempty"`
		Data      any         `json:"data,omitempty"`
		Error     string      `json:"error,omitempty"`
		ErrorKind hmierr.Kind `json:"error_kind,omitempty"`
		Warnings  []string    `json:"warnings,omitempty"`
	}
	w := wire{
		Success:   r.Success,
		Timestamp: r.Timestamp,
		RequestID: r.RequestID,
		Device:    r.Device,
		Error:     r.Error,
		ErrorKind: r.ErrorKind,
		Warnings:  r.Warnings,
	}
	if r.Success {
		data := r.Data
		if data == nil {
			data = device.Data{}
		}
		w.Data = data
	}
	return json.Marshal(w)
}

// Failed is the unstamped response for err.
func Failed(err error) Response {
	return Response{
		Success:   false,
		Error:     err.Error(),
		ErrorKind: hmierr.KindOf(err),
	}
}

func success(res device.Result) Response {
	data := res.Data
	if data == nil {
		data = device.Data{}
	}
	return Response{Success: true, Data: data, Warnings: res.Warnings}
}
