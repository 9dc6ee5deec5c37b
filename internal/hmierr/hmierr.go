// Package hmierr holds the closed set of error kinds the device service reports.
// Internal code matches on Kind; text is only produced when a response is built.
package hmierr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is a stable error identifier. It implements error so it can be used
// directly with errors.Is.
type Kind string

func (k Kind) Error() string { return k.text() }

const (
	BusUnavailable    Kind = "bus_unavailable"
	BusTimeout        Kind = "bus_timeout"
	BusIOError        Kind = "bus_io_error"
	UnknownDevice     Kind = "unknown_device"
	UnsupportedAction Kind = "unsupported_action"
	InvalidParams     Kind = "invalid_params"
	MalformedRequest  Kind = "malformed_request"
	DuplicateDeviceID Kind = "duplicate_device_id"

	// Internal is the fallback for errors that carry no kind, including
	// recovered driver panics.
	Internal Kind = "internal"
)

func (k Kind) text() string {
	switch k {
	case BusUnavailable:
		return "bus unavailable"
	case BusTimeout:
		return "bus timeout"
	case BusIOError:
		return "bus I/O error"
	case UnknownDevice:
		return "unknown device"
	case UnsupportedAction:
		return "unsupported action"
	case InvalidParams:
		return "invalid params"
	case MalformedRequest:
		return "malformed request"
	case DuplicateDeviceID:
		return "duplicate device id"
	default:
		return "internal error"
	}
}

// IsBus reports whether the kind describes a hardware/transport failure.
func (k Kind) IsBus() bool {
	return k == BusUnavailable || k == BusTimeout || k == BusIOError
}

// E carries a kind plus the context it happened in.
type E struct {
	Kind   Kind
	Op     string
	Device string
	Msg    string
	Err    error
}

func (e *E) Error() string {
	var b strings.Builder
	if e.Device != "" {
		b.WriteString(e.Device)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.text())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *E) Unwrap() error { return e.Err }

func (e *E) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New builds an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *E {
	return &E{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to a lower-level cause.
func Wrap(kind Kind, err error, format string, args ...any) *E {
	return &E{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind of err. Nil yields the empty kind, unclassified
// errors yield Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Internal
}

// WithDevice returns err annotated with the device id and operation. Errors
// that already name a device are returned unchanged.
func WithDevice(err error, device, op string) error {
	if err == nil {
		return nil
	}
	var e *E
	if errors.As(err, &e) {
		if e.Device != "" {
			return err
		}
		cp := *e
		cp.Device = device
		if cp.Op == "" {
			cp.Op = op
		}
		return &cp
	}
	return &E{Kind: KindOf(err), Device: device, Op: op, Err: err}
}
