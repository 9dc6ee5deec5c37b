package device

import (
	"math"
	"strings"

	"github.com/spf13/cast"

	"github.com/soildesigngroup/cm5-maker-desk/internal/hmierr"
)

// Params are an action's decoded JSON parameters.
type Params map[string]any

func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

func missing(key string) error {
	return hmierr.New(hmierr.InvalidParams, "missing required param '%s'", key)
}

func badType(key, want string, v any) error {
	return hmierr.New(hmierr.InvalidParams, "%s must be %s, got %v", key, want, v)
}

// OutOfRange is the error drivers return for a numeric param outside its
// declared range.
func OutOfRange(key string, min, max, got any) error {
	return hmierr.New(hmierr.InvalidParams, "%s out of range: must be %v-%v, got %v", key, min, max, got)
}

// Int reads a required integer within [min, max].
func (p Params) Int(key string, min, max int) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, missing(key)
	}
	return toInt(key, v, min, max)
}

// IntOr reads an optional integer within [min, max].
func (p Params) IntOr(key string, def, min, max int) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	return toInt(key, v, min, max)
}

func toInt(key string, v any, min, max int) (int, error) {
	if f, ok := v.(float64); ok {
		if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
			return 0, badType(key, "an integer", v)
		}
	}
	if _, ok := v.(bool); ok {
		return 0, badType(key, "an integer", v)
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return 0, badType(key, "an integer", v)
	}
	if n < min || n > max {
		return 0, OutOfRange(key, min, max, n)
	}
	return n, nil
}

// Float reads a required number.
func (p Params) Float(key string) (float64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, missing(key)
	}
	if _, ok := v.(bool); ok {
		return 0, badType(key, "a number", v)
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, badType(key, "a number", v)
	}
	return f, nil
}

// FloatOr reads an optional number.
func (p Params) FloatOr(key string, def float64) (float64, error) {
	if v, ok := p[key]; !ok || v == nil {
		return def, nil
	}
	return p.Float(key)
}

// Bool reads a required boolean. Numbers are accepted as 0/non-zero.
func (p Params) Bool(key string) (bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return false, missing(key)
	}
	return toBool(key, v)
}

// BoolOr reads an optional boolean.
func (p Params) BoolOr(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	return toBool(key, v)
}

func toBool(key string, v any) (bool, error) {
	switch t := v.(type) {
	case float64:
		return t != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "high", "on":
			return true, nil
		case "low", "off":
			return false, nil
		}
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return false, badType(key, "a boolean", v)
	}
	return b, nil
}

// String reads a required string.
func (p Params) String(key string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", missing(key)
	}
	s, ok := v.(string)
	if !ok {
		return "", badType(key, "a string", v)
	}
	return s, nil
}

// StringOr reads an optional string.
func (p Params) StringOr(key, def string) (string, error) {
	if v, ok := p[key]; !ok || v == nil {
		return def, nil
	}
	return p.String(key)
}

// Bytes reads a required list of byte values.
func (p Params) Bytes(key string) ([]byte, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, missing(key)
	}
	list, ok := v.([]any)
	if !ok {
		return nil, badType(key, "a list of bytes", v)
	}
	out := make([]byte, len(list))
	for i, item := range list {
		n, err := toInt(key, item, 0, 255)
		if err != nil {
			return nil, err
		}
		out[i] = byte(n)
	}
	return out, nil
}

// Strings reads an optional list of strings.
func (p Params) Strings(key string) ([]string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			return ss, nil
		}
		return nil, badType(key, "a list of strings", v)
	}
	out := make([]string, len(list))
	for i, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, badType(key, "a list of strings", v)
		}
		out[i] = s
	}
	return out, nil
}
