package device

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soildesigngroup/cm5-maker-desk/internal/hmierr"
)

func TestCapabilities(t *testing.T) {
	c := Caps(Readable, Configurable)
	assert.True(t, c.Has(Readable))
	assert.False(t, c.Has(Writable))
	assert.Equal(t, "readable,configurable", c.String())

	b, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `["readable","configurable"]`, string(b))

	b, err = json.Marshal(Capabilities(0))
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(b))
}

func TestParamsInt(t *testing.T) {
	p := Params{"channel": float64(3), "frac": 1.5, "str": "7", "flag": true, "big": float64(9)}

	n, err := p.Int("channel", 0, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = p.Int("str", 0, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = p.Int("frac", 0, 7)
	assert.Equal(t, hmierr.InvalidParams, hmierr.KindOf(err))

	_, err = p.Int("flag", 0, 7)
	assert.Equal(t, hmierr.InvalidParams, hmierr.KindOf(err))

	_, err = p.Int("big", 0, 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")

	_, err = p.Int("absent", 0, 7)
	assert.Contains(t, err.Error(), "missing required param 'absent'")

	n, err = p.IntOr("absent", 4, 0, 7)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestParamsOther(t *testing.T) {
	p := Params{
		"vref":    2.5,
		"state":   float64(1),
		"level":   "high",
		"bad":     []any{"x"},
		"data":    []any{float64(1), float64(255)},
		"devices": []any{"adc", "fan"},
		"name":    "hello",
	}

	f, err := p.Float("vref")
	require.NoError(t, err)
	assert.Equal(t, 2.5, f)

	b, err := p.Bool("state")
	require.NoError(t, err)
	assert.True(t, b)

	b, err = p.Bool("level")
	require.NoError(t, err)
	assert.True(t, b)

	bs, err := p.Bytes("data")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 255}, bs)

	_, err = p.Bytes("bad")
	assert.Equal(t, hmierr.InvalidParams, hmierr.KindOf(err))

	ss, err := p.Strings("devices")
	require.NoError(t, err)
	assert.Equal(t, []string{"adc", "fan"}, ss)

	s, err := p.String("name")
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	_, err = p.String("vref")
	assert.Equal(t, hmierr.InvalidParams, hmierr.KindOf(err))
}

type fakeBus struct {
	err   error
	calls int
}

func (f *fakeBus) Transact(ctx context.Context, addr uint16, w []byte, readLen int, timeout time.Duration) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return make([]byte, readLen), nil
}

func TestBaseExecute(t *testing.T) {
	fb := &fakeBus{}
	b := NewBase(Descriptor{ID: "s1", Category: "sensor", Capabilities: Caps(Readable), Address: 0x40}, fb, time.Millisecond)
	b.Handle("read", Readable, func(ctx context.Context, p Params) (Result, error) {
		r, err := b.ReadRegs(ctx, 0x00, 2)
		if err != nil {
			return Result{}, err
		}
		return Result{Data: Data{"len": len(r)}}, nil
	})

	var outcomes []error
	b.SetReporter(func(err error) { outcomes = append(outcomes, err) })

	res, err := b.Execute(context.Background(), "read", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Data["len"])
	assert.Equal(t, []string{"read", "read_status"}, b.Actions())

	_, err = b.Execute(context.Background(), "write", nil)
	assert.Equal(t, hmierr.UnsupportedAction, hmierr.KindOf(err))
	assert.Contains(t, err.Error(), "write")
	assert.Equal(t, 1, fb.calls)

	fb.err = hmierr.New(hmierr.BusTimeout, "no response")
	_, err = b.Execute(context.Background(), "read", nil)
	assert.True(t, errors.Is(err, hmierr.BusTimeout))
	assert.Contains(t, err.Error(), "s1")

	require.Len(t, outcomes, 2)
	assert.NoError(t, outcomes[0])
	assert.Error(t, outcomes[1])
}

func TestBaseHandlePanicsOnUndeclaredCapability(t *testing.T) {
	b := NewBase(Descriptor{Type: "x", Capabilities: Caps(Readable)}, nil, 0)
	assert.Panics(t, func() {
		b.Handle("write", Writable, func(context.Context, Params) (Result, error) { return Result{}, nil })
	})
}

func TestReportIgnoresNonBusErrors(t *testing.T) {
	b := NewBase(Descriptor{}, nil, 0)
	called := 0
	b.SetReporter(func(error) { called++ })
	b.Report(hmierr.New(hmierr.InvalidParams, "x"))
	assert.Zero(t, called)
	b.Report(nil)
	assert.Equal(t, 1, called)
}

func TestUpdateRegKeepsOtherBits(t *testing.T) {
	reg := byte(0b1010_0101)
	tr := transactFunc(func(w []byte, n int) []byte {
		if len(w) == 2 {
			reg = w[1]
			return nil
		}
		return []byte{reg}
	})
	b := NewBase(Descriptor{Address: 0x10}, tr, 0)
	require.NoError(t, b.UpdateReg(context.Background(), 0x01, 0x0F, 0x03))
	assert.Equal(t, byte(0b1010_0011), reg)
}

type transactFunc func(w []byte, n int) []byte

func (f transactFunc) Transact(ctx context.Context, addr uint16, w []byte, readLen int, timeout time.Duration) ([]byte, error) {
	return f(w, readLen), nil
}

func TestBuildUnknownType(t *testing.T) {
	_, err := Build(Spec{ID: "x", Type: "does-not-exist"})
	assert.Error(t, err)
}
