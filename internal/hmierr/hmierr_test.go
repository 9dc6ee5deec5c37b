package hmierr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, BusTimeout, KindOf(New(BusTimeout, "no ack")))
	assert.Equal(t, InvalidParams, KindOf(fmt.Errorf("outer: %w", New(InvalidParams, "x"))))
	assert.Equal(t, UnknownDevice, KindOf(UnknownDevice))
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
}

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("ctx: %w", Wrap(BusIOError, errors.New("nack"), "addr 0x48"))
	assert.True(t, errors.Is(err, BusIOError))
	assert.False(t, errors.Is(err, BusTimeout))
}

func TestWithDevice(t *testing.T) {
	err := WithDevice(New(BusTimeout, "i2c-10 addr 0x48"), "adc", "read_channel")
	assert.Equal(t, "adc: bus timeout: read_channel: i2c-10 addr 0x48", err.Error())
	assert.Equal(t, BusTimeout, KindOf(err))

	// already annotated errors keep their original device
	again := WithDevice(err, "fan", "set_pwm")
	assert.Equal(t, err.Error(), again.Error())

	plain := WithDevice(errors.New("boom"), "rtc", "read_datetime")
	assert.Equal(t, Internal, KindOf(plain))
	assert.Contains(t, plain.Error(), "rtc")

	assert.Nil(t, WithDevice(nil, "adc", "x"))
}

func TestIsBus(t *testing.T) {
	assert.True(t, BusTimeout.IsBus())
	assert.True(t, BusUnavailable.IsBus())
	assert.True(t, BusIOError.IsBus())
	assert.False(t, InvalidParams.IsBus())
	assert.False(t, UnknownDevice.IsBus())
}
