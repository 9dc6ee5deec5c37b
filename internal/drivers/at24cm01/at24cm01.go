// Package at24cm01 drives the Microchip AT24CM01 1 Mbit I2C EEPROM.
//
// The 17-bit memory address is split across the bus address (A16 selects
// base or base+1) and a two byte word address. Writes go page by page and
// wait out the write cycle between pages.
package at24cm01

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/soildesigngroup/cm5-maker-desk/internal/device"
	"github.com/soildesigngroup/cm5-maker-desk/internal/hmierr"
)

const (
	Type     = "at24cm01"
	Category = "eeprom"

	MemorySize  = 131072
	PageSize    = 256
	MaxTransfer = 4096
	blockSize   = 65536

	DefaultWriteCycle = 5 * time.Millisecond
)

func init() {
	device.RegisterBuilder(Type, func(spec device.Spec) (device.Instance, error) {
		return New(spec), nil
	})
}

type Driver struct {
	*device.Base
	writeCycle time.Duration
}

func New(spec device.Spec) *Driver {
	d := &Driver{writeCycle: DefaultWriteCycle}
	d.Base = device.NewBase(device.Descriptor{
		ID:           spec.ID,
		Type:         Type,
		Category:     Category,
		Capabilities: device.Caps(device.Readable, device.Writable),
		Bus:          spec.Bus,
		Address:      spec.Address,
	}, spec.Transactor, spec.Timeout)

	d.Handle("read", device.Readable, d.read)
	d.Handle("read_string", device.Readable, d.readString)
	d.Handle("get_info", device.Readable, func(context.Context, device.Params) (device.Result, error) {
		return device.Result{Data: d.info()}, nil
	})
	d.Handle("write", device.Writable, d.write)
	d.Handle("write_string", device.Writable, d.writeString)
	d.Handle("erase", device.Writable, d.erase)
	d.Handle("test", device.Writable, d.test)
	return d
}

// SetWriteCycle overrides the wait between page writes.
func (d *Driver) SetWriteCycle(w time.Duration) { d.writeCycle = w }

func (d *Driver) busAddr(addr int) uint16 {
	return d.Descriptor().Address | uint16(addr>>16)&0x01
}

func checkSpan(addr, length int) error {
	if length <= 0 || length > MaxTransfer {
		return device.OutOfRange("length", 1, MaxTransfer, length)
	}
	if addr+length > MemorySize {
		return hmierr.New(hmierr.InvalidParams, "span 0x%05X+%d runs past the end of memory (0x%05X)", addr, length, MemorySize)
	}
	return nil
}

// readBytes reads length bytes, splitting at the 64 KiB block boundary.
func (d *Driver) readBytes(ctx context.Context, addr, length int) ([]byte, error) {
	out := make([]byte, 0, length)
	for length > 0 {
		n := min(length, PageSize, blockSize-addr%blockSize)
		r, err := d.TxAt(ctx, d.busAddr(addr), []byte{byte(addr >> 8), byte(addr)}, n)
		if err != nil {
			return nil, err
		}
		out = append(out, r...)
		addr += n
		length -= n
	}
	return out, nil
}

// writeBytes writes page-aligned chunks and waits for each write cycle.
func (d *Driver) writeBytes(ctx context.Context, addr int, data []byte) error {
	for len(data) > 0 {
		n := min(len(data), PageSize-addr%PageSize)
		w := append([]byte{byte(addr >> 8), byte(addr)}, data[:n]...)
		if _, err := d.TxAt(ctx, d.busAddr(addr), w, 0); err != nil {
			return err
		}
		addr += n
		data = data[n:]
		if d.writeCycle > 0 {
			select {
			case <-time.After(d.writeCycle):
			case <-ctx.Done():
				return hmierr.Wrap(hmierr.BusTimeout, ctx.Err(), "waiting for write cycle")
			}
		}
	}
	return nil
}

func ints(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}

func hexes(b []byte) []string {
	out := make([]string, len(b))
	for i, v := range b {
		out[i] = fmt.Sprintf("0x%02X", v)
	}
	return out
}

func (d *Driver) read(ctx context.Context, p device.Params) (device.Result, error) {
	addr, err := p.IntOr("address", 0, 0, MemorySize-1)
	if err != nil {
		return device.Result{}, err
	}
	length, err := p.IntOr("length", 1, 1, MaxTransfer)
	if err != nil {
		return device.Result{}, err
	}
	if err := checkSpan(addr, length); err != nil {
		return device.Result{}, err
	}
	b, err := d.readBytes(ctx, addr, length)
	if err != nil {
		return device.Result{}, err
	}
	return device.Result{Data: device.Data{
		"address":  addr,
		"length":   length,
		"data":     ints(b),
		"data_hex": hexes(b),
	}}, nil
}

func (d *Driver) write(ctx context.Context, p device.Params) (device.Result, error) {
	addr, err := p.IntOr("address", 0, 0, MemorySize-1)
	if err != nil {
		return device.Result{}, err
	}
	data, err := p.Bytes("data")
	if err != nil {
		return device.Result{}, err
	}
	if err := checkSpan(addr, len(data)); err != nil {
		return device.Result{}, err
	}
	if err := d.writeBytes(ctx, addr, data); err != nil {
		return device.Result{}, err
	}
	return device.Result{Data: device.Data{"address": addr, "length": len(data)}}, nil
}

func (d *Driver) readString(ctx context.Context, p device.Params) (device.Result, error) {
	addr, err := p.IntOr("address", 0, 0, MemorySize-1)
	if err != nil {
		return device.Result{}, err
	}
	maxLen, err := p.IntOr("max_length", 1024, 1, MaxTransfer)
	if err != nil {
		return device.Result{}, err
	}
	maxLen = min(maxLen, MemorySize-addr)
	b, err := d.readBytes(ctx, addr, maxLen)
	if err != nil {
		return device.Result{}, err
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return device.Result{Data: device.Data{"address": addr, "text": string(b), "length": len(b)}}, nil
}

func (d *Driver) writeString(ctx context.Context, p device.Params) (device.Result, error) {
	addr, err := p.IntOr("address", 0, 0, MemorySize-1)
	if err != nil {
		return device.Result{}, err
	}
	text, err := p.String("text")
	if err != nil {
		return device.Result{}, err
	}
	data := append([]byte(text), 0)
	if err := checkSpan(addr, len(data)); err != nil {
		return device.Result{}, err
	}
	if err := d.writeBytes(ctx, addr, data); err != nil {
		return device.Result{}, err
	}
	return device.Result{Data: device.Data{"address": addr, "text": text, "length": len(text)}}, nil
}

func (d *Driver) erase(ctx context.Context, p device.Params) (device.Result, error) {
	addr, err := p.IntOr("address", 0, 0, MemorySize-1)
	if err != nil {
		return device.Result{}, err
	}
	length, err := p.Int("length", 1, MaxTransfer)
	if err != nil {
		return device.Result{}, err
	}
	if err := checkSpan(addr, length); err != nil {
		return device.Result{}, err
	}
	if err := d.writeBytes(ctx, addr, bytes.Repeat([]byte{0xFF}, length)); err != nil {
		return device.Result{}, err
	}
	return device.Result{Data: device.Data{"address": addr, "length": length}}, nil
}

// test writes a pattern over the span, verifies it and restores the
// original contents.
func (d *Driver) test(ctx context.Context, p device.Params) (device.Result, error) {
	addr, err := p.IntOr("address", 0x1000, 0, MemorySize-1)
	if err != nil {
		return device.Result{}, err
	}
	size, err := p.IntOr("size", PageSize, 1, MaxTransfer)
	if err != nil {
		return device.Result{}, err
	}
	if err := checkSpan(addr, size); err != nil {
		return device.Result{}, err
	}

	orig, err := d.readBytes(ctx, addr, size)
	if err != nil {
		return device.Result{}, err
	}
	pattern := make([]byte, size)
	for i := range pattern {
		pattern[i] = byte(i*7+0x5A) ^ orig[i]
	}

	// orig is written back whatever happens after the pattern write starts
	mismatches, err := d.verifyPattern(ctx, addr, pattern)
	if rerr := d.writeBytes(ctx, addr, orig); rerr != nil {
		if err == nil {
			return device.Result{}, rerr
		}
		log.Error().Err(rerr).Str("device", d.Descriptor().ID).Msgf("Failed to restore EEPROM at 0x%05X after test", addr)
		err = multierr.Append(err, rerr)
	}
	if err != nil {
		return device.Result{}, err
	}

	res := device.Result{Data: device.Data{
		"test_address": addr,
		"test_size":    size,
		"test_passed":  mismatches == 0,
		"mismatches":   mismatches,
	}}
	if mismatches > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d of %d bytes did not verify", mismatches, size))
	}
	return res, nil
}

func (d *Driver) verifyPattern(ctx context.Context, addr int, pattern []byte) (int, error) {
	if err := d.writeBytes(ctx, addr, pattern); err != nil {
		return 0, err
	}
	got, err := d.readBytes(ctx, addr, len(pattern))
	if err != nil {
		return 0, err
	}
	mismatches := 0
	for i := range got {
		if got[i] != pattern[i] {
			mismatches++
		}
	}
	return mismatches, nil
}

func (d *Driver) info() device.Data {
	base := d.Descriptor().Address
	return device.Data{
		"memory_size":   MemorySize,
		"page_size":     PageSize,
		"address_range": fmt.Sprintf("0x00000-0x%05X", MemorySize-1),
		"i2c_addresses": []string{fmt.Sprintf("0x%02X", base), fmt.Sprintf("0x%02X", base|1)},
	}
}

func (d *Driver) ReadStatus(ctx context.Context) (device.Data, error) {
	return d.Status(ctx, func(ctx context.Context) (device.Data, error) {
		if _, err := d.readBytes(ctx, 0, 1); err != nil {
			return nil, err
		}
		data := d.info()
		data["responding"] = true
		return data, nil
	})
}

// Probe reads the first byte of memory.
func (d *Driver) Probe(ctx context.Context) error {
	_, err := d.readBytes(ctx, 0, 1)
	return err
}
