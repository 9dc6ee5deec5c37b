package bus

import (
	"fmt"
	"strconv"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

var (
	hostOnce sync.Once
	hostErr  error
)

// PeriphOpener opens /dev/i2c-<id> through periph.io. The host drivers are
// loaded on first use.
func PeriphOpener(id int) (Conn, error) {
	hostOnce.Do(func() {
		_, hostErr = host.Init()
	})
	if hostErr != nil {
		return nil, fmt.Errorf("periph host init: %w", hostErr)
	}

	b, err := i2creg.Open(strconv.Itoa(id))
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %d: %w", id, err)
	}
	return &periphConn{bus: b}, nil
}

type periphConn struct {
	bus i2c.BusCloser
}

func (c *periphConn) Tx(addr uint16, w, r []byte) error {
	return c.bus.Tx(addr, w, r)
}

func (c *periphConn) Close() error {
	return c.bus.Close()
}
