package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/soildesigngroup/cm5-maker-desk/internal/hmierr"
)

// Transactor is the bus access a driver needs. *bus.Handle implements it.
type Transactor interface {
	Transact(ctx context.Context, addr uint16, w []byte, readLen int, timeout time.Duration) ([]byte, error)
}

// Handler performs one validated action.
type Handler func(ctx context.Context, p Params) (Result, error)

type action struct {
	needs Capability
	run   Handler
}

// Base carries what every driver shares: the descriptor, the action table,
// bus access and outcome reporting. Actions and status reads on one device
// run one at a time so multi-register sequences stay consistent.
type Base struct {
	desc    Descriptor
	bus     Transactor
	timeout time.Duration
	actions map[string]action

	mu sync.Mutex

	reportMu sync.RWMutex
	report   Reporter
}

func NewBase(desc Descriptor, tr Transactor, timeout time.Duration) *Base {
	return &Base{
		desc:    desc,
		bus:     tr,
		timeout: timeout,
		actions: make(map[string]action),
	}
}

// Handle adds an action requiring capability needs. It panics when the
// driver does not declare that capability.
func (b *Base) Handle(name string, needs Capability, run Handler) {
	if !b.desc.Capabilities.Has(needs) {
		panic(fmt.Sprintf("device %s: action %s needs %s", b.desc.Type, name, needs))
	}
	b.actions[name] = action{needs: needs, run: run}
}

func (b *Base) Descriptor() Descriptor { return b.desc }

func (b *Base) Capabilities() Capabilities { return b.desc.Capabilities }

func (b *Base) Actions() []string {
	names := make([]string, 0, len(b.actions)+1)
	for name := range b.actions {
		names = append(names, name)
	}
	names = append(names, ReadStatusAction)
	sort.Strings(names)
	return names
}

func (b *Base) Execute(ctx context.Context, name string, p Params) (Result, error) {
	a, ok := b.actions[name]
	if !ok || !b.desc.Capabilities.Has(a.needs) {
		return Result{}, &hmierr.E{
			Kind:   hmierr.UnsupportedAction,
			Device: b.desc.ID,
			Msg:    fmt.Sprintf("%s does not support action '%s'", b.desc.Category, name),
		}
	}
	if p == nil {
		p = Params{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	res, err := a.run(ctx, p)
	if err != nil {
		return Result{}, hmierr.WithDevice(err, b.desc.ID, name)
	}
	return res, nil
}

// Status runs fn under the device lock and annotates its error.
func (b *Base) Status(ctx context.Context, fn func(ctx context.Context) (Data, error)) (Data, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := fn(ctx)
	if err != nil {
		return nil, hmierr.WithDevice(err, b.desc.ID, ReadStatusAction)
	}
	return data, nil
}

func (b *Base) SetReporter(r Reporter) {
	b.reportMu.Lock()
	b.report = r
	b.reportMu.Unlock()
}

// Report forwards a transaction outcome. Only success and bus-class failures
// describe the device's health; anything else is ignored.
func (b *Base) Report(err error) {
	if err != nil && !hmierr.KindOf(err).IsBus() {
		return
	}
	b.reportMu.RLock()
	r := b.report
	b.reportMu.RUnlock()
	if r != nil {
		r(err)
	}
}

// Tx runs one transaction against the device address.
func (b *Base) Tx(ctx context.Context, w []byte, readLen int) ([]byte, error) {
	return b.TxAt(ctx, b.desc.Address, w, readLen)
}

// TxAt runs one transaction against addr, for devices spanning several
// bus addresses.
func (b *Base) TxAt(ctx context.Context, addr uint16, w []byte, readLen int) ([]byte, error) {
	if b.bus == nil {
		err := hmierr.New(hmierr.BusUnavailable, "no bus attached")
		b.Report(err)
		return nil, err
	}
	r, err := b.bus.Transact(ctx, addr, w, readLen, b.timeout)
	b.Report(err)
	return r, err
}

func (b *Base) ReadReg(ctx context.Context, reg byte) (byte, error) {
	r, err := b.Tx(ctx, []byte{reg}, 1)
	if err != nil {
		return 0, err
	}
	return r[0], nil
}

func (b *Base) ReadRegs(ctx context.Context, reg byte, n int) ([]byte, error) {
	return b.Tx(ctx, []byte{reg}, n)
}

func (b *Base) WriteReg(ctx context.Context, reg byte, vals ...byte) error {
	_, err := b.Tx(ctx, append([]byte{reg}, vals...), 0)
	return err
}

// UpdateReg rewrites only the bits in mask.
func (b *Base) UpdateReg(ctx context.Context, reg, mask, val byte) error {
	cur, err := b.ReadReg(ctx, reg)
	if err != nil {
		return err
	}
	return b.WriteReg(ctx, reg, (cur&^mask)|(val&mask))
}
