// Package radiotest provides an in-memory radio medium for tests.
package radiotest

import (
	"context"
	"sync"
	"time"

	"github.com/kabili207/rollcall/pkg/radio"
)

// Ack is an addressed transmission recorded by the air.
type Ack struct {
	From    string
	To      string
	Payload []byte
}

// Air connects a set of in-memory devices. Every transmission is delivered
// synchronously to the subscribers of every other device.
type Air struct {
	mu      sync.Mutex
	devices map[string]*Device
	acks    []Ack
	now     func() time.Time
}

// New returns an empty air.
func New() *Air {
	return &Air{devices: make(map[string]*Device), now: time.Now}
}

// Device returns the device with the given address, creating it on first use.
func (a *Air) Device(address string) *Device {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.devices[address]
	if !ok {
		d = &Device{air: a, address: address, rssi: -50, subs: make(map[int]*subscription)}
		a.devices[address] = d
	}
	return d
}

// Acks returns every addressed transmission so far.
func (a *Air) Acks() []Ack {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Ack, len(a.acks))
	copy(out, a.acks)
	return out
}

// AcksTo returns the addressed transmissions sent to addr.
func (a *Air) AcksTo(addr string) []Ack {
	var out []Ack
	for _, ack := range a.Acks() {
		if ack.To == addr {
			out = append(out, ack)
		}
	}
	return out
}

// Inject delivers f to every subscriber as if it was heard over the air.
func (a *Air) Inject(f radio.Frame) {
	if f.ReceivedAt.IsZero() {
		f.ReceivedAt = a.now()
	}
	for _, h := range a.handlers("") {
		h(f)
	}
}

// handlers returns the subscribed handlers of every device except skip.
func (a *Air) handlers(skip string) []radio.Handler {
	a.mu.Lock()
	devs := make([]*Device, 0, len(a.devices))
	for addr, d := range a.devices {
		if addr != skip {
			devs = append(devs, d)
		}
	}
	a.mu.Unlock()

	var hs []radio.Handler
	for _, d := range devs {
		d.mu.Lock()
		for _, s := range d.subs {
			hs = append(hs, s.h)
		}
		d.mu.Unlock()
	}
	return hs
}

type subscription struct {
	h       radio.Handler
	onError func(error)
}

// Device is one radio on an Air. It implements radio.Medium.
type Device struct {
	air     *Air
	address string

	mu            sync.Mutex
	rssi          int
	subs          map[int]*subscription
	nextSub       int
	txFailures    []error
	subFailures   []error
	transmissions int
	closed        bool
}

var _ radio.Medium = (*Device)(nil)

// Address returns the device address.
func (d *Device) Address() string { return d.address }

// SetRSSI sets the signal strength receivers see for this device.
func (d *Device) SetRSSI(rssi int) {
	d.mu.Lock()
	d.rssi = rssi
	d.mu.Unlock()
}

// FailTransmit queues errors returned by the next transmissions, in order.
func (d *Device) FailTransmit(errs ...error) {
	d.mu.Lock()
	d.txFailures = append(d.txFailures, errs...)
	d.mu.Unlock()
}

// FailSubscribe queues errors returned by the next subscriptions, in order.
func (d *Device) FailSubscribe(errs ...error) {
	d.mu.Lock()
	d.subFailures = append(d.subFailures, errs...)
	d.mu.Unlock()
}

// Transmissions returns the number of successful advertisement transmissions.
func (d *Device) Transmissions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transmissions
}

// Subscribers returns the number of live subscriptions.
func (d *Device) Subscribers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Break reports err to every live subscriber as a medium failure.
func (d *Device) Break(err error) {
	d.mu.Lock()
	var fns []func(error)
	for _, s := range d.subs {
		if s.onError != nil {
			fns = append(fns, s.onError)
		}
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// Close makes every further operation fail with radio.ErrClosed.
func (d *Device) Close() {
	d.mu.Lock()
	d.closed = true
	d.subs = make(map[int]*subscription)
	d.mu.Unlock()
}

func (d *Device) popTxFailure() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, radio.ErrClosed
	}
	if len(d.txFailures) > 0 {
		err := d.txFailures[0]
		d.txFailures = d.txFailures[1:]
		if err != nil {
			return 0, err
		}
	}
	return d.rssi, nil
}

// Transmit delivers payload to every other device's subscribers.
func (d *Device) Transmit(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(payload) > radio.MaxFrameLen {
		return radio.ErrDataTooLarge
	}
	rssi, err := d.popTxFailure()
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.transmissions++
	d.mu.Unlock()

	f := radio.Frame{
		Origin:     d.address,
		RSSI:       rssi,
		Payload:    append([]byte(nil), payload...),
		ReceivedAt: d.air.now(),
	}
	for _, h := range d.air.handlers(d.address) {
		h(f)
	}
	return nil
}

// TransmitTo records an addressed transmission.
func (d *Device) TransmitTo(ctx context.Context, dest string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := d.popTxFailure(); err != nil {
		return err
	}
	d.air.mu.Lock()
	d.air.acks = append(d.air.acks, Ack{From: d.address, To: dest, Payload: append([]byte(nil), payload...)})
	d.air.mu.Unlock()
	return nil
}

// Subscribe registers h for frames transmitted by other devices.
func (d *Device) Subscribe(h radio.Handler, onError func(error)) (func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, radio.ErrClosed
	}
	if len(d.subFailures) > 0 {
		err := d.subFailures[0]
		d.subFailures = d.subFailures[1:]
		if err != nil {
			return nil, err
		}
	}
	id := d.nextSub
	d.nextSub++
	d.subs[id] = &subscription{h: h, onError: onError}

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
		})
	}, nil
}
