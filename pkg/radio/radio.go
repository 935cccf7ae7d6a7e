// Package radio describes the short-range medium beacons travel over.
package radio

import (
	"context"
	"errors"
	"time"
)

// MaxFrameLen is the largest payload a single advertisement can carry.
const MaxFrameLen = 31

var (
	ErrDataTooLarge       = errors.New("advertisement data too large")
	ErrTooManyAdvertisers = errors.New("too many advertisers")
	ErrBusy               = errors.New("radio busy")
	ErrUnsupported        = errors.New("feature unsupported")
	ErrClosed             = errors.New("radio closed")
	ErrNotConnected       = errors.New("radio not connected")
)

// Frame is one received advertisement.
type Frame struct {
	Origin     string
	RSSI       int
	Payload    []byte
	ReceivedAt time.Time
}

// Handler receives frames. It may be called concurrently.
type Handler func(Frame)

// Transmitter emits frames onto the medium.
type Transmitter interface {
	// Address is the origin address other devices see for this transmitter.
	Address() string
	// Transmit emits one advertisement.
	Transmit(ctx context.Context, payload []byte) error
	// TransmitTo emits a short payload addressed to a single device.
	TransmitTo(ctx context.Context, dest string, payload []byte) error
}

// Receiver delivers frames heard on the medium.
type Receiver interface {
	// Subscribe registers h for every received frame. onError is called if
	// the medium fails after the subscription was established. The returned
	// cancel func is safe to call more than once.
	Subscribe(h Handler, onError func(error)) (cancel func(), err error)
}

// Medium is a half-duplex radio.
type Medium interface {
	Transmitter
	Receiver
}
