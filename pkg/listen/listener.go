// Package listen passively receives beacons matching a filter.
package listen

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kabili207/rollcall/pkg/radio"
)

// Filter selects the frames delivered to the callback.
type Filter struct {
	// Prefix must match the start of the payload. Empty matches everything.
	Prefix []byte
	// MinRSSI is the weakest accepted signal. Zero disables the floor.
	MinRSSI int
}

// Match reports whether f passes the filter.
func (flt Filter) Match(f radio.Frame) bool {
	if !bytes.HasPrefix(f.Payload, flt.Prefix) {
		return false
	}
	return flt.MinRSSI == 0 || f.RSSI >= flt.MinRSSI
}

// Callback receives matching frames. It may be called concurrently and
// must not block for long.
type Callback func(radio.Frame)

// Reason is the normalized cause of a scan failure.
type Reason int

const (
	ReasonInternal Reason = iota
	ReasonAlreadyStarted
	ReasonUnsupported
	ReasonUnavailable
)

func (r Reason) String() string {
	switch r {
	case ReasonAlreadyStarted:
		return "already_started"
	case ReasonUnsupported:
		return "unsupported"
	case ReasonUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

func normalize(err error) Reason {
	switch {
	case errors.Is(err, radio.ErrUnsupported):
		return ReasonUnsupported
	case errors.Is(err, radio.ErrClosed), errors.Is(err, radio.ErrNotConnected), errors.Is(err, radio.ErrBusy):
		return ReasonUnavailable
	default:
		return ReasonInternal
	}
}

// ScanError reports a failed or interrupted subscription.
type ScanError struct {
	Reason Reason
	Err    error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scan failed (%s): %v", e.Reason, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// Options configures a Listener.
type Options struct {
	// OnFailure is called, on its own goroutine, when the medium drops a
	// running subscription. The listener does not restart itself.
	OnFailure func(error)
	Logger    *slog.Logger
}

// Listener delivers filtered frames from a receiver.
type Listener struct {
	rx   radio.Receiver
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	cancel func()
	gen    uint64
}

// New returns an idle listener over rx.
func New(rx radio.Receiver, opts Options) *Listener {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Listener{
		rx:   rx,
		opts: opts,
		log:  opts.Logger.With("component", "listener"),
	}
}

// Start replaces any running subscription with one delivering frames that
// match flt to cb.
func (l *Listener) Start(flt Filter, cb Callback) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stopLocked()
	l.gen++
	gen := l.gen
	prefix := append([]byte(nil), flt.Prefix...)
	flt.Prefix = prefix

	cancel, err := l.rx.Subscribe(func(f radio.Frame) {
		if !l.current(gen) || !flt.Match(f) {
			return
		}
		cb(f)
	}, func(err error) {
		l.fail(gen, err)
	})
	if err != nil {
		return &ScanError{Reason: normalize(err), Err: err}
	}
	l.cancel = cancel
	l.log.Debug("listener started", "prefix", string(prefix), "min_rssi", flt.MinRSSI)
	return nil
}

func (l *Listener) current(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil && l.gen == gen
}

func (l *Listener) fail(gen uint64, err error) {
	l.mu.Lock()
	if l.gen != gen || l.cancel == nil {
		l.mu.Unlock()
		return
	}
	l.cancel()
	l.cancel = nil
	l.mu.Unlock()

	l.log.Warn("listener interrupted", "error", err)
	if l.opts.OnFailure != nil {
		go l.opts.OnFailure(&ScanError{Reason: normalize(err), Err: err})
	}
}

// Stop ends the running subscription. It is a no-op when idle.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
}

func (l *Listener) stopLocked() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	l.cancel = nil
	l.gen++
	l.log.Debug("listener stopped")
}

// Running reports whether a subscription is active.
func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}
