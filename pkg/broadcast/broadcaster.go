// Package broadcast emits a payload continuously over a radio transmitter.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kabili207/rollcall/pkg/radio"
)

// Mode selects the advertising interval.
type Mode int

const (
	LowPower Mode = iota
	Balanced
	LowLatency
)

// Interval returns the emission period for the mode.
func (m Mode) Interval() time.Duration {
	switch m {
	case LowLatency:
		return 100 * time.Millisecond
	case Balanced:
		return 250 * time.Millisecond
	default:
		return time.Second
	}
}

func (m Mode) String() string {
	switch m {
	case LowLatency:
		return "low_latency"
	case Balanced:
		return "balanced"
	default:
		return "low_power"
	}
}

// ParseMode parses the configuration name of a mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "_")) {
	case "low_power", "":
		return LowPower, nil
	case "balanced":
		return Balanced, nil
	case "low_latency":
		return LowLatency, nil
	}
	return LowPower, fmt.Errorf("unknown advertise mode %q", s)
}

// FailureReason is the normalized cause of a refused emission.
type FailureReason int

const (
	Internal FailureReason = iota
	DataTooLarge
	TooManyAdvertisers
	Busy
	Unsupported
)

func (r FailureReason) String() string {
	switch r {
	case DataTooLarge:
		return "data_too_large"
	case TooManyAdvertisers:
		return "too_many_advertisers"
	case Busy:
		return "busy"
	case Unsupported:
		return "unsupported"
	default:
		return "internal"
	}
}

// Normalize maps a medium error onto a FailureReason.
func Normalize(err error) FailureReason {
	switch {
	case errors.Is(err, radio.ErrDataTooLarge):
		return DataTooLarge
	case errors.Is(err, radio.ErrTooManyAdvertisers):
		return TooManyAdvertisers
	case errors.Is(err, radio.ErrBusy), errors.Is(err, radio.ErrNotConnected):
		return Busy
	case errors.Is(err, radio.ErrUnsupported):
		return Unsupported
	default:
		return Internal
	}
}

// StartError is returned when the first emission is refused.
type StartError struct {
	Reason FailureReason
	Err    error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("broadcast start failed (%s): %v", e.Reason, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// Options configures a Broadcaster.
type Options struct {
	// MaxConsecutiveFailures is the number of failed periodic emissions after
	// which the broadcaster gives up. Defaults to 5.
	MaxConsecutiveFailures int
	// OnFailure is called, on its own goroutine, when the broadcaster gives up.
	OnFailure func(error)
	// Interval overrides the mode interval when non-zero.
	Interval time.Duration
	Logger   *slog.Logger
}

// Broadcaster is a single logical emitter: at most one payload is on the air
// at a time.
type Broadcaster struct {
	tx   radio.Transmitter
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an idle broadcaster over tx.
func New(tx radio.Transmitter, opts Options) *Broadcaster {
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Broadcaster{
		tx:   tx,
		opts: opts,
		log:  opts.Logger.With("component", "broadcaster"),
	}
}

// Start stops any running emission, transmits payload once and keeps
// repeating it every mode interval until Stop.
func (b *Broadcaster) Start(payload []byte, mode Mode) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopLocked()

	if len(payload) > radio.MaxFrameLen {
		return &StartError{Reason: DataTooLarge, Err: radio.ErrDataTooLarge}
	}
	data := append([]byte(nil), payload...)

	ctx, cancel := context.WithCancel(context.Background())
	if err := b.tx.Transmit(ctx, data); err != nil {
		cancel()
		return &StartError{Reason: Normalize(err), Err: err}
	}

	interval := b.opts.Interval
	if interval == 0 {
		interval = mode.Interval()
	}

	done := make(chan struct{})
	b.cancel = cancel
	b.done = done
	go b.run(ctx, done, data, interval)

	b.log.Debug("broadcast started", "mode", mode, "interval", interval, "len", len(data))
	return nil
}

func (b *Broadcaster) run(ctx context.Context, done chan struct{}, payload []byte, interval time.Duration) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := b.tx.Transmit(ctx, payload)
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}

		failures++
		b.log.Debug("broadcast emission failed", "failures", failures, "error", err)
		if failures >= b.opts.MaxConsecutiveFailures {
			b.log.Warn("broadcast giving up",
				"failures", failures,
				"reason", Normalize(err),
				"error", err)
			if b.opts.OnFailure != nil {
				go b.opts.OnFailure(&StartError{Reason: Normalize(err), Err: err})
			}
			return
		}
	}
}

// Stop ends the running emission. It is a no-op when idle.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()
}

func (b *Broadcaster) stopLocked() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
	b.cancel = nil
	b.done = nil
	b.log.Debug("broadcast stopped")
}

// Running reports whether an emission loop is active.
func (b *Broadcaster) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done == nil {
		return false
	}
	select {
	case <-b.done:
		return false
	default:
		return true
	}
}
