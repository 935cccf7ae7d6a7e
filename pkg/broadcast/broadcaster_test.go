package broadcast

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/kabili207/rollcall/pkg/radio"
	"github.com/kabili207/rollcall/pkg/radio/radiotest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestModeInterval(t *testing.T) {
	tests := []struct {
		mode Mode
		want time.Duration
	}{
		{LowPower, time.Second},
		{Balanced, 250 * time.Millisecond},
		{LowLatency, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := tt.mode.Interval(); got != tt.want {
			t.Errorf("%v.Interval() = %v, want %v", tt.mode, got, tt.want)
		}
		parsed, err := ParseMode(tt.mode.String())
		if err != nil || parsed != tt.mode {
			t.Errorf("ParseMode(%q) = %v, %v", tt.mode.String(), parsed, err)
		}
	}
	if _, err := ParseMode("turbo"); err == nil {
		t.Error("ParseMode(turbo) expected error")
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		err  error
		want FailureReason
	}{
		{radio.ErrDataTooLarge, DataTooLarge},
		{fmt.Errorf("wrapped: %w", radio.ErrTooManyAdvertisers), TooManyAdvertisers},
		{radio.ErrBusy, Busy},
		{radio.ErrNotConnected, Busy},
		{radio.ErrUnsupported, Unsupported},
		{errors.New("boom"), Internal},
	}
	for _, tt := range tests {
		if got := Normalize(tt.err); got != tt.want {
			t.Errorf("Normalize(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestStartEmitsImmediatelyAndRepeats(t *testing.T) {
	air := radiotest.New()
	dev := air.Device("HOST")

	b := New(dev, Options{Interval: 5 * time.Millisecond})
	if err := b.Start([]byte("COURSE|1|Math"), LowLatency); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := dev.Transmissions(); got < 1 {
		t.Errorf("Transmissions() = %d right after Start, want >= 1", got)
	}
	waitFor(t, func() bool { return dev.Transmissions() >= 4 })

	b.Stop()
	b.Stop()
	if b.Running() {
		t.Error("Running() = true after Stop")
	}

	n := dev.Transmissions()
	time.Sleep(20 * time.Millisecond)
	if got := dev.Transmissions(); got != n {
		t.Errorf("Transmissions() = %d after Stop, want %d", got, n)
	}
}

func TestStartReplacesPriorEmission(t *testing.T) {
	air := radiotest.New()
	dev := air.Device("HOST")
	rx := air.Device("RX")

	var mu sync.Mutex
	seen := map[string]int{}
	cancel, err := rx.Subscribe(func(f radio.Frame) {
		mu.Lock()
		seen[string(f.Payload)]++
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer cancel()

	b := New(dev, Options{Interval: 5 * time.Millisecond})
	defer b.Stop()

	if err := b.Start([]byte("first"), Balanced); err != nil {
		t.Fatalf("Start(first) error = %v", err)
	}
	if err := b.Start([]byte("second"), Balanced); err != nil {
		t.Fatalf("Start(second) error = %v", err)
	}

	mu.Lock()
	firstCount := seen["first"]
	mu.Unlock()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["second"] >= 3
	})

	mu.Lock()
	defer mu.Unlock()
	if seen["first"] != firstCount {
		t.Errorf("first payload still emitted after restart: %d -> %d", firstCount, seen["first"])
	}
}

func TestStartErrors(t *testing.T) {
	air := radiotest.New()
	dev := air.Device("HOST")
	b := New(dev, Options{})

	err := b.Start(make([]byte, radio.MaxFrameLen+1), LowPower)
	var se *StartError
	if !errors.As(err, &se) || se.Reason != DataTooLarge {
		t.Errorf("Start(oversized) error = %v, want DataTooLarge StartError", err)
	}

	dev.FailTransmit(radio.ErrTooManyAdvertisers)
	err = b.Start([]byte("x"), LowPower)
	if !errors.As(err, &se) || se.Reason != TooManyAdvertisers {
		t.Errorf("Start() error = %v, want TooManyAdvertisers StartError", err)
	}
	if !errors.Is(err, radio.ErrTooManyAdvertisers) {
		t.Errorf("StartError should unwrap to the medium error")
	}
	if b.Running() {
		t.Error("Running() = true after refused start")
	}
}

func TestGivesUpAfterConsecutiveFailures(t *testing.T) {
	air := radiotest.New()
	dev := air.Device("HOST")

	failed := make(chan error, 1)
	b := New(dev, Options{
		Interval:               2 * time.Millisecond,
		MaxConsecutiveFailures: 3,
		OnFailure:              func(err error) { failed <- err },
	})

	// first emission succeeds, then the next three fail
	dev.FailTransmit(nil, radio.ErrBusy, radio.ErrBusy, radio.ErrBusy)
	if err := b.Start([]byte("x"), LowLatency); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case err := <-failed:
		var se *StartError
		if !errors.As(err, &se) || se.Reason != Busy {
			t.Errorf("OnFailure(%v), want Busy StartError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnFailure not called")
	}

	waitFor(t, func() bool { return !b.Running() })
	b.Stop()
}

func TestFailureCounterResetsOnSuccess(t *testing.T) {
	air := radiotest.New()
	dev := air.Device("HOST")

	failed := make(chan error, 1)
	b := New(dev, Options{
		Interval:               2 * time.Millisecond,
		MaxConsecutiveFailures: 2,
		OnFailure:              func(err error) { failed <- err },
	})
	dev.FailTransmit(nil, radio.ErrBusy, nil, radio.ErrBusy, nil)
	if err := b.Start([]byte("x"), LowLatency); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, func() bool { return dev.Transmissions() >= 5 })
	b.Stop()

	select {
	case err := <-failed:
		t.Errorf("OnFailure(%v) called for non-consecutive failures", err)
	default:
	}
}
