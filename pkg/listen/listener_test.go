package listen

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kabili207/rollcall/pkg/radio"
	"github.com/kabili207/rollcall/pkg/radio/radiotest"
)

type collector struct {
	mu     sync.Mutex
	frames []radio.Frame
}

func (c *collector) add(f radio.Frame) {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func TestFilterMatch(t *testing.T) {
	flt := Filter{Prefix: []byte("STUDENT|"), MinRSSI: -80}
	tests := []struct {
		payload string
		rssi    int
		want    bool
	}{
		{"STUDENT|A1|2", -50, true},
		{"STUDENT|A1|2", -80, true},
		{"STUDENT|A1|2", -81, false},
		{"COURSE|2|Math", -50, false},
		{"STUD", -50, false},
	}
	for _, tt := range tests {
		got := flt.Match(radio.Frame{Payload: []byte(tt.payload), RSSI: tt.rssi})
		if got != tt.want {
			t.Errorf("Match(%q, %d) = %v, want %v", tt.payload, tt.rssi, got, tt.want)
		}
	}

	if !(Filter{}).Match(radio.Frame{Payload: []byte("anything"), RSSI: -120}) {
		t.Error("zero filter should match everything")
	}
}

func TestListenerDeliversMatchingFrames(t *testing.T) {
	air := radiotest.New()
	host := air.Device("HOST")
	a := air.Device("AA:BB")
	b := air.Device("CC:DD")
	b.SetRSSI(-95)

	var c collector
	l := New(host, Options{})
	if err := l.Start(Filter{Prefix: []byte("STUDENT|"), MinRSSI: -90}, c.add); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer l.Stop()

	ctx := t.Context()
	_ = a.Transmit(ctx, []byte("STUDENT|A100|1"))
	_ = a.Transmit(ctx, []byte("STUDENT|A100|1"))
	_ = a.Transmit(ctx, []byte("COURSE|1|Math"))
	_ = b.Transmit(ctx, []byte("STUDENT|B200|1"))

	if got := c.len(); got != 2 {
		t.Fatalf("delivered %d frames, want 2 (repeats are not deduplicated)", got)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frames[0].Origin != "AA:BB" {
		t.Errorf("Origin = %q, want AA:BB", c.frames[0].Origin)
	}
}

func TestListenerStop(t *testing.T) {
	air := radiotest.New()
	host := air.Device("HOST")
	a := air.Device("AA:BB")

	var c collector
	l := New(host, Options{})
	if err := l.Start(Filter{}, c.add); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	l.Stop()
	l.Stop()

	_ = a.Transmit(t.Context(), []byte("STUDENT|A100|1"))
	if got := c.len(); got != 0 {
		t.Errorf("delivered %d frames after Stop", got)
	}
	if host.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d after Stop, want 0", host.Subscribers())
	}
	if l.Running() {
		t.Error("Running() = true after Stop")
	}
}

func TestListenerRestartReplacesSubscription(t *testing.T) {
	air := radiotest.New()
	host := air.Device("HOST")
	a := air.Device("AA:BB")

	var first, second collector
	l := New(host, Options{})
	if err := l.Start(Filter{}, first.add); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := l.Start(Filter{}, second.add); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer l.Stop()

	_ = a.Transmit(t.Context(), []byte("x"))
	if first.len() != 0 || second.len() != 1 {
		t.Errorf("first=%d second=%d, want 0 and 1", first.len(), second.len())
	}
	if host.Subscribers() != 1 {
		t.Errorf("Subscribers() = %d, want 1", host.Subscribers())
	}
}

func TestListenerStartError(t *testing.T) {
	air := radiotest.New()
	host := air.Device("HOST")
	host.FailSubscribe(radio.ErrUnsupported)

	l := New(host, Options{})
	err := l.Start(Filter{}, func(radio.Frame) {})
	var se *ScanError
	if !errors.As(err, &se) || se.Reason != ReasonUnsupported {
		t.Fatalf("Start() error = %v, want unsupported ScanError", err)
	}
	if l.Running() {
		t.Error("Running() = true after failed start")
	}
}

func TestListenerReportsMediumFailure(t *testing.T) {
	air := radiotest.New()
	host := air.Device("HOST")

	failed := make(chan error, 1)
	l := New(host, Options{OnFailure: func(err error) { failed <- err }})
	if err := l.Start(Filter{}, func(radio.Frame) {}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	host.Break(radio.ErrNotConnected)

	select {
	case err := <-failed:
		var se *ScanError
		if !errors.As(err, &se) || se.Reason != ReasonUnavailable {
			t.Errorf("OnFailure(%v), want unavailable ScanError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnFailure not called")
	}
	if l.Running() {
		t.Error("listener should not restart itself")
	}
	if host.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d after failure, want 0", host.Subscribers())
	}
}
