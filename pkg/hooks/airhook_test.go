package hooks

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/kabili207/rollcall/pkg/radio"
)

func newAirHook(t *testing.T, opts *AirHookOptions) *AirHook {
	t.Helper()
	h := &AirHook{now: func() time.Time { return time.Unix(1700000000, 0) }}
	h.Log = slog.Default()
	if err := h.Init(opts); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return h
}

func publish(t *testing.T, h *AirHook, topic string, payload []byte) {
	t.Helper()
	pk := packets.Packet{TopicName: topic, Payload: payload}
	out, err := h.OnPublish(&mqtt.Client{ID: "test"}, pk)
	if err != nil {
		t.Fatalf("OnPublish() error = %v", err)
	}
	if out.TopicName != pk.TopicName || string(out.Payload) != string(pk.Payload) {
		t.Errorf("OnPublish() modified packet")
	}
}

func TestAirHookDeliversAdvertisements(t *testing.T) {
	h := newAirHook(t, &AirHookOptions{DefaultRSSI: -70, LocalAddress: "HOST"})

	var mu sync.Mutex
	var got []radio.Frame
	cancel, err := h.Subscribe(func(f radio.Frame) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer cancel()

	rssi := -48
	withRSSI, _ := radio.EncodeFrame([]byte("STUDENT|A100|1"), &rssi)
	noRSSI, _ := radio.EncodeFrame([]byte("STUDENT|B200|1"), nil)

	publish(t, h, "air/AA:BB/adv", withRSSI)
	publish(t, h, "air/CC:DD/adv", noRSSI)
	publish(t, h, "air/HOST/adv", noRSSI)
	publish(t, h, "air/AA:BB/ack", noRSSI)
	publish(t, h, "air/AA:BB/adv", []byte("garbage"))
	publish(t, h, "other/AA:BB/adv", withRSSI)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("delivered %d frames, want 2", len(got))
	}
	if got[0].Origin != "AA:BB" || got[0].RSSI != -48 || string(got[0].Payload) != "STUDENT|A100|1" {
		t.Errorf("frame[0] = %+v", got[0])
	}
	if got[1].Origin != "CC:DD" || got[1].RSSI != -70 {
		t.Errorf("frame[1] = %+v, want default rssi -70", got[1])
	}
	if !got[0].ReceivedAt.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("ReceivedAt = %v", got[0].ReceivedAt)
	}
}

func TestAirHookCancel(t *testing.T) {
	h := newAirHook(t, nil)

	calls := 0
	cancel, err := h.Subscribe(func(radio.Frame) { calls++ }, nil)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	cancel()
	cancel()

	frame, _ := radio.EncodeFrame([]byte("x"), nil)
	publish(t, h, "air/AA/adv", frame)
	if calls != 0 {
		t.Errorf("handler called %d times after cancel", calls)
	}
}

func TestAirHookStop(t *testing.T) {
	h := newAirHook(t, nil)

	errs := make(chan error, 1)
	if _, err := h.Subscribe(func(radio.Frame) {}, func(err error) { errs <- err }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	select {
	case err := <-errs:
		if !errors.Is(err, radio.ErrClosed) {
			t.Errorf("onError(%v), want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("onError not called after Stop")
	}

	if _, err := h.Subscribe(func(radio.Frame) {}, nil); !errors.Is(err, radio.ErrClosed) {
		t.Errorf("Subscribe() after Stop error = %v, want ErrClosed", err)
	}
}

func TestAirHookAuthenticate(t *testing.T) {
	open := newAirHook(t, nil)
	if !open.OnConnectAuthenticate(&mqtt.Client{ID: "x"}, packets.Packet{}) {
		t.Error("open air should accept every device")
	}

	h := newAirHook(t, &AirHookOptions{Username: "room", Password: "s3cret"})
	tests := []struct {
		user, pass string
		want       bool
	}{
		{"room", "s3cret", true},
		{"room", "wrong", false},
		{"other", "s3cret", false},
		{"", "", false},
	}
	for _, tt := range tests {
		pk := packets.Packet{Connect: packets.ConnectParams{Username: []byte(tt.user), Password: []byte(tt.pass)}}
		if got := h.OnConnectAuthenticate(&mqtt.Client{ID: "x"}, pk); got != tt.want {
			t.Errorf("OnConnectAuthenticate(%q, %q) = %v, want %v", tt.user, tt.pass, got, tt.want)
		}
	}
}

func TestAirHookACL(t *testing.T) {
	h := newAirHook(t, nil)

	tests := []struct {
		client string
		topic  string
		write  bool
		want   bool
	}{
		{"AA:BB", "air/AA:BB/adv", true, true},
		{"AA:BB", "air/CC:DD/adv", true, false},
		{"AA:BB", "misc/topic", true, false},
		{"AA:BB", "air/AA:BB/ack", false, true},
		{"AA:BB", "air/#", false, true},
	}
	for _, tt := range tests {
		got := h.OnACLCheck(&mqtt.Client{ID: tt.client}, tt.topic, tt.write)
		if got != tt.want {
			t.Errorf("OnACLCheck(%q, %q, %v) = %v, want %v", tt.client, tt.topic, tt.write, got, tt.want)
		}
	}

	inline := &mqtt.Client{ID: "inline"}
	inline.Net.Inline = true
	if !h.OnACLCheck(inline, "air/CC:DD/ack", true) {
		t.Error("inline client should be allowed to publish anywhere")
	}
}
