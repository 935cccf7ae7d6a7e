package radio

import (
	"bytes"
	"errors"
	"testing"
)

func TestTopics(t *testing.T) {
	if got := AdvTopic("air", "AA:BB"); got != "air/AA:BB/adv" {
		t.Errorf("AdvTopic() = %q, want %q", got, "air/AA:BB/adv")
	}
	if got := AckTopic("air", "AA:BB"); got != "air/AA:BB/ack" {
		t.Errorf("AckTopic() = %q, want %q", got, "air/AA:BB/ack")
	}
}

func TestParseTopic(t *testing.T) {
	tests := []struct {
		topic      string
		wantAddr   string
		wantSuffix string
		wantErr    bool
	}{
		{"air/AA:BB/adv", "AA:BB", SuffixAdv, false},
		{"air/CC:DD/ack", "CC:DD", SuffixAck, false},
		{"air/AA:BB/rx", "", "", true},
		{"air//adv", "", "", true},
		{"air/AA/BB/adv", "", "", true},
		{"other/AA:BB/adv", "", "", true},
		{"air", "", "", true},
	}

	for _, tt := range tests {
		addr, suffix, err := ParseTopic("air", tt.topic)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTopic(%q) error = %v, wantErr %v", tt.topic, err, tt.wantErr)
			continue
		}
		if addr != tt.wantAddr || suffix != tt.wantSuffix {
			t.Errorf("ParseTopic(%q) = (%q, %q), want (%q, %q)", tt.topic, addr, suffix, tt.wantAddr, tt.wantSuffix)
		}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	rssi := -61
	data, err := EncodeFrame([]byte("STUDENT|A100|3"), &rssi)
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}

	payload, got, err := DecodeFrame(data, -70)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if !bytes.Equal(payload, []byte("STUDENT|A100|3")) {
		t.Errorf("payload = %q", payload)
	}
	if got != rssi {
		t.Errorf("rssi = %d, want %d", got, rssi)
	}
}

func TestDecodeFrameDefaultRSSI(t *testing.T) {
	data, err := EncodeFrame([]byte{0x01}, nil)
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}
	_, rssi, err := DecodeFrame(data, -55)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if rssi != -55 {
		t.Errorf("rssi = %d, want default -55", rssi)
	}
}

func TestFrameErrors(t *testing.T) {
	if _, err := EncodeFrame(make([]byte, MaxFrameLen+1), nil); !errors.Is(err, ErrDataTooLarge) {
		t.Errorf("EncodeFrame() error = %v, want ErrDataTooLarge", err)
	}
	for _, in := range []string{"", "not json", `{"rssi":-40}`, `{"data":"!!"}`} {
		if _, _, err := DecodeFrame([]byte(in), 0); err == nil {
			t.Errorf("DecodeFrame(%q) expected error", in)
		}
	}
}
