package radio

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Topic suffixes used when the air is carried over MQTT.
const (
	SuffixAdv = "adv"
	SuffixAck = "ack"
)

var ErrBadTopic = errors.New("not an air topic")

// AdvTopic returns the topic advertisements from addr are published on.
func AdvTopic(prefix, addr string) string {
	return prefix + "/" + addr + "/" + SuffixAdv
}

// AckTopic returns the topic acknowledgements addressed to addr are published on.
func AckTopic(prefix, addr string) string {
	return prefix + "/" + addr + "/" + SuffixAck
}

// ParseTopic splits an air topic into its address and suffix.
func ParseTopic(prefix, topic string) (addr, suffix string, err error) {
	p := prefix + "/"
	if !strings.HasPrefix(topic, p) {
		return "", "", ErrBadTopic
	}
	parts := strings.Split(topic[len(p):], "/")
	if len(parts) != 2 || parts[0] == "" {
		return "", "", ErrBadTopic
	}
	if parts[1] != SuffixAdv && parts[1] != SuffixAck {
		return "", "", ErrBadTopic
	}
	return parts[0], parts[1], nil
}

type wireFrame struct {
	RSSI *int   `json:"rssi,omitempty"`
	Data []byte `json:"data"`
}

// EncodeFrame wraps payload for publication. A nil rssi leaves the signal
// strength to the receiver's default.
func EncodeFrame(payload []byte, rssi *int) ([]byte, error) {
	if len(payload) > MaxFrameLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrDataTooLarge, len(payload))
	}
	return json.Marshal(wireFrame{RSSI: rssi, Data: payload})
}

// DecodeFrame unwraps a published frame. It returns the payload and the
// signal strength, substituting defaultRSSI when none was sent.
func DecodeFrame(data []byte, defaultRSSI int) ([]byte, int, error) {
	var wf wireFrame
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, 0, fmt.Errorf("decoding frame: %w", err)
	}
	if len(wf.Data) == 0 {
		return nil, 0, errors.New("decoding frame: empty data")
	}
	if len(wf.Data) > MaxFrameLen {
		return nil, 0, fmt.Errorf("decoding frame: %w", ErrDataTooLarge)
	}
	rssi := defaultRSSI
	if wf.RSSI != nil {
		rssi = *wf.RSSI
	}
	return wf.Data, rssi, nil
}
