package hooks

import (
	"bytes"
	"sync"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/kabili207/rollcall/pkg/radio"
)

// AirHookOptions contains configuration for the air hook.
type AirHookOptions struct {
	// TopicPrefix is the root of the air topics, "air" when empty.
	TopicPrefix string
	// DefaultRSSI is used for frames that do not carry a signal strength.
	DefaultRSSI int
	// LocalAddress is the host's own radio address; its frames are not delivered back.
	LocalAddress string
	// Username and Password, when set, are required of every connecting device.
	Username string
	Password string
}

type airSubscriber struct {
	h       radio.Handler
	onError func(error)
}

// AirHook turns advertisements published on the embedded broker into radio
// frames for the host's listener.
type AirHook struct {
	mqtt.HookBase
	config *AirHookOptions

	mu      sync.RWMutex
	subs    map[int]*airSubscriber
	nextSub int
	stopped bool

	now func() time.Time
}

// ID returns the unique identifier for this hook.
func (h *AirHook) ID() string {
	return "air-hook"
}

// Provides indicates which MQTT events this hook handles.
func (h *AirHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
		mqtt.OnPublish,
	}, []byte{b})
}

// Init initializes the air hook with the provided configuration.
func (h *AirHook) Init(config any) error {
	if _, ok := config.(*AirHookOptions); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}
	if config == nil {
		config = new(AirHookOptions)
	}

	h.config = config.(*AirHookOptions)
	if h.config.TopicPrefix == "" {
		h.config.TopicPrefix = "air"
	}
	h.subs = make(map[int]*airSubscriber)
	if h.now == nil {
		h.now = time.Now
	}

	h.Log.Info("air hook initialised",
		"topic_prefix", h.config.TopicPrefix,
		"default_rssi", h.config.DefaultRSSI)
	return nil
}

// OnConnectAuthenticate accepts every device unless a shared credential is configured.
func (h *AirHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	if h.config.Username == "" {
		return true
	}
	if !h.validateDevice(pk.Connect.Username, pk.Connect.Password) {
		h.Log.Warn("device rejected", "client", cl.ID, "username", string(pk.Connect.Username))
		return false
	}
	return true
}

// OnACLCheck lets a device publish only under its own client id, so the
// origin address of a frame cannot be claimed by another connection.
func (h *AirHook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	if !write || cl.Net.Inline {
		return true
	}
	addr, _, err := radio.ParseTopic(h.config.TopicPrefix, topic)
	if err != nil {
		return false
	}
	if addr != cl.ID {
		h.Log.Warn("device publishing under foreign address",
			"client", cl.ID,
			"topic", topic)
		return false
	}
	return true
}

// OnPublish decodes advertisements and hands them to subscribers. The packet
// is always passed through unmodified.
func (h *AirHook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	addr, suffix, err := radio.ParseTopic(h.config.TopicPrefix, pk.TopicName)
	if err != nil || suffix != radio.SuffixAdv {
		return pk, nil
	}
	if addr == h.config.LocalAddress {
		return pk, nil
	}

	payload, rssi, err := radio.DecodeFrame(pk.Payload, h.config.DefaultRSSI)
	if err != nil {
		h.Log.Debug("failed to decode air frame",
			"topic", pk.TopicName,
			"error", err)
		return pk, nil
	}

	f := radio.Frame{
		Origin:     addr,
		RSSI:       rssi,
		Payload:    payload,
		ReceivedAt: h.now(),
	}
	for _, s := range h.subscribers() {
		s.h(f)
	}
	return pk, nil
}

func (h *AirHook) subscribers() []*airSubscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*airSubscriber, 0, len(h.subs))
	for _, s := range h.subs {
		out = append(out, s)
	}
	return out
}

// Subscribe registers a frame handler. It implements radio.Receiver.
func (h *AirHook) Subscribe(handler radio.Handler, onError func(error)) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || h.subs == nil {
		return nil, radio.ErrClosed
	}
	id := h.nextSub
	h.nextSub++
	h.subs[id] = &airSubscriber{h: handler, onError: onError}

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}, nil
}

// Stop detaches every subscriber, reporting radio.ErrClosed to each.
func (h *AirHook) Stop() error {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	h.stopped = true
	h.mu.Unlock()

	for _, s := range subs {
		if s.onError != nil {
			go s.onError(radio.ErrClosed)
		}
	}
	h.Log.Info("air hook stopped")
	return nil
}
