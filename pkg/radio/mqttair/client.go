package mqttair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kabili207/rollcall/pkg/radio"
)

// ClientOptions configures a device connecting to the air broker.
type ClientOptions struct {
	BrokerURL      string
	Username       string
	Password       string
	TopicPrefix    string
	Address        string
	DefaultRSSI    int
	TxRSSI         *int
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// ClientMedium is a radio backed by an MQTT client connection. The device
// address doubles as the MQTT client id.
type ClientMedium struct {
	client paho.Client
	opts   ClientOptions
	log    *slog.Logger

	mu       sync.Mutex
	subs     map[int]*clientSub
	nextSub  int
	advSub   bool
	ackSubs  map[int]radio.Handler
	nextAck  int
	ackTopic bool
}

type clientSub struct {
	h       radio.Handler
	onError func(error)
}

var _ radio.Medium = (*ClientMedium)(nil)

// Dial connects to the air broker.
func Dial(opts ClientOptions) (*ClientMedium, error) {
	if opts.Address == "" {
		return nil, errors.New("device address is required")
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "air"
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &ClientMedium{
		opts:    opts,
		log:     opts.Logger.With("component", "air-client", "address", opts.Address),
		subs:    make(map[int]*clientSub),
		ackSubs: make(map[int]radio.Handler),
	}

	co := paho.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.Address).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectTimeout(opts.ConnectTimeout).
		SetConnectionLostHandler(m.onConnectionLost)

	m.client = paho.NewClient(co)
	if err := waitToken(context.Background(), m.client.Connect(), opts.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", opts.BrokerURL, err)
	}
	m.log.Info("connected to air broker", "broker", opts.BrokerURL)
	return m, nil
}

// Close disconnects from the broker.
func (m *ClientMedium) Close() {
	m.client.Disconnect(250)
}

// Address returns the device address.
func (m *ClientMedium) Address() string { return m.opts.Address }

// Transmit publishes an advertisement.
func (m *ClientMedium) Transmit(ctx context.Context, payload []byte) error {
	return m.publish(ctx, radio.AdvTopic(m.opts.TopicPrefix, m.opts.Address), payload)
}

// TransmitTo publishes a payload on dest's acknowledgement topic.
func (m *ClientMedium) TransmitTo(ctx context.Context, dest string, payload []byte) error {
	return m.publish(ctx, radio.AckTopic(m.opts.TopicPrefix, dest), payload)
}

func (m *ClientMedium) publish(ctx context.Context, topic string, payload []byte) error {
	if !m.client.IsConnectionOpen() {
		return radio.ErrNotConnected
	}
	frame, err := radio.EncodeFrame(payload, m.opts.TxRSSI)
	if err != nil {
		return err
	}
	if err := waitToken(ctx, m.client.Publish(topic, 0, false, frame), m.opts.ConnectTimeout); err != nil {
		return fmt.Errorf("%w: %v", radio.ErrBusy, err)
	}
	return nil
}

// Subscribe registers h for advertisements from every other device.
func (m *ClientMedium) Subscribe(h radio.Handler, onError func(error)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.advSub {
		topic := m.opts.TopicPrefix + "/+/" + radio.SuffixAdv
		if err := waitToken(context.Background(), m.client.Subscribe(topic, 0, m.onAdvertisement), m.opts.ConnectTimeout); err != nil {
			return nil, fmt.Errorf("%w: subscribing %s: %v", radio.ErrBusy, topic, err)
		}
		m.advSub = true
	}

	id := m.nextSub
	m.nextSub++
	m.subs[id] = &clientSub{h: h, onError: onError}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}, nil
}

// SubscribeAcks registers h for payloads addressed to this device.
func (m *ClientMedium) SubscribeAcks(h radio.Handler) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ackTopic {
		topic := radio.AckTopic(m.opts.TopicPrefix, m.opts.Address)
		if err := waitToken(context.Background(), m.client.Subscribe(topic, 0, m.onAck), m.opts.ConnectTimeout); err != nil {
			return nil, fmt.Errorf("subscribing %s: %w", topic, err)
		}
		m.ackTopic = true
	}

	id := m.nextAck
	m.nextAck++
	m.ackSubs[id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.ackSubs, id)
			m.mu.Unlock()
		})
	}, nil
}

func (m *ClientMedium) onAdvertisement(_ paho.Client, msg paho.Message) {
	addr, _, err := radio.ParseTopic(m.opts.TopicPrefix, msg.Topic())
	if err != nil || addr == m.opts.Address {
		return
	}
	payload, rssi, err := radio.DecodeFrame(msg.Payload(), m.opts.DefaultRSSI)
	if err != nil {
		m.log.Debug("failed to decode air frame", "topic", msg.Topic(), "error", err)
		return
	}
	f := radio.Frame{Origin: addr, RSSI: rssi, Payload: payload, ReceivedAt: time.Now()}

	m.mu.Lock()
	hs := make([]radio.Handler, 0, len(m.subs))
	for _, s := range m.subs {
		hs = append(hs, s.h)
	}
	m.mu.Unlock()
	for _, h := range hs {
		h(f)
	}
}

func (m *ClientMedium) onAck(_ paho.Client, msg paho.Message) {
	payload, rssi, err := radio.DecodeFrame(msg.Payload(), m.opts.DefaultRSSI)
	if err != nil {
		m.log.Debug("failed to decode ack frame", "topic", msg.Topic(), "error", err)
		return
	}
	f := radio.Frame{RSSI: rssi, Payload: payload, ReceivedAt: time.Now()}

	m.mu.Lock()
	hs := make([]radio.Handler, 0, len(m.ackSubs))
	for _, h := range m.ackSubs {
		hs = append(hs, h)
	}
	m.mu.Unlock()
	for _, h := range hs {
		h(f)
	}
}

func (m *ClientMedium) onConnectionLost(_ paho.Client, err error) {
	m.log.Warn("air connection lost", "error", err)

	m.mu.Lock()
	var fns []func(error)
	for _, s := range m.subs {
		if s.onError != nil {
			fns = append(fns, s.onError)
		}
	}
	m.advSub = false
	m.ackTopic = false
	m.mu.Unlock()

	for _, fn := range fns {
		fn(fmt.Errorf("%w: %v", radio.ErrNotConnected, err))
	}
}

func waitToken(ctx context.Context, tok paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return errors.New("timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}
