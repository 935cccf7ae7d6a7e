// Package mqttair carries the radio medium over MQTT. The host runs an
// embedded broker; attendee devices connect to it as clients.
package mqttair

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"

	"github.com/kabili207/rollcall/pkg/hooks"
	"github.com/kabili207/rollcall/pkg/radio"
)

// BrokerOptions configures the host's embedded broker.
type BrokerOptions struct {
	ListenAddr  string
	Address     string
	TopicPrefix string
	DefaultRSSI int
	TxRSSI      *int
	Username    string
	Password    string
	Logger      *slog.Logger
}

// BrokerMedium is the host radio: an embedded broker whose air hook feeds the
// listener and whose inline client transmits.
type BrokerMedium struct {
	server *mqtt.Server
	hook   *hooks.AirHook
	opts   BrokerOptions

	closeOnce sync.Once
	closeErr  error
}

var _ radio.Medium = (*BrokerMedium)(nil)

// NewBroker builds the embedded broker. Call Serve to start accepting devices.
func NewBroker(opts BrokerOptions) (*BrokerMedium, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "air"
	}

	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
		Logger:       opts.Logger.With("component", "broker"),
	})

	hook := new(hooks.AirHook)
	err := server.AddHook(hook, &hooks.AirHookOptions{
		TopicPrefix:  opts.TopicPrefix,
		DefaultRSSI:  opts.DefaultRSSI,
		LocalAddress: opts.Address,
		Username:     opts.Username,
		Password:     opts.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("adding air hook: %w", err)
	}

	if opts.ListenAddr != "" {
		tcp := listeners.NewTCP(listeners.Config{ID: "air", Address: opts.ListenAddr})
		if err := server.AddListener(tcp); err != nil {
			return nil, fmt.Errorf("adding air listener: %w", err)
		}
	}

	return &BrokerMedium{server: server, hook: hook, opts: opts}, nil
}

// Serve starts the broker listeners. It returns once they are running.
func (b *BrokerMedium) Serve() error {
	return b.server.Serve()
}

// Close stops the broker and detaches every subscriber. It is safe to call
// more than once.
func (b *BrokerMedium) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.server.Close()
	})
	return b.closeErr
}

// Address returns the host's radio address.
func (b *BrokerMedium) Address() string { return b.opts.Address }

// Transmit publishes an advertisement from the host.
func (b *BrokerMedium) Transmit(ctx context.Context, payload []byte) error {
	return b.publish(ctx, radio.AdvTopic(b.opts.TopicPrefix, b.opts.Address), payload)
}

// TransmitTo publishes a payload on dest's acknowledgement topic.
func (b *BrokerMedium) TransmitTo(ctx context.Context, dest string, payload []byte) error {
	return b.publish(ctx, radio.AckTopic(b.opts.TopicPrefix, dest), payload)
}

func (b *BrokerMedium) publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := radio.EncodeFrame(payload, b.opts.TxRSSI)
	if err != nil {
		return err
	}
	if err := b.server.Publish(topic, frame, false, 0); err != nil {
		return fmt.Errorf("%w: %v", radio.ErrBusy, err)
	}
	return nil
}

// Subscribe registers h for advertisements published by devices.
func (b *BrokerMedium) Subscribe(h radio.Handler, onError func(error)) (func(), error) {
	return b.hook.Subscribe(h, onError)
}
