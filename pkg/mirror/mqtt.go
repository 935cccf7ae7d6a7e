package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kabili207/rollcall/pkg/models"
)

// MQTTOptions configures the MQTT mirror.
type MQTTOptions struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	// Topic is the root every message is published under.
	Topic   string
	Timeout time.Duration
	Logger  *slog.Logger
}

// MQTTMirror publishes sessions and attendance as JSON to an MQTT broker.
// Sessions are retained on {topic}/sessions/{id}; attendance is published on
// {topic}/sessions/{id}/attendance/{subject}.
type MQTTMirror struct {
	client paho.Client
	opts   MQTTOptions
	log    *slog.Logger
}

var _ Mirror = (*MQTTMirror)(nil)

// NewMQTT connects to the mirror broker. The client reconnects on its own
// after the first successful connection.
func NewMQTT(opts MQTTOptions) (*MQTTMirror, error) {
	if opts.Topic == "" {
		opts.Topic = "rollcall"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &MQTTMirror{opts: opts, log: opts.Logger.With("component", "mirror", "backend", "mqtt")}

	co := paho.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(opts.Timeout).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			m.log.Warn("mirror connection lost", "error", err)
		}).
		SetOnConnectHandler(func(paho.Client) {
			m.log.Info("mirror connected", "broker", opts.BrokerURL)
		})

	m.client = paho.NewClient(co)
	tok := m.client.Connect()
	if !tok.WaitTimeout(opts.Timeout) {
		return nil, fmt.Errorf("connecting to %s: timed out", opts.BrokerURL)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", opts.BrokerURL, err)
	}
	return m, nil
}

type attendanceMessage struct {
	*models.AttendanceRecord
	CourseName string `json:"course_name"`
}

func (m *MQTTMirror) sessionTopic(id string) string {
	return m.opts.Topic + "/sessions/" + id
}

func (m *MQTTMirror) MirrorSession(ctx context.Context, s *models.Session) error {
	return m.publish(ctx, m.sessionTopic(s.ID), true, s)
}

func (m *MQTTMirror) DeactivateSession(ctx context.Context, s *models.Session) error {
	return m.publish(ctx, m.sessionTopic(s.ID), true, s)
}

func (m *MQTTMirror) MirrorAttendance(ctx context.Context, s *models.Session, rec *models.AttendanceRecord) error {
	topic := m.sessionTopic(s.ID) + "/attendance/" + rec.SubjectID
	return m.publish(ctx, topic, false, attendanceMessage{AttendanceRecord: rec, CourseName: s.CourseName})
}

func (m *MQTTMirror) publish(ctx context.Context, topic string, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tok := m.client.Publish(topic, 1, retained, payload)
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return fmt.Errorf("publishing %s: %w", topic, ctx.Err())
	}
}

// Close disconnects from the broker.
func (m *MQTTMirror) Close() error {
	m.client.Disconnect(250)
	return nil
}
