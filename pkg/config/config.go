package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/kabili207/rollcall/pkg/broadcast"
)

const EnvPrefix = "ROLLCALL"

// Mirror backends.
const (
	MirrorNone     = "none"
	MirrorMQTT     = "mqtt"
	MirrorPostgres = "postgres"
)

type Configuration struct {
	HostID string `mapstructure:"host_id"`
	// ListenAddr is where the embedded radio broker accepts devices. Empty
	// keeps the air in-process.
	ListenAddr string           `mapstructure:"listen_addr"`
	Admin      AdminSettings    `mapstructure:"admin"`
	Log        LogSettings      `mapstructure:"log"`
	Radio      RadioSettings    `mapstructure:"radio"`
	Dedup      DedupSettings    `mapstructure:"dedup"`
	Database   DatabaseSettings `mapstructure:"database"`
	Mirror     MirrorSettings   `mapstructure:"mirror"`
}

type DatabaseSettings struct {
	Path string `mapstructure:"path"`
}

type AdminSettings struct {
	ListenAddr     string   `mapstructure:"listen_addr"`
	User           string   `mapstructure:"user"`
	PasswordHash   string   `mapstructure:"password_hash"`
	Salt           string   `mapstructure:"salt"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RadioSettings struct {
	Address     string `mapstructure:"address"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	// DefaultRSSI is assumed for frames that carry no signal strength.
	DefaultRSSI            int           `mapstructure:"default_rssi"`
	AdvertiseMode          string        `mapstructure:"advertise_mode"`
	StartAttempts          int           `mapstructure:"start_attempts"`
	RetryDelay             time.Duration `mapstructure:"retry_delay"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	ListenerMinRSSI        int           `mapstructure:"listener_min_rssi"`
	AckRepeats             int           `mapstructure:"ack_repeats"`
	AckInterval            time.Duration `mapstructure:"ack_interval"`
}

type DedupSettings struct {
	DuplicateWindow time.Duration `mapstructure:"duplicate_window"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	MinRSSI         int           `mapstructure:"min_rssi"`
	Workers         int           `mapstructure:"workers"`
	QueueSize       int           `mapstructure:"queue_size"`
	DecisionTimeout time.Duration `mapstructure:"decision_timeout"`
	ProfileTTL      time.Duration `mapstructure:"profile_ttl"`
	// Timezone decides where attendance days start. Empty means local time.
	Timezone string `mapstructure:"timezone"`
}

type MirrorSettings struct {
	Backend string        `mapstructure:"backend"`
	Timeout time.Duration `mapstructure:"timeout"`
	MQTT    struct {
		BrokerURL string `mapstructure:"broker_url"`
		ClientID  string `mapstructure:"client_id"`
		Username  string `mapstructure:"username"`
		Password  string `mapstructure:"password"`
		Topic     string `mapstructure:"topic"`
	} `mapstructure:"mqtt"`
	Postgres struct {
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Host     string `mapstructure:"host"`
		DB       string `mapstructure:"db"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"postgres"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host_id", "rollcall")
	v.SetDefault("listen_addr", ":1883")

	v.SetDefault("admin.listen_addr", ":8080")
	v.SetDefault("admin.user", "")
	v.SetDefault("admin.password_hash", "")
	v.SetDefault("admin.salt", "")
	v.SetDefault("admin.allowed_origins", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("radio.address", "HOST")
	v.SetDefault("radio.topic_prefix", "air")
	v.SetDefault("radio.username", "")
	v.SetDefault("radio.password", "")
	v.SetDefault("radio.default_rssi", -60)
	v.SetDefault("radio.advertise_mode", "balanced")
	v.SetDefault("radio.start_attempts", 3)
	v.SetDefault("radio.retry_delay", 2*time.Second)
	v.SetDefault("radio.max_consecutive_failures", 5)
	v.SetDefault("radio.listener_min_rssi", 0)
	v.SetDefault("radio.ack_repeats", 3)
	v.SetDefault("radio.ack_interval", 200*time.Millisecond)

	v.SetDefault("dedup.duplicate_window", 15*time.Second)
	v.SetDefault("dedup.max_attempts", 3)
	v.SetDefault("dedup.min_rssi", -90)
	v.SetDefault("dedup.workers", 4)
	v.SetDefault("dedup.queue_size", 256)
	v.SetDefault("dedup.decision_timeout", 30*time.Second)
	v.SetDefault("dedup.profile_ttl", 5*time.Minute)
	v.SetDefault("dedup.timezone", "")

	v.SetDefault("database.path", "rollcall.db")

	v.SetDefault("mirror.backend", MirrorNone)
	v.SetDefault("mirror.timeout", 5*time.Second)
	v.SetDefault("mirror.mqtt.broker_url", "")
	v.SetDefault("mirror.mqtt.client_id", "")
	v.SetDefault("mirror.mqtt.username", "")
	v.SetDefault("mirror.mqtt.password", "")
	v.SetDefault("mirror.mqtt.topic", "rollcall")
	v.SetDefault("mirror.postgres.user", "")
	v.SetDefault("mirror.postgres.password", "")
	v.SetDefault("mirror.postgres.host", "")
	v.SetDefault("mirror.postgres.db", "")
	v.SetDefault("mirror.postgres.sslmode", "")
}

// Load reads the configuration from path, or from rollcall.yaml in the
// working directory or /etc/rollcall when path is empty. Environment
// variables prefixed with ROLLCALL_ override file values.
func Load(path string) (*Configuration, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("rollcall")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rollcall")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Configuration
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var ErrInvalid = errors.New("invalid configuration")

// Validate rejects impossible values.
func (c *Configuration) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...)))
		}
	}

	check(strings.TrimSpace(c.HostID) != "", "host_id is empty")
	check(c.Radio.Address != "" && !strings.ContainsAny(c.Radio.Address, "/+#"),
		"radio.address %q is not a valid topic segment", c.Radio.Address)
	check(c.Radio.TopicPrefix != "", "radio.topic_prefix is empty")
	check(c.Radio.StartAttempts > 0, "radio.start_attempts must be positive")
	check(c.Radio.RetryDelay > 0, "radio.retry_delay must be positive")
	check(c.Radio.AckRepeats >= 0, "radio.ack_repeats must not be negative")
	_, err := broadcast.ParseMode(c.Radio.AdvertiseMode)
	check(err == nil, "radio.advertise_mode %q is unknown", c.Radio.AdvertiseMode)

	check(c.Dedup.DuplicateWindow > 0, "dedup.duplicate_window must be positive")
	check(c.Dedup.MaxAttempts > 0, "dedup.max_attempts must be positive")
	check(c.Dedup.MinRSSI <= 0, "dedup.min_rssi must be a dBm value at or below zero")
	check(c.Dedup.Workers > 0, "dedup.workers must be positive")
	check(c.Dedup.QueueSize > 0, "dedup.queue_size must be positive")
	_, err = c.Location()
	check(err == nil, "dedup.timezone %q is unknown", c.Dedup.Timezone)

	check(c.Database.Path != "", "database.path is empty")

	switch c.Mirror.Backend {
	case MirrorNone, "":
	case MirrorMQTT:
		check(c.Mirror.MQTT.BrokerURL != "", "mirror.mqtt.broker_url is required for the mqtt mirror")
	case MirrorPostgres:
		check(c.Mirror.Postgres.Host != "" && c.Mirror.Postgres.DB != "",
			"mirror.postgres.host and mirror.postgres.db are required for the postgres mirror")
	default:
		check(false, "mirror.backend %q is unknown", c.Mirror.Backend)
	}

	_, err = ParseLevel(c.Log.Level)
	check(err == nil, "log.level %q is unknown", c.Log.Level)
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format %q is unknown", c.Log.Format)

	return errors.Join(errs...)
}

// Location returns the time zone attendance days are counted in.
func (c *Configuration) Location() (*time.Location, error) {
	if c.Dedup.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Dedup.Timezone)
}

// AdvertiseMode returns the parsed broadcast mode.
func (c *Configuration) AdvertiseMode() broadcast.Mode {
	mode, _ := broadcast.ParseMode(c.Radio.AdvertiseMode)
	return mode
}

// ParseLevel maps a configured level name onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(s))
	return lvl, err
}
