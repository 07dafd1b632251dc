package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/whiskerlink/whisker-bridge/internal/logging"
)

const (
	defaultHTTPAddr       = ":8097"
	defaultDBPath         = "/data/whisker_bridge.db"
	defaultOptionsPath    = "/data/options.yaml"
	defaultPollInterval   = 5 * time.Minute
	defaultConfirmTimeout = 60 * time.Second
	defaultIdentityURL    = "https://auth.whisker.iothings.site"
	defaultRESTEndpoint   = "https://v2.api.whisker.iothings.site"
	defaultLR4Endpoint    = "https://lr4.iothings.site/graphql"
	defaultFeederEndpoint = "https://graphql.whisker.iothings.site/v1/graphql"
	defaultLR4Realtime    = "https://lr4.iothings.site/graphql/realtime"
	defaultFeederRealtime = "https://graphql.whisker.iothings.site/v1/realtime"
)

// Config stores runtime settings loaded from environment variables, with
// bridge options optionally layered from a yaml file.
type Config struct {
	HTTPAddr       string
	DBPath         string
	OptionsPath    string
	LogLevel       slog.Level
	PollInterval   time.Duration
	ConfirmTimeout time.Duration

	Username string
	Password string

	IdentityURL       string
	RESTEndpoint      string
	RESTAPIKey        string
	LR4Endpoint       string
	FeederEndpoint    string
	LR4RealtimeURL    string
	FeederRealtimeURL string

	MQTT MQTTConfig
}

// MQTTConfig configures the optional MQTT republisher. An empty broker URL
// disables it.
type MQTTConfig struct {
	BrokerURL   string `yaml:"broker_url"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

type options struct {
	Username     string     `yaml:"whisker_username"`
	Password     string     `yaml:"whisker_password"`
	PollInterval string     `yaml:"poll_interval"`
	LogLevel     string     `yaml:"log_level"`
	MQTT         MQTTConfig `yaml:"mqtt"`
}

// Load builds Config from environment variables using stable defaults, then
// overlays the add-on options file when present.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:          getenv("HTTP_ADDR", defaultHTTPAddr),
		DBPath:            getenv("DB_PATH", defaultDBPath),
		OptionsPath:       getenv("OPTIONS_PATH", defaultOptionsPath),
		LogLevel:          logging.ParseLevel(getenv("LOG_LEVEL", "info")),
		PollInterval:      parseDuration("POLL_INTERVAL", defaultPollInterval),
		ConfirmTimeout:    parseDuration("CONFIRM_TIMEOUT", defaultConfirmTimeout),
		Username:          os.Getenv("WHISKER_USERNAME"),
		Password:          os.Getenv("WHISKER_PASSWORD"),
		IdentityURL:       getenv("IDENTITY_URL", defaultIdentityURL),
		RESTEndpoint:      getenv("REST_ENDPOINT", defaultRESTEndpoint),
		RESTAPIKey:        os.Getenv("REST_API_KEY"),
		LR4Endpoint:       getenv("LR4_ENDPOINT", defaultLR4Endpoint),
		FeederEndpoint:    getenv("FEEDER_ENDPOINT", defaultFeederEndpoint),
		LR4RealtimeURL:    getenv("LR4_REALTIME_URL", defaultLR4Realtime),
		FeederRealtimeURL: getenv("FEEDER_REALTIME_URL", defaultFeederRealtime),
		MQTT: MQTTConfig{
			BrokerURL:   os.Getenv("MQTT_BROKER_URL"),
			ClientID:    getenv("MQTT_CLIENT_ID", "whisker-bridge"),
			Username:    os.Getenv("MQTT_USERNAME"),
			Password:    os.Getenv("MQTT_PASSWORD"),
			TopicPrefix: getenv("MQTT_TOPIC_PREFIX", "whisker"),
			QoS:         1,
		},
	}
	if err := cfg.applyOptionsFile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DBDir returns the target directory for DBPath.
func (c Config) DBDir() string {
	return filepath.Dir(c.DBPath)
}

func (c *Config) applyOptionsFile() error {
	raw, err := os.ReadFile(c.OptionsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read options file: %w", err)
	}
	var opts options
	if err := yaml.Unmarshal(raw, &opts); err != nil {
		return fmt.Errorf("parse options file: %w", err)
	}

	if opts.Username != "" {
		c.Username = opts.Username
	}
	if opts.Password != "" {
		c.Password = opts.Password
	}
	if opts.LogLevel != "" {
		c.LogLevel = logging.ParseLevel(opts.LogLevel)
	}
	if opts.PollInterval != "" {
		if interval, err := time.ParseDuration(opts.PollInterval); err == nil && interval > 0 {
			c.PollInterval = interval
		}
	}
	if opts.MQTT.BrokerURL != "" {
		merged := c.MQTT
		merged.BrokerURL = opts.MQTT.BrokerURL
		if opts.MQTT.ClientID != "" {
			merged.ClientID = opts.MQTT.ClientID
		}
		if opts.MQTT.Username != "" {
			merged.Username = opts.MQTT.Username
		}
		if opts.MQTT.Password != "" {
			merged.Password = opts.MQTT.Password
		}
		if opts.MQTT.TopicPrefix != "" {
			merged.TopicPrefix = opts.MQTT.TopicPrefix
		}
		if opts.MQTT.QoS > 0 {
			merged.QoS = opts.MQTT.QoS
		}
		c.MQTT = merged
	}
	return nil
}

func getenv(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func parseDuration(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
