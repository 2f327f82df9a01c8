package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Backoff   BackoffConfig   `yaml:"backoff"`
	History   HistoryConfig   `yaml:"history"`
	Hub       HubConfig       `yaml:"hub"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Health    HealthConfig    `yaml:"health"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Addr         string   `yaml:"addr"`
	ReadTimeout  int      `yaml:"read_timeout"`
	WriteTimeout int      `yaml:"write_timeout"`
	IdleTimeout  int      `yaml:"idle_timeout"`
	CORSOrigins  []string `yaml:"cors_origins"`
}

// UpstreamConfig selects and configures the notification source
type UpstreamConfig struct {
	Type          string            `yaml:"type"`
	URL           string            `yaml:"url"`
	Headers       map[string]string `yaml:"headers"`
	RedisAddr     string            `yaml:"redis_addr"`
	RedisChannel  string            `yaml:"redis_channel"`
	RedisPassword string            `yaml:"redis_password"`
	RedisDB       int               `yaml:"redis_db"`
	KafkaBrokers  []string          `yaml:"kafka_brokers"`
	KafkaTopic    string            `yaml:"kafka_topic"`
	KafkaGroupID  string            `yaml:"kafka_group_id"`
	KafkaOffset   string            `yaml:"kafka_start_offset"`
	BufferSize    int               `yaml:"buffer_size"`
}

// BackoffConfig contains reconnect backoff settings
type BackoffConfig struct {
	InitialDelayMs int     `yaml:"initial_delay_ms"`
	MaxDelayMs     int     `yaml:"max_delay_ms"`
	Multiplier     float64 `yaml:"multiplier"`
	Jitter         float64 `yaml:"jitter"`
}

// HistoryConfig contains history store settings
type HistoryConfig struct {
	Capacity int `yaml:"capacity"`
}

// HubConfig contains fan-out settings
type HubConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// IngestConfig contains ingest settings
type IngestConfig struct {
	SynthesizeMissingIDs bool `yaml:"synthesize_missing_ids"`
}

// AlertsConfig contains out-of-band alert settings
type AlertsConfig struct {
	Title             string `yaml:"title"`
	Sink              string `yaml:"sink"`
	WebhookURL        string `yaml:"webhook_url"`
	RedisChannel      string `yaml:"redis_channel"`
	InitialPermission string `yaml:"initial_permission"`
	PromptAnswer      string `yaml:"prompt_answer"`
	RatePerSec        int    `yaml:"rate_per_sec"`
	DedupSize         int    `yaml:"dedup_size"`
	TimeoutMs         int    `yaml:"timeout_ms"`
}

// HealthConfig contains upstream health polling settings
type HealthConfig struct {
	URL             string `yaml:"url"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	TimeoutMs       int    `yaml:"timeout_ms"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ServiceName   string            `yaml:"service_name"`
	Endpoint      string            `yaml:"endpoint"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Upstream types
const (
	UpstreamWebSocket = "websocket"
	UpstreamRedis     = "redis"
	UpstreamKafka     = "kafka"
)

// Alert sinks
const (
	SinkNop     = "nop"
	SinkLog     = "log"
	SinkWebhook = "webhook"
	SinkRedis   = "redis"
)

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  5,
			WriteTimeout: 10,
			IdleTimeout:  120,
			CORSOrigins:  []string{"*"},
		},
		Upstream: UpstreamConfig{
			Type:         UpstreamWebSocket,
			URL:          "ws://localhost:9000/notifications",
			Headers:      map[string]string{},
			RedisAddr:    "localhost:6379",
			RedisChannel: "notifications",
			KafkaBrokers: []string{"localhost:9092"},
			KafkaTopic:   "notifications",
			KafkaGroupID: "notihub",
			KafkaOffset:  "latest",
			BufferSize:   100,
		},
		Backoff: BackoffConfig{
			InitialDelayMs: 1000,
			MaxDelayMs:     30000,
			Multiplier:     2.0,
			Jitter:         0.2,
		},
		History: HistoryConfig{
			Capacity: 100,
		},
		Hub: HubConfig{
			SubscriberBuffer: 64,
		},
		Ingest: IngestConfig{
			SynthesizeMissingIDs: false,
		},
		Alerts: AlertsConfig{
			Title:             "New notification",
			Sink:              SinkLog,
			RedisChannel:      "alerts",
			InitialPermission: "unknown",
			PromptAnswer:      "denied",
			RatePerSec:        0,
			DedupSize:         1024,
			TimeoutMs:         2000,
		},
		Health: HealthConfig{
			IntervalSeconds: 15,
			TimeoutMs:       3000,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			IncludeCaller: true,
			GlobalFields:  map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "notihub",
			Endpoint:      "localhost:4317",
			SamplingRatio: 0.1,
			Attributes:    map[string]string{},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file over the defaults
func LoadConfigFromFile(filePath string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, environment variables, and flags.
// Flags take precedence over the environment, which takes precedence over the file.
func LoadConfig(configFile string, serverAddr string, logLevel string) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}

	if serverAddr != "" {
		config.Server.Addr = serverAddr
	}
	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate reports the first setting that cannot work
func (c *Config) Validate() error {
	switch c.Upstream.Type {
	case UpstreamWebSocket:
		if c.Upstream.URL == "" {
			return fmt.Errorf("upstream.url is required for a websocket upstream")
		}
	case UpstreamRedis:
		if c.Upstream.RedisAddr == "" || c.Upstream.RedisChannel == "" {
			return fmt.Errorf("upstream.redis_addr and upstream.redis_channel are required for a redis upstream")
		}
	case UpstreamKafka:
		if len(c.Upstream.KafkaBrokers) == 0 || c.Upstream.KafkaTopic == "" {
			return fmt.Errorf("upstream.kafka_brokers and upstream.kafka_topic are required for a kafka upstream")
		}
		switch strings.ToLower(c.Upstream.KafkaOffset) {
		case "", "earliest", "latest":
		default:
			return fmt.Errorf("upstream.kafka_start_offset must be earliest or latest")
		}
	default:
		return fmt.Errorf("unknown upstream.type %q", c.Upstream.Type)
	}

	switch c.Alerts.Sink {
	case SinkNop, SinkLog, SinkRedis:
	case SinkWebhook:
		if c.Alerts.WebhookURL == "" {
			return fmt.Errorf("alerts.webhook_url is required for the webhook sink")
		}
	default:
		return fmt.Errorf("unknown alerts.sink %q", c.Alerts.Sink)
	}

	if _, err := c.InitialPermission(); err != nil {
		return fmt.Errorf("alerts.initial_permission: %w", err)
	}
	if _, err := c.PromptAnswer(); err != nil {
		return fmt.Errorf("alerts.prompt_answer: %w", err)
	}

	if c.History.Capacity < 0 {
		return fmt.Errorf("history.capacity must not be negative")
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter > 1 {
		return fmt.Errorf("backoff.jitter must be within [0, 1]")
	}
	return nil
}

// applyEnvOverrides applies NOTIHUB_* environment variables to the configuration
func applyEnvOverrides(config *Config) error {
	strs := map[string]*string{
		"NOTIHUB_SERVER_ADDR":               &config.Server.Addr,
		"NOTIHUB_UPSTREAM_TYPE":             &config.Upstream.Type,
		"NOTIHUB_UPSTREAM_URL":              &config.Upstream.URL,
		"NOTIHUB_REDIS_ADDR":                &config.Upstream.RedisAddr,
		"NOTIHUB_REDIS_CHANNEL":             &config.Upstream.RedisChannel,
		"NOTIHUB_REDIS_PASSWORD":            &config.Upstream.RedisPassword,
		"NOTIHUB_KAFKA_TOPIC":               &config.Upstream.KafkaTopic,
		"NOTIHUB_KAFKA_GROUP_ID":            &config.Upstream.KafkaGroupID,
		"NOTIHUB_ALERTS_SINK":               &config.Alerts.Sink,
		"NOTIHUB_ALERTS_WEBHOOK_URL":        &config.Alerts.WebhookURL,
		"NOTIHUB_ALERTS_INITIAL_PERMISSION": &config.Alerts.InitialPermission,
		"NOTIHUB_ALERTS_PROMPT_ANSWER":      &config.Alerts.PromptAnswer,
		"NOTIHUB_HEALTH_URL":                &config.Health.URL,
		"NOTIHUB_LOG_LEVEL":                 &config.Logging.Level,
		"NOTIHUB_LOG_FORMAT":                &config.Logging.Format,
		"NOTIHUB_TELEMETRY_ENDPOINT":        &config.Telemetry.Endpoint,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("NOTIHUB_KAFKA_BROKERS"); v != "" {
		config.Upstream.KafkaBrokers = strings.Split(v, ",")
	}

	ints := map[string]*int{
		"NOTIHUB_REDIS_DB":                &config.Upstream.RedisDB,
		"NOTIHUB_HISTORY_CAPACITY":        &config.History.Capacity,
		"NOTIHUB_HUB_SUBSCRIBER_BUFFER":   &config.Hub.SubscriberBuffer,
		"NOTIHUB_ALERTS_RATE_PER_SEC":     &config.Alerts.RatePerSec,
		"NOTIHUB_HEALTH_INTERVAL_SECONDS": &config.Health.IntervalSeconds,
	}
	for key, dst := range ints {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = n
	}

	bools := map[string]*bool{
		"NOTIHUB_INGEST_SYNTHESIZE_MISSING_IDS": &config.Ingest.SynthesizeMissingIDs,
		"NOTIHUB_TELEMETRY_ENABLED":             &config.Telemetry.Enabled,
		"NOTIHUB_METRICS_ENABLED":               &config.Metrics.Enabled,
	}
	for key, dst := range bools {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = b
	}

	return nil
}
