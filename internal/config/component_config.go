package config

import (
	"time"

	"github.com/nkkko/notihub/internal/api"
	"github.com/nkkko/notihub/internal/connection"
	"github.com/nkkko/notihub/internal/delivery"
	"github.com/nkkko/notihub/internal/hub"
	"github.com/nkkko/notihub/internal/ingest"
	"github.com/nkkko/notihub/internal/logging"
	"github.com/nkkko/notihub/internal/telemetry"
)

// InitialPermission parses alerts.initial_permission
func (c *Config) InitialPermission() (delivery.PermissionState, error) {
	return delivery.ParsePermissionState(c.Alerts.InitialPermission)
}

// PromptAnswer parses alerts.prompt_answer, the answer the built-in requester
// gives when the hub asks for alert permission
func (c *Config) PromptAnswer() (delivery.PermissionState, error) {
	return delivery.ParsePermissionState(c.Alerts.PromptAnswer)
}

// ToAPIConfig converts to API config
func (c *Config) ToAPIConfig() api.Config {
	return api.Config{
		Addr:            c.Server.Addr,
		ReadTimeout:     time.Duration(c.Server.ReadTimeout) * time.Second,
		WriteTimeout:    time.Duration(c.Server.WriteTimeout) * time.Second,
		IdleTimeout:     time.Duration(c.Server.IdleTimeout) * time.Second,
		CORSOrigins:     c.Server.CORSOrigins,
		MetricsEnabled:  c.Metrics.Enabled,
		MetricsEndpoint: c.Metrics.Endpoint,
		TracingEnabled:  c.Telemetry.Enabled,
		ServiceName:     c.Telemetry.ServiceName,
		StreamBuffer:    c.Hub.SubscriberBuffer,
	}
}

// ToConnectionConfig converts to connection manager config
func (c *Config) ToConnectionConfig() connection.Config {
	return connection.Config{
		Backoff: connection.BackoffConfig{
			InitialDelay: time.Duration(c.Backoff.InitialDelayMs) * time.Millisecond,
			MaxDelay:     time.Duration(c.Backoff.MaxDelayMs) * time.Millisecond,
			Multiplier:   c.Backoff.Multiplier,
			Jitter:       c.Backoff.Jitter,
		},
		BufferSize: c.Upstream.BufferSize,
	}
}

// ToRedisConfig converts to the redis upstream config
func (c *Config) ToRedisConfig() connection.RedisConfig {
	return connection.RedisConfig{
		Addr:     c.Upstream.RedisAddr,
		Password: c.Upstream.RedisPassword,
		DB:       c.Upstream.RedisDB,
		Channel:  c.Upstream.RedisChannel,
	}
}

// ToKafkaConfig converts to the kafka upstream config
func (c *Config) ToKafkaConfig() connection.KafkaConfig {
	return connection.KafkaConfig{
		Brokers:     c.Upstream.KafkaBrokers,
		Topic:       c.Upstream.KafkaTopic,
		GroupID:     c.Upstream.KafkaGroupID,
		StartOffset: c.Upstream.KafkaOffset,
	}
}

// ToHealthConfig converts to health poller config
func (c *Config) ToHealthConfig() connection.HealthConfig {
	return connection.HealthConfig{
		Interval: time.Duration(c.Health.IntervalSeconds) * time.Second,
		Timeout:  time.Duration(c.Health.TimeoutMs) * time.Millisecond,
	}
}

// ToHubConfig converts to hub config
func (c *Config) ToHubConfig() hub.Config {
	return hub.Config{
		Capacity:         c.History.Capacity,
		SubscriberBuffer: c.Hub.SubscriberBuffer,
		Ingest: ingest.Config{
			SynthesizeMissingIDs: c.Ingest.SynthesizeMissingIDs,
		},
	}
}

// ToDeliveryConfig converts to alert policy config. Validate must have passed.
func (c *Config) ToDeliveryConfig() delivery.Config {
	initial, _ := c.InitialPermission()
	return delivery.Config{
		Title:        c.Alerts.Title,
		InitialState: initial,
		RatePerSec:   c.Alerts.RatePerSec,
		DedupSize:    c.Alerts.DedupSize,
		Timeout:      time.Duration(c.Alerts.TimeoutMs) * time.Millisecond,
	}
}

// ToLoggingConfig converts to logging config
func (c *Config) ToLoggingConfig() logging.Config {
	return logging.Config{
		Level:         logging.LogLevel(c.Logging.Level),
		Format:        logging.LogFormat(c.Logging.Format),
		IncludeCaller: c.Logging.IncludeCaller,
		GlobalFields:  c.Logging.GlobalFields,
	}
}

// ToTelemetryConfig converts to telemetry config
func (c *Config) ToTelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:         c.Telemetry.Enabled,
		ServiceName:     c.Telemetry.ServiceName,
		Endpoint:        c.Telemetry.Endpoint,
		SamplingRatio:   c.Telemetry.SamplingRatio,
		Timeout:         telemetry.DefaultConfig().Timeout,
		UpstreamType:    c.Upstream.Type,
		HistoryCapacity: c.History.Capacity,
		Attributes:      c.Telemetry.Attributes,
	}
}
