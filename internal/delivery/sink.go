package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// AlertSink raises an out-of-band alert, such as an OS or browser notification
type AlertSink interface {
	Alert(ctx context.Context, title, message string) error
}

// Alert is the JSON body published by the webhook and redis sinks
type Alert struct {
	Title   string    `json:"title"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

// NopSink discards every alert
type NopSink struct{}

func (NopSink) Alert(context.Context, string, string) error { return nil }

// LogSink writes alerts to the log
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink logging through the global logger
func NewLogSink() *LogSink {
	return &LogSink{logger: log.With().Str("component", "alerts").Logger()}
}

func (s *LogSink) Alert(ctx context.Context, title, message string) error {
	s.logger.Info().Str("title", title).Str("message", message).Msg("Alert")
	return nil
}

// WebhookSink POSTs alerts as JSON to a URL
type WebhookSink struct {
	URL    string
	Client *http.Client
}

// NewWebhookSink creates a webhook sink using client, or http.DefaultClient
func NewWebhookSink(url string, client *http.Client) *WebhookSink {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookSink{URL: url, Client: client}
}

func (s *WebhookSink) Alert(ctx context.Context, title, message string) error {
	body, err := json.Marshal(Alert{Title: title, Message: message, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Publisher is the subset of a redis client used by RedisSink
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes alerts on a redis channel
type RedisSink struct {
	client  Publisher
	channel string
}

// NewRedisSink creates a sink publishing to channel through client
func NewRedisSink(client Publisher, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Alert(ctx context.Context, title, message string) error {
	body, err := json.Marshal(Alert{Title: title, Message: message, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.channel, body).Err(); err != nil {
		return fmt.Errorf("failed to publish alert to %s: %w", s.channel, err)
	}
	return nil
}
