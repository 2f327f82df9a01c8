// Package engine wires the upstream connection, the hub, alert delivery and
// the HTTP API into one process with a single lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/nkkko/notihub/internal/api"
	"github.com/nkkko/notihub/internal/config"
	"github.com/nkkko/notihub/internal/connection"
	"github.com/nkkko/notihub/internal/delivery"
	"github.com/nkkko/notihub/internal/hub"
	"github.com/nkkko/notihub/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Engine is the main coordinator of all hub components
type Engine struct {
	config  *config.Config
	manager *connection.Manager
	hub     *hub.Hub
	policy  *delivery.Policy
	api     *api.API
	health  *connection.HealthPoller
	closers []io.Closer
	logger  zerolog.Logger

	telemetryFn func(context.Context) error // Shutdown function for telemetry
}

// CreateEngine creates an Engine with the upstream and alert sink selected by cfg
func CreateEngine(cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var closers []io.Closer

	var dialer connection.Dialer
	switch cfg.Upstream.Type {
	case config.UpstreamRedis:
		d := connection.NewRedisDialer(cfg.ToRedisConfig())
		closers = append(closers, d)
		dialer = d
	case config.UpstreamKafka:
		dialer = connection.NewKafkaDialer(cfg.ToKafkaConfig())
	default:
		dialer = connection.NewWebSocketDialer(cfg.Upstream.URL, cfg.Upstream.Headers)
	}

	var sink delivery.AlertSink
	switch cfg.Alerts.Sink {
	case config.SinkNop:
		sink = delivery.NopSink{}
	case config.SinkWebhook:
		sink = delivery.NewWebhookSink(cfg.Alerts.WebhookURL, nil)
	case config.SinkRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Upstream.RedisAddr,
			Password: cfg.Upstream.RedisPassword,
			DB:       cfg.Upstream.RedisDB,
		})
		closers = append(closers, client)
		sink = delivery.NewRedisSink(client, cfg.Alerts.RedisChannel)
	default:
		sink = delivery.NewLogSink()
	}

	e, err := NewEngine(cfg, dialer, sink)
	if err != nil {
		for _, c := range closers {
			c.Close()
		}
		return nil, err
	}
	e.closers = closers
	return e, nil
}

// NewEngine creates an Engine around the given upstream dialer and alert sink
func NewEngine(cfg *config.Config, dialer connection.Dialer, sink delivery.AlertSink) (*Engine, error) {
	answer, err := cfg.PromptAnswer()
	if err != nil {
		return nil, fmt.Errorf("invalid alerts.prompt_answer: %w", err)
	}

	policy, err := delivery.NewPolicy(sink, delivery.StaticRequester{Answer: answer}, cfg.ToDeliveryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create alert policy: %w", err)
	}

	e := &Engine{
		config:  cfg,
		manager: connection.NewManager(dialer, cfg.ToConnectionConfig()),
		hub:     hub.New(cfg.ToHubConfig(), policy),
		policy:  policy,
		logger:  log.With().Str("component", "engine").Logger(),
	}

	if cfg.Health.URL != "" {
		healthCfg := cfg.ToHealthConfig()
		client := &http.Client{Timeout: healthCfg.Timeout}
		e.health = connection.NewHealthPoller(connection.HTTPHealthCheck(client, cfg.Health.URL), healthCfg)
	}

	e.api = api.NewAPI(cfg.ToAPIConfig(), e.hub, e.Ready)
	return e, nil
}

// Hub returns the engine's hub
func (e *Engine) Hub() *hub.Hub {
	return e.hub
}

// Handler returns the HTTP handler the API server uses
func (e *Engine) Handler() http.Handler {
	return e.api.Handler()
}

// Ready reports whether the upstream is connected and, when health polling
// is configured, passed its last check
func (e *Engine) Ready() bool {
	if e.manager.State() != connection.StateConnected {
		return false
	}
	return e.health == nil || e.health.Healthy()
}

// Start runs all components until ctx is canceled or one of them fails.
// Logging must already be set up; components capture the global logger when
// they are created.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().Str("upstream", e.config.Upstream.Type).Str("sink", e.config.Alerts.Sink).Msg("Starting notification hub")

	telShutdown, err := telemetry.Setup(ctx, e.config.ToTelemetryConfig())
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		e.telemetryFn = telShutdown
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.manager.Run(ctx)
	})

	// ends when the manager closes its message channel
	g.Go(func() error {
		return e.hub.Run(ctx, e.manager.Messages())
	})

	g.Go(func() error {
		return e.api.Start(ctx)
	})

	if e.health != nil {
		g.Go(func() error {
			return e.health.Start(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("error running engine: %w", err)
	}

	e.logger.Info().Msg("Notification hub stopped")
	return nil
}

// Shutdown stops the engine. Components are stopped upstream first so no
// new notifications arrive while subscribers and alerts drain.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info().Msg("Shutting down notification hub")

	e.manager.Disconnect()

	var errs []error
	if err := e.api.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down API")
		errs = append(errs, err)
	}

	if err := e.hub.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down hub")
		errs = append(errs, err)
	}

	for _, c := range e.closers {
		if err := c.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to close client")
		}
	}

	if e.telemetryFn != nil {
		if err := e.telemetryFn(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shut down telemetry")
		}
	}

	return errors.Join(errs...)
}
