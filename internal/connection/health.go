package connection

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nkkko/notihub/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// HealthCheck probes the upstream once
type HealthCheck func(ctx context.Context) error

// HealthConfig contains health poller configuration
type HealthConfig struct {
	// Time between polls
	Interval time.Duration

	// Bound on a single poll
	Timeout time.Duration

	// Called after every completed poll
	OnResult func(healthy bool, err error)
}

// DefaultHealthConfig returns a default configuration
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Interval: 15 * time.Second,
		Timeout:  3 * time.Second,
	}
}

// HealthPoller checks upstream liveness on its own timer, for upstreams that
// have no push channel to report liveness through.
//
// Polls never overlap: a poll requested while another is in flight waits for
// and shares that result instead of starting a new one.
type HealthPoller struct {
	config HealthConfig
	check  HealthCheck
	group  singleflight.Group
	polls  atomic.Int64
	logger zerolog.Logger

	metrics *metrics.Metrics

	mu        sync.RWMutex
	baseCtx   context.Context
	healthy   bool
	lastErr   error
	lastCheck time.Time
}

// NewHealthPoller creates a poller around check
func NewHealthPoller(check HealthCheck, config HealthConfig) *HealthPoller {
	def := DefaultHealthConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}

	return &HealthPoller{
		config:  config,
		check:   check,
		logger:  log.With().Str("component", "health").Logger(),
		metrics: metrics.GetMetrics(),
		baseCtx: context.Background(),
	}
}

// Start polls on every interval until ctx is canceled
func (p *HealthPoller) Start(ctx context.Context) error {
	p.mu.Lock()
	p.baseCtx = ctx
	p.mu.Unlock()

	p.logger.Info().Dur("interval", p.config.Interval).Msg("Starting upstream health poller")

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	// First poll right away
	p.trigger()

	for {
		select {
		case <-ticker.C:
			p.trigger()
		case <-ctx.Done():
			p.logger.Info().Msg("Context canceled, stopping health poller")
			return nil
		}
	}
}

// Poll runs a poll, or joins the one already in flight, and returns its result
func (p *HealthPoller) Poll(ctx context.Context) error {
	select {
	case res := <-p.group.DoChan("poll", p.pollOnce):
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Polls returns how many polls actually ran
func (p *HealthPoller) Polls() int64 {
	return p.polls.Load()
}

// Healthy reports the result of the last completed poll
func (p *HealthPoller) Healthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthy
}

// LastError returns the error of the last completed poll, if any
func (p *HealthPoller) LastError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// LastCheck returns when the last poll completed
func (p *HealthPoller) LastCheck() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastCheck
}

// trigger starts a poll without waiting; it is a no-op while one is in flight
func (p *HealthPoller) trigger() {
	p.group.DoChan("poll", p.pollOnce)
}

func (p *HealthPoller) pollOnce() (interface{}, error) {
	p.polls.Add(1)

	p.mu.RLock()
	base := p.baseCtx
	p.mu.RUnlock()

	ctx, cancel := context.WithTimeout(base, p.config.Timeout)
	defer cancel()

	err := p.check(ctx)
	healthy := err == nil

	p.mu.Lock()
	wasHealthy := p.healthy
	p.healthy = healthy
	p.lastErr = err
	p.lastCheck = time.Now()
	p.mu.Unlock()

	if healthy {
		p.metrics.HealthChecksTotal.WithLabelValues("healthy").Inc()
		if !wasHealthy {
			p.logger.Info().Msg("Upstream healthy")
		}
	} else {
		p.metrics.HealthChecksTotal.WithLabelValues("unhealthy").Inc()
		p.logger.Warn().Err(err).Msg("Upstream health check failed")
	}

	if p.config.OnResult != nil {
		p.config.OnResult(healthy, err)
	}

	return nil, err
}

// HTTPHealthCheck returns a check that GETs url and accepts any 2xx status
func HTTPHealthCheck(client *http.Client, url string) HealthCheck {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return &TransportError{Op: "health", Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &TransportError{Op: "health", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
		}
		return nil
	}
}
