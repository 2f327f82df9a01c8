// Package delivery decides whether a newly inserted notification raises an
// out-of-band alert and owns the alert permission state.
package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nkkko/notihub/internal/metrics"
	"github.com/nkkko/notihub/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ErrClosed is returned by Grant once the policy has been closed
var ErrClosed = errors.New("delivery policy closed")

// Config contains delivery policy configuration
type Config struct {
	// Title used for every alert
	Title string

	// Permission state at startup
	InitialState PermissionState

	// Alerts allowed per second; 0, the default, disables the limit
	RatePerSec int

	// Number of alerted ids remembered across history evictions
	DedupSize int

	// Bound on a single sink dispatch or permission request
	Timeout time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Title:        "New notification",
		InitialState: PermissionUnknown,
		RatePerSec:   0,
		DedupSize:    1024,
		Timeout:      2 * time.Second,
	}
}

// Policy is the alert delivery state machine.
//
// While the state is Unknown the first inserted record starts a single
// asynchronous permission request and is not alerted. Denied never alerts.
// Granted dispatches every new record to the sink without blocking the caller.
type Policy struct {
	config    Config
	sink      AlertSink
	requester PermissionRequester
	alerted   *lru.Cache
	limiter   *rate.Limiter
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     PermissionState
	requested bool
	closed    bool
}

// NewPolicy creates a policy dispatching to sink and asking requester
func NewPolicy(sink AlertSink, requester PermissionRequester, config Config) (*Policy, error) {
	def := DefaultConfig()
	if config.Title == "" {
		config.Title = def.Title
	}
	if config.DedupSize <= 0 {
		config.DedupSize = def.DedupSize
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.RatePerSec < 0 {
		config.RatePerSec = 0
	}
	if sink == nil {
		sink = NopSink{}
	}
	if requester == nil {
		requester = StaticRequester{Answer: PermissionDenied}
	}

	alerted, err := lru.New(config.DedupSize)
	if err != nil {
		return nil, err
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RatePerSec), config.RatePerSec)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Policy{
		config:    config,
		sink:      sink,
		requester: requester,
		alerted:   alerted,
		limiter:   limiter,
		logger:    log.With().Str("component", "delivery").Logger(),
		metrics:   metrics.GetMetrics(),
		ctx:       ctx,
		cancel:    cancel,
		state:     config.InitialState,
	}, nil
}

// State returns the current permission state
func (p *Policy) State() PermissionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// OnInserted is called once for every record newly added to the history.
// It never blocks on the sink or on the requester.
func (p *Policy) OnInserted(record proto.NotificationRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	switch p.state {
	case PermissionDenied:
		p.metrics.AlertsTotal.WithLabelValues("suppressed").Inc()

	case PermissionUnknown:
		p.metrics.AlertsTotal.WithLabelValues("suppressed").Inc()
		if p.requested {
			return
		}
		p.requested = true
		p.logger.Debug().Str("id", record.Id).Msg("Permission unknown, requesting")
		p.wg.Add(1)
		go p.autoRequest()

	case PermissionGranted:
		if found, _ := p.alerted.ContainsOrAdd(record.Id, struct{}{}); found {
			p.metrics.AlertsTotal.WithLabelValues("duplicate").Inc()
			return
		}
		if !p.limiter.Allow() {
			p.metrics.AlertsTotal.WithLabelValues("rate_limited").Inc()
			p.logger.Debug().Str("id", record.Id).Msg("Alert rate limit reached, dropping")
			return
		}
		p.wg.Add(1)
		go p.dispatch(record)
	}
}

// Grant is the explicit user action asking for alert permission.
// Once granted it returns immediately without asking again.
func (p *Policy) Grant(ctx context.Context) (PermissionState, error) {
	p.mu.Lock()
	state, closed := p.state, p.closed
	p.mu.Unlock()

	if closed {
		return state, ErrClosed
	}
	if state == PermissionGranted {
		return PermissionGranted, nil
	}

	answer, err := p.ask(ctx)
	if err != nil {
		return p.State(), err
	}
	return p.record(answer), nil
}

// SetPermission records an answer the user gave outside of a request
func (p *Policy) SetPermission(state PermissionState) PermissionState {
	return p.record(state)
}

// Close stops new dispatches and waits for in-flight ones, bounded by ctx.
// Dispatches still running when ctx expires are canceled.
func (p *Policy) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	defer p.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain waits for every dispatch and permission request started so far
func (p *Policy) Drain() {
	p.wg.Wait()
}

func (p *Policy) autoRequest() {
	defer p.wg.Done()

	answer, err := p.ask(p.ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Permission request failed")
		return
	}
	p.record(answer)
}

func (p *Policy) ask(ctx context.Context) (PermissionState, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	answer, err := p.requester.RequestPermission(ctx)
	if err != nil {
		p.metrics.PermissionRequests.WithLabelValues("error").Inc()
		return PermissionUnknown, &PermissionError{Op: "request permission", State: p.State(), Err: err}
	}
	p.metrics.PermissionRequests.WithLabelValues(answer.String()).Inc()
	return answer, nil
}

// record stores a user answer; an Unknown answer (a dismissed prompt) changes nothing
func (p *Policy) record(answer PermissionState) PermissionState {
	p.mu.Lock()
	defer p.mu.Unlock()

	if answer == PermissionUnknown || answer == p.state {
		return p.state
	}
	p.logger.Info().
		Str("from", p.state.String()).
		Str("to", answer.String()).
		Msg("Alert permission changed")
	p.state = answer
	return p.state
}

func (p *Policy) dispatch(record proto.NotificationRecord) {
	defer p.wg.Done()

	ctx, cancel := context.WithTimeout(p.ctx, p.config.Timeout)
	defer cancel()

	if err := p.sink.Alert(ctx, p.config.Title, record.Message); err != nil {
		perr := &PermissionError{Op: "alert", State: PermissionGranted, Err: err}
		p.metrics.AlertsTotal.WithLabelValues("failed").Inc()
		p.logger.Warn().Err(perr).Str("id", record.Id).Msg("Failed to raise alert")
		return
	}
	p.metrics.AlertsTotal.WithLabelValues("sent").Inc()
}
