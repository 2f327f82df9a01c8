package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nkkko/notihub/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the liveness of the upstream connection
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// ErrAlreadyRunning is returned when Run is invoked a second time
var ErrAlreadyRunning = errors.New("connection manager already started")

// Config contains connection manager configuration
type Config struct {
	// Reconnect schedule
	Backoff BackoffConfig

	// Buffer size of the outbound message channel
	BufferSize int

	// Called on every state transition, from the manager goroutine
	OnStateChange func(State)
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Backoff:    DefaultBackoffConfig(),
		BufferSize: 100,
	}
}

// Manager owns the single logical connection to the upstream.
//
// Run keeps the connection alive, reconnecting with backoff after any transport
// failure, until Disconnect is called or its context is canceled. Raw messages
// are exposed on Messages while connected.
type Manager struct {
	config   Config
	dialer   Dialer
	backoff  *Backoff
	messages chan []byte
	done     chan struct{}
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	state   State
	started bool
	stopped bool
	cancel  context.CancelFunc
}

// NewManager creates a connection manager for the given dialer
func NewManager(dialer Dialer, config Config) *Manager {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}

	return &Manager{
		config:   config,
		dialer:   dialer,
		backoff:  NewBackoff(config.Backoff),
		messages: make(chan []byte, config.BufferSize),
		done:     make(chan struct{}),
		logger:   log.With().Str("component", "connection").Logger(),
		metrics:  metrics.GetMetrics(),
	}
}

// Messages returns the stream of raw inbound messages. It is closed when Run returns.
func (m *Manager) Messages() <-chan []byte {
	return m.messages
}

// Done is closed once Run has returned
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Run connects to the upstream and keeps reconnecting until stopped.
// Transport failures are retried; stopping is not an error, so Run returns nil
// whether it ended through Disconnect or context cancellation.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.started = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	stopped := m.stopped
	m.mu.Unlock()

	defer close(m.done)
	defer close(m.messages)
	defer m.setState(StateDisconnected)
	defer cancel()

	if stopped {
		return nil
	}

	m.logger.Info().Msg("Starting upstream connection manager")

	for {
		if runCtx.Err() != nil {
			return nil
		}

		m.setState(StateConnecting)
		stream, err := m.dialer.Dial(runCtx)
		if err != nil {
			if runCtx.Err() != nil {
				// Disconnect raced with the dial
				return nil
			}
			m.metrics.ConnectionAttempts.WithLabelValues("failure").Inc()
			m.logger.Warn().Err(&TransportError{Op: "dial", Err: err}).Msg("Upstream connection failed")
			if !m.wait(runCtx) {
				return nil
			}
			continue
		}

		if runCtx.Err() != nil {
			// Dial completed after Disconnect
			_ = stream.Close()
			return nil
		}

		m.metrics.ConnectionAttempts.WithLabelValues("success").Inc()
		m.backoff.Reset()
		m.setState(StateConnected)
		m.logger.Info().Msg("Upstream connected")

		err = m.pump(runCtx, stream)
		_ = stream.Close()

		if runCtx.Err() != nil {
			return nil
		}
		m.logger.Warn().Err(&TransportError{Op: "recv", Err: err}).Msg("Upstream connection dropped")
		if !m.wait(runCtx) {
			return nil
		}
	}
}

// Disconnect stops the manager and tears down the connection.
// It is idempotent and may be called before, during or after Run.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.stopped = true
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// pump forwards messages from the stream until it fails or ctx ends
func (m *Manager) pump(ctx context.Context, stream Stream) error {
	// Unblock Recv implementations that ignore ctx
	stop := context.AfterFunc(ctx, func() {
		_ = stream.Close()
	})
	defer stop()

	for {
		msg, err := stream.Recv(ctx)
		if err != nil {
			return err
		}
		m.metrics.UpstreamMessagesTotal.Inc()

		select {
		case m.messages <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// wait sleeps for the next backoff delay; it returns false if ctx ended first
func (m *Manager) wait(ctx context.Context) bool {
	delay := m.backoff.Next()
	m.setState(StateBackoff)
	m.metrics.ConnectionBackoff.Observe(delay.Seconds())
	m.logger.Debug().Dur("delay", delay).Msg("Waiting before reconnect")

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	m.mu.Unlock()

	m.metrics.ConnectionState.Set(float64(state))
	if m.config.OnStateChange != nil {
		m.config.OnStateChange(state)
	}
}
