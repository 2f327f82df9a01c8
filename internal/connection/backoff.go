package connection

import (
	"math/rand"
	"sync"
	"time"
)

// BackoffConfig controls reconnect delays
type BackoffConfig struct {
	// Delay before the first retry
	InitialDelay time.Duration

	// Upper bound for any delay
	MaxDelay time.Duration

	// Growth factor applied after each failed attempt
	Multiplier float64

	// Fraction (0..1) of each delay that may be shaved off at random
	Jitter float64
}

// DefaultBackoffConfig returns the default reconnect schedule: 1s doubling to 30s
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	def := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = def.Multiplier
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Jitter > 1 {
		c.Jitter = 1
	}
	return c
}

// Backoff produces a jittered exponential delay sequence.
//
// Successive delays never decrease and never exceed MaxDelay, jitter included.
// Reset starts the sequence over after a successful connection.
type Backoff struct {
	config BackoffConfig
	mu     sync.Mutex
	base   time.Duration
	last   time.Duration
	random func() float64
}

// NewBackoff creates a backoff with the given configuration
func NewBackoff(config BackoffConfig) *Backoff {
	return &Backoff{
		config: config.withDefaults(),
		random: rand.Float64,
	}
}

// Next returns the delay to wait before the next attempt
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.base == 0 {
		b.base = b.config.InitialDelay
	} else {
		next := time.Duration(float64(b.base) * b.config.Multiplier)
		if next > b.config.MaxDelay || next < b.base {
			next = b.config.MaxDelay
		}
		b.base = next
	}

	delay := b.base
	if b.config.Jitter > 0 {
		delay -= time.Duration(float64(delay) * b.config.Jitter * b.random())
	}
	if delay < b.last {
		delay = b.last
	}
	if delay > b.config.MaxDelay {
		delay = b.config.MaxDelay
	}

	b.last = delay
	return delay
}

// Reset restarts the sequence from InitialDelay
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.base = 0
	b.last = 0
	b.mu.Unlock()
}
