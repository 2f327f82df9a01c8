package connection

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKafkaDialerWithoutBrokers(t *testing.T) {
	_, err := NewKafkaDialer(KafkaConfig{Topic: "notifications"}).Dial(context.Background())
	assert.Error(t, err)
}

func TestKafkaDialerUnreachableBroker(t *testing.T) {
	// grab a free port and release it so nothing is listening there
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	d := NewKafkaDialer(KafkaConfig{
		Brokers:     []string{addr},
		Topic:       "notifications",
		DialTimeout: 500 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = d.Dial(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), addr)
}

func TestKafkaDialerUnreachableIsRetried(t *testing.T) {
	d := NewKafkaDialer(KafkaConfig{Brokers: []string{"127.0.0.1:1"}, Topic: "t", DialTimeout: 100 * time.Millisecond})

	cfg := DefaultConfig()
	cfg.Backoff = BackoffConfig{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
	m := NewManager(d, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	assert.NoError(t, m.Run(ctx))
	assert.Equal(t, StateDisconnected, m.State())
}
