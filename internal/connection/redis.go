package connection

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisConfig describes a Redis Pub/Sub upstream
type RedisConfig struct {
	Addr     string
	Password string // optional
	DB       int    // optional
	Channel  string
}

// RedisDialer subscribes to a Redis Pub/Sub channel; every published
// payload is one raw inbound message.
type RedisDialer struct {
	client  *redis.Client
	channel string
}

// NewRedisDialer creates a dialer with its own client
func NewRedisDialer(cfg RedisConfig) *RedisDialer {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisDialerWithClient(client, cfg.Channel)
}

// NewRedisDialerWithClient creates a dialer sharing an existing client
func NewRedisDialerWithClient(client *redis.Client, channel string) *RedisDialer {
	return &RedisDialer{client: client, channel: channel}
}

// Dial subscribes and waits for the subscription to be confirmed
func (d *RedisDialer) Dial(ctx context.Context) (Stream, error) {
	ps := d.client.Subscribe(ctx, d.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to redis channel %q: %w", d.channel, err)
	}
	return &redisStream{ps: ps}, nil
}

// Close releases the underlying client
func (d *RedisDialer) Close() error {
	return d.client.Close()
}

type redisStream struct {
	ps   *redis.PubSub
	once sync.Once
}

func (s *redisStream) Recv(ctx context.Context) ([]byte, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrStreamClosed
		}
		return nil, err
	}
	return []byte(msg.Payload), nil
}

func (s *redisStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ps.Close()
	})
	return err
}
