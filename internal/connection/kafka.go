package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig describes a Kafka topic upstream
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string // optional; without it the reader starts at StartOffset every time

	// "earliest" or "latest" (default)
	StartOffset string

	// Bound on the broker handshake made by Dial
	DialTimeout time.Duration
}

// KafkaDialer consumes a Kafka topic; every record value is one raw inbound
// message
type KafkaDialer struct {
	config KafkaConfig
	dialer *kafka.Dialer
}

// NewKafkaDialer creates a dialer for the given topic
func NewKafkaDialer(cfg KafkaConfig) *KafkaDialer {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &KafkaDialer{
		config: cfg,
		dialer: &kafka.Dialer{Timeout: cfg.DialTimeout},
	}
}

// Dial checks that a broker is reachable and opens a reader on the topic.
// The reader connects lazily; the handshake makes an unreachable cluster a
// dial failure.
func (d *KafkaDialer) Dial(ctx context.Context) (Stream, error) {
	if len(d.config.Brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}

	conn, err := d.dialer.DialContext(ctx, "tcp", d.config.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("failed to reach kafka broker %q: %w", d.config.Brokers[0], err)
	}
	conn.Close()

	startOffset := kafka.LastOffset
	if strings.EqualFold(d.config.StartOffset, "earliest") {
		startOffset = kafka.FirstOffset
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     d.config.Brokers,
		Topic:       d.config.Topic,
		GroupID:     d.config.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
		Dialer:      d.dialer,
		StartOffset: startOffset,
	})
	return &kafkaStream{reader: reader}, nil
}

type kafkaStream struct {
	reader *kafka.Reader
	once   sync.Once
}

func (s *kafkaStream) Recv(ctx context.Context) ([]byte, error) {
	msg, err := s.reader.ReadMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrStreamClosed
		}
		return nil, err
	}
	return msg.Value, nil
}

func (s *kafkaStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.reader.Close()
	})
	return err
}
