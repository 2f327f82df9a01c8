// Package ingest turns raw upstream messages into notification records.
//
// Validation and normalization live here. Deduplication does not: the history
// store owns the set of known ids and treats a repeated id as a no-op.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nkkko/notihub/internal/metrics"
	"github.com/nkkko/notihub/internal/telemetry"
	"github.com/nkkko/notihub/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// ErrHeartbeat is returned by Normalize for keep-alive frames carrying no notification
var ErrHeartbeat = errors.New("heartbeat frame")

// ValidationError reports an inbound message that cannot become a record
type ValidationError struct {
	Reason string
	Field  string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid notification: %s: %s", e.Field, e.Reason)
	}
	return "invalid notification: " + e.Reason
}

// Sink receives every accepted record, in arrival order
type Sink func(ctx context.Context, record proto.NotificationRecord)

// Config contains ingest configuration
type Config struct {
	// Assign a random id to messages that arrive without one instead of dropping them
	SynthesizeMissingIDs bool

	// Clock used for ReceivedAt; defaults to time.Now
	Clock func() time.Time
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		SynthesizeMissingIDs: false,
		Clock:                time.Now,
	}
}

// Ingestor validates and normalizes inbound messages
type Ingestor struct {
	config  Config
	newID   func() string
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates an Ingestor
func New(config Config) *Ingestor {
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &Ingestor{
		config:  config,
		newID:   uuid.NewString,
		logger:  log.With().Str("component", "ingest").Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// Normalize converts one raw message into a record.
//
// The message must be a JSON object with a non-empty string id. Hub-owned
// fields are set here: Read is always false and ReceivedAt is the current
// time. Every other top-level field is kept verbatim in Payload.
func (i *Ingestor) Normalize(raw []byte) (proto.NotificationRecord, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return proto.NotificationRecord{}, &ValidationError{Reason: "not a JSON object"}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return proto.NotificationRecord{}, &ValidationError{Reason: "malformed JSON"}
	}

	rawID, hasID := fields["id"]
	if hasID && isNull(rawID) {
		hasID = false
	}
	if !hasID && isHeartbeat(fields) {
		return proto.NotificationRecord{}, ErrHeartbeat
	}

	var id string
	if hasID {
		if err := json.Unmarshal(rawID, &id); err != nil {
			return proto.NotificationRecord{}, &ValidationError{Field: "id", Reason: "must be a string"}
		}
	}
	if id == "" {
		if !i.config.SynthesizeMissingIDs {
			return proto.NotificationRecord{}, &ValidationError{Field: "id", Reason: "missing"}
		}
		id = i.newID()
	}

	record := proto.NotificationRecord{
		Id:         id,
		ReceivedAt: i.config.Clock(),
	}

	if rawMsg, ok := fields["message"]; ok && !isNull(rawMsg) {
		if err := json.Unmarshal(rawMsg, &record.Message); err != nil {
			return proto.NotificationRecord{}, &ValidationError{Field: "message", Reason: "must be a string"}
		}
	}

	for k, v := range fields {
		if proto.IsReservedField(k) {
			continue
		}
		if record.Payload == nil {
			record.Payload = make(map[string]json.RawMessage)
		}
		record.Payload[k] = v
	}

	return record, nil
}

// Accept normalizes a message and hands it to sink when valid.
// It returns the Normalize error, which is already logged and counted.
func (i *Ingestor) Accept(ctx context.Context, raw []byte, sink Sink) error {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "ingest.accept", attribute.Int("message.size", len(raw)))
	defer span.End()

	record, err := i.Normalize(raw)
	switch {
	case errors.Is(err, ErrHeartbeat):
		i.metrics.IngestEventsTotal.WithLabelValues("heartbeat").Inc()
		return err
	case err != nil:
		i.metrics.IngestEventsTotal.WithLabelValues("invalid").Inc()
		telemetry.MarkSpanError(span, err)
		i.logger.Warn().Err(err).Int("size", len(raw)).Msg("Dropping invalid notification")
		return err
	}

	span.SetAttributes(attribute.String("notification.id", record.Id))
	sink(ctx, record)
	i.metrics.IngestEventsTotal.WithLabelValues("accepted").Inc()
	i.metrics.IngestEventDuration.Observe(time.Since(start).Seconds())
	return nil
}

// Run consumes messages until the channel closes or ctx is canceled.
//
// Messages are processed one at a time on the calling goroutine, which gives
// every ingestion attempt a single total order.
func (i *Ingestor) Run(ctx context.Context, messages <-chan []byte, sink Sink) error {
	i.logger.Info().Bool("synthesize_ids", i.config.SynthesizeMissingIDs).Msg("Starting ingest")

	for {
		select {
		case raw, ok := <-messages:
			if !ok {
				i.logger.Info().Msg("Upstream stream closed, stopping ingest")
				return nil
			}
			_ = i.Accept(ctx, raw, sink)
		case <-ctx.Done():
			i.logger.Info().Msg("Context canceled, stopping ingest")
			return nil
		}
	}
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func isHeartbeat(fields map[string]json.RawMessage) bool {
	rawType, ok := fields["type"]
	if !ok {
		return false
	}
	var t string
	if err := json.Unmarshal(rawType, &t); err != nil {
		return false
	}
	return t == proto.FrameType_HEARTBEAT
}
