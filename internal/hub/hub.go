// Package hub owns the notification history and fans every change out to
// subscribers.
//
// All mutations go through one mutex, so subscribers observe them in a single
// order identified by a strictly increasing sequence number. Delivery happens
// on per-subscriber goroutines outside the critical section.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nkkko/notihub/internal/delivery"
	"github.com/nkkko/notihub/internal/history"
	"github.com/nkkko/notihub/internal/ingest"
	"github.com/nkkko/notihub/internal/metrics"
	"github.com/nkkko/notihub/internal/telemetry"
	"github.com/nkkko/notihub/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// ErrClosed is returned by operations on a hub that has been shut down
var ErrClosed = errors.New("hub is shut down")

// AlertPolicy is told about every newly inserted record and owns the alert
// permission state
type AlertPolicy interface {
	OnInserted(record proto.NotificationRecord)
	State() delivery.PermissionState
	Grant(ctx context.Context) (delivery.PermissionState, error)
	SetPermission(state delivery.PermissionState) delivery.PermissionState
	Close(ctx context.Context) error
}

// Config contains hub configuration
type Config struct {
	// Maximum number of records kept in the history
	Capacity int

	// Deltas buffered per subscriber before new ones are dropped
	SubscriberBuffer int

	// Ingest settings used by Run
	Ingest ingest.Config
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Capacity:         history.DefaultCapacity,
		SubscriberBuffer: 64,
		Ingest:           ingest.DefaultConfig(),
	}
}

// Hub is the single owner of the history, the subscriber registry and the
// alert policy
type Hub struct {
	config   Config
	ingestor *ingest.Ingestor
	policy   AlertPolicy
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	clock    func() time.Time

	mu     sync.Mutex
	store  *history.Store
	subs   map[Handle]*subscriber
	seq    uint64
	closed bool
}

// New creates a hub. A nil policy disables alerts.
func New(config Config, policy AlertPolicy) *Hub {
	def := DefaultConfig()
	if config.Capacity <= 0 {
		config.Capacity = def.Capacity
	}
	if config.SubscriberBuffer <= 0 {
		config.SubscriberBuffer = def.SubscriberBuffer
	}
	clock := config.Ingest.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Hub{
		config:   config,
		ingestor: ingest.New(config.Ingest),
		policy:   policy,
		logger:   log.With().Str("component", "hub").Logger(),
		metrics:  metrics.GetMetrics(),
		clock:    clock,
		store:    history.NewStore(config.Capacity),
		subs:     make(map[Handle]*subscriber),
	}
}

// Run feeds raw upstream messages through ingest into Insert until the
// channel closes or ctx is canceled
func (h *Hub) Run(ctx context.Context, messages <-chan []byte) error {
	return h.ingestor.Run(ctx, messages, func(ctx context.Context, record proto.NotificationRecord) {
		h.InsertContext(ctx, record)
	})
}

// Insert adds a record to the history.
// It returns false for an empty or known id or after shutdown; nothing is
// published then.
func (h *Hub) Insert(record proto.NotificationRecord) bool {
	return h.InsertContext(context.Background(), record)
}

// InsertContext is Insert recording its outcome as an event on the span in ctx
func (h *Hub) InsertContext(ctx context.Context, record proto.NotificationRecord) bool {
	if record.Id == "" {
		h.metrics.IngestEventsTotal.WithLabelValues("invalid").Inc()
		telemetry.AddSpanEvent(ctx, "rejected", attribute.String("reason", "empty id"))
		h.logger.Warn().Msg("Rejected notification without an id")
		return false
	}
	if record.ReceivedAt.IsZero() {
		record.ReceivedAt = h.clock()
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}

	inserted, evicted := h.store.Insert(record)
	if !inserted {
		h.mu.Unlock()
		h.metrics.IngestEventsTotal.WithLabelValues("duplicate").Inc()
		telemetry.AddSpanEvent(ctx, "duplicate", attribute.String("notification.id", record.Id))
		h.logger.Debug().Str("id", record.Id).Msg("Duplicate notification ignored")
		return false
	}

	stored, _ := h.store.Get(record.Id)
	h.publishLocked(proto.Delta{
		Kind:   proto.DeltaKind_INSERTED,
		Record: &stored,
	})
	seq := h.seq
	h.mu.Unlock()

	attrs := []attribute.KeyValue{
		attribute.String("notification.id", stored.Id),
		attribute.Int64("delta.seq", int64(seq)),
	}
	if evicted != nil {
		h.metrics.HistoryEvictions.Inc()
		attrs = append(attrs, attribute.String("evicted.id", evicted.Id))
		h.logger.Debug().Str("id", evicted.Id).Bool("read", evicted.Read).Msg("Evicted oldest notification")
	}
	telemetry.AddSpanEvent(ctx, "inserted", attrs...)

	if h.policy != nil {
		h.policy.OnInserted(stored)
	}
	return true
}

// MarkRead marks one record read. Unknown or already read ids return false.
func (h *Hub) MarkRead(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}

	changed, err := h.store.MarkRead(id)
	if errors.Is(err, history.ErrNotFound) {
		h.logger.Debug().Str("id", id).Msg("Mark read for unknown notification")
		return false
	}
	if !changed {
		return false
	}

	h.publishLocked(proto.Delta{Kind: proto.DeltaKind_READ, Id: id})
	return true
}

// MarkAllRead marks every record read and returns whether anything changed
func (h *Hub) MarkAllRead() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || h.store.MarkAllRead() == 0 {
		return false
	}

	h.publishLocked(proto.Delta{Kind: proto.DeltaKind_ALL_READ})
	return true
}

// Snapshot returns a consistent copy of the history
func (h *Hub) Snapshot() proto.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

// UnreadCount returns the number of unread records
func (h *Hub) UnreadCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.store.UnreadCount()
}

// Subscribe registers callback for every future delta. There is no replay of
// existing history; use SubscribeWithSnapshot to catch up atomically.
func (h *Hub) Subscribe(callback Callback) (Handle, error) {
	handle, _, err := h.subscribe(callback, false)
	return handle, err
}

// SubscribeWithSnapshot registers callback and returns the history as of the
// registration. The first delta the callback sees has Seq == snapshot.Seq+1.
func (h *Hub) SubscribeWithSnapshot(callback Callback) (Handle, proto.Snapshot, error) {
	return h.subscribe(callback, true)
}

func (h *Hub) subscribe(callback Callback, withSnapshot bool) (Handle, proto.Snapshot, error) {
	if callback == nil {
		return "", proto.Snapshot{}, fmt.Errorf("subscribe: nil callback")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return "", proto.Snapshot{}, ErrClosed
	}

	handle := Handle(uuid.NewString())
	sub := newSubscriber(handle, callback, h.config.SubscriberBuffer)
	h.subs[handle] = sub
	go sub.run(h)

	h.metrics.HubSubscribers.Set(float64(len(h.subs)))
	h.logger.Debug().Str("handle", string(handle)).Int("subscribers", len(h.subs)).Msg("Subscriber added")

	var snap proto.Snapshot
	if withSnapshot {
		snap = h.snapshotLocked()
	}
	return handle, snap, nil
}

// Unsubscribe removes a subscription. Queued deltas not yet delivered are
// discarded; a callback already running is allowed to finish. It is safe to
// call from inside the subscription's own callback.
func (h *Hub) Unsubscribe(handle Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[handle]
	if !ok {
		return false
	}
	delete(h.subs, handle)
	close(sub.stop)

	h.metrics.HubSubscribers.Set(float64(len(h.subs)))
	h.logger.Debug().Str("handle", string(handle)).Int("subscribers", len(h.subs)).Msg("Subscriber removed")
	return true
}

// Subscribers returns the number of active subscriptions
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// AlertPermission returns the current alert permission state
func (h *Hub) AlertPermission() delivery.PermissionState {
	if h.policy == nil {
		return delivery.PermissionDenied
	}
	return h.policy.State()
}

// RequestAlertPermission is the explicit user action asking for alert
// permission. It never fails; a failed request leaves the state unchanged.
func (h *Hub) RequestAlertPermission(ctx context.Context) delivery.PermissionState {
	if h.policy == nil {
		return delivery.PermissionDenied
	}
	state, err := h.policy.Grant(ctx)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Alert permission request failed")
	}
	return state
}

// SetAlertPermission records an answer the user gave directly
func (h *Hub) SetAlertPermission(state delivery.PermissionState) delivery.PermissionState {
	if h.policy == nil {
		return delivery.PermissionDenied
	}
	return h.policy.SetPermission(state)
}

// Shutdown removes every subscription and waits for their goroutines and any
// in-flight alerts, bounded by ctx. Later mutations are rejected.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := make([]*subscriber, 0, len(h.subs))
	for handle, sub := range h.subs {
		close(sub.stop)
		delete(h.subs, handle)
		subs = append(subs, sub)
	}
	h.metrics.HubSubscribers.Set(0)
	h.mu.Unlock()

	h.logger.Info().Int("subscribers", len(subs)).Msg("Shutting down hub")

	for _, sub := range subs {
		select {
		case <-sub.done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for subscribers: %w", ctx.Err())
		}
	}

	if h.policy != nil {
		if err := h.policy.Close(ctx); err != nil {
			return fmt.Errorf("closing alert policy: %w", err)
		}
	}
	return nil
}

// publishLocked stamps d with the next sequence number and the current unread
// count and offers it to every subscriber. Must be called with h.mu held.
func (h *Hub) publishLocked(d proto.Delta) {
	h.seq++
	d.Seq = h.seq
	d.UnreadCount = h.store.UnreadCount()

	h.metrics.HubMutationsTotal.WithLabelValues(string(d.Kind)).Inc()
	h.metrics.HistorySize.Set(float64(h.store.Len()))
	h.metrics.HistoryUnread.Set(float64(d.UnreadCount))

	for _, sub := range h.subs {
		if sub.offer(d) {
			continue
		}
		h.metrics.HubDeltasTotal.WithLabelValues("dropped").Inc()
		h.logger.Warn().
			Str("handle", string(sub.handle)).
			Uint64("seq", d.Seq).
			Msg("Subscriber queue full, dropping delta")
	}
}

func (h *Hub) snapshotLocked() proto.Snapshot {
	records, unread := h.store.Snapshot()
	return proto.Snapshot{
		Seq:         h.seq,
		Records:     records,
		UnreadCount: unread,
	}
}

// deliver runs one callback, containing its errors and panics
func (h *Hub) deliver(sub *subscriber, q queued) {
	defer func() {
		if r := recover(); r != nil {
			h.metrics.HubDeltasTotal.WithLabelValues("failed").Inc()
			h.logger.Error().
				Str("handle", string(sub.handle)).
				Uint64("seq", q.delta.Seq).
				Interface("panic", r).
				Msg("Subscriber panicked")
		}
	}()

	if err := sub.callback(q.delta); err != nil {
		h.metrics.HubDeltasTotal.WithLabelValues("failed").Inc()
		h.logger.Warn().
			Err(err).
			Str("handle", string(sub.handle)).
			Uint64("seq", q.delta.Seq).
			Msg("Subscriber failed")
		return
	}

	h.metrics.HubDeltasTotal.WithLabelValues("delivered").Inc()
	h.metrics.HubDeliveryDelay.Observe(time.Since(q.enqueued).Seconds())
}
