package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nkkko/notihub/internal/delivery"
	"github.com/nkkko/notihub/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// collector gathers deltas delivered to one subscription
type collector struct {
	mu     sync.Mutex
	deltas []proto.Delta
}

func (c *collector) callback(d proto.Delta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deltas = append(c.deltas, d)
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deltas)
}

func (c *collector) snapshot() []proto.Delta {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]proto.Delta(nil), c.deltas...)
}

// fakePolicy records inserted ids
type fakePolicy struct {
	mu       sync.Mutex
	inserted []string
	state    delivery.PermissionState
	answer   delivery.PermissionState
	grants   int
	closed   bool
}

func (p *fakePolicy) OnInserted(r proto.NotificationRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inserted = append(p.inserted, r.Id)
}

func (p *fakePolicy) State() delivery.PermissionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePolicy) Grant(ctx context.Context) (delivery.PermissionState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.grants++
	p.state = p.answer
	return p.state, nil
}

func (p *fakePolicy) SetPermission(s delivery.PermissionState) delivery.PermissionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
	return s
}

func (p *fakePolicy) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func rec(id, msg string) proto.NotificationRecord {
	return proto.NotificationRecord{Id: id, Message: msg, ReceivedAt: time.Now()}
}

func newTestHub(t *testing.T, capacity int, policy AlertPolicy) *Hub {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Capacity = capacity
	h := New(cfg, policy)
	t.Cleanup(func() { h.Shutdown(context.Background()) })
	return h
}

func TestInsertPublishesDelta(t *testing.T) {
	h := newTestHub(t, 10, nil)
	c := &collector{}
	_, err := h.Subscribe(c.callback)
	require.NoError(t, err)

	assert.True(t, h.Insert(rec("a", "x")))
	assert.False(t, h.Insert(rec("a", "y")), "duplicate id is a no-op")

	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, time.Millisecond)
	// give a stray second delta the chance to show up
	time.Sleep(10 * time.Millisecond)

	deltas := c.snapshot()
	require.Len(t, deltas, 1)
	assert.Equal(t, proto.DeltaKind_INSERTED, deltas[0].Kind)
	assert.Equal(t, uint64(1), deltas[0].Seq)
	assert.Equal(t, 1, deltas[0].UnreadCount)
	require.NotNil(t, deltas[0].Record)
	assert.Equal(t, "x", deltas[0].Record.Message)

	snap := h.Snapshot()
	require.Len(t, snap.Records, 1)
	assert.Equal(t, "x", snap.Records[0].Message)
}

func TestEvictionScenario(t *testing.T) {
	h := newTestHub(t, 2, nil)

	h.Insert(rec("1", ""))
	h.Insert(rec("2", ""))
	h.Insert(rec("3", ""))

	snap := h.Snapshot()
	ids := []string{}
	for _, r := range snap.Records {
		ids = append(ids, r.Id)
	}
	assert.Equal(t, []string{"3", "2"}, ids)
	assert.Equal(t, 2, snap.UnreadCount)
}

func TestReadMutations(t *testing.T) {
	h := newTestHub(t, 10, nil)
	c := &collector{}
	_, err := h.Subscribe(c.callback)
	require.NoError(t, err)

	h.Insert(rec("a", ""))
	h.Insert(rec("b", ""))
	h.Insert(rec("c", ""))

	assert.True(t, h.MarkRead("b"))
	assert.False(t, h.MarkRead("b"), "already read")
	assert.False(t, h.MarkRead("missing"))
	assert.Equal(t, 2, h.UnreadCount())

	assert.True(t, h.MarkAllRead())
	assert.False(t, h.MarkAllRead(), "nothing left to change")
	assert.Equal(t, 0, h.UnreadCount())

	require.Eventually(t, func() bool { return c.len() == 5 }, time.Second, time.Millisecond)
	deltas := c.snapshot()
	assert.Equal(t, proto.DeltaKind_READ, deltas[3].Kind)
	assert.Equal(t, "b", deltas[3].Id)
	assert.Equal(t, 2, deltas[3].UnreadCount)
	assert.Equal(t, proto.DeltaKind_ALL_READ, deltas[4].Kind)
	assert.Equal(t, 0, deltas[4].UnreadCount)

	for i, d := range deltas {
		assert.Equal(t, uint64(i+1), d.Seq)
	}
}

func TestFailingSubscribersAreIsolated(t *testing.T) {
	h := newTestHub(t, 10, nil)

	var panics, failures atomic.Int32
	_, err := h.Subscribe(func(d proto.Delta) error {
		panics.Add(1)
		panic("subscriber bug")
	})
	require.NoError(t, err)
	_, err = h.Subscribe(func(d proto.Delta) error {
		failures.Add(1)
		return errors.New("view gone")
	})
	require.NoError(t, err)

	healthy := &collector{}
	_, err = h.Subscribe(healthy.callback)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		h.Insert(rec(fmt.Sprint(i), ""))
	}

	require.Eventually(t, func() bool { return healthy.len() == 5 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return panics.Load() == 5 && failures.Load() == 5 }, time.Second, time.Millisecond)
	assert.Equal(t, 3, h.Subscribers())
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SubscriberBuffer = 4
	h := New(cfg, nil)

	release := make(chan struct{})
	_, err := h.Subscribe(func(d proto.Delta) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	fast := &collector{}
	_, err = h.Subscribe(fast.callback)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			h.Insert(rec(fmt.Sprint(i), ""))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("a blocked subscriber stalled inserts")
	}
	// whatever made it into the fast queue is delivered
	require.Eventually(t, func() bool { return fast.len() >= 4 }, time.Second, time.Millisecond)
	assert.Len(t, h.Snapshot().Records, 20)

	close(release)
	require.NoError(t, h.Shutdown(context.Background()))
}

func TestUnsubscribe(t *testing.T) {
	h := newTestHub(t, 10, nil)
	c := &collector{}
	handle, err := h.Subscribe(c.callback)
	require.NoError(t, err)

	h.Insert(rec("a", ""))
	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, time.Millisecond)

	assert.True(t, h.Unsubscribe(handle))
	assert.False(t, h.Unsubscribe(handle))
	assert.Equal(t, 0, h.Subscribers())

	h.Insert(rec("b", ""))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, c.len())
}

func TestUnsubscribeFromCallback(t *testing.T) {
	h := newTestHub(t, 10, nil)

	var handle Handle
	var calls atomic.Int32
	ready := make(chan struct{})
	handle, err := h.Subscribe(func(d proto.Delta) error {
		<-ready
		calls.Add(1)
		h.Unsubscribe(handle)
		return nil
	})
	require.NoError(t, err)
	close(ready)

	h.Insert(rec("a", ""))
	require.Eventually(t, func() bool { return h.Subscribers() == 0 }, time.Second, time.Millisecond)
	h.Insert(rec("b", ""))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSubscribeWithSnapshotCatchesUp(t *testing.T) {
	h := newTestHub(t, 10, nil)
	h.Insert(rec("a", ""))
	h.Insert(rec("b", ""))

	c := &collector{}
	_, snap, err := h.SubscribeWithSnapshot(c.callback)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Seq)
	assert.Len(t, snap.Records, 2)

	h.Insert(rec("c", ""))
	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, snap.Seq+1, c.snapshot()[0].Seq)
}

func TestConcurrentInsertsAreSerialized(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity = 1000
	// queue large enough for the whole burst
	cfg.SubscriberBuffer = 1000
	h := New(cfg, nil)
	defer h.Shutdown(context.Background())

	c := &collector{}
	_, err := h.Subscribe(c.callback)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				h.Insert(rec(fmt.Sprintf("%d-%d", w, i), ""))
				if i%3 == 0 {
					h.MarkRead(fmt.Sprintf("%d-%d", w, i))
				}
			}
		}(w)
	}
	wg.Wait()

	snap := h.Snapshot()
	unread := 0
	for _, r := range snap.Records {
		if !r.Read {
			unread++
		}
	}
	assert.Len(t, snap.Records, 400)
	assert.Equal(t, unread, snap.UnreadCount)

	require.Eventually(t, func() bool { return uint64(c.len()) == snap.Seq }, 2*time.Second, time.Millisecond)
	for i, d := range c.snapshot() {
		assert.Equal(t, uint64(i+1), d.Seq, "deltas arrive in sequence order")
	}
}

func TestPolicyCalledOnlyForNewRecords(t *testing.T) {
	policy := &fakePolicy{answer: delivery.PermissionGranted}
	h := newTestHub(t, 10, policy)

	h.Insert(rec("a", ""))
	h.Insert(rec("a", ""))
	h.Insert(rec("b", ""))

	policy.mu.Lock()
	assert.Equal(t, []string{"a", "b"}, policy.inserted)
	policy.mu.Unlock()

	assert.Equal(t, delivery.PermissionGranted, h.RequestAlertPermission(context.Background()))
	assert.Equal(t, delivery.PermissionGranted, h.AlertPermission())
	assert.Equal(t, delivery.PermissionDenied, h.SetAlertPermission(delivery.PermissionDenied))
}

func TestHubWithoutPolicy(t *testing.T) {
	h := newTestHub(t, 10, nil)
	assert.Equal(t, delivery.PermissionDenied, h.AlertPermission())
	assert.Equal(t, delivery.PermissionDenied, h.RequestAlertPermission(context.Background()))
}

func TestShutdown(t *testing.T) {
	policy := &fakePolicy{}
	h := New(DefaultConfig(), policy)
	c := &collector{}
	_, err := h.Subscribe(c.callback)
	require.NoError(t, err)

	require.NoError(t, h.Shutdown(context.Background()))
	require.NoError(t, h.Shutdown(context.Background()), "second shutdown is a no-op")

	assert.False(t, h.Insert(rec("a", "")))
	_, err = h.Subscribe(c.callback)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, h.Subscribers())

	policy.mu.Lock()
	assert.True(t, policy.closed)
	policy.mu.Unlock()
}

func TestShutdownBoundedByContext(t *testing.T) {
	h := New(DefaultConfig(), nil)
	stuck := make(chan struct{})
	defer close(stuck)

	_, err := h.Subscribe(func(d proto.Delta) error {
		<-stuck
		return nil
	})
	require.NoError(t, err)
	h.Insert(rec("a", ""))
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Shutdown(ctx), context.DeadlineExceeded)
}

func TestRunIngestsMessages(t *testing.T) {
	h := newTestHub(t, 10, nil)
	messages := make(chan []byte, 4)
	messages <- []byte(`{"id":"a","message":"x"}`)
	messages <- []byte(`{"id":"a","message":"x"}`)
	messages <- []byte(`{"message":"no id"}`)
	messages <- []byte(`{"id":"b","message":"y","extra":true}`)
	close(messages)

	require.NoError(t, h.Run(context.Background(), messages))

	snap := h.Snapshot()
	require.Len(t, snap.Records, 2)
	assert.Equal(t, "b", snap.Records[0].Id)
	assert.Equal(t, "a", snap.Records[1].Id)
	assert.Equal(t, 2, snap.UnreadCount)
	assert.JSONEq(t, `true`, string(snap.Records[0].Payload["extra"]))
}

func TestInsertRejectsEmptyID(t *testing.T) {
	policy := &fakePolicy{}
	h := newTestHub(t, 10, policy)
	c := &collector{}
	_, err := h.Subscribe(c.callback)
	require.NoError(t, err)

	assert.False(t, h.Insert(proto.NotificationRecord{Message: "no id"}))
	assert.True(t, h.Insert(rec("a", "x")))

	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	deltas := c.snapshot()
	require.Len(t, deltas, 1)
	assert.Equal(t, uint64(1), deltas[0].Seq, "the rejected record consumed no sequence number")

	snap := h.Snapshot()
	require.Len(t, snap.Records, 1)
	assert.Equal(t, "a", snap.Records[0].Id)
	assert.Equal(t, []string{"a"}, policy.inserted)
}

func TestInsertStampsMissingReceivedAt(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cfg := DefaultConfig()
	cfg.Ingest.Clock = func() time.Time { return now }
	h := New(cfg, nil)
	t.Cleanup(func() { h.Shutdown(context.Background()) })

	earlier := now.Add(-time.Hour)
	require.True(t, h.Insert(proto.NotificationRecord{Id: "a"}))
	require.True(t, h.Insert(proto.NotificationRecord{Id: "b", ReceivedAt: earlier}))

	snap := h.Snapshot()
	require.Len(t, snap.Records, 2)
	assert.Equal(t, now, snap.Records[1].ReceivedAt)
	assert.Equal(t, earlier, snap.Records[0].ReceivedAt, "a set timestamp is kept")
}

func TestInsertContextRecordsSpanEvents(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test")

	h := newTestHub(t, 1, nil)
	ctx, span := tracer.Start(context.Background(), "ingest")
	h.InsertContext(ctx, rec("a", ""))
	h.InsertContext(ctx, rec("a", ""))
	h.InsertContext(ctx, rec("b", ""))
	h.InsertContext(ctx, proto.NotificationRecord{})
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)

	var names []string
	attrs := map[string]string{}
	for _, ev := range ended[0].Events() {
		names = append(names, ev.Name)
		for _, kv := range ev.Attributes {
			if kv.Value.Type() == attribute.STRING {
				attrs[ev.Name+"/"+string(kv.Key)] = kv.Value.AsString()
			}
		}
	}
	assert.Equal(t, []string{"inserted", "duplicate", "inserted", "rejected"}, names)
	assert.Equal(t, "a", attrs["duplicate/notification.id"])
	assert.Equal(t, "b", attrs["inserted/notification.id"])
	assert.Equal(t, "a", attrs["inserted/evicted.id"])
	assert.Equal(t, "empty id", attrs["rejected/reason"])
}
