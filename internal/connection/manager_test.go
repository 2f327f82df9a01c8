package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStream replays queued messages, then fails with err
type fakeStream struct {
	messages chan []byte
	err      error
	closed   chan struct{}
	once     sync.Once
}

func newFakeStream(err error, messages ...string) *fakeStream {
	s := &fakeStream{
		messages: make(chan []byte, len(messages)),
		err:      err,
		closed:   make(chan struct{}),
	}
	for _, m := range messages {
		s.messages <- []byte(m)
	}
	return s
}

func (s *fakeStream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case m := <-s.messages:
		return m, nil
	default:
	}
	if s.err != nil {
		return nil, s.err
	}
	select {
	case <-s.closed:
		return nil, ErrStreamClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Backoff = BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
	return cfg
}

func TestManagerDeliversMessages(t *testing.T) {
	stream := newFakeStream(nil, `{"id":"1"}`, `{"id":"2"}`)
	dialer := DialerFunc(func(ctx context.Context) (Stream, error) {
		return stream, nil
	})

	m := NewManager(dialer, fastConfig())
	go m.Run(context.Background())
	defer m.Disconnect()

	for _, want := range []string{`{"id":"1"}`, `{"id":"2"}`} {
		select {
		case got := <-m.Messages():
			assert.Equal(t, want, string(got))
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}
	}
	assert.Eventually(t, func() bool { return m.State() == StateConnected }, time.Second, time.Millisecond)
}

func TestManagerReconnectsAfterFailures(t *testing.T) {
	var attempts atomic.Int32
	dialer := DialerFunc(func(ctx context.Context) (Stream, error) {
		n := attempts.Add(1)
		switch {
		case n <= 2:
			return nil, errors.New("connection refused")
		case n == 3:
			return newFakeStream(errors.New("connection reset"), `{"id":"a"}`), nil
		default:
			return newFakeStream(nil, `{"id":"b"}`), nil
		}
	})

	var mu sync.Mutex
	var states []State
	cfg := fastConfig()
	cfg.OnStateChange = func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}

	m := NewManager(dialer, cfg)
	go m.Run(context.Background())

	var got []string
	for len(got) < 2 {
		select {
		case msg := <-m.Messages():
			got = append(got, string(msg))
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout, received %v", got)
		}
	}
	assert.Equal(t, []string{`{"id":"a"}`, `{"id":"b"}`}, got)
	assert.GreaterOrEqual(t, attempts.Load(), int32(4))

	m.Disconnect()
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("manager did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, states)
	assert.Equal(t, StateConnecting, states[0])
	assert.Contains(t, states, StateBackoff)
	assert.Contains(t, states, StateConnected)
	assert.Equal(t, StateDisconnected, states[len(states)-1])
}

func TestManagerDisconnectBeforeRun(t *testing.T) {
	dialed := false
	m := NewManager(DialerFunc(func(ctx context.Context) (Stream, error) {
		dialed = true
		return newFakeStream(nil), nil
	}), fastConfig())

	m.Disconnect()
	m.Disconnect()

	require.NoError(t, m.Run(context.Background()))
	assert.False(t, dialed)

	_, open := <-m.Messages()
	assert.False(t, open, "message channel should be closed")
}

func TestManagerDisconnectDuringDial(t *testing.T) {
	dialing := make(chan struct{})
	m := NewManager(DialerFunc(func(ctx context.Context) (Stream, error) {
		close(dialing)
		<-ctx.Done()
		return nil, ctx.Err()
	}), fastConfig())

	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(context.Background()) }()

	<-dialing
	m.Disconnect()

	select {
	case err := <-errCh:
		assert.NoError(t, err, "disconnect racing a dial is not an error")
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManagerClosesStreamDialedAfterDisconnect(t *testing.T) {
	stream := newFakeStream(nil)
	release := make(chan struct{})
	dialing := make(chan struct{})

	m := NewManager(DialerFunc(func(ctx context.Context) (Stream, error) {
		close(dialing)
		<-release
		return stream, nil
	}), fastConfig())

	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(context.Background()) }()

	<-dialing
	m.Disconnect()
	close(release)

	require.NoError(t, <-errCh)
	select {
	case <-stream.closed:
	default:
		t.Fatal("stream completed after disconnect should be closed")
	}
}

func TestManagerDisconnectCancelsBackoff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backoff = BackoffConfig{InitialDelay: time.Hour, MaxDelay: time.Hour}

	m := NewManager(DialerFunc(func(ctx context.Context) (Stream, error) {
		return nil, errors.New("unreachable")
	}), cfg)

	go m.Run(context.Background())
	require.Eventually(t, func() bool { return m.State() == StateBackoff }, time.Second, time.Millisecond)

	start := time.Now()
	m.Disconnect()
	select {
	case <-m.Done():
		assert.Less(t, time.Since(start), time.Second)
	case <-time.After(time.Second):
		t.Fatal("backoff timer was not canceled")
	}
}

func TestManagerRunTwice(t *testing.T) {
	m := NewManager(DialerFunc(func(ctx context.Context) (Stream, error) {
		return newFakeStream(nil), nil
	}), fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	require.Eventually(t, func() bool { return m.State() == StateConnected }, time.Second, time.Millisecond)

	assert.ErrorIs(t, m.Run(ctx), ErrAlreadyRunning)
}

func TestManagerStopsOnContextCancel(t *testing.T) {
	m := NewManager(DialerFunc(func(ctx context.Context) (Stream, error) {
		return newFakeStream(nil), nil
	}), fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()
	require.Eventually(t, func() bool { return m.State() == StateConnected }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)
}

func TestTransportErrorUnwrap(t *testing.T) {
	base := errors.New("boom")
	err := error(&TransportError{Op: "dial", Err: base})

	assert.ErrorIs(t, err, base)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "dial", te.Op)
	assert.Equal(t, "transport dial: boom", err.Error())
}
