package connection

import (
	"context"
	"errors"
	"fmt"
)

// Dialer opens a stream to the upstream event source
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}

// Stream is one established upstream connection
type Stream interface {
	// Recv blocks until the next raw message arrives or the stream fails
	Recv(ctx context.Context) ([]byte, error)

	// Close tears the stream down; it must be safe to call more than once
	Close() error
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context) (Stream, error)

// Dial calls f(ctx)
func (f DialerFunc) Dial(ctx context.Context) (Stream, error) {
	return f(ctx)
}

// ErrStreamClosed is returned by Recv after the stream has been closed
var ErrStreamClosed = errors.New("stream closed")

// TransportError wraps any failure talking to the upstream.
// The manager always retries after one.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
