package connection

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer connects to an upstream that pushes notifications as
// WebSocket text frames, one JSON object per frame.
type WebSocketDialer struct {
	// Upstream URL; http(s) schemes are converted to ws(s)
	URL string

	// Extra handshake headers
	Header http.Header

	// Underlying dialer, websocket.DefaultDialer when nil
	Dialer *websocket.Dialer
}

// NewWebSocketDialer creates a dialer for the given URL
func NewWebSocketDialer(rawURL string, headers map[string]string) *WebSocketDialer {
	h := make(http.Header)
	for k, v := range headers {
		h.Set(k, v)
	}
	return &WebSocketDialer{
		URL:    rawURL,
		Header: h,
	}
}

// Dial opens the WebSocket connection
func (d *WebSocketDialer) Dial(ctx context.Context) (Stream, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}

	// Convert to WebSocket scheme
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn *websocket.Conn
	once sync.Once
}

// Recv returns the payload of the next data frame
func (s *wsStream) Recv(ctx context.Context) ([]byte, error) {
	_, message, err := s.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrStreamClosed
		}
		return nil, err
	}
	return message, nil
}

// Close sends a close frame and releases the connection
func (s *wsStream) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = s.conn.Close()
	})
	return err
}
