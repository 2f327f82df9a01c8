// Package client is a Go client for the notification hub HTTP API and its
// WebSocket delta stream.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nkkko/notihub/pkg/proto"
)

// ErrSequenceGap is reported by a Subscription that missed one or more
// deltas. The caller should subscribe again to get a fresh snapshot.
var ErrSequenceGap = errors.New("delta sequence gap")

// APIError is an error response returned by the hub
type APIError struct {
	StatusCode int
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error (%d)", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s: %s", e.StatusCode, e.Code, e.Message)
}

// Client is an HTTP client for the notification hub
type Client struct {
	baseURL         string
	httpClient      *http.Client
	headers         http.Header
	websocketDialer *websocket.Dialer
	timeout         time.Duration
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
		c.httpClient.Timeout = timeout
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// New creates a new hub API client
func New(baseURL string, options ...ClientOption) *Client {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")

	client := &Client{
		baseURL:         baseURL,
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		headers:         headers,
		websocketDialer: websocket.DefaultDialer,
		timeout:         10 * time.Second,
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// envelope is the response wrapper every JSON endpoint uses
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
}

// List returns the current history, newest first
func (c *Client) List(ctx context.Context) (*proto.Snapshot, error) {
	env, err := c.do(ctx, http.MethodGet, "/notifications", nil)
	if err != nil {
		return nil, err
	}

	var snap proto.Snapshot
	if err := json.Unmarshal(env.Data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// MarkRead marks one notification read. It returns false when the id is
// unknown or the notification was already read.
func (c *Client) MarkRead(ctx context.Context, id string) (bool, error) {
	env, err := c.do(ctx, http.MethodPost, "/notifications/"+url.PathEscape(id)+"/read", nil)
	if err != nil {
		return false, err
	}
	return env.Success, nil
}

// MarkAllRead marks every notification read and reports whether anything changed
func (c *Client) MarkAllRead(ctx context.Context) (bool, error) {
	env, err := c.do(ctx, http.MethodPost, "/notifications/read-all", nil)
	if err != nil {
		return false, err
	}
	return env.Success, nil
}

// Permission returns the alert permission state
func (c *Client) Permission(ctx context.Context) (string, error) {
	env, err := c.do(ctx, http.MethodGet, "/permission", nil)
	if err != nil {
		return "", err
	}
	return decodePermission(env)
}

// RequestPermission asks the hub to request alert permission from the user
func (c *Client) RequestPermission(ctx context.Context) (string, error) {
	env, err := c.do(ctx, http.MethodPost, "/permission", nil)
	if err != nil {
		return "", err
	}
	return decodePermission(env)
}

// SetPermission records an answer ("granted" or "denied") the user already gave
func (c *Client) SetPermission(ctx context.Context, permission string) (string, error) {
	env, err := c.do(ctx, http.MethodPost, "/permission", proto.PermissionResponse{Permission: permission})
	if err != nil {
		return "", err
	}
	return decodePermission(env)
}

func decodePermission(env *envelope) (string, error) {
	var resp proto.PermissionResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		return "", fmt.Errorf("failed to decode permission: %w", err)
	}
	return resp.Permission, nil
}

// Subscribe opens the delta stream. The returned subscription carries the
// snapshot the stream started from; Deltas continues from it.
func (c *Client) Subscribe(ctx context.Context) (*Subscription, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/stream"

	headers := make(http.Header)
	for k, v := range c.headers {
		if k != "Content-Type" {
			headers[k] = v
		}
	}
	conn, resp, err := c.websocketDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	resp.Body.Close()

	var first proto.StreamFrame
	conn.SetReadDeadline(time.Now().Add(c.timeout))
	if err := conn.ReadJSON(&first); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if first.Type != proto.FrameType_SNAPSHOT || first.Snapshot == nil {
		conn.Close()
		return nil, fmt.Errorf("unexpected first frame %q", first.Type)
	}
	conn.SetReadDeadline(time.Time{})

	sub := &Subscription{
		Conn:     conn,
		Snapshot: *first.Snapshot,
		Deltas:   make(chan proto.Delta, 100),
		Done:     make(chan struct{}),
		closing:  make(chan struct{}),
		lastSeq:  first.Snapshot.Seq,
	}
	go sub.receiveDeltas()

	return sub, nil
}

// do makes an HTTP request and decodes the response envelope
func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*envelope, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u = u.JoinPath(path)

	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(data, &env)

	if resp.StatusCode >= 400 {
		if decodeErr == nil && env.Error != nil {
			env.Error.StatusCode = resp.StatusCode
			return nil, env.Error
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode response: %w", decodeErr)
	}
	return &env, nil
}

// Subscription is a live delta stream
type Subscription struct {
	Conn     *websocket.Conn
	Snapshot proto.Snapshot
	Deltas   chan proto.Delta
	Done     chan struct{}

	closing   chan struct{}
	closeOnce sync.Once
	lastSeq   uint64
	mu        sync.Mutex
	err       error
}

// Err returns why the stream ended, once Done is closed
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// receiveDeltas forwards delta frames until the connection closes or a gap
// in sequence numbers shows that deltas were lost
func (s *Subscription) receiveDeltas() {
	defer func() {
		close(s.Deltas)
		close(s.Done)
		s.Conn.Close()
	}()

	for {
		var frame proto.StreamFrame
		if err := s.Conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.setErr(err)
			}
			return
		}

		switch frame.Type {
		case proto.FrameType_HEARTBEAT:
			continue
		case proto.FrameType_DELTA:
		default:
			// unknown frame types are ignored
			continue
		}
		if frame.Delta == nil {
			continue
		}

		if frame.Delta.Seq != s.lastSeq+1 {
			s.setErr(fmt.Errorf("%w: expected %d, got %d", ErrSequenceGap, s.lastSeq+1, frame.Delta.Seq))
			return
		}
		s.lastSeq = frame.Delta.Seq
		select {
		case s.Deltas <- *frame.Delta:
		case <-s.closing:
			return
		}
	}
}

// Close closes the subscription
func (s *Subscription) Close() error {
	select {
	case <-s.Done:
		return nil
	default:
	}
	s.closeOnce.Do(func() { close(s.closing) })

	err := s.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))

	select {
	case <-s.Done:
	case <-time.After(time.Second):
		s.Conn.Close()
	}

	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}
