package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nkkko/notihub/pkg/proto"
)

var errStreamClosed = errors.New("stream client gone")

const streamWriteWait = 10 * time.Second

// handleStream upgrades to a WebSocket and writes a snapshot frame followed by
// one delta frame per hub mutation. A client that sees a gap in delta
// sequence numbers has missed deltas and should reconnect for a new snapshot.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		a.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	a.metrics.APIActiveConnections.Inc()
	defer a.metrics.APIActiveConnections.Dec()

	gone := make(chan struct{})
	frames := make(chan proto.Delta, a.config.StreamBuffer)

	handle, snap, err := a.hub.SubscribeWithSnapshot(func(d proto.Delta) error {
		select {
		case frames <- d:
			return nil
		case <-gone:
			return errStreamClosed
		}
	})
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "hub unavailable"),
			time.Now().Add(time.Second))
		return
	}
	defer a.hub.Unsubscribe(handle)

	logger := a.logger.With().Str("handle", string(handle)).Str("remote_addr", r.RemoteAddr).Logger()
	logger.Debug().Uint64("seq", snap.Seq).Msg("Stream client connected")

	// the read loop only notices the client going away, so it must outlive
	// the server read timeout
	conn.SetReadDeadline(time.Time{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := a.writeFrame(conn, proto.StreamFrame{Type: proto.FrameType_SNAPSHOT, Snapshot: &snap}); err != nil {
		return
	}

	ping := time.NewTicker(a.config.StreamPingInterval)
	defer ping.Stop()

	for {
		select {
		case d := <-frames:
			if err := a.writeFrame(conn, proto.StreamFrame{Type: proto.FrameType_DELTA, Delta: &d}); err != nil {
				logger.Debug().Err(err).Msg("Stream write failed")
				return
			}
		case <-ping.C:
			if err := a.writeFrame(conn, proto.StreamFrame{Type: proto.FrameType_HEARTBEAT}); err != nil {
				return
			}
		case <-gone:
			logger.Debug().Msg("Stream client disconnected")
			return
		case <-a.closing:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		}
	}
}

func (a *API) writeFrame(conn *websocket.Conn, frame proto.StreamFrame) error {
	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(frame)
}
