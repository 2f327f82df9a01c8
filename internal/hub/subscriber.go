package hub

import (
	"time"

	"github.com/nkkko/notihub/pkg/proto"
)

// Handle identifies a subscription
type Handle string

// Callback receives deltas for one subscription. Deltas for a subscription are
// delivered one at a time in sequence order. Callbacks must treat the delta,
// including its Record, as read-only.
type Callback func(delta proto.Delta) error

// queued is a delta waiting in a subscriber queue
type queued struct {
	delta    proto.Delta
	enqueued time.Time
}

// subscriber owns a bounded queue drained by its own goroutine, so a slow,
// failing or panicking callback only affects itself
type subscriber struct {
	handle   Handle
	callback Callback
	queue    chan queued
	stop     chan struct{}
	done     chan struct{}
}

func newSubscriber(handle Handle, callback Callback, buffer int) *subscriber {
	return &subscriber{
		handle:   handle,
		callback: callback,
		queue:    make(chan queued, buffer),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// offer enqueues without blocking and reports whether the delta fit
func (s *subscriber) offer(d proto.Delta) bool {
	select {
	case s.queue <- queued{delta: d, enqueued: time.Now()}:
		return true
	default:
		return false
	}
}

func (s *subscriber) run(h *Hub) {
	defer close(s.done)
	for {
		// stop wins over pending deltas
		select {
		case <-s.stop:
			return
		default:
		}

		select {
		case <-s.stop:
			return
		case q := <-s.queue:
			h.deliver(s, q)
		}
	}
}
