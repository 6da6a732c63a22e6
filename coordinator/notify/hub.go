// Package notify fans out scan state-change events to live observers.
// Each subscriber owns a bounded queue drained at its own pace; a slow
// observer loses its oldest pending events instead of stalling publication.
// Observers reconcile via the summary endpoints on reconnect, they must not
// rely on event completeness.
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/morpheuslord/Startup-SBOM/coordinator/observability"
)

// TypeScanUpdate is the only event type the coordinator emits today.
const TypeScanUpdate = "scan_update"

// DefaultBuffer is the per-subscriber queue depth.
const DefaultBuffer = 16

// Event is one scan state change.
type Event struct {
	Type   string `json:"type"`
	ScanID string `json:"scan_id"`
	Status string `json:"status"`
}

// Publisher delivers events beyond the local hub (e.g. a Redis channel so
// observers on other replicas see them). Best-effort: callers log and drop
// errors, they never fail the operation that produced the event.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscriber is one observer's handle on the hub.
type Subscriber struct {
	ch chan Event
}

// Events returns the subscriber's event stream. The channel is closed when
// the subscriber is unsubscribed or the hub shuts down.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Hub is the in-process fan-out registry.
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	buffer int
	closed bool
	log    *zap.SugaredLogger
}

// NewHub creates a Hub with the given per-subscriber buffer depth.
func NewHub(buffer int, log *zap.SugaredLogger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[*Subscriber]struct{}),
		buffer: buffer,
		log:    log,
	}
}

// Subscribe registers a new observer.
func (h *Hub) Subscribe() *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscriber{ch: make(chan Event, h.buffer)}
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	observability.ObserversConnected.Set(float64(len(h.subs)))
	return sub
}

// Unsubscribe removes an observer. Safe to call repeatedly or on a handle
// the hub no longer tracks.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
	observability.ObserversConnected.Set(float64(len(h.subs)))
}

// Publish enqueues the event for every subscriber. When a subscriber's
// queue is full the oldest pending event is dropped to make room, so the
// publisher never blocks.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	for sub := range h.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		// Queue full: shed the oldest, then retry once.
		select {
		case <-sub.ch:
			observability.EventsDropped.Inc()
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			observability.EventsDropped.Inc()
		}
	}
	observability.EventsPublished.Inc()
}

// SubscriberCount returns the number of live observers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close shuts the hub down and closes every subscriber stream.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
	}
	observability.ObserversConnected.Set(0)
}
