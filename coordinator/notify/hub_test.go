package notify

import (
	"testing"

	"go.uber.org/zap"
)

func testHub(t *testing.T, buffer int) *Hub {
	t.Helper()
	h := NewHub(buffer, zap.NewNop().Sugar())
	t.Cleanup(h.Close)
	return h
}

func drain(sub *Subscriber) []Event {
	var out []Event
	for {
		select {
		case ev := <-sub.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPublishFanOut(t *testing.T) {
	h := testHub(t, 4)

	a := h.Subscribe()
	b := h.Subscribe()
	if h.SubscriberCount() != 2 {
		t.Fatalf("SubscriberCount = %d, want 2", h.SubscriberCount())
	}

	h.Publish(Event{Type: TypeScanUpdate, ScanID: "s1", Status: "completed"})

	for name, sub := range map[string]*Subscriber{"a": a, "b": b} {
		got := drain(sub)
		if len(got) != 1 || got[0].ScanID != "s1" {
			t.Errorf("%s received %+v, want one s1 event", name, got)
		}
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	h := testHub(t, 2)
	sub := h.Subscribe()

	h.Publish(Event{ScanID: "s1"})
	h.Publish(Event{ScanID: "s2"})
	h.Publish(Event{ScanID: "s3"}) // s1 shed to make room

	got := drain(sub)
	if len(got) != 2 || got[0].ScanID != "s2" || got[1].ScanID != "s3" {
		t.Errorf("queue = %+v, want [s2 s3]", got)
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	h := testHub(t, 1)
	slow := h.Subscribe()
	fast := h.Subscribe()

	for _, id := range []string{"s1", "s2", "s3"} {
		h.Publish(Event{ScanID: id})
		drain(fast)
	}

	// The slow subscriber holds only the newest event
	got := drain(slow)
	if len(got) != 1 || got[0].ScanID != "s3" {
		t.Errorf("slow queue = %+v, want [s3]", got)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	h := testHub(t, 4)
	sub := h.Subscribe()

	h.Unsubscribe(sub)
	h.Unsubscribe(sub) // must not panic on double close

	if _, ok := <-sub.Events(); ok {
		t.Error("events channel still open after unsubscribe")
	}
	if h.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d, want 0", h.SubscriberCount())
	}
}

func TestPublishAfterClose(t *testing.T) {
	h := NewHub(4, zap.NewNop().Sugar())
	sub := h.Subscribe()

	h.Close()
	h.Close() // idempotent
	h.Publish(Event{ScanID: "s1"})

	if _, ok := <-sub.Events(); ok {
		t.Error("events channel still open after hub close")
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	h := NewHub(4, zap.NewNop().Sugar())
	h.Close()

	sub := h.Subscribe()
	if _, ok := <-sub.Events(); ok {
		t.Error("subscription on a closed hub should be immediately closed")
	}
}
