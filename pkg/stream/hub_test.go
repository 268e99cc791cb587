package stream

import (
	"encoding/json"
	"testing"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	t.Parallel()
	h := NewHub()
	a := h.Subscribe(4)
	b := h.Subscribe(4)
	defer h.Unsubscribe(a)
	defer h.Unsubscribe(b)

	h.Publish(NewEvent(EventApprovalPending, map[string]string{"request_id": "req-1"}))

	for name, ch := range map[string]chan Event{"a": a, "b": b} {
		select {
		case evt := <-ch:
			if evt.Type != EventApprovalPending {
				t.Fatalf("%s got event type %s", name, evt.Type)
			}
			var data map[string]string
			if err := json.Unmarshal(evt.Data, &data); err != nil || data["request_id"] != "req-1" {
				t.Fatalf("%s got data %s (%v)", name, evt.Data, err)
			}
		default:
			t.Fatalf("subscriber %s received nothing", name)
		}
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	t.Parallel()
	h := NewHub()
	ch := h.Subscribe(1)
	defer h.Unsubscribe(ch)

	h.Publish(NewEvent(EventGateUpdated, nil))
	h.Publish(NewEvent(EventKillSwitchOn, nil)) // dropped, buffer full

	if got := len(ch); got != 1 {
		t.Fatalf("buffered %d events; want 1", got)
	}
	if evt := <-ch; evt.Type != EventGateUpdated {
		t.Fatalf("kept event = %s; want the first one", evt.Type)
	}
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	t.Parallel()
	h := NewHub()
	ch := h.Subscribe(0)
	h.Unsubscribe(ch)
	h.Unsubscribe(ch) // second call is a no-op, must not panic

	if _, open := <-ch; open {
		t.Fatal("channel still open after Unsubscribe")
	}
	if h.Subscribers() != 0 {
		t.Fatalf("subscribers = %d; want 0", h.Subscribers())
	}
}
