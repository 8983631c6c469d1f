package broadcast

import "testing"

func TestSubscribePublishDeliversToAllReceivers(t *testing.T) {
	h := New[int](4)
	_, a := h.Subscribe()
	_, b := h.Subscribe()

	h.Publish(7)

	if v := <-a; v != 7 {
		t.Fatalf("receiver a: got %d, want 7", v)
	}
	if v := <-b; v != 7 {
		t.Fatalf("receiver b: got %d, want 7", v)
	}
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	h := New[int](2)
	_, ch := h.Subscribe()

	h.Publish(1)
	h.Publish(2)
	h.Publish(3) // channel full at {1,2}; 1 should be dropped for 3

	first := <-ch
	second := <-ch
	if first != 2 || second != 3 {
		t.Fatalf("got %d, %d; want 2, 3 (oldest dropped)", first, second)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := New[int](1)
	id, ch := h.Subscribe()
	h.Unsubscribe(id)

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after Unsubscribe")
	}
	if h.ReceiverCount() != 0 {
		t.Fatalf("expected 0 receivers, got %d", h.ReceiverCount())
	}
}

func TestReceiverCount(t *testing.T) {
	h := New[int](1)
	if h.ReceiverCount() != 0 {
		t.Fatal("expected 0 receivers initially")
	}
	id1, _ := h.Subscribe()
	_, _ = h.Subscribe()
	if h.ReceiverCount() != 2 {
		t.Fatalf("expected 2 receivers, got %d", h.ReceiverCount())
	}
	h.Unsubscribe(id1)
	if h.ReceiverCount() != 1 {
		t.Fatalf("expected 1 receiver after unsubscribe, got %d", h.ReceiverCount())
	}
}
