package fanout

import "testing"

func TestHub_BroadcastsAndDropsWhenFull(t *testing.T) {
	h := NewHub[int]()
	a, cancelA := h.Subscribe(4)
	b, cancelB := h.Subscribe(1)
	defer cancelA()
	defer cancelB()

	h.Publish(1)
	if dropped := h.Publish(2); dropped != 1 {
		t.Fatalf("expected 1 dropped, got %d", dropped)
	}

	if v := <-a; v != 1 {
		t.Fatalf("expected 1, got %d", v)
	}
	if v := <-a; v != 2 {
		t.Fatalf("expected 2, got %d", v)
	}
	if v := <-b; v != 1 {
		t.Fatalf("expected 1, got %d", v)
	}
}

func TestHub_CancelIsIdempotent(t *testing.T) {
	h := NewHub[string]()
	ch, cancel := h.Subscribe(1)
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	if h.Len() != 0 {
		t.Fatalf("expected no listeners")
	}

	h.Close()
	late, _ := h.Subscribe(1)
	if _, ok := <-late; ok {
		t.Fatalf("subscribe after close should return a closed channel")
	}
}
