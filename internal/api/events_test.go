package api

import "testing"

func TestHub_PublishAndUnsubscribe(t *testing.T) {
	h := NewHub(discardLogger())

	id1, ch1 := h.Subscribe()
	_, ch2 := h.Subscribe()
	if n := h.Subscribers(); n != 2 {
		t.Fatalf("subscribers = %d, want 2", n)
	}

	h.Publish(EventRegState, regStateEvent{Account: 1, Status: 200})
	for _, ch := range []<-chan Event{ch1, ch2} {
		ev := nextEvent(t, ch)
		if ev.ID != 1 || ev.Type != EventRegState {
			t.Errorf("event = %+v", ev)
		}
	}

	h.Unsubscribe(id1)
	if _, ok := <-ch1; ok {
		t.Error("unsubscribed channel still open")
	}
	h.Unsubscribe(id1)

	h.Publish(EventCallEnd, callEvent{})
	if ev := nextEvent(t, ch2); ev.ID != 2 {
		t.Errorf("second event id = %d, want 2", ev.ID)
	}
}

func TestHub_DropsWhenSubscriberLags(t *testing.T) {
	h := NewHub(discardLogger())
	_, ch := h.Subscribe()

	for i := 0; i < subscriberBuffer+10; i++ {
		h.Publish(EventCallRinging, callEvent{})
	}
	if n := len(ch); n != subscriberBuffer {
		t.Fatalf("buffered = %d, want %d", n, subscriberBuffer)
	}
	first := <-ch
	if first.ID != 1 {
		t.Errorf("first event id = %d, want 1", first.ID)
	}
}

func TestHub_Close(t *testing.T) {
	h := NewHub(discardLogger())
	_, ch := h.Subscribe()

	h.Close()
	if _, ok := <-ch; ok {
		t.Error("channel open after close")
	}
	if n := h.Subscribers(); n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}

	h.Publish(EventRegState, regStateEvent{})
	_, late := h.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscribe after close returned an open channel")
	}
	h.Close()
}

func TestArgAt(t *testing.T) {
	args := []any{"x", 42}

	if v, ok := argAt[string](args, 0); !ok || v != "x" {
		t.Errorf("argAt[string](0) = %q, %v", v, ok)
	}
	if v, ok := argAt[int](args, 1); !ok || v != 42 {
		t.Errorf("argAt[int](1) = %d, %v", v, ok)
	}
	if _, ok := argAt[int](args, 0); ok {
		t.Error("argAt with wrong type reported ok")
	}
	if v, ok := argAt[int](args, 5); ok || v != 0 {
		t.Errorf("argAt out of range = %d, %v", v, ok)
	}
}

func TestCallCallbacks_IgnoreMissingCall(t *testing.T) {
	ts := newTestServer(t, nil, Config{})
	_, ch := ts.srv.Events().Subscribe()

	cbs := ts.srv.callCallbacks()
	cbs.OnEnd.Invoke("not a call", 486)
	onIncoming, onRegState := ts.srv.accountCallbacks()
	onIncoming.Invoke()
	onRegState.Invoke(7)

	if n := len(ch); n != 0 {
		t.Errorf("published %d events for malformed callbacks", n)
	}
}
