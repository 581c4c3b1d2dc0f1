package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindSessionStatusChanged, Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != KindSessionStatusChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, KindSessionStatusChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindSessionStatusChanged})
	b.Publish(Event{Kind: KindMessageSnapshot})

	select {
	case evt := <-ch:
		if evt.Kind != KindMessageSnapshot {
			t.Errorf("got kind %q, want %s", evt.Kind, KindMessageSnapshot)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure session event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session.", 10)
	unsub()
	unsub()

	b.Publish(Event{Kind: KindSessionStatusChanged})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("voice.", 1)
	defer unsub()

	b.Emit(KindVoiceElapsed, 1)
	// Dropped: buffer is full.
	b.Emit(KindVoiceElapsed, 2)

	evt := <-ch
	if evt.Payload != 1 {
		t.Errorf("got payload %v, want 1", evt.Payload)
	}
	if evt.Timestamp.IsZero() {
		t.Error("Emit did not stamp the event")
	}
	if got := b.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Emit(KindMessageSnapshot, nil)
	if b.Dropped() != 0 {
		t.Error("nil bus reports drops")
	}
	ch, unsub := b.Subscribe("message.", 1)
	defer unsub()
	select {
	case evt := <-ch:
		t.Errorf("nil bus delivered %v", evt)
	default:
	}
}
