package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New(nil)
	ch, unsub := b.Subscribe("realtime.", 10)
	defer unsub()

	b.Publish(Event{Kind: "realtime.state_changed", Timestamp: time.Now(), Payload: "connected"})

	select {
	case evt := <-ch:
		if evt.Kind != "realtime.state_changed" {
			t.Errorf("got kind %q, want realtime.state_changed", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New(nil)
	ch, unsub := b.Subscribe("sync.", 10)
	defer unsub()

	b.Publish(Event{Kind: "realtime.state_changed"})
	b.Publish(Event{Kind: "sync.connected"})

	select {
	case evt := <-ch:
		if evt.Kind != "sync.connected" {
			t.Errorf("got kind %q, want sync.connected", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure session event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(nil)
	ch, unsub := b.Subscribe("realtime.", 10)
	unsub()

	b.Publish(Event{Kind: "realtime.state_changed"})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New(nil)
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	// Fill buffer.
	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}

func TestOnMultipleHandlersInOrder(t *testing.T) {
	b := New(nil)
	var got []string
	unsubA := b.On("realtime.NEW_MESSAGE", func(Event) { got = append(got, "a") })
	defer unsubA()
	unsubB := b.On("realtime.NEW_MESSAGE", func(Event) { got = append(got, "b") })
	defer unsubB()
	unsubOther := b.On("realtime.START_TYPING", func(Event) { got = append(got, "other") })
	defer unsubOther()

	b.Publish(NewEvent("realtime.NEW_MESSAGE", nil))

	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("got %v, want [a b]", got)
	}
}

func TestOnUnsubscribeIsIndependent(t *testing.T) {
	b := New(nil)
	var a, c int
	unsubA := b.On("k", func(Event) { a++ })
	unsubC := b.On("k", func(Event) { c++ })
	defer unsubC()

	b.Publish(NewEvent("k", nil))
	unsubA()
	unsubA() // idempotent
	b.Publish(NewEvent("k", nil))

	if a != 1 {
		t.Errorf("removed handler called %d times, want 1", a)
	}
	if c != 2 {
		t.Errorf("remaining handler called %d times, want 2", c)
	}
	if n := b.HandlerCount("k"); n != 1 {
		t.Errorf("HandlerCount = %d, want 1", n)
	}
}

func TestOnPanickingHandlerDoesNotStopDelivery(t *testing.T) {
	b := New(nil)
	delivered := false
	defer b.On("k", func(Event) { panic("boom") })()
	defer b.On("k", func(Event) { delivered = true })()

	b.Publish(NewEvent("k", nil))

	if !delivered {
		t.Error("handler after a panicking one was not called")
	}
}

func TestOnHandlerRemovedMidPublishDoesNotFire(t *testing.T) {
	b := New(nil)
	fired := false
	var unsubSecond func()
	defer b.On("k", func(Event) { unsubSecond() })()
	unsubSecond = b.On("k", func(Event) { fired = true })

	b.Publish(NewEvent("k", nil))

	if fired {
		t.Error("handler removed during publish was still called")
	}
}
