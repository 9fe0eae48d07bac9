package cdp

import (
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
}

func TestBus_DeliversInArrivalOrder(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	defer bus.Close()

	const n = 100
	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})

	bus.Subscribe(AnyMethod, AnySession, func(e Event) {
		mu.Lock()
		seen = append(seen, e.Method)
		if len(seen) == n {
			close(done)
		}
		mu.Unlock()
	})

	for i := 0; i < n; i++ {
		bus.publish(Event{Method: string(rune('a' + i%26))})
	}
	waitFor(t, done, "events")

	mu.Lock()
	defer mu.Unlock()
	for i, m := range seen {
		if want := string(rune('a' + i%26)); m != want {
			t.Errorf("event %d = %q, want %q", i, m, want)
		}
	}
}

func TestBus_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	defer bus.Close()

	release := make(chan struct{})
	bus.Subscribe("Page.loadEventFired", "", func(Event) {
		<-release
	})

	fast := make(chan struct{})
	var once sync.Once
	bus.Subscribe("Page.loadEventFired", "", func(Event) {
		once.Do(func() { close(fast) })
	})

	for i := 0; i < 10; i++ {
		if got := bus.publish(Event{Method: "Page.loadEventFired"}); got != 2 {
			t.Errorf("publish delivered to %d subscribers, want 2", got)
		}
	}
	waitFor(t, fast, "fast subscriber")
	close(release)
}

func TestBus_SessionFilter(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	defer bus.Close()

	rootOnly := make(chan Event, 4)
	anySession := make(chan Event, 4)
	bus.Subscribe("Target.targetCreated", "", func(e Event) { rootOnly <- e })
	bus.Subscribe("Target.targetCreated", AnySession, func(e Event) { anySession <- e })

	if got := bus.publish(Event{Method: "Target.targetCreated", SessionID: "S1"}); got != 1 {
		t.Errorf("session event delivered to %d subscribers, want 1", got)
	}
	if got := bus.publish(Event{Method: "Target.targetCreated"}); got != 2 {
		t.Errorf("root event delivered to %d subscribers, want 2", got)
	}
	if got := bus.publish(Event{Method: "Page.loadEventFired"}); got != 0 {
		t.Errorf("unsubscribed method delivered to %d subscribers", got)
	}

	select {
	case e := <-rootOnly:
		if e.SessionID != "" {
			t.Errorf("root-only subscriber received session %q", e.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("root event not delivered")
	}
	for i := 0; i < 2; i++ {
		select {
		case <-anySession:
		case <-time.After(time.Second):
			t.Fatal("wildcard session subscriber missed an event")
		}
	}
}

func TestBus_UnsubscribeInsideHandler(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	defer bus.Close()

	var sub *Subscription
	var mu sync.Mutex
	calls := 0
	ready := make(chan struct{})
	sub = bus.Subscribe("Page.frameNavigated", "", func(Event) {
		<-ready
		mu.Lock()
		calls++
		mu.Unlock()
		sub.Unsubscribe()
	})
	close(ready)

	bus.publish(Event{Method: "Page.frameNavigated"})
	waitFor(t, sub.Done(), "subscription exit")

	if got := bus.publish(Event{Method: "Page.frameNavigated"}); got != 0 {
		t.Errorf("publish after unsubscribe delivered to %d subscribers", got)
	}
	if n := bus.Len(); n != 0 {
		t.Errorf("expected no subscriptions, got %d", n)
	}

	mu.Lock()
	if calls != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}
	mu.Unlock()

	// Unsubscribe is idempotent.
	sub.Unsubscribe()
}

func TestBus_CloseStopsSubscriptions(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	sub := bus.Subscribe(AnyMethod, AnySession, func(Event) {})
	if n := bus.Len(); n != 1 {
		t.Fatalf("expected 1 subscription, got %d", n)
	}

	bus.Close()
	waitFor(t, sub.Done(), "subscription exit")
	if got := bus.publish(Event{Method: "X.y"}); got != 0 {
		t.Errorf("publish after close delivered to %d subscribers", got)
	}

	late := bus.Subscribe(AnyMethod, AnySession, func(Event) {})
	waitFor(t, late.Done(), "inert subscription")
	if late.Method() != AnyMethod || late.SessionID() != AnySession {
		t.Errorf("late subscription filter = %q/%q", late.Method(), late.SessionID())
	}
	bus.Close()
}
