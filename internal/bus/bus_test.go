package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBroadcastDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	b.Subscribe("sub1", func(ev Event) {
		mu.Lock()
		got = append(got, ev.Name)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	})

	b.Broadcast(Event{Name: "a"})
	b.Broadcast(Event{Name: "b"})
	b.Broadcast(Event{Name: "c"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("order = %v, want [a b c]", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	delivered := make(chan struct{}, 8)
	b.Subscribe("sub1", func(Event) { delivered <- struct{}{} })
	b.Broadcast(Event{Name: "first"})

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("first event not delivered")
	}

	b.Unsubscribe("sub1")
	b.Broadcast(Event{Name: "second"})

	select {
	case <-delivered:
		t.Error("event delivered after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSlowSubscriberDoesNotBlockBroadcast(t *testing.T) {
	b := New()
	defer b.Close()

	block := make(chan struct{})
	b.Subscribe("slow", func(Event) { <-block })

	// Flood beyond the queue depth; Broadcast must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberQueueDepth*2; i++ {
			b.Broadcast(Event{Name: "flood"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a slow subscriber")
	}
	close(block)
}
