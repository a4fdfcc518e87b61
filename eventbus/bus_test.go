package eventbus

import (
	"sync"
	"testing"
)

func TestPublishOrdersSubscribersByRegistration(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var order []int

	for i := range 5 {
		i := i
		b.Subscribe("X", func(any) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	b.Publish("X", nil)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 5 {
		t.Fatalf("expected 5 deliveries, got %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("out-of-order delivery: %v", order)
		}
	}
}

func TestPublishIsExactlyOncePerSubscription(t *testing.T) {
	b := New()
	n := 0
	b.Subscribe("Y", func(any) { n++ })
	b.Publish("Y", nil)
	b.Publish("Y", nil)
	if n != 2 {
		t.Fatalf("expected 2 calls (one per publish), got %d", n)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	n := 0
	unsub := b.Subscribe("Z", func(any) { n++ })
	b.Publish("Z", nil)
	unsub()
	b.Publish("Z", nil)
	if n != 1 {
		t.Fatalf("expected 1 call after unsubscribe, got %d", n)
	}
}

func TestDistinctEventsDoNotContend(t *testing.T) {
	b := New()
	blockCh := make(chan struct{})
	released := make(chan struct{})
	b.Subscribe("SLOW", func(any) {
		<-blockCh
		close(released)
	})
	done := make(chan struct{})
	go func() {
		b.Publish("SLOW", nil)
		close(done)
	}()

	fastCh := make(chan struct{})
	b.Subscribe("FAST", func(any) { close(fastCh) })
	b.Publish("FAST", nil)

	select {
	case <-fastCh:
	default:
		t.Fatal("fast topic should not be blocked by an in-flight slow topic publish")
	}
	close(blockCh)
	<-done
	<-released
}
