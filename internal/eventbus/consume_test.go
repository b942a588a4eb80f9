package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestConsumeForwardsPayload(t *testing.T) {
	bus := New()
	defer bus.Shutdown()

	sub := Subscribe[ConnClosedEvent](bus, TopicConnsClosed)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	received := make(chan ConnClosedEvent, 1)

	wg.Add(1)
	go Consume(ctx, sub, &wg, func(evt ConnClosedEvent) {
		received <- evt
	})

	bus.publish(context.Background(), Envelope{
		Topic:   TopicConnsClosed,
		Payload: ConnClosedEvent{ConnID: "c1", Port: 5000, Reason: CloseReasonPeer},
	})

	select {
	case got := <-received:
		if got.ConnID != "c1" || got.Port != 5000 || got.Reason != CloseReasonPeer {
			t.Fatalf("unexpected payload: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for consume payload")
	}

	cancel()
	waitGroupWithTimeout(t, &wg)
}

func TestConsumeEnvelopeForwardsEnvelope(t *testing.T) {
	bus := New()
	defer bus.Shutdown()

	sub := Subscribe[ConnClosedEvent](bus, TopicConnsClosed)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	received := make(chan TypedEnvelope[ConnClosedEvent], 1)

	wg.Add(1)
	go ConsumeEnvelope(ctx, sub, &wg, func(env TypedEnvelope[ConnClosedEvent]) {
		received <- env
	})

	bus.publish(context.Background(), Envelope{
		Topic:     TopicConnsClosed,
		Timestamp: ts,
		Source:    SourceSupervisor,
		Payload:   ConnClosedEvent{ConnID: "c1", Port: 5000},
	})

	select {
	case got := <-received:
		if got.Timestamp != ts {
			t.Fatalf("unexpected timestamp: got %v want %v", got.Timestamp, ts)
		}
		if got.Source != SourceSupervisor {
			t.Fatalf("unexpected source: got %v want %v", got.Source, SourceSupervisor)
		}
		if got.Payload.ConnID != "c1" {
			t.Fatalf("unexpected payload: %+v", got.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for consume envelope")
	}

	cancel()
	waitGroupWithTimeout(t, &wg)
}

func TestConsumeReturnsWhenSubscriptionClosed(t *testing.T) {
	bus := New()
	defer bus.Shutdown()

	sub := Subscribe[ConnClosedEvent](bus, TopicConnsClosed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go Consume(ctx, sub, &wg, func(ConnClosedEvent) {})

	sub.Close()
	waitGroupWithTimeout(t, &wg)
}

func TestConsumeWithNilSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go Consume(ctx, nil, &wg, func(ConnClosedEvent) {})

	waitGroupWithTimeout(t, &wg)
}

func waitGroupWithTimeout(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waitgroup timed out")
	}
}
