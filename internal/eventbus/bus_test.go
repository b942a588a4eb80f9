package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/portgate-io/portgate/internal/eventbus"
)

func TestBusPublishDeliver(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.TopicConnsAccepted)
	defer sub.Close()

	payload := eventbus.ConnAcceptedEvent{
		ConnID:     "c-1",
		Port:       5000,
		RemoteAddr: "127.0.0.1:51000",
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	bus.Publish(ctx, eventbus.Envelope{
		Topic:   eventbus.TopicConnsAccepted,
		Source:  eventbus.SourceSupervisor,
		Payload: payload,
	})

	select {
	case env := <-sub.C():
		msg, ok := env.Payload.(eventbus.ConnAcceptedEvent)
		if !ok {
			t.Fatalf("expected ConnAcceptedEvent payload, got %T", env.Payload)
		}
		if msg.ConnID != payload.ConnID {
			t.Fatalf("expected conn %s, got %s", payload.ConnID, msg.ConnID)
		}
		if msg.Port != 5000 {
			t.Fatalf("expected port 5000, got %d", msg.Port)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}

	metrics := bus.Metrics()
	if metrics.PublishTotal != 1 {
		t.Fatalf("expected PublishTotal 1, got %d", metrics.PublishTotal)
	}
}

func TestBusDropOldest(t *testing.T) {
	bus := eventbus.New(eventbus.WithTopicBuffer(eventbus.TopicConnsAccepted, 1))
	sub := bus.Subscribe(eventbus.TopicConnsAccepted, eventbus.WithSubscriptionBuffer(1))
	defer sub.Close()

	ctx := context.Background()

	bus.Publish(ctx, eventbus.Envelope{
		Topic:  eventbus.TopicConnsAccepted,
		Source: eventbus.SourceSupervisor,
		Payload: eventbus.ConnAcceptedEvent{
			ConnID: "c-old",
			Port:   5000,
		},
	})

	bus.Publish(ctx, eventbus.Envelope{
		Topic:  eventbus.TopicConnsAccepted,
		Source: eventbus.SourceSupervisor,
		Payload: eventbus.ConnAcceptedEvent{
			ConnID: "c-new",
			Port:   5000,
		},
	})

	select {
	case env := <-sub.C():
		msg, ok := env.Payload.(eventbus.ConnAcceptedEvent)
		if !ok {
			t.Fatalf("expected ConnAcceptedEvent payload, got %T", env.Payload)
		}
		if msg.ConnID != "c-new" {
			t.Fatalf("expected c-new after drop-oldest, got %s", msg.ConnID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event after drops")
	}

	metrics := bus.Metrics()
	if metrics.DroppedTotal == 0 {
		t.Fatal("expected dropped events to be recorded")
	}
}

type countingObserver struct {
	seen chan eventbus.Envelope
}

func (o *countingObserver) OnPublish(env eventbus.Envelope) {
	select {
	case o.seen <- env:
	default:
	}
}

func TestBusObserverSeesPublishedEnvelopes(t *testing.T) {
	bus := eventbus.New()
	obs := &countingObserver{seen: make(chan eventbus.Envelope, 1)}
	bus.AddObserver(obs)

	bus.Publish(context.Background(), eventbus.Envelope{
		Topic:   eventbus.TopicEndpointsOpened,
		Payload: eventbus.EndpointOpenedEvent{Port: 5000, Backlog: 5},
	})

	select {
	case env := <-obs.seen:
		if env.Topic != eventbus.TopicEndpointsOpened {
			t.Fatalf("expected topic %s, got %s", eventbus.TopicEndpointsOpened, env.Topic)
		}
		if env.Source != eventbus.SourceUnknown {
			t.Fatalf("expected default source, got %s", env.Source)
		}
		if env.Timestamp.IsZero() {
			t.Fatal("expected envelope timestamp to be stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for observer")
	}
}

func TestBusShutdownClosesSubscriptions(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.TopicConnsClosed)

	bus.Shutdown()

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("expected channel to be closed after shutdown")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}
