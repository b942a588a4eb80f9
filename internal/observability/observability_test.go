package observability

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/portgate-io/portgate/internal/eventbus"
	"github.com/portgate-io/portgate/internal/supervisor"
)

func TestEventCounterSnapshot(t *testing.T) {
	counter := NewEventCounter()

	counter.OnPublish(eventbus.Envelope{Topic: eventbus.TopicConnsAccepted})
	counter.OnPublish(eventbus.Envelope{Topic: eventbus.TopicConnsAccepted})
	counter.OnPublish(eventbus.Envelope{Topic: eventbus.TopicEndpointsOpened})

	snapshot := counter.Snapshot()

	if snapshot[eventbus.TopicConnsAccepted] != 2 {
		t.Fatalf("expected conns.accepted count 2, got %d", snapshot[eventbus.TopicConnsAccepted])
	}
	if snapshot[eventbus.TopicEndpointsOpened] != 1 {
		t.Fatalf("expected endpoints.opened count 1, got %d", snapshot[eventbus.TopicEndpointsOpened])
	}
	if _, exists := snapshot[""]; exists {
		t.Fatalf("expected empty topic to be ignored in snapshot")
	}
}

func TestPrometheusExporter(t *testing.T) {
	bus := eventbus.New()
	counter := NewEventCounter()
	bus.AddObserver(counter)

	exporter := NewPrometheusExporter(bus, counter)
	exporter.WithEndpointStats(endpointStatsStub{})

	bus.Publish(context.Background(), eventbus.Envelope{Topic: eventbus.TopicConnsAccepted})
	bus.Publish(context.Background(), eventbus.Envelope{Topic: eventbus.TopicEndpointsOpened})

	metrics := string(exporter.Export())

	if !strings.Contains(metrics, `portgate_eventbus_events_total{topic="conns.accepted"} 1`) {
		t.Fatalf("expected conns.accepted counter in metrics output:\n%s", metrics)
	}
	if !strings.Contains(metrics, `portgate_eventbus_publish_total 2`) {
		t.Fatalf("expected publish_total counter in metrics output:\n%s", metrics)
	}
	if !strings.Contains(metrics, `portgate_eventbus_dropped_total 0`) {
		t.Fatalf("expected dropped_total counter in metrics output:\n%s", metrics)
	}
	if !strings.Contains(metrics, `portgate_eventbus_latency_seconds{quantile="0.50"}`) {
		t.Fatalf("expected latency quantile metric in output:\n%s", metrics)
	}
	if !strings.Contains(metrics, `portgate_endpoints_open 2`) {
		t.Fatalf("expected endpoints open gauge in metrics output:\n%s", metrics)
	}
	if !strings.Contains(metrics, `portgate_endpoint_active_conns{port="5000"} 3`) {
		t.Fatalf("expected active conns gauge in metrics output:\n%s", metrics)
	}
	if !strings.Contains(metrics, `portgate_endpoint_accepted_total{port="5000"} 40`) {
		t.Fatalf("expected accepted counter in metrics output:\n%s", metrics)
	}
	if !strings.Contains(metrics, `portgate_endpoint_rejected_total{port="5001"} 2`) {
		t.Fatalf("expected rejected counter in metrics output:\n%s", metrics)
	}
	if !strings.Contains(metrics, `portgate_endpoint_closed_total{port="5001"} 9`) {
		t.Fatalf("expected closed counter in metrics output:\n%s", metrics)
	}
}

type endpointStatsStub struct{}

func (endpointStatsStub) ListEndpoints() []supervisor.EndpointStatus {
	return []supervisor.EndpointStatus{
		{Port: 5000, Active: 3, Accepted: 40, Rejected: 0, Closed: 37},
		{Port: 5001, Active: 1, Accepted: 10, Rejected: 2, Closed: 9},
	}
}

func TestPrometheusExporterConcurrency(t *testing.T) {
	bus := eventbus.New()
	counter := NewEventCounter()
	bus.AddObserver(counter)

	var accepted atomic.Uint64

	exporter := NewPrometheusExporter(bus, counter)
	exporter.WithEndpointStats(countingStatsStub{accepted: &accepted})

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			accepted.Add(1)
			bus.Publish(context.Background(), eventbus.Envelope{
				Topic: eventbus.TopicConnsAccepted,
			})
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			if payload := exporter.Export(); len(payload) == 0 {
				t.Errorf("expected metrics output to be non-empty")
			}
		}
	}()

	wg.Wait()
}

type countingStatsStub struct {
	accepted *atomic.Uint64
}

func (s countingStatsStub) ListEndpoints() []supervisor.EndpointStatus {
	return []supervisor.EndpointStatus{
		{Port: 5000, Accepted: s.accepted.Load()},
	}
}
