package observability

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/portgate-io/portgate/internal/eventbus"
	"github.com/portgate-io/portgate/internal/supervisor"
)

// PrometheusExporter renders observability metrics in Prometheus text format.
type PrometheusExporter struct {
	bus       *eventbus.Bus
	counter   *EventCounter
	endpoints EndpointStatsProvider
}

// EndpointStatsProvider exposes endpoint status snapshots compatible with the
// supervisor.
type EndpointStatsProvider interface {
	ListEndpoints() []supervisor.EndpointStatus
}

// NewPrometheusExporter constructs an exporter backed by the provided bus and event counter.
func NewPrometheusExporter(bus *eventbus.Bus, counter *EventCounter) *PrometheusExporter {
	return &PrometheusExporter{
		bus:     bus,
		counter: counter,
	}
}

// WithEndpointStats enables exporting per-endpoint gauges and counters.
func (e *PrometheusExporter) WithEndpointStats(provider EndpointStatsProvider) {
	e.endpoints = provider
}

// Export produces the metrics payload in Prometheus' text exposition format.
func (e *PrometheusExporter) Export() []byte {
	var buf bytes.Buffer

	e.writeEventCounters(&buf)
	e.writeBusMetrics(&buf)
	e.writeEndpointMetrics(&buf)

	return buf.Bytes()
}

func (e *PrometheusExporter) writeEventCounters(buf *bytes.Buffer) {
	if e.counter == nil {
		return
	}

	counts := e.counter.Snapshot()
	if len(counts) == 0 {
		return
	}

	buf.WriteString("# HELP portgate_eventbus_events_total Total number of published events per topic.\n")
	buf.WriteString("# TYPE portgate_eventbus_events_total counter\n")

	topics := make([]string, 0, len(counts))
	for topic := range counts {
		topics = append(topics, string(topic))
	}
	sort.Strings(topics)
	for _, topicName := range topics {
		value := counts[eventbus.Topic(topicName)]
		buf.WriteString(fmt.Sprintf("portgate_eventbus_events_total{topic=%q} %d\n", topicName, value))
	}
}

func (e *PrometheusExporter) writeBusMetrics(buf *bytes.Buffer) {
	if e.bus == nil {
		return
	}

	metrics := e.bus.Metrics()

	buf.WriteString("# HELP portgate_eventbus_publish_total Total number of events published on the bus.\n")
	buf.WriteString("# TYPE portgate_eventbus_publish_total counter\n")
	buf.WriteString(fmt.Sprintf("portgate_eventbus_publish_total %d\n", metrics.PublishTotal))

	buf.WriteString("# HELP portgate_eventbus_dropped_total Total number of events dropped by the bus.\n")
	buf.WriteString("# TYPE portgate_eventbus_dropped_total counter\n")
	buf.WriteString(fmt.Sprintf("portgate_eventbus_dropped_total %d\n", metrics.DroppedTotal))

	buf.WriteString("# HELP portgate_eventbus_latency_seconds Event bus publish latency quantiles.\n")
	buf.WriteString("# TYPE portgate_eventbus_latency_seconds summary\n")
	buf.WriteString(fmt.Sprintf("portgate_eventbus_latency_seconds{quantile=\"0.50\"} %.9f\n", durationSeconds(metrics.LatencyP50)))
	buf.WriteString(fmt.Sprintf("portgate_eventbus_latency_seconds{quantile=\"0.99\"} %.9f\n", durationSeconds(metrics.LatencyP99)))
}

func (e *PrometheusExporter) writeEndpointMetrics(buf *bytes.Buffer) {
	if e.endpoints == nil {
		return
	}

	statuses := e.endpoints.ListEndpoints()

	buf.WriteString("# HELP portgate_endpoints_open Number of endpoints currently supervised.\n")
	buf.WriteString("# TYPE portgate_endpoints_open gauge\n")
	buf.WriteString(fmt.Sprintf("portgate_endpoints_open %d\n", len(statuses)))

	if len(statuses) == 0 {
		return
	}

	buf.WriteString("# HELP portgate_endpoint_active_conns Number of tracked connections per endpoint.\n")
	buf.WriteString("# TYPE portgate_endpoint_active_conns gauge\n")
	for _, st := range statuses {
		buf.WriteString(fmt.Sprintf("portgate_endpoint_active_conns{port=\"%d\"} %d\n", st.Port, st.Active))
	}

	buf.WriteString("# HELP portgate_endpoint_accepted_total Total number of connections accepted per endpoint.\n")
	buf.WriteString("# TYPE portgate_endpoint_accepted_total counter\n")
	for _, st := range statuses {
		buf.WriteString(fmt.Sprintf("portgate_endpoint_accepted_total{port=\"%d\"} %d\n", st.Port, st.Accepted))
	}

	buf.WriteString("# HELP portgate_endpoint_rejected_total Total number of connections rejected by accept policies per endpoint.\n")
	buf.WriteString("# TYPE portgate_endpoint_rejected_total counter\n")
	for _, st := range statuses {
		buf.WriteString(fmt.Sprintf("portgate_endpoint_rejected_total{port=\"%d\"} %d\n", st.Port, st.Rejected))
	}

	buf.WriteString("# HELP portgate_endpoint_closed_total Total number of tracked connections closed per endpoint.\n")
	buf.WriteString("# TYPE portgate_endpoint_closed_total counter\n")
	for _, st := range statuses {
		buf.WriteString(fmt.Sprintf("portgate_endpoint_closed_total{port=\"%d\"} %d\n", st.Port, st.Closed))
	}
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
