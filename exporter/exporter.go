// Package exporter adapts endpoint metrics to Prometheus. The collector
// reads atomic snapshots at scrape time, so the RPC hot path never sees the
// Prometheus client.
package exporter

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	erpc "github.com/A-Jer/erpc-go"
)

type info struct {
	description *prometheus.Desc
	supplier    func(s *erpc.MetricsSnapshot, labelValues []string) prometheus.Metric
}

// Collector exposes the metrics of one or more endpoints under an
// "endpoint" label. Implements prometheus.Collector.
type Collector struct {
	mu      sync.Mutex
	sources map[string]*erpc.Metrics
	infos   []info
}

// New creates a collector. The prefix namespaces every metric name;
// constLabels typically carry the nexus instance ID and host.
func New(prefix string, constLabels prometheus.Labels) *Collector {
	return &Collector{
		sources: make(map[string]*erpc.Metrics),
		infos:   makeInfos(prefix, []string{"endpoint"}, constLabels),
	}
}

// Add registers an endpoint's metrics under the given label value.
func (c *Collector) Add(name string, m *erpc.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[name] = m
}

// Remove drops a previously added endpoint.
func (c *Collector) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sources, name)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	for _, info := range c.infos {
		descs <- info.description
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, m := range c.sources {
		snap := m.Snapshot()
		labels := []string{name}
		for _, info := range c.infos {
			metrics <- info.supplier(&snap, labels)
		}
	}
}

func counter(prefix, name, help string, variableLabels []string, constLabels prometheus.Labels,
	value func(s *erpc.MetricsSnapshot) float64) info {
	desc := prometheus.NewDesc(fmt.Sprintf("%s_%s", prefix, name), help, variableLabels, constLabels)
	return info{
		description: desc,
		supplier: func(s *erpc.MetricsSnapshot, labelValues []string) prometheus.Metric {
			return prometheus.MustNewConstMetric(desc, prometheus.CounterValue, value(s), labelValues...)
		},
	}
}

func gauge(prefix, name, help string, variableLabels []string, constLabels prometheus.Labels,
	value func(s *erpc.MetricsSnapshot) float64) info {
	desc := prometheus.NewDesc(fmt.Sprintf("%s_%s", prefix, name), help, variableLabels, constLabels)
	return info{
		description: desc,
		supplier: func(s *erpc.MetricsSnapshot, labelValues []string) prometheus.Metric {
			return prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, value(s), labelValues...)
		},
	}
}

func makeInfos(prefix string, variableLabels []string, constLabels prometheus.Labels) []info {
	return []info{
		counter(prefix, "requests_total", "Client requests enqueued.", variableLabels, constLabels,
			func(s *erpc.MetricsSnapshot) float64 { return float64(s.RequestsSent) }),
		counter(prefix, "responses_total", "Client requests completed.", variableLabels, constLabels,
			func(s *erpc.MetricsSnapshot) float64 { return float64(s.ResponsesReceived) }),
		counter(prefix, "response_errors_total", "Client requests completed with an error.", variableLabels, constLabels,
			func(s *erpc.MetricsSnapshot) float64 { return float64(s.ResponseErrors) }),
		counter(prefix, "requests_handled_total", "Server requests answered.", variableLabels, constLabels,
			func(s *erpc.MetricsSnapshot) float64 { return float64(s.RequestsHandled) }),
		counter(prefix, "packets_tx_total", "Data-plane packets transmitted.", variableLabels, constLabels,
			func(s *erpc.MetricsSnapshot) float64 { return float64(s.PacketsTx) }),
		counter(prefix, "packets_rx_total", "Data-plane packets received.", variableLabels, constLabels,
			func(s *erpc.MetricsSnapshot) float64 { return float64(s.PacketsRx) }),
		counter(prefix, "bytes_tx_total", "Data-plane bytes transmitted.", variableLabels, constLabels,
			func(s *erpc.MetricsSnapshot) float64 { return float64(s.BytesTx) }),
		counter(prefix, "bytes_rx_total", "Data-plane bytes received.", variableLabels, constLabels,
			func(s *erpc.MetricsSnapshot) float64 { return float64(s.BytesRx) }),
		counter(prefix, "retransmits_total", "Whole-request retransmissions.", variableLabels, constLabels,
			func(s *erpc.MetricsSnapshot) float64 { return float64(s.Retransmits) }),
		counter(prefix, "credit_stalls_total", "Requests rejected for lack of credits.", variableLabels, constLabels,
			func(s *erpc.MetricsSnapshot) float64 { return float64(s.CreditStalls) }),
		counter(prefix, "rx_drops_total", "Inbound packets dropped.", variableLabels, constLabels,
			func(s *erpc.MetricsSnapshot) float64 { return float64(s.RxDrops) }),
		counter(prefix, "sessions_created_total", "Sessions created.", variableLabels, constLabels,
			func(s *erpc.MetricsSnapshot) float64 { return float64(s.SessionsCreated) }),
		counter(prefix, "sessions_destroyed_total", "Sessions destroyed.", variableLabels, constLabels,
			func(s *erpc.MetricsSnapshot) float64 { return float64(s.SessionsDestroyed) }),
		gauge(prefix, "max_slots_in_use", "Peak outstanding requests on one session.", variableLabels, constLabels,
			func(s *erpc.MetricsSnapshot) float64 { return float64(s.MaxSlotsInUse) }),
		gauge(prefix, "avg_latency_seconds", "Mean request round-trip latency.", variableLabels, constLabels,
			func(s *erpc.MetricsSnapshot) float64 { return float64(s.AvgLatencyNs) / 1e9 }),
	}
}

var _ prometheus.Collector = (*Collector)(nil)
