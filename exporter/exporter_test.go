package exporter

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	erpc "github.com/A-Jer/erpc-go"
)

func gatherValue(t *testing.T, reg *prometheus.Registry, name, endpoint string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "endpoint" && l.GetValue() == endpoint {
					if m.GetCounter() != nil {
						return m.GetCounter().GetValue()
					}
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{endpoint=%q} not found", name, endpoint)
	return 0
}

func TestCollectorExportsSnapshots(t *testing.T) {
	m := erpc.NewMetrics()
	o := erpc.NewMetricsObserver(m)
	o.ObserveRequestSent(64)
	o.ObserveRequestSent(64)
	o.ObserveResponseReceived(64, 2_000_000, true)
	o.ObserveRetransmit()
	o.ObservePacketsTx(5, 5*4096)

	c := New("erpc", prometheus.Labels{"instance": "test"})
	c.Add("ep0", m)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	assert.Equal(t, 2.0, gatherValue(t, reg, "erpc_requests_total", "ep0"))
	assert.Equal(t, 1.0, gatherValue(t, reg, "erpc_responses_total", "ep0"))
	assert.Equal(t, 1.0, gatherValue(t, reg, "erpc_retransmits_total", "ep0"))
	assert.Equal(t, 5.0, gatherValue(t, reg, "erpc_packets_tx_total", "ep0"))
	assert.InDelta(t, 0.002, gatherValue(t, reg, "erpc_avg_latency_seconds", "ep0"), 1e-9)

	// Scrapes observe counter progress.
	o.ObserveRequestSent(64)
	assert.Equal(t, 3.0, gatherValue(t, reg, "erpc_requests_total", "ep0"))
}

func TestCollectorMultipleEndpoints(t *testing.T) {
	m0, m1 := erpc.NewMetrics(), erpc.NewMetrics()
	erpc.NewMetricsObserver(m0).ObserveRequestSent(1)
	o1 := erpc.NewMetricsObserver(m1)
	o1.ObserveRequestSent(1)
	o1.ObserveRequestSent(1)

	c := New("erpc", nil)
	c.Add("a", m0)
	c.Add("b", m1)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	assert.Equal(t, 1.0, gatherValue(t, reg, "erpc_requests_total", "a"))
	assert.Equal(t, 2.0, gatherValue(t, reg, "erpc_requests_total", "b"))

	c.Remove("a")
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "endpoint" {
					assert.NotEqual(t, "a", l.GetValue(), "removed endpoint still exported")
				}
			}
		}
	}
}
