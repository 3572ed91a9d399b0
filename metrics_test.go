package erpc

import (
	"testing"
	"time"
)

func TestMetricsObserver(t *testing.T) {
	m := NewMetrics()
	o := NewMetricsObserver(m)

	// Initial state
	snap := m.Snapshot()
	if snap.RequestsSent != 0 || snap.ResponsesReceived != 0 {
		t.Errorf("Expected zeroed counters, got %+v", snap)
	}

	o.ObserveRequestSent(64)
	o.ObserveRequestSent(128)
	o.ObserveResponseReceived(64, 1_000_000, true) // 1ms round trip
	o.ObserveResponseReceived(0, 2_000_000, false) // failed request
	o.ObserveRequestHandled(64, 8, 50_000)
	o.ObserveRetransmit()
	o.ObserveCreditStall()
	o.ObservePacketsTx(3, 3*4096)
	o.ObservePacketsRx(2, 2*4096)
	o.ObserveRxDrop()
	o.ObserveSlotsInUse(5)
	o.ObserveSlotsInUse(3)

	snap = m.Snapshot()

	if snap.RequestsSent != 2 {
		t.Errorf("Expected 2 requests sent, got %d", snap.RequestsSent)
	}
	if snap.ResponsesReceived != 2 {
		t.Errorf("Expected 2 responses, got %d", snap.ResponsesReceived)
	}
	if snap.ResponseErrors != 1 {
		t.Errorf("Expected 1 response error, got %d", snap.ResponseErrors)
	}
	if snap.RequestsHandled != 1 {
		t.Errorf("Expected 1 handled request, got %d", snap.RequestsHandled)
	}
	if snap.Retransmits != 1 || snap.CreditStalls != 1 || snap.RxDrops != 1 {
		t.Errorf("Expected one of each reliability event, got %+v", snap)
	}
	if snap.PacketsTx != 3 || snap.BytesTx != 3*4096 {
		t.Errorf("Expected tx 3 pkts / %d bytes, got %d / %d", 3*4096, snap.PacketsTx, snap.BytesTx)
	}
	if snap.PacketsRx != 2 || snap.BytesRx != 2*4096 {
		t.Errorf("Expected rx 2 pkts / %d bytes, got %d / %d", 2*4096, snap.PacketsRx, snap.BytesRx)
	}
	if snap.MaxSlotsInUse != 5 {
		t.Errorf("Expected max slots 5, got %d", snap.MaxSlotsInUse)
	}
	if snap.AvgSlotsInUse != 4.0 {
		t.Errorf("Expected avg slots 4.0, got %f", snap.AvgSlotsInUse)
	}
	if snap.AvgLatencyNs != 1_500_000 {
		t.Errorf("Expected avg latency 1.5ms, got %dns", snap.AvgLatencyNs)
	}
}

func TestLatencyHistogramBuckets(t *testing.T) {
	m := NewMetrics()
	o := NewMetricsObserver(m)

	o.ObserveResponseReceived(1, 500, true)            // below 1us
	o.ObserveResponseReceived(1, 50_000, true)         // 50us
	o.ObserveResponseReceived(1, 5_000_000, true)      // 5ms
	o.ObserveResponseReceived(1, 20_000_000_000, true) // above every bucket

	snap := m.Snapshot()

	// Buckets are cumulative.
	if snap.LatencyHistogram[0] != 1 { // <= 1us
		t.Errorf("Bucket 0 = %d, want 1", snap.LatencyHistogram[0])
	}
	if snap.LatencyHistogram[2] != 2 { // <= 100us
		t.Errorf("Bucket 2 = %d, want 2", snap.LatencyHistogram[2])
	}
	if snap.LatencyHistogram[4] != 3 { // <= 10ms
		t.Errorf("Bucket 4 = %d, want 3", snap.LatencyHistogram[4])
	}
	if snap.LatencyHistogram[numLatencyBuckets-1] != 3 { // 20s is off the scale
		t.Errorf("Last bucket = %d, want 3", snap.LatencyHistogram[numLatencyBuckets-1])
	}
}

func TestMetricsLifecycle(t *testing.T) {
	m := NewMetrics()
	if m.StartTime.Load() == 0 {
		t.Error("StartTime should be set at creation")
	}

	time.Sleep(time.Millisecond)
	m.Stop()

	snap := m.Snapshot()
	if snap.UptimeNs <= 0 {
		t.Errorf("Uptime should be positive, got %d", snap.UptimeNs)
	}

	// Uptime is frozen after Stop.
	frozen := snap.UptimeNs
	time.Sleep(time.Millisecond)
	if m.Snapshot().UptimeNs != frozen {
		t.Error("Uptime should not advance after Stop")
	}
}

func TestAverageLatencyEmpty(t *testing.T) {
	m := NewMetrics()
	if m.AverageLatency() != 0 {
		t.Error("AverageLatency of no samples should be zero")
	}
}
