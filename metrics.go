package erpc

import (
	"sync/atomic"
	"time"

	"github.com/A-Jer/erpc-go/internal/interfaces"
)

// LatencyBuckets defines the request latency histogram buckets in
// nanoseconds. Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for an endpoint.
// All fields are atomics: the event loop writes them, any thread may read.
type Metrics struct {
	// Request/response counters
	RequestsSent      atomic.Uint64 // client requests enqueued onto the wire
	ResponsesReceived atomic.Uint64 // client requests completed
	ResponseErrors    atomic.Uint64 // client requests completed with an error
	RequestsHandled   atomic.Uint64 // server requests answered

	// Packet and byte counters
	PacketsTx atomic.Uint64
	PacketsRx atomic.Uint64
	BytesTx   atomic.Uint64
	BytesRx   atomic.Uint64

	// Reliability machinery
	Retransmits  atomic.Uint64 // whole-request retransmissions
	CreditStalls atomic.Uint64 // enqueue attempts rejected with NoCredits
	RxDrops      atomic.Uint64 // malformed, stale, or unroutable packets

	// Session lifecycle
	SessionsCreated   atomic.Uint64
	SessionsDestroyed atomic.Uint64

	// Slot occupancy tracking
	SlotsInUseTotal atomic.Uint64 // cumulative samples
	SlotsInUseCount atomic.Uint64 // number of samples
	MaxSlotsInUse   atomic.Uint32

	// Latency tracking for completed round trips
	TotalLatencyNs atomic.Uint64
	LatencyCount   atomic.Uint64

	// Latency histogram buckets (cumulative counts).
	// Bucket[i] counts round trips with latency <= LatencyBuckets[i].
	LatencyHistogram [numLatencyBuckets]atomic.Uint64

	// Endpoint lifecycle
	StartTime atomic.Int64 // creation timestamp (UnixNano)
	StopTime  atomic.Int64 // teardown timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.LatencyCount.Add(1)
	for i, bound := range LatencyBuckets {
		if latencyNs <= bound {
			m.LatencyHistogram[i].Add(1)
		}
	}
}

func (m *Metrics) recordSlotsInUse(n uint32) {
	m.SlotsInUseTotal.Add(uint64(n))
	m.SlotsInUseCount.Add(1)
	for {
		current := m.MaxSlotsInUse.Load()
		if n <= current {
			break
		}
		if m.MaxSlotsInUse.CompareAndSwap(current, n) {
			break
		}
	}
}

// Stop marks the endpoint as torn down
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// AverageLatency returns the mean round-trip latency observed so far
func (m *Metrics) AverageLatency() time.Duration {
	count := m.LatencyCount.Load()
	if count == 0 {
		return 0
	}
	return time.Duration(m.TotalLatencyNs.Load() / count)
}

// MetricsSnapshot is a point-in-time copy of the counters
type MetricsSnapshot struct {
	RequestsSent      uint64
	ResponsesReceived uint64
	ResponseErrors    uint64
	RequestsHandled   uint64
	PacketsTx         uint64
	PacketsRx         uint64
	BytesTx           uint64
	BytesRx           uint64
	Retransmits       uint64
	CreditStalls      uint64
	RxDrops           uint64
	SessionsCreated   uint64
	SessionsDestroyed uint64
	MaxSlotsInUse     uint32
	AvgSlotsInUse     float64
	AvgLatencyNs      uint64
	LatencyHistogram  [numLatencyBuckets]uint64
	UptimeNs          int64
}

// Snapshot returns a consistent-enough copy for reporting. Individual
// counters are read atomically; cross-counter skew of a few events is
// acceptable for monitoring.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		RequestsSent:      m.RequestsSent.Load(),
		ResponsesReceived: m.ResponsesReceived.Load(),
		ResponseErrors:    m.ResponseErrors.Load(),
		RequestsHandled:   m.RequestsHandled.Load(),
		PacketsTx:         m.PacketsTx.Load(),
		PacketsRx:         m.PacketsRx.Load(),
		BytesTx:           m.BytesTx.Load(),
		BytesRx:           m.BytesRx.Load(),
		Retransmits:       m.Retransmits.Load(),
		CreditStalls:      m.CreditStalls.Load(),
		RxDrops:           m.RxDrops.Load(),
		SessionsCreated:   m.SessionsCreated.Load(),
		SessionsDestroyed: m.SessionsDestroyed.Load(),
		MaxSlotsInUse:     m.MaxSlotsInUse.Load(),
	}
	if count := m.SlotsInUseCount.Load(); count > 0 {
		s.AvgSlotsInUse = float64(m.SlotsInUseTotal.Load()) / float64(count)
	}
	if count := m.LatencyCount.Load(); count > 0 {
		s.AvgLatencyNs = m.TotalLatencyNs.Load() / count
	}
	for i := range s.LatencyHistogram {
		s.LatencyHistogram[i] = m.LatencyHistogram[i].Load()
	}
	stop := m.StopTime.Load()
	if stop == 0 {
		stop = time.Now().UnixNano()
	}
	s.UptimeNs = stop - m.StartTime.Load()
	return s
}

// Observer is re-exported so applications can plug custom collectors into an
// endpoint without importing internal packages.
type Observer = interfaces.Observer

// NoOpObserver discards all observations
type NoOpObserver struct{}

func (NoOpObserver) ObserveRequestSent(bytes uint64)                                    {}
func (NoOpObserver) ObserveResponseReceived(bytes uint64, latencyNs uint64, ok bool)    {}
func (NoOpObserver) ObserveRequestHandled(reqBytes, respBytes uint64, latencyNs uint64) {}
func (NoOpObserver) ObserveRetransmit()                                                 {}
func (NoOpObserver) ObserveCreditStall()                                                {}
func (NoOpObserver) ObservePacketsTx(pkts, bytes uint64)                                {}
func (NoOpObserver) ObservePacketsRx(pkts, bytes uint64)                                {}
func (NoOpObserver) ObserveRxDrop()                                                     {}
func (NoOpObserver) ObserveSlotsInUse(n uint32)                                         {}

var _ Observer = NoOpObserver{}

// MetricsObserver feeds observations into a Metrics instance
type MetricsObserver struct {
	m *Metrics
}

// NewMetricsObserver creates an observer backed by m
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{m: m}
}

func (o *MetricsObserver) ObserveRequestSent(bytes uint64) {
	o.m.RequestsSent.Add(1)
}

func (o *MetricsObserver) ObserveResponseReceived(bytes uint64, latencyNs uint64, ok bool) {
	o.m.ResponsesReceived.Add(1)
	if !ok {
		o.m.ResponseErrors.Add(1)
	}
	o.m.recordLatency(latencyNs)
}

func (o *MetricsObserver) ObserveRequestHandled(reqBytes, respBytes uint64, latencyNs uint64) {
	o.m.RequestsHandled.Add(1)
}

func (o *MetricsObserver) ObserveRetransmit() {
	o.m.Retransmits.Add(1)
}

func (o *MetricsObserver) ObserveCreditStall() {
	o.m.CreditStalls.Add(1)
}

func (o *MetricsObserver) ObservePacketsTx(pkts, bytes uint64) {
	o.m.PacketsTx.Add(pkts)
	o.m.BytesTx.Add(bytes)
}

func (o *MetricsObserver) ObservePacketsRx(pkts, bytes uint64) {
	o.m.PacketsRx.Add(pkts)
	o.m.BytesRx.Add(bytes)
}

func (o *MetricsObserver) ObserveRxDrop() {
	o.m.RxDrops.Add(1)
}

func (o *MetricsObserver) ObserveSlotsInUse(n uint32) {
	o.m.recordSlotsInUse(n)
}

var _ Observer = (*MetricsObserver)(nil)
