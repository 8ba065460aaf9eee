package bus

import (
	"sync/atomic"
	"time"

	"github.com/vrproto/bus/internal/interfaces"
)

// DeliveryLatencyBuckets defines the delivery-latency histogram buckets in
// nanoseconds, covering 1us to 1s with logarithmic spacing — the range a
// healthy cluster's message round-trips should fall within.
var DeliveryLatencyBuckets = []uint64{
	1_000,       // 1us
	10_000,      // 10us
	100_000,     // 100us
	1_000_000,   // 1ms
	10_000_000,  // 10ms
	100_000_000, // 100ms
	1_000_000_000,
}

const numDeliveryBuckets = 7

// Metrics tracks bus-level operational counters: connection lifecycle
// events, bytes moved, and the error taxonomy from spec.md §7. The bus
// keeps no Metrics of its own: an instance is filled only when it is
// wrapped in a MetricsObserver and passed as Config.Observer.
type Metrics struct {
	AcceptsTotal      atomic.Uint64
	AcceptsFailed     atomic.Uint64
	ConnectsTotal     atomic.Uint64
	ConnectsFailed    atomic.Uint64
	RecvBytes         atomic.Uint64
	SendBytes         atomic.Uint64
	ChecksumFailures  atomic.Uint64
	QueueDrops        atomic.Uint64
	ConnectionsInUse  atomic.Uint64

	DeliveryLatencyTotalNs atomic.Uint64
	DeliveryCount          atomic.Uint64
	DeliveryBuckets        [numDeliveryBuckets]atomic.Uint64

	StartTime atomic.Int64
}

// NewMetrics creates a fresh, zeroed Metrics instance stamped with the
// current time.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) recordAccept(success bool) {
	m.AcceptsTotal.Add(1)
	if !success {
		m.AcceptsFailed.Add(1)
	}
}

func (m *Metrics) recordConnect(success bool) {
	m.ConnectsTotal.Add(1)
	if !success {
		m.ConnectsFailed.Add(1)
	}
}

func (m *Metrics) recordRecv(n int)            { m.RecvBytes.Add(uint64(n)) }
func (m *Metrics) recordSend(n int)            { m.SendBytes.Add(uint64(n)) }
func (m *Metrics) recordChecksumFailure()      { m.ChecksumFailures.Add(1) }
func (m *Metrics) recordQueueDrop()            { m.QueueDrops.Add(1) }
func (m *Metrics) recordConnectionsUsed(n int) { m.ConnectionsInUse.Store(uint64(n)) }

func (m *Metrics) recordDelivery(latencyNs int64) {
	m.DeliveryCount.Add(1)
	m.DeliveryLatencyTotalNs.Add(uint64(latencyNs))
	for i, bucket := range DeliveryLatencyBuckets {
		if uint64(latencyNs) <= bucket {
			m.DeliveryBuckets[i].Add(1)
		}
	}
}

// MetricsSnapshot is a point-in-time copy of Metrics' counters, safe to
// render without further synchronization.
type MetricsSnapshot struct {
	AcceptsTotal     uint64
	AcceptsFailed    uint64
	ConnectsTotal    uint64
	ConnectsFailed   uint64
	RecvBytes        uint64
	SendBytes        uint64
	ChecksumFailures uint64
	QueueDrops       uint64
	ConnectionsInUse uint64
	AvgDeliveryNs    uint64
	UptimeNs         uint64
}

// Snapshot captures the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		AcceptsTotal:     m.AcceptsTotal.Load(),
		AcceptsFailed:    m.AcceptsFailed.Load(),
		ConnectsTotal:    m.ConnectsTotal.Load(),
		ConnectsFailed:   m.ConnectsFailed.Load(),
		RecvBytes:        m.RecvBytes.Load(),
		SendBytes:        m.SendBytes.Load(),
		ChecksumFailures: m.ChecksumFailures.Load(),
		QueueDrops:       m.QueueDrops.Load(),
		ConnectionsInUse: m.ConnectionsInUse.Load(),
		UptimeNs:         uint64(time.Now().UnixNano() - m.StartTime.Load()),
	}
	if count := m.DeliveryCount.Load(); count > 0 {
		snap.AvgDeliveryNs = m.DeliveryLatencyTotalNs.Load() / count
	}
	return snap
}

// NoOpObserver discards every observation; the bus's default when the
// caller supplies none.
type NoOpObserver struct{}

func (NoOpObserver) ObserveAccept(bool)            {}
func (NoOpObserver) ObserveConnect(uint16, bool)    {}
func (NoOpObserver) ObserveRecv(int)                {}
func (NoOpObserver) ObserveSend(int)                {}
func (NoOpObserver) ObserveChecksumFailure(string)  {}
func (NoOpObserver) ObserveQueueDrop(string)        {}
func (NoOpObserver) ObserveDelivery(int64)          {}
func (NoOpObserver) ObserveConnectionsUsed(int)     {}

// MetricsObserver implements interfaces.Observer by recording into a
// Metrics instance with plain atomic updates. It does not forward
// observations to any other Observer.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver wraps m as an Observer.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveAccept(success bool)         { o.metrics.recordAccept(success) }
func (o *MetricsObserver) ObserveConnect(_ uint16, success bool) { o.metrics.recordConnect(success) }
func (o *MetricsObserver) ObserveRecv(n int)                  { o.metrics.recordRecv(n) }
func (o *MetricsObserver) ObserveSend(n int)                  { o.metrics.recordSend(n) }
func (o *MetricsObserver) ObserveChecksumFailure(string)      { o.metrics.recordChecksumFailure() }
func (o *MetricsObserver) ObserveQueueDrop(string)            { o.metrics.recordQueueDrop() }
func (o *MetricsObserver) ObserveDelivery(latencyNs int64)    { o.metrics.recordDelivery(latencyNs) }
func (o *MetricsObserver) ObserveConnectionsUsed(n int)       { o.metrics.recordConnectionsUsed(n) }

var _ interfaces.Observer = (*MetricsObserver)(nil)
var _ interfaces.Observer = NoOpObserver{}
