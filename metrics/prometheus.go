// Package metrics adapts the bus's Observer interface to Prometheus,
// grounded in the retrieval pack's aistore module (which instruments its
// storage engine with github.com/prometheus/client_golang).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vrproto/bus/internal/interfaces"
)

// deliveryBucketsSeconds mirrors bus.DeliveryLatencyBuckets (1us..1s,
// logarithmic) converted to the seconds unit Prometheus histograms expect.
var deliveryBucketsSeconds = []float64{
	0.000001,
	0.00001,
	0.0001,
	0.001,
	0.01,
	0.1,
	1,
}

// PrometheusObserver implements interfaces.Observer by recording every
// observation into a set of Prometheus collectors, registered once at
// construction time.
type PrometheusObserver struct {
	accepts      *prometheus.CounterVec
	connects     *prometheus.CounterVec
	recvBytes    prometheus.Counter
	sendBytes    prometheus.Counter
	checksumFail *prometheus.CounterVec
	queueDrops   *prometheus.CounterVec
	delivery     prometheus.Histogram
	connsInUse   prometheus.Gauge
}

// NewPrometheusObserver builds and registers a PrometheusObserver against
// reg. Passing prometheus.NewRegistry() keeps the bus's metrics isolated
// from prometheus.DefaultRegisterer; callers that want the global
// registerer can pass it directly.
func NewPrometheusObserver(reg prometheus.Registerer, namespace string) *PrometheusObserver {
	o := &PrometheusObserver{
		accepts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accepts_total",
			Help:      "Inbound connection accepts, labeled by outcome.",
		}, []string{"result"}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Outbound replica connection attempts, labeled by outcome.",
		}, []string{"result"}),
		recvBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recv_bytes_total",
			Help:      "Bytes received across all connections.",
		}),
		sendBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_bytes_total",
			Help:      "Bytes sent across all connections.",
		}),
		checksumFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checksum_failures_total",
			Help:      "Messages rejected for a checksum mismatch, labeled by phase.",
		}, []string{"phase"}),
		queueDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_drops_total",
			Help:      "Messages dropped due to a full queue, labeled by reason.",
		}, []string{"reason"}),
		delivery: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_latency_seconds",
			Help:      "Time from a self-send enqueue to delivery into the replica sink by Flush.",
			Buckets:   deliveryBucketsSeconds,
		}),
		connsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_in_use",
			Help:      "Connections currently occupying a pool slot.",
		}),
	}

	reg.MustRegister(
		o.accepts,
		o.connects,
		o.recvBytes,
		o.sendBytes,
		o.checksumFail,
		o.queueDrops,
		o.delivery,
		o.connsInUse,
	)
	return o
}

func (o *PrometheusObserver) ObserveAccept(success bool) {
	o.accepts.WithLabelValues(resultLabel(success)).Inc()
}

func (o *PrometheusObserver) ObserveConnect(_ uint16, success bool) {
	o.connects.WithLabelValues(resultLabel(success)).Inc()
}

func (o *PrometheusObserver) ObserveRecv(n int) { o.recvBytes.Add(float64(n)) }

func (o *PrometheusObserver) ObserveSend(n int) { o.sendBytes.Add(float64(n)) }

func (o *PrometheusObserver) ObserveChecksumFailure(phase string) {
	o.checksumFail.WithLabelValues(phase).Inc()
}

func (o *PrometheusObserver) ObserveQueueDrop(reason string) {
	o.queueDrops.WithLabelValues(reason).Inc()
}

func (o *PrometheusObserver) ObserveDelivery(latencyNs int64) {
	o.delivery.Observe(float64(latencyNs) / 1e9)
}

func (o *PrometheusObserver) ObserveConnectionsUsed(n int) {
	o.connsInUse.Set(float64(n))
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

var _ interfaces.Observer = (*PrometheusObserver)(nil)
