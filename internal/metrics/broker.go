// Package metrics publishes broker transport measurements to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pinot_broker"

// Broker implements transport.BrokerMetrics. All methods are safe for
// concurrent use and never block.
type Broker struct {
	connectTime  prometheus.Gauge
	sendLatency  *prometheus.HistogramVec
	requestsSent prometheus.Counter
	bytesSent    prometheus.Counter
	sendFailures prometheus.Counter
}

// NewBroker creates the broker collectors and registers them on reg.
func NewBroker(reg prometheus.Registerer) (*Broker, error) {
	b := &Broker{
		connectTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_connection_connect_time_ms",
			Help:      "Time taken by the most recent server connect, in milliseconds.",
		}),
		sendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "server_connection_send_request_latency_seconds",
			Help:      "Time from issuing a request write until it was flushed to the server.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"table"}),
		requestsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_connection_requests_sent_total",
			Help:      "Requests written to servers.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_connection_bytes_sent_total",
			Help:      "Serialized request bytes written to servers.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_connection_send_failures_total",
			Help:      "Requests dropped because their connection failed before the write completed.",
		}),
	}
	for _, c := range []prometheus.Collector{b.connectTime, b.sendLatency, b.requestsSent, b.bytesSent, b.sendFailures} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *Broker) SetConnectTime(d time.Duration) {
	b.connectTime.Set(float64(d.Milliseconds()))
}

func (b *Broker) ObserveSendLatency(table string, d time.Duration) {
	b.sendLatency.WithLabelValues(table).Observe(d.Seconds())
}

func (b *Broker) AddRequestsSent(n int64) {
	b.requestsSent.Add(float64(n))
}

func (b *Broker) AddBytesSent(n int64) {
	b.bytesSent.Add(float64(n))
}

func (b *Broker) AddSendFailures(n int64) {
	b.sendFailures.Add(float64(n))
}
