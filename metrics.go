package drowsynet

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instrumentation of listeners and connections.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected *prometheus.CounterVec
	ConnectionsActive   prometheus.Gauge
	Disconnects         *prometheus.CounterVec
	AcceptErrors        prometheus.Counter

	BytesRead      prometheus.Counter
	BytesWritten   prometheus.Counter
	PacketsSent    prometheus.Counter
	FramesReceived prometheus.Counter
	FrameErrors    prometheus.Counter

	ConnectionDuration prometheus.Histogram
}

// NewMetrics registers the collectors on reg under namespace.
// An empty namespace means "drowsynet".
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "drowsynet"
	}
	f := promauto.With(reg)

	return &Metrics{
		ConnectionsAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total number of transports accepted by listeners",
		}),
		ConnectionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Total number of accepted transports closed before OnAccept",
		}, []string{"reason"}),
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of connections between Setup and disconnect",
		}),
		Disconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Total number of connection disconnects by cause",
		}, []string{"reason"}),
		AcceptErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_errors_total",
			Help:      "Total number of failed accept attempts",
		}),
		BytesRead: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_read_total",
			Help:      "Total number of bytes read from peers",
		}),
		BytesWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_written_total",
			Help:      "Total number of bytes written to peers, headers included",
		}),
		PacketsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Total number of packets fully written",
		}),
		FramesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total number of length-prefixed frames delivered",
		}),
		FrameErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_violations_total",
			Help:      "Total number of invalid frame headers received",
		}),
		ConnectionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Time from Setup to disconnect",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
		}),
	}
}

func (m *Metrics) accepted() {
	if m != nil {
		m.ConnectionsAccepted.Inc()
	}
}

func (m *Metrics) rejected(reason string) {
	if m != nil {
		m.ConnectionsRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) acceptError() {
	if m != nil {
		m.AcceptErrors.Inc()
	}
}

func (m *Metrics) connectionUp() {
	if m != nil {
		m.ConnectionsActive.Inc()
	}
}

func (m *Metrics) connectionDown(reason string, since time.Time) {
	if m == nil {
		return
	}
	m.Disconnects.WithLabelValues(reason).Inc()
	if !since.IsZero() {
		m.ConnectionsActive.Dec()
		m.ConnectionDuration.Observe(time.Since(since).Seconds())
	}
}

func (m *Metrics) read(n int) {
	if m != nil && n > 0 {
		m.BytesRead.Add(float64(n))
	}
}

func (m *Metrics) wrote(n int64) {
	if m == nil {
		return
	}
	if n > 0 {
		m.BytesWritten.Add(float64(n))
	}
	m.PacketsSent.Inc()
}

func (m *Metrics) frameReceived() {
	if m != nil {
		m.FramesReceived.Inc()
	}
}

func (m *Metrics) frameViolation() {
	if m != nil {
		m.FrameErrors.Inc()
	}
}
