package chatsock

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "chatsock"

// Frame results recorded by Metrics.
const (
	resultDispatched = "dispatched"
)

// Metrics holds the Prometheus collectors for the dispatch layer.
// A nil *Metrics records nothing.
type Metrics struct {
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	frames            *prometheus.CounterVec
	framingErrors     prometheus.Counter
	handlerDuration   *prometheus.HistogramVec
	bufferedBytes     prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_active",
			Help:      "Connections currently open.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_total",
			Help:      "Connections accepted since start.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_total",
			Help:      "Frames extracted, by dispatch result.",
		}, []string{"result"}),
		framingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "framing_errors_total",
			Help:      "Connections half-closed because a frame exceeded the size limit.",
		}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "handler_duration_seconds",
			Help:      "Handler execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"msgid"}),
		bufferedBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "buffered_bytes",
			Help:      "Bytes left pending in a connection buffer after a read event.",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 8),
		}),
	}

	collectors := []prometheus.Collector{
		m.connectionsActive,
		m.connectionsTotal,
		m.frames,
		m.framingErrors,
		m.handlerDuration,
		m.bufferedBytes,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register metrics")
		}
	}

	return m, nil
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
	m.connectionsTotal.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) frame(result string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(result).Inc()
}

func (m *Metrics) framingError() {
	if m == nil {
		return
	}
	m.framingErrors.Inc()
}

func (m *Metrics) observeHandler(id int, d time.Duration) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(strconv.Itoa(id)).Observe(d.Seconds())
}

func (m *Metrics) observeBuffered(n int) {
	if m == nil {
		return
	}
	m.bufferedBytes.Observe(float64(n))
}
