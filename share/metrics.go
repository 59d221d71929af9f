package wrshare

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for relay sessions. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	SessionsTotal         prometheus.Counter
	ActiveSessions        prometheus.Gauge
	BytesTotal            *prometheus.CounterVec
	ErrorsTotal           *prometheus.CounterVec
	SessionDurationSecond prometheus.Histogram
}

// NewMetrics creates the relay collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsTotal:  f.NewCounter(prometheus.CounterOpts{Name: "wsrelay_sessions_total", Help: "Relay sessions accepted"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{Name: "wsrelay_active_sessions", Help: "Relay sessions currently open"}),
		BytesTotal: f.NewCounterVec(prometheus.CounterOpts{Name: "wsrelay_bytes_total", Help: "Bytes relayed by direction"},
			[]string{"direction"}),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{Name: "wsrelay_errors_total", Help: "Session errors by type"},
			[]string{"type"}),
		SessionDurationSecond: f.NewHistogram(prometheus.HistogramOpts{Name: "wsrelay_session_duration_seconds",
			Help: "Relay session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)}),
	}
}

func (m *Metrics) sessionStarted() {
	if m == nil {
		return
	}
	m.SessionsTotal.Inc()
	m.ActiveSessions.Inc()
}

func (m *Metrics) sessionEnded(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionDurationSecond.Observe(d.Seconds())
	m.recordError(err)
}

func (m *Metrics) recordError(err error) {
	if m == nil || err == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorKind(err)).Inc()
}

func (m *Metrics) addBytes(up, down int64) {
	if m == nil {
		return
	}
	m.BytesTotal.WithLabelValues("up").Add(float64(up))
	m.BytesTotal.WithLabelValues("down").Add(float64(down))
}
