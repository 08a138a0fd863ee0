package session

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/ermct/internal/status"
)

// Metrics holds Prometheus metrics for responder sessions. A nil *Metrics
// records nothing.
type Metrics struct {
	SessionsActive     prometheus.Gauge
	SessionsEvicted    prometheus.Counter
	RequestsTotal      *prometheus.CounterVec
	ResolutionsTotal   *prometheus.CounterVec
	TransfersCompleted prometheus.Counter
	CallsTotal         *prometheus.CounterVec
	CallDuration       *prometheus.HistogramVec
	QueryDuration      *prometheus.HistogramVec
}

// NewMetrics registers and returns session metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ermct_sessions_active",
			Help: "Responder sessions currently held in memory.",
		}),
		SessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ermct_sessions_evicted_total",
			Help: "Sessions closed for inactivity.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ermct_transfer_requests_created_total",
			Help: "Transfer request creations by result.",
		}, []string{"result"}),
		ResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ermct_transfer_resolutions_total",
			Help: "Transfer request resolutions by status and source.",
		}, []string{"status", "source"}),
		TransfersCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ermct_transfers_completed_total",
			Help: "Transfers that reached completed.",
		}),
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ermct_remote_calls_total",
			Help: "Remote routing and inference calls by call and result.",
		}, []string{"call", "result"}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ermct_remote_call_duration_seconds",
			Help:    "Duration of remote routing and inference calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}, []string{"call"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ermct_db_query_duration_seconds",
			Help:    "Database query duration by operation, caller and outcome.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms .. ~1s
		}, []string{"operation", "caller", "outcome"}),
	}

	reg.MustRegister(
		m.SessionsActive,
		m.SessionsEvicted,
		m.RequestsTotal,
		m.ResolutionsTotal,
		m.TransfersCompleted,
		m.CallsTotal,
		m.CallDuration,
		m.QueryDuration,
	)

	return m
}

// ObserveQuery records a database query. It satisfies postgres.QueryObserver.
func (m *Metrics) ObserveQuery(_ context.Context, operation, caller, outcome string, dur time.Duration) {
	if m == nil {
		return
	}
	m.QueryDuration.WithLabelValues(operation, caller, outcome).Observe(dur.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (m *Metrics) observeCall(call string, err error, dur time.Duration) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(call, result(err)).Inc()
	m.CallDuration.WithLabelValues(call).Observe(dur.Seconds())
}

func (m *Metrics) requestCreated(err error) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) resolved(s status.Status, source string) {
	if m == nil {
		return
	}
	m.ResolutionsTotal.WithLabelValues(string(s), source).Inc()
}

func (m *Metrics) transferCompleted() {
	if m == nil {
		return
	}
	m.TransfersCompleted.Inc()
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) sessionClosed(evicted bool) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	if evicted {
		m.SessionsEvicted.Inc()
	}
}
