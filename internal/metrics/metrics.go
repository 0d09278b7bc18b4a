package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the service's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal        *prometheus.CounterVec
	transformedTotal *prometheus.CounterVec
	deadLetterTotal  *prometheus.CounterVec
	rawAppendsTotal  prometheus.Counter
	pendingLag       *prometheus.GaugeVec
}

// New creates and registers the service collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refinery_task_runs_total",
			Help: "Transform task runs by consumer and terminal status.",
		}, []string{"consumer", "status"}),
		transformedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refinery_records_transformed_total",
			Help: "Raw records successfully transformed into the enhanced table.",
		}, []string{"consumer"}),
		deadLetterTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refinery_dead_letters_total",
			Help: "Malformed records routed to the dead-letter table.",
		}, []string{"consumer"}),
		rawAppendsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refinery_raw_appends_total",
			Help: "Rows appended to the raw event log.",
		}),
		pendingLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "refinery_pending_lag",
			Help: "Raw rows committed to the log but not yet transformed, per consumer.",
		}, []string{"consumer"}),
	}

	m.registry.MustRegister(m.runsTotal, m.transformedTotal, m.deadLetterTotal, m.rawAppendsTotal, m.pendingLag)
	return m
}

// RunFinished counts one terminal task run.
func (m *Metrics) RunFinished(consumerID, status string) {
	m.runsTotal.WithLabelValues(consumerID, status).Inc()
}

// RecordsTransformed counts successfully transformed rows.
func (m *Metrics) RecordsTransformed(consumerID string, n int) {
	if n > 0 {
		m.transformedTotal.WithLabelValues(consumerID).Add(float64(n))
	}
}

// RecordsDeadLettered counts dead-lettered rows.
func (m *Metrics) RecordsDeadLettered(consumerID string, n int) {
	if n > 0 {
		m.deadLetterTotal.WithLabelValues(consumerID).Add(float64(n))
	}
}

// RawAppended counts rows landing in the raw log.
func (m *Metrics) RawAppended(n int) {
	if n > 0 {
		m.rawAppendsTotal.Add(float64(n))
	}
}

// SetPendingLag records the current pending backlog for a consumer.
func (m *Metrics) SetPendingLag(consumerID string, lag int64) {
	m.pendingLag.WithLabelValues(consumerID).Set(float64(lag))
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
