package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus is the production Emitter, grounded in golang-io-mqtt's stat.go
// (a Stat struct of prometheus.Counter/Gauge fields registered at startup
// and served over promhttp.Handler). Unlike that fixed struct of metrics,
// Prometheus here keys its counters/histograms by the Event* name so new
// event types never require a new field plus a new Register call.
type Prometheus struct {
	counters   *prometheus.CounterVec
	histograms *prometheus.HistogramVec
}

// NewPrometheus builds a Prometheus Emitter and registers its collectors
// against reg. Pass prometheus.NewRegistry() for an isolated registry in
// tests, or prometheus.DefaultRegisterer for the process-wide one.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		counters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mqtt_broker_events_total",
			Help: "Count of broker lifecycle and delivery events by name and listener.",
		}, []string{"event", "listener"}),
		histograms: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mqtt_broker_observations",
			Help:    "Sampled gauges (inflight depth, queue depth) by name and listener.",
			Buckets: prometheus.DefBuckets,
		}, []string{"event", "listener"}),
	}
	reg.MustRegister(p.counters, p.histograms)
	return p
}

// Inc increments the named event counter. labels[0], if present, is the
// listener ID; a missing listener label is recorded as "".
func (p *Prometheus) Inc(name string, labels ...string) {
	p.counters.WithLabelValues(name, labelOrEmpty(labels, 0)).Inc()
}

// Observe records a sampled value for the named event.
func (p *Prometheus) Observe(name string, v float64, labels ...string) {
	p.histograms.WithLabelValues(name, labelOrEmpty(labels, 0)).Observe(v)
}

func labelOrEmpty(labels []string, i int) string {
	if i < len(labels) {
		return labels[i]
	}
	return ""
}

// Handler returns an http.Handler serving gatherer, for mounting at
// config.Metrics.MetricsPath. Pass prometheus.DefaultGatherer to match
// NewPrometheus(prometheus.DefaultRegisterer).
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
