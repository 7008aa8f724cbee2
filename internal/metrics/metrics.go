package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the remediation pipeline's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	// IncidentsProcessed counts finished worker passes.
	// Labels: outcome (resolved, requeued, awaiting_approval, error)
	IncidentsProcessed *prometheus.CounterVec
	// ResolutionIterations observes loop iterations per run.
	ResolutionIterations prometheus.Histogram
	// Commands counts runner invocations.
	// Labels: result (ok, failed, refused, timeout)
	Commands *prometheus.CounterVec
	// PullRequests counts publish attempts.
	// Labels: result (created, reused, noop, error)
	PullRequests *prometheus.CounterVec
	// IncidentsIngested counts incidents accepted from any signal source.
	// Labels: signal_type
	IncidentsIngested *prometheus.CounterVec
}

// New registers all collectors on a fresh registry, plus Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		IncidentsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinell",
			Name:      "incidents_processed_total",
			Help:      "Incidents taken through the resolution loop",
		}, []string{"outcome"}),
		ResolutionIterations: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sentinell",
			Name:      "resolution_iterations",
			Help:      "Loop iterations per resolution run",
			Buckets:   []float64{1, 2, 3, 5, 8, 10},
		}),
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinell",
			Name:      "commands_total",
			Help:      "Commands considered by the runner",
		}, []string{"result"}),
		PullRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinell",
			Name:      "pull_requests_total",
			Help:      "Pull request publish attempts",
		}, []string{"result"}),
		IncidentsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinell",
			Name:      "incidents_ingested_total",
			Help:      "Incidents created from incoming signals",
		}, []string{"signal_type"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
