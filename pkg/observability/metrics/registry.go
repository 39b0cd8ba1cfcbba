// Package metrics owns the Prometheus registry a worker process exposes on
// its management server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is a private Prometheus registry preloaded with the Go runtime and
// process collectors. It never touches prometheus.DefaultRegisterer, so tests
// and embedded workers can build as many as they need.
type Registry struct {
	reg *prometheus.Registry
}

// NewRegistry registers extra next to the runtime collectors and panics on
// duplicates, which are programming errors.
func NewRegistry(extra ...prometheus.Collector) *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	reg.MustRegister(extra...)
	return &Registry{reg: reg}
}

// Register adds a collector, returning prometheus.AlreadyRegisteredError for
// duplicates.
func (r *Registry) Register(c prometheus.Collector) error {
	return r.reg.Register(c)
}

// MustRegister adds collectors and panics on error.
func (r *Registry) MustRegister(cs ...prometheus.Collector) {
	r.reg.MustRegister(cs...)
}

// Gatherer exposes the registry for scrapers other than Handler.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the registry in the text or OpenMetrics format and counts
// its own scrapes in promhttp_metric_handler_requests_total.
func (r *Registry) Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(r.reg, promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{
		Registry:          r.reg,
		EnableOpenMetrics: true,
	}))
}
