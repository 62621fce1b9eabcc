package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ScrapeRegistry implements Registry on a Prometheus registry exposed over HTTP.
type ScrapeRegistry struct {
	prom   *prometheus.Registry
	prefix string
}

// NewScrapeRegistry creates a registry with the Go and process collectors.
// A non-empty prefix becomes the namespace of every instrument created
// through it, e.g. deltaetl_executions_total.
func NewScrapeRegistry(prefix string) (*ScrapeRegistry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("registering go collector: %w", err)
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("registering process collector: %w", err)
	}
	return &ScrapeRegistry{prom: reg, prefix: prefix}, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (r *ScrapeRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Gatherer exposes the registry for tests and custom exporters.
func (r *ScrapeRegistry) Gatherer() prometheus.Gatherer {
	return r.prom
}

func (r *ScrapeRegistry) namespace(ns string) string {
	if ns != "" {
		return ns
	}
	return r.prefix
}

func register[C prometheus.Collector](r *ScrapeRegistry, name string, c C) (C, error) {
	if err := r.prom.Register(c); err != nil {
		var zero C
		return zero, fmt.Errorf("registering %q: %w", name, err)
	}
	return c, nil
}

// NewGauge implements Registry.
func (r *ScrapeRegistry) NewGauge(opts prometheus.GaugeOpts) (Gauge, error) {
	opts.Namespace = r.namespace(opts.Namespace)
	return register(r, opts.Name, prometheus.NewGauge(opts))
}

// NewGaugeVec implements Registry.
func (r *ScrapeRegistry) NewGaugeVec(opts prometheus.GaugeOpts, labels []string) (GaugeVec, error) {
	opts.Namespace = r.namespace(opts.Namespace)
	v, err := register(r, opts.Name, prometheus.NewGaugeVec(opts, labels))
	if err != nil {
		return nil, err
	}
	return gaugeVec{v}, nil
}

// NewCounter implements Registry.
func (r *ScrapeRegistry) NewCounter(opts prometheus.CounterOpts) (Counter, error) {
	opts.Namespace = r.namespace(opts.Namespace)
	return register(r, opts.Name, prometheus.NewCounter(opts))
}

// NewCounterVec implements Registry.
func (r *ScrapeRegistry) NewCounterVec(opts prometheus.CounterOpts, labels []string) (CounterVec, error) {
	opts.Namespace = r.namespace(opts.Namespace)
	v, err := register(r, opts.Name, prometheus.NewCounterVec(opts, labels))
	if err != nil {
		return nil, err
	}
	return counterVec{v}, nil
}

// gaugeVec and counterVec narrow the prometheus vector types to this
// package's interfaces.
type gaugeVec struct{ v *prometheus.GaugeVec }

func (g gaugeVec) With(l prometheus.Labels) Gauge { return g.v.With(l) }

type counterVec struct{ v *prometheus.CounterVec }

func (c counterVec) With(l prometheus.Labels) Counter { return c.v.With(l) }
