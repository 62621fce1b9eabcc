// Package metrics provides Prometheus-compatible instruments for the ETL engine.
//
// Two registries implement Registry:
//   - ScrapeRegistry (server): instruments live in a Prometheus registry served on /metrics
//   - PushRegistry (CLI): values are buffered and sent once per run to a remote write endpoint
//
// ETL bundles the instruments the engine updates.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Gauge is a value that can go up and down.
type Gauge interface {
	Set(float64)
}

// Counter is a monotonically increasing value.
type Counter interface {
	Inc()
	// Add panics on negative values in scrape mode.
	Add(float64)
}

// GaugeVec is a Gauge with labels.
type GaugeVec interface {
	With(prometheus.Labels) Gauge
}

// CounterVec is a Counter with labels.
type CounterVec interface {
	With(prometheus.Labels) Counter
}

// Registry creates and registers instruments.
type Registry interface {
	NewGauge(opts prometheus.GaugeOpts) (Gauge, error)
	NewGaugeVec(opts prometheus.GaugeOpts, labels []string) (GaugeVec, error)
	NewCounter(opts prometheus.CounterOpts) (Counter, error)
	NewCounterVec(opts prometheus.CounterOpts, labels []string) (CounterVec, error)
}
