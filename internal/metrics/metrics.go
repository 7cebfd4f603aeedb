// Package metrics wires this store's operational counters into Prometheus,
// following the promauto pattern used in ssargent-freyjadb's pkg/api
// metrics. It reports scalar operational counts only (commands processed,
// active workers, tree size) — never key or value contents, so it adds no
// client-facing read surface to the store.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every metric this server exposes.
type Registry struct {
	reg *prometheus.Registry

	commandsTotal *prometheus.CounterVec
	activeWorkers prometheus.Gauge
	treeNodes     prometheus.Gauge
}

// New creates a fresh, independent Prometheus registry (not the global
// default one, so tests can construct any number of Registries without
// colliding on metric names) and registers every metric against it.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		commandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvstore_commands_total",
				Help: "Total number of client commands interpreted, by verb and result.",
			},
			[]string{"verb", "result"},
		),
		activeWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kvstore_active_workers",
			Help: "Number of worker goroutines currently registered for a live connection.",
		}),
		treeNodes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kvstore_tree_nodes",
			Help: "Approximate number of non-sentinel nodes in the ordered map.",
		}),
	}
}

// Gatherer exposes the underlying registry for an HTTP handler
// (promhttp.HandlerFor) to scrape.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// ObserveCommand implements command.Observer.
func (r *Registry) ObserveCommand(verb, result string) {
	r.commandsTotal.WithLabelValues(verb, result).Inc()
}

// SetActiveWorkers implements worker.ActiveObserver.
func (r *Registry) SetActiveWorkers(n int) {
	r.activeWorkers.Set(float64(n))
}

// AddTreeNodes implements store's internal sizeObserver.
func (r *Registry) AddTreeNodes(delta int64) {
	r.treeNodes.Add(float64(delta))
}
