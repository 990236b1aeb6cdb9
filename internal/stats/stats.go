// Package stats exports data plane counters as Prometheus metrics.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinyrange/gistack/internal/dma"
	"github.com/tinyrange/gistack/internal/link"
)

const (
	namespace = "gistack"

	ifaceKey  = "iface"
	linkKey   = "link"
	reasonKey = "reason"
	poolKey   = "pool"
)

// Pool is anything with fixed capacity and an in-use count.
type Pool interface {
	Name() string
	Cap() int
	InUse() int
}

// Registry holds every data plane metric. It implements stage.Recorder.
type Registry struct {
	registry  *prometheus.Registry
	forwarded *prometheus.CounterVec
	dropped   *prometheus.CounterVec
}

// New returns a registry with the dispatch counters registered.
func New() *Registry {
	registry := prometheus.NewRegistry()
	forwarded := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "forwarded_total",
		Help:      "Messages enqueued on an outbound link.",
	}, []string{ifaceKey, linkKey})
	dropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "dropped_total",
		Help:      "Messages freed without being forwarded, by reason.",
	}, []string{ifaceKey, reasonKey})
	registry.MustRegister(forwarded, dropped)
	return &Registry{registry: registry, forwarded: forwarded, dropped: dropped}
}

// Forwarded implements stage.Recorder.
func (r *Registry) Forwarded(iface, l string) {
	r.forwarded.With(prometheus.Labels{ifaceKey: iface, linkKey: l}).Inc()
}

// Dropped implements stage.Recorder.
func (r *Registry) Dropped(iface, reason string) {
	r.dropped.With(prometheus.Labels{ifaceKey: iface, reasonKey: reason}).Inc()
}

// Gatherer exposes the registry for an HTTP handler or a test.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.registry }

// WatchEngine exports the DMA engine counters.
func (r *Registry) WatchEngine(e *dma.Engine) error {
	return r.registry.Register(&engineCollector{engine: e})
}

// WatchLinks exports queue depth and counters of links.
func (r *Registry) WatchLinks(links ...*link.Link) error {
	return r.registry.Register(&linkCollector{links: links})
}

// WatchPools exports the occupancy of fixed pools.
func (r *Registry) WatchPools(pools ...Pool) error {
	return r.registry.Register(&poolCollector{pools: pools})
}
