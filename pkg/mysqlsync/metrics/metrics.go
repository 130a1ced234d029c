// Package metrics exposes the optional operator-facing counters and
// gauges for the sync daemon: an ambient concern in the same vein as
// go-mcast's own prometheus dependency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the interface the database and bus gateways depend on,
// so they never import prometheus directly and tests can pass a noop.
type Recorder interface {
	IncChangesCaptured()
	IncChangesApplied()
	IncChangesFailed()
	SetQueueDepth(queue string, depth float64)
}

// Registry is the prometheus-backed Recorder, and also serves /metrics.
type Registry struct {
	registry *prometheus.Registry

	changesCaptured prometheus.Counter
	changesApplied  prometheus.Counter
	changesFailed   prometheus.Counter
	queueDepth      *prometheus.GaugeVec
}

// New builds a Registry with its own prometheus.Registry, so repeated
// calls in tests never collide with the global default registerer.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		changesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_changes_captured_total",
			Help: "Row changes captured from the local change log.",
		}),
		changesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_changes_applied_total",
			Help: "Row changes successfully applied from a peer.",
		}),
		changesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_changes_failed_total",
			Help: "Row changes that failed to apply.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sync_queue_depth",
			Help: "Current depth of a durable queue, by name.",
		}, []string{"queue"}),
	}

	reg.MustRegister(r.changesCaptured, r.changesApplied, r.changesFailed, r.queueDepth)
	return r
}

func (r *Registry) IncChangesCaptured() { r.changesCaptured.Inc() }
func (r *Registry) IncChangesApplied()  { r.changesApplied.Inc() }
func (r *Registry) IncChangesFailed()   { r.changesFailed.Inc() }

func (r *Registry) SetQueueDepth(queue string, depth float64) {
	r.queueDepth.WithLabelValues(queue).Set(depth)
}

// Handler serves the registry's metrics in the prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// noop discards every observation; it is the default Recorder of
// components built without SetRecorder being called.
type noop struct{}

func (noop) IncChangesCaptured()                  {}
func (noop) IncChangesApplied()                   {}
func (noop) IncChangesFailed()                    {}
func (noop) SetQueueDepth(queue string, depth float64) {}

// Noop returns a Recorder that does nothing.
func Noop() Recorder { return noop{} }
