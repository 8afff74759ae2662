// Package metrics records gateway and node invocation metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// Collector is implemented by metric sinks
type Collector interface {
	// ObserveNode records one adapter invocation
	ObserveNode(kind, outcome string, d time.Duration)
	// ObserveDispatch records one inbound dispatch
	ObserveDispatch(route, outcome string, d time.Duration)
	// ObserveBranch records the outcome of one parallel branch
	ObserveBranch(outcome string)
}

// Nop discards all observations
type Nop struct{}

func (Nop) ObserveNode(string, string, time.Duration)     {}
func (Nop) ObserveDispatch(string, string, time.Duration) {}
func (Nop) ObserveBranch(string)                          {}

// Prometheus exports observations as Prometheus series
type Prometheus struct {
	nodeInvocations *prometheus.CounterVec
	nodeDuration    *prometheus.HistogramVec
	dispatches      *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
	branches        *prometheus.CounterVec
}

// NewPrometheus creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in processes and a fresh registry in tests.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		nodeInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hermes_node_invocations_total",
			Help: "Adapter invocations by node kind and outcome",
		}, []string{"kind", "outcome"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hermes_node_duration_seconds",
			Help:    "Adapter invocation latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hermes_dispatch_total",
			Help: "Inbound dispatches by route and outcome",
		}, []string{"route", "outcome"}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hermes_dispatch_duration_seconds",
			Help:    "End to end dispatch latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		branches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hermes_parallel_branches_total",
			Help: "Parallel branch outcomes",
		}, []string{"outcome"}),
	}

	for _, c := range []prometheus.Collector{p.nodeInvocations, p.nodeDuration, p.dispatches, p.dispatchLatency, p.branches} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// ObserveNode records one adapter invocation
func (p *Prometheus) ObserveNode(kind, outcome string, d time.Duration) {
	p.nodeInvocations.With(prometheus.Labels{"kind": kind, "outcome": outcome}).Inc()
	p.nodeDuration.With(prometheus.Labels{"kind": kind}).Observe(d.Seconds())
}

// ObserveDispatch records one inbound dispatch
func (p *Prometheus) ObserveDispatch(route, outcome string, d time.Duration) {
	p.dispatches.With(prometheus.Labels{"route": route, "outcome": outcome}).Inc()
	p.dispatchLatency.With(prometheus.Labels{"route": route}).Observe(d.Seconds())
}

// ObserveBranch records the outcome of one parallel branch
func (p *Prometheus) ObserveBranch(outcome string) {
	p.branches.With(prometheus.Labels{"outcome": outcome}).Inc()
}
