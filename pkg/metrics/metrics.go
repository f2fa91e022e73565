// Package metrics exposes Prometheus collectors for orgflow operations.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "orgflow"

// Registry holds all orgflow metrics.
type Registry struct {
	gatherer   prometheus.Gatherer
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	cache      *prometheus.CounterVec
	impacts    *prometheus.CounterVec
	auditFails prometheus.Counter
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns a process-wide registry backed by its own
// prometheus.Registry.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = New(prometheus.NewRegistry())
	})
	return defaultRegistry
}

// New registers orgflow collectors on reg.
func New(reg *prometheus.Registry) *Registry {
	r := &Registry{
		gatherer: reg,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Coordination operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Coordination operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 3, 9),
		}, []string{"operation"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Coordination cache lookups by result.",
		}, []string{"result"}),
		impacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drift_impacts_total",
			Help:      "Drift impact records by severity.",
		}, []string{"severity"}),
		auditFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_degraded_total",
			Help:      "Audit appends that failed while the operation completed.",
		}),
	}
	reg.MustRegister(r.operations, r.durations, r.cache, r.impacts, r.auditFails)
	return r
}

// OrDefault returns r, or the default registry when r is nil.
func OrDefault(r *Registry) *Registry {
	if r == nil {
		return Default()
	}
	return r
}

// RecordOperation records one completed operation.
func (r *Registry) RecordOperation(operation, outcome string, duration time.Duration) {
	r.operations.WithLabelValues(operation, outcome).Inc()
	r.durations.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCacheLookup records a cache hit or miss.
func (r *Registry) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cache.WithLabelValues(result).Inc()
}

// RecordImpact records one drift impact record.
func (r *Registry) RecordImpact(severity string) {
	r.impacts.WithLabelValues(severity).Inc()
}

// RecordAuditDegraded records a failed audit append.
func (r *Registry) RecordAuditDegraded() {
	r.auditFails.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// Sample is one flattened metric value.
type Sample struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// Snapshot gathers counters and histogram counts as flat samples.
func (r *Registry) Snapshot() ([]Sample, error) {
	families, err := r.gatherer.Gather()
	if err != nil {
		return nil, err
	}
	var out []Sample
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			s := Sample{Name: fam.GetName(), Labels: labels}
			switch {
			case m.GetCounter() != nil:
				s.Value = m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				s.Name += "_count"
				s.Value = float64(m.GetHistogram().GetSampleCount())
			case m.GetGauge() != nil:
				s.Value = m.GetGauge().GetValue()
			}
			out = append(out, s)
		}
	}
	return out, nil
}
