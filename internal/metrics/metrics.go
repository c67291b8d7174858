// Package metrics exposes replication counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/isometry/ldap-replicator/internal/replica"
)

const namespace = "replicad"

// Bind results recorded in replicad_binds_total.
const (
	BindResultSuccess = "success"
	BindResultFailure = "failure"
)

// Collector records dispatcher events. It implements replica.Observer and
// is safe for concurrent use by all replica workers.
type Collector struct {
	registry *prometheus.Registry

	records  *prometheus.CounterVec
	binds    *prometheus.CounterVec
	rebinds  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var _ replica.Observer = (*Collector)(nil)

// New creates a Collector registered on its own registry, alongside the Go
// runtime and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Change records processed, by replica, change type and outcome.",
		}, []string{"replica", "change_type", "outcome"}),
		binds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "binds_total",
			Help:      "Bind attempts, by replica and result.",
		}, []string{"replica", "result"}),
		rebinds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebinds_total",
			Help:      "Connections dropped after a server-down result.",
		}, []string{"replica"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Time to replicate one change record, including binds and retries.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"replica", "change_type"}),
	}

	c.registry.MustRegister(
		c.records,
		c.binds,
		c.rebinds,
		c.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry returns the registry holding the collector's metrics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveBind counts a bind attempt.
func (c *Collector) ObserveBind(replicaName string, err error) {
	result := BindResultSuccess
	if err != nil {
		result = BindResultFailure
	}
	c.binds.WithLabelValues(replicaName, result).Inc()
}

// ObserveRebind counts a connection dropped for rebinding.
func (c *Collector) ObserveRebind(replicaName string) {
	c.rebinds.WithLabelValues(replicaName).Inc()
}

// ObserveOutcome counts a finished record and its duration.
func (c *Collector) ObserveOutcome(replicaName string, changeType replica.ChangeType, status replica.Status, elapsed time.Duration) {
	c.records.WithLabelValues(replicaName, changeType.String(), status.String()).Inc()
	c.duration.WithLabelValues(replicaName, changeType.String()).Observe(elapsed.Seconds())
}
