// Package metrics exposes prometheus collectors for the document portal.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "document_portal"

var (
	// StoreFlushes counts permission store table writes by outcome.
	StoreFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "permstore",
			Name:      "flushes_total",
			Help:      "permission store table flushes",
		},
		[]string{"table", "result"},
	)

	// StoreFlushDuration observes how long a table write takes.
	StoreFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "permstore",
			Name:      "flush_duration_seconds",
			Help:      "time spent writing a permission store table",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		},
	)

	// VirtualInodes is the number of live virtual inodes.
	VirtualInodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "vfs",
			Name:      "virtual_inodes",
			Help:      "live virtual inodes",
		},
	)

	// PhysicalInodes is the number of open backing handles held by the
	// physical inode table.
	PhysicalInodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "vfs",
			Name:      "physical_inodes",
			Help:      "open backing file handles",
		},
	)

	// Invalidations counts kernel entry invalidations by outcome.
	Invalidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vfs",
			Name:      "invalidations_total",
			Help:      "kernel entry invalidations sent",
		},
		[]string{"result"},
	)

	// Documents counts registry operations by method.
	Documents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "operations_total",
			Help:      "document registry operations",
		},
		[]string{"method", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		StoreFlushes,
		StoreFlushDuration,
		VirtualInodes,
		PhysicalInodes,
		Invalidations,
		Documents,
	)
}

// Result renders an error as a metric label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
