// Package metrics exposes the Prometheus collectors named in the external
// interfaces: request counts and latency for the Dispatch Engine, pool size
// gauges for the Key Cache, and probe outcome counts for the Probe Engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gateway"

// LatencyBuckets covers the range from a fast cache-hit probe response up to
// a slow, fully-buffered non-streamed completion.
var LatencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120,
}

var (
	// RequestsTotal counts every dispatched request by provider and final
	// outcome status ("2xx", "4xx", "5xx", "no_healthy_keys").
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of gateway requests by provider and status",
		},
		[]string{"provider", "status"},
	)

	// KeyPoolSize reports the live pool size per (provider, model), sampled
	// on every Acquire and MarkBad so scraping always sees a fresh value.
	KeyPoolSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "key_pool_size",
			Help:      "Number of eligible keys currently pooled per provider and model",
		},
		[]string{"provider", "model"},
	)

	// WorkerProbeTotal counts every probe outcome by provider and reason
	// ("OK" for success, otherwise the classified ErrorReason).
	WorkerProbeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_probe_total",
			Help:      "Total number of probe attempts by provider and outcome reason",
		},
		[]string{"provider", "reason"},
	)

	// LatencySeconds tracks end-to-end dispatch latency per provider.
	LatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "latency_seconds",
			Help:      "Gateway request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"provider"},
	)
)
