// Package metrics exposes sampler progress as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atlasmap-sc/hexseg/internal/sampler"
)

const namespace = "hexseg"

// Collector holds the sampler metrics on a private registry.
type Collector struct {
	registry *prometheus.Registry

	proposed   *prometheus.CounterVec
	accepted   *prometheus.CounterVec
	iterations prometheus.Counter
	loglik     prometheus.Gauge
	unassigned prometheus.Gauge
	stage      prometheus.Gauge
	chunkSize  prometheus.Gauge
	duration   prometheus.Histogram
}

// New creates a Collector. Process and Go runtime collectors are registered
// alongside the sampler metrics.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		proposed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "proposals_total",
			Help:      "Local moves proposed, by kind.",
		}, []string{"kind"}),
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "accepted_total",
			Help:      "Local moves accepted, by kind.",
		}, []string{"kind"}),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "iterations_total",
			Help:      "Completed outer iterations.",
		}),
		loglik: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "log_likelihood",
			Help:      "Joint log-likelihood after the last iteration.",
		}),
		unassigned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "unassigned_transcripts",
			Help:      "Transcripts assigned to background.",
		}),
		stage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "stage",
			Help:      "Index of the current schedule stage.",
		}),
		chunkSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "chunk_size",
			Help:      "Chunk size of the current schedule stage.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "iteration_duration_seconds",
			Help:      "Wall time of one outer iteration.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
	}

	c.registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
		collectors.NewGoCollector(),
		c.proposed, c.accepted, c.iterations,
		c.loglik, c.unassigned, c.stage, c.chunkSize, c.duration,
	)
	for k := sampler.MoveKind(0); k < sampler.NumMoveKinds; k++ {
		c.proposed.WithLabelValues(k.String())
		c.accepted.WithLabelValues(k.String())
	}
	return c
}

// ObserveIteration records one iteration report.
func (c *Collector) ObserveIteration(_ context.Context, r *sampler.IterationReport) error {
	for k := sampler.MoveKind(0); k < sampler.NumMoveKinds; k++ {
		c.proposed.WithLabelValues(k.String()).Add(float64(r.Stats.Proposed[k]))
		c.accepted.WithLabelValues(k.String()).Add(float64(r.Stats.Accepted[k]))
	}
	c.iterations.Inc()
	c.loglik.Set(r.LogLikelihood)
	c.unassigned.Set(float64(r.Unassigned))
	c.stage.Set(float64(r.Stage))
	c.chunkSize.Set(float64(r.ChunkSize))
	c.duration.Observe(r.Elapsed.Seconds())
	return nil
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
