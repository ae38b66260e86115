// Package metrics holds the Prometheus collectors of a pruning run. Every
// Metrics value owns its registry so runs and tests do not share state.
// All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lopper"

type Metrics struct {
	Registry *prometheus.Registry

	LayersDone         *prometheus.CounterVec
	LayerDuration      *prometheus.HistogramVec
	WeightsPruned      *prometheus.CounterVec
	LayerSparsity      *prometheus.GaugeVec
	AdaptiveIterations prometheus.Histogram
	NumericalFailures  prometheus.Counter
	GradientSamples    prometheus.Counter
	CalibrationSamples prometheus.Gauge
}

// New registers the pruning collectors and the Go runtime collectors on a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		LayersDone: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "layers_pruned_total",
			Help:      "Transformer blocks fully processed",
		}, []string{"strategy"}),
		LayerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "layer_duration_seconds",
			Help:      "Wall time to prune one block, including calibration passes",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		}, []string{"strategy"}),
		WeightsPruned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "weights_pruned_total",
			Help:      "Weights set to zero by a mask",
		}, []string{"strategy"}),
		LayerSparsity: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "layer_sparsity_ratio",
			Help:      "Fraction of zero weights per block after pruning",
		}, []string{"layer"}),
		AdaptiveIterations: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "adaptive_mask_iterations",
			Help:      "Bisection steps taken by the adaptive mask search",
			Buckets:   prometheus.LinearBuckets(0, 2, 10),
		}),
		NumericalFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "numerical_failures_total",
			Help:      "Second-order reconstructions aborted on NaN or Inf",
		}),
		GradientSamples: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gradient_samples_total",
			Help:      "Per-sample gradients folded into the aggregates",
		}),
		CalibrationSamples: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calibration_samples",
			Help:      "Calibration sequences in the current run",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// LayerDone records one finished block.
func (m *Metrics) LayerDone(strategy string, layer int, seconds, sparsity float64, pruned int) {
	if m == nil {
		return
	}
	m.LayersDone.WithLabelValues(strategy).Inc()
	m.LayerDuration.WithLabelValues(strategy).Observe(seconds)
	m.WeightsPruned.WithLabelValues(strategy).Add(float64(pruned))
	m.LayerSparsity.WithLabelValues(strconv.Itoa(layer)).Set(sparsity)
}

// AdaptiveSearch records the bisection steps of one adaptive mask.
func (m *Metrics) AdaptiveSearch(iterations int) {
	if m == nil {
		return
	}
	m.AdaptiveIterations.Observe(float64(iterations))
}

// NumericalFailure counts one aborted reconstruction.
func (m *Metrics) NumericalFailure() {
	if m == nil {
		return
	}
	m.NumericalFailures.Inc()
}

// GradientSample counts one accumulated gradient sample.
func (m *Metrics) GradientSample() {
	if m == nil {
		return
	}
	m.GradientSamples.Inc()
}

// Calibration records the calibration set size.
func (m *Metrics) Calibration(samples int) {
	if m == nil {
		return
	}
	m.CalibrationSamples.Set(float64(samples))
}
