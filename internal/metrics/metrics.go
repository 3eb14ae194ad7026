// Package metrics exposes Prometheus collectors for the estimation pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors used across packages.
type Metrics struct {
	predictions  *prometheus.CounterVec
	confidence   prometheus.Histogram
	attempts     prometheus.Histogram
	inference    *prometheus.HistogramVec
	modelHealthy *prometheus.GaugeVec
	imageErrors  *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		predictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrap_weight_predictions_total",
				Help: "Completed weight predictions by method",
			},
			[]string{"method"},
		),
		confidence: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scrap_weight_prediction_confidence",
				Help:    "Confidence score of returned predictions",
				Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
			},
		),
		attempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scrap_weight_fallback_attempts",
				Help:    "Attempts used by the fallback controller per prediction",
				Buckets: []float64{1, 2, 3, 4, 5},
			},
		),
		inference: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrap_weight_model_inference_seconds",
				Help:    "Time spent in model inference",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind", "status"},
		),
		modelHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scrap_weight_model_healthy",
				Help: "1 if the model kind is currently healthy",
			},
			[]string{"kind"},
		),
		imageErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrap_weight_image_errors_total",
				Help: "Requests rejected during image preprocessing",
			},
			[]string{"reason"},
		),
		gatherer: reg,
	}
	reg.MustRegister(m.predictions, m.confidence, m.attempts, m.inference, m.modelHealthy, m.imageErrors)
	return m
}

// ObserveInference records one model call.
func (m *Metrics) ObserveInference(kind string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.inference.WithLabelValues(kind, status).Observe(d.Seconds())
}

// ObservePrediction records a completed prediction.
func (m *Metrics) ObservePrediction(method string, confidence float64, attempts int) {
	if m == nil {
		return
	}
	m.predictions.WithLabelValues(method).Inc()
	m.confidence.Observe(confidence)
	m.attempts.Observe(float64(attempts))
}

// SetModelHealthy updates the health gauge for kind.
func (m *Metrics) SetModelHealthy(kind string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.modelHealthy.WithLabelValues(kind).Set(v)
}

// ImageError counts a preprocessing rejection.
func (m *Metrics) ImageError(reason string) {
	if m == nil {
		return
	}
	m.imageErrors.WithLabelValues(reason).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
