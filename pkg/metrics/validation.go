package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ValidationMetrics tracks license validation traffic by outcome.
type ValidationMetrics struct {
	outcomes *prometheus.CounterVec
	duration *prometheus.HistogramVec
	bindings *prometheus.CounterVec
}

// NewValidationMetrics registers the validation metrics on the provided
// registerer.
func NewValidationMetrics(reg prometheus.Registerer) *ValidationMetrics {
	if reg == nil {
		return &ValidationMetrics{}
	}
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "license_validation_total",
		Help: "License validation requests by outcome.",
	}, []string{"outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "license_validation_duration_seconds",
		Help:    "Duration of license validation requests in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})
	bindings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "machine_binding_total",
		Help: "Machine binding events by kind.",
	}, []string{"kind"})
	reg.MustRegister(outcomes, duration, bindings)
	return &ValidationMetrics{
		outcomes: outcomes,
		duration: duration,
		bindings: bindings,
	}
}

// ObserveValidation records one validation request and its latency. The
// outcome label is "valid" for accepted requests and the rejection reason
// otherwise.
func (v *ValidationMetrics) ObserveValidation(outcome string, duration time.Duration) {
	if v == nil || v.outcomes == nil {
		return
	}
	label := normalizeLabel(outcome)
	v.outcomes.WithLabelValues(label).Inc()
	v.duration.WithLabelValues(label).Observe(duration.Seconds())
}

// IncBinding counts a machine binding event. Kind is "new" for a freshly
// bound machine and "repeat" for an idempotent re-validation.
func (v *ValidationMetrics) IncBinding(kind string) {
	if v == nil || v.bindings == nil {
		return
	}
	v.bindings.WithLabelValues(normalizeLabel(kind)).Inc()
}
