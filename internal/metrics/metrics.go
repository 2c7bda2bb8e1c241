// Package metrics exposes run counters for the coordinator and the
// Prometheus reporter.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for section counters.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeGated   = "gated"
	OutcomeSkipped = "skipped"
	// OutcomeInterrupted marks the section running when the run was cancelled.
	OutcomeInterrupted = "interrupted"
)

// Metrics groups the collectors of one run. All methods are safe on a nil
// receiver.
type Metrics struct {
	registry *prometheus.Registry

	Sections         *prometheus.CounterVec
	SectionDuration  *prometheus.HistogramVec
	Tests            *prometheus.CounterVec
	Passes           prometheus.Counter
	HarasserFailures prometheus.Counter
	ModuleErrors     prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Sections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mtt_sections_total",
				Help: "Sections processed, by stage category and outcome",
			},
			[]string{"category", "outcome"},
		),
		SectionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mtt_section_duration_seconds",
				Help:    "Duration of section executions",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"category"},
		),
		Tests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mtt_tests_total",
				Help: "Individual tests run by TestRun sections, by section and outcome",
			},
			[]string{"section", "outcome"},
		),
		Passes: factory.NewCounter(prometheus.CounterOpts{
			Name: "mtt_passes_total",
			Help: "Completed passes over the stage order",
		}),
		HarasserFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "mtt_harasser_failures_total",
			Help: "Harassers that exited before being stopped",
		}),
		ModuleErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "mtt_module_errors_total",
			Help: "Failed environment module operations",
		}),
	}
}

// Registry returns the gatherer holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveSection counts one section and, when it ran, its duration.
func (m *Metrics) ObserveSection(category, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Sections.WithLabelValues(category, outcome).Inc()
	if outcome == OutcomeSuccess || outcome == OutcomeFailure {
		m.SectionDuration.WithLabelValues(category).Observe(elapsed.Seconds())
	}
}

// ObserveTest counts one test executable.
func (m *Metrics) ObserveTest(section, outcome string) {
	if m == nil {
		return
	}
	m.Tests.WithLabelValues(section, outcome).Inc()
}

// PassDone counts a finished pass.
func (m *Metrics) PassDone() {
	if m == nil {
		return
	}
	m.Passes.Inc()
}

// HarasserFailed counts harassers found dead.
func (m *Metrics) HarasserFailed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.HarasserFailures.Add(float64(n))
}

// ModuleFailed counts module operation errors.
func (m *Metrics) ModuleFailed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ModuleErrors.Add(float64(n))
}

// WriteTextfile writes the current values in the node-exporter textfile
// format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry())
}

// Outcome maps a record status to its counter label.
func Outcome(status int) string {
	if status == 0 {
		return OutcomeSuccess
	}
	return OutcomeFailure
}
