package metrics

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Collector captures metrics for E2E runs.
type Collector struct {
	registry         *prometheus.Registry
	scenariosTotal   *prometheus.CounterVec
	stepsTotal       *prometheus.CounterVec
	failuresTotal    *prometheus.CounterVec
	scenarioDuration *prometheus.HistogramVec
	stepDuration     *prometheus.HistogramVec
	passRate         *prometheus.GaugeVec
	runInfo          *prometheus.GaugeVec
}

// NewCollector initializes a new metrics registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	collector := &Collector{
		registry: registry,
		scenariosTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "e2e_scenarios_total", Help: "Total number of scenarios"},
			[]string{"suite", "status"},
		),
		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "e2e_steps_total", Help: "Total number of steps"},
			[]string{"action", "status"},
		),
		failuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "e2e_step_failures_total", Help: "Failed steps by failure kind"},
			[]string{"action", "kind"},
		),
		scenarioDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "e2e_scenario_duration_seconds",
				Help:    "Scenario duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"suite", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "e2e_step_duration_seconds",
				Help:    "Step duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"action", "status"},
		),
		passRate: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "e2e_pass_rate_percent", Help: "Percentage of scenarios that passed"},
			[]string{"suite"},
		),
		runInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "e2e_run_info",
				Help: "E2E run metadata for traceability",
			},
			[]string{"run_id", "suite", "base_url", "api_url", "browser"},
		),
	}

	registry.MustRegister(collector.scenariosTotal, collector.stepsTotal, collector.failuresTotal,
		collector.scenarioDuration, collector.stepDuration, collector.passRate, collector.runInfo)
	return collector
}

// ObserveScenario records a scenario outcome.
func (c *Collector) ObserveScenario(suite, status string, duration time.Duration) {
	c.scenariosTotal.WithLabelValues(suite, status).Inc()
	c.scenarioDuration.WithLabelValues(suite, status).Observe(duration.Seconds())
}

// ObserveStep records a step outcome. kind is empty for passing steps.
func (c *Collector) ObserveStep(action, status, kind string, duration time.Duration) {
	c.stepsTotal.WithLabelValues(action, status).Inc()
	c.stepDuration.WithLabelValues(action, status).Observe(duration.Seconds())
	if kind != "" {
		c.failuresTotal.WithLabelValues(action, kind).Inc()
	}
}

// ObservePassRate records the final pass rate of a suite.
func (c *Collector) ObservePassRate(suite string, rate float64) {
	c.passRate.WithLabelValues(suite).Set(rate)
}

// ObserveRunInfo records metadata for a run.
func (c *Collector) ObserveRunInfo(info RunInfo) {
	c.runInfo.WithLabelValues(info.RunID, info.Suite, info.BaseURL, info.APIURL, info.Browser).Set(1)
}

// RunInfo is a structured view of run metadata for metrics.
type RunInfo struct {
	RunID   string
	Suite   string
	BaseURL string
	APIURL  string
	Browser string
}

// Registry exposes the underlying registry for tests and scrapers.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Write writes all metrics to a Prometheus text file.
func (c *Collector) Write(path string) error {
	metricFamilies, err := c.registry.Gather()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range metricFamilies {
		if err := enc.Encode(family); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
