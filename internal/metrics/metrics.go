// Package metrics collects Prometheus metrics of reduction runs. Batch runs
// are short-lived, so the metrics are exported as a node-exporter text file
// instead of being scraped.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ridsans"

// Recorder holds the metrics of one process. All methods are safe on a nil
// Recorder, which records nothing.
type Recorder struct {
	registry *prometheus.Registry

	filesParsed          *prometheus.CounterVec
	parseFailures        *prometheus.CounterVec
	parseDuration        prometheus.Histogram
	diagnostics          *prometheus.CounterVec
	reductions           *prometheus.CounterVec
	reductionFailures    prometheus.Counter
	transmissionWarnings prometheus.Counter
	cacheLookups         *prometheus.CounterVec
	lastTransmission     *prometheus.GaugeVec
}

// New creates a recorder with its own registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,

		// filesParsed counts parsed measurement files.
		// Labels: kind (sample_scatter, sample_transmission, can_scatter, ...)
		filesParsed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "parser",
			Name:      "files_total",
			Help:      "Measurement files parsed successfully",
		}, []string{"kind"}),

		// parseFailures counts files that could not be parsed.
		// Labels: kind
		parseFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "parser",
			Name:      "failures_total",
			Help:      "Measurement files that failed to parse",
		}, []string{"kind"}),

		parseDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "parser",
			Name:      "duration_seconds",
			Help:      "Time to parse one measurement file",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),

		// diagnostics counts non-fatal parser findings.
		// Labels: kind
		diagnostics: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "parser",
			Name:      "diagnostics_total",
			Help:      "Non-fatal findings while parsing",
		}, []string{"kind"}),

		// reductions counts combined measurements.
		// Labels: branch (no-can, can, can-transmission)
		reductions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reduction",
			Name:      "total",
			Help:      "Reduced measurements by correction branch",
		}, []string{"branch"}),

		reductionFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reduction",
			Name:      "failures_total",
			Help:      "Reductions that failed",
		}),

		transmissionWarnings: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reduction",
			Name:      "transmission_warnings_total",
			Help:      "Implausible transmission factors",
		}),

		// cacheLookups counts result store lookups.
		// Labels: result (hit, miss, bypass)
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "lookups_total",
			Help:      "Result store lookups",
		}, []string{"result"}),

		// lastTransmission is the latest transmission factor per sample.
		// Labels: sample, factor (T_sample, T_can)
		lastTransmission: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reduction",
			Name:      "transmission",
			Help:      "Transmission factors of the latest reduction per sample",
		}, []string{"sample", "factor"}),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// FileParsed records the outcome of one parse.
func (r *Recorder) FileParsed(kind string, elapsed time.Duration, diagnostics int, err error) {
	if r == nil {
		return
	}
	r.parseDuration.Observe(elapsed.Seconds())
	if err != nil {
		r.parseFailures.WithLabelValues(kind).Inc()
		return
	}
	r.filesParsed.WithLabelValues(kind).Inc()
	r.diagnostics.WithLabelValues(kind).Add(float64(diagnostics))
}

// Reduced records a successful reduction.
func (r *Recorder) Reduced(sample, branch string, tSample, tCan float64, warnings int) {
	if r == nil {
		return
	}
	r.reductions.WithLabelValues(branch).Inc()
	r.transmissionWarnings.Add(float64(warnings))
	r.lastTransmission.WithLabelValues(sample, "T_sample").Set(tSample)
	r.lastTransmission.WithLabelValues(sample, "T_can").Set(tCan)
}

// ReductionFailed records a failed reduction.
func (r *Recorder) ReductionFailed() {
	if r == nil {
		return
	}
	r.reductionFailures.Inc()
}

// CacheLookup records a result store lookup: "hit", "miss" or "bypass".
func (r *Recorder) CacheLookup(result string) {
	if r == nil {
		return
	}
	r.cacheLookups.WithLabelValues(result).Inc()
}

// WriteTextfile writes all metrics in the text exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics file: %w", err)
	}
	return nil
}
