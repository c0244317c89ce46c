// Package metrics provides Prometheus collectors for the detection pipeline.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/tphakala/detectpipe/internal/errors"
)

// Run status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Stage names used as label values.
const (
	StageLoad     = "load"
	StageInfer    = "infer"
	StageAnnotate = "annotate"
	StageSave     = "save"
	StageCollect  = "collect"
)

// PipelineMetrics contains Prometheus metrics for pipeline runs. A nil
// *PipelineMetrics is valid and records nothing.
type PipelineMetrics struct {
	RunsTotal         *prometheus.CounterVec
	RunDuration       *prometheus.HistogramVec
	ImagesTotal       *prometheus.CounterVec
	DetectionsTotal   *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	BackendCalls      *prometheus.CounterVec
	BackendErrors     *prometheus.CounterVec
	BatchFallbacks    *prometheus.CounterVec
	ReorderHighWater  prometheus.Gauge
	ActiveRunsGauge   prometheus.Gauge
	InputBytesGauge   prometheus.Gauge
}

// NewPipelineMetrics creates pipeline metrics and registers them.
func NewPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
	}
	return m, nil
}

func (m *PipelineMetrics) initMetrics() {
	m.RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detectpipe_runs_total",
			Help: "Total number of pipeline runs",
		},
		[]string{"mode", "status"},
	)
	m.RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "detectpipe_run_duration_seconds",
			Help:    "Wall time of pipeline runs",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"mode"},
	)
	m.ImagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detectpipe_images_total",
			Help: "Total number of images processed",
		},
		[]string{"mode"},
	)
	m.DetectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detectpipe_detections_total",
			Help: "Total number of detections partitioned by label",
		},
		[]string{"label"},
	)
	m.StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "detectpipe_stage_duration_seconds",
			Help:    "Time spent per unit of work in each stage",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 0.1ms to ~3s
		},
		[]string{"stage"},
	)
	m.BackendCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detectpipe_backend_calls_total",
			Help: "Backend invocations partitioned by call kind (single or batch)",
		},
		[]string{"backend", "kind"},
	)
	m.BackendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detectpipe_backend_errors_total",
			Help: "Backend failures partitioned by error category",
		},
		[]string{"backend", "category"},
	)
	m.BatchFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detectpipe_batch_fallbacks_total",
			Help: "Runs that fell back to per-image inference",
		},
		[]string{"backend"},
	)
	m.ReorderHighWater = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "detectpipe_reorder_buffer_high_water",
			Help: "Largest number of out-of-order results buffered in the last run",
		},
	)
	m.ActiveRunsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "detectpipe_active_runs",
			Help: "Number of pipeline runs in progress",
		},
	)
	m.InputBytesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "detectpipe_input_bytes",
			Help: "Pixel bytes handed to the last run",
		},
	)
}

// RunStarted marks a run as active.
func (m *PipelineMetrics) RunStarted(inputBytes int64) {
	if m == nil {
		return
	}
	m.ActiveRunsGauge.Inc()
	m.InputBytesGauge.Set(float64(inputBytes))
}

// RunFinished records a completed or failed run.
func (m *PipelineMetrics) RunFinished(mode string, images int, seconds float64, highWater int, err error) {
	if m == nil {
		return
	}
	m.ActiveRunsGauge.Dec()
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.RunsTotal.WithLabelValues(mode, status).Inc()
	if err == nil {
		m.RunDuration.WithLabelValues(mode).Observe(seconds)
		m.ImagesTotal.WithLabelValues(mode).Add(float64(images))
		m.ReorderHighWater.Set(float64(highWater))
	}
}

// RecordStage observes the duration of one unit of work in a stage.
func (m *PipelineMetrics) RecordStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
}

// RecordBackendCall counts a backend invocation and, on failure, its error
// category.
func (m *PipelineMetrics) RecordBackendCall(backend string, batch bool, err error) {
	if m == nil {
		return
	}
	kind := "single"
	if batch {
		kind = "batch"
	}
	m.BackendCalls.WithLabelValues(backend, kind).Inc()
	if err != nil {
		m.BackendErrors.WithLabelValues(backend, categorizeError(err)).Inc()
	}
}

// RecordBatchFallback counts a switch to per-image inference.
func (m *PipelineMetrics) RecordBatchFallback(backend string) {
	if m == nil {
		return
	}
	m.BatchFallbacks.WithLabelValues(backend).Inc()
}

// RecordDetection counts one detection by label.
func (m *PipelineMetrics) RecordDetection(label string) {
	if m == nil {
		return
	}
	if label == "" {
		label = "unlabeled"
	}
	m.DetectionsTotal.WithLabelValues(label).Inc()
}

// GaugeValue reads the current value of a gauge.
func GaugeValue(g prometheus.Gauge) float64 {
	var out dto.Metric
	if err := g.Write(&out); err != nil || out.Gauge == nil {
		return 0
	}
	return out.Gauge.GetValue()
}

// CounterValue reads the current value of one counter of a vector.
func CounterValue(c *prometheus.CounterVec, labels ...string) float64 {
	counter, err := c.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	var out dto.Metric
	if err := counter.Write(&out); err != nil || out.Counter == nil {
		return 0
	}
	return out.Counter.GetValue()
}

// categorizeError returns the error category label for err.
func categorizeError(err error) string {
	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		return ee.GetCategory()
	}
	return "unknown"
}

// Describe implements the prometheus.Collector interface.
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.RunsTotal.Describe(ch)
	m.RunDuration.Describe(ch)
	m.ImagesTotal.Describe(ch)
	m.DetectionsTotal.Describe(ch)
	m.StageDuration.Describe(ch)
	m.BackendCalls.Describe(ch)
	m.BackendErrors.Describe(ch)
	m.BatchFallbacks.Describe(ch)
	ch <- m.ReorderHighWater.Desc()
	ch <- m.ActiveRunsGauge.Desc()
	ch <- m.InputBytesGauge.Desc()
}

// Collect implements the prometheus.Collector interface.
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	m.RunsTotal.Collect(ch)
	m.RunDuration.Collect(ch)
	m.ImagesTotal.Collect(ch)
	m.DetectionsTotal.Collect(ch)
	m.StageDuration.Collect(ch)
	m.BackendCalls.Collect(ch)
	m.BackendErrors.Collect(ch)
	m.BatchFallbacks.Collect(ch)
	ch <- m.ReorderHighWater
	ch <- m.ActiveRunsGauge
	ch <- m.InputBytesGauge
}
