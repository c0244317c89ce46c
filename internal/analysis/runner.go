// Package analysis connects settings to the pipeline. It resolves backend
// and annotation configuration, keeps loaded models in a shared registry and
// runs image sets for the CLI, the HTTP API and the C library. Backends are
// registered by importing their packages from main.
package analysis

import (
	"context"

	"github.com/tphakala/detectpipe/internal/annotate"
	"github.com/tphakala/detectpipe/internal/backend"
	"github.com/tphakala/detectpipe/internal/conf"
	"github.com/tphakala/detectpipe/internal/cpuspec"
	"github.com/tphakala/detectpipe/internal/detection"
	"github.com/tphakala/detectpipe/internal/logger"
	"github.com/tphakala/detectpipe/internal/observability/metrics"
	"github.com/tphakala/detectpipe/internal/pipeline"
	"github.com/tphakala/detectpipe/internal/sink"
)

// BackendConfig maps the [predict] section onto a backend configuration.
// The "auto" device is resolved against the host CPU, and an unset thread
// count is split across concurrent infer workers.
func BackendConfig(p *conf.PredictSettings) backend.Config {
	spec := cpuspec.GetCPUSpec()

	workers := 1
	if mode, err := pipeline.ParseMode(p.InferFn); err == nil && mode.Pipelined() {
		workers = max(1, p.InferWorkers)
	}
	threads := p.Threads
	if threads <= 0 && workers > 1 {
		threads = spec.ThreadsFor(0, workers)
	}

	return backend.Config{
		Backend: p.Backend,
		Model:   p.Model,
		Labels:  p.Labels,
		Device:  spec.ResolveDevice(p.Device),
		Threads: threads,
		Conf:    float32(p.Conf),
		IoU:     float32(p.IoU),
		MaxDet:  p.MaxDet,
		ImgSz:   p.ImgSz,
	}
}

// AnnotateConfig maps the [annotate] section onto an annotator configuration.
func AnnotateConfig(a *conf.AnnotateSettings) annotate.Config {
	return annotate.Config{
		OnBlank:   a.OnBlank,
		ShowBox:   a.ShowBox,
		ShowLabel: a.ShowLabel,
		ShowConf:  a.ShowConf,
	}
}

// Runner runs image sets with models loaded through a registry.
type Runner struct {
	registry     *backend.Registry
	ownsRegistry bool
	metrics      *metrics.PipelineMetrics
}

// Option configures a Runner.
type Option func(*Runner)

// WithRegistry shares a model registry between runners.
func WithRegistry(r *backend.Registry) Option {
	return func(rn *Runner) {
		rn.registry = r
	}
}

// WithMetrics records pipeline metrics.
func WithMetrics(m *metrics.PipelineMetrics) Option {
	return func(rn *Runner) {
		rn.metrics = m
	}
}

// NewRunner creates a runner. Without WithRegistry it owns a registry that
// keeps idle models for backend.DefaultIdleTTL.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{}
	for _, opt := range opts {
		opt(r)
	}
	if r.registry == nil {
		r.registry = backend.NewRegistry(backend.DefaultIdleTTL)
		r.ownsRegistry = true
	}
	return r
}

// Run executes one pipeline run over in. Options are validated before the
// model is loaded, and both happen before any image is moved in, so a
// misconfigured run leaves in untouched. snk may be nil.
func (r *Runner) Run(ctx context.Context, s *conf.Settings, in *pipeline.Input, snk sink.Sink) ([]*detection.Result, error) {
	opts, err := pipeline.OptionsFromSettings(&s.Predict)
	if err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	b, release, err := r.registry.Acquire(BackendConfig(&s.Predict))
	if err != nil {
		return nil, err
	}
	defer release()

	deps := pipeline.Deps{
		Backend: b,
		Sink:    snk,
		Metrics: r.metrics,
		Model:   s.Predict.Model,
	}
	if opts.Annotate {
		deps.Annotator = annotate.New(AnnotateConfig(&s.Annotate))
	}
	return pipeline.Run(ctx, in, opts, deps)
}

// Close unloads every model of an owned registry.
func (r *Runner) Close() {
	if r.ownsRegistry {
		GetLogger().Debug("closing runner", logger.Int("models", r.registry.Len()))
		r.registry.Close()
	}
}
