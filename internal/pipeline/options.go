package pipeline

import (
	"fmt"
	"time"

	"github.com/tphakala/detectpipe/internal/annotate"
	"github.com/tphakala/detectpipe/internal/backend"
	"github.com/tphakala/detectpipe/internal/conf"
	"github.com/tphakala/detectpipe/internal/errors"
	"github.com/tphakala/detectpipe/internal/observability/metrics"
	"github.com/tphakala/detectpipe/internal/sink"
)

var (
	// ErrInvalidBatchSize is returned for a non-positive batch size.
	ErrInvalidBatchSize = errors.NewStd("batch size must be positive")
	// ErrInvalidChannelCapacity is returned for a non-positive channel capacity.
	ErrInvalidChannelCapacity = errors.NewStd("channel capacity must be positive")
	// ErrInvalidInferWorkers is returned for a non-positive infer worker count.
	ErrInvalidInferWorkers = errors.NewStd("infer workers must be positive")
	// ErrUnknownMode is returned for an unrecognized strategy name.
	ErrUnknownMode = errors.NewStd("unknown execution strategy")
	// ErrNoBackend is returned when Deps carries no backend.
	ErrNoBackend = errors.NewStd("no backend configured")
	// ErrNoAnnotator is returned when annotation is enabled without an annotator.
	ErrNoAnnotator = errors.NewStd("annotation enabled without an annotator")
	// ErrNameCount is returned when Input.Names does not match Input.Images.
	ErrNameCount = errors.NewStd("number of names does not match number of images")
)

// Defaults for Options.
const (
	DefaultBatchSize        = 4
	DefaultChannelCapacity  = 8
	DefaultInferWorkers     = 1
	DefaultProgressInterval = time.Second
)

// Options configures a run.
type Options struct {
	Mode            Mode
	BatchSize       int // images per backend call in batched modes
	ChannelCapacity int // buffer of every stage channel in pipelined modes
	InferWorkers    int // concurrent infer goroutines in pipelined modes
	Annotate        bool
	ReturnResult    bool // keep results; false streams them to the sink and drops them
	Verbose         bool // per-stage debug logging

	// ProgressInterval throttles progress logs. Zero uses the default.
	ProgressInterval time.Duration
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Mode:             DefaultMode,
		BatchSize:        DefaultBatchSize,
		ChannelCapacity:  DefaultChannelCapacity,
		InferWorkers:     DefaultInferWorkers,
		ReturnResult:     true,
		ProgressInterval: DefaultProgressInterval,
	}
}

// OptionsFromSettings maps the [predict] section onto Options. Values are
// validated by New, not here, so that misconfiguration surfaces as the
// pipeline's own sentinel errors.
func OptionsFromSettings(s *conf.PredictSettings) (Options, error) {
	opts := DefaultOptions()
	if s.InferFn != "" {
		mode, err := ParseMode(s.InferFn)
		if err != nil {
			return Options{}, err
		}
		opts.Mode = mode
	}
	opts.BatchSize = s.Batch
	opts.ChannelCapacity = s.ChannelCapacity
	opts.InferWorkers = s.InferWorkers
	opts.Annotate = s.Annotate
	opts.ReturnResult = s.ReturnResult
	opts.Verbose = s.Verbose
	return opts, nil
}

// Validate checks the options without touching any input.
func (o Options) Validate() error {
	var err error
	switch {
	case o.Mode != Sequential && o.Mode != BatchSequential && o.Mode != ChannelPipeline && o.Mode != BatchChannelPipeline:
		err = fmt.Errorf("%w: %q", ErrUnknownMode, string(o.Mode))
	case o.BatchSize <= 0:
		err = fmt.Errorf("%w: %d", ErrInvalidBatchSize, o.BatchSize)
	case o.Mode.Pipelined() && o.ChannelCapacity <= 0:
		err = fmt.Errorf("%w: %d", ErrInvalidChannelCapacity, o.ChannelCapacity)
	case o.Mode.Pipelined() && o.InferWorkers <= 0:
		err = fmt.Errorf("%w: %d", ErrInvalidInferWorkers, o.InferWorkers)
	}
	if err != nil {
		return errors.New(err).
			Component("pipeline").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return nil
}

// effectiveBatch is the number of images per backend call for the mode.
func (o Options) effectiveBatch() int {
	if o.Mode.Batched() {
		return o.BatchSize
	}
	return 1
}

// Deps are the collaborators of a run.
type Deps struct {
	Backend   backend.Backend
	Annotator annotate.Annotator // required when Options.Annotate is set
	Sink      sink.Sink          // optional
	Metrics   *metrics.PipelineMetrics

	// Model is reported to sinks and logs only.
	Model string
}

func (d Deps) validate(opts Options) error {
	var err error
	switch {
	case d.Backend == nil:
		err = ErrNoBackend
	case opts.Annotate && d.Annotator == nil:
		err = ErrNoAnnotator
	}
	if err != nil {
		return errors.New(err).
			Component("pipeline").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return nil
}
