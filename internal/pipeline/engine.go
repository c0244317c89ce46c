// Package pipeline runs a detection backend over an ordered set of images
// using one of four execution strategies and returns one result per image
// in input order.
package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/detectpipe/internal/backend"
	"github.com/tphakala/detectpipe/internal/detection"
	"github.com/tphakala/detectpipe/internal/errors"
	"github.com/tphakala/detectpipe/internal/imagebuf"
	"github.com/tphakala/detectpipe/internal/logger"
	"github.com/tphakala/detectpipe/internal/observability/metrics"
	"github.com/tphakala/detectpipe/internal/sink"
)

// Input is the ordered set of images for one run. The run takes ownership
// of every image: slots of Images are set to nil as they are moved in. Nil
// entries are treated as the empty image. Names is optional; when set it
// must have one entry per image, and blank entries fall back to frame_<idx>.
type Input struct {
	Images []*imagebuf.Image
	Names  []string
}

// Strategy executes runs. A strategy is selected once by New and may be
// reused for several sequential or concurrent runs.
type Strategy interface {
	Name() Mode
	Run(ctx context.Context, in *Input) ([]*detection.Result, error)
}

// New validates opts and deps and returns the strategy for opts.Mode.
func New(opts Options, deps Deps) (Strategy, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(opts); err != nil {
		return nil, err
	}

	e := &engine{opts: opts, deps: deps, backend: deps.Backend}
	if !backend.IsConcurrencySafe(deps.Backend) {
		// concurrent runs on one strategy share this wrapper
		GetLogger().Debug("serializing backend calls",
			logger.String("backend", deps.Backend.Name()),
			logger.Int("infer_workers", opts.InferWorkers))
		e.backend = backend.Serialize(deps.Backend)
	}

	switch opts.Mode {
	case Sequential:
		return &sequential{e}, nil
	case BatchSequential:
		return &batchSequential{e}, nil
	case ChannelPipeline:
		return &channelPipeline{e}, nil
	default:
		return &batchChannelPipeline{e}, nil
	}
}

// Run builds the strategy for opts and executes one run.
func Run(ctx context.Context, in *Input, opts Options, deps Deps) ([]*detection.Result, error) {
	s, err := New(opts, deps)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, in)
}

// engine holds what every strategy shares.
type engine struct {
	opts    Options
	deps    Deps
	backend backend.Backend
}

// driver executes the batches of one run.
type driver func(ctx context.Context, r *run, batches []Batch) error

// execute moves the input in, runs drive and collects the results. On any
// error every buffer of the run is released and no results are returned.
func (e *engine) execute(ctx context.Context, in *Input, drive driver) ([]*detection.Result, error) {
	if in == nil {
		in = &Input{}
	}
	if len(in.Names) != 0 && len(in.Names) != len(in.Images) {
		return nil, errors.New(fmt.Errorf("%w: %d names for %d images", ErrNameCount, len(in.Names), len(in.Images))).
			Component("pipeline").
			Category(errors.CategoryValidation).
			Build()
	}

	images := moveIn(in)
	r := e.newRun(images, in.Names)
	r.log.Info("prediction started",
		logger.String("mode", e.opts.Mode.String()),
		logger.String("backend", e.backend.Name()),
		logger.Int("images", len(images)),
		logger.Int("batch_size", e.opts.effectiveBatch()))

	input := inputBytes(images)
	checkMemory(estimateResident(input, e.opts), r.log)
	e.deps.Metrics.RunStarted(input)

	batches := Assemble(images, e.opts.effectiveBatch())
	clear(images)

	err := r.startSink(ctx)
	if err == nil {
		err = drive(ctx, r, batches)
	}
	var results []*detection.Result
	if err == nil {
		results, err = r.col.results()
	}
	if err != nil {
		err = classify(ctx, err)
		r.col.discard()
		releaseBatches(batches)
		results = nil
	}

	elapsed := time.Since(r.started)
	if finishErr := r.finishSink(ctx, elapsed, err); finishErr != nil && err == nil {
		err = finishErr
		for _, res := range results {
			res.Release()
		}
		results = nil
	}
	e.deps.Metrics.RunFinished(e.opts.Mode.String(), r.col.received(), elapsed.Seconds(), r.col.highWater, err)

	if err != nil {
		r.log.Error("prediction failed",
			logger.Error(err),
			logger.Int("completed", r.col.received()),
			logger.Duration("elapsed", elapsed))
		return nil, err
	}
	r.log.Info("prediction finished",
		logger.Int("images", r.col.received()),
		logger.Int("reorder_high_water", r.col.highWater),
		logger.Duration("total_time", elapsed))
	return results, nil
}

// moveIn takes ownership of the input images and clears the caller's slots.
func moveIn(in *Input) []*imagebuf.Image {
	images := make([]*imagebuf.Image, len(in.Images))
	for i, img := range in.Images {
		if img == nil {
			img = imagebuf.Empty()
		}
		images[i] = img
		in.Images[i] = nil
	}
	return images
}

func releaseBatches(batches []Batch) {
	for _, b := range batches {
		for _, img := range b.Images {
			img.Release()
		}
	}
}

// classify tags cancellation errors that did not come out of a stage with
// a category of their own.
func classify(ctx context.Context, err error) error {
	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		return err
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errors.New(err).
			Component("pipeline").
			Category(errors.CategoryCancel).
			Build()
	}
	return errors.New(err).
		Component("pipeline").
		Category(errors.CategoryPipeline).
		Build()
}

// run is the state of one execution.
type run struct {
	*engine
	id       string
	names    []string
	started  time.Time
	log      logger.Logger
	col      *collector
	progress *progress

	// batchOff is set once the backend reports ErrBatchUnsupported.
	batchOff atomic.Bool
}

func (e *engine) newRun(images []*imagebuf.Image, names []string) *run {
	id := uuid.NewString()
	log := GetLogger().With(logger.String("run_id", id))
	return &run{
		engine:   e,
		id:       id,
		names:    names,
		started:  time.Now(),
		log:      log,
		col:      newCollector(len(images), e.opts.ReturnResult),
		progress: newProgress(len(images), e.opts.ProgressInterval, log),
	}
}

func (r *run) name(index int) string {
	if index < len(r.names) {
		return r.names[index]
	}
	return ""
}

func (r *run) startSink(ctx context.Context) error {
	if r.deps.Sink == nil {
		return nil
	}
	return r.deps.Sink.Start(ctx, sink.RunInfo{
		ID:      r.id,
		Mode:    r.opts.Mode.String(),
		Backend: r.backend.Name(),
		Model:   r.deps.Model,
		Total:   r.col.n,
		Started: r.started,
	})
}

func (r *run) finishSink(ctx context.Context, elapsed time.Duration, runErr error) error {
	if r.deps.Sink == nil {
		return nil
	}
	return r.deps.Sink.Finish(context.WithoutCancel(ctx), sink.Summary{
		RunID:     r.id,
		Processed: r.col.received(),
		Elapsed:   elapsed,
		Err:       runErr,
	})
}

// infer runs the backend over one batch. Batched modes call PredictBatch
// until the backend reports ErrBatchUnsupported, then switch to one Predict
// per image for the rest of the run.
func (r *run) infer(ctx context.Context, b Batch) ([][]detection.Detection, error) {
	start := time.Now()
	name := r.backend.Name()

	var out [][]detection.Detection
	var err error
	if r.opts.Mode.Batched() && !r.batchOff.Load() {
		out, err = r.backend.PredictBatch(ctx, b.Images)
		if errors.Is(err, backend.ErrBatchUnsupported) {
			if r.batchOff.CompareAndSwap(false, true) {
				r.log.Warn("backend does not support batch inference, falling back to per-image calls",
					logger.String("backend", name))
				r.deps.Metrics.RecordBatchFallback(name)
			}
			out, err = r.predictEach(ctx, b)
		} else {
			r.deps.Metrics.RecordBackendCall(name, true, err)
		}
	} else {
		out, err = r.predictEach(ctx, b)
	}
	if err == nil {
		out, err = backend.CheckBatch(out, b.Len())
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.New(ctxErr).
				Component("pipeline").
				Category(errors.CategoryCancel).
				BatchContext(b.Seq, b.Len()).
				Build()
		}
		return nil, errors.New(err).
			Component("pipeline").
			Category(errors.CategoryInference).
			BatchContext(b.Seq, b.Len()).
			Context("backend", name).
			Context("first_index", b.Indices[0]).
			Build()
	}

	d := time.Since(start)
	r.deps.Metrics.RecordStage(metrics.StageInfer, d.Seconds())
	if r.opts.Verbose {
		r.log.Debug("infer stage done",
			logger.Int("batch_seq", b.Seq),
			logger.Int("batch_len", b.Len()),
			logger.Duration("duration", d))
	}
	return out, nil
}

func (r *run) predictEach(ctx context.Context, b Batch) ([][]detection.Detection, error) {
	out := make([][]detection.Detection, 0, b.Len())
	for _, img := range b.Images {
		dets, err := r.backend.Predict(ctx, img)
		r.deps.Metrics.RecordBackendCall(r.backend.Name(), false, err)
		if err != nil {
			return nil, err
		}
		out = append(out, dets)
	}
	return out, nil
}

// annotate builds the result for one image and attaches the annotated image
// when annotation is enabled. The source image is released afterwards.
func (r *run) annotate(index int, img *imagebuf.Image, dets []detection.Detection) (*detection.Result, error) {
	defer img.Release()

	res := detection.NewResult(index, r.name(index), dets)
	for _, d := range res.Detections {
		r.deps.Metrics.RecordDetection(d.Label)
	}
	if !r.opts.Annotate {
		return res, nil
	}

	start := time.Now()
	annotated, err := r.deps.Annotator.Annotate(img, res.Detections)
	if err == nil {
		err = res.SetAnnotated(annotated)
	}
	if err != nil {
		res.Release()
		return nil, errors.New(err).
			Component("pipeline").
			Category(errors.CategoryAnnotation).
			Context("index", index).
			Build()
	}

	d := time.Since(start)
	r.deps.Metrics.RecordStage(metrics.StageAnnotate, d.Seconds())
	if r.opts.Verbose {
		r.log.Debug("annotate stage done",
			logger.Int("index", index),
			logger.Duration("duration", d))
	}
	return res, nil
}

// save hands the result to the sink. The annotated image is lent, not moved.
func (r *run) save(ctx context.Context, res *detection.Result) error {
	if r.deps.Sink == nil {
		return nil
	}
	start := time.Now()
	var err error
	res.View(func(img *imagebuf.Image) {
		err = r.deps.Sink.Save(ctx, sink.Item{
			RunID:      r.id,
			Index:      res.Index,
			Name:       res.Name,
			Detections: res.Detections,
			Annotated:  img,
		})
	})
	if err != nil {
		res.Release()
		var ee *errors.EnhancedError
		if errors.As(err, &ee) {
			return err
		}
		return errors.New(err).
			Component("pipeline").
			Category(errors.CategoryFileIO).
			Context("sink", r.deps.Sink.Name()).
			Context("index", res.Index).
			Build()
	}

	d := time.Since(start)
	r.deps.Metrics.RecordStage(metrics.StageSave, d.Seconds())
	if r.opts.Verbose {
		r.log.Debug("save stage done",
			logger.Int("index", res.Index),
			logger.Duration("duration", d))
	}
	return nil
}

func (r *run) collect(res *detection.Result) error {
	if err := r.col.add(res); err != nil {
		res.Release()
		return err
	}
	r.progress.update(r.col.received())
	return nil
}

// finish runs annotate, save and collect for one image on the calling
// goroutine.
func (r *run) finish(ctx context.Context, index int, img *imagebuf.Image, dets []detection.Detection) error {
	res, err := r.annotate(index, img, dets)
	if err != nil {
		return err
	}
	if err := r.save(ctx, res); err != nil {
		return err
	}
	return r.collect(res)
}
