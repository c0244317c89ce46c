package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tphakala/detectpipe/internal/detection"
	"github.com/tphakala/detectpipe/internal/logger"
	"github.com/tphakala/detectpipe/internal/observability/metrics"
)

// sequential runs one backend call per image on the calling goroutine.
type sequential struct{ *engine }

func (s *sequential) Name() Mode { return Sequential }

func (s *sequential) Run(ctx context.Context, in *Input) ([]*detection.Result, error) {
	return s.execute(ctx, in, driveSequential)
}

// batchSequential runs one backend call per batch on the calling goroutine.
type batchSequential struct{ *engine }

func (s *batchSequential) Name() Mode { return BatchSequential }

func (s *batchSequential) Run(ctx context.Context, in *Input) ([]*detection.Result, error) {
	return s.execute(ctx, in, driveSequential)
}

// channelPipeline streams single images through concurrent stages.
type channelPipeline struct{ *engine }

func (s *channelPipeline) Name() Mode { return ChannelPipeline }

func (s *channelPipeline) Run(ctx context.Context, in *Input) ([]*detection.Result, error) {
	return s.execute(ctx, in, drivePipelined)
}

// batchChannelPipeline streams batches through load and infer and fans the
// results out per image before annotation.
type batchChannelPipeline struct{ *engine }

func (s *batchChannelPipeline) Name() Mode { return BatchChannelPipeline }

func (s *batchChannelPipeline) Run(ctx context.Context, in *Input) ([]*detection.Result, error) {
	return s.execute(ctx, in, drivePipelined)
}

func driveSequential(ctx context.Context, r *run, batches []Batch) error {
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		dets, err := r.infer(ctx, b)
		if err != nil {
			return err
		}
		for i, idx := range b.Indices {
			if err := r.finish(ctx, idx, b.Images[i], dets[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// inferred is a batch together with its detections.
type inferred struct {
	batch Batch
	dets  [][]detection.Detection
}

// drivePipelined runs load -> infer (N workers) -> annotate -> save ->
// collect, each stage its own goroutine, connected by channels of
// ChannelCapacity. The first stage error cancels the others.
func drivePipelined(ctx context.Context, r *run, batches []Batch) error {
	g, ctx := errgroup.WithContext(ctx)
	capacity := r.opts.ChannelCapacity

	loadCh := make(chan Batch, capacity)
	inferCh := make(chan inferred, capacity)
	annotateCh := make(chan *detection.Result, capacity)
	saveCh := make(chan *detection.Result, capacity)

	// load
	g.Go(func() error {
		defer close(loadCh)
		for _, b := range batches {
			start := time.Now()
			if err := send(ctx, loadCh, b); err != nil {
				return err
			}
			r.deps.Metrics.RecordStage(metrics.StageLoad, time.Since(start).Seconds())
			if r.opts.Verbose {
				r.log.Debug("load stage done",
					logger.Int("batch_seq", b.Seq),
					logger.Int("batch_len", b.Len()))
			}
		}
		return nil
	})

	// infer; the last worker to exit closes the channel
	var workers atomic.Int32
	workers.Store(int32(r.opts.InferWorkers))
	for range r.opts.InferWorkers {
		g.Go(func() error {
			defer func() {
				if workers.Add(-1) == 0 {
					close(inferCh)
				}
			}()
			return drain(ctx, loadCh, func(b Batch) error {
				dets, err := r.infer(ctx, b)
				if err != nil {
					return err
				}
				return send(ctx, inferCh, inferred{batch: b, dets: dets})
			})
		})
	}

	// annotate
	g.Go(func() error {
		defer close(annotateCh)
		return drain(ctx, inferCh, func(inf inferred) error {
			for i, idx := range inf.batch.Indices {
				res, err := r.annotate(idx, inf.batch.Images[i], inf.dets[i])
				if err != nil {
					return err
				}
				if err := send(ctx, annotateCh, res); err != nil {
					res.Release()
					return err
				}
			}
			return nil
		})
	})

	// save
	g.Go(func() error {
		defer close(saveCh)
		return drain(ctx, annotateCh, func(res *detection.Result) error {
			if err := r.save(ctx, res); err != nil {
				return err
			}
			if err := send(ctx, saveCh, res); err != nil {
				res.Release()
				return err
			}
			return nil
		})
	})

	// collect
	g.Go(func() error {
		return drain(ctx, saveCh, func(res *detection.Result) error {
			start := time.Now()
			if err := r.collect(res); err != nil {
				return err
			}
			r.deps.Metrics.RecordStage(metrics.StageCollect, time.Since(start).Seconds())
			return nil
		})
	})

	err := g.Wait()
	if err != nil {
		// results stranded in channel buffers still own annotated images
		for _, ch := range []chan *detection.Result{annotateCh, saveCh} {
			for res := range ch {
				res.Release()
			}
		}
	}
	return err
}

// send blocks until v is accepted or ctx is done.
func send[T any](ctx context.Context, ch chan<- T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain calls fn for every value received from ch until ch is closed, fn
// fails or ctx is done.
func drain[T any](ctx context.Context, ch <-chan T, fn func(T) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v, ok := <-ch:
			if !ok {
				return nil
			}
			if err := fn(v); err != nil {
				return err
			}
		}
	}
}

// compile-time checks
var (
	_ Strategy = (*sequential)(nil)
	_ Strategy = (*batchSequential)(nil)
	_ Strategy = (*channelPipeline)(nil)
	_ Strategy = (*batchChannelPipeline)(nil)
)
