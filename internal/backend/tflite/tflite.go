// Package tflite runs TensorFlow Lite SSD-style detection models. Models are
// expected to end in the standard detection post-process op with four
// outputs: boxes, classes, scores and count.
package tflite

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	gotflite "github.com/tphakala/go-tflite"
	"github.com/tphakala/go-tflite/delegates/xnnpack"

	"github.com/tphakala/detectpipe/internal/backend"
	"github.com/tphakala/detectpipe/internal/backend/preprocess"
	"github.com/tphakala/detectpipe/internal/cpuspec"
	"github.com/tphakala/detectpipe/internal/detection"
	"github.com/tphakala/detectpipe/internal/errors"
	"github.com/tphakala/detectpipe/internal/imagebuf"
	"github.com/tphakala/detectpipe/internal/logger"
)

// Name is the registry name of this backend.
const Name = "tflite"

const (
	outputBoxes = iota
	outputClasses
	outputScores
	outputCount
)

func init() {
	backend.Register(Name, func(cfg backend.Config) (backend.Backend, error) {
		return New(cfg)
	})
}

// Backend wraps one TFLite interpreter. It is not safe for concurrent use;
// the pipeline serializes access when several infer workers share it.
type Backend struct {
	cfg         backend.Config
	interpreter *gotflite.Interpreter
	labels      []string
	inW, inH    int
	closed      atomic.Bool
}

// New loads the model and allocates the interpreter.
func New(cfg backend.Config) (*Backend, error) {
	start := time.Now()
	log := GetLogger()

	if cfg.Model == "" {
		return nil, errors.Newf("tflite backend requires a model path").
			Component("backend.tflite").
			Category(errors.CategoryConfiguration).
			Build()
	}

	modelData, err := os.ReadFile(cfg.Model)
	if err != nil {
		return nil, errors.New(err).
			Component("backend.tflite").
			Category(errors.CategoryModelLoad).
			ModelContext(cfg.Model, Name).
			Timing("model-load", time.Since(start)).
			Build()
	}

	labels, err := backend.LoadLabels(cfg.Labels)
	if err != nil {
		return nil, err
	}

	model := gotflite.NewModel(modelData)
	if model == nil {
		return nil, errors.New(fmt.Errorf("cannot load TensorFlow Lite model")).
			Component("backend.tflite").
			Category(errors.CategoryModelInit).
			ModelContext(cfg.Model, Name).
			Context("model_size_kb", len(modelData)/1024).
			Build()
	}

	spec := cpuspec.GetCPUSpec()
	threads := spec.ThreadsFor(cfg.Threads, 1)
	device := spec.ResolveDevice(cfg.Device)

	options := gotflite.NewInterpreterOptions()
	if device == "xnnpack" {
		delegate := xnnpack.New(xnnpack.DelegateOptions{NumThreads: int32(max(1, threads-1))}) //nolint:gosec // G115: thread count bounded by CPU count
		if delegate == nil {
			log.Warn("failed to create XNNPACK delegate, falling back to default CPU")
			options.SetNumThread(threads)
		} else {
			options.AddDelegate(delegate)
			options.SetNumThread(1)
		}
	} else {
		options.SetNumThread(threads)
	}
	options.SetErrorReporter(func(msg string, _ any) {
		GetLogger().Error("TFLite error", logger.String("message", msg))
	}, nil)

	interpreter := gotflite.NewInterpreter(model, options)
	if interpreter == nil {
		return nil, errors.New(fmt.Errorf("cannot create interpreter")).
			Component("backend.tflite").
			Category(errors.CategoryModelInit).
			ModelContext(cfg.Model, Name).
			Build()
	}
	if status := interpreter.AllocateTensors(); status != gotflite.OK {
		interpreter.Delete()
		return nil, errors.New(fmt.Errorf("tensor allocation failed: %v", status)).
			Component("backend.tflite").
			Category(errors.CategoryModelInit).
			ModelContext(cfg.Model, Name).
			Build()
	}

	input := interpreter.GetInputTensor(0)
	if input == nil || input.NumDims() != 4 || input.Dim(3) != 3 {
		interpreter.Delete()
		return nil, errors.New(fmt.Errorf("model input must be NHWC with 3 channels")).
			Component("backend.tflite").
			Category(errors.CategoryModelInit).
			ModelContext(cfg.Model, Name).
			Build()
	}

	b := &Backend{
		cfg:         cfg,
		interpreter: interpreter,
		labels:      labels,
		inH:         input.Dim(1),
		inW:         input.Dim(2),
	}

	if cfg.ImgSz > 0 && (cfg.ImgSz != b.inW || cfg.ImgSz != b.inH) {
		b.interpreter.Delete()
		return nil, errors.New(fmt.Errorf("imgsz %d does not match model input %dx%d", cfg.ImgSz, b.inW, b.inH)).
			Component("backend.tflite").
			Category(errors.CategoryConfiguration).
			ModelContext(cfg.Model, Name).
			Build()
	}

	log.Info("TFLite model initialized",
		logger.String("model", cfg.Model),
		logger.String("device", device),
		logger.Int("threads", threads),
		logger.Int("input_width", b.inW),
		logger.Int("input_height", b.inH),
		logger.Int("labels", len(labels)),
		logger.Duration("load_time", time.Since(start)))

	return b, nil
}

func (b *Backend) Name() string { return Name }

// Predict letterboxes img onto the model input, invokes the interpreter and
// maps boxes back to img coordinates.
func (b *Backend) Predict(ctx context.Context, img *imagebuf.Image) ([]detection.Detection, error) {
	if img.IsEmpty() {
		return []detection.Detection{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, errors.Newf("tflite backend is closed").
			Component("backend.tflite").
			Category(errors.CategoryState).
			Build()
	}

	canvas, tr := preprocess.Letterbox(img, b.inW, b.inH)

	input := b.interpreter.GetInputTensor(0)
	if input == nil {
		return nil, fmt.Errorf("cannot get input tensor")
	}
	preprocess.FillTensor(input.Float32s(), canvas)

	if status := b.interpreter.Invoke(); status != gotflite.OK {
		return nil, errors.New(fmt.Errorf("tensor invoke failed: %v", status)).
			Component("backend.tflite").
			Category(errors.CategoryInference).
			Build()
	}

	out, err := b.readOutputs()
	if err != nil {
		return nil, err
	}

	dets := preprocess.DecodeSSD(out, b.inW, b.inH, tr, b.cfg.Conf)
	dets = backend.NonMaxSuppression(dets, b.cfg.Conf, b.cfg.IoU, b.cfg.MaxDet)
	backend.ApplyLabels(dets, b.labels)
	return dets, nil
}

// PredictBatch runs images one by one: the interpreter has a fixed batch
// dimension of one.
func (b *Backend) PredictBatch(ctx context.Context, imgs []*imagebuf.Image) ([][]detection.Detection, error) {
	return backend.PredictEach(ctx, b, imgs)
}

// Close deletes the interpreter. It is safe to call more than once.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.interpreter.Delete()
	return nil
}

func (b *Backend) readOutputs() (preprocess.SSDOutput, error) {
	tensors := make([]*gotflite.Tensor, outputCount+1)
	for i := range tensors {
		tensors[i] = b.interpreter.GetOutputTensor(i)
		if tensors[i] == nil {
			return preprocess.SSDOutput{}, errors.New(fmt.Errorf("model has no output tensor %d", i)).
				Component("backend.tflite").
				Category(errors.CategoryInference).
				Context("expected_outputs", outputCount+1).
				Build()
		}
	}

	count := tensors[outputCount].Float32s()
	out := preprocess.SSDOutput{
		Boxes:   tensors[outputBoxes].Float32s(),
		Classes: tensors[outputClasses].Float32s(),
		Scores:  tensors[outputScores].Float32s(),
	}
	if len(count) > 0 {
		out.Count = int(count[0])
	}
	return out, nil
}
