// Package ffi exposes images, pipeline runs and results to foreign callers
// through opaque integer handles. It is the pure Go half of the C library in
// cmd/libdetectpipe; nothing here depends on cgo.
//
// Ownership follows handles: ImageFromBytes copies the caller's buffer into
// an image owned by the registry, RunPipeline moves its input images in and
// invalidates their handles, and every result handle owns its annotated
// image until TakeAnnotated moves it out into a new image handle.
package ffi

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/tphakala/detectpipe/internal/analysis"
	"github.com/tphakala/detectpipe/internal/conf"
	"github.com/tphakala/detectpipe/internal/detection"
	"github.com/tphakala/detectpipe/internal/errors"
	"github.com/tphakala/detectpipe/internal/imagebuf"
	"github.com/tphakala/detectpipe/internal/logger"
	"github.com/tphakala/detectpipe/internal/pipeline"
)

// Handle identifies an image or a result. Zero is never a valid handle.
type Handle uint64

// InvalidHandle is returned when an operation fails.
const InvalidHandle Handle = 0

var (
	// ErrInvalidHandle is returned for unknown, released or moved handles.
	ErrInvalidHandle = errors.NewStd("invalid handle")
	// ErrDuplicateHandle is returned when a run lists the same image twice.
	ErrDuplicateHandle = errors.NewStd("image handle listed more than once")
	// ErrClosed is returned by runs on a closed registry.
	ErrClosed = errors.NewStd("registry closed")
)

// Registry owns every object handed out to foreign callers.
type Registry struct {
	mu      sync.Mutex
	next    Handle
	images  map[Handle]*imagebuf.Image
	results map[Handle]*detection.Result

	errMu   sync.Mutex
	lastErr string

	runnerOnce sync.Once
	runnerOpts []analysis.Option
	runner     *analysis.Runner
}

// NewRegistry creates an empty registry. The options configure the runner
// created on the first pipeline run.
func NewRegistry(opts ...analysis.Option) *Registry {
	return &Registry{
		images:     make(map[Handle]*imagebuf.Image),
		results:    make(map[Handle]*detection.Result),
		runnerOpts: opts,
	}
}

var (
	defaultRegistry *Registry
	defaultOnce     sync.Once
)

// Default returns the process-wide registry used by the C library.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// LastError returns the message of the most recent failed operation, or ""
// when the last operation succeeded.
func (r *Registry) LastError() string {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.lastErr
}

// record stores err as the last error and returns it.
func (r *Registry) record(err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	r.errMu.Lock()
	r.lastErr = msg
	r.errMu.Unlock()
	return err
}

func invalid(kind string, h Handle) error {
	return errors.New(fmt.Errorf("%w: %s %d", ErrInvalidHandle, kind, h)).
		Component("ffi").
		Category(errors.CategoryOwnership).
		Build()
}

// put registers img. Callers hold r.mu.
func (r *Registry) putImage(img *imagebuf.Image) Handle {
	r.next++
	r.images[r.next] = img
	return r.next
}

func (r *Registry) putResult(res *detection.Result) Handle {
	r.next++
	r.results[r.next] = res
	return r.next
}

// ImageFromBytes copies pixels into a new image. Degenerate dimensions or an
// empty buffer yield a handle to the empty image. Unsupported channel counts
// and short buffers fail with InvalidHandle.
func (r *Registry) ImageFromBytes(pixels []byte, width, height, channels uint32) (Handle, error) {
	return r.ImageFromBytesOrigin(pixels, width, height, channels, false)
}

// ImageFromBytesOrigin is ImageFromBytes for buffers whose first row is the
// bottom of the image.
func (r *Registry) ImageFromBytesOrigin(pixels []byte, width, height, channels uint32, bottomLeft bool) (Handle, error) {
	img, err := imagebuf.FromRawOrigin(pixels, width, height, channels, origin(bottomLeft))
	if err != nil {
		return InvalidHandle, r.record(err)
	}
	r.mu.Lock()
	h := r.putImage(img)
	r.mu.Unlock()
	return h, r.record(nil)
}

func origin(bottomLeft bool) imagebuf.Origin {
	if bottomLeft {
		return imagebuf.OriginBottomLeft
	}
	return imagebuf.OriginTopLeft
}

func (r *Registry) image(h Handle) (*imagebuf.Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	img, ok := r.images[h]
	if !ok {
		return nil, r.record(invalid("image", h))
	}
	return img, nil
}

// ImageToBytes returns a copy of the pixels, empty for the empty image.
func (r *Registry) ImageToBytes(h Handle) ([]byte, error) {
	return r.ImageToBytesOrigin(h, false)
}

// ImageToBytesOrigin returns a copy of the pixels with the requested first row.
func (r *Registry) ImageToBytesOrigin(h Handle, bottomLeft bool) ([]byte, error) {
	img, err := r.image(h)
	if err != nil {
		return nil, err
	}
	return img.BytesOrigin(origin(bottomLeft)), r.record(nil)
}

// ImageInfo returns the dimensions of an image.
func (r *Registry) ImageInfo(h Handle) (imagebuf.Info, error) {
	img, err := r.image(h)
	if err != nil {
		return imagebuf.Info{}, err
	}
	return img.Info(), r.record(nil)
}

// IsImageEmpty reports whether h is the empty image.
func (r *Registry) IsImageEmpty(h Handle) (bool, error) {
	img, err := r.image(h)
	if err != nil {
		return false, err
	}
	return img.IsEmpty(), r.record(nil)
}

// ReleaseImage frees an image. The handle becomes invalid.
func (r *Registry) ReleaseImage(h Handle) error {
	r.mu.Lock()
	img, ok := r.images[h]
	delete(r.images, h)
	r.mu.Unlock()
	if !ok {
		return r.record(invalid("image", h))
	}
	img.Release()
	return r.record(nil)
}

// RunPipeline loads the configuration at configPath and runs images through
// the pipeline. See RunPipelineWithSettings.
func (r *Registry) RunPipeline(ctx context.Context, images []Handle, configPath string) ([]Handle, error) {
	settings, err := conf.Load(configPath)
	if err != nil {
		return nil, r.record(err)
	}
	return r.RunPipelineWithSettings(ctx, images, settings)
}

// RunPipelineWithSettings moves images into a pipeline run and returns one
// result handle per image, in input order, regardless of
// predict.return_result. The input handles are invalid
// afterwards. If the run fails before it takes ownership, for example on a
// configuration error, the input handles stay valid.
func (r *Registry) RunPipelineWithSettings(ctx context.Context, images []Handle, settings *conf.Settings) ([]Handle, error) {
	runner := r.getRunner()
	if runner == nil {
		return nil, r.record(errors.New(ErrClosed).
			Component("ffi").
			Category(errors.CategoryState).
			Build())
	}

	// callers always get one handle per input
	run := *settings
	run.Predict.ReturnResult = true

	in, err := r.moveIn(images)
	if err != nil {
		return nil, r.record(err)
	}

	log := GetLogger()
	log.Debug("pipeline run requested", logger.Int("images", len(images)))

	results, err := runner.Run(ctx, &run, in, nil)
	if err != nil {
		r.restore(images, in)
		return nil, r.record(err)
	}

	out := make([]Handle, len(results))
	r.mu.Lock()
	for i, res := range results {
		out[i] = r.putResult(res)
	}
	r.mu.Unlock()
	return out, r.record(nil)
}

// moveIn removes images from the registry into a pipeline input.
func (r *Registry) moveIn(handles []Handle) (*pipeline.Input, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[Handle]struct{}, len(handles))
	for _, h := range handles {
		if _, ok := r.images[h]; !ok {
			return nil, invalid("image", h)
		}
		if _, dup := seen[h]; dup {
			return nil, errors.New(fmt.Errorf("%w: %d", ErrDuplicateHandle, h)).
				Component("ffi").
				Category(errors.CategoryOwnership).
				Build()
		}
		seen[h] = struct{}{}
	}

	in := &pipeline.Input{Images: make([]*imagebuf.Image, len(handles))}
	for i, h := range handles {
		in.Images[i] = r.images[h]
		delete(r.images, h)
	}
	return in, nil
}

// restore re-registers images a failed run did not take.
func (r *Registry) restore(handles []Handle, in *pipeline.Input) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, img := range in.Images {
		if img != nil {
			r.images[handles[i]] = img
		}
	}
}

// getRunner returns nil once the registry is closed.
func (r *Registry) getRunner() *analysis.Runner {
	r.runnerOnce.Do(func() {
		r.runner = analysis.NewRunner(r.runnerOpts...)
	})
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runner
}

func (r *Registry) result(h Handle) (*detection.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[h]
	if !ok {
		return nil, r.record(invalid("result", h))
	}
	return res, nil
}

// ResultIndex returns the input position of a result.
func (r *Registry) ResultIndex(h Handle) (int, error) {
	res, err := r.result(h)
	if err != nil {
		return -1, err
	}
	return res.Index, r.record(nil)
}

// ResultName returns the frame name of a result.
func (r *Registry) ResultName(h Handle) (string, error) {
	res, err := r.result(h)
	if err != nil {
		return "", err
	}
	return res.Name, r.record(nil)
}

// ResultDetections returns a copy of the detections of a result.
func (r *Registry) ResultDetections(h Handle) ([]detection.Detection, error) {
	res, err := r.result(h)
	if err != nil {
		return nil, err
	}
	return slices.Clone(res.Detections), r.record(nil)
}

// PeekAnnotated registers a copy of the annotated image and leaves the
// result unchanged. A vacant or taken slot yields the empty image.
func (r *Registry) PeekAnnotated(h Handle) (Handle, error) {
	res, err := r.result(h)
	if err != nil {
		return InvalidHandle, err
	}
	img := res.Peek()
	r.mu.Lock()
	out := r.putImage(img)
	r.mu.Unlock()
	return out, r.record(nil)
}

// TakeAnnotated moves the annotated image into a new image handle. Later
// takes and peeks yield the empty image.
func (r *Registry) TakeAnnotated(h Handle) (Handle, error) {
	res, err := r.result(h)
	if err != nil {
		return InvalidHandle, err
	}
	img := res.Take()
	r.mu.Lock()
	out := r.putImage(img)
	r.mu.Unlock()
	return out, r.record(nil)
}

// ReleaseResult frees a result and any annotated image it still holds.
func (r *Registry) ReleaseResult(h Handle) error {
	r.mu.Lock()
	res, ok := r.results[h]
	delete(r.results, h)
	r.mu.Unlock()
	if !ok {
		return r.record(invalid("result", h))
	}
	res.Release()
	return r.record(nil)
}

// Counts returns the number of live images and results.
func (r *Registry) Counts() (images, results int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.images), len(r.results)
}

// Close releases everything and unloads models.
func (r *Registry) Close() {
	r.mu.Lock()
	for h, img := range r.images {
		img.Release()
		delete(r.images, h)
	}
	for h, res := range r.results {
		res.Release()
		delete(r.results, h)
	}
	r.mu.Unlock()

	// a registry that never ran keeps no runner
	r.runnerOnce.Do(func() {})
	r.mu.Lock()
	runner := r.runner
	r.runner = nil
	r.mu.Unlock()
	if runner != nil {
		runner.Close()
	}
}
