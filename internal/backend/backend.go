// Package backend defines the inference backend contract used by the
// pipeline and the adapters shared by all backend implementations.
package backend

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/tphakala/detectpipe/internal/detection"
	"github.com/tphakala/detectpipe/internal/errors"
	"github.com/tphakala/detectpipe/internal/imagebuf"
)

// Backend runs a detection model. Implementations must return an empty,
// non-nil detection list for the empty image instead of failing.
type Backend interface {
	// Name identifies the implementation, e.g. "tflite".
	Name() string

	// Predict runs the model on one image.
	Predict(ctx context.Context, img *imagebuf.Image) ([]detection.Detection, error)

	// PredictBatch runs the model on several images and returns one
	// detection list per input, in input order. Backends without batch
	// support return ErrBatchUnsupported.
	PredictBatch(ctx context.Context, imgs []*imagebuf.Image) ([][]detection.Detection, error)

	// Close releases model resources.
	Close() error
}

// ConcurrencySafe is implemented by backends that may be called from several
// goroutines at once. Backends that do not implement it are assumed unsafe.
type ConcurrencySafe interface {
	ConcurrencySafe() bool
}

// IsConcurrencySafe reports whether b declares itself safe for concurrent calls.
func IsConcurrencySafe(b Backend) bool {
	cs, ok := b.(ConcurrencySafe)
	return ok && cs.ConcurrencySafe()
}

var (
	// ErrBatchUnsupported signals that PredictBatch is not available and the
	// caller should fall back to Predict per image.
	ErrBatchUnsupported = errors.NewStd("backend does not support batch inference")

	// ErrUnknownBackend is returned by New for unregistered names.
	ErrUnknownBackend = errors.NewStd("unknown backend")

	// ErrResultCount is returned when a batch call yields the wrong number of lists.
	ErrResultCount = errors.NewStd("backend returned wrong number of results")
)

// Config selects and parameterizes a backend. Thresholds are passed through
// to the model's post-processing.
type Config struct {
	Backend string
	Model   string
	Labels  string
	Device  string // cpu | xnnpack; "auto" must be resolved before use
	Threads int
	Conf    float32
	IoU     float32
	MaxDet  int
	ImgSz   int
}

// Key identifies configurations that can share a loaded model.
func (c Config) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s|%d|%.4f|%.4f|%d|%d",
		c.Backend, c.Model, c.Labels, c.Device, c.Threads, c.Conf, c.IoU, c.MaxDet, c.ImgSz)
}

// Factory builds a backend from its configuration.
type Factory func(cfg Config) (Backend, error)

var (
	factories   = make(map[string]Factory)
	factoriesMu sync.RWMutex
)

// Register makes a backend available by name. Implementations call it from init.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// Names returns the registered backend names, sorted.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the backend named by cfg.Backend.
func New(cfg Config) (Backend, error) {
	factoriesMu.RLock()
	f, ok := factories[cfg.Backend]
	factoriesMu.RUnlock()

	if !ok {
		return nil, errors.New(fmt.Errorf("%w: %q (registered: %v)", ErrUnknownBackend, cfg.Backend, Names())).
			Component("backend").
			Category(errors.CategoryConfiguration).
			Build()
	}

	b, err := f(cfg)
	if err != nil {
		return nil, errors.New(err).
			Component("backend").
			Category(errors.CategoryModelInit).
			ModelContext(cfg.Model, cfg.Backend).
			Build()
	}
	return b, nil
}

// PredictEach runs Predict for every image. Backends without a native batch
// path can use it to implement PredictBatch.
func PredictEach(ctx context.Context, b Backend, imgs []*imagebuf.Image) ([][]detection.Detection, error) {
	out := make([][]detection.Detection, len(imgs))
	for i, img := range imgs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dets, err := b.Predict(ctx, img)
		if err != nil {
			return nil, err
		}
		out[i] = dets
	}
	return out, nil
}

// CheckBatch verifies that a batch call returned one list per image and
// replaces nil lists with empty ones.
func CheckBatch(out [][]detection.Detection, want int) ([][]detection.Detection, error) {
	if len(out) != want {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrResultCount, len(out), want)
	}
	for i := range out {
		if out[i] == nil {
			out[i] = []detection.Detection{}
		}
	}
	return slices.Clip(out), nil
}
