package backend

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tphakala/detectpipe/internal/detection"
	"github.com/tphakala/detectpipe/internal/errors"
	"github.com/tphakala/detectpipe/internal/imagebuf"
)

// ErrMockFailure is returned by the mock backend once FailAfter images have been seen.
var ErrMockFailure = errors.NewStd("mock backend failure")

// MockOptions tunes the mock backend.
type MockOptions struct {
	Delay     time.Duration // per call
	NoBatch   bool          // PredictBatch returns ErrBatchUnsupported
	Unsafe    bool          // do not declare concurrency safety
	FailAfter int           // fail once more than this many images were processed; 0 disables
	Conf      float32
	IoU       float32
	MaxDet    int
	Labels    []string
}

// Mock is a deterministic backend whose detections depend only on image
// content. It records call statistics for tests and demos.
type Mock struct {
	opts MockOptions

	calls       atomic.Int64
	batchCalls  atomic.Int64
	images      atomic.Int64
	inflight    atomic.Int32
	maxInflight atomic.Int32
	closed      atomic.Bool
}

func init() {
	Register("mock", func(cfg Config) (Backend, error) {
		labels, err := LoadLabels(cfg.Labels)
		if err != nil {
			return nil, err
		}
		return NewMock(MockOptions{
			Conf:   cfg.Conf,
			IoU:    cfg.IoU,
			MaxDet: cfg.MaxDet,
			Labels: labels,
		}), nil
	})
}

// NewMock creates a mock backend.
func NewMock(opts MockOptions) *Mock {
	return &Mock{opts: opts}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) ConcurrencySafe() bool { return !m.opts.Unsafe }

// Calls returns the number of Predict calls.
func (m *Mock) Calls() int64 { return m.calls.Load() }

// BatchCalls returns the number of successful PredictBatch calls.
func (m *Mock) BatchCalls() int64 { return m.batchCalls.Load() }

// Images returns the number of images processed.
func (m *Mock) Images() int64 { return m.images.Load() }

// MaxInflight returns the highest number of overlapping calls observed.
func (m *Mock) MaxInflight() int32 { return m.maxInflight.Load() }

// Closed reports whether Close was called.
func (m *Mock) Closed() bool { return m.closed.Load() }

func (m *Mock) Predict(ctx context.Context, img *imagebuf.Image) ([]detection.Detection, error) {
	m.calls.Add(1)
	done := m.enter()
	defer done()

	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if err := m.account(1); err != nil {
		return nil, err
	}
	return m.detect(img), nil
}

func (m *Mock) PredictBatch(ctx context.Context, imgs []*imagebuf.Image) ([][]detection.Detection, error) {
	if m.opts.NoBatch {
		return nil, ErrBatchUnsupported
	}
	m.batchCalls.Add(1)
	done := m.enter()
	defer done()

	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if err := m.account(len(imgs)); err != nil {
		return nil, err
	}

	out := make([][]detection.Detection, len(imgs))
	for i, img := range imgs {
		out[i] = m.detect(img)
	}
	return out, nil
}

func (m *Mock) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *Mock) enter() func() {
	n := m.inflight.Add(1)
	for {
		cur := m.maxInflight.Load()
		if n <= cur || m.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}
	return func() { m.inflight.Add(-1) }
}

func (m *Mock) wait(ctx context.Context) error {
	if m.opts.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(m.opts.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (m *Mock) account(n int) error {
	total := m.images.Add(int64(n))
	if m.opts.FailAfter > 0 && total > int64(m.opts.FailAfter) {
		return fmt.Errorf("%w after %d images", ErrMockFailure, m.opts.FailAfter)
	}
	return nil
}

// detect derives detections from pixel content: a box over the top-left
// quadrant and one over the centre, with class and confidence taken from
// the first pixels.
func (m *Mock) detect(img *imagebuf.Image) []detection.Detection {
	if img.IsEmpty() {
		return []detection.Detection{}
	}

	pix := img.Pix()
	w, h := float32(img.Width), float32(img.Height)

	var sum int
	for _, v := range pix[:min(len(pix), 16)] {
		sum += int(v)
	}

	dets := []detection.Detection{
		{
			Box:        detection.Box{X1: 0, Y1: 0, X2: w / 2, Y2: h / 2},
			ClassID:    int(pix[0]) % 10,
			Confidence: 0.5 + float32(sum%50)/100,
		},
		{
			Box:        detection.Box{X1: w / 4, Y1: h / 4, X2: w * 3 / 4, Y2: h * 3 / 4},
			ClassID:    int(img.Channels),
			Confidence: 0.3 + float32(int(pix[len(pix)-1])%40)/100,
		},
	}

	dets = NonMaxSuppression(dets, m.opts.Conf, m.iou(), m.opts.MaxDet)
	ApplyLabels(dets, m.opts.Labels)
	return dets
}

func (m *Mock) iou() float32 {
	if m.opts.IoU <= 0 {
		return 1
	}
	return m.opts.IoU
}
