package backend

import (
	"context"
	"sync"

	"github.com/tphakala/detectpipe/internal/detection"
	"github.com/tphakala/detectpipe/internal/imagebuf"
)

// Serialized wraps a backend that is not safe for concurrent use so that at
// most one call runs at a time.
type Serialized struct {
	mu    sync.Mutex
	inner Backend
}

// Serialize returns b unchanged when it is concurrency safe, otherwise a
// Serialized wrapper.
func Serialize(b Backend) Backend {
	if IsConcurrencySafe(b) {
		return b
	}
	if s, ok := b.(*Serialized); ok {
		return s
	}
	return &Serialized{inner: b}
}

// Unwrap returns the wrapped backend.
func (s *Serialized) Unwrap() Backend { return s.inner }

func (s *Serialized) Name() string { return s.inner.Name() }

// ConcurrencySafe is true: callers may share a Serialized backend freely.
func (s *Serialized) ConcurrencySafe() bool { return true }

func (s *Serialized) Predict(ctx context.Context, img *imagebuf.Image) ([]detection.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Predict(ctx, img)
}

func (s *Serialized) PredictBatch(ctx context.Context, imgs []*imagebuf.Image) ([][]detection.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.PredictBatch(ctx, imgs)
}

func (s *Serialized) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Close()
}
