// Package sink receives per-image results from the pipeline's save stage
// and persists or publishes them.
package sink

import (
	"context"
	"time"

	"github.com/tphakala/detectpipe/internal/detection"
	"github.com/tphakala/detectpipe/internal/errors"
	"github.com/tphakala/detectpipe/internal/imagebuf"
)

// RunInfo describes a pipeline run.
type RunInfo struct {
	ID      string
	Mode    string
	Backend string
	Model   string
	Total   int
	Started time.Time
}

// Item is one image's result. Annotated is borrowed from the result slot
// and must not be retained or modified; it is nil or empty when annotation
// is disabled.
type Item struct {
	RunID      string
	Index      int
	Name       string
	Detections []detection.Detection
	Annotated  *imagebuf.Image
}

// Summary is passed to Finish when a run ends, successfully or not.
type Summary struct {
	RunID     string
	Processed int
	Elapsed   time.Duration
	Err       error
}

// Sink consumes results. Within one run, Save is called from a single
// goroutine in index order for sequential strategies and in completion
// order for pipelined ones.
type Sink interface {
	Name() string
	Start(ctx context.Context, run RunInfo) error
	Save(ctx context.Context, item Item) error
	Finish(ctx context.Context, summary Summary) error
}

// Closer is implemented by sinks holding connections across runs.
type Closer interface {
	Close() error
}

// Multi fans out to several sinks in order.
type Multi []Sink

func (m Multi) Name() string { return "multi" }

func (m Multi) Start(ctx context.Context, run RunInfo) error {
	for _, s := range m {
		if err := s.Start(ctx, run); err != nil {
			return wrapSinkError(err, s.Name(), "start")
		}
	}
	return nil
}

func (m Multi) Save(ctx context.Context, item Item) error {
	for _, s := range m {
		if err := s.Save(ctx, item); err != nil {
			return wrapSinkError(err, s.Name(), "save")
		}
	}
	return nil
}

// Finish calls every sink even if some fail and joins their errors.
func (m Multi) Finish(ctx context.Context, summary Summary) error {
	var errs []error
	for _, s := range m {
		if err := s.Finish(ctx, summary); err != nil {
			errs = append(errs, wrapSinkError(err, s.Name(), "finish"))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink implementing Closer.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func wrapSinkError(err error, name, op string) error {
	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		return err
	}
	return errors.New(err).
		Component("sink").
		Category(errors.CategoryFileIO).
		Context("sink", name).
		Context("operation", op).
		Build()
}
