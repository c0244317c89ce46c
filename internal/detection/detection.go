// Package detection defines the per-image inference result handed back to
// callers and the annotated-image slot attached to it.
package detection

import (
	"fmt"
	"sync"

	"github.com/tphakala/detectpipe/internal/imagebuf"
)

// Box is an axis-aligned bounding box in source image pixel coordinates.
type Box struct {
	X1 float32 `json:"x1"`
	Y1 float32 `json:"y1"`
	X2 float32 `json:"x2"`
	Y2 float32 `json:"y2"`
}

// Width of the box, zero for inverted boxes.
func (b Box) Width() float32 {
	return max(0, b.X2-b.X1)
}

// Height of the box, zero for inverted boxes.
func (b Box) Height() float32 {
	return max(0, b.Y2-b.Y1)
}

// Area of the box.
func (b Box) Area() float32 {
	return b.Width() * b.Height()
}

// Detection is a single object found by the backend. The engine treats it as
// an opaque payload and passes it through unchanged.
type Detection struct {
	Box        Box     `json:"box"`
	ClassID    int     `json:"class_id"`
	Label      string  `json:"label,omitempty"`
	Confidence float32 `json:"confidence"`
}

func (d Detection) String() string {
	name := d.Label
	if name == "" {
		name = fmt.Sprintf("class %d", d.ClassID)
	}
	return fmt.Sprintf("%s %.2f [%.0f,%.0f,%.0f,%.0f]", name, d.Confidence, d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2)
}

// FrameName is the name given to an input that has no file path.
func FrameName(index int) string {
	return fmt.Sprintf("frame_%d", index)
}

// Result is the outcome for one input image.
//
// The annotated slot holds at most one image. Peek returns a duplicate and
// leaves the slot filled; Take moves the image out and empties the slot.
// After a take both return the empty image.
type Result struct {
	Index      int         `json:"index"`
	Name       string      `json:"name"`
	Detections []Detection `json:"detections"`

	mu        sync.Mutex
	annotated *imagebuf.Image
	consumed  bool
}

// NewResult creates a result for the input at index.
func NewResult(index int, name string, dets []Detection) *Result {
	if name == "" {
		name = FrameName(index)
	}
	if dets == nil {
		dets = []Detection{}
	}
	return &Result{Index: index, Name: name, Detections: dets}
}

// SetAnnotated places img in the slot. It fails if the slot is already
// occupied or has been taken; annotation attaches exactly once.
func (r *Result) SetAnnotated(img *imagebuf.Image) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.consumed {
		return fmt.Errorf("result %d: annotated image already taken", r.Index)
	}
	if r.annotated != nil {
		return fmt.Errorf("result %d: annotated image already attached", r.Index)
	}
	if img == nil {
		img = imagebuf.Empty()
	}
	r.annotated = img
	return nil
}

// HasAnnotated reports whether the slot currently holds an image.
func (r *Result) HasAnnotated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.annotated != nil
}

// Consumed reports whether Take has moved the image out.
func (r *Result) Consumed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consumed
}

// Peek returns a deep copy of the annotated image, or the empty image if the
// slot is vacant.
func (r *Result) Peek() *imagebuf.Image {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.annotated == nil {
		return imagebuf.Empty()
	}
	return r.annotated.Clone()
}

// Take moves the annotated image out of the slot. Later calls return the
// empty image.
func (r *Result) Take() *imagebuf.Image {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.annotated == nil {
		return imagebuf.Empty()
	}
	img := r.annotated
	r.annotated = nil
	r.consumed = true
	return img
}

// View calls fn with the held annotated image, or the empty image, while
// holding the slot lock. fn must not retain or modify the image.
func (r *Result) View(fn func(img *imagebuf.Image)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.annotated == nil {
		fn(imagebuf.Empty())
		return
	}
	fn(r.annotated)
}

// Release drops the annotated image without handing it out.
func (r *Result) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.annotated != nil {
		r.annotated.Release()
		r.annotated = nil
	}
}
