// Package annotate draws detection boxes and labels onto images.
package annotate

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/tphakala/detectpipe/internal/detection"
	"github.com/tphakala/detectpipe/internal/imagebuf"
)

// Annotator renders detections onto a copy of an image. Implementations must
// return the empty image for the empty image and must not modify the input.
type Annotator interface {
	Annotate(img *imagebuf.Image, dets []detection.Detection) (*imagebuf.Image, error)
}

// Config selects what is drawn. ShowLabel requires ShowBox and ShowConf
// requires ShowLabel.
type Config struct {
	OnBlank   bool
	ShowBox   bool
	ShowLabel bool
	ShowConf  bool
}

// DefaultConfig draws boxes, labels and confidences on the source image.
func DefaultConfig() Config {
	return Config{ShowBox: true, ShowLabel: true, ShowConf: true}
}

// referenceSize is the image dimension at which boxes are one pixel thick.
const referenceSize = 640

// Boxes is the default Annotator. Output images are 3-channel RGB.
type Boxes struct {
	cfg  Config
	face font.Face
}

// New creates a box annotator.
func New(cfg Config) *Boxes {
	cfg.ShowLabel = cfg.ShowLabel && cfg.ShowBox
	cfg.ShowConf = cfg.ShowConf && cfg.ShowLabel
	return &Boxes{cfg: cfg, face: basicfont.Face7x13}
}

// Config returns the effective configuration.
func (a *Boxes) Config() Config { return a.cfg }

func (a *Boxes) Annotate(img *imagebuf.Image, dets []detection.Detection) (*imagebuf.Image, error) {
	if img.IsEmpty() {
		return imagebuf.Empty(), nil
	}

	w, h := int(img.Width), int(img.Height)
	canvas := image.NewNRGBA(image.Rect(0, 0, w, h))
	if a.cfg.OnBlank {
		draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.NRGBA{A: 255}), image.Point{}, draw.Src)
	} else {
		draw.Draw(canvas, canvas.Bounds(), img.ToStdImage(), image.Point{}, draw.Src)
	}

	if a.cfg.ShowBox {
		thickness := max(1, int(math.Round(float64(max(w, h))/referenceSize)))
		var placed []image.Rectangle
		for _, d := range dets {
			rect, ok := clampBox(d.Box, w, h)
			if !ok {
				continue
			}
			c := ClassColor(d.ClassID)
			drawRect(canvas, rect, c, thickness)
			if a.cfg.ShowLabel {
				placed = a.drawLabel(canvas, rect, a.labelText(d), c, placed)
			}
		}
	}

	return imagebuf.FromRaw(imagebuf.FromStdImage(canvas).ToRGB(), img.Width, img.Height, 3)
}

func (a *Boxes) labelText(d detection.Detection) string {
	name := d.Label
	if name == "" {
		name = fmt.Sprintf("class %d", d.ClassID)
	}
	if a.cfg.ShowConf {
		return fmt.Sprintf("%s %.2f", name, d.Confidence)
	}
	return name
}

// drawLabel places text above the box, inside when there is no room, and
// shifts it down past labels already placed.
func (a *Boxes) drawLabel(dst *image.NRGBA, box image.Rectangle, text string, bg color.NRGBA, placed []image.Rectangle) []image.Rectangle {
	bounds := dst.Bounds()
	metrics := a.face.Metrics()
	textW := font.MeasureString(a.face, text).Ceil() + 2
	textH := (metrics.Ascent + metrics.Descent).Ceil() + 2

	x, y := box.Min.X, box.Min.Y-textH
	if y < 0 {
		y = box.Min.Y
	}
	x = min(max(x, 0), max(bounds.Dx()-textW, 0))
	y = min(y, max(bounds.Dy()-textH, 0))

	rect := image.Rect(x, y, x+textW, y+textH)
	for range 10 {
		overlap := false
		for _, p := range placed {
			if rect.Overlaps(p) {
				overlap = true
				break
			}
		}
		if !overlap || rect.Max.Y+textH > bounds.Dy() {
			break
		}
		rect = rect.Add(image.Pt(0, textH))
	}

	draw.Draw(dst, rect.Intersect(bounds), image.NewUniform(bg), image.Point{}, draw.Src)
	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(TextColor(bg)),
		Face: a.face,
		Dot:  fixed.P(rect.Min.X+1, rect.Min.Y+1+metrics.Ascent.Ceil()),
	}
	d.DrawString(text)
	return append(placed, rect)
}

func clampBox(b detection.Box, w, h int) (image.Rectangle, bool) {
	x1, x2 := roundInt(b.X1), roundInt(b.X2)
	y1, y2 := roundInt(b.Y1), roundInt(b.Y2)
	if x1 > x2 {
		x1, x2 = x2, x1
	}
	if y1 > y2 {
		y1, y2 = y2, y1
	}
	x1, x2 = min(max(x1, 0), w-1), min(max(x2, 0), w-1)
	y1, y2 = min(max(y1, 0), h-1), min(max(y2, 0), h-1)
	if x2 <= x1 || y2 <= y1 {
		return image.Rectangle{}, false
	}
	return image.Rect(x1, y1, x2, y2), true
}

// drawRect draws a hollow rectangle whose outer edge is r, inclusive of
// r.Max, growing inwards by thickness pixels.
func drawRect(dst *image.NRGBA, r image.Rectangle, c color.NRGBA, thickness int) {
	for t := range thickness {
		x1, y1 := min(r.Min.X+t, r.Max.X), min(r.Min.Y+t, r.Max.Y)
		x2, y2 := max(r.Max.X-t, x1), max(r.Max.Y-t, y1)
		if x2 <= x1 || y2 <= y1 {
			return
		}
		for x := x1; x <= x2; x++ {
			dst.SetNRGBA(x, y1, c)
			dst.SetNRGBA(x, y2, c)
		}
		for y := y1; y <= y2; y++ {
			dst.SetNRGBA(x1, y, c)
			dst.SetNRGBA(x2, y, c)
		}
	}
}

func roundInt(v float32) int {
	return int(math.Round(float64(v)))
}
