// Package preprocess prepares canonical images for fixed-size detector
// inputs and maps detector outputs back to source coordinates.
package preprocess

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"

	"github.com/tphakala/detectpipe/internal/detection"
	"github.com/tphakala/detectpipe/internal/imagebuf"
)

// PadColor fills the letterbox border.
var PadColor = color.NRGBA{R: 114, G: 114, B: 114, A: 255}

// Transform records how a source image was placed on the model canvas.
type Transform struct {
	Scale      float32
	PadX, PadY float32
	SrcW, SrcH float32
}

// Unmap converts a box in canvas pixels back to source pixels, clamped to
// the source bounds.
func (t Transform) Unmap(b detection.Box) detection.Box {
	if t.Scale == 0 {
		return detection.Box{}
	}
	conv := func(v, pad, limit float32) float32 {
		return clamp((v-pad)/t.Scale, 0, limit)
	}
	return detection.Box{
		X1: conv(b.X1, t.PadX, t.SrcW),
		Y1: conv(b.Y1, t.PadY, t.SrcH),
		X2: conv(b.X2, t.PadX, t.SrcW),
		Y2: conv(b.Y2, t.PadY, t.SrcH),
	}
}

// Letterbox resizes img to fit a w x h canvas keeping its aspect ratio and
// centres it on a PadColor background. The empty image yields a blank canvas
// and a zero Transform.
func Letterbox(img *imagebuf.Image, w, h int) (*image.NRGBA, Transform) {
	canvas := imaging.New(w, h, PadColor)
	if img.IsEmpty() || w <= 0 || h <= 0 {
		return canvas, Transform{}
	}

	srcW, srcH := float32(img.Width), float32(img.Height)
	scale := min(float32(w)/srcW, float32(h)/srcH)
	nw := max(1, int(srcW*scale+0.5))
	nh := max(1, int(srcH*scale+0.5))

	resized := imaging.Resize(img.ToStdImage(), nw, nh, imaging.Linear)
	padX, padY := (w-nw)/2, (h-nh)/2
	canvas = imaging.Paste(canvas, resized, image.Pt(padX, padY))

	return canvas, Transform{
		Scale: scale,
		PadX:  float32(padX),
		PadY:  float32(padY),
		SrcW:  srcW,
		SrcH:  srcH,
	}
}

// FillTensor writes the RGB channels of img into dst in NHWC order,
// normalized to [0,1]. It returns the number of values written.
func FillTensor(dst []float32, img *image.NRGBA) int {
	b := img.Bounds()
	n := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[(y-b.Min.Y)*img.Stride:]
		for x := range b.Dx() {
			if n+3 > len(dst) {
				return n
			}
			px := row[x*4 : x*4+3]
			dst[n] = float32(px[0]) / 255
			dst[n+1] = float32(px[1]) / 255
			dst[n+2] = float32(px[2]) / 255
			n += 3
		}
	}
	return n
}

// SSDOutput holds the four tensors of a TFLite detection post-process op:
// boxes as [ymin, xmin, ymax, xmax] normalized to the canvas, class ids,
// scores and the number of valid rows.
type SSDOutput struct {
	Boxes   []float32
	Classes []float32
	Scores  []float32
	Count   int
}

// DecodeSSD converts SSD rows to detections in source coordinates. Rows
// scoring below conf are dropped.
func DecodeSSD(out SSDOutput, canvasW, canvasH int, t Transform, conf float32) []detection.Detection {
	n := min(out.Count, len(out.Scores), len(out.Classes), len(out.Boxes)/4)
	dets := make([]detection.Detection, 0, n)
	cw, ch := float32(canvasW), float32(canvasH)

	for i := range n {
		score := out.Scores[i]
		if score < conf {
			continue
		}
		row := out.Boxes[i*4 : i*4+4]
		box := t.Unmap(detection.Box{
			X1: row[1] * cw,
			Y1: row[0] * ch,
			X2: row[3] * cw,
			Y2: row[2] * ch,
		})
		if box.Area() <= 0 {
			continue
		}
		dets = append(dets, detection.Detection{
			Box:        box,
			ClassID:    int(out.Classes[i]),
			Confidence: score,
		})
	}
	return dets
}

func clamp(v, lo, hi float32) float32 {
	return max(lo, min(v, hi))
}
