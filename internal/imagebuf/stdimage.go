package imagebuf

import (
	"image"
	"image/color"
	"image/draw"
)

// FromStdImage converts a decoded image. Gray images keep one channel,
// NRGBA and RGBA keep four, every other color model becomes 3-channel RGB.
// A nil or zero-area image yields the empty image.
func FromStdImage(src image.Image) *Image {
	if src == nil {
		return Empty()
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return Empty()
	}

	switch s := src.(type) {
	case *image.Gray:
		pix := make([]byte, w*h)
		for y := range h {
			off := s.PixOffset(b.Min.X, b.Min.Y+y)
			copy(pix[y*w:(y+1)*w], s.Pix[off:off+w])
		}
		return adopt(pix, uint32(w), uint32(h), 1)

	case *image.NRGBA:
		return adopt(copyRows(s.Pix, s.Stride, s.PixOffset(b.Min.X, b.Min.Y), w*4, h), uint32(w), uint32(h), 4)

	case *image.RGBA:
		dst := image.NewNRGBA(image.Rect(0, 0, w, h))
		draw.Draw(dst, dst.Bounds(), s, b.Min, draw.Src)
		return adopt(dst.Pix, uint32(w), uint32(h), 4)
	}

	pix := make([]byte, w*h*3)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c, _ := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			pix[i], pix[i+1], pix[i+2] = c.R, c.G, c.B
			i += 3
		}
	}
	return adopt(pix, uint32(w), uint32(h), 3)
}

func copyRows(src []byte, stride, offset, rowLen, h int) []byte {
	out := make([]byte, rowLen*h)
	for y := range h {
		start := offset + y*stride
		copy(out[y*rowLen:(y+1)*rowLen], src[start:start+rowLen])
	}
	return out
}

// ToStdImage returns a copy as a Go image: *image.Gray for one channel,
// *image.NRGBA otherwise (opaque alpha for RGB). The empty image becomes a
// zero-sized *image.NRGBA.
func (img *Image) ToStdImage() image.Image {
	if img.IsEmpty() {
		return image.NewNRGBA(image.Rectangle{})
	}

	w, h := int(img.Width), int(img.Height)
	rect := image.Rect(0, 0, w, h)

	switch img.Channels {
	case 1:
		g := image.NewGray(rect)
		copy(g.Pix, img.pixels)
		return g
	case 4:
		n := image.NewNRGBA(rect)
		copy(n.Pix, img.pixels)
		return n
	default:
		n := image.NewNRGBA(rect)
		for i, j := 0, 0; i < len(img.pixels); i, j = i+3, j+4 {
			n.Pix[j] = img.pixels[i]
			n.Pix[j+1] = img.pixels[i+1]
			n.Pix[j+2] = img.pixels[i+2]
			n.Pix[j+3] = 0xff
		}
		return n
	}
}

// ToRGB returns the pixels as a packed 3-channel buffer, expanding gray and
// dropping alpha. Backends use it to build model input.
func (img *Image) ToRGB() []byte {
	if img.IsEmpty() {
		return nil
	}
	n := int(img.Width) * int(img.Height)
	switch img.Channels {
	case 3:
		return img.Bytes()
	case 1:
		out := make([]byte, n*3)
		for i, v := range img.pixels[:n] {
			out[i*3], out[i*3+1], out[i*3+2] = v, v, v
		}
		return out
	default:
		out := make([]byte, n*3)
		for i := range n {
			copy(out[i*3:i*3+3], img.pixels[i*4:i*4+3])
		}
		return out
	}
}
