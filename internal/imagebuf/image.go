// Package imagebuf holds the canonical raw pixel image that flows through the
// pipeline and the conversions between it and foreign representations.
//
// An Image is row-major with a top-left origin and 1, 3 or 4 interleaved
// 8-bit channels. The zero value is the empty image: "no image" travels
// through the same type as a real one and is never an error.
package imagebuf

import (
	"fmt"

	"github.com/tphakala/detectpipe/internal/errors"
)

// Origin names the row order of a foreign pixel buffer.
type Origin int

const (
	// OriginTopLeft is the canonical layout: row 0 is the top row.
	OriginTopLeft Origin = iota
	// OriginBottomLeft is used by visualization toolkits: row 0 is the bottom row.
	OriginBottomLeft
)

func (o Origin) String() string {
	switch o {
	case OriginTopLeft:
		return "top-left"
	case OriginBottomLeft:
		return "bottom-left"
	default:
		return fmt.Sprintf("Origin(%d)", int(o))
	}
}

// Sentinel errors returned by the constructors.
var (
	ErrUnsupportedChannels = errors.NewStd("unsupported channel count")
	ErrShortBuffer         = errors.NewStd("pixel buffer shorter than width*height*channels")
)

// Info is the metadata triple exposed to foreign callers.
type Info struct {
	Width    uint32 `json:"width"`
	Height   uint32 `json:"height"`
	Channels uint32 `json:"channels"`
}

// Image is an owned raw pixel buffer. It is not safe for concurrent mutation;
// the pipeline hands an Image from stage to stage and never shares it.
type Image struct {
	Width    uint32
	Height   uint32
	Channels uint32
	pixels   []byte
}

// Empty returns a new empty image.
func Empty() *Image {
	return &Image{}
}

// ValidChannels reports whether c is a supported channel count.
func ValidChannels(c uint32) bool {
	return c == 1 || c == 3 || c == 4
}

// FromRaw copies pixels into a new Image. Degenerate input (zero width or
// height, nil or empty buffer) yields the empty image. Bytes past
// width*height*channels are ignored.
func FromRaw(pixels []byte, width, height, channels uint32) (*Image, error) {
	if width == 0 || height == 0 || len(pixels) == 0 {
		return Empty(), nil
	}

	if !ValidChannels(channels) {
		return nil, errors.New(fmt.Errorf("%w: %d", ErrUnsupportedChannels, channels)).
			Component("imagebuf").
			Category(errors.CategoryValidation).
			Context("channels", channels).
			Build()
	}

	size := uint64(width) * uint64(height) * uint64(channels)
	if uint64(len(pixels)) < size {
		return nil, errors.New(fmt.Errorf("%w: have %d, need %d", ErrShortBuffer, len(pixels), size)).
			Component("imagebuf").
			Category(errors.CategoryValidation).
			Context("width", width).
			Context("height", height).
			Context("channels", channels).
			Build()
	}

	buf := make([]byte, size)
	copy(buf, pixels)

	return &Image{Width: width, Height: height, Channels: channels, pixels: buf}, nil
}

// FromRawOrigin is FromRaw for a buffer laid out with the given origin.
// Bottom-left buffers are flipped once into canonical order.
func FromRawOrigin(pixels []byte, width, height, channels uint32, origin Origin) (*Image, error) {
	img, err := FromRaw(pixels, width, height, channels)
	if err != nil {
		return nil, err
	}
	if origin == OriginBottomLeft {
		img.FlipVertical()
	}
	return img, nil
}

// adopt wraps a buffer the caller already owns without copying.
func adopt(pixels []byte, width, height, channels uint32) *Image {
	if width == 0 || height == 0 || len(pixels) == 0 {
		return Empty()
	}
	return &Image{Width: width, Height: height, Channels: channels, pixels: pixels}
}

// IsEmpty reports whether the image holds no pixels. A nil *Image is empty.
func (img *Image) IsEmpty() bool {
	return img == nil || uint64(img.Width)*uint64(img.Height)*uint64(img.Channels) == 0 || len(img.pixels) == 0
}

// Info returns the image dimensions. The empty image reports all zeros.
func (img *Image) Info() Info {
	if img.IsEmpty() {
		return Info{}
	}
	return Info{Width: img.Width, Height: img.Height, Channels: img.Channels}
}

// Len is the pixel buffer size in bytes.
func (img *Image) Len() int {
	if img.IsEmpty() {
		return 0
	}
	return len(img.pixels)
}

// Stride is the number of bytes in one row.
func (img *Image) Stride() int {
	if img.IsEmpty() {
		return 0
	}
	return int(img.Width) * int(img.Channels)
}

// Bytes returns a copy of the pixel buffer in canonical order.
// The empty image yields an empty, non-nil slice.
func (img *Image) Bytes() []byte {
	if img.IsEmpty() {
		return []byte{}
	}
	out := make([]byte, len(img.pixels))
	copy(out, img.pixels)
	return out
}

// BytesOrigin returns a copy laid out with the requested origin.
func (img *Image) BytesOrigin(origin Origin) []byte {
	out := img.Bytes()
	if origin == OriginBottomLeft && len(out) > 0 {
		flipRows(out, img.Stride(), int(img.Height))
	}
	return out
}

// Pix exposes the backing buffer for read-only use by the holder of the
// image, e.g. a backend building its input tensor. Do not retain it after
// handing the image on.
func (img *Image) Pix() []byte {
	if img.IsEmpty() {
		return nil
	}
	return img.pixels
}

// FlipVertical reverses row order in place. Flipping twice is the identity;
// callers must track which origin the buffer is in.
func (img *Image) FlipVertical() {
	if img.IsEmpty() {
		return
	}
	flipRows(img.pixels, img.Stride(), int(img.Height))
}

func flipRows(buf []byte, stride, height int) {
	tmp := make([]byte, stride)
	for top, bottom := 0, height-1; top < bottom; top, bottom = top+1, bottom-1 {
		a := buf[top*stride : (top+1)*stride]
		b := buf[bottom*stride : (bottom+1)*stride]
		copy(tmp, a)
		copy(a, b)
		copy(b, tmp)
	}
}

// Clone returns an independent deep copy. Cloning the empty image yields a new empty image.
func (img *Image) Clone() *Image {
	if img.IsEmpty() {
		return Empty()
	}
	return &Image{
		Width:    img.Width,
		Height:   img.Height,
		Channels: img.Channels,
		pixels:   img.Bytes(),
	}
}

// Release drops the pixel buffer; the image becomes empty.
func (img *Image) Release() {
	if img == nil {
		return
	}
	img.Width, img.Height, img.Channels = 0, 0, 0
	img.pixels = nil
}

// Equal reports whether two images have identical dimensions and pixels.
// All empty images are equal.
func (img *Image) Equal(other *Image) bool {
	if img.IsEmpty() || other.IsEmpty() {
		return img.IsEmpty() && other.IsEmpty()
	}
	if img.Info() != other.Info() {
		return false
	}
	return string(img.pixels) == string(other.pixels)
}

func (img *Image) String() string {
	if img.IsEmpty() {
		return "Image(empty)"
	}
	return fmt.Sprintf("Image(%dx%dx%d)", img.Width, img.Height, img.Channels)
}
