package annotate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/detectpipe/internal/detection"
	"github.com/tphakala/detectpipe/internal/imagebuf"
	"github.com/tphakala/detectpipe/internal/testutil"
)

func grayImage(t *testing.T, w, h uint32, v byte) *imagebuf.Image {
	t.Helper()
	pix := make([]byte, w*h)
	for i := range pix {
		pix[i] = v
	}
	img, err := imagebuf.FromRaw(pix, w, h, 1)
	require.NoError(t, err)
	return img
}

func pixel(img *imagebuf.Image, x, y int) [3]byte {
	p := img.Pix()
	off := (y*int(img.Width) + x) * 3
	return [3]byte{p[off], p[off+1], p[off+2]}
}

func TestAnnotateEmptyImage(t *testing.T) {
	t.Parallel()

	out, err := New(DefaultConfig()).Annotate(imagebuf.Empty(), []detection.Detection{{ClassID: 1}})
	require.NoError(t, err)
	assert.True(t, out.IsEmpty())
}

func TestAnnotateDrawsBox(t *testing.T) {
	t.Parallel()

	src := grayImage(t, 64, 48, 200)
	dets := []detection.Detection{{
		Box:        detection.Box{X1: 10, Y1: 20, X2: 40, Y2: 40},
		ClassID:    0,
		Confidence: 0.9,
	}}

	out, err := New(Config{ShowBox: true}).Annotate(src, dets)
	require.NoError(t, err)

	assert.Equal(t, imagebuf.Info{Width: 64, Height: 48, Channels: 3}, out.Info())
	c := ClassColor(0)
	assert.Equal(t, [3]byte{c.R, c.G, c.B}, pixel(out, 10, 20), "box corner")
	assert.Equal(t, [3]byte{c.R, c.G, c.B}, pixel(out, 40, 30), "right edge")
	assert.Equal(t, [3]byte{200, 200, 200}, pixel(out, 25, 30), "interior untouched")
	assert.Equal(t, [3]byte{200, 200, 200}, pixel(out, 0, 0), "background untouched")

	// source is not modified
	assert.Equal(t, byte(200), src.Pix()[20*64+10])
}

func TestAnnotateOnBlank(t *testing.T) {
	t.Parallel()

	src := grayImage(t, 32, 32, 255)
	out, err := New(Config{OnBlank: true}).Annotate(src, nil)
	require.NoError(t, err)
	assert.Equal(t, [3]byte{0, 0, 0}, pixel(out, 5, 5))
}

func TestAnnotateNoBoxSkipsDrawing(t *testing.T) {
	t.Parallel()

	img, err := imagebuf.FromRaw(testutil.Pixels(16, 16, 3, 9), 16, 16, 3)
	require.NoError(t, err)

	a := New(Config{ShowBox: false, ShowLabel: true, ShowConf: true})
	assert.False(t, a.Config().ShowLabel, "labels require boxes")
	assert.False(t, a.Config().ShowConf, "confidence requires labels")

	out, err := a.Annotate(img, []detection.Detection{{Box: detection.Box{X1: 1, Y1: 1, X2: 10, Y2: 10}}})
	require.NoError(t, err)
	assert.True(t, img.Equal(out))
}

func TestAnnotateSkipsDegenerateBoxes(t *testing.T) {
	t.Parallel()

	src := grayImage(t, 20, 20, 50)
	dets := []detection.Detection{
		{Box: detection.Box{X1: 5, Y1: 5, X2: 5, Y2: 15}},
		{Box: detection.Box{X1: 100, Y1: 100, X2: 200, Y2: 200}},
	}
	out, err := New(DefaultConfig()).Annotate(src, dets)
	require.NoError(t, err)
	for _, v := range out.Pix() {
		require.Equal(t, byte(50), v)
	}
}

func TestAnnotateLabelsDoNotPanicNearEdges(t *testing.T) {
	t.Parallel()

	src := grayImage(t, 40, 20, 0)
	dets := []detection.Detection{
		{Box: detection.Box{X1: 0, Y1: 0, X2: 39, Y2: 19}, Label: "a-very-long-label-name", Confidence: 0.5},
		{Box: detection.Box{X1: 30, Y1: 2, X2: 39, Y2: 10}, ClassID: 3, Confidence: 0.7},
	}
	out, err := New(DefaultConfig()).Annotate(src, dets)
	require.NoError(t, err)
	assert.Equal(t, uint32(40), out.Width)
}

func TestLabelText(t *testing.T) {
	t.Parallel()

	a := New(DefaultConfig())
	assert.Equal(t, "person 0.87", a.labelText(detection.Detection{Label: "person", Confidence: 0.871}))
	assert.Equal(t, "class 4 0.50", a.labelText(detection.Detection{ClassID: 4, Confidence: 0.5}))

	a = New(Config{ShowBox: true, ShowLabel: true})
	assert.Equal(t, "person", a.labelText(detection.Detection{Label: "person", Confidence: 0.9}))
}

func TestClassColorCycles(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ClassColor(1), ClassColor(1+len(palette)))
	assert.Equal(t, ClassColor(3), ClassColor(-3))
	assert.NotEqual(t, TextColor(ClassColor(2)), TextColor(ClassColor(4)))
}
