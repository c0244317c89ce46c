package source

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/detectpipe/internal/errors"
	"github.com/tphakala/detectpipe/internal/imagebuf"
	"github.com/tphakala/detectpipe/internal/testutil"
)

func writePNG(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = byte(i)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return testutil.WriteFile(t, dir, name, buf.String())
}

func TestIsImageFile(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"a.png", "b.JPG", "c.jpeg", "d.webp", "e.tif", "f.tiff", "g.bmp", "h.gif"} {
		assert.True(t, IsImageFile(name), name)
	}
	for _, name := range []string{"a.txt", "b", "c.png.bak"} {
		assert.False(t, IsImageFile(name), name)
	}
}

func TestStem(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "cat", Stem("/x/y/cat.png"))
	assert.Equal(t, "frame_3", Stem("frame_3"))
	assert.Equal(t, "archive.tar", Stem("archive.tar.gz"))
}

func TestCollectDirectorySorted(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePNG(t, dir, "b.png", 2, 2)
	writePNG(t, dir, "a.png", 2, 2)
	testutil.WriteFile(t, dir, "notes.txt", "hi")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.png"), 0o755))

	single := writePNG(t, t.TempDir(), "z.png", 2, 2)

	paths, err := Collect([]string{dir, single})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.png"),
		filepath.Join(dir, "b.png"),
		single,
	}, paths)
}

func TestCollectMissingSource(t *testing.T) {
	t.Parallel()

	_, err := Collect([]string{filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestLoadSkipsUnreadable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := writePNG(t, dir, "good.png", 3, 2)
	bad := testutil.WriteFile(t, dir, "bad.png", "not a png")

	b, err := Load(t.Context(), []string{bad, good})
	require.NoError(t, err)
	require.Equal(t, 1, b.Len())
	assert.Equal(t, []string{"good.png"}, b.Names)
	assert.Equal(t, imagebuf.Info{Width: 3, Height: 2, Channels: 1}, b.Images[0].Info())
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5}, b.Images[0].Bytes())
}

func TestDecodeRGBA(t *testing.T) {
	t.Parallel()

	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	src.SetNRGBA(0, 0, color.NRGBA{R: 1, G: 2, B: 3, A: 255})
	src.SetNRGBA(1, 0, color.NRGBA{R: 4, G: 5, B: 6, A: 128})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))

	img, err := DecodeBytes(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint32(4), img.Channels)
	assert.Equal(t, []byte{1, 2, 3, 255, 4, 5, 6, 128}, img.Bytes())
}

func TestDecodeGarbage(t *testing.T) {
	t.Parallel()

	_, err := DecodeBytes([]byte("garbage"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryImageDecode))
}

func TestOpenCancelled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePNG(t, dir, "a.png", 2, 2)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := Open(ctx, []string{dir})
	assert.ErrorIs(t, err, context.Canceled)
}
