// Package source resolves prediction sources (a file, a directory or a list
// of files) and decodes them into canonical images.
package source

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	// registered decoders
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/tphakala/detectpipe/internal/errors"
	"github.com/tphakala/detectpipe/internal/imagebuf"
	"github.com/tphakala/detectpipe/internal/logger"
)

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".gif", ".webp", ".tiff", ".tif"}

// IsImageFile reports whether path has a supported image extension.
func IsImageFile(path string) bool {
	return slices.Contains(imageExtensions, strings.ToLower(filepath.Ext(path)))
}

// Stem returns the file name without its extension.
func Stem(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Collect expands sources into an ordered list of image paths. Directories
// contribute their image files (not recursive) sorted by name; files without
// an image extension are ignored. A source that does not exist is an error.
func Collect(sources []string) ([]string, error) {
	var paths []string
	for _, src := range sources {
		info, err := os.Stat(src)
		if err != nil {
			return nil, errors.New(err).
				Component("source").
				Category(errors.CategoryNotFound).
				FileContext(src, 0).
				Build()
		}

		if !info.IsDir() {
			if IsImageFile(src) {
				paths = append(paths, src)
			} else {
				GetLogger().Warn("skipping non-image source", logger.String("path", src))
			}
			continue
		}

		entries, err := os.ReadDir(src)
		if err != nil {
			return nil, errors.New(err).
				Component("source").
				Category(errors.CategoryFileIO).
				Context("operation", "read_dir").
				Build()
		}
		var found []string
		for _, e := range entries {
			if e.Type().IsRegular() && IsImageFile(e.Name()) {
				found = append(found, filepath.Join(src, e.Name()))
			}
		}
		slices.Sort(found)
		paths = append(paths, found...)
	}
	return paths, nil
}

// Decode reads one image in any registered format.
func Decode(r io.Reader) (*imagebuf.Image, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, errors.New(fmt.Errorf("image decode failed: %w", err)).
			Component("source").
			Category(errors.CategoryImageDecode).
			Build()
	}
	out := imagebuf.FromStdImage(img)
	GetLogger().Debug("image decoded",
		logger.String("format", format),
		logger.Any("info", out.Info()))
	return out, nil
}

// DecodeBytes decodes an in-memory encoded image.
func DecodeBytes(data []byte) (*imagebuf.Image, error) {
	return Decode(bytes.NewReader(data))
}

// LoadFile decodes the image at path.
func LoadFile(path string) (*imagebuf.Image, error) {
	f, err := os.Open(path) //nolint:gosec // paths come from the user's source list
	if err != nil {
		return nil, errors.New(err).
			Component("source").
			Category(errors.CategoryFileIO).
			FileContext(path, 0).
			Build()
	}
	defer func() { _ = f.Close() }()

	img, err := Decode(f)
	if err != nil {
		return nil, errors.New(err).
			Component("source").
			Category(errors.CategoryImageDecode).
			FileContext(path, 0).
			Build()
	}
	return img, nil
}

// Batch is a set of decoded images with their display names, ready to be
// handed to the pipeline.
type Batch struct {
	Images []*imagebuf.Image
	Names  []string
	Paths  []string
}

// Len returns the number of images.
func (b *Batch) Len() int { return len(b.Images) }

// Load decodes every path in order. Files that cannot be read or decoded are
// logged and skipped, so the batch may be shorter than paths.
func Load(ctx context.Context, paths []string) (*Batch, error) {
	b := &Batch{
		Images: make([]*imagebuf.Image, 0, len(paths)),
		Names:  make([]string, 0, len(paths)),
		Paths:  make([]string, 0, len(paths)),
	}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := LoadFile(p)
		if err != nil {
			GetLogger().Error("failed to open image, skipping",
				logger.String("path", p),
				logger.Error(err))
			continue
		}
		b.Images = append(b.Images, img)
		b.Names = append(b.Names, filepath.Base(p))
		b.Paths = append(b.Paths, p)
	}
	return b, nil
}

// Open collects and loads sources in one step.
func Open(ctx context.Context, sources []string) (*Batch, error) {
	paths, err := Collect(sources)
	if err != nil {
		return nil, err
	}
	return Load(ctx, paths)
}
