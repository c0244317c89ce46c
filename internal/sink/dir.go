package sink

import (
	"context"
	"fmt"
	"image/png"
	"os"
	"path/filepath"

	"github.com/tphakala/detectpipe/internal/errors"
	"github.com/tphakala/detectpipe/internal/logger"
	"github.com/tphakala/detectpipe/internal/source"
)

// DirSink writes annotated images as <stem>.png into a directory that is
// cleared at the start of every run. When two inputs of a run share a stem
// the later one is written as <stem>_<index>.png.
type DirSink struct {
	dir   string
	saved int
	used  map[string]struct{}
}

// NewDirSink creates a directory sink.
func NewDirSink(dir string) *DirSink {
	return &DirSink{dir: dir}
}

func (d *DirSink) Name() string { return "dir" }

// Dir returns the output directory.
func (d *DirSink) Dir() string { return d.dir }

func (d *DirSink) Start(_ context.Context, run RunInfo) error {
	if err := checkClearable(d.dir); err != nil {
		return err
	}
	if err := os.RemoveAll(d.dir); err != nil {
		return d.fileError(err, "clear_dir")
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return d.fileError(err, "create_dir")
	}
	d.saved = 0
	d.used = make(map[string]struct{})
	GetLogger().Debug("save directory prepared",
		logger.String("run_id", run.ID),
		logger.String("dir", d.dir))
	return nil
}

// Save skips items without an annotated image.
func (d *DirSink) Save(ctx context.Context, item Item) error {
	if item.Annotated.IsEmpty() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	path := filepath.Join(d.dir, d.fileName(item))
	f, err := os.Create(path) //nolint:gosec // path is inside the configured save_dir
	if err != nil {
		return d.fileError(err, "create_file")
	}
	if err := png.Encode(f, item.Annotated.ToStdImage()); err != nil {
		_ = f.Close()
		return errors.New(fmt.Errorf("failed to encode annotated image: %w", err)).
			Component("sink").
			Category(errors.CategoryFileIO).
			FileContext(path, 0).
			Build()
	}
	if err := f.Close(); err != nil {
		return d.fileError(err, "close_file")
	}
	d.saved++
	return nil
}

// fileName returns a name not yet written in this run.
func (d *DirSink) fileName(item Item) string {
	if d.used == nil {
		d.used = make(map[string]struct{})
	}
	stem := source.Stem(item.Name)
	name := stem + ".png"
	if _, taken := d.used[name]; taken {
		name = fmt.Sprintf("%s_%d.png", stem, item.Index)
		GetLogger().Warn("duplicate output name, writing with index suffix",
			logger.String("input", item.Name),
			logger.String("file", name))
	}
	d.used[name] = struct{}{}
	return name
}

func (d *DirSink) Finish(_ context.Context, summary Summary) error {
	if summary.Err == nil {
		GetLogger().Info("results saved to directory",
			logger.String("run_id", summary.RunID),
			logger.String("dir", d.dir),
			logger.Int("files", d.saved))
	}
	return nil
}

func (d *DirSink) fileError(err error, op string) error {
	return errors.New(err).
		Component("sink").
		Category(errors.CategoryFileIO).
		Context("operation", op).
		Context("dir", d.dir).
		Build()
}

// checkClearable rejects directories that must never be wiped.
func checkClearable(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil || dir == "" {
		return errors.Newf("invalid save directory %q", dir).
			Component("sink").
			Category(errors.CategoryConfiguration).
			Build()
	}

	protected := []string{filepath.VolumeName(abs) + string(filepath.Separator)}
	if cwd, err := os.Getwd(); err == nil {
		protected = append(protected, cwd)
	}
	if home, err := os.UserHomeDir(); err == nil {
		protected = append(protected, home)
	}
	for _, p := range protected {
		if filepath.Clean(p) == abs {
			return errors.Newf("refusing to clear save directory %q", dir).
				Component("sink").
				Category(errors.CategoryConfiguration).
				Build()
		}
	}
	return nil
}
