package analysis

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/detectpipe/internal/backend"
	"github.com/tphakala/detectpipe/internal/conf"
	"github.com/tphakala/detectpipe/internal/cpuspec"
	"github.com/tphakala/detectpipe/internal/detection"
	"github.com/tphakala/detectpipe/internal/errors"
	"github.com/tphakala/detectpipe/internal/imagebuf"
	"github.com/tphakala/detectpipe/internal/pipeline"
	"github.com/tphakala/detectpipe/internal/testutil"
)

// testSettings loads defaults with the mock backend selected.
func testSettings(t *testing.T) *conf.Settings {
	t.Helper()
	v := conf.NewViper()
	v.Set("predict.backend", "mock")
	s, err := conf.LoadWith(v, "")
	require.NoError(t, err)
	return s
}

func writePNG(t *testing.T, path string, w, h int, shade uint8) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.NRGBA{R: shade, G: uint8(x), B: uint8(y), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
}

func TestBackendConfigFromSettings(t *testing.T) {
	t.Parallel()

	p := &conf.PredictSettings{
		Backend:      "tflite",
		Model:        "/models/det.tflite",
		Labels:       "/models/labels.txt",
		Device:       "auto",
		Conf:         0.4,
		IoU:          0.5,
		MaxDet:       50,
		ImgSz:        320,
		InferFn:      "ChannelPipeline",
		InferWorkers: 2,
	}
	cfg := BackendConfig(p)

	spec := cpuspec.GetCPUSpec()
	assert.Equal(t, spec.ResolveDevice("auto"), cfg.Device)
	assert.NotEqual(t, "auto", cfg.Device)
	assert.Equal(t, spec.ThreadsFor(0, 2), cfg.Threads)
	assert.InDelta(t, 0.4, cfg.Conf, 1e-6)
	assert.InDelta(t, 0.5, cfg.IoU, 1e-6)
	assert.Equal(t, 50, cfg.MaxDet)
	assert.Equal(t, 320, cfg.ImgSz)

	p.InferFn = "BatchSequential"
	p.Threads = 3
	cfg = BackendConfig(p)
	assert.Equal(t, 3, cfg.Threads)

	p.Threads = 0
	assert.Zero(t, BackendConfig(p).Threads, "sequential runs leave thread selection to the backend")
}

func TestAnnotateConfigFromSettings(t *testing.T) {
	t.Parallel()

	cfg := AnnotateConfig(&conf.AnnotateSettings{OnBlank: true, ShowBox: true})
	assert.True(t, cfg.OnBlank)
	assert.True(t, cfg.ShowBox)
	assert.False(t, cfg.ShowLabel)
	assert.False(t, cfg.ShowConf)
}

func TestRunnerReusesLoadedModel(t *testing.T) {
	t.Parallel()

	registry := backend.NewRegistry(0)
	t.Cleanup(registry.Close)
	r := NewRunner(WithRegistry(registry))
	s := testSettings(t)

	for range 2 {
		img, err := imagebuf.FromRaw(testutil.Pixels(6, 4, 3, 9), 6, 4, 3)
		require.NoError(t, err)
		results, err := r.Run(t.Context(), s, &pipeline.Input{Images: []*imagebuf.Image{img}}, nil)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, detection.FrameName(0), results[0].Name)
	}
	assert.Equal(t, 1, registry.Len())
}

func TestRunnerRejectsBadOptionsBeforeConsumingInput(t *testing.T) {
	t.Parallel()

	r := NewRunner()
	t.Cleanup(r.Close)
	s := testSettings(t)
	s.Predict.Batch = 0

	img, err := imagebuf.FromRaw(testutil.Pixels(2, 2, 1, 0), 2, 2, 1)
	require.NoError(t, err)
	in := &pipeline.Input{Images: []*imagebuf.Image{img}}

	_, err = r.Run(t.Context(), s, in, nil)
	require.ErrorIs(t, err, pipeline.ErrInvalidBatchSize)
	assert.Same(t, img, in.Images[0])

	s.Predict.Batch = 2
	s.Predict.InferFn = "Fastest"
	_, err = r.Run(t.Context(), s, in, nil)
	require.ErrorIs(t, err, pipeline.ErrUnknownMode)
	assert.Same(t, img, in.Images[0])

	s.Predict.InferFn = "Sequential"
	s.Predict.Backend = "onnx"
	_, err = r.Run(t.Context(), s, in, nil)
	require.ErrorIs(t, err, backend.ErrUnknownBackend)
	assert.Same(t, img, in.Images[0])
}

func TestPredictSourcesWritesAnnotatedImages(t *testing.T) {
	t.Parallel()

	srcDir := t.TempDir()
	writePNG(t, filepath.Join(srcDir, "b.png"), 16, 12, 40)
	writePNG(t, filepath.Join(srcDir, "a.png"), 20, 10, 200)
	testutil.WriteFile(t, srcDir, "notes.txt", "not an image")

	s := testSettings(t)
	s.Predict.Source = []string{srcDir}
	s.Predict.Annotate = true
	s.Predict.SaveDir = filepath.Join(t.TempDir(), "out")
	s.Output.SQLite.Enabled = true
	s.Output.SQLite.Path = filepath.Join(t.TempDir(), "runs.db")

	r := NewRunner()
	t.Cleanup(r.Close)

	results, err := PredictSources(t.Context(), s, r)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a.png", results[0].Name)
	assert.Equal(t, "b.png", results[1].Name)
	assert.True(t, results[0].HasAnnotated())

	for _, name := range []string{"a.png", "b.png"} {
		assert.FileExists(t, filepath.Join(s.Predict.SaveDir, name))
	}
	assert.FileExists(t, s.Output.SQLite.Path)
}

func TestPredictSourcesWithoutImages(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.WriteFile(t, dir, "readme.md", "# nothing")

	s := testSettings(t)
	s.Predict.Source = []string{dir}
	r := NewRunner()
	t.Cleanup(r.Close)

	_, err := PredictSources(t.Context(), s, r)
	require.ErrorIs(t, err, ErrNoImages)
	assert.True(t, errors.IsNotFound(err))
}

func TestWriteResults(t *testing.T) {
	t.Parallel()

	results := []*detection.Result{
		detection.NewResult(0, "cat.jpg", []detection.Detection{
			{Box: detection.Box{X1: 1, Y1: 2, X2: 30, Y2: 40}, ClassID: 15, Label: "cat", Confidence: 0.91},
		}),
		detection.NewResult(1, "", nil),
	}

	var table bytes.Buffer
	require.NoError(t, WriteResults(&table, results, FormatTable))
	out := table.String()
	assert.Contains(t, out, "INDEX")
	assert.Contains(t, out, "cat.jpg")
	assert.Contains(t, out, "cat 0.91")
	assert.Contains(t, out, "frame_1")

	var js bytes.Buffer
	require.NoError(t, WriteResults(&js, results, FormatJSON))
	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "cat.jpg", decoded[0]["name"])

	err := WriteResults(&js, results, "xml")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}
