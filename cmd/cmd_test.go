package cmd

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/detectpipe/internal/buildinfo"
	"github.com/tphakala/detectpipe/internal/conf"
	"github.com/tphakala/detectpipe/internal/testutil"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := execute(t.Context(), &buildinfo.Context{Version: "0.9.0", BuildDate: "2026-05-06"}, func(root *cobra.Command) {
		root.SetOut(&out)
		root.SetErr(&out)
		root.SetArgs(args)
	})
	return out.String(), err
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.NRGBA{R: uint8(x * 5), G: uint8(y * 3), B: 17, A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "detectpipe 0.9.0 (built 2026-05-06)\n", out)

	out, err = runCLI(t, "version", "--json")
	require.NoError(t, err)
	var v map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, "0.9.0", v["version"])
}

func TestPredictInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "predict.toml")

	out, err := runCLI(t, "predict", "--init-config", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	want, err := conf.DefaultConfig()
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, string(got))

	_, err = runCLI(t, "predict", "--init-config", path)
	require.Error(t, err, "existing files are not overwritten")
}

func TestPredictCommandWritesJSON(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "b.png"), 12, 9)
	writePNG(t, filepath.Join(dir, "a.png"), 7, 14)
	saveDir := filepath.Join(t.TempDir(), "annotated")
	outPath := filepath.Join(t.TempDir(), "results.json")

	_, err := runCLI(t, "predict", dir,
		"--backend", "mock",
		"--infer-fn", "ChannelPipeline",
		"--workers", "2",
		"--annotate",
		"--save-dir", saveDir,
		"--format", "json",
		"--output", outPath)
	require.NoError(t, err)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	var results []map[string]any
	require.NoError(t, json.Unmarshal(data, &results))
	require.Len(t, results, 2)
	assert.Equal(t, "a.png", results[0]["name"])
	assert.Equal(t, "b.png", results[1]["name"])

	assert.FileExists(t, filepath.Join(saveDir, "a.png"))
	assert.FileExists(t, filepath.Join(saveDir, "b.png"))
}

func TestPredictCommandReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "only.png"), 5, 5)
	cfg := testutil.WriteFile(t, t.TempDir(), "predict.toml", `
[predict]
backend = "mock"
infer_fn = "Sequential"
source = "`+filepath.Join(dir, "only.png")+`"
`)

	out, err := runCLI(t, "predict", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "INDEX")
	assert.Contains(t, out, "only.png")
}

func TestPredictCommandRejectsBadSettings(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"), 4, 4)

	_, err := runCLI(t, "predict", dir, "--backend", "mock", "--infer-fn", "Turbo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Turbo")

	_, err = runCLI(t, "predict", dir, "--backend", "mock", "--conf", "1.5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "predict.conf")
}
