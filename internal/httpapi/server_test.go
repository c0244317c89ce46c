package httpapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/detectpipe/internal/buildinfo"
	"github.com/tphakala/detectpipe/internal/conf"
	"github.com/tphakala/detectpipe/internal/observability"
	"github.com/tphakala/detectpipe/internal/testutil"
)

func testServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	v := conf.NewViper()
	v.Set("predict.backend", "mock")
	settings, err := conf.LoadWith(v, "")
	require.NoError(t, err)

	s := New(settings, opts...)
	t.Cleanup(s.runner.Close)
	return s
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.NRGBA{R: uint8(x * 7), G: uint8(y * 11), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type upload struct {
	name string
	data []byte
}

func multipartBody(t *testing.T, files ...upload) (io.Reader, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, f := range files {
		part, err := mw.CreateFormFile(ImagesField, f.name)
		require.NoError(t, err)
		_, err = part.Write(f.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func doPredict(t *testing.T, s *Server, query string, files ...upload) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, files...)
	req := httptest.NewRequest(http.MethodPost, RoutePredict+query, body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	s := testServer(t, WithBuildInfo(&buildinfo.Context{Version: "1.2.3", BuildDate: "2026-01-02"}))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, RouteHealth, http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
	assert.Equal(t, "mock", body["backend"])
}

func TestPredictReturnsOrderedResults(t *testing.T) {
	t.Parallel()

	s := testServer(t)
	rec := doPredict(t, s, "?annotate=true&infer_fn=ChannelPipeline",
		upload{"first.png", pngBytes(t, 32, 24)},
		upload{"second.png", pngBytes(t, 16, 40)},
	)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp PredictResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ChannelPipeline", resp.Mode)
	assert.Equal(t, 2, resp.Count)
	assert.NotEmpty(t, resp.RequestID)
	require.Len(t, resp.Results, 2)

	for i, want := range []string{"first.png", "second.png"} {
		r := resp.Results[i]
		assert.Equal(t, i, r.Index)
		assert.Equal(t, want, r.Name)
		assert.NotEmpty(t, r.Detections)

		raw, err := base64.StdEncoding.DecodeString(r.AnnotatedPNG)
		require.NoError(t, err)
		cfg, err := png.DecodeConfig(bytes.NewReader(raw))
		require.NoError(t, err)
		assert.Positive(t, cfg.Width)
	}
}

func TestPredictWithoutAnnotationOmitsImages(t *testing.T) {
	t.Parallel()

	s := testServer(t)
	rec := doPredict(t, s, "", upload{"a.png", pngBytes(t, 8, 8)})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp PredictResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Empty(t, resp.Results[0].AnnotatedPNG)
	assert.NotContains(t, rec.Body.String(), "annotated_png")
}

func TestPredictRejectsBadRequests(t *testing.T) {
	t.Parallel()

	s := testServer(t)
	tests := []struct {
		name  string
		query string
		files []upload
	}{
		{"no files", "", nil},
		{"unknown mode", "?infer_fn=Warp", []upload{{"a.png", pngBytes(t, 4, 4)}}},
		{"bad batch", "?batch=0", []upload{{"a.png", pngBytes(t, 4, 4)}}},
		{"bad annotate", "?annotate=maybe", []upload{{"a.png", pngBytes(t, 4, 4)}}},
		{"undecodable", "", []upload{{"notes.png", []byte("plain text")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doPredict(t, s, tt.query, tt.files...)
			require.Equal(t, http.StatusBadRequest, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, http.StatusBadRequest, resp.Code)
			assert.NotEmpty(t, resp.CorrelationID)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	t.Parallel()

	m, err := observability.NewMetrics()
	require.NoError(t, err)
	s := testServer(t, WithMetrics(m))

	rec := doPredict(t, s, "", upload{"a.png", pngBytes(t, 8, 8)})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, RouteMetrics, http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `detectpipe_http_requests_total{code="200",route="/api/v1/predict"} 1`)
	assert.Contains(t, body, "detectpipe_runs_total")
}

func TestServeAndShutdown(t *testing.T) {
	t.Parallel()

	s := testServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, s.Serve(ln))
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + RouteHealth) //nolint:noctx // test probe
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, testutil.DefaultTestTimeout, 10*time.Millisecond)

	require.NoError(t, s.Shutdown(testutil.Context(t, testutil.ShortTestTimeout)))
	testutil.WaitForChannel(t, done, testutil.ShortTestTimeout, "Serve did not return after Shutdown")
}
