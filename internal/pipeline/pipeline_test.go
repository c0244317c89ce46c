package pipeline

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/detectpipe/internal/annotate"
	"github.com/tphakala/detectpipe/internal/backend"
	"github.com/tphakala/detectpipe/internal/conf"
	"github.com/tphakala/detectpipe/internal/detection"
	"github.com/tphakala/detectpipe/internal/errors"
	"github.com/tphakala/detectpipe/internal/imagebuf"
	"github.com/tphakala/detectpipe/internal/logger"
	"github.com/tphakala/detectpipe/internal/observability/metrics"
	"github.com/tphakala/detectpipe/internal/sink"
	"github.com/tphakala/detectpipe/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// newImage builds a w*h*c image whose content depends on seed.
func newImage(t *testing.T, w, h, c int, seed byte) *imagebuf.Image {
	t.Helper()
	img, err := imagebuf.FromRaw(testutil.Pixels(w, h, c, seed), uint32(w), uint32(h), uint32(c))
	require.NoError(t, err)
	return img
}

// smallImages returns n distinct small images, every seventh one empty.
func smallImages(t *testing.T, n int) []*imagebuf.Image {
	t.Helper()
	images := make([]*imagebuf.Image, n)
	for i := range n {
		if i%7 == 6 {
			images[i] = imagebuf.Empty()
			continue
		}
		images[i] = newImage(t, 8+i%5, 6+i%3, []int{1, 3, 4}[i%3], byte(i*31))
	}
	return images
}

func optionsFor(mode Mode, batch int) Options {
	opts := DefaultOptions()
	opts.Mode = mode
	opts.BatchSize = batch
	return opts
}

func detectionsOf(results []*detection.Result) [][]detection.Detection {
	out := make([][]detection.Detection, len(results))
	for i, r := range results {
		out[i] = r.Detections
	}
	return out
}

func releaseAll(results []*detection.Result) {
	for _, r := range results {
		r.Release()
	}
}

// baseline runs images through Sequential.
func baseline(t *testing.T, images []*imagebuf.Image) [][]detection.Detection {
	t.Helper()
	copies := make([]*imagebuf.Image, len(images))
	for i, img := range images {
		copies[i] = img.Clone()
	}
	results, err := Run(t.Context(), &Input{Images: copies}, optionsFor(Sequential, 1), Deps{Backend: backend.NewMock(backend.MockOptions{})})
	require.NoError(t, err)
	return detectionsOf(results)
}

func cloneAll(images []*imagebuf.Image) []*imagebuf.Image {
	out := make([]*imagebuf.Image, len(images))
	for i, img := range images {
		out[i] = img.Clone()
	}
	return out
}

// recordingSink keeps every call it receives.
type recordingSink struct {
	mu       sync.Mutex
	run      sink.RunInfo
	items    []sink.Item
	nonEmpty int
	summary  *sink.Summary
	failOn   int // index whose Save fails; -1 disables
}

func newRecordingSink() *recordingSink { return &recordingSink{failOn: -1} }

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Start(_ context.Context, run sink.RunInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run = run
	return nil
}

func (s *recordingSink) Save(_ context.Context, item sink.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.Index == s.failOn {
		return fmt.Errorf("disk full at %d", item.Index)
	}
	if item.Annotated != nil && !item.Annotated.IsEmpty() {
		s.nonEmpty++
	}
	item.Annotated = nil
	s.items = append(s.items, item)
	return nil
}

func (s *recordingSink) Finish(_ context.Context, summary sink.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary = &summary
	return nil
}

type failingAnnotator struct{}

func (failingAnnotator) Annotate(*imagebuf.Image, []detection.Detection) (*imagebuf.Image, error) {
	return nil, errors.NewStd("font missing")
}

func TestAssemble(t *testing.T) {
	t.Parallel()

	images := make([]*imagebuf.Image, 10)
	for i := range images {
		images[i] = imagebuf.Empty()
	}
	batches := Assemble(images, 3)
	require.Len(t, batches, 4)

	var sizes, indices []int
	for seq, b := range batches {
		assert.Equal(t, seq, b.Seq)
		sizes = append(sizes, b.Len())
		indices = append(indices, b.Indices...)
	}
	assert.Equal(t, []int{3, 3, 3, 1}, sizes)
	assert.True(t, slices.IsSorted(indices))
	assert.Len(t, indices, 10)

	assert.Empty(t, Assemble(nil, 5))
	assert.Zero(t, BatchCount(0, 5))
	assert.Equal(t, 4, BatchCount(10, 3))
	assert.Zero(t, BatchCount(3, 0))
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	for _, m := range Modes() {
		got, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}

	_, err := ParseMode("sequential")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownMode)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	assert.True(t, BatchChannelPipeline.Batched())
	assert.True(t, BatchChannelPipeline.Pipelined())
	assert.False(t, ChannelPipeline.Batched())
	assert.False(t, BatchSequential.Pipelined())
}

func TestNewRejectsMisconfiguration(t *testing.T) {
	t.Parallel()

	mock := backend.NewMock(backend.MockOptions{})
	tests := []struct {
		name   string
		mutate func(*Options, *Deps)
		want   error
	}{
		{"zero batch", func(o *Options, _ *Deps) { o.BatchSize = 0 }, ErrInvalidBatchSize},
		{"negative batch", func(o *Options, _ *Deps) { o.BatchSize = -2 }, ErrInvalidBatchSize},
		{"zero capacity", func(o *Options, _ *Deps) { o.ChannelCapacity = 0 }, ErrInvalidChannelCapacity},
		{"zero workers", func(o *Options, _ *Deps) { o.InferWorkers = 0 }, ErrInvalidInferWorkers},
		{"unknown mode", func(o *Options, _ *Deps) { o.Mode = "Turbo" }, ErrUnknownMode},
		{"no backend", func(_ *Options, d *Deps) { d.Backend = nil }, ErrNoBackend},
		{"annotate without annotator", func(o *Options, _ *Deps) { o.Annotate = true }, ErrNoAnnotator},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			opts := DefaultOptions()
			deps := Deps{Backend: mock}
			tt.mutate(&opts, &deps)

			in := &Input{Images: []*imagebuf.Image{newImage(t, 2, 2, 3, 1)}}
			results, err := Run(t.Context(), in, opts, deps)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
			assert.Nil(t, results)
			assert.NotNil(t, in.Images[0], "input must not be consumed on misconfiguration")
		})
	}
}

func TestSequentialModesIgnoreChannelSettings(t *testing.T) {
	t.Parallel()

	opts := optionsFor(BatchSequential, 2)
	opts.ChannelCapacity = 0
	opts.InferWorkers = 0
	s, err := New(opts, Deps{Backend: backend.NewMock(backend.MockOptions{})})
	require.NoError(t, err)
	assert.Equal(t, BatchSequential, s.Name())
}

func TestAllModesReturnResultsInInputOrder(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 7, 16} {
		images := smallImages(t, n)
		want := baseline(t, images)

		for _, mode := range Modes() {
			t.Run(fmt.Sprintf("%s/%d", mode, n), func(t *testing.T) {
				in := &Input{Images: cloneAll(images)}
				results, err := Run(t.Context(), in, optionsFor(mode, 3), Deps{Backend: backend.NewMock(backend.MockOptions{})})
				require.NoError(t, err)
				require.Len(t, results, n)
				for i, r := range results {
					assert.Equal(t, i, r.Index)
					assert.Equal(t, detection.FrameName(i), r.Name)
					assert.False(t, r.HasAnnotated())
				}
				assert.Equal(t, want, detectionsOf(results))
				for _, img := range in.Images {
					assert.Nil(t, img, "input slots are cleared on move-in")
				}
			})
		}
	}
}

func TestMixedShapesScenario(t *testing.T) {
	t.Parallel()

	mock := backend.NewMock(backend.MockOptions{})
	in := &Input{Images: []*imagebuf.Image{
		newImage(t, 640, 480, 3, 10),
		imagebuf.Empty(),
		newImage(t, 1280, 720, 1, 20),
	}}
	opts := optionsFor(BatchChannelPipeline, 2)
	opts.Annotate = true

	results, err := Run(t.Context(), in, opts, Deps{Backend: mock, Annotator: annotate.New(annotate.DefaultConfig())})
	require.NoError(t, err)
	defer releaseAll(results)

	require.Len(t, results, 3)
	assert.Equal(t, int64(2), mock.BatchCalls(), "batches [img0,img1] and [img2]")
	for i, r := range results {
		assert.Equal(t, i, r.Index)
	}

	assert.Empty(t, results[1].Detections)
	peeked := results[1].Peek()
	assert.True(t, peeked.IsEmpty())
	assert.Equal(t, imagebuf.Info{}, peeked.Info())

	for _, i := range []int{0, 2} {
		r := results[i]
		a, b := r.Peek(), r.Peek()
		require.False(t, a.IsEmpty())
		assert.True(t, a.Equal(b))
		assert.NotSame(t, a, b)
		assert.Equal(t, []uint32{640, 1280}[i/2], a.Width)

		taken := r.Take()
		assert.True(t, taken.Equal(a))
		assert.True(t, r.Consumed())
		assert.True(t, r.Take().IsEmpty())
		assert.True(t, r.Peek().IsEmpty())
	}
}

func TestPipelinedStressMatchesSequential(t *testing.T) {
	t.Parallel()
	if testing.Short() {
		t.Skip("stress run")
	}

	images := make([]*imagebuf.Image, 1000)
	for i := range images {
		images[i] = newImage(t, 4+i%9, 3+i%4, 3, byte(i))
	}
	want := baseline(t, images)

	for _, mode := range []Mode{ChannelPipeline, BatchChannelPipeline} {
		t.Run(mode.String(), func(t *testing.T) {
			t.Parallel()
			opts := optionsFor(mode, 8)
			opts.InferWorkers = 4
			opts.ChannelCapacity = 4

			ctx := testutil.Context(t, testutil.LongTestTimeout)
			results, err := Run(ctx, &Input{Images: cloneAll(images)}, opts, Deps{Backend: backend.NewMock(backend.MockOptions{})})
			require.NoError(t, err)
			require.Len(t, results, len(images))
			for i, r := range results {
				require.Equal(t, i, r.Index)
			}
			assert.Equal(t, want, detectionsOf(results))
		})
	}
}

func TestBackendFailureAbortsEveryMode(t *testing.T) {
	t.Parallel()

	for _, mode := range Modes() {
		t.Run(mode.String(), func(t *testing.T) {
			t.Parallel()
			mock := backend.NewMock(backend.MockOptions{FailAfter: 5})
			rec := newRecordingSink()
			opts := optionsFor(mode, 4)
			opts.InferWorkers = 2

			in := &Input{Images: smallImages(t, 20)}
			results, err := Run(t.Context(), in, opts, Deps{Backend: mock, Sink: rec})
			require.Error(t, err)
			assert.Nil(t, results)
			assert.ErrorIs(t, err, backend.ErrMockFailure)
			assert.True(t, errors.IsCategory(err, errors.CategoryInference), "got %v", err)

			require.NotNil(t, rec.summary)
			assert.Error(t, rec.summary.Err)
			assert.Less(t, rec.summary.Processed, 20)
		})
	}
}

func TestBatchUnsupportedFallsBackToPerImage(t *testing.T) {
	t.Parallel()

	images := smallImages(t, 11)
	want := baseline(t, images)

	for _, mode := range []Mode{BatchSequential, BatchChannelPipeline} {
		t.Run(mode.String(), func(t *testing.T) {
			t.Parallel()
			m, err := metrics.NewPipelineMetrics(prometheus.NewRegistry())
			require.NoError(t, err)
			mock := backend.NewMock(backend.MockOptions{NoBatch: true})

			results, err := Run(t.Context(), &Input{Images: cloneAll(images)}, optionsFor(mode, 4), Deps{Backend: mock, Metrics: m})
			require.NoError(t, err)
			assert.Equal(t, want, detectionsOf(results))
			assert.Zero(t, mock.BatchCalls())
			assert.Equal(t, int64(len(images)), mock.Calls())
			assert.InDelta(t, 1, metrics.CounterValue(m.BatchFallbacks, "mock"), 0)
		})
	}
}

func TestUnsafeBackendIsSerialized(t *testing.T) {
	t.Parallel()

	mock := backend.NewMock(backend.MockOptions{Unsafe: true, Delay: time.Millisecond})
	opts := optionsFor(ChannelPipeline, 1)
	opts.InferWorkers = 4

	results, err := Run(t.Context(), &Input{Images: smallImages(t, 24)}, opts, Deps{Backend: mock})
	require.NoError(t, err)
	assert.Len(t, results, 24)
	assert.Equal(t, int32(1), mock.MaxInflight())
}

func TestConcurrentRunsShareSerializedBackend(t *testing.T) {
	t.Parallel()

	for _, mode := range Modes() {
		t.Run(mode.String(), func(t *testing.T) {
			t.Parallel()
			mock := backend.NewMock(backend.MockOptions{Unsafe: true, Delay: 2 * time.Millisecond})
			s, err := New(optionsFor(mode, 2), Deps{Backend: mock})
			require.NoError(t, err)

			inputs := make([]*Input, 3)
			for i := range inputs {
				inputs[i] = &Input{Images: smallImages(t, 6)}
			}
			counts := make([]int, len(inputs))
			errs := make([]error, len(inputs))

			var wg sync.WaitGroup
			for i, in := range inputs {
				wg.Go(func() {
					results, err := s.Run(t.Context(), in)
					counts[i], errs[i] = len(results), err
					releaseAll(results)
				})
			}
			wg.Wait()

			for i, err := range errs {
				require.NoError(t, err)
				assert.Equal(t, 6, counts[i])
			}
			assert.Equal(t, int32(1), mock.MaxInflight())
		})
	}
}

// gatedSink blocks every Save until the gate opens and tracks how many
// images the backend has finished that the sink has not yet saved.
type gatedSink struct {
	gate    chan struct{}
	mock    *backend.Mock
	saved   atomic.Int64
	maxLead atomic.Int64
}

func (s *gatedSink) Name() string { return "gated" }

func (s *gatedSink) Start(context.Context, sink.RunInfo) error { return nil }

func (s *gatedSink) Save(ctx context.Context, _ sink.Item) error {
	select {
	case <-s.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.observe()
	s.saved.Add(1)
	return nil
}

func (s *gatedSink) Finish(context.Context, sink.Summary) error { return nil }

// lead reads the backend count before the saved count, so it never
// overstates the images held between the two.
func (s *gatedSink) lead() int64 {
	processed := s.mock.Images()
	return processed - s.saved.Load()
}

func (s *gatedSink) observe() {
	lead := s.lead()
	for {
		cur := s.maxLead.Load()
		if lead <= cur || s.maxLead.CompareAndSwap(cur, lead) {
			return
		}
	}
}

func TestSlowSinkBlocksUpstreamStages(t *testing.T) {
	t.Parallel()

	const (
		n        = 48
		capacity = 2
		workers  = 3
	)
	// images held in infer workers, in inferCh and annotateCh, and one each
	// in the annotate and save goroutines
	bound := int64(2*capacity + workers + 2)

	m, err := metrics.NewPipelineMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	mock := backend.NewMock(backend.MockOptions{Delay: time.Millisecond})
	snk := &gatedSink{gate: make(chan struct{}), mock: mock}

	opts := optionsFor(ChannelPipeline, 1)
	opts.ChannelCapacity = capacity
	opts.InferWorkers = workers

	in := &Input{Images: smallImages(t, n)}
	var results []*detection.Result
	var runErr error
	var wg sync.WaitGroup
	wg.Go(func() {
		results, runErr = Run(t.Context(), in, opts, Deps{Backend: mock, Sink: snk, Metrics: m})
	})

	// with the sink closed the backend stalls once every buffer is full
	require.Eventually(t, func() bool { return mock.Images() > 0 }, testutil.ShortTestTimeout, time.Millisecond)
	assert.Never(t, func() bool { return snk.lead() > bound }, 100*time.Millisecond, 5*time.Millisecond)
	assert.Less(t, mock.Images(), int64(n))

	for range n / 2 {
		snk.gate <- struct{}{}
	}
	close(snk.gate)
	wg.Wait()

	require.NoError(t, runErr)
	require.Len(t, results, n)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
	}
	releaseAll(results)

	assert.LessOrEqual(t, snk.maxLead.Load(), bound)
	highWater := metrics.GaugeValue(m.ReorderHighWater)
	assert.LessOrEqual(t, highWater, float64(bound+workers))
}

func TestCancelledContextAbortsRun(t *testing.T) {
	t.Parallel()

	for _, mode := range Modes() {
		t.Run(mode.String(), func(t *testing.T) {
			t.Parallel()
			ctx, cancel := context.WithCancel(t.Context())
			cancel()

			results, err := Run(ctx, &Input{Images: smallImages(t, 4)}, optionsFor(mode, 2), Deps{Backend: backend.NewMock(backend.MockOptions{})})
			require.Error(t, err)
			assert.Nil(t, results)
			assert.True(t, errors.IsCategory(err, errors.CategoryCancel), "got %v", err)
		})
	}
}

func TestAnnotatorFailureAbortsRun(t *testing.T) {
	t.Parallel()

	for _, mode := range []Mode{Sequential, BatchChannelPipeline} {
		opts := optionsFor(mode, 2)
		opts.Annotate = true
		results, err := Run(t.Context(), &Input{Images: smallImages(t, 5)}, opts,
			Deps{Backend: backend.NewMock(backend.MockOptions{}), Annotator: failingAnnotator{}})
		require.Error(t, err)
		assert.Nil(t, results)
		assert.True(t, errors.IsCategory(err, errors.CategoryAnnotation))
	}
}

func TestSinkReceivesEveryResult(t *testing.T) {
	t.Parallel()

	for _, mode := range Modes() {
		t.Run(mode.String(), func(t *testing.T) {
			t.Parallel()
			rec := newRecordingSink()
			opts := optionsFor(mode, 3)
			opts.Annotate = true
			names := []string{"a.jpg", "", "c.png", "d.bmp", "e.gif"}

			results, err := Run(t.Context(), &Input{Images: smallImages(t, 5), Names: names}, opts, Deps{
				Backend:   backend.NewMock(backend.MockOptions{}),
				Annotator: annotate.New(annotate.DefaultConfig()),
				Sink:      rec,
				Model:     "models/test.tflite",
			})
			require.NoError(t, err)
			defer releaseAll(results)

			assert.Equal(t, "frame_1", results[1].Name)
			assert.Equal(t, "c.png", results[2].Name)

			assert.Equal(t, string(mode), rec.run.Mode)
			assert.Equal(t, "models/test.tflite", rec.run.Model)
			assert.Equal(t, 5, rec.run.Total)
			assert.NotEmpty(t, rec.run.ID)

			require.Len(t, rec.items, 5)
			var seen []int
			for _, item := range rec.items {
				assert.Equal(t, rec.run.ID, item.RunID)
				seen = append(seen, item.Index)
			}
			slices.Sort(seen)
			assert.Equal(t, []int{0, 1, 2, 3, 4}, seen)
			assert.Equal(t, 5, rec.nonEmpty)

			require.NotNil(t, rec.summary)
			assert.NoError(t, rec.summary.Err)
			assert.Equal(t, 5, rec.summary.Processed)

			for _, r := range results {
				assert.True(t, r.HasAnnotated(), "saving lends the image without consuming it")
			}
		})
	}
}

func TestSinkFailureAbortsRun(t *testing.T) {
	t.Parallel()

	for _, mode := range []Mode{BatchSequential, ChannelPipeline} {
		rec := newRecordingSink()
		rec.failOn = 2
		results, err := Run(t.Context(), &Input{Images: smallImages(t, 6)}, optionsFor(mode, 2),
			Deps{Backend: backend.NewMock(backend.MockOptions{}), Sink: rec})
		require.Error(t, err)
		assert.Nil(t, results)
		assert.True(t, errors.IsCategory(err, errors.CategoryFileIO))
		require.NotNil(t, rec.summary)
		assert.Error(t, rec.summary.Err)
	}
}

func TestReturnResultFalseStreamsToSink(t *testing.T) {
	t.Parallel()

	rec := newRecordingSink()
	opts := optionsFor(BatchChannelPipeline, 4)
	opts.ReturnResult = false
	opts.Annotate = true

	results, err := Run(t.Context(), &Input{Images: smallImages(t, 9)}, opts, Deps{
		Backend:   backend.NewMock(backend.MockOptions{}),
		Annotator: annotate.New(annotate.DefaultConfig()),
		Sink:      rec,
	})
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
	assert.Len(t, rec.items, 9)
	assert.Equal(t, 9, rec.summary.Processed)
}

func TestNameCountMismatch(t *testing.T) {
	t.Parallel()

	in := &Input{Images: smallImages(t, 2), Names: []string{"only-one"}}
	_, err := Run(t.Context(), in, DefaultOptions(), Deps{Backend: backend.NewMock(backend.MockOptions{})})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNameCount)
	assert.NotNil(t, in.Images[0])
}

func TestNilInputAndNilImages(t *testing.T) {
	t.Parallel()

	s, err := New(DefaultOptions(), Deps{Backend: backend.NewMock(backend.MockOptions{})})
	require.NoError(t, err)

	results, err := s.Run(t.Context(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = s.Run(t.Context(), &Input{Images: []*imagebuf.Image{nil, nil}})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Empty(t, results[0].Detections)
	assert.NotNil(t, results[0].Detections)
}

func TestRunRecordsMetrics(t *testing.T) {
	t.Parallel()

	m, err := metrics.NewPipelineMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	_, err = Run(t.Context(), &Input{Images: smallImages(t, 6)}, optionsFor(BatchSequential, 3),
		Deps{Backend: backend.NewMock(backend.MockOptions{}), Metrics: m})
	require.NoError(t, err)

	assert.InDelta(t, 1, metrics.CounterValue(m.RunsTotal, string(BatchSequential), metrics.StatusSuccess), 0)
	assert.InDelta(t, 6, metrics.CounterValue(m.ImagesTotal, string(BatchSequential)), 0)
	assert.InDelta(t, 2, metrics.CounterValue(m.BackendCalls, "mock", "batch"), 0)
	assert.InDelta(t, 0, metrics.GaugeValue(m.ActiveRunsGauge), 0)
}

func TestCollectorReordersRandomArrivals(t *testing.T) {
	t.Parallel()

	const n = 50
	order := rand.Perm(n)
	c := newCollector(n, true)
	for _, idx := range order {
		require.NoError(t, c.add(detection.NewResult(idx, "", nil)))
	}
	results, err := c.results()
	require.NoError(t, err)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
	}
	assert.LessOrEqual(t, c.highWater, n-1)
}

func TestCollectorBuffersOnlyOutOfOrder(t *testing.T) {
	t.Parallel()

	c := newCollector(4, true)
	require.NoError(t, c.add(detection.NewResult(2, "", nil)))
	require.NoError(t, c.add(detection.NewResult(1, "", nil)))
	assert.Equal(t, 0, c.received())
	assert.Equal(t, 2, c.highWater)

	require.NoError(t, c.add(detection.NewResult(0, "", nil)))
	assert.Equal(t, 3, c.received())

	_, err := c.results()
	require.ErrorIs(t, err, errIncomplete)

	require.ErrorIs(t, c.add(detection.NewResult(1, "", nil)), errDuplicateIndex)
	require.ErrorIs(t, c.add(detection.NewResult(4, "", nil)), errIndexOutOfRange)
	require.ErrorIs(t, c.add(detection.NewResult(-1, "", nil)), errIndexOutOfRange)

	require.NoError(t, c.add(detection.NewResult(3, "", nil)))
	require.ErrorIs(t, c.add(detection.NewResult(3, "", nil)), errDuplicateIndex)
	results, err := c.results()
	require.NoError(t, err)
	assert.Len(t, results, 4)
}

func TestCollectorDropsWhenNotKeeping(t *testing.T) {
	t.Parallel()

	c := newCollector(2, false)
	r0 := detection.NewResult(0, "", nil)
	require.NoError(t, r0.SetAnnotated(newImage(t, 2, 2, 3, 0)))
	require.NoError(t, c.add(r0))
	require.NoError(t, c.add(detection.NewResult(1, "", nil)))

	results, err := c.results()
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.False(t, r0.HasAnnotated())
}

func TestCheckMemoryWarnsWhenShort(t *testing.T) {
	orig := virtualMemory
	t.Cleanup(func() { virtualMemory = orig })

	virtualMemory = func() (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Available: 1024}, nil
	}
	log := logger.Global().Module("pipeline-test")
	assert.False(t, checkMemory(4096, log))
	assert.True(t, checkMemory(512, log))
	assert.True(t, checkMemory(0, log))

	virtualMemory = func() (*mem.VirtualMemoryStat, error) {
		return nil, errors.NewStd("unsupported platform")
	}
	assert.True(t, checkMemory(4096, log))

	assert.Equal(t, int64(200), estimateResident(100, Options{Annotate: true, ReturnResult: true}))
	assert.Equal(t, int64(100), estimateResident(100, Options{Annotate: true}))
}

func TestOptionsFromSettings(t *testing.T) {
	t.Parallel()

	opts, err := OptionsFromSettings(&conf.PredictSettings{
		InferFn:         "ChannelPipeline",
		Batch:           6,
		ChannelCapacity: 3,
		InferWorkers:    2,
		Annotate:        true,
		ReturnResult:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, ChannelPipeline, opts.Mode)
	assert.Equal(t, 6, opts.BatchSize)
	assert.Equal(t, 1, opts.effectiveBatch())
	assert.Equal(t, 3, opts.ChannelCapacity)
	assert.Equal(t, 2, opts.InferWorkers)
	assert.True(t, opts.Annotate)

	opts, err = OptionsFromSettings(&conf.PredictSettings{Batch: 2, ChannelCapacity: 1, InferWorkers: 1})
	require.NoError(t, err)
	assert.Equal(t, DefaultMode, opts.Mode)

	_, err = OptionsFromSettings(&conf.PredictSettings{InferFn: "Parallel"})
	require.ErrorIs(t, err, ErrUnknownMode)
}
