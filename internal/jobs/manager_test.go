package jobs

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghoststream/ghoststream/internal/config"
	"github.com/ghoststream/ghoststream/internal/engine"
	"github.com/ghoststream/ghoststream/internal/ffmpeg"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProcessor scripts the engine's behavior per job.
type fakeProcessor struct {
	mu      sync.Mutex
	process func(ctx context.Context, req *engine.Request, cancel <-chan struct{}, onProgress func(engine.Progress)) (*engine.Result, error)
	calls   int
}

func (f *fakeProcessor) Process(ctx context.Context, req *engine.Request, cancel <-chan struct{}, onProgress func(engine.Progress)) (*engine.Result, error) {
	f.mu.Lock()
	f.calls++
	fn := f.process
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req, cancel, onProgress)
	}
	return &engine.Result{
		Media:    &ffmpeg.MediaInfo{Duration: 60},
		Encoder:  "libx264",
		HWFamily: ffmpeg.HWAccelSoftware,
	}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Transcoding: config.TranscodingConfig{
			TempDirectory:     t.TempDir(),
			MaxConcurrentJobs: 2,
			SegmentDuration:   4,
			CallbackTimeout:   time.Second,
			DefaultVideoCodec: "h264",
			DefaultAudioCodec: "aac",
			EnableABR:         true,
		},
	}
}

func newTestManager(t *testing.T, proc Processor) *Manager {
	t.Helper()
	m := NewManager(testLogger(), testConfig(t), proc, NewBroadcaster(testLogger()), nil)
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m
}

func streamRequest() Request {
	return Request{Source: "/media/in.mkv", Mode: engine.ModeStream}
}

func waitForState(t *testing.T, m *Manager, id string, want State) View {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if view, ok := m.Get(id, false); ok && view.State == want {
			return view
		}
		time.Sleep(10 * time.Millisecond)
	}
	view, _ := m.Get(id, false)
	t.Fatalf("job %s never reached %s (currently %s)", id, want, view.State)
	return View{}
}

func TestCreateValidatesRequest(t *testing.T) {
	m := newTestManager(t, &fakeProcessor{})

	_, err := m.Create(Request{Mode: engine.ModeStream})
	assert.Error(t, err)

	_, err = m.Create(Request{Source: "/in.mkv"})
	assert.Error(t, err)

	_, err = m.Create(Request{Source: "/in.mkv", Mode: "festival"})
	assert.Error(t, err)

	_, err = m.Create(Request{Source: "/in.mkv", Mode: engine.ModeStream, VideoBitrate: "loud"})
	assert.Error(t, err)

	view, err := m.Create(streamRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, view.ID)
}

func TestCreateEnforcesConfiguredLimits(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transcoding.EnableABR = false
	cfg.Limits = config.LimitsConfig{MaxResolution: "1080p", MaxBitrate: "10M"}

	m := NewManager(testLogger(), cfg, &fakeProcessor{}, NewBroadcaster(testLogger()), nil)
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})

	_, err := m.Create(Request{Source: "/in.mkv", Mode: engine.ModeABR})
	assert.ErrorContains(t, err, "abr mode is disabled")

	_, err = m.Create(Request{Source: "/in.mkv", Mode: engine.ModeStream, Resolution: ffmpeg.Resolution4K})
	assert.ErrorContains(t, err, "exceeds the configured maximum")

	_, err = m.Create(Request{Source: "/in.mkv", Mode: engine.ModeStream, VideoBitrate: "20M"})
	assert.ErrorContains(t, err, "exceeds the configured maximum")

	// At or under the ceilings passes.
	_, err = m.Create(Request{
		Source:       "/in.mkv",
		Mode:         engine.ModeStream,
		Resolution:   ffmpeg.Resolution1080p,
		VideoBitrate: "8M",
	})
	assert.NoError(t, err)
}

func TestJobRunsToReady(t *testing.T) {
	m := newTestManager(t, &fakeProcessor{})

	view, err := m.Create(streamRequest())
	require.NoError(t, err)
	assert.Equal(t, StateQueued, view.State)

	final := waitForState(t, m, view.ID, StateReady)
	assert.Equal(t, 100.0, final.Percent)
	assert.Equal(t, 60.0, final.Duration)
	assert.Equal(t, ffmpeg.HWAccelSoftware, final.HWFamily)
	assert.Equal(t, "/stream/"+view.ID+"/master.m3u8", final.PlaylistURL)
	assert.NotNil(t, final.CompletedAt)
}

func TestBatchReadyViewCarriesDownloadURL(t *testing.T) {
	m := newTestManager(t, &fakeProcessor{})

	view, err := m.Create(Request{Source: "/in.mkv", Mode: engine.ModeBatch, Container: "mp4"})
	require.NoError(t, err)

	final := waitForState(t, m, view.ID, StateReady)
	assert.Equal(t, "/download/"+view.ID, final.DownloadURL)
	assert.Empty(t, final.PlaylistURL)
}

func TestFailedJobEndsInErrorAndPurgesDir(t *testing.T) {
	proc := &fakeProcessor{
		process: func(ctx context.Context, req *engine.Request, cancel <-chan struct{}, onProgress func(engine.Progress)) (*engine.Result, error) {
			require.NoError(t, os.MkdirAll(req.OutputDir, 0o755))
			return nil, &engine.Error{Category: ffmpeg.ErrorFatal, Reason: "source has zero duration"}
		},
	}
	m := newTestManager(t, proc)

	view, err := m.Create(streamRequest())
	require.NoError(t, err)

	final := waitForState(t, m, view.ID, StateError)
	assert.Equal(t, "source has zero duration", final.Error)
	assert.Empty(t, final.PlaylistURL)

	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(m.WorkRoot(), view.ID))
		return os.IsNotExist(err)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCancelProcessingJob(t *testing.T) {
	started := make(chan struct{})
	proc := &fakeProcessor{
		process: func(ctx context.Context, req *engine.Request, cancel <-chan struct{}, onProgress func(engine.Progress)) (*engine.Result, error) {
			close(started)
			<-cancel
			return nil, engine.ErrCancelled
		},
	}
	m := newTestManager(t, proc)

	view, err := m.Create(streamRequest())
	require.NoError(t, err)
	<-started

	require.NoError(t, m.Cancel(view.ID))
	waitForState(t, m, view.ID, StateCancelled)

	// Repeat cancellation is an idempotent no-op.
	assert.NoError(t, m.Cancel(view.ID))
	got, ok := m.Get(view.ID, false)
	require.True(t, ok)
	assert.Equal(t, StateCancelled, got.State)
}

func TestCancelUnknownJob(t *testing.T) {
	m := newTestManager(t, &fakeProcessor{})
	assert.ErrorIs(t, m.Cancel("01INVALID"), ErrNotFound)
}

func TestCancelQueuedJobNeverDispatches(t *testing.T) {
	release := make(chan struct{})
	proc := &fakeProcessor{
		process: func(ctx context.Context, req *engine.Request, cancel <-chan struct{}, onProgress func(engine.Progress)) (*engine.Result, error) {
			<-release
			return &engine.Result{Media: &ffmpeg.MediaInfo{Duration: 60}, Encoder: "libx264", HWFamily: ffmpeg.HWAccelSoftware}, nil
		},
	}
	m := newTestManager(t, proc)

	// Saturate both workers, then queue one more.
	a, _ := m.Create(streamRequest())
	b, _ := m.Create(streamRequest())
	queued, err := m.Create(streamRequest())
	require.NoError(t, err)

	require.NoError(t, m.Cancel(queued.ID))
	view, ok := m.Get(queued.ID, false)
	require.True(t, ok)
	assert.Equal(t, StateCancelled, view.State)

	close(release)
	waitForState(t, m, a.ID, StateReady)
	waitForState(t, m, b.ID, StateReady)

	// The cancelled job must never have been processed.
	proc.mu.Lock()
	defer proc.mu.Unlock()
	assert.Equal(t, 2, proc.calls)
}

func TestDeleteRemovesRecordAndDirectory(t *testing.T) {
	m := newTestManager(t, &fakeProcessor{})

	view, err := m.Create(streamRequest())
	require.NoError(t, err)
	waitForState(t, m, view.ID, StateReady)

	dir := filepath.Join(m.WorkRoot(), view.ID)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	require.NoError(t, m.Delete(view.ID))
	_, ok := m.Get(view.ID, false)
	assert.False(t, ok)
	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))

	assert.ErrorIs(t, m.Delete(view.ID), ErrNotFound)
}

func TestProgressUpdatesVisibleInView(t *testing.T) {
	progressed := make(chan struct{})
	release := make(chan struct{})
	proc := &fakeProcessor{
		process: func(ctx context.Context, req *engine.Request, cancel <-chan struct{}, onProgress func(engine.Progress)) (*engine.Result, error) {
			onProgress(engine.Progress{Percent: 42.5, Speed: 1.5, SourceTime: 30 * time.Second})
			close(progressed)
			<-release
			return &engine.Result{Media: &ffmpeg.MediaInfo{Duration: 60}, Encoder: "libx264", HWFamily: ffmpeg.HWAccelSoftware}, nil
		},
	}
	m := newTestManager(t, proc)

	view, err := m.Create(streamRequest())
	require.NoError(t, err)
	<-progressed

	assert.Eventually(t, func() bool {
		v, ok := m.Get(view.ID, false)
		return ok && v.Percent == 42.5 && v.SourceTime == 30.0
	}, 2*time.Second, 10*time.Millisecond)

	close(release)
	final := waitForState(t, m, view.ID, StateReady)
	assert.Equal(t, 100.0, final.Percent)
}

func TestStatsCounters(t *testing.T) {
	m := newTestManager(t, &fakeProcessor{})

	first, _ := m.Create(streamRequest())
	waitForState(t, m, first.ID, StateReady)

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.TotalProcessed)
	assert.Equal(t, uint64(1), stats.Succeeded)
	assert.Equal(t, uint64(1), stats.ByHWFamily[ffmpeg.HWAccelSoftware])
	assert.GreaterOrEqual(t, stats.UptimeSeconds, int64(0))
}

func TestGetTouchUpdatesLastAccess(t *testing.T) {
	m := newTestManager(t, &fakeProcessor{})

	view, _ := m.Create(streamRequest())
	waitForState(t, m, view.ID, StateReady)

	m.mu.RLock()
	before := m.jobs[view.ID].LastAccess
	m.mu.RUnlock()

	time.Sleep(20 * time.Millisecond)
	_, _ = m.Get(view.ID, true)

	m.mu.RLock()
	after := m.jobs[view.ID].LastAccess
	m.mu.RUnlock()
	assert.True(t, after.After(before))
}
