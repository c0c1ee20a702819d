package handlers

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ghoststream/ghoststream/internal/config"
	"github.com/ghoststream/ghoststream/internal/engine"
	"github.com/ghoststream/ghoststream/internal/ffmpeg"
	"github.com/ghoststream/ghoststream/internal/jobs"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Transcoding: config.TranscodingConfig{
			TempDirectory:     t.TempDir(),
			MaxConcurrentJobs: 2,
			DefaultVideoCodec: "h264",
			DefaultAudioCodec: "aac",
			CallbackTimeout:   time.Second,
		},
	}
}

// scriptedProcessor drives jobs from tests. Each behavior writes its own
// artifacts before returning.
type scriptedProcessor struct {
	run func(ctx context.Context, req *engine.Request, cancel <-chan struct{}, onProgress func(engine.Progress)) (*engine.Result, error)
}

func (p *scriptedProcessor) Process(ctx context.Context, req *engine.Request, cancel <-chan struct{}, onProgress func(engine.Progress)) (*engine.Result, error) {
	if p.run != nil {
		return p.run(ctx, req, cancel, onProgress)
	}
	return &engine.Result{
		Media:    &ffmpeg.MediaInfo{Duration: 10},
		Encoder:  "libx264",
		HWFamily: ffmpeg.HWAccelSoftware,
	}, nil
}

// succeedHLS writes a minimal playlist and one segment, then succeeds.
func succeedHLS() func(context.Context, *engine.Request, <-chan struct{}, func(engine.Progress)) (*engine.Result, error) {
	return func(ctx context.Context, req *engine.Request, cancel <-chan struct{}, onProgress func(engine.Progress)) (*engine.Result, error) {
		writeHLSArtifacts(req.OutputDir)
		return &engine.Result{
			Media:    &ffmpeg.MediaInfo{Duration: 10},
			Encoder:  "libx264",
			HWFamily: ffmpeg.HWAccelSoftware,
		}, nil
	}
}

func writeHLSArtifacts(dir string) {
	_ = os.MkdirAll(dir, 0o755)
	playlist := "#EXTM3U\n#EXT-X-VERSION:3\n#EXTINF:4.0,\nsegment_00000.ts\n"
	_ = os.WriteFile(filepath.Join(dir, "master.m3u8"), []byte(playlist), 0o644)
	_ = os.WriteFile(filepath.Join(dir, "segment_00000.ts"), make([]byte, 2048), 0o644)
}

func newTestManager(t *testing.T, proc jobs.Processor) *jobs.Manager {
	t.Helper()
	m := jobs.NewManager(testLogger(), testConfig(t), proc, jobs.NewBroadcaster(testLogger()), nil)
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m
}

func waitForState(t *testing.T, m *jobs.Manager, id string, want jobs.State) jobs.View {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if view, ok := m.Get(id, false); ok && view.State == want {
			return view
		}
		time.Sleep(10 * time.Millisecond)
	}
	view, _ := m.Get(id, false)
	t.Fatalf("job %s never reached %s (now %s)", id, want, view.State)
	return jobs.View{}
}
