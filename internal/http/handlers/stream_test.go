package handlers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghoststream/ghoststream/internal/engine"
	"github.com/ghoststream/ghoststream/internal/ffmpeg"
	"github.com/ghoststream/ghoststream/internal/jobs"
)

func newStreamServer(t *testing.T, m *jobs.Manager) *httptest.Server {
	t.Helper()
	router := chi.NewRouter()
	NewStreamHandler(testLogger(), m).Register(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func fetch(t *testing.T, url string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, string(body)
}

func TestStreamServesReadyPlaylistUnmodified(t *testing.T) {
	m := newTestManager(t, &scriptedProcessor{run: succeedHLS()})
	srv := newStreamServer(t, m)

	view, err := m.Create(jobs.Request{Source: "/in.mkv", Mode: engine.ModeStream})
	require.NoError(t, err)
	waitForState(t, m, view.ID, jobs.StateReady)

	resp, body := fetch(t, srv.URL+"/stream/"+view.ID+"/master.m3u8", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/vnd.apple.mpegurl", resp.Header.Get("Content-Type"))
	// The artifact text is served as written: no end-list injection.
	assert.NotContains(t, body, "#EXT-X-ENDLIST")
	assert.Contains(t, body, "segment_00000.ts")
}

func TestStreamInjectsEndListWhileProcessing(t *testing.T) {
	release := make(chan struct{})
	blocking := &scriptedProcessor{
		run: func(ctx context.Context, req *engine.Request, cancel <-chan struct{}, onProgress func(engine.Progress)) (*engine.Result, error) {
			writeHLSArtifacts(req.OutputDir)
			select {
			case <-release:
			case <-cancel:
			}
			return &engine.Result{Media: &ffmpeg.MediaInfo{Duration: 10}, Encoder: "libx264", HWFamily: ffmpeg.HWAccelSoftware}, nil
		},
	}
	m := newTestManager(t, blocking)
	defer close(release)
	srv := newStreamServer(t, m)

	view, err := m.Create(jobs.Request{Source: "/in.mkv", Mode: engine.ModeStream})
	require.NoError(t, err)
	waitForState(t, m, view.ID, jobs.StateProcessing)

	resp, body := fetch(t, srv.URL+"/stream/"+view.ID+"/master.m3u8", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, strings.Count(body, "#EXT-X-ENDLIST"))

	// Idempotent: a second fetch still carries exactly one marker.
	_, body = fetch(t, srv.URL+"/stream/"+view.ID+"/master.m3u8", nil)
	assert.Equal(t, 1, strings.Count(body, "#EXT-X-ENDLIST"))
}

func TestStreamSegmentSupportsRanges(t *testing.T) {
	m := newTestManager(t, &scriptedProcessor{run: succeedHLS()})
	srv := newStreamServer(t, m)

	view, err := m.Create(jobs.Request{Source: "/in.mkv", Mode: engine.ModeStream})
	require.NoError(t, err)
	waitForState(t, m, view.ID, jobs.StateReady)

	resp, body := fetch(t, srv.URL+"/stream/"+view.ID+"/segment_00000.ts",
		http.Header{"Range": []string{"bytes=0-511"}})
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Len(t, body, 512)
	assert.Equal(t, "video/mp2t", resp.Header.Get("Content-Type"))

	resp, _ = fetch(t, srv.URL+"/stream/"+view.ID+"/segment_00000.ts",
		http.Header{"Range": []string{"bytes=999999-"}})
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)
}

func TestStreamRejectsTraversalNames(t *testing.T) {
	m := newTestManager(t, &scriptedProcessor{run: succeedHLS()})
	srv := newStreamServer(t, m)

	view, err := m.Create(jobs.Request{Source: "/in.mkv", Mode: engine.ModeStream})
	require.NoError(t, err)
	waitForState(t, m, view.ID, jobs.StateReady)

	resp, _ := fetch(t, srv.URL+"/stream/"+view.ID+"/..%2Fmaster.m3u8", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = fetch(t, srv.URL+"/stream/"+view.ID+"/evil.exe", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamUnknownJobIs404(t *testing.T) {
	m := newTestManager(t, &scriptedProcessor{})
	srv := newStreamServer(t, m)

	resp, _ := fetch(t, srv.URL+"/stream/nope/master.m3u8", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDownloadServesBatchOutput(t *testing.T) {
	batch := &scriptedProcessor{
		run: func(ctx context.Context, req *engine.Request, cancel <-chan struct{}, onProgress func(engine.Progress)) (*engine.Result, error) {
			require.NoError(t, os.MkdirAll(req.OutputDir, 0o755))
			out := engine.BatchOutputPath(req.OutputDir, req.Container)
			require.NoError(t, os.WriteFile(out, []byte("encoded bytes"), 0o644))
			return &engine.Result{Media: &ffmpeg.MediaInfo{Duration: 10}, Encoder: "libx264", HWFamily: ffmpeg.HWAccelSoftware}, nil
		},
	}
	m := newTestManager(t, batch)
	srv := newStreamServer(t, m)

	view, err := m.Create(jobs.Request{Source: "/in.mkv", Mode: engine.ModeBatch, Container: ffmpeg.FormatMP4})
	require.NoError(t, err)
	waitForState(t, m, view.ID, jobs.StateReady)

	resp, body := fetch(t, srv.URL+"/download/"+view.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "encoded bytes", body)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")
}

func TestDownloadOfStreamingJobIs404(t *testing.T) {
	m := newTestManager(t, &scriptedProcessor{run: succeedHLS()})
	srv := newStreamServer(t, m)

	view, err := m.Create(jobs.Request{Source: "/in.mkv", Mode: engine.ModeStream})
	require.NoError(t, err)
	waitForState(t, m, view.ID, jobs.StateReady)

	resp, _ := fetch(t, srv.URL+"/download/"+view.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDownloadBeforeReadyIsConflict(t *testing.T) {
	blocking := &scriptedProcessor{
		run: func(ctx context.Context, req *engine.Request, cancel <-chan struct{}, onProgress func(engine.Progress)) (*engine.Result, error) {
			<-cancel
			return nil, engine.ErrCancelled
		},
	}
	m := newTestManager(t, blocking)
	srv := newStreamServer(t, m)

	view, err := m.Create(jobs.Request{Source: "/in.mkv", Mode: engine.ModeBatch, Container: ffmpeg.FormatMP4})
	require.NoError(t, err)
	waitForState(t, m, view.ID, jobs.StateProcessing)

	resp, _ := fetch(t, srv.URL+"/download/"+view.ID, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	require.NoError(t, m.Cancel(view.ID))
}
