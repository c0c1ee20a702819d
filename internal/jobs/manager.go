package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/ghoststream/ghoststream/internal/config"
	"github.com/ghoststream/ghoststream/internal/engine"
	"github.com/ghoststream/ghoststream/internal/ffmpeg"
	"github.com/ghoststream/ghoststream/internal/observability"
	"github.com/ghoststream/ghoststream/internal/version"
)

const queueCapacity = 256

// Recorder persists terminal job outcomes. Nil disables history.
type Recorder interface {
	Record(view View, req Request) error
}

// Processor runs one job to completion. Satisfied by *engine.Engine.
type Processor interface {
	Process(ctx context.Context, req *engine.Request, cancel <-chan struct{}, onProgress func(engine.Progress)) (*engine.Result, error)
}

// Stats are the manager's lifetime counters.
type Stats struct {
	TotalProcessed uint64                        `json:"total_processed"`
	Succeeded      uint64                        `json:"succeeded"`
	Failed         uint64                        `json:"failed"`
	Cancelled      uint64                        `json:"cancelled"`
	ActiveJobs     int                           `json:"active_jobs"`
	QueuedJobs     int                           `json:"queued_jobs"`
	ByHWFamily     map[ffmpeg.HWAccelType]uint64 `json:"by_hw_family"`
	AvgSpeed       float64                       `json:"avg_speed"`
	UptimeSeconds  int64                         `json:"uptime_seconds"`
}

// Manager owns the job table and the worker pool. It is the sole writer
// of job records.
type Manager struct {
	logger      *slog.Logger
	cfg         *config.Config
	engine      Processor
	broadcaster *Broadcaster
	recorder    Recorder
	workRoot    string
	client      *http.Client

	mu        sync.RWMutex
	jobs      map[string]*Job
	startedAt time.Time

	processed uint64
	succeeded uint64
	failed    uint64
	cancelled uint64
	byFamily  map[ffmpeg.HWAccelType]uint64
	speedSum  float64
	speedN    uint64

	queue   chan string
	workers sync.WaitGroup
	ctx     context.Context
	stop    context.CancelFunc
}

// NewManager creates a manager. recorder may be nil.
func NewManager(logger *slog.Logger, cfg *config.Config, eng Processor, broadcaster *Broadcaster, recorder Recorder) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:      observability.WithComponent(logger, "jobs"),
		cfg:         cfg,
		engine:      eng,
		broadcaster: broadcaster,
		recorder:    recorder,
		workRoot:    cfg.Transcoding.TempDirectory,
		client:      &http.Client{Timeout: cfg.Transcoding.CallbackTimeout},
		jobs:        make(map[string]*Job),
		byFamily:    make(map[ffmpeg.HWAccelType]uint64),
		queue:       make(chan string, queueCapacity),
		startedAt:   time.Now(),
		ctx:         ctx,
		stop:        cancel,
	}
}

// Start launches the worker pool.
func (m *Manager) Start() error {
	if err := os.MkdirAll(m.workRoot, 0o755); err != nil {
		return fmt.Errorf("creating work directory root: %w", err)
	}
	for i := 0; i < m.cfg.Transcoding.MaxConcurrentJobs; i++ {
		m.workers.Add(1)
		go m.worker(i)
	}
	m.logger.Info("worker pool started", slog.Int("workers", m.cfg.Transcoding.MaxConcurrentJobs))
	return nil
}

// Stop cancels live jobs and waits for the workers to drain, bounded by
// the context.
func (m *Manager) Stop(ctx context.Context) error {
	m.stop()

	m.mu.Lock()
	for _, job := range m.jobs {
		if !job.State.Terminal() {
			job.signalCancel()
		}
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WorkRoot returns the root of all per-job work directories.
func (m *Manager) WorkRoot() string { return m.workRoot }

// Create validates the request, seeds a queued job, and enqueues it.
func (m *Manager) Create(req Request) (View, error) {
	if err := req.Validate(); err != nil {
		return View{}, err
	}
	if err := m.checkLimits(&req); err != nil {
		return View{}, err
	}

	id := ulid.Make().String()
	job := newJob(id, req, filepath.Join(m.workRoot, id), time.Now())

	m.mu.Lock()
	m.jobs[id] = job
	m.mu.Unlock()

	select {
	case m.queue <- id:
	default:
		m.mu.Lock()
		delete(m.jobs, id)
		m.mu.Unlock()
		return View{}, fmt.Errorf("job queue is full")
	}

	m.logger.Info("job created",
		slog.String("job_id", id),
		slog.String("mode", string(req.Mode)),
		slog.String("source", req.Source))
	return job.view(false), nil
}

// checkLimits applies the configured submission ceilings. Validate has
// already checked the request's shape.
func (m *Manager) checkLimits(req *Request) error {
	if req.Mode == engine.ModeABR && !m.cfg.Transcoding.EnableABR {
		return fmt.Errorf("abr mode is disabled on this server")
	}

	limits := m.cfg.Limits
	if maxRes := ffmpeg.Resolution(limits.MaxResolution); maxRes != "" {
		if _, maxH, ok := maxRes.Dimensions(); ok {
			if _, reqH, ok := req.Resolution.Dimensions(); ok && reqH > maxH {
				return fmt.Errorf("resolution %s exceeds the configured maximum %s", req.Resolution, maxRes)
			}
		}
	}
	if limits.MaxBitrate != "" && req.VideoBitrate != "" {
		maxBPS := ffmpeg.BandwidthBPS(limits.MaxBitrate)
		if maxBPS > 0 && ffmpeg.BandwidthBPS(req.VideoBitrate) > maxBPS {
			return fmt.Errorf("video bitrate %s exceeds the configured maximum %s", req.VideoBitrate, limits.MaxBitrate)
		}
	}
	return nil
}

// Get returns the current view. touch updates the last-access timestamp.
func (m *Manager) Get(id string, touch bool) (View, bool) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return View{}, false
	}
	if touch {
		job.LastAccess = time.Now()
	}
	state := job.State
	streaming := job.Request.Streaming()
	dir := job.OutputDir
	m.mu.Unlock()

	hasSegments := false
	if state == StateProcessing && streaming {
		hasSegments = dirHasSegments(dir)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return job.view(hasSegments), true
}

// ErrNotCancellable is returned when cancel hits a terminal job.
var ErrNotCancellable = fmt.Errorf("job is not cancellable")

// ErrNotFound is returned for unknown job ids.
var ErrNotFound = fmt.Errorf("job not found")

// Cancel withdraws a job. Legal only in QUEUED or PROCESSING; repeated
// cancels of the same live job are no-ops.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.State == StateCancelled {
		// Repeat cancellation is a no-op.
		return nil
	}
	if job.State.Terminal() {
		return ErrNotCancellable
	}

	wasQueued := job.State == StateQueued
	job.State = StateCancelled
	job.CompletedAt = time.Now()
	job.signalCancel()

	if wasQueued {
		// Never dispatched; finalize here. A processing job is finalized
		// by its worker once the supervisor joins.
		m.cancelled++
		m.processed++
		go m.reclaimDir(job.OutputDir)
		m.broadcaster.Status(id, StateCancelled)
		m.record(job.view(false), job.Request)
	}

	m.logger.Info("job cancelled", slog.String("job_id", id), slog.Bool("was_queued", wasQueued))
	return nil
}

// Delete cancels a live job, reclaims its directory, and removes the
// record.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if !job.State.Terminal() {
		job.State = StateCancelled
		job.CompletedAt = time.Now()
		job.signalCancel()
	}
	dir := job.OutputDir
	delete(m.jobs, id)
	m.mu.Unlock()

	m.reclaimDir(dir)
	m.logger.Info("job deleted", slog.String("job_id", id))
	return nil
}

// Artifact describes where a job's output lives, for the serving layer.
type Artifact struct {
	Dir       string
	State     State
	Streaming bool
	Container string
	Reclaimed bool
}

// Artifact returns serving metadata for a job. It does not touch
// last-access; the serving layer calls Touch once per fetch.
func (m *Manager) Artifact(id string) (Artifact, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return Artifact{}, false
	}
	return Artifact{
		Dir:       job.OutputDir,
		State:     job.State,
		Streaming: job.Request.Streaming(),
		Container: job.Request.Container,
		Reclaimed: job.ArtifactsReclaimed,
	}, true
}

// Touch updates last-access from the artifact-fetch path.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.LastAccess = time.Now()
	}
}

// ActiveCount returns the number of jobs currently processing.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, job := range m.jobs {
		if job.State == StateProcessing {
			n++
		}
	}
	return n
}

// QueueLength returns the number of jobs waiting for a worker.
func (m *Manager) QueueLength() int {
	return len(m.queue)
}

// AllJobs returns views of every known job.
func (m *Manager) AllJobs() []View {
	m.mu.RLock()
	defer m.mu.RUnlock()
	views := make([]View, 0, len(m.jobs))
	for _, job := range m.jobs {
		views = append(views, job.view(false))
	}
	return views
}

// Stats returns the lifetime counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byFamily := make(map[ffmpeg.HWAccelType]uint64, len(m.byFamily))
	for family, count := range m.byFamily {
		byFamily[family] = count
	}

	s := Stats{
		TotalProcessed: m.processed,
		Succeeded:      m.succeeded,
		Failed:         m.failed,
		Cancelled:      m.cancelled,
		QueuedJobs:     len(m.queue),
		ByHWFamily:     byFamily,
		UptimeSeconds:  int64(time.Since(m.startedAt).Seconds()),
	}
	for _, job := range m.jobs {
		if job.State == StateProcessing {
			s.ActiveJobs++
		}
	}
	if m.speedN > 0 {
		s.AvgSpeed = m.speedSum / float64(m.speedN)
	}
	return s
}

// worker is one slot of the bounded pool.
func (m *Manager) worker(slot int) {
	defer m.workers.Done()
	logger := m.logger.With(slog.Int("worker", slot))

	for {
		select {
		case <-m.ctx.Done():
			return
		case id := <-m.queue:
			m.mu.Lock()
			job, ok := m.jobs[id]
			if !ok || job.State != StateQueued {
				// Cancelled or deleted while queued.
				m.mu.Unlock()
				continue
			}
			job.State = StateProcessing
			job.StartedAt = time.Now()
			m.mu.Unlock()

			m.broadcaster.Status(id, StateProcessing)
			logger.Info("job dispatched", slog.String("job_id", id))
			m.process(job)
		}
	}
}

// process runs one job through the engine and finalizes its record.
func (m *Manager) process(job *Job) {
	req := &engine.Request{
		JobID:        job.ID,
		Source:       job.Request.Source,
		OutputDir:    job.OutputDir,
		Mode:         job.Request.Mode,
		StartOffset:  job.Request.StartOffset,
		VideoCodec:   defaultVideoCodec(job.Request.VideoCodec, m.cfg),
		AudioCodec:   defaultAudioCodec(job.Request.AudioCodec, m.cfg),
		Resolution:   job.Request.Resolution,
		VideoBitrate: job.Request.VideoBitrate,
		HWAccel:      job.Request.HWAccel,
		ToneMap:      job.Request.ToneMap,
		Container:    job.Request.Container,
		TwoPass:      job.Request.TwoPass,
	}

	result, err := m.engine.Process(m.ctx, req, job.cancelCh, func(p engine.Progress) {
		m.updateProgress(job.ID, p)
	})

	m.mu.Lock()
	now := time.Now()
	job.CompletedAt = now
	job.LastAccess = now
	m.processed++

	var final State
	switch {
	case job.State == StateCancelled || err == engine.ErrCancelled || isCancelError(err):
		job.State = StateCancelled
		final = StateCancelled
		m.cancelled++
	case err != nil:
		job.State = StateError
		job.Error = err.Error()
		final = StateError
		m.failed++
	default:
		job.State = StateReady
		job.Duration = result.Media.Duration
		job.Encoder = result.Encoder
		job.HWFamily = result.HWFamily
		job.Progress.Percent = 100
		final = StateReady
		m.succeeded++
		m.byFamily[result.HWFamily]++
		if job.Progress.Speed > 0 {
			m.speedSum += job.Progress.Speed
			m.speedN++
		}
	}
	view := job.view(false)
	request := job.Request
	dir := job.OutputDir
	m.mu.Unlock()

	// Failed or withdrawn jobs never leave partial artifacts behind.
	if final != StateReady {
		m.reclaimDir(dir)
	}

	m.broadcaster.Status(job.ID, final)
	m.record(view, request)
	if request.CallbackURL != "" {
		m.notifyCallback(request.CallbackURL, view)
	}

	m.logger.Info("job finished",
		slog.String("job_id", job.ID),
		slog.String("state", string(final)),
		slog.String("error", view.Error))
}

func (m *Manager) updateProgress(id string, p engine.Progress) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if ok && job.State == StateProcessing {
		job.Progress = p
	}
	m.mu.Unlock()
	if ok {
		m.broadcaster.Progress(id, p)
	}
}

// record persists a terminal view through the recorder, if configured.
func (m *Manager) record(view View, req Request) {
	if m.recorder == nil || !view.State.Terminal() {
		return
	}
	if err := m.recorder.Record(view, req); err != nil {
		m.logger.Warn("recording job history", observability.WithError(err))
	}
}

// notifyCallback POSTs the final view to the submitter's callback URI.
// Failures are logged, never retried.
func (m *Manager) notifyCallback(url string, view View) {
	body, err := json.Marshal(view)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(m.ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		m.logger.Warn("building callback request", observability.WithError(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	// Deterministic per job and final state, so a receiver can ignore a
	// duplicate delivery.
	req.Header.Set("X-Idempotency-Key",
		uuid.NewSHA1(uuid.NameSpaceOID, []byte(view.ID+"/"+string(view.State))).String())

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Warn("completion callback failed", slog.String("url", url), observability.WithError(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		m.logger.Warn("completion callback rejected",
			slog.String("url", url), slog.Int("status", resp.StatusCode))
	}
}

// reclaimDir removes a job's work directory, ignoring errors.
func (m *Manager) reclaimDir(dir string) {
	if dir == "" || dir == m.workRoot {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		m.logger.Warn("reclaiming work directory", slog.String("dir", dir), observability.WithError(err))
	}
}

func dirHasSegments(dir string) bool {
	matches, err := filepath.Glob(filepath.Join(dir, "*.ts"))
	return err == nil && len(matches) > 0
}

func isCancelError(err error) bool {
	var engErr *engine.Error
	if errors.As(err, &engErr) {
		return strings.HasPrefix(engErr.Reason, "[CANCELLED]")
	}
	return false
}

func defaultVideoCodec(codec ffmpeg.VideoCodec, cfg *config.Config) ffmpeg.VideoCodec {
	if codec != "" {
		return codec
	}
	return ffmpeg.VideoCodec(cfg.Transcoding.DefaultVideoCodec)
}

func defaultAudioCodec(codec ffmpeg.AudioCodec, cfg *config.Config) ffmpeg.AudioCodec {
	if codec != "" {
		return codec
	}
	return ffmpeg.AudioCodec(cfg.Transcoding.DefaultAudioCodec)
}
