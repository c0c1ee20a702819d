// Package jobs owns the job table: creation, dispatch through a bounded
// worker pool, state transitions, progress fan-out, and reclamation of
// expired artifacts.
package jobs

import (
	"fmt"
	"sync"
	"time"

	"github.com/ghoststream/ghoststream/internal/engine"
	"github.com/ghoststream/ghoststream/internal/ffmpeg"
)

// State is a job lifecycle state.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateReady      State = "ready"
	StateError      State = "error"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateReady || s == StateError || s == StateCancelled
}

// Request is the immutable submission for one job.
type Request struct {
	Source       string             `json:"source"`
	Mode         engine.Mode        `json:"mode"`
	Container    string             `json:"container,omitempty"`
	VideoCodec   ffmpeg.VideoCodec  `json:"video_codec,omitempty"`
	AudioCodec   ffmpeg.AudioCodec  `json:"audio_codec,omitempty"`
	Resolution   ffmpeg.Resolution  `json:"resolution,omitempty"`
	VideoBitrate string             `json:"video_bitrate,omitempty"` // empty = auto
	HWAccel      ffmpeg.HWAccelType `json:"hw_accel,omitempty"`
	StartOffset  float64            `json:"start_offset,omitempty"`
	ToneMap      bool               `json:"tone_map,omitempty"`
	TwoPass      bool               `json:"two_pass,omitempty"` // batch only
	CallbackURL  string             `json:"callback_url,omitempty"`
}

// Validate checks the request shape before a job is created.
func (r *Request) Validate() error {
	if r.Source == "" {
		return fmt.Errorf("source is required")
	}
	switch r.Mode {
	case engine.ModeStream, engine.ModeABR, engine.ModeBatch:
	case "":
		return fmt.Errorf("mode is required")
	default:
		return fmt.Errorf("unknown mode %q", r.Mode)
	}
	if r.Mode == engine.ModeBatch {
		switch r.Container {
		case "", ffmpeg.FormatMP4, ffmpeg.FormatWebM, ffmpeg.FormatMKV:
		default:
			return fmt.Errorf("unsupported container %q", r.Container)
		}
	}
	if r.StartOffset < 0 {
		return fmt.Errorf("start_offset must not be negative")
	}
	if r.VideoBitrate != "" {
		if _, _, err := ffmpeg.ParseBitrate(r.VideoBitrate); err != nil {
			return err
		}
	}
	return nil
}

// Streaming reports whether the job produces HLS output.
func (r *Request) Streaming() bool {
	return r.Mode == engine.ModeStream || r.Mode == engine.ModeABR
}

// Job is one job record. The manager is the sole writer; everything else
// sees Views.
type Job struct {
	ID      string
	Request Request

	State    State
	Progress engine.Progress
	Duration float64
	Encoder  string
	HWFamily ffmpeg.HWAccelType
	Error    string

	OutputDir          string
	ArtifactsReclaimed bool

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	LastAccess  time.Time

	cancelOnce sync.Once
	cancelCh   chan struct{}
}

func newJob(id string, req Request, outputDir string, now time.Time) *Job {
	return &Job{
		ID:         id,
		Request:    req,
		State:      StateQueued,
		OutputDir:  outputDir,
		CreatedAt:  now,
		LastAccess: now,
		cancelCh:   make(chan struct{}),
	}
}

// signalCancel closes the cancellation channel; safe to call repeatedly.
func (j *Job) signalCancel() {
	j.cancelOnce.Do(func() { close(j.cancelCh) })
}

// View is the externally visible snapshot of a job.
type View struct {
	ID          string             `json:"id"`
	State       State              `json:"state"`
	Percent     float64            `json:"percent"`
	SourceTime  float64            `json:"source_time"`
	Duration    float64            `json:"duration"`
	ETASeconds  int                `json:"eta_seconds,omitempty"`
	PlaylistURL string             `json:"playlist_url,omitempty"`
	DownloadURL string             `json:"download_url,omitempty"`
	HWFamily    ffmpeg.HWAccelType `json:"hw_family,omitempty"`
	Error       string             `json:"error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// view renders the public snapshot. hasSegments enables the playlist URL
// for a still-processing streaming job once output exists on disk.
func (j *Job) view(hasSegments bool) View {
	v := View{
		ID:         j.ID,
		State:      j.State,
		Percent:    j.Progress.Percent,
		SourceTime: j.Progress.SourceTime.Seconds(),
		Duration:   j.Duration,
		ETASeconds: j.Progress.ETASeconds,
		HWFamily:   j.HWFamily,
		Error:      j.Error,
		CreatedAt:  j.CreatedAt,
	}
	if j.State == StateReady {
		v.Percent = 100
	}
	if !j.StartedAt.IsZero() {
		started := j.StartedAt
		v.StartedAt = &started
	}
	if !j.CompletedAt.IsZero() {
		completed := j.CompletedAt
		v.CompletedAt = &completed
	}

	if j.Request.Streaming() {
		if j.State == StateReady || (j.State == StateProcessing && hasSegments) {
			v.PlaylistURL = fmt.Sprintf("/stream/%s/master.m3u8", j.ID)
		}
	} else if j.State == StateReady {
		v.DownloadURL = fmt.Sprintf("/download/%s", j.ID)
	}

	return v
}
