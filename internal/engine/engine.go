package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ghoststream/ghoststream/internal/config"
	"github.com/ghoststream/ghoststream/internal/ffmpeg"
	"github.com/ghoststream/ghoststream/internal/observability"
)

// Mode is the output shape of a job.
type Mode string

const (
	ModeStream Mode = "stream" // single-variant HLS
	ModeABR    Mode = "abr"    // multi-variant HLS
	ModeBatch  Mode = "batch"  // single file
)

const retryDelayStep = 2 * time.Second

// Request describes one transcode to run.
type Request struct {
	JobID       string
	Source      string
	OutputDir   string
	Mode        Mode
	StartOffset float64

	VideoCodec   ffmpeg.VideoCodec
	AudioCodec   ffmpeg.AudioCodec
	Resolution   ffmpeg.Resolution
	VideoBitrate string // empty = resolution default
	HWAccel      ffmpeg.HWAccelType
	ToneMap      bool

	// Batch only.
	Container string
	TwoPass   bool
}

// Result describes a finished transcode.
type Result struct {
	Media    *ffmpeg.MediaInfo
	Encoder  string
	HWFamily ffmpeg.HWAccelType
	Variants []ffmpeg.QualityPreset // ABR only
}

// Error is a classified transcode failure. Reason carries the stall or
// cancellation tag when one applies.
type Error struct {
	Category ffmpeg.ErrorCategory
	Reason   string
}

func (e *Error) Error() string { return e.Reason }

// ErrCancelled marks a job terminated by explicit cancellation.
var ErrCancelled = &Error{Category: ffmpeg.ErrorUnknown, Reason: "[CANCELLED] job cancelled"}

// Engine runs transcodes end to end: probe, plan, supervise, validate,
// and the retry/fallback policy around all of it.
type Engine struct {
	logger     *slog.Logger
	prober     *ffmpeg.Prober
	selector   *ffmpeg.EncoderSelector
	filters    *ffmpeg.FilterBuilder
	commands   *ffmpeg.CommandBuilder
	classifier *ffmpeg.ErrorClassifier
	supervisor *Supervisor
	validator  *Validator
	caps       *ffmpeg.Capabilities

	retryCount     int
	abrMaxVariants int
}

// New assembles an engine from the detected binaries, the capability
// snapshot, and configuration.
func New(logger *slog.Logger, binaries *ffmpeg.BinaryInfo, caps *ffmpeg.Capabilities, cfg *config.Config) *Engine {
	return &Engine{
		logger:     observability.WithComponent(logger, "engine"),
		prober:     ffmpeg.NewProber(binaries.FFprobePath),
		selector:   ffmpeg.NewEncoderSelector(caps, cfg.Hardware),
		filters:    ffmpeg.NewFilterBuilder(cfg.Transcoding.ToneMapHDR),
		commands:   ffmpeg.NewCommandBuilder(binaries.FFmpegPath, cfg.Transcoding.SegmentDuration),
		classifier: ffmpeg.NewErrorClassifier(),
		supervisor: NewSupervisor(logger, cfg.Transcoding.StallTimeout, cfg.Transcoding.SegmentDuration),
		validator:  NewValidator(logger, int64(cfg.Limits.MaxFileSize)),
		caps:       caps,
		retryCount: cfg.Transcoding.RetryCount,

		abrMaxVariants: cfg.Transcoding.ABRMaxVariants,
	}
}

// Selector exposes the encoder selector for capability and stats reporting.
func (e *Engine) Selector() *ffmpeg.EncoderSelector { return e.selector }

// Probe inspects a source without running a job.
func (e *Engine) Probe(ctx context.Context, source string) (*ffmpeg.MediaInfo, error) {
	return e.prober.Probe(ctx, source)
}

// Process runs one job to completion. cancel closes when the job is
// cancelled; onProgress receives parsed samples. Hardware failures get one
// software fallback per job; transient failures retry with a growing
// delay; unknown failures retry once.
func (e *Engine) Process(ctx context.Context, req *Request, cancel <-chan struct{}, onProgress func(Progress)) (*Result, error) {
	logger := e.logger.With(slog.String("job_id", req.JobID))

	media, err := e.prober.Probe(ctx, req.Source)
	if err != nil {
		return nil, &Error{Category: ffmpeg.ErrorTransient, Reason: fmt.Sprintf("probe failed: %v", err)}
	}
	if media.Duration <= 0 {
		return nil, &Error{Category: ffmpeg.ErrorFatal, Reason: "source has zero duration"}
	}

	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, &Error{Category: ffmpeg.ErrorResource, Reason: fmt.Sprintf("creating work directory: %v", err)}
	}

	var (
		attempt        int
		forcedSoftware bool
		usedFallback   bool
	)

	for {
		select {
		case <-cancel:
			return nil, ErrCancelled
		default:
		}

		requested := req.HWAccel
		if forcedSoftware {
			requested = ffmpeg.HWAccelSoftware
		}
		encoder, encoderArgs := e.selector.Choose(req.VideoCodec, requested)
		family := ffmpeg.FamilyForEncoder(encoder)

		result, errText := e.runAttempt(req, media, encoder, encoderArgs, cancel, onProgress)
		if errText == "" {
			e.selector.Reset(encoder)
			result.Media = media
			result.Encoder = encoder
			result.HWFamily = family
			logger.Info("transcode complete",
				slog.String("encoder", encoder),
				slog.Int("attempts", attempt+1))
			return result, nil
		}

		if isCancelledText(errText) {
			return nil, &Error{Category: ffmpeg.ErrorUnknown, Reason: errText}
		}

		category, _, desc := e.classifier.Classify(errText)
		logger.Warn("transcode attempt failed",
			slog.String("encoder", encoder),
			slog.String("category", string(category)),
			slog.String("description", desc),
			slog.Int("attempt", attempt))

		if category == ffmpeg.ErrorHardware && family != ffmpeg.HWAccelSoftware && !usedFallback {
			e.selector.MarkFailed(encoder)
			forcedSoftware = true
			usedFallback = true
			logger.Info("falling back to software encoding", slog.String("failed_encoder", encoder))
			continue
		}

		if !e.classifier.ShouldRetry(errText, attempt, e.retryCount) {
			return nil, &Error{Category: category, Reason: truncateReason(errText)}
		}

		attempt++
		delay := retryDelayStep * time.Duration(attempt)
		logger.Info("retrying after delay", slog.Duration("delay", delay))
		select {
		case <-cancel:
			return nil, ErrCancelled
		case <-time.After(delay):
		}
	}
}

// runAttempt executes one encode pass (or two, for two-pass batch) and
// validates the output. Returns an empty error text on success.
func (e *Engine) runAttempt(req *Request, media *ffmpeg.MediaInfo, encoder string, encoderArgs []string, cancel <-chan struct{}, onProgress func(Progress)) (*Result, string) {
	result := &Result{}

	bitrate := req.VideoBitrate
	if bitrate == "" {
		bitrate = req.Resolution.DefaultBitrate()
	}

	params := &ffmpeg.EncodeParams{
		Source:       req.Source,
		OutputDir:    req.OutputDir,
		Media:        media,
		StartOffset:  req.StartOffset,
		VideoEncoder: encoder,
		VideoArgs:    encoderArgs,
		VideoBitrate: bitrate,
		Container:    req.Container,
	}
	params.AudioEncoder, params.AudioArgs = e.selector.ChooseAudio(req.AudioCodec)
	params.Filter = e.filters.Build(media, req.VideoCodec, req.Resolution, encoder, req.ToneMap)
	params.HWDecode, _ = ffmpeg.HWDecodeArgs(encoder, e.caps.VAAPIDevice())

	switch req.Mode {
	case ModeABR:
		variants := ffmpeg.PlanVariants(media.Height, e.abrMaxVariants)
		parts, _ := e.filters.BuildABR(media, variants, req.VideoCodec, req.ToneMap)
		params.Variants = variants
		params.FilterParts = parts
		result.Variants = variants

		if errText := e.runSupervised(e.commands.BuildABR(params), media, cancel, onProgress); errText != "" {
			return nil, errText
		}
		if err := e.validator.ValidateHLS(req.OutputDir); err != nil {
			return nil, "validation: " + err.Error()
		}

	case ModeBatch:
		if req.TwoPass {
			params.TwoPass = true
			params.PassNum = 1
			if errText := e.runSupervised(e.commands.BuildBatch(params), media, cancel, onProgress); errText != "" {
				return nil, errText
			}
			params.PassNum = 2
		}
		if errText := e.runSupervised(e.commands.BuildBatch(params), media, cancel, onProgress); errText != "" {
			return nil, errText
		}
		if err := e.validator.ValidateBatch(BatchOutputPath(req.OutputDir, req.Container)); err != nil {
			return nil, "validation: " + err.Error()
		}

	default:
		if errText := e.runSupervised(e.commands.BuildHLS(params), media, cancel, onProgress); errText != "" {
			return nil, errText
		}
		if err := e.validator.ValidateHLS(req.OutputDir); err != nil {
			return nil, "validation: " + err.Error()
		}
	}

	return result, ""
}

// runSupervised runs one child process and maps the outcome to an error
// text. Empty means clean exit.
func (e *Engine) runSupervised(args []string, media *ffmpeg.MediaInfo, cancel <-chan struct{}, onProgress func(Progress)) string {
	outcome, err := e.supervisor.Run(e.commands.FFmpegPath(), args, media, cancel, onProgress)
	if err != nil {
		return err.Error()
	}
	if outcome.ExitCode != 0 || outcome.Stalled || outcome.Cancelled {
		return outcome.ErrorText()
	}
	return ""
}

// BatchOutputPath returns the single-file output path for a container.
func BatchOutputPath(outputDir, container string) string {
	switch container {
	case ffmpeg.FormatWebM:
		return filepath.Join(outputDir, "output.webm")
	case ffmpeg.FormatMKV:
		return filepath.Join(outputDir, "output.mkv")
	default:
		return filepath.Join(outputDir, "output.mp4")
	}
}

func isCancelledText(errText string) bool {
	return strings.HasPrefix(errText, "[CANCELLED]")
}

// truncateReason bounds the user-visible error reason; the full stderr
// tail stays in logs only.
func truncateReason(errText string) string {
	const maxLen = 300
	if len(errText) <= maxLen {
		return errText
	}
	return errText[:maxLen] + "…"
}
