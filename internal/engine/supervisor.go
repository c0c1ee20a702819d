package engine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ghoststream/ghoststream/internal/ffmpeg"
	"github.com/ghoststream/ghoststream/internal/observability"
)

const (
	// Termination escalation grace periods. The interrupt window is long
	// enough for the encoder to finalize the current segment.
	interruptGrace = 5 * time.Second
	terminateGrace = 3 * time.Second

	// SignalledExitCode is the sentinel for a child that died to a signal
	// rather than exiting on its own.
	SignalledExitCode = -1

	stderrRingSize = 100
	watchdogTick   = time.Second

	// Stall deadline floor. Slow encodes on big content get extra slack
	// from the segment and resolution factors.
	stallFloor       = 2 * time.Minute
	perSegmentFactor = 10
)

// RunOutcome is the result of one supervised encoder run.
type RunOutcome struct {
	ExitCode   int
	Stalled    bool
	StallAfter time.Duration
	Cancelled  bool
	StderrTail []string
}

// ErrorText aggregates the stderr tail with the machine-readable prefix
// for stalls and cancellations.
func (o *RunOutcome) ErrorText() string {
	tail := strings.Join(o.StderrTail, "\n")
	switch {
	case o.Stalled:
		return fmt.Sprintf("[STALLED after %ds] %s", int(o.StallAfter.Seconds()), tail)
	case o.Cancelled:
		return "[CANCELLED] " + tail
	}
	return tail
}

// Supervisor runs one encoder child process: it drains both output
// streams, parses progress, watches for stalls and cancellation, and
// escalates termination when needed.
type Supervisor struct {
	logger          *slog.Logger
	stallBase       time.Duration
	segmentDuration int
}

// NewSupervisor creates a supervisor. stallBase is the configured minimum
// stall timeout; segmentDuration feeds the per-job deadline.
func NewSupervisor(logger *slog.Logger, stallBase time.Duration, segmentDuration int) *Supervisor {
	return &Supervisor{
		logger:          observability.WithComponent(logger, "supervisor"),
		stallBase:       stallBase,
		segmentDuration: segmentDuration,
	}
}

// StallDeadline computes the per-job stall deadline: a floor of two
// minutes (or the configured base if larger) plus segment-proportional
// slack scaled by resolution. Bigger content gets more room.
func (s *Supervisor) StallDeadline(media *ffmpeg.MediaInfo) time.Duration {
	deadline := s.stallBase
	if deadline < stallFloor {
		deadline = stallFloor
	}

	factor := 1.0
	if media != nil {
		switch {
		case media.Height >= 2160:
			factor = 2.0
		case media.Height >= 1080:
			factor = 1.5
		}
	}

	slack := time.Duration(float64(s.segmentDuration*perSegmentFactor)*factor) * time.Second
	return deadline + slack
}

// Run starts the encoder with the given argument vector and supervises it
// to completion. cancel closes when the job is cancelled. onProgress is
// called for each parsed sample; a panicking subscriber is isolated.
func (s *Supervisor) Run(ffmpegPath string, args []string, media *ffmpeg.MediaInfo, cancel <-chan struct{}, onProgress func(Progress)) (*RunOutcome, error) {
	cmd := exec.Command(ffmpegPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting encoder: %w", err)
	}

	started := time.Now()
	outcome := &RunOutcome{}

	var (
		progressMu   sync.Mutex
		lastProgress = started
	)

	var duration float64
	if media != nil {
		duration = media.Duration
	}

	// Both drainers run concurrently with the waiter; neither stream is
	// allowed to back-pressure the other.
	var drainers sync.WaitGroup
	drainers.Add(2)

	go func() {
		defer drainers.Done()
		_, _ = io.Copy(io.Discard, stdout)
	}()

	var (
		ringMu sync.Mutex
		ring   = make([]string, 0, stderrRingSize)
	)
	go func() {
		defer drainers.Done()
		scanner := newStderrScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}

			if isProgressLine(line) {
				progressMu.Lock()
				lastProgress = time.Now()
				progressMu.Unlock()
				if onProgress != nil {
					s.deliverProgress(onProgress, parseProgress(line, duration))
				}
				continue
			}

			ringMu.Lock()
			if len(ring) >= stderrRingSize {
				ring = ring[1:]
			}
			ring = append(ring, line)
			ringMu.Unlock()
		}
	}()

	// The watchdog owns termination: one escalation sequence per run,
	// whether triggered by stall or cancellation.
	waitDone := make(chan struct{})
	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		deadline := s.StallDeadline(media)
		ticker := time.NewTicker(watchdogTick)
		defer ticker.Stop()

		for {
			select {
			case <-waitDone:
				return
			case <-cancel:
				outcome.Cancelled = true
				s.logger.Info("cancellation requested, terminating encoder")
				s.terminate(cmd, waitDone)
				return
			case <-ticker.C:
				progressMu.Lock()
				idle := time.Since(lastProgress)
				progressMu.Unlock()
				if idle > deadline {
					outcome.Stalled = true
					outcome.StallAfter = idle
					s.logger.Warn("encoder stalled, terminating",
						slog.Duration("idle", idle),
						slog.Duration("deadline", deadline))
					s.terminate(cmd, waitDone)
					return
				}
			}
		}
	}()

	drainers.Wait()
	waitErr := cmd.Wait()
	close(waitDone)
	<-watchdogDone

	ringMu.Lock()
	outcome.StderrTail = append([]string(nil), ring...)
	ringMu.Unlock()

	outcome.ExitCode = exitCode(waitErr)
	s.logger.Debug("encoder exited",
		slog.Int("exit_code", outcome.ExitCode),
		slog.Duration("runtime", time.Since(started)))

	return outcome, nil
}

// deliverProgress invokes the callback with panic isolation.
func (s *Supervisor) deliverProgress(onProgress func(Progress), p Progress) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("progress subscriber panicked", slog.Any("panic", r))
		}
	}()
	onProgress(p)
}

// terminate escalates: interrupt, then terminate, then kill. Each step is
// safe against the child exiting naturally in the meantime.
func (s *Supervisor) terminate(cmd *exec.Cmd, exited <-chan struct{}) {
	if signalAndWait(cmd, os.Interrupt, exited, interruptGrace) {
		return
	}
	if signalAndWait(cmd, syscall.SIGTERM, exited, terminateGrace) {
		return
	}
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// signalAndWait sends a signal and waits up to grace for exit. A failed
// send (process already gone) counts as exited.
func signalAndWait(cmd *exec.Cmd, sig os.Signal, exited <-chan struct{}, grace time.Duration) bool {
	if cmd.Process == nil {
		return true
	}
	if err := cmd.Process.Signal(sig); err != nil {
		return true
	}
	select {
	case <-exited:
		return true
	case <-time.After(grace):
		return false
	}
}

// exitCode maps the wait error to an exit code, with the signalled
// sentinel for signal deaths.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// ExitCode is -1 when the process was signalled.
		return exitErr.ExitCode()
	}
	return SignalledExitCode
}
