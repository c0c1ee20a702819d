package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// BinaryInfo contains information about the encoder binary installation.
type BinaryInfo struct {
	FFmpegPath   string   `json:"ffmpeg_path"`
	FFprobePath  string   `json:"ffprobe_path"`
	Version      string   `json:"version"`
	MajorVersion int      `json:"major_version"`
	MinorVersion int      `json:"minor_version"`
	Encoders     []string `json:"encoders,omitempty"`
	Decoders     []string `json:"decoders,omitempty"`
	Formats      []string `json:"formats,omitempty"`
}

// BinaryDetector handles detection and caching of the encoder binaries.
type BinaryDetector struct {
	ffmpegPath  string // configured path, "" or "auto" = discover
	ffprobePath string

	mu           sync.RWMutex
	info         *BinaryInfo
	lastDetected time.Time
	cacheTTL     time.Duration
}

// NewBinaryDetector creates a detector. Configured paths take precedence
// over environment variables and PATH lookup.
func NewBinaryDetector(ffmpegPath, ffprobePath string) *BinaryDetector {
	return &BinaryDetector{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		cacheTTL:    5 * time.Minute,
	}
}

// Detect locates the ffmpeg and ffprobe binaries and inventories their
// encoders, decoders, and muxable formats. Results are cached.
func (d *BinaryDetector) Detect(ctx context.Context) (*BinaryInfo, error) {
	d.mu.RLock()
	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		info := d.info
		d.mu.RUnlock()
		return info, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		return d.info, nil
	}

	info, err := d.detect(ctx)
	if err != nil {
		return nil, err
	}

	d.info = info
	d.lastDetected = time.Now()
	return info, nil
}

func (d *BinaryDetector) detect(ctx context.Context) (*BinaryInfo, error) {
	info := &BinaryInfo{}

	ffmpegPath, err := findBinary("ffmpeg", d.ffmpegPath, "GHOSTSTREAM_FFMPEG_BINARY")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	info.FFmpegPath = ffmpegPath

	// ffprobe is required: jobs cannot be planned without a media probe.
	ffprobePath, err := findBinary("ffprobe", d.ffprobePath, "GHOSTSTREAM_FFPROBE_BINARY")
	if err != nil {
		return nil, fmt.Errorf("ffprobe not found: %w", err)
	}
	info.FFprobePath = ffprobePath

	if err := d.readVersion(ctx, info); err != nil {
		return nil, fmt.Errorf("getting ffmpeg version: %w", err)
	}

	if encoders, err := d.listCoders(ctx, info.FFmpegPath, "-encoders"); err == nil {
		info.Encoders = encoders
	}
	if decoders, err := d.listCoders(ctx, info.FFmpegPath, "-decoders"); err == nil {
		info.Decoders = decoders
	}
	if formats, err := d.listFormats(ctx, info.FFmpegPath); err == nil {
		info.Formats = formats
	}

	return info, nil
}

var versionRegex = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

// readVersion extracts version information from ffmpeg -version output.
func (d *BinaryDetector) readVersion(ctx context.Context, info *BinaryInfo) error {
	cmd := exec.CommandContext(ctx, info.FFmpegPath, "-version")
	output, err := cmd.Output()
	if err != nil {
		return err
	}

	for _, line := range strings.Split(string(output), "\n") {
		if !strings.HasPrefix(line, "ffmpeg version") {
			continue
		}
		// "ffmpeg version 6.0 Copyright..." or "ffmpeg version n6.0-2-g..."
		parts := strings.Fields(line)
		if len(parts) < 3 {
			continue
		}
		info.Version = parts[2]
		if matches := versionRegex.FindStringSubmatch(parts[2]); len(matches) >= 3 {
			info.MajorVersion, _ = strconv.Atoi(matches[1])
			info.MinorVersion, _ = strconv.Atoi(matches[2])
		}
		return nil
	}

	return fmt.Errorf("failed to parse ffmpeg version")
}

// listCoders parses ffmpeg -encoders / -decoders output.
func (d *BinaryDetector) listCoders(ctx context.Context, ffmpegPath, flag string) ([]string, error) {
	cmd := exec.CommandContext(ctx, ffmpegPath, flag, "-hide_banner")
	output, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	var names []string
	inList := false
	for _, line := range strings.Split(string(output), "\n") {
		if strings.Contains(line, "------") {
			inList = true
			continue
		}
		if !inList {
			continue
		}

		// Format: " V....D name description"
		line = strings.TrimLeft(line, " ")
		if len(line) < 8 {
			continue
		}
		if line[0] != 'V' && line[0] != 'A' && line[0] != 'S' {
			continue
		}
		fields := strings.Fields(strings.TrimSpace(line[6:]))
		if len(fields) >= 1 && fields[0] != "" {
			names = append(names, fields[0])
		}
	}

	return names, nil
}

// listFormats parses ffmpeg -formats output, keeping muxable formats only.
func (d *BinaryDetector) listFormats(ctx context.Context, ffmpegPath string) ([]string, error) {
	cmd := exec.CommandContext(ctx, ffmpegPath, "-formats", "-hide_banner")
	output, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	var formats []string
	inList := false
	for _, line := range strings.Split(string(output), "\n") {
		if strings.Contains(line, "--") {
			inList = true
			continue
		}
		if !inList || len(line) < 4 {
			continue
		}

		flags := strings.TrimSpace(line[:3])
		if !strings.Contains(flags, "E") {
			continue
		}
		fields := strings.SplitN(strings.TrimSpace(line[3:]), " ", 2)
		if len(fields) >= 1 && fields[0] != "" {
			formats = append(formats, fields[0])
		}
	}

	return formats, nil
}

// HasEncoder returns true if the encoder is available.
func (info *BinaryInfo) HasEncoder(name string) bool {
	return slices.Contains(info.Encoders, name)
}

// HasFormat returns true if the format is available for muxing.
func (info *BinaryInfo) HasFormat(name string) bool {
	return slices.Contains(info.Formats, name)
}

// findBinary locates a binary: configured path, env var, cwd, then PATH.
func findBinary(name, configured, envVar string) (string, error) {
	if configured != "" && configured != "auto" {
		if isExecutable(configured) {
			return configured, nil
		}
		return "", fmt.Errorf("configured path %s is not executable", configured)
	}

	if envPath := os.Getenv(envVar); envPath != "" && isExecutable(envPath) {
		return envPath, nil
	}

	if localPath := "./" + name; isExecutable(localPath) {
		return localPath, nil
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("binary %s not found", name)
}

// isExecutable checks if a file exists and is executable by the current user.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}
