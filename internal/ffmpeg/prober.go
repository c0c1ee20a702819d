package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// MediaInfo describes a probed source.
type MediaInfo struct {
	Duration       float64 `json:"duration"` // seconds
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	FPS            float64 `json:"fps"`
	VideoCodec     string  `json:"video_codec"`
	AudioCodec     string  `json:"audio_codec"`
	AudioChannels  int     `json:"audio_channels"`
	PixelFormat    string  `json:"pixel_format,omitempty"`
	ColorPrimaries string  `json:"color_primaries,omitempty"`
	ColorTransfer  string  `json:"color_transfer,omitempty"`
	ColorSpace     string  `json:"color_space,omitempty"`
	HDR            bool    `json:"hdr"`
}

// Prober wraps the probe side of the encoder binary.
type Prober struct {
	ffprobePath string
	timeout     time.Duration
	retries     int
	retryDelay  time.Duration
}

// NewProber creates a new media prober.
func NewProber(ffprobePath string) *Prober {
	return &Prober{
		ffprobePath: ffprobePath,
		timeout:     30 * time.Second,
		retries:     2,
		retryDelay:  2 * time.Second,
	}
}

// WithTimeout sets the per-attempt probe timeout.
func (p *Prober) WithTimeout(timeout time.Duration) *Prober {
	p.timeout = timeout
	return p
}

// probeOutput mirrors the ffprobe -print_format json schema.
type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []probeStream `json:"streams"`
}

type probeStream struct {
	CodecType      string `json:"codec_type"`
	CodecName      string `json:"codec_name"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	RFrameRate     string `json:"r_frame_rate"`
	AvgFrameRate   string `json:"avg_frame_rate"`
	Channels       int    `json:"channels"`
	PixFmt         string `json:"pix_fmt"`
	ColorPrimaries string `json:"color_primaries"`
	ColorTransfer  string `json:"color_transfer"`
	ColorSpace     string `json:"color_space"`
	Duration       string `json:"duration"`
}

// Probe inspects the source and returns its MediaInfo. Transient I/O
// failures are retried with a short backoff; a zero duration is reported
// as-is and treated as fatal by the caller.
func (p *Prober) Probe(ctx context.Context, source string) (*MediaInfo, error) {
	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay):
			}
		}

		info, err := p.probeOnce(ctx, source)
		if err == nil {
			return info, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("probing %s: %w", source, lastErr)
}

func (p *Prober) probeOnce(ctx context.Context, source string) (*MediaInfo, error) {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
	}
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "5",
		)
	}
	args = append(args, source)

	cmd := exec.CommandContext(probeCtx, p.ffprobePath, args...)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe: %w", err)
	}

	var parsed probeOutput
	if err := json.Unmarshal(output, &parsed); err != nil {
		return nil, fmt.Errorf("parsing ffprobe output: %w", err)
	}

	return p.simplify(&parsed), nil
}

// simplify reduces raw ffprobe output to a MediaInfo record.
func (p *Prober) simplify(raw *probeOutput) *MediaInfo {
	info := &MediaInfo{}

	info.Duration, _ = strconv.ParseFloat(raw.Format.Duration, 64)

	for _, stream := range raw.Streams {
		switch stream.CodecType {
		case "video":
			if info.VideoCodec != "" {
				continue
			}
			info.VideoCodec = stream.CodecName
			info.Width = stream.Width
			info.Height = stream.Height
			info.FPS = parseFramerate(stream.RFrameRate)
			if info.FPS == 0 {
				info.FPS = parseFramerate(stream.AvgFrameRate)
			}
			info.PixelFormat = stream.PixFmt
			info.ColorPrimaries = stream.ColorPrimaries
			info.ColorTransfer = stream.ColorTransfer
			info.ColorSpace = stream.ColorSpace
			if info.Duration == 0 {
				info.Duration, _ = strconv.ParseFloat(stream.Duration, 64)
			}
		case "audio":
			if info.AudioCodec != "" {
				continue
			}
			info.AudioCodec = stream.CodecName
			info.AudioChannels = stream.Channels
		}
	}

	info.HDR = isHDR(info.ColorTransfer, info.ColorPrimaries, info.ColorSpace)
	return info
}

// isHDR derives the HDR flag from transfer characteristic and primaries.
// smpte2084 is PQ (HDR10), arib-std-b67 is HLG.
func isHDR(transfer, primaries, colorspace string) bool {
	switch transfer {
	case "smpte2084", "arib-std-b67":
		return true
	}
	if primaries == "bt2020" {
		return true
	}
	return strings.HasPrefix(colorspace, "bt2020")
}

// parseFramerate parses an ffprobe framerate fraction like "30000/1001".
func parseFramerate(s string) float64 {
	if s == "" || s == "0/0" {
		return 0
	}
	parts := strings.Split(s, "/")
	if len(parts) == 2 {
		num, err1 := strconv.ParseFloat(parts[0], 64)
		den, err2 := strconv.ParseFloat(parts[1], 64)
		if err1 == nil && err2 == nil && den != 0 {
			return num / den
		}
		return 0
	}
	fps, _ := strconv.ParseFloat(s, 64)
	return fps
}
