// Package daemon holds the process-level concerns of a ghoststream node:
// the capability snapshot built at startup, coordinator registration, and
// host statistics.
package daemon

import (
	"context"
	"log/slog"
	"runtime"
	"sort"

	"github.com/shirou/gopsutil/v4/host"

	"github.com/ghoststream/ghoststream/internal/config"
	"github.com/ghoststream/ghoststream/internal/ffmpeg"
	"github.com/ghoststream/ghoststream/internal/observability"
)

// supportedVideoCodecs maps the advertised codec names to the encoders
// that can produce them.
var supportedVideoCodecs = map[string][]string{
	"h264": {"libx264", "h264_nvenc", "h264_qsv", "h264_vaapi", "h264_videotoolbox", "h264_amf"},
	"h265": {"libx265", "hevc_nvenc", "hevc_qsv", "hevc_vaapi", "hevc_videotoolbox", "hevc_amf"},
	"vp9":  {"libvpx-vp9", "vp9_vaapi", "vp9_qsv"},
	"av1":  {"libsvtav1", "libaom-av1", "av1_nvenc", "av1_qsv", "av1_vaapi"},
}

var supportedAudioCodecs = map[string][]string{
	"aac":  {"aac"},
	"opus": {"libopus", "opus"},
	"mp3":  {"libmp3lame"},
	"flac": {"flac"},
	"ac3":  {"ac3"},
}

var advertisedFormats = []string{"hls", "mp4", "matroska", "webm", "mpegts"}

// BuildCapabilities probes the encoder binary and the host hardware once
// at startup and publishes the read-only capability snapshot.
func BuildCapabilities(ctx context.Context, logger *slog.Logger, binaries *ffmpeg.BinaryInfo, cfg *config.Config) *ffmpeg.Capabilities {
	log := observability.WithComponent(logger, "capabilities")

	hwAccels := ffmpeg.NewHWAccelDetector(binaries.FFmpegPath).Detect(ctx, binaries.Encoders)

	caps := &ffmpeg.Capabilities{
		HWAccels:          hwAccels,
		VideoCodecs:       codecsPresent(binaries, supportedVideoCodecs),
		AudioCodecs:       codecsPresent(binaries, supportedAudioCodecs),
		Formats:           formatsPresent(binaries),
		MaxConcurrentJobs: cfg.Transcoding.MaxConcurrentJobs,
		FFmpegVersion:     binaries.Version,
		Platform:          platformString(ctx),
	}

	log.Info("capability snapshot built",
		slog.String("ffmpeg_version", caps.FFmpegVersion),
		slog.Any("hw_accels", caps.AvailableTypes()),
		slog.Any("video_codecs", caps.VideoCodecs))
	return caps
}

// codecsPresent returns the codec names for which at least one encoder is
// compiled into the binary.
func codecsPresent(binaries *ffmpeg.BinaryInfo, table map[string][]string) []string {
	var names []string
	for name, encoders := range table {
		for _, encoder := range encoders {
			if binaries.HasEncoder(encoder) {
				names = append(names, name)
				break
			}
		}
	}
	sort.Strings(names)
	return names
}

func formatsPresent(binaries *ffmpeg.BinaryInfo) []string {
	var formats []string
	for _, format := range advertisedFormats {
		if binaries.HasFormat(format) {
			formats = append(formats, format)
		}
	}
	return formats
}

// platformString identifies the host, preferring the detected distro over
// the bare GOOS.
func platformString(ctx context.Context) string {
	if info, err := host.InfoWithContext(ctx); err == nil && info.Platform != "" {
		return info.Platform + "/" + runtime.GOARCH
	}
	return runtime.GOOS + "/" + runtime.GOARCH
}
