package ffmpeg

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// Output container formats for batch jobs.
const (
	FormatHLS  = "hls"
	FormatMP4  = "mp4"
	FormatWebM = "webm"
	FormatMKV  = "mkv"
)

// protocolArgs are prepended for network sources. The timeout is in
// microseconds (30s).
var protocolArgs = []string{
	"-headers", "User-Agent: GhostStream/1.0\r\n",
	"-reconnect", "1",
	"-reconnect_streamed", "1",
	"-reconnect_delay_max", "5",
	"-timeout", "30000000",
}

// EncodeParams carries everything the planner resolved for one encode
// attempt: the concrete encoders, their flag blocks, the filter plan, and
// the output shape.
type EncodeParams struct {
	Source      string
	OutputDir   string
	Media       *MediaInfo
	StartOffset float64 // seconds to seek before decode

	VideoEncoder string
	VideoArgs    []string // encoder flag block from the selector
	AudioEncoder string
	AudioArgs    []string
	VideoBitrate string

	Filter   FilterPlan
	HWDecode []string // decode hints, dropped when the filter plan is CPU-only

	// Batch only.
	Container string // mp4, webm, mkv
	TwoPass   bool
	PassNum   int // 1 or 2 when TwoPass

	// ABR only.
	Variants    []QualityPreset
	FilterParts []string // filter_complex graph from BuildABR
}

// CommandBuilder assembles encoder argument vectors.
type CommandBuilder struct {
	ffmpegPath      string
	segmentDuration int
}

// NewCommandBuilder creates a command builder.
func NewCommandBuilder(ffmpegPath string, segmentDuration int) *CommandBuilder {
	return &CommandBuilder{ffmpegPath: ffmpegPath, segmentDuration: segmentDuration}
}

// FFmpegPath returns the encoder binary path the builder targets.
func (b *CommandBuilder) FFmpegPath() string {
	return b.ffmpegPath
}

// isNetworkSource reports whether the source needs the HTTP protocol args.
func isNetworkSource(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// inputArgs assembles the -i block: decode hints, protocol args, source.
// Hardware decode hints are dropped when the filter plan runs on the CPU;
// frames decoded into GPU memory cannot feed zscale.
func (b *CommandBuilder) inputArgs(p *EncodeParams) []string {
	args := []string{"-y"}
	if len(p.HWDecode) > 0 && !p.Filter.CPUOnly {
		args = append(args, p.HWDecode...)
	}
	if isNetworkSource(p.Source) {
		args = append(args, protocolArgs...)
	}
	if p.StartOffset > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.3f", p.StartOffset))
	}
	return append(args, "-i", p.Source)
}

// videoArgs assembles the single-output video block: codec, rate control,
// filters, and GOP alignment (2s keyframe interval for clean segment cuts).
func (b *CommandBuilder) videoArgs(p *EncodeParams) []string {
	args := []string{"-map", "0:v:0"}
	if p.Media != nil && p.Media.AudioCodec != "" {
		args = append(args, "-map", "0:a:0")
	}

	args = append(args, "-c:v", p.VideoEncoder)
	args = append(args, p.VideoArgs...)

	if p.VideoEncoder != "copy" {
		args = append(args,
			"-b:v", p.VideoBitrate,
			"-maxrate", p.VideoBitrate,
			"-bufsize", BufSize(p.VideoBitrate),
		)
		if chain := p.Filter.Chain(); chain != "" {
			args = append(args, "-vf", chain)
		}
		gop := gopSize(p.Media)
		args = append(args, "-g", fmt.Sprint(gop), "-keyint_min", fmt.Sprint(gop))
	}

	return args
}

// audioArgs assembles the audio block, downmixing above stereo. The
// selector's codec flags flow through; for multichannel sources the
// channel-aware bitrate rung overrides the codec default, which would
// starve the downmix.
func (b *CommandBuilder) audioArgs(p *EncodeParams) []string {
	if p.Media == nil || p.Media.AudioCodec == "" {
		return []string{"-an"}
	}

	args := []string{"-c:a", p.AudioEncoder}
	if p.AudioEncoder == "copy" {
		return args
	}

	channels := p.Media.AudioChannels
	bitrate := AudioBitrate(channels)
	for i := 0; i+1 < len(p.AudioArgs); i += 2 {
		if p.AudioArgs[i] == "-b:a" {
			if channels > 0 && channels <= 2 {
				bitrate = p.AudioArgs[i+1]
			}
			continue
		}
		args = append(args, p.AudioArgs[i], p.AudioArgs[i+1])
	}

	args = append(args, "-b:a", bitrate)
	if channels > 2 || channels == 0 {
		channels = 2
	}
	return append(args, "-ac", fmt.Sprint(channels))
}

// BuildHLS assembles the single-variant HLS command. Output is a VOD-typed
// playlist written incrementally, so players can start before the encode
// finishes.
func (b *CommandBuilder) BuildHLS(p *EncodeParams) []string {
	args := b.inputArgs(p)
	args = append(args, b.videoArgs(p)...)
	args = append(args, b.audioArgs(p)...)

	args = append(args,
		"-f", "hls",
		"-hls_time", fmt.Sprint(b.segmentDuration),
		"-hls_list_size", "0",
		"-hls_segment_filename", filepath.Join(p.OutputDir, "segment_%05d.ts"),
		"-hls_flags", "independent_segments+append_list",
		"-hls_segment_type", "mpegts",
		"-hls_playlist_type", "vod",
	)
	return append(args, filepath.Join(p.OutputDir, "master.m3u8"))
}

// BuildBatch assembles a single-file command for mp4, webm, or mkv output.
// Two-pass encodes discard the first pass into the null muxer.
func (b *CommandBuilder) BuildBatch(p *EncodeParams) []string {
	args := b.inputArgs(p)
	args = append(args, b.videoArgs(p)...)

	if p.TwoPass {
		args = append(args,
			"-pass", fmt.Sprint(p.PassNum),
			"-passlogfile", filepath.Join(p.OutputDir, "ffmpeg2pass"),
		)
		if p.PassNum == 1 {
			return append(args, "-an", "-f", "null", nullDevice())
		}
	}

	args = append(args, b.audioArgs(p)...)

	switch p.Container {
	case FormatWebM:
		args = append(args, "-f", "webm")
		return append(args, filepath.Join(p.OutputDir, "output.webm"))
	case FormatMKV:
		args = append(args, "-f", "matroska")
		return append(args, filepath.Join(p.OutputDir, "output.mkv"))
	default:
		args = append(args, "-movflags", "+faststart")
		return append(args, filepath.Join(p.OutputDir, "output.mp4"))
	}
}

// BuildABR assembles the multi-variant HLS command: one decode, a split
// filter graph, per-variant encoder blocks, and a shared stereo audio
// encode duplicated across variants via var_stream_map.
func (b *CommandBuilder) BuildABR(p *EncodeParams) []string {
	args := []string{"-y"}
	if isNetworkSource(p.Source) {
		args = append(args, protocolArgs...)
	}
	if p.StartOffset > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.3f", p.StartOffset))
	}
	args = append(args, "-i", p.Source)

	args = append(args, "-filter_complex", strings.Join(p.FilterParts, ";"))

	gop := gopSize(p.Media)
	hasAudio := p.Media != nil && p.Media.AudioCodec != ""

	for i, variant := range p.Variants {
		args = append(args, "-map", fmt.Sprintf("[v%d]", i))
		if hasAudio {
			args = append(args, "-map", "0:a:0")
		}
		args = append(args,
			fmt.Sprintf("-c:v:%d", i), p.VideoEncoder,
			fmt.Sprintf("-b:v:%d", i), variant.VideoBitrate,
			fmt.Sprintf("-maxrate:v:%d", i), variant.VideoBitrate,
			fmt.Sprintf("-bufsize:v:%d", i), BufSize(variant.VideoBitrate),
			fmt.Sprintf("-g:v:%d", i), fmt.Sprint(gop),
		)
		if preset := variantPreset(p.VideoEncoder, variant); len(preset) > 0 {
			for j := 0; j+1 < len(preset); j += 2 {
				args = append(args, fmt.Sprintf("%s:v:%d", preset[j], i), preset[j+1])
			}
		}
	}

	if hasAudio {
		args = append(args, "-c:a", p.AudioEncoder, "-b:a", "128k", "-ac", "2")
	}

	var streamMap []string
	for i := range p.Variants {
		if hasAudio {
			streamMap = append(streamMap, fmt.Sprintf("v:%d,a:%d", i, i))
		} else {
			streamMap = append(streamMap, fmt.Sprintf("v:%d", i))
		}
	}

	args = append(args,
		"-f", "hls",
		"-hls_time", fmt.Sprint(b.segmentDuration),
		"-hls_list_size", "0",
		"-hls_segment_filename", filepath.Join(p.OutputDir, "stream_%v_%05d.ts"),
		"-hls_flags", "independent_segments+append_list",
		"-hls_segment_type", "mpegts",
		"-hls_playlist_type", "vod",
		"-master_pl_name", "master.m3u8",
		"-var_stream_map", strings.Join(streamMap, " "),
	)
	return append(args, filepath.Join(p.OutputDir, "stream_%v.m3u8"))
}

// variantPreset returns the per-variant quality flag pair for the encoder
// family: HW preset scale for NVENC/QSV, CRF for the software encoders.
func variantPreset(videoEncoder string, variant QualityPreset) []string {
	switch FamilyForEncoder(videoEncoder) {
	case HWAccelNVENC, HWAccelQSV:
		return []string{"-preset", variant.HWPreset}
	case HWAccelSoftware:
		if strings.HasPrefix(videoEncoder, "lib") {
			return []string{"-crf", fmt.Sprint(variant.CRF)}
		}
	}
	return nil
}

// gopSize returns the keyframe interval: two seconds of frames, so every
// segment boundary lands on a keyframe.
func gopSize(media *MediaInfo) int {
	fps := 30.0
	if media != nil && media.FPS > 0 {
		fps = media.FPS
	}
	return int(fps * 2)
}

// nullDevice is the first-pass discard sink.
func nullDevice() string {
	if runtime.GOOS == "windows" {
		return "NUL"
	}
	return "/dev/null"
}

// PlanVariants selects the ABR ladder rungs for a source: every rung at or
// below the source height, capped at maxVariants from the top. A source
// below the whole ladder still gets the lowest rung.
func PlanVariants(sourceHeight, maxVariants int) []QualityPreset {
	if maxVariants < 1 {
		maxVariants = 1
	}

	var variants []QualityPreset
	for _, rung := range QualityLadder {
		if rung.Height <= sourceHeight {
			variants = append(variants, rung)
		}
		if len(variants) == maxVariants {
			break
		}
	}

	if len(variants) == 0 {
		variants = append(variants, QualityLadder[len(QualityLadder)-1])
	}
	return variants
}
