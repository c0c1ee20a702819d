package ffmpeg

import (
	"fmt"
	"strconv"
	"strings"
)

// QualityPreset is one rung of the adaptive-bitrate planning ladder.
type QualityPreset struct {
	Name         string
	Width        int
	Height       int
	VideoBitrate string
	AudioBitrate string
	CRF          int    // software encoders
	HWPreset     string // NVENC p1-p7 scale
}

// QualityLadder is the global preset ladder, ordered by descending height.
// Bitrates track the ladders used by common media servers.
var QualityLadder = []QualityPreset{
	{Name: "4K", Width: 3840, Height: 2160, VideoBitrate: "20M", AudioBitrate: "384k", CRF: 18, HWPreset: "p4"},
	{Name: "4K-low", Width: 3840, Height: 2160, VideoBitrate: "12M", AudioBitrate: "256k", CRF: 20, HWPreset: "p5"},
	{Name: "1080p", Width: 1920, Height: 1080, VideoBitrate: "8M", AudioBitrate: "192k", CRF: 20, HWPreset: "p4"},
	{Name: "1080p-low", Width: 1920, Height: 1080, VideoBitrate: "4M", AudioBitrate: "128k", CRF: 23, HWPreset: "p5"},
	{Name: "720p", Width: 1280, Height: 720, VideoBitrate: "4M", AudioBitrate: "128k", CRF: 22, HWPreset: "p4"},
	{Name: "720p-low", Width: 1280, Height: 720, VideoBitrate: "2M", AudioBitrate: "96k", CRF: 24, HWPreset: "p5"},
	{Name: "480p", Width: 854, Height: 480, VideoBitrate: "1.5M", AudioBitrate: "96k", CRF: 24, HWPreset: "p5"},
	{Name: "360p", Width: 640, Height: 360, VideoBitrate: "800k", AudioBitrate: "64k", CRF: 26, HWPreset: "p6"},
}

// Resolution identifies a target resolution class.
type Resolution string

const (
	Resolution4K       Resolution = "4k"
	Resolution1080p    Resolution = "1080p"
	Resolution720p     Resolution = "720p"
	Resolution480p     Resolution = "480p"
	ResolutionOriginal Resolution = "original"
)

// resolutionDimensions maps a resolution class to output dimensions.
var resolutionDimensions = map[Resolution][2]int{
	Resolution4K:    {3840, 2160},
	Resolution1080p: {1920, 1080},
	Resolution720p:  {1280, 720},
	Resolution480p:  {854, 480},
}

// defaultBitrates maps a resolution class to its "auto" video bitrate.
var defaultBitrates = map[Resolution]string{
	Resolution4K:       "20M",
	Resolution1080p:    "8M",
	Resolution720p:     "4M",
	Resolution480p:     "1.5M",
	ResolutionOriginal: "8M",
}

// audioBitrateForChannels maps source channel counts to audio bitrates.
var audioBitrateForChannels = map[int]string{
	1: "64k",  // mono
	2: "128k", // stereo
	6: "384k", // 5.1
	8: "512k", // 7.1
}

// AudioBitrate returns the audio bitrate for a source channel count.
func AudioBitrate(channels int) string {
	if br, ok := audioBitrateForChannels[channels]; ok {
		return br
	}
	return "128k"
}

// Dimensions returns the output dimensions for a resolution class.
// ResolutionOriginal reports ok=false; the source dimensions apply.
func (r Resolution) Dimensions() (width, height int, ok bool) {
	dims, found := resolutionDimensions[r]
	if !found {
		return 0, 0, false
	}
	return dims[0], dims[1], true
}

// DefaultBitrate returns the "auto" video bitrate for a resolution class.
func (r Resolution) DefaultBitrate() string {
	if br, ok := defaultBitrates[r]; ok {
		return br
	}
	return defaultBitrates[ResolutionOriginal]
}

// ToneMapFilter is the HDR to SDR conversion chain. Mobius keeps colors
// natural; zscale needs the input colorspace (tin/pin/min) spelled out to
// find a conversion path. Target luminance is 100 nits.
const ToneMapFilter = "zscale=tin=smpte2084:min=bt2020nc:pin=bt2020:t=linear:npl=100," +
	"format=gbrpf32le," +
	"zscale=p=bt709," +
	"tonemap=tonemap=mobius:desat=0," +
	"zscale=t=bt709:m=bt709:r=tv," +
	"format=yuv420p"

// ParseBitrate splits a bitrate string into value and unit ('M' or 'k').
// A bare number is treated as megabits.
func ParseBitrate(bitrate string) (value float64, unit string, err error) {
	s := strings.TrimSpace(bitrate)
	if s == "" {
		return 0, "", fmt.Errorf("empty bitrate")
	}
	switch {
	case strings.HasSuffix(strings.ToUpper(s), "M"):
		unit = "M"
		s = s[:len(s)-1]
	case strings.HasSuffix(strings.ToUpper(s), "K"):
		unit = "k"
		s = s[:len(s)-1]
	default:
		unit = "M"
	}
	value, err = strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid bitrate %q: %w", bitrate, err)
	}
	return value, unit, nil
}

// BufSize returns the rate-control buffer size (2x bitrate), unit preserved.
func BufSize(bitrate string) string {
	value, unit, err := ParseBitrate(bitrate)
	if err != nil {
		return bitrate
	}
	return fmt.Sprintf("%d%s", int(value*2), unit)
}

// BandwidthBPS converts a bitrate string to bits per second for HLS
// master playlist BANDWIDTH attributes.
func BandwidthBPS(bitrate string) int {
	value, unit, err := ParseBitrate(bitrate)
	if err != nil {
		return 0
	}
	if unit == "M" {
		return int(value * 1_000_000)
	}
	return int(value * 1_000)
}
