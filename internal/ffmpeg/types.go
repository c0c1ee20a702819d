// Package ffmpeg provides encoder binary detection, probing, encoder
// selection, filter graph construction, and command assembly for
// ghoststream transcoding jobs.
package ffmpeg

import (
	"runtime"
	"strings"
)

// HWAccelType identifies a hardware acceleration family.
type HWAccelType string

const (
	HWAccelAuto         HWAccelType = "auto"
	HWAccelNVENC        HWAccelType = "nvenc"
	HWAccelQSV          HWAccelType = "qsv"
	HWAccelVAAPI        HWAccelType = "vaapi"
	HWAccelAMF          HWAccelType = "amf"
	HWAccelVideoToolbox HWAccelType = "videotoolbox"
	HWAccelSoftware     HWAccelType = "software"
)

// VideoCodec identifies a target video codec.
type VideoCodec string

const (
	VideoCodecH264 VideoCodec = "h264"
	VideoCodecH265 VideoCodec = "h265"
	VideoCodecVP9  VideoCodec = "vp9"
	VideoCodecAV1  VideoCodec = "av1"
	VideoCodecCopy VideoCodec = "copy"
)

// AudioCodec identifies a target audio codec.
type AudioCodec string

const (
	AudioCodecAAC  AudioCodec = "aac"
	AudioCodecOpus AudioCodec = "opus"
	AudioCodecMP3  AudioCodec = "mp3"
	AudioCodecFLAC AudioCodec = "flac"
	AudioCodecAC3  AudioCodec = "ac3"
	AudioCodecCopy AudioCodec = "copy"
)

// HWAccelCapability describes one detected hardware acceleration family.
type HWAccelCapability struct {
	Type       HWAccelType `json:"type"`
	Available  bool        `json:"available"`
	DevicePath string      `json:"device_path,omitempty"` // VAAPI render node
	DeviceName string      `json:"device_name,omitempty"` // e.g. GPU model
	Encoders   []string    `json:"encoders,omitempty"`
}

// Capabilities is the process-wide capability snapshot. It is built once at
// startup and read-only thereafter.
type Capabilities struct {
	HWAccels          []HWAccelCapability `json:"hw_accels"`
	VideoCodecs       []string            `json:"video_codecs"`
	AudioCodecs       []string            `json:"audio_codecs"`
	Formats           []string            `json:"formats"`
	MaxConcurrentJobs int                 `json:"max_concurrent_jobs"`
	FFmpegVersion     string              `json:"ffmpeg_version"`
	Platform          string              `json:"platform"`
}

// Available reports whether the given family was detected as usable.
func (c *Capabilities) Available(t HWAccelType) bool {
	if t == HWAccelSoftware {
		return true
	}
	for _, hw := range c.HWAccels {
		if hw.Type == t && hw.Available {
			return true
		}
	}
	return false
}

// AvailableTypes returns the usable hardware families, software excluded.
func (c *Capabilities) AvailableTypes() []HWAccelType {
	var types []HWAccelType
	for _, hw := range c.HWAccels {
		if hw.Available {
			types = append(types, hw.Type)
		}
	}
	return types
}

// VAAPIDevice returns the discovered VAAPI render node path, if any.
func (c *Capabilities) VAAPIDevice() string {
	for _, hw := range c.HWAccels {
		if hw.Type == HWAccelVAAPI && hw.Available {
			return hw.DevicePath
		}
	}
	return ""
}

// BestHWAccel returns the preferred available hardware family for this host.
// The ladder is OS-dependent: macOS has only VideoToolbox; on Windows
// discrete GPUs (NVENC, AMF) beat the iGPU; on Linux VAAPI covers both AMD
// and Intel so it outranks QSV.
func (c *Capabilities) BestHWAccel() HWAccelType {
	return c.bestHWAccelFor(runtime.GOOS)
}

func (c *Capabilities) bestHWAccelFor(goos string) HWAccelType {
	switch goos {
	case "darwin":
		if c.Available(HWAccelVideoToolbox) {
			return HWAccelVideoToolbox
		}
	case "windows":
		for _, t := range []HWAccelType{HWAccelNVENC, HWAccelAMF, HWAccelQSV} {
			if c.Available(t) {
				return t
			}
		}
	default:
		for _, t := range []HWAccelType{HWAccelNVENC, HWAccelVAAPI, HWAccelQSV} {
			if c.Available(t) {
				return t
			}
		}
	}
	return HWAccelSoftware
}

// FamilyForEncoder maps an encoder name to its hardware family by suffix.
func FamilyForEncoder(encoder string) HWAccelType {
	switch {
	case strings.Contains(encoder, "nvenc"):
		return HWAccelNVENC
	case strings.Contains(encoder, "qsv"):
		return HWAccelQSV
	case strings.Contains(encoder, "vaapi"):
		return HWAccelVAAPI
	case strings.Contains(encoder, "videotoolbox"):
		return HWAccelVideoToolbox
	case strings.Contains(encoder, "amf"):
		return HWAccelAMF
	}
	return HWAccelSoftware
}
