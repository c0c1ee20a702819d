package ffmpeg

import (
	"sync"
	"time"

	"github.com/ghoststream/ghoststream/internal/config"
)

// Failure-cooldown policy: a family is disabled after disableThreshold
// consecutive failures and re-enabled after an exponentially scaling
// cooldown, capped at cooldownMax.
const (
	disableThreshold = 3
	cooldownBase     = 5 * time.Minute
	cooldownMax      = time.Hour
)

// failureRecord tracks consecutive failures for one encoder.
type failureRecord struct {
	failures    int
	lastFailure time.Time
	disabled    bool
}

// EncoderSelector maps (codec, requested family) to a concrete encoder and
// flag block, honoring the capability snapshot and per-encoder failure
// cooldowns. It is the sole owner of the failure record table.
type EncoderSelector struct {
	caps  *Capabilities
	hwCfg config.HardwareConfig
	now   func() time.Time

	mu       sync.Mutex
	failures map[string]*failureRecord
}

// NewEncoderSelector creates a selector over the given capability snapshot.
func NewEncoderSelector(caps *Capabilities, hwCfg config.HardwareConfig) *EncoderSelector {
	return &EncoderSelector{
		caps:     caps,
		hwCfg:    hwCfg,
		now:      time.Now,
		failures: make(map[string]*failureRecord),
	}
}

// encoderChoice is one (encoder, args) entry of the static selection table.
type encoderChoice struct {
	encoder string
	args    []string
}

// encoderTable returns the selection table for a codec. Quality-tuned flag
// blocks follow what the encoder families respond to: preset scales for
// NVENC/QSV, CRF for the software encoders.
func (s *EncoderSelector) encoderTable(codec VideoCodec) map[HWAccelType]encoderChoice {
	switch codec {
	case VideoCodecH264:
		return map[HWAccelType]encoderChoice{
			HWAccelNVENC:        {"h264_nvenc", []string{"-preset", s.hwCfg.NVENCPreset, "-rc", "vbr", "-multipass", "qres", "-spatial-aq", "1", "-bf", "3"}},
			HWAccelQSV:          {"h264_qsv", []string{"-preset", s.hwCfg.QSVPreset, "-look_ahead", "1"}},
			HWAccelVAAPI:        {"h264_vaapi", nil},
			HWAccelVideoToolbox: {"h264_videotoolbox", s.videoToolboxArgs()},
			HWAccelAMF:          {"h264_amf", nil},
			HWAccelSoftware:     {"libx264", []string{"-preset", "medium", "-crf", "23"}},
		}
	case VideoCodecH265:
		return map[HWAccelType]encoderChoice{
			HWAccelNVENC:        {"hevc_nvenc", []string{"-preset", s.hwCfg.NVENCPreset, "-rc", "vbr", "-spatial-aq", "1", "-bf", "3"}},
			HWAccelQSV:          {"hevc_qsv", []string{"-preset", s.hwCfg.QSVPreset}},
			HWAccelVAAPI:        {"hevc_vaapi", nil},
			HWAccelVideoToolbox: {"hevc_videotoolbox", s.videoToolboxArgs()},
			HWAccelAMF:          {"hevc_amf", nil},
			HWAccelSoftware:     {"libx265", []string{"-preset", "medium", "-crf", "28"}},
		}
	case VideoCodecVP9:
		return map[HWAccelType]encoderChoice{
			HWAccelVAAPI:    {"vp9_vaapi", nil},
			HWAccelQSV:      {"vp9_qsv", nil},
			HWAccelSoftware: {"libvpx-vp9", []string{"-cpu-used", "4", "-crf", "30", "-b:v", "0"}},
		}
	case VideoCodecAV1:
		return map[HWAccelType]encoderChoice{
			HWAccelNVENC:    {"av1_nvenc", []string{"-preset", s.hwCfg.NVENCPreset}},
			HWAccelQSV:      {"av1_qsv", []string{"-preset", s.hwCfg.QSVPreset}},
			HWAccelVAAPI:    {"av1_vaapi", nil},
			HWAccelSoftware: {"libsvtav1", []string{"-preset", "6", "-crf", "30"}},
		}
	default:
		return map[HWAccelType]encoderChoice{
			HWAccelSoftware: {"libx264", []string{"-preset", "medium", "-crf", "23"}},
		}
	}
}

// Choose resolves (codec, requested family) to a concrete video encoder and
// its flag block. "auto" consults the host's preferred-family ladder; a
// family disabled by cooldown, unavailable, or without a mapping for the
// codec degrades to software.
func (s *EncoderSelector) Choose(codec VideoCodec, requested HWAccelType) (string, []string) {
	if codec == VideoCodecCopy {
		return "copy", nil
	}

	family := requested
	if family == "" || family == HWAccelAuto {
		if s.hwCfg.PreferHWAccel {
			family = s.caps.BestHWAccel()
		} else {
			family = HWAccelSoftware
		}
	}

	if family != HWAccelSoftware && !s.caps.Available(family) && s.hwCfg.FallbackToSoftware {
		family = HWAccelSoftware
	}

	table := s.encoderTable(codec)
	choice, ok := table[family]
	if !ok {
		choice = table[HWAccelSoftware]
	} else if family != HWAccelSoftware && !s.isAvailableLocked(choice.encoder) {
		// Cooldown in effect; degrade to software.
		choice = table[HWAccelSoftware]
	}

	return choice.encoder, choice.args
}

// videoToolboxArgs maps the configured preset name onto VideoToolbox's
// quality scale; the encoder has no -preset option.
func (s *EncoderSelector) videoToolboxArgs() []string {
	switch s.hwCfg.VideoToolboxPreset {
	case "low":
		return []string{"-q:v", "35"}
	case "high":
		return []string{"-q:v", "65"}
	default:
		return []string{"-q:v", "50"}
	}
}

// ChooseAudio resolves the audio encoder and its default flag block.
func (s *EncoderSelector) ChooseAudio(codec AudioCodec) (string, []string) {
	switch codec {
	case AudioCodecCopy:
		return "copy", nil
	case AudioCodecOpus:
		return "libopus", []string{"-b:a", "128k"}
	case AudioCodecMP3:
		return "libmp3lame", []string{"-b:a", "192k"}
	case AudioCodecFLAC:
		return "flac", nil
	case AudioCodecAC3:
		return "ac3", []string{"-b:a", "384k"}
	default:
		return "aac", []string{"-b:a", "192k"}
	}
}

// MarkFailed records a failure for the encoder. At disableThreshold
// consecutive failures the whole family is disabled until its cooldown
// elapses: a tripped device must not be retried through a sibling
// codec's encoder.
func (s *EncoderSelector) MarkFailed(encoder string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.failures[encoder]
	if rec == nil {
		rec = &failureRecord{}
		s.failures[encoder] = rec
	}
	rec.failures++
	rec.lastFailure = s.now()
	if rec.failures < disableThreshold {
		return
	}
	rec.disabled = true

	for _, sibling := range familyEncoders(FamilyForEncoder(encoder)) {
		if sibling == encoder {
			continue
		}
		sib := s.failures[sibling]
		if sib == nil {
			sib = &failureRecord{}
			s.failures[sibling] = sib
		}
		if sib.failures < rec.failures {
			sib.failures = rec.failures
		}
		sib.lastFailure = rec.lastFailure
		sib.disabled = true
	}
}

// familyEncoders lists every encoder of a hardware family across the
// selection tables. Software encoders fail independently of each other.
func familyEncoders(family HWAccelType) []string {
	switch family {
	case HWAccelNVENC:
		return []string{"h264_nvenc", "hevc_nvenc", "av1_nvenc"}
	case HWAccelQSV:
		return []string{"h264_qsv", "hevc_qsv", "vp9_qsv", "av1_qsv"}
	case HWAccelVAAPI:
		return []string{"h264_vaapi", "hevc_vaapi", "vp9_vaapi", "av1_vaapi"}
	case HWAccelVideoToolbox:
		return []string{"h264_videotoolbox", "hevc_videotoolbox"}
	case HWAccelAMF:
		return []string{"h264_amf", "hevc_amf"}
	}
	return nil
}

// Reset clears the failure state for an encoder after a successful encode.
func (s *EncoderSelector) Reset(encoder string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, encoder)
}

// IsAvailable reports whether the encoder is currently usable. A disabled
// encoder re-enables (and resets its count) once its cooldown has elapsed:
// min(1h, 5min * 2^(failures-3)).
func (s *EncoderSelector) IsAvailable(encoder string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isAvailableLocked(encoder)
}

func (s *EncoderSelector) isAvailableLocked(encoder string) bool {
	rec := s.failures[encoder]
	if rec == nil || !rec.disabled {
		return true
	}

	if s.now().Sub(rec.lastFailure) > cooldownFor(rec.failures) {
		delete(s.failures, encoder)
		return true
	}
	return false
}

// FailureCount returns the consecutive failure count for an encoder.
func (s *EncoderSelector) FailureCount(encoder string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec := s.failures[encoder]; rec != nil {
		return rec.failures
	}
	return 0
}

// cooldownFor computes the exponential cooldown for a failure count.
func cooldownFor(failures int) time.Duration {
	exp := failures - disableThreshold
	if exp < 0 {
		exp = 0
	}
	if exp > 10 {
		return cooldownMax
	}
	cooldown := cooldownBase * (1 << uint(exp))
	if cooldown > cooldownMax {
		return cooldownMax
	}
	return cooldown
}

// HWDecodeArgs returns hardware decode hints for the chosen encoder, plus
// the family they belong to. Empty when the encoder is software.
func HWDecodeArgs(videoEncoder, vaapiDevice string) ([]string, HWAccelType) {
	switch FamilyForEncoder(videoEncoder) {
	case HWAccelNVENC:
		return []string{"-hwaccel", "cuda", "-hwaccel_output_format", "cuda"}, HWAccelNVENC
	case HWAccelQSV:
		return []string{"-hwaccel", "qsv", "-hwaccel_output_format", "qsv"}, HWAccelQSV
	case HWAccelVAAPI:
		if vaapiDevice == "" {
			vaapiDevice = "/dev/dri/renderD128"
		}
		return []string{"-hwaccel", "vaapi", "-hwaccel_device", vaapiDevice, "-hwaccel_output_format", "vaapi"}, HWAccelVAAPI
	case HWAccelVideoToolbox:
		return []string{"-hwaccel", "videotoolbox"}, HWAccelVideoToolbox
	case HWAccelAMF:
		return []string{"-hwaccel", "d3d11va"}, HWAccelAMF
	}
	return nil, HWAccelSoftware
}
