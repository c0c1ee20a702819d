package ffmpeg

import "strings"

// ErrorCategory classifies encoder failures for retry/fallback decisions.
type ErrorCategory string

const (
	ErrorHardware  ErrorCategory = "hardware"  // mark encoder failed, one software fallback per job
	ErrorTransient ErrorCategory = "transient" // sleep and retry up to the configured count
	ErrorResource  ErrorCategory = "resource"  // bounded retry for fd limits, immediate fail for disk
	ErrorFatal     ErrorCategory = "fatal"     // no retry
	ErrorUnknown   ErrorCategory = "unknown"   // at most one retry
)

// classifiedError is one pattern of the error map.
type classifiedError struct {
	pattern     string
	category    ErrorCategory
	retryable   bool
	description string
}

// errorMap is matched in order against lowercased stderr; narrower patterns
// come before the generic ones of the same family.
var errorMap = []classifiedError{
	// NVIDIA NVENC
	{"no nvenc capable devices", ErrorHardware, false, "no NVENC capable GPU"},
	{"no capable devices found", ErrorHardware, false, "no hardware encoder devices"},
	{"openencodesessionex failed", ErrorHardware, false, "NVENC session init failed"},
	{"encodesessionlimitexceeded", ErrorHardware, false, "NVENC session limit reached"},
	{"nvenc", ErrorHardware, false, "NVENC error"},
	{"cuda error", ErrorHardware, false, "CUDA error"},
	{"cuda_error", ErrorHardware, false, "CUDA error"},
	{"exceeds level limit", ErrorHardware, false, "resolution exceeds encoder level"},

	// Intel QuickSync
	{"mfx_err_device_failed", ErrorHardware, false, "QSV device failed"},
	{"mfx_err", ErrorHardware, false, "QSV error"},
	{"qsv init failed", ErrorHardware, false, "QSV initialization failed"},
	{"qsv", ErrorHardware, false, "QuickSync error"},

	// AMD AMF
	{"amf device", ErrorHardware, false, "AMF device error"},
	{"amf", ErrorHardware, false, "AMF error"},
	{"d3d11 device", ErrorHardware, false, "DirectX 11 device error"},
	{"d3d11va", ErrorHardware, false, "DirectX 11 VA error"},

	// VAAPI
	{"vaapi surface", ErrorHardware, false, "VAAPI surface allocation failed"},
	{"vaapi", ErrorHardware, false, "VAAPI error"},
	{"/dev/dri", ErrorHardware, false, "DRI device error"},

	// VideoToolbox
	{"vt_session", ErrorHardware, false, "VideoToolbox session error"},
	{"videotoolbox", ErrorHardware, false, "VideoToolbox error"},

	// Generic hardware
	{"cannot open", ErrorHardware, false, "cannot open hardware device"},
	{"initialization failed", ErrorHardware, false, "hardware init failed"},
	{"hw_frames_ctx", ErrorHardware, false, "hardware frame context error"},
	{"hwaccel", ErrorHardware, false, "hardware acceleration error"},
	{"hwupload", ErrorHardware, false, "hardware upload failed"},
	{"hwdownload", ErrorHardware, false, "hardware download failed"},
	{"gpu", ErrorHardware, false, "GPU error"},
	{"driver", ErrorHardware, false, "driver error"},
	{"encode session", ErrorHardware, false, "encoder session limit"},
	{"incompatible pixel format", ErrorHardware, false, "incompatible pixel format for encoder"},

	// Transient network
	{"connection refused", ErrorTransient, true, "connection refused"},
	{"connection reset", ErrorTransient, true, "connection reset"},
	{"connection timed out", ErrorTransient, true, "connection timeout"},
	{"timeout", ErrorTransient, true, "operation timeout"},
	{"temporarily unavailable", ErrorTransient, true, "resource temporarily unavailable"},
	{"network is unreachable", ErrorTransient, true, "network unreachable"},
	{"no route to host", ErrorTransient, true, "no route to host"},
	{"end of file", ErrorTransient, true, "unexpected end of file"},
	{"server returned 5", ErrorTransient, true, "HTTP server error"},
	{"404 not found", ErrorTransient, false, "resource not found"},
	{"403 forbidden", ErrorTransient, false, "access forbidden"},
	{"broken pipe", ErrorTransient, true, "broken pipe"},
	{"ssl", ErrorTransient, true, "TLS error"},

	// Resources
	{"out of memory", ErrorResource, false, "out of memory"},
	{"cannot allocate", ErrorResource, true, "memory allocation failed"},
	{"too many open files", ErrorResource, true, "file descriptor limit"},
	{"no space left", ErrorResource, false, "no disk space"},
	{"disk quota", ErrorResource, false, "disk quota exceeded"},

	// Fatal
	{"invalid data", ErrorFatal, false, "invalid input data"},
	{"invalid argument", ErrorFatal, false, "invalid argument"},
	{"no such file", ErrorFatal, false, "file not found"},
	{"permission denied", ErrorFatal, false, "permission denied"},
	{"codec not found", ErrorFatal, false, "codec not found"},
	{"encoder not found", ErrorFatal, false, "encoder not found"},
	{"decoder not found", ErrorFatal, false, "decoder not found"},
	{"filter not found", ErrorFatal, false, "filter not found"},
	{"moov atom not found", ErrorFatal, false, "invalid MP4 file"},
}

// ErrorClassifier classifies encoder stderr for retry/fallback decisions.
type ErrorClassifier struct{}

// NewErrorClassifier creates a classifier over the built-in error map.
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// Classify matches the error text against the error map and returns its
// category, whether the same configuration is worth retrying, and a short
// description.
func (c *ErrorClassifier) Classify(errText string) (ErrorCategory, bool, string) {
	lower := strings.ToLower(errText)
	for _, e := range errorMap {
		if strings.Contains(lower, e.pattern) {
			return e.category, e.retryable, e.description
		}
	}
	return ErrorUnknown, false, "unknown error"
}

// IsHardware reports whether the error is hardware-related.
func (c *ErrorClassifier) IsHardware(errText string) bool {
	category, _, _ := c.Classify(errText)
	return category == ErrorHardware
}

// ShouldRetry decides whether a failed attempt is worth repeating with the
// same configuration. attempt is zero-indexed.
func (c *ErrorClassifier) ShouldRetry(errText string, attempt, maxRetries int) bool {
	category, retryable, _ := c.Classify(errText)

	switch category {
	case ErrorFatal, ErrorHardware:
		// Hardware failures fall back instead of retrying as-is.
		return false
	case ErrorUnknown:
		return attempt < min(maxRetries, 1)
	default:
		return retryable && attempt < maxRetries
	}
}
