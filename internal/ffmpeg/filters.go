package ffmpeg

import (
	"fmt"
	"strings"
)

// FilterPlan is the ordered filter chain for one stream, plus whether the
// plan forces a CPU-only path (which suppresses hardware decode hints).
type FilterPlan struct {
	Filters []string
	CPUOnly bool
}

// Chain joins the filters into a -vf argument. Empty when no filtering is
// needed.
func (p FilterPlan) Chain() string {
	return strings.Join(p.Filters, ",")
}

// FilterBuilder computes filter chains from probed media and the request.
type FilterBuilder struct {
	toneMapHDR bool // config: auto-convert HDR sources to SDR
}

// NewFilterBuilder creates a filter builder.
func NewFilterBuilder(toneMapHDR bool) *FilterBuilder {
	return &FilterBuilder{toneMapHDR: toneMapHDR}
}

// NeedsToneMap reports whether HDR to SDR conversion is required: the
// source is HDR and either the target codec cannot carry HDR (H.264) or
// tone-mapping was requested. Tone-mapping runs on CPU filters; hardware
// frame handoff to zscale is unreliable across the families.
func (b *FilterBuilder) NeedsToneMap(media *MediaInfo, codec VideoCodec, requested bool) bool {
	if media == nil || !media.HDR {
		return false
	}
	if requested || b.toneMapHDR {
		return true
	}
	return codec == VideoCodecH264
}

// Build computes the filter plan for a single-output encode.
func (b *FilterBuilder) Build(media *MediaInfo, codec VideoCodec, resolution Resolution, videoEncoder string, toneMapRequested bool) FilterPlan {
	var plan FilterPlan

	if b.NeedsToneMap(media, codec, toneMapRequested) {
		plan.Filters = append(plan.Filters, ToneMapFilter)
		plan.CPUOnly = true
	}

	if scale := scaleFilter(media, resolution); scale != "" {
		plan.Filters = append(plan.Filters, scale)
	}

	// Software encoders want 8-bit planar 4:2:0 input. The tonemap chain
	// already ends in format=yuv420p.
	if isSoftwareEncoder(videoEncoder) && len(plan.Filters) > 0 && !plan.CPUOnly {
		plan.Filters = append(plan.Filters, "format=yuv420p")
	}

	return plan
}

// BuildABR computes the filter_complex parts for a multi-variant encode:
// one split into N branches, each scaled to its variant. When tone-mapping
// applies it runs once, before the split.
func (b *FilterBuilder) BuildABR(media *MediaInfo, variants []QualityPreset, codec VideoCodec, toneMapRequested bool) ([]string, bool) {
	cpuOnly := b.NeedsToneMap(media, codec, toneMapRequested)

	split := fmt.Sprintf("[0:v]split=%d", len(variants))
	for i := range variants {
		split += fmt.Sprintf("[s%d]", i)
	}

	var parts []string
	if cpuOnly {
		parts = append(parts, "[0:v]"+ToneMapFilter+"[sdr]")
		split = fmt.Sprintf("[sdr]split=%d", len(variants))
		for i := range variants {
			split += fmt.Sprintf("[s%d]", i)
		}
	}
	parts = append(parts, split)

	for i, variant := range variants {
		parts = append(parts, fmt.Sprintf("[s%d]scale=w=%d:h=%d[v%d]", i, variant.Width, variant.Height, i))
	}

	return parts, cpuOnly
}

// scaleFilter returns the scale step for the target resolution, or "" when
// the source is already at or below the target (no upscaling).
func scaleFilter(media *MediaInfo, resolution Resolution) string {
	width, height, ok := resolution.Dimensions()
	if !ok {
		return ""
	}
	if media != nil && media.Height > 0 && media.Height <= height {
		return ""
	}
	// -2 keeps the width even while preserving aspect ratio.
	_ = width
	return fmt.Sprintf("scale=-2:%d", height)
}

// isSoftwareEncoder reports whether the encoder runs on the CPU.
func isSoftwareEncoder(encoder string) bool {
	return strings.HasPrefix(encoder, "lib") || encoder == "mpeg4"
}
