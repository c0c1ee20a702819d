package ffmpeg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghoststream/ghoststream/internal/config"
)

func testCaps(available ...HWAccelType) *Capabilities {
	caps := &Capabilities{Platform: "linux"}
	for _, t := range available {
		caps.HWAccels = append(caps.HWAccels, HWAccelCapability{Type: t, Available: true})
	}
	return caps
}

func testHWConfig() config.HardwareConfig {
	return config.HardwareConfig{
		PreferHWAccel:      true,
		FallbackToSoftware: true,
		NVENCPreset:        "p4",
		QSVPreset:          "medium",
	}
}

func TestChooseAutoPrefersHardware(t *testing.T) {
	sel := NewEncoderSelector(testCaps(HWAccelNVENC), testHWConfig())

	encoder, args := sel.Choose(VideoCodecH264, HWAccelAuto)
	assert.Equal(t, "h264_nvenc", encoder)
	assert.Contains(t, args, "p4")
}

func TestChooseUnavailableFamilyFallsBack(t *testing.T) {
	sel := NewEncoderSelector(testCaps(), testHWConfig())

	encoder, _ := sel.Choose(VideoCodecH264, HWAccelNVENC)
	assert.Equal(t, "libx264", encoder)
}

func TestChooseCodecWithoutFamilyMapping(t *testing.T) {
	// VP9 has no NVENC encoder; the selector degrades to software.
	sel := NewEncoderSelector(testCaps(HWAccelNVENC), testHWConfig())

	encoder, _ := sel.Choose(VideoCodecVP9, HWAccelNVENC)
	assert.Equal(t, "libvpx-vp9", encoder)
}

func TestChooseCopyPassthrough(t *testing.T) {
	sel := NewEncoderSelector(testCaps(HWAccelNVENC), testHWConfig())

	encoder, args := sel.Choose(VideoCodecCopy, HWAccelAuto)
	assert.Equal(t, "copy", encoder)
	assert.Empty(t, args)
}

func TestFailuresBelowThresholdKeepEncoderAvailable(t *testing.T) {
	sel := NewEncoderSelector(testCaps(HWAccelNVENC), testHWConfig())

	sel.MarkFailed("h264_nvenc")
	sel.MarkFailed("h264_nvenc")
	assert.True(t, sel.IsAvailable("h264_nvenc"))
	assert.Equal(t, 2, sel.FailureCount("h264_nvenc"))
}

func TestThirdFailureDisablesEncoder(t *testing.T) {
	sel := NewEncoderSelector(testCaps(HWAccelNVENC), testHWConfig())

	for i := 0; i < 3; i++ {
		sel.MarkFailed("h264_nvenc")
	}
	assert.False(t, sel.IsAvailable("h264_nvenc"))

	// Choose degrades to software while the cooldown holds.
	encoder, _ := sel.Choose(VideoCodecH264, HWAccelNVENC)
	assert.Equal(t, "libx264", encoder)
}

func TestThirdFailureDisablesWholeFamily(t *testing.T) {
	sel := NewEncoderSelector(testCaps(HWAccelNVENC), testHWConfig())

	for i := 0; i < 3; i++ {
		sel.MarkFailed("h264_nvenc")
	}

	// The sibling encoders share the device; they go on the same cooldown.
	assert.False(t, sel.IsAvailable("hevc_nvenc"))
	assert.False(t, sel.IsAvailable("av1_nvenc"))

	encoder, _ := sel.Choose(VideoCodecH265, HWAccelNVENC)
	assert.Equal(t, "libx265", encoder)

	// Other families are untouched.
	assert.True(t, sel.IsAvailable("h264_qsv"))
}

func TestFamilyCooldownExpiresTogether(t *testing.T) {
	sel := NewEncoderSelector(testCaps(HWAccelNVENC), testHWConfig())

	now := time.Now()
	sel.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		sel.MarkFailed("h264_nvenc")
	}
	require.False(t, sel.IsAvailable("hevc_nvenc"))

	now = now.Add(5*time.Minute + time.Second)
	assert.True(t, sel.IsAvailable("h264_nvenc"))
	assert.True(t, sel.IsAvailable("hevc_nvenc"))
}

func TestChooseVideoToolboxCarriesConfiguredQuality(t *testing.T) {
	cfg := testHWConfig()
	cfg.VideoToolboxPreset = "high"
	sel := NewEncoderSelector(testCaps(HWAccelVideoToolbox), cfg)

	encoder, args := sel.Choose(VideoCodecH264, HWAccelVideoToolbox)
	assert.Equal(t, "h264_videotoolbox", encoder)
	assert.Equal(t, []string{"-q:v", "65"}, args)
}

func TestCooldownReEnablesAndResetsCount(t *testing.T) {
	sel := NewEncoderSelector(testCaps(HWAccelNVENC), testHWConfig())

	now := time.Now()
	sel.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		sel.MarkFailed("h264_nvenc")
	}
	require.False(t, sel.IsAvailable("h264_nvenc"))

	// 3 failures: cooldown is the 5 minute base.
	now = now.Add(5*time.Minute + time.Second)
	assert.True(t, sel.IsAvailable("h264_nvenc"))
	assert.Equal(t, 0, sel.FailureCount("h264_nvenc"))
}

func TestCooldownScalesExponentially(t *testing.T) {
	assert.Equal(t, 5*time.Minute, cooldownFor(3))
	assert.Equal(t, 10*time.Minute, cooldownFor(4))
	assert.Equal(t, 20*time.Minute, cooldownFor(5))
	assert.Equal(t, 40*time.Minute, cooldownFor(6))
	assert.Equal(t, time.Hour, cooldownFor(7))
	assert.Equal(t, time.Hour, cooldownFor(50))
}

func TestResetClearsFailureState(t *testing.T) {
	sel := NewEncoderSelector(testCaps(HWAccelNVENC), testHWConfig())

	for i := 0; i < 3; i++ {
		sel.MarkFailed("h264_nvenc")
	}
	sel.Reset("h264_nvenc")

	assert.True(t, sel.IsAvailable("h264_nvenc"))
	assert.Equal(t, 0, sel.FailureCount("h264_nvenc"))
}

func TestBestHWAccelLadderPerOS(t *testing.T) {
	caps := testCaps(HWAccelVAAPI, HWAccelQSV)
	assert.Equal(t, HWAccelVAAPI, caps.bestHWAccelFor("linux"))

	caps = testCaps(HWAccelAMF, HWAccelQSV)
	assert.Equal(t, HWAccelAMF, caps.bestHWAccelFor("windows"))

	caps = testCaps(HWAccelVideoToolbox)
	assert.Equal(t, HWAccelVideoToolbox, caps.bestHWAccelFor("darwin"))

	caps = testCaps()
	assert.Equal(t, HWAccelSoftware, caps.bestHWAccelFor("linux"))
}

func TestHWDecodeArgs(t *testing.T) {
	args, family := HWDecodeArgs("h264_nvenc", "")
	assert.Equal(t, HWAccelNVENC, family)
	assert.Contains(t, args, "cuda")

	args, family = HWDecodeArgs("hevc_vaapi", "/dev/dri/renderD129")
	assert.Equal(t, HWAccelVAAPI, family)
	assert.Contains(t, args, "/dev/dri/renderD129")

	args, family = HWDecodeArgs("libx264", "")
	assert.Equal(t, HWAccelSoftware, family)
	assert.Empty(t, args)
}
