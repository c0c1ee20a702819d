package ffmpeg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBitrate(t *testing.T) {
	value, unit, err := ParseBitrate("8M")
	require.NoError(t, err)
	assert.Equal(t, 8.0, value)
	assert.Equal(t, "M", unit)

	value, unit, err = ParseBitrate("800k")
	require.NoError(t, err)
	assert.Equal(t, 800.0, value)
	assert.Equal(t, "k", unit)

	// Bare numbers are megabits.
	_, unit, err = ParseBitrate("8")
	require.NoError(t, err)
	assert.Equal(t, "M", unit)

	_, _, err = ParseBitrate("")
	assert.Error(t, err)
	_, _, err = ParseBitrate("fast")
	assert.Error(t, err)
}

func TestBufSizeDoublesPreservingUnit(t *testing.T) {
	assert.Equal(t, "16M", BufSize("8M"))
	assert.Equal(t, "1600k", BufSize("800k"))
	assert.Equal(t, "3M", BufSize("1.5M"))
}

func TestBandwidthBPS(t *testing.T) {
	assert.Equal(t, 8_000_000, BandwidthBPS("8M"))
	assert.Equal(t, 800_000, BandwidthBPS("800k"))
	assert.Equal(t, 0, BandwidthBPS("bogus"))
}

func TestAudioBitrateByChannelCount(t *testing.T) {
	assert.Equal(t, "64k", AudioBitrate(1))
	assert.Equal(t, "128k", AudioBitrate(2))
	assert.Equal(t, "384k", AudioBitrate(6))
	assert.Equal(t, "512k", AudioBitrate(8))
	// Unusual layouts fall back to stereo.
	assert.Equal(t, "128k", AudioBitrate(3))
	assert.Equal(t, "128k", AudioBitrate(0))
}

func TestResolutionDimensions(t *testing.T) {
	w, h, ok := Resolution1080p.Dimensions()
	require.True(t, ok)
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)

	_, _, ok = ResolutionOriginal.Dimensions()
	assert.False(t, ok)
}

func TestQualityLadderOrderedDescending(t *testing.T) {
	for i := 1; i < len(QualityLadder); i++ {
		assert.GreaterOrEqual(t, QualityLadder[i-1].Height, QualityLadder[i].Height)
	}
}

func TestParseFramerate(t *testing.T) {
	assert.InDelta(t, 29.97, parseFramerate("30000/1001"), 0.01)
	assert.Equal(t, 25.0, parseFramerate("25/1"))
	assert.Equal(t, 0.0, parseFramerate("0/0"))
	assert.Equal(t, 0.0, parseFramerate(""))
	assert.Equal(t, 24.0, parseFramerate("24"))
}

func TestIsHDRDetection(t *testing.T) {
	assert.True(t, isHDR("smpte2084", "", ""))
	assert.True(t, isHDR("arib-std-b67", "", ""))
	assert.True(t, isHDR("", "bt2020", ""))
	assert.True(t, isHDR("", "", "bt2020nc"))
	assert.False(t, isHDR("bt709", "bt709", "bt709"))
}
