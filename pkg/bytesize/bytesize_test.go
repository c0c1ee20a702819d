package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input    string
		expected Size
		wantErr  bool
	}{
		{"1024", 1024, false},
		{"1024B", 1024, false},
		{"5K", 5 * KB, false},
		{"5KB", 5 * KB, false},
		{"5KiB", 5 * KB, false},
		{"5kb", 5 * KB, false},
		{"10M", 10 * MB, false},
		{"10 MB", 10 * MB, false},
		{"2GB", 2 * GB, false},
		{"1TiB", 1 * TB, false},
		{"1.5MB", Size(1.5 * float64(MB)), false},
		{"  50GB  ", 50 * GB, false},
		{"0", 0, false},

		{"", 0, true},
		{"loud", 0, true},
		{"5XB", 0, true},
		{"-5MB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			size, err := Parse(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, size)
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		size     Size
		expected string
	}{
		{0, "0B"},
		{500, "500B"},
		{1023, "1023B"},
		{KB, "1KB"},
		{5 * MB, "5MB"},
		{2 * GB, "2GB"},
		{TB, "1TB"},
		{Size(1.5 * float64(MB)), "1.5MB"},
		{Size(2.25 * float64(GB)), "2.25GB"},
		{-5 * MB, "-5MB"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, Format(tt.size))
		})
	}
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []Size{0, B, KB, MB, GB, TB, 5 * MB, 10 * GB} {
		parsed, err := Parse(Format(s))
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
}

func TestSizeAccessors(t *testing.T) {
	size := 5 * MB
	assert.Equal(t, int64(5242880), size.Bytes())
	assert.Equal(t, "5MB", size.String())
}
