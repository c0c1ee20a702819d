package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	return &cfg
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := defaultConfig(t)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8765, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Transcoding.MaxConcurrentJobs)
	assert.Equal(t, 4, cfg.Transcoding.SegmentDuration)
	assert.Equal(t, 120*time.Second, cfg.Transcoding.StallTimeout)
	assert.Equal(t, "h264", cfg.Transcoding.DefaultVideoCodec)
	assert.True(t, cfg.Hardware.PreferHWAccel)
	assert.True(t, cfg.History.Enabled)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }},
		{"no workers", func(c *Config) { c.Transcoding.MaxConcurrentJobs = 0 }},
		{"zero segment duration", func(c *Config) { c.Transcoding.SegmentDuration = 0 }},
		{"tiny stall timeout", func(c *Config) { c.Transcoding.StallTimeout = time.Second }},
		{"negative retries", func(c *Config) { c.Transcoding.RetryCount = -1 }},
		{"no variants", func(c *Config) { c.Transcoding.ABRMaxVariants = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadReadsFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ghoststream.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
transcoding:
  segment_duration: 6
limits:
  max_file_size: 2GB
`), 0o644))

	t.Setenv("GHOSTSTREAM_SERVER_PORT", "9100")

	cfg, err := Load(path)
	require.NoError(t, err)

	// Environment beats file.
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 6, cfg.Transcoding.SegmentDuration)
	assert.Equal(t, ByteSize(2*1024*1024*1024), cfg.Limits.MaxFileSize)
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	// A search-path miss falls back to defaults, but an explicitly named
	// missing file is a configuration error.
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
