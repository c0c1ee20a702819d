// Package config provides configuration management for ghoststream using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort        = 8765
	defaultServerTimeout     = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultMaxConcurrentJobs = 2
	defaultSegmentDuration   = 4
	defaultCleanupAfterHours = 24
	defaultStallTimeout      = 120 * time.Second
	defaultRetryCount        = 3
	defaultABRMaxVariants    = 4
	defaultRegisterInterval  = 5 * time.Minute
	defaultCallbackTimeout   = 10 * time.Second
	defaultMaxFileSizeBytes  = 50 * 1024 * 1024 * 1024 // 50GB
	defaultRateLimit         = 60
)

// Config holds all configuration for the application.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Transcoding TranscodingConfig `mapstructure:"transcoding"`
	Hardware    HardwareConfig    `mapstructure:"hardware"`
	Limits      LimitsConfig      `mapstructure:"limits"`
	Security    SecurityConfig    `mapstructure:"security"`
	GhostHub    GhostHubConfig    `mapstructure:"ghosthub"`
	History     HistoryConfig     `mapstructure:"history"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// TranscodingConfig holds job processing configuration.
type TranscodingConfig struct {
	FFmpegPath        string        `mapstructure:"ffmpeg_path"`  // Path to encoder binary (empty or "auto" = auto-detect)
	FFprobePath       string        `mapstructure:"ffprobe_path"` // Path to probe binary (empty or "auto" = auto-detect)
	TempDirectory     string        `mapstructure:"temp_directory"`
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"`
	SegmentDuration   int           `mapstructure:"segment_duration"` // seconds per HLS segment
	CleanupAfterHours int           `mapstructure:"cleanup_after_hours"`
	DefaultVideoCodec string        `mapstructure:"default_video_codec"`
	DefaultAudioCodec string        `mapstructure:"default_audio_codec"`
	EnableABR         bool          `mapstructure:"enable_abr"`
	ABRMaxVariants    int           `mapstructure:"abr_max_variants"`
	StallTimeout      time.Duration `mapstructure:"stall_timeout"`
	RetryCount        int           `mapstructure:"retry_count"`
	ToneMapHDR        bool          `mapstructure:"tone_map_hdr"`
	CallbackTimeout   time.Duration `mapstructure:"callback_timeout"`
}

// HardwareConfig holds hardware acceleration configuration.
type HardwareConfig struct {
	PreferHWAccel      bool   `mapstructure:"prefer_hw_accel"`
	FallbackToSoftware bool   `mapstructure:"fallback_to_software"`
	NVENCPreset        string `mapstructure:"nvenc_preset"`
	QSVPreset          string `mapstructure:"qsv_preset"`
	VideoToolboxPreset string `mapstructure:"videotoolbox_preset"`
	VAAPIDevice        string `mapstructure:"vaapi_device"`
}

// LimitsConfig holds request limit configuration.
type LimitsConfig struct {
	MaxResolution string `mapstructure:"max_resolution"`
	MaxBitrate    string `mapstructure:"max_bitrate"`
	// MaxFileSize is the maximum allowed size for batch outputs.
	// Supports human-readable values like "50GB", or raw byte counts.
	MaxFileSize ByteSize `mapstructure:"max_file_size"`
}

// SecurityConfig holds API security configuration.
type SecurityConfig struct {
	APIKey             string   `mapstructure:"api_key"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	RateLimitPerMinute int      `mapstructure:"rate_limit_per_minute"`
}

// GhostHubConfig holds coordinator registration configuration.
type GhostHubConfig struct {
	URL              string        `mapstructure:"url"` // e.g. http://192.168.4.1:5000
	AutoRegister     bool          `mapstructure:"auto_register"`
	RegisterInterval time.Duration `mapstructure:"register_interval"`
	ServerName       string        `mapstructure:"server_name"`
}

// HistoryConfig holds the terminal-job history store configuration.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"` // sqlite database file
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with GHOSTSTREAM_ and use underscores
// for nesting. Example: GHOSTSTREAM_SERVER_PORT=8765.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("ghoststream")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/ghoststream")
		v.AddConfigPath("$HOME/.config/ghoststream")
	}

	v.SetEnvPrefix("GHOSTSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	// Transcoding defaults
	v.SetDefault("transcoding.ffmpeg_path", "auto")
	v.SetDefault("transcoding.ffprobe_path", "auto")
	v.SetDefault("transcoding.temp_directory", "./transcode_temp")
	v.SetDefault("transcoding.max_concurrent_jobs", defaultMaxConcurrentJobs)
	v.SetDefault("transcoding.segment_duration", defaultSegmentDuration)
	v.SetDefault("transcoding.cleanup_after_hours", defaultCleanupAfterHours)
	v.SetDefault("transcoding.default_video_codec", "h264")
	v.SetDefault("transcoding.default_audio_codec", "aac")
	v.SetDefault("transcoding.enable_abr", true)
	v.SetDefault("transcoding.abr_max_variants", defaultABRMaxVariants)
	v.SetDefault("transcoding.stall_timeout", defaultStallTimeout)
	v.SetDefault("transcoding.retry_count", defaultRetryCount)
	v.SetDefault("transcoding.tone_map_hdr", true)
	v.SetDefault("transcoding.callback_timeout", defaultCallbackTimeout)

	// Hardware defaults
	v.SetDefault("hardware.prefer_hw_accel", true)
	v.SetDefault("hardware.fallback_to_software", true)
	v.SetDefault("hardware.nvenc_preset", "p4")
	v.SetDefault("hardware.qsv_preset", "medium")
	v.SetDefault("hardware.videotoolbox_preset", "medium")
	v.SetDefault("hardware.vaapi_device", "/dev/dri/renderD128")

	// Limits defaults
	v.SetDefault("limits.max_resolution", "4k")
	v.SetDefault("limits.max_bitrate", "50M")
	v.SetDefault("limits.max_file_size", defaultMaxFileSizeBytes)

	// Security defaults
	v.SetDefault("security.api_key", "")
	v.SetDefault("security.allowed_origins", []string{})
	v.SetDefault("security.rate_limit_per_minute", defaultRateLimit)

	// GhostHub defaults
	v.SetDefault("ghosthub.url", "")
	v.SetDefault("ghosthub.auto_register", true)
	v.SetDefault("ghosthub.register_interval", defaultRegisterInterval)
	v.SetDefault("ghosthub.server_name", "")

	// History defaults
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "ghoststream.db")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Transcoding.MaxConcurrentJobs < 1 {
		return fmt.Errorf("transcoding.max_concurrent_jobs must be at least 1, got %d", c.Transcoding.MaxConcurrentJobs)
	}
	if c.Transcoding.SegmentDuration < 1 {
		return fmt.Errorf("transcoding.segment_duration must be at least 1, got %d", c.Transcoding.SegmentDuration)
	}
	if c.Transcoding.CleanupAfterHours < 1 {
		return fmt.Errorf("transcoding.cleanup_after_hours must be at least 1, got %d", c.Transcoding.CleanupAfterHours)
	}
	if c.Transcoding.StallTimeout < 10*time.Second {
		return fmt.Errorf("transcoding.stall_timeout must be at least 10s, got %s", c.Transcoding.StallTimeout)
	}
	if c.Transcoding.RetryCount < 0 {
		return fmt.Errorf("transcoding.retry_count must not be negative, got %d", c.Transcoding.RetryCount)
	}
	if c.Transcoding.ABRMaxVariants < 1 {
		return fmt.Errorf("transcoding.abr_max_variants must be at least 1, got %d", c.Transcoding.ABRMaxVariants)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text", "":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	return nil
}
