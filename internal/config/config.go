package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dgnsrekt/subcast/internal/clip"
)

// Config is the full server configuration, loaded from an optional YAML
// file plus SUBCAST_* environment variables.
type Config struct {
	Server  ServerConfig     `mapstructure:"server"`
	Player  PlayerConfig     `mapstructure:"player"`
	Ffmpeg  FfmpegConfig     `mapstructure:"ffmpeg"`
	Image   clip.ImageConfig `mapstructure:"image"`
	Audio   clip.AudioConfig `mapstructure:"audio"`
	Clips   ClipsConfig      `mapstructure:"clips"`
	Logging LoggingConfig    `mapstructure:"logging"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
	// BroadcastBuffer is the per-client subtitle queue depth; a client
	// that falls further behind loses the oldest entries.
	BroadcastBuffer int `mapstructure:"broadcast_buffer"`
}

type PlayerConfig struct {
	SocketPath string `mapstructure:"socket_path"`
	// ExpectedPid, when non-zero, must match the attached player's pid
	// or startup aborts.
	ExpectedPid   int           `mapstructure:"expected_pid"`
	QueryTimeout  time.Duration `mapstructure:"query_timeout"`
	PendingExpiry time.Duration `mapstructure:"pending_expiry"`
}

type FfmpegConfig struct {
	Path string `mapstructure:"path"`
}

type ClipsConfig struct {
	// RatePerSecond and Burst bound how fast a single client may trigger
	// ffmpeg runs.
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

// Load reads configuration from configPath (or the default search
// locations when empty), applies env overrides, and validates.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.broadcast_buffer", 64)
	v.SetDefault("player.socket_path", "/tmp/mpvsocket")
	v.SetDefault("player.expected_pid", 0)
	v.SetDefault("player.query_timeout", "1s")
	v.SetDefault("player.pending_expiry", "10s")
	v.SetDefault("ffmpeg.path", "ffmpeg")
	v.SetDefault("image.format", "jpeg")
	v.SetDefault("image.quality", 5)
	v.SetDefault("image.animated", false)
	v.SetDefault("audio.format", "mp3")
	v.SetDefault("audio.quality", 128)
	v.SetDefault("audio.padding", clip.DefaultPadding)
	v.SetDefault("clips.rate_per_second", 2.0)
	v.SetDefault("clips.burst", 4)
	v.SetDefault("logging.enabled", false)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")

	// Environment variable support
	v.SetEnvPrefix("SUBCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("subcast")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
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

var validImageFormats = map[string]bool{
	"jpeg": true, "jpg": true,
	"avif": true, "avif_animated": true,
	"webp": true, "webp_animated": true,
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Player.SocketPath == "" {
		return fmt.Errorf("player.socket_path is required")
	}
	if c.Player.QueryTimeout <= 0 {
		return fmt.Errorf("player.query_timeout must be positive")
	}
	if c.Player.PendingExpiry <= 0 {
		return fmt.Errorf("player.pending_expiry must be positive")
	}
	if !validImageFormats[c.Image.Format] {
		return fmt.Errorf("invalid image.format: %s", c.Image.Format)
	}
	if c.Audio.Format != "mp3" && c.Audio.Format != "opus" {
		return fmt.Errorf("invalid audio.format: %s (must be 'mp3' or 'opus')", c.Audio.Format)
	}
	if c.Clips.RatePerSecond <= 0 {
		return fmt.Errorf("clips.rate_per_second must be positive")
	}
	return nil
}
