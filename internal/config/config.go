package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved TapeDeck settings tree.
type Config struct {
	DefaultChannel string          `mapstructure:"default_channel" yaml:"default_channel"`
	ChannelsFile   string          `mapstructure:"channels_file" yaml:"channels_file"`
	Playback       PlaybackConfig  `mapstructure:"playback" yaml:"playback"`
	Reconnect      ReconnectConfig `mapstructure:"reconnect" yaml:"reconnect"`
	Recording      RecordingConfig `mapstructure:"recording" yaml:"recording"`
	Metadata       MetadataConfig  `mapstructure:"metadata" yaml:"metadata"`
	Server         ServerConfig    `mapstructure:"server" yaml:"server"`
}

type PlaybackConfig struct {
	UserAgent      string        `mapstructure:"user_agent" yaml:"user_agent"`
	NetworkCache   time.Duration `mapstructure:"network_cache" yaml:"network_cache"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	// LossConfirmDelay debounces transient engine hiccups before the
	// coordinator treats the stream as lost.
	LossConfirmDelay time.Duration `mapstructure:"loss_confirm_delay" yaml:"loss_confirm_delay"`
}

// ReconnectConfig holds the backoff knobs for the reconnect scheduler.
// The effective delay for attempt n is min(base*2^n, cap) plus uniform
// jitter in [0, delay*jitter_fraction].
type ReconnectConfig struct {
	Base           time.Duration `mapstructure:"base" yaml:"base"`
	Cap            time.Duration `mapstructure:"cap" yaml:"cap"`
	JitterFraction float64       `mapstructure:"jitter_fraction" yaml:"jitter_fraction"`
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

type RecordingConfig struct {
	Directory        string        `mapstructure:"directory" yaml:"directory"`
	FFmpegPath       string        `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	ContainerExt     string        `mapstructure:"container_ext" yaml:"container_ext"`
	PreferStreamCopy bool          `mapstructure:"prefer_stream_copy" yaml:"prefer_stream_copy"`
	LowLatency       bool          `mapstructure:"low_latency" yaml:"low_latency"`
	StopTimeout      time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
	HealthInterval   time.Duration `mapstructure:"health_interval" yaml:"health_interval"`
	HealthChecks     int           `mapstructure:"health_checks" yaml:"health_checks"`
}

type MetadataConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	HistoryLimit     int           `mapstructure:"history_limit" yaml:"history_limit"`
	ProviderInterval time.Duration `mapstructure:"provider_interval" yaml:"provider_interval"`
	// UnknownThreshold is how many consecutive unknown engine polls it
	// takes before the provider fallback is consulted.
	UnknownThreshold int `mapstructure:"unknown_threshold" yaml:"unknown_threshold"`
}

type ServerConfig struct {
	Port int `mapstructure:"port" yaml:"port"`
}

var defaultConfig = Config{
	DefaultChannel: "",
	ChannelsFile:   filepath.Join(os.Getenv("HOME"), ".config", "tapedeck-channels.yaml"),
	Playback: PlaybackConfig{
		UserAgent:        "Mozilla/5.0 (compatible; TapeDeck)",
		NetworkCache:     1500 * time.Millisecond,
		ConnectTimeout:   15 * time.Second,
		LossConfirmDelay: 1200 * time.Millisecond,
	},
	Reconnect: ReconnectConfig{
		Base:           1 * time.Second,
		Cap:            30 * time.Second,
		JitterFraction: 0.5,
		MaxAttempts:    8,
	},
	Recording: RecordingConfig{
		Directory:        filepath.Join(os.Getenv("HOME"), "Music", "TapeDeck"),
		FFmpegPath:       "ffmpeg",
		ContainerExt:     "aac",
		PreferStreamCopy: true,
		LowLatency:       true,
		StopTimeout:      2 * time.Second,
		HealthInterval:   1500 * time.Millisecond,
		HealthChecks:     4,
	},
	Metadata: MetadataConfig{
		PollInterval:     time.Second,
		HistoryLimit:     500,
		ProviderInterval: 15 * time.Second,
		UnknownThreshold: 3,
	},
	Server: ServerConfig{
		Port: 8080,
	},
}

// Default returns a copy of the built-in defaults.
func Default() *Config {
	cfg := defaultConfig
	return &cfg
}

// Load reads the settings file (YAML) and merges it over the defaults.
// Environment variables with the TAPEDECK_ prefix override file values.
// A missing file is not an error: defaults apply.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TAPEDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Recording.Directory = expandPath(cfg.Recording.Directory)
	cfg.ChannelsFile = expandPath(cfg.ChannelsFile)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("default_channel", defaultConfig.DefaultChannel)
	v.SetDefault("channels_file", defaultConfig.ChannelsFile)
	v.SetDefault("playback.user_agent", defaultConfig.Playback.UserAgent)
	v.SetDefault("playback.network_cache", defaultConfig.Playback.NetworkCache)
	v.SetDefault("playback.connect_timeout", defaultConfig.Playback.ConnectTimeout)
	v.SetDefault("playback.loss_confirm_delay", defaultConfig.Playback.LossConfirmDelay)
	v.SetDefault("reconnect.base", defaultConfig.Reconnect.Base)
	v.SetDefault("reconnect.cap", defaultConfig.Reconnect.Cap)
	v.SetDefault("reconnect.jitter_fraction", defaultConfig.Reconnect.JitterFraction)
	v.SetDefault("reconnect.max_attempts", defaultConfig.Reconnect.MaxAttempts)
	v.SetDefault("recording.directory", defaultConfig.Recording.Directory)
	v.SetDefault("recording.ffmpeg_path", defaultConfig.Recording.FFmpegPath)
	v.SetDefault("recording.container_ext", defaultConfig.Recording.ContainerExt)
	v.SetDefault("recording.prefer_stream_copy", defaultConfig.Recording.PreferStreamCopy)
	v.SetDefault("recording.low_latency", defaultConfig.Recording.LowLatency)
	v.SetDefault("recording.stop_timeout", defaultConfig.Recording.StopTimeout)
	v.SetDefault("recording.health_interval", defaultConfig.Recording.HealthInterval)
	v.SetDefault("recording.health_checks", defaultConfig.Recording.HealthChecks)
	v.SetDefault("metadata.poll_interval", defaultConfig.Metadata.PollInterval)
	v.SetDefault("metadata.history_limit", defaultConfig.Metadata.HistoryLimit)
	v.SetDefault("metadata.provider_interval", defaultConfig.Metadata.ProviderInterval)
	v.SetDefault("metadata.unknown_threshold", defaultConfig.Metadata.UnknownThreshold)
	v.SetDefault("server.port", defaultConfig.Server.Port)
}

// Validate checks the invariants the coordinator and scheduler rely on.
func (c *Config) Validate() error {
	if c.Reconnect.Base <= 0 {
		return fmt.Errorf("reconnect.base must be > 0, got %v", c.Reconnect.Base)
	}
	if c.Reconnect.Cap < c.Reconnect.Base {
		return fmt.Errorf("reconnect.cap (%v) must be >= reconnect.base (%v)", c.Reconnect.Cap, c.Reconnect.Base)
	}
	if c.Reconnect.JitterFraction < 0 || c.Reconnect.JitterFraction > 1 {
		return fmt.Errorf("reconnect.jitter_fraction must be in [0,1], got %v", c.Reconnect.JitterFraction)
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect.max_attempts must be > 0, got %d", c.Reconnect.MaxAttempts)
	}
	if c.Recording.Directory == "" {
		return fmt.Errorf("recording.directory must not be empty")
	}
	if c.Recording.FFmpegPath == "" {
		return fmt.Errorf("recording.ffmpeg_path must not be empty")
	}
	if c.Recording.ContainerExt == "" {
		return fmt.Errorf("recording.container_ext must not be empty")
	}
	if c.Recording.StopTimeout <= 0 {
		return fmt.Errorf("recording.stop_timeout must be > 0, got %v", c.Recording.StopTimeout)
	}
	if c.Recording.HealthChecks <= 0 {
		return fmt.Errorf("recording.health_checks must be > 0, got %d", c.Recording.HealthChecks)
	}
	if c.Metadata.PollInterval <= 0 {
		return fmt.Errorf("metadata.poll_interval must be > 0, got %v", c.Metadata.PollInterval)
	}
	if c.Metadata.HistoryLimit <= 0 {
		return fmt.Errorf("metadata.history_limit must be > 0, got %d", c.Metadata.HistoryLimit)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [1,65535], got %d", c.Server.Port)
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
