// Package config provides configuration management for caption-relay using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerHost      = "0.0.0.0"
	defaultServerPort      = 9000
	defaultShutdownTimeout = 10 * time.Second
	defaultRTMPURL         = "rtmp://localhost/live"
	defaultASRURL          = "ws://127.0.0.1:9001/asr"
	defaultOpusBitrate     = "32k"
	defaultChunkMS         = 500
	defaultSampleRate      = 16000
	defaultBufferChunks    = 100
	defaultMaxBackoff      = 30 * time.Second
	defaultStopTimeout     = 10 * time.Second
	defaultSendBudget      = 100 * time.Millisecond
)

// Config holds all configuration for the relay.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	RTMP    RTMPConfig    `mapstructure:"rtmp"`
	ASR     ASRConfig     `mapstructure:"asr"`
	Audio   AudioConfig   `mapstructure:"audio"`
	Relay   RelayConfig   `mapstructure:"relay"`
	FFmpeg  FFmpegConfig  `mapstructure:"ffmpeg"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds the downlink HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RTMPConfig holds the ingest source configuration.
type RTMPConfig struct {
	URL string `mapstructure:"url"`
}

// ASRConfig holds the uplink configuration.
type ASRConfig struct {
	// URL is the ASR WebSocket endpoint (ws:// or wss://).
	URL string `mapstructure:"url"`
	// Bitrate is the Opus bitrate used for the WebM uplink format (e.g. "32k").
	Bitrate string `mapstructure:"bitrate"`
	// Cert is CA trust material for wss:// endpoints. Either inline PEM text
	// or a path to a PEM file. Empty means system roots.
	Cert string `mapstructure:"cert"`
}

// AudioConfig holds audio chunking configuration.
type AudioConfig struct {
	// ChunkMS is the duration of one PCM chunk in milliseconds.
	ChunkMS int `mapstructure:"chunk_ms"`
	// SampleRate is the PCM sample rate in Hz.
	SampleRate int `mapstructure:"sample_rate"`
	// BufferChunks is the capacity of the bounded audio buffer.
	BufferChunks int `mapstructure:"buffer_chunks"`
}

// RelayConfig holds stream lifecycle tuning.
type RelayConfig struct {
	// MaxBackoff caps the exponential reconnect backoff.
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
	// StopTimeout is how long the source may stay silent before the
	// ASR session is closed and a fresh ingest is requested.
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
	// SendBudget is how often the uplink sender yields to the receiver.
	SendBudget time.Duration `mapstructure:"send_budget"`
}

// FFmpegConfig holds transcoder configuration.
type FFmpegConfig struct {
	// Path is the ffmpeg binary path. Empty means resolve from PATH.
	Path string `mapstructure:"path"`
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
// Environment variables are prefixed with RELAY_ and use underscores for
// nesting. Example: RELAY_ASR_URL=wss://asr.example/asr.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/caption-relay")
		v.AddConfigPath("$HOME/.caption-relay")
	}

	v.SetEnvPrefix("RELAY")
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
// This should be called before reading the config file so that defaults
// are in place for keys the file does not set.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", defaultServerHost)
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	v.SetDefault("rtmp.url", defaultRTMPURL)

	v.SetDefault("asr.url", defaultASRURL)
	v.SetDefault("asr.bitrate", defaultOpusBitrate)
	v.SetDefault("asr.cert", "")

	v.SetDefault("audio.chunk_ms", defaultChunkMS)
	v.SetDefault("audio.sample_rate", defaultSampleRate)
	v.SetDefault("audio.buffer_chunks", defaultBufferChunks)

	v.SetDefault("relay.max_backoff", defaultMaxBackoff)
	v.SetDefault("relay.stop_timeout", defaultStopTimeout)
	v.SetDefault("relay.send_budget", defaultSendBudget)

	v.SetDefault("ffmpeg.path", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	if c.RTMP.URL == "" {
		return errors.New("rtmp.url must not be empty")
	}

	u, err := url.Parse(c.ASR.URL)
	if err != nil {
		return fmt.Errorf("asr.url is not a valid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("asr.url scheme must be ws or wss, got %q", u.Scheme)
	}

	if c.Audio.ChunkMS <= 0 {
		return errors.New("audio.chunk_ms must be positive")
	}
	if c.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if c.Audio.BufferChunks <= 0 {
		return errors.New("audio.buffer_chunks must be positive")
	}

	if c.Relay.MaxBackoff < time.Second {
		return errors.New("relay.max_backoff must be at least 1s")
	}
	if c.Relay.StopTimeout < time.Second {
		return errors.New("relay.stop_timeout must be at least 1s")
	}
	if c.Relay.SendBudget < 0 {
		return errors.New("relay.send_budget must not be negative")
	}

	return nil
}

// UplinkTLS reports whether the ASR URL requires a TLS connection.
func (c *Config) UplinkTLS() bool {
	return strings.HasPrefix(c.ASR.URL, "wss://")
}
