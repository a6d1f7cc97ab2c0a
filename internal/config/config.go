// Package config handles loading and validating the ttsbridge configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root configuration for the ttsbridge driver process.
type Config struct {
	Backend BackendConfig `mapstructure:"backend"`
	Audio   AudioConfig   `mapstructure:"audio"`
	Health  HealthConfig  `mapstructure:"health"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// BackendConfig selects and configures the synthesizer backend.
type BackendConfig struct {
	Name  string      `mapstructure:"name"` // "piper" or "none"
	Piper PiperConfig `mapstructure:"piper"`
}

// PiperConfig holds Piper TTS settings (Wyoming protocol).
type PiperConfig struct {
	Endpoint string `mapstructure:"endpoint"` // Wyoming TCP endpoint (host:port)
	Voice    string `mapstructure:"voice"`    // Piper voice model name
}

// AudioConfig optionally pre-seeds the audio retrieval destination so the
// backend connects before the controller's SET AUDIO RETRIEVAL arrives.
type AudioConfig struct {
	DefaultHost string `mapstructure:"default_host"`
	DefaultPort int    `mapstructure:"default_port"`
}

// HealthConfig holds the optional liveness endpoint settings. Disabled by
// default — a stdio subprocess only exposes it when supervised.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// Load reads the configuration from file, environment variables, and defaults.
// If configFile is non-empty it is used directly; otherwise the standard
// search order applies: ./ttsbridge.yaml, ./configs/ttsbridge.yaml,
// /etc/ttsbridge/ttsbridge.yaml.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("backend.name", "piper")
	v.SetDefault("backend.piper.endpoint", "localhost:10200")
	v.SetDefault("backend.piper.voice", "en_US-lessac-medium")
	v.SetDefault("audio.default_host", "")
	v.SetDefault("audio.default_port", 0)
	v.SetDefault("health.enabled", false)
	v.SetDefault("health.port", 8081)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	// Config file
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("ttsbridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/ttsbridge")
	}

	// Environment variables: TTSBRIDGE_BACKEND_NAME, TTSBRIDGE_LOGGING_LEVEL, etc.
	v.SetEnvPrefix("TTSBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (optional — env vars and defaults are sufficient)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return &cfg, nil
}

// SetupLogging configures the global slog logger based on config. The
// handler writes to stderr: stdout belongs to the command protocol and
// must never carry log output.
func SetupLogging(cfg LoggingConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}
