// Package config loads server configuration from a YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type OutboxConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ReplayInterval time.Duration `yaml:"replayInterval"`
	// ReplayGrace is how old an admin signature must be before replay takes
	// over its stock move.
	ReplayGrace time.Duration `yaml:"replayGrace"`
	// DrainLease is how long one drainer owns a transfer's stock move
	// before another may take it over.
	DrainLease time.Duration `yaml:"drainLease"`
}

type DirectoryConfig struct {
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

type UndoConfig struct {
	Window time.Duration `yaml:"window"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Directory DirectoryConfig `yaml:"directory"`
	Undo      UndoConfig      `yaml:"undo"`
	CORS      CORSConfig      `yaml:"cors"`
	Log       LogConfig       `yaml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server:    ServerConfig{Port: 8080, ShutdownTimeout: 10 * time.Second},
		Database:  DatabaseConfig{Path: "./data/transfers.db"},
		Outbox:    OutboxConfig{Enabled: true, ReplayInterval: time.Minute, ReplayGrace: 30 * time.Second, DrainLease: time.Minute},
		Directory: DirectoryConfig{CacheTTL: 5 * time.Minute},
		Undo:      UndoConfig{Window: 10 * time.Second},
		CORS:      CORSConfig{AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"}},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	buf, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	case c.Database.Path == "":
		return errors.New("database.path required")
	case c.Outbox.Enabled && c.Outbox.ReplayInterval <= 0:
		return errors.New("outbox.replayInterval must be positive when the outbox is enabled")
	case c.Outbox.ReplayGrace < 0:
		return errors.New("outbox.replayGrace must not be negative")
	case c.Outbox.DrainLease <= 0:
		return errors.New("outbox.drainLease must be positive")
	case c.Undo.Window < 0:
		return errors.New("undo.window must not be negative")
	}
	return nil
}

// SlogLevel maps Log.Level to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
