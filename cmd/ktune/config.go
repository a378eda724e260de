package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

const envConfig = "KTUNE_CONFIG"

// Config represents the ktune configuration file (~/.config/ktune/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	Backend    string         `yaml:"backend" validate:"omitempty,oneof=auto cpu cuda sim"`
	Devices    *int64         `yaml:"devices" validate:"omitempty,min=1"`
	Workers    *int64         `yaml:"workers" validate:"omitempty,min=0"`
	ArchiveDir string         `yaml:"archive_dir"`
	Progress   *time.Duration `yaml:"progress" validate:"omitempty,min=0"`

	// Output
	LogLevel  string `yaml:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=pretty json text"`

	// Server
	ServerAddress string `yaml:"server_address" validate:"omitempty,hostname_port"`
}

func configPath() string {
	if p := os.Getenv(envConfig); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "ktune", "config.yaml")
}

func defaultArchiveDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(".", "ktune-archive")
	}
	return filepath.Join(dir, "ktune", "archive")
}

// LoadConfig reads the config file at path. A missing file yields a zero
// Config; a malformed or invalid one is an error.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// applyLogConfig applies config file defaults to the logging flags.
func applyLogConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyTuneConfig applies config file defaults to tune command variables
// when the corresponding CLI flag was not explicitly set.
func applyTuneConfig(c *cli.Command, cfg Config) {
	if cfg.Backend != "" && !c.IsSet("backend") {
		backendName = cfg.Backend
	}
	if cfg.Devices != nil && !c.IsSet("devices") {
		devices = *cfg.Devices
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Workers
	}
	if cfg.Progress != nil && !c.IsSet("progress") {
		progress = *cfg.Progress
	}
	applyArchiveConfig(c, cfg)
}

func applyArchiveConfig(c *cli.Command, cfg Config) {
	if cfg.ArchiveDir != "" && !c.IsSet("archive") {
		archiveDir = cfg.ArchiveDir
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	applyTuneConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}
