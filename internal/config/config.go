// Package config loads the relay configuration from a YAML file, with
// defaults that run against a local decoder feed and SQLite store.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"sonde_relay/internal/api"
	"sonde_relay/internal/ingest"
	"sonde_relay/internal/sink/aprs"
	"sonde_relay/internal/sink/sondehub"
	"sonde_relay/internal/storage"
)

// Config is the full relay configuration.
type Config struct {
	LogLevel        string                `yaml:"log_level"`
	ShutdownSeconds int                   `yaml:"shutdown_seconds"`
	Ingest          ingest.Config         `yaml:"ingest"`
	Storage         storage.Config        `yaml:"storage"`
	Archive         storage.ArchiveConfig `yaml:"archive"`
	API             api.Config            `yaml:"api"`
	APRS            aprs.Config           `yaml:"aprs"`
	SondeHub        sondehub.Config       `yaml:"sondehub"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		LogLevel:        "info",
		ShutdownSeconds: 10,
		Ingest:          ingest.DefaultConfig(),
		Storage:         storage.DefaultConfig(),
		Archive:         storage.DefaultArchiveConfig(),
		API:             api.DefaultConfig(),
		APRS:            aprs.DefaultConfig(),
		SondeHub:        sondehub.DefaultConfig(),
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
