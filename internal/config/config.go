// Package config loads the syncstated process configuration: the ambient
// concerns (store location, logging, GC schedule) that sit around the core
// described in spec.md, following the teacher's JSON-config-with-defaults
// idiom.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds all syncstated configuration.
type Config struct {
	Server ServerConfig `json:"server" yaml:"server"`
	Store  StoreConfig  `json:"store" yaml:"store"`
	GC     GCConfig     `json:"gc" yaml:"gc"`
	Sync   SyncConfig   `json:"sync" yaml:"sync"`
}

// ServerConfig controls process-level concerns.
type ServerConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	DataDir  string `json:"dataDir" yaml:"dataDir"`
}

// StoreConfig configures the Persistent Store connection.
type StoreConfig struct {
	// DSN is a modernc.org/sqlite data source name. A relative path is
	// resolved under Server.DataDir.
	DSN string `json:"dsn" yaml:"dsn"`
}

// GCConfig controls the periodic sweep (internal/gc.Sweeper), independent of
// the opportunistic per-request GC which always runs.
type GCConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	CronExpr string `json:"cronExpr" yaml:"cronExpr"`
}

// SyncConfig holds protocol-facing tunables the core exposes as defaults for
// a deployment, rather than hardcoding (spec.md's core itself takes these as
// call parameters; this is where a deployment picks values).
type SyncConfig struct {
	DefaultWindowSize int `json:"defaultWindowSize" yaml:"defaultWindowSize"`
	MaxWindowSize     int `json:"maxWindowSize" yaml:"maxWindowSize"`
	HeartbeatWaitMin  int `json:"heartbeatWaitMinutes" yaml:"heartbeatWaitMinutes"`
	HeartbeatWaitMax  int `json:"heartbeatWaitMaxMinutes" yaml:"heartbeatWaitMaxMinutes"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			LogLevel: "info",
			DataDir:  "./data",
		},
		Store: StoreConfig{
			DSN: "syncstate.db",
		},
		GC: GCConfig{
			Enabled:  true,
			CronExpr: "*/15 * * * *",
		},
		Sync: SyncConfig{
			DefaultWindowSize: 100,
			MaxWindowSize:     512,
			HeartbeatWaitMin:  1,
			HeartbeatWaitMax:  60,
		},
	}
}

// Load reads config from a JSON file, overlaying it onto DefaultConfig.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return cfg, nil
}

// Save writes config to a JSON file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0640)
}

// StorePath resolves the store DSN against DataDir when it's a bare
// filename rather than an absolute path or a special DSN like ":memory:".
func (c *Config) StorePath() string {
	if c.Store.DSN == ":memory:" || filepath.IsAbs(c.Store.DSN) {
		return c.Store.DSN
	}
	return filepath.Join(c.Server.DataDir, c.Store.DSN)
}
