// Package model defines the data structures for warden's configuration and
// persisted state.
package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFile is the name of the configuration file inside the state dir.
const ConfigFile = "config.yaml"

type Config struct {
	Logging     LoggingConfig     `yaml:"logging"`
	Daemon      DaemonConfig      `yaml:"daemon"`
	Workers     WorkersConfig     `yaml:"workers"`
	Events      EventsConfig      `yaml:"events"`
	Enforcement EnforcementConfig `yaml:"enforcement"`
	Objects     []ObjectConfig    `yaml:"objects"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type PoolBounds struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

type WorkersConfig struct {
	Service *PoolBounds `yaml:"service,omitempty"`
	FSCheck *PoolBounds `yaml:"fs_check,omitempty"`
	Network *PoolBounds `yaml:"network,omitempty"`
}

type EventsConfig struct {
	AuditLog                string `yaml:"audit_log"`
	AuditMaxSizeBytes       int64  `yaml:"audit_max_size_bytes"`
	AuditChecksum           bool   `yaml:"audit_checksum"`
	CollectorReinitDelaySec int    `yaml:"collector_reinit_delay_sec"`
}

type EnforcementConfig struct {
	ExpireSec            int      `yaml:"expire_sec"`
	SweepIntervalSec     int      `yaml:"sweep_interval_sec"`
	RewalkDelayMs        int      `yaml:"rewalk_delay_ms"`
	DeletedRewalkDelayMs int      `yaml:"deleted_rewalk_delay_ms"`
	ExpectedTTLSec       int      `yaml:"expected_ttl_sec"`
	PolicyDir            string   `yaml:"policy_dir"`
	Exclusions           []string `yaml:"exclusions"`
	NoWatchFile          string   `yaml:"nowatch_file"`
}

// ObjectConfig declares one enforced subtree.
type ObjectConfig struct {
	ID      string            `yaml:"id"`
	Kind    string            `yaml:"kind,omitempty"`
	Root    string            `yaml:"root"`
	Rules   string            `yaml:"rules"`
	Vars    map[string]string `yaml:"vars,omitempty"`
	Watched *bool             `yaml:"watched,omitempty"`
}

// IsWatched reports whether the object starts under live enforcement.
// Objects are watched unless configured otherwise.
func (o ObjectConfig) IsWatched() bool {
	return o.Watched == nil || *o.Watched
}

// LoadConfig reads config.yaml from dir. A missing file yields the zero
// config. Defaults are applied either way.
func LoadConfig(dir string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("read %s: %w", ConfigFile, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", ConfigFile, err)
		}
	}
	cfg.ApplyDefaults(dir)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero fields. Relative paths are resolved against dir.
func (c *Config) ApplyDefaults(dir string) {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 50
	}
	if c.Logging.MaxBackups <= 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Events.AuditLog == "" {
		c.Events.AuditLog = filepath.Join("logs", "events.jsonl")
	}
	if c.Events.AuditMaxSizeBytes <= 0 {
		c.Events.AuditMaxSizeBytes = 10 << 20
	}
	if c.Events.CollectorReinitDelaySec <= 0 {
		c.Events.CollectorReinitDelaySec = 6
	}
	if c.Enforcement.ExpireSec <= 0 {
		c.Enforcement.ExpireSec = 10
	}
	if c.Enforcement.SweepIntervalSec <= 0 {
		c.Enforcement.SweepIntervalSec = 10
	}
	if c.Enforcement.DeletedRewalkDelayMs <= 0 {
		c.Enforcement.DeletedRewalkDelayMs = 100
	}
	if c.Enforcement.ExpectedTTLSec <= 0 {
		c.Enforcement.ExpectedTTLSec = 30
	}
	if c.Enforcement.PolicyDir == "" {
		c.Enforcement.PolicyDir = "policies"
	}
	if c.Enforcement.NoWatchFile == "" {
		c.Enforcement.NoWatchFile = filepath.Join("state", "nowatch.yaml")
	}
	c.Events.AuditLog = resolve(dir, c.Events.AuditLog)
	c.Enforcement.PolicyDir = resolve(dir, c.Enforcement.PolicyDir)
	c.Enforcement.NoWatchFile = resolve(dir, c.Enforcement.NoWatchFile)
}

func resolve(dir, p string) string {
	if dir == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// Validate checks the object list.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Objects))
	for i, o := range c.Objects {
		switch {
		case o.ID == "":
			return fmt.Errorf("objects[%d]: id is required", i)
		case seen[o.ID]:
			return fmt.Errorf("objects[%d]: duplicate id %q", i, o.ID)
		case !filepath.IsAbs(o.Root):
			return fmt.Errorf("object %s: root %q must be absolute", o.ID, o.Root)
		case o.Rules == "":
			return fmt.Errorf("object %s: rules is required", o.ID)
		}
		seen[o.ID] = true
	}
	for kind, b := range c.Workers.bounds() {
		if b != nil && (b.Min < 0 || b.Max < 1 || b.Min > b.Max) {
			return fmt.Errorf("workers.%s: invalid bounds min=%d max=%d", kind, b.Min, b.Max)
		}
	}
	return nil
}

func (w WorkersConfig) bounds() map[string]*PoolBounds {
	return map[string]*PoolBounds{"service": w.Service, "fs_check": w.FSCheck, "network": w.Network}
}

func (c EnforcementConfig) ExpireWindow() time.Duration {
	return time.Duration(c.ExpireSec) * time.Second
}

func (c EnforcementConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

func (c EnforcementConfig) RewalkDelay() time.Duration {
	return time.Duration(c.RewalkDelayMs) * time.Millisecond
}

func (c EnforcementConfig) DeletedRewalkDelay() time.Duration {
	return time.Duration(c.DeletedRewalkDelayMs) * time.Millisecond
}

func (c EnforcementConfig) ExpectedTTL() time.Duration {
	return time.Duration(c.ExpectedTTLSec) * time.Second
}
