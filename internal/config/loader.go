package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".oppwatch"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
	// EnvPrefix is the envconfig prefix: OPPWATCH_SITE_DOMAIN_SUFFIX etc.
	EnvPrefix = "OPPWATCH"
)

// ConfigPath returns the path to the config file, honoring OPPWATCH_CONFIG.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("OPPWATCH_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

// LoadEnvFileCandidates loads environment variables from known env files.
// Existing process env vars are never overridden.
func LoadEnvFileCandidates() {
	candidates := make([]string, 0, 3)
	if explicit := strings.TrimSpace(os.Getenv("OPPWATCH_ENV_FILE")); explicit != "" {
		candidates = append(candidates, explicit)
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".config", "oppwatch", "env"),
			filepath.Join(home, ConfigDir, ".env"),
		)
	}
	for _, p := range candidates {
		if p == "" {
			continue
		}
		// godotenv.Load never overrides variables already in the process env.
		_ = godotenv.Load(p)
	}
}

// Load reads the config file (if present) over the defaults, then applies
// OPPWATCH_* environment overrides. A missing file is not an error.
func Load() (*Config, error) {
	LoadEnvFileCandidates()

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home dir: %w", err)
	}
	cfg := Default(home)

	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults + env only.
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	// Per-section processing so the keys come out as OPPWATCH_SITE_DOMAIN_SUFFIX,
	// OPPWATCH_BRIDGE_LISTEN_ADDR, and so on.
	sections := []struct {
		prefix string
		target any
	}{
		{EnvPrefix + "_PATHS", &cfg.Paths},
		{EnvPrefix + "_SITE", &cfg.Site},
		{EnvPrefix + "_BRIDGE", &cfg.Bridge},
		{EnvPrefix + "_DETECTION", &cfg.Detection},
		{EnvPrefix + "_CRM", &cfg.CRM},
		{EnvPrefix + "_KAFKA", &cfg.Kafka},
		{EnvPrefix + "_SLACK", &cfg.Slack},
	}
	for _, s := range sections {
		if err := envconfig.Process(s.prefix, s.target); err != nil {
			return nil, fmt.Errorf("apply %s env overrides: %w", s.prefix, err)
		}
	}
	cfg.normalize()
	return cfg, nil
}

// Save writes the config as indented JSON, creating the directory if needed.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

// normalize backfills zero values that would break the daemon's loops.
func (c *Config) normalize() {
	home, _ := os.UserHomeDir()
	def := Default(home)
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = def.Paths.StateDir
	}
	if strings.TrimSpace(c.Site.DomainSuffix) == "" {
		c.Site.DomainSuffix = def.Site.DomainSuffix
	}
	if strings.TrimSpace(c.Bridge.ListenAddr) == "" {
		c.Bridge.ListenAddr = def.Bridge.ListenAddr
	}
	d := &c.Detection
	if d.TickInterval <= 0 {
		d.TickInterval = def.Detection.TickInterval
	}
	if d.Debounce <= 0 {
		d.Debounce = def.Detection.Debounce
	}
	if d.PollInterval <= 0 {
		d.PollInterval = def.Detection.PollInterval
	}
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = def.Detection.RequestTimeout
	}
	if d.NavigationSettle <= 0 {
		d.NavigationSettle = def.Detection.NavigationSettle
	}
	if d.SafetyPollDelay <= 0 {
		d.SafetyPollDelay = def.Detection.SafetyPollDelay
	}
}
