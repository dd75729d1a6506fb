package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultMaxAttempts   = 3
	defaultConcurrency   = 4
	defaultSchedule      = "0 * * * *"
	defaultModelURL      = "http://localhost:11434/api/generate"
	defaultModelName     = "llama3"
	defaultModelTimeout  = 2000 * time.Second
	defaultImage         = "projectdiscovery/nuclei:latest"
	defaultBackend       = "auto"
	defaultPollInterval  = 30 * time.Second
	defaultScanTimeout   = 30 * time.Minute
	defaultTemplateMount = "/templates"
	defaultLogTail       = 1000
	defaultNATSSubject   = "forge.outcomes"
	defaultFeedCacheTTL  = 12 * time.Hour
	defaultLogLevel      = "info"
	defaultLogFormat     = "console"
)

// Load reads and parses a forge configuration from the given YAML file path.
// Environment overrides and defaults are applied after parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the first
// one found. Search order: ./forge.yaml, ~/.forge/config.yaml. When neither
// exists a default configuration is returned.
func LoadDefault() (*Config, error) {
	candidates := []string{"forge.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".forge", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return Default(), nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg
}

// applyEnv lets deployment-specific endpoints come from the environment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("FORGE_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("FORGE_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("FORGE_MODEL_URL"); v != "" {
		cfg.Model.URL = v
	}
	if v := os.Getenv("FORGE_MODEL"); v != "" {
		cfg.Model.Name = v
	}
	if v := os.Getenv("FORGE_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.RulesDir == "" {
		cfg.RulesDir = defaultRulesDir()
	}

	p := &cfg.Pipeline
	if p.MaxAttempts == 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.Concurrency == 0 {
		p.Concurrency = defaultConcurrency
	}
	if p.Schedule == "" {
		p.Schedule = defaultSchedule
	}

	m := &cfg.Model
	if m.URL == "" {
		m.URL = defaultModelURL
	}
	if m.Name == "" {
		m.Name = defaultModelName
	}

	s := &cfg.Scanner
	if s.Image == "" {
		s.Image = defaultImage
	}
	if s.Backend == "" {
		s.Backend = defaultBackend
	}
	if s.TemplateMount == "" {
		s.TemplateMount = defaultTemplateMount
	}
	if s.LogTail == 0 {
		s.LogTail = defaultLogTail
	}

	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = defaultNATSSubject
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = defaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaultLogFormat
	}
}

// defaultRulesDir returns ~/.forge/rules, or ./rules when the home directory
// cannot be resolved.
func defaultRulesDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "rules"
	}
	return filepath.Join(home, ".forge", "rules")
}
