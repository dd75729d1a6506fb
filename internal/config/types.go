package config

import "time"

// Config is the top-level forge configuration.
type Config struct {
	RulesDir string         `yaml:"rules_dir"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Model    ModelConfig    `yaml:"model"`
	Scanner  ScannerConfig  `yaml:"scanner"`
	Targets  TargetsConfig  `yaml:"targets"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	Feed     FeedConfig     `yaml:"feed"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// PipelineConfig controls the retry budget and worker behavior.
type PipelineConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	Concurrency int    `yaml:"concurrency"`
	Schedule    string `yaml:"schedule"`
}

// ModelConfig points at the generative model endpoint.
type ModelConfig struct {
	URL       string `yaml:"url"`
	Name      string `yaml:"name"`
	Timeout   string `yaml:"timeout"`
	PromptDir string `yaml:"prompt_dir"`
}

// ScannerConfig describes how scans are launched and observed.
type ScannerConfig struct {
	Image           string   `yaml:"image"`
	Backend         string   `yaml:"backend"` // auto, sdk, cli
	PollInterval    string   `yaml:"poll_interval"`
	Timeout         string   `yaml:"timeout"`
	TemplateMount   string   `yaml:"template_mount"`
	LogTail         int      `yaml:"log_tail"`
	KeepContainers  bool     `yaml:"keep_containers"`
	ValidateCommand string   `yaml:"validate_command"`
	ExtraArgs       []string `yaml:"extra_args"`
}

// TargetsConfig maps rule IDs to known-vulnerable hosts.
type TargetsConfig struct {
	Default []string            `yaml:"default"`
	Rules   map[string][]string `yaml:"rules"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type FeedConfig struct {
	Path     string `yaml:"path"`
	CacheTTL string `yaml:"cache_ttl"`
}

// MetricsConfig toggles ledger behavior.
// ScopeNoResult additionally records the "no results" flag on the rule's own
// hash. The global flag is always written.
type MetricsConfig struct {
	ScopeNoResult bool `yaml:"scope_no_result"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ModelTimeout returns the parsed model call deadline.
func (c *Config) ModelTimeout() time.Duration {
	return parseDuration(c.Model.Timeout, defaultModelTimeout)
}

// PollInterval returns the parsed interval between scan status checks.
func (c *Config) PollInterval() time.Duration {
	return parseDuration(c.Scanner.PollInterval, defaultPollInterval)
}

// ScanTimeout returns the parsed deadline for one scan execution.
func (c *Config) ScanTimeout() time.Duration {
	return parseDuration(c.Scanner.Timeout, defaultScanTimeout)
}

// FeedCacheTTL returns how long fetched vulnerability lists are cached.
func (c *Config) FeedCacheTTL() time.Duration {
	return parseDuration(c.Feed.CacheTTL, defaultFeedCacheTTL)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
