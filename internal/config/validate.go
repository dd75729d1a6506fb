package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var recognizedBackends = map[string]bool{
	"auto": true,
	"sdk":  true,
	"cli":  true,
}

var recognizedFormats = map[string]bool{
	"json":    true,
	"console": true,
	"text":    true,
}

// Validate checks a Config for semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	if cfg.RulesDir == "" {
		errs = append(errs, ValidationError{Field: "rules_dir", Message: "is required"})
	}

	p := cfg.Pipeline
	if p.MaxAttempts < 1 {
		errs = append(errs, ValidationError{Field: "pipeline.max_attempts", Message: "must be at least 1"})
	}
	if p.Concurrency < 1 {
		errs = append(errs, ValidationError{Field: "pipeline.concurrency", Message: "must be at least 1"})
	}
	if p.Schedule != "" {
		if _, err := cron.ParseStandard(p.Schedule); err != nil {
			errs = append(errs, ValidationError{
				Field:   "pipeline.schedule",
				Message: fmt.Sprintf("invalid cron expression %q: %v", p.Schedule, err),
			})
		}
	}

	if cfg.Model.URL == "" {
		errs = append(errs, ValidationError{Field: "model.url", Message: "is required"})
	}
	if cfg.Model.Name == "" {
		errs = append(errs, ValidationError{Field: "model.name", Message: "is required"})
	}

	if cfg.Scanner.Image == "" {
		errs = append(errs, ValidationError{Field: "scanner.image", Message: "is required"})
	}
	if !recognizedBackends[cfg.Scanner.Backend] {
		errs = append(errs, ValidationError{
			Field:   "scanner.backend",
			Message: fmt.Sprintf("unrecognized backend %q (want auto, sdk or cli)", cfg.Scanner.Backend),
		})
	}
	if cfg.Scanner.LogTail < 0 {
		errs = append(errs, ValidationError{Field: "scanner.log_tail", Message: "must not be negative"})
	}

	durations := []struct {
		field string
		value string
	}{
		{"model.timeout", cfg.Model.Timeout},
		{"scanner.poll_interval", cfg.Scanner.PollInterval},
		{"scanner.timeout", cfg.Scanner.Timeout},
		{"feed.cache_ttl", cfg.Feed.CacheTTL},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   d.field,
				Message: fmt.Sprintf("invalid duration %q: %v", d.value, err),
			})
			continue
		}
		if parsed <= 0 {
			errs = append(errs, ValidationError{Field: d.field, Message: "must be positive"})
		}
	}

	for ruleID, hosts := range cfg.Targets.Rules {
		if len(hosts) == 0 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("targets.rules.%s", ruleID),
				Message: "must list at least one host",
			})
		}
	}

	if !recognizedFormats[cfg.Log.Format] {
		errs = append(errs, ValidationError{
			Field:   "log.format",
			Message: fmt.Sprintf("unrecognized format %q", cfg.Log.Format),
		})
	}

	return errs
}
