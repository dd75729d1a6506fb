// Package ledger records per-rule and global pipeline counters. Every update
// is an atomic increment or append so concurrent pipelines can share it.
package ledger

import (
	"context"
	"strconv"
	"time"
)

// Global counter fields in the pipeline_metrics hash.
const (
	TemplatesGenerated        = "templates_generated"
	TemplatesValidated        = "templates_validated"
	ScanSuccesses             = "scan_successes"
	Refinements               = "refinements"
	RefinementsStarted        = "refinements_started"
	RefinementsSuccessful     = "refinements_successful"
	RefinementsFailed         = "refinements_failed"
	FailedValidations         = "failed_validations"
	TotalValidationDurationMs = "total_validation_duration_ms"
	TotalFailedDurationMs     = "total_failed_duration_ms"
	GenerationSuccess         = "generation_success"
	GenerationFailed          = "generation_failed"
	GenerationSkipped         = "generation_skipped"
	GenerationNeedsRepair     = "generation_needs_repair"
	NoResult                  = "no_result"
)

// Per-rule fields in the metrics:{ruleId} hash.
const (
	RuleAttempts    = "attempts"
	RuleRefinements = "refinements"
	RuleValidated   = "validated"
	RuleScanSuccess = "scan_success"
	RuleNoResult    = "no_result"
)

// GlobalKey is the hash holding aggregate counters.
const GlobalKey = "pipeline_metrics"

// RuleKey returns the hash holding one rule's counters.
func RuleKey(ruleID string) string { return "metrics:" + ruleID }

// HistoryKey returns the list holding one rule's refinement history.
func HistoryKey(ruleID string) string { return "history:" + ruleID }

// Ledger is the metrics store port used by the pipeline.
type Ledger interface {
	// InitRule seeds a rule's counters if it has none. It reports whether
	// this call did the seeding.
	InitRule(ctx context.Context, ruleID string) (bool, error)
	IncrRule(ctx context.Context, ruleID, field string, n int64) error
	SetRule(ctx context.Context, ruleID, field string, v int64) error
	IncrGlobal(ctx context.Context, field string, n int64) error
	SetGlobal(ctx context.Context, field string, v int64) error
	AppendHistory(ctx context.Context, ruleID string, entry HistoryEntry) error

	Rule(ctx context.Context, ruleID string) (RuleMetrics, bool, error)
	Global(ctx context.Context) (map[string]int64, error)
	History(ctx context.Context, ruleID string) ([]HistoryEntry, error)
}

// RuleMetrics is the counter set kept per rule.
type RuleMetrics struct {
	Attempts    int64 `json:"attempts"`
	Refinements int64 `json:"refinements"`
	Validated   bool  `json:"validated"`
	ScanSuccess bool  `json:"scan_success"`
	NoResult    bool  `json:"no_result,omitempty"`
}

// HistoryEntry is one refinement event for a rule.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Attempt   int       `json:"attempt"`
	Reason    string    `json:"reason"`
	Event     string    `json:"event"`
}

func ruleMetricsFrom(fields map[string]string) RuleMetrics {
	get := func(k string) int64 {
		v, _ := strconv.ParseInt(fields[k], 10, 64)
		return v
	}
	return RuleMetrics{
		Attempts:    get(RuleAttempts),
		Refinements: get(RuleRefinements),
		Validated:   get(RuleValidated) > 0,
		ScanSuccess: get(RuleScanSuccess) > 0,
		NoResult:    get(RuleNoResult) > 0,
	}
}

func initialRuleFields() map[string]interface{} {
	return map[string]interface{}{
		RuleAttempts:    0,
		RuleRefinements: 0,
		RuleValidated:   0,
		RuleScanSuccess: 0,
	}
}
