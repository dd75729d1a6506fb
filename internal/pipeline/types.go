// Package pipeline holds the rule lifecycle: generation, storage fan-in,
// refinement and the bounded validation/retry state machine. It knows
// nothing about the task queue; scheduling goes through the RetryScheduler
// port.
package pipeline

import "time"

// DefaultMaxAttempts bounds the validation loop when no limit is configured.
const DefaultMaxAttempts = 3

// Terminal and informational reasons.
const (
	ReasonNoTarget  = "no target"
	ReasonNoMatch   = "no vulnerabilities detected"
	ReasonNotFound  = "container not found"
	ReasonExhausted = "max attempts exceeded"
	ReasonNoRule    = "no stored rule"
)

// Job is one record ready for generation.
type Job struct {
	RuleID string `json:"rule_id"`
	Prompt string `json:"prompt"`
}

// CandidateRule is the output of the generation stage.
type CandidateRule struct {
	RuleID       string `json:"rule_id"`
	Text         string `json:"text"`
	NeedsRepair  bool   `json:"needs_repair,omitempty"`
	RepairReason string `json:"repair_reason,omitempty"`
	// Existing is set when the text came from the store instead of the model.
	Existing bool `json:"existing,omitempty"`
}

// StoredRule points at a rule on disk. An empty Path means the rule could not
// be stored and any validation of it fails.
type StoredRule struct {
	RuleID string `json:"rule_id"`
	Path   string `json:"path"`
}

// Outcome of one validation attempt.
type Outcome string

const (
	Pending   Outcome = "pending"
	Succeeded Outcome = "succeeded"
	Failed    Outcome = "failed"
)

// AttemptRequest starts one pass through the state machine.
type AttemptRequest struct {
	RuleID      string `json:"rule_id"`
	Path        string `json:"path"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
}

// Attempt is the result of one pass through the state machine.
type Attempt struct {
	RuleID      string        `json:"rule_id"`
	Number      int           `json:"attempt"`
	MaxAttempts int           `json:"max_attempts"`
	Outcome     Outcome       `json:"outcome"`
	Reason      string        `json:"reason,omitempty"`
	Target      string        `json:"target,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Terminal reports whether nothing further is scheduled for the rule.
func (a Attempt) Terminal() bool {
	return a.Outcome != Pending
}

// RetryRequest asks for the chain refine -> store refined -> validate.
type RetryRequest struct {
	RuleID string `json:"rule_id"`
	// Text is the rule as it was when the attempt read it.
	Text string `json:"text"`
	// Reason is empty when the scan simply found nothing, which selects the
	// improvement prompt over the repair prompt.
	Reason      string `json:"reason,omitempty"`
	NextAttempt int    `json:"next_attempt"`
	MaxAttempts int    `json:"max_attempts"`
}
