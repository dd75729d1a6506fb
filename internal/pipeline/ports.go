package pipeline

import (
	"context"

	"github.com/lucasnoah/nucleiforge/internal/prompt"
	"github.com/lucasnoah/nucleiforge/internal/scan"
)

// RuleStore is the subset of the rule store the stages need.
type RuleStore interface {
	Exists(id string) bool
	Read(id string) (string, error)
	Create(id, text string) (string, bool, error)
	Replace(id, text string) (string, error)
}

// Checker validates a stored rule file; "" means it passed.
type Checker interface {
	Check(ctx context.Context, path string) string
}

// Executor runs scans.
type Executor interface {
	Execute(ctx context.Context, ruleID, target string) (*scan.Execution, error)
	AwaitCompletion(ctx context.Context, exec *scan.Execution) ([]string, error)
	Release(ctx context.Context, exec *scan.Execution)
}

// PromptRenderer renders a named prompt.
type PromptRenderer interface {
	Render(name string, vars prompt.Vars) (string, error)
}

// RetryScheduler enqueues a refinement continuation.
type RetryScheduler interface {
	ScheduleRetry(ctx context.Context, req RetryRequest) error
}

// AttemptLog durably records finished attempts.
type AttemptLog interface {
	LogAttempt(ctx context.Context, ruleID string, attempt int, outcome, reason string, durationMs int64) error
}

type nopAttemptLog struct{}

func (nopAttemptLog) LogAttempt(context.Context, string, int, string, string, int64) error {
	return nil
}
