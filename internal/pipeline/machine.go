package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lucasnoah/nucleiforge/internal/events"
	"github.com/lucasnoah/nucleiforge/internal/ledger"
	"github.com/lucasnoah/nucleiforge/internal/logger"
	"github.com/lucasnoah/nucleiforge/internal/scan"
	"github.com/lucasnoah/nucleiforge/internal/targets"
)

// MachineDeps are the collaborators of the state machine. Attempts and
// Events may be nil.
type MachineDeps struct {
	Checker  Checker
	Executor Executor
	Targets  targets.Resolver
	Ledger   ledger.Ledger
	Retry    RetryScheduler
	Attempts AttemptLog
	Events   events.Publisher
}

// MachineConfig tunes the state machine.
type MachineConfig struct {
	MaxAttempts int
	// ScopeNoResult also records the no-result flag on the rule, not only
	// globally.
	ScopeNoResult bool
}

// Machine runs one validation attempt per call:
//
//	Init -> Validating -> Executing -> Inspecting -> Succeeded
//	                                        |
//	                                        +-> Refining (Pending) | Failed
//
// A retry is never run in-process. It is handed to the RetryScheduler, which
// calls back into Run with the next attempt number, so attempts for one rule
// are strictly sequential.
type Machine struct {
	deps MachineDeps
	cfg  MachineConfig
	log  *logger.Logger
	now  func() time.Time
}

// NewMachine creates a Machine.
func NewMachine(deps MachineDeps, cfg MachineConfig, log *logger.Logger) *Machine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if deps.Attempts == nil {
		deps.Attempts = nopAttemptLog{}
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Machine{
		deps: deps,
		cfg:  cfg,
		log:  log.Named("machine"),
		now:  time.Now,
	}
}

// MaxAttempts returns the configured attempt budget.
func (m *Machine) MaxAttempts() int { return m.cfg.MaxAttempts }

// attemptRun carries one pass's state between transitions.
type attemptRun struct {
	Attempt
	start time.Time
	text  string
	// bctx is used for bookkeeping, which must land even if the scan's
	// context was cancelled.
	bctx context.Context
	log  *logger.Logger
}

// Run executes one attempt for req and returns where it ended.
func (m *Machine) Run(ctx context.Context, req AttemptRequest) Attempt {
	limit := req.MaxAttempts
	if limit <= 0 {
		limit = m.cfg.MaxAttempts
	}
	n := req.Attempt
	if n < 1 {
		n = 1
	}
	r := &attemptRun{
		Attempt: Attempt{RuleID: req.RuleID, Number: n, MaxAttempts: limit},
		start:   m.now(),
		bctx:    context.WithoutCancel(ctx),
		log:     m.log.With("rule", req.RuleID, "attempt", n),
	}

	// Init
	if _, err := m.deps.Ledger.InitRule(r.bctx, req.RuleID); err != nil {
		r.log.Warn("failed to seed rule metrics", "error", err)
	}
	if n > limit {
		m.incrGlobal(r, ledger.FailedValidations)
		return m.finish(r, Failed, ReasonExhausted)
	}

	hosts, err := m.deps.Targets.Hosts(ctx, req.RuleID)
	if err != nil {
		// A registry outage is transient: retry rather than give up.
		r.log.Warn("target lookup failed", "error", err)
		if data, rerr := os.ReadFile(req.Path); rerr == nil {
			r.text = string(data)
		}
		return m.miss(r, fmt.Sprintf("target lookup: %v", err))
	}
	if len(hosts) == 0 {
		return m.fail(r, ReasonNoTarget)
	}
	r.Target = hosts[0]

	// Validating
	if req.Path == "" {
		return m.fail(r, ReasonNoRule)
	}
	data, err := os.ReadFile(req.Path)
	if err != nil {
		return m.fail(r, fmt.Sprintf("cannot read rule: %v", err))
	}
	r.text = string(data)
	if reason := m.deps.Checker.Check(ctx, req.Path); reason != "" {
		return m.fail(r, reason)
	}
	m.setRule(r, ledger.RuleValidated)
	m.incrGlobal(r, ledger.TemplatesValidated)

	// Executing
	exec, err := m.deps.Executor.Execute(ctx, req.RuleID, r.Target)
	if err != nil {
		if errors.Is(err, scan.ErrNoHandle) {
			return m.fail(r, ReasonNotFound)
		}
		return m.miss(r, err.Error())
	}
	defer m.deps.Executor.Release(r.bctx, exec)

	lines, err := m.deps.Executor.AwaitCompletion(ctx, exec)
	if err != nil {
		if errors.Is(err, scan.ErrExecutionNotFound) {
			return m.fail(r, ReasonNotFound)
		}
		return m.miss(r, err.Error())
	}

	// Inspecting
	in := scan.Inspect(lines)
	if in.NoResults {
		m.setGlobal(r, ledger.NoResult)
		if m.cfg.ScopeNoResult {
			m.setRule(r, ledger.RuleNoResult)
		}
	}
	if in.Matched {
		return m.succeed(r, in.MatchLine)
	}
	return m.miss(r, "")
}

func (m *Machine) succeed(r *attemptRun, matchLine string) Attempt {
	m.setRule(r, ledger.RuleScanSuccess)
	m.incrRule(r, ledger.RuleAttempts, 1)
	m.incrGlobal(r, ledger.ScanSuccesses)
	m.addDuration(r, ledger.TotalValidationDurationMs)
	r.log.Info("rule validated", "target", r.Target, "match", matchLine)
	return m.finish(r, Succeeded, "")
}

// fail is a terminal failure that skips refinement.
func (m *Machine) fail(r *attemptRun, reason string) Attempt {
	m.incrRule(r, ledger.RuleAttempts, 1)
	m.incrGlobal(r, ledger.FailedValidations)
	return m.finish(r, Failed, reason)
}

// miss handles a scan without a match, or an error while validating,
// executing or inspecting. errReason is empty for a plain miss.
func (m *Machine) miss(r *attemptRun, errReason string) Attempt {
	m.incrRule(r, ledger.RuleAttempts, 1)
	reason := errReason
	if reason == "" {
		reason = ReasonNoMatch
	}

	if r.Number >= r.MaxAttempts {
		m.incrGlobal(r, ledger.FailedValidations)
		m.addDuration(r, ledger.TotalFailedDurationMs)
		r.log.Info("attempts exhausted", "reason", reason)
		return m.finish(r, Failed, reason)
	}

	err := m.deps.Retry.ScheduleRetry(r.bctx, RetryRequest{
		RuleID:      r.RuleID,
		Text:        r.text,
		Reason:      errReason,
		NextAttempt: r.Number + 1,
		MaxAttempts: r.MaxAttempts,
	})
	if err != nil {
		r.log.Error("failed to schedule retry", "error", err)
		m.incrGlobal(r, ledger.FailedValidations)
		m.addDuration(r, ledger.TotalFailedDurationMs)
		return m.finish(r, Failed, fmt.Sprintf("schedule retry: %v", err))
	}

	m.incrRule(r, ledger.RuleRefinements, 1)
	m.incrGlobal(r, ledger.Refinements)
	m.incrGlobal(r, ledger.RefinementsStarted)
	if err := m.deps.Ledger.AppendHistory(r.bctx, r.RuleID, ledger.HistoryEntry{
		Timestamp: m.now().UTC(),
		Attempt:   r.Number,
		Reason:    reason,
		Event:     "refinement_queued",
	}); err != nil {
		r.log.Warn("failed to append history", "error", err)
	}
	r.log.Info("refinement queued", "reason", reason, "next_attempt", r.Number+1)
	return m.finish(r, Pending, reason)
}

func (m *Machine) finish(r *attemptRun, outcome Outcome, reason string) Attempt {
	r.Outcome = outcome
	r.Reason = reason
	r.Duration = m.now().Sub(r.start)
	ms := r.Duration.Milliseconds()

	if err := m.deps.Attempts.LogAttempt(r.bctx, r.RuleID, r.Number, string(outcome), reason, ms); err != nil {
		r.log.Warn("failed to log attempt", "error", err)
	}
	if r.Terminal() {
		if err := m.deps.Events.Publish(r.bctx, events.Outcome{
			RuleID:     r.RuleID,
			Attempt:    r.Number,
			Outcome:    string(outcome),
			Reason:     reason,
			Target:     r.Target,
			DurationMs: ms,
			Timestamp:  m.now().UTC(),
		}); err != nil {
			r.log.Warn("failed to publish outcome", "error", err)
		}
	}
	if outcome == Failed {
		r.log.Info("rule failed", "reason", reason)
	}
	return r.Attempt
}

func (m *Machine) incrRule(r *attemptRun, field string, n int64) {
	if err := m.deps.Ledger.IncrRule(r.bctx, r.RuleID, field, n); err != nil {
		r.log.Warn("metrics update failed", "field", field, "error", err)
	}
}

func (m *Machine) setRule(r *attemptRun, field string) {
	if err := m.deps.Ledger.SetRule(r.bctx, r.RuleID, field, 1); err != nil {
		r.log.Warn("metrics update failed", "field", field, "error", err)
	}
}

func (m *Machine) incrGlobal(r *attemptRun, field string) {
	if err := m.deps.Ledger.IncrGlobal(r.bctx, field, 1); err != nil {
		r.log.Warn("metrics update failed", "field", field, "error", err)
	}
}

func (m *Machine) setGlobal(r *attemptRun, field string) {
	if err := m.deps.Ledger.SetGlobal(r.bctx, field, 1); err != nil {
		r.log.Warn("metrics update failed", "field", field, "error", err)
	}
}

func (m *Machine) addDuration(r *attemptRun, field string) {
	ms := m.now().Sub(r.start).Milliseconds()
	if err := m.deps.Ledger.IncrGlobal(r.bctx, field, ms); err != nil {
		r.log.Warn("metrics update failed", "field", field, "error", err)
	}
}
