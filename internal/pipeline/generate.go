package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lucasnoah/nucleiforge/internal/feed"
	"github.com/lucasnoah/nucleiforge/internal/ledger"
	"github.com/lucasnoah/nucleiforge/internal/llm"
	"github.com/lucasnoah/nucleiforge/internal/logger"
	"github.com/lucasnoah/nucleiforge/internal/prompt"
	"github.com/lucasnoah/nucleiforge/internal/rules"
	"github.com/lucasnoah/nucleiforge/internal/validator"
)

// ErrEmptyRule is returned when the model's answer holds no rule text.
var ErrEmptyRule = errors.New("generated rule is empty")

// Prepare renders the generation prompt for each record.
func Prepare(p PromptRenderer, vulns []feed.Vulnerability) ([]Job, error) {
	jobs := make([]Job, 0, len(vulns))
	for _, v := range vulns {
		text, err := p.Render(prompt.Generate, prompt.Vars{
			"id":          v.ID,
			"description": v.Description,
		})
		if err != nil {
			return nil, fmt.Errorf("prepare %s: %w", v.ID, err)
		}
		jobs = append(jobs, Job{RuleID: v.ID, Prompt: text})
	}
	return jobs, nil
}

// Generator is the generation stage plus the storage fan-in that follows it.
type Generator struct {
	store  RuleStore
	model  llm.Generator
	ledger ledger.Ledger
	repair RetryScheduler
	log    *logger.Logger
}

// NewGenerator creates a Generator. repair receives the repair chains for
// structurally unsound candidates.
func NewGenerator(store RuleStore, model llm.Generator, l ledger.Ledger, repair RetryScheduler, log *logger.Logger) *Generator {
	if log == nil {
		log = logger.Nop()
	}
	return &Generator{
		store:  store,
		model:  model,
		ledger: l,
		repair: repair,
		log:    log.Named("generate"),
	}
}

// Generate produces a candidate for ruleID. A rule already in the store is
// returned as is without calling the model. Failures are counted and
// returned as errors; callers fanning in treat them as a missing candidate.
func (g *Generator) Generate(ctx context.Context, ruleID, promptText string) (*CandidateRule, error) {
	if g.store.Exists(ruleID) {
		text, err := g.store.Read(ruleID)
		if err == nil {
			g.count(ctx, ledger.GenerationSkipped)
			g.log.Info("rule already stored, skipping generation", "rule", ruleID)
			return &CandidateRule{RuleID: ruleID, Text: text, Existing: true}, nil
		}
		g.log.Warn("stored rule unreadable, regenerating", "rule", ruleID, "error", err)
	}

	raw, err := g.model.Generate(ctx, promptText)
	if err != nil {
		g.count(ctx, ledger.GenerationFailed)
		return nil, fmt.Errorf("generate %s: %w", ruleID, err)
	}
	text := rules.CleanFences(raw)
	if strings.TrimSpace(text) == "" {
		g.count(ctx, ledger.GenerationFailed)
		return nil, fmt.Errorf("generate %s: %w", ruleID, ErrEmptyRule)
	}

	c := &CandidateRule{RuleID: ruleID, Text: text}
	if reason := validator.CheckText(text); reason != "" {
		c.NeedsRepair = true
		c.RepairReason = reason
		g.count(ctx, ledger.GenerationNeedsRepair)
		g.log.Info("generated rule needs repair", "rule", ruleID, "reason", reason)
		return c, nil
	}
	g.count(ctx, ledger.GenerationSuccess)
	g.log.Info("generated rule", "rule", ruleID, "bytes", len(text))
	return c, nil
}

// Store is the fan-in barrier after generation. It writes every usable
// candidate, schedules repair for unsound ones, and returns the rules that
// are ready for validation. Missing candidates are skipped.
func (g *Generator) Store(ctx context.Context, candidates []*CandidateRule, maxAttempts int) []StoredRule {
	ready := make([]StoredRule, 0, len(candidates))
	for _, c := range candidates {
		if c == nil || c.RuleID == "" || strings.TrimSpace(c.Text) == "" {
			g.log.Warn("skipping empty candidate")
			continue
		}

		path, created, err := g.store.Create(c.RuleID, c.Text)
		if err != nil {
			g.log.Error("failed to store rule", "rule", c.RuleID, "error", err)
			continue
		}
		if !created {
			g.log.Debug("rule already stored, using existing file", "rule", c.RuleID)
		}

		if c.NeedsRepair && created && g.scheduleRepair(ctx, c, maxAttempts) {
			continue
		}
		if created {
			g.count(ctx, ledger.TemplatesGenerated)
		}
		ready = append(ready, StoredRule{RuleID: c.RuleID, Path: path})
	}
	g.log.Info("stored rules", "ready", len(ready), "candidates", len(candidates))
	return ready
}

// scheduleRepair routes an unsound candidate to refinement before its first
// attempt. Per-rule refinements stay untouched so a rule's attempt budget is
// unaffected.
func (g *Generator) scheduleRepair(ctx context.Context, c *CandidateRule, maxAttempts int) bool {
	// The repair chain must be enqueued even if the worker is stopping.
	err := g.repair.ScheduleRetry(context.WithoutCancel(ctx), RetryRequest{
		RuleID:      c.RuleID,
		Text:        c.Text,
		Reason:      c.RepairReason,
		NextAttempt: 1,
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		g.log.Error("failed to schedule repair, validating as is", "rule", c.RuleID, "error", err)
		return false
	}
	g.count(ctx, ledger.RefinementsStarted)
	return true
}

func (g *Generator) count(ctx context.Context, field string) {
	if err := g.ledger.IncrGlobal(context.WithoutCancel(ctx), field, 1); err != nil {
		g.log.Warn("metrics update failed", "field", field, "error", err)
	}
}
