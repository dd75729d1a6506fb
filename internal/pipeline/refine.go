package pipeline

import (
	"context"
	"strings"

	"github.com/lucasnoah/nucleiforge/internal/ledger"
	"github.com/lucasnoah/nucleiforge/internal/llm"
	"github.com/lucasnoah/nucleiforge/internal/logger"
	"github.com/lucasnoah/nucleiforge/internal/prompt"
	"github.com/lucasnoah/nucleiforge/internal/rules"
)

// Refiner asks the model to repair or improve a rule and writes the result
// back over the stored file.
type Refiner struct {
	store   RuleStore
	model   llm.Generator
	prompts PromptRenderer
	ledger  ledger.Ledger
	log     *logger.Logger
}

// NewRefiner creates a Refiner.
func NewRefiner(store RuleStore, model llm.Generator, prompts PromptRenderer, l ledger.Ledger, log *logger.Logger) *Refiner {
	if log == nil {
		log = logger.Nop()
	}
	return &Refiner{
		store:   store,
		model:   model,
		prompts: prompts,
		ledger:  l,
		log:     log.Named("refine"),
	}
}

// Refine returns new text for the rule. With a reason it uses the repair
// prompt, otherwise the improvement prompt. If the model fails the current
// text comes back unchanged, so the retry still runs.
func (r *Refiner) Refine(ctx context.Context, ruleID, reason, current string) string {
	name := prompt.Improve
	vars := prompt.Vars{"id": ruleID, "template": current}
	if reason != "" {
		name = prompt.Repair
		vars["error"] = reason
	}

	p, err := r.prompts.Render(name, vars)
	if err != nil {
		r.log.Error("failed to render refinement prompt", "rule", ruleID, "prompt", name, "error", err)
		r.count(ctx, ledger.RefinementsFailed)
		return current
	}

	text, err := r.model.Generate(ctx, p)
	if err != nil || strings.TrimSpace(text) == "" {
		r.log.Warn("refinement failed, keeping current rule", "rule", ruleID, "error", err)
		r.count(ctx, ledger.RefinementsFailed)
		return current
	}
	r.count(ctx, ledger.RefinementsSuccessful)
	r.log.Info("refined rule", "rule", ruleID, "repair", reason != "")
	return text
}

// StoreRefined cleans text and replaces the stored rule. It never fails: a
// rule that cannot be written comes back with an empty Path, which the next
// validation turns into a terminal failure.
func (r *Refiner) StoreRefined(ctx context.Context, ruleID, text string) StoredRule {
	cleaned := rules.CleanFences(text)
	if strings.TrimSpace(cleaned) == "" {
		r.log.Error("refined rule is empty, not storing", "rule", ruleID)
		return StoredRule{RuleID: ruleID}
	}
	path, err := r.store.Replace(ruleID, cleaned)
	if err != nil {
		r.log.Error("failed to store refined rule", "rule", ruleID, "error", err)
		return StoredRule{RuleID: ruleID}
	}
	return StoredRule{RuleID: ruleID, Path: path}
}

func (r *Refiner) count(ctx context.Context, field string) {
	if err := r.ledger.IncrGlobal(ctx, field, 1); err != nil {
		r.log.Warn("metrics update failed", "field", field, "error", err)
	}
}
