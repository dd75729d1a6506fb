// Package orchestrator wires the pipeline stages onto the task queue. Each
// stage is a named task; the flow between them is expressed with chains and
// chords so any worker can pick up any step.
//
//	vulns.fetch -> vulns.prepare -> rules.generate_batch
//	    chord(rules.generate x N) -> rules.store -> rules.validate_batch
//	        group(rules.validate x M)
//	            retry: rules.refine -> rules.store_refined -> rules.validate
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lucasnoah/nucleiforge/internal/events"
	"github.com/lucasnoah/nucleiforge/internal/feed"
	"github.com/lucasnoah/nucleiforge/internal/ledger"
	"github.com/lucasnoah/nucleiforge/internal/llm"
	"github.com/lucasnoah/nucleiforge/internal/logger"
	"github.com/lucasnoah/nucleiforge/internal/pipeline"
	"github.com/lucasnoah/nucleiforge/internal/queue"
	"github.com/lucasnoah/nucleiforge/internal/targets"
)

// Task names.
const (
	TaskFetch         = "vulns.fetch"
	TaskPrepare       = "vulns.prepare"
	TaskGenerateBatch = "rules.generate_batch"
	TaskGenerate      = "rules.generate"
	TaskStore         = "rules.store"
	TaskValidateBatch = "rules.validate_batch"
	TaskValidate      = "rules.validate"
	TaskRefine        = "rules.refine"
	TaskStoreRefined  = "rules.store_refined"
)

// EventLog records pipeline milestones durably.
type EventLog interface {
	LogPipelineEvent(ctx context.Context, ruleID, event, detail string) error
}

type nopEventLog struct{}

func (nopEventLog) LogPipelineEvent(context.Context, string, string, string) error { return nil }

// Deps are the orchestrator's collaborators. Attempts, Events and EventLog
// may be nil.
type Deps struct {
	Queue    *queue.Queue
	Source   feed.Source
	Store    pipeline.RuleStore
	Model    llm.Generator
	Prompts  pipeline.PromptRenderer
	Ledger   ledger.Ledger
	Checker  pipeline.Checker
	Executor pipeline.Executor
	Targets  targets.Resolver
	Attempts pipeline.AttemptLog
	Events   events.Publisher
	EventLog EventLog
}

// Options tunes the flow.
type Options struct {
	MaxAttempts   int
	ScopeNoResult bool
}

// Orchestrator owns the stages and the task handlers that drive them.
type Orchestrator struct {
	queue       *queue.Queue
	source      feed.Source
	prompts     pipeline.PromptRenderer
	gen         *pipeline.Generator
	refiner     *pipeline.Refiner
	machine     *pipeline.Machine
	events      EventLog
	maxAttempts int
	log         *logger.Logger
}

// New creates an Orchestrator. It is its own RetryScheduler: retries and
// repairs become queue chains.
func New(d Deps, opts Options, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Nop()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = pipeline.DefaultMaxAttempts
	}
	o := &Orchestrator{
		queue:       d.Queue,
		source:      d.Source,
		prompts:     d.Prompts,
		events:      d.EventLog,
		maxAttempts: opts.MaxAttempts,
		log:         log.Named("orchestrator"),
	}
	if o.events == nil {
		o.events = nopEventLog{}
	}
	o.gen = pipeline.NewGenerator(d.Store, d.Model, d.Ledger, o, log)
	o.refiner = pipeline.NewRefiner(d.Store, d.Model, d.Prompts, d.Ledger, log)
	o.machine = pipeline.NewMachine(pipeline.MachineDeps{
		Checker:  d.Checker,
		Executor: d.Executor,
		Targets:  d.Targets,
		Ledger:   d.Ledger,
		Retry:    o,
		Attempts: d.Attempts,
		Events:   d.Events,
	}, pipeline.MachineConfig{
		MaxAttempts:   opts.MaxAttempts,
		ScopeNoResult: opts.ScopeNoResult,
	}, log)
	return o
}

// MaxAttempts returns the attempt budget used for new validations.
func (o *Orchestrator) MaxAttempts() int { return o.maxAttempts }

// Register installs every task handler on w.
func (o *Orchestrator) Register(w *queue.Worker) {
	w.Handle(TaskFetch, o.handleFetch)
	w.Handle(TaskPrepare, o.handlePrepare)
	w.Handle(TaskGenerateBatch, o.handleGenerateBatch)
	w.Handle(TaskGenerate, o.handleGenerate)
	w.Handle(TaskStore, o.handleStore)
	w.Handle(TaskValidateBatch, o.handleValidateBatch)
	w.Handle(TaskValidate, o.handleValidate)
	w.Handle(TaskRefine, o.handleRefine)
	w.Handle(TaskStoreRefined, o.handleStoreRefined)
}

type batchArgs struct {
	MaxAttempts int `json:"max_attempts"`
}

type refineArgs struct {
	RuleID string `json:"rule_id"`
	Reason string `json:"reason,omitempty"`
	Text   string `json:"text"`
}

type ruleArgs struct {
	RuleID string `json:"rule_id"`
}

// Run enqueues the full pipeline starting from the feed.
func (o *Orchestrator) Run(ctx context.Context) (string, error) {
	id, err := o.queue.Chain(ctx,
		queue.Must(TaskFetch, nil),
		queue.Must(TaskPrepare, nil),
		queue.Must(TaskGenerateBatch, batchArgs{MaxAttempts: o.maxAttempts}),
	)
	if err != nil {
		return "", fmt.Errorf("enqueue pipeline: %w", err)
	}
	o.log.Info("pipeline queued", "task", id)
	return id, nil
}

// RunRecords enqueues the pipeline for the given records, skipping the feed.
func (o *Orchestrator) RunRecords(ctx context.Context, vulns []feed.Vulnerability) (string, error) {
	input, err := json.Marshal(feed.Clean(vulns))
	if err != nil {
		return "", fmt.Errorf("encode records: %w", err)
	}
	id, err := o.queue.ChainWithInput(ctx, input,
		queue.Must(TaskPrepare, nil),
		queue.Must(TaskGenerateBatch, batchArgs{MaxAttempts: o.maxAttempts}),
	)
	if err != nil {
		return "", fmt.Errorf("enqueue records: %w", err)
	}
	o.log.Info("records queued", "count", len(vulns), "task", id)
	return id, nil
}

// Validate enqueues a first validation attempt for a stored rule.
func (o *Orchestrator) Validate(ctx context.Context, rule pipeline.StoredRule, maxAttempts int) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = o.maxAttempts
	}
	return o.queue.Apply(ctx, queue.Must(TaskValidate, pipeline.AttemptRequest{
		RuleID:      rule.RuleID,
		Path:        rule.Path,
		Attempt:     1,
		MaxAttempts: maxAttempts,
	}))
}

// ScheduleRetry enqueues refine -> store_refined -> validate(next attempt).
func (o *Orchestrator) ScheduleRetry(ctx context.Context, req pipeline.RetryRequest) error {
	_, err := o.queue.Chain(ctx,
		queue.Must(TaskRefine, refineArgs{RuleID: req.RuleID, Reason: req.Reason, Text: req.Text}),
		queue.Must(TaskStoreRefined, ruleArgs{RuleID: req.RuleID}),
		queue.Must(TaskValidate, pipeline.AttemptRequest{
			RuleID:      req.RuleID,
			Attempt:     req.NextAttempt,
			MaxAttempts: req.MaxAttempts,
		}),
	)
	if err != nil {
		return fmt.Errorf("enqueue refinement for %s: %w", req.RuleID, err)
	}
	return nil
}

func (o *Orchestrator) handleFetch(ctx context.Context, msg *queue.Message) (interface{}, error) {
	vulns, err := o.source.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch vulnerabilities: %w", err)
	}
	vulns = feed.Clean(vulns)
	o.log.Info("fetched vulnerabilities", "count", len(vulns))
	return vulns, nil
}

func (o *Orchestrator) handlePrepare(ctx context.Context, msg *queue.Message) (interface{}, error) {
	var vulns []feed.Vulnerability
	if msg.HasInput() {
		if err := msg.DecodeInput(&vulns); err != nil {
			return nil, err
		}
	}
	jobs, err := pipeline.Prepare(o.prompts, vulns)
	if err != nil {
		return nil, err
	}
	o.log.Info("prepared prompts", "count", len(jobs))
	return jobs, nil
}

func (o *Orchestrator) handleGenerateBatch(ctx context.Context, msg *queue.Message) (interface{}, error) {
	var args batchArgs
	if err := msg.DecodeArgs(&args); err != nil {
		return nil, err
	}
	var jobs []pipeline.Job
	if msg.HasInput() {
		if err := msg.DecodeInput(&jobs); err != nil {
			return nil, err
		}
	}
	if len(jobs) == 0 {
		o.log.Warn("no vulnerabilities to process")
		return 0, nil
	}

	header := make([]queue.Signature, len(jobs))
	for i, job := range jobs {
		header[i] = queue.Must(TaskGenerate, job)
	}
	if _, err := o.queue.Chord(ctx, header,
		queue.Must(TaskStore, args),
		queue.Must(TaskValidateBatch, args),
	); err != nil {
		return nil, err
	}
	o.log.Info("generation queued", "count", len(jobs))
	return len(jobs), nil
}

func (o *Orchestrator) handleGenerate(ctx context.Context, msg *queue.Message) (interface{}, error) {
	var job pipeline.Job
	if err := msg.DecodeArgs(&job); err != nil {
		return nil, err
	}
	c, err := o.gen.Generate(ctx, job.RuleID, job.Prompt)
	if err != nil {
		_ = o.events.LogPipelineEvent(ctx, job.RuleID, "generation_failed", err.Error())
		return nil, err
	}
	event := "generated"
	switch {
	case c.Existing:
		event = "generation_skipped"
	case c.NeedsRepair:
		event = "generation_needs_repair"
	}
	_ = o.events.LogPipelineEvent(ctx, job.RuleID, event, c.RepairReason)
	return c, nil
}

func (o *Orchestrator) handleStore(ctx context.Context, msg *queue.Message) (interface{}, error) {
	var args batchArgs
	if err := msg.DecodeArgs(&args); err != nil {
		return nil, err
	}
	var candidates []*pipeline.CandidateRule
	if msg.HasInput() {
		if err := msg.DecodeInput(&candidates); err != nil {
			return nil, err
		}
	}
	return o.gen.Store(ctx, candidates, o.budget(args.MaxAttempts)), nil
}

func (o *Orchestrator) handleValidateBatch(ctx context.Context, msg *queue.Message) (interface{}, error) {
	var args batchArgs
	if err := msg.DecodeArgs(&args); err != nil {
		return nil, err
	}
	var stored []pipeline.StoredRule
	if msg.HasInput() {
		if err := msg.DecodeInput(&stored); err != nil {
			return nil, err
		}
	}
	if len(stored) == 0 {
		o.log.Warn("no rules to validate")
		return 0, nil
	}

	sigs := make([]queue.Signature, len(stored))
	for i, s := range stored {
		sigs[i] = queue.Must(TaskValidate, pipeline.AttemptRequest{
			RuleID:      s.RuleID,
			Path:        s.Path,
			Attempt:     1,
			MaxAttempts: o.budget(args.MaxAttempts),
		})
	}
	if _, err := o.queue.Group(ctx, sigs...); err != nil {
		return nil, err
	}
	o.log.Info("validation queued", "count", len(stored))
	return len(stored), nil
}

func (o *Orchestrator) handleValidate(ctx context.Context, msg *queue.Message) (interface{}, error) {
	var req pipeline.AttemptRequest
	if err := msg.DecodeArgs(&req); err != nil {
		return nil, err
	}
	// Continuations carry the refreshed rule as input.
	if msg.HasInput() {
		var stored pipeline.StoredRule
		if err := msg.DecodeInput(&stored); err != nil {
			return nil, err
		}
		req.Path = stored.Path
	}

	a := o.machine.Run(ctx, req)
	_ = o.events.LogPipelineEvent(ctx, a.RuleID, "attempt_"+string(a.Outcome),
		fmt.Sprintf("attempt %d/%d: %s", a.Number, a.MaxAttempts, a.Reason))
	return a, nil
}

func (o *Orchestrator) handleRefine(ctx context.Context, msg *queue.Message) (interface{}, error) {
	var args refineArgs
	if err := msg.DecodeArgs(&args); err != nil {
		return nil, err
	}
	return o.refiner.Refine(ctx, args.RuleID, args.Reason, args.Text), nil
}

func (o *Orchestrator) handleStoreRefined(ctx context.Context, msg *queue.Message) (interface{}, error) {
	var args ruleArgs
	if err := msg.DecodeArgs(&args); err != nil {
		return nil, err
	}
	var text string
	if msg.HasInput() {
		if err := msg.DecodeInput(&text); err != nil {
			return nil, err
		}
	}
	return o.refiner.StoreRefined(ctx, args.RuleID, text), nil
}

func (o *Orchestrator) budget(n int) int {
	if n > 0 {
		return n
	}
	return o.maxAttempts
}
