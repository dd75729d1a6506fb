package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/lucasnoah/nucleiforge/internal/feed"
	"github.com/lucasnoah/nucleiforge/internal/ledger"
	"github.com/lucasnoah/nucleiforge/internal/pipeline"
	"github.com/lucasnoah/nucleiforge/internal/prompt"
	"github.com/lucasnoah/nucleiforge/internal/queue"
	"github.com/lucasnoah/nucleiforge/internal/rules"
	"github.com/lucasnoah/nucleiforge/internal/scan"
	"github.com/lucasnoah/nucleiforge/internal/targets"
	"github.com/lucasnoah/nucleiforge/internal/validator"
)

func ruleText(id string) string {
	return "id: " + id + `
info:
  name: generated
  severity: high
http:
  - method: GET
    path:
      - "{{BaseURL}}"
`
}

// scriptedModel answers by prompt kind.
type scriptedModel struct {
	mu       sync.Mutex
	generate func(prompt string) (string, error)
	refine   func(prompt string) (string, error)
	calls    int
}

func (m *scriptedModel) Generate(ctx context.Context, p string) (string, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if strings.HasPrefix(p, "Generate a Nuclei template") {
		return m.generate(p)
	}
	return m.refine(p)
}

// scriptedScanner matches a rule from the given attempt onwards.
type scriptedScanner struct {
	mu        sync.Mutex
	matchFrom map[string]int
	runs      map[string]int
}

func (s *scriptedScanner) Execute(ctx context.Context, ruleID, target string) (*scan.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[ruleID]++
	return &scan.Execution{RuleID: ruleID, Target: target, State: scan.StateRunning}, nil
}

func (s *scriptedScanner) AwaitCompletion(ctx context.Context, exec *scan.Execution) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from, ok := s.matchFrom[exec.RuleID]
	if ok && s.runs[exec.RuleID] >= from {
		return []string{"[" + exec.RuleID + "] [http] [high] " + exec.Target + " [INF] matched"}, nil
	}
	return []string{"[INF] No results found. Better luck next time!"}, nil
}

func (s *scriptedScanner) Release(ctx context.Context, exec *scan.Execution) {}

type recordedEvent struct{ ruleID, event string }

type fakeEventLog struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeEventLog) LogPipelineEvent(ctx context.Context, ruleID, event, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{ruleID, event})
	return nil
}

type env struct {
	orch    *Orchestrator
	worker  *queue.Worker
	store   *rules.Store
	ledger  *ledger.Memory
	model   *scriptedModel
	scanner *scriptedScanner
	events  *fakeEventLog
}

func newEnv(t *testing.T, src feed.Source, hosts map[string][]string, fallback []string) *env {
	t.Helper()
	e := &env{
		store:  rules.NewStore(t.TempDir()),
		ledger: ledger.NewMemory(),
		model: &scriptedModel{
			generate: func(p string) (string, error) { return "", errors.New("unscripted") },
			refine:   func(p string) (string, error) { return "", errors.New("unscripted") },
		},
		scanner: &scriptedScanner{matchFrom: map[string]int{}, runs: map[string]int{}},
		events:  &fakeEventLog{},
	}
	q := queue.New(queue.NewMemory())
	e.orch = New(Deps{
		Queue:    q,
		Source:   src,
		Store:    e.store,
		Model:    e.model,
		Prompts:  prompt.NewLibrary(""),
		Ledger:   e.ledger,
		Checker:  validator.New("", nil),
		Executor: e.scanner,
		Targets:  targets.NewStatic(hosts, fallback),
		EventLog: e.events,
	}, Options{MaxAttempts: 3}, nil)
	e.worker = queue.NewWorker(q, 1, nil)
	e.orch.Register(e.worker)
	return e
}

func (e *env) drain(t *testing.T) {
	t.Helper()
	if _, err := e.worker.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

func (e *env) rule(t *testing.T, id string) ledger.RuleMetrics {
	t.Helper()
	m, ok, err := e.ledger.Rule(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("Rule(%s) = %v, %v", id, ok, err)
	}
	return m
}

func TestFullPipeline(t *testing.T) {
	src := feed.Static{
		{ID: "CVE-2021-1234", Description: "first"},
		{ID: "CVE-2022-5678", Description: "second"},
		{ID: "CVE-2023-0001", Description: "model fails"},
	}
	e := newEnv(t, src, nil, []string{"honey.scanme.sh"})
	e.model.generate = func(p string) (string, error) {
		switch {
		case strings.Contains(p, "CVE-2021-1234"):
			return "```yaml\n" + ruleText("CVE-2021-1234") + "```", nil
		case strings.Contains(p, "CVE-2022-5678"):
			// Structurally unsound: no request section.
			return "id: CVE-2022-5678\ninfo:\n  name: x\n", nil
		}
		return "", errors.New("model overloaded")
	}
	e.model.refine = func(p string) (string, error) {
		if strings.Contains(p, "CVE-2022-5678") {
			return ruleText("CVE-2022-5678"), nil
		}
		return ruleText("CVE-2021-1234"), nil
	}
	e.scanner.matchFrom["CVE-2021-1234"] = 2
	e.scanner.matchFrom["CVE-2022-5678"] = 1

	if _, err := e.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	e.drain(t)

	first := e.rule(t, "CVE-2021-1234")
	if !first.ScanSuccess || first.Attempts != 2 || first.Refinements != 1 {
		t.Errorf("CVE-2021-1234 = %+v, want success after one refinement", first)
	}

	// The unsound rule is repaired before its first attempt.
	second := e.rule(t, "CVE-2022-5678")
	if !second.ScanSuccess || second.Attempts != 1 || second.Refinements != 0 {
		t.Errorf("CVE-2022-5678 = %+v, want success on the first attempt", second)
	}
	if text, _ := e.store.Read("CVE-2022-5678"); text != ruleText("CVE-2022-5678") {
		t.Errorf("repaired rule = %q", text)
	}

	if e.store.Exists("CVE-2023-0001") {
		t.Error("failed generation should store nothing")
	}

	g, _ := e.ledger.Global(context.Background())
	checks := map[string]int64{
		ledger.TemplatesGenerated:    1,
		ledger.GenerationSuccess:     1,
		ledger.GenerationNeedsRepair: 1,
		ledger.GenerationFailed:      1,
		ledger.ScanSuccesses:         2,
		ledger.Refinements:           1,
		ledger.RefinementsStarted:    2,
		ledger.RefinementsSuccessful: 2,
		ledger.NoResult:              1,
	}
	for field, want := range checks {
		if g[field] != want {
			t.Errorf("%s = %d, want %d", field, g[field], want)
		}
	}
}

func TestRerunSkipsGeneration(t *testing.T) {
	src := feed.Static{{ID: "CVE-2021-1234", Description: "d"}}
	e := newEnv(t, src, nil, []string{"honey.scanme.sh"})
	e.model.generate = func(p string) (string, error) { return ruleText("CVE-2021-1234"), nil }
	e.scanner.matchFrom["CVE-2021-1234"] = 1

	for i := 0; i < 2; i++ {
		if _, err := e.orch.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
		e.drain(t)
	}
	if e.model.calls != 1 {
		t.Errorf("model calls = %d, want 1", e.model.calls)
	}
	g, _ := e.ledger.Global(context.Background())
	if g[ledger.TemplatesGenerated] != 1 || g[ledger.GenerationSkipped] != 1 {
		t.Errorf("global = %v", g)
	}
}

func TestRunRecordsNoTarget(t *testing.T) {
	e := newEnv(t, feed.Static{}, map[string][]string{"CVE-2021-1234": {"example.com"}}, nil)
	e.model.generate = func(p string) (string, error) {
		if strings.Contains(p, "CVE-2021-1234") {
			return ruleText("CVE-2021-1234"), nil
		}
		return ruleText("CVE-2099-0001"), nil
	}
	e.scanner.matchFrom["CVE-2021-1234"] = 1

	_, err := e.orch.RunRecords(context.Background(), []feed.Vulnerability{
		{ID: "CVE-2021-1234", Description: "mapped"},
		{ID: "CVE-2099-0001", Description: "unmapped"},
	})
	if err != nil {
		t.Fatal(err)
	}
	e.drain(t)

	if m := e.rule(t, "CVE-2021-1234"); !m.ScanSuccess {
		t.Errorf("mapped rule = %+v", m)
	}
	unmapped := e.rule(t, "CVE-2099-0001")
	if unmapped.Attempts != 1 || unmapped.ScanSuccess {
		t.Errorf("unmapped rule = %+v", unmapped)
	}
	if e.scanner.runs["CVE-2099-0001"] != 0 {
		t.Errorf("unmapped rule executed %d times", e.scanner.runs["CVE-2099-0001"])
	}
}

func TestValidateExhausts(t *testing.T) {
	e := newEnv(t, feed.Static{}, nil, []string{"honey.scanme.sh"})
	e.model.refine = func(p string) (string, error) { return "", errors.New("down") }
	path, _, err := e.store.Create("CVE-2021-1234", ruleText("CVE-2021-1234"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.orch.Validate(context.Background(), pipeline.StoredRule{RuleID: "CVE-2021-1234", Path: path}, 0); err != nil {
		t.Fatal(err)
	}
	e.drain(t)

	m := e.rule(t, "CVE-2021-1234")
	if m.Attempts != 3 || m.Refinements != 2 || m.ScanSuccess {
		t.Errorf("rule = %+v, want exhaustion after 3 attempts", m)
	}
	g, _ := e.ledger.Global(context.Background())
	if g[ledger.RefinementsFailed] != 2 || g[ledger.FailedValidations] != 1 {
		t.Errorf("global = %v", g)
	}
	if text, _ := e.store.Read("CVE-2021-1234"); text != ruleText("CVE-2021-1234") {
		t.Error("failed refinement should leave the rule unchanged")
	}

	var outcomes []string
	for _, ev := range e.events.events {
		if strings.HasPrefix(ev.event, "attempt_") {
			outcomes = append(outcomes, ev.event)
		}
	}
	want := []string{"attempt_pending", "attempt_pending", "attempt_failed"}
	if strings.Join(outcomes, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", outcomes, want)
	}
}

func TestEmptyFeed(t *testing.T) {
	e := newEnv(t, feed.Static{}, nil, nil)
	if _, err := e.orch.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	e.drain(t)
	if e.model.calls != 0 {
		t.Errorf("model calls = %d, want 0", e.model.calls)
	}
}
