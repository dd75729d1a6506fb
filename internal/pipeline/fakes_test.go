package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/lucasnoah/nucleiforge/internal/events"
	"github.com/lucasnoah/nucleiforge/internal/scan"
)

const validRule = `id: CVE-2024-0001
info:
  name: test rule
  severity: high
http:
  - method: GET
    path:
      - "{{BaseURL}}/admin"
    matchers:
      - type: word
        words:
          - "vulnerable"
`

const matchLine = "[CVE-2024-0001] [http] [high] http://honey.scanme.sh/admin [INF] matched"

// fakeModel returns scripted responses in order, repeating the last one.
type fakeModel struct {
	mu        sync.Mutex
	responses []string
	err       error
	prompts   []string
}

func (f *fakeModel) Generate(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "", errors.New("no scripted response")
	}
	r := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return r, nil
}

func (f *fakeModel) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

// scanResult scripts one execution.
type scanResult struct {
	launchErr error
	awaitErr  error
	lines     []string
}

// fakeExecutor plays scanResults in order, repeating the last one.
type fakeExecutor struct {
	results   []scanResult
	launched  []string
	released  int
	executing int
}

func (f *fakeExecutor) next() scanResult {
	if len(f.results) == 0 {
		return scanResult{}
	}
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return r
}

func (f *fakeExecutor) Execute(ctx context.Context, ruleID, target string) (*scan.Execution, error) {
	f.executing++
	if len(f.results) > 0 && f.results[0].launchErr != nil {
		return nil, f.next().launchErr
	}
	f.launched = append(f.launched, target)
	return &scan.Execution{RuleID: ruleID, Target: target, Name: "nuclei_scan_000001", State: scan.StateRunning}, nil
}

func (f *fakeExecutor) AwaitCompletion(ctx context.Context, exec *scan.Execution) ([]string, error) {
	r := f.next()
	if r.awaitErr != nil {
		return nil, r.awaitErr
	}
	exec.State = scan.StateExited
	return r.lines, nil
}

func (f *fakeExecutor) Release(ctx context.Context, exec *scan.Execution) {
	f.released++
}

// fakeRetry records scheduled retries.
type fakeRetry struct {
	requests []RetryRequest
	// ctxErrs holds ctx.Err() as seen by each call.
	ctxErrs []error
	err     error
}

func (f *fakeRetry) ScheduleRetry(ctx context.Context, req RetryRequest) error {
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	if f.err != nil {
		return f.err
	}
	f.requests = append(f.requests, req)
	return nil
}

func (f *fakeRetry) last() (RetryRequest, bool) {
	if len(f.requests) == 0 {
		return RetryRequest{}, false
	}
	return f.requests[len(f.requests)-1], true
}

type loggedAttempt struct {
	ruleID  string
	attempt int
	outcome string
	reason  string
}

type fakeAttemptLog struct {
	entries []loggedAttempt
}

func (f *fakeAttemptLog) LogAttempt(ctx context.Context, ruleID string, attempt int, outcome, reason string, durationMs int64) error {
	f.entries = append(f.entries, loggedAttempt{ruleID, attempt, outcome, reason})
	return nil
}

type fakePublisher struct {
	outcomes []events.Outcome
}

func (f *fakePublisher) Publish(ctx context.Context, o events.Outcome) error {
	f.outcomes = append(f.outcomes, o)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

type fixedChecker string

func (c fixedChecker) Check(ctx context.Context, path string) string { return string(c) }
