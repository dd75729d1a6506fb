package validator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lucasnoah/nucleiforge/internal/command"
)

const defaultTimeout = 2 * time.Minute

// Validator checks stored rule files. The structural check always runs; an
// external checker command runs after it when one is configured.
type Validator struct {
	argv    []string
	cmd     command.Runner
	timeout time.Duration
}

// New creates a Validator. commandLine is split on whitespace and invoked as
// "<commandLine> <-t|-w> <path>"; an empty commandLine disables the external
// check.
func New(commandLine string, cmd command.Runner) *Validator {
	if cmd == nil {
		cmd = command.Exec{}
	}
	return &Validator{
		argv:    strings.Fields(commandLine),
		cmd:     cmd,
		timeout: defaultTimeout,
	}
}

// SetTimeout bounds each external checker run.
func (v *Validator) SetTimeout(d time.Duration) {
	v.timeout = d
}

// Check returns "" when the rule at path passes, or a reason when it fails.
func (v *Validator) Check(ctx context.Context, path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("cannot read rule: %v", err)
	}
	text := string(data)
	if reason := CheckText(text); reason != "" {
		return reason
	}
	if len(v.argv) == 0 {
		return ""
	}
	return v.runExternal(ctx, Classify(text), path)
}

// ClassifyFile reads path and reports its Kind.
func ClassifyFile(path string) (Kind, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return KindTemplate, fmt.Errorf("classify %s: %w", path, err)
	}
	return Classify(string(data)), nil
}

func (v *Validator) runExternal(ctx context.Context, kind Kind, path string) string {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	args := append(append([]string{}, v.argv[1:]...), kind.Flag(), path)
	stdout, stderr, exitCode, err := v.cmd.Run(ctx, v.argv[0], args...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Sprintf("validator timed out after %s", v.timeout)
		}
		return fmt.Sprintf("validator failed to run: %v", err)
	}
	if exitCode == 0 && !strings.Contains(stdout+stderr, "[ERR]") {
		return ""
	}
	return summarize(stdout, stderr, exitCode)
}

// summarize picks the most useful line of checker output for the failure
// reason: the first [ERR] line, else the last non-empty line.
func summarize(stdout, stderr string, exitCode int) string {
	var last string
	for _, line := range strings.Split(stderr+"\n"+stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.Contains(line, "[ERR]") {
			return line
		}
		last = line
	}
	if last == "" {
		return fmt.Sprintf("validator exited with code %d", exitCode)
	}
	return last
}
