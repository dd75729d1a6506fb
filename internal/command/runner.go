// Package command runs external programs behind an interface so callers can
// be tested with fakes.
package command

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Runner abstracts command execution for testability.
// A non-zero exit is reported through exitCode with a nil error; err is set
// only when the program could not be run at all.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout string, stderr string, exitCode int, err error)
}

// Exec implements Runner with os/exec.
type Exec struct{}

func (Exec) Run(ctx context.Context, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return stdoutBuf.String(), stderrBuf.String(), exitErr.ExitCode(), nil
		}
		if ctx.Err() != nil {
			return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec %s: %w", name, ctx.Err())
		}
		return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec %s: %w", name, err)
	}
	return stdoutBuf.String(), stderrBuf.String(), 0, nil
}
