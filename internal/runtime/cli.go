package runtime

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/lucasnoah/nucleiforge/internal/command"
)

// CLI drives the daemon through the docker command-line client.
type CLI struct {
	bin string
	cmd command.Runner
}

// NewCLI creates a CLI backend. A nil runner uses os/exec.
func NewCLI(cmd command.Runner) *CLI {
	if cmd == nil {
		cmd = command.Exec{}
	}
	return &CLI{bin: "docker", cmd: cmd}
}

func (c *CLI) Name() string { return "cli" }

func (c *CLI) Run(ctx context.Context, spec RunSpec) (Handle, error) {
	args := []string{"run", "-d", "--name", spec.Name}

	keys := make([]string, 0, len(spec.Labels))
	for k := range spec.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	for _, b := range binds(spec.Volumes) {
		args = append(args, "-v", b)
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)

	stdout, stderr, code, err := c.cmd.Run(ctx, c.bin, args...)
	if err != nil {
		return Handle{}, fmt.Errorf("docker run: %w", err)
	}
	if code != 0 {
		return Handle{}, fmt.Errorf("docker run exited %d: %s", code, strings.TrimSpace(stderr))
	}
	return Handle{ID: strings.TrimSpace(stdout), Name: spec.Name}, nil
}

func (c *CLI) Status(ctx context.Context, ref string) (Status, error) {
	stdout, stderr, code, err := c.cmd.Run(ctx, c.bin, "inspect", "--format",
		"{{.State.Status}} {{.State.Running}} {{.State.ExitCode}}", ref)
	if err != nil {
		return Status{}, fmt.Errorf("docker inspect: %w", err)
	}
	if code != 0 {
		if noSuchContainer(stderr) {
			return Status{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return Status{}, fmt.Errorf("docker inspect exited %d: %s", code, strings.TrimSpace(stderr))
	}

	fields := strings.Fields(stdout)
	if len(fields) != 3 {
		return Status{State: StateError, Error: fmt.Sprintf("unexpected inspect output %q", strings.TrimSpace(stdout))}, nil
	}
	running, _ := strconv.ParseBool(fields[1])
	exitCode, _ := strconv.Atoi(fields[2])
	return Status{State: fields[0], Running: running, ExitCode: exitCode}, nil
}

func (c *CLI) Logs(ctx context.Context, ref string, tail int) ([]string, error) {
	stdout, stderr, code, err := c.cmd.Run(ctx, c.bin, "logs", "--tail", tailArg(tail), ref)
	if err != nil {
		return nil, fmt.Errorf("docker logs: %w", err)
	}
	if code != 0 {
		if noSuchContainer(stderr) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("docker logs exited %d: %s", code, strings.TrimSpace(stderr))
	}
	// docker logs replays the container's stdout and stderr on the same
	// streams; the scanner reports on stderr.
	return append(splitLines(stdout), splitLines(stderr)...), nil
}

func (c *CLI) Remove(ctx context.Context, ref string) error {
	_, stderr, code, err := c.cmd.Run(ctx, c.bin, "rm", "-f", ref)
	if err != nil {
		return fmt.Errorf("docker rm: %w", err)
	}
	if code != 0 && !noSuchContainer(stderr) {
		return fmt.Errorf("docker rm exited %d: %s", code, strings.TrimSpace(stderr))
	}
	return nil
}

func noSuchContainer(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such container") || strings.Contains(s, "no such object")
}
