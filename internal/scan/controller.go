// Package scan runs one rule against one target in a fresh scanner container
// and hands back the captured output.
package scan

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path"
	"time"

	"github.com/lucasnoah/nucleiforge/internal/logger"
	"github.com/lucasnoah/nucleiforge/internal/rules"
	"github.com/lucasnoah/nucleiforge/internal/runtime"
	"github.com/lucasnoah/nucleiforge/internal/validator"
)

const (
	namePrefix     = "nuclei_scan_"
	releaseTimeout = 30 * time.Second
)

var (
	// ErrNoHandle is returned when the runtime launched nothing.
	ErrNoHandle = errors.New("runtime returned no execution handle")
	// ErrExecutionNotFound is returned when a launched container disappears.
	ErrExecutionNotFound = errors.New("container not found")
	// ErrTimeout is returned when a scan outlives its deadline.
	ErrTimeout = errors.New("scan deadline exceeded")
)

// State of one execution as the controller last observed it.
type State string

const (
	StateRunning  State = "running"
	StateExited   State = "exited"
	StateNotFound State = "not_found"
)

// Execution is a single launched scan. It is never reused across attempts.
type Execution struct {
	Handle    runtime.Handle
	RuleID    string
	Target    string
	Name      string
	State     State
	Status    runtime.Status
	StartedAt time.Time
}

// ContainerID returns the runtime's identifier for the container.
func (e *Execution) ContainerID() string { return e.Handle.Ref() }

// Running reports whether the container was running at the last poll.
func (e *Execution) Running() bool { return e.State == StateRunning }

// ExitedOK reports whether the container finished with exit code zero.
func (e *Execution) ExitedOK() bool { return e.State == StateExited && e.Status.ExitedOK() }

// Options configures a Controller.
type Options struct {
	Image          string
	Mount          string // where the rules directory appears inside the container
	PollInterval   time.Duration
	Timeout        time.Duration // zero means no deadline
	LogTail        int
	KeepContainers bool
	ExtraArgs      []string
}

// Controller launches scans and waits for them.
type Controller struct {
	rt      runtime.Runtime
	store   *rules.Store
	opts    Options
	log     *logger.Logger
	newName func() string
}

// NewController creates a Controller. Rules are mounted from store's directory.
func NewController(rt runtime.Runtime, store *rules.Store, opts Options, log *logger.Logger) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.Mount == "" {
		opts.Mount = "/templates"
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Controller{
		rt:      rt,
		store:   store,
		opts:    opts,
		log:     log.Named("scan"),
		newName: randomName,
	}
}

// SetPollInterval overrides the interval between status checks.
func (c *Controller) SetPollInterval(d time.Duration) {
	c.opts.PollInterval = d
}

// SetTimeout overrides the scan deadline.
func (c *Controller) SetTimeout(d time.Duration) {
	c.opts.Timeout = d
}

// Execute launches the scanner against target using the stored rule.
func (c *Controller) Execute(ctx context.Context, ruleID, target string) (*Execution, error) {
	kind, err := validator.ClassifyFile(c.store.Path(ruleID))
	if err != nil {
		return nil, fmt.Errorf("launch scan for %s: %w", ruleID, err)
	}

	name := c.newName()
	args := []string{"-u", target, kind.Flag(), path.Join(c.opts.Mount, ruleID+".yaml")}
	args = append(args, c.opts.ExtraArgs...)

	h, err := c.rt.Run(ctx, runtime.RunSpec{
		Image:   c.opts.Image,
		Name:    name,
		Command: args,
		Volumes: map[string]string{c.store.Dir(): c.opts.Mount},
		Labels:  map[string]string{"forge.rule": ruleID, "forge.target": target},
	})
	if err != nil {
		return nil, fmt.Errorf("launch scan %s: %w", name, err)
	}
	if h.Empty() {
		return nil, fmt.Errorf("launch scan %s: %w", name, ErrNoHandle)
	}

	c.log.Info("scan launched", "rule", ruleID, "target", target, "container", name, "backend", c.rt.Name())
	return &Execution{
		Handle:    h,
		RuleID:    ruleID,
		Target:    target,
		Name:      name,
		State:     StateRunning,
		StartedAt: time.Now(),
	}, nil
}

// AwaitCompletion polls until the container stops running, then returns its
// full captured output. The wait ends early with ErrTimeout once the
// configured deadline passes, or with ctx's error when ctx is cancelled.
func (c *Controller) AwaitCompletion(ctx context.Context, exec *Execution) ([]string, error) {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	ref := exec.Handle.Ref()
	for {
		st, err := c.rt.Status(ctx, ref)
		if err != nil {
			return nil, c.pollError(ctx, exec, err)
		}
		exec.Status = st
		if !st.Running {
			break
		}

		select {
		case <-ctx.Done():
			return nil, c.pollError(ctx, exec, ctx.Err())
		case <-time.After(c.opts.PollInterval):
		}
	}
	exec.State = StateExited

	lines, err := c.rt.Logs(ctx, ref, c.opts.LogTail)
	if err != nil {
		return nil, c.pollError(ctx, exec, err)
	}
	c.log.Debug("scan finished", "container", exec.Name, "exit_code", exec.Status.ExitCode,
		"lines", len(lines), "elapsed", time.Since(exec.StartedAt))
	return lines, nil
}

// Release removes the container unless containers are kept for debugging.
// It runs detached from ctx's cancellation so timed-out scans still get
// cleaned up.
func (c *Controller) Release(ctx context.Context, exec *Execution) {
	if exec == nil || c.opts.KeepContainers {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := c.rt.Remove(ctx, exec.Handle.Ref()); err != nil {
		c.log.Warn("failed to remove scan container", "container", exec.Name, "error", err)
	}
}

func (c *Controller) pollError(ctx context.Context, exec *Execution, err error) error {
	if errors.Is(err, runtime.ErrNotFound) {
		exec.State = StateNotFound
		return fmt.Errorf("scan %s: %w", exec.Name, ErrExecutionNotFound)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("scan %s: %w after %s", exec.Name, ErrTimeout, c.opts.Timeout)
	}
	return fmt.Errorf("scan %s: %w", exec.Name, err)
}

// randomName returns nuclei_scan_ followed by six random digits.
func randomName() string {
	return fmt.Sprintf("%s%06d", namePrefix, 100000+rand.IntN(900000))
}
