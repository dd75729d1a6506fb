// Package runtime launches and observes isolated scanner containers. Two
// interchangeable backends exist (Docker SDK and docker CLI); callers see one
// Runtime and never the distinction.
package runtime

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when the referenced container does not exist.
	ErrNotFound = errors.New("container not found")
	// ErrUnavailable is returned when a backend cannot reach the daemon.
	ErrUnavailable = errors.New("container runtime unavailable")
)

// Container states as reported by the daemon, plus StateError for results
// a backend could not interpret.
const (
	StateCreated = "created"
	StateRunning = "running"
	StateExited  = "exited"
	StateDead    = "dead"
	StateError   = "error"
)

// RunSpec describes one container launch.
type RunSpec struct {
	Image   string
	Name    string
	Command []string
	// Volumes maps host paths to container paths. Mounts are read-only.
	Volumes map[string]string
	Labels  map[string]string
}

// Handle identifies a launched container.
type Handle struct {
	ID   string
	Name string
}

// Ref returns the most specific reference for the container.
func (h Handle) Ref() string {
	if h.ID != "" {
		return h.ID
	}
	return h.Name
}

// Empty reports whether the handle refers to nothing.
func (h Handle) Empty() bool {
	return h.ID == "" && h.Name == ""
}

// Status is a point-in-time view of a container.
type Status struct {
	State    string
	Running  bool
	ExitCode int
	Error    string
}

// ExitedOK reports whether the container finished with exit code zero.
func (s Status) ExitedOK() bool {
	return !s.Running && s.State == StateExited && s.ExitCode == 0
}

// Runtime is the container collaborator used by the scan controller.
type Runtime interface {
	Name() string
	Run(ctx context.Context, spec RunSpec) (Handle, error)
	Status(ctx context.Context, ref string) (Status, error)
	Logs(ctx context.Context, ref string, tail int) ([]string, error)
	Remove(ctx context.Context, ref string) error
}

// splitLines breaks captured output into lines, dropping the trailing empty
// line and carriage returns.
func splitLines(out string) []string {
	out = strings.TrimRight(out, "\n")
	if out == "" {
		return nil
	}
	lines := strings.Split(out, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, "\r")
	}
	return lines
}
