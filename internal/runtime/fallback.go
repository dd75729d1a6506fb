package runtime

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/lucasnoah/nucleiforge/internal/logger"
)

// Fallback sends every call to the primary backend and retries it on the
// secondary when the primary returns an error or an error-shaped result.
type Fallback struct {
	primary   Runtime
	secondary Runtime
	log       *logger.Logger
}

// NewFallback composes two backends.
func NewFallback(primary, secondary Runtime, log *logger.Logger) *Fallback {
	if log == nil {
		log = logger.Nop()
	}
	return &Fallback{primary: primary, secondary: secondary, log: log.Named("runtime")}
}

func (f *Fallback) Name() string {
	return f.primary.Name() + "+" + f.secondary.Name()
}

func (f *Fallback) Run(ctx context.Context, spec RunSpec) (Handle, error) {
	h, err := f.primary.Run(ctx, spec)
	if err == nil && !h.Empty() {
		return h, nil
	}
	f.degrade("run", err)
	return f.secondary.Run(ctx, spec)
}

func (f *Fallback) Status(ctx context.Context, ref string) (Status, error) {
	st, err := f.primary.Status(ctx, ref)
	if err == nil && st.State != StateError && st.State != "" {
		return st, nil
	}
	f.degrade("status", err)
	return f.secondary.Status(ctx, ref)
}

func (f *Fallback) Logs(ctx context.Context, ref string, tail int) ([]string, error) {
	lines, err := f.primary.Logs(ctx, ref, tail)
	if err == nil && !errorShaped(lines) {
		return lines, nil
	}
	f.degrade("logs", err)
	return f.secondary.Logs(ctx, ref, tail)
}

func (f *Fallback) Remove(ctx context.Context, ref string) error {
	err := f.primary.Remove(ctx, ref)
	if err == nil {
		return nil
	}
	f.degrade("remove", err)
	return f.secondary.Remove(ctx, ref)
}

// Close closes whichever backends hold resources.
func (f *Fallback) Close() error {
	var errs []error
	for _, rt := range []Runtime{f.primary, f.secondary} {
		if c, ok := rt.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

func (f *Fallback) degrade(op string, err error) {
	if err == nil {
		f.log.Warn("primary backend returned an error-shaped result, using secondary",
			"op", op, "primary", f.primary.Name(), "secondary", f.secondary.Name())
		return
	}
	f.log.Warn("primary backend failed, using secondary",
		"op", op, "primary", f.primary.Name(), "secondary", f.secondary.Name(), "error", err)
}

// errorShaped recognizes a log payload that is really an error message, as
// some backends report failures in-band.
func errorShaped(lines []string) bool {
	if len(lines) != 1 {
		return false
	}
	l := strings.ToLower(strings.TrimSpace(lines[0]))
	return strings.HasPrefix(l, "error:") || strings.HasPrefix(l, "error response from daemon")
}
