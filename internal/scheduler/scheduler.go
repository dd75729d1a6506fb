// Package scheduler fires the generation pipeline on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lucasnoah/nucleiforge/internal/logger"
)

// Scheduler runs a trigger function on a standard five-field cron spec.
type Scheduler struct {
	spec     string
	schedule cron.Schedule
	fire     func(ctx context.Context) error
	log      *logger.Logger
}

// New validates spec and returns a Scheduler calling fire on each tick.
func New(spec string, fire func(ctx context.Context) error, log *logger.Logger) (*Scheduler, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Scheduler{spec: spec, schedule: sched, fire: fire, log: log.Named("scheduler")}, nil
}

// Next returns the first tick after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Run blocks until ctx is cancelled. A tick is skipped while the previous
// one is still running.
func (s *Scheduler) Run(ctx context.Context) error {
	cl := cronLogger{s.log}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(
		cron.Recover(cl),
		cron.SkipIfStillRunning(cl),
	))
	c.Schedule(s.schedule, cron.FuncJob(func() {
		s.log.Info("scheduled run triggered")
		if err := s.fire(ctx); err != nil {
			s.log.Error("scheduled run failed", "error", err)
		}
	}))

	c.Start()
	s.log.Info("scheduler started", "schedule", s.spec, "next", s.Next(time.Now()))
	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info("scheduler stopped")
	return nil
}

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
