package cli

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/nucleiforge/internal/scheduler"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run pipeline workers and the scheduled generation trigger",
	Long: `Processes queued pipeline tasks until interrupted. Unless --no-schedule is
given, a full pipeline run is also enqueued on pipeline.schedule (hourly by
default). Run several workers against the same Redis to share the load.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		noSchedule, _ := cmd.Flags().GetBool("no-schedule")

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, cleanup, err := newApp(ctx, appOptions{})
		if err != nil {
			return err
		}
		defer cleanup()

		if !a.shared() {
			a.log.Warn("no redis configured; this worker only sees work it schedules itself")
		}
		if concurrency <= 0 {
			concurrency = a.cfg.Pipeline.Concurrency
		}
		// A bad schedule must fail before any task loop starts.
		var sched *scheduler.Scheduler
		if !noSchedule {
			sched, err = scheduler.New(a.cfg.Pipeline.Schedule, func(ctx context.Context) error {
				_, err := a.orch.Run(ctx)
				return err
			}, a.log)
			if err != nil {
				return err
			}
		}
		w := a.newWorker(concurrency)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return w.Run(ctx) })
		if sched != nil {
			g.Go(func() error { return sched.Run(ctx) })
		}
		return g.Wait()
	},
}

func init() {
	workerCmd.Flags().Int("concurrency", 0, "parallel task loops (default pipeline.concurrency)")
	workerCmd.Flags().Bool("no-schedule", false, "do not enqueue scheduled pipeline runs")
}
