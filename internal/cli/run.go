package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/nucleiforge/internal/feed"
	"github.com/lucasnoah/nucleiforge/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Enqueue the full pipeline: fetch, generate, store and validate",
	Long: `Enqueues one pipeline run. Vulnerability records are fetched from the feed,
a template is generated for each, and every stored template is validated
against its target hosts.

With --inline (or when no Redis is configured) the run is processed in this
process and the command returns once every task, including retries, is done.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		feedPath, _ := cmd.Flags().GetString("feed")
		inline, _ := cmd.Flags().GetBool("inline")

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, cleanup, err := newApp(ctx, appOptions{feedPath: feedPath})
		if err != nil {
			return err
		}
		defer cleanup()

		id, err := a.orch.Run(ctx)
		if err != nil {
			return err
		}
		return finish(ctx, cmd, a, id, inline)
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate <rule-id>",
	Short: "Generate and validate a template for one vulnerability record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")
		inline, _ := cmd.Flags().GetBool("inline")
		if description == "" {
			return fmt.Errorf("--description is required")
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, cleanup, err := newApp(ctx, appOptions{})
		if err != nil {
			return err
		}
		defer cleanup()

		id, err := a.orch.RunRecords(ctx, []feed.Vulnerability{{ID: args[0], Description: description}})
		if err != nil {
			return err
		}
		return finish(ctx, cmd, a, id, inline)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <rule-id>",
	Short: "Validate a stored template, refining it on misses",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
		inline, _ := cmd.Flags().GetBool("inline")

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, cleanup, err := newApp(ctx, appOptions{})
		if err != nil {
			return err
		}
		defer cleanup()

		ruleID := args[0]
		if !a.store.Exists(ruleID) {
			return fmt.Errorf("no stored rule %q in %s", ruleID, a.store.Dir())
		}
		rule := pipeline.StoredRule{RuleID: ruleID, Path: a.store.Path(ruleID)}
		id, err := a.orch.Validate(ctx, rule, maxAttempts)
		if err != nil {
			return err
		}
		return finish(ctx, cmd, a, id, inline)
	},
}

// finish reports the enqueued task, draining the queue first when the work
// must happen here.
func finish(ctx context.Context, cmd *cobra.Command, a *app, taskID string, inline bool) error {
	out := cmd.OutOrStdout()
	if !inline && a.shared() {
		fmt.Fprintf(out, "Enqueued task %s\n", taskID)
		return nil
	}

	n, err := a.newWorker(1).Drain(ctx)
	if err != nil {
		return fmt.Errorf("processing queue: %w", err)
	}
	fmt.Fprintf(out, "Processed %d task(s)\n", n)

	global, err := a.ledger.Global(ctx)
	if err != nil {
		return err
	}
	return printCounters(out, global)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func init() {
	runCmd.Flags().String("feed", "", "vulnerability feed file (overrides feed.path)")
	runCmd.Flags().Bool("inline", false, "process the run in this process")

	generateCmd.Flags().String("description", "", "vulnerability description given to the model")
	generateCmd.Flags().Bool("inline", false, "process the run in this process")

	validateCmd.Flags().Int("max-attempts", 0, "attempt budget (default pipeline.max_attempts)")
	validateCmd.Flags().Bool("inline", false, "process the validation in this process")
}
