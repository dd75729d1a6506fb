package cli

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/nucleiforge/internal/db"
	"github.com/lucasnoah/nucleiforge/internal/ledger"
)

var statusCmd = &cobra.Command{
	Use:   "status [rule-id]",
	Short: "Show pipeline counters, or one rule's counters and refinement history",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		ctx := cmd.Context()

		l, cleanup, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		if len(args) == 0 {
			global, err := l.Global(ctx)
			if err != nil {
				return err
			}
			if format == "json" {
				return writeJSON(cmd, global)
			}
			if len(global) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pipeline activity recorded.")
				return nil
			}
			return printCounters(cmd.OutOrStdout(), global)
		}

		ruleID := args[0]
		m, ok, err := l.Rule(ctx, ruleID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no metrics for rule %q", ruleID)
		}
		history, err := l.History(ctx, ruleID)
		if err != nil {
			return err
		}

		if format == "json" {
			return writeJSON(cmd, struct {
				RuleID  string                `json:"rule_id"`
				Metrics ledger.RuleMetrics    `json:"metrics"`
				History []ledger.HistoryEntry `json:"history"`
			}{ruleID, m, history})
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Rule:         %s\n", ruleID)
		fmt.Fprintf(out, "Attempts:     %d\n", m.Attempts)
		fmt.Fprintf(out, "Refinements:  %d\n", m.Refinements)
		fmt.Fprintf(out, "Validated:    %t\n", m.Validated)
		fmt.Fprintf(out, "Scan success: %t\n", m.ScanSuccess)
		if m.NoResult {
			fmt.Fprintln(out, "No results:   true")
		}
		if len(history) > 0 {
			fmt.Fprintln(out)
			printLedgerHistory(out, history)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <rule-id>",
	Short: "Show a rule's attempt log and pipeline events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		ctx := cmd.Context()

		d, cleanup, err := requireDB(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		ruleID := args[0]
		attempts, err := d.ListAttempts(ctx, ruleID)
		if err != nil {
			return err
		}
		events, err := d.GetPipelineHistory(ctx, ruleID)
		if err != nil {
			return err
		}
		refinements, err := refinementHistory(cmd, ruleID)
		if err != nil {
			return err
		}

		if format == "json" {
			return writeJSON(cmd, struct {
				Attempts    []db.AttemptRecord    `json:"attempts"`
				Events      []db.PipelineEvent    `json:"events"`
				Refinements []ledger.HistoryEntry `json:"refinements,omitempty"`
			}{attempts, events, refinements})
		}

		out := cmd.OutOrStdout()
		if len(attempts) == 0 && len(events) == 0 && len(refinements) == 0 {
			fmt.Fprintf(out, "No history for %s.\n", ruleID)
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ATTEMPT\tOUTCOME\tDURATION\tREASON\tAT")
		for _, r := range attempts {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				r.Attempt, r.Outcome, time.Duration(r.DurationMs)*time.Millisecond,
				truncate(r.Reason, 60), r.CreatedAt.Format(time.RFC3339))
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if len(events) > 0 {
			fmt.Fprintln(out)
			w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "EVENT\tDETAIL\tAT")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.Event, truncate(e.Detail, 60), e.CreatedAt.Format(time.RFC3339))
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
		if len(refinements) > 0 {
			fmt.Fprintln(out)
			printLedgerHistory(out, refinements)
		}
		return nil
	},
}

// refinementHistory reads the ledger's refinement list when Redis is
// configured.
func refinementHistory(cmd *cobra.Command, ruleID string) ([]ledger.HistoryEntry, error) {
	cfg, err := loadConfig()
	if err != nil || cfg.Redis.URL == "" {
		return nil, err
	}
	l, cleanup, err := openLedger(cmd.Context())
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return l.History(cmd.Context(), ruleID)
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show validation attempt statistics from the attempt log",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		since, _ := cmd.Flags().GetDuration("since")
		ctx := cmd.Context()

		d, cleanup, err := requireDB(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		var from time.Time
		if since > 0 {
			from = time.Now().Add(-since)
		}
		s, err := d.Stats(ctx, from)
		if err != nil {
			return err
		}

		if format == "json" {
			return writeJSON(cmd, s)
		}

		out := cmd.OutOrStdout()
		if s.Attempts == 0 {
			fmt.Fprintln(out, "No attempts recorded.")
			return nil
		}
		fmt.Fprintf(out, "Attempts:  %d across %d rule(s)\n", s.Attempts, s.Rules)
		fmt.Fprintf(out, "Outcomes:  %d succeeded, %d failed, %d pending\n", s.Succeeded, s.Failed, s.Pending)
		fmt.Fprintf(out, "Success:   %.1f%%\n", s.Success)
		fmt.Fprintf(out, "Duration:  avg %s, p50 %s, p95 %s\n", ms(s.AvgMs), ms(s.P50Ms), ms(s.P95Ms))
		if s.Succeeded > 0 {
			fmt.Fprintf(out, "Attempts to success: %.2f avg\n", s.AvgAttemptsToSuccess)
		}
		return nil
	},
}

func printCounters(out io.Writer, counters map[string]int64) error {
	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COUNTER\tVALUE")
	for _, name := range names {
		fmt.Fprintf(w, "%s\t%d\n", name, counters[name])
	}
	return w.Flush()
}

func printLedgerHistory(out io.Writer, history []ledger.HistoryEntry) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ATTEMPT\tEVENT\tREASON\tAT")
	for _, h := range history {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", h.Attempt, h.Event, truncate(h.Reason, 60), h.Timestamp.Format(time.RFC3339))
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func ms(v float64) time.Duration {
	return time.Duration(v * float64(time.Millisecond)).Round(time.Millisecond)
}

func init() {
	statusCmd.Flags().String("format", "table", "output format: table or json")
	historyCmd.Flags().String("format", "table", "output format: table or json")
	statsCmd.Flags().String("format", "table", "output format: table or json")
	statsCmd.Flags().Duration("since", 0, "only include attempts newer than this (e.g. 24h)")
}
