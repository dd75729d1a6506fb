package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/nucleiforge/internal/rules"
	"github.com/lucasnoah/nucleiforge/internal/validator"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect stored templates",
}

type ruleInfo struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Path string `json:"path"`
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored templates with their kind",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		store := rules.NewStore(cfg.RulesDir)
		ids, err := store.List()
		if err != nil {
			return err
		}

		infos := make([]ruleInfo, 0, len(ids))
		for _, id := range ids {
			path := store.Path(id)
			kind, err := validator.ClassifyFile(path)
			k := string(kind)
			if err != nil {
				k = "unreadable"
			}
			infos = append(infos, ruleInfo{ID: id, Kind: k, Path: path})
		}

		if format == "json" {
			return writeJSON(cmd, infos)
		}
		if len(infos) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No rules in %s.\n", store.Dir())
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RULE\tKIND\tPATH")
		for _, r := range infos {
			fmt.Fprintf(w, "%s\t%s\t%s\n", r.ID, r.Kind, r.Path)
		}
		return w.Flush()
	},
}

func init() {
	rulesListCmd.Flags().String("format", "table", "output format: table or json")
	rulesCmd.AddCommand(rulesListCmd)
}
