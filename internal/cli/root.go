package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "forge generates and validates Nuclei templates for known vulnerabilities",
	Long: `forge turns vulnerability records into Nuclei templates with a generative model,
then proves each template by scanning a known-vulnerable host. Templates that
miss are refined and retried until they match or the attempt budget runs out.

Work flows through a Redis-backed task queue so any number of workers can
share it. Without Redis configured, commands run the pipeline in process.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

// writeJSON prints v as indented JSON on the command's output.
func writeJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to forge config file (default ./forge.yaml or ~/.forge/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
}
