package cli

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func NewRoot(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "threat-match",
		Short:         "threat-match: compile threat indicator mappings into search filters",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Version = version
	cmd.SetVersionTemplate("threat-match {{.Version}}\n")

	cmd.PersistentFlags().String("config", getenvDefault("THREATMATCH_CONFIG", ""), "Config file path (YAML)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCompileCmd())
	cmd.AddCommand(newDecodeCmd())
	cmd.AddCommand(newIngestCmd())
	return cmd
}

func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Root().PersistentFlags().GetString("config")
	return p
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func printJSON(cmd *cobra.Command, v any, pretty bool) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
