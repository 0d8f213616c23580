// Command handoff serves and runs the clinical handoff safety-brief pipeline.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "handoff",
		Short:         "Clinical handoff safety briefs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (HANDOFF_* environment variables override it)")

	root.AddCommand(
		newServeCommand(&configPath),
		newAnalyzeCommand(&configPath),
		newMigrateCommand(&configPath),
		newRulesCommand(&configPath),
	)
	return root
}
