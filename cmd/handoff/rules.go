package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/medxp/handoff/internal/knowledge"
	"github.com/medxp/handoff/internal/shared/config"
	"github.com/medxp/handoff/internal/shared/logging"
)

func newRulesCommand(configPath *string) *cobra.Command {
	rules := &cobra.Command{
		Use:   "rules",
		Short: "Inspect the warning rules and knowledge base",
	}
	rules.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load the configured rule table, knowledge base and formulary and report problems",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := logging.InitWriter(os.Stderr, "handoff", cfg.Server.Env, cfg.Log.Level)

			_, store, table, err := loadReference(cfg.Knowledge, logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			stats := store.Stats()
			fmt.Fprintf(out, "rules: %d loaded\n", len(table.Rules()))
			fmt.Fprintf(out, "knowledge: %d entries, %d skipped\n", stats.Total, stats.Skipped)

			categories := make([]knowledge.Category, 0, len(stats.ByCategory))
			for c := range stats.ByCategory {
				categories = append(categories, c)
			}
			sort.Slice(categories, func(i, j int) bool { return categories[i] < categories[j] })
			for _, c := range categories {
				fmt.Fprintf(out, "  %-24s %d\n", c, stats.ByCategory[c])
			}

			problems := table.Problems()
			for _, p := range problems {
				fmt.Fprintf(out, "problem: %s\n", p)
			}
			if len(problems) > 0 || stats.Skipped > 0 {
				return fmt.Errorf("%d rule problems, %d knowledge entries skipped", len(problems), stats.Skipped)
			}
			return nil
		},
	})
	return rules
}
