package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/engrammar/internal/dedup"
)

var (
	dedupLimit      int
	dedupSinglePass bool
)

var dedupCmd = &cobra.Command{
	Use:   "dedup",
	Short: "Merge duplicate lessons",
	Long:  "Runs embedding-guided duplicate detection with LLM confirmation until no pass merges anything.",
	RunE:  runDedup,
}

func init() {
	dedupCmd.Flags().IntVarP(&dedupLimit, "limit", "n", 0, "maximum unverified lessons per pass (0 = all)")
	dedupCmd.Flags().BoolVar(&dedupSinglePass, "single-pass", false, "stop after one pass")
}

func runDedup(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	engine := dedup.New(a.store, a.newEmbedder(), a.newLLM(), a.rebuildIndexes, a.logger)
	result, err := engine.Run(cmd.Context(), dedup.Options{
		Limit:      dedupLimit,
		SinglePass: dedupSinglePass,
	})
	if result != nil {
		_ = printJSON(os.Stdout, result)
	}
	return err
}
