package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/engrammar/internal/evaluator"
)

var evaluateLimit int

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Score shown lessons against finished session transcripts",
	RunE:  runEvaluate,
}

func init() {
	evaluateCmd.Flags().IntVarP(&evaluateLimit, "limit", "n", 0, "maximum sessions to evaluate (default from config)")
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	limit := evaluateLimit
	if limit <= 0 {
		limit = a.cfg.Evaluate.SessionLimit
	}

	ev := evaluator.New(a.store, a.newLLM(), a.cfg.Evaluate.TranscriptDir, a.logger)
	result, err := ev.Run(cmd.Context(), limit)
	if result != nil {
		_ = printJSON(os.Stdout, result)
	}
	return err
}
