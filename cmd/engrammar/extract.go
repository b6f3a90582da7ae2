package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/engrammar/internal/extractor"
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract new lessons from unconsumed sessions",
	RunE:  runExtract,
}

func runExtract(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	x := extractor.New(a.store, a.newLLM(),
		a.cfg.Extract.FacetsDir, a.cfg.Extract.TranscriptDir,
		a.cfg.Extract.SessionLimit, a.suggestTags, a.rebuildIndexes, a.logger)
	result, err := x.Run(cmd.Context())
	if result != nil {
		_ = printJSON(os.Stdout, result)
	}
	return err
}
