package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/engrammar/internal/envprobe"
	"github.com/hyperengineering/engrammar/internal/search"
	"github.com/hyperengineering/engrammar/internal/vecindex"
)

var (
	searchTopK     int
	searchCategory string
	searchTags     []string
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search lessons from the current environment",
	Long:  "Runs the same hybrid retrieval as the hooks, without recording session state.",
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchTopK, "top-k", "k", 0, "maximum number of results (default from config)")
	searchCmd.Flags().StringVarP(&searchCategory, "category", "c", "", "restrict to a category prefix")
	searchCmd.Flags().StringSliceVar(&searchTags, "tag", nil, "require a prerequisite tag (repeatable)")
}

func runSearch(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	index, err := vecindex.Open(a.cfg.VectorPath(), a.cfg.VectorIDsPath())
	if err != nil {
		return err
	}
	defer index.Close()

	retriever := search.NewRetriever(a.store, index, a.newEmbedder(), &envprobe.Probe{},
		a.cfg.Search.TopK, a.logger)

	results, err := retriever.Search(cmd.Context(), args[0], search.Options{
		TopK:           searchTopK,
		CategoryFilter: searchCategory,
		TagFilter:      searchTags,
	})
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, results)
}
