package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/engrammar/internal/store"
	"github.com/hyperengineering/engrammar/internal/types"
)

var (
	listCategory string
	listPinned   bool
	listSource   string
	listAll      bool
	listLimit    int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List lessons",
	RunE:  runList,
}

func init() {
	listCmd.Flags().StringVarP(&listCategory, "category", "c", "", "filter by category prefix")
	listCmd.Flags().BoolVar(&listPinned, "pinned", false, "only pinned lessons")
	listCmd.Flags().StringVar(&listSource, "source", "", "filter by source (manual, auto-extracted, feedback)")
	listCmd.Flags().BoolVar(&listAll, "all", false, "include deprecated lessons")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 0, "maximum number of lessons (0 = no limit)")
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	engrams, err := a.store.List(cmd.Context(), store.ListFilter{
		CategoryPrefix: listCategory,
		PinnedOnly:     listPinned,
		Source:         types.Source(listSource),
		IncludeDeleted: listAll,
		Limit:          listLimit,
	})
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, engrams)
}
