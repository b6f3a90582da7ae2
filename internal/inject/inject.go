// Package inject renders the engram block handed to the host assistant.
// This block is the only wire format the assistant ever sees.
package inject

import (
	"fmt"
	"strings"

	"github.com/hyperengineering/engrammar/internal/types"
)

// Block delimiters. The version suffix lets the host strip stale blocks if
// the format ever changes.
const (
	BlockOpen  = "[ENGRAMMAR_V1]"
	BlockClose = "[/ENGRAMMAR_V1]"
)

// feedbackLine tells the assistant how to push back on a bad lesson.
const feedbackLine = "If a lesson above does not apply to this task, say so via the feedback tool, citing its EG# id."

// Block renders engrams as an injection block. Empty input renders nothing.
func Block(engrams []types.Engram, showCategories bool) string {
	if len(engrams) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(BlockOpen)
	sb.WriteString("\n")
	for _, e := range engrams {
		if showCategories {
			fmt.Fprintf(&sb, "- [EG#%d][%s] %s\n", e.ID, e.Category, e.Text)
		} else {
			fmt.Fprintf(&sb, "- [EG#%d] %s\n", e.ID, e.Text)
		}
	}
	sb.WriteString(feedbackLine)
	sb.WriteString("\n")
	sb.WriteString(BlockClose)
	return sb.String()
}

// FromResults strips scores off search results for rendering.
func FromResults(results []types.SearchResult) []types.Engram {
	engrams := make([]types.Engram, len(results))
	for i, r := range results {
		engrams[i] = r.Engram
	}
	return engrams
}

// MergePinned places pinned engrams ahead of ranked results, dropping
// ranked entries already present as pins.
func MergePinned(pinned []types.Engram, results []types.SearchResult) []types.Engram {
	merged := make([]types.Engram, 0, len(pinned)+len(results))
	seen := make(map[int64]struct{}, len(pinned))
	for _, e := range pinned {
		if _, ok := seen[e.ID]; ok {
			continue
		}
		seen[e.ID] = struct{}{}
		merged = append(merged, e)
	}
	for _, r := range results {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		merged = append(merged, r.Engram)
	}
	return merged
}
