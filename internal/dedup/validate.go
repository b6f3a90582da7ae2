package dedup

import (
	"fmt"

	"github.com/hyperengineering/engrammar/internal/types"
)

// validate filters a scorer response down to applicable groups and
// verifiable ids. Invalid groups and unknown ids are dropped with a recorded
// problem; the remainder is applied. Unverified ids accounted for by neither
// a surviving group nor no_match_ids are the caller's failure set.
func validate(resp *types.DedupResponse, b batch) (groups []types.DedupGroup, verifyIDs []int64, problems []string) {
	unverifiedSet := make(map[int64]bool, len(b.unverified))
	for _, u := range b.unverified {
		unverifiedSet[u.ID] = true
	}

	noMatch := make(map[int64]bool)
	for _, id := range resp.NoMatchIDs {
		if _, ok := b.members[id]; !ok {
			problems = append(problems, fmt.Sprintf("no_match id %d not in batch", id))
			continue
		}
		if !b.bootstrap && !unverifiedSet[id] {
			problems = append(problems, fmt.Sprintf("no_match id %d is a verified candidate", id))
			continue
		}
		noMatch[id] = true
	}

	grouped := make(map[int64]bool)
groupLoop:
	for gi, g := range resp.Groups {
		if len(g.IDs) < 2 {
			problems = append(problems, fmt.Sprintf("group %d has fewer than two ids", gi))
			continue
		}
		if g.Confidence < 0 || g.Confidence > 1 {
			problems = append(problems, fmt.Sprintf("group %d confidence %v out of range", gi, g.Confidence))
			continue
		}
		if g.CanonicalText == "" {
			problems = append(problems, fmt.Sprintf("group %d has empty canonical text", gi))
			continue
		}

		hasUnverified := false
		for _, id := range g.IDs {
			if _, ok := b.members[id]; !ok {
				problems = append(problems, fmt.Sprintf("group %d id %d not in batch", gi, id))
				continue groupLoop
			}
			if grouped[id] {
				problems = append(problems, fmt.Sprintf("group %d id %d already grouped", gi, id))
				continue groupLoop
			}
			if noMatch[id] {
				problems = append(problems, fmt.Sprintf("group %d id %d also in no_match_ids", gi, id))
				continue groupLoop
			}
			if unverifiedSet[id] {
				hasUnverified = true
			}
		}
		if !b.bootstrap && !hasUnverified {
			problems = append(problems, fmt.Sprintf("group %d contains no unverified id", gi))
			continue
		}

		for _, id := range g.IDs {
			grouped[id] = true
		}
		if len(g.Reason) > MaxReasonLen {
			g.Reason = g.Reason[:MaxReasonLen]
		}
		groups = append(groups, g)
	}

	for _, id := range resp.NoMatchIDs {
		if noMatch[id] && !grouped[id] {
			verifyIDs = append(verifyIDs, id)
			noMatch[id] = false
		}
	}
	return groups, verifyIDs, problems
}
