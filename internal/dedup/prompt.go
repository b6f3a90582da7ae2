package dedup

import (
	"fmt"
	"strings"
)

// systemPrompt is the fixed instruction block for the dedup scorer.
const systemPrompt = `You review short engineering lessons for duplication.

Merge two or more lessons into one group only when ALL of these hold:
- They prescribe the same action with the same outcome.
- Their contexts are compatible. Merging across project contexts is allowed,
  but then the canonical text must be generalised so it holds in all of them.

Never merge:
- Lessons that are topically related but prescribe different things.
- A general rule with a more specific sub-rule of it.

Respond with strict JSON only, no prose, in this shape:
{"groups": [{"ids": [1, 2], "canonical_text": "...", "confidence": 0.9, "reason": "..."}], "no_match_ids": [3]}

Every group needs at least two ids. Put every id that belongs to no group
into no_match_ids. confidence is in [0, 1]. Keep reason under 200 characters.`

// renderPrompt lays out the batch for the scorer: lessons by id, then the
// similarity edges worth considering.
func renderPrompt(b batch) string {
	var sb strings.Builder
	sb.WriteString(systemPrompt)
	sb.WriteString("\n\n")

	if b.bootstrap {
		sb.WriteString("LESSONS:\n")
	} else {
		sb.WriteString("NEW LESSONS:\n")
	}
	for _, u := range b.unverified {
		fmt.Fprintf(&sb, "[%d] %s\n", u.ID, u.Text)
	}

	if len(b.candidates) > 0 {
		sb.WriteString("\nEXISTING LESSONS:\n")
		for _, c := range b.candidates {
			fmt.Fprintf(&sb, "[%d] %s\n", c.ID, c.Text)
		}
	}

	if len(b.edges) > 0 {
		sb.WriteString("\nSIMILAR PAIRS:\n")
		for _, ed := range b.edges {
			fmt.Fprintf(&sb, "%d ~ %d (%.2f)\n", ed.from, ed.to, ed.sim)
		}
	}
	return sb.String()
}
