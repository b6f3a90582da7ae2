// Package autopin holds the pin policy: threshold constants and the minimal
// common tag subset computation used when promoting frequently matched
// engrams. It is pure so the store can apply decisions inside its own
// transactions.
package autopin

import (
	"sort"
	"strings"
)

const (
	// RepoPinThreshold is the per-(engram, repo) match count that triggers a pin.
	RepoPinThreshold = 15

	// TagPinThreshold is the tag-subset coverage that triggers a pin.
	TagPinThreshold = 15

	// PinEMAThreshold promotes an engram whose average tag EMA exceeds it.
	PinEMAThreshold = 0.4

	// UnpinEMAThreshold demotes an auto-pinned engram whose average tag EMA
	// falls below it.
	UnpinEMAThreshold = -0.2

	// MinEvidenceForPin is the evidence floor for EMA-driven pin decisions.
	MinEvidenceForPin = 5

	// MaxSubsetSize caps the tag subsets considered, bounding the power-set
	// walk in MinimalCommonTagSubset.
	MaxSubsetSize = 4
)

// TagSetCount is one per-tag-set counter row for an engram.
type TagSetCount struct {
	Tags  []string
	Count int64
}

// MinimalCommonTagSubset finds the smallest tag subset whose coverage across
// the engram's tag-set counters reaches TagPinThreshold. Coverage of a
// candidate subset is the sum of counts over rows that contain every tag in
// the candidate. Among qualifying subsets of the smallest cardinality, ties
// break by lexicographic order of the sorted tag tuple. Returns nil when no
// subset qualifies.
func MinimalCommonTagSubset(rows []TagSetCount) []string {
	return minimalCommonTagSubset(rows, TagPinThreshold)
}

func minimalCommonTagSubset(rows []TagSetCount, threshold int64) []string {
	if len(rows) == 0 {
		return nil
	}

	universe := map[string]struct{}{}
	for _, row := range rows {
		for _, t := range row.Tags {
			if t != "" {
				universe[t] = struct{}{}
			}
		}
	}
	tags := make([]string, 0, len(universe))
	for t := range universe {
		tags = append(tags, t)
	}
	sort.Strings(tags)

	maxSize := MaxSubsetSize
	if len(tags) < maxSize {
		maxSize = len(tags)
	}

	// Walk sizes ascending: the first size with a qualifying candidate yields
	// the minimal subsets, because any proper subset would have qualified at a
	// smaller size.
	for size := 1; size <= maxSize; size++ {
		var best []string
		forEachCombination(tags, size, func(candidate []string) {
			if coverage(rows, candidate) < threshold {
				return
			}
			if best == nil || lessTuple(candidate, best) {
				best = append([]string(nil), candidate...)
			}
		})
		if best != nil {
			return best
		}
	}
	return nil
}

// coverage sums counts over rows whose tag set contains every candidate tag.
func coverage(rows []TagSetCount, candidate []string) int64 {
	var total int64
	for _, row := range rows {
		if containsAll(row.Tags, candidate) {
			total += row.Count
		}
	}
	return total
}

func containsAll(set, subset []string) bool {
	for _, want := range subset {
		found := false
		for _, have := range set {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// lessTuple compares two sorted tag tuples lexicographically.
func lessTuple(a, b []string) bool {
	return strings.Join(a, ",") < strings.Join(b, ",")
}

// forEachCombination calls fn with every size-k combination of the sorted
// tags slice. Combinations are emitted in lexicographic order and the
// callback slice is reused between calls.
func forEachCombination(tags []string, k int, fn func([]string)) {
	if k <= 0 || k > len(tags) {
		return
	}
	idx := make([]int, k)
	for i := range idx {
		idx[i] = i
	}
	buf := make([]string, k)
	for {
		for i, j := range idx {
			buf[i] = tags[j]
		}
		fn(buf)

		// Advance to the next combination.
		i := k - 1
		for i >= 0 && idx[i] == len(tags)-k+i {
			i--
		}
		if i < 0 {
			return
		}
		idx[i]++
		for j := i + 1; j < k; j++ {
			idx[j] = idx[j-1] + 1
		}
	}
}

// ShouldPinByEMA reports whether the EMA-driven pin condition holds.
func ShouldPinByEMA(avgEMA float64, evidence int) bool {
	return avgEMA > PinEMAThreshold && evidence >= MinEvidenceForPin
}

// ShouldUnpinByEMA reports whether an auto-pinned engram should be demoted.
func ShouldUnpinByEMA(avgEMA float64, evidence int) bool {
	return avgEMA < UnpinEMAThreshold && evidence >= MinEvidenceForPin
}
