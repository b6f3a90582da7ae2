package store

import "strings"

// NormalizeCategory canonicalizes a slash-delimited category path: leading
// and trailing separators are stripped and runs of separators collapse to
// one. Normalization is idempotent. An empty result means the input carried
// no path segments.
func NormalizeCategory(category string) string {
	parts := strings.Split(category, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

// CategoryLevels decomposes a normalized category into up to three levels,
// materialized as columns for cheap prefix filtering. Deeper segments fold
// into the third level untouched.
func CategoryLevels(category string) (level1, level2, level3 string) {
	if category == "" {
		return "", "", ""
	}
	parts := strings.SplitN(category, "/", 3)
	level1 = parts[0]
	if len(parts) > 1 {
		level2 = parts[1]
	}
	if len(parts) > 2 {
		level3 = parts[2]
	}
	return level1, level2, level3
}
