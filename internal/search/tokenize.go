package search

// Tokenize lower-cases the input and splits it on ASCII word boundaries.
// Letters and digits form tokens; everything else separates them. Non-ASCII
// bytes are treated as separators, which keeps lexical ranking cheap and
// deterministic for the short English lesson texts it serves.
func Tokenize(s string) []string {
	var tokens []string
	start := -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		isWord := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if isWord {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			tokens = append(tokens, lower(s[start:i]))
			start = -1
		}
	}
	if start >= 0 {
		tokens = append(tokens, lower(s[start:]))
	}
	return tokens
}

func lower(s string) string {
	b := []byte(s)
	changed := false
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 'a' - 'A'
			changed = true
		}
	}
	if !changed {
		return s
	}
	return string(b)
}
