// ABOUTME: Substring and fuzzy scoring used by organization chat search
// ABOUTME: Fuzzy matching finds the tightest in-order subsequence of the query in the content

package orgchat

import (
	"strings"
	"unicode/utf8"
)

// SearchMode selects a search strategy.
type SearchMode string

const (
	SearchSubstring SearchMode = "substring"
	SearchFuzzy     SearchMode = "fuzzy"
	SearchSemantic  SearchMode = "semantic"
)

// ParseSearchMode maps user input to a mode; empty means substring.
func ParseSearchMode(s string) (SearchMode, bool) {
	switch SearchMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", SearchSubstring:
		return SearchSubstring, true
	case SearchFuzzy:
		return SearchFuzzy, true
	case SearchSemantic:
		return SearchSemantic, true
	}
	return "", false
}

// SearchResult is a scored match.
type SearchResult struct {
	Message Message `json:"message"`
	Score   float64 `json:"score"`
}

// substringScore scores an exact occurrence of query in content, favoring
// earlier positions. Both inputs must already be normalized.
func substringScore(content, query string) (float64, bool) {
	if query == "" {
		return 0, false
	}
	idx := strings.Index(content, query)
	if idx < 0 {
		return 0, false
	}
	n := utf8.RuneCountInString(content)
	pos := utf8.RuneCountInString(content[:idx])
	return 1 - float64(pos)/float64(n), true
}

// fuzzyScore finds the shortest window of content that contains query's
// runes in order and scores it as
//
//	0.7*(len(query)/span) + 0.3*(len(query)/len(content))
//
// Both inputs must already be normalized.
func fuzzyScore(content, query string) (float64, bool) {
	q := []rune(query)
	c := []rune(content)
	if len(q) == 0 || len(q) > len(c) {
		return 0, false
	}

	best := -1
	for start := range c {
		if c[start] != q[0] {
			continue
		}
		qi := 1
		end := start
		for ci := start + 1; ci < len(c) && qi < len(q); ci++ {
			if c[ci] == q[qi] {
				qi++
				end = ci
			}
		}
		if qi < len(q) {
			// No later start can complete the subsequence either.
			break
		}
		span := end - start + 1
		if best < 0 || span < best {
			best = span
		}
	}
	if best < 0 {
		return 0, false
	}

	ql := float64(len(q))
	return 0.7*(ql/float64(best)) + 0.3*(ql/float64(len(c))), true
}
