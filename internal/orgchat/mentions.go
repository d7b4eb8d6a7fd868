// ABOUTME: Pure mention extraction over message text and an organization's member list
// ABOUTME: Matches @id and @name (ASCII or full-width @), longest candidate first, with word boundaries

package orgchat

import (
	"sort"
	"unicode"

	"golang.org/x/text/width"
)

// Mention is a member referenced in message text.
type Mention struct {
	SessionID string
	Name      string
}

type mentionCandidate struct {
	member Member
	runes  []rune
}

// ExtractMentions finds members referenced as @id or @name in content.
// An @ must start the text or follow a boundary rune, and the name must end
// at a boundary. Han, Hiragana and Katakana runes count as boundaries so
// mentions embedded in CJK text still resolve. Each session appears once.
func ExtractMentions(content string, members []Member) []Mention {
	var candidates []mentionCandidate
	for _, m := range members {
		for _, alias := range []string{m.SessionID, m.Name} {
			if alias == "" {
				continue
			}
			candidates = append(candidates, mentionCandidate{member: m, runes: foldRunes([]rune(alias))})
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return len(candidates[i].runes) > len(candidates[j].runes)
	})

	text := foldRunes([]rune(content))
	seen := make(map[string]bool)
	var mentions []Mention

	for i := 0; i < len(text); i++ {
		if text[i] != '@' {
			continue
		}
		if i > 0 && !isBoundary(text[i-1]) {
			continue
		}

		start := i + 1
		for _, c := range candidates {
			end := start + len(c.runes)
			if end > len(text) || !runesEqual(text[start:end], c.runes) {
				continue
			}
			if end < len(text) && !isBoundary(text[end]) {
				continue
			}
			if !seen[c.member.SessionID] {
				seen[c.member.SessionID] = true
				mentions = append(mentions, Mention{SessionID: c.member.SessionID, Name: c.member.Name})
			}
			i = end - 1
			break
		}
	}

	return mentions
}

// foldRunes maps full-width forms to their narrow equivalents and lowercases.
func foldRunes(rs []rune) []rune {
	out := make([]rune, len(rs))
	for i, r := range rs {
		if folded := width.LookupRune(r).Folded(); folded != 0 {
			r = folded
		}
		out[i] = unicode.ToLower(r)
	}
	return out
}

func runesEqual(a, b []rune) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func isBoundary(r rune) bool {
	if unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana) {
		return true
	}
	return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
}
