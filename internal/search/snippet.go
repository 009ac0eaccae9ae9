package search

import (
	"strings"
	"unicode/utf8"
)

// snippetRadius is the rune window kept on each side of a match.
const snippetRadius = 60

// snippetPrefixRunes is the fallback prefix length.
const snippetPrefixRunes = 160

// stopWords are patterns too common to justify a LIKE table scan.
var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "was": {}, "with": {},
	"this": {}, "that": {}, "from": {}, "not": {}, "you": {}, "all": {},
}

func isStopWord(s string) bool {
	_, ok := stopWords[strings.ToLower(s)]
	return ok
}

// deriveSnippet picks the best available snippet: the FTS-provided one
// when FTS contributed, else a window around the first substring match,
// else a prefix of the content.
func deriveSnippet(ftsSnippet, content, queryText string, likeMatched bool) string {
	if ftsSnippet != "" {
		return ftsSnippet
	}
	if likeMatched && queryText != "" {
		if snip := matchWindow(content, strings.TrimSpace(queryText)); snip != "" {
			return snip
		}
	}
	return prefixSnippet(content)
}

// matchWindow returns a rune window around the first occurrence of
// pattern in content. The match is byte-exact: no case folding, to
// stay consistent with LIKE semantics on non-ASCII text.
func matchWindow(content, pattern string) string {
	idx := strings.Index(content, pattern)
	if idx < 0 {
		return ""
	}

	runes := []rune(content)
	matchStart := utf8.RuneCountInString(content[:idx])
	matchEnd := matchStart + utf8.RuneCountInString(pattern)

	start := matchStart - snippetRadius
	if start < 0 {
		start = 0
	}
	end := matchEnd + snippetRadius
	if end > len(runes) {
		end = len(runes)
	}

	snip := string(runes[start:end])
	if start > 0 {
		snip = "…" + snip
	}
	if end < len(runes) {
		snip += "…"
	}
	return snip
}

// prefixSnippet returns the leading runes of content.
func prefixSnippet(content string) string {
	runes := []rune(content)
	if len(runes) <= snippetPrefixRunes {
		return content
	}
	return string(runes[:snippetPrefixRunes]) + "…"
}
