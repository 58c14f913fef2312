// Package textnorm canonicalizes free-text résumé phrases into comparable
// token sets: case folding, accent stripping, abbreviation expansion and
// synonym clustering.
package textnorm

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	// accentFolder decomposes characters and drops combining marks, so
	// "formación" and "formacion" compare equal.
	accentFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

	punctRe      = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// TokenSet is a deduplicated set of normalized tokens. A token is usually a
// single word, but canonical multi-word representatives ("recursos humanos")
// are kept whole.
type TokenSet map[string]struct{}

// NewTokenSet builds a TokenSet from already-normalized tokens. Intended for
// tests and for reconstructing persisted sets.
func NewTokenSet(tokens ...string) TokenSet {
	s := make(TokenSet, len(tokens))
	for _, t := range tokens {
		if t != "" {
			s[t] = struct{}{}
		}
	}
	return s
}

// Contains reports membership of a token.
func (s TokenSet) Contains(token string) bool {
	_, ok := s[token]
	return ok
}

// Len returns the set cardinality.
func (s TokenSet) Len() int {
	return len(s)
}

// Sorted returns the tokens in ascending lexical order. This is the stable
// iteration order every consumer of a TokenSet must use; Go's native map
// order is intentionally never exposed.
func (s TokenSet) Sorted() []string {
	tokens := make([]string, 0, len(s))
	for t := range s {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)
	return tokens
}

// UnionLen returns |s ∪ other|.
func (s TokenSet) UnionLen(other TokenSet) int {
	n := len(s)
	for t := range other {
		if _, ok := s[t]; !ok {
			n++
		}
	}
	return n
}

// CleanText lowers, strips accents and punctuation, and collapses whitespace.
// It performs no table lookups.
func CleanText(s string) string {
	s = strings.ToLower(s)
	if folded, _, err := transform.String(accentFolder, s); err == nil {
		s = folded
	}
	s = punctRe.ReplaceAllString(s, " ")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// NormalizeText cleans s and expands abbreviations word by word, returning a
// single space-joined string. Synonym clustering is left to Tokens, which
// operates on sets.
func NormalizeText(s string) string {
	cleaned := CleanText(s)
	if cleaned == "" {
		return ""
	}
	words := strings.Split(cleaned, " ")
	for i, w := range words {
		if expanded, ok := abbreviations[w]; ok {
			words[i] = expanded
		}
	}
	return strings.Join(words, " ")
}

// Tokens normalizes any number of raw phrases into one deduplicated token
// set. Each value may itself be a comma-delimited enumeration, so
// Tokens("Ingeniero, Lic.") and Tokens("Ingeniero", "Lic.") produce the same
// set. Empty input yields an empty, non-nil set.
//
// Per phrase: clean, keep canonical multi-word representatives whole, split
// the rest into words, expand abbreviations, then map synonyms. Applying
// Tokens to its own output is a no-op.
func Tokens(values ...string) TokenSet {
	set := make(TokenSet)
	for _, value := range values {
		for _, phrase := range strings.Split(value, ",") {
			addPhrase(set, phrase)
		}
	}
	return set
}

// TokensFromSlice is a convenience wrapper for stored string lists.
func TokensFromSlice(values []string) TokenSet {
	return Tokens(values...)
}

func addPhrase(set TokenSet, phrase string) {
	cleaned := CleanText(phrase)
	if cleaned == "" {
		return
	}

	// A phrase that already is a canonical representative stays whole.
	// Splitting it would un-normalize previously normalized output.
	if canonicalPhrases[cleaned] {
		set[cleaned] = struct{}{}
		return
	}

	for _, word := range strings.Split(cleaned, " ") {
		token := word
		if expanded, ok := abbreviations[token]; ok {
			token = expanded
		}
		// Multi-word expansions are canonical; synonym lookup applies
		// to single words only.
		if !canonicalPhrases[token] {
			if canonical, ok := synonyms[token]; ok {
				token = canonical
			}
		}
		if token != "" {
			set[token] = struct{}{}
		}
	}
}
