// Package lexicon matches whole words and phrases against normalized text.
// Matching is a single Aho-Corasick pass; dictionary entries and input are
// padded with spaces so "ass" never matches inside "grass".
package lexicon

import (
	"strings"
	"unicode"

	ahocorasick "github.com/cloudflare/ahocorasick"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Lexicon is immutable after New and safe for concurrent use.
type Lexicon struct {
	terms   []string
	matcher *ahocorasick.Matcher
}

// New builds a lexicon from terms. Terms are normalized; empty and repeated
// terms are dropped.
func New(terms ...string) *Lexicon {
	l := &Lexicon{}
	seen := make(map[string]bool, len(terms))
	padded := make([]string, 0, len(terms))
	for _, t := range terms {
		n := Normalize(t)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		l.terms = append(l.terms, n)
		padded = append(padded, " "+n+" ")
	}
	if len(padded) > 0 {
		l.matcher = ahocorasick.NewStringMatcher(padded)
	}
	return l
}

// Terms returns the normalized dictionary in insertion order.
func (l *Lexicon) Terms() []string {
	out := make([]string, len(l.terms))
	copy(out, l.terms)
	return out
}

// Find returns the dictionary terms present in any of texts, in dictionary order.
func (l *Lexicon) Find(texts ...string) []string {
	if l == nil || l.matcher == nil {
		return nil
	}
	hit := make(map[int]bool)
	for _, text := range texts {
		n := Normalize(text)
		if n == "" {
			continue
		}
		for _, idx := range l.matcher.MatchThreadSafe([]byte(" " + n + " ")) {
			hit[idx] = true
		}
	}
	if len(hit) == 0 {
		return nil
	}
	out := make([]string, 0, len(hit))
	for i, term := range l.terms {
		if hit[i] {
			out = append(out, term)
		}
	}
	return out
}

// Contains reports whether any term occurs in any of texts.
func (l *Lexicon) Contains(texts ...string) bool {
	return len(l.Find(texts...)) > 0
}

// Normalize lowercases, folds accents, and reduces every run of
// non-alphanumeric characters to a single space.
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(t, s); err == nil {
		s = folded
	}
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// Tokens splits normalized text into words.
func Tokens(s string) []string {
	return strings.Fields(Normalize(s))
}
