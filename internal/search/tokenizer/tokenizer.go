// Package tokenizer provides text tokenisation for the search engine.
// It lower-cases input, splits on runs of non-word runes, and drops terms
// shorter than MinTermLength. The same rules apply at index time and at
// query time.
package tokenizer

import (
	"iter"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MinTermLength is the shortest term, in runes, that survives tokenisation.
const MinTermLength = 3

// Tokenize returns a lazy sequence of normalised terms for text. The
// sequence can be ranged over any number of times.
func Tokenize(text string) iter.Seq[string] {
	return func(yield func(string) bool) {
		lowered := strings.ToLower(text)
		for word := range strings.FieldsFuncSeq(lowered, isSeparator) {
			if utf8.RuneCountInString(word) < MinTermLength {
				continue
			}
			if !yield(word) {
				return
			}
		}
	}
}

// Terms collects Tokenize(text) into a slice.
func Terms(text string) []string {
	return slices.Collect(Tokenize(text))
}

// Distinct returns the unique terms of text in first-seen order.
func Distinct(text string) []string {
	seen := make(map[string]struct{})
	terms := make([]string, 0)
	for term := range Tokenize(text) {
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}
		terms = append(terms, term)
	}
	return terms
}

// isSeparator reports whether r splits words. Letters, digits and the
// underscore are word runes.
func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
}
