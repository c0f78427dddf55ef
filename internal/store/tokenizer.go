package store

import (
	"strings"
	"unicode"
)

// TokenizeProse splits text into lowercased word tokens, dropping tokens
// shorter than minLen. Used to pre-process content for the FTS5 backend so
// both backends index comparable token streams.
func TokenizeProse(text string, minLen int) []string {
	if minLen <= 0 {
		minLen = 2
	}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) >= minLen {
			tokens = append(tokens, w)
		}
	}
	return tokens
}

// FilterStopWords removes stop words from a token list.
func FilterStopWords(tokens []string, stopWords map[string]struct{}) []string {
	result := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if _, isStop := stopWords[token]; !isStop {
			result = append(result, token)
		}
	}
	return result
}

// BuildStopWordMap converts a stop word list to a lookup map.
func BuildStopWordMap(stopWords []string) map[string]struct{} {
	m := make(map[string]struct{}, len(stopWords))
	for _, word := range stopWords {
		m[strings.ToLower(word)] = struct{}{}
	}
	return m
}
