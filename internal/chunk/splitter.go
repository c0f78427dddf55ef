// Package chunk turns kept documents into token-bounded, content-addressed
// chunks ready for indexing.
package chunk

import (
	"strings"
	"unicode"
)

// Window defaults. A 512-token window with ~12.5% overlap keeps recall high
// without inflating the index; the boundary slack lets windows snap to
// sentence or paragraph ends instead of cutting mid-sentence.
const (
	DefaultWindowTokens  = 512
	DefaultOverlapTokens = 64
	DefaultBoundarySlack = 48
)

// span is a token's byte range within the source text.
type span struct {
	start int
	end   int
}

// scan splits text into whitespace-delimited tokens with byte offsets.
func scan(text string) []span {
	var spans []span
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				spans = append(spans, span{start: start, end: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, span{start: start, end: len(text)})
	}
	return spans
}

// Options controls window geometry.
type Options struct {
	WindowTokens  int
	OverlapTokens int
	BoundarySlack int
}

func (o Options) withDefaults() Options {
	if o.WindowTokens <= 0 {
		o.WindowTokens = DefaultWindowTokens
	}
	if o.OverlapTokens < 0 || o.OverlapTokens >= o.WindowTokens {
		o.OverlapTokens = DefaultOverlapTokens
	}
	if o.BoundarySlack < 0 || o.BoundarySlack >= o.WindowTokens {
		o.BoundarySlack = DefaultBoundarySlack
	}
	return o
}

// piece is one window of the source text before enrichment.
type piece struct {
	text       string
	tokenCount int
}

// split windows the token stream. Splitting is a pure function of the text
// and options, so re-running it over the same document reproduces the same
// pieces in the same order.
func split(text string, opts Options) []piece {
	opts = opts.withDefaults()
	tokens := scan(text)
	if len(tokens) == 0 {
		return nil
	}

	if len(tokens) <= opts.WindowTokens {
		return []piece{{
			text:       strings.TrimSpace(text[tokens[0].start:tokens[len(tokens)-1].end]),
			tokenCount: len(tokens),
		}}
	}

	var pieces []piece
	i := 0
	for i < len(tokens) {
		end := i + opts.WindowTokens
		if end >= len(tokens) {
			end = len(tokens)
		} else {
			end = snapToBoundary(text, tokens, i, end, opts.BoundarySlack)
		}

		pieces = append(pieces, piece{
			text:       strings.TrimSpace(text[tokens[i].start:tokens[end-1].end]),
			tokenCount: end - i,
		})

		if end == len(tokens) {
			break
		}
		next := end - opts.OverlapTokens
		if next <= i {
			next = end
		}
		i = next
	}
	return pieces
}

// snapToBoundary moves the window end back to the latest sentence or
// paragraph boundary within the slack region. If no boundary exists the hard
// window end stands.
func snapToBoundary(text string, tokens []span, start, end, slack int) int {
	lo := end - slack
	if lo <= start {
		lo = start + 1
	}
	for b := end - 1; b >= lo; b-- {
		if isBoundaryAfter(text, tokens, b) {
			return b + 1
		}
	}
	return end
}

// isBoundaryAfter reports whether a window may end after token idx: the token
// closes a sentence, or a blank line follows it.
func isBoundaryAfter(text string, tokens []span, idx int) bool {
	tok := text[tokens[idx].start:tokens[idx].end]
	if r := lastRune(tok); r == '.' || r == '!' || r == '?' {
		return true
	}
	if idx+1 < len(tokens) {
		gap := text[tokens[idx].end:tokens[idx+1].start]
		if strings.Count(gap, "\n") >= 2 {
			return true
		}
	}
	return false
}

func lastRune(s string) rune {
	var r rune
	for _, c := range s {
		r = c
	}
	return r
}
