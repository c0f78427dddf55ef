package chunk

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/chilleregeravi/agents/internal/corpus"
)

// Enricher annotates a chunk after splitting. Enrichers must be
// deterministic: identical chunk text yields identical annotations, so
// redelivered documents produce identical chunks.
type Enricher interface {
	Name() string
	Enrich(ctx context.Context, ch *corpus.Chunk) error
}

// keywordStopWords excludes function words from extracted tags.
var keywordStopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "for": {}, "from": {}, "has": {}, "have": {},
	"in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {}, "or": {},
	"that": {}, "the": {}, "this": {}, "to": {}, "was": {}, "were": {},
	"which": {}, "will": {}, "with": {}, "not": {}, "can": {}, "their": {},
	"they": {}, "than": {}, "then": {}, "these": {}, "those": {},
}

// KeywordEnricher tags each chunk with its most frequent content words.
type KeywordEnricher struct {
	// MaxTags caps the number of tags added per chunk. Zero means 8.
	MaxTags int
}

func (e *KeywordEnricher) Name() string { return "keywords" }

// Enrich appends keyword tags. Existing tags are preserved and never
// duplicated.
func (e *KeywordEnricher) Enrich(ctx context.Context, ch *corpus.Chunk) error {
	max := e.MaxTags
	if max <= 0 {
		max = 8
	}

	freq := make(map[string]int)
	words := strings.FieldsFunc(strings.ToLower(ch.Text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		if len(w) < 3 {
			continue
		}
		if _, stop := keywordStopWords[w]; stop {
			continue
		}
		freq[w]++
	}

	type wc struct {
		word  string
		count int
	}
	ranked := make([]wc, 0, len(freq))
	for w, c := range freq {
		ranked = append(ranked, wc{word: w, count: c})
	}
	// Count desc, then alphabetical so output is stable across runs.
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].word < ranked[j].word
	})

	existing := make(map[string]struct{}, len(ch.Tags))
	for _, t := range ch.Tags {
		existing[t] = struct{}{}
	}
	added := 0
	for _, r := range ranked {
		if added >= max {
			break
		}
		if _, dup := existing[r.word]; dup {
			continue
		}
		ch.Tags = append(ch.Tags, r.word)
		added++
	}
	return nil
}
