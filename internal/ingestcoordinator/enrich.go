package ingestcoordinator

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/dalibouzir/ragtunnel/internal/statestore"
)

// stopwords excluded from the placeholder keyphrase extraction below.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "of": true,
	"to": true, "in": true, "is": true, "for": true, "on": true, "with": true,
	"that": true, "this": true, "it": true, "as": true, "was": true, "are": true,
	"be": true, "by": true, "at": true, "from": true, "its": true,
}

var wordRe = regexp.MustCompile(`[A-Za-z][A-Za-z0-9\-]{2,}`)
var properNounRe = regexp.MustCompile(`\b[A-Z][a-zA-Z]{2,}\b`)

// runEnrich re-detects language and derives placeholder keyphrases and
// entities. This stage is intentionally a stub, not a contractual one:
// the pipeline must call it, but its output is advisory metadata, not a
// correctness guarantee.
func (c *Coordinator) runEnrich(ctx context.Context, man statestore.Manifest) error {
	cp, ok := decodeCanonical(man.Metadata)
	if !ok {
		return c.failStage(ctx, man, StageEnrich, "canonical payload missing")
	}

	if len([]rune(cp.Text)) >= 20 {
		cp.Lang = detectLanguage(cp.Text)
	}
	cp.Keyphrases = topKeyphrases(cp.Text, 8)
	cp.Entities = properNouns(cp.Text, 8)

	if err := c.Store.MergeManifestMetadata(ctx, man.IngestID, encodeCanonical(cp)); err != nil {
		return c.failStage(ctx, man, StageEnrich, fmt.Sprintf("merge canonical metadata: %v", err))
	}
	return nil
}

func topKeyphrases(text string, n int) []string {
	freq := map[string]int{}
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if stopwords[w] {
			continue
		}
		freq[w]++
	}
	type kv struct {
		word  string
		count int
	}
	kvs := make([]kv, 0, len(freq))
	for w, c := range freq {
		kvs = append(kvs, kv{w, c})
	}
	sort.Slice(kvs, func(i, j int) bool {
		if kvs[i].count != kvs[j].count {
			return kvs[i].count > kvs[j].count
		}
		return kvs[i].word < kvs[j].word
	})
	if len(kvs) > n {
		kvs = kvs[:n]
	}
	out := make([]string, len(kvs))
	for i, k := range kvs {
		out[i] = k.word
	}
	return out
}

func properNouns(text string, n int) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range properNounRe.FindAllString(text, -1) {
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
		if len(out) >= n {
			break
		}
	}
	return out
}
