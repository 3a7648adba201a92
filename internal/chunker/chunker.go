// Package chunker implements a word-window splitter: the caller may tune
// max_tokens/overlap_tokens, nothing else.
package chunker

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// Options mirrors the subset of chunk_strategy a caller may override.
type Options struct {
	MaxTokens     int
	OverlapTokens int
}

// Chunk is one word-bounded window of a document's extracted text.
type Chunk struct {
	Index     int
	Text      string
	ChunkID   string
	TokenCount int
}

const (
	defaultMaxTokens     = 220
	defaultOverlapTokens = 40
)

func normalize(opt Options) Options {
	if opt.MaxTokens <= 0 {
		opt.MaxTokens = defaultMaxTokens
	}
	if opt.OverlapTokens < 0 {
		opt.OverlapTokens = 0
	}
	if opt.OverlapTokens >= opt.MaxTokens {
		opt.OverlapTokens = opt.MaxTokens - 1
	}
	return opt
}

// ChunkID computes the stable chunk identifier SHA1(doc_id ∥ index ∥ text).
// Exported so the ingestion coordinator can recompute it independent of
// Split for idempotency checks.
func ChunkID(docID string, index int, text string) string {
	h := sha1.New()
	h.Write([]byte(docID))
	h.Write([]byte{0})
	h.Write([]byte(itoa(index)))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Split word-tokenizes text on whitespace and produces overlapping windows
// of opt.MaxTokens words, advancing by MaxTokens-OverlapTokens words per
// step, stopping once the last window reaches end-of-text. An empty or
// all-whitespace text yields zero chunks, which is what binary-only uploads
// with OCR off produce, since no text gets extracted from them.
func Split(docID, text string, opt Options) []Chunk {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	opt = normalize(opt)
	stride := opt.MaxTokens - opt.OverlapTokens
	if stride <= 0 {
		stride = opt.MaxTokens
	}
	var out []Chunk
	idx := 0
	for start := 0; start < len(words); start += stride {
		end := start + opt.MaxTokens
		if end > len(words) {
			end = len(words)
		}
		windowText := strings.Join(words[start:end], " ")
		out = append(out, Chunk{
			Index:      idx,
			Text:       windowText,
			ChunkID:    ChunkID(docID, idx, windowText),
			TokenCount: end - start,
		})
		idx++
		if end == len(words) {
			break
		}
	}
	return out
}
