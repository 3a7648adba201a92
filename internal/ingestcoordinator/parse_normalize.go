package ingestcoordinator

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dalibouzir/ragtunnel/internal/statestore"
	"github.com/dalibouzir/ragtunnel/internal/textextract"
)

// runParseNormalize fetches raw bytes, runs the extractor, and builds the
// canonical payload.
func (c *Coordinator) runParseNormalize(ctx context.Context, man statestore.Manifest) error {
	rawURI := c.Objects.URI(man.ObjectKey)
	rc, _, err := c.Objects.Get(ctx, rawURI)
	var data []byte
	if err != nil {
		// Fails soft per §4.2: the pipeline continues with empty bytes,
		// producing an empty-text canonical payload rather than failing
		// the stage outright (a missing raw object is still surfaced
		// downstream by the not_empty DQ check).
		data = nil
	} else {
		defer rc.Close()
		data, _ = io.ReadAll(rc)
	}

	res := textextract.Extract(data, man.OriginalBasename, man.Mime, c.Opts.OCR)

	lang := "auto"
	if len([]rune(res.Text)) >= 20 {
		lang = detectLanguage(res.Text)
	}

	meta := map[string]string{}
	for k, v := range man.Metadata {
		if s, ok := v.(string); ok {
			meta[k] = s
		}
	}

	cp := CanonicalPayload{
		Text:          res.Text,
		Mime:          man.Mime,
		DocID:         man.IngestID,
		TenantID:      man.TenantID,
		Lang:          lang,
		DocType:       res.DocType,
		Owner:         firstNonEmptyStr(man.Uploader, "system"),
		IngestedAt:    man.CreatedAt.UTC().Format(time.RFC3339),
		Pages:         res.Pages,
		Tables:        len(res.Tables),
		OCRApplied:    res.OCRApplied,
		OCRConfidence: res.OCRConfidence,
		Metadata:      meta,
	}
	if strategy, ok := man.Metadata["chunk_strategy"].(map[string]any); ok {
		cp.ChunkStrategy = map[string]int{}
		if mt, ok := strategy["max_tokens"]; ok {
			cp.ChunkStrategy["max_tokens"] = intField(map[string]any{"v": mt}, "v")
		}
		if ot, ok := strategy["overlap_tokens"]; ok {
			cp.ChunkStrategy["overlap_tokens"] = intField(map[string]any{"v": ot}, "v")
		}
	}

	if err := c.Store.MergeManifestMetadata(ctx, man.IngestID, encodeCanonical(cp)); err != nil {
		return c.failStage(ctx, man, StageParseNormalize, fmt.Sprintf("merge canonical metadata: %v", err))
	}
	return nil
}

func firstNonEmptyStr(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// detectLanguage is a minimal stdlib heuristic: no language-identification
// library exists anywhere in the corpus, so this is a documented stdlib
// exception (DESIGN.md). It only needs to distinguish "likely English" from
// "unknown" since DQ's language_detect check accepts {en, auto}.
func detectLanguage(text string) string {
	lower := strings.ToLower(text)
	hits := 0
	for _, w := range []string{" the ", " and ", " of ", " to ", " in ", " is ", " that ", " for "} {
		if strings.Contains(lower, w) {
			hits++
		}
	}
	if hits >= 2 {
		return "en"
	}
	return "auto"
}
