// Package piidq implements the PII redaction and data-quality gates.
// Entity detection is regexp-based rather than an ML NER model: there's no
// presidio/spaCy-equivalent analyzer for Go in play here, so this is one of
// the deliberate standard-library exceptions recorded in DESIGN.md.
package piidq

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
)

// Action is the per-entity disposition applied to a detected span.
type Action string

const (
	ActionAllow  Action = "ALLOW"
	ActionRedact Action = "REDACT"
	ActionHash   Action = "HASH"
	// ActionFail and ActionReject never mutate text. When either is the
	// global override action and entities are present, the ingestion
	// coordinator transitions the ingest to FAILED; as a per-entity
	// policy value either one leaves the span unchanged.
	ActionFail   Action = "FAIL"
	ActionReject Action = "REJECT"
)

// Policy maps an entity type to an action, with a DEFAULT fallback.
type Policy map[string]Action

const defaultKey = "DEFAULT"

func (p Policy) actionFor(entity string, override Action) Action {
	if override != "" {
		return override
	}
	if a, ok := p[entity]; ok {
		return a
	}
	if a, ok := p[defaultKey]; ok {
		return a
	}
	return ActionAllow
}

type span struct {
	start, end int
	entity     string
}

var entityPatterns = []struct {
	entity string
	re     *regexp.Regexp
}{
	{"EMAIL_ADDRESS", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{"PHONE_NUMBER", regexp.MustCompile(`\+?\d{1,3}[\s.\-]?\(?\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}\b`)},
	{"US_SSN", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"CREDIT_CARD", regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`)},
	{"IP_ADDRESS", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
}

func detect(text string) []span {
	var spans []span
	for _, p := range entityPatterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			spans = append(spans, span{start: loc[0], end: loc[1], entity: p.entity})
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	return spans
}

// Report summarizes one redaction pass: entity_type -> count, plus _total
// and _action.
type Report map[string]any

// Apply analyzes text, applies policy-driven redaction/hashing from the end
// of the string toward the start to keep offsets stable, and returns the
// transformed text plus a report. An empty override disables the global
// action override; an empty mask falls back to "[REDACTED]".
func Apply(text string, policy Policy, override Action, mask string) (string, Report) {
	if mask == "" {
		mask = "[REDACTED]"
	}
	spans := detect(text)
	if len(spans) == 0 {
		return text, Report{}
	}

	counts := map[string]int{}
	total := 0
	// Detection patterns above are ASCII-only, so byte offsets from
	// regexp and rune offsets coincide for every matched span.
	result := text
	for i := len(spans) - 1; i >= 0; i-- {
		s := spans[i]
		action := policy.actionFor(s.entity, override)
		counts[s.entity]++
		total++
		segment := result[s.start:s.end]
		var replacement string
		switch action {
		case ActionRedact:
			replacement = mask
		case ActionHash:
			sum := sha256.Sum256([]byte(segment))
			replacement = hex.EncodeToString(sum[:])
		default:
			replacement = segment
		}
		result = result[:s.start] + replacement + result[s.end:]
	}

	report := Report{}
	for entity, n := range counts {
		report[entity] = n
	}
	report["_total"] = total
	resolvedAction := override
	if resolvedAction == "" {
		resolvedAction = policy[defaultKey]
	}
	if resolvedAction == "" {
		resolvedAction = ActionAllow
	}
	report["_action"] = string(resolvedAction)
	return result, report
}

// HasEntities reports whether a report recorded any detections, used by the
// ingestion coordinator to decide fail_on_pii terminal failure.
func (r Report) HasEntities() bool {
	total, _ := r["_total"].(int)
	return total > 0
}

// ParseAction normalizes a config/override string into an Action, used when
// the caller supplies a global override like "redact" from request options.
func ParseAction(s string) Action {
	return Action(strings.ToUpper(strings.TrimSpace(s)))
}
