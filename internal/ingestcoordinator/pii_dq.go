package ingestcoordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dalibouzir/ragtunnel/internal/piidq"
	"github.com/dalibouzir/ragtunnel/internal/statestore"
)

type pidqOptions struct {
	Action        piidq.Action
	Mask          string
	Policy        piidq.Policy
	SkipChecks    map[string]bool
	ContinueOnWarn bool
	FailOnPII     bool
}

func (c *Coordinator) resolvePIIDQOptions(man statestore.Manifest) pidqOptions {
	opt := pidqOptions{
		Action:         piidq.ActionRedact,
		Mask:           firstNonEmptyStr(c.Opts.DefaultMask, "[REDACTED]"),
		Policy:         c.Opts.DefaultPolicy,
		ContinueOnWarn: c.Opts.ContinueOnWarn,
		FailOnPII:      c.Opts.FailOnPII,
	}
	if c.Opts.DefaultMask != "" {
		opt.Mask = c.Opts.DefaultMask
	}
	raw, ok := man.Metadata["options"].(map[string]any)
	if !ok {
		return opt
	}
	dq, ok := raw["dq"].(map[string]any)
	if !ok {
		return opt
	}
	if pii, ok := dq["pii"].(map[string]any); ok {
		if a, ok := pii["action"].(string); ok {
			opt.Action = piidq.ParseAction(a)
		}
		if m, ok := pii["mask"].(string); ok && m != "" {
			opt.Mask = m
		}
		if p, ok := pii["policy"].(string); ok && p != "" {
			// a named policy preset is accepted but not applied; per-entity
			// actions come only from opt.Policy.
			_ = p
		}
	}
	if skip, ok := dq["skip"].([]any); ok {
		opt.SkipChecks = map[string]bool{}
		for _, s := range skip {
			if str, ok := s.(string); ok {
				opt.SkipChecks[str] = true
			}
		}
	}
	ingest, ok := raw["ingest"].(map[string]any)
	if ok {
		if cow, ok := ingest["continue_on_warn"].(bool); ok {
			opt.ContinueOnWarn = cow
		}
		if fop, ok := ingest["fail_on_pii"].(bool); ok {
			opt.FailOnPII = fop
		}
	}
	return opt
}

// runPIIDQ redacts PII from the canonical text and runs the data-quality
// checks.
func (c *Coordinator) runPIIDQ(ctx context.Context, man statestore.Manifest) error {
	cp, ok := decodeCanonical(man.Metadata)
	if !ok {
		return c.failStage(ctx, man, StagePIIDQ, "canonical payload missing (parse_normalize did not complete)")
	}
	opt := c.resolvePIIDQOptions(man)

	redacted, report := piidq.Apply(cp.Text, opt.Policy, opt.Action, opt.Mask)
	totalEntities, _ := report["_total"].(int)

	if totalEntities > 0 && (opt.FailOnPII || opt.Action == piidq.ActionFail || opt.Action == piidq.ActionReject) {
		return c.failStage(ctx, man, StagePIIDQ, "PII policy violation")
	}

	if totalEntities > 0 && (opt.Action == piidq.ActionRedact || opt.Action == piidq.ActionHash) {
		key, err := c.Objects.PutRedactedText(ctx, man.TenantID, man.IngestID, man.OriginalBasename, redacted)
		if err == nil {
			if cp.Metadata == nil {
				cp.Metadata = map[string]string{}
			}
			cp.Metadata["redacted_uri"] = c.Objects.URI(key)
			cp.Metadata["redacted_key"] = key
		}
	}

	passed, dqReport := piidq.RunChecks(c.Opts.DQChecks, piidq.Payload{
		Text:          redacted,
		Lang:          cp.Lang,
		OCRConfidence: orDefault(cp.OCRConfidence, 1.0),
	}, opt.SkipChecks, time.Now())

	if err := c.Store.PutPIIReport(ctx, statestore.PIIReport{
		IngestID:  man.IngestID,
		TenantID:  man.TenantID,
		Counts:    countsFromReport(report),
		Total:     totalEntities,
		Action:    string(opt.Action),
		CreatedAt: time.Now(),
	}); err != nil {
		return c.failStage(ctx, man, StagePIIDQ, fmt.Sprintf("pii report write failed: %v", err))
	}
	if err := c.Store.PutDQReport(ctx, statestore.DQReport{
		IngestID:  man.IngestID,
		TenantID:  man.TenantID,
		Results:   dqReport.Checks,
		AllPassed: passed,
		CreatedAt: dqReport.Timestamp,
	}); err != nil {
		return c.failStage(ctx, man, StagePIIDQ, fmt.Sprintf("dq report write failed: %v", err))
	}

	if !passed {
		if opt.ContinueOnWarn {
			cp.Metadata = mergeStringMaps(cp.Metadata, map[string]string{"dq_warn": "true"})
		} else {
			return c.failStage(ctx, man, StagePIIDQ, "DQ checks failed")
		}
	}

	cp.Text = redacted
	cp.PIIReport = report
	cp.DQReport = dqReport.Checks

	if err := c.Store.MergeManifestMetadata(ctx, man.IngestID, encodeCanonical(cp)); err != nil {
		return c.failStage(ctx, man, StagePIIDQ, fmt.Sprintf("merge canonical metadata: %v", err))
	}
	return nil
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func countsFromReport(report piidq.Report) map[string]int {
	out := map[string]int{}
	for k, v := range report {
		if strings.HasPrefix(k, "_") {
			continue
		}
		if n, ok := v.(int); ok {
			out[k] = n
		}
	}
	return out
}
