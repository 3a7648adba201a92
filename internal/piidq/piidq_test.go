package piidq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestApplyRedactsEmail(t *testing.T) {
	policy := Policy{"EMAIL_ADDRESS": ActionRedact, defaultKey: ActionAllow}
	text, report := Apply("Contact: a@b.com please", policy, "", "")
	require.Equal(t, "Contact: [REDACTED] please", text)
	require.Equal(t, 1, report["_total"])
	require.Equal(t, 1, report["EMAIL_ADDRESS"])
}

func TestApplyHashOverride(t *testing.T) {
	policy := Policy{"EMAIL_ADDRESS": ActionAllow}
	text, report := Apply("a@b.com", policy, ActionHash, "")
	require.NotEqual(t, "a@b.com", text)
	require.Equal(t, "HASH", report["_action"])
}

func TestApplyNoEntitiesLeavesTextUnchanged(t *testing.T) {
	text, report := Apply("nothing sensitive here", Policy{}, "", "")
	require.Equal(t, "nothing sensitive here", text)
	require.Empty(t, report)
}

func TestRunChecksNotEmpty(t *testing.T) {
	cfg := ChecksConfig{NotEmpty: true, LanguageDetect: true}
	passed, report := RunChecks(cfg, Payload{Text: "", Lang: "en"}, nil, time.Unix(0, 0))
	require.False(t, passed)
	require.False(t, report.Checks["not_empty"])
	require.True(t, report.Checks["language_detect"])
}

func TestRunChecksSkipForcesPass(t *testing.T) {
	cfg := ChecksConfig{NotEmpty: true}
	passed, report := RunChecks(cfg, Payload{Text: ""}, map[string]bool{"not_empty": true}, time.Unix(0, 0))
	require.True(t, passed)
	require.True(t, report.Checks["not_empty"])
}
