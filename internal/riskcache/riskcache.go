// Package riskcache implements a signature-keyed cache over Monte Carlo
// risk simulation results, plus the lenient coercion and simulator client
// the planner's risk path depends on. An optional Redis mirror composes a
// go-redis client behind the same Cache interface.
package riskcache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Spec is the planner's risk specification payload.
type Spec map[string]any

// Result is either a simulator payload or one of the sentinel error shapes
// risk.run never throws for: simulation_http_error, simulation_failed,
// simulation_invalid_payload.
type Result map[string]any

// Cache backs read/store by signature; a process-local map by default, with
// an optional Redis mirror layered on top via NewRedisMirrored.
type Cache interface {
	Read(ctx context.Context, signature string) (Result, bool)
	Store(ctx context.Context, signature string, result Result)
}

type memoryCache struct {
	mu    sync.RWMutex
	items map[string]Result
}

// NewMemoryCache builds the process-local map cache.
func NewMemoryCache() Cache { return &memoryCache{items: make(map[string]Result)} }

func (c *memoryCache) Read(_ context.Context, signature string) (Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.items[signature]
	return r, ok
}

func (c *memoryCache) Store(_ context.Context, signature string, result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[signature] = result
}

// Signature computes SHA256(canonical_json({spec, data_version})).
// encoding/json's map key ordering is already deterministic (sorted), which
// gives us canonical JSON without a separate canonicalization pass.
func Signature(spec Spec, dataVersion string) (string, error) {
	payload := map[string]any{"spec": spec, "data_version": dataVersion}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

var cleanNumericRe = regexp.MustCompile(`[^0-9eE.\-+]`)

func parseNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case nil:
		return 0, false
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		cleaned := strings.TrimSpace(v)
		if cleaned == "" {
			return 0, false
		}
		cleaned = strings.ReplaceAll(cleaned, ",", "")
		cleaned = cleanNumericRe.ReplaceAllString(cleaned, "")
		switch cleaned {
		case "", "+", "-", ".", "+.", "-.":
			return 0, false
		}
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func coerceFloat(value any, fallback float64, field string) float64 {
	f, ok := parseNumber(value)
	if !ok {
		if value != nil && value != "" {
			log.Warn().Str("field", field).Interface("value", value).Float64("fallback", fallback).Msg("invalid risk field, using fallback")
		}
		return fallback
	}
	return f
}

func coerceInt(value any, fallback int, field string) int {
	f, ok := parseNumber(value)
	if !ok {
		if value != nil && value != "" {
			log.Warn().Str("field", field).Interface("value", value).Int("fallback", fallback).Msg("invalid risk field, using fallback")
		}
		return fallback
	}
	return int(f)
}

// BoundTrials parses spec["trials"] leniently and clamps it to [100,
// maxTrials], returning a copy of spec with the bounded value set.
func BoundTrials(spec Spec, maxTrials int) Spec {
	out := make(Spec, len(spec)+1)
	for k, v := range spec {
		out[k] = v
	}
	trials := coerceInt(spec["trials"], maxTrials, "trials")
	if trials > maxTrials {
		trials = maxTrials
	}
	if trials < 100 {
		trials = 100
	}
	out["trials"] = trials
	return out
}

// Defaults supplies the fallback values risk.run uses when variables are
// missing or malformed.
type Defaults struct {
	Revenue       float64
	OperatingMargin float64
	RevSigma      float64
	MarginSigma   float64
	Trials        int
}

// Client invokes the Monte Carlo simulator over HTTP.
type Client struct {
	SimulatorURL string
	HTTPClient   *http.Client
	Timeout      time.Duration
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// Run maps the planner's spec to a simulator request and posts it,
// returning a sentinel error-shaped Result rather than an error so callers
// can always proceed without risk on failure.
func (c *Client) Run(ctx context.Context, spec Spec, defaults Defaults) Result {
	variables, _ := spec["variables"].(map[string]any)
	if variables == nil {
		variables = map[string]any{}
	}
	baseRevenue := coerceFloat(variables["revenue"], defaults.Revenue, "revenue")
	operatingMargin := coerceFloat(variables["operatingMargin"], defaults.OperatingMargin, "operatingMargin")
	revSigma := coerceFloat(variables["revSigma"], defaults.RevSigma, "revSigma")
	marginSigma := coerceFloat(variables["marginSigma"], defaults.MarginSigma, "marginSigma")
	trials := coerceInt(spec["trials"], defaults.Trials, "trials")

	ticker, _ := variables["ticker"].(string)
	if ticker == "" {
		ticker = "N/A"
	}
	currency, _ := variables["currency"].(string)
	if currency == "" {
		currency = "USD"
	}
	scenarioNotes, _ := spec["scenarioNotes"].(string)

	payload := map[string]any{
		"ticker": ticker,
		"inputs": map[string]any{
			"revenue":          baseRevenue,
			"operating_margin": operatingMargin,
		},
		"assumptions": map[string]any{
			"rev_sigma":    revSigma,
			"margin_sigma": marginSigma,
			"n":            trials,
		},
		"sim_request": map[string]any{
			"base_revenue": baseRevenue,
			"currency":     currency,
			"raw_query":    scenarioNotes,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{"error": "simulation_failed", "detail": err.Error()}
	}

	url := strings.TrimRight(c.SimulatorURL, "/") + "/v1/run"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{"error": "simulation_failed", "detail": err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		log.Error().Err(err).Msg("simulation http error")
		return Result{"error": "simulation_http_error", "detail": err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Result{"error": "simulation_http_error", "status_code": resp.StatusCode}
	}

	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		log.Error().Err(err).Msg("simulation returned malformed payload")
		return Result{"error": "simulation_invalid_payload"}
	}
	return Result(data)
}
