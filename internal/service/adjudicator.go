package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/endomatch/trialmatch/internal/models"
	"github.com/endomatch/trialmatch/internal/observability"
	"github.com/endomatch/trialmatch/internal/retry"
	"github.com/endomatch/trialmatch/pkg/textnorm"
)

const (
	verdictCacheName = "verdict"

	// maxEligibilityPromptChars bounds the eligibility text included in the
	// prompt so one trial with a book-length criteria section cannot blow the
	// model's context.
	maxEligibilityPromptChars = 2500

	defaultAdjudicationTimeout    = 10 * time.Second
	defaultAdjudicationRetries    = 3
	defaultAdjudicationBackoff    = 2 * time.Second
	defaultAdjudicationBackoffCap = 10 * time.Second
)

// Reasoner produces a JSON completion for an eligibility prompt.
type Reasoner interface {
	GenerateJSON(ctx context.Context, prompt string) (string, error)
	Model() string
}

// verdictPayload is the JSON shape the model is instructed to return.
type verdictPayload struct {
	Verdict    string  `json:"verdict"`
	Rationale  string  `json:"rationale"`
	Confidence float64 `json:"confidence"`
}

// Adjudicator judges whether a patient summary satisfies a trial's
// eligibility criteria by asking a reasoning model for a structured verdict.
// Adjudicate never returns an error; every failure mode degrades into a
// well-defined verdict so one bad trial cannot sink a whole match request.
type Adjudicator struct {
	reasoner Reasoner
	cache    *expirable.LRU[string, models.Verdict]
	policy   retry.Policy
	timeout  time.Duration
	metrics  observability.AdjudicationMetrics

	cacheMetrics observability.CacheMetrics
	logger       *slog.Logger
}

// AdjudicatorParams configures Adjudicator. Cache, Metrics and CacheMetrics
// may be nil. A zero Policy gets the default (3 retries, 2s initial backoff,
// 10s cap); a zero CallTimeout gets 10s.
type AdjudicatorParams struct {
	Reasoner     Reasoner
	Cache        *expirable.LRU[string, models.Verdict]
	Policy       retry.Policy
	CallTimeout  time.Duration
	Metrics      observability.AdjudicationMetrics
	CacheMetrics observability.CacheMetrics
	Logger       *slog.Logger
}

// NewAdjudicator creates an Adjudicator.
func NewAdjudicator(p AdjudicatorParams) *Adjudicator {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	policy := p.Policy
	if policy.MaxRetries == 0 && policy.InitialBackoff == 0 {
		policy = retry.NewPolicy(defaultAdjudicationRetries, defaultAdjudicationBackoff, defaultAdjudicationBackoffCap)
	}

	timeout := p.CallTimeout
	if timeout <= 0 {
		timeout = defaultAdjudicationTimeout
	}

	a := &Adjudicator{
		reasoner:     p.Reasoner,
		cache:        p.Cache,
		policy:       policy,
		timeout:      timeout,
		metrics:      p.Metrics,
		cacheMetrics: p.CacheMetrics,
		logger:       logger,
	}

	if a.metrics != nil {
		a.policy.OnRetry = func(ctx context.Context, _ int, _ error) {
			a.metrics.RecordRetry(ctx)
		}
	}

	return a
}

// Adjudicate judges the (summary, trial) pair and always returns a verdict:
// a clean label on success, ineligible with zero confidence when the model's
// reply cannot be parsed, and uncertain with the Failed flag set when the
// call failed permanently. Clean verdicts are cached; a canceled or failed
// call writes nothing.
func (a *Adjudicator) Adjudicate(ctx context.Context, queryText string, trial models.TrialRecord) models.Verdict {
	key := a.cacheKey(queryText, trial.NCTID)

	if a.cache != nil {
		if cached, ok := a.cache.Get(key); ok {
			if a.cacheMetrics != nil {
				a.cacheMetrics.RecordHit(ctx, verdictCacheName)
			}

			cached.Cached = true

			return cached
		}

		if a.cacheMetrics != nil {
			a.cacheMetrics.RecordMiss(ctx, verdictCacheName)
		}
	}

	start := time.Now()
	prompt := buildPrompt(queryText, trial)

	var (
		verdict   models.Verdict
		malformed bool
	)

	err := a.policy.Do(ctx, "adjudicate "+trial.NCTID, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()

		raw, callErr := a.reasoner.GenerateJSON(callCtx, prompt)
		if callErr != nil {
			return callErr
		}

		parsed, parseErr := parseVerdict(raw, trial.NCTID)
		if parseErr != nil {
			a.logger.WarnContext(ctx, "adjudication: malformed model reply",
				"nct_id", trial.NCTID,
				"error", parseErr,
			)

			verdict = models.Verdict{NCTID: trial.NCTID, Label: models.LabelIneligible, Confidence: 0}
			malformed = true

			return retry.Terminal(parseErr)
		}

		verdict = parsed

		return nil
	})

	verdict.Latency = time.Since(start)

	switch {
	case malformed:
		a.record(ctx, "malformed", verdict.Latency)
	case err != nil:
		a.logger.ErrorContext(ctx, "adjudication failed permanently",
			"nct_id", trial.NCTID,
			"error", err,
		)

		verdict = models.Verdict{
			NCTID:      trial.NCTID,
			Label:      models.LabelUncertain,
			Confidence: 0,
			Latency:    time.Since(start),
			Failed:     true,
			Err:        err,
		}

		a.record(ctx, "failed", verdict.Latency)
	default:
		if a.cache != nil {
			a.cache.Add(key, verdict)
		}

		a.record(ctx, string(verdict.Label), verdict.Latency)
	}

	return verdict
}

func (a *Adjudicator) record(ctx context.Context, outcome string, latency time.Duration) {
	if a.metrics != nil {
		a.metrics.RecordAdjudication(ctx, outcome, latency)
	}
}

// cacheKey is stable across trivially different spellings of the same query
// and rolls over when the reasoning model changes.
func (a *Adjudicator) cacheKey(queryText, nctID string) string {
	sum := sha256.Sum256([]byte(textnorm.CacheKey(queryText) + "|" + nctID + "|" + a.reasoner.Model()))

	return hex.EncodeToString(sum[:])
}

func buildPrompt(queryText string, trial models.TrialRecord) string {
	eligibility := trial.EligibilityText
	if utf8.RuneCountInString(eligibility) > maxEligibilityPromptChars {
		runes := []rune(eligibility)
		eligibility = string(runes[:maxEligibilityPromptChars])
	}

	var b strings.Builder

	b.WriteString("You are a clinical trial eligibility auditor. ")
	b.WriteString("Decide whether the patient plausibly meets the trial's eligibility criteria.\n\n")
	b.WriteString("Patient summary:\n")
	b.WriteString(queryText)
	b.WriteString("\n\nTrial: ")
	b.WriteString(trial.Title)

	if trial.Phase != "" {
		b.WriteString(" (")
		b.WriteString(trial.Phase)
		b.WriteString(")")
	}

	b.WriteString("\nEligibility criteria:\n")
	b.WriteString(eligibility)
	b.WriteString("\n\nAnswer with a single JSON object: ")
	b.WriteString(`{"verdict": "YES|NO|MAYBE", "rationale": "<one sentence>", "confidence": <0..1>}. `)
	b.WriteString("YES means the patient plausibly qualifies, NO means a criterion clearly excludes them, ")
	b.WriteString("MAYBE means the summary does not say enough to decide.")

	return b.String()
}

// parseVerdict decodes the model's reply, tolerating markdown code fences.
func parseVerdict(raw, nctID string) (models.Verdict, error) {
	cleaned := stripFences(raw)

	var payload verdictPayload
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return models.Verdict{}, fmt.Errorf("decoding verdict JSON: %w", err)
	}

	var label models.EligibilityLabel

	switch strings.ToUpper(strings.TrimSpace(payload.Verdict)) {
	case "YES":
		label = models.LabelEligible
	case "NO":
		label = models.LabelIneligible
	case "MAYBE":
		label = models.LabelUncertain
	default:
		return models.Verdict{}, fmt.Errorf("unknown verdict %q", payload.Verdict)
	}

	confidence := payload.Confidence
	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}

	return models.Verdict{
		NCTID:      nctID,
		Label:      label,
		Rationale:  strings.TrimSpace(payload.Rationale),
		Confidence: confidence,
	}, nil
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag, which some models emit even in JSON response mode.
func stripFences(raw string) string {
	trimmed := strings.TrimSpace(raw)

	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}

	trimmed = strings.TrimPrefix(trimmed, "```")

	if newline := strings.IndexByte(trimmed, '\n'); newline >= 0 {
		firstLine := strings.TrimSpace(trimmed[:newline])
		if firstLine == "" || firstLine == "json" {
			trimmed = trimmed[newline+1:]
		}
	} else {
		trimmed = strings.TrimPrefix(trimmed, "json")
	}

	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")

	return strings.TrimSpace(trimmed)
}
