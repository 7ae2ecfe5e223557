package trawl

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// CriterionType names one evaluation criterion.
type CriterionType string

const (
	CriterionDefinitive   CriterionType = "definitive"
	CriterionFreshness    CriterionType = "freshness"
	CriterionPlurality    CriterionType = "plurality"
	CriterionAttribution  CriterionType = "attribution"
	CriterionCompleteness CriterionType = "completeness"
	CriterionStrict       CriterionType = "strict"
)

// criterionOrder is the fixed short-circuit order for evaluation.
var criterionOrder = []CriterionType{
	CriterionDefinitive,
	CriterionFreshness,
	CriterionPlurality,
	CriterionAttribution,
	CriterionCompleteness,
	CriterionStrict,
}

// EvaluationCriterion is one active criterion for a question. A criterion is
// removed when RemainingAttempts reaches zero.
type EvaluationCriterion struct {
	Type              CriterionType `json:"type"`
	RemainingAttempts int           `json:"remaining_attempts"`
}

// EvaluationResult is the verdict for one candidate answer. On failure, Type
// names the first criterion that rejected the answer.
type EvaluationResult struct {
	Pass            bool          `json:"pass"`
	Type            CriterionType `json:"type,omitempty"`
	Think           string        `json:"think"`
	ImprovementPlan string        `json:"improvement_plan,omitempty"`
}

// ErrorAnalysis is the diagnosis produced after a rejected answer on the
// original question.
type ErrorAnalysis struct {
	Recap       string `json:"recap" jsonschema:"required,description=Recap the actions taken and the steps where things went wrong in one paragraph."`
	Blame       string `json:"blame" jsonschema:"required,description=Which action or behavior is the root cause of the failure."`
	Improvement string `json:"improvement" jsonschema:"required,description=Actionable change for the next attempt; avoid repeating the same mistakes."`
}

// Evaluator judges candidate answers against a set of criteria via
// schema-constrained generator calls, one per criterion, short-circuiting on
// the first failure.
type Evaluator struct {
	gen     ObjectGenerator
	tracker *TokenTracker
	logger  *slog.Logger
}

// NewEvaluator creates an evaluator. tracker may be nil.
func NewEvaluator(gen ObjectGenerator, tracker *TokenTracker, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = nopLogger
	}
	return &Evaluator{gen: gen, tracker: tracker, logger: logger}
}

// --- criterion selection ---

type criteriaPick struct {
	Think             string `json:"think" jsonschema:"required,description=Explain which evaluation checks this question needs and why."`
	NeedsDefinitive   bool   `json:"needsDefinitive" jsonschema:"required"`
	NeedsFreshness    bool   `json:"needsFreshness" jsonschema:"required,description=True when the question asks about current events or anything time-sensitive."`
	NeedsPlurality    bool   `json:"needsPlurality" jsonschema:"required,description=True when the question asks for a specific number or list of items."`
	NeedsAttribution  bool   `json:"needsAttribution" jsonschema:"required,description=True when the question demands verifiable sourced claims."`
	NeedsCompleteness bool   `json:"needsCompleteness" jsonschema:"required,description=True when the question explicitly names multiple aspects that all must be covered."`
}

var criteriaPickSchema = MustSchema("evaluation_criteria", &criteriaPick{})

// SelectCriteria runs the criterion-selection call for a question and returns
// the chosen subset, each seeded with maxAttempts. The strict criterion is
// appended unconditionally.
func (e *Evaluator) SelectCriteria(ctx context.Context, question string, maxAttempts int) ([]EvaluationCriterion, error) {
	pick, err := generateObject[criteriaPick](ctx, e.gen, GenerateRequest{
		System: `You are an evaluation-planning assistant. Given a question, decide which
quality checks a satisfying answer must pass. Only enable a check when the
question genuinely requires it.`,
		Messages: []ChatMessage{UserMessage(question)},
		Schema:   criteriaPickSchema,
	}, e.tracker, "evaluator", e.logger)
	if err != nil {
		return nil, err
	}

	var out []EvaluationCriterion
	add := func(t CriterionType, enabled bool) {
		if enabled {
			out = append(out, EvaluationCriterion{Type: t, RemainingAttempts: maxAttempts})
		}
	}
	add(CriterionDefinitive, pick.NeedsDefinitive)
	add(CriterionFreshness, pick.NeedsFreshness)
	add(CriterionPlurality, pick.NeedsPlurality)
	add(CriterionAttribution, pick.NeedsAttribution)
	add(CriterionCompleteness, pick.NeedsCompleteness)
	add(CriterionStrict, true)
	return out, nil
}

// HasCriterion reports whether criteria contains the given type.
func HasCriterion(criteria []EvaluationCriterion, t CriterionType) bool {
	for _, c := range criteria {
		if c.Type == t {
			return true
		}
	}
	return false
}

// --- per-criterion verdict schemas ---

type baseVerdict struct {
	Think string `json:"think" jsonschema:"required,description=Explain the verdict in one or two sentences."`
	Pass  bool   `json:"pass" jsonschema:"required"`
}

type freshnessVerdict struct {
	baseVerdict
	DaysAgo    int `json:"days_ago" jsonschema:"required,description=Age in days of the oldest load-bearing source."`
	MaxAgeDays int `json:"max_age_days" jsonschema:"required,description=Maximum acceptable source age in days implied by the question."`
}

type pluralityVerdict struct {
	baseVerdict
	Required int `json:"required" jsonschema:"required,description=Number of items the question asks for."`
	Provided int `json:"provided" jsonschema:"required,description=Number of items the answer supplies."`
}

type completenessVerdict struct {
	baseVerdict
	Expected string `json:"expected" jsonschema:"required,description=Comma-separated aspects the question names."`
	Provided string `json:"provided" jsonschema:"required,description=Comma-separated aspects the answer addresses."`
}

type attributionVerdict struct {
	baseVerdict
	UnsupportedClaims string `json:"unsupported_claims,omitempty" jsonschema:"description=Claims with no supporting quote in the fetched sources."`
}

type strictVerdict struct {
	baseVerdict
	ImprovementPlan string `json:"improvement_plan" jsonschema:"required,description=Concrete plan to improve the answer; start with 'For the best answer, you must...'"`
}

var (
	definitiveSchema   = MustSchema("definitive_verdict", &baseVerdict{})
	freshnessSchema    = MustSchema("freshness_verdict", &freshnessVerdict{})
	pluralitySchema    = MustSchema("plurality_verdict", &pluralityVerdict{})
	completenessSchema = MustSchema("completeness_verdict", &completenessVerdict{})
	attributionSchema  = MustSchema("attribution_verdict", &attributionVerdict{})
	strictSchema       = MustSchema("strict_verdict", &strictVerdict{})
)

// Evaluate judges a candidate answer against the question's criteria.
// Criteria are checked in the fixed order definitive, freshness, plurality,
// attribution, completeness, strict; the first failing criterion yields the
// outcome and later criteria are never consulted. pageText looks up fetched
// page content by normalized URL for attribution; it may be nil.
func (e *Evaluator) Evaluate(ctx context.Context, question string, action *StepAction, criteria []EvaluationCriterion, pageText func(url string) string) (EvaluationResult, error) {
	if len(criteria) == 0 {
		// Sub-questions carry no criteria; only the definitive shape check runs.
		return e.checkCriterion(ctx, CriterionDefinitive, question, action, pageText)
	}
	for _, t := range criterionOrder {
		if !HasCriterion(criteria, t) {
			continue
		}
		res, err := e.checkCriterion(ctx, t, question, action, pageText)
		if err != nil {
			return EvaluationResult{}, err
		}
		if !res.Pass {
			return res, nil
		}
	}
	return EvaluationResult{Pass: true, Think: "all criteria passed"}, nil
}

func (e *Evaluator) checkCriterion(ctx context.Context, t CriterionType, question string, action *StepAction, pageText func(string) string) (EvaluationResult, error) {
	switch t {
	case CriterionDefinitive:
		v, err := generateObject[baseVerdict](ctx, e.gen, e.verdictRequest(definitivePrompt, question, action, definitiveSchema), e.tracker, "evaluator", e.logger)
		if err != nil {
			return EvaluationResult{}, err
		}
		return verdictResult(t, v.Pass, v.Think), nil

	case CriterionFreshness:
		req := e.verdictRequest(freshnessPrompt, question, action, freshnessSchema)
		req.Messages = append([]ChatMessage{UserMessage("Current time: " + time.Now().UTC().Format(time.RFC3339))}, req.Messages...)
		v, err := generateObject[freshnessVerdict](ctx, e.gen, req, e.tracker, "evaluator", e.logger)
		if err != nil {
			return EvaluationResult{}, err
		}
		res := verdictResult(t, v.Pass, v.Think)
		if !v.Pass {
			res.Think = fmt.Sprintf("%s (source age %d days, max acceptable %d)", v.Think, v.DaysAgo, v.MaxAgeDays)
		}
		return res, nil

	case CriterionPlurality:
		v, err := generateObject[pluralityVerdict](ctx, e.gen, e.verdictRequest(pluralityPrompt, question, action, pluralitySchema), e.tracker, "evaluator", e.logger)
		if err != nil {
			return EvaluationResult{}, err
		}
		res := verdictResult(t, v.Pass, v.Think)
		if !v.Pass {
			res.Think = fmt.Sprintf("%s (required %d, provided %d)", v.Think, v.Required, v.Provided)
		}
		return res, nil

	case CriterionAttribution:
		return e.checkAttribution(ctx, question, action, pageText)

	case CriterionCompleteness:
		v, err := generateObject[completenessVerdict](ctx, e.gen, e.verdictRequest(completenessPrompt, question, action, completenessSchema), e.tracker, "evaluator", e.logger)
		if err != nil {
			return EvaluationResult{}, err
		}
		res := verdictResult(t, v.Pass, v.Think)
		if !v.Pass {
			res.Think = fmt.Sprintf("%s (expected: %s; provided: %s)", v.Think, v.Expected, v.Provided)
		}
		return res, nil

	case CriterionStrict:
		v, err := generateObject[strictVerdict](ctx, e.gen, e.verdictRequest(strictPrompt, question, action, strictSchema), e.tracker, "evaluator", e.logger)
		if err != nil {
			return EvaluationResult{}, err
		}
		res := verdictResult(t, v.Pass, v.Think)
		res.ImprovementPlan = v.ImprovementPlan
		return res, nil
	}
	return EvaluationResult{Pass: true}, nil
}

// checkAttribution verifies every reference's exact quote against the fetched
// page text before asking the LLM to judge whether the claims are supported.
// An answer with factual claims but no references fails outright.
func (e *Evaluator) checkAttribution(ctx context.Context, question string, action *StepAction, pageText func(string) string) (EvaluationResult, error) {
	if len(action.References) == 0 {
		return EvaluationResult{
			Pass:  false,
			Type:  CriterionAttribution,
			Think: "the answer makes factual claims but cites no sources; every claim needs a reference with an exact supporting quote",
		}, nil
	}

	var missing []string
	var evidence strings.Builder
	for _, ref := range action.References {
		text := ""
		if pageText != nil {
			text = pageText(ref.URL)
		}
		if ref.ExactQuote != "" && text != "" && !quoteAppears(ref.ExactQuote, text) {
			missing = append(missing, ref.URL)
		}
		fmt.Fprintf(&evidence, "<source url=%q quote_found=%v>\n%s\n</source>\n", ref.URL, !contains(missing, ref.URL), snippet(text, 1000))
	}
	if len(missing) > 0 {
		return EvaluationResult{
			Pass:  false,
			Type:  CriterionAttribution,
			Think: "quoted text was not found in the cited pages: " + strings.Join(missing, ", "),
		}, nil
	}

	req := e.verdictRequest(attributionPrompt, question, action, attributionSchema)
	req.Messages = append(req.Messages, UserMessage("Fetched source evidence:\n"+evidence.String()))
	v, err := generateObject[attributionVerdict](ctx, e.gen, req, e.tracker, "evaluator", e.logger)
	if err != nil {
		return EvaluationResult{}, err
	}
	res := verdictResult(CriterionAttribution, v.Pass, v.Think)
	if !v.Pass && v.UnsupportedClaims != "" {
		res.Think = v.Think + " (unsupported: " + v.UnsupportedClaims + ")"
	}
	return res, nil
}

// AnalyzeFailure runs the error analyzer over the diary of a failed attempt.
func (e *Evaluator) AnalyzeFailure(ctx context.Context, diary []string) (ErrorAnalysis, error) {
	return generateObject[ErrorAnalysis](ctx, e.gen, GenerateRequest{
		System:   errorAnalyzerPrompt,
		Messages: []ChatMessage{UserMessage(strings.Join(diary, "\n"))},
		Schema:   errorAnalysisSchema,
	}, e.tracker, "error-analyzer", e.logger)
}

var errorAnalysisSchema = MustSchema("error_analysis", &ErrorAnalysis{})

func (e *Evaluator) verdictRequest(system, question string, action *StepAction, schema Schema) GenerateRequest {
	return GenerateRequest{
		System: system,
		Messages: []ChatMessage{
			UserMessage("Question: " + question),
			UserMessage("Answer: " + action.Answer),
		},
		Schema: schema,
	}
}

func verdictResult(t CriterionType, pass bool, think string) EvaluationResult {
	res := EvaluationResult{Pass: pass, Think: think}
	if !pass {
		res.Type = t
	}
	return res
}

// quoteAppears checks whether quote occurs in text after NFC normalization,
// case folding, and whitespace collapsing.
func quoteAppears(quote, text string) bool {
	return strings.Contains(foldForMatch(text), foldForMatch(quote))
}

func foldForMatch(s string) string {
	s = norm.NFC.String(s)
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func snippet(s string, n int) string {
	if s == "" {
		return "(no fetched content)"
	}
	return truncateStr(s, n)
}
