package trawl

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// ActionKind names one of the five step actions.
type ActionKind string

const (
	ActionSearch  ActionKind = "search"
	ActionVisit   ActionKind = "visit"
	ActionReflect ActionKind = "reflect"
	ActionAnswer  ActionKind = "answer"
	ActionCoding  ActionKind = "coding"
)

// StepAction is the tagged step variant returned by the LLM. Exactly one
// action is taken per step; Think is always present. Which variant fields are
// populated depends on Action.
type StepAction struct {
	Action ActionKind `json:"action"`
	Think  string     `json:"think"`

	// search
	SearchRequests []string `json:"searchRequests,omitempty"`

	// visit — 1-based indices into the per-step URL list shown in the prompt.
	URLTargets []int `json:"URLTargets,omitempty"`

	// reflect
	SubQuestions []string `json:"questionsToAnswer,omitempty"`

	// answer
	Answer     string      `json:"answer,omitempty"`
	References []Reference `json:"references,omitempty"`

	// coding
	CodingIssue string `json:"codingIssue,omitempty"`

	// VisitedURLs holds the resolved targets of a visit action, filled by the
	// scheduler after index translation. Never set by the LLM.
	VisitedURLs []string `json:"-"`
	// IsFinal marks the accepted terminal answer. Never set by the LLM.
	IsFinal bool `json:"-"`
	// MDAnswer holds the markdown-polished answer when post-processing ran.
	MDAnswer string `json:"-"`
}

// allowFlags records which actions the next step may take. All flags start
// true each iteration; dispatch handlers selectively disable themselves for
// the following step.
type allowFlags struct {
	answer  bool
	search  bool
	visit   bool
	reflect bool
	coding  bool
}

func allowAll() allowFlags {
	return allowFlags{answer: true, search: true, visit: true, reflect: true, coding: true}
}

// answerOnly is the beast-mode flag set: every action disabled except answer.
func answerOnly() allowFlags {
	return allowFlags{answer: true}
}

func (f allowFlags) kinds() []ActionKind {
	var out []ActionKind
	if f.search {
		out = append(out, ActionSearch)
	}
	if f.visit {
		out = append(out, ActionVisit)
	}
	if f.reflect {
		out = append(out, ActionReflect)
	}
	if f.answer {
		out = append(out, ActionAnswer)
	}
	if f.coding {
		out = append(out, ActionCoding)
	}
	return out
}

// --- Per-action parameter structs (schema source of truth) ---

type searchParams struct {
	SearchRequests []string `json:"searchRequests" jsonschema:"required,description=Always prefer a single request; only add another request if the original question covers multiple aspects or elements and one query is not enough. Each request focuses on one specific aspect of the original question. Minimize mutual information between all requests."`
}

type visitParams struct {
	URLTargets []int `json:"URLTargets" jsonschema:"required,description=Indices of the URLs to visit from the numbered list above. Pick up to 4 URLs whose content is most likely to answer the question."`
}

type reflectParams struct {
	SubQuestions []string `json:"questionsToAnswer" jsonschema:"required,description=Reflection and planning: generate a list of most important questions to fill the knowledge gaps. Maximum provide 2 questions. Each question must be a single line and answerable on its own."`
}

type answerParams struct {
	Answer     string      `json:"answer" jsonschema:"required,description=Use all your knowledge you gathered; cover multiple aspects if needed. Must be definitive with no ambiguity or uncertainty. Use markdown footnote syntax like [^1] to refer the corresponding reference item."`
	References []Reference `json:"references" jsonschema:"description=Required when the answer relies on web sources. Each reference must quote the exact sentence supporting the claim."`
}

type codingParams struct {
	CodingIssue string `json:"codingIssue" jsonschema:"required,description=Describe the problem to solve in max 500 characters: the problem statement and available input data."`
}

// buildActionSchema composes the union schema of the currently-allowed action
// variants. Schema narrowing happens here, at prompt-build time: disallowed
// actions are simply absent from the enum and property set.
func buildActionSchema(allow allowFlags) (Schema, error) {
	kinds := allow.kinds()
	if len(kinds) == 0 {
		return Schema{}, fmt.Errorf("no actions allowed")
	}

	props := map[string]any{
		"action": map[string]any{
			"type":        "string",
			"enum":        kinds,
			"description": "Choose exactly one best action from the enum.",
		},
		"think": map[string]any{
			"type":        "string",
			"description": "Concisely explain your reasoning process in first person.",
		},
	}

	merge := func(v any) error {
		m, err := reflectProperties(v)
		if err != nil {
			return err
		}
		for k, p := range m {
			props[k] = p
		}
		return nil
	}

	if allow.search {
		if err := merge(&searchParams{}); err != nil {
			return Schema{}, err
		}
	}
	if allow.visit {
		if err := merge(&visitParams{}); err != nil {
			return Schema{}, err
		}
	}
	if allow.reflect {
		if err := merge(&reflectParams{}); err != nil {
			return Schema{}, err
		}
	}
	if allow.answer {
		if err := merge(&answerParams{}); err != nil {
			return Schema{}, err
		}
	}
	if allow.coding {
		if err := merge(&codingParams{}); err != nil {
			return Schema{}, err
		}
	}

	def, err := json.Marshal(map[string]any{
		"type":       "object",
		"properties": props,
		"required":   []string{"action", "think"},
	})
	if err != nil {
		return Schema{}, err
	}
	return Schema{Name: "step_action", Def: def}, nil
}

// ReflectSchema generates a JSON schema from a Go struct using jsonschema
// struct tags. Used for every structured generation in the loop (actions,
// evaluation verdicts, query rewriting, error analysis).
func ReflectSchema(name string, v any) (Schema, error) {
	r := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	s := r.Reflect(v)
	def, err := json.Marshal(s)
	if err != nil {
		return Schema{}, err
	}
	return Schema{Name: name, Def: def}, nil
}

// MustSchema is ReflectSchema that panics on error. Schema reflection only
// fails on malformed struct tags, which is a programming error.
func MustSchema(name string, v any) Schema {
	s, err := ReflectSchema(name, v)
	if err != nil {
		panic(err)
	}
	return s
}

// reflectProperties reflects v and returns its "properties" map.
func reflectProperties(v any) (map[string]any, error) {
	s, err := ReflectSchema("", v)
	if err != nil {
		return nil, err
	}
	var m struct {
		Properties map[string]any `json:"properties"`
	}
	if err := json.Unmarshal(s.Def, &m); err != nil {
		return nil, err
	}
	return m.Properties, nil
}
