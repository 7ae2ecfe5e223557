package trawl

import (
	"fmt"
	"strings"
	"time"
)

// --- evaluator system prompts ---

const definitivePrompt = `You evaluate whether an answer is definitive. An answer fails when it is
"I don't know"-shaped: hedging, refusing, deferring ("I cannot answer",
"insufficient information", "it depends, please check..."), or answering a
different question. Uncertainty expressed WITH a concrete best answer still
passes. Judge shape, not correctness.`

const freshnessPrompt = `You evaluate whether an answer is fresh enough for a time-sensitive question.
Determine the maximum acceptable source age the question implies (prices and
scores: hours; news: days; rankings: months; historical facts: unlimited),
then check every load-bearing claim against its source date. Fail when any
load-bearing claim rests on a source older than the implied window.`

const pluralityPrompt = `You evaluate whether an answer supplies as many items as the question asks
for. Extract the requested count or enumeration from the question (explicit
numbers, "list all", plural forms) and count distinct items the answer
actually provides. Fail when provided < required.`

const completenessPrompt = `You evaluate whether an answer addresses every aspect the question explicitly
names: multiple entities joined by "and"/commas, multiple attributes asked
about, comparisons requiring both sides. Fail when any named aspect is
missing. Only aspects named in the question count.`

const attributionPrompt = `You evaluate whether an answer's factual claims are backed by its references.
You are given the fetched source evidence. A claim is supported when a cited
source contains text that substantiates it. Fail when load-bearing claims
have no supporting source, or when quotes misrepresent their source.`

const strictPrompt = `You are a harsh, skeptical reviewer performing a final quality check. Find
concrete shortcomings: vagueness where precision was possible, missed angles,
weak sourcing, poor structure, hedging. Only pass answers you would be proud
to publish. When failing, write an improvement plan the author can follow
mechanically.`

const errorAnalyzerPrompt = `You analyze a failed research attempt from its step diary. Identify what was
actually done, where it went wrong, and what to change. Be specific: name the
step, the query, or the decision that caused the failure. The improvement
must be actionable on the next attempt, not generic advice.`

// --- scheduler prompts ---

const headerPrompt = `Current date: %s

You are an advanced AI research agent. You are specialized in multistep
reasoning. Using your best knowledge, conversation with the user and lessons
learned, answer the user question with absolute certainty.
`

const beastModePrompt = `
<action-answer>
🔥 ENGAGE MAXIMUM FORCE! ABSOLUTE PRIORITY OVERRIDE! 🔥

PRIME DIRECTIVE:
- DEMOLISH ALL HESITATION! ANY RESPONSE SURPASSES SILENCE!
- PARTIAL STRIKES AUTHORIZED - DEPLOY WITH FULL CONTEXT FIREPOWER
- TACTICAL REUSE FROM YOUR PREVIOUS KNOWLEDGE AND FINDINGS SANCTIONED
- WHEN IN DOUBT: UNLEASH CALCULATED SPECULATION BASED ON AVAILABLE INTEL!

FAILURE IS NOT AN OPTION. PRODUCE THE BEST ANSWER POSSIBLE FROM EVERYTHING
GATHERED SO FAR.
</action-answer>`

// promptContext carries everything composeSystemPrompt needs for one step.
type promptContext struct {
	allow        allowFlags
	urls         []BoostedURL // ranked per-step URL list (1-based in prompt)
	diary        []string
	allQuestions []string
	badRequests  []string // previously failed search keywords
	improvements []string // binding reviewer feedback (beast mode)
	beastMode    bool
}

// composeSystemPrompt builds the step system prompt, enumerating only the
// currently-allowed actions.
func composeSystemPrompt(pc promptContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, headerPrompt, time.Now().UTC().Format("Mon, 02 Jan 2006 15:04:05 MST"))

	if len(pc.diary) > 0 {
		b.WriteString("\nYou have conducted the following actions:\n<context>\n")
		b.WriteString(strings.Join(pc.diary, "\n\n"))
		b.WriteString("\n</context>\n")
	}

	b.WriteString("\nBased on the current context, you must choose one of the following actions:\n<actions>\n")

	if pc.allow.visit && len(pc.urls) > 0 {
		b.WriteString("\n<action-visit>\n- Ground the answer with external web content\n- Read the full content of a URL and get the fulltext, knowledge, clues and hints for better answering the question\n- Choose the most relevant URLs from the list below by their index\n<url-list>\n")
		for i, u := range pc.urls {
			desc := u.Description
			if desc == "" {
				desc = u.Title
			}
			fmt.Fprintf(&b, "  + [idx=%d] [weight=%.2f] \"%s\": \"%s\"\n", i+1, u.FinalScore, u.URL, truncateStr(desc, 120))
		}
		b.WriteString("</url-list>\n</action-visit>\n")
	}

	if pc.allow.search {
		b.WriteString("\n<action-search>\n- Use web search to find relevant information\n- Build search requests based on the intention behind the original question; always prefer a single request\n")
		if len(pc.badRequests) > 0 {
			b.WriteString("- Avoid these unsuccessful search requests:\n<bad-requests>\n")
			b.WriteString(strings.Join(pc.badRequests, "\n"))
			b.WriteString("\n</bad-requests>\n")
		}
		b.WriteString("</action-search>\n")
	}

	if pc.allow.answer {
		b.WriteString("\n<action-answer>\n- For greetings, casual conversation and general knowledge questions, answer directly\n- If the user asks you to retrieve previous conversation, answer directly\n- Otherwise only answer when you have gathered enough definitive knowledge; cite sources with exact quotes\n- If uncertain, prefer another action\n</action-answer>\n")
	}

	if pc.beastMode {
		b.WriteString(beastModePrompt)
	}

	if pc.allow.reflect {
		b.WriteString("\n<action-reflect>\n- Think slowly and plan ahead; examine the question, the context and previous actions\n- Identify knowledge gaps and break the question into essential, answerable sub-questions\n")
		if len(pc.allQuestions) > 0 {
			b.WriteString("- Sub-questions must differ from these already-asked questions:\n<asked-questions>\n")
			b.WriteString(strings.Join(pc.allQuestions, "\n"))
			b.WriteString("\n</asked-questions>\n")
		}
		b.WriteString("</action-reflect>\n")
	}

	if pc.allow.coding {
		b.WriteString("\n<action-coding>\n- Solve programming, calculation, counting, sorting, filtering, transforming or regex problems by writing and executing code\n- Describe the issue in codingIssue; include the concrete input data\n</action-coding>\n")
	}

	b.WriteString("\n</actions>\n\nThink step by step, choose the action, then respond matching the JSON schema of that action.")

	if len(pc.improvements) > 0 {
		b.WriteString("\n\nThe following reviewer feedback is binding; the final answer must satisfy it:\n<reviewer-feedback>\n")
		b.WriteString(strings.Join(pc.improvements, "\n---\n"))
		b.WriteString("\n</reviewer-feedback>\n")
	}

	return b.String()
}

// --- query rewriter ---

type rewrittenQuery struct {
	Query string `json:"q" jsonschema:"required,description=Refined keyword-style search query."`
	Lang  string `json:"lang,omitempty" jsonschema:"description=Two-letter language code when the best sources are non-English."`
	Geo   string `json:"geo,omitempty" jsonschema:"description=Country code when the question is region-specific."`
	Tbs   string `json:"tbs,omitempty" jsonschema:"description=Time filter: qdr:h qdr:d qdr:w qdr:m or qdr:y when recency matters."`
}

type queryRewrite struct {
	Think   string           `json:"think" jsonschema:"required,description=Briefly explain the refinement strategy."`
	Queries []rewrittenQuery `json:"queries" jsonschema:"required,description=Refined queries informed by the first-pass snippets. At most 3."`
}

var queryRewriteSchema = MustSchema("query_rewrite", &queryRewrite{})

const queryRewriterPrompt = `You optimize search queries. Given the original queries and the first-pass
result snippets, propose refined queries that close the remaining information
gaps. Use search-engine keyword style, not natural language. Add language,
region or time qualifiers only when the snippets show they would help.`

// formatRewritten renders a rewritten query for execution, folding the
// structured filters into the query string.
func formatRewritten(q rewrittenQuery) string {
	s := q.Query
	if q.Tbs != "" {
		s += " " + tbsToKeyword(q.Tbs)
	}
	return strings.TrimSpace(s)
}

func tbsToKeyword(tbs string) string {
	switch tbs {
	case "qdr:h", "qdr:d":
		return "past 24 hours"
	case "qdr:w":
		return "past week"
	case "qdr:m":
		return "past month"
	case "qdr:y":
		return "past year"
	}
	return ""
}
