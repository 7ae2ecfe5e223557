package trawl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Loop caps, mirrored in the prompt text.
const (
	maxQueriesPerStep = 5
	maxReflectPerStep = 2
	maxURLsPerStep    = 4
	promptURLTop      = 20

	// When the filtered candidate list grows past this, searching more is
	// disabled for the step; the agent has plenty to read already.
	searchDisableThreshold = 200

	defaultMaxReturnedURLs = 100
	hardMaxReturnedURLs    = 300

	// DefaultTokenBudget applies when a request carries no budget.
	DefaultTokenBudget = 1_000_000
	// DefaultMaxBadAttempts is the per-criterion rejection budget.
	DefaultMaxBadAttempts = 2

	defaultStepSleep = 100 * time.Millisecond
)

// Agent is the deep-research control plane. One Agent serves many requests;
// all per-request state lives in Research.
type Agent struct {
	gen       ObjectGenerator
	search    SearchProvider
	fetcher   Fetcher
	reranker  Reranker
	sandbox   CodeSandbox
	logger    *slog.Logger
	stepSleep time.Duration
	snapshots snapshotWriter
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithSearch sets the web search provider. Without one, the search action is
// never offered.
func WithSearch(s SearchProvider) AgentOption {
	return func(a *Agent) { a.search = s }
}

// WithFetcher sets the page fetcher. Without one, the visit action is never
// offered.
func WithFetcher(f Fetcher) AgentOption {
	return func(a *Agent) { a.fetcher = f }
}

// WithReranker sets the URL reranker. Optional; ranking degrades gracefully.
func WithReranker(r Reranker) AgentOption {
	return func(a *Agent) { a.reranker = r }
}

// WithSandbox sets the code sandbox. Without one, the coding action is never
// offered.
func WithSandbox(s CodeSandbox) AgentOption {
	return func(a *Agent) { a.sandbox = s }
}

// WithLogger sets the structured logger (default: no output).
func WithLogger(l *slog.Logger) AgentOption {
	return func(a *Agent) { a.logger = l }
}

// WithStepSleep sets the pause between major steps, backing off upstream
// services (default 100ms).
func WithStepSleep(d time.Duration) AgentOption {
	return func(a *Agent) { a.stepSleep = d }
}

// WithSnapshotDir enables per-step debug snapshots under dir.
func WithSnapshotDir(dir string) AgentOption {
	return func(a *Agent) { a.snapshots = snapshotWriter{dir: dir} }
}

// New creates an Agent around the given generator.
func New(gen ObjectGenerator, opts ...AgentOption) *Agent {
	a := &Agent{
		gen:       gen,
		logger:    nopLogger,
		stepSleep: defaultStepSleep,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Request is one research request. All fields except Messages are optional.
type Request struct {
	// Messages is the conversation; the last message must be a user turn and
	// its text is the question.
	Messages []ChatMessage

	TokenBudget    int
	MaxBadAttempts int

	BoostHostnames []string
	BadHostnames   []string
	OnlyHostnames  []string

	// NoDirectAnswer forbids the trivial first-step answer path.
	NoDirectAnswer bool
	// MaxReturnedURLs caps Result.AllURLs (default 100, hard cap 300).
	MaxReturnedURLs int

	// Tracker receives step events for streaming. Optional. The agent closes
	// it when the request finishes.
	Tracker *ActionTracker
	// TokenTracker overrides the internally-created tracker. Optional.
	TokenTracker *TokenTracker
}

// Result is the terminal outcome of a research request.
type Result struct {
	Answer      StepAction
	Usage       Usage
	TotalSteps  int
	VisitedURLs []string
	ReadURLs    []string
	AllURLs     []string
}

// schedulerState is the per-request mutable state. Concurrent mutation
// within a request is forbidden: the loop is single-threaded in its control
// decisions; fan-outs join before control returns here.
type schedulerState struct {
	question string
	gaps     []string

	allQuestions  []string
	seenQuestions map[string]bool
	allKeywords   []string
	seenKeywords  map[string]bool

	knowledge *KnowledgeBase
	urls      *URLStore
	visited   map[string]bool
	bad       map[string]bool
	badHosts  map[string]int
	readURLs  []string

	diary        []string
	criteria     map[string][]EvaluationCriterion
	improvements []string

	step      int
	totalStep int

	// disabledNext holds the actions the previous dispatch turned off for
	// the next step only.
	disabledNext map[ActionKind]bool

	lastURLList []BoostedURL

	tt        *TokenTracker
	at        *ActionTracker
	requestID string
}

func (st *schedulerState) pageText(url string) string {
	for _, item := range st.knowledge.Items() {
		if item.Type == KnowledgeURL && len(item.References) > 0 && item.References[0].URL == url {
			return item.Answer
		}
	}
	return ""
}

// Research runs the full agent loop for one request and returns the terminal
// answer with citations. It never returns without an answer unless the
// context is cancelled or the provider fails fatally.
func (a *Agent) Research(ctx context.Context, req Request) (*Result, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("trawl: empty conversation")
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" || strings.TrimSpace(last.Content) == "" {
		return nil, errors.New("trawl: conversation must end with a non-empty user turn")
	}

	budget := req.TokenBudget
	if budget <= 0 {
		budget = DefaultTokenBudget
	}

	st := &schedulerState{
		question:      strings.TrimSpace(last.Content),
		seenQuestions: make(map[string]bool),
		seenKeywords:  make(map[string]bool),
		knowledge:     NewKnowledgeBase(),
		urls:          NewURLStore(),
		visited:       make(map[string]bool),
		bad:           make(map[string]bool),
		badHosts:      make(map[string]int),
		criteria:      make(map[string][]EvaluationCriterion),
		disabledNext:  make(map[ActionKind]bool),
		tt:            req.TokenTracker,
		at:            req.Tracker,
		requestID:     NewID(),
	}
	if st.tt == nil {
		st.tt = NewTokenTracker(budget)
	}
	if st.at == nil {
		st.at = NewActionTracker()
	}
	defer st.at.Close()

	st.gaps = []string{st.question}
	st.allQuestions = []string{st.question}
	st.seenQuestions[strings.ToLower(st.question)] = true

	// Pre-load URLs mentioned anywhere in the conversation.
	for _, m := range req.Messages {
		for _, raw := range ExtractURLs(m.Content) {
			st.urls.Add(raw, "", "", "", 1)
		}
	}

	// Prior turns become chat-history knowledge so the agent can answer
	// questions about the conversation itself.
	if len(req.Messages) > 1 {
		var b strings.Builder
		for _, m := range req.Messages[:len(req.Messages)-1] {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		st.knowledge.Add(KnowledgeItem{
			Question: "What was discussed earlier in this conversation?",
			Answer:   b.String(),
			Type:     KnowledgeChatHistory,
		})
	}

	evaluator := NewEvaluator(a.gen, st.tt, a.logger)

	answer, err := a.runLoop(ctx, req, st, evaluator)
	if err != nil {
		return nil, err
	}
	if answer == nil {
		// Budget exhausted or criteria depleted without an accepted answer:
		// one forced-answer terminal call, accepted regardless of evaluation.
		answer, err = a.beastMode(ctx, req, st)
		if err != nil {
			return nil, err
		}
	}

	a.finalizeReferences(ctx, st, answer)
	st.at.TrackAction(st.totalStep, answer)

	return &Result{
		Answer:      *answer,
		Usage:       totalUsage(st.tt),
		TotalSteps:  st.totalStep,
		VisitedURLs: setToList(st.visited),
		ReadURLs:    append([]string(nil), st.readURLs...),
		AllURLs:     a.responseURLs(ctx, req, st),
	}, nil
}

// runLoop is the main step loop. It returns the accepted final answer, or
// nil when the loop exits without one (forcing beast mode).
func (a *Agent) runLoop(ctx context.Context, req Request, st *schedulerState, evaluator *Evaluator) (*StepAction, error) {
	for !st.tt.OverBudget() {
		if err := ctx.Err(); err != nil {
			// Cancelled at the loop boundary; external calls already joined.
			return nil, err
		}

		st.step++
		st.totalStep++
		currentQuestion := st.gaps[st.totalStep%len(st.gaps)]

		// Seed evaluation criteria for the original question on its first
		// visit. Sub-questions get an empty criterion list.
		if _, seeded := st.criteria[currentQuestion]; !seeded {
			if currentQuestion == st.question {
				criteria, err := evaluator.SelectCriteria(ctx, currentQuestion, maxBadAttempts(req))
				if err != nil {
					a.logger.Warn("criteria selection failed", "error", err)
					criteria = []EvaluationCriterion{{Type: CriterionStrict, RemainingAttempts: maxBadAttempts(req)}}
				}
				st.criteria[currentQuestion] = criteria
			} else {
				st.criteria[currentQuestion] = nil
			}
		}

		allow := a.allowedActions(st)

		// Freshness lockout: the agent must search before answering a
		// time-sensitive question.
		if st.totalStep == 1 && HasCriterion(st.criteria[st.question], CriterionFreshness) {
			allow.answer = false
			allow.reflect = false
		}

		ranked := st.urls.Rank(ctx, RankOptions{
			Question:       currentQuestion,
			Visited:        st.visited,
			BadHostnames:   req.BadHostnames,
			BoostHostnames: req.BoostHostnames,
			OnlyHostnames:  req.OnlyHostnames,
			PenalizedHosts: st.badHosts,
			Reranker:       a.reranker,
		})
		if len(ranked) == 0 {
			allow.visit = false
		}
		if len(ranked) > searchDisableThreshold {
			allow.search = false
		}
		top := ranked
		if len(top) > promptURLTop {
			top = top[:promptURLTop]
		}
		st.lastURLList = top

		system := composeSystemPrompt(promptContext{
			allow:        allow,
			urls:         top,
			diary:        st.diary,
			allQuestions: st.allQuestions,
			badRequests:  st.allKeywords,
			improvements: st.improvements,
		})
		schema, err := buildActionSchema(allow)
		if err != nil {
			return nil, err
		}

		messages := st.knowledge.AsMessages()
		messages = append(messages, req.Messages...)
		messages = append(messages, UserMessage(currentQuestion))

		genReq := GenerateRequest{System: system, Messages: messages, Schema: schema}
		action, err := generateObject[StepAction](ctx, a.gen, genReq, st.tt, "agent", a.logger)
		if err != nil {
			var se *ErrSchema
			if errors.As(err, &se) {
				st.diary = append(st.diary, fmt.Sprintf(
					"At step %d, you failed to produce a valid action. You need to think more carefully and respond strictly in the requested format.", st.totalStep))
				continue
			}
			return nil, err
		}

		a.snapshots.write(st.requestID, StepSnapshot{
			Step:         st.step,
			TotalStep:    st.totalStep,
			Question:     currentQuestion,
			SystemPrompt: system,
			Schema:       schema.Def,
			Messages:     messages,
			Action:       &action,
		})
		a.logger.Info("step", "total_step", st.totalStep, "action", action.Action, "question", truncateStr(currentQuestion, 80))

		if !actionAllowed(allow, action.Action) {
			st.diary = append(st.diary, fmt.Sprintf(
				"At step %d, you chose the disallowed action %q. Choose only from the offered actions.", st.totalStep, action.Action))
			continue
		}

		var final *StepAction
		var dispatchErr error
		switch action.Action {
		case ActionAnswer:
			final, dispatchErr = a.handleAnswer(ctx, req, st, evaluator, &action, currentQuestion)
		case ActionSearch:
			dispatchErr = a.handleSearch(ctx, req, st, &action)
		case ActionVisit:
			dispatchErr = a.handleVisit(ctx, st, &action)
		case ActionReflect:
			a.handleReflect(st, &action)
		case ActionCoding:
			dispatchErr = a.handleCoding(ctx, st, &action)
		}
		if dispatchErr != nil {
			if isFatal(dispatchErr) {
				return nil, dispatchErr
			}
			// Transient upstream failure: narrate and continue.
			st.diary = append(st.diary, fmt.Sprintf(
				"At step %d, action %q failed (%v). No results; you need to think differently.", st.totalStep, action.Action, dispatchErr))
		}

		st.at.TrackAction(st.totalStep, &action)

		if final != nil {
			return final, nil
		}
		if final == nil && action.Action == ActionAnswer && len(st.criteria[st.question]) == 0 && currentQuestion == st.question {
			// Every criterion is used up; stop iterating and force an answer.
			return nil, nil
		}

		if a.stepSleep > 0 {
			timer := time.NewTimer(a.stepSleep)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}
	}
	a.logger.Warn("token budget exhausted, forcing synthesis",
		"total", st.tt.Total(), "budget", st.tt.Budget(), "total_step", st.totalStep)
	return nil, nil
}

// allowedActions starts from all-allowed, applies the previous dispatch's
// self-disables, then removes actions with no collaborator configured.
func (a *Agent) allowedActions(st *schedulerState) allowFlags {
	allow := allowAll()
	for kind := range st.disabledNext {
		switch kind {
		case ActionAnswer:
			allow.answer = false
		case ActionSearch:
			allow.search = false
		case ActionVisit:
			allow.visit = false
		case ActionReflect:
			allow.reflect = false
		case ActionCoding:
			allow.coding = false
		}
	}
	st.disabledNext = make(map[ActionKind]bool)
	if a.search == nil {
		allow.search = false
	}
	if a.fetcher == nil {
		allow.visit = false
	}
	if a.sandbox == nil {
		allow.coding = false
	}
	return allow
}

func actionAllowed(allow allowFlags, kind ActionKind) bool {
	switch kind {
	case ActionAnswer:
		return allow.answer
	case ActionSearch:
		return allow.search
	case ActionVisit:
		return allow.visit
	case ActionReflect:
		return allow.reflect
	case ActionCoding:
		return allow.coding
	}
	return false
}

// --- answer dispatch ---

func (a *Agent) handleAnswer(ctx context.Context, req Request, st *schedulerState, evaluator *Evaluator, action *StepAction, currentQuestion string) (*StepAction, error) {
	a.normalizeReferences(st, action)

	// Trivial answer: first step, no references, direct answers permitted.
	if st.totalStep == 1 && len(action.References) == 0 && !req.NoDirectAnswer {
		action.IsFinal = true
		st.diary = append(st.diary, fmt.Sprintf(
			"At step %d, you answered the question directly without research.", st.totalStep))
		return action, nil
	}

	// References are read, not just cited: fetch any unseen referenced URL
	// into knowledge before evaluation. A reference whose URL turned out bad
	// cannot back the answer and is dropped.
	for _, ref := range action.References {
		if ref.URL != "" && !st.visited[ref.URL] && !st.bad[ref.URL] {
			a.visitURL(ctx, st, ref.URL)
		}
	}
	kept := action.References[:0]
	for _, ref := range action.References {
		if st.bad[ref.URL] {
			continue
		}
		kept = append(kept, ref)
	}
	action.References = kept

	res, err := evaluator.Evaluate(ctx, currentQuestion, action, st.criteria[currentQuestion], st.pageText)
	if err != nil {
		return nil, err
	}

	if res.Pass {
		if currentQuestion == st.question {
			st.diary = append(st.diary, fmt.Sprintf(
				"At step %d, you took **answer** action and found the answer to the original question:\n\n%s\n\nYour answer was evaluated as good. You deserve a long rest now.",
				st.totalStep, truncateStr(action.Answer, 500)))
			action.IsFinal = true
			a.logger.Info("answer accepted", "total_step", st.totalStep)
			return action, nil
		}
		// Sub-question answered: fold into knowledge, close the gap.
		st.knowledge.Add(KnowledgeItem{
			Question:   currentQuestion,
			Answer:     action.Answer,
			Type:       KnowledgeQA,
			References: action.References,
			Updated:    time.Now().UTC().Format(time.RFC3339),
		})
		st.gaps = removeString(st.gaps, currentQuestion)
		st.diary = append(st.diary, fmt.Sprintf(
			"At step %d, you answered the sub-question %q and added it to your knowledge.", st.totalStep, currentQuestion))
		return nil, nil
	}

	if currentQuestion != st.question {
		st.diary = append(st.diary, fmt.Sprintf(
			"At step %d, your answer to the sub-question %q was rejected: %s", st.totalStep, currentQuestion, res.Think))
		return nil, nil
	}

	// Rejected answer on the original question: burn an attempt on the
	// triggered criterion.
	st.criteria[st.question] = decrementCriterion(st.criteria[st.question], res.Type)
	if res.Type == CriterionStrict && res.ImprovementPlan != "" {
		st.improvements = append(st.improvements, res.ImprovementPlan)
	}
	if len(st.criteria[st.question]) == 0 {
		// Loop exit handled by the caller; beast mode follows.
		return nil, nil
	}

	st.diary = append(st.diary, fmt.Sprintf(
		"At step %d, you took **answer** action but the evaluator rejected it on the %s criterion: %s",
		st.totalStep, res.Type, res.Think))

	analysis, aerr := evaluator.AnalyzeFailure(ctx, st.diary)
	if aerr != nil {
		a.logger.Warn("error analysis failed", "error", aerr)
	} else {
		st.knowledge.Add(KnowledgeItem{
			Question: fmt.Sprintf("Why is the following answer bad for the question? Please reflect.\n\n<question>\n%s\n</question>\n\n<answer>\n%s\n</answer>", currentQuestion, truncateStr(action.Answer, 1000)),
			Answer:   fmt.Sprintf("%s\n\n%s\n\n%s", analysis.Recap, analysis.Blame, analysis.Improvement),
			Type:     KnowledgeQA,
		})
	}

	// The failed attempt owns its diary; start the next attempt clean.
	st.diary = nil
	st.step = 0
	st.disabledNext[ActionAnswer] = true
	return nil, nil
}

// normalizeReferences drops empty references, canonicalizes URLs, cleans
// quotes, and merges store metadata.
func (a *Agent) normalizeReferences(st *schedulerState, action *StepAction) {
	cleaned := action.References[:0]
	for _, ref := range action.References {
		norm, ok := NormalizeURL(ref.URL)
		if !ok {
			continue
		}
		ref.URL = norm
		ref.ExactQuote = cleanQuote(ref.ExactQuote)
		if rec, found := st.urls.Get(norm); found {
			if ref.Title == "" {
				ref.Title = rec.Title
			}
			if ref.DateTime == "" {
				ref.DateTime = rec.Date
			}
		}
		cleaned = append(cleaned, ref)
	}
	action.References = cleaned
}

// --- search dispatch ---

func (a *Agent) handleSearch(ctx context.Context, req Request, st *schedulerState, action *StepAction) error {
	st.disabledNext[ActionSearch] = true

	queries := dedupAgainst(action.SearchRequests, st.seenKeywords, maxQueriesPerStep)
	if len(queries) == 0 {
		st.diary = append(st.diary, fmt.Sprintf(
			"At step %d, all proposed search requests duplicated earlier ones. You need to think differently.", st.totalStep))
		return nil
	}

	firstPass, snippets := a.runQueries(ctx, st, req, queries, false)

	// Query rewriter: refine using the first-pass snippets, then search again.
	var secondPass int
	refined, err := a.rewriteQueries(ctx, st, queries, snippets)
	if err != nil {
		a.logger.Warn("query rewrite failed", "error", err)
	} else if len(refined) > 0 {
		secondPass, _ = a.runQueries(ctx, st, req, refined, true)
	}

	if firstPass == 0 && secondPass == 0 {
		st.diary = append(st.diary, fmt.Sprintf(
			"At step %d, you searched %q but found no useful results. You need to think harder and search with different angles.",
			st.totalStep, strings.Join(queries, "; ")))
		return nil
	}

	st.diary = append(st.diary, fmt.Sprintf(
		"At step %d, you took the **search** action and looked for external information for the question: %q.\nIn particular, you tried to search for the following keywords: %q.\nYou found quite some information and add them to your URL list and **visit** them later when needed.",
		st.totalStep, truncateStr(st.question, 120), strings.Join(st.allKeywords, "; ")))
	return nil
}

// runQueries executes queries against the search provider (the second pass
// runs concurrently), merges results into the URL store, and synthesizes one
// side-info knowledge item per productive query. Returns the total result
// count and the concatenated snippets.
func (a *Agent) runQueries(ctx context.Context, st *schedulerState, req Request, queries []string, concurrent bool) (int, string) {
	type queryOut struct {
		query   string
		results []SearchResult
	}

	executed := make([]string, 0, len(queries))
	for _, q := range queries {
		if len(req.OnlyHostnames) > 0 && !strings.Contains(q, "site:") {
			q = q + " site:" + req.OnlyHostnames[0]
		}
		executed = append(executed, q)
	}
	st.allKeywords = append(st.allKeywords, executed...)

	outs := make([]queryOut, len(executed))
	if concurrent {
		var wg sync.WaitGroup
		for i, q := range executed {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results, err := a.search.Search(ctx, q)
				if err != nil {
					a.logger.Warn("search failed", "query", q, "error", err)
					return
				}
				outs[i] = queryOut{query: q, results: results}
			}()
		}
		// Join before touching shared state; the loop never observes a
		// partially-updated store.
		wg.Wait()
	} else {
		for i, q := range executed {
			results, err := a.search.Search(ctx, q)
			if err != nil {
				a.logger.Warn("search failed", "query", q, "error", err)
				continue
			}
			outs[i] = queryOut{query: q, results: results}
		}
	}

	total := 0
	var snippets strings.Builder
	for _, out := range outs {
		if len(out.results) == 0 {
			continue
		}
		total += len(out.results)
		var digest strings.Builder
		for _, r := range out.results {
			st.urls.Add(r.URL, r.Title, r.Description, r.Date, 1)
			fmt.Fprintf(&digest, "* %s: %s\n", r.Title, r.Description)
		}
		snippets.WriteString(digest.String())
		st.knowledge.Add(KnowledgeItem{
			Question: fmt.Sprintf("What do Internet say about %q?", out.query),
			Answer:   digest.String(),
			Type:     KnowledgeSideInfo,
			Updated:  time.Now().UTC().Format(time.RFC3339),
		})
	}
	return total, snippets.String()
}

func (a *Agent) rewriteQueries(ctx context.Context, st *schedulerState, original []string, snippets string) ([]string, error) {
	if snippets == "" {
		return nil, nil
	}
	rw, err := generateObject[queryRewrite](ctx, a.gen, GenerateRequest{
		System: queryRewriterPrompt,
		Messages: []ChatMessage{
			UserMessage("Original queries: " + strings.Join(original, "; ")),
			UserMessage("First-pass result snippets:\n" + truncateStr(snippets, 4000)),
		},
		Schema: queryRewriteSchema,
	}, st.tt, "query-rewriter", a.logger)
	if err != nil {
		return nil, err
	}
	raw := make([]string, 0, len(rw.Queries))
	for _, q := range rw.Queries {
		raw = append(raw, formatRewritten(q))
	}
	return dedupAgainst(raw, st.seenKeywords, maxQueriesPerStep), nil
}

// --- visit dispatch ---

func (a *Agent) handleVisit(ctx context.Context, st *schedulerState, action *StepAction) error {
	st.disabledNext[ActionVisit] = true

	// Translate the 1-based indices against the per-step URL list the prompt
	// showed, then union with the current top-ranked URLs.
	var targets []string
	seen := make(map[string]bool)
	for _, idx := range action.URLTargets {
		if idx >= 1 && idx <= len(st.lastURLList) {
			u := st.lastURLList[idx-1].URL
			if !seen[u] {
				seen[u] = true
				targets = append(targets, u)
			}
		}
	}
	for _, b := range st.lastURLList {
		if len(targets) >= maxURLsPerStep {
			break
		}
		if !seen[b.URL] {
			seen[b.URL] = true
			targets = append(targets, b.URL)
		}
	}
	var unvisited []string
	for _, u := range targets {
		if !st.visited[u] && !st.bad[u] {
			unvisited = append(unvisited, u)
		}
	}
	if len(unvisited) > maxURLsPerStep {
		unvisited = unvisited[:maxURLsPerStep]
	}
	action.VisitedURLs = unvisited

	if len(unvisited) == 0 {
		st.diary = append(st.diary, fmt.Sprintf(
			"At step %d, there was nothing new to visit.", st.totalStep))
		return nil
	}

	// Fetch concurrently; record serially after the join so the loop never
	// sees partially-updated state.
	var wg sync.WaitGroup
	pages := make([]Page, len(unvisited))
	errs := make([]error, len(unvisited))
	for i, u := range unvisited {
		wg.Add(1)
		go func() {
			defer wg.Done()
			page, err := a.fetcher.Fetch(ctx, u)
			pages[i], errs[i] = page, err
		}()
	}
	wg.Wait()

	ok := 0
	for i, u := range unvisited {
		if a.recordVisit(st, u, pages[i], errs[i]) {
			ok++
		}
	}
	st.diary = append(st.diary, fmt.Sprintf(
		"At step %d, you took the **visit** action and deep dived into the following URLs:\n%s\nYou found some useful information on %d of them and add them to your knowledge for future reference.",
		st.totalStep, strings.Join(unvisited, "\n"), ok))
	return nil
}

// visitURL fetches one URL into knowledge. Returns success. Mutates state,
// so concurrent callers must fetch separately and record via recordVisit.
func (a *Agent) visitURL(ctx context.Context, st *schedulerState, url string) bool {
	page, err := a.fetcher.Fetch(ctx, url)
	return a.recordVisit(st, url, page, err)
}

// recordVisit folds a fetch outcome into scheduler state. Single-threaded.
func (a *Agent) recordVisit(st *schedulerState, url string, page Page, err error) bool {
	st.visited[url] = true
	if err != nil || strings.TrimSpace(page.Content) == "" {
		st.bad[url] = true
		st.badHosts[Hostname(url)]++
		a.logger.Warn("visit failed", "url", url, "error", err)
		return false
	}
	st.readURLs = append(st.readURLs, url)
	st.urls.Add(url, page.Title, page.Description, page.Date, 1)
	for _, link := range page.Links {
		st.urls.Add(link, "", "", "", 1)
	}
	st.knowledge.Add(KnowledgeItem{
		Question:   fmt.Sprintf("What is in %s?", url),
		Answer:     page.Content,
		Type:       KnowledgeURL,
		References: []Reference{{URL: url, Title: page.Title}},
		Updated:    page.Date,
	})
	return true
}

// --- reflect dispatch ---

func (a *Agent) handleReflect(st *schedulerState, action *StepAction) {
	st.disabledNext[ActionReflect] = true

	fresh := dedupAgainst(action.SubQuestions, st.seenQuestions, maxReflectPerStep)
	if len(fresh) == 0 {
		st.diary = append(st.diary, fmt.Sprintf(
			"At step %d, you took **reflect** but the sub-questions duplicated earlier ones. You need to think out of the box and identify different knowledge gaps.", st.totalStep))
		return
	}
	st.gaps = append(st.gaps, fresh...)
	st.allQuestions = append(st.allQuestions, fresh...)
	st.diary = append(st.diary, fmt.Sprintf(
		"At step %d, you took **reflect** and identified these knowledge gaps to research later:\n%s",
		st.totalStep, strings.Join(fresh, "\n")))
}

// --- coding dispatch ---

func (a *Agent) handleCoding(ctx context.Context, st *schedulerState, action *StepAction) error {
	st.disabledNext[ActionCoding] = true

	var urls []string
	for _, b := range st.lastURLList {
		urls = append(urls, b.URL)
	}
	solution, err := a.sandbox.Solve(ctx, action.CodingIssue, st.knowledge.Items(), urls)
	if err != nil {
		return err
	}
	st.knowledge.Add(KnowledgeItem{
		Question:   fmt.Sprintf("What is the solution to the coding issue: %s?", truncateStr(action.CodingIssue, 200)),
		Answer:     solution.Output,
		SourceCode: solution.Code,
		Type:       KnowledgeCoding,
		Updated:    time.Now().UTC().Format(time.RFC3339),
	})
	st.diary = append(st.diary, fmt.Sprintf(
		"At step %d, you took the **coding** action and solved: %q. The output is recorded in your knowledge.",
		st.totalStep, truncateStr(action.CodingIssue, 120)))
	return nil
}

// --- forced-answer terminal ---

// beastMode runs the single terminal generation: answer is the only allowed
// action, accumulated reviewer feedback is binding, and the output is the
// response regardless of evaluation.
func (a *Agent) beastMode(ctx context.Context, req Request, st *schedulerState) (*StepAction, error) {
	st.totalStep++
	a.logger.Info("beast mode", "total_step", st.totalStep)

	system := composeSystemPrompt(promptContext{
		allow:        answerOnly(),
		diary:        st.diary,
		improvements: st.improvements,
		beastMode:    true,
	})
	schema, err := buildActionSchema(answerOnly())
	if err != nil {
		return nil, err
	}
	messages := st.knowledge.AsMessages()
	messages = append(messages, req.Messages...)
	messages = append(messages, UserMessage(st.question))

	action, err := generateObject[StepAction](ctx, a.gen, GenerateRequest{
		System:   system,
		Messages: messages,
		Schema:   schema,
	}, st.tt, "agent-beast", a.logger)
	if err != nil {
		return nil, err
	}
	action.Action = ActionAnswer
	action.IsFinal = true
	a.normalizeReferences(st, &action)
	return &action, nil
}

// finalizeReferences fans out last-modified probes for references missing a
// date. All probes join before the result is returned.
func (a *Agent) finalizeReferences(ctx context.Context, st *schedulerState, action *StepAction) {
	if a.fetcher == nil {
		return
	}
	var wg sync.WaitGroup
	for i := range action.References {
		if action.References[i].DateTime != "" || action.References[i].URL == "" {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if mod, err := a.fetcher.LastModified(probeCtx, action.References[i].URL); err == nil {
				action.References[i].DateTime = mod
			}
		}()
	}
	wg.Wait()
}

// responseURLs is the ranked store slice returned in the response body.
func (a *Agent) responseURLs(ctx context.Context, req Request, st *schedulerState) []string {
	limit := req.MaxReturnedURLs
	if limit <= 0 {
		limit = defaultMaxReturnedURLs
	}
	if limit > hardMaxReturnedURLs {
		limit = hardMaxReturnedURLs
	}
	ranked := st.urls.Rank(ctx, RankOptions{
		Question:       st.question,
		BadHostnames:   req.BadHostnames,
		BoostHostnames: req.BoostHostnames,
		OnlyHostnames:  req.OnlyHostnames,
		PenalizedHosts: st.badHosts,
		MaxPerHost:     DefaultMaxPerHost,
	})
	urls := make([]string, 0, min(limit, len(ranked)))
	for _, b := range ranked {
		if len(urls) >= limit {
			break
		}
		urls = append(urls, b.URL)
	}
	return urls
}

// --- helpers ---

func maxBadAttempts(req Request) int {
	if req.MaxBadAttempts > 0 {
		return req.MaxBadAttempts
	}
	return DefaultMaxBadAttempts
}

func decrementCriterion(criteria []EvaluationCriterion, t CriterionType) []EvaluationCriterion {
	out := criteria[:0]
	for _, c := range criteria {
		if c.Type == t {
			c.RemainingAttempts--
			if c.RemainingAttempts <= 0 {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func setToList(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

func totalUsage(tt *TokenTracker) Usage {
	var u Usage
	for _, v := range tt.Breakdown() {
		u.Add(v)
	}
	return u
}

// isFatal reports whether a dispatch error must abort the request rather
// than be narrated into the diary.
func isFatal(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// cleanQuote strips zero-width characters and normalizes whitespace in an
// exact quote, preserving the words used for attribution matching.
func cleanQuote(q string) string {
	q = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\ufeff':
			return -1
		}
		return r
	}, q)
	return strings.Join(strings.Fields(q), " ")
}
