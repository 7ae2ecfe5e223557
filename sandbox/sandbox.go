// Package sandbox implements trawl.CodeSandbox: it asks the LLM for a
// self-contained JavaScript solution to a coding issue, executes it in a
// node subprocess, and repairs the code from runtime errors for a bounded
// number of attempts.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	trawl "github.com/nevindra/trawl"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultMaxOutput = 64 << 10 // 64KB captured output cap
	// One generation plus up to two repair rounds.
	maxRepairAttempts = 2
)

// Sandbox generates and executes JavaScript via a node subprocess.
type Sandbox struct {
	gen       trawl.ObjectGenerator
	nodeBin   string
	timeout   time.Duration
	maxOutput int
	logger    *slog.Logger
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithNodeBin sets the node binary (default "node").
func WithNodeBin(bin string) Option {
	return func(s *Sandbox) { s.nodeBin = bin }
}

// WithTimeout sets the per-execution timeout (default 30s).
func WithTimeout(d time.Duration) Option {
	return func(s *Sandbox) { s.timeout = d }
}

// WithMaxOutput caps captured stdout+stderr bytes (default 64KB).
func WithMaxOutput(n int) Option {
	return func(s *Sandbox) { s.maxOutput = n }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sandbox) { s.logger = l }
}

// New creates a Sandbox around the given generator.
func New(gen trawl.ObjectGenerator, opts ...Option) *Sandbox {
	s := &Sandbox{
		gen:       gen,
		nodeBin:   "node",
		timeout:   defaultTimeout,
		maxOutput: defaultMaxOutput,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type codeGen struct {
	Think string `json:"think" jsonschema:"required,description=Short explanation of the approach."`
	Code  string `json:"code" jsonschema:"required,description=Self-contained JavaScript. Read nothing from disk or network; embed all input data as literals; print the final result with console.log."`
}

var codeGenSchema = trawl.MustSchema("code_solution", &codeGen{})

const solverPrompt = `You write JavaScript to solve a self-contained problem: calculation,
counting, sorting, filtering, transforming, or regex work. The code runs once
under node with no network and no filesystem access. Embed every piece of
input data as literals in the code. Print the final result with console.log.`

// Solve generates code for the issue using the gathered knowledge as context,
// executes it, and repairs from runtime errors up to two times. The returned
// solution holds the final code and its captured output.
func (s *Sandbox) Solve(ctx context.Context, issue string, knowledge []trawl.KnowledgeItem, urls []string) (trawl.CodeSolution, error) {
	messages := []trawl.ChatMessage{trawl.UserMessage("Problem:\n" + issue)}
	if kctx := knowledgeContext(knowledge, urls); kctx != "" {
		messages = append(messages, trawl.UserMessage("Context gathered so far:\n"+kctx))
	}

	var lastErr string
	for attempt := 0; attempt <= maxRepairAttempts; attempt++ {
		if lastErr != "" {
			messages = append(messages, trawl.UserMessage(
				"The previous code failed:\n"+lastErr+"\nFix the code and try again."))
		}

		gen, err := s.generate(ctx, messages)
		if err != nil {
			return trawl.CodeSolution{}, err
		}

		output, runErr := s.run(ctx, gen.Code)
		if runErr == nil {
			return trawl.CodeSolution{Code: gen.Code, Output: output}, nil
		}
		if ctx.Err() != nil {
			return trawl.CodeSolution{}, ctx.Err()
		}
		lastErr = runErr.Error()
		s.logger.Warn("sandbox run failed", "attempt", attempt+1, "error", lastErr)
	}
	return trawl.CodeSolution{}, fmt.Errorf("sandbox: no working solution after %d attempts: %s", maxRepairAttempts+1, lastErr)
}

func (s *Sandbox) generate(ctx context.Context, messages []trawl.ChatMessage) (codeGen, error) {
	res, err := s.gen.GenerateObject(ctx, trawl.GenerateRequest{
		System:   solverPrompt,
		Messages: messages,
		Schema:   codeGenSchema,
	})
	if err != nil {
		return codeGen{}, err
	}
	var out codeGen
	if err := json.Unmarshal(res.Raw, &out); err != nil {
		return codeGen{}, fmt.Errorf("sandbox: decode solution: %w", err)
	}
	if strings.TrimSpace(out.Code) == "" {
		return codeGen{}, fmt.Errorf("sandbox: empty code in solution")
	}
	return out, nil
}

// run writes code to a temp file and executes it under node with a timeout.
// Output is stdout+stderr, capped at maxOutput bytes.
func (s *Sandbox) run(ctx context.Context, code string) (string, error) {
	tmp, err := os.CreateTemp("", "trawl-code-*.js")
	if err != nil {
		return "", fmt.Errorf("sandbox: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(code); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sandbox: write script: %w", err)
	}
	tmp.Close()

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.nodeBin, tmp.Name())
	var buf bytes.Buffer
	cmd.Stdout = &capWriter{buf: &buf, max: s.maxOutput}
	cmd.Stderr = &capWriter{buf: &buf, max: s.maxOutput}

	err = cmd.Run()
	output := strings.TrimSpace(buf.String())
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("execution timed out after %s", s.timeout)
		}
		if output != "" {
			return "", fmt.Errorf("%v: %s", err, output)
		}
		return "", err
	}
	if output == "" {
		return "", fmt.Errorf("code produced no output")
	}
	return output, nil
}

// knowledgeContext renders the relevant gathered knowledge for the solver
// prompt. Only coding and QA items carry over; raw page dumps are too long.
func knowledgeContext(knowledge []trawl.KnowledgeItem, urls []string) string {
	var b strings.Builder
	for _, item := range knowledge {
		if item.Type != trawl.KnowledgeQA && item.Type != trawl.KnowledgeCoding {
			continue
		}
		fmt.Fprintf(&b, "Q: %s\nA: %s\n\n", item.Question, item.Answer)
	}
	if len(urls) > 0 {
		b.WriteString("Known URLs:\n")
		for _, u := range urls {
			b.WriteString(u)
			b.WriteByte('\n')
		}
	}
	return strings.TrimSpace(b.String())
}

// capWriter drops bytes past max, keeping the head of the output.
type capWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *capWriter) Write(p []byte) (int, error) {
	remaining := w.max - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	return w.buf.Write(p)
}

var _ trawl.CodeSandbox = (*Sandbox)(nil)
