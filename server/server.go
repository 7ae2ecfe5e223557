package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	trawl "github.com/nevindra/trawl"
)

// Server hosts the chat completions endpoint around one Agent.
type Server struct {
	agent       *trawl.Agent
	addr        string
	logger      *slog.Logger
	typingSpeed time.Duration
	httpServer  *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address (default ":3000").
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithTypingSpeed sets the stream pacing interval (0 keeps the default).
func WithTypingSpeed(d time.Duration) Option {
	return func(s *Server) { s.typingSpeed = d }
}

// New creates a Server.
func New(agent *trawl.Agent, opts ...Option) *Server {
	s := &Server{
		agent:  agent,
		addr:   ":3000",
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	r.Post("/v1/chat/completions", s.handleChatCompletions)
	return r
}

// ListenAndServe blocks until the server stops or ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpServer = &http.Server{Addr: s.addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var apiReq ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&apiReq); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	agentReq, err := toAgentRequest(apiReq)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if apiReq.Stream {
		s.handleStream(w, r, apiReq, agentReq)
		return
	}
	s.handleSync(w, r, apiReq, agentReq)
}

// handleSync runs the research loop to completion and writes one JSON body.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, apiReq ChatCompletionRequest, agentReq trawl.Request) {
	res, err := s.agent.Research(r.Context(), agentReq)
	if err != nil {
		s.logger.Error("research failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	answer := RepairMarkdown(res.Answer.Answer, res.Answer.References)
	resp := ChatCompletionResponse{
		ID:      "chatcmpl-" + trawl.NewID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   apiReq.Model,
		Choices: []Choice{{
			Message: &DeltaBlock{
				Role:        "assistant",
				Type:        "text",
				Content:     answer,
				Annotations: citations(res.Answer.References),
			},
			FinishReason: "stop",
		}},
		Usage:       usageBlock(res.Usage),
		VisitedURLs: res.VisitedURLs,
		ReadURLs:    res.ReadURLs,
		NumURLs:     len(res.AllURLs),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleStream runs the research loop with a stream channel and writes SSE
// chunks as progress arrives.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, apiReq ChatCompletionRequest, agentReq trawl.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported by transport")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	tracker := trawl.NewActionTracker()
	agentReq.Tracker = tracker

	var streamOpts []trawl.StreamOption
	if s.typingSpeed > 0 {
		streamOpts = append(streamOpts, trawl.WithTypingSpeed(s.typingSpeed))
	}
	sc := trawl.NewStreamChannel(tracker, streamOpts...)
	go sc.Run(ctx)

	type outcome struct {
		res *trawl.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.agent.Research(ctx, agentReq)
		if err != nil {
			sc.Fail(err.Error(), 0)
		} else {
			sc.Finalize(res.Answer.Answer, res.Answer.References, res.TotalSteps)
		}
		done <- outcome{res, err}
	}()

	sw := newSSEWriter(w, flusher, apiReq.Model)
	sw.writeOpening()

	var final outcome
	for chunk := range sc.Chunks() {
		select {
		case <-r.Context().Done():
			// Client went away: stop pacing, let the loop drain.
			sc.Disconnect()
			cancel()
		default:
		}

		switch chunk.Type {
		case trawl.ChunkThink:
			sw.writeThink(chunk.Text)
		case trawl.ChunkURL:
			sw.writeURL(chunk.URL)
		case trawl.ChunkThinkingEnd:
			sw.writeThinkingEnd()
		case trawl.ChunkAnswer:
			final = <-done
			if final.res != nil {
				answer := RepairMarkdown(chunk.Text, chunk.References)
				sw.writeFinal(answer, chunk.References, final.res)
			}
		case trawl.ChunkError:
			final = <-done
			sw.writeErrorChunk(chunk.Text)
		}
	}
	sw.writeDone()
	if final.err != nil {
		s.logger.Error("research failed", "error", final.err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	var body errorBody
	body.Error.Message = msg
	body.Error.Type = "invalid_request_error"
	if status >= 500 {
		body.Error.Type = "internal_error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
