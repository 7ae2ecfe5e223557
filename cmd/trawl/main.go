package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	trawl "github.com/nevindra/trawl"
	"github.com/nevindra/trawl/internal/config"
	"github.com/nevindra/trawl/observer"
	"github.com/nevindra/trawl/provider/openaicompat"
	"github.com/nevindra/trawl/reader"
	"github.com/nevindra/trawl/rerank"
	"github.com/nevindra/trawl/sandbox"
	"github.com/nevindra/trawl/search/brave"
	"github.com/nevindra/trawl/search/serper"
	"github.com/nevindra/trawl/server"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	// 1. Load config
	cfg, err := config.Load(os.Getenv("TRAWL_CONFIG"))
	if err != nil {
		log.Fatal(err)
	}
	if cfg.LLM.APIKey == "" {
		log.Fatal("llm api key is required (set TRAWL_LLM_API_KEY or [llm] api_key)")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Observability (optional)
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("observer shutdown", "error", err)
			}
		}()
	}

	// 3. Generator stack: provider -> observability -> retry -> rate limit
	var gen trawl.ObjectGenerator = openaicompat.New(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL)
	if inst != nil {
		gen = observer.WrapGenerator(gen, cfg.LLM.Model, inst)
	}
	gen = trawl.WithRetry(gen, trawl.RetryLogger(logger))
	if cfg.LLM.RPM > 0 || cfg.LLM.TPM > 0 {
		gen = trawl.WithRateLimit(gen, trawl.RPM(cfg.LLM.RPM), trawl.TPM(cfg.LLM.TPM))
	}

	// 4. Collaborators
	opts := []trawl.AgentOption{
		trawl.WithLogger(logger),
		trawl.WithStepSleep(cfg.Agent.StepSleep()),
	}
	if cfg.Agent.SnapshotDir != "" {
		opts = append(opts, trawl.WithSnapshotDir(cfg.Agent.SnapshotDir))
	}

	var searcher trawl.SearchProvider
	switch cfg.Search.Provider {
	case "serper":
		if cfg.Search.SerperAPIKey != "" {
			searcher = serper.New(cfg.Search.SerperAPIKey)
		}
	default:
		if cfg.Search.BraveAPIKey != "" {
			searcher = brave.New(cfg.Search.BraveAPIKey)
		}
	}
	if searcher != nil {
		if inst != nil {
			searcher = observer.WrapSearch(searcher, inst)
		}
		opts = append(opts, trawl.WithSearch(searcher))
	} else {
		logger.Warn("no search api key configured, web search disabled")
	}

	var fetcher trawl.Fetcher = reader.New(
		reader.WithHTTPClient(&http.Client{Timeout: cfg.Reader.ReaderTimeout()}),
		reader.WithMaxBytes(cfg.Reader.MaxBytes),
	)
	if inst != nil {
		fetcher = observer.WrapFetcher(fetcher, inst)
	}
	opts = append(opts, trawl.WithFetcher(fetcher))

	if cfg.Rerank.Enabled && cfg.Rerank.APIKey != "" {
		emb := rerank.NewOpenAIEmbedding(cfg.Rerank.APIKey, cfg.Rerank.Model, cfg.Rerank.BaseURL)
		opts = append(opts, trawl.WithReranker(rerank.New(emb)))
	}

	if cfg.Sandbox.Enabled {
		opts = append(opts, trawl.WithSandbox(sandbox.New(gen,
			sandbox.WithNodeBin(cfg.Sandbox.NodeBin),
			sandbox.WithTimeout(cfg.Sandbox.SandboxTimeout()),
			sandbox.WithLogger(logger),
		)))
	}

	agent := trawl.New(gen, opts...)

	// 5. Serve
	srv := server.New(agent,
		server.WithAddr(cfg.Server.Addr),
		server.WithLogger(logger),
	)
	logger.Info("starting server", "addr", cfg.Server.Addr, "model", cfg.LLM.Model)
	if err := srv.ListenAndServe(ctx); err != nil {
		log.Fatal(err)
	}
}
