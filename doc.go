// Package trawl is a deep-research agent for Go: given a question it
// iteratively plans, searches the web, reads pages, reflects on knowledge
// gaps, optionally executes code, and produces a cited answer.
//
// # Quick Start
//
// Create an agent from an ObjectGenerator (the structured-output LLM binding)
// and the web collaborators:
//
//	gen := openaicompat.New(apiKey, model, baseURL)
//	agent := trawl.New(trawl.WithRetry(gen),
//		trawl.WithSearch(brave.New(braveKey)),
//		trawl.WithFetcher(reader.New()),
//	)
//
//	result, err := agent.Research(ctx, trawl.Request{
//		Messages:    []trawl.ChatMessage{trawl.UserMessage("who invented the transistor?")},
//		TokenBudget: 500_000,
//	})
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [ObjectGenerator] — LLM backend constrained to a JSON schema
//   - [SearchProvider] — web search (search/brave, search/serper)
//   - [Fetcher] — page retrieval and extraction (reader)
//   - [Reranker] — relevance scoring of candidate URLs (rerank)
//   - [CodeSandbox] — code generation and execution (sandbox)
//
// Progress streams out through an [ActionTracker] consumed by a
// [StreamChannel], which paces "thinking" text like natural typing and is
// preempted when the final answer arrives.
//
// See cmd/trawl for the chat-completions HTTP server wiring.
package trawl
