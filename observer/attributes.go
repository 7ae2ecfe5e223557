package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for observability spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")
	AttrLLMSchema   = attribute.Key("llm.schema")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrCostUSD      = attribute.Key("llm.cost_usd")

	AttrSearchQuery   = attribute.Key("search.query")
	AttrSearchResults = attribute.Key("search.results")

	AttrFetchURL           = attribute.Key("fetch.url")
	AttrFetchContentLength = attribute.Key("fetch.content_length")
)
