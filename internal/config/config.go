// Package config loads the trawl service configuration from TOML with env
// var overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM      LLMConfig      `toml:"llm"`
	Search   SearchConfig   `toml:"search"`
	Reader   ReaderConfig   `toml:"reader"`
	Rerank   RerankConfig   `toml:"rerank"`
	Sandbox  SandboxConfig  `toml:"sandbox"`
	Server   ServerConfig   `toml:"server"`
	Observer ObserverConfig `toml:"observer"`
	Agent    AgentConfig    `toml:"agent"`
}

type LLMConfig struct {
	Model   string `toml:"model"`
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
	// Proactive rate limits; zero disables.
	RPM int `toml:"rpm"`
	TPM int `toml:"tpm"`
}

type SearchConfig struct {
	// Provider selects the search backend: "brave" or "serper".
	Provider     string `toml:"provider"`
	BraveAPIKey  string `toml:"brave_api_key"`
	SerperAPIKey string `toml:"serper_api_key"`
}

type ReaderConfig struct {
	TimeoutSeconds int   `toml:"timeout_seconds"`
	MaxBytes       int64 `toml:"max_bytes"`
}

type RerankConfig struct {
	Enabled bool   `toml:"enabled"`
	Model   string `toml:"model"`
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
}

type SandboxConfig struct {
	Enabled        bool   `toml:"enabled"`
	NodeBin        string `toml:"node_bin"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

type AgentConfig struct {
	StepSleepMillis int    `toml:"step_sleep_millis"`
	SnapshotDir     string `toml:"snapshot_dir"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM:     LLMConfig{Model: "gpt-4.1", BaseURL: "https://api.openai.com/v1"},
		Search:  SearchConfig{Provider: "brave"},
		Reader:  ReaderConfig{TimeoutSeconds: 15, MaxBytes: 4 << 20},
		Rerank:  RerankConfig{Model: "text-embedding-3-small", BaseURL: "https://api.openai.com/v1"},
		Sandbox: SandboxConfig{NodeBin: "node", TimeoutSeconds: 30},
		Server:  ServerConfig{Addr: ":3000"},
		Agent:   AgentConfig{StepSleepMillis: 100},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins). A missing
// file is not an error; a file that fails to parse is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "trawl.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	// Env overrides
	if v := os.Getenv("TRAWL_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("TRAWL_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("TRAWL_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("TRAWL_BRAVE_API_KEY"); v != "" {
		cfg.Search.BraveAPIKey = v
	}
	if v := os.Getenv("TRAWL_SERPER_API_KEY"); v != "" {
		cfg.Search.SerperAPIKey = v
	}
	if v := os.Getenv("TRAWL_RERANK_API_KEY"); v != "" {
		cfg.Rerank.APIKey = v
	}
	if v := os.Getenv("TRAWL_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}

	return cfg, nil
}

// ReaderTimeout returns the configured fetch timeout as a duration.
func (c ReaderConfig) ReaderTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SandboxTimeout returns the configured execution timeout as a duration.
func (c SandboxConfig) SandboxTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// StepSleep returns the configured inter-step pause as a duration.
func (c AgentConfig) StepSleep() time.Duration {
	return time.Duration(c.StepSleepMillis) * time.Millisecond
}
