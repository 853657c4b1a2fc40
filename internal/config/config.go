// Package config loads the runtime's environment-driven knobs: capacity pool
// sizes, sandbox pool sizing and reaper cadence, and the LLM provider
// selection. Mirrors the teacher's pkg/config defaulting style (typed struct
// + Default*Config constructor) but reads straight from the environment
// rather than a YAML registry, since this runtime's tunables are the
// operational sizing knobs spec §6 names, not agent/chain definitions.
package config

import (
	"os"
	"strconv"
	"time"
)

// CapacityConfig sizes the three bounded admission pools.
type CapacityConfig struct {
	TurnMaxConcurrency     int
	TurnMaxQueue           int
	SubagentMaxConcurrency int
	SubagentMaxQueue       int
	PythonMaxConcurrency   int
	PythonMaxQueue         int
}

// SandboxConfig sizes the sandbox pool and idle-reaping cadence.
type SandboxConfig struct {
	MaxSandboxes          int
	MaxQueue              int
	ReaperInterval        time.Duration
	IdleTTL               time.Duration
}

// LLMConfig selects the active LLM provider/model.
type LLMConfig struct {
	Provider string
	Model    string
	APIKey   string
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// DefaultCapacityConfig reads CHAT_TURN_MAX_CONCURRENCY, CHAT_TURN_MAX_QUEUE,
// CHAT_SUBAGENT_MAX_CONCURRENCY, CHAT_SUBAGENT_MAX_QUEUE,
// CHAT_PYTHON_MAX_CONCURRENCY, CHAT_PYTHON_MAX_QUEUE, falling back to the
// runtime's defaults when unset or unparsable.
func DefaultCapacityConfig() CapacityConfig {
	return CapacityConfig{
		TurnMaxConcurrency:     envInt("CHAT_TURN_MAX_CONCURRENCY", 64),
		TurnMaxQueue:           envInt("CHAT_TURN_MAX_QUEUE", 512),
		SubagentMaxConcurrency: envInt("CHAT_SUBAGENT_MAX_CONCURRENCY", 12),
		SubagentMaxQueue:       envInt("CHAT_SUBAGENT_MAX_QUEUE", 256),
		PythonMaxConcurrency:   envInt("CHAT_PYTHON_MAX_CONCURRENCY", 16),
		PythonMaxQueue:         envInt("CHAT_PYTHON_MAX_QUEUE", 256),
	}
}

// DefaultSandboxConfig reads SANDBOX_REAPER_INTERVAL_SECONDS and
// SANDBOX_IDLE_TTL_SECONDS; sandbox pool sizing defaults match the original's
// conservative demo defaults (3 concurrent, 16 queued).
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		MaxSandboxes:   envInt("SANDBOX_MAX_SANDBOXES", 3),
		MaxQueue:       envInt("SANDBOX_MAX_QUEUE", 16),
		ReaperInterval: time.Duration(envInt("SANDBOX_REAPER_INTERVAL_SECONDS", 60)) * time.Second,
		IdleTTL:        time.Duration(envInt("SANDBOX_IDLE_TTL_SECONDS", 900)) * time.Second,
	}
}

// DefaultLLMConfig reads LLM_PROVIDER plus provider-specific model/API-key
// variables. The specific variable names beyond the provider selector are an
// external-collaborator concern (the LlmClient implementation owns them);
// this loader only resolves the provider switch and a generic model/key pair.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider: envString("LLM_PROVIDER", "anthropic"),
		Model:    envString("LLM_MODEL", ""),
		APIKey:   envString("LLM_API_KEY", ""),
	}
}
