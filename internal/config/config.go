package config

import (
	"log/slog"

	"github.com/caarlos0/env/v10"
)

// Config holds minimal runtime configuration. Extend as needed.
type Config struct {
	// Server
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Upload limits
	MaxUploadSize int64 `env:"MAX_UPLOAD_SIZE" envDefault:"10485760"` // 10MB in bytes

	// Inference backend
	BackendProvider string   `env:"BACKEND_PROVIDER" envDefault:"ollama"` // "ollama" (local server) or "openai" (OpenAI-compatible API)
	OllamaURL       string   `env:"OLLAMA_URL" envDefault:"http://localhost:11434"`
	OpenAIKey       string   `env:"OPENAI_API_KEY"`
	OpenAIBaseURL   string   `env:"OPENAI_BASE_URL"`
	Models          []string `env:"MODELS" envSeparator:"," envDefault:"gemma3:1b,llama3:latest"` // allowed models; first is the default

	// Prompt assembly
	MaxContextChars int `env:"MAX_CONTEXT_CHARS" envDefault:"12000"`
	HistoryWindow   int `env:"HISTORY_WINDOW" envDefault:"2"` // trailing turns included in the prompt

	// Generation defaults
	MaxOutputTokens int     `env:"MAX_OUTPUT_TOKENS" envDefault:"512"`
	Temperature     float64 `env:"TEMPERATURE" envDefault:"0.7"`

	// Request handling
	RequestTimeout int `env:"REQUEST_TIMEOUT" envDefault:"180"` // seconds per generation request

	// Answer cache
	CacheProvider string `env:"CACHE_PROVIDER" envDefault:"noop"` // "redis" or "noop"
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	CacheTTL      int    `env:"CACHE_TTL" envDefault:"3600"` // seconds
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		slog.Warn("failed to parse env; using defaults where set", "err", err)
	}
	return cfg
}

// DefaultModel returns the first configured model, or "" when none are set.
func (c Config) DefaultModel() string {
	if len(c.Models) == 0 {
		return ""
	}
	return c.Models[0]
}
