package app

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"

	"pdfchat/internal/cache"
	"pdfchat/internal/chat"
	"pdfchat/internal/config"
	"pdfchat/internal/llm"
	"pdfchat/internal/logger"
	"pdfchat/internal/session"
)

// Deps bundles common runtime dependencies for the server.
type Deps struct {
	Config   config.Config
	Log      *slog.Logger
	Sessions *session.Manager
	Backend  llm.Client
	Cache    cache.Cache
	Chat     *chat.Service
}

// Build loads env, config, and shared components. A .env file is optional.
func Build() (Deps, error) {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.New(cfg.LogLevel)

	if len(cfg.Models) == 0 {
		return Deps{}, fmt.Errorf("MODELS must list at least one model")
	}

	backend, err := buildBackend(cfg, log)
	if err != nil {
		return Deps{}, fmt.Errorf("failed to initialize backend client: %w", err)
	}
	answerCache, err := buildCache(cfg, log)
	if err != nil {
		return Deps{}, fmt.Errorf("failed to initialize cache: %w", err)
	}

	chatSvc := chat.NewService(backend, answerCache, log, chat.Config{
		Models:          cfg.Models,
		MaxContextChars: cfg.MaxContextChars,
		HistoryTurns:    cfg.HistoryWindow,
		Defaults: llm.Options{
			MaxOutputTokens: cfg.MaxOutputTokens,
			Temperature:     cfg.Temperature,
		},
		RequestTimeout: time.Duration(cfg.RequestTimeout) * time.Second,
		CacheTTL:       time.Duration(cfg.CacheTTL) * time.Second,
	})

	return Deps{
		Config:   cfg,
		Log:      log,
		Sessions: session.NewManager(),
		Backend:  backend,
		Cache:    answerCache,
		Chat:     chatSvc,
	}, nil
}

func buildBackend(cfg config.Config, log *slog.Logger) (llm.Client, error) {
	switch cfg.BackendProvider {
	case "ollama":
		client, err := llm.NewOllamaClient(cfg.OllamaURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Ollama client: %w", err)
		}
		log.Info("using Ollama backend", "url", cfg.OllamaURL)
		return client, nil
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required when BACKEND_PROVIDER=openai")
		}
		client, err := llm.NewOpenAIClient(cfg.OpenAIKey, cfg.OpenAIBaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize OpenAI client: %w", err)
		}
		log.Info("using OpenAI-compatible backend")
		return client, nil
	default:
		return nil, fmt.Errorf("invalid BACKEND_PROVIDER: %s (valid options: ollama, openai)", cfg.BackendProvider)
	}
}

func buildCache(cfg config.Config, log *slog.Logger) (cache.Cache, error) {
	switch cfg.CacheProvider {
	case "redis":
		c, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Redis cache: %w", err)
		}
		log.Info("using Redis answer cache", "addr", cfg.RedisAddr)
		return c, nil
	case "noop":
		return cache.NewNoOpCache(), nil
	default:
		return nil, fmt.Errorf("invalid CACHE_PROVIDER: %s (valid options: redis, noop)", cfg.CacheProvider)
	}
}
