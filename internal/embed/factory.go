package embed

import (
	"context"
	"log/slog"
	"strings"

	"github.com/toolmesh/discovery/internal/config"
	"github.com/toolmesh/discovery/internal/errors"
)

// New creates the configured embedder wrapped in an LRU cache.
//
// An empty provider auto-detects: Ollama when reachable and the configured
// model is pulled, the static hash embedder otherwise. An explicitly
// configured provider is taken at its word; an explicit "ollama" that is
// unreachable fails at first use rather than silently degrading.
func New(ctx context.Context, cfg *config.EmbeddingsConfig) (Embedder, error) {
	var inner Embedder

	switch strings.ToLower(cfg.Provider) {
	case config.ProviderStatic:
		inner = NewStaticEmbedder(cfg.Dimensions)

	case config.ProviderOllama:
		inner = NewOllamaEmbedder(OllamaOptions{Host: cfg.OllamaHost, Model: cfg.Model})

	case "":
		ollama := NewOllamaEmbedder(OllamaOptions{Host: cfg.OllamaHost, Model: cfg.Model})
		if err := ollama.Available(ctx); err != nil {
			slog.Info("embedder_fallback_static",
				"model", cfg.Model,
				"reason", err.Error())
			_ = ollama.Close()
			inner = NewStaticEmbedder(cfg.Dimensions)
		} else {
			inner = ollama
		}

	default:
		return nil, errors.New(errors.ErrCodeConfigInvalid,
			"unknown embedding provider: "+cfg.Provider, nil)
	}

	cached, err := NewCachedEmbedder(inner, cfg.CacheSize)
	if err != nil {
		_ = inner.Close()
		return nil, errors.New(errors.ErrCodeInternal, "failed to create embedding cache", err)
	}

	slog.Info("embedder_ready",
		"model", cached.ModelName(),
		"cache_size", cfg.CacheSize)
	return cached, nil
}
