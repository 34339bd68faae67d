package embeddings

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/safetydesk/iso-assistant/config"
)

// ErrInputTooLong is returned when a text exceeds the configured maximum
// input length. Callers must truncate or reject before embedding.
var ErrInputTooLong = errors.New("embedding input exceeds maximum length")

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Options struct {
	Provider      string
	Model         string
	Dimension     int
	MaxInputChars int

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

// NewEmbedder builds the configured provider, wrapped in the bounded retry
// layer and, when a cache size is configured, the embedding cache. The cache
// sits outermost so hits never touch the retry path.
func NewEmbedder(cfg config.Config, logger *log.Logger) (Embedder, error) {
	opts := Options{
		Provider:      cfg.Embeddings.Provider,
		Model:         cfg.Embeddings.Model,
		Dimension:     cfg.Embeddings.Dimension,
		MaxInputChars: cfg.Embeddings.MaxInputChars,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	}

	var embedder Embedder
	switch opts.Provider {
	case config.ProviderOllama:
		embedder = NewOllamaEmbedder(opts)
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		embedder = NewOpenAIEmbedder(opts)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", opts.Provider)
	}

	embedder = NewRetryEmbedder(embedder, cfg.Embeddings.Retries, logger)

	if cfg.Embeddings.CacheSize > 0 {
		cached, err := NewCachedEmbedder(embedder, cfg.Embeddings.CacheSize)
		if err != nil {
			return nil, err
		}
		embedder = cached
	}

	return embedder, nil
}

func checkInputLength(texts []string, max int) error {
	if max <= 0 {
		return nil
	}
	for i, text := range texts {
		if len(text) > max {
			return fmt.Errorf("text %d is %d chars, limit %d: %w", i, len(text), max, ErrInputTooLong)
		}
	}
	return nil
}
