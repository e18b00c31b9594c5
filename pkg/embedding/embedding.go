// Package embedding turns text into fixed-dimension vectors.
package embedding

import (
	"context"
	"errors"
	"fmt"
)

// ErrDimensionMismatch is returned when a backend produces a vector of the
// wrong length.
var ErrDimensionMismatch = errors.New("embedding: dimension mismatch")

// Embedder generates embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Config selects and configures an Embedder.
type Config struct {
	Provider   string // hash | openai
	Model      string
	APIKey     string
	BaseURL    string
	Dimensions int
	// CacheSize is the number of cached embeddings; 0 disables the cache.
	CacheSize int64
}

// New builds the embedder described by cfg, wrapped in a cache when
// CacheSize is positive.
func New(cfg Config) (Embedder, error) {
	var base Embedder
	switch cfg.Provider {
	case "", "hash":
		base = NewHashEmbedder(cfg.Dimensions)
	case "openai":
		var err error
		base, err = NewOpenAIEmbedder(OpenAIConfig{
			Model:      cfg.Model,
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Dimensions: cfg.Dimensions,
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", cfg.Provider)
	}

	if cfg.CacheSize <= 0 {
		return base, nil
	}
	return NewCachedEmbedder(base, cfg.CacheSize)
}

func checkDimensions(vec []float32, want int) error {
	if want > 0 && len(vec) != want {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, want, len(vec))
	}
	return nil
}
