package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taxresearch/internal/config"

	openaiembed "github.com/cloudwego/eino-ext/components/embedding/openai"
	"github.com/cloudwego/eino/components/embedding"
)

const embedTimeout = 60 * time.Second

// NewEmbedder builds the OpenAI embedder used for documents and queries.
func NewEmbedder(ctx context.Context, cfg config.EmbeddingConfig) (embedding.Embedder, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("embedding api key not configured")
	}
	embCfg := &openaiembed.EmbeddingConfig{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		Timeout: embedTimeout,
	}
	if cfg.Dimensions > 0 {
		dims := cfg.Dimensions
		embCfg.Dimensions = &dims
	}
	embedder, err := openaiembed.NewEmbedder(ctx, embCfg)
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", err)
	}
	return embedder, nil
}
