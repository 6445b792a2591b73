package divergence

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/23skdu/longbow-gauge/internal/logger"
	"github.com/23skdu/longbow-gauge/internal/tokenizer"
)

const defaultEmbeddingBatch = 256

type OpenAIConfig struct {
	APIKey    string
	BaseURL   string // optional, for OpenAI-compatible servers
	Model     string
	Tokenizer tokenizer.Adapter
	MaxLen    int
	BatchSize int
}

// OpenAI embeds texts through an embeddings endpoint.
type OpenAI struct {
	client    *openai.Client
	model     string
	tok       tokenizer.Adapter
	maxLen    int
	batchSize int
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("OpenAI API key or base URL is required")
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultEmbeddingBatch
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client:    openai.NewClientWithConfig(config),
		model:     cfg.Model,
		tok:       cfg.Tokenizer,
		maxLen:    cfg.MaxLen,
		batchSize: cfg.BatchSize,
	}, nil
}

func (o *OpenAI) Name() string { return "openai/" + o.model }

func (o *OpenAI) Featurize(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += o.batchSize {
		end := min(start+o.batchSize, len(texts))
		input := make([]string, end-start)
		for i, t := range texts[start:end] {
			input[i] = Truncate(o.tok, t, o.maxLen)
			if input[i] == "" {
				// The endpoint rejects empty strings.
				input[i] = " "
			}
		}

		resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: input,
			Model: openai.EmbeddingModel(o.model),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create embeddings: %w", err)
		}
		if len(resp.Data) != len(input) {
			return nil, fmt.Errorf("embeddings endpoint returned %d vectors for %d inputs", len(resp.Data), len(input))
		}

		batch := make([][]float32, len(input))
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(batch) {
				return nil, fmt.Errorf("embedding index %d out of range", d.Index)
			}
			batch[d.Index] = d.Embedding
		}
		out = append(out, batch...)
		logger.Log.Debug("embedded batch", "model", o.model, "start", start, "size", len(input))
	}
	return out, nil
}
