package divergence

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/23skdu/longbow-gauge/internal/config"
	"github.com/23skdu/longbow-gauge/internal/tokenizer"
)

// Featurizer embeds texts into fixed-size vectors. Implementations must be
// safe to reuse across comparisons.
type Featurizer interface {
	Featurize(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
}

// EmbeddingCacheTTL bounds how long a cached embedding is reused.
const EmbeddingCacheTTL = 30 * time.Minute

// Truncate keeps the first maxLen tokens of text.
func Truncate(tok tokenizer.Adapter, text string, maxLen int) string {
	if tok == nil || maxLen <= 0 {
		return text
	}
	ids := tok.Encode(text)
	if len(ids) <= maxLen {
		return text
	}
	return tok.Decode(ids[:maxLen])
}

// Hashing projects token unigrams and bigrams into Dim signed buckets.
// It needs no network access and is deterministic.
type Hashing struct {
	Tokenizer tokenizer.Adapter
	Dim       int
	MaxLen    int
}

func (h *Hashing) Name() string { return fmt.Sprintf("hashing-%d", h.Dim) }

func (h *Hashing) Featurize(ctx context.Context, texts []string) ([][]float32, error) {
	if h.Dim <= 0 {
		return nil, fmt.Errorf("invalid hashing dim: %d (must be positive)", h.Dim)
	}
	out := make([][]float32, len(texts))
	var buf [8]byte
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ids := h.Tokenizer.Encode(text)
		if h.MaxLen > 0 && len(ids) > h.MaxLen {
			ids = ids[:h.MaxLen]
		}
		vec := make([]float32, h.Dim)
		add := func(gram []int) {
			d := xxhash.New()
			for _, id := range gram {
				binary.LittleEndian.PutUint32(buf[:4], uint32(id))
				_, _ = d.Write(buf[:4])
			}
			sum := d.Sum64()
			sign := float32(1)
			if sum>>63 == 1 {
				sign = -1
			}
			vec[sum%uint64(h.Dim)] += sign
		}
		for j := range ids {
			add(ids[j : j+1])
			if j > 0 {
				add(ids[j-1 : j+1])
			}
		}
		out[i] = vec
	}
	return out, nil
}

// NewFeaturizer builds the featurizer selected by cfg. Remote featurizers are
// wrapped in an embedding cache; call Close on the result when done.
func NewFeaturizer(cfg config.DivergenceConfig, tok tokenizer.Adapter, maxLen int) (Featurizer, error) {
	switch cfg.Featurizer {
	case config.FeaturizerHashing:
		return &Hashing{Tokenizer: tok, Dim: cfg.Dim, MaxLen: maxLen}, nil
	case config.FeaturizerOpenAI:
		o, err := NewOpenAI(OpenAIConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Tokenizer: tok,
			MaxLen:    maxLen,
		})
		if err != nil {
			return nil, err
		}
		return NewCached(o, EmbeddingCacheTTL), nil
	default:
		return nil, fmt.Errorf("unknown featurizer %q", cfg.Featurizer)
	}
}
