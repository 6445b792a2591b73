// Package tokenizer maps text to token ids and back for a reference model's
// vocabulary. Adapters are immutable after construction and safe to share.
package tokenizer

import (
	"fmt"

	"github.com/23skdu/longbow-gauge/internal/config"
	"github.com/23skdu/longbow-gauge/internal/logger"
	"github.com/23skdu/longbow-gauge/internal/ollama"
)

// Adapter is the tokenization capability the pipeline depends on.
// Encode never adds special tokens on its own; special-token strings that
// appear literally in the text (such as the BOS marker) map to their ids.
type Adapter interface {
	Encode(text string) []int
	Decode(ids []int) string
	// EOSID is the end-of-sequence token id.
	EOSID() int
	// PadID is the padding id; vocabularies without one pad with EOSID.
	PadID() int
	// BOS returns the beginning-of-sequence marker text, if the vocabulary defines one.
	BOS() (string, bool)
	Name() string
}

// Canonical round-trips text through the vocabulary.
func Canonical(a Adapter, text string) string {
	return a.Decode(a.Encode(text))
}

// Load builds the adapter selected by cfg. A gguf path that is not a file is
// resolved as an Ollama model reference.
func Load(cfg config.TokenizerConfig) (Adapter, error) {
	switch cfg.Kind {
	case config.TokenizerTiktoken:
		return NewTiktoken(cfg.Encoding)
	case config.TokenizerGGUF:
		path := cfg.Path
		if ollama.LooksLikeReference(path) {
			resolved, err := ollama.ResolveModelPath(path)
			if err != nil {
				return nil, fmt.Errorf("resolve vocabulary %q: %w", path, err)
			}
			logger.Log.Info("resolved ollama vocabulary", "ref", path, "path", resolved)
			path = resolved
		}
		return New(path)
	default:
		return nil, fmt.Errorf("unknown tokenizer kind %q", cfg.Kind)
	}
}
