// Package dataset turns corpus documents into prompt/gold example records and
// reads them back as an indexed reference set.
package dataset

import (
	"errors"
	"strings"

	"github.com/23skdu/longbow-gauge/internal/logger"
	"github.com/23skdu/longbow-gauge/internal/metrics"
	"github.com/23skdu/longbow-gauge/internal/tokenizer"
)

// NewlinePlaceholder is the corpus marker standing in for a line break.
const NewlinePlaceholder = " <newline>"

var (
	ErrNoExamples      = errors.New("no documents passed the length filter")
	ErrUnknownPhase    = errors.New("unknown phase")
	ErrIndexOutOfRange = errors.New("example index out of range")
)

type Document struct {
	Text string `json:"text"`
}

// Example is one prompt/gold pair. Index is its line number in the record store.
type Example struct {
	Index  int    `json:"-"`
	Prompt string `json:"prompt"`
	Gold   string `json:"gold_cont"`
}

// NormalizeNewlines replaces newline placeholders and trims surrounding space.
func NormalizeNewlines(text string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, NewlinePlaceholder, "\n"))
}

// Builder derives examples from documents. The zero values of PromptWords and
// Cap fall back to 32 words and no cap.
type Builder struct {
	Tokenizer   tokenizer.Adapter
	PromptWords int
	GenLen      int
	Cap         int
}

// Build scans docs in order and keeps those whose encoding leaves at least
// GenLen tokens after the prompt. Indices are dense in encounter order.
func (b *Builder) Build(docs []Document) ([]Example, error) {
	words := b.PromptWords
	if words <= 0 {
		words = 32
	}
	bos, _ := b.Tokenizer.BOS()

	var out []Example
	for _, doc := range docs {
		if b.Cap > 0 && len(out) >= b.Cap {
			break
		}
		metrics.RecordScanned()

		text := NormalizeNewlines(doc.Text)
		if text == "" {
			metrics.RecordRejected("empty")
			continue
		}

		promptText := bos + strings.Join(firstWords(text, words), " ")
		fullText := bos + text

		promptIDs := b.Tokenizer.Encode(promptText)
		fullIDs := b.Tokenizer.Encode(fullText)
		if len(fullIDs) < len(promptIDs)+b.GenLen {
			metrics.RecordRejected("too_short")
			continue
		}

		prompt := b.Tokenizer.Decode(promptIDs)
		full := b.Tokenizer.Decode(fullIDs)
		gold, ok := strings.CutPrefix(full, prompt)
		if !ok {
			// Round-tripping changed the prompt; keep the whole text.
			gold = full
			metrics.RecordGoldFallback()
			logger.Log.Debug("gold prefix mismatch", "index", len(out))
		}

		out = append(out, Example{Index: len(out), Prompt: prompt, Gold: gold})
		metrics.RecordAccepted()
	}

	logger.Log.Info("built examples", "documents", len(docs), "accepted", len(out), "gen_len", b.GenLen)
	if len(out) == 0 {
		return nil, ErrNoExamples
	}
	return out, nil
}

func firstWords(text string, n int) []string {
	fields := strings.Fields(text)
	if len(fields) > n {
		fields = fields[:n]
	}
	return fields
}
