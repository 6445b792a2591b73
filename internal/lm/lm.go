// Package lm defines the reference-model capability used for perplexity and
// provides a count-based causal language model that implements it.
package lm

import (
	"context"
	"errors"
	"fmt"
)

// IgnoreIndex marks label positions excluded from the loss.
const IgnoreIndex = -100

var (
	ErrDeviceMismatch = errors.New("batch and model are on different devices")
	ErrNoTargets      = errors.New("batch has no unmasked label positions")
)

// Batch is a right-padded block of token sequences. All rows have the same length.
type Batch struct {
	InputIDs      [][]int
	AttentionMask [][]int
	Labels        [][]int
	// Device is the placement the batch was built for.
	Device string
}

// Model scores batches. Implementations are read-only after loading and may
// be shared across metric calls.
type Model interface {
	Device() string
	// Loss returns the mean next-token cross entropy over unmasked labels.
	Loss(ctx context.Context, b Batch) (float64, error)
}

// Scorer gives the log probability of next following history.
type Scorer interface {
	LogProb(history []int, next int) float64
}

// Collate truncates each sequence to maxLen, pads on the right with padID and
// masks padding in both the attention mask and the labels.
func Collate(seqs [][]int, padID, maxLen int, device string) Batch {
	width := 0
	for _, s := range seqs {
		width = max(width, min(len(s), maxLen))
	}

	b := Batch{
		InputIDs:      make([][]int, len(seqs)),
		AttentionMask: make([][]int, len(seqs)),
		Labels:        make([][]int, len(seqs)),
		Device:        device,
	}
	for i, s := range seqs {
		if len(s) > maxLen {
			s = s[:maxLen]
		}
		ids := make([]int, width)
		mask := make([]int, width)
		labels := make([]int, width)
		for j := range width {
			if j < len(s) {
				ids[j], mask[j], labels[j] = s[j], 1, s[j]
				continue
			}
			ids[j], mask[j], labels[j] = padID, 0, IgnoreIndex
		}
		b.InputIDs[i], b.AttentionMask[i], b.Labels[i] = ids, mask, labels
	}
	return b
}

// Targets counts the label positions a causal loss would score.
func (b Batch) Targets() int {
	n := 0
	for _, row := range b.Labels {
		for j := 1; j < len(row); j++ {
			if row[j] != IgnoreIndex {
				n++
			}
		}
	}
	return n
}

// CausalLoss computes shifted cross entropy: position t-1 predicts label t.
// Only tokens the attention mask admits are used as history.
func CausalLoss(ctx context.Context, s Scorer, b Batch) (float64, error) {
	if len(b.Labels) != len(b.InputIDs) || len(b.AttentionMask) != len(b.InputIDs) {
		return 0, fmt.Errorf("malformed batch: %d inputs, %d masks, %d labels",
			len(b.InputIDs), len(b.AttentionMask), len(b.Labels))
	}

	var sum float64
	n := 0
	history := make([]int, 0, 64)
	for i, row := range b.InputIDs {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		labels, mask := b.Labels[i], b.AttentionMask[i]
		if len(labels) != len(row) || len(mask) != len(row) {
			return 0, fmt.Errorf("malformed batch row %d", i)
		}

		history = history[:0]
		for t := 1; t < len(row); t++ {
			if mask[t-1] == 1 {
				history = append(history, row[t-1])
			}
			if labels[t] == IgnoreIndex {
				continue
			}
			sum -= s.LogProb(history, labels[t])
			n++
		}
	}
	if n == 0 {
		return 0, ErrNoTargets
	}
	return sum / float64(n), nil
}
