package lm

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/23skdu/longbow-gauge/internal/logger"
)

type contextStats struct {
	total uint32
	types uint32
}

// NGram is a Witten-Bell interpolated n-gram model over token ids, backed off
// to an add-one unigram distribution. Contexts are keyed by xxhash of their ids.
type NGram struct {
	order  int
	vocab  int
	device string

	unigrams map[int]uint32
	tokens   uint64
	contexts map[uint64]contextStats
	ngrams   map[uint64]uint32
}

// NewNGram returns an empty model. vocab is a lower bound on the vocabulary
// size used by the unigram base; it grows with the ids seen in training.
func NewNGram(order, vocab int) (*NGram, error) {
	if order < 1 {
		return nil, fmt.Errorf("invalid order: %d (must be >= 1)", order)
	}
	return &NGram{
		order:    order,
		vocab:    max(vocab, 1),
		device:   "cpu",
		unigrams: make(map[int]uint32),
		contexts: make(map[uint64]contextStats),
		ngrams:   make(map[uint64]uint32),
	}, nil
}

func (m *NGram) Order() int { return m.order }

func (m *NGram) Vocab() int { return m.vocab }

// Tokens is the number of training tokens seen.
func (m *NGram) Tokens() uint64 { return m.tokens }

// SetDevice records the placement the model is loaded on.
func (m *NGram) SetDevice(device string) { m.device = device }

func (m *NGram) Device() string { return m.device }

func hashIDs(ids []int) uint64 {
	var buf [4]byte
	d := xxhash.New()
	for _, id := range ids {
		binary.LittleEndian.PutUint32(buf[:], uint32(id))
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

// Train adds the n-gram counts of each sequence.
func (m *NGram) Train(seqs [][]int) {
	for _, seq := range seqs {
		for i, w := range seq {
			if w < 0 {
				continue
			}
			m.unigrams[w]++
			m.tokens++
			if w >= m.vocab {
				m.vocab = w + 1
			}
			for k := 1; k < m.order && k <= i; k++ {
				key := hashIDs(seq[i-k : i+1])
				ctxKey := hashIDs(seq[i-k : i])
				st := m.contexts[ctxKey]
				if m.ngrams[key] == 0 {
					st.types++
				}
				st.total++
				m.contexts[ctxKey] = st
				m.ngrams[key]++
			}
		}
	}
	logger.Log.Debug("trained n-gram model", "order", m.order, "tokens", m.tokens, "contexts", len(m.contexts))
}

// Prob is the interpolated probability of next after history.
func (m *NGram) Prob(history []int, next int) float64 {
	p := (float64(m.unigrams[next]) + 1) / (float64(m.tokens) + float64(m.vocab))

	gram := make([]int, 0, m.order)
	for k := 1; k < m.order && k <= len(history); k++ {
		gram = append(gram[:0], history[len(history)-k:]...)
		st, ok := m.contexts[hashIDs(gram)]
		if !ok || st.total == 0 {
			break
		}
		c := m.ngrams[hashIDs(append(gram, next))]
		p = (float64(c) + float64(st.types)*p) / float64(st.total+st.types)
	}
	return p
}

func (m *NGram) LogProb(history []int, next int) float64 {
	return math.Log(m.Prob(history, next))
}

func (m *NGram) Loss(ctx context.Context, b Batch) (float64, error) {
	if b.Device != m.device {
		return 0, fmt.Errorf("%w: batch on %q, model on %q", ErrDeviceMismatch, b.Device, m.device)
	}
	return CausalLoss(ctx, m, b)
}
