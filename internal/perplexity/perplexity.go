// Package perplexity scores texts under a reference language model.
package perplexity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-gauge/internal/lm"
	"github.com/23skdu/longbow-gauge/internal/logger"
	"github.com/23skdu/longbow-gauge/internal/metrics"
	"github.com/23skdu/longbow-gauge/internal/tokenizer"
)

// ErrNoTexts is returned for an empty input slice.
var ErrNoTexts = errors.New("no scorable texts")

const (
	DefaultBatchSize = 4
	DefaultMaxLen    = 256
)

type Metric struct {
	Model     lm.Model
	Tokenizer tokenizer.Adapter
	BatchSize int
	MaxLen    int
}

type Result struct {
	Perplexity float64
	MeanLoss   float64
	Batches    int
	Skipped    int
}

// Score returns exp of the mean per-batch loss, or NaN when no batch had a
// target position.
func (m *Metric) Score(ctx context.Context, texts []string) (float64, error) {
	res, err := m.Compute(ctx, texts)
	if err != nil {
		return 0, err
	}
	return res.Perplexity, nil
}

// Compute batches texts, pads each batch on the right and averages the
// per-batch losses with equal weight. Batches without any target position
// are skipped; if every batch is skipped the result carries NaN perplexity
// and loss instead of an error.
func (m *Metric) Compute(ctx context.Context, texts []string) (Result, error) {
	if len(texts) == 0 {
		return Result{}, ErrNoTexts
	}
	batchSize := m.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	maxLen := m.MaxLen
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	start := time.Now()
	defer func() { metrics.RecordMetricDuration("perplexity", time.Since(start)) }()

	var res Result
	var sum float64
	for i := 0; i < len(texts); i += batchSize {
		end := min(i+batchSize, len(texts))
		seqs := make([][]int, 0, end-i)
		for _, text := range texts[i:end] {
			seqs = append(seqs, m.Tokenizer.Encode(text))
		}
		batch := lm.Collate(seqs, m.Tokenizer.PadID(), maxLen, m.Model.Device())

		loss, err := m.Model.Loss(ctx, batch)
		if errors.Is(err, lm.ErrNoTargets) {
			res.Skipped++
			metrics.RecordSkippedBatch()
			logger.Log.Warn("skipping batch without targets", "start", i, "size", end-i)
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("batch at %d: %w", i, err)
		}

		sum += loss
		res.Batches++
		metrics.RecordBatch(loss, batch.Targets())
		logger.Log.Debug("perplexity batch", "start", i, "size", end-i, "loss", loss)
	}

	if res.Batches == 0 {
		logger.Log.Warn("no batch had targets, perplexity undefined", "texts", len(texts), "skipped", res.Skipped)
		res.MeanLoss = math.NaN()
		res.Perplexity = math.NaN()
		return res, nil
	}
	res.MeanLoss = sum / float64(res.Batches)
	res.Perplexity = math.Exp(res.MeanLoss)
	return res, nil
}
