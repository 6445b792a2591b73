package divergence

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-gauge/internal/device"
	"github.com/23skdu/longbow-gauge/internal/logger"
	"github.com/23skdu/longbow-gauge/internal/metrics"
)

// Metric compares a generated text set with a reference set and reports the
// MAUVE scalar. Texts are capped at the featurizer's token limit, which
// callers set to the perplexity max length.
type Metric struct {
	Featurizer Featurizer
	Options    Options
	// Device is the placement for featurization; nil means CPU.
	Device *device.Context
}

func (m *Metric) deviceID() int {
	if m.Device == nil {
		return -1
	}
	return m.Device.Device()
}

// Evaluate returns the full comparison result.
func (m *Metric) Evaluate(ctx context.Context, generated, reference []string) (Result, error) {
	if len(generated) == 0 || len(reference) == 0 {
		return Result{}, ErrEmptySet
	}
	start := time.Now()
	defer func() { metrics.RecordMetricDuration("mauve", time.Since(start)) }()

	p, err := m.Featurizer.Featurize(ctx, generated)
	if err != nil {
		return Result{}, fmt.Errorf("featurize generated set: %w", err)
	}
	q, err := m.Featurizer.Featurize(ctx, reference)
	if err != nil {
		return Result{}, fmt.Errorf("featurize reference set: %w", err)
	}

	res, err := Compute(p, q, m.Options)
	if err != nil {
		return Result{}, err
	}
	logger.Log.Debug("divergence computed",
		"featurizer", m.Featurizer.Name(),
		"device_id", m.deviceID(),
		"buckets", res.Buckets,
		"mauve", res.MAUVE,
		"frontier_integral", res.FrontierIntegral)
	return res, nil
}

// Score returns only the MAUVE value in [0, 1].
func (m *Metric) Score(ctx context.Context, generated, reference []string) (float64, error) {
	res, err := m.Evaluate(ctx, generated, reference)
	if err != nil {
		return 0, err
	}
	return res.MAUVE, nil
}
