package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	DocumentsScanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gauge_documents_scanned_total",
		Help: "Corpus documents read by the prompt builder",
	})

	ExamplesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gauge_examples_accepted_total",
		Help: "Documents that passed the continuation length filter",
	})

	ExamplesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gauge_examples_rejected_total",
		Help: "Documents dropped by the prompt builder",
	}, []string{"reason"})

	GoldFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gauge_gold_prefix_fallback_total",
		Help: "Examples whose canonical prompt was not a prefix of the canonical document",
	})

	PerplexityBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gauge_perplexity_batches_total",
		Help: "Perplexity batches by outcome",
	}, []string{"outcome"})

	BatchLoss = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gauge_perplexity_batch_loss",
		Help:    "Mean cross-entropy loss per perplexity batch",
		Buckets: []float64{0.5, 1, 2, 3, 4, 5, 6, 8, 10, 15},
	})

	BatchTokens = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gauge_perplexity_batch_tokens",
		Help:    "Unpadded tokens per perplexity batch",
		Buckets: []float64{8, 32, 128, 256, 512, 1024, 2048, 4096},
	})

	MetricDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gauge_metric_duration_seconds",
		Help:    "Time spent computing each metric over one output file",
		Buckets: prometheus.DefBuckets,
	}, []string{"metric"})

	SummaryRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gauge_summary_records_total",
		Help: "Summary records emitted by the aggregator",
	})

	LookupFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gauge_lookup_failures_total",
		Help: "Generated output indices missing from the reference set",
	})

	EmbeddingCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gauge_embedding_cache_total",
		Help: "Embedding cache lookups by result",
	}, []string{"result"})
)

func RecordScanned() {
	DocumentsScanned.Inc()
}

func RecordAccepted() {
	ExamplesAccepted.Inc()
}

func RecordRejected(reason string) {
	ExamplesRejected.WithLabelValues(reason).Inc()
}

func RecordGoldFallback() {
	GoldFallbacks.Inc()
}

// RecordBatch records one scored perplexity batch.
func RecordBatch(loss float64, tokens int) {
	PerplexityBatches.WithLabelValues("scored").Inc()
	BatchLoss.Observe(loss)
	BatchTokens.Observe(float64(tokens))
}

func RecordSkippedBatch() {
	PerplexityBatches.WithLabelValues("skipped").Inc()
}

func RecordMetricDuration(metric string, d time.Duration) {
	MetricDuration.WithLabelValues(metric).Observe(d.Seconds())
}

func RecordSummary() {
	SummaryRecords.Inc()
}

func RecordLookupFailure() {
	LookupFailures.Inc()
}

func RecordCacheHit() {
	EmbeddingCache.WithLabelValues("hit").Inc()
}

func RecordCacheMiss() {
	EmbeddingCache.WithLabelValues("miss").Inc()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Push sends the default registry to a Pushgateway under the given job name.
func Push(url, job string) error {
	if url == "" {
		return nil
	}
	if err := push.New(url, job).Gatherer(prometheus.DefaultGatherer).Push(); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
