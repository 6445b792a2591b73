package divergence

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/23skdu/longbow-gauge/internal/logger"
	"github.com/23skdu/longbow-gauge/internal/metrics"
)

// Cached memoizes per-text embeddings of another featurizer. Concurrent
// requests for the same set of missing texts share one upstream call.
type Cached struct {
	inner   Featurizer
	cache   *ttlcache.Cache[string, []float32]
	sfGroup *singleflight.Group
}

func NewCached(inner Featurizer, ttl time.Duration) *Cached {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, []float32](ttl),
	)
	go cache.Start()
	return &Cached{inner: inner, cache: cache, sfGroup: &singleflight.Group{}}
}

func (c *Cached) Name() string { return c.inner.Name() }

func (c *Cached) key(text string) string {
	h := xxhash.New()
	_, _ = h.WriteString(c.inner.Name())
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(text)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h.Sum64())
	return string(buf[:])
}

func (c *Cached) Featurize(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	keys := make([]string, len(texts))

	// Unique misses, in first-seen order.
	var missTexts []string
	missAt := map[string]int{}
	batchKey := xxhash.New()
	for i, text := range texts {
		keys[i] = c.key(text)
		if item := c.cache.Get(keys[i]); item != nil {
			out[i] = item.Value()
			metrics.RecordCacheHit()
			continue
		}
		metrics.RecordCacheMiss()
		if _, seen := missAt[keys[i]]; !seen {
			missAt[keys[i]] = len(missTexts)
			missTexts = append(missTexts, text)
			_, _ = batchKey.WriteString(keys[i])
		}
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], batchKey.Sum64())
	result, err, shared := c.sfGroup.Do(string(buf[:]), func() (any, error) {
		vecs, err := c.inner.Featurize(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(missTexts) {
			return nil, fmt.Errorf("%s returned %d vectors for %d texts", c.inner.Name(), len(vecs), len(missTexts))
		}
		for i, text := range missTexts {
			c.cache.Set(c.key(text), vecs[i], ttlcache.DefaultTTL)
		}
		return vecs, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logger.Log.Debug("shared embedding request", "featurizer", c.inner.Name(), "texts", len(missTexts))
	}

	vecs := result.([][]float32)
	for i := range texts {
		if out[i] == nil {
			out[i] = vecs[missAt[keys[i]]]
		}
	}
	return out, nil
}

// Len is the number of cached embeddings.
func (c *Cached) Len() int { return c.cache.Len() }

func (c *Cached) Close() {
	c.cache.Stop()
}
