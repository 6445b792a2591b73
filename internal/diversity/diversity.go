// Package diversity measures lexical diversity as the corpus-level ratio of
// unique token n-grams to all n-grams.
package diversity

import (
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/23skdu/longbow-gauge/internal/metrics"
	"github.com/23skdu/longbow-gauge/internal/tokenizer"
)

// DistinctN returns |unique n-grams| / |n-grams| over all texts, or 0 when
// no text has n content tokens. End-of-sequence tokens are dropped first.
func DistinctN(texts []string, tok tokenizer.Adapter, n int) float64 {
	if n < 1 {
		return 0
	}
	start := time.Now()
	defer func() { metrics.RecordMetricDuration("distinct", time.Since(start)) }()

	eos := tok.EOSID()
	uniq := make(map[uint64][][]int)
	total, unique := 0, 0
	for _, text := range texts {
		ids := tok.Encode(text)
		seq := ids[:0:0]
		for _, id := range ids {
			if id != eos {
				seq = append(seq, id)
			}
		}
		if len(seq) < n {
			continue
		}
		total += len(seq) - n + 1
		for i := 0; i+n <= len(seq); i++ {
			gram := seq[i : i+n]
			h := hashGram(gram)
			if !contains(uniq[h], gram) {
				uniq[h] = append(uniq[h], gram)
				unique++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(unique) / float64(total)
}

func hashGram(gram []int) uint64 {
	var buf [8]byte
	d := xxhash.New()
	for _, id := range gram {
		v := uint64(id)
		for i := range buf {
			buf[i] = byte(v >> (8 * i))
		}
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

// contains resolves hash collisions by comparing ids.
func contains(bucket [][]int, gram []int) bool {
outer:
	for _, g := range bucket {
		for i := range g {
			if g[i] != gram[i] {
				continue outer
			}
		}
		return true
	}
	return false
}
