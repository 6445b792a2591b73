package divergence

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"testing"
)

type wordTokenizer struct {
	ids   map[string]int
	words []string
}

func newWordTokenizer() *wordTokenizer {
	return &wordTokenizer{ids: map[string]int{"<eos>": 0}, words: []string{"<eos>"}}
}

func (w *wordTokenizer) Encode(text string) []int {
	var out []int
	for _, f := range strings.Fields(text) {
		id, ok := w.ids[f]
		if !ok {
			id = len(w.words)
			w.ids[f] = id
			w.words = append(w.words, f)
		}
		out = append(out, id)
	}
	return out
}

func (w *wordTokenizer) Decode(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = w.words[id]
	}
	return strings.Join(parts, " ")
}

func (w *wordTokenizer) EOSID() int { return 0 }
func (w *wordTokenizer) PadID() int { return 0 }
func (w *wordTokenizer) BOS() (string, bool) { return "", false }
func (w *wordTokenizer) Name() string { return "words" }

// cluster returns n noisy points around the given axis.
func cluster(n, dim, axis int, seed uint64) [][]float32 {
	rng := rand.New(rand.NewPCG(seed, seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = float32(rng.NormFloat64() * 0.01)
		}
		v[axis] += 1
		out[i] = v
	}
	return out
}

func TestComputeIdenticalSets(t *testing.T) {
	p := cluster(30, 8, 0, 1)
	p = append(p, cluster(30, 8, 3, 2)...)

	res, err := Compute(p, p, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(res.MAUVE-1) > 1e-9 {
		t.Errorf("MAUVE = %v, want 1", res.MAUVE)
	}
	if math.Abs(res.FrontierIntegral) > 1e-9 {
		t.Errorf("FrontierIntegral = %v, want 0", res.FrontierIntegral)
	}
	if res.Buckets != 6 {
		t.Errorf("Buckets = %d, want 6", res.Buckets)
	}
	if len(res.Curve) != 27 {
		t.Errorf("curve has %d points, want 27", len(res.Curve))
	}
}

func TestComputeDisjointSets(t *testing.T) {
	p := cluster(20, 6, 0, 3)
	q := cluster(20, 6, 1, 4)

	res, err := Compute(p, q, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if res.Buckets != 2 {
		t.Fatalf("Buckets = %d, want 2", res.Buckets)
	}
	if res.MAUVE > 0.05 {
		t.Errorf("MAUVE = %v, want near 0 for disjoint sets", res.MAUVE)
	}
	if math.Abs(res.FrontierIntegral-0.5) > 1e-9 {
		t.Errorf("FrontierIntegral = %v, want 0.5", res.FrontierIntegral)
	}
	sum := 0.0
	for _, v := range res.P {
		sum += v
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Errorf("histogram sums to %v", sum)
	}
}

func TestComputePartialOverlapIsBetween(t *testing.T) {
	p := append(cluster(20, 6, 0, 5), cluster(20, 6, 1, 6)...)
	q := append(cluster(30, 6, 0, 7), cluster(10, 6, 1, 8)...)

	res, err := Compute(p, q, Options{Buckets: 2})
	if err != nil {
		t.Fatal(err)
	}
	if res.MAUVE <= 0.05 || res.MAUVE >= 1 {
		t.Errorf("MAUVE = %v, want strictly between the extremes", res.MAUVE)
	}
}

func TestComputeErrors(t *testing.T) {
	if _, err := Compute(nil, cluster(2, 2, 0, 1), DefaultOptions()); !errors.Is(err, ErrEmptySet) {
		t.Errorf("expected ErrEmptySet, got %v", err)
	}
	if _, err := Compute(cluster(2, 2, 0, 1), cluster(2, 3, 0, 1), DefaultOptions()); err == nil {
		t.Error("expected dimension mismatch error")
	}
}

func TestFrontierIntegral(t *testing.T) {
	tests := []struct {
		p, q []float64
		want float64
	}{
		{[]float64{0.5, 0.5}, []float64{0.5, 0.5}, 0},
		{[]float64{1, 0}, []float64{0, 1}, 0.5},
		{[]float64{0.5, 0.5, 0}, []float64{0.5, 0, 0.5}, 0.25},
	}
	for _, tt := range tests {
		if got := frontierIntegral(tt.p, tt.q); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("frontierIntegral(%v, %v) = %v, want %v", tt.p, tt.q, got, tt.want)
		}
	}
}

func TestHashingFeaturizer(t *testing.T) {
	h := &Hashing{Tokenizer: newWordTokenizer(), Dim: 64, MaxLen: 3}
	vecs, err := h.Featurize(context.Background(), []string{"a b c d e", "a b c", ""})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 3 || len(vecs[0]) != 64 {
		t.Fatalf("unexpected shape %d x %d", len(vecs), len(vecs[0]))
	}
	for j := range vecs[0] {
		if vecs[0][j] != vecs[1][j] {
			t.Fatal("texts equal after truncation should embed identically")
		}
		if vecs[2][j] != 0 {
			t.Fatal("empty text should embed to zero")
		}
	}
	if _, err := (&Hashing{Tokenizer: newWordTokenizer()}).Featurize(context.Background(), []string{"a"}); err == nil {
		t.Error("expected error for zero dim")
	}
}

func TestTruncate(t *testing.T) {
	tok := newWordTokenizer()
	if got := Truncate(tok, "one two three", 2); got != "one two" {
		t.Errorf("Truncate = %q", got)
	}
	if got := Truncate(tok, "one  two", 5); got != "one  two" {
		t.Errorf("short text should be returned unchanged, got %q", got)
	}
}

func TestMetricScore(t *testing.T) {
	tok := newWordTokenizer()
	m := &Metric{Featurizer: &Hashing{Tokenizer: tok, Dim: 128, MaxLen: 256}, Options: DefaultOptions()}

	gen := []string{"the cat sat", "the dog ran", "a bird flew", "the cat ran", "a dog sat"}
	ref := []string{"the cat sat down", "a dog ran off", "the bird flew away", "a cat sat", "the dog sat"}

	score, err := m.Score(context.Background(), gen, ref)
	if err != nil {
		t.Fatal(err)
	}
	if score < 0 || score > 1 {
		t.Errorf("score %v outside [0,1]", score)
	}

	same, err := m.Score(context.Background(), gen, gen)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(same-1) > 1e-9 {
		t.Errorf("identical sets score %v, want 1", same)
	}

	if _, err := m.Score(context.Background(), nil, ref); !errors.Is(err, ErrEmptySet) {
		t.Errorf("expected ErrEmptySet, got %v", err)
	}
}
