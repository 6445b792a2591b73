// Package divergence estimates how close a set of generated texts is to a set
// of reference texts with a MAUVE-style divergence frontier over quantized
// text embeddings.
package divergence

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	ErrEmptySet = errors.New("divergence needs two non-empty text sets")
	errSVD      = errors.New("svd did not converge")
)

type Options struct {
	// Buckets is the k-means cluster count; 0 picks max(2, min(|p|,|q|)/10).
	Buckets           int
	Seed              uint64
	ExplainedVariance float64
	Restarts          int
	MaxIter           int
	Divergences       int
	Scaling           float64
}

func DefaultOptions() Options {
	return Options{
		Seed:              25,
		ExplainedVariance: 0.9,
		Restarts:          5,
		MaxIter:           500,
		Divergences:       25,
		Scaling:           5,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ExplainedVariance <= 0 || o.ExplainedVariance > 1 {
		o.ExplainedVariance = d.ExplainedVariance
	}
	if o.Restarts <= 0 {
		o.Restarts = d.Restarts
	}
	if o.MaxIter <= 0 {
		o.MaxIter = d.MaxIter
	}
	if o.Divergences < 2 {
		o.Divergences = d.Divergences
	}
	if o.Scaling <= 0 {
		o.Scaling = d.Scaling
	}
	return o
}

// Result is the full outcome of one comparison. P holds the generated-set
// histogram and Q the reference-set histogram.
type Result struct {
	MAUVE            float64
	FrontierIntegral float64
	Curve            [][2]float64
	P, Q             []float64
	Buckets          int
}

// Compute compares the feature sets p and q.
func Compute(p, q [][]float32, opts Options) (Result, error) {
	if len(p) == 0 || len(q) == 0 {
		return Result{}, ErrEmptySet
	}
	opts = opts.withDefaults()

	dim := len(p[0])
	rows := make([][]float64, 0, len(p)+len(q))
	for _, set := range [][][]float32{p, q} {
		for _, f := range set {
			if len(f) != dim || dim == 0 {
				return Result{}, fmt.Errorf("feature dimension mismatch: %d vs %d", len(f), dim)
			}
			r := make([]float64, dim)
			for j, v := range f {
				r[j] = float64(v)
			}
			rows = append(rows, r)
		}
	}
	normalizeRows(rows)

	projected, err := pcaProject(rows, opts.ExplainedVariance)
	if err != nil {
		return Result{}, err
	}

	k := opts.Buckets
	if k <= 0 {
		k = max(2, int(math.Round(float64(min(len(p), len(q)))/10)))
	}
	labels := kmeans(projected, k, opts.Restarts, opts.MaxIter, opts.Seed)
	k = min(k, len(projected))

	ph := histogram(labels[:len(p)], k)
	qh := histogram(labels[len(p):], k)

	curve := divergenceCurve(ph, qh, opts.Divergences, opts.Scaling)
	return Result{
		MAUVE:            mauveArea(curve),
		FrontierIntegral: frontierIntegral(ph, qh),
		Curve:            curve,
		P:                ph,
		Q:                qh,
		Buckets:          k,
	}, nil
}

func histogram(labels []int, k int) []float64 {
	h := make([]float64, k)
	for _, l := range labels {
		h[l]++
	}
	for i := range h {
		h[i] /= float64(len(labels))
	}
	return h
}

func kl(p, q []float64) float64 {
	s := 0.0
	for i := range p {
		if p[i] > 0 {
			s += p[i] * math.Log(p[i]/q[i])
		}
	}
	return s
}

// divergenceCurve traces exp(-scaling*(KL(q||r), KL(p||r))) for mixtures
// r = w*p + (1-w)*q, bracketed by the two axis endpoints.
func divergenceCurve(p, q []float64, n int, scaling float64) [][2]float64 {
	const eps = 1e-6
	curve := make([][2]float64, 0, n+2)
	curve = append(curve, [2]float64{0, 1})

	r := make([]float64, len(p))
	for i := 0; i < n; i++ {
		w := eps + (1-2*eps)*float64(i)/float64(n-1)
		for j := range r {
			r[j] = w*p[j] + (1-w)*q[j]
		}
		curve = append(curve, [2]float64{
			math.Exp(-scaling * kl(q, r)),
			math.Exp(-scaling * kl(p, r)),
		})
	}
	return append(curve, [2]float64{1, 0})
}

// mauveArea averages the area under the curve read along each axis.
// Points are sorted by the integration axis, ties by the other axis descending.
func mauveArea(curve [][2]float64) float64 {
	a := 0.5 * (areaUnder(curve, 0) + areaUnder(curve, 1))
	return min(max(a, 0), 1)
}

func areaUnder(curve [][2]float64, axis int) float64 {
	pts := append([][2]float64(nil), curve...)
	other := 1 - axis
	sort.SliceStable(pts, func(i, j int) bool {
		if pts[i][axis] != pts[j][axis] {
			return pts[i][axis] < pts[j][axis]
		}
		return pts[i][other] > pts[j][other]
	})
	area := 0.0
	for i := 1; i < len(pts); i++ {
		area += (pts[i][axis] - pts[i-1][axis]) * (pts[i][other] + pts[i-1][other]) / 2
	}
	return area
}

// frontierIntegral is the closed-form integral of the divergence frontier.
// It is 0 for identical histograms and 0.5 for disjoint ones.
func frontierIntegral(p, q []float64) float64 {
	s := 0.0
	for i := range p {
		pi, qi := p[i], q[i]
		switch {
		case pi == 0 && qi == 0:
		case pi == 0:
			s += qi / 4
		case qi == 0:
			s += pi / 4
		case math.Abs(pi-qi) < 1e-12:
		default:
			s += 0.25*(pi+qi) - 0.5*pi*qi*(math.Log(pi)-math.Log(qi))/(pi-qi)
		}
	}
	return s
}
