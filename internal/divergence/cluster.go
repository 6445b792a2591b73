package divergence

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// normalizeRows scales every row to unit L2 norm. Zero rows are left as is.
func normalizeRows(rows [][]float64) {
	for _, r := range rows {
		if n := floats.Norm(r, 2); n > 0 {
			floats.Scale(1/n, r)
		}
	}
}

// pcaProject centers rows and projects them onto the fewest principal
// components whose cumulative explained variance reaches explained.
func pcaProject(rows [][]float64, explained float64) ([][]float64, error) {
	n, d := len(rows), len(rows[0])
	data := mat.NewDense(n, d, nil)
	for i, r := range rows {
		data.SetRow(i, r)
	}

	mean := make([]float64, d)
	for i := 0; i < n; i++ {
		floats.Add(mean, data.RawRowView(i))
	}
	floats.Scale(1/float64(n), mean)
	for i := 0; i < n; i++ {
		floats.Sub(data.RawRowView(i), mean)
	}

	var svd mat.SVD
	if !svd.Factorize(data, mat.SVDThin) {
		return nil, errSVD
	}
	values := svd.Values(nil)

	total := 0.0
	for _, s := range values {
		total += s * s
	}
	k := 1
	if total > 0 {
		cum := 0.0
		for i, s := range values {
			cum += s * s / total
			if cum >= explained {
				k = i + 1
				break
			}
		}
	}

	var v mat.Dense
	svd.VTo(&v)
	var proj mat.Dense
	proj.Mul(data, v.Slice(0, d, 0, k))

	out := make([][]float64, n)
	for i := range out {
		out[i] = mat.Row(nil, i, &proj)
	}
	return out, nil
}

func sqDist(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		diff := a[i] - b[i]
		s += diff * diff
	}
	return s
}

// kmeans clusters points into k groups, keeping the run with the lowest
// inertia over restarts. Centers are seeded with k-means++.
func kmeans(points [][]float64, k, restarts, maxIter int, seed uint64) []int {
	k = min(k, len(points))
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	var best []int
	bestInertia := math.Inf(1)
	for range max(restarts, 1) {
		labels, inertia := lloyd(points, seedCenters(points, k, rng), maxIter)
		if inertia < bestInertia {
			best, bestInertia = labels, inertia
		}
	}
	return best
}

func seedCenters(points [][]float64, k int, rng *rand.Rand) [][]float64 {
	centers := make([][]float64, 0, k)
	centers = append(centers, append([]float64(nil), points[rng.IntN(len(points))]...))

	dist := make([]float64, len(points))
	for i, p := range points {
		dist[i] = sqDist(p, centers[0])
	}
	for len(centers) < k {
		total := floats.Sum(dist)
		next := 0
		if total > 0 {
			target := rng.Float64() * total
			for i, d := range dist {
				target -= d
				if target <= 0 {
					next = i
					break
				}
				next = i
			}
		} else {
			next = rng.IntN(len(points))
		}
		c := append([]float64(nil), points[next]...)
		centers = append(centers, c)
		for i, p := range points {
			dist[i] = min(dist[i], sqDist(p, c))
		}
	}
	return centers
}

func lloyd(points, centers [][]float64, maxIter int) ([]int, float64) {
	k := len(centers)
	labels := make([]int, len(points))
	for i := range labels {
		labels[i] = -1
	}
	counts := make([]int, k)

	var inertia float64
	for iter := 0; iter < maxIter; iter++ {
		changed := false
		inertia = 0
		for i, p := range points {
			bestC, bestD := 0, math.Inf(1)
			for c, center := range centers {
				if d := sqDist(p, center); d < bestD {
					bestC, bestD = c, d
				}
			}
			if labels[i] != bestC {
				labels[i] = bestC
				changed = true
			}
			inertia += bestD
		}
		if !changed {
			break
		}

		for c := range centers {
			clear(centers[c])
			counts[c] = 0
		}
		for i, p := range points {
			floats.Add(centers[labels[i]], p)
			counts[labels[i]]++
		}
		for c := range centers {
			if counts[c] > 0 {
				floats.Scale(1/float64(counts[c]), centers[c])
				continue
			}
			// Empty cluster: move it onto the point farthest from its center.
			far, farD := 0, -1.0
			for i, p := range points {
				if d := sqDist(p, centers[labels[i]]); d > farD {
					far, farD = i, d
				}
			}
			centers[c] = append(centers[c][:0], points[far]...)
		}
	}
	return labels, inertia
}
