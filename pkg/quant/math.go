package quant

import (
	"math"
	"math/rand"
)

// kmeansSeed fixes the clustering RNG so repeated runs over the same
// comments produce the same layout.
const kmeansSeed = 42

const kmeansIterations = 10

// Cosine returns the cosine similarity of two vectors, zero when either has
// no magnitude or the dimensions disagree.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// MeanVector averages a set of vectors; nil when the set is empty.
func MeanVector(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	sum := make([]float64, dim)
	count := 0
	for _, v := range vectors {
		if len(v) != dim {
			continue
		}
		for i := range v {
			sum[i] += float64(v[i])
		}
		count++
	}
	if count == 0 {
		return nil
	}
	mean := make([]float32, dim)
	for i := range sum {
		mean[i] = float32(sum[i] / float64(count))
	}
	return mean
}

// pca2 projects vectors onto their top two principal components using power
// iteration with deflation. Returns false when the data is degenerate; the
// caller falls back to index coordinates.
func pca2(vectors [][]float32) ([][2]float64, bool) {
	n := len(vectors)
	if n < 2 {
		return nil, false
	}
	dim := len(vectors[0])

	// Center.
	mean := make([]float64, dim)
	for _, v := range vectors {
		for i := range v {
			mean[i] += float64(v[i])
		}
	}
	for i := range mean {
		mean[i] /= float64(n)
	}
	centered := make([][]float64, n)
	for r, v := range vectors {
		row := make([]float64, dim)
		for i := range v {
			row[i] = float64(v[i]) - mean[i]
		}
		centered[r] = row
	}

	pc1, ok := powerIteration(centered, nil)
	if !ok {
		return nil, false
	}
	pc2, ok := powerIteration(centered, pc1)
	if !ok {
		// One usable component is still a layout: second axis stays zero.
		pc2 = make([]float64, dim)
	}

	coords := make([][2]float64, n)
	for r, row := range centered {
		coords[r] = [2]float64{dotF64(row, pc1), dotF64(row, pc2)}
	}
	return coords, true
}

// powerIteration finds the dominant direction of the centered data,
// deflating against an earlier component when given.
func powerIteration(centered [][]float64, deflate []float64) ([]float64, bool) {
	dim := len(centered[0])
	rng := rand.New(rand.NewSource(kmeansSeed))
	vec := make([]float64, dim)
	for i := range vec {
		vec[i] = rng.Float64() - 0.5
	}

	for iter := 0; iter < 50; iter++ {
		if deflate != nil {
			proj := dotF64(vec, deflate)
			for i := range vec {
				vec[i] -= proj * deflate[i]
			}
		}
		// next = Cov · vec computed as Xᵀ(X·vec) without forming Cov.
		next := make([]float64, dim)
		for _, row := range centered {
			scale := dotF64(row, vec)
			for i := range row {
				next[i] += scale * row[i]
			}
		}
		norm := math.Sqrt(dotF64(next, next))
		if norm < 1e-12 {
			return nil, false
		}
		for i := range next {
			next[i] /= norm
		}
		vec = next
	}
	if deflate != nil {
		proj := dotF64(vec, deflate)
		for i := range vec {
			vec[i] -= proj * deflate[i]
		}
		norm := math.Sqrt(dotF64(vec, vec))
		if norm < 1e-12 {
			return nil, false
		}
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, true
}

func dotF64(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// kmeans clusters vectors into k groups with a fixed seed. Returns the
// assignment per vector and false on degenerate input.
func kmeans(vectors [][]float32, k int) ([]int, bool) {
	n := len(vectors)
	if n == 0 || k < 1 || k > n {
		return nil, false
	}
	if k == 1 {
		return make([]int, n), true
	}
	dim := len(vectors[0])
	rng := rand.New(rand.NewSource(kmeansSeed))

	// Initialize centroids from distinct sample points.
	perm := rng.Perm(n)
	centroids := make([][]float64, k)
	for c := 0; c < k; c++ {
		centroids[c] = make([]float64, dim)
		src := vectors[perm[c]]
		for i := range src {
			centroids[c][i] = float64(src[i])
		}
	}

	assign := make([]int, n)
	for iter := 0; iter < kmeansIterations; iter++ {
		changed := false
		for idx, v := range vectors {
			best, bestDist := 0, math.MaxFloat64
			for c := range centroids {
				var dist float64
				for i := range v {
					d := float64(v[i]) - centroids[c][i]
					dist += d * d
				}
				if dist < bestDist {
					best, bestDist = c, dist
				}
			}
			if assign[idx] != best {
				assign[idx] = best
				changed = true
			}
		}

		counts := make([]int, k)
		sums := make([][]float64, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for idx, v := range vectors {
			c := assign[idx]
			counts[c]++
			for i := range v {
				sums[c][i] += float64(v[i])
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				// Re-seed an emptied centroid deterministically.
				src := vectors[perm[(c+iter+1)%n]]
				for i := range src {
					centroids[c][i] = float64(src[i])
				}
				continue
			}
			for i := range centroids[c] {
				centroids[c][i] = sums[c][i] / float64(counts[c])
			}
		}
		if !changed {
			break
		}
	}
	return assign, true
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
