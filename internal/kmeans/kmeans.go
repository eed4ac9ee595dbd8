// Package kmeans implements Lloyd's algorithm for product-quantization
// codebook training. Clustering is always in L2 space regardless of the
// index similarity; the similarity only affects how codes are compared.
package kmeans

import (
	"context"
	"math"
	"math/rand"
)

// Train clusters the flattened vectors (n * dim) into k centroids and
// returns them flattened (k * dim). Returns nil when n < k.
func Train(ctx context.Context, vectors []float32, dim, k, maxIter int, seed int64) ([]float32, error) {
	n := len(vectors) / dim
	if n < k {
		return nil, nil
	}

	rng := rand.New(rand.NewSource(seed))
	centroids := make([]float32, k*dim)
	perm := rng.Perm(n)
	for i := 0; i < k; i++ {
		copy(centroids[i*dim:(i+1)*dim], vectors[perm[i]*dim:(perm[i]+1)*dim])
	}

	assignments := make([]int, n)
	counts := make([]int, k)
	sums := make([]float32, k*dim)

	for iter := 0; iter < maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		changed := false
		for i := 0; i < n; i++ {
			vec := vectors[i*dim : (i+1)*dim]
			best := Assign(vec, centroids, dim)
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		for i := range sums {
			sums[i] = 0
		}
		for i := range counts {
			counts[i] = 0
		}
		for i := 0; i < n; i++ {
			c := assignments[i]
			vec := vectors[i*dim : (i+1)*dim]
			for d := 0; d < dim; d++ {
				sums[c*dim+d] += vec[d]
			}
			counts[c]++
		}
		for j := 0; j < k; j++ {
			if counts[j] == 0 {
				// Reseed an empty cluster from a random point.
				idx := rng.Intn(n)
				copy(centroids[j*dim:(j+1)*dim], vectors[idx*dim:(idx+1)*dim])
				continue
			}
			scale := 1 / float32(counts[j])
			for d := 0; d < dim; d++ {
				centroids[j*dim+d] = sums[j*dim+d] * scale
			}
		}
	}
	return centroids, nil
}

// Assign returns the index of the closest centroid to vec in L2.
func Assign(vec, centroids []float32, dim int) int {
	best := 0
	bestDist := float32(math.MaxFloat32)
	for j := 0; j*dim < len(centroids); j++ {
		center := centroids[j*dim : (j+1)*dim]
		var d float32
		for i := range vec {
			diff := vec[i] - center[i]
			d += diff * diff
		}
		if d < bestDist {
			bestDist = d
			best = j
		}
	}
	return best
}
