package vector

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/saigo/internal/kmeans"
)

// MinPQRows is the row count below which a segment skips PQ training and
// compares exact vectors during traversal.
const MinPQRows = 1024

// pqCentroids is the codebook size per subspace; codes are one byte.
const pqCentroids = 256

// ProductQuantizer compresses vectors into per-subspace centroid codes.
// Distances against a query are computed from a precomputed lookup table,
// one entry per (subspace, centroid).
type ProductQuantizer struct {
	dim          int
	numSubspaces int
	subDim       int
	centroids    int
	codebooks    []float32 // numSubspaces * centroids * subDim

	// unitVector records that a dot-product segment trained on vectors of
	// norm ~1 and compares with cosine semantics, which coincide on unit
	// vectors and survive quantization better.
	unitVector bool
}

// SubspacesFor picks the subvector count for a dimension: the largest
// divisor of dim that is <= 8.
func SubspacesFor(dim int) int {
	for m := min(8, dim); m > 1; m-- {
		if dim%m == 0 {
			return m
		}
	}
	return 1
}

// TrainPQ builds a quantizer from the flattened training vectors.
// For cosine (and unit-vector dot-product) segments the caller passes
// normalized vectors.
func TrainPQ(ctx context.Context, vectors []float32, dim, numSubspaces int, unitVector bool, seed int64) (*ProductQuantizer, error) {
	if dim <= 0 || numSubspaces <= 0 || dim%numSubspaces != 0 {
		return nil, fmt.Errorf("dimension %d not divisible into %d subspaces", dim, numSubspaces)
	}
	n := len(vectors) / dim
	if n < pqCentroids {
		return nil, errors.New("not enough vectors to train product quantization")
	}
	pq := &ProductQuantizer{
		dim:          dim,
		numSubspaces: numSubspaces,
		subDim:       dim / numSubspaces,
		centroids:    pqCentroids,
		unitVector:   unitVector,
	}
	pq.codebooks = make([]float32, numSubspaces*pqCentroids*pq.subDim)
	sub := make([]float32, n*pq.subDim)
	for m := 0; m < numSubspaces; m++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i := 0; i < n; i++ {
			copy(sub[i*pq.subDim:(i+1)*pq.subDim], vectors[i*dim+m*pq.subDim:i*dim+(m+1)*pq.subDim])
		}
		centroids, err := trainSubspace(ctx, sub, pq.subDim, seed+int64(m))
		if err != nil {
			return nil, err
		}
		copy(pq.codebooks[m*pqCentroids*pq.subDim:], centroids)
	}
	return pq, nil
}

// Encode quantizes vec into one code byte per subspace.
func (pq *ProductQuantizer) Encode(vec []float32) []byte {
	codes := make([]byte, pq.numSubspaces)
	for m := 0; m < pq.numSubspaces; m++ {
		sub := vec[m*pq.subDim : (m+1)*pq.subDim]
		book := pq.codebook(m)
		best, bestDist := 0, float32(0)
		for c := 0; c < pq.centroids; c++ {
			d := SquaredL2(sub, book[c*pq.subDim:(c+1)*pq.subDim])
			if c == 0 || d < bestDist {
				best, bestDist = c, d
			}
		}
		codes[m] = byte(best)
	}
	return codes
}

func (pq *ProductQuantizer) codebook(m int) []float32 {
	start := m * pq.centroids * pq.subDim
	return pq.codebooks[start : start+pq.centroids*pq.subDim]
}

// UnitVector reports whether the segment runs in unit-vector mode.
func (pq *ProductQuantizer) UnitVector() bool { return pq.unitVector }

// DistanceTable precomputes per-(subspace, centroid) squared L2 partials
// for a query. Scores derived from the table order candidates for
// traversal; exact vectors rerank the final top-k.
type DistanceTable struct {
	pq    *ProductQuantizer
	table []float32
}

// NewDistanceTable builds the lookup table for q (already normalized when
// the segment compares in cosine space).
func (pq *ProductQuantizer) NewDistanceTable(q []float32) *DistanceTable {
	t := make([]float32, pq.numSubspaces*pq.centroids)
	for m := 0; m < pq.numSubspaces; m++ {
		sub := q[m*pq.subDim : (m+1)*pq.subDim]
		book := pq.codebook(m)
		for c := 0; c < pq.centroids; c++ {
			t[m*pq.centroids+c] = SquaredL2(sub, book[c*pq.subDim:(c+1)*pq.subDim])
		}
	}
	return &DistanceTable{pq: pq, table: t}
}

// ApproxSquaredL2 sums the table partials for codes.
func (dt *DistanceTable) ApproxSquaredL2(codes []byte) float32 {
	var d float32
	for m, c := range codes {
		d += dt.table[m*dt.pq.centroids+int(c)]
	}
	return d
}

// NewDotTable builds a dot-product lookup table for q. Used by
// dot-product segments outside unit-vector mode, where angular
// comparison would change the ordering.
func (pq *ProductQuantizer) NewDotTable(q []float32) *DistanceTable {
	t := make([]float32, pq.numSubspaces*pq.centroids)
	for m := 0; m < pq.numSubspaces; m++ {
		sub := q[m*pq.subDim : (m+1)*pq.subDim]
		book := pq.codebook(m)
		for c := 0; c < pq.centroids; c++ {
			t[m*pq.centroids+c] = Dot(sub, book[c*pq.subDim:(c+1)*pq.subDim])
		}
	}
	return &DistanceTable{pq: pq, table: t}
}

// ApproxDot sums the dot partials for codes.
func (dt *DistanceTable) ApproxDot(codes []byte) float32 {
	var d float32
	for m, c := range codes {
		d += dt.table[m*dt.pq.centroids+int(c)]
	}
	return d
}

// trainSubspace clusters one subspace into pqCentroids centroids.
func trainSubspace(ctx context.Context, sub []float32, subDim int, seed int64) ([]float32, error) {
	centroids, err := kmeans.Train(ctx, sub, subDim, pqCentroids, 12, seed)
	if err != nil {
		return nil, err
	}
	if centroids == nil {
		return nil, errors.New("not enough vectors to train product quantization")
	}
	return centroids, nil
}
