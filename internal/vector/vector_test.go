package vector

import (
	"bytes"
	"context"
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/saigo/model"
)

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(Cosine, []float32{1, 2}))
	assert.ErrorIs(t, Validate(Cosine, []float32{0, 0}), ErrInvalidVector)
	assert.ErrorIs(t, Validate(Euclidean, []float32{float32(math.NaN()), 1}), ErrInvalidVector)
	assert.ErrorIs(t, Validate(DotProduct, []float32{float32(math.Inf(1)), 1}), ErrInvalidVector)
	// Zero vectors are fine outside cosine.
	assert.NoError(t, Validate(Euclidean, []float32{0, 0}))
}

func TestParseSimilarity(t *testing.T) {
	for in, want := range map[string]Similarity{
		"": Cosine, "cosine": Cosine, "dot_product": DotProduct, "euclidean": Euclidean,
	} {
		got, err := ParseSimilarity(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseSimilarity("manhattan")
	assert.Error(t, err)
}

func TestScoreOrdering(t *testing.T) {
	q := []float32{1, 0}
	near := []float32{0.9, 0.1}
	far := []float32{-1, 0}
	for _, sim := range []Similarity{Cosine, DotProduct, Euclidean} {
		assert.Greater(t, Score(sim, q, near), Score(sim, q, far), sim.String())
	}
}

func randomVectors(n, dim int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for d := range v {
			v[d] = rng.Float32()*2 - 1
		}
		out[i] = v
	}
	return out
}

func TestGraph_DuplicateVectorSharesNode(t *testing.T) {
	g := NewGraph(GraphConfig{Dim: 2, Similarity: Euclidean})
	a, existed, err := g.Add([]float32{1, 2})
	require.NoError(t, err)
	assert.False(t, existed)
	b, existed, err := g.Add([]float32{1, 2})
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, a, b)
}

func TestGraph_Recall(t *testing.T) {
	for _, sim := range []Similarity{Cosine, DotProduct, Euclidean} {
		t.Run(sim.String(), func(t *testing.T) {
			dim := 8
			vecs := randomVectors(500, dim, 11)
			g := NewGraph(GraphConfig{Dim: dim, Similarity: sim})
			for _, v := range vecs {
				_, _, err := g.Add(v)
				require.NoError(t, err)
			}

			queries := randomVectors(20, dim, 99)
			k := 10
			var hits, total int
			for _, q := range queries {
				got, err := g.Search(q, k, 200, nil)
				require.NoError(t, err)

				exact := bruteForceTopK(sim, q, vecs, k)
				gotSet := map[uint32]bool{}
				for _, r := range got {
					gotSet[r.Ordinal] = true
				}
				for _, ord := range exact {
					if gotSet[ord] {
						hits++
					}
					total++
				}
			}
			recall := float64(hits) / float64(total)
			assert.GreaterOrEqual(t, recall, 0.8, "recall@%d", k)
		})
	}
}

func bruteForceTopK(sim Similarity, q []float32, vecs [][]float32, k int) []uint32 {
	type scored struct {
		ord   uint32
		score float32
	}
	all := make([]scored, len(vecs))
	for i, v := range vecs {
		all[i] = scored{ord: uint32(i), score: Score(sim, q, v)}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].score > all[j].score })
	out := make([]uint32, 0, k)
	for i := 0; i < k && i < len(all); i++ {
		out = append(out, all[i].ord)
	}
	return out
}

func TestGraph_DescendingScores(t *testing.T) {
	g := NewGraph(GraphConfig{Dim: 4, Similarity: Cosine})
	for _, v := range randomVectors(100, 4, 3) {
		if _, _, err := g.Add(v); err != nil {
			// Cosine rejects near-zero vectors from the random pool.
			continue
		}
	}
	res, err := g.Search([]float32{1, 1, 0, 0}, 10, 100, nil)
	require.NoError(t, err)
	for i := 1; i < len(res); i++ {
		assert.GreaterOrEqual(t, res[i-1].Score, res[i].Score)
	}
}

func TestPQ_RoundTrip(t *testing.T) {
	dim := 8
	vecs := randomVectors(600, dim, 5)
	flat := make([]float32, 0, len(vecs)*dim)
	for _, v := range vecs {
		flat = append(flat, v...)
	}
	pq, err := TrainPQ(context.Background(), flat, dim, SubspacesFor(dim), false, 1)
	require.NoError(t, err)

	// Approximate distances correlate with exact ones: the nearest of a
	// far/near pair must win.
	q := vecs[0]
	dt := pq.NewDistanceTable(q)
	near := pq.Encode(vecs[0])
	var far []byte
	worst := float32(-1)
	for _, v := range vecs[1:] {
		if d := SquaredL2(q, v); d > worst {
			worst = d
			far = pq.Encode(v)
		}
	}
	assert.Less(t, dt.ApproxSquaredL2(near), dt.ApproxSquaredL2(far))
}

func TestSubspacesFor(t *testing.T) {
	assert.Equal(t, 8, SubspacesFor(64))
	assert.Equal(t, 3, SubspacesFor(3))
	assert.Equal(t, 5, SubspacesFor(5))
	assert.Equal(t, 7, SubspacesFor(7))
	assert.Equal(t, 2, SubspacesFor(2))
}

func writeSegment(t *testing.T, cfg WriterConfig, data SegmentData) *Reader {
	t.Helper()
	var graph, vectors, pqBuf, ordinals bytes.Buffer
	_, err := WriteSegment(context.Background(), SegmentFiles{
		Graph:    &graph,
		Vectors:  &vectors,
		PQ:       &pqBuf,
		Ordinals: &ordinals,
	}, cfg, data)
	require.NoError(t, err)

	r, err := OpenReader(
		bytes.NewReader(graph.Bytes()),
		bytes.NewReader(vectors.Bytes()),
		bytes.NewReader(pqBuf.Bytes()),
		bytes.NewReader(ordinals.Bytes()),
		cfg,
	)
	require.NoError(t, err)
	return r
}

func segmentData(vecs [][]float32) SegmentData {
	rows := make([][]model.RowID, len(vecs))
	for i := range vecs {
		rows[i] = []model.RowID{model.RowID(i)}
	}
	return SegmentData{Vectors: vecs, RowIDs: rows}
}

func TestSegment_SearchRecall(t *testing.T) {
	dim := 8
	vecs := randomVectors(400, dim, 21)
	cfg := WriterConfig{Dim: dim, Similarity: Euclidean}
	r := writeSegment(t, cfg, segmentData(vecs))

	var hits, total int
	for _, q := range randomVectors(10, dim, 77) {
		got, err := r.Search(q, 10, nil)
		require.NoError(t, err)
		require.NotEmpty(t, got)
		for i := 1; i < len(got); i++ {
			assert.GreaterOrEqual(t, got[i-1].Score, got[i].Score)
		}
		exact := bruteForceTopK(Euclidean, q, vecs, 10)
		gotSet := map[uint32]bool{}
		for _, g := range got {
			gotSet[g.Ordinal] = true
		}
		for _, ord := range exact {
			if gotSet[ord] {
				hits++
			}
			total++
		}
	}
	assert.GreaterOrEqual(t, float64(hits)/float64(total), 0.8)
}

func TestSegment_PQPath(t *testing.T) {
	dim := 8
	vecs := randomVectors(1200, dim, 31)
	cfg := WriterConfig{Dim: dim, Similarity: Euclidean, MinPQRows: 1000}
	r := writeSegment(t, cfg, segmentData(vecs))
	require.NotNil(t, r.pq, "segment above the PQ threshold trains a codebook")

	var hits, total int
	for _, q := range randomVectors(10, dim, 13) {
		got, err := r.Search(q, 10, nil)
		require.NoError(t, err)
		exact := bruteForceTopK(Euclidean, q, vecs, 10)
		gotSet := map[uint32]bool{}
		for _, g := range got {
			gotSet[g.Ordinal] = true
		}
		for _, ord := range exact {
			if gotSet[ord] {
				hits++
			}
			total++
		}
	}
	assert.GreaterOrEqual(t, float64(hits)/float64(total), 0.8)
}

func TestSegment_UnitVectorMode(t *testing.T) {
	dim := 4
	var vecs [][]float32
	for _, v := range randomVectors(300, dim, 17) {
		vecs = append(vecs, Normalize(v))
	}
	cfg := WriterConfig{Dim: dim, Similarity: DotProduct}

	var graph, vectors, pqBuf, ordinals bytes.Buffer
	unit, err := WriteSegment(context.Background(), SegmentFiles{
		Graph: &graph, Vectors: &vectors, PQ: &pqBuf, Ordinals: &ordinals,
	}, cfg, segmentData(vecs))
	require.NoError(t, err)
	assert.True(t, unit, "all-unit dot-product segment records unit-vector mode")
}

func TestSegment_DotProductNonUnit(t *testing.T) {
	// True dot-product semantics: with non-unit vectors, the large-norm
	// vector wins over the better-aligned small one.
	dim := 2
	vecs := [][]float32{
		{10, 0},   // large norm, aligned
		{0.5, 0},  // small norm, aligned
		{0, 1},    // orthogonal
	}
	cfg := WriterConfig{Dim: dim, Similarity: DotProduct}

	var graph, vectors, pqBuf, ordinals bytes.Buffer
	unit, err := WriteSegment(context.Background(), SegmentFiles{
		Graph: &graph, Vectors: &vectors, PQ: &pqBuf, Ordinals: &ordinals,
	}, cfg, segmentData(vecs))
	require.NoError(t, err)
	assert.False(t, unit)

	r, err := OpenReader(
		bytes.NewReader(graph.Bytes()),
		bytes.NewReader(vectors.Bytes()),
		bytes.NewReader(pqBuf.Bytes()),
		bytes.NewReader(ordinals.Bytes()),
		cfg,
	)
	require.NoError(t, err)

	got, err := r.Search([]float32{1, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint32(0), got[0].Ordinal)
}

func TestSegment_BruteForce(t *testing.T) {
	dim := 2
	vecs := [][]float32{{1, 0}, {0, 1}, {-1, 0}, {0.9, 0.1}}
	cfg := WriterConfig{Dim: dim, Similarity: Euclidean}
	r := writeSegment(t, cfg, segmentData(vecs))

	rows, err := r.BruteForce([]float32{1, 0}, []model.RowID{0, 1, 2}, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, model.RowID(0), rows[0].RowID)
	assert.GreaterOrEqual(t, rows[0].Score, rows[1].Score)

	// Rows without a vector emit nothing.
	rows, err = r.BruteForce([]float32{1, 0}, []model.RowID{99}, 2)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSegment_FilteredSearch(t *testing.T) {
	dim := 2
	vecs := randomVectors(50, dim, 4)
	cfg := WriterConfig{Dim: dim, Similarity: Euclidean}
	r := writeSegment(t, cfg, segmentData(vecs))

	filter := func(ord uint32) bool { return ord%2 == 0 }
	got, err := r.Search([]float32{0, 0}, 5, filter)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	for _, g := range got {
		assert.Zero(t, g.Ordinal%2)
	}
}

func TestSegment_CompressedVectors(t *testing.T) {
	dim := 16
	vecs := randomVectors(100, dim, 8)
	cfg := WriterConfig{Dim: dim, Similarity: Euclidean, CompressVectors: true}
	r := writeSegment(t, cfg, segmentData(vecs))

	for i, want := range vecs {
		got, err := r.Vector(uint32(i))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestSegment_SharedRowIDs(t *testing.T) {
	data := SegmentData{
		Vectors: [][]float32{{1, 0}},
		RowIDs:  [][]model.RowID{{3, 7, 9}},
	}
	cfg := WriterConfig{Dim: 2, Similarity: Euclidean}
	r := writeSegment(t, cfg, data)

	ids, err := r.RowIDs(0)
	require.NoError(t, err)
	assert.Equal(t, []model.RowID{3, 7, 9}, ids)

	ord, ok, err := r.OrdinalOf(7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(0), ord)
}
