package memtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/saigo/internal/analysis"
	"github.com/hupe1980/saigo/internal/bkd"
	"github.com/hupe1980/saigo/internal/keyrange"
	"github.com/hupe1980/saigo/internal/vector"
	"github.com/hupe1980/saigo/model"
)

func pk(token int64) model.PrimaryKey {
	return model.PrimaryKey{Token: token, Partition: []byte{byte(token)}}
}

func tokensOf(it keyrange.Iterator) []int64 {
	var out []int64
	for _, k := range keyrange.Drain(it) {
		out = append(out, k.Token)
	}
	return out
}

func newLiteral(t *testing.T, opts analysis.Options) *LiteralIndex {
	t.Helper()
	a, err := analysis.New(opts)
	require.NoError(t, err)
	return NewLiteral(a)
}

func TestLiteral_ExactMatch(t *testing.T) {
	idx := newLiteral(t, analysis.Options{})
	require.NoError(t, idx.Insert(pk(1), []byte("Camel")))
	require.NoError(t, idx.Insert(pk(2), []byte("horse")))

	// Case-insensitive analyzer: the query operand folds the same way.
	it, err := idx.Exact([]byte("camel"))
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, tokensOf(it))

	it, err = idx.Exact([]byte("zebra"))
	require.NoError(t, err)
	assert.Empty(t, tokensOf(it))
}

func TestLiteral_OverwriteRemoves(t *testing.T) {
	idx := newLiteral(t, analysis.Options{CaseSensitive: true})
	require.NoError(t, idx.Insert(pk(1), []byte("v1")))
	require.NoError(t, idx.Remove(pk(1), []byte("v1")))
	require.NoError(t, idx.Insert(pk(1), []byte("v2")))

	it, err := idx.Exact([]byte("v1"))
	require.NoError(t, err)
	assert.Empty(t, tokensOf(it))

	it, err = idx.Exact([]byte("v2"))
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, tokensOf(it))
	assert.True(t, idx.HasKey(pk(1)))
}

func TestLiteral_Range(t *testing.T) {
	idx := newLiteral(t, analysis.Options{CaseSensitive: true})
	require.NoError(t, idx.Insert(pk(1), []byte("apple")))
	require.NoError(t, idx.Insert(pk(2), []byte("banana")))
	require.NoError(t, idx.Insert(pk(3), []byte("cherry")))

	it := idx.Range([]byte("apple"), false, []byte("cherry"), false, nil)
	assert.Equal(t, []int64{2}, tokensOf(it))

	it = idx.Range([]byte("apple"), true, nil, false, nil)
	assert.Equal(t, []int64{1, 2, 3}, tokensOf(it))
}

func TestLiteral_RangeWithPostFilter(t *testing.T) {
	idx := newLiteral(t, analysis.Options{CaseSensitive: true})
	require.NoError(t, idx.Insert(pk(1), []byte("aa")))
	require.NoError(t, idx.Insert(pk(2), []byte("ab")))
	require.NoError(t, idx.Insert(pk(3), []byte("bb")))

	it := idx.Range(nil, false, nil, false, func(term []byte) bool { return term[0] == 'a' })
	assert.Equal(t, []int64{1, 2}, tokensOf(it))
}

func TestLiteral_Tokenized(t *testing.T) {
	idx := newLiteral(t, analysis.Options{Analyzer: analysis.AnalyzerWhitespace})
	require.NoError(t, idx.Insert(pk(1), []byte("quick brown fox")))
	require.NoError(t, idx.Insert(pk(2), []byte("lazy brown dog")))

	it, err := idx.Exact([]byte("brown"))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, tokensOf(it))

	// Multi-token query intersects.
	it, err = idx.Exact([]byte("brown fox"))
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, tokensOf(it))
}

func TestLiteral_TermLimit(t *testing.T) {
	idx := newLiteral(t, analysis.Options{CaseSensitive: true})
	big := make([]byte, analysis.MaxLiteralTermBytes+1)
	assert.ErrorIs(t, idx.Insert(pk(1), big), analysis.ErrTermTooLarge)
}

func TestNumeric_Range(t *testing.T) {
	idx := NewNumeric(8)
	for i := int64(0); i < 10; i++ {
		require.NoError(t, idx.Insert(pk(i), bkd.EncodeInt64(i)))
	}

	it := idx.Range(bkd.EncodeInt64(3), true, bkd.EncodeInt64(7), true)
	assert.Equal(t, []int64{3, 4, 5, 6, 7}, tokensOf(it))

	it = idx.Range(bkd.EncodeInt64(0), true, nil, false)
	assert.Len(t, tokensOf(it), 10)

	it = idx.Range(bkd.EncodeInt64(5), false, nil, false)
	assert.Equal(t, []int64{6, 7, 8, 9}, tokensOf(it))
}

func TestNumeric_WidthMismatch(t *testing.T) {
	idx := NewNumeric(8)
	assert.Error(t, idx.Insert(pk(1), []byte{1, 2}))
}

func TestVector_SearchOrder(t *testing.T) {
	idx := NewVector(vector.GraphConfig{Dim: 3, Similarity: vector.Euclidean})
	require.NoError(t, idx.Insert(pk(0), []float32{1, 2, 3}))
	require.NoError(t, idx.Insert(pk(1), []float32{2, 3, 4}))
	require.NoError(t, idx.Insert(pk(2), []float32{3, 4, 5}))
	require.NoError(t, idx.Insert(pk(3), []float32{4, 5, 6}))

	res, err := idx.Search([]float32{2.5, 3.5, 4.5}, 3, nil)
	require.NoError(t, err)
	require.Len(t, res, 3)
	// The two nearest are rows 1 and 2 in some order.
	first2 := map[int64]bool{res[0].Key.Token: true, res[1].Key.Token: true}
	assert.True(t, first2[1] && first2[2])
	for i := 1; i < len(res); i++ {
		assert.GreaterOrEqual(t, res[i-1].Score, res[i].Score)
	}
}

func TestVector_SharedVectorAndDelete(t *testing.T) {
	idx := NewVector(vector.GraphConfig{Dim: 2, Similarity: vector.Cosine})
	require.NoError(t, idx.Insert(pk(1), []float32{1, 0}))
	require.NoError(t, idx.Insert(pk(2), []float32{1, 0})) // same bytes, same node
	assert.Equal(t, 1, idx.Size())

	res, err := idx.Search([]float32{1, 0}, 10, nil)
	require.NoError(t, err)
	assert.Len(t, res, 2)

	idx.Delete(pk(1))
	res, err = idx.Search([]float32{1, 0}, 10, nil)
	require.NoError(t, err)
	assert.Len(t, res, 1)

	// The node empties once the last row detaches.
	idx.Delete(pk(2))
	assert.Equal(t, 0, idx.Size())
}

func TestVector_CosineRejectsZero(t *testing.T) {
	idx := NewVector(vector.GraphConfig{Dim: 2, Similarity: vector.Cosine})
	assert.ErrorIs(t, idx.Insert(pk(1), []float32{0, 0}), vector.ErrInvalidVector)
}

func TestVector_FilteredSearch(t *testing.T) {
	idx := NewVector(vector.GraphConfig{Dim: 2, Similarity: vector.Euclidean})
	for i := int64(0); i < 8; i++ {
		require.NoError(t, idx.Insert(pk(i), []float32{float32(i), 0}))
	}
	res, err := idx.Search([]float32{0, 0}, 3, func(k model.PrimaryKey) bool { return k.Token >= 4 })
	require.NoError(t, err)
	require.NotEmpty(t, res)
	for _, c := range res {
		assert.GreaterOrEqual(t, c.Key.Token, int64(4))
	}
}

func TestVector_Drain(t *testing.T) {
	idx := NewVector(vector.GraphConfig{Dim: 2, Similarity: vector.Euclidean})
	require.NoError(t, idx.Insert(pk(1), []float32{1, 1}))
	require.NoError(t, idx.Insert(pk(2), []float32{1, 1}))
	require.NoError(t, idx.Insert(pk(3), []float32{2, 2}))

	vectors, keys := idx.Drain()
	require.Len(t, vectors, 2)
	total := 0
	for _, ks := range keys {
		total += len(ks)
	}
	assert.Equal(t, 3, total)
}
