package keyrange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/saigo/model"
)

func pk(token int64) model.PrimaryKey {
	return model.PrimaryKey{Token: token, Partition: []byte{byte(token)}}
}

func pks(tokens ...int64) []model.PrimaryKey {
	out := make([]model.PrimaryKey, len(tokens))
	for i, tok := range tokens {
		out[i] = pk(tok)
	}
	return out
}

func tokensOf(keys []model.PrimaryKey) []int64 {
	out := make([]int64, len(keys))
	for i, k := range keys {
		out[i] = k.Token
	}
	return out
}

func TestSliceIterator(t *testing.T) {
	it := FromSlice(pks(1, 3, 5))
	k, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, int64(1), k.Token)

	k, ok = it.Advance(pk(4))
	require.True(t, ok)
	assert.Equal(t, int64(5), k.Token)

	_, ok = it.Next()
	assert.False(t, ok)
}

func TestUnion(t *testing.T) {
	u := Union(FromSlice(pks(1, 4)), FromSlice(pks(2, 4, 9)), FromSlice(pks(4)))
	assert.Equal(t, []int64{1, 2, 4, 9}, tokensOf(Drain(u)))
}

func TestIntersection(t *testing.T) {
	it := Intersection(FromSlice(pks(1, 2, 4, 8)), FromSlice(pks(2, 4, 6, 8)))
	assert.Equal(t, []int64{2, 4, 8}, tokensOf(Drain(it)))
}

type closeTracked struct {
	Iterator
	closed *bool
}

func (c *closeTracked) Close() error {
	*c.closed = true
	return c.Iterator.Close()
}

func TestIntersection_DisjointClosesEagerly(t *testing.T) {
	var aClosed, bClosed bool
	a := &closeTracked{Iterator: FromSlice(pks(1, 2)), closed: &aClosed}
	b := &closeTracked{Iterator: FromSlice(pks(8, 9)), closed: &bClosed}

	it := Intersection(a, b)
	assert.True(t, aClosed)
	assert.True(t, bClosed)
	_, ok := it.Next()
	assert.False(t, ok)
}

func TestDifference(t *testing.T) {
	d := Difference(FromSlice(pks(1, 2, 3, 4, 5)), FromSlice(pks(2, 4)))
	assert.Equal(t, []int64{1, 3, 5}, tokensOf(Drain(d)))
}

func TestDifference_EmptySubtrahend(t *testing.T) {
	d := Difference(FromSlice(pks(1, 2)), Empty)
	assert.Equal(t, []int64{1, 2}, tokensOf(Drain(d)))
}

func TestFilterRange(t *testing.T) {
	lo, hi := pk(2), pk(4)
	f := Filter(FromSlice(pks(1, 2, 3, 4, 5)), model.KeyRange{Min: &lo, Max: &hi})
	assert.Equal(t, []int64{2, 3, 4}, tokensOf(Drain(f)))
}

func TestFilterFunc(t *testing.T) {
	f := FilterFunc(FromSlice(pks(1, 2, 3, 4)), func(k model.PrimaryKey) bool { return k.Token%2 == 0 })
	assert.Equal(t, []int64{2, 4}, tokensOf(Drain(f)))
}

func TestFromUnsorted(t *testing.T) {
	it := FromUnsorted(pks(5, 1, 3, 1, 5))
	assert.Equal(t, []int64{1, 3, 5}, tokensOf(Drain(it)))
}
