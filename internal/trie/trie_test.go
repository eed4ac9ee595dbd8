package trie

import (
	"bytes"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildDict(t *testing.T, terms [][]byte) (*Reader, []uint64) {
	t.Helper()
	var buf bytes.Buffer
	w := NewWriter(&buf, 0)
	offsets := make([]uint64, len(terms))
	for i, term := range terms {
		offsets[i] = uint64(i * 100)
		require.NoError(t, w.Add(term, offsets[i]))
	}
	indexOff, err := w.Finish()
	require.NoError(t, err)
	tr, err := NewReader(bytes.NewReader(buf.Bytes()), indexOff, uint64(buf.Len())-indexOff)
	require.NoError(t, err)
	return tr, offsets
}

func sortedTerms(n int) [][]byte {
	set := make(map[string]bool)
	rng := rand.New(rand.NewSource(42))
	for len(set) < n {
		l := rng.Intn(12) + 1
		b := make([]byte, l)
		rng.Read(b)
		set[string(b)] = true
	}
	terms := make([][]byte, 0, n)
	for s := range set {
		terms = append(terms, []byte(s))
	}
	sort.Slice(terms, func(i, j int) bool { return bytes.Compare(terms[i], terms[j]) < 0 })
	return terms
}

func TestWriter_RejectsOutOfOrder(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 0)
	require.NoError(t, w.Add([]byte("b"), 0))
	assert.ErrorIs(t, w.Add([]byte("a"), 1), ErrTermOrder)
	assert.ErrorIs(t, w.Add([]byte("b"), 2), ErrTermOrder)
}

func TestExactMatch(t *testing.T) {
	terms := sortedTerms(500)
	tr, offsets := buildDict(t, terms)

	assert.Equal(t, uint64(500), tr.Count())
	assert.Equal(t, terms[0], tr.MinTerm())
	assert.Equal(t, terms[len(terms)-1], tr.MaxTerm())

	for i, term := range terms {
		off, ok, err := tr.Exact(term)
		require.NoError(t, err)
		require.True(t, ok, "term %x", term)
		assert.Equal(t, offsets[i], off)
	}

	_, ok, err := tr.Exact([]byte("definitely-not-a-random-term"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestForwardAndReverseScan(t *testing.T) {
	terms := sortedTerms(300)
	tr, _ := buildDict(t, terms)

	var fwd [][]byte
	c := tr.All(false)
	for {
		term, _, ok := c.Next()
		if !ok {
			break
		}
		fwd = append(fwd, term)
	}
	require.NoError(t, c.Err())
	require.Equal(t, len(terms), len(fwd))
	for i := range terms {
		assert.Equal(t, terms[i], fwd[i])
	}

	var rev [][]byte
	c = tr.All(true)
	for {
		term, _, ok := c.Next()
		if !ok {
			break
		}
		rev = append(rev, term)
	}
	require.NoError(t, c.Err())
	require.Equal(t, len(terms), len(rev))
	for i := range terms {
		assert.Equal(t, terms[len(terms)-1-i], rev[i])
	}
}

func TestRangeCursor(t *testing.T) {
	var terms [][]byte
	for i := 0; i < 100; i++ {
		terms = append(terms, []byte(fmt.Sprintf("term-%03d", i)))
	}
	tr, _ := buildDict(t, terms)

	collect := func(lower, upper Bound) []string {
		var out []string
		c := tr.Cursor(lower, upper)
		for {
			term, _, ok := c.Next()
			if !ok {
				break
			}
			out = append(out, string(term))
		}
		require.NoError(t, c.Err())
		return out
	}

	got := collect(Bound{Value: []byte("term-010"), Inclusive: true}, Bound{Value: []byte("term-012"), Inclusive: true})
	assert.Equal(t, []string{"term-010", "term-011", "term-012"}, got)

	got = collect(Bound{Value: []byte("term-010"), Inclusive: false}, Bound{Value: []byte("term-012"), Inclusive: false})
	assert.Equal(t, []string{"term-011"}, got)

	got = collect(Bound{Value: []byte("term-098"), Inclusive: true}, Bound{})
	assert.Equal(t, []string{"term-098", "term-099"}, got)

	got = collect(Bound{}, Bound{Value: []byte("term-001"), Inclusive: true})
	assert.Equal(t, []string{"term-000", "term-001"}, got)

	got = collect(Bound{Value: []byte("term-9"), Inclusive: true}, Bound{})
	assert.Empty(t, got)
}

func TestSingleTermDictionary(t *testing.T) {
	tr, offsets := buildDict(t, [][]byte{[]byte("only")})
	off, ok, err := tr.Exact([]byte("only"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, offsets[0], off)
	assert.Equal(t, []byte("only"), tr.MinTerm())
	assert.Equal(t, []byte("only"), tr.MaxTerm())
}
