package keystore

import (
	"fmt"
	"math"
	"os"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/saigo/internal/fs"
	"github.com/hupe1980/saigo/internal/storage"
	"github.com/hupe1980/saigo/model"
)

func testDescriptor(t *testing.T) storage.Descriptor {
	t.Helper()
	return storage.Descriptor{Dir: t.TempDir(), SSTable: "sst-1", Version: storage.Latest}
}

func sortedKeys(n int) []model.PrimaryKey {
	keys := make([]model.PrimaryKey, 0, n)
	for i := 0; i < n; i++ {
		pk := []byte(fmt.Sprintf("partition-%04d", i))
		keys = append(keys, model.PrimaryKey{
			Token:     TokenOf(pk),
			Partition: pk,
		})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	return keys
}

func writeKeys(t *testing.T, desc storage.Descriptor, keys []model.PrimaryKey) {
	t.Helper()
	w, err := NewWriter(fs.Default, desc, nil)
	require.NoError(t, err)
	for _, k := range keys {
		require.NoError(t, w.Add(k))
	}
	require.NoError(t, w.Finish())
}

func TestRoundTrip(t *testing.T) {
	desc := testDescriptor(t)
	keys := sortedKeys(1000)
	writeKeys(t, desc, keys)

	r, err := Open(fs.Default, desc)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, uint64(1000), r.Count())

	for i, want := range keys {
		got, err := r.PrimaryKey(model.RowID(i))
		require.NoError(t, err)
		assert.True(t, got.Equal(want), "row %d", i)

		id, ok, err := r.RowID(want)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, model.RowID(i), id)

		tok, err := r.Token(model.RowID(i))
		require.NoError(t, err)
		assert.Equal(t, want.Token, tok)
	}
}

func TestRowID_Miss(t *testing.T) {
	desc := testDescriptor(t)
	writeKeys(t, desc, sortedKeys(10))

	r, err := Open(fs.Default, desc)
	require.NoError(t, err)
	defer r.Close()

	_, ok, err := r.RowID(model.PrimaryKey{Token: 1 << 60, Partition: []byte("absent")})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCeilingRowID(t *testing.T) {
	desc := testDescriptor(t)
	keys := sortedKeys(50)
	writeKeys(t, desc, keys)

	r, err := Open(fs.Default, desc)
	require.NoError(t, err)
	defer r.Close()

	id, ok, err := r.CeilingRowID(keys[7])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.RowID(7), id)

	// A key below everything resolves to row 0.
	id, ok, err = r.CeilingRowID(model.PrimaryKey{Token: math.MinInt64})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.RowID(0), id)

	// A key above everything resolves to nothing.
	_, ok, err = r.CeilingRowID(model.PrimaryKey{Token: math.MaxInt64, Partition: []byte{0xFF, 0xFF}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriter_RejectsOutOfOrder(t *testing.T) {
	desc := testDescriptor(t)
	w, err := NewWriter(fs.Default, desc, nil)
	require.NoError(t, err)
	defer w.Abort()

	require.NoError(t, w.Add(model.PrimaryKey{Token: 10, Partition: []byte("b")}))
	assert.ErrorIs(t, w.Add(model.PrimaryKey{Token: 5, Partition: []byte("a")}), ErrKeyOrder)
}

func TestOpen_DetectsCorruption(t *testing.T) {
	desc := testDescriptor(t)
	writeKeys(t, desc, sortedKeys(200))

	// Flip one byte in the token values body.
	name := desc.FileName("", storage.TokenValues)
	data, err := os.ReadFile(name)
	require.NoError(t, err)
	data[10] ^= 0xFF
	require.NoError(t, os.WriteFile(name, data, 0o644))

	_, err = Open(fs.Default, desc)
	assert.ErrorIs(t, err, storage.ErrCorrupt)
}

func TestWriter_Abort(t *testing.T) {
	desc := testDescriptor(t)
	w, err := NewWriter(fs.Default, desc, nil)
	require.NoError(t, err)
	require.NoError(t, w.Add(model.PrimaryKey{Token: 1, Partition: []byte("p")}))
	w.Abort()

	for _, c := range storage.PerSSTableComponents {
		_, err := os.Stat(desc.FileName("", c))
		assert.True(t, os.IsNotExist(err), "component %s should be removed", c)
	}
}

func TestTokenOf_Deterministic(t *testing.T) {
	a := TokenOf([]byte("key-1"))
	b := TokenOf([]byte("key-1"))
	c := TokenOf([]byte("key-2"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
