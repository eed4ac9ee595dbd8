package segment

import (
	"context"
	"fmt"
	"os"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/saigo/internal/analysis"
	"github.com/hupe1980/saigo/internal/bkd"
	"github.com/hupe1980/saigo/internal/fault"
	"github.com/hupe1980/saigo/internal/fs"
	"github.com/hupe1980/saigo/internal/keyrange"
	"github.com/hupe1980/saigo/internal/keystore"
	"github.com/hupe1980/saigo/internal/resource"
	"github.com/hupe1980/saigo/internal/storage"
	"github.com/hupe1980/saigo/internal/trie"
	"github.com/hupe1980/saigo/internal/vector"
	"github.com/hupe1980/saigo/model"
)

func testColumns(t *testing.T) []Column {
	t.Helper()
	a, err := analysis.New(analysis.Options{CaseSensitive: true})
	require.NoError(t, err)
	numCfg := bkd.DefaultConfig
	numCfg.BytesPerValue = 8
	return []Column{
		{Name: "text_col", Kind: KindLiteral, Analyzer: a},
		{Name: "num_col", Kind: KindNumeric, BKD: numCfg},
		{Name: "vec_col", Kind: KindVector, Vector: vector.WriterConfig{Dim: 2, Similarity: vector.Euclidean}},
	}
}

func testRows(n int) []Row {
	rows := make([]Row, 0, n)
	keys := make([]model.PrimaryKey, 0, n)
	for i := 0; i < n; i++ {
		pkBytes := []byte(fmt.Sprintf("pk-%04d", i))
		keys = append(keys, model.PrimaryKey{Token: keystore.TokenOf(pkBytes), Partition: pkBytes})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	for i, key := range keys {
		rows = append(rows, Row{
			Key: key,
			Columns: map[string]ColumnValue{
				"text_col": {Raw: []byte(fmt.Sprintf("word-%02d", i%10))},
				"num_col":  {Raw: bkd.EncodeInt64(int64(i))},
				"vec_col":  {Vector: []float32{float32(i), float32(i % 10)}},
			},
		})
	}
	return rows
}

func buildSSTable(t *testing.T, fsys fs.FileSystem, desc storage.Descriptor, cols []Column, rows []Row, ctrl *resource.Controller, faults *fault.Registry) error {
	t.Helper()
	b, err := NewBuilder(fsys, desc, cols, ctrl, faults, nil)
	if err != nil {
		return err
	}
	ctx := context.Background()
	for _, row := range rows {
		if err := b.AddRow(ctx, row); err != nil {
			b.Abort()
			return err
		}
	}
	return b.Finish(ctx)
}

func openAll(t *testing.T, fsys fs.FileSystem, desc storage.Descriptor, cols []Column) (*keystore.Reader, map[string]*ColumnSearcher) {
	t.Helper()
	keys, err := keystore.Open(fsys, desc)
	require.NoError(t, err)
	searchers := make(map[string]*ColumnSearcher)
	for _, col := range cols {
		s, err := OpenColumn(fsys, desc, col, keys, nil)
		require.NoError(t, err)
		searchers[col.Name] = s
	}
	return keys, searchers
}

func drainTokens(t *testing.T, it keyrange.Iterator, err error) []model.PrimaryKey {
	t.Helper()
	require.NoError(t, err)
	return keyrange.Drain(it)
}

func TestBuildAndSearch(t *testing.T) {
	fsys := fs.Default
	desc := storage.Descriptor{Dir: t.TempDir(), SSTable: "s1", Version: storage.Latest}
	cols := testColumns(t)
	rows := testRows(50)
	ctrl := resource.NewController(resource.Config{})

	require.NoError(t, buildSSTable(t, fsys, desc, cols, rows, ctrl, nil))
	assert.Zero(t, ctrl.BufferUsage(), "limiter returns to zero after the build")

	keys, searchers := openAll(t, fsys, desc, cols)
	defer keys.Close()
	for _, s := range searchers {
		defer s.Close()
	}

	// Literal exact: 5 rows share each word.
	it, err := searchers["text_col"].ExactMatch([]byte("word-03"))
	got := drainTokens(t, it, err)
	assert.Len(t, got, 5)

	// Literal miss.
	it, err = searchers["text_col"].ExactMatch([]byte("missing"))
	got = drainTokens(t, it, err)
	assert.Empty(t, got)

	// Literal range.
	it, err = searchers["text_col"].RangeMatch(
		trie.Bound{Value: []byte("word-00"), Inclusive: true},
		trie.Bound{Value: []byte("word-01"), Inclusive: true}, nil)
	got = drainTokens(t, it, err)
	assert.Len(t, got, 10)

	// Numeric range.
	it, err = searchers["num_col"].NumericRange(bkd.EncodeInt64(10), bkd.EncodeInt64(19))
	got = drainTokens(t, it, err)
	assert.Len(t, got, 10)

	// Numeric equality.
	it, err = searchers["num_col"].NumericRange(bkd.EncodeInt64(7), bkd.EncodeInt64(7))
	got = drainTokens(t, it, err)
	assert.Len(t, got, 1)

	// ANN sort-only.
	cands, err := searchers["vec_col"].TopK([]float32{0, 0}, 3, nil)
	require.NoError(t, err)
	require.Len(t, cands, 3)
	for i := 1; i < len(cands); i++ {
		assert.GreaterOrEqual(t, cands[i-1].Score, cands[i].Score)
	}
}

func TestBuild_MultipleSegments(t *testing.T) {
	fsys := fs.Default
	desc := storage.Descriptor{Dir: t.TempDir(), SSTable: "s1", Version: storage.Latest}
	cols := testColumns(t)[:2] // literal + numeric
	rows := testRows(200)
	// A tiny limiter forces several segment flushes.
	ctrl := resource.NewController(resource.Config{SegmentBufferBytes: 512})

	require.NoError(t, buildSSTable(t, fsys, desc, cols, rows, ctrl, nil))
	assert.Zero(t, ctrl.BufferUsage())

	keys, searchers := openAll(t, fsys, desc, cols)
	defer keys.Close()
	for _, s := range searchers {
		defer s.Close()
	}

	assert.Greater(t, len(searchers["text_col"].Meta().Segments), 1, "limiter pressure splits segments")

	it, err := searchers["text_col"].ExactMatch([]byte("word-03"))
	got := drainTokens(t, it, err)
	assert.Len(t, got, 20)

	it, err = searchers["num_col"].NumericRange(bkd.EncodeInt64(0), bkd.EncodeInt64(199))
	got = drainTokens(t, it, err)
	assert.Len(t, got, 200)
}

func TestBuild_Idempotent(t *testing.T) {
	fsys := fs.Default
	cols := testColumns(t)[:2]
	rows := testRows(80)

	read := func(dir string) map[string][]byte {
		desc := storage.Descriptor{Dir: dir, SSTable: "s1", Version: storage.Latest}
		require.NoError(t, buildSSTable(t, fsys, desc, cols, rows, resource.NewController(resource.Config{}), nil))
		out := make(map[string][]byte)
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		for _, e := range entries {
			data, err := os.ReadFile(dir + "/" + e.Name())
			require.NoError(t, err)
			out[e.Name()] = data
		}
		return out
	}

	a := read(t.TempDir())
	b := read(t.TempDir())
	require.Equal(t, len(a), len(b))
	for name, data := range a {
		assert.Equal(t, data, b[name], "component %s differs between identical builds", name)
	}
}

func TestOpen_MissingMarkerMeansAbsent(t *testing.T) {
	fsys := fs.Default
	desc := storage.Descriptor{Dir: t.TempDir(), SSTable: "s1", Version: storage.Latest}
	cols := testColumns(t)[:1]
	require.NoError(t, buildSSTable(t, fsys, desc, cols, testRows(10), resource.NewController(resource.Config{}), nil))

	keys, err := keystore.Open(fsys, desc)
	require.NoError(t, err)
	defer keys.Close()

	// Removing the column marker makes the index absent, not an error.
	require.NoError(t, fsys.Remove(desc.FileName("text_col", storage.ColumnCompletionMarker)))
	_, err = OpenColumn(fsys, desc, cols[0], keys, nil)
	assert.ErrorIs(t, err, ErrAbsent)
}

func TestOpen_CorruptionModes(t *testing.T) {
	fsys := fs.Default
	cols := testColumns(t)[:2]
	rows := testRows(40)

	components := []struct {
		column string
		c      storage.ComponentType
		colIdx int
	}{
		{"text_col", storage.TermsData, 0},
		{"text_col", storage.PostingLists, 0},
		{"num_col", storage.KDTree, 1},
		{"num_col", storage.KDTreePostingLists, 1},
	}
	modes := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"truncated", func(b []byte) []byte { return b[:len(b)*2/3] }},
		{"zero-byte", func(b []byte) []byte { return nil }},
		{"bit-flip", func(b []byte) []byte { b[len(b)/2] ^= 0x04; return b }},
		{"missing", nil},
	}

	for _, comp := range components {
		for _, mode := range modes {
			t.Run(string(comp.c)+"/"+mode.name, func(t *testing.T) {
				desc := storage.Descriptor{Dir: t.TempDir(), SSTable: "s1", Version: storage.Latest}
				require.NoError(t, buildSSTable(t, fsys, desc, cols, rows, resource.NewController(resource.Config{}), nil))

				name := desc.FileName(comp.column, comp.c)
				if mode.mutate == nil {
					require.NoError(t, os.Remove(name))
				} else {
					data, err := os.ReadFile(name)
					require.NoError(t, err)
					require.NoError(t, os.WriteFile(name, mode.mutate(data), 0o644))
				}

				keys, err := keystore.Open(fsys, desc)
				require.NoError(t, err)
				defer keys.Close()

				_, err = OpenColumn(fsys, desc, cols[comp.colIdx], keys, nil)
				assert.ErrorIs(t, err, storage.ErrCorrupt)
			})
		}
	}
}

func TestBuild_InjectedFailureCleansUp(t *testing.T) {
	fsys := fs.Default
	dir := t.TempDir()
	desc := storage.Descriptor{Dir: dir, SSTable: "s1", Version: storage.Latest}
	cols := testColumns(t)[:2]
	ctrl := resource.NewController(resource.Config{})

	faults := &fault.Registry{}
	faults.Set(fault.BeforeSegmentFlush, func() error { return fmt.Errorf("compaction interrupted") })

	err := buildSSTable(t, fsys, desc, cols, testRows(30), ctrl, faults)
	require.Error(t, err)
	assert.Zero(t, ctrl.BufferUsage(), "limiter drains after a failed build")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "partial files are deleted after an aborted build")
}

func TestBuild_TokenWriterFault(t *testing.T) {
	fsys := fs.Default
	dir := t.TempDir()
	desc := storage.Descriptor{Dir: dir, SSTable: "s1", Version: storage.Latest}
	ctrl := resource.NewController(resource.Config{})

	calls := 0
	faults := &fault.Registry{}
	faults.Set(fault.BeforeTokenWriterAdd, func() error {
		calls++
		if calls > 10 {
			return fmt.Errorf("io error")
		}
		return nil
	})

	err := buildSSTable(t, fsys, desc, testColumns(t)[:1], testRows(30), ctrl, faults)
	require.Error(t, err)
	assert.Zero(t, ctrl.BufferUsage())
}

func TestSearcher_SharedHandlesSurviveClose(t *testing.T) {
	fsys := fs.Default
	desc := storage.Descriptor{Dir: t.TempDir(), SSTable: "s1", Version: storage.Latest}
	cols := testColumns(t)[:1]
	require.NoError(t, buildSSTable(t, fsys, desc, cols, testRows(30), resource.NewController(resource.Config{}), nil))

	keys, err := keystore.Open(fsys, desc)
	require.NoError(t, err)
	defer keys.Close()

	s, err := OpenColumn(fsys, desc, cols[0], keys, nil)
	require.NoError(t, err)

	it, err := s.ExactMatch([]byte("word-01"))
	require.NoError(t, err)

	// Closing the searcher must not invalidate a live iterator: the
	// iterator holds its own file handle reference.
	require.NoError(t, s.Close())
	got := keyrange.Drain(it)
	assert.Len(t, got, 3)
	require.NoError(t, it.Close())
}
