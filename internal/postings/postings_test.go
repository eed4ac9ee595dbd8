package postings

import (
	"bytes"
	"sort"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/saigo/model"
)

func ids(vals ...uint32) []model.RowID {
	out := make([]model.RowID, len(vals))
	for i, v := range vals {
		out[i] = model.RowID(v)
	}
	return out
}

func TestSlicePostings(t *testing.T) {
	p := NewSlice(ids(1, 3, 5, 9))
	assert.Equal(t, model.RowID(1), p.Min())
	assert.Equal(t, model.RowID(9), p.Max())
	assert.Equal(t, uint64(4), p.Count())

	assert.Equal(t, model.RowID(1), p.Next())
	assert.Equal(t, model.RowID(5), p.Advance(4))
	assert.Equal(t, model.RowID(9), p.Next())
	assert.Equal(t, model.EndOfStream, p.Next())
}

func TestSlicePostings_AdvancePastMax(t *testing.T) {
	p := NewSlice(ids(1, 2))
	assert.Equal(t, model.EndOfStream, p.Advance(100))
	assert.Equal(t, model.EndOfStream, p.Next())
}

func TestBitmapPostings(t *testing.T) {
	bm := roaring.BitmapOf(2, 4, 8)
	p := NewBitmap(bm)
	assert.Equal(t, model.RowID(2), p.Next())
	assert.Equal(t, model.RowID(8), p.Advance(5))
	assert.Equal(t, model.EndOfStream, p.Next())
}

func TestUnion(t *testing.T) {
	u := NewUnion(
		NewSlice(ids(1, 4, 7)),
		NewSlice(ids(2, 4, 9)),
		NewSlice(ids(4, 5)),
	)
	assert.Equal(t, ids(1, 2, 4, 5, 7, 9), Drain(u))
}

func TestUnion_Advance(t *testing.T) {
	u := NewUnion(NewSlice(ids(1, 4, 7)), NewSlice(ids(2, 8)))
	assert.Equal(t, model.RowID(4), u.Advance(3))
	assert.Equal(t, model.RowID(7), u.Next())
	assert.Equal(t, model.RowID(8), u.Next())
	assert.Equal(t, model.EndOfStream, u.Next())
}

func TestIntersect(t *testing.T) {
	it := NewIntersect(
		NewSlice(ids(1, 2, 4, 8)),
		NewSlice(ids(2, 4, 6, 8)),
		NewSlice(ids(0, 2, 8)),
	)
	assert.Equal(t, ids(2, 8), Drain(it))
}

// closeTracking records Close calls for the eager-close property.
type closeTracking struct {
	PostingList
	closed *bool
}

func (c *closeTracking) Close() error {
	*c.closed = true
	return c.PostingList.Close()
}

func TestIntersect_DisjointBoundsClosesEagerly(t *testing.T) {
	var aClosed, bClosed bool
	a := &closeTracking{PostingList: NewSlice(ids(1, 2, 3)), closed: &aClosed}
	b := &closeTracking{PostingList: NewSlice(ids(10, 11)), closed: &bClosed}

	it := NewIntersect(a, b)
	// max(mins)=10 > min(maxes)=3: both inputs are closed before any
	// result is consumed.
	assert.True(t, aClosed)
	assert.True(t, bClosed)
	assert.Equal(t, model.EndOfStream, it.Next())
}

func TestIntersect_AdvancePastMaxShortCircuits(t *testing.T) {
	it := NewIntersect(NewSlice(ids(1, 5)), NewSlice(ids(1, 5, 9)))
	assert.Equal(t, model.RowID(1), it.Next())
	assert.Equal(t, model.EndOfStream, it.Advance(6))
}

func TestFilterPostings(t *testing.T) {
	p := NewFilter(NewSlice(ids(1, 2, 3, 4, 5)), func(id model.RowID) bool { return id%2 == 1 })
	assert.Equal(t, ids(1, 3, 5), Drain(p))
}

func TestOffsetPostings(t *testing.T) {
	p := NewOffset(NewSlice(ids(0, 3)), 100)
	assert.Equal(t, model.RowID(100), p.Next())
	assert.Equal(t, model.RowID(103), p.Advance(101))
}

func sortedUnique(vals []uint32) []model.RowID {
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	var out []model.RowID
	for i, v := range vals {
		if i == 0 || v != vals[i-1] {
			out = append(out, model.RowID(v))
		}
	}
	return out
}

func TestProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	genSet := gen.SliceOf(gen.UInt32Range(0, 4096))

	properties.Property("union equals sorted set union", prop.ForAll(
		func(a, b, c []uint32) bool {
			want := sortedUnique(append(append(append([]uint32{}, a...), b...), c...))
			got := Drain(NewUnion(NewSlice(sortedUnique(a)), NewSlice(sortedUnique(b)), NewSlice(sortedUnique(c))))
			if len(want) != len(got) {
				return false
			}
			for i := range want {
				if want[i] != got[i] {
					return false
				}
			}
			return true
		}, genSet, genSet, genSet))

	properties.Property("intersection equals sorted set intersection", prop.ForAll(
		func(a, b []uint32) bool {
			inB := make(map[uint32]bool, len(b))
			for _, v := range b {
				inB[v] = true
			}
			var expect []uint32
			seen := map[uint32]bool{}
			for _, v := range a {
				if inB[v] && !seen[v] {
					expect = append(expect, v)
					seen[v] = true
				}
			}
			want := sortedUnique(expect)
			got := Drain(NewIntersect(NewSlice(sortedUnique(a)), NewSlice(sortedUnique(b))))
			if len(want) != len(got) {
				return false
			}
			for i := range want {
				if want[i] != got[i] {
					return false
				}
			}
			return true
		}, genSet, genSet))

	properties.Property("next/advance is strictly increasing", prop.ForAll(
		func(vals []uint32, targets []uint32) bool {
			p := NewSlice(sortedUnique(vals))
			last := int64(-1)
			ti := 0
			for {
				var id model.RowID
				if ti < len(targets) && targets[ti]%3 == 0 {
					id = p.Advance(model.RowID(targets[ti]))
				} else {
					id = p.Next()
				}
				ti++
				if id == model.EndOfStream {
					return true
				}
				if int64(id) <= last {
					return false
				}
				last = int64(id)
			}
		}, genSet, gen.SliceOf(gen.UInt32Range(0, 5000))))

	properties.TestingRun(t)
}

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 0)

	list := make([]model.RowID, 0, 1000)
	for i := 0; i < 1000; i++ {
		list = append(list, model.RowID(i*3+1))
	}
	off, err := w.Write(list)
	require.NoError(t, err)

	pr, err := NewReader(bytes.NewReader(buf.Bytes()), off)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), pr.Count())
	assert.Equal(t, list[0], pr.Min())
	assert.Equal(t, list[len(list)-1], pr.Max())
	assert.Equal(t, list, Drain(pr))
}

func TestReader_Advance(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 0)
	list := make([]model.RowID, 0, 500)
	for i := 0; i < 500; i++ {
		list = append(list, model.RowID(i*2))
	}
	off, err := w.Write(list)
	require.NoError(t, err)

	pr, err := NewReader(bytes.NewReader(buf.Bytes()), off)
	require.NoError(t, err)

	assert.Equal(t, model.RowID(300), pr.Advance(299))
	assert.Equal(t, model.RowID(302), pr.Next())
	assert.Equal(t, model.RowID(900), pr.Advance(899))
	assert.Equal(t, model.EndOfStream, pr.Advance(999))
}

func TestWriter_MultipleLists(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 0)

	off1, err := w.Write(ids(1, 2, 3))
	require.NoError(t, err)
	off2, err := w.Write(ids(10, 20))
	require.NoError(t, err)

	r := bytes.NewReader(buf.Bytes())
	p1, err := NewReader(r, off1)
	require.NoError(t, err)
	p2, err := NewReader(r, off2)
	require.NoError(t, err)
	assert.Equal(t, ids(1, 2, 3), Drain(p1))
	assert.Equal(t, ids(10, 20), Drain(p2))
}

func TestSeqPostings(t *testing.T) {
	p := NewSeq(5)
	assert.Equal(t, model.RowID(0), p.Next())
	assert.Equal(t, model.RowID(3), p.Advance(3))
	assert.Equal(t, model.RowID(4), p.Next())
	assert.Equal(t, model.EndOfStream, p.Next())
}
