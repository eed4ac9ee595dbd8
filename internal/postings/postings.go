// Package postings implements sorted row-id sequences and the boolean
// iterator algebra used to combine them.
//
// A posting list yields strictly increasing segment row ids via Next and
// Advance. Exhaustion is signalled by the explicit model.EndOfStream
// sentinel rather than an error. Iterators are not safe for concurrent use.
package postings

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/saigo/model"
)

// PostingList is an iterator over a sorted finite sequence of row ids.
//
// Next returns the next id not yet returned by Next or Advance, or
// model.EndOfStream once exhausted. Advance returns the smallest id >=
// target; a subsequent Next returns the id after the advance return.
// Min, Max and Count are hints for cost-based planning; Count is an upper
// bound, not an exact cardinality.
type PostingList interface {
	Next() model.RowID
	Advance(target model.RowID) model.RowID
	Min() model.RowID
	Max() model.RowID
	Count() uint64
	Close() error
}

// Empty is a PostingList with no postings.
var Empty PostingList = emptyList{}

type emptyList struct{}

func (emptyList) Next() model.RowID                 { return model.EndOfStream }
func (emptyList) Advance(model.RowID) model.RowID   { return model.EndOfStream }
func (emptyList) Min() model.RowID                  { return model.EndOfStream }
func (emptyList) Max() model.RowID                  { return 0 }
func (emptyList) Count() uint64                     { return 0 }
func (emptyList) Close() error                      { return nil }

// SlicePostings iterates over an in-memory sorted slice of row ids.
type SlicePostings struct {
	ids []model.RowID
	pos int
}

// NewSlice creates a posting list over ids, which must be strictly
// increasing.
func NewSlice(ids []model.RowID) *SlicePostings {
	return &SlicePostings{ids: ids}
}

func (s *SlicePostings) Next() model.RowID {
	if s.pos >= len(s.ids) {
		return model.EndOfStream
	}
	id := s.ids[s.pos]
	s.pos++
	return id
}

func (s *SlicePostings) Advance(target model.RowID) model.RowID {
	if len(s.ids) == 0 || target > s.ids[len(s.ids)-1] {
		s.pos = len(s.ids)
		return model.EndOfStream
	}
	lo, hi := s.pos, len(s.ids)
	for lo < hi {
		mid := (lo + hi) / 2
		if s.ids[mid] < target {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	s.pos = lo
	return s.Next()
}

func (s *SlicePostings) Min() model.RowID {
	if len(s.ids) == 0 {
		return model.EndOfStream
	}
	return s.ids[0]
}

func (s *SlicePostings) Max() model.RowID {
	if len(s.ids) == 0 {
		return 0
	}
	return s.ids[len(s.ids)-1]
}

func (s *SlicePostings) Count() uint64 { return uint64(len(s.ids)) }
func (s *SlicePostings) Close() error  { return nil }

// BitmapPostings iterates over a roaring bitmap snapshot. Used by memtable
// indexes, where posting sets are maintained as bitmaps.
type BitmapPostings struct {
	bm  *roaring.Bitmap
	it  roaring.IntPeekable
	min model.RowID
	max model.RowID
}

// NewBitmap creates a posting list over a bitmap snapshot. The bitmap must
// not be mutated while the posting list is in use.
func NewBitmap(bm *roaring.Bitmap) PostingList {
	if bm == nil || bm.IsEmpty() {
		return Empty
	}
	return &BitmapPostings{
		bm:  bm,
		it:  bm.Iterator(),
		min: model.RowID(bm.Minimum()),
		max: model.RowID(bm.Maximum()),
	}
}

func (b *BitmapPostings) Next() model.RowID {
	if !b.it.HasNext() {
		return model.EndOfStream
	}
	return model.RowID(b.it.Next())
}

func (b *BitmapPostings) Advance(target model.RowID) model.RowID {
	if target > b.max {
		return model.EndOfStream
	}
	b.it.AdvanceIfNeeded(uint32(target))
	return b.Next()
}

func (b *BitmapPostings) Min() model.RowID { return b.min }
func (b *BitmapPostings) Max() model.RowID { return b.max }
func (b *BitmapPostings) Count() uint64    { return b.bm.GetCardinality() }
func (b *BitmapPostings) Close() error     { return nil }

// OffsetPostings shifts every id of a source by a fixed offset. Used to
// map segment-local row ids into the SSTable row-id space.
type OffsetPostings struct {
	src    PostingList
	offset model.RowID
}

// NewOffset wraps src, adding offset to every returned id.
func NewOffset(src PostingList, offset model.RowID) PostingList {
	if offset == 0 {
		return src
	}
	return &OffsetPostings{src: src, offset: offset}
}

func (o *OffsetPostings) shift(id model.RowID) model.RowID {
	if id == model.EndOfStream {
		return model.EndOfStream
	}
	return id + o.offset
}

func (o *OffsetPostings) Next() model.RowID { return o.shift(o.src.Next()) }

func (o *OffsetPostings) Advance(target model.RowID) model.RowID {
	if target <= o.offset {
		return o.Next()
	}
	return o.shift(o.src.Advance(target - o.offset))
}

func (o *OffsetPostings) Min() model.RowID { return o.shift(o.src.Min()) }
func (o *OffsetPostings) Max() model.RowID { return o.shift(o.src.Max()) }
func (o *OffsetPostings) Count() uint64    { return o.src.Count() }
func (o *OffsetPostings) Close() error     { return o.src.Close() }

// FilterPostings drops ids rejected by a predicate. Used for key-range
// filtering, where the predicate resolves a row id to its primary key and
// tests it against the query range.
type FilterPostings struct {
	src  PostingList
	keep func(model.RowID) bool
}

// NewFilter wraps src, keeping only ids accepted by keep.
func NewFilter(src PostingList, keep func(model.RowID) bool) PostingList {
	return &FilterPostings{src: src, keep: keep}
}

func (f *FilterPostings) seek(id model.RowID) model.RowID {
	for id != model.EndOfStream && !f.keep(id) {
		id = f.src.Next()
	}
	return id
}

func (f *FilterPostings) Next() model.RowID { return f.seek(f.src.Next()) }

func (f *FilterPostings) Advance(target model.RowID) model.RowID {
	return f.seek(f.src.Advance(target))
}

func (f *FilterPostings) Min() model.RowID { return f.src.Min() }
func (f *FilterPostings) Max() model.RowID { return f.src.Max() }
func (f *FilterPostings) Count() uint64    { return f.src.Count() }
func (f *FilterPostings) Close() error     { return f.src.Close() }

// SeqPostings lazily yields 0..n-1, the full row-id space of an SSTable.
// It backs the complement universe without materializing ids.
type SeqPostings struct {
	n   model.RowID
	cur model.RowID
}

// NewSeq creates a posting list over [0, n).
func NewSeq(n model.RowID) PostingList {
	if n == 0 {
		return Empty
	}
	return &SeqPostings{n: n}
}

func (s *SeqPostings) Next() model.RowID {
	if s.cur >= s.n {
		return model.EndOfStream
	}
	id := s.cur
	s.cur++
	return id
}

func (s *SeqPostings) Advance(target model.RowID) model.RowID {
	if target > s.cur {
		s.cur = target
	}
	return s.Next()
}

func (s *SeqPostings) Min() model.RowID { return 0 }
func (s *SeqPostings) Max() model.RowID { return s.n - 1 }
func (s *SeqPostings) Count() uint64    { return uint64(s.n) }
func (s *SeqPostings) Close() error     { return nil }

// Drain collects all remaining ids of p into a slice. Test helper and
// executor terminal.
func Drain(p PostingList) []model.RowID {
	var out []model.RowID
	for id := p.Next(); id != model.EndOfStream; id = p.Next() {
		out = append(out, id)
	}
	return out
}
