package segment

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/hupe1980/saigo/internal/bkd"
	"github.com/hupe1980/saigo/internal/fault"
	"github.com/hupe1980/saigo/internal/fs"
	"github.com/hupe1980/saigo/internal/keyrange"
	"github.com/hupe1980/saigo/internal/keystore"
	"github.com/hupe1980/saigo/internal/postings"
	"github.com/hupe1980/saigo/internal/storage"
	"github.com/hupe1980/saigo/internal/trie"
	"github.com/hupe1980/saigo/internal/vector"
	"github.com/hupe1980/saigo/model"
)

// ErrAbsent reports that an SSTable carries no completed index for a
// column. Callers treat it as "no results from this SSTable", never as a
// failure.
var ErrAbsent = errors.New("index absent for this sstable")

// ColumnSearcher serves queries over the completed index of one column in
// one SSTable. Component checksums are validated at open; a mismatch
// surfaces storage.ErrCorrupt and the column index is marked
// non-queryable by the caller.
type ColumnSearcher struct {
	col  Column
	desc storage.Descriptor
	keys *keystore.Reader
	meta ColumnMeta

	handles map[storage.ComponentType]*storage.FileHandle
	faults  *fault.Registry

	checkpoint func() error
}

// OpenColumn opens a column's SSTable index. Both the group and the
// column completion markers must be present; otherwise ErrAbsent.
func OpenColumn(fsys fs.FileSystem, desc storage.Descriptor, col Column, keys *keystore.Reader, faults *fault.Registry) (*ColumnSearcher, error) {
	if !storage.MarkerExists(fsys, desc.FileName("", storage.GroupCompletionMarker)) {
		return nil, ErrAbsent
	}
	if !storage.MarkerExists(fsys, desc.FileName(col.Name, storage.ColumnCompletionMarker)) {
		return nil, ErrAbsent
	}

	s := &ColumnSearcher{
		col:     col,
		desc:    desc,
		keys:    keys,
		faults:  faults,
		handles: make(map[storage.ComponentType]*storage.FileHandle),
	}

	components := append([]storage.ComponentType{storage.Meta}, col.Kind.Components()...)
	for _, c := range components {
		if c.IsMarker() {
			continue
		}
		f, err := fsys.OpenFile(desc.FileName(col.Name, c), os.O_RDONLY, 0)
		if err != nil {
			s.Close()
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: missing %s", storage.ErrCorrupt, c)
			}
			return nil, err
		}
		if _, bodyLen, err := storage.ValidateFooter(f); err != nil {
			f.Close()
			s.Close()
			return nil, fmt.Errorf("%s %s: %w", col.Name, c, err)
		} else if c == storage.Meta {
			meta, err := ReadMeta(f, bodyLen)
			if err != nil {
				f.Close()
				s.Close()
				return nil, err
			}
			s.meta = meta
		}
		s.handles[c] = storage.NewFileHandle(f)
	}
	return s, nil
}

// SetCheckpoint installs the per-query cancellation poll.
func (s *ColumnSearcher) SetCheckpoint(fn func() error) { s.checkpoint = fn }

// Meta exposes the decoded segment list.
func (s *ColumnSearcher) Meta() ColumnMeta { return s.meta }

// Close releases the searcher's component handles. Posting iterators
// already spawned keep their own references and stay valid.
func (s *ColumnSearcher) Close() error {
	var errs []error
	for _, h := range s.handles {
		if err := h.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	s.handles = nil
	return errors.Join(errs...)
}

// retainedPostings pairs a postings reader with the file handle reference
// it holds, releasing the reference on close.
type retainedPostings struct {
	*postings.Reader
	handle *storage.FileHandle
}

func (rp *retainedPostings) Close() error {
	err := rp.Reader.Close()
	rp.handle.Release()
	return err
}

func (s *ColumnSearcher) openPostings(c storage.ComponentType, offset uint64) (postings.PostingList, error) {
	h := s.handles[c]
	pr, err := postings.NewReader(h, offset)
	if err != nil {
		return nil, err
	}
	pr.SetCheckpoint(s.checkpoint)
	return &retainedPostings{Reader: pr, handle: h.Retain()}, nil
}

func (s *ColumnSearcher) trieFor(seg Meta) (*trie.Reader, error) {
	region := seg.Regions[storage.TermsData]
	return trie.NewReader(s.handles[storage.TermsData], region[0], region[1]-region[0])
}

// ExactMatch returns the keys whose term equals term.
func (s *ColumnSearcher) ExactMatch(term []byte) (keyrange.Iterator, error) {
	var lists []postings.PostingList
	for _, seg := range s.meta.Segments {
		tr, err := s.trieFor(seg)
		if err != nil {
			closeLists(lists)
			return nil, err
		}
		off, ok, err := tr.Exact(term)
		if err != nil {
			closeLists(lists)
			return nil, err
		}
		if !ok {
			continue
		}
		pl, err := s.openPostings(storage.PostingLists, off)
		if err != nil {
			closeLists(lists)
			return nil, err
		}
		lists = append(lists, postings.NewOffset(pl, seg.RowBase))
	}
	return keyrange.FromPostings(postings.NewUnion(lists...), s.keys), nil
}

// RangeMatch returns the keys whose term falls in the bounds, optionally
// post-filtered by a decoded-term predicate for operators the dictionary
// cannot answer natively.
func (s *ColumnSearcher) RangeMatch(lower trie.Bound, upper trie.Bound, filter func(term []byte) bool) (keyrange.Iterator, error) {
	var lists []postings.PostingList
	for _, seg := range s.meta.Segments {
		tr, err := s.trieFor(seg)
		if err != nil {
			closeLists(lists)
			return nil, err
		}
		c := tr.Cursor(lower, upper)
		var segLists []postings.PostingList
		for {
			if s.checkpoint != nil {
				if err := s.checkpoint(); err != nil {
					closeLists(lists)
					closeLists(segLists)
					return nil, err
				}
			}
			term, off, ok := c.Next()
			if !ok {
				break
			}
			if filter != nil && !filter(term) {
				continue
			}
			pl, err := s.openPostings(storage.PostingLists, off)
			if err != nil {
				closeLists(lists)
				closeLists(segLists)
				return nil, err
			}
			segLists = append(segLists, pl)
		}
		if err := c.Err(); err != nil {
			closeLists(lists)
			closeLists(segLists)
			return nil, err
		}
		if len(segLists) > 0 {
			// Per-term lists within a segment are merged; sources are
			// already strictly increasing.
			lists = append(lists, postings.NewOffset(postings.NewUnion(segLists...), seg.RowBase))
		}
	}
	return keyrange.FromPostings(postings.NewUnion(lists...), s.keys), nil
}

// NumericRange returns keys whose encoded value lies in [lower, upper].
func (s *ColumnSearcher) NumericRange(lower, upper []byte) (keyrange.Iterator, error) {
	var lists []postings.PostingList
	for _, seg := range s.meta.Segments {
		region := seg.Regions[storage.KDTree]
		r, err := bkd.NewReader(s.handles[storage.KDTree], region[0], region[1]-region[0], s.handles[storage.KDTreePostingLists])
		if err != nil {
			closeLists(lists)
			return nil, err
		}
		r.SetCheckpoint(s.checkpoint)
		pl, err := r.Range(lower, upper)
		if err != nil {
			closeLists(lists)
			return nil, err
		}
		lists = append(lists, postings.NewOffset(pl, seg.RowBase))
	}
	return keyrange.FromPostings(postings.NewUnion(lists...), s.keys), nil
}

// AllKeys returns every key indexed by this column, for complement
// queries.
func (s *ColumnSearcher) AllKeys() (keyrange.Iterator, error) {
	switch s.col.Kind {
	case KindLiteral:
		return s.RangeMatch(trie.Bound{}, trie.Bound{}, nil)
	case KindNumeric:
		return s.NumericRange(nil, nil)
	default:
		var keys []model.PrimaryKey
		for _, seg := range s.meta.Segments {
			vr, err := s.vectorReaderFor(seg)
			if err != nil {
				return nil, err
			}
			for ord := 0; ; ord++ {
				ids, err := vr.RowIDs(uint32(ord))
				if err != nil {
					break
				}
				for _, id := range ids {
					key, err := s.keys.PrimaryKey(id + seg.RowBase)
					if err != nil {
						return nil, err
					}
					keys = append(keys, key)
				}
			}
		}
		return keyrange.FromUnsorted(keys), nil
	}
}

func (s *ColumnSearcher) vectorReaderFor(seg Meta) (*vector.Reader, error) {
	section := func(c storage.ComponentType) io.ReaderAt {
		region := seg.Regions[c]
		return io.NewSectionReader(s.handles[c], int64(region[0]), int64(region[1]-region[0]))
	}
	cfg := s.col.Vector
	vr, err := vector.OpenReader(
		section(storage.ANNGraph),
		section(storage.ANNVectors),
		section(storage.ANNPQ),
		section(storage.ANNOrdinals),
		cfg,
	)
	if err != nil {
		return nil, err
	}
	vr.SetCheckpoint(s.checkpoint)
	return vr, nil
}

// TopK runs the ANN pipeline over every segment and merges per-segment
// results. candidates, when non-nil, restricts results to those SSTable
// row ids (filter-then-sort); per segment the strategy is brute force for
// small candidate sets and filtered graph search otherwise.
func (s *ColumnSearcher) TopK(q []float32, limit int, candidates []model.RowID) ([]model.Candidate, error) {
	if err := s.faults.Point(fault.BeforeGraphSearch); err != nil {
		return nil, err
	}
	var all []vector.ScoredRow
	for _, seg := range s.meta.Segments {
		vr, err := s.vectorReaderFor(seg)
		if err != nil {
			return nil, err
		}
		var rows []vector.ScoredRow
		if candidates != nil {
			var local []model.RowID
			for _, id := range candidates {
				if id >= seg.RowBase && id < seg.RowBase+model.RowID(seg.RowCount) {
					local = append(local, id-seg.RowBase)
				}
			}
			if len(local) == 0 {
				continue
			}
			if len(local) <= vector.MaxBruteForceRows {
				rows, err = vr.BruteForce(q, local, limit)
			} else {
				rows, err = s.searchThenFilter(vr, q, limit, local)
			}
		} else {
			scored, serr := vr.Search(q, limit, nil)
			err = serr
			for _, so := range scored {
				ids, rerr := vr.RowIDs(so.Ordinal)
				if rerr != nil {
					return nil, rerr
				}
				for _, id := range ids {
					rows = append(rows, vector.ScoredRow{RowID: id, Score: so.Score})
				}
			}
		}
		if err != nil {
			return nil, err
		}
		for _, rw := range rows {
			all = append(all, vector.ScoredRow{RowID: rw.RowID + seg.RowBase, Score: rw.Score})
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]model.Candidate, 0, len(all))
	for _, rw := range all {
		key, err := s.keys.PrimaryKey(rw.RowID)
		if err != nil {
			return nil, err
		}
		out = append(out, model.Candidate{Key: key, Score: rw.Score})
	}
	return out, nil
}

func (s *ColumnSearcher) searchThenFilter(vr *vector.Reader, q []float32, limit int, local []model.RowID) ([]vector.ScoredRow, error) {
	allowed := make(map[model.RowID]bool, len(local))
	for _, id := range local {
		allowed[id] = true
	}
	filter := func(ord uint32) bool {
		ids, err := vr.RowIDs(ord)
		if err != nil {
			return false
		}
		for _, id := range ids {
			if allowed[id] {
				return true
			}
		}
		return false
	}
	scored, err := vr.Search(q, limit, filter)
	if err != nil {
		return nil, err
	}
	var rows []vector.ScoredRow
	for _, so := range scored {
		ids, err := vr.RowIDs(so.Ordinal)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if allowed[id] {
				rows = append(rows, vector.ScoredRow{RowID: id, Score: so.Score})
			}
		}
	}
	return rows, nil
}

func closeLists(lists []postings.PostingList) {
	for _, pl := range lists {
		pl.Close()
	}
}
