package postings

import (
	"errors"

	"github.com/hupe1980/saigo/model"
)

// IntersectPostings yields ids present in every source.
//
// At construction it computes globalMin = max(mins) and globalMax =
// min(maxes); if globalMin > globalMax the sources are provably disjoint
// and every input is closed eagerly before the first call to Next.
type IntersectPostings struct {
	sources []PostingList
	min     model.RowID
	max     model.RowID
	count   uint64
	closed  bool

	// heads caches the last id each non-pivot source returned, so a source
	// already at or past the candidate is not advanced again (which would
	// consume its head).
	heads   []model.RowID
	hasHead []bool
}

// NewIntersect builds the intersection of sources.
func NewIntersect(sources ...PostingList) PostingList {
	if len(sources) == 0 {
		return Empty
	}
	if len(sources) == 1 {
		return sources[0]
	}
	it := &IntersectPostings{sources: sources, max: model.EndOfStream, count: ^uint64(0),
		heads: make([]model.RowID, len(sources)), hasHead: make([]bool, len(sources))}
	for _, src := range sources {
		if src.Min() > it.min {
			it.min = src.Min()
		}
		if src.Max() < it.max {
			it.max = src.Max()
		}
		if src.Count() < it.count {
			it.count = src.Count()
		}
	}
	if it.min > it.max {
		it.Close()
		return Empty
	}
	return it
}

func (it *IntersectPostings) Next() model.RowID {
	if it.closed {
		return model.EndOfStream
	}
	return it.converge(it.sources[0].Next())
}

func (it *IntersectPostings) Advance(target model.RowID) model.RowID {
	if it.closed {
		return model.EndOfStream
	}
	if target > it.max {
		it.Close()
		return model.EndOfStream
	}
	return it.converge(it.sources[0].Advance(target))
}

// converge advances all sources to a common candidate. On a miss the
// candidate moves to the latest head seen; ties may resolve in any order.
func (it *IntersectPostings) converge(candidate model.RowID) model.RowID {
	for candidate != model.EndOfStream {
		matched := true
		for i := 1; i < len(it.sources); i++ {
			head := it.heads[i]
			if !it.hasHead[i] || head < candidate {
				head = it.sources[i].Advance(candidate)
				it.heads[i], it.hasHead[i] = head, true
			}
			if head == candidate {
				continue
			}
			matched = false
			if head == model.EndOfStream {
				candidate = model.EndOfStream
				break
			}
			candidate = it.sources[0].Advance(head)
			break
		}
		if matched {
			return candidate
		}
	}
	it.Close()
	return model.EndOfStream
}

func (it *IntersectPostings) Min() model.RowID { return it.min }
func (it *IntersectPostings) Max() model.RowID { return it.max }
func (it *IntersectPostings) Count() uint64    { return it.count }

func (it *IntersectPostings) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	var errs []error
	for _, src := range it.sources {
		if err := src.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
