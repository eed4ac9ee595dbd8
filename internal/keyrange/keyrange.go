// Package keyrange implements the primary-key iterator algebra used above
// the per-segment posting layer: per-column results from the memtable and
// from each SSTable merge here, ordered by primary key.
//
// Semantics mirror the row-id algebra: strictly increasing sequences,
// Advance-to-target, and an intersection that eagerly closes provably
// disjoint inputs.
package keyrange

import (
	"errors"
	"sort"

	"github.com/hupe1980/saigo/model"
)

// Iterator yields primary keys in increasing order. ok is false once
// exhausted. Iterators are not safe for concurrent use.
type Iterator interface {
	Next() (model.PrimaryKey, bool)
	// Advance returns the smallest key >= target.
	Advance(target model.PrimaryKey) (model.PrimaryKey, bool)
	// Bounds returns the smallest and largest key the iterator can yield.
	// ok is false for a known-empty iterator.
	Bounds() (min, max model.PrimaryKey, ok bool)
	Count() uint64
	Close() error
}

// Empty is an Iterator with no keys.
var Empty Iterator = emptyIterator{}

type emptyIterator struct{}

func (emptyIterator) Next() (model.PrimaryKey, bool)                   { return model.PrimaryKey{}, false }
func (emptyIterator) Advance(model.PrimaryKey) (model.PrimaryKey, bool) { return model.PrimaryKey{}, false }
func (emptyIterator) Bounds() (model.PrimaryKey, model.PrimaryKey, bool) {
	return model.PrimaryKey{}, model.PrimaryKey{}, false
}
func (emptyIterator) Count() uint64 { return 0 }
func (emptyIterator) Close() error  { return nil }

// SliceIterator iterates an in-memory sorted key slice.
type SliceIterator struct {
	keys []model.PrimaryKey
	pos  int
}

// FromSlice creates an iterator over keys, which must be sorted and
// deduplicated.
func FromSlice(keys []model.PrimaryKey) Iterator {
	if len(keys) == 0 {
		return Empty
	}
	return &SliceIterator{keys: keys}
}

// FromUnsorted sorts and deduplicates keys before iteration.
func FromUnsorted(keys []model.PrimaryKey) Iterator {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	dedup := keys[:0]
	for i, k := range keys {
		if i == 0 || k.Compare(keys[i-1]) != 0 {
			dedup = append(dedup, k)
		}
	}
	return FromSlice(dedup)
}

func (s *SliceIterator) Next() (model.PrimaryKey, bool) {
	if s.pos >= len(s.keys) {
		return model.PrimaryKey{}, false
	}
	k := s.keys[s.pos]
	s.pos++
	return k, true
}

func (s *SliceIterator) Advance(target model.PrimaryKey) (model.PrimaryKey, bool) {
	lo, hi := s.pos, len(s.keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if s.keys[mid].Compare(target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	s.pos = lo
	return s.Next()
}

func (s *SliceIterator) Bounds() (model.PrimaryKey, model.PrimaryKey, bool) {
	if len(s.keys) == 0 {
		return model.PrimaryKey{}, model.PrimaryKey{}, false
	}
	return s.keys[0], s.keys[len(s.keys)-1], true
}

func (s *SliceIterator) Count() uint64 { return uint64(len(s.keys)) }
func (s *SliceIterator) Close() error  { return nil }

// Union merges sources into one strictly increasing key sequence.
func Union(sources ...Iterator) Iterator {
	live := make([]*unionSource, 0, len(sources))
	var count uint64
	for _, src := range sources {
		if _, _, ok := src.Bounds(); !ok {
			src.Close()
			continue
		}
		head, ok := src.Next()
		if !ok {
			src.Close()
			continue
		}
		count += src.Count()
		live = append(live, &unionSource{it: src, head: head})
	}
	if len(live) == 0 {
		return Empty
	}
	return &unionIterator{sources: live, count: count}
}

type unionSource struct {
	it   Iterator
	head model.PrimaryKey
	done bool
}

type unionIterator struct {
	sources []*unionSource
	count   uint64
	last    model.PrimaryKey
	started bool
}

func (u *unionIterator) Next() (model.PrimaryKey, bool) {
	for {
		best := -1
		for i, src := range u.sources {
			if src.done {
				continue
			}
			if best < 0 || src.head.Compare(u.sources[best].head) < 0 {
				best = i
			}
		}
		if best < 0 {
			return model.PrimaryKey{}, false
		}
		src := u.sources[best]
		key := src.head
		if next, ok := src.it.Next(); ok {
			src.head = next
		} else {
			src.done = true
			src.it.Close()
		}
		if u.started && key.Compare(u.last) == 0 {
			continue
		}
		u.started = true
		u.last = key
		return key, true
	}
}

func (u *unionIterator) Advance(target model.PrimaryKey) (model.PrimaryKey, bool) {
	for _, src := range u.sources {
		if src.done || src.head.Compare(target) >= 0 {
			continue
		}
		if head, ok := src.it.Advance(target); ok {
			src.head = head
		} else {
			src.done = true
			src.it.Close()
		}
	}
	return u.Next()
}

func (u *unionIterator) Bounds() (model.PrimaryKey, model.PrimaryKey, bool) {
	var lo, hi model.PrimaryKey
	found := false
	for _, src := range u.sources {
		mn, mx, ok := src.it.Bounds()
		if !ok {
			continue
		}
		if !found || mn.Compare(lo) < 0 {
			lo = mn
		}
		if !found || mx.Compare(hi) > 0 {
			hi = mx
		}
		found = true
	}
	return lo, hi, found
}

func (u *unionIterator) Count() uint64 { return u.count }

func (u *unionIterator) Close() error {
	var errs []error
	for _, src := range u.sources {
		if !src.done {
			if err := src.it.Close(); err != nil {
				errs = append(errs, err)
			}
			src.done = true
		}
	}
	return errors.Join(errs...)
}

// Intersection yields keys present in every source. Provably disjoint
// bounds short-circuit to empty, eagerly closing every input before any
// result is consumed.
func Intersection(sources ...Iterator) Iterator {
	if len(sources) == 0 {
		return Empty
	}
	if len(sources) == 1 {
		return sources[0]
	}
	var globalMin, globalMax model.PrimaryKey
	var count uint64 = ^uint64(0)
	for i, src := range sources {
		mn, mx, ok := src.Bounds()
		if !ok {
			closeAll(sources)
			return Empty
		}
		if i == 0 || mn.Compare(globalMin) > 0 {
			globalMin = mn
		}
		if i == 0 || mx.Compare(globalMax) < 0 {
			globalMax = mx
		}
		if src.Count() < count {
			count = src.Count()
		}
	}
	if globalMin.Compare(globalMax) > 0 {
		closeAll(sources)
		return Empty
	}
	return &intersectionIterator{sources: sources, min: globalMin, max: globalMax, count: count,
		heads: make([]model.PrimaryKey, len(sources)), hasHead: make([]bool, len(sources))}
}

func closeAll(sources []Iterator) {
	for _, src := range sources {
		src.Close()
	}
}

type intersectionIterator struct {
	sources []Iterator
	min     model.PrimaryKey
	max     model.PrimaryKey
	count   uint64
	closed  bool

	// heads caches the last key each non-pivot source returned, so a
	// source already positioned at or past the candidate is not advanced
	// again (which would consume its head).
	heads   []model.PrimaryKey
	hasHead []bool
}

func (it *intersectionIterator) Next() (model.PrimaryKey, bool) {
	if it.closed {
		return model.PrimaryKey{}, false
	}
	candidate, ok := it.sources[0].Next()
	return it.converge(candidate, ok)
}

func (it *intersectionIterator) Advance(target model.PrimaryKey) (model.PrimaryKey, bool) {
	if it.closed {
		return model.PrimaryKey{}, false
	}
	if target.Compare(it.max) > 0 {
		it.Close()
		return model.PrimaryKey{}, false
	}
	candidate, ok := it.sources[0].Advance(target)
	return it.converge(candidate, ok)
}

func (it *intersectionIterator) converge(candidate model.PrimaryKey, ok bool) (model.PrimaryKey, bool) {
	for ok {
		matched := true
		for i := 1; i < len(it.sources); i++ {
			head := it.heads[i]
			if !it.hasHead[i] || head.Compare(candidate) < 0 {
				var hok bool
				head, hok = it.sources[i].Advance(candidate)
				if !hok {
					it.Close()
					return model.PrimaryKey{}, false
				}
				it.heads[i], it.hasHead[i] = head, true
			}
			if head.Compare(candidate) == 0 {
				continue
			}
			matched = false
			candidate, ok = it.sources[0].Advance(head)
			break
		}
		if matched {
			return candidate, true
		}
	}
	it.Close()
	return model.PrimaryKey{}, false
}

func (it *intersectionIterator) Bounds() (model.PrimaryKey, model.PrimaryKey, bool) {
	return it.min, it.max, !it.closed
}

func (it *intersectionIterator) Count() uint64 { return it.count }

func (it *intersectionIterator) Close() error {
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

// Filter keeps only keys within rng.
func Filter(src Iterator, rng model.KeyRange) Iterator {
	if rng.Min == nil && rng.Max == nil {
		return src
	}
	return &filterIterator{src: src, rng: rng}
}

type filterIterator struct {
	src Iterator
	rng model.KeyRange
}

func (f *filterIterator) seek(key model.PrimaryKey, ok bool) (model.PrimaryKey, bool) {
	for ok {
		if f.rng.Max != nil && key.Compare(*f.rng.Max) > 0 {
			return model.PrimaryKey{}, false
		}
		if f.rng.Contains(key) {
			return key, true
		}
		if f.rng.Min != nil && key.Compare(*f.rng.Min) < 0 {
			key, ok = f.src.Advance(*f.rng.Min)
			continue
		}
		key, ok = f.src.Next()
	}
	return model.PrimaryKey{}, false
}

func (f *filterIterator) Next() (model.PrimaryKey, bool) {
	return f.seek(f.src.Next())
}

func (f *filterIterator) Advance(target model.PrimaryKey) (model.PrimaryKey, bool) {
	return f.seek(f.src.Advance(target))
}

func (f *filterIterator) Bounds() (model.PrimaryKey, model.PrimaryKey, bool) {
	return f.src.Bounds()
}

func (f *filterIterator) Count() uint64 { return f.src.Count() }
func (f *filterIterator) Close() error  { return f.src.Close() }

// Drain collects all remaining keys. Test helper and executor terminal.
func Drain(it Iterator) []model.PrimaryKey {
	var out []model.PrimaryKey
	for {
		k, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, k)
	}
}
