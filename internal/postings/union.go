package postings

import (
	"errors"

	"github.com/hupe1980/saigo/model"
)

// UnionPostings merges k sources into one strictly increasing sequence.
// An id present in several sources is emitted once.
type UnionPostings struct {
	heap    sourceHeap
	min     model.RowID
	max     model.RowID
	count   uint64
	lastHit model.RowID
	started bool
}

type unionSource struct {
	list PostingList
	head model.RowID
}

type sourceHeap []*unionSource

func (h sourceHeap) less(i, j int) bool { return h[i].head < h[j].head }

func (h sourceHeap) siftDown(i int) {
	for {
		l, r := 2*i+1, 2*i+2
		smallest := i
		if l < len(h) && h.less(l, smallest) {
			smallest = l
		}
		if r < len(h) && h.less(r, smallest) {
			smallest = r
		}
		if smallest == i {
			return
		}
		h[i], h[smallest] = h[smallest], h[i]
		i = smallest
	}
}

func (h sourceHeap) init() {
	for i := len(h)/2 - 1; i >= 0; i-- {
		h.siftDown(i)
	}
}

func (h *sourceHeap) pop() *unionSource {
	old := *h
	top := old[0]
	old[0] = old[len(old)-1]
	*h = old[:len(old)-1]
	(*h).siftDown(0)
	return top
}

// NewUnion builds the union of sources. Exhausted sources are closed as
// they drain. Merge over per-term postings within one index uses the same
// construction, relying on each source already being strictly increasing.
func NewUnion(sources ...PostingList) PostingList {
	live := make(sourceHeap, 0, len(sources))
	u := &UnionPostings{min: model.EndOfStream}
	for _, src := range sources {
		head := src.Next()
		if head == model.EndOfStream {
			src.Close()
			continue
		}
		if src.Min() < u.min {
			u.min = src.Min()
		}
		if src.Max() > u.max {
			u.max = src.Max()
		}
		u.count += src.Count()
		live = append(live, &unionSource{list: src, head: head})
	}
	if len(live) == 0 {
		return Empty
	}
	if len(live) == 1 {
		return &resumedPostings{head: live[0].head, src: live[0].list}
	}
	live.init()
	u.heap = live
	return u
}

func (u *UnionPostings) Next() model.RowID {
	for len(u.heap) > 0 {
		top := u.heap[0]
		id := top.head
		top.head = top.list.Next()
		if top.head == model.EndOfStream {
			u.heap.pop().list.Close()
		} else {
			u.heap.siftDown(0)
		}
		if u.started && id == u.lastHit {
			continue // duplicate across sources
		}
		u.started = true
		u.lastHit = id
		return id
	}
	return model.EndOfStream
}

func (u *UnionPostings) Advance(target model.RowID) model.RowID {
	if target > u.max {
		u.exhaust()
		return model.EndOfStream
	}
	for i := range u.heap {
		if u.heap[i].head < target {
			u.heap[i].head = u.heap[i].list.Advance(target)
		}
	}
	// Compact exhausted sources, then rebuild the heap.
	live := u.heap[:0]
	for _, src := range u.heap {
		if src.head == model.EndOfStream {
			src.list.Close()
			continue
		}
		live = append(live, src)
	}
	u.heap = live
	u.heap.init()
	return u.Next()
}

func (u *UnionPostings) exhaust() {
	for _, src := range u.heap {
		src.list.Close()
	}
	u.heap = nil
}

func (u *UnionPostings) Min() model.RowID { return u.min }
func (u *UnionPostings) Max() model.RowID { return u.max }
func (u *UnionPostings) Count() uint64    { return u.count }

func (u *UnionPostings) Close() error {
	var errs []error
	for _, src := range u.heap {
		if err := src.list.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	u.heap = nil
	return errors.Join(errs...)
}

// resumedPostings re-attaches a head id that was already consumed from the
// underlying source.
type resumedPostings struct {
	head model.RowID
	src  PostingList
}

func (r *resumedPostings) Next() model.RowID {
	if r.head != model.EndOfStream {
		id := r.head
		r.head = model.EndOfStream
		return id
	}
	return r.src.Next()
}

func (r *resumedPostings) Advance(target model.RowID) model.RowID {
	if r.head != model.EndOfStream && r.head >= target {
		id := r.head
		r.head = model.EndOfStream
		return id
	}
	r.head = model.EndOfStream
	return r.src.Advance(target)
}

func (r *resumedPostings) Min() model.RowID { return r.src.Min() }
func (r *resumedPostings) Max() model.RowID { return r.src.Max() }
func (r *resumedPostings) Count() uint64    { return r.src.Count() }
func (r *resumedPostings) Close() error     { return r.src.Close() }
