package keyrange

import (
	"github.com/hupe1980/saigo/internal/postings"
	"github.com/hupe1980/saigo/model"
)

// KeyResolver maps SSTable row ids to primary keys and back. Implemented
// by the per-SSTable keystore reader.
type KeyResolver interface {
	PrimaryKey(rowID model.RowID) (model.PrimaryKey, error)
	CeilingRowID(key model.PrimaryKey) (model.RowID, bool, error)
	Count() uint64
}

// FromPostings lifts a row-id posting list into a key iterator using the
// SSTable's key map. Row-id order equals key order within one SSTable, so
// the lifted sequence stays strictly increasing.
func FromPostings(p postings.PostingList, resolver KeyResolver) Iterator {
	return &postingsIterator{p: p, resolver: resolver}
}

type postingsIterator struct {
	p        postings.PostingList
	resolver KeyResolver
	err      error
}

func (pi *postingsIterator) lift(id model.RowID) (model.PrimaryKey, bool) {
	if id == model.EndOfStream {
		return model.PrimaryKey{}, false
	}
	key, err := pi.resolver.PrimaryKey(id)
	if err != nil {
		pi.err = err
		return model.PrimaryKey{}, false
	}
	return key, true
}

func (pi *postingsIterator) Next() (model.PrimaryKey, bool) {
	if pi.err != nil {
		return model.PrimaryKey{}, false
	}
	return pi.lift(pi.p.Next())
}

func (pi *postingsIterator) Advance(target model.PrimaryKey) (model.PrimaryKey, bool) {
	if pi.err != nil {
		return model.PrimaryKey{}, false
	}
	rowID, ok, err := pi.resolver.CeilingRowID(target)
	if err != nil {
		pi.err = err
		return model.PrimaryKey{}, false
	}
	if !ok {
		pi.p.Close()
		return model.PrimaryKey{}, false
	}
	return pi.lift(pi.p.Advance(rowID))
}

func (pi *postingsIterator) Bounds() (model.PrimaryKey, model.PrimaryKey, bool) {
	mn, mx := pi.p.Min(), pi.p.Max()
	if mn == model.EndOfStream {
		return model.PrimaryKey{}, model.PrimaryKey{}, false
	}
	lo, err := pi.resolver.PrimaryKey(mn)
	if err != nil {
		pi.err = err
		return model.PrimaryKey{}, model.PrimaryKey{}, false
	}
	hi, err := pi.resolver.PrimaryKey(mx)
	if err != nil {
		pi.err = err
		return model.PrimaryKey{}, model.PrimaryKey{}, false
	}
	return lo, hi, true
}

func (pi *postingsIterator) Count() uint64 { return pi.p.Count() }

// Err surfaces a resolution failure; the iterator reports exhaustion on
// error, and the executor checks Err at drain.
func (pi *postingsIterator) Err() error { return pi.err }

func (pi *postingsIterator) Close() error { return pi.p.Close() }
