package memtable

import (
	"github.com/hupe1980/saigo/internal/analysis"
	"github.com/hupe1980/saigo/internal/keyrange"
	"github.com/hupe1980/saigo/model"
)

// LiteralIndex is the live index of a literal column: a byte-sorted term
// map from analyzed terms to posting sets.
type LiteralIndex struct {
	analyzer *analysis.Analyzer
	terms    *termMap
}

// NewLiteral creates a live literal index with the column's analyzer.
func NewLiteral(analyzer *analysis.Analyzer) *LiteralIndex {
	return &LiteralIndex{analyzer: analyzer, terms: newTermMap()}
}

// Insert indexes one column value for key. Term limits are enforced here
// and surface synchronously to the writing client.
func (i *LiteralIndex) Insert(key model.PrimaryKey, value []byte) error {
	terms, err := i.analyzer.Terms(value)
	if err != nil {
		return err
	}
	for _, t := range terms {
		i.terms.add(t, key)
	}
	return nil
}

// InsertTerm indexes a pre-encoded term (collection elements, map
// entries).
func (i *LiteralIndex) InsertTerm(term []byte, key model.PrimaryKey) error {
	if len(term) > analysis.MaxFrozenTermBytes {
		return &analysis.TermSizeError{Size: len(term), Limit: analysis.MaxFrozenTermBytes}
	}
	i.terms.add(term, key)
	return nil
}

// Remove unindexes a previously inserted value, for overwrites.
func (i *LiteralIndex) Remove(key model.PrimaryKey, value []byte) error {
	terms, err := i.analyzer.Terms(value)
	if err != nil {
		return err
	}
	for _, t := range terms {
		i.terms.remove(t, key)
	}
	return nil
}

// RemoveTerm unindexes a pre-encoded term.
func (i *LiteralIndex) RemoveTerm(term []byte, key model.PrimaryKey) {
	i.terms.remove(term, key)
}

// Exact returns the keys matching term after analysis of the query value.
func (i *LiteralIndex) Exact(value []byte) (keyrange.Iterator, error) {
	terms, err := i.analyzer.Terms(value)
	if err != nil {
		return nil, err
	}
	if len(terms) == 0 {
		return keyrange.Empty, nil
	}
	// An analyzed query with several tokens matches rows containing all.
	its := make([]keyrange.Iterator, 0, len(terms))
	for _, t := range terms {
		its = append(its, i.terms.exact(t))
	}
	if len(its) == 1 {
		return its[0], nil
	}
	return keyrange.Intersection(its...), nil
}

// ExactTerm returns the keys matching a pre-encoded term.
func (i *LiteralIndex) ExactTerm(term []byte) keyrange.Iterator {
	return i.terms.exact(term)
}

// Range returns keys whose term falls within the bounds, optionally
// post-filtered by a term predicate.
func (i *LiteralIndex) Range(lower []byte, lowerInclusive bool, upper []byte, upperInclusive bool, filter func([]byte) bool) keyrange.Iterator {
	return i.terms.rangeMatch(boundOf(lower, lowerInclusive), boundOf(upper, upperInclusive), filter)
}

// AllKeys returns every indexed key, for complement queries.
func (i *LiteralIndex) AllKeys() keyrange.Iterator { return i.terms.allKeys() }

// HasKey reports whether the key was written since the last flush.
func (i *LiteralIndex) HasKey(key model.PrimaryKey) bool { return i.terms.hasKey(key) }

// Drain yields terms in sorted order for segment flush.
func (i *LiteralIndex) Drain(fn func(term []byte, keys []model.PrimaryKey) error) error {
	return i.terms.drain(fn)
}

// RowCount returns the number of (term, key) pairs.
func (i *LiteralIndex) RowCount() uint64 {
	i.terms.mu.RLock()
	defer i.terms.mu.RUnlock()
	return i.terms.rows
}
