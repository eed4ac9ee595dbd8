package memtable

import (
	"fmt"

	"github.com/hupe1980/saigo/internal/keyrange"
	"github.com/hupe1980/saigo/model"
)

// NumericIndex is the live index of a numeric column: a sorted multimap
// from byte-comparable encoded values to posting sets.
type NumericIndex struct {
	width int
	terms *termMap
}

// NewNumeric creates a live numeric index over fixed-width encoded values.
func NewNumeric(width int) *NumericIndex {
	return &NumericIndex{width: width, terms: newTermMap()}
}

// Insert indexes one encoded value for key.
func (i *NumericIndex) Insert(key model.PrimaryKey, value []byte) error {
	if len(value) != i.width {
		return fmt.Errorf("encoded numeric width %d, want %d", len(value), i.width)
	}
	i.terms.add(value, key)
	return nil
}

// Remove unindexes a previously inserted value, for overwrites.
func (i *NumericIndex) Remove(key model.PrimaryKey, value []byte) {
	i.terms.remove(value, key)
}

// Range returns keys whose value falls within the encoded bounds.
// Equality is Range(v, true, v, true).
func (i *NumericIndex) Range(lower []byte, lowerInclusive bool, upper []byte, upperInclusive bool) keyrange.Iterator {
	return i.terms.rangeMatch(boundOf(lower, lowerInclusive), boundOf(upper, upperInclusive), nil)
}

// AllKeys returns every indexed key, for complement queries.
func (i *NumericIndex) AllKeys() keyrange.Iterator { return i.terms.allKeys() }

// HasKey reports whether the key was written since the last flush.
func (i *NumericIndex) HasKey(key model.PrimaryKey) bool { return i.terms.hasKey(key) }

// Drain yields values in sorted order for segment flush.
func (i *NumericIndex) Drain(fn func(value []byte, keys []model.PrimaryKey) error) error {
	return i.terms.drain(fn)
}

// RowCount returns the number of (value, key) pairs.
func (i *NumericIndex) RowCount() uint64 {
	i.terms.mu.RLock()
	defer i.terms.mu.RUnlock()
	return i.terms.rows
}
