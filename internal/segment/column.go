// Package segment implements the per-SSTable index lifecycle: the
// bounded-memory segment builder, per-column segment metadata, and the
// searchers serving queries over completed SSTable indexes.
package segment

import (
	"github.com/hupe1980/saigo/internal/analysis"
	"github.com/hupe1980/saigo/internal/bkd"
	"github.com/hupe1980/saigo/internal/storage"
	"github.com/hupe1980/saigo/internal/vector"
	"github.com/hupe1980/saigo/model"
)

// Kind discriminates the index structure of a column.
type Kind int

const (
	KindLiteral Kind = iota
	KindNumeric
	KindVector
)

func (k Kind) String() string {
	switch k {
	case KindLiteral:
		return "literal"
	case KindNumeric:
		return "numeric"
	default:
		return "vector"
	}
}

// Components returns the per-column component set of the kind.
func (k Kind) Components() []storage.ComponentType {
	switch k {
	case KindLiteral:
		return storage.LiteralComponents
	case KindNumeric:
		return storage.NumericComponents
	default:
		return storage.VectorComponents
	}
}

// Column describes one indexed column to the builder and searchers.
type Column struct {
	Name string
	Kind Kind

	// Literal configuration.
	Analyzer *analysis.Analyzer

	// Numeric configuration.
	BKD bkd.Config

	// Vector configuration.
	Vector vector.WriterConfig
}

// ColumnValue is one row's contribution to a column index.
type ColumnValue struct {
	// Raw is the plain column value run through the analyzer (literal)
	// or the fixed-width encoding (numeric). Nil means null.
	Raw []byte

	// Terms carries pre-encoded element terms for collection columns
	// (KEYS, VALUES, ENTRIES); when set, Raw is ignored.
	Terms [][]byte

	// Vector is the row's vector for vector columns. Nil means null.
	Vector []float32
}

// Row is one input row of a build, delivered in primary-key order.
type Row struct {
	Key     model.PrimaryKey
	Columns map[string]ColumnValue
}
