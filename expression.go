package saigo

import "github.com/hupe1980/saigo/model"

// Operator is a predicate operator over one indexed column.
type Operator int

const (
	OpEqual Operator = iota
	OpNotEqual
	OpLessThan
	OpLessThanOrEqual
	OpGreaterThan
	OpGreaterThanOrEqual
	OpContains
	OpNotContains
	OpContainsKey
	OpNotContainsKey
	OpEntryEqual // m[k] = v
	OpANN
)

func (o Operator) String() string {
	switch o {
	case OpEqual:
		return "="
	case OpNotEqual:
		return "!="
	case OpLessThan:
		return "<"
	case OpLessThanOrEqual:
		return "<="
	case OpGreaterThan:
		return ">"
	case OpGreaterThanOrEqual:
		return ">="
	case OpContains:
		return "CONTAINS"
	case OpNotContains:
		return "NOT CONTAINS"
	case OpContainsKey:
		return "CONTAINS KEY"
	case OpNotContainsKey:
		return "NOT CONTAINS KEY"
	case OpEntryEqual:
		return "[key] ="
	case OpANN:
		return "ANN OF"
	}
	return "?"
}

// negated reports whether the operator is complement-evaluated.
func (o Operator) negated() bool {
	switch o {
	case OpNotEqual, OpNotContains, OpNotContainsKey:
		return true
	}
	return false
}

// complementOf returns the positive operator whose postings the
// complement subtracts.
func (o Operator) complementOf() Operator {
	switch o {
	case OpNotEqual:
		return OpEqual
	case OpNotContains:
		return OpContains
	case OpNotContainsKey:
		return OpContainsKey
	}
	return o
}

// Target selects the indexed part of a collection column.
type Target int

const (
	TargetValue Target = iota
	TargetKeys
	TargetValues
	TargetEntries
	TargetFull
)

func (t Target) String() string {
	switch t {
	case TargetKeys:
		return "KEYS"
	case TargetValues:
		return "VALUES"
	case TargetEntries:
		return "ENTRIES"
	case TargetFull:
		return "FULL"
	default:
		return "VALUE"
	}
}

// Expression is one column clause of a query's conjunction.
type Expression struct {
	Column   string
	Operator Operator

	// Value is the encoded operand: the analyzed-comparable literal
	// bytes, the fixed-width numeric encoding, or a collection element.
	Value []byte

	// Upper, with Value as lower, forms a range operand; bounds mirror
	// the operator pair that produced them (BETWEEN is two inclusive
	// bounds).
	Upper          []byte
	LowerInclusive bool
	UpperInclusive bool

	// MapKey is the key operand of an ENTRIES equality.
	MapKey []byte

	// Vector is the ANN operand.
	Vector []float32

	// GeoRadius, when positive on an ANN ordering over a 2-D euclidean
	// index, keeps only results within that euclidean distance
	// (GEO_DISTANCE(vec, q) < r).
	GeoRadius float64
}

// Query is a conjunction of clauses with optional ANN ordering, key-range
// restriction, limit and paging.
type Query struct {
	Expressions []Expression

	// Order, when non-nil, is the ANN ordering clause.
	Order *Expression

	// Range restricts results to a token/partition range.
	Range model.KeyRange

	Limit    int
	PageSize int

	// AllowFiltering downgrades unsupported-operator rejections to a
	// full-index scan that the host post-filters.
	AllowFiltering bool

	// Page resumes a paged query.
	Page *PageState
}

// PageState carries paging resumption: queries resume at the partition
// key following the last returned row's partition key, so page
// boundaries coarsen at partition boundaries. ANN-ordered queries resume
// by rank offset instead.
type PageState struct {
	AfterToken     int64
	AfterPartition []byte
	RankOffset     int
	valid          bool
}

// operatorAccepted implements the acceptance matrix: which operators each
// index kind and target serves natively.
func operatorAccepted(kind IndexKind, target Target, op Operator) bool {
	if op.negated() {
		// Complements are evaluated against the positive operator.
		op = op.complementOf()
	}
	switch kind {
	case IndexLiteral:
		switch target {
		case TargetKeys:
			return op == OpContainsKey
		case TargetValues:
			return op == OpContains
		case TargetEntries:
			return op == OpEntryEqual
		case TargetFull:
			return op == OpEqual
		default:
			switch op {
			case OpEqual:
				return true
			case OpLessThan, OpLessThanOrEqual, OpGreaterThan, OpGreaterThanOrEqual:
				// Range only for ordered types; the host guarantees the
				// encoding is order-preserving when it offers ranges.
				return true
			}
			return false
		}
	case IndexNumeric:
		switch op {
		case OpEqual, OpLessThan, OpLessThanOrEqual, OpGreaterThan, OpGreaterThanOrEqual:
			return true
		}
		return false
	case IndexVector:
		return op == OpANN
	}
	return false
}
