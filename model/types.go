package model

import (
	"bytes"
	"fmt"
)

// SegmentID is the unique identifier for an index segment within one SSTable.
type SegmentID uint64

// RowID is a dense, segment-local identifier for a row.
// Valid row ids are in [0, 2^31-1); EndOfStream is the exhaustion sentinel.
type RowID uint32

// EndOfStream is returned by posting iterators once exhausted.
// It compares greater than every valid RowID.
const EndOfStream RowID = 1<<32 - 1

// MaxRowID is the largest valid row id.
const MaxRowID RowID = 1<<31 - 2

// PrimaryKey identifies a row in the host table. It is ordered first by
// token, then by partition key bytes, then by clustering bytes.
type PrimaryKey struct {
	Token      int64
	Partition  []byte
	Clustering []byte
}

// Compare returns -1, 0 or 1 ordering k against o.
func (k PrimaryKey) Compare(o PrimaryKey) int {
	if k.Token != o.Token {
		if k.Token < o.Token {
			return -1
		}
		return 1
	}
	if c := bytes.Compare(k.Partition, o.Partition); c != 0 {
		return c
	}
	return bytes.Compare(k.Clustering, o.Clustering)
}

// Equal reports whether k and o identify the same row.
func (k PrimaryKey) Equal(o PrimaryKey) bool { return k.Compare(o) == 0 }

func (k PrimaryKey) String() string {
	return fmt.Sprintf("PK(%d:%x:%x)", k.Token, k.Partition, k.Clustering)
}

// KeyRange is an inclusive primary-key interval. A nil bound is unbounded.
type KeyRange struct {
	Min *PrimaryKey
	Max *PrimaryKey
}

// Contains reports whether k falls within the range.
func (r KeyRange) Contains(k PrimaryKey) bool {
	if r.Min != nil && k.Compare(*r.Min) < 0 {
		return false
	}
	if r.Max != nil && k.Compare(*r.Max) > 0 {
		return false
	}
	return true
}

// Candidate is a scored search result. Higher scores are better matches.
type Candidate struct {
	Key   PrimaryKey
	Score float32
}
