package trie

import (
	"bytes"
)

// Bound is one side of a term range. A nil Value is unbounded.
type Bound struct {
	Value     []byte
	Inclusive bool
}

// Cursor iterates (term, postings offset) pairs in sorted order within a
// range. Reverse cursors yield descending order.
type Cursor struct {
	tr      *Reader
	reverse bool
	lower   Bound
	upper   Bound

	blockIdx int
	entries  []entry
	pos      int
	started  bool
	err      error
}

// Cursor returns a range cursor over [lower, upper]. Zero-valued bounds
// are unbounded.
func (tr *Reader) Cursor(lower, upper Bound) *Cursor {
	return &Cursor{tr: tr, lower: lower, upper: upper}
}

// All returns a full-scan cursor, reversed if requested. Used during
// segment merging at compaction.
func (tr *Reader) All(reverse bool) *Cursor {
	return &Cursor{tr: tr, reverse: reverse}
}

// Err returns the first IO error the cursor hit, if any.
func (c *Cursor) Err() error { return c.err }

// Next returns the next pair within bounds. ok is false once exhausted.
func (c *Cursor) Next() (term []byte, postingsOffset uint64, ok bool) {
	if c.err != nil {
		return nil, 0, false
	}
	if !c.started {
		if !c.seekStart() {
			return nil, 0, false
		}
		c.started = true
	}
	for {
		if c.pos < 0 || c.pos >= len(c.entries) {
			if !c.nextBlock() {
				return nil, 0, false
			}
			continue
		}
		e := c.entries[c.pos]
		if c.reverse {
			c.pos--
		} else {
			c.pos++
		}
		if !c.inBounds(e.term) {
			if c.pastEnd(e.term) {
				return nil, 0, false
			}
			continue
		}
		return e.term, e.off, true
	}
}

func (c *Cursor) inBounds(term []byte) bool {
	if c.lower.Value != nil {
		cmp := bytes.Compare(term, c.lower.Value)
		if cmp < 0 || (cmp == 0 && !c.lower.Inclusive) {
			return false
		}
	}
	if c.upper.Value != nil {
		cmp := bytes.Compare(term, c.upper.Value)
		if cmp > 0 || (cmp == 0 && !c.upper.Inclusive) {
			return false
		}
	}
	return true
}

// pastEnd reports whether term is beyond the end bound in scan direction,
// meaning the cursor can stop rather than skip.
func (c *Cursor) pastEnd(term []byte) bool {
	if c.reverse {
		return c.lower.Value != nil && bytes.Compare(term, c.lower.Value) < 0
	}
	return c.upper.Value != nil && bytes.Compare(term, c.upper.Value) > 0
}

func (c *Cursor) seekStart() bool {
	tr := c.tr
	if len(tr.blockKeys) == 0 {
		return false
	}
	if c.reverse {
		start := tr.maxTerm
		if c.upper.Value != nil && bytes.Compare(c.upper.Value, start) < 0 {
			start = c.upper.Value
		}
		c.blockIdx = tr.blockFor(start)
		if c.blockIdx < 0 {
			return false
		}
	} else {
		start := tr.minTerm
		if c.lower.Value != nil && bytes.Compare(c.lower.Value, start) > 0 {
			start = c.lower.Value
		}
		c.blockIdx = tr.blockFor(start)
		if c.blockIdx < 0 {
			c.blockIdx = 0
		}
	}
	var err error
	c.entries, err = tr.decodeBlock(c.blockIdx)
	if err != nil {
		c.err = err
		return false
	}
	if c.reverse {
		c.pos = len(c.entries) - 1
	} else {
		c.pos = 0
	}
	return true
}

func (c *Cursor) nextBlock() bool {
	if c.reverse {
		c.blockIdx--
		if c.blockIdx < 0 {
			return false
		}
	} else {
		c.blockIdx++
		if c.blockIdx >= len(c.tr.blockKeys) {
			return false
		}
	}
	var err error
	c.entries, err = c.tr.decodeBlock(c.blockIdx)
	if err != nil {
		c.err = err
		return false
	}
	if c.reverse {
		c.pos = len(c.entries) - 1
	} else {
		c.pos = 0
	}
	return true
}
