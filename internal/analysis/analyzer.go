// Package analysis implements the literal term pipeline: optional case
// folding, NFC normalization, ASCII folding and whitespace tokenization,
// plus the per-kind term size limits enforced at write time.
package analysis

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Term size limits, bytes. Writes exceeding them fail synchronously.
const (
	MaxLiteralTermBytes  = 1024
	MaxFrozenTermBytes   = 5 * 1024
	MaxAnalyzedRowBytes  = 8 * 1024
	MaxVectorTermBytes   = 16 * 1024
)

// ErrTermTooLarge is wrapped by TermSizeError.
var ErrTermTooLarge = errors.New("indexed term exceeds size limit")

// TermSizeError reports a rejected oversized term.
type TermSizeError struct {
	Size  int
	Limit int
}

func (e *TermSizeError) Error() string {
	return fmt.Sprintf("term of %d bytes exceeds the %d byte limit", e.Size, e.Limit)
}

func (e *TermSizeError) Unwrap() error { return ErrTermTooLarge }

// AnalyzerWhitespace is the only supported index_analyzer value.
const AnalyzerWhitespace = "whitespace"

// Options configure a literal analyzer. The zero value has case
// sensitivity off, so it lowercases terms and applies nothing else.
type Options struct {
	CaseSensitive bool // default true at the DDL layer
	Normalize     bool // NFC
	ASCII         bool // strip combining marks after NFD
	Analyzer      string
	Frozen        bool // frozen-collection terms use the larger limit
}

// Analyzer turns a column value into its indexed terms.
type Analyzer struct {
	opts  Options
	fold  transform.Transformer
	limit int
}

// New validates options and builds the pipeline.
func New(opts Options) (*Analyzer, error) {
	if opts.Analyzer != "" && opts.Analyzer != AnalyzerWhitespace {
		return nil, fmt.Errorf("unknown index_analyzer %q", opts.Analyzer)
	}
	a := &Analyzer{opts: opts, limit: MaxLiteralTermBytes}
	if opts.Frozen {
		a.limit = MaxFrozenTermBytes
	}
	if opts.ASCII {
		a.fold = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	}
	return a, nil
}

// Terms produces the indexed terms for one row value. The whitespace
// analyzer emits one term per token, all sharing the row's id; the
// cumulative analyzed size per row is bounded.
func (a *Analyzer) Terms(value []byte) ([][]byte, error) {
	s := string(value)
	if !a.opts.CaseSensitive {
		s = strings.ToLower(s)
	}
	if a.opts.Normalize {
		s = norm.NFC.String(s)
	}
	if a.fold != nil {
		folded, _, err := transform.String(a.fold, s)
		if err != nil {
			return nil, err
		}
		s = folded
	}

	if a.opts.Analyzer == AnalyzerWhitespace {
		fields := strings.Fields(s)
		total := 0
		terms := make([][]byte, 0, len(fields))
		for _, f := range fields {
			if len(f) > a.limit {
				return nil, &TermSizeError{Size: len(f), Limit: a.limit}
			}
			total += len(f)
			if total > MaxAnalyzedRowBytes {
				return nil, &TermSizeError{Size: total, Limit: MaxAnalyzedRowBytes}
			}
			terms = append(terms, []byte(f))
		}
		return terms, nil
	}

	if len(s) > a.limit {
		return nil, &TermSizeError{Size: len(s), Limit: a.limit}
	}
	return [][]byte{[]byte(s)}, nil
}

// EncodeMapEntry builds the ENTRIES term: a delimiter-free byte-comparable
// concatenation of key and value with length framing.
func EncodeMapEntry(key, value []byte) []byte {
	out := make([]byte, 0, len(key)+len(value)+10)
	out = binary.AppendUvarint(out, uint64(len(key)))
	out = append(out, key...)
	out = append(out, value...)
	return out
}
