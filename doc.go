// Package saigo implements a storage-attached secondary index engine for
// a wide-column host database: per-SSTable on-disk indexes plus a
// per-memtable live index, queried through a boolean posting-list
// iterator algebra.
//
// # Index kinds
//
//   - Literal: byte-comparable term dictionary + block-compressed
//     postings; exact and range lookup, collection targets (KEYS, VALUES,
//     ENTRIES, FULL), configurable case folding, NFC normalization,
//     ASCII folding and whitespace tokenization.
//   - Numeric: one-dimensional block KD-tree over fixed-width
//     byte-comparable keys with leaf and sampled internal posting lists.
//   - Vector: incremental on-heap graph for the memtable, on-disk ANN
//     graph with product quantization, ordered by cosine, dot-product or
//     euclidean similarity.
//
// # Lifecycle
//
// The host owns SSTables and memtables; the engine mirrors them. Writes
// update live indexes synchronously; a memtable flush seeds the segment
// writers from the live structures and publishes the per-SSTable index
// atomically. Components are footer-checksummed and guarded by
// completion markers; corruption marks the column non-queryable until a
// rebuild reconstructs it.
//
// # Querying
//
//	res, err := engine.Query(ctx, saigo.Query{
//	    Expressions: []saigo.Expression{{Column: "v", Operator: saigo.OpEqual, Value: []byte("camel")}},
//	    Limit:       10,
//	})
//
// ANN ordering uses filter-then-sort: the non-ANN clauses produce a
// candidate set, each segment picks brute force or filtered graph search
// by cost, and per-segment top-k results merge globally by score.
package saigo
