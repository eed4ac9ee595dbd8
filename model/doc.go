// Package model defines core types used throughout the index engine.
//
// # Identity Types
//
//   - RowID: Dense, per-SSTable-segment row identifier (uint32)
//   - SegmentID: Unique identifier for an index segment within one SSTable
//   - PrimaryKey: (token, partition key, clustering) tuple owned by the host
//
// # Data Types
//
//   - Candidate: ANN search result with primary key and score
//   - KeyRange: Inclusive primary-key bounds used for range filtering
package model
