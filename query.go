package saigo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hupe1980/saigo/internal/analysis"
	"github.com/hupe1980/saigo/internal/keyrange"
	"github.com/hupe1980/saigo/internal/keystore"
	"github.com/hupe1980/saigo/internal/postings"
	"github.com/hupe1980/saigo/internal/segment"
	"github.com/hupe1980/saigo/internal/storage"
	"github.com/hupe1980/saigo/internal/trie"
	"github.com/hupe1980/saigo/internal/vector"
	"github.com/hupe1980/saigo/model"
)

// Result is one page of query output. Keys are in primary-key order for
// unordered queries and in descending score order for ANN queries (then
// also present in Candidates with scores). Page is nil when the stream is
// exhausted.
type Result struct {
	Keys       []model.PrimaryKey
	Candidates []model.Candidate
	Page       *PageState
}

// Query plans and executes a predicate conjunction with optional ANN
// ordering, returning one page of primary keys.
func (e *Engine) Query(ctx context.Context, q Query) (*Result, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, ErrClosed
	}
	sstables := make([]*sstableState, 0, len(e.sstables))
	for _, ss := range e.sstables {
		sstables = append(sstables, ss)
	}
	e.mu.RUnlock()
	sort.Slice(sstables, func(i, j int) bool { return sstables[i].ref.ID < sstables[j].ref.ID })

	limit := q.Limit
	if limit <= 0 {
		limit = 1 << 20
	}
	pageCap := q.PageSize
	if pageCap <= 0 || pageCap > limit {
		pageCap = limit
	}

	// Resolve and gate every touched index before consulting a searcher.
	exprs := make([]Expression, 0, len(q.Expressions))
	indexed := make([]*columnIndex, 0, len(q.Expressions))
	for _, expr := range q.Expressions {
		ci, err := e.gateIndex(ctx, expr.Column, q.AllowFiltering)
		if err != nil {
			if errors.Is(err, ErrIndexNotFound) && q.AllowFiltering {
				continue // host post-filters the unindexed clause
			}
			return nil, err
		}
		if !operatorAccepted(ci.cfg.Kind, ci.cfg.Target, expr.Operator) {
			if !q.AllowFiltering {
				return nil, &OperatorError{Column: expr.Column, Operator: expr.Operator}
			}
			// ALLOW FILTERING: the clause degrades to all indexed rows.
			expr = Expression{Column: expr.Column, Operator: opAllIndexed}
		}
		exprs = append(exprs, expr)
		indexed = append(indexed, ci)
	}

	var order *columnIndex
	if q.Order != nil {
		ci, err := e.gateIndex(ctx, q.Order.Column, q.AllowFiltering)
		if err != nil {
			return nil, err
		}
		if !operatorAccepted(ci.cfg.Kind, ci.cfg.Target, q.Order.Operator) {
			return nil, &OperatorError{Column: q.Order.Column, Operator: q.Order.Operator}
		}
		if q.Order.GeoRadius > 0 && (ci.opts.similarity != vector.Euclidean || ci.cfg.Dimension != 2) {
			// GEO_DISTANCE is defined for 2-D euclidean indexes only.
			return nil, &OperatorError{Column: q.Order.Column, Operator: q.Order.Operator}
		}
		order = ci
	}

	checkpoint := func() error { return ctx.Err() }

	// Build the cross-column intersection of per-column iterators.
	var predicate keyrange.Iterator
	if len(exprs) > 0 {
		columnIters := make([]keyrange.Iterator, 0, len(exprs))
		for i, expr := range exprs {
			it, err := e.columnIterator(ctx, indexed[i], expr, sstables, q.AllowFiltering, checkpoint)
			if err != nil {
				for _, open := range columnIters {
					open.Close()
				}
				return nil, err
			}
			columnIters = append(columnIters, it)
		}
		predicate = keyrange.Intersection(columnIters...)
		predicate = keyrange.Filter(predicate, q.Range)
	}

	if order != nil {
		return e.executeOrdered(ctx, q, order, predicate, sstables, limit, pageCap)
	}
	if predicate == nil {
		return nil, fmt.Errorf("%w: query has no indexed clause", ErrIndexNotFound)
	}
	defer predicate.Close()
	return e.executeUnordered(ctx, q, predicate, pageCap)
}

// opAllIndexed is the internal degraded operator under ALLOW FILTERING.
const opAllIndexed Operator = -1

// gateIndex resolves a column's index and enforces the build gate: a
// query waits on an in-progress initial build up to the configured
// bound, and fails fast on failed builds or corrupt components.
func (e *Engine) gateIndex(ctx context.Context, column string, allowFiltering bool) (*columnIndex, error) {
	e.mu.RLock()
	ci, ok := e.indexes[column]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no index on column %q", ErrIndexNotFound, column)
	}

	select {
	case <-ci.built:
	default:
		wait := e.opts.BuildWait
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ci.built:
		case <-timer.C:
			return nil, fmt.Errorf("%w: column %q", ErrIndexBuilding, column)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if ci.buildErr != nil {
		return nil, fmt.Errorf("%w: initial build failed: %v", ErrIndexNotQueryable, ci.buildErr)
	}
	if len(ci.nonQueryable) > 0 && !allowFiltering {
		return nil, fmt.Errorf("%w: column %q has corrupt sstable components", ErrIndexNotQueryable, column)
	}
	return ci, nil
}

// searcherFor opens (or reuses) the column searcher of one SSTable.
// Corruption marks the column non-queryable and surfaces ErrCorrupt.
func (e *Engine) searcherFor(ci *columnIndex, ss *sstableState, checkpoint func() error) (*segment.ColumnSearcher, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if s, ok := ss.searchers[ci.cfg.Column]; ok {
		s.SetCheckpoint(checkpoint)
		return s, nil
	}
	if ss.keys == nil {
		keys, err := keystore.Open(e.fsys, ss.desc)
		if err != nil {
			if errors.Is(err, storage.ErrCorrupt) {
				e.markNonQueryable(ci, ss.ref.ID)
			}
			return nil, err
		}
		ss.keys = keys
	}
	s, err := segment.OpenColumn(e.fsys, ss.desc, ci.col, ss.keys, e.faults)
	if err != nil {
		if errors.Is(err, storage.ErrCorrupt) {
			e.markNonQueryable(ci, ss.ref.ID)
		}
		return nil, err
	}
	if ss.searchers == nil {
		ss.searchers = make(map[string]*segment.ColumnSearcher)
	}
	ss.searchers[ci.cfg.Column] = s
	s.SetCheckpoint(checkpoint)
	return s, nil
}

// liveShadow returns the predicate that hides SSTable postings for keys
// the live index has overwritten since the flush.
func (ci *columnIndex) liveShadow() func(model.PrimaryKey) bool {
	return func(key model.PrimaryKey) bool {
		switch {
		case ci.liveLiteral != nil:
			return !ci.liveLiteral.HasKey(key)
		case ci.liveNumeric != nil:
			return !ci.liveNumeric.HasKey(key)
		case ci.liveVector != nil:
			return !ci.liveVector.HasKey(key)
		}
		return true
	}
}

// columnIterator builds the per-column union across the memtable and
// every queryable SSTable.
func (e *Engine) columnIterator(ctx context.Context, ci *columnIndex, expr Expression, sstables []*sstableState, allowFiltering bool, checkpoint func() error) (keyrange.Iterator, error) {
	if expr.Operator.negated() {
		positive := expr
		positive.Operator = expr.Operator.complementOf()
		match, err := e.columnIterator(ctx, ci, positive, sstables, allowFiltering, checkpoint)
		if err != nil {
			return nil, err
		}
		universe, err := e.universeIterator(ci, sstables, checkpoint)
		if err != nil {
			match.Close()
			return nil, err
		}
		return keyrange.Difference(universe, match), nil
	}

	sources := make([]keyrange.Iterator, 0, len(sstables)+1)

	mem, err := e.memIterator(ci, expr)
	if err != nil {
		return nil, err
	}
	if mem != nil {
		sources = append(sources, mem)
	}

	shadow := ci.liveShadow()
	for _, ss := range sstables {
		if e.isNonQueryable(ci, ss.ref.ID) {
			continue // excluded; a rebuild restores it
		}
		s, err := e.searcherFor(ci, ss, checkpoint)
		if errors.Is(err, segment.ErrAbsent) {
			continue
		}
		if err != nil {
			closeIters(sources)
			return nil, err
		}
		it, err := e.sstableIterator(ci, s, expr)
		if err != nil {
			closeIters(sources)
			return nil, err
		}
		sources = append(sources, keyrange.FilterFunc(it, shadow))
	}
	return keyrange.Union(sources...), nil
}

func closeIters(iters []keyrange.Iterator) {
	for _, it := range iters {
		it.Close()
	}
}

// universeIterator yields every row of the view: all SSTable rows plus
// every key the live index has seen.
func (e *Engine) universeIterator(ci *columnIndex, sstables []*sstableState, checkpoint func() error) (keyrange.Iterator, error) {
	sources := []keyrange.Iterator{e.memUniverse(ci)}
	for _, ss := range sstables {
		if e.isNonQueryable(ci, ss.ref.ID) {
			continue
		}
		ss.mu.Lock()
		if ss.keys == nil {
			keys, err := keystore.Open(e.fsys, ss.desc)
			if err != nil {
				ss.mu.Unlock()
				if errors.Is(err, storage.ErrCorrupt) {
					e.markNonQueryable(ci, ss.ref.ID)
				}
				closeIters(sources)
				return nil, err
			}
			ss.keys = keys
		}
		keys := ss.keys
		ss.mu.Unlock()
		all := keyrange.FromPostings(postings.NewSeq(model.RowID(keys.Count())), keys)
		sources = append(sources, all)
	}
	return keyrange.Union(sources...), nil
}

func (e *Engine) memUniverse(ci *columnIndex) keyrange.Iterator {
	switch {
	case ci.liveLiteral != nil:
		return ci.liveLiteral.AllKeys()
	case ci.liveNumeric != nil:
		return ci.liveNumeric.AllKeys()
	}
	return keyrange.Empty
}

// memIterator evaluates an expression against the live index.
func (e *Engine) memIterator(ci *columnIndex, expr Expression) (keyrange.Iterator, error) {
	if expr.Operator == opAllIndexed {
		return e.memUniverse(ci), nil
	}
	switch ci.col.Kind {
	case segment.KindLiteral:
		live := ci.liveLiteral
		switch expr.Operator {
		case OpEqual:
			if ci.cfg.Target == TargetFull {
				return live.ExactTerm(expr.Value), nil
			}
			return live.Exact(expr.Value)
		case OpContains, OpContainsKey:
			return live.ExactTerm(analyzedElement(ci, expr.Value)), nil
		case OpEntryEqual:
			return live.ExactTerm(entryTerm(expr)), nil
		default:
			lower, lowInc, upper, upInc := boundsOf(expr)
			low, _ := analyzeOperand(ci, lower)
			up, _ := analyzeOperand(ci, upper)
			return live.Range(low, lowInc, up, upInc, nil), nil
		}
	case segment.KindNumeric:
		lower, lowInc, upper, upInc := boundsOf(expr)
		return ci.liveNumeric.Range(lower, lowInc, upper, upInc), nil
	}
	return nil, nil
}

// sstableIterator evaluates an expression against one SSTable searcher.
func (e *Engine) sstableIterator(ci *columnIndex, s *segment.ColumnSearcher, expr Expression) (keyrange.Iterator, error) {
	if expr.Operator == opAllIndexed {
		return s.AllKeys()
	}
	switch ci.col.Kind {
	case segment.KindLiteral:
		switch expr.Operator {
		case OpEqual:
			if ci.cfg.Target == TargetFull {
				return s.ExactMatch(expr.Value)
			}
			term, err := analyzeOperand(ci, expr.Value)
			if err != nil {
				return nil, err
			}
			return s.ExactMatch(term)
		case OpContains, OpContainsKey:
			return s.ExactMatch(analyzedElement(ci, expr.Value))
		case OpEntryEqual:
			return s.ExactMatch(entryTerm(expr))
		default:
			lower, lowInc, upper, upInc := boundsOf(expr)
			low, _ := analyzeOperand(ci, lower)
			up, _ := analyzeOperand(ci, upper)
			return s.RangeMatch(trie.Bound{Value: low, Inclusive: lowInc}, trie.Bound{Value: up, Inclusive: upInc}, nil)
		}
	case segment.KindNumeric:
		lower, lowInc, upper, upInc := boundsOf(expr)
		low, up, empty := inclusiveNumericBounds(lower, lowInc, upper, upInc)
		if empty {
			return keyrange.Empty, nil
		}
		return s.NumericRange(low, up)
	}
	return keyrange.Empty, nil
}

// boundsOf normalizes an expression into range bounds over its encoded
// operand space.
func boundsOf(expr Expression) (lower []byte, lowerInclusive bool, upper []byte, upperInclusive bool) {
	switch expr.Operator {
	case OpEqual:
		return expr.Value, true, expr.Value, true
	case OpLessThan:
		return nil, false, expr.Value, false
	case OpLessThanOrEqual:
		return nil, false, expr.Value, true
	case OpGreaterThan:
		if expr.Upper != nil {
			return expr.Value, false, expr.Upper, expr.UpperInclusive
		}
		return expr.Value, false, nil, false
	case OpGreaterThanOrEqual:
		if expr.Upper != nil {
			return expr.Value, true, expr.Upper, expr.UpperInclusive
		}
		return expr.Value, true, nil, false
	}
	return expr.Value, expr.LowerInclusive, expr.Upper, expr.UpperInclusive
}

// inclusiveNumericBounds converts exclusive fixed-width bounds to the
// inclusive form the kd-tree takes. empty reports an unsatisfiable range.
func inclusiveNumericBounds(lower []byte, lowInc bool, upper []byte, upInc bool) (low, up []byte, empty bool) {
	low, up = lower, upper
	if lower != nil && !lowInc {
		s, overflow := byteSuccessor(lower)
		if overflow {
			return nil, nil, true
		}
		low = s
	}
	if upper != nil && !upInc {
		p, underflow := bytePredecessor(upper)
		if underflow {
			return nil, nil, true
		}
		up = p
	}
	return low, up, false
}

func byteSuccessor(b []byte) ([]byte, bool) {
	out := append([]byte(nil), b...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out, false
		}
		out[i] = 0
	}
	return nil, true
}

func bytePredecessor(b []byte) ([]byte, bool) {
	out := append([]byte(nil), b...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0x00 {
			out[i]--
			return out, false
		}
		out[i] = 0xFF
	}
	return nil, true
}

// analyzeOperand runs a query operand through the column's analyzer so
// comparisons happen in indexed-term space.
func analyzeOperand(ci *columnIndex, value []byte) ([]byte, error) {
	if value == nil || ci.col.Analyzer == nil {
		return value, nil
	}
	terms, err := ci.col.Analyzer.Terms(value)
	if err != nil {
		return nil, err
	}
	if len(terms) == 0 {
		return []byte{}, nil
	}
	return terms[0], nil
}

// analyzedElement encodes a collection element operand.
func analyzedElement(ci *columnIndex, value []byte) []byte {
	term, err := analyzeOperand(ci, value)
	if err != nil {
		return value
	}
	return term
}

func entryTerm(expr Expression) []byte {
	return analysis.EncodeMapEntry(expr.MapKey, expr.Value)
}

// executeUnordered drains the predicate in key order with partition-based
// paging.
func (e *Engine) executeUnordered(ctx context.Context, q Query, predicate keyrange.Iterator, pageCap int) (*Result, error) {
	res := &Result{}

	var key model.PrimaryKey
	var ok bool
	if q.Page != nil && q.Page.AfterPartition != nil {
		// Resume at the partition key following the last returned one.
		resume := model.PrimaryKey{
			Token:     q.Page.AfterToken,
			Partition: append(append([]byte(nil), q.Page.AfterPartition...), 0x00),
		}
		key, ok = predicate.Advance(resume)
	} else {
		key, ok = predicate.Next()
	}

	for ok {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Keys = append(res.Keys, key)
		if len(res.Keys) >= pageCap {
			// Check for more rows beyond this page.
			if _, more := predicate.Next(); more {
				last := res.Keys[len(res.Keys)-1]
				res.Page = &PageState{AfterToken: last.Token, AfterPartition: last.Partition, valid: true}
			}
			return res, nil
		}
		key, ok = predicate.Next()
	}
	return res, nil
}

// executeOrdered runs the ANN pipeline: per-SSTable and memtable top-k,
// optionally restricted to the predicate's candidates, merged globally by
// score.
func (e *Engine) executeOrdered(ctx context.Context, q Query, order *columnIndex, predicate keyrange.Iterator, sstables []*sstableState, limit, pageCap int) (*Result, error) {
	checkpoint := func() error { return ctx.Err() }

	// Filter-then-sort: materialize the candidate keys of the non-ANN
	// clauses first.
	var candidateKeys []model.PrimaryKey
	var candidateSet map[string]bool
	if predicate != nil {
		defer predicate.Close()
		candidateKeys = keyrange.Drain(predicate)
		candidateSet = make(map[string]bool, len(candidateKeys))
		for _, k := range candidateKeys {
			candidateSet[k.String()] = true
		}
		if len(candidateKeys) == 0 {
			return &Result{}, nil
		}
	}

	type scoredKey struct {
		key   model.PrimaryKey
		score float32
	}
	best := make(map[string]scoredKey)

	consider := func(c model.Candidate) {
		raw := c.Key.String()
		if prev, ok := best[raw]; !ok || c.Score > prev.score {
			best[raw] = scoredKey{key: c.Key, score: c.Score}
		}
	}

	// Memtable: the live graph already sees only current rows.
	var keep func(model.PrimaryKey) bool
	if candidateSet != nil {
		keep = func(k model.PrimaryKey) bool { return candidateSet[k.String()] }
	}
	memResults, err := order.liveVector.Search(q.Order.Vector, limit, keep)
	if err != nil {
		return nil, err
	}
	for _, c := range memResults {
		consider(c)
	}

	// SSTables: per-segment top-k, shadowed by live overwrites.
	shadow := order.liveShadow()
	for _, ss := range sstables {
		if e.isNonQueryable(order, ss.ref.ID) {
			continue
		}
		s, err := e.searcherFor(order, ss, checkpoint)
		if errors.Is(err, segment.ErrAbsent) {
			continue
		}
		if err != nil {
			return nil, err
		}

		var rowCandidates []model.RowID
		if candidateKeys != nil {
			ss.mu.Lock()
			keys := ss.keys
			ss.mu.Unlock()
			for _, k := range candidateKeys {
				id, ok, err := keys.RowID(k)
				if err != nil {
					return nil, err
				}
				if ok {
					rowCandidates = append(rowCandidates, id)
				}
			}
			if len(rowCandidates) == 0 {
				continue
			}
		}
		results, err := s.TopK(q.Order.Vector, limit, rowCandidates)
		if err != nil {
			return nil, err
		}
		for _, c := range results {
			if !shadow(c.Key) {
				continue
			}
			consider(c)
		}
	}

	merged := make([]scoredKey, 0, len(best))
	minScore := float32(0)
	if r := q.Order.GeoRadius; r > 0 {
		// Euclidean scores are 1/(1+d^2); a radius cut keeps d < r.
		minScore = float32(1 / (1 + r*r))
	}
	for _, sk := range best {
		if minScore > 0 && sk.score <= minScore {
			continue
		}
		merged = append(merged, sk)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].score > merged[j].score })
	if len(merged) > limit {
		merged = merged[:limit]
	}

	offset := 0
	if q.Page != nil {
		offset = q.Page.RankOffset
	}
	if offset > len(merged) {
		offset = len(merged)
	}
	page := merged[offset:]
	if len(page) > pageCap {
		page = page[:pageCap]
	}

	res := &Result{}
	for _, sk := range page {
		res.Keys = append(res.Keys, sk.key)
		res.Candidates = append(res.Candidates, model.Candidate{Key: sk.key, Score: sk.score})
	}
	if offset+len(page) < len(merged) {
		res.Page = &PageState{RankOffset: offset + len(page), valid: true}
	}
	return res, nil
}

