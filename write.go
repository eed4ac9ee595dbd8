package saigo

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/hupe1980/saigo/internal/segment"
	"github.com/hupe1980/saigo/model"
)

// Insert indexes one written row in the live indexes. Writes are
// acknowledged synchronously; term-size and vector validation errors
// surface to the writing client while the host still persists the row's
// non-indexed columns.
func (e *Engine) Insert(ctx context.Context, key model.PrimaryKey, values map[string]ColumnValue) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	for column, cv := range values {
		ci, ok := e.indexes[column]
		if !ok {
			continue
		}
		if err := e.insertLive(ci, key, cv); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) insertLive(ci *columnIndex, key model.PrimaryKey, cv ColumnValue) error {
	switch ci.col.Kind {
	case segment.KindLiteral:
		if cv.Terms != nil {
			for _, t := range cv.Terms {
				if err := ci.liveLiteral.InsertTerm(t, key); err != nil {
					return err
				}
			}
			return nil
		}
		if cv.Raw == nil {
			return nil
		}
		return ci.liveLiteral.Insert(key, cv.Raw)
	case segment.KindNumeric:
		if cv.Raw == nil {
			return nil
		}
		return ci.liveNumeric.Insert(key, cv.Raw)
	case segment.KindVector:
		if cv.Vector == nil {
			return nil
		}
		if len(cv.Vector) != ci.cfg.Dimension {
			return fmt.Errorf("%w: dimension %d, want %d", ErrInvalidVector, len(cv.Vector), ci.cfg.Dimension)
		}
		return ci.liveVector.Insert(key, cv.Vector)
	}
	return nil
}

// Update replaces a row's indexed values: old terms are unindexed before
// the new ones are applied.
func (e *Engine) Update(ctx context.Context, key model.PrimaryKey, old, new map[string]ColumnValue) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	for column, cv := range old {
		ci, ok := e.indexes[column]
		if !ok {
			continue
		}
		e.removeLive(ci, key, cv)
	}
	for column, cv := range new {
		ci, ok := e.indexes[column]
		if !ok {
			continue
		}
		if err := e.insertLive(ci, key, cv); err != nil {
			return err
		}
	}
	return nil
}

// Delete unindexes a removed row.
func (e *Engine) Delete(ctx context.Context, key model.PrimaryKey, old map[string]ColumnValue) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	for column, cv := range old {
		ci, ok := e.indexes[column]
		if !ok {
			continue
		}
		e.removeLive(ci, key, cv)
	}
	return nil
}

func (e *Engine) removeLive(ci *columnIndex, key model.PrimaryKey, cv ColumnValue) {
	switch ci.col.Kind {
	case segment.KindLiteral:
		if cv.Terms != nil {
			for _, t := range cv.Terms {
				ci.liveLiteral.RemoveTerm(t, key)
			}
			return
		}
		if cv.Raw != nil {
			ci.liveLiteral.Remove(key, cv.Raw)
		}
	case segment.KindNumeric:
		if cv.Raw != nil {
			ci.liveNumeric.Remove(key, cv.Raw)
		}
	case segment.KindVector:
		ci.liveVector.Delete(key)
	}
}

// FlushMemtable writes the live indexes as the SSTable index of the
// flushed memtable. The in-memory structures seed the segment writers
// directly; nothing is re-analyzed. Publishing the new per-SSTable index
// and retiring the live indexes happens in one step under the engine
// lock, mirroring the host's atomic memtable swap.
//
// ref.Rows must hold every row of the flushed SSTable; their keys are
// sorted here, and ref keeps the rows for later rebuilds.
func (e *Engine) FlushMemtable(ctx context.Context, ref SSTableRef) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	cis := make([]*columnIndex, 0, len(e.indexes))
	for _, ci := range e.indexes {
		cis = append(cis, ci)
	}
	e.mu.Unlock()

	ss := &sstableState{ref: ref, desc: e.descriptorFor(ref.ID)}

	cols := make([]segment.Column, 0, len(cis))
	for _, ci := range cis {
		cols = append(cols, ci.col)
	}
	b, err := segment.NewBuilder(e.fsys, ss.desc, cols, e.ctrl, e.faults, e.logger)
	if err != nil {
		return err
	}
	b.SetSingleSegment(true)

	keys := make([]model.PrimaryKey, len(ref.Rows))
	for i, row := range ref.Rows {
		keys[i] = row.Key
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })

	rowIDs := make(map[string]model.RowID, len(keys))
	for _, key := range keys {
		id, err := b.AddKey(key)
		if err != nil {
			b.Abort()
			return err
		}
		rowIDs[key.String()] = id
	}

	for _, ci := range cis {
		if err := e.drainColumn(ctx, b, ci, rowIDs); err != nil {
			b.Abort()
			return err
		}
	}
	if err := b.Finish(ctx); err != nil {
		return err
	}

	// Atomic step: publish the SSTable index and retire the live indexes.
	e.mu.Lock()
	e.sstables[ref.ID] = ss
	for _, ci := range cis {
		e.attachLive(ci)
	}
	e.mu.Unlock()

	e.logger.Info("memtable flushed", slog.String("sstable", ref.ID), slog.Int("rows", len(keys)))
	return nil
}

// drainColumn feeds one live index into the builder in sorted term order.
func (e *Engine) drainColumn(ctx context.Context, b *segment.Builder, ci *columnIndex, rowIDs map[string]model.RowID) error {
	drainTerms := func(term []byte, keys []model.PrimaryKey) error {
		for _, key := range keys {
			id, ok := rowIDs[key.String()]
			if !ok {
				continue // row deleted before flush
			}
			if err := b.AddTerm(ctx, ci.cfg.Column, term, id); err != nil {
				return err
			}
		}
		return nil
	}

	switch ci.col.Kind {
	case segment.KindLiteral:
		return ci.liveLiteral.Drain(drainTerms)
	case segment.KindNumeric:
		return ci.liveNumeric.Drain(drainTerms)
	case segment.KindVector:
		vectors, keySets := ci.liveVector.Drain()
		for i, vec := range vectors {
			for _, key := range keySets[i] {
				id, ok := rowIDs[key.String()]
				if !ok {
					continue
				}
				if err := b.AddVectorRow(ctx, ci.cfg.Column, vec, id); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return nil
}
