package memtable

import (
	"sort"
	"sync"

	"github.com/hupe1980/saigo/internal/analysis"
	"github.com/hupe1980/saigo/internal/vector"
	"github.com/hupe1980/saigo/model"
)

// VectorIndex is the live index of a vector column: the incremental
// on-heap graph plus the ordinal <-> primary-key attachments. A vector
// shared by several rows occupies one graph node.
type VectorIndex struct {
	graph *vector.Graph

	mu       sync.RWMutex
	rowsOf   map[uint32]map[string]model.PrimaryKey
	ordOf    map[string]uint32
	vecOf    map[string][]float32 // per key, for overwrite detachment
}

// NewVector creates a live vector index.
func NewVector(cfg vector.GraphConfig) *VectorIndex {
	return &VectorIndex{
		graph:  vector.NewGraph(cfg),
		rowsOf: make(map[uint32]map[string]model.PrimaryKey),
		ordOf:  make(map[string]uint32),
		vecOf:  make(map[string][]float32),
	}
}

// Insert indexes vec for key, replacing any previous vector of the key.
func (i *VectorIndex) Insert(key model.PrimaryKey, vec []float32) error {
	if len(vec)*4 > analysis.MaxVectorTermBytes {
		return &analysis.TermSizeError{Size: len(vec) * 4, Limit: analysis.MaxVectorTermBytes}
	}
	ord, _, err := i.graph.Add(vec)
	if err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	raw := keyString(key)
	if prev, had := i.ordOf[raw]; had {
		if prev == ord {
			// Same vector as before: the key stays on its node.
			i.vecOf[raw] = vec
			return nil
		}
		i.detachLocked(raw)
	}
	rows := i.rowsOf[ord]
	if rows == nil {
		rows = make(map[string]model.PrimaryKey)
		i.rowsOf[ord] = rows
	}
	rows[raw] = key
	i.ordOf[raw] = ord
	i.vecOf[raw] = vec
	return nil
}

// Delete removes key's row from its node; an emptied node is tombstoned.
func (i *VectorIndex) Delete(key model.PrimaryKey) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.detachLocked(keyString(key))
}

func (i *VectorIndex) detachLocked(raw string) {
	ord, ok := i.ordOf[raw]
	if !ok {
		return
	}
	delete(i.ordOf, raw)
	delete(i.vecOf, raw)
	rows := i.rowsOf[ord]
	delete(rows, raw)
	if len(rows) == 0 {
		delete(i.rowsOf, ord)
		i.graph.Remove(ord)
	}
}

// Search returns up to limit candidates in descending score order. keep,
// when non-nil, restricts results to accepted keys. Ordinals whose row
// set empties mid-query are skipped.
func (i *VectorIndex) Search(q []float32, limit int, keep func(model.PrimaryKey) bool) ([]model.Candidate, error) {
	filter := func(ord uint32) bool {
		i.mu.RLock()
		defer i.mu.RUnlock()
		rows := i.rowsOf[ord]
		if len(rows) == 0 {
			return false
		}
		if keep == nil {
			return true
		}
		for _, k := range rows {
			if keep(k) {
				return true
			}
		}
		return false
	}

	results, err := i.graph.Search(q, limit*2, 0, filter)
	if err != nil {
		return nil, err
	}
	var out []model.Candidate
	i.mu.RLock()
	for _, r := range results {
		for _, k := range i.rowsOf[r.Ordinal] {
			if keep != nil && !keep(k) {
				continue
			}
			out = append(out, model.Candidate{Key: k, Score: r.Score})
		}
	}
	i.mu.RUnlock()
	sort.SliceStable(out, func(a, b int) bool { return out[a].Score > out[b].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// HasKey reports whether the key was written since the last flush.
func (i *VectorIndex) HasKey(key model.PrimaryKey) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.ordOf[keyString(key)]
	return ok
}

// Size returns the number of live graph nodes.
func (i *VectorIndex) Size() int { return i.graph.Size() }

// Drain snapshots the live nodes for segment flush: dense vectors plus
// the keys attached to each.
func (i *VectorIndex) Drain() (vectors [][]float32, keys [][]model.PrimaryKey) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	ords := make([]uint32, 0, len(i.rowsOf))
	for ord := range i.rowsOf {
		ords = append(ords, ord)
	}
	sort.Slice(ords, func(a, b int) bool { return ords[a] < ords[b] })
	for _, ord := range ords {
		rows := i.rowsOf[ord]
		var ks []model.PrimaryKey
		var vec []float32
		for raw, k := range rows {
			ks = append(ks, k)
			vec = i.vecOf[raw]
		}
		sort.Slice(ks, func(a, b int) bool { return ks[a].Compare(ks[b]) < 0 })
		vectors = append(vectors, vec)
		keys = append(keys, ks)
	}
	return vectors, keys
}
