package vector

import (
	"encoding/binary"
	"sort"
	"sync"
)

// Graph build/search defaults.
const (
	DefaultMaxConnections        = 16  // M
	DefaultConstructionBeamWidth = 100 // efConstruction
)

// GraphConfig tunes the on-heap graph.
type GraphConfig struct {
	Dim                   int
	Similarity            Similarity
	MaximumNodeConnections int
	ConstructionBeamWidth  int
}

func (c GraphConfig) withDefaults() GraphConfig {
	if c.MaximumNodeConnections <= 0 {
		c.MaximumNodeConnections = DefaultMaxConnections
	}
	if c.ConstructionBeamWidth <= 0 {
		c.ConstructionBeamWidth = DefaultConstructionBeamWidth
	}
	return c
}

// ScoredOrdinal is a graph search result.
type ScoredOrdinal struct {
	Ordinal uint32
	Score   float32
}

// Graph is the incremental on-heap ANN graph serving memtable queries and
// seeding on-disk segment builds. Ordinals are dense; a deleted ordinal is
// tombstoned until flush. Mutations take the write lock; searches run
// under the read lock against a consistent adjacency snapshot.
type Graph struct {
	cfg GraphConfig

	mu       sync.RWMutex
	vectors  [][]float32
	searchVec [][]float32 // normalized under cosine, aliases vectors otherwise
	neighbors [][]uint32
	deleted  map[uint32]bool
	byBytes  map[string]uint32 // exact vector bytes -> ordinal
	entry    int64             // -1 when empty
}

// NewGraph creates an empty graph.
func NewGraph(cfg GraphConfig) *Graph {
	return &Graph{
		cfg:     cfg.withDefaults(),
		deleted: make(map[uint32]bool),
		byBytes: make(map[string]uint32),
		entry:   -1,
	}
}

func vecKey(vec []float32) string {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], floatBits(v))
	}
	return string(buf)
}

// Add inserts a vector, returning its ordinal. A vector whose exact bytes
// match an existing live node reuses that node's ordinal.
func (g *Graph) Add(vec []float32) (uint32, bool, error) {
	if err := Validate(g.cfg.Similarity, vec); err != nil {
		return 0, false, err
	}
	key := vecKey(vec)
	g.mu.Lock()
	defer g.mu.Unlock()
	if ord, ok := g.byBytes[key]; ok && !g.deleted[ord] {
		return ord, true, nil
	}

	ord := uint32(len(g.vectors))
	stored := append([]float32(nil), vec...)
	g.vectors = append(g.vectors, stored)
	if g.cfg.Similarity == Cosine {
		g.searchVec = append(g.searchVec, Normalize(stored))
	} else {
		g.searchVec = append(g.searchVec, stored)
	}
	g.neighbors = append(g.neighbors, nil)
	g.byBytes[key] = ord

	if g.entry < 0 {
		g.entry = int64(ord)
		return ord, false, nil
	}

	results := g.searchLocked(g.searchVec[ord], g.cfg.MaximumNodeConnections, g.cfg.ConstructionBeamWidth, nil)
	for _, r := range results {
		g.connectLocked(ord, r.Ordinal)
		g.connectLocked(r.Ordinal, ord)
	}
	return ord, false, nil
}

// connectLocked links from -> to, pruning to the M closest neighbors.
func (g *Graph) connectLocked(from, to uint32) {
	if from == to {
		return
	}
	list := g.neighbors[from]
	for _, n := range list {
		if n == to {
			return
		}
	}
	list = append(list, to)
	if len(list) > g.cfg.MaximumNodeConnections {
		base := g.searchVec[from]
		sort.Slice(list, func(i, j int) bool {
			return g.scoreLocked(base, list[i]) > g.scoreLocked(base, list[j])
		})
		list = list[:g.cfg.MaximumNodeConnections]
	}
	g.neighbors[from] = list
}

func (g *Graph) scoreLocked(q []float32, ord uint32) float32 {
	return Score(g.cfg.Similarity, q, g.searchVec[ord])
}

// Remove tombstones an ordinal once its last row is gone.
func (g *Graph) Remove(ordinal uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted[ordinal] = true
	if g.entry == int64(ordinal) {
		g.entry = -1
		for ord := range g.vectors {
			if !g.deleted[uint32(ord)] {
				g.entry = int64(ord)
				break
			}
		}
	}
}

// Size returns the number of live nodes.
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.vectors) - len(g.deleted)
}

// Search runs a beam search and returns up to k live ordinals in
// descending score order. filter, when non-nil, restricts results (but
// not traversal) to accepted ordinals.
func (g *Graph) Search(q []float32, k, beamWidth int, filter func(uint32) bool) ([]ScoredOrdinal, error) {
	if err := Validate(g.cfg.Similarity, q); err != nil {
		return nil, err
	}
	if g.cfg.Similarity == Cosine {
		q = Normalize(q)
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if beamWidth < k {
		beamWidth = k
	}
	if beamWidth < g.cfg.ConstructionBeamWidth/2 {
		beamWidth = g.cfg.ConstructionBeamWidth / 2
	}
	return g.searchLocked(q, k, beamWidth, filter), nil
}

// searchLocked is a best-first beam search from the entry point.
func (g *Graph) searchLocked(q []float32, k, beam int, filter func(uint32) bool) []ScoredOrdinal {
	if g.entry < 0 {
		return nil
	}
	visited := make(map[uint32]bool)
	entry := uint32(g.entry)
	candidates := []ScoredOrdinal{{Ordinal: entry, Score: g.scoreLocked(q, entry)}}
	visited[entry] = true
	var results []ScoredOrdinal

	for len(candidates) > 0 {
		// Pop the best candidate.
		best := 0
		for i, c := range candidates {
			if c.Score > candidates[best].Score {
				best = i
			}
		}
		cur := candidates[best]
		candidates = append(candidates[:best], candidates[best+1:]...)

		if len(results) >= beam && cur.Score <= results[len(results)-1].Score {
			break
		}
		if !g.deleted[cur.Ordinal] {
			results = insertScored(results, cur, beam)
		}
		for _, n := range g.neighbors[cur.Ordinal] {
			if visited[n] {
				continue
			}
			visited[n] = true
			candidates = append(candidates, ScoredOrdinal{Ordinal: n, Score: g.scoreLocked(q, n)})
		}
	}

	if filter != nil {
		kept := results[:0]
		for _, r := range results {
			if filter(r.Ordinal) {
				kept = append(kept, r)
			}
		}
		results = kept
	}
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// insertScored keeps list sorted descending, capped at limit.
func insertScored(list []ScoredOrdinal, item ScoredOrdinal, limit int) []ScoredOrdinal {
	pos := sort.Search(len(list), func(i int) bool { return list[i].Score < item.Score })
	list = append(list, ScoredOrdinal{})
	copy(list[pos+1:], list[pos:])
	list[pos] = item
	if len(list) > limit {
		list = list[:limit]
	}
	return list
}

// Snapshot returns the live (ordinal, vector) pairs for segment flush,
// remapped to dense flush ordinals, plus the mapping from graph ordinal
// to flush ordinal.
func (g *Graph) Snapshot() (vectors [][]float32, remap map[uint32]uint32) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	remap = make(map[uint32]uint32, len(g.vectors))
	for ord, vec := range g.vectors {
		if g.deleted[uint32(ord)] {
			continue
		}
		remap[uint32(ord)] = uint32(len(vectors))
		vectors = append(vectors, vec)
	}
	return vectors, remap
}
