// Package memtable implements the per-(column, memtable) live indexes.
// Writes are acknowledged synchronously under the index lock; queries see
// every acknowledged write. A flush drains the live structure directly
// into the segment writer, never re-indexing from source rows.
package memtable

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/saigo/internal/keyrange"
	"github.com/hupe1980/saigo/model"
)

// keyTable interns primary keys as local dense ids for bitmap posting
// sets. Local ids are arrival-ordered; iteration sorts by primary key.
type keyTable struct {
	ids  map[string]uint32
	keys []model.PrimaryKey
}

func newKeyTable() *keyTable {
	return &keyTable{ids: make(map[string]uint32)}
}

func (t *keyTable) intern(key model.PrimaryKey) uint32 {
	raw := keyString(key)
	if id, ok := t.ids[raw]; ok {
		return id
	}
	id := uint32(len(t.keys))
	t.ids[raw] = id
	t.keys = append(t.keys, key)
	return id
}

func (t *keyTable) lookup(key model.PrimaryKey) (uint32, bool) {
	id, ok := t.ids[keyString(key)]
	return id, ok
}

func keyString(key model.PrimaryKey) string {
	buf := make([]byte, 0, 8+len(key.Partition)+len(key.Clustering)+10)
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(uint64(key.Token)>>(56-8*i)))
	}
	buf = binary.AppendUvarint(buf, uint64(len(key.Partition)))
	buf = append(buf, key.Partition...)
	buf = append(buf, key.Clustering...)
	return string(buf)
}

// keysOf materializes a posting bitmap as a sorted key iterator.
func (t *keyTable) keysOf(bm *roaring.Bitmap) keyrange.Iterator {
	if bm == nil || bm.IsEmpty() {
		return keyrange.Empty
	}
	keys := make([]model.PrimaryKey, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		keys = append(keys, t.keys[it.Next()])
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	return keyrange.FromSlice(keys)
}

// termMap is a sorted term -> posting-set map shared by the literal and
// numeric live indexes.
type termMap struct {
	mu       sync.RWMutex
	postings map[string]*roaring.Bitmap
	sorted   []string // sorted term bytes; maintained on insert
	keys     *keyTable
	rows     uint64
}

func newTermMap() *termMap {
	return &termMap{postings: make(map[string]*roaring.Bitmap), keys: newKeyTable()}
}

func (m *termMap) add(term []byte, key model.PrimaryKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.keys.intern(key)
	t := string(term)
	bm, ok := m.postings[t]
	if !ok {
		bm = roaring.New()
		m.postings[t] = bm
		pos := sort.SearchStrings(m.sorted, t)
		m.sorted = append(m.sorted, "")
		copy(m.sorted[pos+1:], m.sorted[pos:])
		m.sorted[pos] = t
	}
	if bm.CheckedAdd(id) {
		m.rows++
	}
}

func (m *termMap) remove(term []byte, key model.PrimaryKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.keys.lookup(key)
	if !ok {
		return
	}
	t := string(term)
	bm, ok := m.postings[t]
	if !ok {
		return
	}
	if bm.CheckedRemove(id) {
		m.rows--
	}
	if bm.IsEmpty() {
		delete(m.postings, t)
		pos := sort.SearchStrings(m.sorted, t)
		if pos < len(m.sorted) && m.sorted[pos] == t {
			m.sorted = append(m.sorted[:pos], m.sorted[pos+1:]...)
		}
	}
}

func (m *termMap) exact(term []byte) keyrange.Iterator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bm := m.postings[string(term)]
	if bm == nil {
		return keyrange.Empty
	}
	return m.keys.keysOf(bm.Clone())
}

// rangeMatch unions every term within [lower, upper], optionally
// post-filtered by a decoded-term predicate.
func (m *termMap) rangeMatch(lower, upper rangeBound, filter func(term []byte) bool) keyrange.Iterator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := roaring.New()
	for _, t := range m.sorted {
		if !lower.acceptsLow(t) {
			continue
		}
		if !upper.acceptsHigh(t) {
			break
		}
		if filter != nil && !filter([]byte(t)) {
			continue
		}
		result.Or(m.postings[t])
	}
	return m.keys.keysOf(result)
}

// hasKey reports whether the key was written to this live index since
// the last flush. SSTable postings for such keys are stale and shadowed.
func (m *termMap) hasKey(key model.PrimaryKey) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.keys.lookup(key)
	return ok
}

// allKeys returns every indexed key, for complement (NOT) queries.
func (m *termMap) allKeys() keyrange.Iterator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := roaring.New()
	for _, bm := range m.postings {
		all.Or(bm)
	}
	return m.keys.keysOf(all)
}

// drain yields terms in sorted order with their keys, for segment flush.
func (m *termMap) drain(fn func(term []byte, keys []model.PrimaryKey) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.sorted {
		bm := m.postings[t]
		keys := make([]model.PrimaryKey, 0, bm.GetCardinality())
		it := bm.Iterator()
		for it.HasNext() {
			keys = append(keys, m.keys.keys[it.Next()])
		}
		if err := fn([]byte(t), keys); err != nil {
			return err
		}
	}
	return nil
}

// rangeBound is one side of a term range over raw term bytes.
type rangeBound struct {
	value     string
	inclusive bool
	unbounded bool
}

func unbounded() rangeBound { return rangeBound{unbounded: true} }

func boundOf(value []byte, inclusive bool) rangeBound {
	if value == nil {
		return unbounded()
	}
	return rangeBound{value: string(value), inclusive: inclusive}
}

func (b rangeBound) acceptsLow(t string) bool {
	if b.unbounded {
		return true
	}
	if b.inclusive {
		return t >= b.value
	}
	return t > b.value
}

func (b rangeBound) acceptsHigh(t string) bool {
	if b.unbounded {
		return true
	}
	if b.inclusive {
		return t <= b.value
	}
	return t < b.value
}
