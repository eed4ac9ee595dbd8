package vector

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/saigo/model"
)

// MaxBruteForceRows is the candidate count at or below which filtered ANN
// scores candidates exhaustively instead of traversing the graph.
const MaxBruteForceRows = 1024

// Reader searches one on-disk vector segment. Decoder state is per
// reader; the component files are shared handles owned by the segment.
type Reader struct {
	cfg WriterConfig

	graph    io.ReaderAt
	vectors  io.ReaderAt
	ordinals io.ReaderAt

	count   int
	m       int
	entry   uint32
	dim     int
	vecFlags byte

	pq    *ProductQuantizer
	codes []byte // count * numSubspaces when pq != nil

	ordOffsets  []uint64
	ordDataBase int64

	rowToOrd map[model.RowID]uint32 // built lazily for brute force

	checkpoint func() error
}

// OpenReader decodes the component headers of one vector segment.
func OpenReader(graph, vectors, pqFile, ordinals io.ReaderAt, cfg WriterConfig) (*Reader, error) {
	r := &Reader{cfg: cfg, graph: graph, vectors: vectors, ordinals: ordinals}

	var ghdr [10]byte
	if _, err := graph.ReadAt(ghdr[:], 0); err != nil {
		return nil, fmt.Errorf("ann graph header: %w", err)
	}
	r.count = int(binary.BigEndian.Uint32(ghdr[0:4]))
	r.m = int(binary.BigEndian.Uint16(ghdr[4:6]))
	r.entry = binary.BigEndian.Uint32(ghdr[6:10])

	var vhdr [7]byte
	if _, err := vectors.ReadAt(vhdr[:], 0); err != nil {
		return nil, fmt.Errorf("ann vectors header: %w", err)
	}
	r.dim = int(binary.BigEndian.Uint16(vhdr[4:6]))
	r.vecFlags = vhdr[6]

	if err := r.loadPQ(pqFile); err != nil {
		return nil, err
	}
	if err := r.loadOrdinals(); err != nil {
		return nil, err
	}
	return r, nil
}

// SetCheckpoint installs a cancellation poll run per visited graph node.
func (r *Reader) SetCheckpoint(fn func() error) { r.checkpoint = fn }

func (r *Reader) loadPQ(pqFile io.ReaderAt) error {
	var flag [1]byte
	if _, err := pqFile.ReadAt(flag[:], 0); err != nil {
		return fmt.Errorf("ann pq header: %w", err)
	}
	if flag[0] == 0 {
		return nil
	}
	var hdr [12]byte
	if _, err := pqFile.ReadAt(hdr[:], 0); err != nil {
		return err
	}
	unit := hdr[1] == 1
	numSub := int(binary.BigEndian.Uint16(hdr[2:4]))
	dim := int(binary.BigEndian.Uint32(hdr[4:8]))
	count := int(binary.BigEndian.Uint32(hdr[8:12]))
	subDim := dim / numSub

	pq := &ProductQuantizer{
		dim:          dim,
		numSubspaces: numSub,
		subDim:       subDim,
		centroids:    pqCentroids,
		unitVector:   unit,
	}
	bookBytes := numSub * pqCentroids * subDim * 4
	buf := make([]byte, bookBytes)
	if _, err := pqFile.ReadAt(buf, 12); err != nil {
		return err
	}
	pq.codebooks = make([]float32, numSub*pqCentroids*subDim)
	for i := range pq.codebooks {
		pq.codebooks[i] = floatFromBits(binary.BigEndian.Uint32(buf[i*4:]))
	}
	r.codes = make([]byte, count*numSub)
	if _, err := pqFile.ReadAt(r.codes, int64(12+bookBytes)); err != nil {
		return err
	}
	r.pq = pq
	return nil
}

func (r *Reader) loadOrdinals() error {
	var hdr [4]byte
	if _, err := r.ordinals.ReadAt(hdr[:], 0); err != nil {
		return fmt.Errorf("ann ordinals header: %w", err)
	}
	count := int(binary.BigEndian.Uint32(hdr[:]))
	buf := make([]byte, count*8)
	if _, err := r.ordinals.ReadAt(buf, 4); err != nil {
		return err
	}
	r.ordOffsets = make([]uint64, count)
	for i := range r.ordOffsets {
		r.ordOffsets[i] = binary.BigEndian.Uint64(buf[i*8:])
	}
	r.ordDataBase = int64(4 + count*8)
	return nil
}

// RowIDs returns the sorted row ids sharing ordinal's vector.
func (r *Reader) RowIDs(ordinal uint32) ([]model.RowID, error) {
	if int(ordinal) >= len(r.ordOffsets) {
		return nil, fmt.Errorf("ordinal %d out of range", ordinal)
	}
	off := r.ordDataBase + int64(r.ordOffsets[ordinal])
	var hdr [4]byte
	if _, err := r.ordinals.ReadAt(hdr[:], off); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(hdr[:]))
	buf := make([]byte, n*4)
	if _, err := r.ordinals.ReadAt(buf, off+4); err != nil {
		return nil, err
	}
	ids := make([]model.RowID, n)
	for i := range ids {
		ids[i] = model.RowID(binary.BigEndian.Uint32(buf[i*4:]))
	}
	return ids, nil
}

// Vector reads the exact vector of an ordinal.
func (r *Reader) Vector(ordinal uint32) ([]float32, error) {
	if r.vecFlags&vectorsFlagLZ4 == 0 {
		buf := make([]byte, r.dim*4)
		off := int64(7) + int64(ordinal)*int64(r.dim*4)
		if _, err := r.vectors.ReadAt(buf, off); err != nil {
			return nil, err
		}
		return decodeFloats(buf, r.dim), nil
	}
	var offs [16]byte
	base := int64(7)
	if _, err := r.vectors.ReadAt(offs[:], base+int64(ordinal)*8); err != nil {
		return nil, err
	}
	start := binary.BigEndian.Uint64(offs[0:8])
	end := binary.BigEndian.Uint64(offs[8:16])
	dataBase := base + int64(r.count+1)*8
	comp := make([]byte, end-start)
	if _, err := r.vectors.ReadAt(comp, dataBase+int64(start)); err != nil {
		return nil, err
	}
	raw := make([]byte, r.dim*4)
	if _, err := lz4.UncompressBlock(comp, raw); err != nil {
		return nil, err
	}
	return decodeFloats(raw, r.dim), nil
}

func decodeFloats(buf []byte, dim int) []float32 {
	out := make([]float32, dim)
	for i := range out {
		out[i] = floatFromBits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}

func (r *Reader) neighborsOf(ordinal uint32, dst []uint32) ([]uint32, error) {
	stride := int64(2 + 4*r.m)
	buf := make([]byte, stride)
	if _, err := r.graph.ReadAt(buf, 10+int64(ordinal)*stride); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(buf[0:2]))
	dst = dst[:0]
	for i := 0; i < n; i++ {
		dst = append(dst, binary.BigEndian.Uint32(buf[2+4*i:]))
	}
	return dst, nil
}

// approxScorer returns a traversal scorer (higher better) for q.
func (r *Reader) approxScorer(q []float32) (func(uint32) (float32, error), error) {
	if r.pq != nil {
		cosineSpace := r.cfg.Similarity == Cosine || r.pq.unitVector
		pqQuery := q
		if cosineSpace {
			pqQuery = Normalize(q)
		}
		if r.cfg.Similarity == DotProduct && !r.pq.unitVector {
			dt := r.pq.NewDotTable(pqQuery)
			return func(ord uint32) (float32, error) {
				return dt.ApproxDot(r.codesOf(ord)), nil
			}, nil
		}
		dt := r.pq.NewDistanceTable(pqQuery)
		return func(ord uint32) (float32, error) {
			return -dt.ApproxSquaredL2(r.codesOf(ord)), nil
		}, nil
	}
	return func(ord uint32) (float32, error) {
		vec, err := r.Vector(ord)
		if err != nil {
			return 0, err
		}
		return Score(r.cfg.Similarity, q, vec), nil
	}, nil
}

func (r *Reader) codesOf(ord uint32) []byte {
	n := r.pq.numSubspaces
	return r.codes[int(ord)*n : int(ord)*n+n]
}

// Search traverses the graph and returns up to limit candidates in
// descending exact-score order. filter, when non-nil, restricts emitted
// ordinals; the beam widens until limit results survive the filter or the
// graph is exhausted.
func (r *Reader) Search(q []float32, limit int, filter func(uint32) bool) ([]ScoredOrdinal, error) {
	if err := Validate(r.cfg.Similarity, q); err != nil {
		return nil, err
	}
	if r.count == 0 || limit <= 0 {
		return nil, nil
	}
	scorer, err := r.approxScorer(q)
	if err != nil {
		return nil, err
	}

	beam := max(limit*4, 64)
	for {
		results, visitedAll, err := r.beamSearch(q, scorer, beam, filter)
		if err != nil {
			return nil, err
		}
		if len(results) >= limit || visitedAll || beam >= r.count*2 {
			if len(results) > limit {
				results = results[:limit]
			}
			return results, nil
		}
		beam *= 2
	}
}

func (r *Reader) beamSearch(q []float32, scorer func(uint32) (float32, error), beam int, filter func(uint32) bool) ([]ScoredOrdinal, bool, error) {
	visited := make(map[uint32]bool, beam*2)
	var scratch []uint32

	entryScore, err := scorer(r.entry)
	if err != nil {
		return nil, false, err
	}
	candidates := []ScoredOrdinal{{Ordinal: r.entry, Score: entryScore}}
	visited[r.entry] = true
	var frontier []ScoredOrdinal

	for len(candidates) > 0 {
		if r.checkpoint != nil {
			if err := r.checkpoint(); err != nil {
				return nil, false, err
			}
		}
		best := 0
		for i, c := range candidates {
			if c.Score > candidates[best].Score {
				best = i
			}
		}
		cur := candidates[best]
		candidates = append(candidates[:best], candidates[best+1:]...)
		if len(frontier) >= beam && cur.Score <= frontier[len(frontier)-1].Score {
			break
		}
		frontier = insertScored(frontier, cur, beam)

		scratch, err = r.neighborsOf(cur.Ordinal, scratch)
		if err != nil {
			return nil, false, err
		}
		for _, n := range scratch {
			if visited[n] {
				continue
			}
			visited[n] = true
			score, err := scorer(n)
			if err != nil {
				return nil, false, err
			}
			candidates = append(candidates, ScoredOrdinal{Ordinal: n, Score: score})
		}
	}

	// Rerank the frontier on exact vectors; the rerank budget is the beam.
	results := make([]ScoredOrdinal, 0, len(frontier))
	for _, c := range frontier {
		if filter != nil && !filter(c.Ordinal) {
			continue
		}
		vec, err := r.Vector(c.Ordinal)
		if err != nil {
			return nil, false, err
		}
		results = append(results, ScoredOrdinal{Ordinal: c.Ordinal, Score: Score(r.cfg.Similarity, q, vec)})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results, len(visited) >= r.count, nil
}

// OrdinalOf resolves a row id to its ordinal, building the reverse map on
// first use.
func (r *Reader) OrdinalOf(rowID model.RowID) (uint32, bool, error) {
	if r.rowToOrd == nil {
		m := make(map[model.RowID]uint32, r.count)
		for ord := 0; ord < len(r.ordOffsets); ord++ {
			ids, err := r.RowIDs(uint32(ord))
			if err != nil {
				return 0, false, err
			}
			for _, id := range ids {
				m[id] = uint32(ord)
			}
		}
		r.rowToOrd = m
	}
	ord, ok := r.rowToOrd[rowID]
	return ord, ok, nil
}

// ScoredRow is a per-segment ANN result.
type ScoredRow struct {
	RowID model.RowID
	Score float32
}

// BruteForce scores the candidate row ids exhaustively and returns the
// top limit in descending score order. Chosen when the candidate set is
// at most MaxBruteForceRows. Rows without a vector emit nothing.
func (r *Reader) BruteForce(q []float32, candidates []model.RowID, limit int) ([]ScoredRow, error) {
	if err := Validate(r.cfg.Similarity, q); err != nil {
		return nil, err
	}
	var out []ScoredRow
	for _, id := range candidates {
		ord, ok, err := r.OrdinalOf(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // null vector for this row
		}
		vec, err := r.Vector(ord)
		if err != nil {
			return nil, err
		}
		out = append(out, ScoredRow{RowID: id, Score: Score(r.cfg.Similarity, q, vec)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
