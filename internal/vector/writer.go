package vector

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/saigo/model"
)

// Vector component flags.
const (
	vectorsFlagLZ4 = 1 << 0
)

// SegmentData is the input of a vector segment flush: one entry per dense
// ordinal, with the sorted row ids sharing that vector.
type SegmentData struct {
	Vectors [][]float32
	RowIDs  [][]model.RowID
}

// WriterConfig tunes the on-disk ANN components.
type WriterConfig struct {
	Dim                    int
	Similarity             Similarity
	MaximumNodeConnections int
	ConstructionBeamWidth  int

	// CompressVectors stores lz4-compressed per-vector blocks instead of
	// raw floats. Worth it from ~1 KiB per vector.
	CompressVectors bool

	// MinPQRows overrides the PQ training threshold (tests only).
	MinPQRows int
}

// SegmentFiles receives the four ANN components.
type SegmentFiles struct {
	Graph    io.Writer
	Vectors  io.Writer
	PQ       io.Writer
	Ordinals io.Writer
}

// WriteSegment builds the graph over data and serializes the four vector
// components. Returns the unit-vector mode decision for segment metadata.
func WriteSegment(ctx context.Context, files SegmentFiles, cfg WriterConfig, data SegmentData) (unitVector bool, err error) {
	count := len(data.Vectors)

	// Unit-vector detection: a dot-product segment whose every vector has
	// norm ~1 compares in cosine space, which is equivalent on unit
	// vectors and preserves angular semantics under quantization.
	if cfg.Similarity == DotProduct && count > 0 {
		unitVector = true
		for _, v := range data.Vectors {
			if !IsUnit(v) {
				unitVector = false
				break
			}
		}
	}

	g := NewGraph(GraphConfig{
		Dim:                    cfg.Dim,
		Similarity:             cfg.Similarity,
		MaximumNodeConnections: cfg.MaximumNodeConnections,
		ConstructionBeamWidth:  cfg.ConstructionBeamWidth,
	})
	ordToNode := make([]uint32, count)
	for ord, vec := range data.Vectors {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		node, _, err := g.Add(vec)
		if err != nil {
			return false, err
		}
		ordToNode[ord] = node
	}

	if err := writeGraphFile(files.Graph, g, ordToNode, cfg); err != nil {
		return false, err
	}
	if err := writeVectorsFile(files.Vectors, data.Vectors, cfg); err != nil {
		return false, err
	}
	if err := writePQFile(ctx, files.PQ, data.Vectors, cfg, unitVector); err != nil {
		return false, err
	}
	if err := writeOrdinalsFile(files.Ordinals, data.RowIDs); err != nil {
		return false, err
	}
	return unitVector, nil
}

func writeGraphFile(w io.Writer, g *Graph, ordToNode []uint32, cfg WriterConfig) error {
	m := g.cfg.MaximumNodeConnections
	count := len(ordToNode)

	// Node adjacency translated back to segment ordinals. Several
	// ordinals never occur (duplicate vectors share a node); adjacency is
	// emitted per ordinal with the node's neighbor list mapped to the
	// first ordinal of each neighbor node.
	nodeToOrd := make(map[uint32]uint32, count)
	for ord := count - 1; ord >= 0; ord-- {
		nodeToOrd[ordToNode[ord]] = uint32(ord)
	}

	var buf []byte
	buf = binary.BigEndian.AppendUint32(buf, uint32(count))
	buf = binary.BigEndian.AppendUint16(buf, uint16(m))
	var entry uint32
	if g.entry >= 0 {
		entry = nodeToOrd[uint32(g.entry)]
	}
	buf = binary.BigEndian.AppendUint32(buf, entry)
	if _, err := w.Write(buf); err != nil {
		return err
	}

	stride := make([]byte, 2+4*m)
	for ord := 0; ord < count; ord++ {
		for i := range stride {
			stride[i] = 0
		}
		neighbors := g.neighbors[ordToNode[ord]]
		n := 0
		for _, node := range neighbors {
			if n == m {
				break
			}
			no, ok := nodeToOrd[node]
			if !ok || no == uint32(ord) {
				continue
			}
			binary.BigEndian.PutUint32(stride[2+4*n:], no)
			n++
		}
		binary.BigEndian.PutUint16(stride[0:2], uint16(n))
		if _, err := w.Write(stride); err != nil {
			return err
		}
	}
	return nil
}

func writeVectorsFile(w io.Writer, vectors [][]float32, cfg WriterConfig) error {
	var flags byte
	if cfg.CompressVectors {
		flags |= vectorsFlagLZ4
	}
	var buf []byte
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(vectors)))
	buf = binary.BigEndian.AppendUint16(buf, uint16(cfg.Dim))
	buf = append(buf, flags)
	if _, err := w.Write(buf); err != nil {
		return err
	}

	raw := make([]byte, cfg.Dim*4)
	encode := func(vec []float32) []byte {
		for i, v := range vec {
			binary.LittleEndian.PutUint32(raw[i*4:], floatBits(v))
		}
		return raw
	}

	if !cfg.CompressVectors {
		for _, vec := range vectors {
			if _, err := w.Write(encode(vec)); err != nil {
				return err
			}
		}
		return nil
	}

	// Compressed layout: per-vector block offsets (relative to the data
	// section) followed by lz4 blocks.
	blocks := make([][]byte, len(vectors))
	offsets := make([]uint64, len(vectors)+1)
	comp := make([]byte, lz4.CompressBlockBound(cfg.Dim*4))
	var c lz4.Compressor
	for i, vec := range vectors {
		n, err := c.CompressBlock(encode(vec), comp)
		if err != nil {
			return err
		}
		blocks[i] = append([]byte(nil), comp[:n]...)
		offsets[i+1] = offsets[i] + uint64(n)
	}
	var offBuf []byte
	for _, off := range offsets {
		offBuf = binary.BigEndian.AppendUint64(offBuf, off)
	}
	if _, err := w.Write(offBuf); err != nil {
		return err
	}
	for _, b := range blocks {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}

func writePQFile(ctx context.Context, w io.Writer, vectors [][]float32, cfg WriterConfig, unitVector bool) error {
	minRows := cfg.MinPQRows
	if minRows <= 0 {
		minRows = MinPQRows
	}
	trainCosineSpace := cfg.Similarity == Cosine || unitVector

	var pq *ProductQuantizer
	if len(vectors) >= minRows {
		flat := make([]float32, 0, len(vectors)*cfg.Dim)
		for _, vec := range vectors {
			if trainCosineSpace {
				vec = Normalize(vec)
			}
			flat = append(flat, vec...)
		}
		trained, err := TrainPQ(ctx, flat, cfg.Dim, SubspacesFor(cfg.Dim), unitVector, int64(len(vectors)))
		if err == nil {
			pq = trained
		}
		// Training can fail on degenerate data; the segment then serves
		// exact-vector traversal.
	}

	var buf []byte
	if pq == nil {
		buf = append(buf, 0)
		_, err := w.Write(buf)
		return err
	}
	buf = append(buf, 1)
	if unitVector {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(pq.numSubspaces))
	buf = binary.BigEndian.AppendUint32(buf, uint32(cfg.Dim))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(vectors)))
	for _, v := range pq.codebooks {
		buf = binary.BigEndian.AppendUint32(buf, floatBits(v))
	}
	if _, err := w.Write(buf); err != nil {
		return err
	}
	for _, vec := range vectors {
		if trainCosineSpace {
			vec = Normalize(vec)
		}
		if _, err := w.Write(pq.Encode(vec)); err != nil {
			return err
		}
	}
	return nil
}

func writeOrdinalsFile(w io.Writer, rowIDs [][]model.RowID) error {
	var buf []byte
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(rowIDs)))
	var off uint64
	for _, ids := range rowIDs {
		buf = binary.BigEndian.AppendUint64(buf, off)
		off += 4 + 4*uint64(len(ids))
	}
	for _, ids := range rowIDs {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(ids)))
		for _, id := range ids {
			buf = binary.BigEndian.AppendUint32(buf, uint32(id))
		}
	}
	_, err := w.Write(buf)
	return err
}
