package bkd

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/hupe1980/saigo/internal/postings"
	"github.com/hupe1980/saigo/model"
)

// Config tunes tree shape and internal-postings sampling.
type Config struct {
	BytesPerValue   int
	MaxPointsInLeaf int

	// PostingsSkip selects which internal levels carry precomputed
	// postings: a node at depth d is eligible when d % PostingsSkip == 0.
	PostingsSkip int

	// PostingsMinLeaves is the minimum descendant leaf count for an
	// internal node to carry postings.
	PostingsMinLeaves int
}

// DefaultConfig mirrors the index-creation defaults.
var DefaultConfig = Config{
	MaxPointsInLeaf:   1024,
	PostingsSkip:      3,
	PostingsMinLeaves: 4,
}

// Validate checks the sampling options.
func (c Config) Validate() error {
	if c.PostingsSkip < 1 {
		return errors.New("bkd_postings_skip must be >= 1")
	}
	if c.PostingsMinLeaves < 1 {
		return errors.New("bkd_postings_min_leaves must be >= 1")
	}
	switch c.BytesPerValue {
	case Width1, Width4, Width8, Width16:
	default:
		return fmt.Errorf("unsupported value width %d", c.BytesPerValue)
	}
	if c.MaxPointsInLeaf < 1 {
		return errors.New("max_points_in_leaf_node must be >= 1")
	}
	return nil
}

type point struct {
	value []byte
	rowID model.RowID
}

// Writer accumulates (value, row id) points and flushes a balanced tree.
type Writer struct {
	cfg    Config
	points []point
	bytes  int64
}

// NewWriter creates a tree writer with validated config.
func NewWriter(cfg Config) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Writer{cfg: cfg}, nil
}

// Add buffers one point. value must be cfg.BytesPerValue long.
func (w *Writer) Add(value []byte, rowID model.RowID) error {
	if len(value) != w.cfg.BytesPerValue {
		return fmt.Errorf("value width %d, want %d", len(value), w.cfg.BytesPerValue)
	}
	w.points = append(w.points, point{value: bytes.Clone(value), rowID: rowID})
	w.bytes += int64(len(value)) + 4
	return nil
}

// BufferedBytes reports memory held by buffered points.
func (w *Writer) BufferedBytes() int64 { return w.bytes }

// Count returns the number of buffered points.
func (w *Writer) Count() int { return len(w.points) }

// node is the build-time tree node.
type node struct {
	id         uint32
	leaf       bool
	minValue   []byte
	maxValue   []byte
	splitValue []byte // internal only
	left       *node
	right      *node
	leafIdx    int // leaf only: index into leaf ranges
	numLeaves  int
	depth      int
}

// Flush sorts the points, writes posting lists through pw and the tree
// body (with its postings index) to treeW, returning the root offset of
// the serialized tree section.
func (w *Writer) Flush(treeW io.Writer, treeBase uint64, pw *postings.Writer) (uint64, error) {
	sort.Slice(w.points, func(i, j int) bool {
		if c := bytes.Compare(w.points[i].value, w.points[j].value); c != 0 {
			return c < 0
		}
		return w.points[i].rowID < w.points[j].rowID
	})

	numLeaves := (len(w.points) + w.cfg.MaxPointsInLeaf - 1) / w.cfg.MaxPointsInLeaf
	var nextID uint32
	var root *node
	if numLeaves > 0 {
		root = w.buildNode(0, numLeaves, 0, &nextID)
	}

	// Leaf postings first, then sampled internal postings, preorder.
	postingsIdx := make(map[uint32]uint64)
	if root != nil {
		if err := w.writePostings(root, pw, postingsIdx); err != nil {
			return 0, err
		}
	}

	return w.writeTree(treeW, treeBase, root, nextID, postingsIdx)
}

func (w *Writer) leafPoints(leafIdx int) []point {
	start := leafIdx * w.cfg.MaxPointsInLeaf
	end := min(start+w.cfg.MaxPointsInLeaf, len(w.points))
	return w.points[start:end]
}

func (w *Writer) buildNode(loLeaf, hiLeaf, depth int, nextID *uint32) *node {
	n := &node{id: *nextID, depth: depth, numLeaves: hiLeaf - loLeaf}
	*nextID++
	if hiLeaf-loLeaf == 1 {
		pts := w.leafPoints(loLeaf)
		n.leaf = true
		n.leafIdx = loLeaf
		n.minValue = pts[0].value
		n.maxValue = pts[len(pts)-1].value
		return n
	}
	mid := (loLeaf + hiLeaf) / 2
	n.left = w.buildNode(loLeaf, mid, depth+1, nextID)
	n.right = w.buildNode(mid, hiLeaf, depth+1, nextID)
	n.splitValue = w.leafPoints(mid)[0].value
	n.minValue = n.left.minValue
	n.maxValue = n.right.maxValue
	return n
}

// eligible applies the sampling predicate for internal postings.
func (w *Writer) eligible(n *node) bool {
	return n.depth%w.cfg.PostingsSkip == 0 && n.numLeaves >= w.cfg.PostingsMinLeaves
}

func (w *Writer) writePostings(n *node, pw *postings.Writer, idx map[uint32]uint64) error {
	if n.leaf {
		ids := w.leafRowIDs(n.leafIdx, n.leafIdx+1)
		off, err := pw.Write(ids)
		if err != nil {
			return err
		}
		idx[n.id] = off
		return nil
	}
	if w.eligible(n) {
		off, err := pw.Write(w.subtreeRowIDs(n))
		if err != nil {
			return err
		}
		idx[n.id] = off
	}
	if err := w.writePostings(n.left, pw, idx); err != nil {
		return err
	}
	return w.writePostings(n.right, pw, idx)
}

// leafRowIDs returns the sorted row ids of leaves [lo, hi).
func (w *Writer) leafRowIDs(lo, hi int) []model.RowID {
	start := lo * w.cfg.MaxPointsInLeaf
	end := min(hi*w.cfg.MaxPointsInLeaf, len(w.points))
	ids := make([]model.RowID, 0, end-start)
	for _, p := range w.points[start:end] {
		ids = append(ids, p.rowID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return dedupe(ids)
}

func (w *Writer) subtreeRowIDs(n *node) []model.RowID {
	lo, hi := leafSpan(n)
	return w.leafRowIDs(lo, hi)
}

func leafSpan(n *node) (int, int) {
	m := n
	for !m.leaf {
		m = m.left
	}
	return m.leafIdx, m.leafIdx + n.numLeaves
}

func dedupe(ids []model.RowID) []model.RowID {
	out := ids[:0]
	for i, id := range ids {
		if i == 0 || id != ids[i-1] {
			out = append(out, id)
		}
	}
	return out
}

func (w *Writer) writeTree(treeW io.Writer, base uint64, root *node, numNodes uint32, postingsIdx map[uint32]uint64) (uint64, error) {
	var buf []byte
	width := w.cfg.BytesPerValue

	// Header.
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(w.points)))
	buf = binary.BigEndian.AppendUint16(buf, uint16(width))
	buf = binary.BigEndian.AppendUint32(buf, uint32(w.cfg.MaxPointsInLeaf))
	buf = binary.BigEndian.AppendUint32(buf, numNodes)

	// Nodes, preorder.
	var encode func(n *node)
	encode = func(n *node) {
		if n.leaf {
			buf = append(buf, 1)
			buf = binary.BigEndian.AppendUint32(buf, n.id)
			buf = append(buf, n.minValue...)
			buf = append(buf, n.maxValue...)
			pts := w.leafPoints(n.leafIdx)
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(pts)))
			for _, p := range pts {
				buf = append(buf, p.value...)
				buf = binary.BigEndian.AppendUint32(buf, uint32(p.rowID))
			}
			return
		}
		buf = append(buf, 0)
		buf = binary.BigEndian.AppendUint32(buf, n.id)
		buf = append(buf, n.minValue...)
		buf = append(buf, n.maxValue...)
		buf = append(buf, n.splitValue...)
		encode(n.left)
		encode(n.right)
	}
	if root != nil {
		encode(root)
	}

	// Postings index: covers every leaf and every sampled internal node.
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(postingsIdx)))
	ids := make([]uint32, 0, len(postingsIdx))
	for id := range postingsIdx {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		buf = binary.BigEndian.AppendUint32(buf, id)
		buf = binary.BigEndian.AppendUint64(buf, postingsIdx[id])
	}

	n, err := treeW.Write(buf)
	if err != nil {
		return 0, err
	}
	_ = n
	return base, nil
}
