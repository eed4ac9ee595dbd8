package bkd

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/hupe1980/saigo/internal/postings"
	"github.com/hupe1980/saigo/model"
)

// Reader answers range queries over a serialized tree. The tree structure
// is decoded eagerly (it is small); leaf point data and posting lists are
// read on demand.
type Reader struct {
	postingsFile io.ReaderAt
	count        uint64
	width        int
	nodes        []readNode
	root         int
	postingsIdx  map[uint32]uint64
	checkpoint   func() error
}

type readNode struct {
	id       uint32
	leaf     bool
	minValue []byte
	maxValue []byte
	split    []byte
	left     int
	right    int
	points   []point // leaf only
}

// NewReader decodes the tree section at offset within treeFile; posting
// lists are resolved against postingsFile.
func NewReader(treeFile io.ReaderAt, offset, size uint64, postingsFile io.ReaderAt) (*Reader, error) {
	buf := make([]byte, size)
	if _, err := treeFile.ReadAt(buf, int64(offset)); err != nil && err != io.EOF {
		return nil, fmt.Errorf("kd-tree body: %w", err)
	}
	if len(buf) < 18 {
		return nil, io.ErrUnexpectedEOF
	}
	r := &Reader{postingsFile: postingsFile}
	r.count = binary.BigEndian.Uint64(buf[0:8])
	r.width = int(binary.BigEndian.Uint16(buf[8:10]))
	numNodes := int(binary.BigEndian.Uint32(buf[14:18]))
	rest := buf[18:]

	r.nodes = make([]readNode, 0, numNodes)
	var decode func() (int, error)
	decode = func() (int, error) {
		if len(rest) < 5+2*r.width {
			return -1, io.ErrUnexpectedEOF
		}
		kind := rest[0]
		id := binary.BigEndian.Uint32(rest[1:5])
		rest = rest[5:]
		n := readNode{id: id, leaf: kind == 1}
		n.minValue = bytes.Clone(rest[:r.width])
		n.maxValue = bytes.Clone(rest[r.width : 2*r.width])
		rest = rest[2*r.width:]
		idx := len(r.nodes)
		r.nodes = append(r.nodes, n)
		if kind == 1 {
			if len(rest) < 4 {
				return -1, io.ErrUnexpectedEOF
			}
			cnt := int(binary.BigEndian.Uint32(rest[0:4]))
			rest = rest[4:]
			stride := r.width + 4
			if len(rest) < cnt*stride {
				return -1, io.ErrUnexpectedEOF
			}
			pts := make([]point, cnt)
			for i := 0; i < cnt; i++ {
				pts[i] = point{
					value: bytes.Clone(rest[:r.width]),
					rowID: model.RowID(binary.BigEndian.Uint32(rest[r.width:stride])),
				}
				rest = rest[stride:]
			}
			r.nodes[idx].points = pts
			return idx, nil
		}
		if len(rest) < r.width {
			return -1, io.ErrUnexpectedEOF
		}
		r.nodes[idx].split = bytes.Clone(rest[:r.width])
		rest = rest[r.width:]
		left, err := decode()
		if err != nil {
			return -1, err
		}
		right, err := decode()
		if err != nil {
			return -1, err
		}
		r.nodes[idx].left = left
		r.nodes[idx].right = right
		return idx, nil
	}

	if numNodes > 0 {
		rootIdx, err := decode()
		if err != nil {
			return nil, err
		}
		r.root = rootIdx
	} else {
		r.root = -1
	}

	if len(rest) < 4 {
		return nil, io.ErrUnexpectedEOF
	}
	numEntries := int(binary.BigEndian.Uint32(rest[0:4]))
	rest = rest[4:]
	if len(rest) < numEntries*12 {
		return nil, io.ErrUnexpectedEOF
	}
	r.postingsIdx = make(map[uint32]uint64, numEntries)
	for i := 0; i < numEntries; i++ {
		id := binary.BigEndian.Uint32(rest[0:4])
		off := binary.BigEndian.Uint64(rest[4:12])
		rest = rest[12:]
		r.postingsIdx[id] = off
	}
	return r, nil
}

// SetCheckpoint installs a cancellation poll invoked per visited node.
func (r *Reader) SetCheckpoint(fn func() error) { r.checkpoint = fn }

// Count returns the number of indexed points.
func (r *Reader) Count() uint64 { return r.count }

// MinValue returns the smallest indexed value.
func (r *Reader) MinValue() []byte {
	if r.root < 0 {
		return nil
	}
	return r.nodes[r.root].minValue
}

// MaxValue returns the largest indexed value.
func (r *Reader) MaxValue() []byte {
	if r.root < 0 {
		return nil
	}
	return r.nodes[r.root].maxValue
}

// Range returns a posting list of row ids whose value lies in [lower,
// upper] (byte-comparable, inclusive; nil bound = unbounded). Equality is
// Range(v, v).
func (r *Reader) Range(lower, upper []byte) (postings.PostingList, error) {
	if r.root < 0 {
		return postings.Empty, nil
	}
	var sources []postings.PostingList
	if err := r.collect(r.root, lower, upper, &sources); err != nil {
		for _, s := range sources {
			s.Close()
		}
		return nil, err
	}
	return postings.NewUnion(sources...), nil
}

func (r *Reader) collect(idx int, lower, upper []byte, out *[]postings.PostingList) error {
	if r.checkpoint != nil {
		if err := r.checkpoint(); err != nil {
			return err
		}
	}
	n := &r.nodes[idx]
	if outside(n.minValue, n.maxValue, lower, upper) {
		return nil
	}
	if inside(n.minValue, n.maxValue, lower, upper) {
		if off, ok := r.postingsIdx[n.id]; ok {
			pl, err := postings.NewReader(r.postingsFile, off)
			if err != nil {
				return err
			}
			*out = append(*out, pl)
			return nil
		}
		// No precomputed postings at this node; descend.
	}
	if n.leaf {
		ids := make([]model.RowID, 0, len(n.points))
		for _, p := range n.points {
			if inRange(p.value, lower, upper) {
				ids = append(ids, p.rowID)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		if len(ids) > 0 {
			*out = append(*out, postings.NewSlice(dedupe(ids)))
		}
		return nil
	}
	if err := r.collect(n.left, lower, upper, out); err != nil {
		return err
	}
	return r.collect(n.right, lower, upper, out)
}

func outside(nodeMin, nodeMax, lower, upper []byte) bool {
	if upper != nil && bytes.Compare(nodeMin, upper) > 0 {
		return true
	}
	if lower != nil && bytes.Compare(nodeMax, lower) < 0 {
		return true
	}
	return false
}

func inside(nodeMin, nodeMax, lower, upper []byte) bool {
	if lower != nil && bytes.Compare(nodeMin, lower) < 0 {
		return false
	}
	if upper != nil && bytes.Compare(nodeMax, upper) > 0 {
		return false
	}
	return true
}

func inRange(v, lower, upper []byte) bool {
	if lower != nil && bytes.Compare(v, lower) < 0 {
		return false
	}
	if upper != nil && bytes.Compare(v, upper) > 0 {
		return false
	}
	return true
}
