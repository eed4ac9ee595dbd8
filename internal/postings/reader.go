package postings

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/hupe1980/saigo/model"
)

// Reader iterates a posting list written by Writer. It owns its decoder
// state (current block, position) but shares the underlying file; closing
// a reader never closes the file.
type Reader struct {
	r        io.ReaderAt
	count    uint64
	max      model.RowID
	firstIDs []uint32
	offsets  []uint64

	block      []model.RowID // decoded current block
	blockIdx   int           // index of the decoded block, -1 before first decode
	pos        int           // next position within block
	exhausted  bool
	checkpoint func() error // optional cancellation poll, run per block boundary
	scratch    []byte
}

// NewReader opens the posting list whose summary is at offset.
func NewReader(r io.ReaderAt, offset uint64) (*Reader, error) {
	var hdr [16]byte
	if _, err := r.ReadAt(hdr[:], int64(offset)); err != nil {
		return nil, fmt.Errorf("postings summary: %w", err)
	}
	count := binary.BigEndian.Uint64(hdr[0:8])
	maxID := binary.BigEndian.Uint32(hdr[8:12])
	blockCount := int(binary.BigEndian.Uint32(hdr[12:16]))

	pr := &Reader{r: r, count: count, max: model.RowID(maxID), blockIdx: -1}
	if blockCount == 0 {
		pr.exhausted = true
		return pr, nil
	}

	buf := make([]byte, blockCount*12)
	if _, err := r.ReadAt(buf, int64(offset)+16); err != nil {
		return nil, fmt.Errorf("postings block index: %w", err)
	}
	pr.firstIDs = make([]uint32, blockCount)
	pr.offsets = make([]uint64, blockCount)
	for i := 0; i < blockCount; i++ {
		pr.firstIDs[i] = binary.BigEndian.Uint32(buf[i*4:])
	}
	base := blockCount * 4
	for i := 0; i < blockCount; i++ {
		pr.offsets[i] = binary.BigEndian.Uint64(buf[base+i*8:])
	}
	return pr, nil
}

// SetCheckpoint installs a cancellation poll invoked at every block
// boundary. A non-nil error exhausts the reader.
func (pr *Reader) SetCheckpoint(fn func() error) { pr.checkpoint = fn }

func (pr *Reader) decodeBlock(idx int) error {
	if pr.checkpoint != nil {
		if err := pr.checkpoint(); err != nil {
			pr.exhausted = true
			return err
		}
	}
	// A block is at most 2+4+5*(BlockSize-1) bytes.
	need := 6 + 5*BlockSize
	if cap(pr.scratch) < need {
		pr.scratch = make([]byte, need)
	}
	buf := pr.scratch[:need]
	n, err := pr.r.ReadAt(buf, int64(pr.offsets[idx]))
	if err != nil && err != io.EOF {
		return err
	}
	buf = buf[:n]
	if len(buf) < 6 {
		return io.ErrUnexpectedEOF
	}
	cnt := int(binary.BigEndian.Uint16(buf[0:2]))
	first := model.RowID(binary.BigEndian.Uint32(buf[2:6]))
	if cap(pr.block) < cnt {
		pr.block = make([]model.RowID, 0, BlockSize)
	}
	pr.block = pr.block[:0]
	pr.block = append(pr.block, first)
	rest := buf[6:]
	prev := first
	for i := 1; i < cnt; i++ {
		delta, n := binary.Uvarint(rest)
		if n <= 0 {
			return io.ErrUnexpectedEOF
		}
		rest = rest[n:]
		prev += model.RowID(delta)
		pr.block = append(pr.block, prev)
	}
	pr.blockIdx = idx
	pr.pos = 0
	return nil
}

func (pr *Reader) Next() model.RowID {
	if pr.exhausted {
		return model.EndOfStream
	}
	for pr.blockIdx < 0 || pr.pos >= len(pr.block) {
		next := pr.blockIdx + 1
		if next >= len(pr.offsets) {
			pr.exhausted = true
			return model.EndOfStream
		}
		if err := pr.decodeBlock(next); err != nil {
			pr.exhausted = true
			return model.EndOfStream
		}
	}
	id := pr.block[pr.pos]
	pr.pos++
	return id
}

func (pr *Reader) Advance(target model.RowID) model.RowID {
	if pr.exhausted {
		return model.EndOfStream
	}
	if target > pr.max {
		pr.exhausted = true
		return model.EndOfStream
	}
	// Last block whose first id <= target.
	idx := sort.Search(len(pr.firstIDs), func(i int) bool {
		return model.RowID(pr.firstIDs[i]) > target
	}) - 1
	if idx < pr.blockIdx {
		idx = pr.blockIdx
	}
	if idx < 0 {
		idx = 0
	}
	if idx != pr.blockIdx {
		if err := pr.decodeBlock(idx); err != nil {
			pr.exhausted = true
			return model.EndOfStream
		}
	}
	for {
		for pr.pos < len(pr.block) {
			if pr.block[pr.pos] >= target {
				id := pr.block[pr.pos]
				pr.pos++
				return id
			}
			pr.pos++
		}
		next := pr.blockIdx + 1
		if next >= len(pr.offsets) {
			pr.exhausted = true
			return model.EndOfStream
		}
		if err := pr.decodeBlock(next); err != nil {
			pr.exhausted = true
			return model.EndOfStream
		}
	}
}

func (pr *Reader) Min() model.RowID {
	if len(pr.firstIDs) == 0 {
		return model.EndOfStream
	}
	return model.RowID(pr.firstIDs[0])
}

func (pr *Reader) Max() model.RowID { return pr.max }
func (pr *Reader) Count() uint64    { return pr.count }

// Close releases decoder state. The underlying file is shared and stays
// open.
func (pr *Reader) Close() error {
	pr.block = nil
	pr.exhausted = true
	return nil
}
