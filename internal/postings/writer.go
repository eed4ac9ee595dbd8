package postings

import (
	"encoding/binary"
	"io"

	"github.com/hupe1980/saigo/model"
)

// BlockSize is the number of row ids per posting block. Blocks are the
// unit of decoding and of skip granularity during Advance.
const BlockSize = 128

// Writer appends block-compressed posting lists to a postings file.
// Each list is laid out as its blocks followed by a blocks summary; the
// returned offset addresses the summary.
//
// Block encoding is frame-of-reference: the first id raw, the rest as
// varint deltas from the previous id.
type Writer struct {
	w   io.Writer
	pos uint64
	buf []byte
}

// NewWriter creates a postings writer. base is the absolute file position
// the underlying writer is currently at.
func NewWriter(w io.Writer, base uint64) *Writer {
	return &Writer{w: w, pos: base, buf: make([]byte, 0, 4*BlockSize)}
}

// Pos returns the current absolute write position.
func (w *Writer) Pos() uint64 { return w.pos }

// Write appends one posting list. ids must be strictly increasing.
func (w *Writer) Write(ids []model.RowID) (uint64, error) {
	blockCount := (len(ids) + BlockSize - 1) / BlockSize
	firstIDs := make([]uint32, 0, blockCount)
	offsets := make([]uint64, 0, blockCount)

	for start := 0; start < len(ids); start += BlockSize {
		end := min(start+BlockSize, len(ids))
		block := ids[start:end]
		firstIDs = append(firstIDs, uint32(block[0]))
		offsets = append(offsets, w.pos)
		if err := w.writeBlock(block); err != nil {
			return 0, err
		}
	}

	summaryOffset := w.pos
	w.buf = w.buf[:0]
	w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(len(ids)))
	var maxID uint32
	if len(ids) > 0 {
		maxID = uint32(ids[len(ids)-1])
	}
	w.buf = binary.BigEndian.AppendUint32(w.buf, maxID)
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(blockCount))
	for _, id := range firstIDs {
		w.buf = binary.BigEndian.AppendUint32(w.buf, id)
	}
	for _, off := range offsets {
		w.buf = binary.BigEndian.AppendUint64(w.buf, off)
	}
	return summaryOffset, w.flush()
}

func (w *Writer) writeBlock(block []model.RowID) error {
	w.buf = w.buf[:0]
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(block)))
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(block[0]))
	prev := block[0]
	for _, id := range block[1:] {
		w.buf = binary.AppendUvarint(w.buf, uint64(id-prev))
		prev = id
	}
	return w.flush()
}

func (w *Writer) flush() error {
	n, err := w.w.Write(w.buf)
	w.pos += uint64(n)
	return err
}
