package keystore

import (
	"encoding/binary"
	"errors"
	"os"

	"github.com/klauspost/compress/s2"

	"github.com/hupe1980/saigo/internal/fault"
	"github.com/hupe1980/saigo/internal/fs"
	"github.com/hupe1980/saigo/internal/storage"
	"github.com/hupe1980/saigo/internal/trie"
	"github.com/hupe1980/saigo/model"
)

// blockRows is the number of primary keys per compressed block.
const blockRows = 128

var errTruncatedRecord = errors.New("truncated primary key record")

// ErrKeyOrder is returned when keys are added out of order.
var ErrKeyOrder = errors.New("primary keys must be added in strictly increasing order")

// Writer streams the per-SSTable key map components. Keys must arrive in
// primary-key order; row ids are assigned densely from zero.
type Writer struct {
	fsys   fs.FileSystem
	desc   storage.Descriptor
	faults *fault.Registry

	trieFile   fs.File
	trieW      *storage.ChecksumWriter
	trie       *trie.Writer
	blocksFile fs.File
	blocksW    *storage.ChecksumWriter
	offsets    []uint64 // per-block absolute offsets in blocks file
	tokensFile fs.File
	tokensW    *storage.ChecksumWriter
	offFile    fs.File
	offW       *storage.ChecksumWriter

	block    []byte
	inBlock  int
	count    uint64
	lastKey  model.PrimaryKey
	hasLast  bool
	scratch  []byte
}

// NewWriter opens the per-SSTable component files for writing.
func NewWriter(fsys fs.FileSystem, desc storage.Descriptor, faults *fault.Registry) (*Writer, error) {
	w := &Writer{fsys: fsys, desc: desc, faults: faults}
	var err error
	open := func(c storage.ComponentType) (fs.File, *storage.ChecksumWriter) {
		if err != nil {
			return nil, nil
		}
		var f fs.File
		f, err = fsys.OpenFile(desc.FileName("", c), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil
		}
		return f, storage.NewChecksumWriter(f)
	}
	w.trieFile, w.trieW = open(storage.PrimaryKeyTrie)
	w.blocksFile, w.blocksW = open(storage.PrimaryKeyBlocks)
	w.tokensFile, w.tokensW = open(storage.TokenValues)
	w.offFile, w.offW = open(storage.PrimaryKeyBlockOffsets)
	if err != nil {
		w.Abort()
		return nil, err
	}
	w.trie = trie.NewWriter(w.trieW, 0)
	return w, nil
}

// Add appends one primary key, assigning it the next dense row id.
func (w *Writer) Add(key model.PrimaryKey) error {
	if err := w.faults.Point(fault.BeforeTokenWriterAdd); err != nil {
		return err
	}
	if w.hasLast && key.Compare(w.lastKey) <= 0 {
		return ErrKeyOrder
	}
	if err := w.trie.Add(encodeComparable(key), w.count); err != nil {
		return err
	}

	var tok [8]byte
	binary.BigEndian.PutUint64(tok[:], uint64(key.Token))
	if _, err := w.tokensW.Write(tok[:]); err != nil {
		return err
	}

	w.block = append(w.block, encodeRecord(key)...)
	w.inBlock++
	w.count++
	w.lastKey = key
	w.hasLast = true
	if w.inBlock == blockRows {
		return w.flushBlock()
	}
	return nil
}

func (w *Writer) flushBlock() error {
	w.offsets = append(w.offsets, w.blocksW.Pos())
	w.scratch = s2.Encode(w.scratch[:0], w.block)
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(w.scratch)))
	if _, err := w.blocksW.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.blocksW.Write(w.scratch); err != nil {
		return err
	}
	w.block = w.block[:0]
	w.inBlock = 0
	return nil
}

// Count returns the number of keys added so far.
func (w *Writer) Count() uint64 { return w.count }

// Finish flushes the final block, writes the offsets file and all footers.
func (w *Writer) Finish() error {
	if w.inBlock > 0 {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}
	trieIndexOff, err := w.trie.Finish()
	if err != nil {
		return err
	}
	// Trie body ends with its index offset so the reader can find it.
	var tail [8]byte
	binary.BigEndian.PutUint64(tail[:], trieIndexOff)
	if _, err := w.trieW.Write(tail[:]); err != nil {
		return err
	}

	var buf []byte
	buf = binary.BigEndian.AppendUint64(buf, w.count)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(w.offsets)))
	for _, off := range w.offsets {
		buf = binary.BigEndian.AppendUint64(buf, off)
	}
	if _, err := w.offW.Write(buf); err != nil {
		return err
	}

	for _, cw := range []*storage.ChecksumWriter{w.trieW, w.blocksW, w.tokensW, w.offW} {
		if err := cw.FinishFooter(w.desc.Version); err != nil {
			return err
		}
	}
	for _, f := range []fs.File{w.trieFile, w.blocksFile, w.tokensFile, w.offFile} {
		if err := f.Close(); err != nil {
			return err
		}
	}
	// OFFSETS_VALUES carries the row-count summary used by readers that
	// only need cardinality.
	f, err := w.fsys.OpenFile(w.desc.FileName("", storage.OffsetsValues), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	cw := storage.NewChecksumWriter(f)
	var summary [8]byte
	binary.BigEndian.PutUint64(summary[:], w.count)
	if _, err := cw.Write(summary[:]); err != nil {
		f.Close()
		return err
	}
	if err := cw.FinishFooter(w.desc.Version); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Abort closes and removes every per-SSTable component file written so far.
func (w *Writer) Abort() {
	for _, f := range []fs.File{w.trieFile, w.blocksFile, w.tokensFile, w.offFile} {
		if f != nil {
			f.Close()
		}
	}
	for _, c := range storage.PerSSTableComponents {
		w.fsys.Remove(w.desc.FileName("", c))
	}
}
