package keystore

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/klauspost/compress/s2"

	"github.com/hupe1980/saigo/internal/fs"
	"github.com/hupe1980/saigo/internal/storage"
	"github.com/hupe1980/saigo/internal/trie"
	"github.com/hupe1980/saigo/model"
)

// Reader resolves row ids to primary keys and back over the per-SSTable
// key map components. All component footers are validated at open;
// a mismatch surfaces storage.ErrCorrupt.
type Reader struct {
	trieHandle   *storage.FileHandle
	blocksHandle *storage.FileHandle
	tokensHandle *storage.FileHandle

	trie    *trie.Reader
	offsets []uint64
	count   uint64
}

// Open validates and opens the key map of one SSTable.
func Open(fsys fs.FileSystem, desc storage.Descriptor) (*Reader, error) {
	r := &Reader{}
	openValidated := func(c storage.ComponentType) (*storage.FileHandle, int64, error) {
		f, err := fsys.OpenFile(desc.FileName("", c), os.O_RDONLY, 0)
		if err != nil {
			return nil, 0, err
		}
		_, bodyLen, err := storage.ValidateFooter(f)
		if err != nil {
			f.Close()
			return nil, 0, fmt.Errorf("%s: %w", c, err)
		}
		return storage.NewFileHandle(f), bodyLen, nil
	}

	trieHandle, trieBody, err := openValidated(storage.PrimaryKeyTrie)
	if err != nil {
		return nil, err
	}
	r.trieHandle = trieHandle

	var tail [8]byte
	if _, err := trieHandle.ReadAt(tail[:], trieBody-8); err != nil {
		r.Close()
		return nil, err
	}
	indexOff := binary.BigEndian.Uint64(tail[:])
	if indexOff >= uint64(trieBody-8) {
		r.Close()
		return nil, fmt.Errorf("%w: primary key trie index offset", storage.ErrCorrupt)
	}
	r.trie, err = trie.NewReader(trieHandle, indexOff, uint64(trieBody-8)-indexOff)
	if err != nil {
		r.Close()
		return nil, err
	}

	offHandle, offBody, err := openValidated(storage.PrimaryKeyBlockOffsets)
	if err != nil {
		r.Close()
		return nil, err
	}
	buf := make([]byte, offBody)
	_, err = offHandle.ReadAt(buf, 0)
	offHandle.Release()
	if err != nil {
		r.Close()
		return nil, err
	}
	if len(buf) < 12 {
		r.Close()
		return nil, fmt.Errorf("%w: block offsets truncated", storage.ErrCorrupt)
	}
	r.count = binary.BigEndian.Uint64(buf[0:8])
	numBlocks := int(binary.BigEndian.Uint32(buf[8:12]))
	if len(buf) < 12+numBlocks*8 {
		r.Close()
		return nil, fmt.Errorf("%w: block offsets truncated", storage.ErrCorrupt)
	}
	r.offsets = make([]uint64, numBlocks)
	for i := range r.offsets {
		r.offsets[i] = binary.BigEndian.Uint64(buf[12+i*8:])
	}

	if r.blocksHandle, _, err = openValidated(storage.PrimaryKeyBlocks); err != nil {
		r.Close()
		return nil, err
	}
	if r.tokensHandle, _, err = openValidated(storage.TokenValues); err != nil {
		r.Close()
		return nil, err
	}
	// The offsets-values summary is only consulted here for validation.
	summary, _, err := openValidated(storage.OffsetsValues)
	if err != nil {
		r.Close()
		return nil, err
	}
	summary.Release()
	return r, nil
}

// Count returns the number of rows in the SSTable.
func (r *Reader) Count() uint64 { return r.count }

// RowID resolves a primary key to its row id.
func (r *Reader) RowID(key model.PrimaryKey) (model.RowID, bool, error) {
	off, ok, err := r.trie.Exact(encodeComparable(key))
	if err != nil || !ok {
		return 0, false, err
	}
	return model.RowID(off), true, nil
}

// CeilingRowID returns the smallest row id whose key is >= key.
func (r *Reader) CeilingRowID(key model.PrimaryKey) (model.RowID, bool, error) {
	c := r.trie.Cursor(trie.Bound{Value: encodeComparable(key), Inclusive: true}, trie.Bound{})
	_, off, ok := c.Next()
	if err := c.Err(); err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	return model.RowID(off), true, nil
}

// PrimaryKey resolves a row id to its primary key.
func (r *Reader) PrimaryKey(rowID model.RowID) (model.PrimaryKey, error) {
	blockIdx := int(rowID) / blockRows
	if blockIdx >= len(r.offsets) {
		return model.PrimaryKey{}, fmt.Errorf("row id %d out of range", rowID)
	}
	var hdr [4]byte
	off := int64(r.offsets[blockIdx])
	if _, err := r.blocksHandle.ReadAt(hdr[:], off); err != nil {
		return model.PrimaryKey{}, err
	}
	compressed := make([]byte, binary.BigEndian.Uint32(hdr[:]))
	if _, err := r.blocksHandle.ReadAt(compressed, off+4); err != nil {
		return model.PrimaryKey{}, err
	}
	block, err := s2.Decode(nil, compressed)
	if err != nil {
		return model.PrimaryKey{}, fmt.Errorf("%w: %v", storage.ErrCorrupt, err)
	}
	want := int(rowID) % blockRows
	for i := 0; ; i++ {
		key, n, err := decodeRecord(block)
		if err != nil {
			return model.PrimaryKey{}, fmt.Errorf("%w: %v", storage.ErrCorrupt, err)
		}
		if i == want {
			return key, nil
		}
		block = block[n:]
	}
}

// Token returns the token of a row id from the dense token array.
func (r *Reader) Token(rowID model.RowID) (int64, error) {
	var buf [8]byte
	if _, err := r.tokensHandle.ReadAt(buf[:], int64(rowID)*8); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

// KeepRange returns a predicate over row ids for key-range filtering.
func (r *Reader) KeepRange(rng model.KeyRange) func(model.RowID) bool {
	return func(id model.RowID) bool {
		key, err := r.PrimaryKey(id)
		if err != nil {
			return false
		}
		return rng.Contains(key)
	}
}

// Close releases the component file handles.
func (r *Reader) Close() error {
	var firstErr error
	for _, h := range []*storage.FileHandle{r.trieHandle, r.blocksHandle, r.tokensHandle} {
		if h != nil {
			if err := h.Release(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	r.trieHandle, r.blocksHandle, r.tokensHandle = nil, nil, nil
	return firstErr
}
