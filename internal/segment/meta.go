package segment

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/hupe1980/saigo/internal/storage"
	"github.com/hupe1980/saigo/model"
)

// Meta describes one segment of a per-column index: its row-id window
// within the SSTable, term bounds, and the offsets of its regions within
// each component file.
type Meta struct {
	RowBase  model.RowID
	RowCount uint32
	MinTerm  []byte
	MaxTerm  []byte

	// UnitVector records the PQ comparison mode of a vector segment.
	UnitVector bool

	// Regions maps component type to the [offset, end) region of this
	// segment within that component file.
	Regions map[storage.ComponentType][2]uint64
}

// ColumnMeta is the decoded META component of one column.
type ColumnMeta struct {
	Segments []Meta
}

// TotalRows sums the row counts across segments.
func (m ColumnMeta) TotalRows() uint64 {
	var n uint64
	for _, s := range m.Segments {
		n += uint64(s.RowCount)
	}
	return n
}

// WriteMeta serializes the per-column segment list.
func WriteMeta(w io.Writer, m ColumnMeta) error {
	var buf []byte
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Segments)))
	for _, s := range m.Segments {
		buf = binary.BigEndian.AppendUint32(buf, uint32(s.RowBase))
		buf = binary.BigEndian.AppendUint32(buf, s.RowCount)
		if s.UnitVector {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = binary.AppendUvarint(buf, uint64(len(s.MinTerm)))
		buf = append(buf, s.MinTerm...)
		buf = binary.AppendUvarint(buf, uint64(len(s.MaxTerm)))
		buf = append(buf, s.MaxTerm...)
		buf = append(buf, byte(len(s.Regions)))
		names := make([]string, 0, len(s.Regions))
		for c := range s.Regions {
			names = append(names, string(c))
		}
		sort.Strings(names)
		for _, name := range names {
			region := s.Regions[storage.ComponentType(name)]
			buf = append(buf, byte(len(name)))
			buf = append(buf, name...)
			buf = binary.BigEndian.AppendUint64(buf, region[0])
			buf = binary.BigEndian.AppendUint64(buf, region[1])
		}
	}
	_, err := w.Write(buf)
	return err
}

// ReadMeta decodes a META component body.
func ReadMeta(r io.ReaderAt, bodyLen int64) (ColumnMeta, error) {
	buf := make([]byte, bodyLen)
	if _, err := r.ReadAt(buf, 0); err != nil && err != io.EOF {
		return ColumnMeta{}, err
	}
	var m ColumnMeta
	if len(buf) < 4 {
		return m, corrupt("meta header")
	}
	n := int(binary.BigEndian.Uint32(buf[0:4]))
	buf = buf[4:]
	for i := 0; i < n; i++ {
		var s Meta
		if len(buf) < 9 {
			return m, corrupt("meta segment")
		}
		s.RowBase = model.RowID(binary.BigEndian.Uint32(buf[0:4]))
		s.RowCount = binary.BigEndian.Uint32(buf[4:8])
		s.UnitVector = buf[8] == 1
		buf = buf[9:]
		var err error
		if s.MinTerm, buf, err = readPrefixed(buf); err != nil {
			return m, err
		}
		if s.MaxTerm, buf, err = readPrefixed(buf); err != nil {
			return m, err
		}
		if len(buf) < 1 {
			return m, corrupt("meta regions")
		}
		regions := int(buf[0])
		buf = buf[1:]
		s.Regions = make(map[storage.ComponentType][2]uint64, regions)
		for j := 0; j < regions; j++ {
			if len(buf) < 1 {
				return m, corrupt("meta region name")
			}
			nameLen := int(buf[0])
			buf = buf[1:]
			if len(buf) < nameLen+16 {
				return m, corrupt("meta region entry")
			}
			name := storage.ComponentType(buf[:nameLen])
			off := binary.BigEndian.Uint64(buf[nameLen:])
			end := binary.BigEndian.Uint64(buf[nameLen+8:])
			buf = buf[nameLen+16:]
			s.Regions[name] = [2]uint64{off, end}
		}
		m.Segments = append(m.Segments, s)
	}
	return m, nil
}

func readPrefixed(buf []byte) ([]byte, []byte, error) {
	l, n := binary.Uvarint(buf)
	if n <= 0 || len(buf) < n+int(l) {
		return nil, nil, corrupt("meta term")
	}
	return append([]byte(nil), buf[n:n+int(l)]...), buf[n+int(l):], nil
}

func corrupt(what string) error {
	return fmt.Errorf("%w: %s truncated", storage.ErrCorrupt, what)
}
