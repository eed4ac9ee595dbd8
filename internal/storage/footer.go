package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hupe1980/saigo/internal/fs"
	"github.com/hupe1980/saigo/internal/hash"
)

// Every non-marker component ends with [magic:u32][version:u16][crc32:u32]
// computed over the file body.
const (
	footerMagic = 0x53414923 // "SAI#"
	FooterSize  = 10
)

// ErrCorrupt is returned when a component fails checksum or structural
// validation. Callers mark the owning index non-queryable and schedule a
// rebuild.
var ErrCorrupt = errors.New("index component corrupt")

// ChecksumWriter wraps a component writer, accumulating the body CRC so
// the footer can be emitted without re-reading.
type ChecksumWriter struct {
	f   fs.File
	crc hashAccum
	n   int64
}

type hashAccum struct{ h uint32 }

func (a *hashAccum) add(p []byte) {
	a.h = hash.CRC32CUpdate(a.h, p)
}

// NewChecksumWriter wraps f.
func NewChecksumWriter(f fs.File) *ChecksumWriter {
	return &ChecksumWriter{f: f}
}

func (w *ChecksumWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.crc.add(p[:n])
	w.n += int64(n)
	return n, err
}

// Pos returns the number of body bytes written so far.
func (w *ChecksumWriter) Pos() uint64 { return uint64(w.n) }

// FinishFooter appends the footer and syncs the file.
func (w *ChecksumWriter) FinishFooter(v Version) error {
	var buf [FooterSize]byte
	binary.BigEndian.PutUint32(buf[0:4], footerMagic)
	binary.BigEndian.PutUint16(buf[4:6], v.code())
	binary.BigEndian.PutUint32(buf[6:10], w.crc.h)
	if _, err := w.f.Write(buf[:]); err != nil {
		return err
	}
	return w.f.Sync()
}

// ValidateFooter checks the footer of an open component and returns the
// format version and body length. A mismatched magic, unknown version or
// failed checksum returns ErrCorrupt.
func ValidateFooter(f fs.File) (Version, int64, error) {
	info, err := f.Stat()
	if err != nil {
		return "", 0, err
	}
	size := info.Size()
	if size < FooterSize {
		return "", 0, fmt.Errorf("%w: %d byte file", ErrCorrupt, size)
	}
	var buf [FooterSize]byte
	if _, err := f.ReadAt(buf[:], size-FooterSize); err != nil {
		return "", 0, err
	}
	if binary.BigEndian.Uint32(buf[0:4]) != footerMagic {
		return "", 0, fmt.Errorf("%w: bad footer magic", ErrCorrupt)
	}
	v := versionFromCode(binary.BigEndian.Uint16(buf[4:6]))
	if !knownVersions[v] {
		return "", 0, fmt.Errorf("%w: unknown version %q", ErrCorrupt, v)
	}
	if !v.OnDiskOrder(Latest) {
		return "", 0, fmt.Errorf("%w: version %q newer than %q", ErrCorrupt, v, Latest)
	}
	want := binary.BigEndian.Uint32(buf[6:10])
	bodyLen := size - FooterSize
	if got, err := checksumBody(f, bodyLen); err != nil {
		return "", 0, err
	} else if got != want {
		return "", 0, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	return v, bodyLen, nil
}

func checksumBody(r io.ReaderAt, n int64) (uint32, error) {
	var crc uint32
	buf := make([]byte, 64*1024)
	for off := int64(0); off < n; {
		chunk := int64(len(buf))
		if n-off < chunk {
			chunk = n - off
		}
		if _, err := r.ReadAt(buf[:chunk], off); err != nil {
			return 0, err
		}
		crc = hash.CRC32CUpdate(crc, buf[:chunk])
		off += chunk
	}
	return crc, nil
}

// CreateMarker writes a zero-length completion marker.
func CreateMarker(fsys fs.FileSystem, name string) error {
	f, err := fsys.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// MarkerExists reports whether a completion marker is present. A missing
// marker means "index absent for this SSTable", never an error.
func MarkerExists(fsys fs.FileSystem, name string) bool {
	info, err := fsys.Stat(name)
	return err == nil && info.Size() == 0
}
