// Package keystore maintains the per-SSTable primary-key map: the
// bijection between (token, partition key, clustering) tuples and dense
// segment row ids, plus the dense token array used for token-range
// filtering.
package keystore

import (
	"encoding/binary"

	"github.com/spaolacci/murmur3"

	"github.com/hupe1980/saigo/model"
)

// TokenOf hashes a partition key to its token, matching the Murmur3
// partitioner: the first 64 bits of the 128-bit hash.
func TokenOf(partitionKey []byte) int64 {
	h1, _ := murmur3.Sum128(partitionKey)
	return int64(h1)
}

// encodeComparable produces a byte string whose order matches
// model.PrimaryKey.Compare: sign-flipped big-endian token, then the
// variable-length fields with 0x00 escaping and a 0x00 0x00 terminator so
// no key is a prefix of another.
func encodeComparable(k model.PrimaryKey) []byte {
	out := make([]byte, 0, 8+len(k.Partition)+len(k.Clustering)+8)
	var tok [8]byte
	binary.BigEndian.PutUint64(tok[:], uint64(k.Token)^(1<<63))
	out = append(out, tok[:]...)
	out = appendEscaped(out, k.Partition)
	out = appendEscaped(out, k.Clustering)
	return out
}

func appendEscaped(dst, field []byte) []byte {
	for _, b := range field {
		if b == 0x00 {
			dst = append(dst, 0x00, 0x01)
		} else {
			dst = append(dst, b)
		}
	}
	return append(dst, 0x00, 0x00)
}

// encodeRecord serializes a primary key for the blocks file.
func encodeRecord(k model.PrimaryKey) []byte {
	out := make([]byte, 0, 8+10+len(k.Partition)+len(k.Clustering))
	var tok [8]byte
	binary.BigEndian.PutUint64(tok[:], uint64(k.Token))
	out = append(out, tok[:]...)
	out = binary.AppendUvarint(out, uint64(len(k.Partition)))
	out = append(out, k.Partition...)
	out = binary.AppendUvarint(out, uint64(len(k.Clustering)))
	out = append(out, k.Clustering...)
	return out
}

func decodeRecord(buf []byte) (model.PrimaryKey, int, error) {
	var k model.PrimaryKey
	if len(buf) < 8 {
		return k, 0, errTruncatedRecord
	}
	k.Token = int64(binary.BigEndian.Uint64(buf[0:8]))
	pos := 8
	pl, n := binary.Uvarint(buf[pos:])
	if n <= 0 || len(buf) < pos+n+int(pl) {
		return k, 0, errTruncatedRecord
	}
	pos += n
	k.Partition = append([]byte(nil), buf[pos:pos+int(pl)]...)
	pos += int(pl)
	cl, n := binary.Uvarint(buf[pos:])
	if n <= 0 || len(buf) < pos+n+int(cl) {
		return k, 0, errTruncatedRecord
	}
	pos += n
	k.Clustering = append([]byte(nil), buf[pos:pos+int(cl)]...)
	pos += int(cl)
	return k, pos, nil
}
