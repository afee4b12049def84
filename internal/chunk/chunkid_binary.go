package chunk

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// lengthUndeclared is the on-wire sentinel for an id without a declared
// length.
const lengthUndeclared = ^uint64(0)

// AppendBinary appends the fixed-size wire form of the id: the algorithm tag
// zero-padded to 8 bytes, the raw digest, and the declared length as a
// big-endian u64. The result is always EncodedSize bytes.
func (id ChunkId) AppendBinary(dst []byte) []byte {
	var tag [8]byte
	copy(tag[:], id.algo)
	dst = append(dst, tag[:]...)

	raw, _ := hex.DecodeString(id.digest)
	dst = append(dst, raw...)

	length := lengthUndeclared
	if id.length >= 0 {
		length = uint64(id.length)
	}
	return binary.BigEndian.AppendUint64(dst, length)
}

// DecodeChunkId decodes a wire-form id produced by AppendBinary.
func DecodeChunkId(src []byte) (ChunkId, error) {
	if len(src) < EncodedSize {
		return ChunkId{}, ErrInvalidInput(nil, "short chunk id: %d bytes", len(src))
	}
	algo := string(trimZero(src[:8]))
	if algo != AlgoSHA256 && algo != AlgoQuickSHA256 {
		return ChunkId{}, ErrInvalidInput(nil, "unknown hash algorithm tag %q", algo)
	}
	digest := hex.EncodeToString(src[8 : 8+sha256.Size])
	id := ChunkId{algo: algo, digest: digest, length: -1}
	if length := binary.BigEndian.Uint64(src[8+sha256.Size : EncodedSize]); length != lengthUndeclared {
		id.length = int64(length)
	}
	return id, nil
}

func trimZero(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}
