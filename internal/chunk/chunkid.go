package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Hash algorithm tags carried in the textual ChunkId form. A quick hash is
// never a canonical content identifier; it must be linked to a full-hash id
// before the chunk is considered canonical.
const (
	AlgoSHA256      = "sha256"
	AlgoQuickSHA256 = "qsha256"
)

// ChunkId is the opaque content identifier. Its textual form is
// "<algo>:<hex digest>" or "<algo>:<hex digest>:<length>" when the producer
// declared a length. Equality is over the textual form.
type ChunkId struct {
	algo   string
	digest string
	length int64 // -1 when undeclared
}

// ParseChunkId parses the textual form back into a ChunkId.
func ParseChunkId(s string) (ChunkId, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return ChunkId{}, ErrInvalidInput(nil, "malformed chunk id %q", s)
	}
	if parts[0] != AlgoSHA256 && parts[0] != AlgoQuickSHA256 {
		return ChunkId{}, ErrInvalidInput(nil, "unknown hash algorithm in chunk id %q", s)
	}
	if _, err := hex.DecodeString(parts[1]); err != nil || len(parts[1]) != sha256.Size*2 {
		return ChunkId{}, ErrInvalidInput(err, "malformed digest in chunk id %q", s)
	}
	id := ChunkId{algo: parts[0], digest: parts[1], length: -1}
	if len(parts) == 3 {
		n, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || n < 0 {
			return ChunkId{}, ErrInvalidInput(err, "malformed length in chunk id %q", s)
		}
		id.length = n
	}
	return id, nil
}

// NewChunkId wraps a SHA-256 digest as a canonical full-hash id.
func NewChunkId(digest [sha256.Size]byte, length int64) ChunkId {
	return ChunkId{algo: AlgoSHA256, digest: hex.EncodeToString(digest[:]), length: length}
}

// NewQuickId wraps a quick-hash digest. The result is a dedup probe, not a
// content identifier.
func NewQuickId(digest [sha256.Size]byte, length int64) ChunkId {
	return ChunkId{algo: AlgoQuickSHA256, digest: hex.EncodeToString(digest[:]), length: length}
}

// String returns the canonical textual form.
func (id ChunkId) String() string {
	if id.length >= 0 {
		return fmt.Sprintf("%s:%s:%d", id.algo, id.digest, id.length)
	}
	return fmt.Sprintf("%s:%s", id.algo, id.digest)
}

// Algo returns the hash algorithm tag.
func (id ChunkId) Algo() string { return id.algo }

// IsQuickHash reports whether this id was produced by the quick hasher.
func (id ChunkId) IsQuickHash() bool { return id.algo == AlgoQuickSHA256 }

// Length returns the declared length and whether one was declared.
func (id ChunkId) Length() (int64, bool) {
	if id.length < 0 {
		return 0, false
	}
	return id.length, true
}

// WithLength returns a copy of the id carrying the given declared length.
func (id ChunkId) WithLength(length int64) ChunkId {
	id.length = length
	return id
}

// IsZero reports whether the id is the zero value.
func (id ChunkId) IsZero() bool { return id.algo == "" }

// Equal compares two ids over their textual form.
func (id ChunkId) Equal(other ChunkId) bool { return id.String() == other.String() }

// EncodedSize is the number of bytes a ChunkId occupies inside a sector
// header entry: the algo tag padded to 8 bytes plus the raw 32-byte digest
// plus the 8-byte declared length.
const EncodedSize = 8 + sha256.Size + 8
