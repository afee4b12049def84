package chunk

import (
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"io"
)

// QuickHashSampleSize is the span hashed at each end of a chunk by the quick
// hasher. Chunks at most twice this size are fully covered, so the quick
// hash of such a chunk commits to every byte.
const QuickHashSampleSize = 16 * 1024 * 1024

// Hasher computes the canonical full hash of a chunk incrementally.
type Hasher struct {
	h      hash.Hash
	length int64
}

// NewHasher returns a streaming SHA-256 chunk hasher.
func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

// Write feeds chunk bytes to the hasher. It never fails.
func (h *Hasher) Write(p []byte) (int, error) {
	h.length += int64(len(p))
	return h.h.Write(p)
}

// Sum finalizes the hash and wraps it as a full-hash ChunkId carrying the
// total byte count written so far.
func (h *Hasher) Sum() ChunkId {
	var digest [sha256.Size]byte
	h.h.Sum(digest[:0])
	return NewChunkId(digest, h.length)
}

// HashReader consumes r to EOF and returns the full-hash id of its content.
func HashReader(r io.Reader) (ChunkId, error) {
	h := NewHasher()
	if _, err := io.Copy(h, r); err != nil {
		return ChunkId{}, ErrIo(err, "failed to hash chunk")
	}
	return h.Sum(), nil
}

// HashBytes returns the full-hash id of b.
func HashBytes(b []byte) ChunkId {
	digest := sha256.Sum256(b)
	return NewChunkId(digest, int64(len(b)))
}

// QuickHash computes the cheap dedup probe over r: SHA-256 of the first
// QuickHashSampleSize bytes, the last QuickHashSampleSize bytes, and the
// declared length. r must be positioned at the start; its position is
// unspecified afterwards, callers re-seek before the full-hash pass.
func QuickHash(r io.ReadSeeker, size int64) (ChunkId, error) {
	h := sha256.New()

	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(size))
	h.Write(lenBuf[:])

	if size <= 2*QuickHashSampleSize {
		if _, err := io.Copy(h, io.LimitReader(r, size)); err != nil {
			return ChunkId{}, ErrIo(err, "failed to quick-hash chunk body")
		}
	} else {
		if _, err := io.Copy(h, io.LimitReader(r, QuickHashSampleSize)); err != nil {
			return ChunkId{}, ErrIo(err, "failed to quick-hash chunk prefix")
		}
		if _, err := r.Seek(size-QuickHashSampleSize, io.SeekStart); err != nil {
			return ChunkId{}, ErrIo(err, "failed to seek to chunk suffix")
		}
		if _, err := io.Copy(h, io.LimitReader(r, QuickHashSampleSize)); err != nil {
			return ChunkId{}, ErrIo(err, "failed to quick-hash chunk suffix")
		}
	}

	var digest [sha256.Size]byte
	h.Sum(digest[:0])
	return NewQuickId(digest, size), nil
}
