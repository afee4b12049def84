package chunk

import (
	"context"
	"io"
)

// Reader is a seekable stream over a stored chunk.
type Reader interface {
	io.Reader
	io.Seeker
	io.Closer
}

// Status describes how much of a chunk a store currently holds.
type Status struct {
	ChunkId ChunkId
	// Written is the number of contiguous bytes present from offset 0.
	Written uint64
	// Length is the declared total length, 0 when unknown.
	Length uint64
	// Completed is set once the chunk is sealed at its declared length.
	Completed bool
}

// WriteRequest is a resumable streaming write of [Offset, Offset+Length)
// into a chunk.
type WriteRequest struct {
	ChunkId ChunkId
	// Offset is the absolute position of the first byte of Reader within
	// the chunk. Writes are strictly non-decreasing per chunk.
	Offset uint64
	Reader io.Reader
	// Length is the number of bytes to consume from Reader, 0 = to EOF.
	Length uint64
	// Tail, when non-zero, declares the total chunk size; reaching it
	// seals the chunk.
	Tail uint64
	// FullId optionally records the canonical full-hash id alongside a
	// chunk written under its quick-hash id.
	FullId ChunkId
}

// Store is the low-level storage boundary the sector layer is built on.
// The local filesystem store, the S3 target and the hybrid sector store all
// implement it.
type Store interface {
	// Read opens a seekable reader over the chunk, or returns a
	// KindNotFound error.
	Read(ctx context.Context, id ChunkId) (Reader, error)
	// Write appends the request's byte range. Idempotent per
	// (chunk, offset): re-writing an already-present range is a no-op
	// that reports the current status.
	Write(ctx context.Context, req WriteRequest) (Status, error)
	// Stat reports the chunk's status, or nil when the store has never
	// seen the id.
	Stat(ctx context.Context, id ChunkId) (*Status, error)
	// Delete removes the chunk. Deleting an absent chunk is not an error.
	Delete(ctx context.Context, id ChunkId) error
	// List enumerates every chunk the store holds.
	List(ctx context.Context) ([]Status, error)
	// Link makes newID resolve to the same bytes as targetID. This is the
	// only way two ids may map to one stored object.
	Link(ctx context.Context, targetID, newID ChunkId) error
}
