package s3target

import (
	"context"
	"io"

	"github.com/kenneth/chunkvault/internal/chunk"
)

// Store adapts the target to the low-level storage boundary the sector
// poster writes through.
type Store struct {
	target *Target
}

// AsStore exposes the target as a chunk.Store.
func (t *Target) AsStore() *Store {
	return &Store{target: t}
}

func (s *Store) Read(ctx context.Context, id chunk.ChunkId) (chunk.Reader, error) {
	exists, length, err := s.target.IsChunkExist(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, chunk.ErrNotFound("chunk %s not at S3 target", id)
	}
	return newObjectReader(ctx, s.target, objectKey(s.target.cfg.Prefix, id), length, 0), nil
}

// Write streams the request into a multipart upload starting at the
// request offset. The offset must match the upload's current tail: sector
// uploads always write strictly non-decreasing byte ranges.
func (s *Store) Write(ctx context.Context, req chunk.WriteRequest) (chunk.Status, error) {
	if exists, length, err := s.target.IsChunkExist(ctx, req.ChunkId); err != nil {
		return chunk.Status{}, err
	} else if exists {
		return chunk.Status{ChunkId: req.ChunkId, Written: length, Length: length, Completed: true}, nil
	}

	key := objectKey(s.target.cfg.Prefix, req.ChunkId)
	s.target.mu.Lock()
	var current uint64
	if state, ok := s.target.uploads[key]; ok {
		current = state.written
	}
	s.target.mu.Unlock()
	if req.Offset != current {
		return chunk.Status{}, chunk.ErrState("upload of %s is at %d, write offsets %d", req.ChunkId, current, req.Offset)
	}

	partSize := s.target.cfg.PartSize
	remaining := req.Length
	offset := req.Offset
	buf := make([]byte, partSize)
	for remaining > 0 {
		step := partSize
		if remaining < step {
			step = remaining
		}
		if _, err := io.ReadFull(req.Reader, buf[:step]); err != nil {
			return s.status(req, offset), chunk.ErrIo(err, "failed to read sector stream at %d", offset)
		}
		last := remaining == step && req.Tail > 0 && offset+step >= req.Tail
		if err := s.target.AppendChunkData(ctx, req.ChunkId, offset, buf[:step], last, req.Tail); err != nil {
			return s.status(req, offset), err
		}
		offset += step
		remaining -= step
	}
	st := s.status(req, offset)
	st.Completed = req.Tail > 0 && offset >= req.Tail
	return st, nil
}

func (s *Store) status(req chunk.WriteRequest, written uint64) chunk.Status {
	return chunk.Status{ChunkId: req.ChunkId, Written: written, Length: req.Tail}
}

func (s *Store) Stat(ctx context.Context, id chunk.ChunkId) (*chunk.Status, error) {
	exists, length, err := s.target.IsChunkExist(ctx, id)
	if err != nil {
		return nil, err
	}
	if exists {
		return &chunk.Status{ChunkId: id, Written: length, Length: length, Completed: true}, nil
	}
	key := objectKey(s.target.cfg.Prefix, id)
	s.target.mu.Lock()
	defer s.target.mu.Unlock()
	if state, ok := s.target.uploads[key]; ok {
		return &chunk.Status{ChunkId: id, Written: state.written, Length: state.totalSize}, nil
	}
	return nil, nil
}

func (s *Store) Delete(ctx context.Context, id chunk.ChunkId) error {
	return s.target.DeleteChunk(ctx, id)
}

func (s *Store) List(ctx context.Context) ([]chunk.Status, error) {
	return s.target.ListChunks(ctx)
}

func (s *Store) Link(ctx context.Context, targetID, newID chunk.ChunkId) error {
	return s.target.LinkChunkId(ctx, targetID, newID)
}
