package localstore

import (
	"bytes"
	"context"
	"io"

	"github.com/kenneth/chunkvault/internal/chunk"
)

// Target wraps a Store as an engine-facing chunk target for local backup
// plans (and for tests).
type Target struct {
	store *Store
	url   string
}

// NewTarget builds a target over the store rooted at the file URL's path.
func NewTarget(store *Store, url string) *Target {
	return &Target{store: store, url: url}
}

func (t *Target) GetTargetInfo(ctx context.Context) (string, error) {
	return `{"type":"local","base_path":"` + t.store.BasePath() + `"}`, nil
}

func (t *Target) GetTargetURL() string { return t.url }

// Local targets carry no account session.
func (t *Target) GetAccountSessionInfo(ctx context.Context) (string, error) { return "", nil }
func (t *Target) SetAccountSessionInfo(ctx context.Context, session string) error {
	return nil
}

func (t *Target) IsChunkExist(ctx context.Context, id chunk.ChunkId) (bool, uint64, error) {
	st, err := t.store.Stat(ctx, id)
	if err != nil {
		return false, 0, err
	}
	if st == nil || !st.Completed {
		return false, 0, nil
	}
	return true, st.Length, nil
}

func (t *Target) QueryChunkState(ctx context.Context, ids []chunk.ChunkId) ([]chunk.ChunkId, error) {
	out := make([]chunk.ChunkId, 0, len(ids))
	for _, id := range ids {
		exists, length, err := t.IsChunkExist(ctx, id)
		if err != nil {
			return nil, err
		}
		if exists {
			id = id.WithLength(int64(length))
		}
		out = append(out, id)
	}
	return out, nil
}

func (t *Target) PutChunk(ctx context.Context, id chunk.ChunkId, data []byte) error {
	if declared, ok := id.Length(); ok && declared != int64(len(data)) {
		return chunk.ErrState("chunk %s declares %d bytes, write carries %d", id, declared, len(data))
	}
	_, err := t.store.Write(ctx, chunk.WriteRequest{
		ChunkId: id,
		Reader:  bytes.NewReader(data),
		Length:  uint64(len(data)),
		Tail:    uint64(len(data)),
	})
	return err
}

func (t *Target) PutChunkList(ctx context.Context, chunks map[chunk.ChunkId][]byte) error {
	for id, data := range chunks {
		if err := t.PutChunk(ctx, id, data); err != nil {
			return err
		}
	}
	return nil
}

func (t *Target) AppendChunkData(ctx context.Context, id chunk.ChunkId, offsetFromBegin uint64, data []byte, isCompleted bool, totalSize uint64) error {
	req := chunk.WriteRequest{
		ChunkId: id,
		Offset:  offsetFromBegin,
		Reader:  bytes.NewReader(data),
		Length:  uint64(len(data)),
	}
	if isCompleted {
		req.Tail = offsetFromBegin + uint64(len(data))
	} else if totalSize > 0 {
		req.Tail = totalSize
	}
	_, err := t.store.Write(ctx, req)
	return err
}

func (t *Target) OpenChunkWriter(ctx context.Context, id chunk.ChunkId, offset, totalSize uint64) (io.WriteCloser, uint64, error) {
	st, err := t.store.Stat(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	if st != nil && st.Completed {
		return discardWriter{}, st.Written, nil
	}
	var written uint64
	if st != nil {
		written = st.Written
	}
	return &chunkWriter{ctx: ctx, target: t, id: id, offset: written, total: totalSize}, written, nil
}

func (t *Target) CompleteChunkWriter(ctx context.Context, id chunk.ChunkId) error {
	return t.store.Complete(ctx, id)
}

func (t *Target) OpenChunkReaderForRestore(ctx context.Context, id chunk.ChunkId, offset uint64) (chunk.Reader, error) {
	r, err := t.store.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := r.Seek(int64(offset), io.SeekStart); err != nil {
			r.Close()
			return nil, chunk.ErrIo(err, "failed to position restore reader for %s", id)
		}
	}
	return r, nil
}

func (t *Target) LinkChunkId(ctx context.Context, targetID, newID chunk.ChunkId) error {
	return t.store.Link(ctx, targetID, newID)
}

func (t *Target) DeleteChunk(ctx context.Context, id chunk.ChunkId) error {
	return t.store.Delete(ctx, id)
}

func (t *Target) ListChunks(ctx context.Context) ([]chunk.Status, error) {
	return t.store.List(ctx)
}

// chunkWriter streams sequential appends into the store.
type chunkWriter struct {
	ctx    context.Context
	target *Target
	id     chunk.ChunkId
	offset uint64
	total  uint64
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	_, err := w.target.store.Write(w.ctx, chunk.WriteRequest{
		ChunkId: w.id,
		Offset:  w.offset,
		Reader:  bytes.NewReader(p),
		Length:  uint64(len(p)),
		Tail:    w.total,
	})
	if err != nil {
		return 0, err
	}
	w.offset += uint64(len(p))
	return len(p), nil
}

func (w *chunkWriter) Close() error {
	if w.total == 0 {
		return w.target.store.Complete(w.ctx, w.id)
	}
	return nil
}

// discardWriter is handed out when the chunk is already complete; it
// accepts no further bytes.
type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
func (discardWriter) Close() error                { return nil }
