package sectorstore

import (
	"bytes"
	"context"
	"io"

	"github.com/kenneth/chunkvault/internal/chunk"
)

// Target wraps the hybrid store as an engine-facing chunk target for plans
// whose destination is a sectorized remote.
type Target struct {
	store   *Store
	url     string
	session string
}

// NewTarget builds the adapter.
func NewTarget(store *Store, url string) *Target {
	return &Target{store: store, url: url}
}

func (t *Target) GetTargetInfo(ctx context.Context) (string, error) {
	return `{"type":"sector","base_path":"` + t.store.cfg.BasePath + `"}`, nil
}

func (t *Target) GetTargetURL() string { return t.url }

func (t *Target) GetAccountSessionInfo(ctx context.Context) (string, error) {
	return t.session, nil
}

func (t *Target) SetAccountSessionInfo(ctx context.Context, session string) error {
	t.session = session
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
		return nopWriteCloser{}, st.Written, nil
	}
	var written uint64
	if st != nil {
		written = st.Written
	}
	return &sectorChunkWriter{ctx: ctx, target: t, id: id, offset: written, total: totalSize}, written, nil
}

func (t *Target) CompleteChunkWriter(ctx context.Context, id chunk.ChunkId) error {
	if err := t.store.local.Complete(ctx, id); err != nil {
		return err
	}
	st, err := t.store.local.Stat(ctx, id)
	if err != nil || st == nil {
		return err
	}
	if err := t.store.markChunkWritten(ctx, id, st.Written, chunk.ChunkId{}); err != nil {
		return err
	}
	t.store.wakeCollector()
	return nil
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

type sectorChunkWriter struct {
	ctx    context.Context
	target *Target
	id     chunk.ChunkId
	offset uint64
	total  uint64
}

func (w *sectorChunkWriter) Write(p []byte) (int, error) {
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

func (w *sectorChunkWriter) Close() error {
	if w.total == 0 {
		return w.target.CompleteChunkWriter(w.ctx, w.id)
	}
	return nil
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }
