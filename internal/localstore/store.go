// Package localstore is the filesystem-backed chunk store: the landing zone
// chunks pass through before remote promotion, and a complete chunk target
// in its own right for local backup plans.
package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/chunkvault/internal/chunk"
)

const (
	partSuffix = ".part"
	metaSuffix = ".meta"
)

// partMeta is the sidecar persisted next to an in-progress chunk so resumed
// writes know the declared tail and the linked full-hash id.
type partMeta struct {
	Tail   uint64 `json:"tail,omitempty"`
	FullId string `json:"full_id,omitempty"`
}

// Store implements chunk.Store on a directory. Completed chunks live under
// their id-derived file name; in-progress writes append to a .part file that
// is atomically renamed on completion.
type Store struct {
	basePath string
	logger   *logrus.Logger

	// mu serializes metadata mutations (rename, link, sidecar updates).
	// Bulk byte I/O happens outside the lock.
	mu sync.Mutex
}

// New creates a store rooted at basePath.
func New(basePath string, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{basePath: basePath, logger: logger}
}

// Init creates the base directory.
func (s *Store) Init() error {
	if err := os.MkdirAll(s.basePath, 0o755); err != nil {
		return chunk.ErrIo(err, "failed to create chunk store at %s", s.basePath)
	}
	return nil
}

// BasePath returns the store's root directory.
func (s *Store) BasePath() string { return s.basePath }

// fileName derives the on-disk name from the id's algorithm and digest. The
// declared length is deliberately dropped so an id with and without a length
// tag resolves to the same object.
func fileName(id chunk.ChunkId) string {
	text := id.String()
	parts := strings.SplitN(text, ":", 3)
	return parts[0] + "_" + parts[1]
}

func (s *Store) chunkPath(id chunk.ChunkId) string {
	return filepath.Join(s.basePath, fileName(id))
}

// Read opens the completed chunk positioned at offset 0.
func (s *Store) Read(ctx context.Context, id chunk.ChunkId) (chunk.Reader, error) {
	f, err := os.Open(s.chunkPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, chunk.ErrNotFound("chunk %s not in local store", id)
		}
		return nil, chunk.ErrIo(err, "failed to open chunk %s", id)
	}
	return f, nil
}

// Stat reports the chunk's progress: a completed file, a partial .part file,
// or nothing.
func (s *Store) Stat(ctx context.Context, id chunk.ChunkId) (*chunk.Status, error) {
	path := s.chunkPath(id)
	if fi, err := os.Stat(path); err == nil {
		return &chunk.Status{
			ChunkId:   id,
			Written:   uint64(fi.Size()),
			Length:    uint64(fi.Size()),
			Completed: true,
		}, nil
	} else if !os.IsNotExist(err) {
		return nil, chunk.ErrIo(err, "failed to stat chunk %s", id)
	}

	fi, err := os.Stat(path + partSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, chunk.ErrIo(err, "failed to stat partial chunk %s", id)
	}
	st := &chunk.Status{ChunkId: id, Written: uint64(fi.Size())}
	if meta, err := s.readMeta(path); err == nil && meta != nil {
		st.Length = meta.Tail
	}
	return st, nil
}

// Write appends req's byte range to the chunk. A write at an offset below
// the current tail is treated as already done; a gap above it is refused.
func (s *Store) Write(ctx context.Context, req chunk.WriteRequest) (chunk.Status, error) {
	path := s.chunkPath(req.ChunkId)

	st, err := s.Stat(ctx, req.ChunkId)
	if err != nil {
		return chunk.Status{}, err
	}
	if st != nil && st.Completed {
		return *st, nil
	}
	var written uint64
	if st != nil {
		written = st.Written
	}
	if req.Offset > written {
		return chunk.Status{}, chunk.ErrState("write at %d leaves a gap, chunk %s has %d bytes", req.Offset, req.ChunkId, written)
	}

	src := req.Reader
	if req.Length > 0 {
		src = io.LimitReader(src, int64(req.Length))
	}
	start := req.Offset
	if start < written {
		// The overlap is already on disk: consume it without rewriting.
		skipped, err := io.CopyN(io.Discard, src, int64(written-start))
		if err != nil && err != io.EOF {
			return chunk.Status{}, chunk.ErrIo(err, "failed to skip present bytes of chunk %s", req.ChunkId)
		}
		start += uint64(skipped)
	}

	f, err := os.OpenFile(path+partSuffix, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return chunk.Status{}, chunk.ErrIo(err, "failed to open partial chunk %s", req.ChunkId)
	}
	defer f.Close()
	if _, err := f.Seek(int64(start), io.SeekStart); err != nil {
		return chunk.Status{}, chunk.ErrIo(err, "failed to seek partial chunk %s", req.ChunkId)
	}

	n, err := io.Copy(f, contextReader{ctx: ctx, r: src})
	if err != nil {
		return chunk.Status{}, chunk.ErrIo(err, "failed to write chunk %s", req.ChunkId)
	}
	if err := f.Sync(); err != nil {
		return chunk.Status{}, chunk.ErrIo(err, "failed to sync chunk %s", req.ChunkId)
	}
	if end := start + uint64(n); end > written {
		written = end
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta := partMeta{Tail: req.Tail}
	if !req.FullId.IsZero() {
		meta.FullId = req.FullId.String()
	}
	if prev, _ := s.readMeta(path); prev != nil {
		if meta.Tail == 0 {
			meta.Tail = prev.Tail
		}
		if meta.FullId == "" {
			meta.FullId = prev.FullId
		}
	}
	if err := s.writeMeta(path, meta); err != nil {
		return chunk.Status{}, err
	}

	status := chunk.Status{ChunkId: req.ChunkId, Written: written, Length: meta.Tail}
	if meta.Tail > 0 && written >= meta.Tail {
		if err := s.seal(path, meta); err != nil {
			return chunk.Status{}, err
		}
		status.Completed = true
		s.logger.WithFields(logrus.Fields{
			"chunk_id": req.ChunkId.String(),
			"length":   written,
		}).Debug("chunk sealed in local store")
	}
	return status, nil
}

// seal renames the .part file into place and links the full-hash alias
// recorded in the sidecar. Caller holds mu.
func (s *Store) seal(path string, meta partMeta) error {
	if err := os.Rename(path+partSuffix, path); err != nil {
		return chunk.ErrIo(err, "failed to seal chunk at %s", path)
	}
	_ = os.Remove(path + metaSuffix)
	if meta.FullId != "" {
		if fullID, err := chunk.ParseChunkId(meta.FullId); err == nil {
			if err := s.linkLocked(path, s.chunkPath(fullID)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Complete seals the chunk at its current size regardless of a declared
// tail. Used by the streaming writer path.
func (s *Store) Complete(ctx context.Context, id chunk.ChunkId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.chunkPath(id)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	meta, _ := s.readMeta(path)
	if meta == nil {
		meta = &partMeta{}
	}
	if _, err := os.Stat(path + partSuffix); err != nil {
		if os.IsNotExist(err) {
			return chunk.ErrNotFound("no partial data for chunk %s", id)
		}
		return chunk.ErrIo(err, "failed to stat partial chunk %s", id)
	}
	return s.seal(path, *meta)
}

// Delete removes the chunk, its partial file and sidecar.
func (s *Store) Delete(ctx context.Context, id chunk.ChunkId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.chunkPath(id)
	for _, p := range []string{path, path + partSuffix, path + metaSuffix} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return chunk.ErrIo(err, "failed to delete chunk %s", id)
		}
	}
	return nil
}

// List enumerates completed chunks. Partial files are reported with their
// current written size.
func (s *Store) List(ctx context.Context) ([]chunk.Status, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, chunk.ErrIo(err, "failed to list chunk store at %s", s.basePath)
	}
	var out []chunk.Status
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), metaSuffix) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		id, ok := idFromFileName(strings.TrimSuffix(e.Name(), partSuffix))
		if !ok {
			continue
		}
		out = append(out, chunk.Status{
			ChunkId:   id,
			Written:   uint64(fi.Size()),
			Length:    uint64(fi.Size()),
			Completed: !strings.HasSuffix(e.Name(), partSuffix),
		})
	}
	return out, nil
}

func idFromFileName(name string) (chunk.ChunkId, bool) {
	i := strings.IndexByte(name, '_')
	if i < 0 {
		return chunk.ChunkId{}, false
	}
	id, err := chunk.ParseChunkId(name[:i] + ":" + name[i+1:])
	if err != nil {
		return chunk.ChunkId{}, false
	}
	return id, true
}

// Link makes newID resolve to targetID's bytes: hardlink when the filesystem
// allows it, byte copy otherwise.
func (s *Store) Link(ctx context.Context, targetID, newID chunk.ChunkId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.linkLocked(s.chunkPath(targetID), s.chunkPath(newID))
}

func (s *Store) linkLocked(targetPath, newPath string) error {
	if targetPath == newPath {
		return nil
	}
	if _, err := os.Stat(newPath); err == nil {
		return nil
	}
	if _, err := os.Stat(targetPath); err != nil {
		if os.IsNotExist(err) {
			return chunk.ErrNotFound("link target %s not in local store", filepath.Base(targetPath))
		}
		return chunk.ErrIo(err, "failed to stat link target")
	}
	if err := os.Link(targetPath, newPath); err == nil {
		return nil
	}
	// Hardlinks are unavailable on some filesystems, fall back to a copy.
	src, err := os.Open(targetPath)
	if err != nil {
		return chunk.ErrIo(err, "failed to open link source")
	}
	defer src.Close()
	tmp := newPath + ".link.tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return chunk.ErrIo(err, "failed to create link copy")
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return chunk.ErrIo(err, "failed to copy link data")
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return chunk.ErrIo(err, "failed to close link copy")
	}
	if err := os.Rename(tmp, newPath); err != nil {
		return chunk.ErrIo(err, "failed to place link copy")
	}
	return nil
}

func (s *Store) readMeta(path string) (*partMeta, error) {
	b, err := os.ReadFile(path + metaSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, chunk.ErrIo(err, "failed to read chunk sidecar")
	}
	var meta partMeta
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, chunk.ErrInvalidInput(err, "corrupt chunk sidecar at %s", path)
	}
	return &meta, nil
}

func (s *Store) writeMeta(path string, meta partMeta) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return chunk.ErrInternal(err, "failed to encode chunk sidecar")
	}
	if err := os.WriteFile(path+metaSuffix, b, 0o644); err != nil {
		return chunk.ErrIo(err, "failed to write chunk sidecar")
	}
	return nil
}

// contextReader aborts a long copy once ctx is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, fmt.Errorf("read cancelled: %w", err)
	}
	return c.r.Read(p)
}
