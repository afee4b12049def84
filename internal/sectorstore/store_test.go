package sectorstore

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/chunkvault/internal/chunk"
)

// memRemote is an in-memory remote chunk store with resumable writes and
// an optional per-write byte budget to simulate interrupted uploads.
type memRemote struct {
	mu     sync.Mutex
	chunks map[string][]byte
	tails  map[string]uint64
	// failAfter caps the bytes accepted per Write call; 0 = unlimited.
	failAfter int
}

func newMemRemote() *memRemote {
	return &memRemote{chunks: make(map[string][]byte), tails: make(map[string]uint64)}
}

func remoteKey(id chunk.ChunkId) string {
	parts := strings.SplitN(id.String(), ":", 3)
	return parts[0] + ":" + parts[1]
}

type remoteReader struct{ *bytes.Reader }

func (remoteReader) Close() error { return nil }

func (m *memRemote) Read(ctx context.Context, id chunk.ChunkId) (chunk.Reader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.chunks[remoteKey(id)]
	if !ok {
		return nil, chunk.ErrNotFound("chunk %s not in remote", id)
	}
	return remoteReader{bytes.NewReader(data)}, nil
}

func (m *memRemote) Write(ctx context.Context, req chunk.WriteRequest) (chunk.Status, error) {
	m.mu.Lock()
	key := remoteKey(req.ChunkId)
	existing := m.chunks[key]
	budget := m.failAfter
	m.mu.Unlock()

	if uint64(len(existing)) != req.Offset {
		return chunk.Status{}, chunk.ErrProvider(nil, "remote expects offset %d, got %d", len(existing), req.Offset)
	}

	limit := req.Length
	interrupted := false
	if budget > 0 && limit > uint64(budget) {
		limit = uint64(budget)
		interrupted = true
	}
	data := make([]byte, limit)
	if _, err := io.ReadFull(req.Reader, data); err != nil {
		return chunk.Status{}, chunk.ErrIo(err, "remote failed to drain reader")
	}

	m.mu.Lock()
	m.chunks[key] = append(existing, data...)
	if req.Tail > 0 {
		m.tails[key] = req.Tail
	}
	written := uint64(len(m.chunks[key]))
	m.mu.Unlock()

	if interrupted {
		return chunk.Status{}, chunk.ErrProvider(nil, "connection dropped after %d bytes", limit)
	}
	return chunk.Status{ChunkId: req.ChunkId, Written: written, Length: req.Tail, Completed: req.Tail > 0 && written >= req.Tail}, nil
}

func (m *memRemote) Stat(ctx context.Context, id chunk.ChunkId) (*chunk.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.chunks[remoteKey(id)]
	if !ok {
		return nil, nil
	}
	tail := m.tails[remoteKey(id)]
	return &chunk.Status{
		ChunkId:   id,
		Written:   uint64(len(data)),
		Length:    tail,
		Completed: tail > 0 && uint64(len(data)) >= tail,
	}, nil
}

func (m *memRemote) Delete(ctx context.Context, id chunk.ChunkId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, remoteKey(id))
	return nil
}

func (m *memRemote) List(ctx context.Context) ([]chunk.Status, error) { return nil, nil }

func (m *memRemote) Link(ctx context.Context, targetID, newID chunk.ChunkId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.chunks[remoteKey(targetID)]
	if !ok {
		return chunk.ErrNotFound("link target %s missing", targetID)
	}
	m.chunks[remoteKey(newID)] = data
	return nil
}

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	return key
}

func newTestStore(t *testing.T, remote chunk.Store, maxSector uint64) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "sectors.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	s, err := New(db, remote, Config{
		BasePath:         filepath.Join(t.TempDir(), "landing"),
		MaxSectorSize:    maxSector,
		ChunkMaxWaitTime: time.Nanosecond,
		SectorKey:        testKey(),
		BlockSize:        4096,
	}, logger, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func putChunk(t *testing.T, s *Store, data []byte) chunk.ChunkId {
	t.Helper()
	id := chunk.HashBytes(data)
	st, err := s.Write(context.Background(), chunk.WriteRequest{
		ChunkId: id,
		Reader:  bytes.NewReader(data),
		Length:  uint64(len(data)),
		Tail:    uint64(len(data)),
	})
	if err != nil {
		t.Fatalf("write chunk: %v", err)
	}
	if !st.Completed {
		t.Fatalf("chunk not completed: %+v", st)
	}
	return id
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return b
}

func TestWriteLandsLocally(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMemRemote(), 1<<20)

	data := randomBytes(t, 5000)
	id := putChunk(t, s, data)

	r, err := s.Read(ctx, id)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	defer r.Close()
	got, _ := io.ReadAll(r)
	if !bytes.Equal(got, data) {
		t.Fatal("local read differs")
	}

	// A second write of the same chunk is answered from the metadata
	// store without touching storage.
	st, err := s.Write(ctx, chunk.WriteRequest{ChunkId: id, Reader: bytes.NewReader([]byte("junk")), Tail: 4})
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if !st.Completed || st.Written != uint64(len(data)) {
		t.Fatalf("rewrite status %+v", st)
	}
}

func TestCollectAndPostSectors(t *testing.T) {
	ctx := context.Background()
	remote := newMemRemote()
	// The sector limit splits the chunks: c1 and 6/10 of c2 into the
	// first sector, the rest of c2 and c3 into the second.
	s := newTestStore(t, remote, 16000)

	c1 := randomBytes(t, 10000)
	c2 := randomBytes(t, 10000)
	c3 := randomBytes(t, 10000)
	putChunk(t, s, c1)
	id2 := putChunk(t, s, c2)
	putChunk(t, s, c3)

	committed, err := s.collectOnce(ctx)
	if err != nil || !committed {
		t.Fatalf("first collect: %v %v", committed, err)
	}
	committed, err = s.collectOnce(ctx)
	if err != nil || !committed {
		t.Fatalf("second collect: %v %v", committed, err)
	}
	committed, err = s.collectOnce(ctx)
	if err != nil {
		t.Fatalf("third collect: %v", err)
	}
	if committed {
		t.Fatal("everything packed, third collect must be a no-op")
	}

	// Verify the first sector's layout.
	first, err := s.earliestUnpostedSector(ctx)
	if err != nil || first == nil {
		t.Fatalf("no unposted sector: %v", err)
	}
	meta, err := s.querySectorMeta(ctx, first.ID)
	if err != nil {
		t.Fatalf("sector meta: %v", err)
	}
	entries := meta.Header().Chunks
	if len(entries) != 2 {
		t.Fatalf("first sector carries %d entries", len(entries))
	}
	if entries[0].Range.Len() != 10000 || entries[1].Range.Len() != 6000 {
		t.Fatalf("first sector layout %+v %+v", entries[0].Range, entries[1].Range)
	}

	for i := 0; i < 2; i++ {
		posted, err := s.postOnce(ctx)
		if err != nil || !posted {
			t.Fatalf("post %d: %v %v", i, posted, err)
		}
	}
	if posted, _ := s.postOnce(ctx); posted {
		t.Fatal("no sector left, post must be a no-op")
	}

	// Every chunk is fully covered by posted sectors, so the landing
	// copies are gone and reads go through the chunk decryptor.
	for _, id := range []chunk.ChunkId{id2} {
		if st, _ := s.local.Stat(ctx, id); st != nil {
			t.Fatal("landing copy must be evicted after posting")
		}
	}

	r, err := s.Read(ctx, id2)
	if err != nil {
		t.Fatalf("read across sectors: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if !bytes.Equal(got, c2) {
		t.Fatal("chunk read through sectors differs from original")
	}
}

func TestCollectorHoldsBackUntilOvertime(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMemRemote(), 1<<20)
	// Generous wait time: a half-empty builder must not commit.
	s.cfg.ChunkMaxWaitTime = time.Hour

	putChunk(t, s, randomBytes(t, 1000))
	committed, err := s.collectOnce(ctx)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if committed {
		t.Fatal("collector committed a small sector before the wait deadline")
	}

	s.cfg.ChunkMaxWaitTime = time.Nanosecond
	committed, err = s.collectOnce(ctx)
	if err != nil || !committed {
		t.Fatalf("overtime collect: %v %v", committed, err)
	}
}

func TestPostResumesInterruptedUpload(t *testing.T) {
	ctx := context.Background()
	remote := newMemRemote()
	remote.failAfter = 7000
	s := newTestStore(t, remote, 1<<20)

	data := randomBytes(t, 30000)
	id := putChunk(t, s, data)

	if committed, err := s.collectOnce(ctx); err != nil || !committed {
		t.Fatalf("collect: %v %v", committed, err)
	}
	row, _ := s.earliestUnpostedSector(ctx)
	meta, _ := s.querySectorMeta(ctx, row.ID)

	// Each attempt lands at most failAfter bytes, then fails; written
	// must advance monotonically until the upload completes.
	var lastWritten uint64
	for attempt := 0; attempt < 20; attempt++ {
		posted, err := s.postOnce(ctx)
		st, _ := remote.Stat(ctx, meta.SectorId())
		if st != nil {
			if st.Written < lastWritten {
				t.Fatal("remote tail went backwards")
			}
			lastWritten = st.Written
		}
		if posted {
			break
		}
		if err == nil && !posted {
			t.Fatal("post neither progressed nor errored")
		}
	}
	if lastWritten != meta.SectorLength() {
		t.Fatalf("upload incomplete after retries: %d of %d", lastWritten, meta.SectorLength())
	}

	// The interrupted upload must be bit-identical to a fresh one.
	fresh := newMemRemote()
	s2 := newTestStore(t, fresh, 1<<20)
	// Same key, same chunk, same layout: rebuild and post in one shot.
	s2.cfg.SectorKey = s.cfg.SectorKey
	putChunk(t, s2, data)
	if committed, err := s2.collectOnce(ctx); err != nil || !committed {
		t.Fatalf("fresh collect: %v %v", committed, err)
	}
	if posted, err := s2.postOnce(ctx); err != nil || !posted {
		t.Fatalf("fresh post: %v %v", posted, err)
	}

	key := remoteKey(meta.SectorId())
	if !bytes.Equal(remote.chunks[key], fresh.chunks[key]) {
		t.Fatal("resumed upload differs from uninterrupted upload")
	}

	// Reads still work once the landing copy is evicted.
	r, err := s.Read(ctx, id)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	defer r.Close()
	got, _ := io.ReadAll(r)
	if !bytes.Equal(got, data) {
		t.Fatal("post-eviction read differs")
	}
}

func TestTargetLinkAndDedup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMemRemote(), 1<<20)
	target := NewTarget(s, "sector://test")

	data := randomBytes(t, 2048)
	quick, err := chunk.QuickHash(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("quick hash: %v", err)
	}
	full := chunk.HashBytes(data)

	if err := target.PutChunk(ctx, quick, data); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := target.LinkChunkId(ctx, quick, full); err != nil {
		t.Fatalf("link: %v", err)
	}

	for _, id := range []chunk.ChunkId{quick, full} {
		exists, length, err := target.IsChunkExist(ctx, id)
		if err != nil || !exists || length != uint64(len(data)) {
			t.Fatalf("after link %s: %v %d %v", id, exists, length, err)
		}
	}
}
