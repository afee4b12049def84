package localstore

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/chunkvault/internal/chunk"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	s := New(t.TempDir(), logger)
	if err := s.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	content := []byte("the quick brown fox jumps over the lazy dog")
	id := chunk.HashBytes(content)

	st, err := s.Write(ctx, chunk.WriteRequest{
		ChunkId: id,
		Reader:  bytes.NewReader(content),
		Length:  uint64(len(content)),
		Tail:    uint64(len(content)),
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !st.Completed || st.Written != uint64(len(content)) {
		t.Fatalf("unexpected status %+v", st)
	}

	r, err := s.Read(ctx, id)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("stored bytes differ")
	}
}

func TestResumableWrite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	content := make([]byte, 1000)
	for i := range content {
		content[i] = byte(i)
	}
	id := chunk.HashBytes(content)

	// First half, declared tail, then a crash-shaped gap in time, then
	// the second half resumed at the recorded offset.
	st, err := s.Write(ctx, chunk.WriteRequest{
		ChunkId: id,
		Reader:  bytes.NewReader(content[:400]),
		Tail:    1000,
	})
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	if st.Completed || st.Written != 400 {
		t.Fatalf("unexpected status after first half %+v", st)
	}

	resumed, err := s.Stat(ctx, id)
	if err != nil || resumed == nil {
		t.Fatalf("stat: %v %v", resumed, err)
	}
	if resumed.Written != 400 || resumed.Length != 1000 {
		t.Fatalf("stat after partial write %+v", resumed)
	}

	st, err = s.Write(ctx, chunk.WriteRequest{
		ChunkId: id,
		Offset:  400,
		Reader:  bytes.NewReader(content[400:]),
	})
	if err != nil {
		t.Fatalf("resume write: %v", err)
	}
	if !st.Completed {
		t.Fatalf("chunk not sealed after resume %+v", st)
	}

	r, err := s.Read(ctx, id)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	defer r.Close()
	got, _ := io.ReadAll(r)
	if !bytes.Equal(got, content) {
		t.Fatal("resumed chunk corrupted")
	}
}

func TestWriteGapRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := chunk.HashBytes([]byte("x"))

	_, err := s.Write(ctx, chunk.WriteRequest{ChunkId: id, Offset: 10, Reader: bytes.NewReader([]byte("y"))})
	if chunk.KindOf(err) != chunk.KindErrorState {
		t.Fatalf("gap write returned %v", err)
	}
}

func TestWriteIdempotentOnComplete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	content := []byte("hello")
	id := chunk.HashBytes(content)

	if _, err := s.Write(ctx, chunk.WriteRequest{ChunkId: id, Reader: bytes.NewReader(content), Tail: 5}); err != nil {
		t.Fatalf("write: %v", err)
	}
	st, err := s.Write(ctx, chunk.WriteRequest{ChunkId: id, Reader: bytes.NewReader([]byte("other")), Tail: 5})
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if !st.Completed {
		t.Fatal("rewrite must report the completed status")
	}

	r, _ := s.Read(ctx, id)
	defer r.Close()
	got, _ := io.ReadAll(r)
	if !bytes.Equal(got, content) {
		t.Fatal("rewrite must not touch sealed bytes")
	}
}

func TestLink(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	content := []byte("linked content")
	quick := chunk.HashBytes([]byte("pretend-quick-hash"))
	full := chunk.HashBytes(content)

	if _, err := s.Write(ctx, chunk.WriteRequest{ChunkId: quick, Reader: bytes.NewReader(content), Tail: uint64(len(content))}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Link(ctx, quick, full); err != nil {
		t.Fatalf("link: %v", err)
	}

	for _, id := range []chunk.ChunkId{quick, full} {
		st, err := s.Stat(ctx, id)
		if err != nil || st == nil || !st.Completed {
			t.Fatalf("stat %s after link: %+v %v", id, st, err)
		}
		if st.Length != uint64(len(content)) {
			t.Fatalf("lengths diverge after link: %+v", st)
		}
	}

	if err := s.Link(ctx, chunk.HashBytes([]byte("missing")), full); !chunk.IsNotFound(err) {
		t.Fatalf("link from a missing chunk returned %v", err)
	}
}

func TestFullIdSidecarLinksOnSeal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	content := []byte("body under its quick hash")
	quick := chunk.HashBytes([]byte("q"))
	full := chunk.HashBytes(content)

	st, err := s.Write(ctx, chunk.WriteRequest{
		ChunkId: quick,
		Reader:  bytes.NewReader(content),
		Tail:    uint64(len(content)),
		FullId:  full,
	})
	if err != nil || !st.Completed {
		t.Fatalf("write: %+v %v", st, err)
	}
	if st, _ := s.Stat(ctx, full); st == nil || !st.Completed {
		t.Fatal("full-hash alias missing after seal")
	}
}

func TestTargetAdapter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	target := NewTarget(s, "file://"+s.BasePath())

	content := []byte("small chunk payload")
	id := chunk.HashBytes(content)

	exists, _, err := target.IsChunkExist(ctx, id)
	if err != nil || exists {
		t.Fatalf("fresh chunk reported present: %v %v", exists, err)
	}

	if err := target.PutChunk(ctx, id, content); err != nil {
		t.Fatalf("put: %v", err)
	}
	exists, length, err := target.IsChunkExist(ctx, id)
	if err != nil || !exists || length != uint64(len(content)) {
		t.Fatalf("after put: %v %d %v", exists, length, err)
	}

	// Declared length disagreement is refused.
	bad := id.WithLength(3)
	if err := target.PutChunk(ctx, bad, content); chunk.KindOf(err) != chunk.KindErrorState {
		t.Fatalf("length mismatch returned %v", err)
	}

	r, err := target.OpenChunkReaderForRestore(ctx, id, 6)
	if err != nil {
		t.Fatalf("restore reader: %v", err)
	}
	defer r.Close()
	got, _ := io.ReadAll(r)
	if !bytes.Equal(got, content[6:]) {
		t.Fatal("restore reader not positioned at the requested offset")
	}
}

func TestTargetAppendAndWriter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	target := NewTarget(s, "file://"+s.BasePath())

	content := []byte("0123456789abcdef")
	id := chunk.HashBytes(content)

	if err := target.AppendChunkData(ctx, id, 0, content[:8], false, uint64(len(content))); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	// Idempotent per (id, offset): replaying the first part changes
	// nothing.
	if err := target.AppendChunkData(ctx, id, 0, content[:8], false, uint64(len(content))); err != nil {
		t.Fatalf("append replay: %v", err)
	}
	if err := target.AppendChunkData(ctx, id, 8, content[8:], true, uint64(len(content))); err != nil {
		t.Fatalf("append 2: %v", err)
	}

	exists, length, _ := target.IsChunkExist(ctx, id)
	if !exists || length != uint64(len(content)) {
		t.Fatalf("after appends: %v %d", exists, length)
	}

	// A writer resumed on the complete chunk is a sink.
	w, written, err := target.OpenChunkWriter(ctx, id, 0, uint64(len(content)))
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	if written != uint64(len(content)) {
		t.Fatalf("writer resumed with %d bytes present", written)
	}
	if _, err := w.Write([]byte("junk")); err != nil {
		t.Fatalf("sink write: %v", err)
	}
	w.Close()

	r, _ := s.Read(ctx, id)
	defer r.Close()
	got, _ := io.ReadAll(r)
	if !bytes.Equal(got, content) {
		t.Fatal("sink writer must not mutate a sealed chunk")
	}
}
