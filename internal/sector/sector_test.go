package sector

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/kenneth/chunkvault/internal/chunk"
)

// memStore is an in-memory chunk.Store for sector tests.
type memStore struct {
	mu     sync.Mutex
	chunks map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{chunks: make(map[string][]byte)}
}

func storeKey(id chunk.ChunkId) string {
	parts := strings.SplitN(id.String(), ":", 3)
	return parts[0] + ":" + parts[1]
}

func (m *memStore) put(id chunk.ChunkId, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[storeKey(id)] = data
}

type memReader struct {
	*bytes.Reader
}

func (memReader) Close() error { return nil }

func (m *memStore) Read(ctx context.Context, id chunk.ChunkId) (chunk.Reader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.chunks[storeKey(id)]
	if !ok {
		return nil, chunk.ErrNotFound("chunk %s not in memory store", id)
	}
	return memReader{bytes.NewReader(data)}, nil
}

func (m *memStore) Write(ctx context.Context, req chunk.WriteRequest) (chunk.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := storeKey(req.ChunkId)
	existing := m.chunks[key]
	if uint64(len(existing)) < req.Offset {
		return chunk.Status{}, chunk.ErrState("gap write at %d", req.Offset)
	}
	data, err := io.ReadAll(req.Reader)
	if err != nil {
		return chunk.Status{}, chunk.ErrIo(err, "read write source")
	}
	merged := append(append([]byte(nil), existing[:req.Offset]...), data...)
	m.chunks[key] = merged
	return chunk.Status{
		ChunkId:   req.ChunkId,
		Written:   uint64(len(merged)),
		Length:    req.Tail,
		Completed: req.Tail > 0 && uint64(len(merged)) >= req.Tail,
	}, nil
}

func (m *memStore) Stat(ctx context.Context, id chunk.ChunkId) (*chunk.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.chunks[storeKey(id)]
	if !ok {
		return nil, nil
	}
	return &chunk.Status{ChunkId: id, Written: uint64(len(data)), Length: uint64(len(data)), Completed: true}, nil
}

func (m *memStore) Delete(ctx context.Context, id chunk.ChunkId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, storeKey(id))
	return nil
}

func (m *memStore) List(ctx context.Context) ([]chunk.Status, error) { return nil, nil }

func (m *memStore) Link(ctx context.Context, targetID, newID chunk.ChunkId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.chunks[storeKey(targetID)]
	if !ok {
		return chunk.ErrNotFound("link target %s missing", targetID)
	}
	m.chunks[storeKey(newID)] = data
	return nil
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return b
}

func testKey() []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i*7 + 3)
	}
	return key
}

// encryptReference computes the expected ciphertext stream independently of
// the Encryptor: plaintext header, then CBC over the body restarting with a
// zero IV at every block-size window.
func encryptReference(t *testing.T, meta *Meta, body []byte) []byte {
	t.Helper()
	padded := make([]byte, meta.SectorLength()-meta.HeaderLength())
	copy(padded, body)

	out := append([]byte(nil), meta.HeaderBytes()...)
	if meta.Header().Key == nil {
		return append(out, padded...)
	}
	block, err := aes.NewCipher(meta.Header().Key)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	blockSize := uint64(meta.Header().BlockSize)
	var iv [aes.BlockSize]byte
	enc := cipher.NewCBCEncrypter(block, iv[:])
	ct := make([]byte, len(padded))
	off := meta.HeaderLength()
	for i := 0; i < len(padded); i += aes.BlockSize {
		if off >= meta.HeaderLength() && off%blockSize == 0 && off != meta.HeaderLength() {
			enc = cipher.NewCBCEncrypter(block, iv[:])
		}
		enc.CryptBlocks(ct[i:i+aes.BlockSize], padded[i:i+aes.BlockSize])
		off += aes.BlockSize
	}
	return append(out, ct...)
}

func TestHeaderRoundTrip(t *testing.T) {
	h := NewHeader()
	h.Key = testKey()
	h.Flags |= FlagHasKey
	h.Chunks = []Entry{
		{ChunkId: chunk.HashBytes([]byte("a")), Range: Range{Start: 0, End: 100}},
		{ChunkId: chunk.HashBytes([]byte("b")), Range: Range{Start: 50, End: 1234}},
	}

	raw := h.Serialize()
	if uint64(len(raw)) != h.Length() {
		t.Fatalf("serialized %d bytes, Length says %d", len(raw), h.Length())
	}
	if h.Length()%aes.BlockSize != 0 {
		t.Fatalf("header length %d not block aligned", h.Length())
	}

	parsed, err := ParseHeader(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.BlockSize != h.BlockSize || !bytes.Equal(parsed.Key, h.Key) {
		t.Fatal("header fields did not survive the round trip")
	}
	if len(parsed.Chunks) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(parsed.Chunks))
	}
	for i := range parsed.Chunks {
		if !parsed.Chunks[i].ChunkId.Equal(h.Chunks[i].ChunkId) || parsed.Chunks[i].Range != h.Chunks[i].Range {
			t.Fatalf("entry %d mismatch", i)
		}
	}
}

func TestBuilderPacking(t *testing.T) {
	b := NewBuilder().WithLengthLimit(1000)
	id1 := chunk.HashBytes([]byte("one"))
	id2 := chunk.HashBytes([]byte("two"))
	id3 := chunk.HashBytes([]byte("three"))

	if got := b.AddChunk(id1, Range{Start: 0, End: 600}); got != 600 {
		t.Fatalf("first add accepted %d, want 600", got)
	}
	// Only 400 bytes of capacity remain, the range must be truncated.
	if got := b.AddChunk(id2, Range{Start: 0, End: 600}); got != 400 {
		t.Fatalf("second add accepted %d, want 400", got)
	}
	if got := b.AddChunk(id3, Range{Start: 0, End: 10}); got != 0 {
		t.Fatalf("full builder accepted %d bytes", got)
	}
	if b.Length() != 1000 {
		t.Fatalf("builder length %d, want 1000", b.Length())
	}

	meta := b.Build()
	if meta.BodyLength() != 1000 {
		t.Fatalf("body length %d", meta.BodyLength())
	}
	if meta.SectorLength()%aes.BlockSize != 0 {
		t.Fatalf("sector length %d not block aligned", meta.SectorLength())
	}
	if meta.SectorLength() != meta.HeaderLength()+1008 {
		t.Fatalf("padding wrong: header %d sector %d", meta.HeaderLength(), meta.SectorLength())
	}
}

func TestMetaIdDependsOnOrder(t *testing.T) {
	id1 := chunk.HashBytes([]byte("one"))
	id2 := chunk.HashBytes([]byte("two"))

	a := NewBuilder().WithKey(testKey())
	a.AddChunk(id1, Range{End: 10})
	a.AddChunk(id2, Range{End: 20})
	b := NewBuilder().WithKey(testKey())
	b.AddChunk(id2, Range{End: 20})
	b.AddChunk(id1, Range{End: 10})

	if a.Build().SectorId().Equal(b.Build().SectorId()) {
		t.Fatal("reordering entries must change the sector id")
	}
}

func TestChunkOnOffset(t *testing.T) {
	b := NewBuilder()
	id1 := chunk.HashBytes([]byte("one"))
	id2 := chunk.HashBytes([]byte("two"))
	b.AddChunk(id1, Range{Start: 0, End: 100})
	b.AddChunk(id2, Range{Start: 10, End: 40})
	meta := b.Build()

	if _, ok := meta.ChunkOnOffset(meta.HeaderLength() - 1); ok {
		t.Fatal("offsets inside the header must not resolve")
	}
	on, ok := meta.ChunkOnOffset(meta.HeaderLength() + 50)
	if !ok || on.ChunkIndex != 0 {
		t.Fatalf("offset in first chunk resolved to %+v", on)
	}
	on, ok = meta.ChunkOnOffset(meta.HeaderLength() + 100)
	if !ok || on.ChunkIndex != 1 {
		t.Fatalf("offset in second chunk resolved to %+v", on)
	}
	// The last entry owns the tail padding.
	on, ok = meta.ChunkOnOffset(meta.SectorLength() - 1)
	if !ok || on.ChunkIndex != 1 || on.RangeInSector.End != meta.SectorLength() {
		t.Fatalf("tail offset resolved to %+v", on)
	}

	off, r, ok := meta.OffsetOfChunk(id2)
	if !ok || off != meta.HeaderLength()+100 || r.Start != 10 || r.End != 40 {
		t.Fatalf("OffsetOfChunk: %d %+v %v", off, r, ok)
	}
}

func TestEncryptorMatchesReference(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	c1 := randomBytes(t, 40000)
	c2 := randomBytes(t, 25000)
	id1 := chunk.HashBytes(c1)
	id2 := chunk.HashBytes(c2)
	store.put(id1, c1)
	store.put(id2, c2)

	b := NewBuilder().WithKey(testKey()).WithBlockSize(4096)
	b.AddChunk(id1, Range{Start: 0, End: uint64(len(c1))})
	b.AddChunk(id2, Range{Start: 1000, End: 20000})
	meta := b.Build()

	body := append(append([]byte(nil), c1...), c2[1000:20000]...)
	want := encryptReference(t, meta, body)
	if uint64(len(want)) != meta.SectorLength() {
		t.Fatalf("reference length %d, sector %d", len(want), meta.SectorLength())
	}

	enc, err := NewEncryptor(ctx, meta, store, 0)
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	defer enc.Close()
	got, err := io.ReadAll(enc)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("encryptor output differs from the reference ciphertext")
	}
}

func TestEncryptorSmallReads(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c1 := randomBytes(t, 5000)
	id1 := chunk.HashBytes(c1)
	store.put(id1, c1)

	b := NewBuilder().WithKey(testKey()).WithBlockSize(1024)
	b.AddChunk(id1, Range{End: uint64(len(c1))})
	meta := b.Build()
	want := encryptReference(t, meta, c1)

	enc, err := NewEncryptor(ctx, meta, store, 0)
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	defer enc.Close()

	// Read through a 7-byte buffer to force the sub-block carry path.
	var got bytes.Buffer
	buf := make([]byte, 7)
	for {
		n, err := enc.Read(buf)
		got.Write(buf[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	if !bytes.Equal(got.Bytes(), want) {
		t.Fatal("sub-block reads corrupted the ciphertext stream")
	}
}

func TestEncryptorResume(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c1 := randomBytes(t, 70000)
	id1 := chunk.HashBytes(c1)
	store.put(id1, c1)

	b := NewBuilder().WithKey(testKey()).WithBlockSize(4096)
	b.AddChunk(id1, Range{End: uint64(len(c1))})
	meta := b.Build()

	full, err := NewEncryptor(ctx, meta, store, 0)
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	defer full.Close()
	want, err := io.ReadAll(full)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}

	// Resuming from any block-aligned offset must reproduce the suffix
	// bit for bit, including offsets in the middle of a CBC window.
	for _, offset := range []uint64{0, 16, meta.HeaderLength(), meta.HeaderLength() + 4096, 4096, 4112, 65536, meta.SectorLength() - 16} {
		resumed, err := NewEncryptor(ctx, meta, store, offset)
		if err != nil {
			t.Fatalf("resume at %d: %v", offset, err)
		}
		got, err := io.ReadAll(resumed)
		resumed.Close()
		if err != nil {
			t.Fatalf("read resumed at %d: %v", offset, err)
		}
		if !bytes.Equal(got, want[offset:]) {
			t.Fatalf("resume at %d produced a different suffix", offset)
		}
	}

	if _, err := NewEncryptor(ctx, meta, store, meta.HeaderLength()+5); err == nil {
		t.Fatal("unaligned resume offset must be rejected")
	}
}

func TestSeekOnceEncryptor(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c1 := randomBytes(t, 9000)
	id1 := chunk.HashBytes(c1)
	store.put(id1, c1)

	b := NewBuilder().WithKey(testKey()).WithBlockSize(1024)
	b.AddChunk(id1, Range{End: uint64(len(c1))})
	meta := b.Build()

	full, _ := NewEncryptor(ctx, meta, store, 0)
	want, err := io.ReadAll(full)
	full.Close()
	if err != nil {
		t.Fatalf("read all: %v", err)
	}

	so := NewSeekOnceEncryptor(ctx, meta, store)
	if _, err := so.Seek(2048, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}
	got, err := io.ReadAll(so)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, want[2048:]) {
		t.Fatal("seek-once stream differs from the reference suffix")
	}
	if _, err := so.Seek(0, io.SeekStart); err == nil {
		t.Fatal("second seek to a new offset must fail")
	}
	if _, err := so.Seek(int64(meta.SectorLength()), io.SeekCurrent); err == nil {
		t.Fatal("non-start whence must fail")
	}
}

func TestSectorRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	c1 := randomBytes(t, 33000)
	c2 := randomBytes(t, 100)
	c3 := randomBytes(t, 70001)
	ids := []chunk.ChunkId{chunk.HashBytes(c1), chunk.HashBytes(c2), chunk.HashBytes(c3)}
	bodies := [][]byte{c1, c2, c3}
	for i, id := range ids {
		store.put(id, bodies[i])
	}

	b := NewBuilder().WithKey(testKey()).WithBlockSize(4096)
	for i, id := range ids {
		b.AddChunk(id, Range{End: uint64(len(bodies[i]))})
	}
	meta := b.Build()

	enc, err := NewEncryptor(ctx, meta, store, 0)
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	ciphertext, err := io.ReadAll(enc)
	enc.Close()
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	// Post the sector into the store under its own id, like the poster
	// loop would.
	store.put(meta.SectorId(), ciphertext)

	dec, err := NewDecryptor(ctx, meta, store)
	if err != nil {
		t.Fatalf("new decryptor: %v", err)
	}
	defer dec.Close()

	// Every chunk, and sub-ranges within each, must decrypt to the
	// original bytes.
	for i, id := range ids {
		offsetInSector, r, ok := meta.OffsetOfChunk(id)
		if !ok {
			t.Fatalf("chunk %d missing from meta", i)
		}
		for _, sub := range []Range{{Start: 0, End: r.Len()}, {Start: 1, End: r.Len() - 1}, {Start: r.Len() / 2, End: r.Len()}} {
			if sub.End <= sub.Start {
				continue
			}
			if _, err := dec.Seek(int64(offsetInSector+sub.Start), io.SeekStart); err != nil {
				t.Fatalf("seek: %v", err)
			}
			got := make([]byte, sub.Len())
			if _, err := io.ReadFull(dec, got); err != nil {
				t.Fatalf("read chunk %d sub %+v: %v", i, sub, err)
			}
			if !bytes.Equal(got, bodies[i][sub.Start:sub.End]) {
				t.Fatalf("chunk %d sub-range %+v corrupted", i, sub)
			}
		}
	}

	if _, err := dec.Seek(0, io.SeekStart); err == nil {
		t.Fatal("seeking into the header must be rejected")
	}
}

func TestChunkDecryptorAcrossSectors(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	// One 60000-byte chunk split across two sectors at byte 35000.
	content := randomBytes(t, 60000)
	id := chunk.HashBytes(content)
	store.put(id, content)

	b1 := NewBuilder().WithKey(testKey()).WithBlockSize(4096)
	b1.AddChunk(id, Range{Start: 0, End: 35000})
	meta1 := b1.Build()
	b2 := NewBuilder().WithKey(testKey()).WithBlockSize(4096)
	b2.AddChunk(id, Range{Start: 35000, End: 60000})
	meta2 := b2.Build()

	for _, meta := range []*Meta{meta1, meta2} {
		enc, err := NewEncryptor(ctx, meta, store, 0)
		if err != nil {
			t.Fatalf("encryptor: %v", err)
		}
		ct, err := io.ReadAll(enc)
		enc.Close()
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		store.put(meta.SectorId(), ct)
	}

	cd, err := NewChunkDecryptor(ctx, id, uint64(len(content)), []*Meta{meta1, meta2}, store)
	if err != nil {
		t.Fatalf("chunk decryptor: %v", err)
	}
	defer cd.Close()

	got, err := io.ReadAll(cd)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("cross-sector read does not match the original chunk")
	}

	// Random access across the boundary.
	if _, err := cd.Seek(34990, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}
	window := make([]byte, 20)
	if _, err := io.ReadFull(cd, window); err != nil {
		t.Fatalf("boundary read: %v", err)
	}
	if !bytes.Equal(window, content[34990:35010]) {
		t.Fatal("boundary-crossing read corrupted")
	}
}
