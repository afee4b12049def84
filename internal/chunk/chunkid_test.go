package chunk

import (
	"bytes"
	"crypto/sha256"
	"strings"
	"testing"
)

func TestChunkIdTextRoundTrip(t *testing.T) {
	id := HashBytes([]byte("hello world"))
	text := id.String()
	if !strings.HasPrefix(text, "sha256:") {
		t.Fatalf("unexpected id form %q", text)
	}
	parsed, err := ParseChunkId(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Equal(id) {
		t.Fatalf("round trip changed the id: %q vs %q", parsed, id)
	}
	if length, ok := parsed.Length(); !ok || length != 11 {
		t.Fatalf("declared length lost: %d %v", length, ok)
	}
}

func TestParseChunkIdRejectsGarbage(t *testing.T) {
	for _, bad := range []string{
		"",
		"sha256",
		"md5:" + strings.Repeat("ab", 32),
		"sha256:zzzz",
		"sha256:" + strings.Repeat("ab", 32) + ":-1",
		"sha256:" + strings.Repeat("ab", 32) + ":x",
		"sha256:" + strings.Repeat("ab", 16),
	} {
		if _, err := ParseChunkId(bad); err == nil {
			t.Fatalf("parse accepted %q", bad)
		} else if KindOf(err) != KindInvalidInput {
			t.Fatalf("parse of %q returned kind %v", bad, KindOf(err))
		}
	}
}

func TestChunkIdBinaryRoundTrip(t *testing.T) {
	var digest [sha256.Size]byte
	for i := range digest {
		digest[i] = byte(i)
	}
	for _, id := range []ChunkId{
		NewChunkId(digest, 12345),
		NewQuickId(digest, 99),
		NewChunkId(digest, 0),
		NewChunkId(digest, -1),
	} {
		raw := id.AppendBinary(nil)
		if len(raw) != EncodedSize {
			t.Fatalf("encoded %d bytes, want %d", len(raw), EncodedSize)
		}
		decoded, err := DecodeChunkId(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !decoded.Equal(id) {
			t.Fatalf("binary round trip changed %q to %q", id, decoded)
		}
	}
}

func TestQuickHashIsNotCanonical(t *testing.T) {
	var digest [sha256.Size]byte
	quick := NewQuickId(digest, 10)
	full := NewChunkId(digest, 10)
	if !quick.IsQuickHash() || full.IsQuickHash() {
		t.Fatal("quick-hash tagging broken")
	}
	if quick.Equal(full) {
		t.Fatal("a quick id must never equal a full id")
	}
}

func TestHasherMatchesOneShot(t *testing.T) {
	data := bytes.Repeat([]byte("chunkvault"), 1000)
	h := NewHasher()
	for i := 0; i < len(data); i += 77 {
		end := i + 77
		if end > len(data) {
			end = len(data)
		}
		h.Write(data[i:end])
	}
	if !h.Sum().Equal(HashBytes(data)) {
		t.Fatal("incremental hash differs from one-shot hash")
	}
}

func TestQuickHashCommitsToEnds(t *testing.T) {
	size := int64(1000)
	a := bytes.Repeat([]byte{1}, int(size))
	b := append([]byte(nil), a...)

	qa, err := QuickHash(bytes.NewReader(a), size)
	if err != nil {
		t.Fatalf("quick hash: %v", err)
	}
	qb, _ := QuickHash(bytes.NewReader(b), size)
	if !qa.Equal(qb) {
		t.Fatal("identical bodies produced different quick hashes")
	}

	// Small bodies are fully covered, so any byte change shows.
	b[500] = 2
	qc, _ := QuickHash(bytes.NewReader(b), size)
	if qa.Equal(qc) {
		t.Fatal("quick hash ignored a change inside a fully covered body")
	}

	// The declared length participates in the digest.
	qd, _ := QuickHash(bytes.NewReader(a[:999]), 999)
	if qa.Equal(qd) {
		t.Fatal("quick hash ignored the declared length")
	}
}

func TestErrorKinds(t *testing.T) {
	err := ErrNotFound("chunk %s missing", "x")
	if !IsNotFound(err) {
		t.Fatal("IsNotFound failed on a not-found error")
	}
	wrapped := ErrIo(err, "outer")
	if KindOf(wrapped) != KindIo {
		t.Fatalf("wrapped kind %v", KindOf(wrapped))
	}
}
