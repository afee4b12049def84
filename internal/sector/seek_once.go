package sector

import (
	"context"
	"crypto/aes"
	"io"

	"github.com/kenneth/chunkvault/internal/chunk"
)

// SeekOnceEncryptor wraps an Encryptor with exactly one permitted seek
// before the first byte is read. The sector store uses it to resume an
// interrupted upload: the poster declares where to resume, then pumps bytes
// without random access.
type SeekOnceEncryptor struct {
	ctx   context.Context
	meta  *Meta
	store chunk.Store

	offsetSet bool
	offset    uint64
	inner     *Encryptor
	err       error
}

// NewSeekOnceEncryptor builds the wrapper; the inner encryptor is created
// lazily on the first Read so the single allowed Seek can come first.
func NewSeekOnceEncryptor(ctx context.Context, meta *Meta, store chunk.Store) *SeekOnceEncryptor {
	return &SeekOnceEncryptor{ctx: ctx, meta: meta, store: store}
}

// Seek sets the resume offset. Only io.SeekStart is supported and only one
// seek, before the first Read; a repeated seek to the same offset is a
// no-op.
func (s *SeekOnceEncryptor) Seek(offset int64, whence int) (int64, error) {
	if whence != io.SeekStart {
		return 0, chunk.ErrState("seek-once encryptor only supports SeekStart")
	}
	if s.inner != nil || s.offsetSet {
		if s.offset == uint64(offset) {
			return offset, nil
		}
		return 0, chunk.ErrState("seek-once encryptor already positioned at %d", s.offset)
	}
	if offset < 0 {
		return 0, chunk.ErrInvalidInput(nil, "negative seek offset %d", offset)
	}
	s.offset = uint64(offset)
	s.offsetSet = true
	return offset, nil
}

// Read streams ciphertext from the chosen offset. An offset inside an AES
// block past the header starts the inner encryptor at that block and drops
// the bytes before the offset.
func (s *SeekOnceEncryptor) Read(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	if s.inner == nil {
		start := s.offset
		if start > s.meta.HeaderLength() {
			start -= start % aes.BlockSize
		}
		inner, err := NewEncryptor(s.ctx, s.meta, s.store, start)
		if err != nil {
			s.err = err
			return 0, err
		}
		s.inner = inner
		s.offsetSet = true
		if skip := s.offset - start; skip > 0 {
			if _, err := io.CopyN(io.Discard, inner, int64(skip)); err != nil {
				s.err = err
				return 0, err
			}
		}
	}
	n, err := s.inner.Read(p)
	s.offset += uint64(n)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}

// Close releases the inner encryptor.
func (s *SeekOnceEncryptor) Close() error {
	if s.inner != nil {
		return s.inner.Close()
	}
	return nil
}
