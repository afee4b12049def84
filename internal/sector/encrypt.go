package sector

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"io"

	"github.com/kenneth/chunkvault/internal/chunk"
)

// zeroIV is the chaining state at every block-size window boundary. A key
// is never reused across sectors with overlapping plaintext: the sector id
// binds key and layout together.
var zeroIV [aes.BlockSize]byte

// encrypterAt returns a fresh CBC encrypter for the window containing
// offset, or nil when the header carries no key.
func (m *Meta) encrypterAt(offset uint64) (cipher.BlockMode, error) {
	if m.header.Key == nil {
		return nil, nil
	}
	block, err := aes.NewCipher(m.header.Key)
	if err != nil {
		return nil, chunk.ErrInternal(err, "failed to init sector cipher")
	}
	return cipher.NewCBCEncrypter(block, zeroIV[:]), nil
}

func (m *Meta) decrypterAt(offset uint64, iv []byte) (cipher.BlockMode, error) {
	if m.header.Key == nil {
		return nil, nil
	}
	block, err := aes.NewCipher(m.header.Key)
	if err != nil {
		return nil, chunk.ErrInternal(err, "failed to init sector cipher")
	}
	if iv == nil {
		iv = zeroIV[:]
	}
	return cipher.NewCBCDecrypter(block, iv), nil
}

// chainStart returns the offset at which the CBC chain covering off began:
// the largest block-size multiple not above off, clamped to the header
// length where the first chain starts.
func (m *Meta) chainStart(off uint64) uint64 {
	blockSize := uint64(m.header.BlockSize)
	start := off / blockSize * blockSize
	if start < m.headerLength {
		start = m.headerLength
	}
	return start
}

// Encryptor exposes a sector as a single AES-256-CBC ciphertext stream:
// the serialized header followed by the encrypted body and tail padding.
// Construction may resume from any AES-block-aligned offset at or beyond
// the header; the chain is re-established by encrypting forward from the
// window boundary. The first error is latched and every later Read returns
// it again.
type Encryptor struct {
	meta   *Meta
	offset uint64

	src io.ReadCloser // chunksReader, nil while still inside the header
	// srcInit lazily opens the body reader once the header is drained.
	srcInit func() (io.ReadCloser, error)

	enc cipher.BlockMode

	// carry holds encrypted bytes not yet delivered to the caller,
	// produced when the caller's buffer is smaller than one AES block.
	carry    [aes.BlockSize]byte
	carryLen int
	carryPos int

	err error
}

// NewEncryptor builds an encryptor positioned at offset. Offsets beyond the
// header must be AES-block-aligned.
func NewEncryptor(ctx context.Context, meta *Meta, store chunk.Store, offset uint64) (*Encryptor, error) {
	if offset > meta.SectorLength() {
		return nil, chunk.ErrInvalidInput(nil, "resume offset %d beyond sector length %d", offset, meta.SectorLength())
	}
	if offset > meta.HeaderLength() && offset%aes.BlockSize != 0 {
		return nil, chunk.ErrInvalidInput(nil, "resume offset %d not block aligned", offset)
	}

	e := &Encryptor{meta: meta, offset: offset}
	if offset >= meta.SectorLength() {
		return e, nil
	}
	if offset < meta.HeaderLength() {
		// The body reader is attached once the header is drained.
		e.srcInit = func() (io.ReadCloser, error) {
			return newChunksReader(ctx, meta, store, meta.HeaderLength())
		}
		enc, err := meta.encrypterAt(meta.HeaderLength())
		if err != nil {
			return nil, err
		}
		e.enc = enc
		return e, nil
	}

	// Resuming mid-body: re-establish the CBC chain from the window
	// boundary by encrypting and discarding up to the resume offset.
	chain := meta.chainStart(offset)
	src, err := newChunksReader(ctx, meta, store, chain)
	if err != nil {
		return nil, err
	}
	enc, err := meta.encrypterAt(chain)
	if err != nil {
		src.Close()
		return nil, err
	}
	e.src = src
	e.enc = enc
	e.offset = chain
	if chain < offset {
		if err := e.discard(offset - chain); err != nil {
			src.Close()
			return nil, err
		}
	}
	return e, nil
}

func (e *Encryptor) discard(n uint64) error {
	var scratch [4096]byte
	for n > 0 {
		step := min64(n, uint64(len(scratch)))
		read, err := e.Read(scratch[:step])
		if err != nil {
			return err
		}
		n -= uint64(read)
	}
	return nil
}

// Read implements io.Reader over the ciphertext stream.
func (e *Encryptor) Read(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	if e.offset >= e.meta.SectorLength() && e.carryLen == e.carryPos {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	// Serve the plaintext header region first.
	if e.offset < e.meta.HeaderLength() {
		n := copy(p, e.meta.HeaderBytes()[e.offset:])
		e.offset += uint64(n)
		return n, nil
	}

	if e.src == nil {
		if e.srcInit == nil {
			e.err = chunk.ErrInternal(nil, "encryptor body source missing")
			return 0, e.err
		}
		src, err := e.srcInit()
		if err != nil {
			e.err = err
			return 0, e.err
		}
		e.src = src
	}

	// Drain any encrypted carry bytes from an earlier sub-block read.
	if e.carryPos < e.carryLen {
		n := copy(p, e.carry[e.carryPos:e.carryLen])
		e.carryPos += n
		e.offset += uint64(n)
		return n, nil
	}

	remaining := e.meta.SectorLength() - e.offset

	// Small caller buffer: produce one encrypted block into the carry
	// buffer and serve it piecewise.
	if len(p) < aes.BlockSize {
		if err := e.fillCarry(); err != nil {
			e.err = err
			return 0, err
		}
		n := copy(p, e.carry[:e.carryLen])
		e.carryPos = n
		e.offset += uint64(n)
		return n, nil
	}

	want := uint64(len(p) / aes.BlockSize * aes.BlockSize)
	want = min64(want, remaining)
	// Never encrypt across a window boundary in one call: the CBC state
	// resets there.
	if next := e.nextWindow(); next > e.offset {
		want = min64(want, next-e.offset)
	}

	if _, err := io.ReadFull(e.src, p[:want]); err != nil {
		e.err = chunk.ErrIo(err, "failed to read sector body at %d", e.offset)
		return 0, e.err
	}
	if e.enc != nil {
		e.enc.CryptBlocks(p[:want], p[:want])
	}
	e.offset += want
	e.checkWindow()
	return int(want), nil
}

// fillCarry encrypts exactly one AES block into the carry buffer.
func (e *Encryptor) fillCarry() error {
	remaining := min64(aes.BlockSize, e.meta.SectorLength()-e.offset)
	if _, err := io.ReadFull(e.src, e.carry[:remaining]); err != nil {
		return chunk.ErrIo(err, "failed to read sector body at %d", e.offset)
	}
	if e.enc != nil {
		e.enc.CryptBlocks(e.carry[:remaining], e.carry[:remaining])
	}
	e.carryLen = int(remaining)
	e.carryPos = 0
	// A full block may have landed exactly on a window boundary.
	defer e.checkWindowAt(e.offset + remaining)
	return nil
}

// nextWindow returns the next CBC restart offset beyond the current one.
func (e *Encryptor) nextWindow() uint64 {
	blockSize := uint64(e.meta.Header().BlockSize)
	return (e.offset/blockSize + 1) * blockSize
}

// checkWindow restarts the CBC chain when the cursor sits on a window
// boundary at or beyond the header.
func (e *Encryptor) checkWindow() {
	e.checkWindowAt(e.offset)
}

func (e *Encryptor) checkWindowAt(off uint64) {
	if off < e.meta.HeaderLength() {
		return
	}
	if off%uint64(e.meta.Header().BlockSize) != 0 {
		return
	}
	enc, err := e.meta.encrypterAt(off)
	if err != nil {
		e.err = err
		return
	}
	e.enc = enc
}

// Close releases the body reader.
func (e *Encryptor) Close() error {
	if e.src != nil {
		return e.src.Close()
	}
	return nil
}
