package sector

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"io"

	"github.com/kenneth/chunkvault/internal/chunk"
)

// Decryptor reads a stored sector from a lower target and decrypts it on
// the fly. It exposes read and seek over the body region
// [headerLength, sectorLength); the header is not a user-addressable
// region. The first error is latched.
type Decryptor struct {
	meta   *Meta
	reader chunk.Reader

	offset uint64
	dec    cipher.BlockMode

	// carry holds decrypted bytes not yet delivered.
	carry    [aes.BlockSize]byte
	carryLen int
	carryPos int

	err error
}

// NewDecryptor opens the sector from the store and positions the stream at
// the start of the body.
func NewDecryptor(ctx context.Context, meta *Meta, store chunk.Store) (*Decryptor, error) {
	reader, err := store.Read(ctx, meta.SectorId())
	if err != nil {
		return nil, err
	}
	d := &Decryptor{meta: meta, reader: reader}
	if _, err := d.Seek(int64(meta.HeaderLength()), io.SeekStart); err != nil {
		reader.Close()
		return nil, err
	}
	return d, nil
}

// Offset returns the current logical position within the sector.
func (d *Decryptor) Offset() uint64 { return d.offset }

// Seek repositions the stream. The target is rounded down to the nearest
// AES block; the CBC state is re-established from the window boundary's
// zero IV or, mid-window, from the preceding ciphertext block; the
// remaining distance is covered by decrypting and dropping bytes.
func (d *Decryptor) Seek(offset int64, whence int) (int64, error) {
	if d.err != nil {
		return 0, d.err
	}
	var target uint64
	switch whence {
	case io.SeekStart:
		target = uint64(offset)
	case io.SeekCurrent:
		target = uint64(int64(d.offset) + offset)
	case io.SeekEnd:
		target = uint64(int64(d.meta.SectorLength()) + offset)
	default:
		return 0, chunk.ErrInvalidInput(nil, "bad whence %d", whence)
	}
	if target < d.meta.HeaderLength() {
		return 0, chunk.ErrInvalidInput(nil, "seek to %d lands inside the sector header", target)
	}
	if target > d.meta.SectorLength() {
		return 0, chunk.ErrInvalidInput(nil, "seek to %d beyond sector length", target)
	}

	aligned := target / aes.BlockSize * aes.BlockSize
	chain := d.meta.chainStart(aligned)

	var iv []byte
	if aligned > chain {
		// Mid-window: the previous ciphertext block is the chaining
		// state.
		if _, err := d.reader.Seek(int64(aligned-aes.BlockSize), io.SeekStart); err != nil {
			return 0, d.latch(chunk.ErrIo(err, "failed to seek sector stream"))
		}
		var prev [aes.BlockSize]byte
		if _, err := io.ReadFull(d.reader, prev[:]); err != nil {
			return 0, d.latch(chunk.ErrIo(err, "failed to read chaining block"))
		}
		iv = prev[:]
	} else {
		if _, err := d.reader.Seek(int64(aligned), io.SeekStart); err != nil {
			return 0, d.latch(chunk.ErrIo(err, "failed to seek sector stream"))
		}
	}
	dec, err := d.meta.decrypterAt(aligned, iv)
	if err != nil {
		return 0, d.latch(err)
	}
	d.dec = dec
	d.offset = aligned
	d.carryLen = 0
	d.carryPos = 0

	if drop := target - aligned; drop > 0 {
		if err := d.fillCarry(); err != nil {
			return 0, d.latch(err)
		}
		d.carryPos = int(drop)
		d.offset = target
	}
	return int64(target), nil
}

func (d *Decryptor) latch(err error) error {
	d.err = err
	return err
}

// Read implements io.Reader over the decrypted body.
func (d *Decryptor) Read(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	if d.offset >= d.meta.SectorLength() && d.carryPos == d.carryLen {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	if d.carryPos < d.carryLen {
		n := copy(p, d.carry[d.carryPos:d.carryLen])
		d.carryPos += n
		d.offset += uint64(n)
		return n, nil
	}

	if len(p) < aes.BlockSize {
		if err := d.fillCarry(); err != nil {
			return 0, d.latch(err)
		}
		n := copy(p, d.carry[:d.carryLen])
		d.carryPos = n
		d.offset += uint64(n)
		return n, nil
	}

	want := uint64(len(p) / aes.BlockSize * aes.BlockSize)
	want = min64(want, d.meta.SectorLength()-d.offset)
	if next := d.nextWindow(); next > d.offset {
		want = min64(want, next-d.offset)
	}

	if _, err := io.ReadFull(d.reader, p[:want]); err != nil {
		return 0, d.latch(chunk.ErrIo(err, "failed to read sector ciphertext at %d", d.offset))
	}
	if d.dec != nil {
		d.dec.CryptBlocks(p[:want], p[:want])
	}
	d.offset += want
	d.checkWindow(d.offset)
	return int(want), nil
}

// fillCarry decrypts one AES block into the carry buffer.
func (d *Decryptor) fillCarry() error {
	remaining := min64(aes.BlockSize, d.meta.SectorLength()-d.offset)
	if remaining == 0 {
		return io.EOF
	}
	if _, err := io.ReadFull(d.reader, d.carry[:remaining]); err != nil {
		return chunk.ErrIo(err, "failed to read sector ciphertext at %d", d.offset)
	}
	if d.dec != nil {
		d.dec.CryptBlocks(d.carry[:remaining], d.carry[:remaining])
	}
	d.carryLen = int(remaining)
	d.carryPos = 0
	d.checkWindow(d.offset + remaining)
	return nil
}

func (d *Decryptor) nextWindow() uint64 {
	blockSize := uint64(d.meta.Header().BlockSize)
	return (d.offset/blockSize + 1) * blockSize
}

// checkWindow resets the CBC state when the physical cursor crosses a
// window boundary.
func (d *Decryptor) checkWindow(off uint64) {
	if off < d.meta.HeaderLength() || off%uint64(d.meta.Header().BlockSize) != 0 {
		return
	}
	dec, err := d.meta.decrypterAt(off, nil)
	if err != nil {
		d.err = err
		return
	}
	d.dec = dec
}

// Close releases the underlying sector reader.
func (d *Decryptor) Close() error {
	return d.reader.Close()
}
