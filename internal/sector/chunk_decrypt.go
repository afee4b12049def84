package sector

import (
	"context"
	"io"

	"github.com/kenneth/chunkvault/internal/chunk"
)

// sectorStub pairs one sector's decryptor with the part of the chunk it
// carries.
type sectorStub struct {
	// offsetInSector is where the chunk's segment starts inside the
	// sector.
	offsetInSector uint64
	// chunkRange is the sub-range of the chunk this sector stores.
	chunkRange Range
	reader     *Decryptor
}

// ChunkDecryptor exposes one logical chunk, possibly spread across several
// sectors, as a seekable stream in chunk coordinates. Crossing a sector
// boundary is transparent to the caller. Seek is pure arithmetic; the heavy
// work happens on the next Read.
type ChunkDecryptor struct {
	chunkID chunk.ChunkId
	length  uint64
	offset  uint64
	stubs   []*sectorStub
	cur     *sectorStub
	err     error
}

// NewChunkDecryptor builds the stream from the sector metas containing
// parts of the chunk, in chunk order, over the lower chunk target the
// sectors were posted to.
func NewChunkDecryptor(ctx context.Context, id chunk.ChunkId, length uint64, metas []*Meta, store chunk.Store) (*ChunkDecryptor, error) {
	stubs := make([]*sectorStub, 0, len(metas))
	for _, meta := range metas {
		offsetInSector, chunkRange, ok := meta.OffsetOfChunk(id)
		if !ok {
			return nil, chunk.ErrInternal(nil, "sector %s does not contain chunk %s", meta.SectorId(), id)
		}
		reader, err := NewDecryptor(ctx, meta, store)
		if err != nil {
			for _, s := range stubs {
				s.reader.Close()
			}
			return nil, err
		}
		stubs = append(stubs, &sectorStub{
			offsetInSector: offsetInSector,
			chunkRange:     chunkRange,
			reader:         reader,
		})
	}
	return &ChunkDecryptor{chunkID: id, length: length, stubs: stubs}, nil
}

// Seek repositions the cursor in chunk coordinates.
func (c *ChunkDecryptor) Seek(offset int64, whence int) (int64, error) {
	if c.err != nil {
		return 0, c.err
	}
	var target uint64
	switch whence {
	case io.SeekStart:
		target = uint64(offset)
	case io.SeekCurrent:
		target = uint64(int64(c.offset) + offset)
	case io.SeekEnd:
		target = uint64(int64(c.length) + offset)
	default:
		return 0, chunk.ErrInvalidInput(nil, "bad whence %d", whence)
	}
	if target > c.length {
		return 0, chunk.ErrInvalidInput(nil, "seek to %d beyond chunk length %d", target, c.length)
	}
	c.cur = nil
	c.offset = target
	return int64(target), nil
}

// Read copies decrypted chunk bytes at the cursor, seeking the covering
// sector's decryptor when needed.
func (c *ChunkDecryptor) Read(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	if c.offset >= c.length {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	if c.cur == nil {
		for _, stub := range c.stubs {
			if stub.chunkRange.Contains(c.offset) {
				c.cur = stub
				break
			}
		}
		if c.cur == nil {
			c.err = chunk.ErrNotFound("no sector covers chunk %s at offset %d", c.chunkID, c.offset)
			return 0, c.err
		}
	}

	stub := c.cur
	offsetInSector := stub.offsetInSector + (c.offset - stub.chunkRange.Start)
	if stub.reader.Offset() != offsetInSector {
		if _, err := stub.reader.Seek(int64(offsetInSector), io.SeekStart); err != nil {
			c.err = err
			return 0, err
		}
	}

	limit := min64(uint64(len(p)), stub.chunkRange.End-c.offset)
	n, err := stub.reader.Read(p[:limit])
	c.offset += uint64(n)
	if c.offset >= stub.chunkRange.End {
		// The next read starts in another sector.
		c.cur = nil
		if err == io.EOF {
			err = nil
		}
	}
	if err != nil && err != io.EOF {
		c.err = err
		return n, err
	}
	return n, nil
}

// Close releases every sector decryptor.
func (c *ChunkDecryptor) Close() error {
	var first error
	for _, stub := range c.stubs {
		if err := stub.reader.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
