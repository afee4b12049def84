package sector

import (
	"context"
	"io"

	"github.com/kenneth/chunkvault/internal/chunk"
)

// chunkStub is one chunk segment of the sector body, opened lazily.
type chunkStub struct {
	id chunk.ChunkId
	// rangeInChunk is the sub-range of the original chunk.
	rangeInChunk Range
	// endOffset is the absolute sector offset one past this segment.
	endOffset uint64
	reader    chunk.Reader
}

// chunksReader concatenates reads across the sector's chunk sub-ranges in
// body order, yields zeros through the tail padding, and reports EOF at the
// sector length. It is the plaintext body source behind the encryptor.
type chunksReader struct {
	ctx    context.Context
	store  chunk.Store
	meta   *Meta
	offset uint64 // absolute sector offset
	// sourceEnd is headerLength + bodyLength; beyond it only padding
	// zeros remain.
	sourceEnd uint64
	stubIndex int
	stubs     []chunkStub
}

// newChunksReader positions a body reader at the absolute sector offset,
// which must lie in [headerLength, sectorLength).
func newChunksReader(ctx context.Context, meta *Meta, store chunk.Store, offset uint64) (*chunksReader, error) {
	on, ok := meta.ChunkOnOffset(offset)
	if !ok {
		return nil, chunk.ErrInvalidInput(nil, "offset %d outside sector body", offset)
	}

	entries := meta.Header().Chunks
	stubs := make([]chunkStub, 0, len(entries)-on.ChunkIndex)

	first := entries[on.ChunkIndex]
	firstEnd := on.RangeInSector.Start + first.Range.Len()
	stubs = append(stubs, chunkStub{
		id: first.ChunkId,
		rangeInChunk: Range{
			// Skip into the chunk by however far the offset sits
			// inside this segment.
			Start: first.Range.Start + (offset - on.RangeInSector.Start),
			End:   first.Range.End,
		},
		endOffset: firstEnd,
	})

	end := firstEnd
	for _, e := range entries[on.ChunkIndex+1:] {
		end += e.Range.Len()
		stubs = append(stubs, chunkStub{id: e.ChunkId, rangeInChunk: e.Range, endOffset: end})
	}

	return &chunksReader{
		ctx:       ctx,
		store:     store,
		meta:      meta,
		offset:    offset,
		sourceEnd: meta.HeaderLength() + meta.BodyLength(),
		stubs:     stubs,
	}, nil
}

func (r *chunksReader) Read(p []byte) (int, error) {
	if r.offset >= r.meta.SectorLength() {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	// Tail padding: zeros from the end of the body to the sector length.
	if r.offset >= r.sourceEnd {
		n := int(min64(uint64(len(p)), r.meta.SectorLength()-r.offset))
		for i := 0; i < n; i++ {
			p[i] = 0
		}
		r.offset += uint64(n)
		return n, nil
	}

	stub := &r.stubs[r.stubIndex]
	if stub.reader == nil {
		reader, err := r.store.Read(r.ctx, stub.id)
		if err != nil {
			return 0, err
		}
		if stub.rangeInChunk.Start > 0 {
			if _, err := reader.Seek(int64(stub.rangeInChunk.Start), io.SeekStart); err != nil {
				reader.Close()
				return 0, chunk.ErrIo(err, "failed to position chunk %s", stub.id)
			}
		}
		stub.reader = reader
	}

	limit := min64(uint64(len(p)), stub.endOffset-r.offset)
	n, err := stub.reader.Read(p[:limit])
	r.offset += uint64(n)
	if r.offset >= stub.endOffset {
		stub.reader.Close()
		stub.reader = nil
		r.stubIndex++
		if err == io.EOF {
			err = nil
		}
	}
	if err == io.EOF && r.offset < r.meta.SectorLength() {
		// The chunk ended early relative to its declared range.
		return n, chunk.ErrIo(io.ErrUnexpectedEOF, "chunk %s shorter than its sector range", stub.id)
	}
	if err != nil && err != io.EOF {
		return n, err
	}
	return n, nil
}

// Close releases any open chunk reader.
func (r *chunksReader) Close() error {
	for i := range r.stubs {
		if r.stubs[i].reader != nil {
			r.stubs[i].reader.Close()
			r.stubs[i].reader = nil
		}
	}
	return nil
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
