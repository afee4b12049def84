// Package sector packs many content-addressed chunks into large encrypted
// sectors suitable for remote object storage, and streams them back out
// through sector-aware decryptors.
package sector

import (
	"crypto/aes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/kenneth/chunkvault/internal/chunk"
)

const (
	// Magic identifies a sector stream ("DMCX" in the low bytes).
	Magic uint64 = 0x0000_0000_444d_4358

	Version0     uint32 = 0
	FlagsDefault uint32 = 0

	// FlagHasKey marks a header carrying its 32-byte AES key.
	FlagHasKey uint32 = 1

	// KeySize is the AES-256 key length.
	KeySize = 32

	// DefaultBlockSize is the AES-CBC restart boundary inside a sector.
	// Must be a power-of-two multiple of the AES block size.
	DefaultBlockSize uint16 = 16 * 1024

	reservedSize = 12
)

// Range is a half-open byte range [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

// Len returns End - Start.
func (r Range) Len() uint64 { return r.End - r.Start }

// Contains reports whether off lies inside the range.
func (r Range) Contains(off uint64) bool { return off >= r.Start && off < r.End }

// Entry records one chunk sub-range stored in a sector, in body order.
type Entry struct {
	ChunkId chunk.ChunkId
	// Range is the sub-range of the original chunk carried by this
	// sector.
	Range Range
}

// Header is the fixed-layout sector header. It is serialized in front of
// the body; its length is always a multiple of the AES block size.
type Header struct {
	Version   uint32
	Flags     uint32
	BlockSize uint16
	Key       []byte // nil or KeySize bytes
	Chunks    []Entry
	Reserved  [reservedSize]byte
}

// NewHeader returns a header with the default version, flags and block size.
func NewHeader() Header {
	return Header{
		Version:   Version0,
		Flags:     FlagsDefault,
		BlockSize: DefaultBlockSize,
	}
}

// entrySize is the serialized size of one chunk entry.
const entrySize = chunk.EncodedSize + 8 + 8

// Length returns the serialized header length. The fixed fields and the
// per-entry size are both multiples of the AES block size, so the total
// always is too.
func (h *Header) Length() uint64 {
	length := 8 + 4 + 4 + 2 // magic, version, flags, block size
	if h.Key != nil {
		length += KeySize
	}
	length += 2 // chunk count
	length += len(h.Chunks) * entrySize
	length += reservedSize
	return uint64(length)
}

// Serialize renders the header into its wire form.
func (h *Header) Serialize() []byte {
	out := make([]byte, 0, h.Length())
	out = binary.BigEndian.AppendUint64(out, Magic)
	out = binary.BigEndian.AppendUint32(out, h.Version)
	out = binary.BigEndian.AppendUint32(out, h.Flags)
	out = binary.BigEndian.AppendUint16(out, h.BlockSize)
	if h.Key != nil {
		out = append(out, h.Key...)
	}
	out = binary.BigEndian.AppendUint16(out, uint16(len(h.Chunks)))
	for _, e := range h.Chunks {
		out = e.ChunkId.AppendBinary(out)
		out = binary.BigEndian.AppendUint64(out, e.Range.Start)
		out = binary.BigEndian.AppendUint64(out, e.Range.End)
	}
	out = append(out, h.Reserved[:]...)
	return out
}

// ParseHeader decodes a serialized header.
func ParseHeader(src []byte) (Header, error) {
	h := Header{}
	if len(src) < 18 {
		return h, chunk.ErrInvalidInput(nil, "sector header truncated at %d bytes", len(src))
	}
	if magic := binary.BigEndian.Uint64(src[0:8]); magic != Magic {
		return h, chunk.ErrInvalidInput(nil, "bad sector magic %#x", magic)
	}
	h.Version = binary.BigEndian.Uint32(src[8:12])
	h.Flags = binary.BigEndian.Uint32(src[12:16])
	h.BlockSize = binary.BigEndian.Uint16(src[16:18])
	if h.BlockSize == 0 || h.BlockSize%aes.BlockSize != 0 {
		return h, chunk.ErrInvalidInput(nil, "bad sector block size %d", h.BlockSize)
	}
	off := 18
	if h.Flags&FlagHasKey != 0 {
		if len(src) < off+KeySize {
			return h, chunk.ErrInvalidInput(nil, "sector header truncated inside key")
		}
		h.Key = append([]byte(nil), src[off:off+KeySize]...)
		off += KeySize
	}
	if len(src) < off+2 {
		return h, chunk.ErrInvalidInput(nil, "sector header truncated before chunk count")
	}
	count := int(binary.BigEndian.Uint16(src[off : off+2]))
	off += 2
	if len(src) < off+count*entrySize+reservedSize {
		return h, chunk.ErrInvalidInput(nil, "sector header truncated inside chunk list")
	}
	for i := 0; i < count; i++ {
		id, err := chunk.DecodeChunkId(src[off : off+chunk.EncodedSize])
		if err != nil {
			return h, err
		}
		off += chunk.EncodedSize
		start := binary.BigEndian.Uint64(src[off : off+8])
		end := binary.BigEndian.Uint64(src[off+8 : off+16])
		off += 16
		if end < start {
			return h, chunk.ErrInvalidInput(nil, "inverted chunk range in sector header")
		}
		h.Chunks = append(h.Chunks, Entry{ChunkId: id, Range: Range{Start: start, End: end}})
	}
	copy(h.Reserved[:], src[off:off+reservedSize])
	return h, nil
}

// ChunkOnOffset locates the chunk entry covering a sector offset.
type ChunkOnOffset struct {
	ChunkIndex int
	// RangeInSector is the byte range this entry occupies inside the
	// sector. For the last entry it extends through the tail padding.
	RangeInSector Range
	// RangeInChunk is the entry's sub-range of the original chunk.
	RangeInChunk Range
}

// Meta is the derived, hashable description of a sector's layout. The
// sector id is deterministic in (key, ordered chunk list); reordering
// entries changes it.
type Meta struct {
	header       Header
	headerBytes  []byte
	id           chunk.ChunkId
	headerLength uint64
	bodyLength   uint64
	sectorLength uint64
}

// NewMeta derives lengths and the sector id from a header.
func NewMeta(header Header) *Meta {
	headerLength := header.Length()
	var bodyLength uint64
	for _, e := range header.Chunks {
		bodyLength += e.Range.Len()
	}
	sectorLength := headerLength + bodyLength
	if rem := sectorLength % aes.BlockSize; rem != 0 {
		sectorLength += aes.BlockSize - rem
	}

	h := sha256.New()
	if header.Key != nil {
		h.Write(header.Key)
	}
	var scratch [8]byte
	for _, e := range header.Chunks {
		h.Write(e.ChunkId.AppendBinary(nil))
		binary.BigEndian.PutUint64(scratch[:], e.Range.Start)
		h.Write(scratch[:])
		binary.BigEndian.PutUint64(scratch[:], e.Range.End)
		h.Write(scratch[:])
	}
	var digest [sha256.Size]byte
	h.Sum(digest[:0])

	return &Meta{
		header:       header,
		headerBytes:  header.Serialize(),
		id:           chunk.NewChunkId(digest, int64(sectorLength)),
		headerLength: headerLength,
		bodyLength:   bodyLength,
		sectorLength: sectorLength,
	}
}

// Header returns the underlying header.
func (m *Meta) Header() *Header { return &m.header }

// HeaderBytes returns the serialized header.
func (m *Meta) HeaderBytes() []byte { return m.headerBytes }

// SectorId returns the sector's own chunk id.
func (m *Meta) SectorId() chunk.ChunkId { return m.id }

// HeaderLength returns the serialized header length.
func (m *Meta) HeaderLength() uint64 { return m.headerLength }

// BodyLength returns the sum of stored chunk sub-ranges.
func (m *Meta) BodyLength() uint64 { return m.bodyLength }

// SectorLength returns the total ciphertext length, a multiple of the AES
// block size.
func (m *Meta) SectorLength() uint64 { return m.sectorLength }

// ChunkOnOffset returns the entry covering the sector offset, for any
// off in [headerLength, sectorLength).
func (m *Meta) ChunkOnOffset(off uint64) (ChunkOnOffset, bool) {
	if off < m.headerLength || off >= m.sectorLength {
		return ChunkOnOffset{}, false
	}
	start := m.headerLength
	for i, e := range m.header.Chunks {
		end := start + e.Range.Len()
		last := i == len(m.header.Chunks)-1
		if last {
			// The final entry owns the tail padding too.
			end = m.sectorLength
		}
		if off < end {
			return ChunkOnOffset{
				ChunkIndex:    i,
				RangeInSector: Range{Start: start, End: end},
				RangeInChunk:  e.Range,
			}, true
		}
		start = end
	}
	return ChunkOnOffset{}, false
}

// OffsetOfChunk returns the sector offset of the chunk's segment and its
// sub-range, if the chunk appears in this sector.
func (m *Meta) OffsetOfChunk(id chunk.ChunkId) (uint64, Range, bool) {
	offset := m.headerLength
	for _, e := range m.header.Chunks {
		if e.ChunkId.Equal(id) {
			return offset, e.Range, true
		}
		offset += e.Range.Len()
	}
	return 0, Range{}, false
}

// Builder accumulates chunk sub-ranges up to a length limit.
type Builder struct {
	lengthLimit uint64
	length      uint64
	header      Header
}

// NewBuilder returns a builder with no length limit.
func NewBuilder() *Builder {
	return &Builder{lengthLimit: ^uint64(0), header: NewHeader()}
}

// WithKey sets the 32-byte sector key. The key travels inside the header
// and participates in the sector id.
func (b *Builder) WithKey(key []byte) *Builder {
	k := make([]byte, KeySize)
	copy(k, key[:KeySize])
	b.header.Key = k
	b.header.Flags |= FlagHasKey
	return b
}

// WithLengthLimit caps the total body length. Must be set before any chunk
// is added.
func (b *Builder) WithLengthLimit(limit uint64) *Builder {
	if len(b.header.Chunks) > 0 {
		panic("length limit must be set before adding chunks")
	}
	b.lengthLimit = limit
	return b
}

// WithBlockSize overrides the AES-CBC restart boundary.
func (b *Builder) WithBlockSize(blockSize uint16) *Builder {
	b.header.BlockSize = blockSize
	return b
}

// Length returns the accumulated body length.
func (b *Builder) Length() uint64 { return b.length }

// LengthLimit returns the configured limit.
func (b *Builder) LengthLimit() uint64 { return b.lengthLimit }

// AddChunk appends a chunk sub-range, truncating it so the body never
// exceeds the limit. The accepted length is returned; the caller carries
// any remainder into the next sector.
func (b *Builder) AddChunk(id chunk.ChunkId, r Range) uint64 {
	if b.length >= b.lengthLimit {
		return 0
	}
	length := r.Len()
	if b.length+length > b.lengthLimit {
		length = b.lengthLimit - b.length
	}
	b.length += length
	b.header.Chunks = append(b.header.Chunks, Entry{
		ChunkId: id,
		Range:   Range{Start: r.Start, End: r.Start + length},
	})
	return length
}

// Build derives the sector meta. The builder must not be reused.
func (b *Builder) Build() *Meta {
	return NewMeta(b.header)
}
