package sectorstore

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kenneth/chunkvault/internal/chunk"
	"github.com/kenneth/chunkvault/internal/sector"
)

const sqlCreateChunksTable = `CREATE TABLE IF NOT EXISTS chunks (
	id TEXT PRIMARY KEY,
	full_id TEXT,
	length INTEGER,
	created_at INTEGER NOT NULL,
	written_at INTEGER,
	deleted_at INTEGER,
	process_id INTEGER
)`

const sqlCreateSectorsTable = `CREATE TABLE IF NOT EXISTS sectors (
	id TEXT PRIMARY KEY,
	length INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	written_at INTEGER,
	deleted_at INTEGER,
	process_id INTEGER
)`

const sqlCreateChunksInSectorsTable = `CREATE TABLE IF NOT EXISTS chunks_in_sectors (
	chunk_id TEXT NOT NULL,
	sector_id TEXT NOT NULL,
	offset_in_chunk INTEGER NOT NULL,
	length INTEGER NOT NULL,
	offset_in_sector INTEGER NOT NULL,
	PRIMARY KEY (sector_id, offset_in_sector)
)`

// chunkRow mirrors one chunks table row. Timestamps are unix milliseconds.
type chunkRow struct {
	ID        string
	FullID    sql.NullString
	Length    sql.NullInt64
	CreatedAt int64
	WrittenAt sql.NullInt64
	DeletedAt sql.NullInt64
	ProcessID sql.NullInt64
}

type sectorRow struct {
	ID        string
	Length    int64
	CreatedAt int64
	WrittenAt sql.NullInt64
	DeletedAt sql.NullInt64
	ProcessID sql.NullInt64
}

type chunkInSectorRow struct {
	ChunkID        string
	SectorID       string
	OffsetInChunk  int64
	Length         int64
	OffsetInSector int64
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range []string{sqlCreateChunksTable, sqlCreateSectorsTable, sqlCreateChunksInSectorsTable} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return chunk.ErrIo(err, "failed to create sector store schema")
		}
	}
	return nil
}

func (s *Store) getChunkRow(ctx context.Context, id chunk.ChunkId) (*chunkRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, full_id, length, created_at, written_at, deleted_at, process_id FROM chunks WHERE id = ? OR full_id = ?`,
		id.String(), id.String())
	var r chunkRow
	if err := row.Scan(&r.ID, &r.FullID, &r.Length, &r.CreatedAt, &r.WrittenAt, &r.DeletedAt, &r.ProcessID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, chunk.ErrIo(err, "failed to query chunk row %s", id)
	}
	return &r, nil
}

func (s *Store) insertChunkRow(ctx context.Context, id chunk.ChunkId, length uint64) error {
	var l interface{}
	if length > 0 {
		l = int64(length)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO chunks (id, length, created_at) VALUES (?, ?, ?)`,
		id.String(), l, nowMillis()); err != nil {
		return chunk.ErrIo(err, "failed to insert chunk row %s", id)
	}
	return nil
}

func (s *Store) markChunkWritten(ctx context.Context, id chunk.ChunkId, length uint64, fullID chunk.ChunkId) error {
	var full interface{}
	if !fullID.IsZero() {
		full = fullID.String()
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET length = ?, full_id = COALESCE(?, full_id), written_at = ? WHERE id = ?`,
		int64(length), full, nowMillis(), id.String()); err != nil {
		return chunk.ErrIo(err, "failed to mark chunk %s written", id)
	}
	return nil
}

// sectorRowsOfChunk returns the membership rows of a chunk ordered by its
// own offsets, so the chunk decryptor sees sectors in chunk order.
func (s *Store) sectorRowsOfChunk(ctx context.Context, chunkID string) ([]chunkInSectorRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_id, sector_id, offset_in_chunk, length, offset_in_sector
		 FROM chunks_in_sectors WHERE chunk_id = ? ORDER BY offset_in_chunk ASC`, chunkID)
	if err != nil {
		return nil, chunk.ErrIo(err, "failed to query sectors of chunk %s", chunkID)
	}
	defer rows.Close()
	var out []chunkInSectorRow
	for rows.Next() {
		var r chunkInSectorRow
		if err := rows.Scan(&r.ChunkID, &r.SectorID, &r.OffsetInChunk, &r.Length, &r.OffsetInSector); err != nil {
			return nil, chunk.ErrIo(err, "failed to scan chunks_in_sectors row")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) getSectorRow(ctx context.Context, sectorID string) (*sectorRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, length, created_at, written_at, deleted_at, process_id FROM sectors WHERE id = ?`, sectorID)
	var r sectorRow
	if err := row.Scan(&r.ID, &r.Length, &r.CreatedAt, &r.WrittenAt, &r.DeletedAt, &r.ProcessID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, chunk.ErrIo(err, "failed to query sector row %s", sectorID)
	}
	return &r, nil
}

// querySectorMeta rebuilds a sector's meta from its membership rows. The
// builder reproduces the original sector id because the id is deterministic
// in (key, ordered chunk list).
func (s *Store) querySectorMeta(ctx context.Context, sectorID string) (*sector.Meta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_id, sector_id, offset_in_chunk, length, offset_in_sector
		 FROM chunks_in_sectors WHERE sector_id = ? ORDER BY offset_in_sector ASC`, sectorID)
	if err != nil {
		return nil, chunk.ErrIo(err, "failed to query sector layout %s", sectorID)
	}
	defer rows.Close()

	builder := sector.NewBuilder().WithKey(s.cfg.SectorKey).WithBlockSize(s.cfg.BlockSize)
	count := 0
	for rows.Next() {
		var r chunkInSectorRow
		if err := rows.Scan(&r.ChunkID, &r.SectorID, &r.OffsetInChunk, &r.Length, &r.OffsetInSector); err != nil {
			return nil, chunk.ErrIo(err, "failed to scan sector layout row")
		}
		id, err := chunk.ParseChunkId(r.ChunkID)
		if err != nil {
			return nil, err
		}
		builder.AddChunk(id, sector.Range{Start: uint64(r.OffsetInChunk), End: uint64(r.OffsetInChunk + r.Length)})
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, chunk.ErrIo(err, "failed to iterate sector layout rows")
	}
	if count == 0 {
		return nil, chunk.ErrNotFound("sector %s has no layout rows", sectorID)
	}

	meta := builder.Build()
	if meta.SectorId().String() != sectorID {
		return nil, chunk.ErrInternal(nil, "rebuilt sector id %s does not match stored id %s", meta.SectorId(), sectorID)
	}
	return meta, nil
}

// allocatedLength sums the bytes of a chunk already placed into sectors.
func (s *Store) allocatedLength(ctx context.Context, chunkID string) (int64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(length), 0) FROM chunks_in_sectors WHERE chunk_id = ?`, chunkID)
	var sum int64
	if err := row.Scan(&sum); err != nil {
		return 0, chunk.ErrIo(err, "failed to sum allocation of chunk %s", chunkID)
	}
	return sum, nil
}

// unpackedChunks returns written chunks whose bytes are not yet fully
// covered by sector rows, oldest first.
func (s *Store) unpackedChunks(ctx context.Context) ([]chunkRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, full_id, length, created_at, written_at, deleted_at, process_id FROM chunks
		 WHERE written_at IS NOT NULL AND deleted_at IS NULL
		 AND COALESCE((SELECT SUM(cis.length) FROM chunks_in_sectors cis WHERE cis.chunk_id = chunks.id), 0) < length
		 ORDER BY written_at ASC`)
	if err != nil {
		return nil, chunk.ErrIo(err, "failed to query unpacked chunks")
	}
	defer rows.Close()
	var out []chunkRow
	for rows.Next() {
		var r chunkRow
		if err := rows.Scan(&r.ID, &r.FullID, &r.Length, &r.CreatedAt, &r.WrittenAt, &r.DeletedAt, &r.ProcessID); err != nil {
			return nil, chunk.ErrIo(err, "failed to scan chunk row")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// commitSector inserts the sectors row and its layout rows in one
// transaction. A sector is never mutated after this commit.
func (s *Store) commitSector(ctx context.Context, meta *sector.Meta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chunk.ErrIo(err, "failed to begin sector commit")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sectors (id, length, created_at) VALUES (?, ?, ?)`,
		meta.SectorId().String(), int64(meta.SectorLength()), nowMillis()); err != nil {
		return chunk.ErrIo(err, "failed to insert sector row")
	}

	var offsetInSector uint64
	for _, e := range meta.Header().Chunks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks_in_sectors (chunk_id, sector_id, offset_in_chunk, length, offset_in_sector)
			 VALUES (?, ?, ?, ?, ?)`,
			e.ChunkId.String(), meta.SectorId().String(),
			int64(e.Range.Start), int64(e.Range.Len()), int64(offsetInSector)); err != nil {
			return chunk.ErrIo(err, "failed to insert sector layout row")
		}
		offsetInSector += e.Range.Len()
	}

	if err := tx.Commit(); err != nil {
		return chunk.ErrIo(err, "failed to commit sector")
	}
	return nil
}

// earliestUnpostedSector returns the oldest sector awaiting upload.
func (s *Store) earliestUnpostedSector(ctx context.Context) (*sectorRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, length, created_at, written_at, deleted_at, process_id FROM sectors
		 WHERE written_at IS NULL AND deleted_at IS NULL ORDER BY created_at ASC LIMIT 1`)
	var r sectorRow
	if err := row.Scan(&r.ID, &r.Length, &r.CreatedAt, &r.WrittenAt, &r.DeletedAt, &r.ProcessID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, chunk.ErrIo(err, "failed to query unposted sector")
	}
	return &r, nil
}

func (s *Store) markSectorWritten(ctx context.Context, sectorID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sectors SET written_at = ? WHERE id = ?`, nowMillis(), sectorID); err != nil {
		return chunk.ErrIo(err, "failed to mark sector %s written", sectorID)
	}
	return nil
}

// chunksFullyPosted returns chunks whose every byte is covered by layout
// rows of written sectors, and which still have a local copy.
func (s *Store) chunksFullyPosted(ctx context.Context) ([]chunkRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, full_id, length, created_at, written_at, deleted_at, process_id FROM chunks
		 WHERE written_at IS NOT NULL AND deleted_at IS NULL
		 AND length <= COALESCE((
			SELECT SUM(cis.length) FROM chunks_in_sectors cis
			JOIN sectors sec ON sec.id = cis.sector_id
			WHERE cis.chunk_id = chunks.id AND sec.written_at IS NOT NULL
		 ), 0)`)
	if err != nil {
		return nil, chunk.ErrIo(err, "failed to query posted chunks")
	}
	defer rows.Close()
	var out []chunkRow
	for rows.Next() {
		var r chunkRow
		if err := rows.Scan(&r.ID, &r.FullID, &r.Length, &r.CreatedAt, &r.WrittenAt, &r.DeletedAt, &r.ProcessID); err != nil {
			return nil, chunk.ErrIo(err, "failed to scan chunk row")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) markChunkDeleted(ctx context.Context, chunkID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET deleted_at = ? WHERE id = ?`, nowMillis(), chunkID); err != nil {
		return chunk.ErrIo(err, "failed to mark chunk %s deleted", chunkID)
	}
	return nil
}

func (s *Store) recordLink(ctx context.Context, targetID, newID chunk.ChunkId) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET full_id = ? WHERE id = ?`, newID.String(), targetID.String()); err != nil {
		return chunk.ErrIo(err, "failed to record chunk link")
	}
	return nil
}

func (s *Store) listChunkRows(ctx context.Context) ([]chunkRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, full_id, length, created_at, written_at, deleted_at, process_id FROM chunks WHERE deleted_at IS NULL OR written_at IS NOT NULL`)
	if err != nil {
		return nil, chunk.ErrIo(err, "failed to list chunk rows")
	}
	defer rows.Close()
	var out []chunkRow
	for rows.Next() {
		var r chunkRow
		if err := rows.Scan(&r.ID, &r.FullID, &r.Length, &r.CreatedAt, &r.WrittenAt, &r.DeletedAt, &r.ProcessID); err != nil {
			return nil, chunk.ErrIo(err, "failed to scan chunk row")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
