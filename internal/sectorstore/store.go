// Package sectorstore is the hybrid chunk store: writes land in a local
// filesystem store, a background collector packs finished chunks into
// encrypted sectors, a poster uploads sectors to the remote target, and
// reads are served from whichever layer still holds the bytes.
package sectorstore

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/chunkvault/internal/chunk"
	"github.com/kenneth/chunkvault/internal/localstore"
	"github.com/kenneth/chunkvault/internal/metrics"
	"github.com/kenneth/chunkvault/internal/sector"
)

// Config tunes the hybrid store.
type Config struct {
	BasePath              string
	PostSectorInterval    time.Duration
	CollectSectorInterval time.Duration
	MaxSectorSize         uint64
	ChunkMaxWaitTime      time.Duration
	// SectorKey is the 32-byte AES key packed into every sector header.
	SectorKey []byte
	BlockSize uint16
}

func (c *Config) applyDefaults() {
	if c.PostSectorInterval <= 0 {
		c.PostSectorInterval = 5 * time.Second
	}
	if c.CollectSectorInterval <= 0 {
		c.CollectSectorInterval = 5 * time.Second
	}
	if c.MaxSectorSize == 0 {
		c.MaxSectorSize = 1 << 30
	}
	if c.ChunkMaxWaitTime <= 0 {
		c.ChunkMaxWaitTime = time.Minute
	}
	if c.BlockSize == 0 {
		c.BlockSize = sector.DefaultBlockSize
	}
}

// Store combines the local landing store, the remote chunk target and the
// relational metadata relating them. The poster and collector loops share
// it by reference; it implements chunk.Store.
type Store struct {
	local  *localstore.Store
	remote chunk.Store
	db     *sql.DB
	cfg    Config
	logger *logrus.Logger
	mets   *metrics.Metrics

	wake chan struct{}

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New builds the store over an opened sqlite handle and a remote chunk
// store.
func New(db *sql.DB, remote chunk.Store, cfg Config, logger *logrus.Logger, mets *metrics.Metrics) (*Store, error) {
	cfg.applyDefaults()
	if len(cfg.SectorKey) != sector.KeySize {
		return nil, chunk.ErrInvalidInput(nil, "sector key must be %d bytes, got %d", sector.KeySize, len(cfg.SectorKey))
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if mets == nil {
		mets = metrics.Nop()
	}
	return &Store{
		local:  localstore.New(cfg.BasePath, logger),
		remote: remote,
		db:     db,
		cfg:    cfg,
		logger: logger,
		mets:   mets,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}, nil
}

// Init prepares the local directory and the metadata schema.
func (s *Store) Init(ctx context.Context) error {
	if err := s.local.Init(); err != nil {
		return err
	}
	return s.initSchema(ctx)
}

// Start launches the collector and poster loops.
func (s *Store) Start() {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.collectLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.postLoop()
	}()
}

// Stop shuts the background loops down and waits for them.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// Local exposes the landing store, mainly for tests.
func (s *Store) Local() *localstore.Store { return s.local }

// wakeCollector nudges the collector without blocking.
func (s *Store) wakeCollector() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Write lands the chunk locally and tracks it for sector promotion. A chunk
// already marked written returns its recorded status without touching
// storage.
func (s *Store) Write(ctx context.Context, req chunk.WriteRequest) (chunk.Status, error) {
	row, err := s.getChunkRow(ctx, req.ChunkId)
	if err != nil {
		return chunk.Status{}, err
	}
	switch {
	case row == nil:
		length := req.Tail
		if err := s.insertChunkRow(ctx, req.ChunkId, length); err != nil {
			return chunk.Status{}, err
		}
		s.wakeCollector()
	case row.WrittenAt.Valid:
		return chunk.Status{
			ChunkId:   req.ChunkId,
			Written:   uint64(row.Length.Int64),
			Length:    uint64(row.Length.Int64),
			Completed: true,
		}, nil
	}

	status, err := s.local.Write(ctx, req)
	if err != nil {
		return chunk.Status{}, err
	}
	s.mets.StoreBytesWritten(float64(status.Written))

	if status.Completed {
		if err := s.markChunkWritten(ctx, req.ChunkId, status.Written, req.FullId); err != nil {
			return chunk.Status{}, err
		}
		s.wakeCollector()
	}
	return status, nil
}

// Read serves the chunk from the local landing when present, otherwise
// through a chunk decryptor over the sectors that carry it.
func (s *Store) Read(ctx context.Context, id chunk.ChunkId) (chunk.Reader, error) {
	if local, err := s.local.Read(ctx, id); err == nil {
		return local, nil
	} else if !chunk.IsNotFound(err) {
		return nil, err
	}

	row, err := s.getChunkRow(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil || !row.Length.Valid {
		return nil, chunk.ErrNotFound("chunk %s not in sector store", id)
	}

	memberships, err := s.sectorRowsOfChunk(ctx, row.ID)
	if err != nil {
		return nil, err
	}
	if len(memberships) == 0 {
		return nil, chunk.ErrNotFound("chunk %s has no sector placement", id)
	}

	metas := make([]*sector.Meta, 0, len(memberships))
	for _, m := range memberships {
		meta, err := s.querySectorMeta(ctx, m.SectorID)
		if err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}

	rowID, err := chunk.ParseChunkId(row.ID)
	if err != nil {
		return nil, err
	}
	return sector.NewChunkDecryptor(ctx, rowID, uint64(row.Length.Int64), metas, s.remote)
}

// Stat reports the chunk's durability across both layers.
func (s *Store) Stat(ctx context.Context, id chunk.ChunkId) (*chunk.Status, error) {
	if st, err := s.local.Stat(ctx, id); err != nil {
		return nil, err
	} else if st != nil {
		return st, nil
	}
	row, err := s.getChunkRow(ctx, id)
	if err != nil || row == nil {
		return nil, err
	}
	st := &chunk.Status{ChunkId: id}
	if row.Length.Valid {
		st.Length = uint64(row.Length.Int64)
	}
	if row.WrittenAt.Valid {
		st.Written = st.Length
		st.Completed = true
	}
	return st, nil
}

// Delete marks the chunk deleted and drops the local copy. Sector rows are
// never deleted automatically.
func (s *Store) Delete(ctx context.Context, id chunk.ChunkId) error {
	if err := s.markChunkDeleted(ctx, id.String()); err != nil {
		return err
	}
	return s.local.Delete(ctx, id)
}

// List enumerates chunks known to the metadata store.
func (s *Store) List(ctx context.Context) ([]chunk.Status, error) {
	rows, err := s.listChunkRows(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]chunk.Status, 0, len(rows))
	for _, r := range rows {
		id, err := chunk.ParseChunkId(r.ID)
		if err != nil {
			continue
		}
		st := chunk.Status{ChunkId: id}
		if r.Length.Valid {
			st.Length = uint64(r.Length.Int64)
		}
		if r.WrittenAt.Valid {
			st.Written = st.Length
			st.Completed = true
		}
		out = append(out, st)
	}
	return out, nil
}

// Link records the alias in the metadata store and mirrors it into the
// local landing. The row update and the local link happen under the same
// call so a reader that sees the new id also finds the bytes.
func (s *Store) Link(ctx context.Context, targetID, newID chunk.ChunkId) error {
	row, err := s.getChunkRow(ctx, targetID)
	if err != nil {
		return err
	}
	if row == nil {
		return chunk.ErrNotFound("link target %s unknown to sector store", targetID)
	}
	if err := s.recordLink(ctx, targetID, newID); err != nil {
		return err
	}
	if err := s.local.Link(ctx, targetID, newID); err != nil && !chunk.IsNotFound(err) {
		return err
	}
	return nil
}
