package sectorstore

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/chunkvault/internal/chunk"
	"github.com/kenneth/chunkvault/internal/sector"
)

// collectLoop packs finished chunks into sectors. It sleeps until a write
// wakes it or the collect interval elapses.
func (s *Store) collectLoop() {
	for {
		committed, err := s.collectOnce(context.Background())
		if err != nil {
			s.logger.WithError(err).Warn("sector collection failed")
		}
		if committed {
			// More candidates may be waiting; go again immediately.
			continue
		}
		select {
		case <-s.stop:
			return
		case <-s.wake:
		case <-time.After(s.cfg.CollectSectorInterval):
		}
	}
}

// collectOnce builds at most one sector from the oldest unpacked chunk
// remainders. It commits only when the builder reached its size limit or
// the oldest candidate has waited longer than the configured maximum;
// otherwise it aborts and leaves every row untouched.
func (s *Store) collectOnce(ctx context.Context) (bool, error) {
	candidates, err := s.unpackedChunks(ctx)
	if err != nil {
		return false, err
	}
	if len(candidates) == 0 {
		return false, nil
	}

	oldest := candidates[0]
	overtime := time.UnixMilli(oldest.WrittenAt.Int64).Add(s.cfg.ChunkMaxWaitTime).Before(time.Now())

	builder := sector.NewBuilder().
		WithKey(s.cfg.SectorKey).
		WithBlockSize(s.cfg.BlockSize).
		WithLengthLimit(s.cfg.MaxSectorSize)

	for _, cand := range candidates {
		if !cand.Length.Valid {
			continue
		}
		allocated, err := s.allocatedLength(ctx, cand.ID)
		if err != nil {
			return false, err
		}
		remain := cand.Length.Int64 - allocated
		if remain <= 0 {
			continue
		}
		id, err := chunk.ParseChunkId(cand.ID)
		if err != nil {
			s.logger.WithError(err).WithField("chunk_id", cand.ID).Warn("skipping unparseable chunk row")
			continue
		}
		added := builder.AddChunk(id, sector.Range{
			Start: uint64(allocated),
			End:   uint64(allocated + remain),
		})
		if added < uint64(remain) {
			// Builder is full; the remainder waits for the next
			// sector.
			break
		}
	}

	if builder.Length() == 0 {
		return false, nil
	}
	if !overtime && builder.Length() < s.cfg.MaxSectorSize {
		// Not enough data yet and nobody has waited long enough.
		return false, nil
	}

	meta := builder.Build()
	if err := s.commitSector(ctx, meta); err != nil {
		return false, err
	}
	s.mets.SectorCollected(float64(meta.SectorLength()))
	s.logger.WithFields(logrus.Fields{
		"sector_id": meta.SectorId().String(),
		"length":    meta.SectorLength(),
		"chunks":    len(meta.Header().Chunks),
	}).Info("sector collected")
	return true, nil
}
