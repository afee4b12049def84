package sectorstore

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/chunkvault/internal/chunk"
	"github.com/kenneth/chunkvault/internal/sector"
)

// postLoop uploads committed sectors to the remote target, earliest first,
// resuming at the remote's current tail after an interruption.
func (s *Store) postLoop() {
	for {
		posted, err := s.postOnce(context.Background())
		if err != nil {
			// Provider errors are expected to clear; retry on the
			// next tick.
			s.logger.WithError(err).Warn("sector post failed")
		}
		if posted {
			continue
		}
		select {
		case <-s.stop:
			return
		case <-time.After(s.cfg.PostSectorInterval):
		}
	}
}

// postOnce uploads at most one sector. Bytes are written strictly
// non-decreasing: resume always picks up at the remote's current tail.
func (s *Store) postOnce(ctx context.Context) (bool, error) {
	row, err := s.earliestUnpostedSector(ctx)
	if err != nil || row == nil {
		return false, err
	}

	meta, err := s.querySectorMeta(ctx, row.ID)
	if err != nil {
		return false, err
	}

	var written uint64
	if st, err := s.remote.Stat(ctx, meta.SectorId()); err != nil {
		return false, err
	} else if st != nil {
		written = st.Written
	}

	if written < meta.SectorLength() {
		encryptor := sector.NewSeekOnceEncryptor(ctx, meta, s.local)
		defer encryptor.Close()
		if _, err := encryptor.Seek(int64(written), io.SeekStart); err != nil {
			return false, err
		}

		status, err := s.remote.Write(ctx, chunk.WriteRequest{
			ChunkId: meta.SectorId(),
			Offset:  written,
			Reader:  encryptor,
			Length:  meta.SectorLength() - written,
			Tail:    meta.SectorLength(),
		})
		if err != nil {
			return false, err
		}
		written = status.Written
	}

	if written < meta.SectorLength() {
		// Partial upload; the next iteration resumes at the new tail.
		s.logger.WithFields(logrus.Fields{
			"sector_id": row.ID,
			"written":   written,
			"length":    meta.SectorLength(),
		}).Info("sector post interrupted")
		return false, nil
	}

	if err := s.markSectorWritten(ctx, row.ID); err != nil {
		return false, err
	}
	s.mets.SectorPosted(float64(meta.SectorLength()))
	s.logger.WithFields(logrus.Fields{
		"sector_id": row.ID,
		"length":    meta.SectorLength(),
	}).Info("sector posted")

	if err := s.collectLocalGarbage(ctx); err != nil {
		s.logger.WithError(err).Warn("landing-zone garbage collection failed")
	}
	return true, nil
}

// collectLocalGarbage drops local copies of chunks whose every byte is
// covered by a posted sector. Reads switch to the decryptor path.
func (s *Store) collectLocalGarbage(ctx context.Context) error {
	rows, err := s.chunksFullyPosted(ctx)
	if err != nil {
		return err
	}
	for _, r := range rows {
		id, err := chunk.ParseChunkId(r.ID)
		if err != nil {
			continue
		}
		if st, err := s.local.Stat(ctx, id); err != nil || st == nil {
			continue
		}
		if err := s.local.Delete(ctx, id); err != nil {
			return err
		}
		if r.FullID.Valid {
			if fullID, err := chunk.ParseChunkId(r.FullID.String); err == nil {
				_ = s.local.Delete(ctx, fullID)
			}
		}
		s.logger.WithField("chunk_id", r.ID).Debug("chunk evicted from landing zone")
	}
	return nil
}
