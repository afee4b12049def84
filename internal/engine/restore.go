package engine

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/chunkvault/internal/chunk"
	"github.com/kenneth/chunkvault/internal/provider"
)

// runRestoreTask streams every item of a done checkpoint back from the
// target into the restore location. Every Done item is restored on each
// run, including items an earlier run already restored; the source
// adapter's temp-and-rename discipline makes each rewrite atomic.
func (e *Engine) runRestoreTask(ctx context.Context, task *WorkTask, checkpointID string, plan *BackupPlanConfig) error {
	ctx, span := e.tracer.Start(ctx, "restore_task", trace.WithAttributes(
		attribute.String("task_id", task.TaskId),
		attribute.String("checkpoint_id", checkpointID),
	))
	defer span.End()

	e.restoreMu.Lock()
	cfg := e.restoreConfigs[task.TaskId]
	e.restoreMu.Unlock()
	if cfg == nil {
		return chunk.ErrState("restore task %s has no restore config", task.TaskId)
	}

	source, err := e.sourceFor(ctx, cfg.RestoreLocationURL)
	if err != nil {
		return err
	}
	target, err := e.targetFor(ctx, plan.TargetURL)
	if err != nil {
		return err
	}

	if err := source.InitForRestore(ctx, cfg); err != nil {
		return err
	}

	items, err := e.db.LoadAllItems(ctx, checkpointID)
	if err != nil {
		return err
	}

	var totalSize uint64
	for _, item := range items {
		totalSize += item.Size
	}
	e.taskMu.Lock()
	task.TotalSize = totalSize
	task.ItemCount = uint64(len(items))
	task.CompletedSize = 0
	task.CompletedItemCount = 0
	e.taskMu.Unlock()
	if err := e.db.UpdateTask(ctx, task); err != nil {
		return err
	}

	var failed int
	for i := range items {
		item := items[i]
		if e.taskState(task) != TaskStateRunning {
			return nil
		}
		if item.State != provider.ItemStateDone {
			// Never backed up; nothing to restore.
			continue
		}
		if err := e.restoreItem(ctx, source, target, &item, cfg); err != nil {
			e.logger.WithError(err).WithField("item_id", item.ItemId).Warn("item restore failed")
			failed++
			continue
		}
		e.taskMu.Lock()
		task.CompletedItemCount++
		task.CompletedSize += item.Size
		e.taskMu.Unlock()
		if err := e.db.UpdateTask(ctx, task); err != nil {
			return err
		}
	}
	if failed > 0 {
		return chunk.ErrIo(nil, "%d items failed to restore", failed)
	}
	e.logger.WithFields(logrus.Fields{
		"task_id":       task.TaskId,
		"checkpoint_id": checkpointID,
		"item_count":    len(items),
	}).Info("restore finished")
	return nil
}

func (e *Engine) restoreItem(ctx context.Context, source provider.ChunkSource, target provider.ChunkTarget,
	item *provider.BackupItem, cfg *provider.RestoreConfig) error {

	idText := item.ChunkId
	if idText == "" {
		idText = item.QuickHash
	}
	if idText == "" {
		return chunk.ErrState("item %s has no chunk id to restore from", item.ItemId)
	}
	id, err := chunk.ParseChunkId(idText)
	if err != nil {
		return err
	}

	reader, err := target.OpenChunkReaderForRestore(ctx, id, 0)
	if err != nil && item.QuickHash != "" && idText != item.QuickHash {
		// Fall back to the probe id when the canonical alias never
		// reached the target.
		if quickID, perr := chunk.ParseChunkId(item.QuickHash); perr == nil {
			reader, err = target.OpenChunkReaderForRestore(ctx, quickID, 0)
		}
	}
	if err != nil {
		return err
	}
	defer reader.Close()

	return source.RestoreItemByReader(ctx, item, reader, cfg)
}
