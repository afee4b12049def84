package engine

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/chunkvault/internal/chunk"
	"github.com/kenneth/chunkvault/internal/provider"
)

// transferCacheNode is one hashed piece of an item's body flowing from the
// eval worker to the transfer worker. The channel carrying these nodes is
// the pipeline's memory bound.
type transferCacheNode struct {
	itemID      string
	chunkID     chunk.ChunkId // quick-hash id the piece is uploaded under
	offset      uint64
	isLastPiece bool
	content     []byte
	fullID      chunk.ChunkId // set on the last piece
	itemSize    uint64
}

// runBackupTask executes one backup run of the checkpoint: prepare items,
// evaluate hashes, transfer bytes. Restartable at every stage from the
// persisted item states.
func (e *Engine) runBackupTask(ctx context.Context, task *WorkTask, checkpointID string, plan *BackupPlanConfig) error {
	ctx, span := e.tracer.Start(ctx, "backup_task", trace.WithAttributes(
		attribute.String("task_id", task.TaskId),
		attribute.String("checkpoint_id", checkpointID),
	))
	defer span.End()
	started := time.Now()

	cp, err := e.resolveCheckpoint(ctx, checkpointID)
	if err != nil {
		return err
	}
	switch e.checkpointState(cp) {
	case CheckPointStateDone:
		e.logger.WithField("checkpoint_id", checkpointID).Info("checkpoint already done")
		return nil
	case CheckPointStateFailed:
		return chunk.ErrState("checkpoint %s already failed", checkpointID)
	}

	source, err := e.sourceFor(ctx, plan.SourceURL)
	if err != nil {
		return err
	}
	target, err := e.targetFor(ctx, plan.TargetURL)
	if err != nil {
		return err
	}

	// Hand the target its session token from the previous run, and keep
	// whatever it reports for the next one.
	e.sessionMu.Lock()
	session := e.sessions[plan.PlanId]
	e.sessionMu.Unlock()
	if session != "" {
		if err := target.SetAccountSessionInfo(ctx, session); err != nil {
			e.logger.WithError(err).Warn("target rejected the stored session, reauthenticating")
		}
	}
	defer func() {
		if session, err := target.GetAccountSessionInfo(context.Background()); err == nil && session != "" {
			e.sessionMu.Lock()
			e.sessions[plan.PlanId] = session
			e.sessionMu.Unlock()
		}
	}()

	if err := source.LockForBackup(ctx, plan.SourceURL); err != nil {
		return err
	}
	defer func() {
		if err := source.UnlockForBackup(context.Background(), plan.SourceURL); err != nil {
			e.logger.WithError(err).Warn("failed to unlock backup source")
		}
	}()

	if e.checkpointState(cp) == CheckPointStateNew {
		if err := e.prepareCheckpoint(ctx, task, cp, source); err != nil {
			return err
		}
	}

	items, err := e.db.LoadWorkBackupItems(ctx, checkpointID)
	if err != nil {
		return err
	}

	// The run stops when the task leaves Running; a watchdog folds that
	// cooperative flag into context cancellation for the workers.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-e.stopped:
				cancelRun()
				return
			case <-ticker.C:
				if e.taskState(task) != TaskStateRunning {
					cancelRun()
					return
				}
			}
		}
	}()

	evalCh := make(chan provider.BackupItem, evalChannelCap)
	transferCh := make(chan provider.BackupItem, transferChannelCap)
	cacheCh := make(chan *transferCacheNode, transferCacheCap)

	// Route persisted items: unhashed ones to the eval worker, hashed
	// ones straight to transfer.
	go func() {
		defer close(evalCh)
		defer close(transferCh)
		for _, item := range items {
			var dest chan provider.BackupItem
			switch {
			case item.State == provider.ItemStateNew && item.ChunkId == "":
				dest = evalCh
			case item.State == provider.ItemStateNew || item.State == provider.ItemStateLocalDone:
				dest = transferCh
			default:
				continue
			}
			select {
			case dest <- item:
			case <-runCtx.Done():
				return
			}
		}
	}()

	evalErr := make(chan error, 1)
	go func() {
		evalErr <- e.evalWorker(runCtx, task, cp, source, target, evalCh, cacheCh)
		close(cacheCh)
	}()

	transferErr := e.transferWorker(runCtx, task, cp, source, target, transferCh, cacheCh)
	// Unblock the eval worker if transfer bailed out first.
	cancelRun()
	eErr := <-evalErr

	if e.taskState(task) != TaskStateRunning {
		// Paused or engine shutdown: progress is persisted, nothing to
		// report.
		return nil
	}
	if eErr != nil {
		e.failCheckpoint(ctx, cp)
		return eErr
	}
	if transferErr != nil {
		e.failCheckpoint(ctx, cp)
		return transferErr
	}

	e.mets.CheckpointFinished(string(e.checkpointState(cp)), time.Since(started).Seconds())
	return nil
}

// failCheckpoint moves the checkpoint to Failed on behalf of the owning
// task. Individual item failures never move the checkpoint; this does.
func (e *Engine) failCheckpoint(ctx context.Context, cp *BackupCheckPoint) {
	if e.checkpointState(cp).IsTerminal() {
		return
	}
	if err := e.setCheckpointState(ctx, cp, CheckPointStateFailed); err != nil {
		e.logger.WithError(err).Error("failed to mark checkpoint failed")
	}
}

// prepareCheckpoint enumerates the source and persists every item in state
// New, then moves the checkpoint to Prepared.
func (e *Engine) prepareCheckpoint(ctx context.Context, task *WorkTask, cp *BackupCheckPoint, source provider.ChunkSource) error {
	ctx, span := e.tracer.Start(ctx, "prepare_items")
	defer span.End()

	var all []provider.BackupItem
	for {
		items, done, err := source.PrepareItems(ctx)
		if err != nil {
			return err
		}
		all = append(all, items...)
		if done {
			break
		}
	}

	var totalSize uint64
	now := time.Now().UnixMilli()
	for i := range all {
		all[i].State = provider.ItemStateNew
		if all[i].CreateTime == 0 {
			all[i].CreateTime = now
		}
		totalSize += all[i].Size
	}

	if err := e.db.SaveItemListToCheckpoint(ctx, cp.CheckpointId, all); err != nil {
		return err
	}
	_ = e.db.AppendJournal(ctx, JournalEvent{
		SourceId:  cp.CheckpointId,
		EventType: JournalEventSourcePrepared,
		EventParams: map[string]interface{}{
			"item_count": len(all),
			"total_size": totalSize,
		},
	})

	e.taskMu.Lock()
	task.TotalSize = totalSize
	task.ItemCount = uint64(len(all))
	e.taskMu.Unlock()
	if err := e.db.UpdateTask(ctx, task); err != nil {
		return err
	}
	if err := e.setCheckpointState(ctx, cp, CheckPointStatePrepared); err != nil {
		return err
	}
	e.mets.ItemsPrepared(float64(len(all)))
	e.logger.WithFields(logrus.Fields{
		"checkpoint_id": cp.CheckpointId,
		"item_count":    len(all),
		"total_size":    totalSize,
	}).Info("checkpoint prepared")
	return nil
}

// evalWorker hashes items: small ones whole into the in-memory cache, big
// ones in pieces through the bounded transfer cache. It exits when the
// eval channel drains or the task stops running, and moves the checkpoint
// to Evaluated once every routed item is hashed.
func (e *Engine) evalWorker(ctx context.Context, task *WorkTask, cp *BackupCheckPoint,
	source provider.ChunkSource, target provider.ChunkTarget,
	evalCh <-chan provider.BackupItem, cacheCh chan<- *transferCacheNode) error {

	ctx, span := e.tracer.Start(ctx, "eval_worker")
	defer span.End()

	for {
		if e.taskState(task) != TaskStateRunning {
			return nil
		}
		var item provider.BackupItem
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case item, ok = <-evalCh:
			if !ok {
				// Every unhashed item is evaluated; unblock the
				// transfer worker's sweep.
				if e.checkpointState(cp) == CheckPointStatePrepared {
					return e.setCheckpointState(ctx, cp, CheckPointStateEvaluated)
				}
				return nil
			}
		}

		if err := e.evalItem(ctx, task, cp, source, target, item, cacheCh); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// A single item's failure never kills the task.
			e.logger.WithError(err).WithField("item_id", item.ItemId).Warn("item evaluation failed")
			item.State = provider.ItemStateFailed
			item.FailMsg = err.Error()
			if dberr := e.db.UpdateBackupItem(ctx, cp.CheckpointId, &item); dberr != nil {
				return dberr
			}
			_ = e.db.AppendJournal(ctx, JournalEvent{
				SourceId: cp.CheckpointId, OrderId: item.ItemId,
				EventType:   JournalEventItemFailed,
				EventParams: map[string]interface{}{"error": err.Error()},
			})
			e.mets.ItemFailed()
		}
	}
}

func (e *Engine) evalItem(ctx context.Context, task *WorkTask, cp *BackupCheckPoint,
	source provider.ChunkSource, target provider.ChunkTarget,
	item provider.BackupItem, cacheCh chan<- *transferCacheNode) error {

	if item.Size < SmallChunkSize {
		return e.evalSmallItem(ctx, cp, source, item)
	}

	reader, err := source.OpenItem(ctx, item.ItemId)
	if err != nil {
		return err
	}
	defer reader.Close()

	quickID, err := chunk.QuickHash(reader, int64(item.Size))
	if err != nil {
		return err
	}
	item.QuickHash = quickID.String()
	if err := e.db.UpdateBackupItem(ctx, cp.CheckpointId, &item); err != nil {
		return err
	}

	exists := e.probeChunkExist(ctx, target, quickID)
	if exists && !e.strictMode {
		// Content equality inferred from the quick hash; the bytes are
		// already at the target under this probe id.
		item.State = provider.ItemStateDone
		if err := e.db.UpdateBackupItem(ctx, cp.CheckpointId, &item); err != nil {
			return err
		}
		_ = e.db.AppendJournal(ctx, JournalEvent{
			SourceId: cp.CheckpointId, OrderId: item.ItemId,
			EventType:   JournalEventItemTransferred,
			EventParams: map[string]interface{}{"dedup": true},
		})
		e.taskMu.Lock()
		task.CompletedItemCount++
		task.CompletedSize += item.Size
		e.taskMu.Unlock()
		if err := e.db.UpdateTask(ctx, task); err != nil {
			return err
		}
		e.mets.ItemEvaluated("dedup_skipped")
		e.logger.WithFields(logrus.Fields{
			"item_id":    item.ItemId,
			"quick_hash": item.QuickHash,
		}).Info("item skipped by quick-hash dedup")
		return nil
	}

	// Re-stream the body piecewise, hashing incrementally and shipping
	// each piece through the bounded cache under the quick-hash id.
	if _, err := reader.Seek(0, io.SeekStart); err != nil {
		return chunk.ErrIo(err, "failed to rewind item %s", item.ItemId)
	}

	hasher := chunk.NewHasher()
	var offset uint64
	for {
		remaining := item.Size - offset
		pieceLen := uint64(HashChunkSize)
		isLast := remaining <= pieceLen
		if isLast {
			pieceLen = remaining
		}
		content := make([]byte, pieceLen)
		if _, err := io.ReadFull(reader, content); err != nil {
			return chunk.ErrIo(err, "failed to read item %s at %d", item.ItemId, offset)
		}
		hasher.Write(content)
		e.mets.BytesHashed(float64(pieceLen))

		node := &transferCacheNode{
			itemID:      item.ItemId,
			chunkID:     quickID,
			offset:      offset,
			isLastPiece: isLast,
			content:     content,
			itemSize:    item.Size,
		}
		if isLast {
			fullID := hasher.Sum()
			node.fullID = fullID
			item.ChunkId = fullID.String()
			item.State = provider.ItemStateLocalDone
			// Persist before the node becomes observable so a crash
			// cannot lose the hash.
			if err := e.db.UpdateBackupItem(ctx, cp.CheckpointId, &item); err != nil {
				return err
			}
			_ = e.db.AppendJournal(ctx, JournalEvent{
				SourceId: cp.CheckpointId, OrderId: item.ItemId,
				EventType: JournalEventItemPrepared,
			})
			e.taskMu.Lock()
			task.WaitTransferItemCount++
			e.taskMu.Unlock()
		}

		select {
		case cacheCh <- node:
		case <-ctx.Done():
			return ctx.Err()
		}
		if isLast {
			break
		}
		offset += pieceLen
	}
	e.mets.ItemEvaluated("hashed")
	return nil
}

// evalSmallItem reads a small item whole and parks it in the in-memory
// cache for the transfer worker's batch flush.
func (e *Engine) evalSmallItem(ctx context.Context, cp *BackupCheckPoint, source provider.ChunkSource, item provider.BackupItem) error {
	content, err := source.GetItemData(ctx, item.ItemId)
	if err != nil {
		return err
	}
	id := chunk.HashBytes(content)
	item.ChunkId = id.String()
	item.State = provider.ItemStateLocalDone
	if err := e.db.UpdateBackupItem(ctx, cp.CheckpointId, &item); err != nil {
		return err
	}
	_ = e.db.AppendJournal(ctx, JournalEvent{
		SourceId: cp.CheckpointId, OrderId: item.ItemId,
		EventType: JournalEventItemPrepared,
	})

	e.smallMu.Lock()
	e.smallFileCache[id.String()] = smallFileEntry{
		checkpointID: cp.CheckpointId,
		itemID:       item.ItemId,
		content:      content,
	}
	e.smallMu.Unlock()
	e.mets.ItemEvaluated("small")
	return nil
}

// probeChunkExist consults the dedup cache before asking the target.
// Negative results are never cached; probe errors count as misses.
func (e *Engine) probeChunkExist(ctx context.Context, target provider.ChunkTarget, quickID chunk.ChunkId) bool {
	if hit, err := e.dedup.Contains(ctx, quickID.String()); err == nil && hit {
		e.mets.DedupProbe("cache_hit")
		return true
	}
	exists, _, err := target.IsChunkExist(ctx, quickID)
	if err != nil {
		e.logger.WithError(err).WithField("chunk_id", quickID.String()).Warn("dedup probe failed")
		e.mets.DedupProbe("miss")
		return false
	}
	if exists {
		_ = e.dedup.Add(ctx, quickID.String())
		e.mets.DedupProbe("hit")
	} else {
		e.mets.DedupProbe("miss")
	}
	return exists
}

// transferWorker drains the small-file cache and the transfer cache into
// the target, then sweeps remaining hashed items once the checkpoint is
// Evaluated, and finally moves the checkpoint to Done.
func (e *Engine) transferWorker(ctx context.Context, task *WorkTask, cp *BackupCheckPoint,
	source provider.ChunkSource, target provider.ChunkTarget,
	transferCh <-chan provider.BackupItem, cacheCh <-chan *transferCacheNode) error {

	ctx, span := e.tracer.Start(ctx, "transfer_worker")
	defer span.End()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	// transferCh carries already-hashed items in enumeration order; the
	// rows themselves are re-read from the database during the sweep, so
	// the channel only needs draining to keep the router unblocked.
	for {
		if e.taskState(task) != TaskStateRunning {
			return nil
		}
		if err := e.flushSmallFileCache(ctx, task, cp, target); err != nil {
			return err
		}

		var node *transferCacheNode
		if cacheCh != nil {
			select {
			case <-ctx.Done():
				return nil
			case n, ok := <-cacheCh:
				if !ok {
					cacheCh = nil
				} else {
					node = n
				}
			case _, ok := <-transferCh:
				if !ok {
					transferCh = nil
				}
				continue
			case <-ticker.C:
			}
		}

		if node != nil {
			if err := e.transferNode(ctx, task, cp, target, node); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			continue
		}

		if cacheCh == nil {
			// The eval worker is finished. If it evaluated everything
			// the sweep completes the checkpoint; otherwise the task
			// was paused or eval failed and the next run resumes.
			if e.checkpointState(cp) != CheckPointStateEvaluated {
				return nil
			}
			if err := e.flushSmallFileCache(ctx, task, cp, target); err != nil {
				return err
			}
			if err := e.sweepLocalDone(ctx, task, cp, source, target, transferCh); err != nil {
				return err
			}
			return e.finalizeCheckpoint(ctx, cp)
		}
	}
}

// transferNode appends one hashed piece under its quick-hash id, linking
// the canonical id once the last piece lands.
func (e *Engine) transferNode(ctx context.Context, task *WorkTask, cp *BackupCheckPoint,
	target provider.ChunkTarget, node *transferCacheNode) error {

	if err := target.AppendChunkData(ctx, node.chunkID, node.offset, node.content, node.isLastPiece, node.itemSize); err != nil {
		// The item is marked failed; the pipeline rolls on.
		e.logger.WithError(err).WithField("item_id", node.itemID).Warn("piece transfer failed")
		if dberr := e.db.UpdateBackupItemState(ctx, cp.CheckpointId, node.itemID, provider.ItemStateFailed); dberr != nil {
			return dberr
		}
		e.mets.ItemFailed()
		return nil
	}

	e.taskMu.Lock()
	task.CompletedSize += uint64(len(node.content))
	e.taskMu.Unlock()
	e.mets.BytesTransferred(float64(len(node.content)))

	if node.isLastPiece {
		if !node.fullID.IsZero() {
			if err := target.LinkChunkId(ctx, node.chunkID, node.fullID); err != nil {
				return err
			}
		}
		if err := e.db.UpdateBackupItemState(ctx, cp.CheckpointId, node.itemID, provider.ItemStateDone); err != nil {
			return err
		}
		_ = e.db.AppendJournal(ctx, JournalEvent{
			SourceId: cp.CheckpointId, OrderId: node.itemID,
			EventType: JournalEventItemTransferred,
		})
		e.taskMu.Lock()
		task.CompletedItemCount++
		if task.WaitTransferItemCount > 0 {
			task.WaitTransferItemCount--
		}
		e.taskMu.Unlock()
		if err := e.db.UpdateTask(ctx, task); err != nil {
			return err
		}
		e.mets.ItemTransferred("cache")
		e.logger.WithField("item_id", node.itemID).Info("item transferred")
	}
	return nil
}

// flushSmallFileCache atomically swaps this checkpoint's entries out of
// the cache and batch-uploads them. Entries of concurrently running
// checkpoints stay put for their own transfer workers.
func (e *Engine) flushSmallFileCache(ctx context.Context, task *WorkTask, cp *BackupCheckPoint, target provider.ChunkTarget) error {
	e.smallMu.Lock()
	batch := make(map[string]smallFileEntry)
	for key, entry := range e.smallFileCache {
		if entry.checkpointID == cp.CheckpointId {
			batch[key] = entry
			delete(e.smallFileCache, key)
		}
	}
	e.smallMu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	chunks := make(map[chunk.ChunkId][]byte, len(batch))
	for idText, entry := range batch {
		id, err := chunk.ParseChunkId(idText)
		if err != nil {
			return chunk.ErrInternal(err, "corrupt id in small-file cache")
		}
		chunks[id] = entry.content
	}

	if err := target.PutChunkList(ctx, chunks); err != nil {
		// All-or-none from our point of view: put the batch back for
		// the next flush.
		e.smallMu.Lock()
		for k, v := range batch {
			e.smallFileCache[k] = v
		}
		e.smallMu.Unlock()
		return err
	}

	var bytesFlushed uint64
	for _, entry := range batch {
		if err := e.db.UpdateBackupItemState(ctx, cp.CheckpointId, entry.itemID, provider.ItemStateDone); err != nil {
			return err
		}
		_ = e.db.AppendJournal(ctx, JournalEvent{
			SourceId: cp.CheckpointId, OrderId: entry.itemID,
			EventType: JournalEventItemTransferred,
		})
		bytesFlushed += uint64(len(entry.content))
		e.mets.ItemTransferred("small_batch")
	}
	e.taskMu.Lock()
	task.CompletedSize += bytesFlushed
	task.CompletedItemCount += uint64(len(batch))
	e.taskMu.Unlock()
	if err := e.db.UpdateTask(ctx, task); err != nil {
		return err
	}
	e.logger.WithField("count", len(batch)).Info("small-file cache flushed")
	return nil
}

// sweepLocalDone streams every hashed-but-untransferred item from the
// source to the target under its canonical chunk id. This is the resume
// path for items whose pieces were lost with the process.
func (e *Engine) sweepLocalDone(ctx context.Context, task *WorkTask, cp *BackupCheckPoint,
	source provider.ChunkSource, target provider.ChunkTarget, transferCh <-chan provider.BackupItem) error {

	// Drain the routing channel first; its items are the same rows the
	// query below returns, the channel just preserves enumeration order.
	if transferCh != nil {
		for range transferCh {
		}
	}

	items, err := e.db.LoadWaitTransferBackupItems(ctx, cp.CheckpointId)
	if err != nil {
		return err
	}
	for _, item := range items {
		if e.taskState(task) != TaskStateRunning {
			return nil
		}
		if item.ChunkId == "" {
			e.logger.WithField("item_id", item.ItemId).Warn("hashed item has no chunk id")
			if err := e.db.UpdateBackupItemState(ctx, cp.CheckpointId, item.ItemId, provider.ItemStateFailed); err != nil {
				return err
			}
			e.mets.ItemFailed()
			continue
		}
		if err := e.sweepOne(ctx, cp, source, target, item); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.logger.WithError(err).WithField("item_id", item.ItemId).Warn("item sweep failed")
			if dberr := e.db.UpdateBackupItemState(ctx, cp.CheckpointId, item.ItemId, provider.ItemStateFailed); dberr != nil {
				return dberr
			}
			e.mets.ItemFailed()
			continue
		}
		if err := e.db.UpdateBackupItemState(ctx, cp.CheckpointId, item.ItemId, provider.ItemStateDone); err != nil {
			return err
		}
		_ = e.db.AppendJournal(ctx, JournalEvent{
			SourceId: cp.CheckpointId, OrderId: item.ItemId,
			EventType: JournalEventItemTransferred,
		})
		e.taskMu.Lock()
		task.CompletedItemCount++
		task.CompletedSize += item.Size
		if task.WaitTransferItemCount > 0 {
			task.WaitTransferItemCount--
		}
		e.taskMu.Unlock()
		if err := e.db.UpdateTask(ctx, task); err != nil {
			return err
		}
		e.mets.ItemTransferred("sweep")
		if err := source.OnItemBackuped(ctx, item.ItemId); err != nil {
			e.logger.WithError(err).WithField("item_id", item.ItemId).Warn("post-backup hook failed")
		}
	}
	return nil
}

func (e *Engine) sweepOne(ctx context.Context, cp *BackupCheckPoint,
	source provider.ChunkSource, target provider.ChunkTarget, item provider.BackupItem) error {

	id, err := chunk.ParseChunkId(item.ChunkId)
	if err != nil {
		return err
	}
	if exists, _, err := target.IsChunkExist(ctx, id); err == nil && exists {
		// The bytes already arrived in an earlier run; the chunk
		// target makes replays no-ops.
		return nil
	}

	reader, err := source.OpenItem(ctx, item.ItemId)
	if err != nil {
		return err
	}
	defer reader.Close()

	writer, written, err := target.OpenChunkWriter(ctx, id, 0, item.Size)
	if err != nil {
		return err
	}
	if written > 0 {
		if _, err := reader.Seek(int64(written), io.SeekStart); err != nil {
			writer.Close()
			return chunk.ErrIo(err, "failed to skip already-present bytes of %s", item.ItemId)
		}
	}
	if _, err := io.Copy(writer, reader); err != nil {
		writer.Close()
		return chunk.ErrIo(err, "failed to stream item %s", item.ItemId)
	}
	if err := writer.Close(); err != nil {
		return err
	}
	if err := target.CompleteChunkWriter(ctx, id); err != nil {
		return err
	}
	e.mets.BytesTransferred(float64(item.Size - written))
	return nil
}

// finalizeCheckpoint tallies item states: all Done moves the checkpoint to
// Done, any Failed fails the run.
func (e *Engine) finalizeCheckpoint(ctx context.Context, cp *BackupCheckPoint) error {
	counts, err := e.db.CountItemsByState(ctx, cp.CheckpointId)
	if err != nil {
		return err
	}
	var failed, pending uint64
	for state, n := range counts {
		switch state {
		case provider.ItemStateDone:
		case provider.ItemStateFailed:
			failed += n
		default:
			pending += n
		}
	}
	if pending > 0 {
		return chunk.ErrInternal(nil, "%d items still pending at finalize", pending)
	}
	if failed > 0 {
		return fmt.Errorf("checkpoint %s has %d failed items", cp.CheckpointId, failed)
	}
	if err := e.setCheckpointState(ctx, cp, CheckPointStateDone); err != nil {
		return err
	}
	_ = e.db.AppendJournal(ctx, JournalEvent{
		SourceId:  cp.CheckpointId,
		EventType: JournalEventCheckpointDone,
	})
	e.logger.WithField("checkpoint_id", cp.CheckpointId).Info("checkpoint done")
	return nil
}
