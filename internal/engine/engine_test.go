package engine

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/chunkvault/internal/chunk"
	"github.com/kenneth/chunkvault/internal/localstore"
	"github.com/kenneth/chunkvault/internal/provider"
	"github.com/kenneth/chunkvault/internal/source"
)

type testEnv struct {
	engine    *Engine
	db        *TaskDb
	sourceDir string
	targetDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	sqlDB, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// sqlite tolerates one writer; a single pooled connection avoids
	// SQLITE_BUSY under the concurrent pipeline workers.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	db := NewTaskDb(sqlDB)
	eng := New(db, Options{Logger: logger})

	sourceDir := t.TempDir()
	targetDir := t.TempDir()

	eng.RegisterSource("file", func(ctx context.Context, rawURL string) (provider.ChunkSource, error) {
		return source.NewDirSource(rawURL, logger)
	})
	eng.RegisterTarget("file", func(ctx context.Context, rawURL string) (provider.ChunkTarget, error) {
		store := localstore.New(targetDir, logger)
		if err := store.Init(); err != nil {
			return nil, err
		}
		return localstore.NewTarget(store, rawURL), nil
	})

	if err := eng.Init(context.Background()); err != nil {
		t.Fatalf("engine init: %v", err)
	}
	t.Cleanup(eng.Stop)

	return &testEnv{engine: eng, db: db, sourceDir: sourceDir, targetDir: targetDir}
}

func (env *testEnv) createPlan(t *testing.T) string {
	t.Helper()
	plan := NewBackupPlanConfig("dir", "file://"+env.sourceDir, "chunk", "file://"+env.targetDir,
		"test plan", "", PlanTypeChunk2Chunk)
	planID, err := env.engine.CreateBackupPlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	return planID
}

func (env *testEnv) writeSourceFile(t *testing.T, name string, content []byte) {
	t.Helper()
	path := filepath.Join(env.sourceDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}
}

func (env *testEnv) runBackup(t *testing.T, planID string) *WorkTask {
	t.Helper()
	ctx := context.Background()
	taskID, err := env.engine.CreateBackupTask(ctx, planID, "")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := env.engine.ResumeTask(ctx, taskID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	return env.waitTask(t, taskID)
}

func (env *testEnv) waitTask(t *testing.T, taskID string) *WorkTask {
	t.Helper()
	deadline := time.Now().Add(60 * time.Second)
	for {
		info, err := env.engine.GetTaskInfo(context.Background(), taskID)
		if err != nil {
			t.Fatalf("task info: %v", err)
		}
		if info.State.IsTerminal() {
			return info
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s did not finish, state %s", taskID, info.State)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func randomContent(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return b
}

func TestBackupEmptySource(t *testing.T) {
	env := newTestEnv(t)
	planID := env.createPlan(t)

	info := env.runBackup(t, planID)
	if info.State != TaskStateDone {
		t.Fatalf("task state %s", info.State)
	}
	if info.ItemCount != 0 || info.TotalSize != 0 {
		t.Fatalf("empty source produced counters %+v", info)
	}

	cp, err := env.db.LoadCheckpointById(context.Background(), info.CheckpointId)
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if cp.State != CheckPointStateDone {
		t.Fatalf("checkpoint state %s", cp.State)
	}
}

func TestBackupSingleSmallFile(t *testing.T) {
	env := newTestEnv(t)
	content := randomContent(t, 512*1024)
	env.writeSourceFile(t, "data.bin", content)
	planID := env.createPlan(t)

	info := env.runBackup(t, planID)
	if info.State != TaskStateDone {
		t.Fatalf("task state %s", info.State)
	}
	if info.ItemCount != 1 || info.CompletedItemCount != 1 || info.TotalSize != 512*1024 {
		t.Fatalf("counters %+v", info)
	}

	// The target holds the chunk under its full-hash id, bytes intact.
	id := chunk.HashBytes(content)
	store := localstore.New(env.targetDir, nil)
	r, err := store.Read(context.Background(), id)
	if err != nil {
		t.Fatalf("read target chunk: %v", err)
	}
	defer r.Close()
	var got bytes.Buffer
	if _, err := got.ReadFrom(r); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got.Bytes(), content) {
		t.Fatal("target chunk differs from source")
	}

	items, err := env.db.LoadAllItems(context.Background(), info.CheckpointId)
	if err != nil || len(items) != 1 {
		t.Fatalf("items: %v %d", err, len(items))
	}
	if items[0].State != provider.ItemStateDone {
		t.Fatalf("item state %s", items[0].State)
	}
}

func TestBackupLargeFileLinksFullHash(t *testing.T) {
	env := newTestEnv(t)
	content := randomContent(t, int(SmallChunkSize)+4096)
	env.writeSourceFile(t, "big.bin", content)
	planID := env.createPlan(t)

	info := env.runBackup(t, planID)
	if info.State != TaskStateDone {
		t.Fatalf("task state %s", info.State)
	}

	// The body went up under its quick-hash id and was linked to the
	// canonical id; both resolve.
	store := localstore.New(env.targetDir, nil)
	fullID := chunk.HashBytes(content)
	quickID, err := chunk.QuickHash(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		t.Fatalf("quick hash: %v", err)
	}
	for _, id := range []chunk.ChunkId{fullID, quickID} {
		st, err := store.Stat(context.Background(), id)
		if err != nil || st == nil || !st.Completed {
			t.Fatalf("chunk %s not at target: %+v %v", id, st, err)
		}
	}
}

func TestQuickHashDedupSkipsSecondRun(t *testing.T) {
	env := newTestEnv(t)
	content := randomContent(t, int(SmallChunkSize)*2)
	env.writeSourceFile(t, "file.bin", content)
	planID := env.createPlan(t)

	first := env.runBackup(t, planID)
	if first.State != TaskStateDone {
		t.Fatalf("first run state %s", first.State)
	}

	// The second checkpoint finds the quick hash at the target and moves
	// the item straight to Done without re-uploading.
	second := env.runBackup(t, planID)
	if second.State != TaskStateDone {
		t.Fatalf("second run state %s", second.State)
	}
	if second.CompletedItemCount != 1 || second.CompletedSize != uint64(len(content)) {
		t.Fatalf("second run counters %+v", second)
	}

	items, err := env.db.LoadAllItems(context.Background(), second.CheckpointId)
	if err != nil || len(items) != 1 {
		t.Fatalf("items: %v %d", err, len(items))
	}
	item := items[0]
	if item.State != provider.ItemStateDone {
		t.Fatalf("item state %s", item.State)
	}
	if item.ChunkId != "" {
		t.Fatal("dedup-skipped item must not have paid the full-hash cost")
	}
	if item.QuickHash == "" {
		t.Fatal("dedup-skipped item must record its probe id")
	}
}

func TestStrictModeAlwaysTransfers(t *testing.T) {
	env := newTestEnv(t)
	env.engine.strictMode = true
	content := randomContent(t, int(SmallChunkSize)*2)
	env.writeSourceFile(t, "file.bin", content)
	planID := env.createPlan(t)

	env.runBackup(t, planID)
	second := env.runBackup(t, planID)
	if second.State != TaskStateDone {
		t.Fatalf("second run state %s", second.State)
	}
	items, _ := env.db.LoadAllItems(context.Background(), second.CheckpointId)
	if len(items) != 1 || items[0].ChunkId == "" {
		t.Fatal("strict mode must compute the full hash even on a probe hit")
	}
}

func TestResumeSweepsPersistedLocalDoneItems(t *testing.T) {
	env := newTestEnv(t)
	content := randomContent(t, 2048)
	env.writeSourceFile(t, "carried.bin", content)
	planID := env.createPlan(t)

	ctx := context.Background()
	taskID, err := env.engine.CreateBackupTask(ctx, planID, "")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	task, err := env.engine.GetTaskInfo(ctx, taskID)
	if err != nil {
		t.Fatalf("task info: %v", err)
	}

	// Simulate a crashed earlier run: the checkpoint reached Prepared
	// with the item already hashed, but its bytes never moved.
	cp, err := env.engine.resolveCheckpoint(ctx, task.CheckpointId)
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	id := chunk.HashBytes(content)
	items := []provider.BackupItem{{
		ItemId:         "carried.bin",
		ItemType:       provider.ItemTypeFile,
		ChunkId:        id.String(),
		State:          provider.ItemStateLocalDone,
		Size:           uint64(len(content)),
		LastModifyTime: time.Now().Unix(),
		CreateTime:     time.Now().UnixMilli(),
	}}
	if err := env.db.SaveItemListToCheckpoint(ctx, cp.CheckpointId, items); err != nil {
		t.Fatalf("save items: %v", err)
	}
	if err := env.engine.setCheckpointState(ctx, cp, CheckPointStatePrepared); err != nil {
		t.Fatalf("update checkpoint: %v", err)
	}

	if err := env.engine.ResumeTask(ctx, taskID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	info := env.waitTask(t, taskID)
	if info.State != TaskStateDone {
		t.Fatalf("task state %s", info.State)
	}

	store := localstore.New(env.targetDir, nil)
	st, err := store.Stat(ctx, id)
	if err != nil || st == nil || !st.Completed {
		t.Fatalf("swept chunk missing at target: %+v %v", st, err)
	}
}

func TestSingleWriterPerPlan(t *testing.T) {
	env := newTestEnv(t)
	planID := env.createPlan(t)

	ctx := context.Background()
	first, err := env.engine.CreateBackupTask(ctx, planID, "")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	// A second checkpoint cannot start while the first is in progress.
	if _, err := env.engine.CreateBackupTask(ctx, planID, ""); chunk.KindOf(err) != chunk.KindErrorState {
		t.Fatalf("second create returned %v", err)
	}

	env.engine.ResumeTask(ctx, first)
	env.waitTask(t, first)

	// Terminal checkpoint frees the plan for the next one, and the
	// checkpoint index moves strictly forward.
	second, err := env.engine.CreateBackupTask(ctx, planID, "")
	if err != nil {
		t.Fatalf("create after done: %v", err)
	}
	firstTask, _ := env.engine.GetTaskInfo(ctx, first)
	secondTask, _ := env.engine.GetTaskInfo(ctx, second)
	cp1, _ := env.db.LoadCheckpointById(ctx, firstTask.CheckpointId)
	cp2, _ := env.db.LoadCheckpointById(ctx, secondTask.CheckpointId)
	if cp2.CheckpointIndex != cp1.CheckpointIndex+1 {
		t.Fatalf("checkpoint indexes %d, %d", cp1.CheckpointIndex, cp2.CheckpointIndex)
	}
}

func TestPauseRequiresRunningTask(t *testing.T) {
	env := newTestEnv(t)
	planID := env.createPlan(t)

	ctx := context.Background()
	taskID, err := env.engine.CreateBackupTask(ctx, planID, "")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := env.engine.PauseTask(ctx, taskID); chunk.KindOf(err) != chunk.KindErrorState {
		t.Fatalf("pausing a paused task returned %v", err)
	}
	if err := env.engine.ResumeTask(ctx, taskID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	info := env.waitTask(t, taskID)
	if err := env.engine.ResumeTask(ctx, info.TaskId); chunk.KindOf(err) != chunk.KindErrorState {
		t.Fatalf("resuming a done task returned %v", err)
	}
}

func TestCreatePlanIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	first := env.createPlan(t)

	plan := NewBackupPlanConfig("dir", "file://"+env.sourceDir, "chunk", "file://"+env.targetDir,
		"other title", "", PlanTypeChunk2Chunk)
	second, err := env.engine.CreateBackupPlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("duplicate create: %v", err)
	}
	if second != first {
		t.Fatalf("duplicate create minted a new plan: %s vs %s", second, first)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	files := map[string][]byte{
		"docs/readme.txt": randomContent(t, 1024),
		"data/blob.bin":   randomContent(t, 300*1024),
	}
	for name, content := range files {
		env.writeSourceFile(t, name, content)
	}
	planID := env.createPlan(t)
	info := env.runBackup(t, planID)
	if info.State != TaskStateDone {
		t.Fatalf("backup state %s", info.State)
	}

	restoreDir := t.TempDir()
	ctx := context.Background()
	taskID, err := env.engine.CreateRestoreTask(ctx, planID, info.CheckpointId, &provider.RestoreConfig{
		RestoreLocationURL: "file://" + restoreDir,
	})
	if err != nil {
		t.Fatalf("create restore: %v", err)
	}
	if err := env.engine.ResumeTask(ctx, taskID); err != nil {
		t.Fatalf("resume restore: %v", err)
	}
	restored := env.waitTask(t, taskID)
	if restored.State != TaskStateDone {
		t.Fatalf("restore state %s", restored.State)
	}

	for name, content := range files {
		got, err := os.ReadFile(filepath.Join(restoreDir, name))
		if err != nil {
			t.Fatalf("read restored %s: %v", name, err)
		}
		if !bytes.Equal(got, content) {
			t.Fatalf("restored %s differs", name)
		}
	}
}

func TestRestoreRequiresDoneCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	planID := env.createPlan(t)
	ctx := context.Background()
	taskID, err := env.engine.CreateBackupTask(ctx, planID, "")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	task, _ := env.engine.GetTaskInfo(ctx, taskID)
	if _, err := env.engine.CreateRestoreTask(ctx, planID, task.CheckpointId, &provider.RestoreConfig{
		RestoreLocationURL: "file:///tmp/nowhere",
	}); chunk.KindOf(err) != chunk.KindErrorState {
		t.Fatalf("restore of a fresh checkpoint returned %v", err)
	}
}

func TestJournalRecordsItemLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.writeSourceFile(t, "x.bin", randomContent(t, 100))
	planID := env.createPlan(t)
	info := env.runBackup(t, planID)

	events, err := env.db.LoadJournal(context.Background(), info.CheckpointId, 0, 100)
	if err != nil {
		t.Fatalf("load journal: %v", err)
	}
	var seen []JournalEventType
	for _, ev := range events {
		seen = append(seen, ev.EventType)
	}
	want := map[JournalEventType]bool{
		JournalEventSourcePrepared:  false,
		JournalEventItemPrepared:    false,
		JournalEventItemTransferred: false,
		JournalEventCheckpointDone:  false,
	}
	for _, ev := range seen {
		if _, ok := want[ev]; ok {
			want[ev] = true
		}
	}
	for ev, found := range want {
		if !found {
			t.Fatalf("journal missing %s (got %v)", ev, seen)
		}
	}

	// Seq is strictly increasing.
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Fatal("journal order violated")
		}
	}
}
