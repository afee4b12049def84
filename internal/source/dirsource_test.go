package source

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/chunkvault/internal/provider"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func writeFile(t *testing.T, root, name string, content []byte) {
	t.Helper()
	path := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestPrepareItemsEnumeratesTree(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", []byte("one"))
	writeFile(t, root, "sub/b.txt", []byte("two"))
	writeFile(t, root, "sub/deep/c.txt", []byte("three"))

	s, err := NewDirSource("file://"+root, quietLogger())
	if err != nil {
		t.Fatalf("new source: %v", err)
	}

	items, done, err := s.PrepareItems(context.Background())
	if err != nil || !done {
		t.Fatalf("prepare: %v done=%v", err, done)
	}
	if len(items) != 3 {
		t.Fatalf("enumerated %d items", len(items))
	}
	// Deterministic order by relative path.
	want := []string{"a.txt", "sub/b.txt", "sub/deep/c.txt"}
	for i, item := range items {
		if item.ItemId != want[i] {
			t.Fatalf("item %d is %q, want %q", i, item.ItemId, want[i])
		}
		if item.ItemType != provider.ItemTypeFile || item.State != provider.ItemStateNew {
			t.Fatalf("item %q metadata wrong: %+v", item.ItemId, item)
		}
	}

	// Enumeration is complete: later calls return nothing new.
	again, done, err := s.PrepareItems(context.Background())
	if err != nil || !done || len(again) != 0 {
		t.Fatalf("second prepare: %v %v %d", err, done, len(again))
	}
}

func TestIncludeExcludePatterns(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "keep.go", []byte("x"))
	writeFile(t, root, "skip.log", []byte("x"))
	writeFile(t, root, "vendor/dep.go", []byte("x"))

	s, err := NewDirSource("file://"+root, quietLogger(),
		WithIncludePatterns("*.go", "vendor/*"),
		WithExcludePatterns("vendor/*"),
	)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	items, _, err := s.PrepareItems(context.Background())
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(items) != 1 || items[0].ItemId != "keep.go" {
		t.Fatalf("filtered items: %+v", items)
	}
}

func TestOpenItemRejectsEscapes(t *testing.T) {
	root := t.TempDir()
	s, _ := NewDirSource("file://"+root, quietLogger())
	if _, err := s.OpenItem(context.Background(), "../outside"); err == nil {
		t.Fatal("path escape accepted")
	}
}

func TestLockForBackup(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "f.txt", []byte("x"))
	s, _ := NewDirSource("file://"+root, quietLogger())

	ctx := context.Background()
	if err := s.LockForBackup(ctx, s.GetSourceURL()); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, lockFileName)); err != nil {
		t.Fatalf("lock file missing: %v", err)
	}

	// The lock file never shows up as a backup item.
	items, _, _ := s.PrepareItems(ctx)
	for _, item := range items {
		if item.ItemId == lockFileName {
			t.Fatal("lock file enumerated as an item")
		}
	}

	if err := s.UnlockForBackup(ctx, s.GetSourceURL()); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, lockFileName)); !os.IsNotExist(err) {
		t.Fatal("lock file survived unlock")
	}
}

func TestRestoreItemByReader(t *testing.T) {
	root := t.TempDir()
	s, _ := NewDirSource("file://"+root, quietLogger())
	ctx := context.Background()

	cfg := &provider.RestoreConfig{RestoreLocationURL: "file://" + root}
	if err := s.InitForRestore(ctx, cfg); err != nil {
		t.Fatalf("init restore: %v", err)
	}

	content := []byte("restored body")
	mtime := time.Now().Add(-time.Hour).Truncate(time.Second)
	item := &provider.BackupItem{
		ItemId:         "nested/file.txt",
		Size:           uint64(len(content)),
		LastModifyTime: mtime.Unix(),
	}
	if err := s.RestoreItemByReader(ctx, item, bytes.NewReader(content), cfg); err != nil {
		t.Fatalf("restore: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(root, "nested/file.txt"))
	if err != nil {
		t.Fatalf("read restored: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("restored bytes differ")
	}
	info, _ := os.Stat(filepath.Join(root, "nested/file.txt"))
	if !info.ModTime().Truncate(time.Second).Equal(mtime) {
		t.Fatalf("mtime not restored: %v vs %v", info.ModTime(), mtime)
	}
}

func TestCleanRestoreEmptiesRoot(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "stale.txt", []byte("old"))
	s, _ := NewDirSource("file://"+root, quietLogger())

	cfg := &provider.RestoreConfig{RestoreLocationURL: "file://" + root, IsCleanRestore: true}
	if err := s.InitForRestore(context.Background(), cfg); err != nil {
		t.Fatalf("init restore: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "stale.txt")); !os.IsNotExist(err) {
		t.Fatal("clean restore left stale files behind")
	}
}

func TestWatcherRecordsChanges(t *testing.T) {
	root := t.TempDir()
	w, err := NewWatcher(root, quietLogger())
	if err != nil {
		t.Skipf("fsnotify unavailable: %v", err)
	}
	defer w.Close()

	writeFile(t, root, "new.txt", []byte("x"))

	deadline := time.Now().Add(5 * time.Second)
	for {
		changed := w.DrainChanged()
		if len(changed) > 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("watcher recorded no changes")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
