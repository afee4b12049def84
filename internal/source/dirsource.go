// Package source provides the directory source adapter: it enumerates a
// tree into backup items, serves item bodies, and writes restored items
// back.
package source

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ryanuber/go-glob"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/chunkvault/internal/chunk"
	"github.com/kenneth/chunkvault/internal/provider"
)

const lockFileName = ".chunkvault.lock"

// enumerateBatchSize bounds one PrepareItems response so huge trees stream
// instead of materializing at once.
const enumerateBatchSize = 4096

// DirSource is a filesystem-backed chunk source rooted at a directory.
// Item ids are slash-separated paths relative to the root.
type DirSource struct {
	root   string
	rawURL string
	logger *logrus.Logger

	// Include and Exclude are glob patterns over the relative path.
	// Empty Include matches everything; Exclude wins over Include.
	include []string
	exclude []string

	pending []provider.BackupItem
	walked  bool
	served  int
}

// Option configures a DirSource.
type Option func(*DirSource)

// WithIncludePatterns restricts enumeration to matching relative paths.
func WithIncludePatterns(patterns ...string) Option {
	return func(s *DirSource) { s.include = append(s.include, patterns...) }
}

// WithExcludePatterns skips matching relative paths.
func WithExcludePatterns(patterns ...string) Option {
	return func(s *DirSource) { s.exclude = append(s.exclude, patterns...) }
}

// NewDirSource builds the adapter from a file:// URL.
func NewDirSource(rawURL string, logger *logrus.Logger, opts ...Option) (*DirSource, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, chunk.ErrInvalidInput(err, "bad directory source url %q", rawURL)
	}
	if u.Scheme != "file" {
		return nil, chunk.ErrInvalidInput(nil, "directory source requires a file:// url, got %q", rawURL)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &DirSource{root: u.Path, rawURL: rawURL, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the source's root directory.
func (s *DirSource) Root() string { return s.root }

func (s *DirSource) GetSourceInfo(ctx context.Context) (provider.SourceInfo, error) {
	return provider.SourceInfo{Type: "directory", URL: s.rawURL}, nil
}

func (s *DirSource) GetSourceURL() string { return s.rawURL }

func (s *DirSource) IsLocal() bool { return true }

// LockForBackup drops an advisory lock file. When the file already exists
// it logs a warning and returns nil, so a second engine is not stopped from
// walking the same tree; nothing is kernel-enforced.
func (s *DirSource) LockForBackup(ctx context.Context, sourceURL string) error {
	path := filepath.Join(s.root, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			s.logger.WithField("path", path).Warn("source already carries a backup lock")
			return nil
		}
		return chunk.ErrIo(err, "failed to lock source %s", s.root)
	}
	_, _ = io.WriteString(f, time.Now().UTC().Format(time.RFC3339))
	return f.Close()
}

func (s *DirSource) UnlockForBackup(ctx context.Context, sourceURL string) error {
	if err := os.Remove(filepath.Join(s.root, lockFileName)); err != nil && !os.IsNotExist(err) {
		return chunk.ErrIo(err, "failed to unlock source %s", s.root)
	}
	return nil
}

func (s *DirSource) wantPath(rel string) bool {
	for _, p := range s.exclude {
		if glob.Glob(p, rel) {
			return false
		}
	}
	if len(s.include) == 0 {
		return true
	}
	for _, p := range s.include {
		if glob.Glob(p, rel) {
			return true
		}
	}
	return false
}

// PrepareItems walks the tree once and hands items out in batches; done
// reports that enumeration is complete.
func (s *DirSource) PrepareItems(ctx context.Context) ([]provider.BackupItem, bool, error) {
	if !s.walked {
		if err := s.walk(ctx); err != nil {
			return nil, false, err
		}
		s.walked = true
	}
	start := s.served
	if start >= len(s.pending) {
		return nil, true, nil
	}
	end := start + enumerateBatchSize
	if end > len(s.pending) {
		end = len(s.pending)
	}
	s.served = end
	return s.pending[start:end], s.served >= len(s.pending), nil
}

func (s *DirSource) walk(ctx context.Context) error {
	now := time.Now().UnixMilli()
	var items []provider.BackupItem
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == lockFileName || !s.wantPath(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		items = append(items, provider.BackupItem{
			ItemId:         rel,
			ItemType:       provider.ItemTypeFile,
			State:          provider.ItemStateNew,
			Size:           uint64(info.Size()),
			LastModifyTime: info.ModTime().Unix(),
			CreateTime:     now,
		})
		return nil
	})
	if err != nil {
		return chunk.ErrIo(err, "failed to walk source %s", s.root)
	}
	// Deterministic enumeration order regardless of filesystem quirks.
	sort.Slice(items, func(i, j int) bool { return items[i].ItemId < items[j].ItemId })
	s.pending = items
	s.logger.WithFields(logrus.Fields{
		"root":  s.root,
		"items": len(items),
	}).Info("source enumerated")
	return nil
}

func (s *DirSource) itemPath(itemID string) (string, error) {
	cleaned := filepath.Clean("/" + itemID)
	if strings.Contains(itemID, "..") {
		return "", chunk.ErrInvalidInput(nil, "item id %q escapes the source root", itemID)
	}
	return filepath.Join(s.root, cleaned), nil
}

func (s *DirSource) OpenItem(ctx context.Context, itemID string) (provider.ItemReader, error) {
	path, err := s.itemPath(itemID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, chunk.ErrNotFound("item %s not in source", itemID)
		}
		return nil, chunk.ErrIo(err, "failed to open item %s", itemID)
	}
	return f, nil
}

func (s *DirSource) GetItemData(ctx context.Context, itemID string) ([]byte, error) {
	r, err := s.OpenItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, chunk.ErrIo(err, "failed to read item %s", itemID)
	}
	return data, nil
}

func (s *DirSource) OnItemBackuped(ctx context.Context, itemID string) error {
	return nil
}

// InitForRestore prepares the restore root; a clean restore empties it
// first so the tree ends up containing only restored files.
func (s *DirSource) InitForRestore(ctx context.Context, cfg *provider.RestoreConfig) error {
	if cfg.IsCleanRestore {
		entries, err := os.ReadDir(s.root)
		if err != nil && !os.IsNotExist(err) {
			return chunk.ErrIo(err, "failed to inspect restore root %s", s.root)
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
				return chunk.ErrIo(err, "failed to clean restore root %s", s.root)
			}
		}
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return chunk.ErrIo(err, "failed to create restore root %s", s.root)
	}
	return nil
}

// RestoreItemByReader writes the item body via a temp file and atomic
// rename, then restores the recorded modify time.
func (s *DirSource) RestoreItemByReader(ctx context.Context, item *provider.BackupItem, r io.Reader, cfg *provider.RestoreConfig) error {
	path, err := s.itemPath(item.ItemId)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return chunk.ErrIo(err, "failed to create restore directory for %s", item.ItemId)
	}
	tmp := path + ".restore.tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return chunk.ErrIo(err, "failed to create restore temp for %s", item.ItemId)
	}
	if _, err := io.Copy(f, io.LimitReader(r, int64(item.Size))); err != nil {
		f.Close()
		os.Remove(tmp)
		return chunk.ErrIo(err, "failed to restore item %s", item.ItemId)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return chunk.ErrIo(err, "failed to close restore temp for %s", item.ItemId)
	}
	if err := os.Rename(tmp, path); err != nil {
		return chunk.ErrIo(err, "failed to place restored item %s", item.ItemId)
	}
	if item.LastModifyTime > 0 {
		mtime := time.Unix(item.LastModifyTime, 0)
		_ = os.Chtimes(path, mtime, mtime)
	}
	return nil
}
