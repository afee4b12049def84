package source

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher records filesystem changes under a root so the next checkpoint
// can consult which paths moved since the last run. It is purely
// advisory: watch failures are logged, never fatal.
type Watcher struct {
	root   string
	logger *logrus.Logger

	fs *fsnotify.Watcher

	mu      sync.Mutex
	changed map[string]time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewWatcher starts watching root and every directory below it.
func NewWatcher(root string, logger *logrus.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:    root,
		logger:  logger,
		fs:      fs,
		changed: make(map[string]time.Time),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if err := w.addRecursive(root); err != nil {
		fs.Close()
		return nil, err
	}
	go w.run()
	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtrees are skipped, not fatal
		}
		if d.IsDir() {
			if err := w.fs.Add(path); err != nil {
				w.logger.WithError(err).WithField("path", path).Warn("failed to watch directory")
			}
		}
		return nil
	})
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.record(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("filesystem watch error")
		}
	}
}

func (w *Watcher) record(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	w.mu.Lock()
	w.changed[filepath.ToSlash(rel)] = time.Now()
	w.mu.Unlock()

	// New directories need their own watch to keep recursion alive.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.fs.Add(ev.Name); err != nil {
				w.logger.WithError(err).WithField("path", ev.Name).Warn("failed to watch new directory")
			}
		}
	}
}

// DrainChanged returns the changed relative paths recorded so far and
// resets the set.
func (w *Watcher) DrainChanged() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.changed))
	for path := range w.changed {
		out = append(out, path)
	}
	w.changed = make(map[string]time.Time)
	return out
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.stopOnce.Do(func() { close(w.stop) })
	err := w.fs.Close()
	<-w.done
	return err
}
