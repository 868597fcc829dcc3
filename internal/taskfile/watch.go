package taskfile

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/shuttledb/shuttle/internal/logger"
	"github.com/shuttledb/shuttle/internal/repository"
)

// debounceWindow coalesces the burst of events an editor save produces.
const debounceWindow = 500 * time.Millisecond

// Watcher re-syncs a task file into the repository whenever it changes on
// disk. A broken edit is logged and skipped; the previously loaded
// definitions stay in place.
type Watcher struct {
	path    string
	repo    repository.Repository
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for the given task file. The file does not
// have to exist yet; the parent directory is watched so a later create is
// picked up.
func NewWatcher(path string, repo repository.Repository) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}
	return &Watcher{path: path, repo: repo, watcher: watcher}, nil
}

// Start performs an initial sync and begins watching for changes. The
// initial sync failing is an error; later reload failures only log.
func (w *Watcher) Start(ctx context.Context) error {
	if _, err := Sync(ctx, w.repo, w.path); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	base := filepath.Base(w.path)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload(ctx)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("task file watcher error", "path", w.path, "error", err)

		case <-ctx.Done():
			return
		}
	}
}

// scheduleReload arms the debounce timer, replacing any pending one.
func (w *Watcher) scheduleReload(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceWindow, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := Sync(ctx, w.repo, w.path); err != nil {
			logger.Warn("task file reload failed, keeping previous definitions",
				"path", w.path, "error", err)
		}
	})
}

// Close stops the watcher and waits for the event loop to exit.
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	err := w.watcher.Close()
	w.wg.Wait()
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}
