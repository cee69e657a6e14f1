// Package watch reports when the binary under analysis changes on disk.
package watch

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// FileWatcher tracks at most one file. Its directory is watched rather than the
// file itself so replacements by rename are seen too.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu      sync.Mutex
	path    string
	dir     string
	changed atomic.Bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewFileWatcher starts an idle watcher.
func NewFileWatcher(logger *slog.Logger) (*FileWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	fw := &FileWatcher{
		watcher: w,
		logger:  logger,
		done:    make(chan struct{}),
	}

	fw.wg.Add(1)
	go fw.run()

	return fw, nil
}

// Watch replaces the tracked file with path and clears any pending change.
func (fw *FileWatcher) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.dir != "" && fw.dir != dir {
		_ = fw.watcher.Remove(fw.dir)
	}
	if fw.dir != dir {
		if err := fw.watcher.Add(dir); err != nil {
			fw.path, fw.dir = "", ""
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	fw.path, fw.dir = abs, dir
	fw.changed.Store(false)
	fw.logger.Debug("watching file", "path", abs)

	return nil
}

// Unwatch stops tracking the current file.
func (fw *FileWatcher) Unwatch() {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.dir != "" {
		_ = fw.watcher.Remove(fw.dir)
	}
	fw.path, fw.dir = "", ""
	fw.changed.Store(false)
}

// Changed reports whether the tracked file was modified since the last call.
func (fw *FileWatcher) Changed() bool {
	return fw.changed.Swap(false)
}

// Close stops the watcher.
func (fw *FileWatcher) Close() error {
	close(fw.done)
	err := fw.watcher.Close()
	fw.wg.Wait()
	return err
}

func (fw *FileWatcher) run() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename) {
				continue
			}

			fw.mu.Lock()
			tracked := fw.path
			fw.mu.Unlock()

			if tracked != "" && filepath.Clean(event.Name) == tracked {
				fw.logger.Info("watched file changed", "path", tracked, "op", event.Op.String())
				fw.changed.Store(true)
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Warn("file watcher error", "error", err)
		}
	}
}
