package assist

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads the selector's rule table when the rules file changes.
// The parent directory is watched rather than the file itself because
// editors commonly replace files by rename, which drops a watch registered
// directly on the file.
type Watcher struct {
	selector *Selector
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending time.Time // zero when no reload is queued

	done chan struct{}
}

// NewWatcher starts watching the rules file at path and swaps the selector's
// rules on change. A reload that fails to parse keeps the previous rules.
func NewWatcher(selector *Selector, path string, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		selector: selector,
		path:     path,
		watcher:  fsw,
		debounce: 500 * time.Millisecond,
		logger:   logger.With("component", "rules_watcher"),
		done:     make(chan struct{}),
	}
	go w.processEvents()
	go w.processPending()
	w.logger.Info("watching action rules file", "path", path)
	return w, nil
}

func (w *Watcher) processEvents() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending = time.Now()
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("rules watcher error", "error", err)
		}
	}
}

// processPending applies queued reloads once the file has been quiet for the
// debounce window, collapsing editor write bursts into one reload.
func (w *Watcher) processPending() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.Lock()
			ready := !w.pending.IsZero() && time.Since(w.pending) >= w.debounce
			if ready {
				w.pending = time.Time{}
			}
			w.mu.Unlock()
			if ready {
				w.reload()
			}
		}
	}
}

func (w *Watcher) reload() {
	rules, err := LoadRules(w.path)
	if err != nil {
		w.logger.Warn("rules reload failed, keeping previous rules", "path", w.path, "error", err)
		return
	}
	w.selector.Replace(rules)
	w.logger.Info("action rules reloaded", "path", w.path, "rules", len(rules))
}

// Close stops watching and releases resources.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
