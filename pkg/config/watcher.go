package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes one config file and invokes a callback after changes
// settle. The parent directory is watched rather than the file itself so
// that editors and atomic renames (the Manager's own Save included) are
// seen as changes to the same logical file.
type Watcher struct {
	fsw      *fsnotify.Watcher
	log      *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	closed  bool
	closeCh chan struct{}
}

// WatchFile starts watching path. onChange runs on the watcher goroutine
// after the debounce window closes; it must not block for long.
func WatchFile(path string, debounce time.Duration, logger *slog.Logger, onChange func()) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{
		fsw:      fsw,
		log:      logger,
		debounce: debounce,
		closeCh:  make(chan struct{}),
	}
	go w.run(filepath.Base(path), onChange)
	return w, nil
}

func (w *Watcher) run(base string, onChange func()) {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.arm(onChange)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", "error", err)
		case <-w.closeCh:
			return
		}
	}
}

func (w *Watcher) arm(onChange func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		closed := w.closed
		w.mu.Unlock()
		if !closed {
			onChange()
		}
	})
}

// Close stops the watcher and cancels any pending callback.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	close(w.closeCh)
	w.mu.Unlock()
	return w.fsw.Close()
}
