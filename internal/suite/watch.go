package suite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/neboloop/pagewright/internal/logging"
)

// DefaultDebounce groups bursts of editor writes into one change.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reports changed suite files under a directory.
type Watcher struct {
	dir      string
	debounce time.Duration
	onChange func(paths []string)

	watcher   *fsnotify.Watcher
	cancelCtx context.CancelFunc

	mu      sync.Mutex
	pending map[string]bool
	timer   *time.Timer
}

// NewWatcher creates a watcher for dir. onChange runs on its own goroutine
// with the sorted set of paths changed since the last call.
func NewWatcher(dir string, onChange func(paths []string)) *Watcher {
	return &Watcher{
		dir:      dir,
		debounce: DefaultDebounce,
		onChange: onChange,
		pending:  make(map[string]bool),
	}
}

// Start begins watching dir and its subdirectories.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	w.watcher = watcher

	ctx, cancel := context.WithCancel(ctx)
	w.cancelCtx = cancel

	if err := w.watchRecursive(w.dir); err != nil {
		cancel()
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	go w.watchLoop(ctx)
	return nil
}

func (w *Watcher) watchRecursive(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				logging.Debugf("[suite] Could not watch %s: %v", path, err)
			}
		}
		return nil
	})
}

func (w *Watcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Errorf("[suite] Watch error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			// New subdirectory: watch it and anything already inside.
			_ = w.watchRecursive(event.Name)
			return
		}
	}
	if !IsSuiteFile(event.Name) || event.Op == fsnotify.Chmod {
		return
	}
	logging.Debugf("[suite] File event: %s %s", event.Op, event.Name)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[event.Name] = true
	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, w.flush)
	} else {
		w.timer.Reset(w.debounce)
	}
}

func (w *Watcher) flush() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]bool)
	w.timer = nil
	w.mu.Unlock()

	if len(paths) == 0 || w.onChange == nil {
		return
	}
	slices.Sort(paths)
	w.onChange(paths)
}

// Stop stops watching.
func (w *Watcher) Stop() {
	if w.cancelCtx != nil {
		w.cancelCtx()
	}
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
}
