package workspace

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"tandem/internal/logging"
)

// LostHandler is invoked when a bound workspace directory disappears.
type LostHandler func(path string)

// Watcher monitors bound workspace directories and reports when one is
// removed or renamed away. The parent directory is watched so that deleting
// the workspace itself still produces an event.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	onLost    LostHandler
	debounce  time.Duration

	// watched maps workspace path -> parent dir added to the fs watcher.
	watched map[string]string
	parents map[string]int

	mu       sync.Mutex
	done     chan struct{}
	running  bool
	stopOnce sync.Once
}

// NewWatcher creates a workspace watcher. A nil return with nil error means
// watching is disabled.
func NewWatcher(enabled bool, debounceMs int) (*Watcher, error) {
	if !enabled {
		return nil, nil
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if debounceMs <= 0 {
		debounceMs = 500
	}

	return &Watcher{
		fsWatcher: fsWatcher,
		debounce:  time.Duration(debounceMs) * time.Millisecond,
		watched:   make(map[string]string),
		parents:   make(map[string]int),
		done:      make(chan struct{}),
	}, nil
}

// SetOnLost sets the callback for lost workspaces.
func (w *Watcher) SetOnLost(handler LostHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onLost = handler
}

// Start begins processing filesystem events.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	go w.processEvents()
}

// Watch adds a workspace path to the watch set.
func (w *Watcher) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	parent := filepath.Dir(abs)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.watched[abs]; ok {
		return nil
	}

	if w.parents[parent] == 0 {
		if err := w.fsWatcher.Add(parent); err != nil {
			return err
		}
	}
	w.parents[parent]++
	w.watched[abs] = parent

	logging.Debug("watching workspace", "path", abs)
	return nil
}

// Unwatch removes a workspace path from the watch set.
func (w *Watcher) Unwatch(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	parent, ok := w.watched[abs]
	if !ok {
		return
	}
	delete(w.watched, abs)

	w.parents[parent]--
	if w.parents[parent] <= 0 {
		delete(w.parents, parent)
		w.fsWatcher.Remove(parent)
	}
}

// processEvents reacts to remove/rename events on watched workspaces.
func (w *Watcher) processEvents() {
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			w.mu.Lock()
			_, watched := w.watched[event.Name]
			w.mu.Unlock()
			if !watched {
				continue
			}

			// Editors sometimes replace directories atomically; give the
			// path a debounce window to reappear before reporting it lost.
			go w.confirmLost(event.Name)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			logging.Warn("workspace watcher error", "error", err)
		}
	}
}

func (w *Watcher) confirmLost(path string) {
	select {
	case <-time.After(w.debounce):
	case <-w.done:
		return
	}

	if _, err := os.Stat(path); err == nil {
		return
	}

	w.mu.Lock()
	handler := w.onLost
	_, stillWatched := w.watched[path]
	w.mu.Unlock()

	if !stillWatched {
		return
	}

	logging.Warn("workspace lost", "path", path)
	if handler != nil {
		handler(path)
	}
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	w.stopOnce.Do(func() {
		close(w.done)
	})
	return w.fsWatcher.Close()
}
