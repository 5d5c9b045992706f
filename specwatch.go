package kobold

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// specDebounceDelay coalesces the write bursts editors produce when saving.
const specDebounceDelay = 500 * time.Millisecond

// SpecChange reports that a project's specification file was written.
type SpecChange struct {
	ProjectID string
	Path      string
}

// SpecWatcher watches registered projects' specification files and emits a
// SpecChange per save, debounced. The scheduler consumes the events and
// moves analyzed projects to SpecificationModified.
type SpecWatcher struct {
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	events  chan SpecChange

	mu       sync.Mutex
	byPath   map[string]string // spec path → project id
	watched  map[string]bool   // directories added to the fsnotify watcher
	pending  map[string]*time.Timer
}

// NewSpecWatcher creates a watcher. Close releases its resources.
func NewSpecWatcher(logger *slog.Logger) (*SpecWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = nopLogger
	}
	return &SpecWatcher{
		watcher: fsw,
		logger:  logger,
		events:  make(chan SpecChange, 16),
		byPath:  map[string]string{},
		watched: map[string]bool{},
		pending: map[string]*time.Timer{},
	}, nil
}

// Events returns the channel of debounced specification changes.
func (w *SpecWatcher) Events() <-chan SpecChange {
	return w.events
}

// Watch registers a project's specification file. Watching the containing
// directory instead of the file survives editors that replace on save.
func (w *SpecWatcher) Watch(projectID, specPath string) error {
	abs, err := filepath.Abs(specPath)
	if err != nil {
		return &ErrConfig{Field: "specification", Reason: err.Error()}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.byPath[abs] = projectID
	dir := filepath.Dir(abs)
	if w.watched[dir] {
		return nil
	}
	if err := w.watcher.Add(dir); err != nil {
		return &ErrConfig{Field: "specification", Reason: err.Error()}
	}
	w.watched[dir] = true
	return nil
}

// Unwatch removes a project's specification from the watch set. The
// directory watch stays; events for unregistered paths are dropped.
func (w *SpecWatcher) Unwatch(specPath string) {
	abs, err := filepath.Abs(specPath)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.byPath, abs)
	if t, ok := w.pending[abs]; ok {
		t.Stop()
		delete(w.pending, abs)
	}
}

// Run pumps fsnotify events until ctx is cancelled, then closes the event
// channel.
func (w *SpecWatcher) Run(ctx context.Context) {
	defer close(w.events)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.handleEvent(ev.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("spec watcher error", "error", err)
		}
	}
}

// handleEvent debounces one filesystem event for a registered spec path.
func (w *SpecWatcher) handleEvent(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	projectID, ok := w.byPath[abs]
	if !ok {
		return
	}
	if t, exists := w.pending[abs]; exists {
		t.Reset(specDebounceDelay)
		return
	}
	w.pending[abs] = time.AfterFunc(specDebounceDelay, func() {
		w.mu.Lock()
		delete(w.pending, abs)
		w.mu.Unlock()
		select {
		case w.events <- SpecChange{ProjectID: projectID, Path: abs}:
		default:
			w.logger.Warn("spec change dropped, consumer behind", "projectId", projectID)
		}
	})
}

// Close stops the underlying watcher. Pending debounce timers are cancelled.
func (w *SpecWatcher) Close() error {
	w.mu.Lock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	return w.watcher.Close()
}
