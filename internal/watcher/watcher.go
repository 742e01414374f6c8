// Package watcher watches dataset roots with fsnotify and reports debounced file changes and
// removals.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 400 * time.Millisecond

// Root is one watched dataset directory.
type Root struct {
	Dataset    string   `json:"dataset"`
	Path       string   `json:"path"`
	Extensions []string `json:"extensions,omitempty"`
	Recursive  bool     `json:"recursive"`
}

// Event is a change to one file under a root.
type Event struct {
	Dataset string
	Root    string
	Path    string
	// Removed is set when the file was deleted or renamed away.
	Removed bool
}

// Handler receives events. It is called from timer and watcher goroutines, one event at a
// time per path.
type Handler func(Event)

// Watcher watches dataset roots and invokes a handler on file changes.
type Watcher struct {
	mu          sync.Mutex
	roots       []Root
	handle      Handler
	debounce    time.Duration
	watcher     *fsnotify.Watcher
	debounceMap map[string]*time.Timer
	rootPaths   map[string][]string // root -> watched directories
	done        chan struct{}
	started     bool
	stopOnce    sync.Once
	logger      *zap.Logger
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets a logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithDebounce sets how long a path must be quiet before a change event fires.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// New creates a watcher over roots. Root paths are cleaned.
func New(roots []Root, handle Handler, opts ...Option) *Watcher {
	w := &Watcher{
		handle:      handle,
		debounce:    defaultDebounce,
		debounceMap: make(map[string]*time.Timer),
		rootPaths:   make(map[string][]string),
		done:        make(chan struct{}),
		logger:      zap.NewNop(),
	}
	for _, r := range roots {
		r.Path = filepath.Clean(r.Path)
		w.roots = append(w.roots, r)
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start starts the watcher. It runs until ctx is cancelled or Stop is called. Missing root
// directories are created.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher
	w.started = true
	for _, root := range w.roots {
		if err := w.addRootLocked(root); err != nil {
			_ = w.watcher.Close()
			w.watcher = nil
			w.started = false
			w.mu.Unlock()
			return err
		}
	}
	w.logger.Info("watcher started", zap.Int("roots", len(w.roots)), zap.Duration("debounce", w.debounce))
	events, errs := watcher.Events, watcher.Errors
	w.mu.Unlock()
	go w.run(ctx, events, errs)
	return nil
}

func (w *Watcher) run(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-errs:
			if !ok {
				return
			}
			if err != nil {
				w.logger.Warn("watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	root, ok := w.rootFor(ev.Name)
	if !ok {
		return
	}
	w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", ev.Name))
	switch {
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err == nil && info.IsDir() {
			if ev.Has(fsnotify.Create) {
				w.handleNewDirectory(root, ev.Name)
			}
			return
		}
		if matchExtension(ev.Name, root.Extensions) {
			w.debounceChange(root, ev.Name)
		}
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		w.cancelDebounce(ev.Name)
		if matchExtension(ev.Name, root.Extensions) && w.handle != nil {
			w.handle(Event{Dataset: root.Dataset, Root: root.Path, Path: ev.Name, Removed: true})
		}
	}
}

// handleNewDirectory watches a directory created or moved under a recursive root and reports
// the files already inside it.
func (w *Watcher) handleNewDirectory(root Root, dirPath string) {
	if !root.Recursive {
		return
	}
	w.mu.Lock()
	watcher := w.watcher
	w.mu.Unlock()
	if watcher == nil {
		return
	}
	_ = filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := watcher.Add(path); err != nil {
				w.logger.Warn("watcher failed to add directory", zap.String("path", path), zap.Error(err))
				return nil
			}
			w.mu.Lock()
			w.rootPaths[root.Path] = append(w.rootPaths[root.Path], path)
			w.mu.Unlock()
		}
		return nil
	})
	w.syncRoot(root, dirPath)
}

// rootFor returns the most specific root containing path.
func (w *Watcher) rootFor(path string) (Root, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	clean := filepath.Clean(path)
	var (
		best  Root
		found bool
	)
	for _, r := range w.roots {
		if !inDir(r.Path, clean) {
			continue
		}
		if !r.Recursive && filepath.Dir(clean) != r.Path && clean != r.Path {
			continue
		}
		if !found || len(r.Path) > len(best.Path) {
			best, found = r, true
		}
	}
	return best, found
}

func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func matchExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}

func (w *Watcher) debounceChange(root Root, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
	}
	w.debounceMap[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.debounceMap, path)
		w.mu.Unlock()
		w.logger.Debug("watcher file changed", zap.String("dataset", root.Dataset), zap.String("path", path))
		if w.handle != nil {
			w.handle(Event{Dataset: root.Dataset, Root: root.Path, Path: path})
		}
	})
}

func (w *Watcher) cancelDebounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
		delete(w.debounceMap, path)
	}
}

// AddRoot starts watching another root and optionally reports its existing files.
func (w *Watcher) AddRoot(root Root, syncExisting bool) error {
	abs, err := filepath.Abs(root.Path)
	if err != nil {
		return err
	}
	root.Path = filepath.Clean(abs)
	w.mu.Lock()
	for _, r := range w.roots {
		if r.Path == root.Path {
			w.mu.Unlock()
			return nil
		}
	}
	if w.watcher != nil {
		if err := w.addRootLocked(root); err != nil {
			w.mu.Unlock()
			return err
		}
	}
	w.roots = append(w.roots, root)
	w.mu.Unlock()
	w.logger.Info("watcher root added", zap.String("dataset", root.Dataset), zap.String("path", root.Path))
	if syncExisting {
		go w.syncRoot(root, root.Path)
	}
	return nil
}

func (w *Watcher) addRootLocked(root Root) error {
	if _, err := os.Stat(root.Path); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		if err := os.MkdirAll(root.Path, 0755); err != nil {
			return err
		}
	}
	if !root.Recursive {
		if err := w.watcher.Add(root.Path); err != nil {
			return err
		}
		w.rootPaths[root.Path] = []string{root.Path}
		return nil
	}
	var paths []string
	err := filepath.WalkDir(root.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			return err
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return err
	}
	w.rootPaths[root.Path] = paths
	return nil
}

// syncRoot reports every matching file under dir as changed.
func (w *Watcher) syncRoot(root Root, dir string) {
	if w.handle == nil {
		return
	}
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && !root.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if matchExtension(path, root.Extensions) {
			w.handle(Event{Dataset: root.Dataset, Root: root.Path, Path: path})
		}
		return nil
	})
}

// RemoveRoot stops watching the root at path. Documents already processed are left alone.
func (w *Watcher) RemoveRoot(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)
	w.mu.Lock()
	defer w.mu.Unlock()
	idx := -1
	for i, r := range w.roots {
		if r.Path == abs {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	if w.watcher != nil {
		for _, p := range w.rootPaths[abs] {
			_ = w.watcher.Remove(p)
		}
	}
	delete(w.rootPaths, abs)
	w.roots = append(w.roots[:idx], w.roots[idx+1:]...)
	return nil
}

// Roots returns a copy of the watched roots.
func (w *Watcher) Roots() []Root {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Root(nil), w.roots...)
}

// SyncExisting reports every matching file already present under the roots.
func (w *Watcher) SyncExisting() {
	for _, root := range w.Roots() {
		w.syncRoot(root, root.Path)
	}
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started || w.watcher == nil {
		w.mu.Unlock()
		return
	}
	for path, t := range w.debounceMap {
		t.Stop()
		delete(w.debounceMap, path)
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
	w.logger.Info("watcher stopped")
}
