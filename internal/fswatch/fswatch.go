// Package fswatch implements the FS Watcher of spec §4.10: for each
// configured root directory, walk once to reconcile with the Store's
// ProcessedFile table, then subscribe to OS-level file events (debounced)
// and dispatch create/update/delete events into the crawl queue and index.
package fswatch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/avenoir-dev/spyglass/internal/model"
	"github.com/avenoir-dev/spyglass/internal/store"
	"github.com/fsnotify/fsnotify"
	gitignore "github.com/sabhiram/go-gitignore"
)

// DefaultDebounce matches spec §4.10's recommended 5s coalescing window.
const DefaultDebounce = 5 * time.Second

// initBatchSize bounds the initial walk's per-transaction writes, matching
// spec §5's backpressure note about fixed-size batches (~500).
const initBatchSize = 500

// EventKind classifies a reconciled filesystem change.
type EventKind int

const (
	EventCreate EventKind = iota
	EventUpdate
	EventDelete
)

func (k EventKind) String() string {
	switch k {
	case EventCreate:
		return "create"
	case EventUpdate:
		return "update"
	case EventDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event is one reconciled filesystem change, ready for Dispatcher.Dispatch.
type Event struct {
	Kind EventKind
	URI  string
	Path string
}

// Watcher walks configured roots and watches them for changes, honoring
// .gitignore files discovered anywhere in the walk and skipping hidden
// (dot-prefixed) directories. It owns no indexing logic itself; callers pass
// emitted Events to a Dispatcher (or their own handler).
type Watcher struct {
	store    store.Store
	debounce time.Duration
	logger   *slog.Logger

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	ignores map[string]*gitignore.GitIgnore // keyed by the directory containing the .gitignore

	pendingMu sync.Mutex
	pending   map[string]*time.Timer
}

// New builds a Watcher. Call Close when done to release the OS watch handle.
func New(st store.Store, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fswatch: new fsnotify watcher: %w", err)
	}
	return &Watcher{
		store:    st,
		debounce: debounce,
		logger:   logger,
		fsw:      fsw,
		ignores:  make(map[string]*gitignore.GitIgnore),
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Close stops watching and releases the underlying OS resources.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// InitializePath walks root, diffs the result against the Store's
// ProcessedFile table, and returns the reconciled events (spec §4.10 step
// 1). It persists the new ProcessedFile state as it goes.
func (w *Watcher) InitializePath(ctx context.Context, root string) ([]Event, error) {
	rootURI := pathToURI(root)

	found := make(map[string]time.Time)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if d.IsDir() {
			if path != root && isHidden(root, path) {
				return filepath.SkipDir
			}
			return nil
		}
		if isHidden(root, path) {
			return nil
		}
		if isIgnoreFile(path) {
			w.addIgnoreFile(path)
		}
		if w.isIgnored(root, path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		found[pathToURI(path)] = info.ModTime().UTC()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fswatch: walk %s: %w", root, err)
	}

	known, err := w.store.ListProcessedFilesUnder(ctx, rootURI)
	if err != nil {
		return nil, fmt.Errorf("fswatch: list processed files under %s: %w", rootURI, err)
	}

	var events []Event
	var toDelete []string
	var updated []model.ProcessedFile
	for _, pf := range known {
		modTime, stillExists := found[pf.URI]
		if !stillExists {
			events = append(events, Event{Kind: EventDelete, URI: pf.URI, Path: uriToPath(pf.URI)})
			toDelete = append(toDelete, pf.URI)
			continue
		}
		if modTime.After(pf.LastModified) {
			events = append(events, Event{Kind: EventUpdate, URI: pf.URI, Path: uriToPath(pf.URI)})
			updated = append(updated, model.ProcessedFile{URI: pf.URI, LastModified: modTime})
		}
		delete(found, pf.URI)
	}
	// Whatever remains in found is new.
	for uri := range found {
		events = append(events, Event{Kind: EventCreate, URI: uri, Path: uriToPath(uri)})
	}

	for _, uri := range toDelete {
		if err := w.store.DeleteProcessedFile(ctx, uri); err != nil {
			return nil, fmt.Errorf("fswatch: delete processed file %s: %w", uri, err)
		}
	}

	batch := make([]model.ProcessedFile, 0, initBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		for _, pf := range batch {
			if err := w.store.UpsertProcessedFile(ctx, pf); err != nil {
				return fmt.Errorf("fswatch: upsert processed file %s: %w", pf.URI, err)
			}
		}
		batch = batch[:0]
		return nil
	}
	for uri, modTime := range found {
		batch = append(batch, model.ProcessedFile{URI: uri, LastModified: modTime})
		if len(batch) >= initBatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	batch = append(batch, updated...)
	if err := flush(); err != nil {
		return nil, err
	}

	return events, nil
}

// WatchPath registers root (and every non-hidden, non-ignored subdirectory)
// with the OS watcher. fsnotify has no native recursive mode, so each
// directory is added individually; newly created directories are added on
// the fly as Create events arrive in Run.
func (w *Watcher) WatchPath(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != root && isHidden(root, path) {
			return filepath.SkipDir
		}
		if w.isIgnored(root, path) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn("fswatch: add watch", "path", path, "err", err)
		}
		return nil
	})
}

// Run drains OS events for all previously-added roots until ctx is
// cancelled, debouncing per-path and invoking dispatch with the reconciled
// Event once the debounce window elapses.
func (w *Watcher) Run(ctx context.Context, dispatch func(context.Context, Event)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("fswatch: watch error", "err", err)
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleRawEvent(ctx, ev, dispatch)
		}
	}
}

func (w *Watcher) handleRawEvent(ctx context.Context, ev fsnotify.Event, dispatch func(context.Context, Event)) {
	if isIgnoreFile(ev.Name) {
		w.addIgnoreFile(ev.Name)
	}
	if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
		if ev.Op.Has(fsnotify.Create) {
			if err := w.fsw.Add(ev.Name); err != nil {
				w.logger.Warn("fswatch: watch new directory", "path", ev.Name, "err", err)
			}
		}
		return
	}

	w.debounced(ev.Name, func() {
		w.reconcilePath(ctx, ev.Name, dispatch)
	})
}

// reconcilePath re-stats path after the debounce window and emits a single
// Create/Update/Delete event reflecting its current state.
func (w *Watcher) reconcilePath(ctx context.Context, path string, dispatch func(context.Context, Event)) {
	uri := pathToURI(path)

	info, statErr := os.Stat(path)
	if statErr != nil {
		if err := w.store.DeleteProcessedFile(ctx, uri); err != nil {
			w.logger.Error("fswatch: delete processed file", "uri", uri, "err", err)
		}
		dispatch(ctx, Event{Kind: EventDelete, URI: uri, Path: path})
		return
	}

	if root := w.rootFor(path); root != "" && w.isIgnored(root, path) {
		return
	}

	prior, err := w.store.GetProcessedFile(ctx, uri)
	if err != nil {
		w.logger.Error("fswatch: get processed file", "uri", uri, "err", err)
		return
	}

	kind := EventUpdate
	if prior == nil {
		kind = EventCreate
	}

	if err := w.store.UpsertProcessedFile(ctx, model.ProcessedFile{URI: uri, LastModified: info.ModTime().UTC()}); err != nil {
		w.logger.Error("fswatch: upsert processed file", "uri", uri, "err", err)
	}

	dispatch(ctx, Event{Kind: kind, URI: uri, Path: path})
}

// rootFor finds the longest watched ignore-file directory that contains
// path, used to resolve .gitignore checks for paths arriving from raw
// fsnotify events (which carry no root of their own).
func (w *Watcher) rootFor(path string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	best := ""
	for dir := range w.ignores {
		if strings.HasPrefix(path, dir) && len(dir) > len(best) {
			best = dir
		}
	}
	return best
}

func (w *Watcher) debounced(key string, fn func()) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	if t, ok := w.pending[key]; ok {
		t.Stop()
	}
	w.pending[key] = time.AfterFunc(w.debounce, func() {
		w.pendingMu.Lock()
		delete(w.pending, key)
		w.pendingMu.Unlock()
		fn()
	})
}

func (w *Watcher) addIgnoreFile(path string) {
	gi, err := gitignore.CompileIgnoreFile(path)
	if err != nil {
		w.logger.Warn("fswatch: compile gitignore", "path", path, "err", err)
		return
	}
	w.mu.Lock()
	w.ignores[filepath.Dir(path)] = gi
	w.mu.Unlock()
}

// isIgnored reports whether path is excluded by any .gitignore discovered
// under root so far, matched relative to the ignore file's own directory.
func (w *Watcher) isIgnored(root, path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for dir, gi := range w.ignores {
		if !strings.HasPrefix(path, dir) {
			continue
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			continue
		}
		if gi.MatchesPath(rel) {
			return true
		}
	}
	return false
}

// isHidden reports whether any path segment between root and path (or path
// itself) is dot-prefixed.
func isHidden(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

func isIgnoreFile(path string) bool {
	return filepath.Base(path) == ".gitignore"
}

func pathToURI(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return u.String()
}

func uriToPath(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	return filepath.FromSlash(u.Path)
}
