package sync

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dfirvault/sftpmonitor/internal/transport"
)

// isSyncExcluded reports whether the root-relative path belongs to the
// monitor itself. The per-run log files live under <root>/logs and must
// never be synchronized or deleted by the reconciliation pass.
func isSyncExcluded(rel string) bool {
	return rel == "logs" || strings.HasPrefix(rel, "logs/")
}

// LocalWatcher subscribes to OS filesystem notifications for the local root,
// recursively, and emits debounced ChangeEvents with origin=Local. It blocks
// on the notification source and never polls.
type LocalWatcher struct {
	root    string
	watcher *fsnotify.Watcher
	deb     *debouncer
	events  chan ChangeEvent
	done    chan struct{} // closed when Run returns; unblocks in-flight emits
}

// NewLocalWatcher sets up the watch on root and all existing subdirectories.
func NewLocalWatcher(root string, window time.Duration) (*LocalWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &LocalWatcher{
		root:    root,
		watcher: watcher,
		events:  make(chan ChangeEvent, 256),
		done:    make(chan struct{}),
	}
	w.deb = newDebouncer(window, w.emit)

	// fsnotify watches are not recursive; add every directory in the tree.
	// Directories created later are added as their Create events arrive.
	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		return nil, err
	}
	return w, nil
}

// Events is the stream the engine consumes.
func (w *LocalWatcher) Events() <-chan ChangeEvent { return w.events }

// emit hands a debounced event to the consumer. A timer firing during
// shutdown must not hang on a full channel nobody drains anymore.
func (w *LocalWatcher) emit(ev ChangeEvent) {
	select {
	case w.events <- ev:
	case <-w.done:
	}
}

// Run pumps raw fsnotify events through normalization and debouncing until
// the context is cancelled.
func (w *LocalWatcher) Run(ctx context.Context) {
	defer w.deb.Stop()
	defer w.watcher.Close()
	defer close(w.done)

	slog.Info("local watcher started", "root", w.root)
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			ev, ok := w.normalize(raw)
			if !ok {
				continue
			}
			if raw.Has(fsnotify.Create) {
				// Watch directories as they appear so nested changes
				// keep flowing.
				if info, err := os.Stat(raw.Name); err == nil && info.IsDir() {
					w.watcher.Add(raw.Name)
				}
			}
			w.deb.Offer(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("fsnotify error", "error", err)
		}
	}
}

// normalize converts a raw fsnotify event to a ChangeEvent. Paths become
// root-relative with forward slashes; temp artifacts and pure chmod noise
// are dropped.
func (w *LocalWatcher) normalize(raw fsnotify.Event) (ChangeEvent, bool) {
	base := filepath.Base(raw.Name)
	if transport.IsTempArtifact(base) {
		return ChangeEvent{}, false
	}
	rel, err := filepath.Rel(w.root, raw.Name)
	if err != nil || rel == "." {
		return ChangeEvent{}, false
	}
	rel = filepath.ToSlash(rel)
	if isSyncExcluded(rel) {
		return ChangeEvent{}, false
	}

	var kind EventKind
	switch {
	case raw.Has(fsnotify.Create):
		kind = KindCreated
	case raw.Has(fsnotify.Write):
		kind = KindModified
	// A rename delivers Rename for the old name and Create for the new
	// one, so the pair degrades to delete+upload on the remote side.
	case raw.Has(fsnotify.Remove) || raw.Has(fsnotify.Rename):
		kind = KindDeleted
	default:
		return ChangeEvent{}, false // chmod only
	}
	return ChangeEvent{Path: rel, Kind: kind, Origin: OriginLocal}, true
}
