package sync

import (
	"context"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	gosync "sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"

	"github.com/dfirvault/sftpmonitor/internal/config"
	"github.com/dfirvault/sftpmonitor/internal/session"
	"github.com/dfirvault/sftpmonitor/internal/transport"
)

// Engine consumes change events and mirrors them to the non-authoritative
// side. Per path it is a small state machine: Idle -> Transferring -> Idle,
// with a backoff wait on transient failure. At most one transfer is in
// flight per path; a newer event for a busy path replaces the pending one,
// so the latest state always wins and a stale overwrite cannot happen.
type Engine struct {
	cfg   *config.Config
	sess  sessionRunner
	snap  *Snapshot
	clock clockwork.Clock

	mu        gosync.Mutex
	inflight  map[string]bool        // path lock table
	pending   map[string]ChangeEvent // latest event waiting for a busy path
	lastWrite map[string]writeStamp  // echo suppression fingerprints
	wg        gosync.WaitGroup
}

// writeStamp records what the engine last wrote for a path, so a detector
// event caused by that write can be recognized and dropped.
type writeStamp struct {
	size    int64
	modTime time.Time
	deleted bool
	at      time.Time
}

func NewEngine(cfg *config.Config, sess sessionRunner, snap *Snapshot, clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{
		cfg:       cfg,
		sess:      sess,
		snap:      snap,
		clock:     clock,
		inflight:  make(map[string]bool),
		pending:   make(map[string]ChangeEvent),
		lastWrite: make(map[string]writeStamp),
	}
}

// Run consumes events until the context is cancelled or the channel closes,
// then waits for in-flight transfers to finish.
func (e *Engine) Run(ctx context.Context, events <-chan ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return
		case ev, ok := <-events:
			if !ok {
				e.wg.Wait()
				return
			}
			e.handleEvent(ctx, ev)
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev ChangeEvent) {
	if !e.originMatchesMode(ev.Origin) {
		slog.Debug("event from non-authoritative side ignored", "event", ev.String())
		return
	}
	if e.suppressed(ev) {
		slog.Debug("echo suppressed", "event", ev.String())
		return
	}

	task, ok := e.taskFor(ev)
	if !ok {
		return
	}

	e.mu.Lock()
	if e.inflight[ev.Path] {
		// Only the latest event matters for a busy path.
		e.pending[ev.Path] = ev
		e.mu.Unlock()
		return
	}
	e.inflight[ev.Path] = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.runTask(ctx, task)
}

func (e *Engine) originMatchesMode(o Origin) bool {
	if e.cfg.Mode == config.ModeLocal {
		return o == OriginLocal
	}
	return o == OriginRemote
}

// runTask executes one task, then releases the path lock and dispatches any
// event that queued up behind it. The lock is released on every exit path.
func (e *Engine) runTask(ctx context.Context, task TransferTask) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, task.Path)
		next, ok := e.pending[task.Path]
		if ok {
			delete(e.pending, task.Path)
		}
		e.mu.Unlock()
		if ok && ctx.Err() == nil {
			e.handleEvent(ctx, next)
		}
	}()

	e.executeWithRetry(ctx, task)
}

// executeWithRetry applies the task, classifying failures per the retry
// policy: ConnectionLost retries forever with exponential backoff (the
// session manager reconnects underneath), IOFailure retries a bounded
// number of times, PermissionDenied is dropped, and NotFound either means
// an already-satisfied delete or degrades a transfer to a delete.
func (e *Engine) executeWithRetry(ctx context.Context, task TransferTask) {
	connAttempts := 0
	ioAttempts := 0
	for {
		if ctx.Err() != nil {
			return
		}
		task.Attempt++

		size, err := e.apply(ctx, task)
		if err == nil {
			attrs := []any{"path", task.Path, "action", task.Action.String(), "attempt", task.Attempt}
			if size > 0 {
				attrs = append(attrs, "size", humanize.Bytes(uint64(size)))
			}
			slog.Info("sync ok", attrs...)
			return
		}
		if ctx.Err() != nil {
			return
		}

		kind, _ := transport.KindOf(err)
		switch kind {
		case transport.KindNotFound:
			switch task.Action {
			case ActionDeleteRemote, ActionDeleteLocal:
				// Delete race: the target is already gone.
				slog.Info("sync ok", "path", task.Path, "action", task.Action.String(), "outcome", "already absent")
				return
			case ActionUpload, ActionMakeDirRemote:
				// Source vanished before the transfer ran.
				slog.Info("source gone, degrading to delete", "path", task.Path, "action", task.Action.String())
				task.Action = ActionDeleteRemote
				continue
			case ActionDownload:
				slog.Info("source gone, degrading to delete", "path", task.Path, "action", task.Action.String())
				task.Action = ActionDeleteLocal
				continue
			default:
				slog.Warn("sync dropped", "path", task.Path, "action", task.Action.String(), "error", err)
				return
			}

		case transport.KindPermissionDenied:
			slog.Error("sync dropped: permission denied", "path", task.Path, "action", task.Action.String(), "error", err)
			return

		case transport.KindConnectionLost:
			connAttempts++
			delay := session.Backoff(connAttempts, e.cfg.BackoffBase, e.cfg.BackoffCap)
			slog.Warn("sync retry after connection loss", "path", task.Path, "action", task.Action.String(), "attempt", task.Attempt, "delay", delay)
			if !e.sleep(ctx, delay) {
				return
			}

		default: // IOFailure and anything unclassified
			// MaxIORetries bounds retries after the initial attempt.
			ioAttempts++
			if ioAttempts > e.cfg.MaxIORetries {
				slog.Error("sync failed, giving up", "path", task.Path, "action", task.Action.String(), "attempts", task.Attempt, "error", err)
				return
			}
			delay := session.Backoff(ioAttempts, e.cfg.BackoffBase, e.cfg.BackoffCap)
			slog.Warn("sync retry after io failure", "path", task.Path, "action", task.Action.String(), "attempt", task.Attempt, "delay", delay, "error", err)
			if !e.sleep(ctx, delay) {
				return
			}
		}
	}
}

// apply performs the task's side effect once. It returns the transferred
// size for logging where that is meaningful.
func (e *Engine) apply(ctx context.Context, task TransferTask) (int64, error) {
	localPath := e.localPath(task.Path)

	switch task.Action {
	case ActionUpload:
		var rec transport.FileRecord
		err := e.sess.Do(ctx, func(tr transport.Transport) error {
			if dir := path.Dir(task.Path); dir != "." && dir != "/" {
				if err := tr.MakeDir(dir); err != nil {
					return err
				}
			}
			if err := tr.Upload(localPath, task.Path); err != nil {
				return err
			}
			var err error
			rec, err = tr.Stat(task.Path)
			return err
		})
		if err != nil {
			return 0, err
		}
		e.snap.Record(rec)
		e.stampWrite(task.Path, writeStamp{size: rec.Size, modTime: rec.ModTime})
		return rec.Size, nil

	case ActionDownload:
		err := e.sess.Do(ctx, func(tr transport.Transport) error {
			return tr.Download(task.Path, localPath)
		})
		if err != nil {
			return 0, err
		}
		info, statErr := os.Stat(localPath)
		if statErr == nil {
			e.stampWrite(task.Path, writeStamp{size: info.Size(), modTime: info.ModTime()})
			return info.Size(), nil
		}
		return 0, nil

	case ActionDeleteRemote:
		err := e.sess.Do(ctx, func(tr transport.Transport) error {
			return tr.Delete(task.Path)
		})
		if err != nil && !transport.IsNotFound(err) {
			return 0, err
		}
		e.snap.Forget(task.Path)
		e.stampWrite(task.Path, writeStamp{deleted: true})
		return 0, err

	case ActionDeleteLocal:
		err := os.Remove(localPath)
		if err != nil {
			if os.IsNotExist(err) {
				return 0, &transport.Error{Kind: transport.KindNotFound, Op: "delete-local", Path: task.Path, Err: err}
			}
			// Directories deleted remotely come down as a single delete.
			if rmErr := os.RemoveAll(localPath); rmErr != nil {
				return 0, classifyLocal("delete-local", task.Path, rmErr)
			}
		}
		e.snap.Forget(task.Path)
		e.stampWrite(task.Path, writeStamp{deleted: true})
		return 0, nil

	case ActionMakeDirRemote:
		err := e.sess.Do(ctx, func(tr transport.Transport) error {
			return tr.MakeDir(task.Path)
		})
		if err != nil {
			return 0, err
		}
		e.snap.Record(transport.FileRecord{Path: task.Path, IsDir: true})
		e.stampWrite(task.Path, writeStamp{})
		return 0, nil

	case ActionMakeDirLocal:
		if err := os.MkdirAll(localPath, 0755); err != nil {
			return 0, classifyLocal("mkdir-local", task.Path, err)
		}
		e.stampWrite(task.Path, writeStamp{})
		return 0, nil
	}
	return 0, nil
}

// taskFor maps an event to a transfer action for the configured mode.
func (e *Engine) taskFor(ev ChangeEvent) (TransferTask, bool) {
	if e.cfg.Mode == config.ModeRemote {
		switch ev.Kind {
		case KindDeleted:
			return TransferTask{Path: ev.Path, Action: ActionDeleteLocal}, true
		default:
			if rec, ok := e.snap.Get(ev.Path); ok && rec.IsDir {
				return TransferTask{Path: ev.Path, Action: ActionMakeDirLocal}, true
			}
			return TransferTask{Path: ev.Path, Action: ActionDownload}, true
		}
	}

	switch ev.Kind {
	case KindDeleted:
		return TransferTask{Path: ev.Path, Action: ActionDeleteRemote}, true
	default:
		info, err := os.Stat(e.localPath(ev.Path))
		if err != nil {
			// Created or modified, then removed before we got here.
			return TransferTask{Path: ev.Path, Action: ActionDeleteRemote}, true
		}
		if info.IsDir() {
			return TransferTask{Path: ev.Path, Action: ActionMakeDirRemote}, true
		}
		return TransferTask{Path: ev.Path, Action: ActionUpload}, true
	}
}

// suppressed reports whether ev matches the fingerprint of a write the
// engine itself performed within the suppression window. Matching events
// are echoes of our own side effects and must not bounce back.
func (e *Engine) suppressed(ev ChangeEvent) bool {
	e.mu.Lock()
	st, ok := e.lastWrite[ev.Path]
	if ok && e.clock.Since(st.at) > e.cfg.SuppressWindow {
		delete(e.lastWrite, ev.Path)
		ok = false
	}
	e.mu.Unlock()
	if !ok {
		return false
	}

	if ev.Kind == KindDeleted {
		return st.deleted
	}
	if st.deleted {
		return false
	}

	// Compare against the subject's current state on the watched side.
	if ev.Origin == OriginRemote {
		rec, found := e.snap.Get(ev.Path)
		if !found {
			return false
		}
		return rec.IsDir || (rec.Size == st.size && rec.ModTime.Equal(st.modTime))
	}
	info, err := os.Stat(e.localPath(ev.Path))
	if err != nil {
		return false
	}
	return info.IsDir() || (info.Size() == st.size && info.ModTime().Equal(st.modTime))
}

func (e *Engine) stampWrite(p string, st writeStamp) {
	st.at = e.clock.Now()
	e.mu.Lock()
	e.lastWrite[p] = st
	e.mu.Unlock()
}

func (e *Engine) localPath(p string) string {
	return filepath.Join(e.cfg.LocalRoot, filepath.FromSlash(p))
}

// sleep waits for d or until the context is cancelled. Returns false on
// cancellation.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-e.clock.After(d):
		return true
	}
}

func classifyLocal(op, p string, err error) error {
	kind := transport.KindIOFailure
	switch {
	case os.IsNotExist(err):
		kind = transport.KindNotFound
	case os.IsPermission(err):
		kind = transport.KindPermissionDenied
	}
	return &transport.Error{Kind: kind, Op: op, Path: p, Err: err}
}
