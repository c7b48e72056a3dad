package sync

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/dfirvault/sftpmonitor/internal/config"
	"github.com/dfirvault/sftpmonitor/internal/transport"
)

// Reconcile brings the non-authoritative side in line with the authoritative
// one before live watching starts, and seeds the snapshot cache so the first
// remote poll does not re-report the whole tree. Events missed while the
// process was down are covered by this pass.
func Reconcile(ctx context.Context, cfg *config.Config, sess sessionRunner, snap *Snapshot) error {
	var remote []transport.FileRecord
	err := sess.Do(ctx, func(tr transport.Transport) error {
		var err error
		remote, err = transport.ListTree(tr, "")
		return err
	})
	if err != nil {
		return err
	}

	local, err := listLocalTree(cfg.LocalRoot)
	if err != nil {
		return err
	}

	if cfg.Mode == config.ModeLocal {
		if err := reconcileToRemote(ctx, cfg, sess, local, remote); err != nil {
			return err
		}
		// Re-list so the cache reflects what the pass just wrote.
		err = sess.Do(ctx, func(tr transport.Transport) error {
			var err error
			remote, err = transport.ListTree(tr, "")
			return err
		})
		if err != nil {
			return err
		}
	} else {
		if err := reconcileToLocal(ctx, cfg, sess, local, remote); err != nil {
			return err
		}
	}

	snap.Replace(remote)
	slog.Info("initial sync complete", "remote entries", len(remote), "local entries", len(local))
	return nil
}

// reconcileToRemote makes the remote tree mirror the local one: create
// missing directories, upload missing or changed files, delete remote-only
// entries.
func reconcileToRemote(ctx context.Context, cfg *config.Config, sess sessionRunner, local, remote []transport.FileRecord) error {
	remoteByPath := indexByPath(remote)
	localByPath := indexByPath(local)

	for _, rec := range sortedShallowFirst(local) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		prev, exists := remoteByPath[rec.Path]
		switch {
		case rec.IsDir:
			if exists && prev.IsDir {
				continue
			}
			if err := sess.Do(ctx, func(tr transport.Transport) error { return tr.MakeDir(rec.Path) }); err != nil {
				return err
			}
		case !exists || prev.IsDir || prev.Size != rec.Size || rec.ModTime.After(prev.ModTime):
			localPath := filepath.Join(cfg.LocalRoot, filepath.FromSlash(rec.Path))
			err := sess.Do(ctx, func(tr transport.Transport) error {
				return tr.Upload(localPath, rec.Path)
			})
			if err != nil {
				return err
			}
			slog.Info("initial upload", "path", rec.Path)
		}
	}

	// Deepest first so directories are empty by the time they are removed.
	for _, rec := range sortedDeepestFirst(remote) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, exists := localByPath[rec.Path]; exists {
			continue
		}
		err := sess.Do(ctx, func(tr transport.Transport) error { return tr.Delete(rec.Path) })
		if err != nil && !transport.IsNotFound(err) {
			return err
		}
		slog.Info("initial delete remote", "path", rec.Path)
	}
	return nil
}

// reconcileToLocal makes the local tree mirror the remote one.
func reconcileToLocal(ctx context.Context, cfg *config.Config, sess sessionRunner, local, remote []transport.FileRecord) error {
	remoteByPath := indexByPath(remote)
	localByPath := indexByPath(local)

	for _, rec := range sortedShallowFirst(remote) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		localPath := filepath.Join(cfg.LocalRoot, filepath.FromSlash(rec.Path))
		prev, exists := localByPath[rec.Path]
		switch {
		case rec.IsDir:
			if err := os.MkdirAll(localPath, 0755); err != nil {
				return classifyLocal("mkdir-local", rec.Path, err)
			}
		case !exists || prev.IsDir || prev.Size != rec.Size || rec.ModTime.After(prev.ModTime):
			err := sess.Do(ctx, func(tr transport.Transport) error {
				return tr.Download(rec.Path, localPath)
			})
			if err != nil {
				return err
			}
			slog.Info("initial download", "path", rec.Path)
		}
	}

	for _, rec := range sortedDeepestFirst(local) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, exists := remoteByPath[rec.Path]; exists {
			continue
		}
		localPath := filepath.Join(cfg.LocalRoot, filepath.FromSlash(rec.Path))
		if err := os.RemoveAll(localPath); err != nil {
			return classifyLocal("delete-local", rec.Path, err)
		}
		slog.Info("initial delete local", "path", rec.Path)
	}
	return nil
}

// listLocalTree walks the local root and returns records keyed the same way
// as remote listings: root-relative, forward slashes, root excluded.
func listLocalTree(root string) ([]transport.FileRecord, error) {
	var records []transport.FileRecord
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil || rel == "." {
			return nil
		}
		if transport.IsTempArtifact(info.Name()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if isSyncExcluded(filepath.ToSlash(rel)) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		records = append(records, transport.FileRecord{
			Path:    filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			IsDir:   info.IsDir(),
		})
		return nil
	})
	if err != nil {
		return nil, classifyLocal("list-local", root, err)
	}
	return records, nil
}

func indexByPath(records []transport.FileRecord) map[string]transport.FileRecord {
	m := make(map[string]transport.FileRecord, len(records))
	for _, rec := range records {
		m[rec.Path] = rec
	}
	return m
}

func sortedShallowFirst(records []transport.FileRecord) []transport.FileRecord {
	out := append([]transport.FileRecord(nil), records...)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func sortedDeepestFirst(records []transport.FileRecord) []transport.FileRecord {
	out := append([]transport.FileRecord(nil), records...)
	sort.Slice(out, func(i, j int) bool { return out[i].Path > out[j].Path })
	return out
}
