// Package transport provides a uniform file-operation interface over an
// SFTP or FTP session. All paths crossing the interface are relative to the
// configured remote root and use forward slashes regardless of platform.
package transport

import (
	"fmt"
	"math/rand"
	"path"
	"strings"
	"time"

	"github.com/dfirvault/sftpmonitor/internal/config"
)

// FileRecord describes one entry's known state on either side of the sync.
type FileRecord struct {
	Path    string // root-relative, forward-slash separated
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// Transport is the capability interface the sync engine drives. Every
// operation fails with a *Error; callers must not assume partial success.
//
// Upload and Download write to a temporary sibling of the destination and
// rename it onto the final name on completion, so a concurrent lister never
// observes a partially-written file. On SFTP the rename is atomic; on FTP it
// degrades to delete-then-rename, a documented weaker guarantee.
type Transport interface {
	// List returns the entries of one remote directory (non-recursive).
	List(dir string) ([]FileRecord, error)
	// Stat returns the record for a single remote path.
	Stat(p string) (FileRecord, error)
	// Download copies remote p to the absolute local path.
	Download(p, localPath string) error
	// Upload copies the absolute local path to remote p.
	Upload(localPath, p string) error
	// Delete removes a remote file, or a remote directory recursively.
	Delete(p string) error
	// MakeDir creates a remote directory and any missing parents.
	// Creating an existing directory is a no-op.
	MakeDir(p string) error
	// Rename moves a remote entry. The destination is replaced if present.
	Rename(oldp, newp string) error
	Close() error
}

// Dial opens an authenticated connection for the configured protocol.
func Dial(cfg *config.Config) (Transport, error) {
	switch cfg.Protocol {
	case config.ProtocolFTP:
		return DialFTP(cfg)
	default:
		return DialSFTP(cfg)
	}
}

// ListTree lists dir and everything below it, breadth-first. Paths in the
// returned records stay relative to the transport root, not to dir.
func ListTree(t Transport, dir string) ([]FileRecord, error) {
	var out []FileRecord
	queue := []string{dir}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		entries, err := t.List(cur)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			out = append(out, e)
			if e.IsDir {
				queue = append(queue, e.Path)
			}
		}
	}
	return out, nil
}

const tmpInfix = ".sftpmonitor-tmp"

// tempSibling returns a temporary name in the same directory as p, so the
// final rename never crosses a directory (or filesystem) boundary.
func tempSibling(p string) string {
	dir, base := path.Split(p)
	return fmt.Sprintf("%s.%s%s-%d", dir, base, tmpInfix, rand.Int63())
}

// IsTempArtifact reports whether base names a temporary file this tool (or
// common editors) may leave next to real files. Watchers skip these.
func IsTempArtifact(base string) bool {
	if strings.Contains(base, tmpInfix) {
		return true
	}
	return strings.HasPrefix(base, ".") ||
		strings.HasSuffix(base, "~") ||
		strings.HasSuffix(base, ".swp") ||
		strings.HasSuffix(base, ".tmp")
}

// joinRemote resolves a root-relative path against the remote root.
func joinRemote(root, p string) string {
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if p == "" || p == "." {
		return root
	}
	if root == "/" {
		return "/" + p
	}
	return root + "/" + p
}

// relRemote converts an absolute remote path back to a root-relative one.
func relRemote(root, full string) string {
	if root == "/" {
		return strings.TrimPrefix(full, "/")
	}
	rel := strings.TrimPrefix(full, root)
	return strings.TrimPrefix(rel, "/")
}
