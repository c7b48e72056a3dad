package transport

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/dfirvault/sftpmonitor/internal/config"
)

// FTPTransport drives one FTP control connection. Like the SFTP adapter it
// is single-caller; the session manager serializes access.
type FTPTransport struct {
	conn *ftp.ServerConn
	root string
}

// DialFTP connects and logs in with the configured credentials.
func DialFTP(cfg *config.Config) (*FTPTransport, error) {
	conn, err := ftp.Dial(cfg.Addr(), ftp.DialWithTimeout(cfg.DialTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %v", cfg.Addr(), err)
	}
	if err := conn.Login(cfg.Username, cfg.Password); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("login failed for %s: %v", cfg.Username, err)
	}
	return &FTPTransport{conn: conn, root: cfg.RemoteRoot}, nil
}

func (t *FTPTransport) List(dir string) ([]FileRecord, error) {
	entries, err := t.conn.List(joinRemote(t.root, dir))
	if err != nil {
		return nil, wrapFTP("list", dir, err)
	}
	records := make([]FileRecord, 0, len(entries))
	for _, entry := range entries {
		if entry.Name == "." || entry.Name == ".." {
			continue
		}
		records = append(records, FileRecord{
			Path:    path.Join(dir, entry.Name),
			Size:    int64(entry.Size),
			ModTime: entry.Time,
			IsDir:   entry.Type == ftp.EntryTypeFolder,
		})
	}
	return records, nil
}

// Stat lists the parent directory and picks out the entry. Plain FTP has no
// portable stat command, and MLST support is spotty across servers.
func (t *FTPTransport) Stat(p string) (FileRecord, error) {
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if p == "" {
		return FileRecord{Path: "", IsDir: true}, nil
	}
	parent := path.Dir(p)
	if parent == "." {
		parent = ""
	}
	entries, err := t.List(parent)
	if err != nil {
		return FileRecord{}, err
	}
	for _, entry := range entries {
		if entry.Path == p {
			return entry, nil
		}
	}
	return FileRecord{}, &Error{Kind: KindNotFound, Op: "stat", Path: p, Err: os.ErrNotExist}
}

func (t *FTPTransport) Download(p, localPath string) error {
	resp, err := t.conn.Retr(joinRemote(t.root, p))
	if err != nil {
		return wrapFTP("download", p, err)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		resp.Close()
		return &Error{Kind: KindIOFailure, Op: "download", Path: p, Err: err}
	}

	tmp := filepath.Join(filepath.Dir(localPath), tempSibling(filepath.Base(localPath)))
	localFile, err := os.Create(tmp)
	if err != nil {
		resp.Close()
		return &Error{Kind: KindIOFailure, Op: "download", Path: p, Err: err}
	}

	_, copyErr := io.Copy(localFile, resp)
	closeErr := resp.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if err := localFile.Close(); copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		os.Remove(tmp)
		return wrapFTP("download", p, copyErr)
	}

	// Best effort: stamp the remote modification time on the local copy.
	if mtime, err := t.conn.GetTime(joinRemote(t.root, p)); err == nil && !mtime.IsZero() {
		os.Chtimes(tmp, mtime, mtime)
	}

	if err := os.Rename(tmp, localPath); err != nil {
		os.Remove(tmp)
		return &Error{Kind: KindIOFailure, Op: "download", Path: p, Err: err}
	}
	return nil
}

func (t *FTPTransport) Upload(localPath, p string) error {
	localFile, err := os.Open(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Error{Kind: KindNotFound, Op: "upload", Path: p, Err: err}
		}
		return &Error{Kind: KindIOFailure, Op: "upload", Path: p, Err: err}
	}
	defer localFile.Close()

	full := joinRemote(t.root, p)
	tmp := tempSibling(full)
	if err := t.conn.Stor(tmp, localFile); err != nil {
		t.conn.Delete(tmp)
		return wrapFTP("upload", p, err)
	}

	// FTP rename refuses to clobber on many servers, so remove the target
	// first. This is the documented weaker non-atomic fallback.
	t.conn.Delete(full)
	if err := t.conn.Rename(tmp, full); err != nil {
		t.conn.Delete(tmp)
		return wrapFTP("upload", p, err)
	}
	return nil
}

func (t *FTPTransport) Delete(p string) error {
	full := joinRemote(t.root, p)
	deleErr := t.conn.Delete(full)
	if deleErr == nil {
		return nil
	}
	rec, statErr := t.Stat(p)
	if statErr != nil {
		// Already classified; NotFound here keeps deletes idempotent.
		return statErr
	}
	if !rec.IsDir {
		return wrapFTP("delete", p, deleErr)
	}
	if err := t.conn.RemoveDirRecur(full); err != nil {
		return wrapFTP("delete", p, err)
	}
	return nil
}

// MakeDir creates each missing path segment in turn. FTP has no MKD -p, and
// MKD on an existing directory fails, so per-segment errors are ignored and
// the final segment is verified instead.
func (t *FTPTransport) MakeDir(p string) error {
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if p == "" {
		return nil
	}
	segments := strings.Split(p, "/")
	cur := ""
	for _, seg := range segments {
		cur = path.Join(cur, seg)
		t.conn.MakeDir(joinRemote(t.root, cur))
	}
	rec, err := t.Stat(p)
	return mkdirVerify(p, rec, err)
}

// mkdirVerify interprets the stat that follows the MKD walk. Errors from
// Stat already carry their classification and must pass through unchanged
// (a connection loss here has to reach the session manager as such), except
// NotFound, which means the directory was never created.
func mkdirVerify(p string, rec FileRecord, err error) error {
	if err != nil {
		if IsNotFound(err) {
			return &Error{Kind: KindIOFailure, Op: "mkdir", Path: p, Err: err}
		}
		return err
	}
	if !rec.IsDir {
		return &Error{Kind: KindIOFailure, Op: "mkdir", Path: p, Err: fmt.Errorf("%s exists and is not a directory", p)}
	}
	return nil
}

func (t *FTPTransport) Rename(oldp, newp string) error {
	t.conn.Delete(joinRemote(t.root, newp))
	if err := t.conn.Rename(joinRemote(t.root, oldp), joinRemote(t.root, newp)); err != nil {
		return wrapFTP("rename", oldp, err)
	}
	return nil
}

func (t *FTPTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	// Quit can hang on a dead connection; bound it.
	done := make(chan error, 1)
	go func() { done <- t.conn.Quit() }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		return nil
	}
}
