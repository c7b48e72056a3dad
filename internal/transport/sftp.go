package transport

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/dfirvault/sftpmonitor/internal/config"
)

// SFTPTransport drives one SFTP subsystem over a dedicated SSH connection.
// It is not safe for concurrent use; the session manager serializes callers.
type SFTPTransport struct {
	ssh    *ssh.Client
	client *sftp.Client
	root   string
}

// DialSFTP opens an SSH connection, authenticates with the configured
// password or private key, and starts the SFTP subsystem.
func DialSFTP(cfg *config.Config) (*SFTPTransport, error) {
	sshConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		HostKeyCallback: hostKeyCallback(),
		Timeout:         cfg.DialTimeout,
	}

	if cfg.KeyFile != "" {
		keyFile, err := config.ExpandHome(cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		key, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %v", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %v", err)
		}
		sshConfig.Auth = append(sshConfig.Auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		sshConfig.Auth = append(sshConfig.Auth, ssh.Password(cfg.Password))
	}

	sshClient, err := ssh.Dial("tcp", cfg.Addr(), sshConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %v", cfg.Addr(), err)
	}

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("failed to start sftp subsystem: %v", err)
	}

	root := cfg.RemoteRoot
	if root != "/" {
		// Resolve ~ against the remote home (Getwd returns it for SFTP).
		if root == "~" || root == "~/" {
			if home, err := client.Getwd(); err == nil {
				root = home
			}
		} else if len(root) > 1 && root[:2] == "~/" {
			if home, err := client.Getwd(); err == nil {
				root = home + root[1:]
			}
		}
	}

	return &SFTPTransport{ssh: sshClient, client: client, root: root}, nil
}

func (t *SFTPTransport) List(dir string) ([]FileRecord, error) {
	full := joinRemote(t.root, dir)
	entries, err := t.client.ReadDir(full)
	if err != nil {
		return nil, wrapSFTP("list", dir, err)
	}
	records := make([]FileRecord, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if name == "." || name == ".." {
			continue
		}
		records = append(records, FileRecord{
			Path:    path.Join(dir, name),
			Size:    entry.Size(),
			ModTime: entry.ModTime(),
			IsDir:   entry.IsDir(),
		})
	}
	return records, nil
}

func (t *SFTPTransport) Stat(p string) (FileRecord, error) {
	info, err := t.client.Stat(joinRemote(t.root, p))
	if err != nil {
		return FileRecord{}, wrapSFTP("stat", p, err)
	}
	return FileRecord{Path: p, Size: info.Size(), ModTime: info.ModTime(), IsDir: info.IsDir()}, nil
}

func (t *SFTPTransport) Download(p, localPath string) error {
	full := joinRemote(t.root, p)

	remoteFile, err := t.client.Open(full)
	if err != nil {
		return wrapSFTP("download", p, err)
	}
	defer remoteFile.Close()

	info, err := remoteFile.Stat()
	if err != nil {
		return wrapSFTP("download", p, err)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return &Error{Kind: KindIOFailure, Op: "download", Path: p, Err: err}
	}

	tmp := filepath.Join(filepath.Dir(localPath), tempSibling(filepath.Base(localPath)))
	localFile, err := os.Create(tmp)
	if err != nil {
		return &Error{Kind: KindIOFailure, Op: "download", Path: p, Err: err}
	}

	if _, err := io.Copy(localFile, remoteFile); err != nil {
		localFile.Close()
		os.Remove(tmp)
		return wrapSFTP("download", p, err)
	}
	if err := localFile.Close(); err != nil {
		os.Remove(tmp)
		return &Error{Kind: KindIOFailure, Op: "download", Path: p, Err: err}
	}

	// Carry the remote mtime so a restart's reconciliation pass does not
	// re-transfer files that are already in sync.
	os.Chtimes(tmp, info.ModTime(), info.ModTime())

	if err := os.Rename(tmp, localPath); err != nil {
		os.Remove(tmp)
		return &Error{Kind: KindIOFailure, Op: "download", Path: p, Err: err}
	}
	return nil
}

func (t *SFTPTransport) Upload(localPath, p string) error {
	full := joinRemote(t.root, p)

	localFile, err := os.Open(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Error{Kind: KindNotFound, Op: "upload", Path: p, Err: err}
		}
		return &Error{Kind: KindIOFailure, Op: "upload", Path: p, Err: err}
	}
	defer localFile.Close()

	tmp := tempSibling(full)
	remoteFile, err := t.client.Create(tmp)
	if err != nil {
		return wrapSFTP("upload", p, err)
	}

	if _, err := io.Copy(remoteFile, localFile); err != nil {
		remoteFile.Close()
		t.client.Remove(tmp)
		return wrapSFTP("upload", p, err)
	}
	if err := remoteFile.Close(); err != nil {
		t.client.Remove(tmp)
		return wrapSFTP("upload", p, err)
	}

	if err := t.rename(tmp, full); err != nil {
		t.client.Remove(tmp)
		return wrapSFTP("upload", p, err)
	}
	return nil
}

// rename replaces dst with src. POSIX rename overwrites atomically; servers
// without the extension fall back to remove-then-rename.
func (t *SFTPTransport) rename(src, dst string) error {
	if err := t.client.PosixRename(src, dst); err == nil {
		return nil
	}
	t.client.Remove(dst)
	return t.client.Rename(src, dst)
}

func (t *SFTPTransport) Delete(p string) error {
	full := joinRemote(t.root, p)
	info, err := t.client.Stat(full)
	if err != nil {
		return wrapSFTP("delete", p, err)
	}
	if !info.IsDir() {
		if err := t.client.Remove(full); err != nil {
			return wrapSFTP("delete", p, err)
		}
		return nil
	}
	if err := t.removeDirRecursive(full); err != nil {
		return wrapSFTP("delete", p, err)
	}
	return nil
}

// removeDirRecursive deletes a directory tree bottom-up, files first.
func (t *SFTPTransport) removeDirRecursive(full string) error {
	walker := t.client.Walk(full)
	var files []string
	var dirs []string
	for walker.Step() {
		if err := walker.Err(); err != nil {
			continue
		}
		p := walker.Path()
		if p == full {
			continue
		}
		if walker.Stat().IsDir() {
			dirs = append([]string{p}, dirs...)
		} else {
			files = append(files, p)
		}
	}
	for _, f := range files {
		if err := t.client.Remove(f); err != nil {
			return err
		}
	}
	for _, d := range dirs {
		if err := t.client.RemoveDirectory(d); err != nil {
			return err
		}
	}
	return t.client.RemoveDirectory(full)
}

func (t *SFTPTransport) MakeDir(p string) error {
	if err := t.client.MkdirAll(joinRemote(t.root, p)); err != nil {
		return wrapSFTP("mkdir", p, err)
	}
	return nil
}

func (t *SFTPTransport) Rename(oldp, newp string) error {
	if err := t.rename(joinRemote(t.root, oldp), joinRemote(t.root, newp)); err != nil {
		return wrapSFTP("rename", oldp, err)
	}
	return nil
}

func (t *SFTPTransport) Close() error {
	if t.client != nil {
		t.client.Close()
	}
	if t.ssh != nil {
		return t.ssh.Close()
	}
	return nil
}
