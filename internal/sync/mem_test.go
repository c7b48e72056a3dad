package sync

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	gosync "sync"
	"time"

	"github.com/dfirvault/sftpmonitor/internal/transport"
)

// memTransport is an in-memory remote tree for engine and reconcile tests.
type memTransport struct {
	mu    gosync.Mutex
	files map[string][]byte
	times map[string]time.Time
	dirs  map[string]bool
}

func newMemTransport() *memTransport {
	return &memTransport{
		files: make(map[string][]byte),
		times: make(map[string]time.Time),
		dirs:  make(map[string]bool),
	}
}

func (m *memTransport) put(p string, content string, mtime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[p] = []byte(content)
	m.times[p] = mtime
	for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
		m.dirs[dir] = true
	}
}

func (m *memTransport) content(p string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[p]
	return string(b), ok
}

func (m *memTransport) hasDir(p string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirs[p]
}

func parentOf(p string) string {
	dir := path.Dir(p)
	if dir == "." {
		return ""
	}
	return dir
}

func (m *memTransport) List(dir string) ([]transport.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []transport.FileRecord
	for p, b := range m.files {
		if parentOf(p) == dir {
			out = append(out, transport.FileRecord{Path: p, Size: int64(len(b)), ModTime: m.times[p]})
		}
	}
	for p := range m.dirs {
		if parentOf(p) == dir {
			out = append(out, transport.FileRecord{Path: p, IsDir: true})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *memTransport) Stat(p string) (transport.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.files[p]; ok {
		return transport.FileRecord{Path: p, Size: int64(len(b)), ModTime: m.times[p]}, nil
	}
	if m.dirs[p] {
		return transport.FileRecord{Path: p, IsDir: true}, nil
	}
	return transport.FileRecord{}, &transport.Error{Kind: transport.KindNotFound, Op: "stat", Path: p, Err: os.ErrNotExist}
}

func (m *memTransport) Download(p, localPath string) error {
	m.mu.Lock()
	b, ok := m.files[p]
	mtime := m.times[p]
	m.mu.Unlock()
	if !ok {
		return &transport.Error{Kind: transport.KindNotFound, Op: "download", Path: p, Err: os.ErrNotExist}
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(localPath, b, 0644); err != nil {
		return err
	}
	return os.Chtimes(localPath, mtime, mtime)
}

func (m *memTransport) Upload(localPath, p string) error {
	b, err := os.ReadFile(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &transport.Error{Kind: transport.KindNotFound, Op: "upload", Path: p, Err: err}
		}
		return &transport.Error{Kind: transport.KindIOFailure, Op: "upload", Path: p, Err: err}
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return &transport.Error{Kind: transport.KindIOFailure, Op: "upload", Path: p, Err: err}
	}
	m.mu.Lock()
	m.files[p] = b
	m.times[p] = info.ModTime()
	m.mu.Unlock()
	return nil
}

func (m *memTransport) Delete(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[p]; ok {
		delete(m.files, p)
		delete(m.times, p)
		return nil
	}
	if m.dirs[p] {
		delete(m.dirs, p)
		for child := range m.files {
			if strings.HasPrefix(child, p+"/") {
				delete(m.files, child)
				delete(m.times, child)
			}
		}
		for child := range m.dirs {
			if strings.HasPrefix(child, p+"/") {
				delete(m.dirs, child)
			}
		}
		return nil
	}
	return &transport.Error{Kind: transport.KindNotFound, Op: "delete", Path: p, Err: os.ErrNotExist}
}

func (m *memTransport) MakeDir(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for dir := p; dir != "." && dir != "/" && dir != ""; dir = parentOf(dir) {
		m.dirs[dir] = true
	}
	return nil
}

func (m *memTransport) Rename(oldp, newp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[oldp]
	if !ok {
		return &transport.Error{Kind: transport.KindNotFound, Op: "rename", Path: oldp, Err: os.ErrNotExist}
	}
	m.files[newp] = b
	m.times[newp] = m.times[oldp]
	delete(m.files, oldp)
	delete(m.times, oldp)
	return nil
}

func (m *memTransport) Close() error { return nil }

// fakeRunner stands in for the session manager. Queued errors are returned
// before the op runs, simulating transport failures; an optional gate lets a
// test hold an op in flight.
type fakeRunner struct {
	tr      transport.Transport
	mu      gosync.Mutex
	errs    []error
	calls   int
	enter   chan struct{}
	release chan struct{}
}

func (f *fakeRunner) Do(ctx context.Context, op func(transport.Transport) error) error {
	f.mu.Lock()
	f.calls++
	var queued error
	if len(f.errs) > 0 {
		queued = f.errs[0]
		f.errs = f.errs[1:]
	}
	f.mu.Unlock()

	if f.enter != nil {
		f.enter <- struct{}{}
		<-f.release
	}
	if queued != nil {
		return queued
	}
	return op(f.tr)
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
