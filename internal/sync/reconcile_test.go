package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dfirvault/sftpmonitor/internal/config"
)

func TestReconcileLocalMode(t *testing.T) {
	cfg := engineConfig(t, config.ModeLocal)
	remote := newMemTransport()
	runner := &fakeRunner{tr: remote}
	snap := NewSnapshot()

	old := time.Now().Add(-time.Hour).Truncate(time.Second)
	writeLocal(t, cfg.LocalRoot, "a.txt", "new-a")
	writeLocal(t, cfg.LocalRoot, "sub/b.txt", "bbb")
	samePath := writeLocal(t, cfg.LocalRoot, "same.txt", "12345")
	if err := os.Chtimes(samePath, old, old); err != nil {
		t.Fatal(err)
	}

	remote.put("a.txt", "old", old)          // size differs: re-upload
	remote.put("same.txt", "54321", old)     // same size, not newer: keep
	remote.put("stale/orphan.txt", "x", old) // remote only: delete

	if err := Reconcile(context.Background(), cfg, runner, snap); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if got, _ := remote.content("a.txt"); got != "new-a" {
		t.Errorf("a.txt = %q, want new-a", got)
	}
	if got, _ := remote.content("sub/b.txt"); got != "bbb" {
		t.Errorf("sub/b.txt = %q, want bbb", got)
	}
	if !remote.hasDir("sub") {
		t.Error("sub directory missing on remote")
	}
	if got, _ := remote.content("same.txt"); got != "54321" {
		t.Errorf("same.txt was re-uploaded: %q", got)
	}
	if _, ok := remote.content("stale/orphan.txt"); ok {
		t.Error("remote-only file survived")
	}
	if remote.hasDir("stale") {
		t.Error("remote-only directory survived")
	}

	// Cache must reflect the post-pass remote tree, so the first poll after
	// startup is quiet.
	if _, ok := snap.Get("a.txt"); !ok {
		t.Error("snapshot not seeded with a.txt")
	}
	if _, ok := snap.Get("stale/orphan.txt"); ok {
		t.Error("snapshot still holds the deleted entry")
	}
}

func TestReconcileRemoteMode(t *testing.T) {
	cfg := engineConfig(t, config.ModeRemote)
	remote := newMemTransport()
	runner := &fakeRunner{tr: remote}
	snap := NewSnapshot()

	mtime := time.Now().Truncate(time.Second)
	remote.put("a.txt", "remote-a", mtime)
	remote.put("sub/b.txt", "remote-b", mtime)

	extra := writeLocal(t, cfg.LocalRoot, "extra.txt", "local only")

	if err := Reconcile(context.Background(), cfg, runner, snap); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(cfg.LocalRoot, "a.txt"))
	if err != nil || string(b) != "remote-a" {
		t.Errorf("a.txt = %q, %v; want remote-a", b, err)
	}
	b, err = os.ReadFile(filepath.Join(cfg.LocalRoot, "sub", "b.txt"))
	if err != nil || string(b) != "remote-b" {
		t.Errorf("sub/b.txt = %q, %v; want remote-b", b, err)
	}
	if _, err := os.Stat(extra); !os.IsNotExist(err) {
		t.Errorf("local-only file survived: %v", err)
	}
	if snap.Len() == 0 {
		t.Error("snapshot not seeded")
	}
}

func TestReconcileSkipsLogDirectory(t *testing.T) {
	cfg := engineConfig(t, config.ModeRemote)
	remote := newMemTransport()
	runner := &fakeRunner{tr: remote}

	logFile := writeLocal(t, cfg.LocalRoot, "logs/sync_monitor_1.log", "log line")

	if err := Reconcile(context.Background(), cfg, runner, NewSnapshot()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if _, err := os.Stat(logFile); err != nil {
		t.Errorf("log file was removed by the delete pass: %v", err)
	}
}

func TestListLocalTree(t *testing.T) {
	root := t.TempDir()
	writeLocal(t, root, "a.txt", "abc")
	writeLocal(t, root, "sub/b.txt", "b")
	writeLocal(t, root, ".hidden", "x")
	writeLocal(t, root, "logs/run.log", "l")

	records, err := listLocalTree(root)
	if err != nil {
		t.Fatalf("listLocalTree: %v", err)
	}
	got := map[string]bool{}
	for _, rec := range records {
		got[rec.Path] = true
	}
	for _, want := range []string{"a.txt", "sub", "sub/b.txt"} {
		if !got[want] {
			t.Errorf("missing %s in %v", want, got)
		}
	}
	for _, skip := range []string{".hidden", "logs", "logs/run.log"} {
		if got[skip] {
			t.Errorf("%s should have been excluded", skip)
		}
	}
}
