package sync

import (
	"sync"

	"github.com/dfirvault/sftpmonitor/internal/transport"
)

// Snapshot is the last-known state of the remote tree, keyed by
// root-relative path. Remote servers offer no change notifications, so the
// poller diffs fresh listings against this cache to synthesize events.
//
// The cache is the only state shared between the detector and the engine;
// a single mutex guards it, and Diff replaces the contents atomically so a
// reader never observes a half-updated cache.
type Snapshot struct {
	mu      sync.RWMutex
	entries map[string]transport.FileRecord
}

func NewSnapshot() *Snapshot {
	return &Snapshot{entries: make(map[string]transport.FileRecord)}
}

// Diff compares a fresh listing against the cached one and returns the
// synthesized remote events, then replaces the cache with the listing.
// A path whose size and mtime both changed is reported once, as Modified.
func (s *Snapshot) Diff(current []transport.FileRecord) []ChangeEvent {
	next := make(map[string]transport.FileRecord, len(current))
	for _, rec := range current {
		next[rec.Path] = rec
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var events []ChangeEvent
	for p, rec := range next {
		prev, ok := s.entries[p]
		switch {
		case !ok:
			events = append(events, ChangeEvent{Path: p, Kind: KindCreated, Origin: OriginRemote})
		case rec.IsDir != prev.IsDir:
			events = append(events, ChangeEvent{Path: p, Kind: KindModified, Origin: OriginRemote})
		case !rec.IsDir && (rec.Size != prev.Size || !rec.ModTime.Equal(prev.ModTime)):
			events = append(events, ChangeEvent{Path: p, Kind: KindModified, Origin: OriginRemote})
		}
	}
	for p := range s.entries {
		if _, ok := next[p]; !ok {
			events = append(events, ChangeEvent{Path: p, Kind: KindDeleted, Origin: OriginRemote})
		}
	}

	s.entries = next
	return events
}

// Replace swaps in a full listing without producing events. Used to seed
// the cache from the initial reconciliation pass.
func (s *Snapshot) Replace(current []transport.FileRecord) {
	next := make(map[string]transport.FileRecord, len(current))
	for _, rec := range current {
		next[rec.Path] = rec
	}
	s.mu.Lock()
	s.entries = next
	s.mu.Unlock()
}

// Record stores one entry after a confirmed remote-affecting operation, so
// the next poll does not re-detect the engine's own write.
func (s *Snapshot) Record(rec transport.FileRecord) {
	s.mu.Lock()
	s.entries[rec.Path] = rec
	s.mu.Unlock()
}

// Forget drops one entry after a confirmed remote deletion.
func (s *Snapshot) Forget(path string) {
	s.mu.Lock()
	delete(s.entries, path)
	s.mu.Unlock()
}

// Get returns the cached record for a path.
func (s *Snapshot) Get(path string) (transport.FileRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.entries[path]
	return rec, ok
}

// Len returns the number of cached entries.
func (s *Snapshot) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
