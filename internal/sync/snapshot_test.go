package sync

import (
	"sort"
	"testing"
	"time"

	"github.com/dfirvault/sftpmonitor/internal/transport"
)

func eventKey(ev ChangeEvent) string {
	return ev.Kind.String() + " " + ev.Path
}

func sortedKeys(events []ChangeEvent) []string {
	keys := make([]string, len(events))
	for i, ev := range events {
		keys[i] = eventKey(ev)
	}
	sort.Strings(keys)
	return keys
}

func TestSnapshotDiff(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)

	tests := []struct {
		name   string
		before []transport.FileRecord
		after  []transport.FileRecord
		want   []string
	}{
		{
			name:   "first listing reports everything created",
			before: nil,
			after: []transport.FileRecord{
				{Path: "a.txt", Size: 3, ModTime: t0},
				{Path: "sub", IsDir: true},
			},
			want: []string{"created a.txt", "created sub"},
		},
		{
			name: "no change",
			before: []transport.FileRecord{
				{Path: "a.txt", Size: 3, ModTime: t0},
			},
			after: []transport.FileRecord{
				{Path: "a.txt", Size: 3, ModTime: t0},
			},
			want: nil,
		},
		{
			name: "size change is modified",
			before: []transport.FileRecord{
				{Path: "a.txt", Size: 3, ModTime: t0},
			},
			after: []transport.FileRecord{
				{Path: "a.txt", Size: 9, ModTime: t0},
			},
			want: []string{"modified a.txt"},
		},
		{
			name: "size and mtime change reported once",
			before: []transport.FileRecord{
				{Path: "a.txt", Size: 3, ModTime: t0},
			},
			after: []transport.FileRecord{
				{Path: "a.txt", Size: 9, ModTime: t1},
			},
			want: []string{"modified a.txt"},
		},
		{
			name: "missing path is deleted",
			before: []transport.FileRecord{
				{Path: "a.txt", Size: 3, ModTime: t0},
				{Path: "b.txt", Size: 4, ModTime: t0},
			},
			after: []transport.FileRecord{
				{Path: "a.txt", Size: 3, ModTime: t0},
			},
			want: []string{"deleted b.txt"},
		},
		{
			name: "dir mtime churn ignored",
			before: []transport.FileRecord{
				{Path: "sub", IsDir: true, ModTime: t0},
			},
			after: []transport.FileRecord{
				{Path: "sub", IsDir: true, ModTime: t1},
			},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := NewSnapshot()
			snap.Replace(tt.before)

			events := snap.Diff(tt.after)
			got := sortedKeys(events)
			if len(got) != len(tt.want) {
				t.Fatalf("events = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("event[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
			for _, ev := range events {
				if ev.Origin != OriginRemote {
					t.Errorf("event %v has origin %v, want remote", ev, ev.Origin)
				}
			}
			if snap.Len() != len(tt.after) {
				t.Errorf("cache length after diff = %d, want %d", snap.Len(), len(tt.after))
			}
		})
	}
}

func TestSnapshotRecordPreventsRedetection(t *testing.T) {
	snap := NewSnapshot()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap.Replace([]transport.FileRecord{{Path: "a.txt", Size: 3, ModTime: t0}})

	// The engine uploads a new version and records what it wrote.
	uploaded := transport.FileRecord{Path: "a.txt", Size: 9, ModTime: t0.Add(time.Second)}
	snap.Record(uploaded)

	// The next poll sees exactly that state: no event.
	events := snap.Diff([]transport.FileRecord{uploaded})
	if len(events) != 0 {
		t.Errorf("diff after Record = %v, want none", events)
	}
}

func TestSnapshotForget(t *testing.T) {
	snap := NewSnapshot()
	snap.Replace([]transport.FileRecord{{Path: "a.txt", Size: 3}})
	snap.Forget("a.txt")

	if _, ok := snap.Get("a.txt"); ok {
		t.Error("entry still present after Forget")
	}
	// A poll that no longer lists the path produces no delete event.
	if events := snap.Diff(nil); len(events) != 0 {
		t.Errorf("diff after Forget = %v, want none", events)
	}
}
