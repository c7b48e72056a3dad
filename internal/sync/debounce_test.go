package sync

import (
	"testing"
	"time"
)

func collectEvents(t *testing.T, ch <-chan ChangeEvent, wait time.Duration) []ChangeEvent {
	t.Helper()
	var out []ChangeEvent
	deadline := time.After(wait)
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
}

func TestDebouncerCoalescesSamePath(t *testing.T) {
	ch := make(chan ChangeEvent, 16)
	d := newDebouncer(20*time.Millisecond, func(ev ChangeEvent) { ch <- ev })
	defer d.Stop()

	d.Offer(ChangeEvent{Path: "a.txt", Kind: KindCreated, Origin: OriginLocal})
	d.Offer(ChangeEvent{Path: "a.txt", Kind: KindModified, Origin: OriginLocal})
	d.Offer(ChangeEvent{Path: "a.txt", Kind: KindModified, Origin: OriginLocal})

	got := collectEvents(t, ch, 200*time.Millisecond)
	if len(got) != 1 {
		t.Fatalf("emitted %d events, want 1: %v", len(got), got)
	}
	if got[0].Kind != KindModified {
		t.Errorf("emitted kind = %v, want the latest (modified)", got[0].Kind)
	}
}

func TestDebouncerKeepsPathsIndependent(t *testing.T) {
	ch := make(chan ChangeEvent, 16)
	d := newDebouncer(20*time.Millisecond, func(ev ChangeEvent) { ch <- ev })
	defer d.Stop()

	d.Offer(ChangeEvent{Path: "a.txt", Kind: KindCreated, Origin: OriginLocal})
	d.Offer(ChangeEvent{Path: "b.txt", Kind: KindDeleted, Origin: OriginLocal})

	got := collectEvents(t, ch, 200*time.Millisecond)
	if len(got) != 2 {
		t.Fatalf("emitted %d events, want 2: %v", len(got), got)
	}
	seen := map[string]EventKind{}
	for _, ev := range got {
		seen[ev.Path] = ev.Kind
	}
	if seen["a.txt"] != KindCreated || seen["b.txt"] != KindDeleted {
		t.Errorf("unexpected events: %v", got)
	}
}

func TestDebouncerStopDropsPending(t *testing.T) {
	ch := make(chan ChangeEvent, 16)
	d := newDebouncer(20*time.Millisecond, func(ev ChangeEvent) { ch <- ev })

	d.Offer(ChangeEvent{Path: "a.txt", Kind: KindCreated, Origin: OriginLocal})
	d.Stop()
	d.Offer(ChangeEvent{Path: "b.txt", Kind: KindCreated, Origin: OriginLocal})

	if got := collectEvents(t, ch, 60*time.Millisecond); len(got) != 0 {
		t.Errorf("events after Stop = %v, want none", got)
	}
}
