package transcript

import (
	"fmt"
	"sync"
	"testing"
)

func TestLog_AppendOrder(t *testing.T) {
	t.Parallel()

	l := New()
	l.Append(RoleQuery, "hello")
	l.Append(RoleResponse, "hi\nthere")
	l.Append(RoleError, `{"error":"oops"}`)

	entries := l.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	wantRoles := []Role{RoleQuery, RoleResponse, RoleError}
	for i, e := range entries {
		if e.Role != wantRoles[i] {
			t.Errorf("entry %d: role = %q, want %q", i, e.Role, wantRoles[i])
		}
		if i > 0 && e.Seq <= entries[i-1].Seq {
			t.Errorf("entry %d: seq %d not greater than previous %d", i, e.Seq, entries[i-1].Seq)
		}
	}

	if entries[1].Text != "hi\nthere" {
		t.Errorf("response text = %q, want newline preserved", entries[1].Text)
	}
}

func TestLog_RemovePendingExactlyOnce(t *testing.T) {
	t.Parallel()

	l := New()
	l.Append(RoleQuery, "q")
	ph := l.AppendPending("Loading...")

	if !l.Remove(ph.Seq) {
		t.Fatal("first Remove should succeed")
	}
	if l.Remove(ph.Seq) {
		t.Error("second Remove should report false")
	}

	for _, e := range l.Entries() {
		if e.Role == RolePending {
			t.Error("pending entry still present after removal")
		}
	}
}

func TestLog_RemoveNonPendingRefused(t *testing.T) {
	t.Parallel()

	l := New()
	q := l.Append(RoleQuery, "q")

	if l.Remove(q.Seq) {
		t.Error("query entries must not be removable")
	}
	if len(l.Entries()) != 1 {
		t.Error("query entry was removed")
	}
}

func TestLog_SubscribeReceivesMutationsInOrder(t *testing.T) {
	t.Parallel()

	l := New()
	events, cancel := l.Subscribe(16)
	defer cancel()

	q := l.Append(RoleQuery, "hello")
	ph := l.AppendPending("Loading...")
	l.Remove(ph.Seq)
	l.Append(RoleResponse, "hi")

	want := []struct {
		kind EventKind
		role Role
	}{
		{EventAdded, RoleQuery},
		{EventAdded, RolePending},
		{EventRemoved, RolePending},
		{EventAdded, RoleResponse},
	}

	for i, w := range want {
		ev := <-events
		if ev.Kind != w.kind || ev.Entry.Role != w.role {
			t.Fatalf("event %d = %s/%s, want %s/%s", i, ev.Kind, ev.Entry.Role, w.kind, w.role)
		}
	}
	if q.Seq == 0 {
		t.Error("Append returned zero sequence")
	}
}

func TestLog_SubscribeCancelClosesChannel(t *testing.T) {
	t.Parallel()

	l := New()
	events, cancel := l.Subscribe(1)
	cancel()

	if _, ok := <-events; ok {
		t.Error("expected channel to be closed after cancel")
	}

	// Appending after cancel must not panic.
	l.Append(RoleQuery, "still fine")
}

func TestLog_ConcurrentAppends(t *testing.T) {
	t.Parallel()

	l := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			l.Append(RoleQuery, fmt.Sprintf("q%d", n))
		}(i)
	}
	wg.Wait()

	entries := l.Entries()
	if len(entries) != 20 {
		t.Fatalf("expected 20 entries, got %d", len(entries))
	}
	seen := make(map[int64]bool, len(entries))
	for _, e := range entries {
		if seen[e.Seq] {
			t.Fatalf("duplicate sequence %d", e.Seq)
		}
		seen[e.Seq] = true
	}
}
