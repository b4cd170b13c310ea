package chat

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func msg(ts int64, author, content string) Message {
	return Message{
		Timestamp: ts,
		Author:    Participant{Username: author},
		Content:   content,
	}
}

func TestAppendAndSnapshot(t *testing.T) {
	l := NewLog()

	// Append out of timestamp order; the snapshot must re-derive order.
	for _, ts := range []int64{30, 10, 20} {
		if _, err := l.Append(msg(ts, "alice", fmt.Sprintf("m-%d", ts))); err != nil {
			t.Fatalf("append ts=%d: %v", ts, err)
		}
	}

	snap := l.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(snap))
	}
	for i, want := range []int64{10, 20, 30} {
		if snap[i].Timestamp != want {
			t.Errorf("index %d: expected ts=%d, got %d", i, want, snap[i].Timestamp)
		}
	}
}

func TestAppendDuplicateTimestamp(t *testing.T) {
	l := NewLog()

	if _, err := l.Append(msg(100, "alice", "first")); err != nil {
		t.Fatalf("append: %v", err)
	}
	_, err := l.Append(msg(100, "bob", "second"))
	if !errors.Is(err, ErrDuplicateTimestamp) {
		t.Fatalf("expected ErrDuplicateTimestamp, got %v", err)
	}

	// First write wins: the original must be untouched.
	got, err := l.Get(100)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Author.Username != "alice" || got.Content != "first" {
		t.Errorf("duplicate append modified the log: %+v", got)
	}
	if l.Len() != 1 {
		t.Errorf("expected 1 message, got %d", l.Len())
	}
}

func TestEditReplacesContentAndMarksEdited(t *testing.T) {
	l := NewLog()
	l.Append(msg(100, "alice", "helo"))

	updated, err := l.Edit(100, "alice", "hello")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if updated.Content != "hello" {
		t.Errorf("expected content 'hello', got %q", updated.Content)
	}
	if !updated.Edited {
		t.Error("expected edited marker to be set")
	}

	// The marker persists across a second edit and in later snapshots.
	updated, err = l.Edit(100, "alice", "hello again")
	if err != nil {
		t.Fatalf("second edit: %v", err)
	}
	if !updated.Edited {
		t.Error("edited marker lost on second edit")
	}
	snap := l.Snapshot()
	if !snap[0].Edited {
		t.Error("edited marker missing from snapshot")
	}
}

func TestEditAuthorization(t *testing.T) {
	l := NewLog()
	l.Append(msg(100, "alice", "mine"))

	_, err := l.Edit(100, "bob", "hijacked")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	// A rejected edit changes nothing.
	got, _ := l.Get(100)
	if got.Content != "mine" || got.Edited {
		t.Errorf("forbidden edit modified the message: %+v", got)
	}
}

func TestEditNotFound(t *testing.T) {
	l := NewLog()

	_, err := l.Edit(999, "alice", "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	l := NewLog()
	l.Append(msg(100, "alice", "bye"))

	if err := l.Delete(100, "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := l.Get(100); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	// Deleting again reports not found, not success.
	if err := l.Delete(100, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestDeleteAuthorization(t *testing.T) {
	l := NewLog()
	l.Append(msg(100, "alice", "keep"))

	if err := l.Delete(100, "bob"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := l.Get(100); err != nil {
		t.Fatalf("forbidden delete removed the message: %v", err)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	l := NewLog()
	l.Append(msg(100, "alice", "original"))

	snap := l.Snapshot()
	snap[0].Content = "tampered"

	got, _ := l.Get(100)
	if got.Content != "original" {
		t.Errorf("snapshot mutation leaked into the log: %q", got.Content)
	}
}

func TestConcurrentAppends(t *testing.T) {
	l := NewLog()
	goroutines := 50
	perGoroutine := 20

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for m := 0; m < perGoroutine; m++ {
				ts := int64(id*perGoroutine + m)
				l.Append(msg(ts, fmt.Sprintf("user-%d", id), "x"))
				_ = l.Snapshot()
			}
		}(g)
	}
	wg.Wait()

	if l.Len() != goroutines*perGoroutine {
		t.Fatalf("expected %d messages, got %d", goroutines*perGoroutine, l.Len())
	}

	snap := l.Snapshot()
	for i := 1; i < len(snap); i++ {
		if snap[i-1].Timestamp >= snap[i].Timestamp {
			t.Fatalf("snapshot out of order at index %d", i)
		}
	}
}
