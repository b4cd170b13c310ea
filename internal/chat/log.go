package chat

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrDuplicateTimestamp is returned by Append when the timestamp is
	// already taken. First write wins; the log never overwrites silently.
	ErrDuplicateTimestamp = errors.New("chat: timestamp already exists")

	// ErrNotFound is returned when an edit or delete targets a timestamp
	// that has no message.
	ErrNotFound = errors.New("chat: message not found")

	// ErrForbidden is returned when the mutating identity does not match
	// the message's original author.
	ErrForbidden = errors.New("chat: not the message author")
)

// Log is the in-memory message log for one channel. All mutations are
// serialized behind a single mutex; reads take a snapshot. Out-of-order
// arrival across authors is tolerated — ordering is re-derived from
// timestamps on every snapshot.
type Log struct {
	mu       sync.RWMutex
	messages map[int64]*Message
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{messages: make(map[int64]*Message)}
}

// Append inserts a message under its timestamp. It fails with
// ErrDuplicateTimestamp if the slot is taken, leaving the log unchanged.
func (l *Log) Append(msg Message) (Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.messages[msg.Timestamp]; exists {
		return Message{}, ErrDuplicateTimestamp
	}
	stored := msg
	l.messages[msg.Timestamp] = &stored
	return stored, nil
}

// Edit replaces the content of the message at ts wholesale and marks it
// edited. The author check happens here, against the stored author, never
// against anything the caller claims beyond its own identity.
func (l *Log) Edit(ts int64, author string, newContent string) (Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg, ok := l.messages[ts]
	if !ok {
		return Message{}, ErrNotFound
	}
	if msg.Author.Username != author {
		return Message{}, ErrForbidden
	}

	msg.Content = newContent
	msg.Edited = true
	return *msg, nil
}

// Delete removes the message at ts entirely. Same authorization rule as Edit.
func (l *Log) Delete(ts int64, author string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg, ok := l.messages[ts]
	if !ok {
		return ErrNotFound
	}
	if msg.Author.Username != author {
		return ErrForbidden
	}

	delete(l.messages, ts)
	return nil
}

// Get returns the message at ts, or ErrNotFound.
func (l *Log) Get(ts int64) (Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	msg, ok := l.messages[ts]
	if !ok {
		return Message{}, ErrNotFound
	}
	return *msg, nil
}

// Snapshot returns all current messages ordered by timestamp ascending.
// Each call produces a fresh copy; repeated calls may observe newer state.
func (l *Log) Snapshot() []Message {
	l.mu.RLock()
	out := make([]Message, 0, len(l.messages))
	for _, msg := range l.messages {
		out = append(out, *msg)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// Len returns the current number of messages.
func (l *Log) Len() int {
	l.mu.RLock()
	n := len(l.messages)
	l.mu.RUnlock()
	return n
}
