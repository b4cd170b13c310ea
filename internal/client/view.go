package client

import (
	"sort"
	"sync"
	"time"

	"github.com/studentcorner/corner-chat/internal/chat"
	"github.com/studentcorner/corner-chat/internal/presence"
)

// View is the client's local copy of the message log and typing state. It
// only ever changes by applying server frames (or a bootstrap seed), which
// keeps the rendered order identical to the server's append order. All
// apply operations are idempotent by timestamp, so a reconnect that
// re-runs bootstrap and replays frames cannot duplicate history.
type View struct {
	mu       sync.Mutex
	messages map[int64]chat.Message
	typing   map[string]time.Time
	window   time.Duration
}

// NewView returns an empty view with the standard typing liveness window.
func NewView() *View {
	return &View{
		messages: make(map[int64]chat.Message),
		typing:   make(map[string]time.Time),
		window:   presence.DefaultWindow,
	}
}

// Reset drops all local state, ahead of a fresh bootstrap.
func (v *View) Reset() {
	v.mu.Lock()
	v.messages = make(map[int64]chat.Message)
	v.typing = make(map[string]time.Time)
	v.mu.Unlock()
}

// Seed loads the bootstrap history. Later frames for the same timestamps
// are no-ops.
func (v *View) Seed(msgs []chat.Message) {
	v.mu.Lock()
	for _, msg := range msgs {
		if _, ok := v.messages[msg.Timestamp]; !ok {
			v.messages[msg.Timestamp] = msg
		}
	}
	v.mu.Unlock()
}

// ApplyCreated adds a message unless it is already present. Returns true
// if the view changed.
func (v *View) ApplyCreated(msg chat.Message) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.messages[msg.Timestamp]; ok {
		return false
	}
	v.messages[msg.Timestamp] = msg
	return true
}

// ApplyEdited replaces the content of the matching message and marks it
// edited. A frame for an unknown timestamp is a no-op.
func (v *View) ApplyEdited(ts int64, content string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	msg, ok := v.messages[ts]
	if !ok {
		return false
	}
	msg.Content = content
	msg.Edited = true
	v.messages[ts] = msg
	return true
}

// ApplyDeleted removes the matching message. A frame for an unknown
// timestamp is a no-op.
func (v *View) ApplyDeleted(ts int64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.messages[ts]; !ok {
		return false
	}
	delete(v.messages, ts)
	return true
}

// MarkTyping records a typing notice for a participant.
func (v *View) MarkTyping(username string, now time.Time) {
	v.mu.Lock()
	v.typing[username] = now
	v.mu.Unlock()
}

// Typing returns the participants whose typing signal is still within the
// liveness window, sorted.
func (v *View) Typing(now time.Time) []string {
	v.mu.Lock()
	out := make([]string, 0, len(v.typing))
	for username, seen := range v.typing {
		if now.Sub(seen) <= v.window {
			out = append(out, username)
		}
	}
	v.mu.Unlock()

	sort.Strings(out)
	return out
}

// ExpireTyping removes stale typing entries.
func (v *View) ExpireTyping(now time.Time) {
	v.mu.Lock()
	for username, seen := range v.typing {
		if now.Sub(seen) > v.window {
			delete(v.typing, username)
		}
	}
	v.mu.Unlock()
}

// Messages returns the reconciled log ordered by timestamp ascending.
func (v *View) Messages() []chat.Message {
	v.mu.Lock()
	out := make([]chat.Message, 0, len(v.messages))
	for _, msg := range v.messages {
		out = append(out, msg)
	}
	v.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// Len returns the number of messages in the view.
func (v *View) Len() int {
	v.mu.Lock()
	n := len(v.messages)
	v.mu.Unlock()
	return n
}
