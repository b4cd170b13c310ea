package chat

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/studentcorner/corner-chat/internal/presence"
)

// HistoryStore is the durable append/edit/delete collaborator behind the
// live log. The channel writes through to it after the in-memory log has
// accepted a mutation; a write-through failure is logged, never surfaced
// to participants, because the live view is already consistent.
type HistoryStore interface {
	Append(ctx context.Context, msg Message) error
	UpdateContent(ctx context.Context, ts int64, content string, edited bool) error
	Delete(ctx context.Context, ts int64) error
}

// Channel is the aggregate for one chat room: the message log, the typing
// tracker, and server-side timestamp assignment. Exactly one instance
// exists per room.
type Channel struct {
	log     *Log
	typing  *presence.Tracker
	history HistoryStore // may be nil when running without durable storage
	limits  Limits

	tsMu   sync.Mutex // guards lastTS
	lastTS int64

	done chan struct{}
}

// NewChannel creates a channel with an empty log and the default content
// limits. history may be nil.
func NewChannel(history HistoryStore) *Channel {
	return NewChannelWithLimits(history, DefaultLimits())
}

// NewChannelWithLimits creates a channel that enforces the given content
// limits on creates and edits.
func NewChannelWithLimits(history HistoryStore, limits Limits) *Channel {
	return &Channel{
		log:     NewLog(),
		typing:  presence.NewTracker(presence.DefaultWindow),
		history: history,
		limits:  limits,
		done:    make(chan struct{}),
	}
}

// Seed loads previously stored messages into the log, typically once at
// startup from the durable store. Entries with duplicate timestamps are
// skipped (first write wins).
func (c *Channel) Seed(msgs []Message) {
	c.tsMu.Lock()
	defer c.tsMu.Unlock()

	for _, msg := range msgs {
		if _, err := c.log.Append(msg); err != nil {
			log.Printf("chat: seed skipped ts=%d: %v", msg.Timestamp, err)
		}
		if msg.Timestamp > c.lastTS {
			c.lastTS = msg.Timestamp
		}
	}
}

// assignTimestamp returns the current unix-millisecond clock, bumped past
// the previously assigned value when the clock has not advanced. Within one
// server instance this makes timestamp collisions impossible at any send
// rate; the log's duplicate check remains as a backstop.
func (c *Channel) assignTimestamp() int64 {
	c.tsMu.Lock()
	defer c.tsMu.Unlock()

	ts := time.Now().UnixMilli()
	if ts <= c.lastTS {
		ts = c.lastTS + 1
	}
	c.lastTS = ts
	return ts
}

// Publish validates, timestamps, and appends a new message from author.
// On ErrDuplicateTimestamp the create is dropped: the caller logs it and
// does not broadcast (a harmless duplicate send, not data loss).
func (c *Channel) Publish(ctx context.Context, author Participant, content string) (Message, error) {
	if err := c.limits.Validate(content); err != nil {
		return Message{}, err
	}

	msg := Message{
		Timestamp: c.assignTimestamp(),
		Author:    author,
		Content:   content,
	}

	stored, err := c.log.Append(msg)
	if err != nil {
		return Message{}, err
	}

	if c.history != nil {
		if err := c.history.Append(ctx, stored); err != nil {
			log.Printf("chat: history append ts=%d failed: %v", stored.Timestamp, err)
		}
	}
	return stored, nil
}

// Edit replaces the content of the message at ts on behalf of author.
// Authorization happens at the log; a failed edit changes nothing and
// must not be broadcast.
func (c *Channel) Edit(ctx context.Context, ts int64, author string, newContent string) (Message, error) {
	if err := c.limits.Validate(newContent); err != nil {
		return Message{}, err
	}

	msg, err := c.log.Edit(ts, author, newContent)
	if err != nil {
		return Message{}, err
	}

	if c.history != nil {
		if err := c.history.UpdateContent(ctx, ts, msg.Content, msg.Edited); err != nil {
			log.Printf("chat: history edit ts=%d failed: %v", ts, err)
		}
	}
	return msg, nil
}

// Delete removes the message at ts on behalf of author.
func (c *Channel) Delete(ctx context.Context, ts int64, author string) error {
	if err := c.log.Delete(ts, author); err != nil {
		return err
	}

	if c.history != nil {
		if err := c.history.Delete(ctx, ts); err != nil {
			log.Printf("chat: history delete ts=%d failed: %v", ts, err)
		}
	}
	return nil
}

// Snapshot returns the current messages in timestamp order.
func (c *Channel) Snapshot() []Message {
	return c.log.Snapshot()
}

// MarkTyping refreshes the typing signal for a participant. Fan-out of the
// typing notification is the hub's job; the channel only records the instant.
func (c *Channel) MarkTyping(username string) {
	c.typing.Mark(username, time.Now())
}

// TypingNow returns the participants whose typing signal is still live.
func (c *Channel) TypingNow() []string {
	return c.typing.Live(time.Now())
}

// StartSweep runs the typing sweeper on the given cadence until Close.
// The sweep runs independently of message traffic so stale entries expire
// even when the channel goes quiet.
func (c *Channel) StartSweep(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				c.typing.Sweep(time.Now())
			}
		}
	}()
}

// Close stops the sweeper. The channel remains readable afterwards.
func (c *Channel) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}
