package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/studentcorner/corner-chat/internal/chat"
)

// ErrQueueFull is returned by Enqueue when the connection's outbound queue
// has no room. The hub treats this as a slow consumer and drops the
// connection rather than backpressuring the broadcast.
var ErrQueueFull = errors.New("ws: outbound queue full")

// Connection is one live duplex session, bound to exactly one participant.
// Outbound frames go through a bounded queue drained by a single writer
// goroutine, which gives each connection FIFO delivery without letting a
// slow reader block the broadcaster.
type Connection struct {
	ID        string           // session ID (UUID)
	User      chat.Participant // identity bound at upgrade time
	Conn      net.Conn         // underlying TCP connection
	Fd        int              // file descriptor for poller lookups
	CreatedAt time.Time

	lastActive int64 // unix nanos of the last client activity, atomic

	send       chan []byte
	closed     chan struct{}
	closeOnce  sync.Once
	writeMu    sync.Mutex // serializes data and control frames on the wire
	processing int32      // atomic flag: 0 = idle, 1 = being read
}

func newConnection(id string, user chat.Participant, conn net.Conn, fd int, queueSize int) *Connection {
	now := time.Now()
	return &Connection{
		ID:         id,
		User:       user,
		Conn:       conn,
		Fd:         fd,
		CreatedAt:  now,
		lastActive: now.UnixNano(),
		send:       make(chan []byte, queueSize),
		closed:     make(chan struct{}),
	}
}

// Touch records client activity now. Read workers call it on every frame;
// the heartbeat goroutine reads it concurrently, hence the atomic.
func (c *Connection) Touch() {
	atomic.StoreInt64(&c.lastActive, time.Now().UnixNano())
}

// LastActive returns the instant of the last observed client activity.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActive))
}

// Enqueue places a frame on the outbound queue without blocking. It fails
// with ErrQueueFull when the queue is at capacity and net.ErrClosed when
// the connection has been closed.
func (c *Connection) Enqueue(data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

// writeFrame writes a single text frame to the wire. The mutex keeps data
// frames from interleaving with heartbeat pings.
func (c *Connection) writeFrame(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection and wakes the writer
// goroutine. Safe to call multiple times.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.Conn.Close()
	})
	return err
}
