package ws

import (
	"log"
	"net"
	"sync"
	"time"

	"github.com/studentcorner/corner-chat/internal/metrics"
)

// Hub is the registry of live connections for the channel and the fan-out
// point for events. Register and Unregister are idempotent; a connection
// whose transport dies is removed through the same path as a graceful
// close, so nothing stays registered by accident.
//
// Broadcast enqueues onto every connection's bounded queue under one lock,
// so every connection observes events in the order the hub accepted them
// (per-connection FIFO). No total order across connections is promised
// beyond that.
type Hub struct {
	mu   sync.RWMutex
	byID map[string]*Connection // session_id -> Connection
	byFd map[int]*Connection    // fd -> Connection

	enqueueMu    sync.Mutex // serializes broadcast acceptance order
	writeTimeout time.Duration

	onDrop func(*Connection) // invoked off-lock when a writer fails or stalls
}

// NewHub creates an empty hub. writeTimeout bounds each frame write on the
// wire; a consumer that cannot keep up is dropped, not waited on.
func NewHub(writeTimeout time.Duration) *Hub {
	return &Hub{
		byID:         make(map[string]*Connection),
		byFd:         make(map[int]*Connection),
		writeTimeout: writeTimeout,
	}
}

// SetOnDrop registers the callback used to evict a connection whose writer
// failed or whose queue overflowed. The server points this at its removal
// path so the poller and session state are cleaned up too.
func (h *Hub) SetOnDrop(fn func(*Connection)) {
	h.onDrop = fn
}

// Register adds a connection and starts its writer goroutine. Registering
// the same connection twice is a no-op.
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	if _, ok := h.byID[conn.ID]; ok {
		h.mu.Unlock()
		return
	}
	h.byID[conn.ID] = conn
	h.byFd[conn.Fd] = conn
	h.mu.Unlock()

	metrics.ConnectionsActive.Inc()
	go h.writePump(conn)
}

// Unregister removes a connection and closes its transport. Returns true
// if the connection was present, false if it was already gone.
func (h *Hub) Unregister(conn *Connection) bool {
	h.mu.Lock()
	_, ok := h.byID[conn.ID]
	if ok {
		delete(h.byID, conn.ID)
		delete(h.byFd, conn.Fd)
	}
	h.mu.Unlock()

	if ok {
		conn.Close()
		metrics.ConnectionsActive.Dec()
	}
	return ok
}

// Get returns the connection for the given session ID, or nil.
func (h *Hub) Get(id string) *Connection {
	h.mu.RLock()
	conn := h.byID[id]
	h.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil.
func (h *Hub) GetByFd(fd int) *Connection {
	h.mu.RLock()
	conn := h.byFd[fd]
	h.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping the given net.Conn by fd
// lookup, or nil.
func (h *Hub) GetByConn(c net.Conn) *Connection {
	return h.GetByFd(socketFD(c))
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	n := len(h.byID)
	h.mu.RUnlock()
	return n
}

// All returns a snapshot of the registered connections.
func (h *Hub) All() []*Connection {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.byID))
	for _, conn := range h.byID {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()
	return conns
}

// Broadcast delivers a frame to every registered connection, including the
// one that caused the event. Self-inclusion is what lets the originating
// client reconcile from the same path as everyone else.
func (h *Hub) Broadcast(data []byte) {
	h.broadcast(data, "")
}

// BroadcastExcept delivers a frame to every connection except the one with
// the given session ID. Used for typing signals, which the sender does not
// need echoed back.
func (h *Hub) BroadcastExcept(exceptID string, data []byte) {
	h.broadcast(data, exceptID)
}

func (h *Hub) broadcast(data []byte, exceptID string) {
	start := time.Now()

	// Holding enqueueMu across the whole enqueue pass fixes the acceptance
	// order: two broadcasts can never interleave differently on two queues.
	h.enqueueMu.Lock()
	conns := h.All()
	var stalled []*Connection
	for _, conn := range conns {
		if exceptID != "" && conn.ID == exceptID {
			continue
		}
		if err := conn.Enqueue(data); err != nil {
			stalled = append(stalled, conn)
		}
	}
	h.enqueueMu.Unlock()

	metrics.BroadcastDuration.Observe(time.Since(start).Seconds())

	// A full queue means the consumer is not draining. Drop it instead of
	// retrying: the write pump is already blocked on a dead or glacial peer.
	for _, conn := range stalled {
		log.Printf("ws: dropping slow consumer session=%s user=%s", conn.ID, conn.User.Username)
		metrics.ConnectionsDropped.Inc()
		h.drop(conn)
	}
}

// writePump drains the connection's outbound queue onto the wire, one
// frame at a time. It exits when the connection closes; a write error
// evicts the connection.
func (h *Hub) writePump(conn *Connection) {
	for {
		select {
		case <-conn.closed:
			return
		case data := <-conn.send:
			if err := conn.writeFrame(data, h.writeTimeout); err != nil {
				log.Printf("ws: write failed session=%s: %v", conn.ID, err)
				h.drop(conn)
				return
			}
		}
	}
}

func (h *Hub) drop(conn *Connection) {
	if h.onDrop != nil {
		go h.onDrop(conn)
		return
	}
	h.Unregister(conn)
}
