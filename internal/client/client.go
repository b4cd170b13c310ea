// Package client implements the reconciliation engine for the live
// channel: bootstrap the history over HTTP, open the duplex connection,
// and apply inbound frames to a local view that always mirrors the
// server's append order. Local actions never mutate the view directly —
// a send or mutation only takes effect when its broadcast frame comes
// back, including the client's own.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/studentcorner/corner-chat/internal/chat"
	"github.com/studentcorner/corner-chat/internal/presence"
	"github.com/studentcorner/corner-chat/internal/protocol"
)

// State is the connection state of the engine. There is no automatic
// reconnect: re-entering Connecting is the hosting application's call,
// and re-opening is safe because bootstrap plus idempotent frame
// application rebuilds a consistent view.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "disconnected"
	}
}

// Config holds the engine's connection settings.
type Config struct {
	// BaseURL is the server's HTTP base, e.g. "http://localhost:8080".
	// The WebSocket endpoint is derived from it.
	BaseURL string

	// Identity is the already-authenticated participant this engine acts as.
	Identity chat.Participant

	// HTTPClient is used for bootstrap and mutations. Defaults to a client
	// with a 10s timeout.
	HTTPClient *http.Client
}

// Client is one participant's reconciliation engine.
type Client struct {
	baseURL string
	user    chat.Participant
	httpc   *http.Client

	state atomic.Int32
	view  *View

	mu        sync.Mutex // guards conn, sessionID, done
	conn      net.Conn
	sessionID string
	done      chan struct{}

	writeMu sync.Mutex // serializes outbound frames

	// OnChange, when set before Open, is called after every applied frame.
	OnChange func()

	// OnError, when set before Open, receives error frames the server
	// reflects back at this client only (rejected creates, rate limiting,
	// malformed frames). The view never changes on an error frame.
	OnError func(code, message string)
}

// New creates an engine in the Disconnected state.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("client: base URL is required")
	}
	if config.Identity.Username == "" {
		return nil, fmt.Errorf("client: identity username is required")
	}

	httpc := config.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}

	return &Client{
		baseURL: config.BaseURL,
		user:    config.Identity,
		httpc:   httpc,
		view:    NewView(),
	}, nil
}

// State returns the engine's current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// SessionID returns the session ID assigned by the server, or "" before
// the handshake completes.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Open bootstraps the history and establishes the duplex connection.
// Calling Open on an already-open engine is an error; after a disconnect
// it may be called again and will rebuild the view from scratch.
func (c *Client) Open(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return fmt.Errorf("client: already %s", c.State())
	}

	// One-shot bootstrap read before the channel opens. A message created
	// between this read and the dial below is an accepted gap.
	history, err := c.fetchHistory(ctx)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return err
	}
	c.view.Reset()
	c.view.Seed(history)

	wsURL, err := c.websocketURL()
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return err
	}

	conn, _, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return fmt.Errorf("client: dial: %w", err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.done = done
	c.sessionID = ""
	c.mu.Unlock()

	c.state.Store(int32(StateOpen))

	go c.readLoop(conn, done)
	go c.expireLoop(done)

	return nil
}

// Close tears the duplex connection down and returns the engine to
// Disconnected. The local view is kept; the next Open resets it.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	done := c.done
	c.conn = nil
	c.done = nil
	c.mu.Unlock()

	c.state.Store(int32(StateDisconnected))

	if done != nil {
		select {
		case <-done:
		default:
			close(done)
		}
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// closeSession tears down one session's transport and loop channels after
// a read failure. It is a no-op when Close or a newer Open has already
// replaced the session, so a dying read loop can never kill its successor.
func (c *Client) closeSession(conn net.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	done := c.done
	c.conn = nil
	c.done = nil
	c.mu.Unlock()

	c.state.Store(int32(StateDisconnected))

	if done != nil {
		select {
		case <-done:
		default:
			close(done)
		}
	}
	_ = conn.Close()
}

// Messages returns the reconciled log, ordered as the server appended it.
func (c *Client) Messages() []chat.Message {
	return c.view.Messages()
}

// Typing returns the participants currently seen as typing.
func (c *Client) Typing() []string {
	return c.view.Typing(time.Now())
}

// SendMessage puts a create on the wire. The local view is not touched;
// the message appears when the server's created frame comes back.
func (c *Client) SendMessage(content string) error {
	return c.sendFrame(map[string]string{
		"type":    protocol.TypeMessage,
		"content": content,
	})
}

// SendTyping signals that this participant is typing.
func (c *Client) SendTyping() error {
	return c.sendFrame(map[string]string{
		"type": protocol.TypeTyping,
	})
}

// Edit issues the durable edit mutation. On success the view still waits
// for the edited broadcast; on failure nothing changes locally and the
// returned error is one of chat.ErrNotFound, chat.ErrForbidden, or a
// transport/validation error.
func (c *Client) Edit(ctx context.Context, ts int64, newContent string) error {
	body, err := json.Marshal(struct {
		Username   string `json:"username"`
		NewContent string `json:"new_content"`
	}{
		Username:   c.user.Username,
		NewContent: newContent,
	})
	if err != nil {
		return fmt.Errorf("client: marshal edit: %w", err)
	}

	u := fmt.Sprintf("%s/chat/messages/%d", c.baseURL, ts)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("client: edit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doMutation(req)
}

// Delete issues the durable delete mutation. Same contract as Edit.
func (c *Client) Delete(ctx context.Context, ts int64) error {
	u := fmt.Sprintf("%s/chat/messages/%d?username=%s", c.baseURL, ts, url.QueryEscape(c.user.Username))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return fmt.Errorf("client: delete request: %w", err)
	}

	return c.doMutation(req)
}

// ---------------------------------------------------------------------------
// internals
// ---------------------------------------------------------------------------

func (c *Client) fetchHistory(ctx context.Context) ([]chat.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/chat/messages", nil)
	if err != nil {
		return nil, fmt.Errorf("client: bootstrap request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: bootstrap: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client: bootstrap: unexpected status %d", resp.StatusCode)
	}

	var msgs []chat.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("client: bootstrap decode: %w", err)
	}
	return msgs, nil
}

func (c *Client) websocketURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("client: parse base URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws/chat"

	q := u.Query()
	q.Set("username", c.user.Username)
	if c.user.FirstName != "" {
		q.Set("first_name", c.user.FirstName)
	}
	if c.user.LastName != "" {
		q.Set("last_name", c.user.LastName)
	}
	if c.user.Icon != "" {
		q.Set("icon", c.user.Icon)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func (c *Client) sendFrame(msg interface{}) error {
	if c.State() != StateOpen {
		return fmt.Errorf("client: not open")
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("client: not open")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(conn, ws.OpText, data)
}

// doMutation executes an edit/delete call and maps HTTP failure statuses
// back onto the log's sentinel errors.
func (c *Client) doMutation(req *http.Request) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("client: mutation: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return chat.ErrNotFound
	case resp.StatusCode == http.StatusForbidden:
		return chat.ErrForbidden
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("client: mutation failed: status %d: %s", resp.StatusCode, body)
	}
}

// readLoop applies inbound frames to the view until the connection closes.
// A read error tears the whole session down (transport, expire loop) and
// leaves the engine Disconnected; reconnecting is the hosting
// application's decision, and Open is safe to call again afterwards.
func (c *Client) readLoop(conn net.Conn, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			c.closeSession(conn)
			return
		}

		c.applyFrame(data)
	}
}

func (c *Client) applyFrame(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}

	changed := false

	switch env.Type {
	case protocol.TypeSessionCreated:
		var msg protocol.SessionCreatedMsg
		if err := json.Unmarshal(env.Raw, &msg); err == nil {
			c.mu.Lock()
			c.sessionID = msg.SessionID
			c.mu.Unlock()
		}

	case protocol.TypeCreated:
		var msg protocol.CreatedMsg
		if err := json.Unmarshal(env.Raw, &msg); err == nil {
			changed = c.view.ApplyCreated(msg.Message)
		}

	case protocol.TypeEdited:
		var msg protocol.EditedMsg
		if err := json.Unmarshal(env.Raw, &msg); err == nil {
			changed = c.view.ApplyEdited(msg.Timestamp, msg.Content)
		}

	case protocol.TypeDeleted:
		var msg protocol.DeletedMsg
		if err := json.Unmarshal(env.Raw, &msg); err == nil {
			changed = c.view.ApplyDeleted(msg.Timestamp)
		}

	case protocol.TypeTypingNotice:
		var msg protocol.TypingNoticeMsg
		if err := json.Unmarshal(env.Raw, &msg); err == nil && msg.Username != c.user.Username {
			c.view.MarkTyping(msg.Username, time.Now())
			changed = true
		}

	case protocol.TypeError:
		var msg protocol.ErrorMsg
		if err := json.Unmarshal(env.Raw, &msg); err == nil && c.OnError != nil {
			c.OnError(msg.Code, msg.Message)
		}
	}

	if changed && c.OnChange != nil {
		c.OnChange()
	}
}

// expireLoop sweeps stale typing entries on the standard cadence so the
// indicator disappears even when the channel goes quiet.
func (c *Client) expireLoop(done chan struct{}) {
	ticker := time.NewTicker(presence.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.view.ExpireTyping(time.Now())
			if c.OnChange != nil {
				c.OnChange()
			}
		}
	}
}
