// Package protocol defines the envelope format exchanged over the live
// channel. Every frame is a JSON object with a "type" discriminator.
// Creates and typing signals travel client -> server over the channel;
// edits and deletes arrive over HTTP and only their resulting events
// travel server -> client.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/studentcorner/corner-chat/internal/chat"
)

// Client -> Server frame types.
const (
	TypeMessage = "message"
	TypeTyping  = "typing"
	TypePing    = "ping"
)

// Server -> Client frame types.
const (
	TypeSessionCreated = "session_created"
	TypeCreated        = "created"
	TypeEdited         = "edited"
	TypeDeleted        = "deleted"
	TypeTypingNotice   = "typing"
	TypeError          = "error"
	TypePong           = "pong"
)

// Envelope holds the frame type and the raw JSON for deferred parsing into
// a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server frames
// ---------------------------------------------------------------------------

// PublishMsg asks the server to append a new message. The author is taken
// from the connection's bound identity, never from the payload.
type PublishMsg struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// TypingMsg signals that the sender is currently typing. No payload beyond
// the type; the server knows who the connection belongs to.
type TypingMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client frames
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent once when a connection is established.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// CreatedMsg carries a freshly appended message to every connection,
// including the sender's own. The sender reconciles its view from this
// frame; there is no separate local-echo path.
type CreatedMsg struct {
	Type    string       `json:"type"`
	Message chat.Message `json:"message"`
}

// EditedMsg announces that the message at Timestamp now has Content.
type EditedMsg struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Content   string `json:"content"`
}

// DeletedMsg announces that the message at Timestamp is gone.
type DeletedMsg struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// TypingNoticeMsg relays a typing signal to every other connection. The
// sender does not receive its own typing echoed back.
type TypingNoticeMsg struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

// ErrorMsg communicates a local-only failure to the acting client.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw frame bytes into a typed client message.
// It returns the frame type, the decoded struct, and any parse error.
// Server-only or unknown types are rejected.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeMessage:
		var m PublishMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage JSON-encodes a server frame, forcing the "type" key to
// msgType regardless of what the payload struct carries.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
