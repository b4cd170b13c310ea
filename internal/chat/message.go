// Package chat holds the authoritative message log for a channel: ordered
// storage keyed by server-assigned timestamp, author-scoped edit and delete,
// and the channel aggregate that ties the log to presence tracking and the
// durable history store.
package chat

// Participant is an already-authenticated identity attached to a connection.
// The core never issues or verifies identity; it only carries it.
type Participant struct {
	Username  string `json:"username"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Icon      string `json:"icon,omitempty"` // opaque URL-like reference, resolved elsewhere
}

// Message is one entry in the channel log. Timestamp doubles as the unique
// identity of the message; there is no surrogate key.
type Message struct {
	Timestamp int64       `json:"timestamp"` // unix milliseconds, assigned by the server
	Author    Participant `json:"author"`
	Content   string      `json:"content"`
	Edited    bool        `json:"edited,omitempty"`
}
