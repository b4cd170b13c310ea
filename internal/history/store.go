// Package history is the durable store behind the live message log. It
// persists creates, edits, and deletes to PostgreSQL and serves the
// bootstrap load at startup. Retention policy is the database's concern;
// the live channel only writes through.
package history

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/studentcorner/corner-chat/internal/chat"
)

// Store persists channel messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL, verifies the connection, and runs pending
// schema migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle without running migrations.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append inserts a newly created message. The timestamp is the primary
// key, so a concurrent duplicate from another instance fails here and the
// loser's create is dropped.
func (s *Store) Append(ctx context.Context, msg chat.Message) error {
	const query = `
		INSERT INTO channel_messages (ts, username, first_name, last_name, icon, content, edited)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query,
		msg.Timestamp,
		msg.Author.Username,
		msg.Author.FirstName,
		msg.Author.LastName,
		msg.Author.Icon,
		msg.Content,
		msg.Edited,
	)
	if err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	return nil
}

// UpdateContent replaces the stored content of the message at ts.
func (s *Store) UpdateContent(ctx context.Context, ts int64, content string, edited bool) error {
	const query = `UPDATE channel_messages SET content = $2, edited = $3 WHERE ts = $1`

	res, err := s.db.ExecContext(ctx, query, ts, content, edited)
	if err != nil {
		return fmt.Errorf("history: update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("history: update: no message at ts=%d", ts)
	}
	return nil
}

// Delete removes the message at ts.
func (s *Store) Delete(ctx context.Context, ts int64) error {
	const query = `DELETE FROM channel_messages WHERE ts = $1`

	if _, err := s.db.ExecContext(ctx, query, ts); err != nil {
		return fmt.Errorf("history: delete: %w", err)
	}
	return nil
}

// LoadAll returns every stored message ordered by timestamp ascending,
// used to seed the in-memory log at startup and to serve bootstrap reads.
func (s *Store) LoadAll(ctx context.Context) ([]chat.Message, error) {
	const query = `
		SELECT ts, username, first_name, last_name, icon, content, edited
		FROM channel_messages
		ORDER BY ts ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("history: load: %w", err)
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var msg chat.Message
		err := rows.Scan(
			&msg.Timestamp,
			&msg.Author.Username,
			&msg.Author.FirstName,
			&msg.Author.LastName,
			&msg.Author.Icon,
			&msg.Content,
			&msg.Edited,
		)
		if err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: rows: %w", err)
	}
	return out, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
