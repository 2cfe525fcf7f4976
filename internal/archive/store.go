// Package archive provides PostgreSQL-backed storage for rendered widget
// transcripts. Every entry the visitor saw is recorded with the session and
// ticket it belonged to and the channel that delivered it.
package archive

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/siacasa/widget-sync/internal/chat"
	"github.com/siacasa/widget-sync/internal/session"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies the embedded schema migrations to the database at dsn.
func Migrate(dsn string) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("archive: migrations source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("archive: migrate up: %w", err)
	}
	return nil
}

// Archive manages transcript rows in PostgreSQL.
type Archive struct {
	db *sql.DB
}

// Record is one archived transcript entry.
type Record struct {
	ID        int64
	Identity  session.Identity
	Channel   chat.Channel
	Message   chat.Message
	CreatedAt time.Time
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*Archive, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	return New(db), nil
}

// New creates an archive backed by the given database handle.
func New(db *sql.DB) *Archive {
	return &Archive{db: db}
}

// Close closes the database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Record inserts one rendered entry.
func (a *Archive) Record(ctx context.Context, id session.Identity, channel chat.Channel, msg chat.Message) error {
	if id.SessionID == "" {
		return fmt.Errorf("archive: record: empty session id")
	}

	var sentAt sql.NullTime
	if !msg.Timestamp.IsZero() {
		sentAt = sql.NullTime{Time: msg.Timestamp.UTC(), Valid: true}
	}

	const query = `
		INSERT INTO widget_transcript (session_id, ticket_id, channel, sender_type, sender_name, content, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := a.db.ExecContext(ctx, query,
		id.SessionID,
		id.TicketID,
		string(channel),
		string(msg.SenderType),
		msg.SenderName,
		msg.Content,
		sentAt,
	)
	if err != nil {
		return fmt.Errorf("archive: insert: %w", err)
	}
	return nil
}

// Recent returns up to limit entries for sessionID, oldest first.
func (a *Archive) Recent(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = chat.DefaultBufferSize
	}

	const query = `
		SELECT id, session_id, ticket_id, channel, sender_type, sender_name, content, sent_at, created_at
		FROM (
			SELECT * FROM widget_transcript
			WHERE session_id = $1
			ORDER BY id DESC
			LIMIT $2
		) recent
		ORDER BY id ASC`

	rows, err := a.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r          Record
			channel    string
			senderType string
			sentAt     sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.Identity.SessionID, &r.Identity.TicketID, &channel,
			&senderType, &r.Message.SenderName, &r.Message.Content, &sentAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("archive: recent scan: %w", err)
		}
		r.Channel = chat.Channel(channel)
		r.Message.SenderType = chat.SenderType(senderType)
		if sentAt.Valid {
			r.Message.Timestamp = chat.NewTimestamp(sentAt.Time)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: recent rows: %w", err)
	}
	return out, nil
}
