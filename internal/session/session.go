// Package session persists the visitor's chat identity: the stable session id
// and the optional active ticket. The identity survives process restarts in a
// durable store (Redis or a local Pebble database) and changes only when the
// backend assigns a ticket or the visitor explicitly resets the conversation.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is returned by stores that have no identity saved yet.
var ErrNotFound = errors.New("session: identity not found")

// Identity is the visitor's chat identity.
type Identity struct {
	SessionID string `redis:"session_id" json:"session_id"`
	TicketID  string `redis:"ticket_id" json:"ticket_id,omitempty"` // empty if no ticket
}

// HasTicket reports whether a support ticket is attached.
func (id Identity) HasTicket() bool {
	return id.TicketID != ""
}

// Store loads and saves an identity.
type Store interface {
	Load(ctx context.Context) (Identity, error)
	Save(ctx context.Context, id Identity) error
}

// NewSessionID returns a fresh random session id.
func NewSessionID() string {
	return uuid.New().String()
}

// Ensure loads the saved identity, creating and persisting a new session id
// when none exists yet.
func Ensure(ctx context.Context, store Store) (Identity, error) {
	id, err := store.Load(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Identity{}, fmt.Errorf("session: load: %w", err)
	}
	if id.SessionID != "" {
		return id, nil
	}

	id = Identity{SessionID: NewSessionID()}
	if err := store.Save(ctx, id); err != nil {
		return Identity{}, fmt.Errorf("session: save new identity: %w", err)
	}
	return id, nil
}

// Rotate replaces the session id with a fresh one and clears the ticket.
func Rotate(ctx context.Context, store Store) (Identity, error) {
	id := Identity{SessionID: NewSessionID()}
	if err := store.Save(ctx, id); err != nil {
		return Identity{}, fmt.Errorf("session: rotate: %w", err)
	}
	return id, nil
}
