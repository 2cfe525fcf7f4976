package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

var (
	keySessionID = []byte("identity/session_id")
	keyTicketID  = []byte("identity/ticket_id")
)

// PebbleStore keeps the identity in a local Pebble database, the on-disk
// counterpart of a browser's localStorage.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebbleStore opens (or creates) the database in dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("session: open pebble %s: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

// Load reads the identity. Returns ErrNotFound if no session id is stored.
func (s *PebbleStore) Load(_ context.Context) (Identity, error) {
	sid, err := s.get(keySessionID)
	if err != nil {
		return Identity{}, err
	}
	if sid == "" {
		return Identity{}, ErrNotFound
	}
	tid, err := s.get(keyTicketID)
	if err != nil {
		return Identity{}, err
	}
	return Identity{SessionID: sid, TicketID: tid}, nil
}

// Save writes both fields in one synced batch.
func (s *PebbleStore) Save(_ context.Context, id Identity) error {
	b := s.db.NewBatch()
	defer b.Close()

	if err := b.Set(keySessionID, []byte(id.SessionID), nil); err != nil {
		return fmt.Errorf("session: pebble set: %w", err)
	}
	if id.TicketID == "" {
		if err := b.Delete(keyTicketID, nil); err != nil {
			return fmt.Errorf("session: pebble delete: %w", err)
		}
	} else if err := b.Set(keyTicketID, []byte(id.TicketID), nil); err != nil {
		return fmt.Errorf("session: pebble set: %w", err)
	}
	return b.Commit(pebble.Sync)
}

// Close flushes and closes the database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func (s *PebbleStore) get(key []byte) (string, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session: pebble get %s: %w", key, err)
	}
	defer closer.Close()
	return string(val), nil
}
