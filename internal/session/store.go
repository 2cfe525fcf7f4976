package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdentityPrefix is the Redis key prefix for identity hashes. The suffix is
// the profile key that names the device or embedding the identity belongs to.
const IdentityPrefix = "widget:identity:"

// RedisStore keeps the identity in a Redis hash. Keys carry no TTL: the
// client never expires a session on its own.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore creates a store connected to Redis for the given profile.
func NewRedisStore(redisAddr string, profile string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewRedisStoreWithClient(client, profile), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, profile string) *RedisStore {
	return &RedisStore{client: client, key: IdentityPrefix + profile}
}

// Load reads the identity hash. Returns ErrNotFound if the hash is absent.
func (s *RedisStore) Load(ctx context.Context) (Identity, error) {
	var id Identity
	if err := s.client.HGetAll(ctx, s.key).Scan(&id); err != nil {
		return Identity{}, err
	}
	if id.SessionID == "" {
		return Identity{}, ErrNotFound
	}
	return id, nil
}

// Save overwrites both identity fields.
func (s *RedisStore) Save(ctx context.Context, id Identity) error {
	return s.client.HSet(ctx, s.key,
		"session_id", id.SessionID,
		"ticket_id", id.TicketID,
		"updated_at", time.Now().Unix(),
	).Err()
}

// Delete removes the identity hash.
func (s *RedisStore) Delete(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}
