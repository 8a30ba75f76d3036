// Package presence maintains the Redis-backed presence view of the chat
// server: which participants currently have live connections, and which
// server instance holds them. The relay's in-memory registry remains the
// authority for fan-out; this store exists so that other processes and
// operators can observe presence.
//
//	conn:<connID>           hash  {server, participant, created_at}
//	presence:<participantID> set  of connection ids
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ConnPrefix is the Redis key prefix for per-connection hashes.
	ConnPrefix = "conn:"

	// PresencePrefix is the Redis key prefix for per-participant
	// connection sets.
	PresencePrefix = "presence:"

	// EntryTTL is the time-to-live for presence keys. The heartbeat
	// refreshes it, so an entry only expires if its server dies without
	// cleaning up.
	EntryTTL = 2 * time.Minute
)

// Store manages presence state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this relay instance
}

// NewStore creates a presence store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Track records a freshly upgraded connection. The connection is anonymous
// until Bind associates it with a participant.
func (s *Store) Track(ctx context.Context, connID string) error {
	key := ConnPrefix + connID

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"server":      s.serverName,
		"participant": "",
		"created_at":  time.Now().Unix(),
	})
	pipe.Expire(ctx, key, EntryTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Bind associates a connection with a participant identity after a
// successful setup and adds it to the participant's presence set.
func (s *Store) Bind(ctx context.Context, connID, participantID string) error {
	presenceKey := PresencePrefix + participantID

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, ConnPrefix+connID, "participant", participantID)
	pipe.SAdd(ctx, presenceKey, connID)
	pipe.Expire(ctx, presenceKey, EntryTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Untrack removes a connection's presence records. It reads the bound
// participant from the connection hash to find the presence set entry.
func (s *Store) Untrack(ctx context.Context, connID string) error {
	connKey := ConnPrefix + connID

	participantID, err := s.client.HGet(ctx, connKey, "participant").Result()
	if err != nil && err != redis.Nil {
		return err
	}

	pipe := s.client.Pipeline()
	if participantID != "" {
		pipe.SRem(ctx, PresencePrefix+participantID, connID)
	}
	pipe.Del(ctx, connKey)
	_, err = pipe.Exec(ctx)
	return err
}

// Refresh extends the TTL on a connection's presence records. Called from
// the heartbeat for each live connection; participantID may be empty for
// connections that have not completed setup.
func (s *Store) Refresh(ctx context.Context, connID, participantID string) error {
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, ConnPrefix+connID, EntryTTL)
	if participantID != "" {
		pipe.Expire(ctx, PresencePrefix+participantID, EntryTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// IsOnline reports whether a participant has at least one live connection.
func (s *Store) IsOnline(ctx context.Context, participantID string) (bool, error) {
	n, err := s.client.SCard(ctx, PresencePrefix+participantID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Connections returns the connection ids currently recorded for a
// participant.
func (s *Store) Connections(ctx context.Context, participantID string) ([]string, error) {
	return s.client.SMembers(ctx, PresencePrefix+participantID).Result()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
