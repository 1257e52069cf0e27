// Package presence tracks live WebSocket connections in Redis so that
// operators and other services can see which users are connected to which
// rooms across all server instances. Records expire on their own if a server
// dies without cleaning up.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ConnPrefix is the Redis key prefix for per-connection hashes.
	ConnPrefix = "presence:conn:"

	// RoomPrefix is the Redis key prefix for per-room connection sets.
	RoomPrefix = "presence:room:"

	// TTL is the time-to-live for presence records. Heartbeats refresh it;
	// a crashed server's records vanish after this long.
	TTL = 2 * time.Minute
)

// Record is one live connection's presence state stored in Redis.
type Record struct {
	ConnID      string `redis:"conn_id"`
	UserID      string `redis:"user_id"`
	RoomID      string `redis:"room_id"`
	Server      string `redis:"server"`       // which server instance holds the socket
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
}

// Store manages presence state in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore creates a presence store connected to Redis and verifies the
// connection with a ping.
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

// Track records a newly accepted connection. It writes the connection hash
// and adds the connection to the room's set in one pipeline.
func (s *Store) Track(ctx context.Context, connID, userID, roomID string) error {
	key := ConnPrefix + connID

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"conn_id":      connID,
		"user_id":      userID,
		"room_id":      roomID,
		"server":       s.serverName,
		"connected_at": time.Now().Unix(),
	})
	pipe.Expire(ctx, key, TTL)
	pipe.SAdd(ctx, RoomPrefix+roomID, connID)
	pipe.Expire(ctx, RoomPrefix+roomID, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Refresh extends the TTL of a connection's presence record. Called from the
// heartbeat loop for connections that are still alive.
func (s *Store) Refresh(ctx context.Context, connID, roomID string) error {
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, ConnPrefix+connID, TTL)
	pipe.Expire(ctx, RoomPrefix+roomID, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get returns the presence record for a connection, or nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Record, error) {
	var rec Record
	err := s.client.HGetAll(ctx, ConnPrefix+connID).Scan(&rec)
	if err != nil {
		return nil, err
	}
	if rec.ConnID == "" {
		return nil, nil
	}
	return &rec, nil
}

// RoomOccupancy returns the number of connections currently tracked in a room
// across all server instances.
func (s *Store) RoomOccupancy(ctx context.Context, roomID string) (int64, error) {
	return s.client.SCard(ctx, RoomPrefix+roomID).Result()
}

// Forget removes a connection's presence record and its room set entry.
func (s *Store) Forget(ctx context.Context, connID, roomID string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, ConnPrefix+connID)
	pipe.SRem(ctx, RoomPrefix+roomID, connID)
	_, err := pipe.Exec(ctx)
	return err
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
