package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"

	"github.com/whisper/lobby/internal/store"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour

	// PresencePrefix is the key prefix of the cluster-wide identity claims:
	// presence:<identity_id> holds the id of the session bound to it.
	PresencePrefix = "presence:"

	// PresenceTTL bounds how long a claim outlives a crashed instance. The
	// heartbeat refreshes it for every live bound session.
	PresenceTTL = 90 * time.Second

	// Status constants for the session state machine.
	StatusUnbound = "unbound"
	StatusBound   = "bound"
)

// Session represents a connection's state stored in Redis.
type Session struct {
	ID          string `redis:"id"`
	Status      string `redis:"status"`       // unbound | bound
	IdentityID  string `redis:"identity_id"`  // empty while unbound
	DisplayName string `redis:"display_name"` // empty while unbound
	Server      string `redis:"server"`       // which WS server instance
	CreatedAt   int64  `redis:"created_at"`   // unix timestamp
	LastActive  int64  `redis:"last_active"`  // unix timestamp
}

// releasePresence deletes a claim only if the session still owns it.
var releasePresence = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshPresence extends a claim only if the session still owns it.
var refreshPresence = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new session in Redis with unbound status and 1h TTL.
func (s *Store) Create(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	session := map[string]interface{}{
		"id":           sessionID,
		"status":       StatusUnbound,
		"identity_id":  "",
		"display_name": "",
		"server":       s.serverName,
		"created_at":   now,
		"last_active":  now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, session)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	var session Session
	err := s.client.HGetAll(ctx, key).Scan(&session)
	if err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// Bind records that the session has claimed ident and refreshes the TTL.
func (s *Store) Bind(ctx context.Context, sessionID string, ident store.Identity) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key,
		"status", StatusBound,
		"identity_id", ident.ID,
		"display_name", ident.DisplayName,
		"last_active", time.Now().Unix(),
	)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Unbind clears the bound identity and resets status to unbound.
func (s *Store) Unbind(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	return s.client.HSet(ctx, key,
		"status", StatusUnbound,
		"identity_id", "",
		"display_name", "",
		"last_active", time.Now().Unix(),
	).Err()
}

// RefreshTTL extends the session's TTL and, for a bound session, the TTL of
// its identity claim.
func (s *Store) RefreshTTL(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	if err := s.client.Expire(ctx, key, SessionTTL).Err(); err != nil {
		return err
	}

	identityID, err := s.client.HGet(ctx, key, "identity_id").Result()
	if errors.Is(err, redis.Nil) || identityID == "" {
		return nil
	}
	if err != nil {
		return err
	}
	return refreshPresence.Run(ctx, s.client, []string{PresencePrefix + identityID},
		sessionID, PresenceTTL.Milliseconds()).Err()
}

// AcquirePresence claims identityID for sessionID across every instance
// sharing this Redis. It reports false when another session holds it.
func (s *Store) AcquirePresence(ctx context.Context, identityID, sessionID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, PresencePrefix+identityID, sessionID, PresenceTTL).Result()
	if err != nil {
		return false, fmt.Errorf("session: acquire presence %s: %w", identityID, err)
	}
	return ok, nil
}

// ReleasePresence drops the claim on identityID if sessionID holds it.
func (s *Store) ReleasePresence(ctx context.Context, identityID, sessionID string) error {
	err := releasePresence.Run(ctx, s.client, []string{PresencePrefix + identityID}, sessionID).Err()
	if err != nil {
		return fmt.Errorf("session: release presence %s: %w", identityID, err)
	}
	return nil
}

// PresenceHeld reports which of identityIDs are claimed by some session.
func (s *Store) PresenceHeld(ctx context.Context, identityIDs []string) (map[string]bool, error) {
	held := make(map[string]bool, len(identityIDs))
	if len(identityIDs) == 0 {
		return held, nil
	}
	keys := lo.Map(identityIDs, func(id string, _ int) string { return PresencePrefix + id })
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("session: presence lookup: %w", err)
	}
	for i, v := range vals {
		if v != nil {
			held[identityIDs[i]] = true
		}
	}
	return held, nil
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
