package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrNoSession is returned when the store holds no record for a session id
var ErrNoSession = errors.New("session: not found")

// Store persists LoggedInSession records keyed by session id
type Store interface {
	Put(ctx context.Context, id string, sess *LoggedInSession, ttl time.Duration) error
	Get(ctx context.Context, id string) (*LoggedInSession, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-process session store. Suitable for single-node
// open-source deployments; multi-node deployments should use RedisStore.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]memoryEntry
}

type memoryEntry struct {
	sess      *LoggedInSession
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory session store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]memoryEntry)}
}

// Put stores a session under id with the given TTL
func (s *MemoryStore) Put(_ context.Context, id string, sess *LoggedInSession, ttl time.Duration) error {
	if id == "" {
		return fmt.Errorf("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = memoryEntry{sess: sess, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Get retrieves a session by id
func (s *MemoryStore) Get(_ context.Context, id string) (*LoggedInSession, error) {
	s.mu.RLock()
	entry, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, ErrNoSession
	}
	return entry.sess, nil
}

// Delete removes a session by id. Deleting an absent session is not an error.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// Purge removes expired sessions and returns how many were dropped
func (s *MemoryStore) Purge() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int
	for id, entry := range s.sessions {
		if now.After(entry.expiresAt) {
			delete(s.sessions, id)
			purged++
		}
	}
	return purged
}

// Len returns the number of live sessions
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

const redisKeyPrefix = "gatehouse:session:"

// RedisStore persists sessions in Redis with a per-key TTL, so expiry needs
// no sweeper.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a new Redis-backed session store
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Put stores a session under id with the given TTL
func (s *RedisStore) Put(ctx context.Context, id string, sess *LoggedInSession, ttl time.Duration) error {
	if id == "" {
		return fmt.Errorf("session id is required")
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+id, payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// Get retrieves a session by id
func (s *RedisStore) Get(ctx context.Context, id string) (*LoggedInSession, error) {
	payload, err := s.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	sess := &LoggedInSession{}
	if err := json.Unmarshal(payload, sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return sess, nil
}

// Delete removes a session by id. Deleting an absent session is not an error.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
