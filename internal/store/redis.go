package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	conversationKeyPrefix = "conversation:"
	memoryKeyPrefix       = "memory:"
	defaultTTL            = 720 * time.Hour
)

// conversationRecord is the stored shape of one user's conversation.
type conversationRecord struct {
	SessionID string    `json:"session_id"`
	UpdatedAt time.Time `json:"updated_at"`
	Turns     []Turn    `json:"turns"`
}

// RedisStore implements Store on Redis. Conversations are stored as one
// JSON blob per user under a prefixed key with a TTL refreshed on write.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{
		client: client,
		ttl:    ttl,
	}
}

// LoadRecentTurns implements Store.
func (s *RedisStore) LoadRecentTurns(ctx context.Context, userID string) ([]Turn, error) {
	val, err := s.client.Get(ctx, conversationKeyPrefix+userID).Result()
	if err == redis.Nil {
		return []Turn{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	var rec conversationRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}
	return rec.Turns, nil
}

// PersistTurns implements Store. The whole turn list is written as one blob;
// the TTL is refreshed on every write.
func (s *RedisStore) PersistTurns(ctx context.Context, userID, sessionID string, turns []Turn) error {
	rec := conversationRecord{
		SessionID: sessionID,
		UpdatedAt: time.Now(),
		Turns:     turns,
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode conversation: %w", err)
	}

	if err := s.client.Set(ctx, conversationKeyPrefix+userID, val, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to persist conversation: %w", err)
	}
	return nil
}

// LoadMemory implements Store. Returns nil when the user has no memory.
func (s *RedisStore) LoadMemory(ctx context.Context, userID string) (*Memory, error) {
	val, err := s.client.Get(ctx, memoryKeyPrefix+userID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load memory: %w", err)
	}

	var mem Memory
	if err := json.Unmarshal([]byte(val), &mem); err != nil {
		return nil, fmt.Errorf("failed to decode memory: %w", err)
	}
	return &mem, nil
}

// Ping probes the Redis connection, for readiness checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
