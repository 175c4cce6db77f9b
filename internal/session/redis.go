package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"voicetime/internal/models"
)

const (
	sessionKeyPrefix = "voicesession:"
	openSetKey       = "voicesession:open"
)

// RedisStore keeps open sessions in Redis as TTL'd JSON values plus a
// membership set of open user IDs. The TTL doubles as the staleness bound:
// a session that outlives it simply disappears from the cache.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed session store with the given TTL.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (r *RedisStore) Get(ctx context.Context, userID string) (models.VoiceSession, bool, error) {
	raw, err := r.client.Get(ctx, sessionKeyPrefix+userID).Result()
	if err == redis.Nil {
		return models.VoiceSession{}, false, nil
	}
	if err != nil {
		return models.VoiceSession{}, false, fmt.Errorf("failed to get session: %w", err)
	}
	var sess models.VoiceSession
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return models.VoiceSession{}, false, fmt.Errorf("failed to decode session: %w", err)
	}
	return sess, true, nil
}

func (r *RedisStore) Set(ctx context.Context, sess models.VoiceSession) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sessionKeyPrefix+sess.UserID, raw, r.ttl)
	pipe.SAdd(ctx, openSetKey, sess.UserID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set session: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, userID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, sessionKeyPrefix+userID)
	pipe.SRem(ctx, openSetKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// OpenSessions walks the membership set. Members whose value key has expired
// are pruned from the set as they are encountered.
func (r *RedisStore) OpenSessions(ctx context.Context) ([]models.VoiceSession, error) {
	userIDs, err := r.client.SMembers(ctx, openSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list open sessions: %w", err)
	}
	var sessions []models.VoiceSession
	for _, userID := range userIDs {
		sess, ok, err := r.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !ok {
			// value expired out from under the set
			r.client.SRem(ctx, openSetKey, userID)
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}
