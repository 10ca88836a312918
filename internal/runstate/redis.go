package runstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jordanhubbard/lomu/pkg/config"
	"github.com/jordanhubbard/lomu/pkg/models"
)

const keyPrefix = "lomu:run:"

// RedisStore shares run snapshots between server instances. Each snapshot is
// a JSON string under lomu:run:<conversationID>; a per-user set indexes them.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return NewRedisStoreWithClient(client, cfg.RunStateTTL), nil
}

// NewRedisStoreWithClient wraps an existing client. ttl <= 0 keeps keys forever.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func runKey(conversationID string) string { return keyPrefix + conversationID }

func userKey(userID string) string { return keyPrefix + "user:" + userID }

func (s *RedisStore) Save(ctx context.Context, state *models.AgentRunState) error {
	if state == nil || state.ConversationID == "" {
		return errors.New("run state requires a conversation id")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, runKey(state.ConversationID), data, s.ttl)
	pipe.SAdd(ctx, userKey(state.UserID), state.ConversationID)
	if s.ttl > 0 {
		pipe.Expire(ctx, userKey(state.UserID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save run state %s: %w", state.ConversationID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, conversationID string) (*models.AgentRunState, error) {
	data, err := s.client.Get(ctx, runKey(conversationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run state %s: %w", conversationID, err)
	}
	var st models.AgentRunState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode run state %s: %w", conversationID, err)
	}
	return &st, nil
}

func (s *RedisStore) Delete(ctx context.Context, conversationID string) error {
	st, err := s.Get(ctx, conversationID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, runKey(conversationID))
	pipe.SRem(ctx, userKey(st.UserID), conversationID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete run state %s: %w", conversationID, err)
	}
	return nil
}

// ListByUser drops index members whose snapshot has already expired.
func (s *RedisStore) ListByUser(ctx context.Context, userID string) ([]*models.AgentRunState, error) {
	ids, err := s.client.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs for %s: %w", userID, err)
	}
	out := make([]*models.AgentRunState, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = runKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load runs for %s: %w", userID, err)
	}
	var stale []interface{}
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var st models.AgentRunState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			continue
		}
		out = append(out, &st)
	}
	if len(stale) > 0 {
		s.client.SRem(ctx, userKey(userID), stale...)
	}
	sortNewestFirst(out)
	return out, nil
}

var _ Store = (*RedisStore)(nil)
