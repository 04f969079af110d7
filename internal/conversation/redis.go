package conversation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "smebot:conversation:"
	redisUsersKey  = "smebot:conversation:users"
)

// RedisStore keeps each user's history in a capped Redis list.
type RedisStore struct {
	rdb        *redis.Client
	maxPerUser int
}

// NewRedisStore connects to the Redis URL and pings it.
func NewRedisStore(ctx context.Context, url string, maxPerUser int) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if maxPerUser <= 0 {
		maxPerUser = DefaultMaxPerUser
	}
	return &RedisStore{rdb: rdb, maxPerUser: maxPerUser}, nil
}

func redisKey(userID string) string {
	return redisKeyPrefix + userID
}

func (s *RedisStore) Append(ctx context.Context, userID string, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	msgs = append([]Message(nil), msgs...)
	stamp(msgs)

	values := make([]any, 0, len(msgs))
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to encode message: %w", err)
		}
		values = append(values, data)
	}

	key := redisKey(userID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		pipe.LTrim(ctx, key, int64(-s.maxPerUser), -1)
		pipe.SAdd(ctx, redisUsersKey, userID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append conversation: %w", err)
	}
	return nil
}

func (s *RedisStore) History(ctx context.Context, userID string, limit int) ([]Message, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := s.rdb.LRange(ctx, redisKey(userID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation: %w", err)
	}

	msgs := make([]Message, 0, len(raw))
	for _, item := range raw {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *RedisStore) Clear(ctx context.Context, userID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisKey(userID))
		pipe.SRem(ctx, redisUsersKey, userID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear conversation: %w", err)
	}
	return nil
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	users, err := s.rdb.SMembers(ctx, redisUsersKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to list users: %w", err)
	}

	lens := make([]*redis.IntCmd, 0, len(users))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, userID := range users {
			lens = append(lens, pipe.LLen(ctx, redisKey(userID)))
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count messages: %w", err)
	}

	st := Stats{Backend: "redis", Users: int64(len(users))}
	for _, cmd := range lens {
		st.Messages += cmd.Val()
	}
	return st, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
