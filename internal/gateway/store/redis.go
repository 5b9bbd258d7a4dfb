package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	callKeyPrefix = "handset:call:"
	callIndexKey  = "handset:calls"
	callTTL       = 24 * time.Hour
)

// RedisStore is a Redis-backed CallStore. Records are stored as JSON under
// per-call keys with a recency index list for ordered listing.
type RedisStore struct {
	client *redis.Client
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}

	slog.Info("connected to redis", "addr", cfg.Addr)
	return &RedisStore{client: rdb}, nil
}

func (s *RedisStore) Create(ctx context.Context, call Call) error {
	data, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("marshaling call: %w", err)
	}

	if err := s.client.Set(ctx, callKeyPrefix+call.SID, data, callTTL).Err(); err != nil {
		return fmt.Errorf("storing call %s: %w", call.SID, err)
	}

	// Newest at the head; bound the index.
	if err := s.client.LPush(ctx, callIndexKey, call.SID).Err(); err != nil {
		return fmt.Errorf("indexing call %s: %w", call.SID, err)
	}
	if err := s.client.LTrim(ctx, callIndexKey, 0, maxRecords-1).Err(); err != nil {
		slog.Warn("trimming call index failed", "error", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, sid string) (*Call, error) {
	data, err := s.client.Get(ctx, callKeyPrefix+sid).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetching call %s: %w", sid, err)
	}

	var call Call
	if err := json.Unmarshal(data, &call); err != nil {
		return nil, fmt.Errorf("unmarshaling call %s: %w", sid, err)
	}
	return &call, nil
}

func (s *RedisStore) Update(ctx context.Context, call Call) error {
	key := callKeyPrefix + call.SID
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("checking call %s: %w", call.SID, err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	data, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("marshaling call: %w", err)
	}
	if err := s.client.Set(ctx, key, data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("updating call %s: %w", call.SID, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, limit int) ([]Call, error) {
	end := int64(-1)
	if limit > 0 {
		end = int64(limit) - 1
	}
	sids, err := s.client.LRange(ctx, callIndexKey, 0, end).Result()
	if err != nil {
		return nil, fmt.Errorf("listing calls: %w", err)
	}

	out := make([]Call, 0, len(sids))
	for _, sid := range sids {
		call, err := s.Get(ctx, sid)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // record expired, index entry is stale
			}
			return nil, err
		}
		out = append(out, *call)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
