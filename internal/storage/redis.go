package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/position-monitor/internal/config"
)

const (
	invalidationKey = "monitor:invalidated_wallets"
	seenKeyPrefix   = "monitor:webhook_seen:"
)

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisInvalidationSet shares invalidation marks between processes through a
// Redis set.
type RedisInvalidationSet struct {
	client redis.UniversalClient
	key    string
}

// NewRedisInvalidationSet creates a set under the default key.
func NewRedisInvalidationSet(client redis.UniversalClient) *RedisInvalidationSet {
	return &RedisInvalidationSet{client: client, key: invalidationKey}
}

func (s *RedisInvalidationSet) Mark(ctx context.Context, wallet string) error {
	if err := s.client.SAdd(ctx, s.key, strings.ToLower(wallet)).Err(); err != nil {
		return fmt.Errorf("failed to mark wallet invalidated: %w", err)
	}
	return nil
}

// Drain reads and deletes the set in one transaction so a concurrent Mark
// lands either in this drain or the next one.
func (s *RedisInvalidationSet) Drain(ctx context.Context) ([]string, error) {
	var members *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		members = pipe.SMembers(ctx, s.key)
		pipe.Del(ctx, s.key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drain invalidated wallets: %w", err)
	}
	return members.Val(), nil
}

// RedisSeenSet remembers webhook delivery ids with SET NX EX.
type RedisSeenSet struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisSeenSet remembers ids for ttl.
func NewRedisSeenSet(client redis.UniversalClient, ttl time.Duration) *RedisSeenSet {
	return &RedisSeenSet{client: client, ttl: ttl}
}

func (s *RedisSeenSet) FirstSeen(ctx context.Context, id string) (bool, error) {
	ok, err := s.client.SetNX(ctx, seenKeyPrefix+id, 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record webhook id: %w", err)
	}
	return ok, nil
}

func (s *RedisSeenSet) Forget(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, seenKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("failed to forget webhook id: %w", err)
	}
	return nil
}
