package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AshfordSecurity/carousel/internal/config"
	"github.com/AshfordSecurity/carousel/internal/core"
)

const queueKeyPrefix = "carousel:queue:"

// redisQueue shares pending work between harness processes running the
// same campaign. Members are whole queue items scored by push time, so
// ZPopMin hands back the oldest entry first. Identical re-pushes of the
// same (index, attempt) pair collapse into one pending entry.
type redisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue connects to redis and scopes the queue to one campaign.
// Close drops the pending key so candidate plaintext does not outlive
// the run.
func NewRedisQueue(cfg config.RedisConfig, campaignID string) (core.AttemptQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &redisQueue{
		client: client,
		key:    queueKeyPrefix + campaignID + ":pending",
	}, nil
}

func (q *redisQueue) Push(ctx context.Context, item core.QueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal queue item: %w", err)
	}

	return q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: data,
	}).Err()
}

func (q *redisQueue) Pop(ctx context.Context) (*core.QueueItem, error) {
	result := q.client.ZPopMin(ctx, q.key, 1)
	if err := result.Err(); err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	members := result.Val()
	if len(members) == 0 {
		return nil, nil
	}

	raw, ok := members[0].Member.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected queue member type %T", members[0].Member)
	}

	var item core.QueueItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal queue item: %w", err)
	}

	return &item, nil
}

func (q *redisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (q *redisQueue) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := q.client.Del(ctx, q.key).Err(); err != nil && err != redis.Nil {
		q.client.Close()
		return fmt.Errorf("failed to drop pending key: %w", err)
	}
	return q.client.Close()
}
