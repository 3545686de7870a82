package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"chatbot-engine/pkg/metrics"
)

// DueIndex orders pending scheduled messages by delivery time
type DueIndex interface {
	Add(ctx context.Context, member string, at time.Time) error
	Due(ctx context.Context, now time.Time) ([]string, error)
	Remove(ctx context.Context, member string) (bool, error)
	Count(ctx context.Context) (int64, error)
}

// RedisIndex keeps the due-time index in a sorted set scored by unix millis
type RedisIndex struct {
	rdb     *redis.Client
	key     string
	metrics *metrics.Metrics
}

func NewRedisIndex(rdb *redis.Client, key string, metrics *metrics.Metrics) *RedisIndex {
	return &RedisIndex{rdb: rdb, key: key, metrics: metrics}
}

func (ri *RedisIndex) observe(operation string, start time.Time) {
	ri.metrics.RedisOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (ri *RedisIndex) Add(ctx context.Context, member string, at time.Time) error {
	defer ri.observe("index_add", time.Now())

	err := ri.rdb.ZAdd(ctx, ri.key, &redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: member,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to index scheduled message: %w", err)
	}
	return nil
}

// Due returns every member scored at or before now, oldest first
func (ri *RedisIndex) Due(ctx context.Context, now time.Time) ([]string, error) {
	defer ri.observe("index_due", time.Now())

	members, err := ri.rdb.ZRangeByScore(ctx, ri.key, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query due messages: %w", err)
	}
	return members, nil
}

func (ri *RedisIndex) Remove(ctx context.Context, member string) (bool, error) {
	defer ri.observe("index_remove", time.Now())

	removed, err := ri.rdb.ZRem(ctx, ri.key, member).Result()
	if err != nil {
		return false, fmt.Errorf("failed to remove scheduled message from index: %w", err)
	}
	return removed > 0, nil
}

func (ri *RedisIndex) Count(ctx context.Context) (int64, error) {
	defer ri.observe("index_count", time.Now())

	count, err := ri.rdb.ZCard(ctx, ri.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count scheduled messages: %w", err)
	}
	return count, nil
}

// splitMember parses "sessionID:messageID". Session ids may contain colons,
// message ids never do.
func splitMember(member string) (sessionID, messageID string, ok bool) {
	i := strings.LastIndex(member, ":")
	if i <= 0 || i == len(member)-1 {
		return "", "", false
	}
	return member[:i], member[i+1:], true
}
