package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"chatbot-engine/pkg/metrics"
)

// Claims is a short-lived per-entry lock taken before a delivery so that two
// processes sweeping the same index never send one message twice
type Claims struct {
	rdb     *redis.Client
	prefix  string
	owner   string
	ttl     time.Duration
	metrics *metrics.Metrics
}

func NewClaims(rdb *redis.Client, prefix, owner string, ttl time.Duration, metrics *metrics.Metrics) *Claims {
	if ttl < time.Second {
		ttl = time.Second
	}
	return &Claims{rdb: rdb, prefix: prefix, owner: owner, ttl: ttl, metrics: metrics}
}

// Acquire reports whether this process now holds member
func (c *Claims) Acquire(ctx context.Context, member string) (bool, error) {
	start := time.Now()
	defer func() {
		c.metrics.RedisOperationDuration.WithLabelValues("claim_acquire").Observe(time.Since(start).Seconds())
	}()

	ok, err := c.rdb.SetNX(ctx, c.prefix+member, c.owner, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", member, err)
	}
	return ok, nil
}

// Release drops the claim if this process still holds it
func (c *Claims) Release(ctx context.Context, member string) error {
	if err := c.rdb.Eval(ctx, resignScript, []string{c.prefix + member}, c.owner).Err(); err != nil {
		return fmt.Errorf("failed to release %s: %w", member, err)
	}
	return nil
}
