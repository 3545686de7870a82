package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"chatbot-engine/pkg/metrics"
)

// ErrOwnedElsewhere is returned when a session is live on another process.
// The stream consumer forwards the event to that process.
var ErrOwnedElsewhere = errors.New("gateway: session is owned by another process")

const claimOwnerScript = `
	local owner = redis.call("GET", KEYS[1])
	if not owner then
		redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
		return ARGV[1]
	end
	if owner == ARGV[1] then
		redis.call("PEXPIRE", KEYS[1], ARGV[2])
	end
	return owner
`

const releaseOwnerScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`

// Ownership records which process holds each live session. Gateway events
// consumed by any process are routed to the owner, and only the owner
// delivers the session's scheduled messages. Claims expire unless renewed,
// so the sessions of a dead process can be claimed again.
type Ownership struct {
	rdb     *redis.Client
	prefix  string
	podID   string
	ttl     time.Duration
	metrics *metrics.Metrics
}

func NewOwnership(rdb *redis.Client, prefix, podID string, ttl time.Duration, metrics *metrics.Metrics) *Ownership {
	if ttl < time.Second {
		ttl = time.Second
	}
	return &Ownership{rdb: rdb, prefix: prefix, podID: podID, ttl: ttl, metrics: metrics}
}

func (o *Ownership) key(sessionID string) string {
	return o.prefix + sessionID
}

func (o *Ownership) observe(operation string, start time.Time) {
	o.metrics.RedisOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Self is the id this process claims sessions under
func (o *Ownership) Self() string {
	return o.podID
}

// TTL is how long a claim survives without renewal
func (o *Ownership) TTL() time.Duration {
	return o.ttl
}

// Claim takes or renews the session for this process and returns the
// current owner. The claim failed when the owner is not Self.
func (o *Ownership) Claim(ctx context.Context, sessionID string) (string, error) {
	defer o.observe("ownership_claim", time.Now())

	owner, err := o.rdb.Eval(ctx, claimOwnerScript, []string{o.key(sessionID)}, o.podID, o.ttl.Milliseconds()).Text()
	if err != nil {
		return "", fmt.Errorf("failed to claim session %s: %w", sessionID, err)
	}
	return owner, nil
}

// Owner returns the process holding the session, or "" when none does
func (o *Ownership) Owner(ctx context.Context, sessionID string) (string, error) {
	defer o.observe("ownership_get", time.Now())

	owner, err := o.rdb.Get(ctx, o.key(sessionID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read owner of session %s: %w", sessionID, err)
	}
	return owner, nil
}

// Release gives the session up if this process holds it
func (o *Ownership) Release(ctx context.Context, sessionID string) error {
	defer o.observe("ownership_release", time.Now())

	if err := o.rdb.Eval(ctx, releaseOwnerScript, []string{o.key(sessionID)}, o.podID).Err(); err != nil {
		return fmt.Errorf("failed to release session %s: %w", sessionID, err)
	}
	return nil
}

// InboxStream is the stream events are forwarded to for podID
func InboxStream(stream, podID string) string {
	return stream + ":" + podID
}
