package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"chatbot-engine/pkg/metrics"
)

const renewScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("EXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
`

const resignScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`

// LeaderElection elects one process to run the sweeps. The lock is a Redis
// key holding the pod id with a TTL, renewed while the pod stays alive.
type LeaderElection struct {
	rdb      *redis.Client
	key      string
	podID    string
	ttl      time.Duration
	interval time.Duration
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	isLeader atomic.Bool
}

func NewLeaderElection(rdb *redis.Client, key, podID string, ttl, interval time.Duration, logger *logrus.Logger, metrics *metrics.Metrics) *LeaderElection {
	return &LeaderElection{
		rdb:      rdb,
		key:      key,
		podID:    podID,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
	}
}

// Run campaigns immediately and then on every interval until ctx is done.
// Leadership is resigned on exit.
func (le *LeaderElection) Run(ctx context.Context) {
	le.logger.WithField("pod_id", le.podID).Info("Starting leader election process")

	le.TryBecomeLeader(ctx)

	ticker := time.NewTicker(le.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if le.IsLeader() {
				le.Resign(context.Background())
			}
			return
		case <-ticker.C:
			le.TryBecomeLeader(ctx)
		}
	}
}

// IsLeader reports the last known leadership state
func (le *LeaderElection) IsLeader() bool {
	return le.isLeader.Load()
}

// TryBecomeLeader takes the lock when it is free and renews it when held
func (le *LeaderElection) TryBecomeLeader(ctx context.Context) bool {
	start := time.Now()
	defer func() {
		le.metrics.LeaderElectionDuration.Observe(time.Since(start).Seconds())
	}()

	result := le.rdb.SetArgs(ctx, le.key, le.podID, redis.SetArgs{
		Mode: "NX",
		TTL:  le.ttl,
	})
	if err := result.Err(); err != nil && err != redis.Nil {
		le.logger.WithError(err).Error("Failed to attempt leader election")
		le.setLeader(false)
		return false
	}

	if result.Val() == "OK" {
		le.setLeader(true)
		return true
	}

	// someone holds the lock, renew it if it is ours
	return le.renew(ctx)
}

func (le *LeaderElection) renew(ctx context.Context) bool {
	seconds := int64(le.ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	result, err := le.rdb.Eval(ctx, renewScript, []string{le.key}, le.podID, seconds).Int64()
	if err != nil {
		le.logger.WithError(err).Error("Failed to renew leadership")
		le.setLeader(false)
		return false
	}

	le.setLeader(result == 1)
	return result == 1
}

// Resign releases the lock when this pod holds it
func (le *LeaderElection) Resign(ctx context.Context) {
	if err := le.rdb.Eval(ctx, resignScript, []string{le.key}, le.podID).Err(); err != nil {
		le.logger.WithError(err).Error("Failed to resign leadership")
	} else {
		le.logger.Info("Resigned leadership")
	}
	le.setLeader(false)
}

func (le *LeaderElection) setLeader(leader bool) {
	if le.isLeader.Swap(leader) == leader {
		return
	}
	if leader {
		le.logger.WithField("pod_id", le.podID).Info("Became leader")
		le.metrics.LeaderChanges.Inc()
	} else {
		le.logger.WithField("pod_id", le.podID).Info("Lost leadership")
	}
}
