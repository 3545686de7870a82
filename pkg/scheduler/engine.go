// Package scheduler delivers messages scheduled for a future time. Pending
// messages live in the persistent store and in a due-time index; a periodic
// sweep in every process sends whatever became due for the sessions live on
// that process.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"chatbot-engine/pkg/constants"
	"chatbot-engine/pkg/gateway"
	"chatbot-engine/pkg/metrics"
	"chatbot-engine/pkg/models"
	"chatbot-engine/pkg/store"
)

var (
	ErrSchedulingDisabled = errors.New("scheduler: scheduling is disabled for this session")
	ErrScheduleLimit      = errors.New("scheduler: scheduled message limit reached")
	ErrInvalidMessage     = errors.New("scheduler: invalid scheduled message")
)

// Registry gives the sweep read access to live sessions
type Registry interface {
	Outbound(sessionID string) (gateway.Client, bool)
}

// OwnerLookup tells which process holds a session, "" when none does
type OwnerLookup interface {
	Owner(ctx context.Context, sessionID string) (string, error)
}

// Cluster lets several processes sweep one index. A process delivers only
// the messages of sessions live on it and skips those owned by another
// process. Messages of sessions live nowhere are left to the leader, which
// applies the failure policy.
type Cluster struct {
	Owners   OwnerLookup
	Claims   *Claims
	IsLeader func() bool
}

// Options tune the sweep
type Options struct {
	FailurePolicy string
	Concurrency   int
}

// SweepResult counts the outcomes of one sweep
type SweepResult struct {
	Due     int
	Sent    int
	Retried int
	Failed  int
	Stale   int
	Skipped int
}

// Engine schedules, cancels and delivers messages
type Engine struct {
	store    store.ScheduledMessages
	index    DueIndex
	registry Registry
	cluster  Cluster
	opts     Options
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewEngine(st store.ScheduledMessages, index DueIndex, registry Registry, opts Options, logger *logrus.Logger, metrics *metrics.Metrics) *Engine {
	if opts.Concurrency <= 0 {
		opts.Concurrency = constants.DefaultSweepConcurrency
	}
	if opts.FailurePolicy != constants.FailurePolicyFail {
		opts.FailurePolicy = constants.FailurePolicyRetry
	}
	return &Engine{
		store:    st,
		index:    index,
		registry: registry,
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// SetClock replaces time.Now
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// SetRegistry binds the session registry. The registry is created after the
// engine in the process wiring.
func (e *Engine) SetRegistry(registry Registry) {
	e.registry = registry
}

// SetCluster enables sweeping alongside other processes
func (e *Engine) SetCluster(cluster Cluster) {
	e.cluster = cluster
}

func (e *Engine) isLeader() bool {
	return e.cluster.IsLeader == nil || e.cluster.IsLeader()
}

// Schedule persists a pending message and indexes it by delivery time
func (e *Engine) Schedule(ctx context.Context, sessionID, recipient, body string, when time.Time) (*models.ScheduledMessage, error) {
	if strings.TrimSpace(sessionID) == "" || strings.TrimSpace(recipient) == "" || strings.TrimSpace(body) == "" || when.IsZero() {
		return nil, ErrInvalidMessage
	}

	now := e.now()
	msg := &models.ScheduledMessage{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		Recipient:     recipient,
		Body:          body,
		ScheduledTime: when,
		Status:        models.ScheduledPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := e.store.CreateScheduledMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to persist scheduled message: %w", err)
	}

	if err := e.index.Add(ctx, msg.IndexMember(), when); err != nil {
		// a record outside the index must not stay pending
		if uerr := e.store.UpdateScheduledMessageStatus(ctx, msg.ID, models.ScheduledFailed, now); uerr != nil {
			e.logger.WithError(uerr).WithField("message_id", msg.ID).Error("Failed to mark unindexed message failed")
		}
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"session_id":     sessionID,
		"message_id":     msg.ID,
		"scheduled_time": when,
	}).Info("Scheduled message")

	return msg, nil
}

// ScheduleFor applies the scheduling settings of a session before Schedule
func (e *Engine) ScheduleFor(ctx context.Context, settings models.Settings, sessionID, recipient, body string, when time.Time) (*models.ScheduledMessage, error) {
	if !settings.AllowScheduling {
		return nil, ErrSchedulingDisabled
	}
	if settings.MaxScheduledMessages > 0 {
		pending, err := e.store.CountPendingScheduledMessages(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to count scheduled messages: %w", err)
		}
		if pending >= settings.MaxScheduledMessages {
			return nil, ErrScheduleLimit
		}
	}
	return e.Schedule(ctx, sessionID, recipient, body, when)
}

// Cancel removes a pending message from the index and marks it canceled.
// It reports false, without error, when the message is unknown, belongs to
// another session, or already reached a terminal state.
func (e *Engine) Cancel(ctx context.Context, sessionID, id string) (bool, error) {
	msg, err := e.store.GetScheduledMessage(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			if _, err := e.index.Remove(ctx, sessionID+":"+id); err != nil {
				return false, err
			}
			return false, nil
		}
		return false, fmt.Errorf("failed to load scheduled message: %w", err)
	}
	if msg.SessionID != sessionID || msg.Status.Terminal() {
		return false, nil
	}

	if _, err := e.index.Remove(ctx, msg.IndexMember()); err != nil {
		return false, err
	}
	if err := e.store.UpdateScheduledMessageStatus(ctx, id, models.ScheduledCanceled, e.now()); err != nil {
		return false, fmt.Errorf("failed to cancel scheduled message: %w", err)
	}

	e.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"message_id": id,
	}).Info("Canceled scheduled message")
	return true, nil
}

// Due returns the index members due at now
func (e *Engine) Due(ctx context.Context, now time.Time) ([]string, error) {
	return e.index.Due(ctx, now)
}

// Pending returns the size of the due-time index
func (e *Engine) Pending(ctx context.Context) (int64, error) {
	return e.index.Count(ctx)
}

type outcome string

const (
	outcomeSent    outcome = "sent"
	outcomeRetried outcome = "retried"
	outcomeFailed  outcome = "failed"
	outcomeStale   outcome = "stale"
	outcomeSkipped outcome = "skipped"
	outcomeError   outcome = "error"
)

// Sweep delivers every due message. Entry failures are logged and counted;
// only a failed index query fails the sweep.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	defer func() {
		e.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	now := e.now()
	members, err := e.index.Due(ctx, now)
	if err != nil {
		return SweepResult{}, err
	}
	e.metrics.DueMessagesCount.Set(float64(len(members)))

	var (
		mu     sync.Mutex
		result = SweepResult{Due: len(members)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for _, member := range members {
		member := member
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			out := e.deliver(gctx, member, now)
			e.metrics.ScheduledDeliveries.WithLabelValues(string(out)).Inc()

			mu.Lock()
			defer mu.Unlock()
			switch out {
			case outcomeSent:
				result.Sent++
			case outcomeRetried, outcomeError:
				result.Retried++
			case outcomeFailed:
				result.Failed++
			case outcomeStale:
				result.Stale++
			case outcomeSkipped:
				result.Skipped++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	if result.Due > 0 {
		e.logger.WithFields(logrus.Fields{
			"due":     result.Due,
			"sent":    result.Sent,
			"retried": result.Retried,
			"failed":  result.Failed,
			"stale":   result.Stale,
			"skipped": result.Skipped,
		}).Info("Scheduled message sweep finished")
	}
	return result, nil
}

func (e *Engine) deliver(ctx context.Context, member string, now time.Time) outcome {
	logger := e.logger.WithField("index_member", member)

	sessionID, id, ok := splitMember(member)
	if !ok {
		logger.Warn("Dropping malformed index entry")
		return e.dropStale(ctx, member, logger)
	}

	client, live := e.registry.Outbound(sessionID)
	if !live && e.cluster.Owners != nil {
		return e.deliverElsewhere(ctx, member, sessionID, id, now, logger)
	}
	if live && e.cluster.Claims != nil {
		claimed, err := e.cluster.Claims.Acquire(ctx, member)
		if err != nil {
			logger.WithError(err).Error("Failed to claim scheduled message")
			return outcomeError
		}
		if !claimed {
			return outcomeSkipped
		}
		defer func() {
			if err := e.cluster.Claims.Release(ctx, member); err != nil {
				logger.WithError(err).Warn("Failed to release scheduled message claim")
			}
		}()
	}

	msg, err := e.store.GetScheduledMessage(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return e.dropStale(ctx, member, logger)
		}
		logger.WithError(err).Error("Failed to load scheduled message")
		return outcomeError
	}
	if msg.Status.Terminal() || msg.SessionID != sessionID {
		return e.dropStale(ctx, member, logger)
	}

	logger = logger.WithFields(logrus.Fields{
		"session_id": msg.SessionID,
		"message_id": msg.ID,
	})

	if !live {
		return e.undeliverable(ctx, msg, now, errors.New("session is not live"), logger)
	}
	if err := client.SendText(ctx, msg.Recipient, msg.Body, gateway.SendOptions{}); err != nil {
		return e.undeliverable(ctx, msg, now, err, logger)
	}

	// mark first: a crash between the two steps leaves a stale entry, never a resend
	if err := e.store.UpdateScheduledMessageStatus(ctx, msg.ID, models.ScheduledSent, now); err != nil {
		logger.WithError(err).Error("Delivered scheduled message but failed to mark it sent")
		return outcomeError
	}
	if _, err := e.index.Remove(ctx, member); err != nil {
		logger.WithError(err).Warn("Failed to remove delivered message from index")
	}

	logger.Info("Delivered scheduled message")
	return outcomeSent
}

// deliverElsewhere handles an entry whose session is not live here. The
// owning process delivers it; with no owner only the leader decides, and a
// record it cannot find may belong to another process's store.
func (e *Engine) deliverElsewhere(ctx context.Context, member, sessionID, id string, now time.Time, logger *logrus.Entry) outcome {
	owner, err := e.cluster.Owners.Owner(ctx, sessionID)
	if err != nil {
		logger.WithError(err).Error("Failed to look up session owner")
		return outcomeError
	}
	if owner != "" || !e.isLeader() {
		return outcomeSkipped
	}

	msg, err := e.store.GetScheduledMessage(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.WithError(err).Error("Failed to load scheduled message")
			return outcomeError
		}
		return outcomeSkipped
	}
	if msg.Status.Terminal() || msg.SessionID != sessionID {
		return e.dropStale(ctx, member, logger)
	}

	logger = logger.WithFields(logrus.Fields{
		"session_id": msg.SessionID,
		"message_id": msg.ID,
	})
	return e.undeliverable(ctx, msg, now, errors.New("session is not live on any process"), logger)
}

func (e *Engine) undeliverable(ctx context.Context, msg *models.ScheduledMessage, now time.Time, cause error, logger *logrus.Entry) outcome {
	if e.opts.FailurePolicy == constants.FailurePolicyRetry {
		logger.WithError(cause).Warn("Scheduled message not delivered, retrying on next sweep")
		return outcomeRetried
	}

	logger.WithError(cause).Warn("Scheduled message not delivered, marking failed")
	if err := e.store.UpdateScheduledMessageStatus(ctx, msg.ID, models.ScheduledFailed, now); err != nil {
		logger.WithError(err).Error("Failed to mark scheduled message failed")
		return outcomeError
	}
	if _, err := e.index.Remove(ctx, msg.IndexMember()); err != nil {
		logger.WithError(err).Warn("Failed to remove failed message from index")
	}
	return outcomeFailed
}

func (e *Engine) dropStale(ctx context.Context, member string, logger *logrus.Entry) outcome {
	if _, err := e.index.Remove(ctx, member); err != nil {
		logger.WithError(err).Warn("Failed to remove stale index entry")
		return outcomeError
	}
	logger.Debug("Removed stale index entry")
	return outcomeStale
}
