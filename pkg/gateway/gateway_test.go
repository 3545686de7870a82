package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbot-engine/pkg/logging"
	"chatbot-engine/pkg/metrics"
)

func setupRedis(t *testing.T) *redis.Client {
	_, rdb := setupMiniredis(t)
	return rdb
}

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

type recordingHandler struct {
	mu     sync.Mutex
	events []Event
	err    error
	before func(evt Event) error
}

func (h *recordingHandler) HandleEvent(ctx context.Context, evt Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, evt)
	if h.before != nil {
		return h.before(evt)
	}
	return h.err
}

func (h *recordingHandler) Events() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...)
}

func TestParseEvent(t *testing.T) {
	evt, err := ParseEvent(map[string]interface{}{
		"session_id": "bot-1",
		"type":       "disconnected",
		"reason":     "logout",
	})
	require.NoError(t, err)
	assert.Equal(t, EventDisconnected, evt.Type)
	assert.Equal(t, "logout", evt.Reason)
	assert.Nil(t, evt.Message)

	evt, err = ParseEvent(map[string]interface{}{
		"session_id": "bot-1",
		"type":       "message",
		"message_id": "ABC",
		"sender":     "5511999@c.us",
		"body":       "oi",
		"kind":       "chat",
		"has_media":  "false",
		"is_group":   "1",
		"timestamp":  "1893492000000",
	})
	require.NoError(t, err)
	require.NotNil(t, evt.Message)
	assert.Equal(t, "ABC", evt.Message.ID)
	assert.Equal(t, "5511999@c.us", evt.Message.Sender)
	assert.True(t, evt.Message.IsGroup)
	assert.False(t, evt.Message.FromMe)
	assert.Equal(t, int64(1893492000000), evt.Message.Timestamp.UnixMilli())
}

func TestParseEventRejectsMalformed(t *testing.T) {
	for _, values := range []map[string]interface{}{
		{"type": "ready"},
		{"session_id": "bot-1"},
		{"session_id": "bot-1", "type": "unknown"},
		{"session_id": "bot-1", "type": "message"},
		{"session_id": "bot-1", "type": "message", "sender": "s", "is_group": "maybe"},
		{"session_id": "bot-1", "type": "message", "sender": "s", "timestamp": "yesterday"},
	} {
		_, err := ParseEvent(values)
		assert.Error(t, err, values)
	}
}

func TestStreamClientPublishesCommands(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()
	outbound := NewStreamOutbound(rdb, "gateway_outbound", logging.Quiet(), metrics.NewTestMetrics())
	client := outbound.For("bot-1")

	require.NoError(t, client.SetTyping(ctx, "5511999"))
	require.NoError(t, client.SendReaction(ctx, "5511999", "ABC", "👍"))
	require.NoError(t, client.SendText(ctx, "5511999", "Olá!", SendOptions{QuotedMessageID: "ABC"}))

	entries, err := rdb.XRange(ctx, "gateway_outbound", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, CommandTyping, entries[0].Values["command"])
	assert.Equal(t, CommandReaction, entries[1].Values["command"])
	assert.Equal(t, "👍", entries[1].Values["emoji"])

	send := entries[2].Values
	assert.Equal(t, CommandSendText, send["command"])
	assert.Equal(t, "bot-1", send["session_id"])
	assert.Equal(t, "5511999", send["recipient"])
	assert.Equal(t, "Olá!", send["body"])
	assert.Equal(t, "ABC", send["quoted_message_id"])
}

func TestStreamConsumerAcknowledgesHandledEvents(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()
	handler := &recordingHandler{}
	consumer := NewStreamConsumer(rdb, "gateway_events", "engine", "pod-1", handler, logging.Quiet(), metrics.NewTestMetrics())
	require.NoError(t, consumer.createConsumerGroup(ctx))
	// creating the group twice is fine
	require.NoError(t, consumer.createConsumerGroup(ctx))

	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{Stream: "gateway_events", Values: map[string]interface{}{
		"session_id": "bot-1", "type": "ready",
	}}).Err())
	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{Stream: "gateway_events", Values: map[string]interface{}{
		"session_id": "bot-1", "type": "bogus",
	}}).Err())

	assert.Equal(t, 2, consumer.consumeMessages(ctx))

	require.Len(t, handler.events, 1)
	assert.Equal(t, EventReady, handler.events[0].Type)

	pending, err := rdb.XPending(ctx, "gateway_events", "engine").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestStreamConsumerLeavesFailedEventsPending(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()
	handler := &recordingHandler{err: errors.New("catalog unavailable")}
	consumer := NewStreamConsumer(rdb, "gateway_events", "engine", "pod-1", handler, logging.Quiet(), metrics.NewTestMetrics())
	require.NoError(t, consumer.createConsumerGroup(ctx))

	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{Stream: "gateway_events", Values: map[string]interface{}{
		"session_id": "bot-1", "type": "ready",
	}}).Err())

	assert.Equal(t, 1, consumer.consumeMessages(ctx))

	pending, err := rdb.XPending(ctx, "gateway_events", "engine").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)

	// once the handler recovers the reclaimed event is acknowledged
	handler.mu.Lock()
	handler.err = nil
	handler.mu.Unlock()
	consumer.minIdle = 0
	consumer.processPendingMessages(ctx)

	pending, err = rdb.XPending(ctx, "gateway_events", "engine").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
	assert.Len(t, handler.events, 2)
}

func TestStreamConsumerStopsWithContext(t *testing.T) {
	rdb := setupRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	consumer := NewStreamConsumer(rdb, "gateway_events", "engine", "pod-1", &recordingHandler{}, logging.Quiet(), metrics.NewTestMetrics())
	require.NoError(t, consumer.Start(ctx))

	cancel()
	consumer.Stop()
	time.Sleep(50 * time.Millisecond)
}

func TestOwnershipClaimAndRelease(t *testing.T) {
	mr, rdb := setupMiniredis(t)
	ctx := context.Background()
	m := metrics.NewTestMetrics()
	podA := NewOwnership(rdb, "session_owner:", "pod-a", 30*time.Second, m)
	podB := NewOwnership(rdb, "session_owner:", "pod-b", 30*time.Second, m)

	owner, err := podA.Claim(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, "pod-a", owner)

	owner, err = podB.Claim(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, "pod-a", owner)

	// releasing a session held by another process changes nothing
	require.NoError(t, podB.Release(ctx, "bot-1"))
	owner, err = podB.Owner(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, "pod-a", owner)

	require.NoError(t, podA.Release(ctx, "bot-1"))
	owner, err = podB.Owner(ctx, "bot-1")
	require.NoError(t, err)
	assert.Empty(t, owner)

	// an unrenewed claim expires and can be taken over
	_, err = podA.Claim(ctx, "bot-1")
	require.NoError(t, err)
	mr.FastForward(31 * time.Second)
	owner, err = podB.Claim(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, "pod-b", owner)
}

func newRoutingConsumer(t *testing.T, rdb *redis.Client, podID string, handler Handler) *StreamConsumer {
	m := metrics.NewTestMetrics()
	consumer := NewStreamConsumer(rdb, "gateway_events", "engine", podID, handler, logging.Quiet(), m)
	consumer.SetOwnership(NewOwnership(rdb, "session_owner:", podID, time.Minute, m))
	require.NoError(t, consumer.createConsumerGroup(context.Background()))
	return consumer
}

func TestStreamConsumerForwardsEventsToSessionOwner(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()
	handlerA := &recordingHandler{}
	handlerB := &recordingHandler{}
	consumerA := newRoutingConsumer(t, rdb, "pod-a", handlerA)
	consumerB := newRoutingConsumer(t, rdb, "pod-b", handlerB)

	_, err := consumerA.ownership.Claim(ctx, "bot-1")
	require.NoError(t, err)

	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{Stream: "gateway_events", Values: map[string]interface{}{
		"session_id": "bot-1", "type": "message", "sender": "5511999", "body": "oi",
	}}).Err())

	// pod-b reads it from the shared stream and hands it over
	assert.Equal(t, 1, consumerB.consumeMessages(ctx))
	assert.Empty(t, handlerB.Events())
	length, err := rdb.XLen(ctx, InboxStream("gateway_events", "pod-a")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)
	pending, err := rdb.XPending(ctx, "gateway_events", "engine").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)

	assert.Equal(t, 1, consumerA.consumeMessages(ctx))
	events := handlerA.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "oi", events[0].Message.Body)

	pending, err = rdb.XPending(ctx, InboxStream("gateway_events", "pod-a"), "engine").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestStreamConsumerForwardsWhenClaimIsLost(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()
	winner := NewOwnership(rdb, "session_owner:", "pod-a", time.Minute, metrics.NewTestMetrics())
	handlerB := &recordingHandler{before: func(evt Event) error {
		// another process activated the session first
		if _, err := winner.Claim(ctx, evt.SessionID); err != nil {
			return err
		}
		return ErrOwnedElsewhere
	}}
	handlerA := &recordingHandler{}
	consumerA := newRoutingConsumer(t, rdb, "pod-a", handlerA)
	consumerB := newRoutingConsumer(t, rdb, "pod-b", handlerB)

	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{Stream: "gateway_events", Values: map[string]interface{}{
		"session_id": "bot-1", "type": "ready",
	}}).Err())

	assert.Equal(t, 1, consumerB.consumeMessages(ctx))
	assert.Len(t, handlerB.Events(), 1)
	pending, err := rdb.XPending(ctx, "gateway_events", "engine").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)

	assert.Equal(t, 1, consumerA.consumeMessages(ctx))
	events := handlerA.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventReady, events[0].Type)
}
