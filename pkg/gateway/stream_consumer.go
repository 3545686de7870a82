package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"chatbot-engine/pkg/metrics"
)

// StreamConsumer reads gateway events from a Redis stream with a consumer
// group. Events are acknowledged once handled or when they cannot be parsed;
// events whose handling failed stay pending and are reclaimed later.
//
// With an Ownership set, events of sessions owned by another process are
// forwarded to that process's inbox stream, which every consumer also reads.
type StreamConsumer struct {
	rdb          *redis.Client
	stream       string
	group        string
	podID        string
	consumerName string
	handler      Handler
	ownership    *Ownership
	logger       *logrus.Logger
	metrics      *metrics.Metrics
	minIdle      time.Duration
	stopCh       chan struct{}
}

func NewStreamConsumer(rdb *redis.Client, stream, group, podID string, handler Handler, logger *logrus.Logger, metrics *metrics.Metrics) *StreamConsumer {
	return &StreamConsumer{
		rdb:          rdb,
		stream:       stream,
		group:        group,
		podID:        podID,
		consumerName: fmt.Sprintf("consumer-%s", podID),
		handler:      handler,
		logger:       logger,
		metrics:      metrics,
		minIdle:      time.Minute,
		stopCh:       make(chan struct{}),
	}
}

// SetOwnership enables routing of events to the process owning their session
func (sc *StreamConsumer) SetOwnership(ownership *Ownership) {
	sc.ownership = ownership
}

// streams lists the shared stream and, when routing, this process's inbox
func (sc *StreamConsumer) streams() []string {
	if sc.ownership == nil {
		return []string{sc.stream}
	}
	return []string{sc.stream, InboxStream(sc.stream, sc.podID)}
}

func (sc *StreamConsumer) Start(ctx context.Context) error {
	if err := sc.createConsumerGroup(ctx); err != nil {
		return err
	}

	sc.logger.WithFields(logrus.Fields{
		"consumer_name": sc.consumerName,
		"streams":       sc.streams(),
	}).Info("Starting gateway stream consumer")

	go sc.consumeLoop(ctx)
	go sc.pendingMessagesRecovery(ctx)
	return nil
}

func (sc *StreamConsumer) Stop() {
	close(sc.stopCh)
}

func (sc *StreamConsumer) createConsumerGroup(ctx context.Context) error {
	for _, stream := range sc.streams() {
		err := sc.rdb.XGroupCreateMkStream(ctx, stream, sc.group, "$").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create consumer group on %s: %w", stream, err)
		}
	}
	return nil
}

func (sc *StreamConsumer) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sc.stopCh:
			return
		default:
			sc.consumeMessages(ctx)
		}
	}
}

// consumeMessages reads and handles one batch. Returns the number of stream
// entries read.
func (sc *StreamConsumer) consumeMessages(ctx context.Context) int {
	names := sc.streams()
	args := make([]string, 0, 2*len(names))
	args = append(args, names...)
	for range names {
		args = append(args, ">")
	}

	streams, err := sc.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    sc.group,
		Consumer: sc.consumerName,
		Streams:  args,
		Count:    10,
		Block:    time.Second,
	}).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			sc.logger.WithError(err).Error("Failed to read from gateway stream")
			time.Sleep(time.Second)
		}
		return 0
	}

	read := 0
	for _, stream := range streams {
		for _, message := range stream.Messages {
			sc.processMessage(ctx, stream.Stream, message)
			read++
		}
	}
	return read
}

func (sc *StreamConsumer) processMessage(ctx context.Context, stream string, message redis.XMessage) {
	start := time.Now()
	defer func() {
		sc.metrics.RedisOperationDuration.WithLabelValues("process_gateway_event").Observe(time.Since(start).Seconds())
	}()

	evt, err := ParseEvent(message.Values)
	if err != nil {
		sc.logger.WithError(err).WithField("message_id", message.ID).Error("Failed to parse gateway event")
		sc.metrics.GatewayEventsProcessed.WithLabelValues("parse_error").Inc()
		sc.acknowledgeMessage(ctx, stream, message.ID)
		return
	}

	if sc.forward(ctx, stream, message, evt) {
		return
	}

	if err := sc.handler.HandleEvent(ctx, evt); err != nil {
		// lost a race for the session: the winner handles it
		if errors.Is(err, ErrOwnedElsewhere) && sc.forward(ctx, stream, message, evt) {
			return
		}
		sc.logger.WithError(err).WithFields(logrus.Fields{
			"session_id": evt.SessionID,
			"event":      evt.Type,
			"message_id": message.ID,
		}).Error("Failed to handle gateway event")
		sc.metrics.GatewayEventsProcessed.WithLabelValues("handler_error").Inc()
		return
	}

	if err := sc.acknowledgeMessage(ctx, stream, message.ID); err != nil {
		sc.logger.WithError(err).WithField("message_id", message.ID).Error("Failed to acknowledge message")
		return
	}
	sc.metrics.GatewayEventsProcessed.WithLabelValues("success").Inc()
}

// forward hands the event to the inbox of the process owning its session.
// It reports whether the event was dealt with. A failed append leaves the
// event pending here.
func (sc *StreamConsumer) forward(ctx context.Context, stream string, message redis.XMessage, evt Event) bool {
	if sc.ownership == nil {
		return false
	}

	logger := sc.logger.WithFields(logrus.Fields{
		"session_id": evt.SessionID,
		"event":      evt.Type,
		"message_id": message.ID,
	})

	owner, err := sc.ownership.Owner(ctx, evt.SessionID)
	if err != nil {
		logger.WithError(err).Warn("Failed to look up session owner, handling locally")
		return false
	}
	if owner == "" || owner == sc.podID {
		return false
	}

	err = sc.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: InboxStream(sc.stream, owner),
		Values: message.Values,
	}).Err()
	if err != nil {
		logger.WithError(err).Error("Failed to forward gateway event")
		return true
	}
	if err := sc.acknowledgeMessage(ctx, stream, message.ID); err != nil {
		logger.WithError(err).Error("Failed to acknowledge forwarded message")
	}

	logger.WithField("owner", owner).Debug("Forwarded gateway event to session owner")
	sc.metrics.GatewayEventsProcessed.WithLabelValues("forwarded").Inc()
	return true
}

func (sc *StreamConsumer) acknowledgeMessage(ctx context.Context, stream, messageID string) error {
	return sc.rdb.XAck(ctx, stream, sc.group, messageID).Err()
}

func (sc *StreamConsumer) pendingMessagesRecovery(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sc.stopCh:
			return
		case <-ticker.C:
			sc.processPendingMessages(ctx)
		}
	}
}

func (sc *StreamConsumer) processPendingMessages(ctx context.Context) {
	for _, stream := range sc.streams() {
		sc.reclaim(ctx, stream)
	}
}

// reclaim takes over events left pending for at least minIdle and handles
// them again
func (sc *StreamConsumer) reclaim(ctx context.Context, stream string) {
	pending, err := sc.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  sc.group,
		Idle:   sc.minIdle,
		Start:  "-",
		End:    "+",
		Count:  10,
	}).Result()
	if err != nil {
		sc.logger.WithError(err).WithField("stream", stream).Error("Failed to get pending gateway events")
		return
	}
	if len(pending) == 0 {
		return
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}

	messages, err := sc.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    sc.group,
		Consumer: sc.consumerName,
		MinIdle:  sc.minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		sc.logger.WithError(err).WithField("stream", stream).Error("Failed to claim pending gateway events")
		return
	}

	if len(messages) > 0 {
		sc.logger.WithFields(logrus.Fields{
			"stream":  stream,
			"claimed": len(messages),
		}).Info("Reprocessing pending gateway events")
	}
	for _, message := range messages {
		sc.processMessage(ctx, stream, message)
	}
}

// ParseEvent decodes the flat field map written by the gateway
func ParseEvent(values map[string]interface{}) (Event, error) {
	var evt Event

	sessionID, ok := values["session_id"].(string)
	if !ok || sessionID == "" {
		return evt, fmt.Errorf("missing or invalid session_id")
	}
	typ, ok := values["type"].(string)
	if !ok {
		return evt, fmt.Errorf("missing or invalid type")
	}

	evt.SessionID = sessionID
	evt.Type = EventType(typ)
	evt.Reason = stringField(values, "reason")
	evt.Code = stringField(values, "code")

	switch evt.Type {
	case EventPairingCode, EventReady, EventDisconnected, EventAuthFailure:
		return evt, nil
	case EventMessage:
	default:
		return evt, fmt.Errorf("unknown event type %q", typ)
	}

	sender := stringField(values, "sender")
	if sender == "" {
		return evt, fmt.Errorf("missing or invalid sender")
	}

	msg := &InboundMessage{
		ID:         stringField(values, "message_id"),
		Sender:     sender,
		Body:       stringField(values, "body"),
		Kind:       stringField(values, "kind"),
		Transcript: stringField(values, "transcript"),
		Timestamp:  time.Now(),
	}

	var err error
	if msg.HasMedia, err = boolField(values, "has_media"); err != nil {
		return evt, err
	}
	if msg.IsGroup, err = boolField(values, "is_group"); err != nil {
		return evt, err
	}
	if msg.FromMe, err = boolField(values, "from_me"); err != nil {
		return evt, err
	}
	if ts := stringField(values, "timestamp"); ts != "" {
		ms, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return evt, fmt.Errorf("invalid timestamp format: %w", err)
		}
		msg.Timestamp = time.UnixMilli(ms)
	}

	evt.Message = msg
	return evt, nil
}

func stringField(values map[string]interface{}, key string) string {
	s, _ := values[key].(string)
	return s
}

func boolField(values map[string]interface{}, key string) (bool, error) {
	s := stringField(values, key)
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s format: %w", key, err)
	}
	return b, nil
}
