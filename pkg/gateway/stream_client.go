package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"chatbot-engine/pkg/metrics"
)

// Outbound command names understood by the gateway
const (
	CommandSendText = "send_text"
	CommandTyping   = "typing"
	CommandReaction = "reaction"
)

// StreamOutbound appends outbound commands to a Redis stream read by the gateway
type StreamOutbound struct {
	rdb     *redis.Client
	stream  string
	maxLen  int64
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewStreamOutbound(rdb *redis.Client, stream string, logger *logrus.Logger, metrics *metrics.Metrics) *StreamOutbound {
	return &StreamOutbound{
		rdb:     rdb,
		stream:  stream,
		maxLen:  100000,
		logger:  logger,
		metrics: metrics,
	}
}

// For returns the Client of one session
func (o *StreamOutbound) For(sessionID string) *StreamClient {
	return &StreamClient{outbound: o, sessionID: sessionID}
}

func (o *StreamOutbound) publish(ctx context.Context, sessionID, command string, values map[string]interface{}) error {
	start := time.Now()
	defer func() {
		o.metrics.RedisOperationDuration.WithLabelValues("gateway_command").Observe(time.Since(start).Seconds())
	}()

	values["session_id"] = sessionID
	values["command"] = command
	values["issued_at"] = time.Now().UnixMilli()

	messageID, err := o.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: o.stream,
		MaxLen: o.maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish %s command: %w", command, err)
	}

	o.metrics.GatewayCommands.WithLabelValues(command).Inc()
	o.logger.WithFields(logrus.Fields{
		"session_id":        sessionID,
		"command":           command,
		"stream_message_id": messageID,
	}).Debug("Published gateway command")
	return nil
}

// StreamClient is the Client of one session over the outbound stream
type StreamClient struct {
	outbound  *StreamOutbound
	sessionID string
}

func (c *StreamClient) SendText(ctx context.Context, recipient, body string, opts SendOptions) error {
	return c.outbound.publish(ctx, c.sessionID, CommandSendText, map[string]interface{}{
		"recipient":         recipient,
		"body":              body,
		"quoted_message_id": opts.QuotedMessageID,
	})
}

func (c *StreamClient) SetTyping(ctx context.Context, recipient string) error {
	return c.outbound.publish(ctx, c.sessionID, CommandTyping, map[string]interface{}{
		"recipient": recipient,
	})
}

func (c *StreamClient) SendReaction(ctx context.Context, recipient, messageID, emoji string) error {
	return c.outbound.publish(ctx, c.sessionID, CommandReaction, map[string]interface{}{
		"recipient":  recipient,
		"message_id": messageID,
		"emoji":      emoji,
	})
}
