package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// StreamPublisher appends events to a capped Redis stream
type StreamPublisher struct {
	rdb      *redis.Client
	stream   string
	producer string
	maxLen   int64
}

func NewStreamPublisher(rdb *redis.Client, stream, producer string, maxLen int64) *StreamPublisher {
	return &StreamPublisher{
		rdb:      rdb,
		stream:   stream,
		producer: producer,
		maxLen:   maxLen,
	}
}

func (p *StreamPublisher) Publish(ctx context.Context, evt Event) error {
	envelope := Wrap(p.producer, evt)
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Values: map[string]interface{}{
			"session_id": evt.SessionID,
			"type":       string(evt.Type),
			"event_data": string(data),
		},
	}
	if err := p.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to add event to stream: %w", err)
	}
	return nil
}

func (p *StreamPublisher) Close() error {
	return nil
}
