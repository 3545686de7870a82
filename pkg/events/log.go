package events

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogPublisher writes events to the logger. Used when no broker is configured.
type LogPublisher struct {
	logger *logrus.Logger
}

func NewLogPublisher(logger *logrus.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, evt Event) error {
	p.logger.WithFields(logrus.Fields{
		"event":      evt.Type,
		"session_id": evt.SessionID,
		"status":     evt.Status,
		"contact":    evt.Contact,
		"reason":     evt.Reason,
	}).Debug(evt.Message)
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
