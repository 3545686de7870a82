package events

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatbot-engine/pkg/metrics"
)

// Dispatcher decouples emitters from the publisher with a bounded queue
// drained by one worker. Events are dropped when the queue is full.
type Dispatcher struct {
	publisher Publisher
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	timeout   time.Duration
	queue     chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func NewDispatcher(publisher Publisher, queueSize int, logger *logrus.Logger, metrics *metrics.Metrics) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	d := &Dispatcher{
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
		timeout:   3 * time.Second,
		queue:     make(chan Event, queueSize),
		done:      make(chan struct{}),
	}
	go d.run()
	return d
}

// Emit enqueues evt without blocking
func (d *Dispatcher) Emit(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}
	select {
	case d.queue <- evt:
	default:
		d.metrics.EventsDropped.Inc()
		d.logger.WithFields(logrus.Fields{
			"event":      evt.Type,
			"session_id": evt.SessionID,
		}).Warn("UI event queue full, dropping event")
	}
}

// Close drains queued events and closes the publisher
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		close(d.queue)
		<-d.done
	})
	return d.publisher.Close()
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for evt := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.publisher.Publish(ctx, evt); err != nil {
			d.logger.WithError(err).WithFields(logrus.Fields{
				"event":      evt.Type,
				"session_id": evt.SessionID,
			}).Warn("Failed to publish UI event")
		}
		cancel()
	}
}
