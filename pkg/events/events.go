// Package events publishes status and log events for the UI collaborator.
// Publishing is fire-and-forget: nothing in the conversation engine waits
// for, or depends on, delivery.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type names the kind of UI event
type Type string

const (
	TypeStatus      Type = "status"
	TypePairingCode Type = "pairing_code"
	TypeInbound     Type = "message.inbound"
	TypeOutbound    Type = "message.outbound"
	TypeTyping      Type = "message.typing"
	TypeThrottled   Type = "message.throttled"
	TypeDropped     Type = "message.dropped"
	TypeScheduled   Type = "schedule.delivered"
)

// Connection statuses carried by status events
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusAuthFailed   = "auth_failed"
	StatusExpired      = "expired"
	StatusStopped      = "stopped"
)

// Event is one status or log entry about a session
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id"`
	Status    string    `json:"status,omitempty"`
	Contact   string    `json:"contact,omitempty"`
	Message   string    `json:"message,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Time      time.Time `json:"time"`
}

// Meta is the envelope header of a published event
type Meta struct {
	ID       string    `json:"id"`
	Producer string    `json:"producer,omitempty"`
	Time     time.Time `json:"time"`
	Type     string    `json:"type"`
}

// Envelope wraps an event for the wire
type Envelope struct {
	Meta Meta  `json:"meta"`
	Data Event `json:"data"`
}

// Wrap builds the envelope of evt
func Wrap(producer string, evt Event) Envelope {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}
	return Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Producer: producer,
			Time:     evt.Time,
			Type:     "chatbot." + string(evt.Type) + ".v1",
		},
		Data: evt,
	}
}

// Publisher delivers events to a transport
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// Emitter is the fire-and-forget facade used by the engine
type Emitter interface {
	Emit(evt Event)
}

// Discard drops every event
type Discard struct{}

func (Discard) Emit(Event) {}
