// Package gateway is the boundary to the messaging gateway that owns the
// network connection of every session. The gateway publishes connection
// signals and inbound messages and accepts outbound commands.
package gateway

import (
	"context"
	"time"
)

// EventType names a gateway signal
type EventType string

const (
	EventPairingCode  EventType = "pairing_code"
	EventReady        EventType = "ready"
	EventDisconnected EventType = "disconnected"
	EventAuthFailure  EventType = "auth_failure"
	EventMessage      EventType = "message"
)

// InboundMessage is a chat message received by a session
type InboundMessage struct {
	ID         string    `json:"id"`
	Sender     string    `json:"sender"`
	Body       string    `json:"body"`
	Kind       string    `json:"kind"`
	HasMedia   bool      `json:"has_media"`
	IsGroup    bool      `json:"is_group"`
	FromMe     bool      `json:"from_me"`
	Transcript string    `json:"transcript,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Event is one gateway signal for one session. Message is set for EventMessage.
type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id"`
	Reason    string          `json:"reason,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   *InboundMessage `json:"message,omitempty"`
}

// SendOptions tune an outbound text
type SendOptions struct {
	QuotedMessageID string
}

// Client is the outbound capability of one session
type Client interface {
	SendText(ctx context.Context, recipient, body string, opts SendOptions) error
	SetTyping(ctx context.Context, recipient string) error
	SendReaction(ctx context.Context, recipient, messageID, emoji string) error
}

// Handler consumes gateway events
type Handler interface {
	HandleEvent(ctx context.Context, evt Event) error
}
