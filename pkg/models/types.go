package models

import (
	"time"

	"chatbot-engine/pkg/constants"
)

// MessageKind is the inbound content kind the response generator understands
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindVoice MessageKind = "voice"
)

// ParseMessageKind maps gateway message types onto the supported kinds.
// Anything that is not an image or a voice note is handled as text.
func ParseMessageKind(raw string) MessageKind {
	switch raw {
	case "image", "sticker":
		return KindImage
	case "voice", "ptt", "audio":
		return KindVoice
	default:
		return KindText
	}
}

// ProviderCredentials holds the text-generation keys of one tenant
type ProviderCredentials struct {
	GeminiKey    string   `json:"-" toml:"gemini_api_key"`
	OpenAIKey    string   `json:"-" toml:"openai_api_key"`
	AnthropicKey string   `json:"-" toml:"anthropic_api_key"`
	Priority     []string `json:"priority,omitempty" toml:"priority"` // provider kinds, first available wins
}

// Settings are the tunables of one bot. Durations are expressed in seconds
// (or minutes for the human control timeout) as the admin boundary stores them.
type Settings struct {
	PreventGroupResponses bool    `json:"prevent_group_responses" toml:"prevent_group_responses"`
	MaxResponseLength     int     `json:"max_response_length" toml:"max_response_length"`
	TypingIndicator       bool    `json:"typing_indicator" toml:"typing_indicator"`
	TypingDuration        float64 `json:"typing_duration" toml:"typing_duration"`
	TypingVariance        float64 `json:"typing_variance" toml:"typing_variance"`
	MinResponseDelay      float64 `json:"min_response_delay" toml:"min_response_delay"`
	MaxResponseDelay      float64 `json:"max_response_delay" toml:"max_response_delay"`
	VaryResponseDelay     bool    `json:"vary_response_delay" toml:"vary_response_delay"`
	HumanLikeMistakes     float64 `json:"human_like_mistakes" toml:"human_like_mistakes"`
	ReactionProbability   float64 `json:"reaction_probability" toml:"reaction_probability"`
	HumanControlTimeout   int     `json:"human_control_timeout" toml:"human_control_timeout"`
	MaxMessagesPerHour    int     `json:"max_messages_per_hour" toml:"max_messages_per_hour"`
	MaxMessagesPerMinute  int     `json:"max_messages_per_minute" toml:"max_messages_per_minute"`
	AllowScheduling       bool    `json:"allow_scheduling" toml:"allow_scheduling"`
	MaxScheduledMessages  int     `json:"max_scheduled_messages" toml:"max_scheduled_messages"`
	GreetFirstContact     bool    `json:"greet_first_contact" toml:"greet_first_contact"`
	CacheReuseProbability float64 `json:"cache_reuse_probability" toml:"cache_reuse_probability"`
}

// WithDefaults returns a copy with unset numeric fields filled in.
// Probabilities stay at zero when unset: zero disables the effect.
func (s Settings) WithDefaults() Settings {
	if s.MaxResponseLength <= 0 {
		s.MaxResponseLength = constants.DefaultMaxResponseLength
	}
	if s.HumanControlTimeout <= 0 {
		s.HumanControlTimeout = constants.DefaultHumanControlTimeoutMinutes
	}
	if s.TypingDuration <= 0 {
		s.TypingDuration = constants.DefaultTypingDurationSeconds
	}
	if s.MinResponseDelay < 0 {
		s.MinResponseDelay = 0
	}
	if s.MaxResponseDelay < s.MinResponseDelay {
		s.MaxResponseDelay = s.MinResponseDelay
	}
	if s.TypingVariance < 0 {
		s.TypingVariance = 0
	}
	if s.TypingVariance > 1 {
		s.TypingVariance = 1
	}
	return s
}

// HumanControlLease returns the configured lease length
func (s Settings) HumanControlLease() time.Duration {
	return time.Duration(s.HumanControlTimeout) * time.Minute
}

// BotSession identifies one tenant's bot
type BotSession struct {
	ID          string              `json:"id" toml:"id"`
	Name        string              `json:"name" toml:"name"`
	Identity    string              `json:"identity" toml:"identity"`
	Credentials ProviderCredentials `json:"credentials" toml:"credentials"`
	Settings    Settings            `json:"settings" toml:"settings"`
	Active      bool                `json:"active" toml:"active"`
	StartDate   time.Time           `json:"start_date" toml:"start_date"`
	EndDate     time.Time           `json:"end_date" toml:"end_date"`
}

// ScheduledMessageStatus is the delivery state of a scheduled message
type ScheduledMessageStatus string

const (
	ScheduledPending  ScheduledMessageStatus = "pending"
	ScheduledSent     ScheduledMessageStatus = "sent"
	ScheduledFailed   ScheduledMessageStatus = "failed"
	ScheduledCanceled ScheduledMessageStatus = "canceled"
)

// Terminal reports whether no further delivery attempt may happen
func (s ScheduledMessageStatus) Terminal() bool {
	return s == ScheduledSent || s == ScheduledFailed || s == ScheduledCanceled
}

// ScheduledMessage is a message waiting for its delivery time
type ScheduledMessage struct {
	ID            string                 `json:"id"`
	SessionID     string                 `json:"session_id"`
	Recipient     string                 `json:"recipient"`
	Body          string                 `json:"body"`
	ScheduledTime time.Time              `json:"scheduled_time"`
	Status        ScheduledMessageStatus `json:"status"`
	SentAt        *time.Time             `json:"sent_at,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// IndexMember is the value stored in the due-time index
func (m *ScheduledMessage) IndexMember() string {
	return m.SessionID + ":" + m.ID
}

// AppointmentStatus is the lifecycle state of a booked appointment
type AppointmentStatus string

const (
	AppointmentPending   AppointmentStatus = "pending"
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentCanceled  AppointmentStatus = "canceled"
)

// Appointment is a booking persisted after confirmation
type Appointment struct {
	ID                 string            `json:"id"`
	SessionID          string            `json:"session_id"`
	Contact            string            `json:"contact"`
	Name               string            `json:"name"`
	Description        string            `json:"description"`
	ScheduledTime      time.Time         `json:"scheduled_time"`
	Status             AppointmentStatus `json:"status"`
	RemindedDayBefore  bool              `json:"reminded_day_before"`
	RemindedHourBefore bool              `json:"reminded_hour_before"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// ReminderKind identifies which appointment reminder was sent
type ReminderKind string

const (
	ReminderDayBefore  ReminderKind = "day_before"
	ReminderHourBefore ReminderKind = "hour_before"
)

// BookingStage is the step of an in-progress booking
type BookingStage string

const (
	StageName        BookingStage = "NAME"
	StageDescription BookingStage = "DESCRIPTION"
	StageDate        BookingStage = "DATE"
	StageConfirm     BookingStage = "CONFIRM"
)

// AppointmentDraft is the not-yet-committed booking form of one sender
type AppointmentDraft struct {
	Stage         BookingStage `json:"stage"`
	Name          string       `json:"name"`
	Description   string       `json:"description"`
	ScheduledTime time.Time    `json:"scheduled_time"`
	StartedAt     time.Time    `json:"started_at"`
}
