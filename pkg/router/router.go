// Package router decides what happens to an admitted message: dropped while
// a human holds the conversation, consumed by the booking flow or a chat
// command, or handed to reply generation.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"chatbot-engine/pkg/constants"
	"chatbot-engine/pkg/models"
	"chatbot-engine/pkg/scheduler"
	"chatbot-engine/pkg/store"
)

// Action tells the pipeline what to do with a message
type Action string

const (
	ActionDrop     Action = "drop"
	ActionReply    Action = "reply"
	ActionGenerate Action = "generate"
)

// State is the conversation state of one sender
type State string

const (
	StateNormal             State = "NORMAL"
	StateHumanControl       State = "HUMAN_CONTROL"
	StateBookingName        State = "BOOKING_NAME"
	StateBookingDescription State = "BOOKING_DESCRIPTION"
	StateBookingDate        State = "BOOKING_DATE"
	StateBookingConfirm     State = "BOOKING_CONFIRM"
)

func bookingState(stage models.BookingStage) State {
	return State("BOOKING_" + string(stage))
}

// Outcome is the routing decision. Reply is set for ActionReply.
type Outcome struct {
	Action Action
	Reply  string
	State  State
}

// MessageScheduler is the part of the scheduled message engine the chat
// commands use
type MessageScheduler interface {
	ScheduleFor(ctx context.Context, settings models.Settings, sessionID, recipient, body string, when time.Time) (*models.ScheduledMessage, error)
	Cancel(ctx context.Context, sessionID, id string) (bool, error)
}

// Config describes the session a Router belongs to
type Config struct {
	SessionID string
	Settings  models.Settings
	Location  *time.Location
}

// Router holds the leases and booking drafts of one session. Messages of one
// sender must be routed one at a time; different senders may be routed
// concurrently.
type Router struct {
	cfg          Config
	appointments store.Appointments
	scheduler    MessageScheduler
	logger       *logrus.Logger
	now          func() time.Time

	mu     sync.Mutex
	leases map[string]time.Time
	drafts map[string]*models.AppointmentDraft
}

// Option customizes a Router
type Option func(*Router)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		r.now = now
	}
}

// NewRouter builds a Router. sched may be nil when message scheduling is
// not wired.
func NewRouter(cfg Config, appointments store.Appointments, sched MessageScheduler, logger *logrus.Logger, opts ...Option) *Router {
	cfg.Settings = cfg.Settings.WithDefaults()
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	r := &Router{
		cfg:          cfg,
		appointments: appointments,
		scheduler:    sched,
		logger:       logger,
		now:          time.Now,
		leases:       make(map[string]time.Time),
		drafts:       make(map[string]*models.AppointmentDraft),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) log(senderID string) *logrus.Entry {
	return r.logger.WithFields(logrus.Fields{
		"session_id": r.cfg.SessionID,
		"sender":     senderID,
	})
}

// Route decides the fate of one admitted message. The returned error reports
// a persistence failure; the outcome is still meaningful and should be acted on.
func (r *Router) Route(ctx context.Context, senderID, text string) (Outcome, error) {
	now := r.now()
	trimmed := strings.TrimSpace(text)

	if strings.EqualFold(trimmed, constants.CommandHumanControl) {
		r.takeOver(senderID, now)
		return Outcome{Action: ActionDrop, State: StateHumanControl}, nil
	}

	if r.underHumanControl(senderID, now) {
		r.log(senderID).Debug("Message ignored, human in control")
		return Outcome{Action: ActionDrop, State: StateHumanControl}, nil
	}

	if draft := r.draft(senderID); draft != nil {
		return r.advanceBooking(ctx, senderID, draft, trimmed, now)
	}

	command, args := parseCommand(trimmed)
	switch command {
	case constants.CommandBooking:
		return r.startBooking(senderID, now), nil
	case constants.CommandScheduleMessage:
		return r.scheduleMessage(ctx, senderID, args, now)
	case constants.CommandCancelMessage:
		return r.cancelMessage(ctx, senderID, args)
	}

	return Outcome{Action: ActionGenerate, State: StateNormal}, nil
}

// State reports the current state of senderID
func (r *Router) State(senderID string) State {
	if r.underHumanControl(senderID, r.now()) {
		return StateHumanControl
	}
	if draft := r.draft(senderID); draft != nil {
		return bookingState(draft.Stage)
	}
	return StateNormal
}

// Draft returns a copy of the booking draft of senderID, or nil
func (r *Router) Draft(senderID string) *models.AppointmentDraft {
	d := r.draft(senderID)
	if d == nil {
		return nil
	}
	cp := *d
	return &cp
}

// LeaseExpiry returns when the human control lease of senderID ends
func (r *Router) LeaseExpiry(senderID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.leases[senderID]
	return exp, ok
}

// Reset forgets every lease and draft. Called on session teardown.
func (r *Router) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leases = make(map[string]time.Time)
	r.drafts = make(map[string]*models.AppointmentDraft)
}

func (r *Router) takeOver(senderID string, now time.Time) {
	expiry := now.Add(r.cfg.Settings.HumanControlLease())

	r.mu.Lock()
	r.leases[senderID] = expiry
	delete(r.drafts, senderID)
	r.mu.Unlock()

	r.log(senderID).WithField("lease_expiry", expiry).Info("Human took over the conversation")
}

// underHumanControl evaluates the lease lazily, dropping it once expired
func (r *Router) underHumanControl(senderID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	expiry, ok := r.leases[senderID]
	if !ok {
		return false
	}
	if now.Before(expiry) {
		return true
	}
	delete(r.leases, senderID)
	return false
}

func (r *Router) draft(senderID string) *models.AppointmentDraft {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drafts[senderID]
}

func (r *Router) setDraft(senderID string, draft *models.AppointmentDraft) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if draft == nil {
		delete(r.drafts, senderID)
		return
	}
	r.drafts[senderID] = draft
}

// parseCommand splits "#cmd|a|b" into the lower-cased command and its args
func parseCommand(text string) (string, []string) {
	if !strings.HasPrefix(text, "#") {
		return "", nil
	}
	parts := strings.Split(text, constants.CommandArgSeparator)
	command := strings.ToLower(strings.TrimSpace(parts[0]))
	if i := strings.IndexFunc(command, func(r rune) bool { return r == ' ' }); i > 0 {
		command = command[:i]
	}
	args := make([]string, 0, len(parts)-1)
	for _, p := range parts[1:] {
		args = append(args, strings.TrimSpace(p))
	}
	return command, args
}

func reply(state State, format string, args ...interface{}) Outcome {
	return Outcome{Action: ActionReply, Reply: fmt.Sprintf(format, args...), State: state}
}

func (r *Router) scheduleMessage(ctx context.Context, senderID string, args []string, now time.Time) (Outcome, error) {
	if r.scheduler == nil || !r.cfg.Settings.AllowScheduling {
		return reply(StateNormal, msgSchedulingDisabled), nil
	}
	if len(args) < 2 || args[1] == "" {
		return reply(StateNormal, msgScheduleUsage, constants.BookingDateLayoutHint), nil
	}

	when, err := time.ParseInLocation(constants.BookingDateLayout, args[0], r.cfg.Location)
	if err != nil || !when.After(now) {
		return reply(StateNormal, msgScheduleUsage, constants.BookingDateLayoutHint), nil
	}

	body := strings.Join(args[1:], constants.CommandArgSeparator)
	msg, err := r.scheduler.ScheduleFor(ctx, r.cfg.Settings, r.cfg.SessionID, senderID, body, when)
	switch {
	case errors.Is(err, scheduler.ErrSchedulingDisabled):
		return reply(StateNormal, msgSchedulingDisabled), nil
	case errors.Is(err, scheduler.ErrScheduleLimit):
		return reply(StateNormal, msgScheduleLimit, r.cfg.Settings.MaxScheduledMessages), nil
	case errors.Is(err, scheduler.ErrInvalidMessage):
		return reply(StateNormal, msgScheduleUsage, constants.BookingDateLayoutHint), nil
	case err != nil:
		return reply(StateNormal, msgTryAgain), fmt.Errorf("failed to schedule message: %w", err)
	}

	r.log(senderID).WithFields(logrus.Fields{
		"message_id": msg.ID,
		"when":       when,
	}).Info("Scheduled message from chat command")
	return reply(StateNormal, msgScheduled, when.Format(constants.BookingDateLayout), msg.ID), nil
}

func (r *Router) cancelMessage(ctx context.Context, senderID string, args []string) (Outcome, error) {
	if r.scheduler == nil || !r.cfg.Settings.AllowScheduling {
		return reply(StateNormal, msgSchedulingDisabled), nil
	}
	if len(args) == 0 || args[0] == "" {
		return reply(StateNormal, msgCancelUsage), nil
	}

	canceled, err := r.scheduler.Cancel(ctx, r.cfg.SessionID, args[0])
	if err != nil {
		return reply(StateNormal, msgTryAgain), fmt.Errorf("failed to cancel scheduled message: %w", err)
	}
	if !canceled {
		return reply(StateNormal, msgScheduleNotFound), nil
	}

	r.log(senderID).WithField("message_id", args[0]).Info("Canceled scheduled message from chat command")
	return reply(StateNormal, msgScheduleCanceled), nil
}

func newAppointmentID() string {
	return uuid.NewString()
}
