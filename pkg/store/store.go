// Package store persists scheduled messages and appointments.
package store

import (
	"context"
	"errors"
	"time"

	"chatbot-engine/pkg/models"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("store: record not found")
	// ErrDuplicate is returned when creating a record whose id already exists
	ErrDuplicate = errors.New("store: duplicate record")
)

// ScheduledMessages is the persistence contract of the scheduled message engine
type ScheduledMessages interface {
	CreateScheduledMessage(ctx context.Context, msg *models.ScheduledMessage) error
	GetScheduledMessage(ctx context.Context, id string) (*models.ScheduledMessage, error)
	ListScheduledMessages(ctx context.Context, sessionID string) ([]models.ScheduledMessage, error)
	CountPendingScheduledMessages(ctx context.Context, sessionID string) (int, error)
	// UpdateScheduledMessageStatus sets the status and its timestamp. The
	// timestamp is recorded as SentAt when the status is sent.
	UpdateScheduledMessageStatus(ctx context.Context, id string, status models.ScheduledMessageStatus, at time.Time) error
}

// Appointments is the persistence contract of the booking flow and the reminder sweep
type Appointments interface {
	CreateAppointment(ctx context.Context, appt *models.Appointment) error
	GetAppointment(ctx context.Context, id string) (*models.Appointment, error)
	ListAppointments(ctx context.Context, sessionID string) ([]models.Appointment, error)
	// ListConfirmedAppointmentsBetween returns confirmed appointments whose
	// scheduled time falls in [from, to], ordered by time.
	ListConfirmedAppointmentsBetween(ctx context.Context, from, to time.Time) ([]models.Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id string, status models.AppointmentStatus, at time.Time) error
	MarkAppointmentReminded(ctx context.Context, id string, kind models.ReminderKind, at time.Time) error
}

// Store bundles both contracts
type Store interface {
	ScheduledMessages
	Appointments
	Close() error
}
