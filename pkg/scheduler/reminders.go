package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"chatbot-engine/pkg/gateway"
	"chatbot-engine/pkg/metrics"
	"chatbot-engine/pkg/models"
	"chatbot-engine/pkg/store"
)

const (
	dayBeforeWindow  = 24 * time.Hour
	hourBeforeWindow = time.Hour

	reminderTimeLayout = "02/01 às 15:04"

	msgDayBeforeReminder  = "Olá! Passando para lembrar do seu agendamento \"%s\" amanhã, %s. 📅"
	msgHourBeforeReminder = "Lembrete: seu agendamento \"%s\" é daqui a pouco, %s. ⏰"
)

// ReminderResult counts the reminders of one run
type ReminderResult struct {
	Sent    int
	Skipped int
}

// Reminders notifies contacts of confirmed appointments one day and one
// hour before they happen. Each reminder is sent at most once; the flags
// are persisted on the appointment.
type Reminders struct {
	appointments store.Appointments
	registry     Registry
	location     *time.Location
	logger       *logrus.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

func NewReminders(appointments store.Appointments, registry Registry, location *time.Location, logger *logrus.Logger, metrics *metrics.Metrics) *Reminders {
	if location == nil {
		location = time.UTC
	}
	return &Reminders{
		appointments: appointments,
		registry:     registry,
		location:     location,
		logger:       logger,
		metrics:      metrics,
		now:          time.Now,
	}
}

// SetRegistry binds the session registry
func (r *Reminders) SetRegistry(registry Registry) {
	r.registry = registry
}

// Run sends the reminders that became due. Appointments of sessions that
// are not live are skipped and picked up by a later run.
func (r *Reminders) Run(ctx context.Context) (ReminderResult, error) {
	var result ReminderResult

	now := r.now()
	appts, err := r.appointments.ListConfirmedAppointmentsBetween(ctx, now, now.Add(dayBeforeWindow))
	if err != nil {
		return result, fmt.Errorf("failed to list upcoming appointments: %w", err)
	}

	for i := range appts {
		appt := &appts[i]
		kind, ok := reminderDue(appt, now)
		if !ok {
			continue
		}

		logger := r.logger.WithFields(logrus.Fields{
			"session_id":     appt.SessionID,
			"appointment_id": appt.ID,
			"reminder":       kind,
		})

		client, live := r.registry.Outbound(appt.SessionID)
		if !live {
			result.Skipped++
			continue
		}

		if err := client.SendText(ctx, appt.Contact, r.reminderText(appt, kind), gateway.SendOptions{}); err != nil {
			logger.WithError(err).Warn("Failed to send appointment reminder")
			result.Skipped++
			continue
		}

		if err := r.appointments.MarkAppointmentReminded(ctx, appt.ID, kind, now); err != nil {
			logger.WithError(err).Error("Sent appointment reminder but failed to record it")
			continue
		}
		if kind == models.ReminderHourBefore && !appt.RemindedDayBefore {
			// too late for the day-before reminder, never send it
			if err := r.appointments.MarkAppointmentReminded(ctx, appt.ID, models.ReminderDayBefore, now); err != nil {
				logger.WithError(err).Warn("Failed to record skipped day-before reminder")
			}
		}

		r.metrics.RemindersSent.WithLabelValues(string(kind)).Inc()
		result.Sent++
		logger.Info("Sent appointment reminder")
	}

	return result, nil
}

// reminderDue picks the reminder an appointment needs at now
func reminderDue(appt *models.Appointment, now time.Time) (models.ReminderKind, bool) {
	until := appt.ScheduledTime.Sub(now)
	switch {
	case until <= 0:
		return "", false
	case until <= hourBeforeWindow:
		return models.ReminderHourBefore, !appt.RemindedHourBefore
	case until <= dayBeforeWindow:
		return models.ReminderDayBefore, !appt.RemindedDayBefore
	}
	return "", false
}

func (r *Reminders) reminderText(appt *models.Appointment, kind models.ReminderKind) string {
	when := appt.ScheduledTime.In(r.location).Format(reminderTimeLayout)
	if kind == models.ReminderHourBefore {
		return fmt.Sprintf(msgHourBeforeReminder, appt.Name, when)
	}
	return fmt.Sprintf(msgDayBeforeReminder, appt.Name, when)
}
