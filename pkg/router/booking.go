package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"chatbot-engine/pkg/constants"
	"chatbot-engine/pkg/models"
)

const (
	msgAskName        = "Vamos agendar! 📅 Qual é o nome ou título do compromisso?"
	msgAskDescription = "Quer adicionar uma descrição? Envie o texto ou \"%s\" para pular."
	msgAskDate        = "Qual a data e hora? Use o formato %s (ex.: 2030-01-01 10:00)."
	msgInvalidDate    = "Não entendi a data. Use o formato %s, por favor."
	msgPastDate       = "Essa data já passou. Informe uma data futura no formato %s."
	msgConfirm        = "Confira os dados:\nNome: %s\nDescrição: %s\nData: %s\n\nResponda %s para confirmar ou %s para cancelar."
	msgConfirmAgain   = "Responda %s para confirmar ou %s para cancelar."
	msgBooked         = "Agendamento confirmado para %s. ✅"
	msgBookingAborted = "Agendamento cancelado."
	msgSaveFailed     = "Não consegui salvar o agendamento agora. Envie %s novamente em instantes."

	msgSchedulingDisabled = "O agendamento de mensagens não está habilitado."
	msgScheduleUsage      = "Use #lembrar|%s|texto com uma data futura."
	msgScheduleLimit      = "Limite de %d mensagens agendadas atingido."
	msgScheduled          = "Mensagem agendada para %s. Código: %s"
	msgCancelUsage        = "Use #desagendar|código."
	msgScheduleNotFound   = "Não encontrei essa mensagem agendada."
	msgScheduleCanceled   = "Mensagem agendada cancelada."
	msgTryAgain           = "Não consegui concluir agora. Tente novamente em instantes."
)

func (r *Router) startBooking(senderID string, now time.Time) Outcome {
	r.setDraft(senderID, &models.AppointmentDraft{
		Stage:     models.StageName,
		StartedAt: now,
	})
	r.log(senderID).Debug("Booking started")
	return reply(StateBookingName, msgAskName)
}

// advanceBooking feeds one message to the draft of senderID. Invalid input
// re-prompts without changing the stage.
func (r *Router) advanceBooking(ctx context.Context, senderID string, draft *models.AppointmentDraft, input string, now time.Time) (Outcome, error) {
	next := *draft

	switch draft.Stage {
	case models.StageName:
		if input == "" {
			return reply(StateBookingName, msgAskName), nil
		}
		next.Name = input
		next.Stage = models.StageDescription
		r.setDraft(senderID, &next)
		return reply(StateBookingDescription, msgAskDescription, constants.TokenNoDescription), nil

	case models.StageDescription:
		if strings.EqualFold(input, constants.TokenNoDescription) {
			input = ""
		}
		next.Description = input
		next.Stage = models.StageDate
		r.setDraft(senderID, &next)
		return reply(StateBookingDate, msgAskDate, constants.BookingDateLayoutHint), nil

	case models.StageDate:
		when, err := time.ParseInLocation(constants.BookingDateLayout, input, r.cfg.Location)
		if err != nil {
			return reply(StateBookingDate, msgInvalidDate, constants.BookingDateLayoutHint), nil
		}
		if !when.After(now) {
			return reply(StateBookingDate, msgPastDate, constants.BookingDateLayoutHint), nil
		}
		next.ScheduledTime = when
		next.Stage = models.StageConfirm
		r.setDraft(senderID, &next)
		return reply(StateBookingConfirm, msgConfirm,
			next.Name, describe(next.Description), when.Format(constants.BookingDateLayout),
			constants.TokenConfirm, constants.TokenCancel), nil

	case models.StageConfirm:
		switch strings.ToUpper(input) {
		case constants.TokenConfirm:
			return r.confirmBooking(ctx, senderID, draft, now)
		case constants.TokenCancel:
			r.setDraft(senderID, nil)
			r.log(senderID).Debug("Booking canceled")
			return reply(StateNormal, msgBookingAborted), nil
		}
		return reply(StateBookingConfirm, msgConfirmAgain, constants.TokenConfirm, constants.TokenCancel), nil
	}

	// unknown stage, start over
	r.setDraft(senderID, nil)
	return Outcome{Action: ActionGenerate, State: StateNormal}, nil
}

func (r *Router) confirmBooking(ctx context.Context, senderID string, draft *models.AppointmentDraft, now time.Time) (Outcome, error) {
	appt := &models.Appointment{
		ID:            newAppointmentID(),
		SessionID:     r.cfg.SessionID,
		Contact:       senderID,
		Name:          draft.Name,
		Description:   draft.Description,
		ScheduledTime: draft.ScheduledTime,
		Status:        models.AppointmentConfirmed,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.appointments.CreateAppointment(ctx, appt); err != nil {
		return reply(StateBookingConfirm, msgSaveFailed, constants.TokenConfirm), fmt.Errorf("failed to persist appointment: %w", err)
	}

	r.setDraft(senderID, nil)
	r.log(senderID).WithFields(logrus.Fields{
		"appointment_id": appt.ID,
		"scheduled_time": appt.ScheduledTime,
	}).Info("Appointment confirmed")

	return reply(StateNormal, msgBooked, appt.ScheduledTime.Format(constants.BookingDateLayout)), nil
}

func describe(description string) string {
	if description == "" {
		return "-"
	}
	return description
}
