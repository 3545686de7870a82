package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatbot-engine/pkg/models"
)

// MemoryStore keeps records in process memory. Returned records are copies.
type MemoryStore struct {
	mu           sync.RWMutex
	messages     map[string]models.ScheduledMessage
	appointments map[string]models.Appointment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:     make(map[string]models.ScheduledMessage),
		appointments: make(map[string]models.Appointment),
	}
}

func (s *MemoryStore) CreateScheduledMessage(ctx context.Context, msg *models.ScheduledMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[msg.ID]; exists {
		return ErrDuplicate
	}
	s.messages[msg.ID] = copyMessage(*msg)
	return nil
}

func (s *MemoryStore) GetScheduledMessage(ctx context.Context, id string) (*models.ScheduledMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, exists := s.messages[id]
	if !exists {
		return nil, ErrNotFound
	}
	out := copyMessage(msg)
	return &out, nil
}

func (s *MemoryStore) ListScheduledMessages(ctx context.Context, sessionID string) ([]models.ScheduledMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ScheduledMessage, 0)
	for _, msg := range s.messages {
		if msg.SessionID == sessionID {
			out = append(out, copyMessage(msg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(out[j].ScheduledTime) })
	return out, nil
}

func (s *MemoryStore) CountPendingScheduledMessages(ctx context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, msg := range s.messages {
		if msg.SessionID == sessionID && msg.Status == models.ScheduledPending {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) UpdateScheduledMessageStatus(ctx context.Context, id string, status models.ScheduledMessageStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, exists := s.messages[id]
	if !exists {
		return ErrNotFound
	}
	msg.Status = status
	msg.UpdatedAt = at
	if status == models.ScheduledSent {
		sentAt := at
		msg.SentAt = &sentAt
	}
	s.messages[id] = msg
	return nil
}

func (s *MemoryStore) CreateAppointment(ctx context.Context, appt *models.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.appointments[appt.ID]; exists {
		return ErrDuplicate
	}
	s.appointments[appt.ID] = *appt
	return nil
}

func (s *MemoryStore) GetAppointment(ctx context.Context, id string) (*models.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	appt, exists := s.appointments[id]
	if !exists {
		return nil, ErrNotFound
	}
	return &appt, nil
}

func (s *MemoryStore) ListAppointments(ctx context.Context, sessionID string) ([]models.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Appointment, 0)
	for _, appt := range s.appointments {
		if appt.SessionID == sessionID {
			out = append(out, appt)
		}
	}
	sortAppointments(out)
	return out, nil
}

func (s *MemoryStore) ListConfirmedAppointmentsBetween(ctx context.Context, from, to time.Time) ([]models.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Appointment, 0)
	for _, appt := range s.appointments {
		if appt.Status != models.AppointmentConfirmed {
			continue
		}
		if appt.ScheduledTime.Before(from) || appt.ScheduledTime.After(to) {
			continue
		}
		out = append(out, appt)
	}
	sortAppointments(out)
	return out, nil
}

func (s *MemoryStore) UpdateAppointmentStatus(ctx context.Context, id string, status models.AppointmentStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	appt, exists := s.appointments[id]
	if !exists {
		return ErrNotFound
	}
	appt.Status = status
	appt.UpdatedAt = at
	s.appointments[id] = appt
	return nil
}

func (s *MemoryStore) MarkAppointmentReminded(ctx context.Context, id string, kind models.ReminderKind, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	appt, exists := s.appointments[id]
	if !exists {
		return ErrNotFound
	}
	switch kind {
	case models.ReminderDayBefore:
		appt.RemindedDayBefore = true
	case models.ReminderHourBefore:
		appt.RemindedHourBefore = true
	}
	appt.UpdatedAt = at
	s.appointments[id] = appt
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func copyMessage(msg models.ScheduledMessage) models.ScheduledMessage {
	if msg.SentAt != nil {
		sentAt := *msg.SentAt
		msg.SentAt = &sentAt
	}
	return msg
}

func sortAppointments(appts []models.Appointment) {
	sort.Slice(appts, func(i, j int) bool { return appts[i].ScheduledTime.Before(appts[j].ScheduledTime) })
}
