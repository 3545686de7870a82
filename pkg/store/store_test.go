package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbot-engine/pkg/models"
)

func openStores(t *testing.T) map[string]Store {
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func baseTime() time.Time {
	return time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC)
}

func TestStore_ScheduledMessageLifecycle(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := baseTime()

			msg := &models.ScheduledMessage{
				ID:            "msg-1",
				SessionID:     "bot-1",
				Recipient:     "5511999990000@c.us",
				Body:          "Lembrar reunião",
				ScheduledTime: now.Add(time.Hour),
				Status:        models.ScheduledPending,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			require.NoError(t, s.CreateScheduledMessage(ctx, msg))
			assert.ErrorIs(t, s.CreateScheduledMessage(ctx, msg), ErrDuplicate)

			got, err := s.GetScheduledMessage(ctx, "msg-1")
			require.NoError(t, err)
			assert.Equal(t, msg.Body, got.Body)
			assert.True(t, msg.ScheduledTime.Equal(got.ScheduledTime))
			assert.Nil(t, got.SentAt)

			count, err := s.CountPendingScheduledMessages(ctx, "bot-1")
			require.NoError(t, err)
			assert.Equal(t, 1, count)

			sentAt := now.Add(2 * time.Hour)
			require.NoError(t, s.UpdateScheduledMessageStatus(ctx, "msg-1", models.ScheduledSent, sentAt))

			got, err = s.GetScheduledMessage(ctx, "msg-1")
			require.NoError(t, err)
			assert.Equal(t, models.ScheduledSent, got.Status)
			require.NotNil(t, got.SentAt)
			assert.Equal(t, sentAt.UnixMilli(), got.SentAt.UnixMilli())

			count, err = s.CountPendingScheduledMessages(ctx, "bot-1")
			require.NoError(t, err)
			assert.Equal(t, 0, count)
		})
	}
}

func TestStore_ScheduledMessageMissing(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.GetScheduledMessage(ctx, "nope")
			assert.ErrorIs(t, err, ErrNotFound)

			err = s.UpdateScheduledMessageStatus(ctx, "nope", models.ScheduledCanceled, baseTime())
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_ListScheduledMessagesOrdered(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := baseTime()

			for i, offset := range []time.Duration{3 * time.Hour, time.Hour, 2 * time.Hour} {
				require.NoError(t, s.CreateScheduledMessage(ctx, &models.ScheduledMessage{
					ID:            string(rune('a' + i)),
					SessionID:     "bot-1",
					Recipient:     "r",
					Body:          "b",
					ScheduledTime: now.Add(offset),
					Status:        models.ScheduledPending,
					CreatedAt:     now,
					UpdatedAt:     now,
				}))
			}
			require.NoError(t, s.CreateScheduledMessage(ctx, &models.ScheduledMessage{
				ID: "other", SessionID: "bot-2", Recipient: "r", Body: "b",
				ScheduledTime: now, Status: models.ScheduledPending, CreatedAt: now, UpdatedAt: now,
			}))

			list, err := s.ListScheduledMessages(ctx, "bot-1")
			require.NoError(t, err)
			require.Len(t, list, 3)
			assert.Equal(t, "b", list[0].ID)
			assert.Equal(t, "c", list[1].ID)
			assert.Equal(t, "a", list[2].ID)
		})
	}
}

func TestStore_AppointmentLifecycle(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := baseTime()

			appt := &models.Appointment{
				ID:            "appt-1",
				SessionID:     "bot-1",
				Contact:       "5511999990000@c.us",
				Name:          "Corte de cabelo",
				Description:   "",
				ScheduledTime: now.Add(26 * time.Hour),
				Status:        models.AppointmentConfirmed,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			require.NoError(t, s.CreateAppointment(ctx, appt))

			list, err := s.ListAppointments(ctx, "bot-1")
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "Corte de cabelo", list[0].Name)

			upcoming, err := s.ListConfirmedAppointmentsBetween(ctx, now, now.Add(48*time.Hour))
			require.NoError(t, err)
			require.Len(t, upcoming, 1)

			none, err := s.ListConfirmedAppointmentsBetween(ctx, now, now.Add(time.Hour))
			require.NoError(t, err)
			assert.Empty(t, none)

			require.NoError(t, s.MarkAppointmentReminded(ctx, "appt-1", models.ReminderDayBefore, now))
			got, err := s.GetAppointment(ctx, "appt-1")
			require.NoError(t, err)
			assert.True(t, got.RemindedDayBefore)
			assert.False(t, got.RemindedHourBefore)

			require.NoError(t, s.UpdateAppointmentStatus(ctx, "appt-1", models.AppointmentCanceled, now))
			upcoming, err = s.ListConfirmedAppointmentsBetween(ctx, now, now.Add(48*time.Hour))
			require.NoError(t, err)
			assert.Empty(t, upcoming)

			_, err = s.GetAppointment(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.MarkAppointmentReminded(ctx, "missing", models.ReminderHourBefore, now), ErrNotFound)
		})
	}
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.db")
	ctx := context.Background()
	now := baseTime()

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateScheduledMessage(ctx, &models.ScheduledMessage{
		ID: "persist", SessionID: "bot-1", Recipient: "r", Body: "b",
		ScheduledTime: now, Status: models.ScheduledPending, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetScheduledMessage(ctx, "persist")
	require.NoError(t, err)
	assert.Equal(t, models.ScheduledPending, got.Status)
}
